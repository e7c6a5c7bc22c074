// Package server handles HTTP endpoints and request routing.
package server

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"net/mail"
	"regexp"
	"time"

	"github.com/gorilla/sessions"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/crypto/bcrypt"

	"pkpchecker/archive"
	"pkpchecker/pkg/notifier"
	"pkpchecker/storage"
)

//go:embed tmpl/*.tmpl
var templateFS embed.FS

var (
	emailRegex = regexp.MustCompile(`^[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}$`)

	// Templates.
	templates = template.Must(template.ParseFS(templateFS, "tmpl/*.tmpl"))
)

const sessionName = "pkpchecker-session"

// Store is the persistence the web layer reads and writes.
type Store interface {
	AddSubscription(ctx context.Context, email string, day notifier.Day, camping notifier.Camping) (bool, error)
	AddSubscriptions(ctx context.Context, email string, day notifier.Day, campings []notifier.Camping) (int, error)
	Deactivate(ctx context.Context, email string) (int64, error)
	Overview(ctx context.Context) ([]storage.Availability, error)
	LastRefreshed(ctx context.Context) (time.Time, bool, error)
	SubscriberCounts(ctx context.Context) ([]storage.DayCount, error)
	RecentNotifications(ctx context.Context, limit int) ([]notifier.NotificationRecord, error)
	NotificationCount(ctx context.Context) (int, error)
	Ping(ctx context.Context) error
}

// Archive serves the latest archived snapshot.
type Archive interface {
	Latest(ctx context.Context) (*archive.Snapshot, error)
}

// Config holds server configuration.
type Config struct {
	Store        Store
	Archive      Archive // optional
	Logger       *slog.Logger
	Gatherer     prometheus.Gatherer   // defaults to prometheus.DefaultGatherer
	Registerer   prometheus.Registerer // request metrics; nil skips registration
	Password     string
	SecretKey    []byte
	CookieSecure bool
}

// Server handles HTTP requests.
type Server struct {
	store        Store
	archive      Archive
	logger       *slog.Logger
	sessions     *sessions.CookieStore
	gatherer     prometheus.Gatherer
	metrics      *httpMetrics
	subscribeRL  *rateLimiter
	loginRL      *rateLimiter
	passwordHash []byte
}

// New creates a new HTTP server handler. The shared password is hashed once
// so requests never compare it in plain text.
func New(cfg *Config) (*Server, error) {
	if cfg.Password == "" {
		return nil, errors.New("password is required")
	}
	if len(cfg.SecretKey) == 0 {
		return nil, errors.New("secret key is required")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(cfg.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	store := sessions.NewCookieStore(cfg.SecretKey)
	store.Options = &sessions.Options{
		Path:     "/",
		MaxAge:   7 * 24 * 60 * 60,
		HttpOnly: true,
		Secure:   cfg.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	}

	gatherer := cfg.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	return &Server{
		store:        cfg.Store,
		archive:      cfg.Archive,
		logger:       cfg.Logger,
		sessions:     store,
		gatherer:     gatherer,
		metrics:      newHTTPMetrics(cfg.Registerer),
		subscribeRL:  newRateLimiter(5, time.Hour),
		loginRL:      newRateLimiter(10, 15*time.Minute),
		passwordHash: hash,
	}, nil
}

// Handler returns the routed handler with request metrics applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.requireAuth(s.handleRoot))
	mux.HandleFunc("/subscribe", s.requireAuth(s.handleSubscribe))
	mux.HandleFunc("/unsubscribe", s.requireAuth(s.handleUnsubscribe))
	mux.HandleFunc("/stats", s.requireAuth(s.handleStats))
	mux.HandleFunc("/snapshot.json", s.requireAuth(s.handleSnapshot))
	mux.HandleFunc("/login", s.handleLogin)
	mux.HandleFunc("/logout", s.handleLogout)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	return s.metrics.middleware(mux)
}

// ListenAndServe serves on port until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, port string) error {
	server := &http.Server{
		Addr:              ":" + port,
		Handler:           s.Handler(),
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting HTTP server", "port", port)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s.logger.Info("Shutting down HTTP server")
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := s.store.Ping(r.Context()); err != nil {
		s.logger.Warn("Health check failed", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		if _, err := fmt.Fprint(w, `{"status":"unhealthy"}`); err != nil {
			s.logger.Warn("Failed to write health response", "error", err)
		}
		return
	}

	w.WriteHeader(http.StatusOK)
	if _, err := fmt.Fprint(w, `{"status":"healthy"}`); err != nil {
		s.logger.Warn("Failed to write health response", "error", err)
	}
}

func (s *Server) render(w http.ResponseWriter, name string, data any) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("X-Frame-Options", "DENY")
	w.Header().Set("Content-Security-Policy", "default-src 'self'; style-src 'self' 'unsafe-inline'; img-src 'self' data:")

	if err := templates.ExecuteTemplate(w, name, data); err != nil {
		s.logger.Error("Failed to render template", "template", name, "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}

func isValidEmail(email string) bool {
	if len(email) < 3 || len(email) > 254 {
		return false
	}

	// Use mail.ParseAddress for robust validation
	_, err := mail.ParseAddress(email)
	return err == nil && emailRegex.MatchString(email)
}
