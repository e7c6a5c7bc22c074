// Package main runs the Pukkelpop ticket monitor: a scan loop that watches the
// resale site and emails subscribers, plus a small password protected web UI.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"pkpchecker/archive"
	"pkpchecker/config"
	"pkpchecker/email"
	"pkpchecker/poll"
	"pkpchecker/scraper"
	"pkpchecker/server"
	store "pkpchecker/storage"
)

const brevoSenderName = "Pukkelpop Ticket Monitor"

func main() {
	loaded := config.LoadDotEnv()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	// Initialize structured logger
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}))
	slog.SetDefault(logger)
	if len(loaded) > 0 {
		logger.Info("Loaded environment files", "paths", loaded)
	}

	if err := run(cfg, logger); err != nil {
		logger.Error("Service failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := db.Close(); err != nil {
			logger.Warn("Failed to close database", "error", err)
		}
	}()
	if err := db.Migrate(ctx); err != nil {
		return err
	}

	provider, err := newEmailProvider(ctx, cfg, logger)
	if err != nil {
		return err
	}
	sender := email.New(provider, logger, cfg.BaseURL)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	opts := []poll.Option{
		poll.WithInterval(cfg.ScanInterval),
		poll.WithErrorBackoff(cfg.ErrorBackoff),
		poll.WithMetrics(poll.NewMetrics(reg)),
	}

	srvCfg := &server.Config{
		Store:        db,
		Logger:       logger,
		Gatherer:     reg,
		Registerer:   reg,
		Password:     cfg.AppPassword,
		SecretKey:    []byte(cfg.SecretKey),
		CookieSecure: cfg.CookieSecure,
	}

	publisher, closeArchive, err := newArchive(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeArchive()
	if publisher != nil {
		opts = append(opts, poll.WithPublisher(publisher))
		srvCfg.Archive = publisher
	}

	source := scraper.New(&http.Client{Timeout: cfg.RequestTimeout}, cfg.ListingURLTemplate, cfg.PurchaseURLPrefix, logger)
	cycle := poll.New(source, db, &alerts{sender: sender}, logger, opts...)

	srv, err := server.New(srvCfg)
	if err != nil {
		return err
	}

	logger.Info("Starting Pukkelpop ticket monitor",
		"email_provider", cfg.EmailProvider,
		"base_url", cfg.BaseURL,
		"scan_interval", cfg.ScanInterval.String())

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return cycle.Run(ctx) })
	g.Go(func() error { return srv.ListenAndServe(ctx, cfg.Port) })
	return g.Wait()
}

// alerts adapts the email sender to the scan cycle.
type alerts struct {
	sender *email.Sender
}

func (a *alerts) Begin(ctx context.Context) (poll.Batch, error) {
	b, err := a.sender.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return b, nil
}

func newEmailProvider(ctx context.Context, cfg *config.Config, logger *slog.Logger) (email.Provider, error) {
	switch cfg.EmailProvider {
	case config.ProviderSMTP:
		return email.NewSMTPProvider(cfg.SMTPHost, cfg.SMTPPort, cfg.EmailUser, cfg.EmailPassword, logger), nil
	case config.ProviderBrevo:
		return email.NewBrevoProvider(cfg.BrevoAPIKey, cfg.EmailUser, brevoSenderName, logger), nil
	case config.ProviderGmail:
		svc, err := initGmailService(ctx, cfg.GoogleCredentials)
		if err != nil {
			return nil, fmt.Errorf("init gmail service: %w", err)
		}
		return email.NewGmailProvider(svc, logger), nil
	case config.ProviderMock:
		logger.Info("Mock email mode enabled")
		return email.NewMockProvider(logger), nil
	default:
		return nil, fmt.Errorf("unknown email provider %q", cfg.EmailProvider)
	}
}

// newArchive returns nil when neither a bucket nor a directory is configured.
func newArchive(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*archive.Publisher, func(), error) {
	noop := func() {}
	switch {
	case cfg.ArchiveDir != "":
		if err := os.MkdirAll(cfg.ArchiveDir, 0o755); err != nil {
			return nil, noop, fmt.Errorf("create archive directory: %w", err)
		}
		logger.Info("Archiving snapshots locally", "path", cfg.ArchiveDir)
		return archive.New(nil, "", cfg.ArchiveDir, logger), noop, nil
	case cfg.StorageBucket != "":
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, noop, fmt.Errorf("init storage client: %w", err)
		}
		logger.Info("Archiving snapshots to Cloud Storage", "bucket", cfg.StorageBucket)
		return archive.New(client, cfg.StorageBucket, "", logger), func() {
			if err := client.Close(); err != nil {
				logger.Warn("Failed to close storage client", "error", err)
			}
		}, nil
	default:
		return nil, noop, nil
	}
}

// isCloudRun checks if we're running in a GCP environment by querying the metadata server.
func isCloudRun(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://metadata.google.internal/computeMetadata/v1/project/project-id", nil)
	if err != nil {
		return false
	}
	req.Header.Set("Metadata-Flavor", "Google")

	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	return resp.StatusCode == http.StatusOK
}

func initGmailService(ctx context.Context, credsJSON string) (*gmail.Service, error) {
	if credsJSON != "" {
		return gmail.NewService(ctx, option.WithCredentialsJSON([]byte(credsJSON)))
	}

	// Application Default Credentials; the service account needs the gmail.send scope.
	if isCloudRun(ctx) {
		return gmail.NewService(ctx)
	}

	return nil, errors.New("GOOGLE_CREDENTIALS_JSON required when not running on Google Cloud")
}
