// Package config reads settings from the environment.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Email providers.
const (
	ProviderSMTP  = "smtp"
	ProviderGmail = "gmail"
	ProviderBrevo = "brevo"
	ProviderMock  = "mock"
)

const (
	defaultListingURLTemplate = "https://tickets.pukkelpop.be/nl/meetup/demand/?type={day}&camping={camping}&price=all"
	defaultPurchasePrefix     = "https://tickets.pukkelpop.be/nl/meetup/buy/"
)

// Config holds every setting the service reads at startup.
type Config struct {
	SecretKey          string
	AppPassword        string
	EmailProvider      string
	EmailUser          string
	EmailPassword      string
	SMTPHost           string
	BrevoAPIKey        string
	GoogleCredentials  string
	DatabaseURL        string
	ListingURLTemplate string
	PurchaseURLPrefix  string
	BaseURL            string
	Port               string
	StorageBucket      string
	ArchiveDir         string
	SMTPPort           int
	LogLevel           slog.Level
	ScanInterval       time.Duration
	ErrorBackoff       time.Duration
	RequestTimeout     time.Duration
	CookieSecure       bool
}

// LoadDotEnv loads .env files into the environment. Missing files are not an
// error; values already set in the environment win.
func LoadDotEnv(paths ...string) []string {
	if len(paths) == 0 {
		paths = []string{".env", "/etc/pkpchecker/.env"}
	}
	var loaded []string
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		if err := godotenv.Load(p); err == nil {
			loaded = append(loaded, p)
		}
	}
	return loaded
}

// Load reads the environment. It fails when a required secret is missing.
func Load() (*Config, error) {
	cfg := &Config{
		SecretKey:          os.Getenv("SECRET_KEY"),
		AppPassword:        os.Getenv("APP_PASSWORD"),
		EmailProvider:      strings.ToLower(getenv("EMAIL_PROVIDER", ProviderSMTP)),
		EmailUser:          os.Getenv("EMAIL_USER"),
		EmailPassword:      os.Getenv("EMAIL_PASSWORD"),
		SMTPHost:           getenv("SMTP_HOST", "smtp.gmail.com"),
		BrevoAPIKey:        os.Getenv("BREVO_API_KEY"),
		GoogleCredentials:  os.Getenv("GOOGLE_CREDENTIALS_JSON"),
		DatabaseURL:        getenv("DATABASE_URL", "stealers.db"),
		ListingURLTemplate: getenv("LISTING_URL_TEMPLATE", defaultListingURLTemplate),
		PurchaseURLPrefix:  getenv("PURCHASE_URL_PREFIX", defaultPurchasePrefix),
		BaseURL:            strings.TrimRight(getenv("BASE_URL", "http://localhost:5000"), "/"),
		Port:               getenv("PORT", "5000"),
		StorageBucket:      os.Getenv("STORAGE_BUCKET"),
		ArchiveDir:         os.Getenv("ARCHIVE_DIR"),
	}

	var errs []error

	port, err := strconv.Atoi(getenv("SMTP_PORT", "465"))
	if err != nil || port <= 0 {
		errs = append(errs, fmt.Errorf("SMTP_PORT: invalid port %q", os.Getenv("SMTP_PORT")))
	}
	cfg.SMTPPort = port

	if err := cfg.LogLevel.UnmarshalText([]byte(getenv("LOG_LEVEL", "info"))); err != nil {
		errs = append(errs, fmt.Errorf("LOG_LEVEL: %w", err))
	}

	for _, d := range []struct {
		dst  *time.Duration
		name string
		def  time.Duration
	}{
		{&cfg.ScanInterval, "SCAN_INTERVAL", 30 * time.Second},
		{&cfg.ErrorBackoff, "ERROR_BACKOFF", 60 * time.Second},
		{&cfg.RequestTimeout, "REQUEST_TIMEOUT", 30 * time.Second},
	} {
		v, err := duration(d.name, d.def)
		if err != nil {
			errs = append(errs, err)
		}
		*d.dst = v
	}

	secure, err := strconv.ParseBool(getenv("COOKIE_SECURE", "false"))
	if err != nil {
		errs = append(errs, fmt.Errorf("COOKIE_SECURE: %w", err))
	}
	cfg.CookieSecure = secure

	if cfg.SecretKey == "" {
		errs = append(errs, errors.New("SECRET_KEY is required"))
	}
	if cfg.AppPassword == "" {
		errs = append(errs, errors.New("APP_PASSWORD is required"))
	}

	switch cfg.EmailProvider {
	case ProviderSMTP:
		if cfg.EmailUser == "" || cfg.EmailPassword == "" {
			errs = append(errs, errors.New("EMAIL_USER and EMAIL_PASSWORD are required for the smtp provider"))
		}
	case ProviderBrevo:
		if cfg.BrevoAPIKey == "" || cfg.EmailUser == "" {
			errs = append(errs, errors.New("BREVO_API_KEY and EMAIL_USER are required for the brevo provider"))
		}
	case ProviderGmail, ProviderMock:
	default:
		errs = append(errs, fmt.Errorf("EMAIL_PROVIDER: unknown provider %q", cfg.EmailProvider))
	}

	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func getenv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

// duration accepts Go durations ("45s") and plain seconds ("45").
func duration(key string, def time.Duration) (time.Duration, error) {
	v := getenv(key, "")
	if v == "" {
		return def, nil
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def, fmt.Errorf("%s: invalid duration %q", key, v)
	}
	return d, nil
}
