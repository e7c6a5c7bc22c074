package email

import (
	"context"
	"log/slog"
)

// MockProvider is a mock email provider for local development.
type MockProvider struct {
	logger *slog.Logger
}

// NewMockProvider creates a new mock email provider.
func NewMockProvider(logger *slog.Logger) *MockProvider {
	return &MockProvider{
		logger: logger,
	}
}

// Open returns a session that logs messages instead of sending them.
func (m *MockProvider) Open(context.Context) (Session, error) {
	return sessionFunc(func(_ context.Context, to, subject, body string) error {
		m.logger.Info("MOCK EMAIL",
			"to", to,
			"subject", subject,
			"body_length", len(body))
		return nil
	}), nil
}
