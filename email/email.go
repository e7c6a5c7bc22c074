package email

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"pkpchecker/pkg/notifier"
)

// Sender renders ticket alerts and hands them to a provider.
type Sender struct {
	provider  Provider
	logger    *slog.Logger
	baseURL   string // For the unsubscribe hint
	templates Templates
}

// New creates a new email sender with the given provider and the default templates.
func New(provider Provider, logger *slog.Logger, baseURL string) *Sender {
	return &Sender{
		provider:  provider,
		logger:    logger,
		baseURL:   baseURL,
		templates: DefaultTemplates(),
	}
}

// WithTemplates replaces the alert wording.
func (s *Sender) WithTemplates(t Templates) *Sender {
	s.templates = t
	return s
}

// Begin opens one transport session for a batch of alerts.
func (s *Sender) Begin(ctx context.Context) (*Batch, error) {
	session, err := s.provider.Open(ctx)
	if err != nil {
		return nil, fmt.Errorf("open email session: %w", err)
	}
	return &Batch{sender: s, session: session}, nil
}

// Batch is a group of alerts sharing one transport session.
type Batch struct {
	sender  *Sender
	session Session
	failed  error
	sent    int
	closed  bool
}

// Send delivers one alert about listing to sub. After a failure the batch
// refuses further sends; open a new one on the next cycle.
func (b *Batch) Send(ctx context.Context, sub *notifier.Subscription, listing *notifier.Listing) error {
	if b.closed {
		return errors.New("email batch closed")
	}
	if b.failed != nil {
		return fmt.Errorf("email batch aborted: %w", b.failed)
	}

	subject, body := b.sender.templates.render(listing, b.sender.baseURL)

	b.sender.logger.Info("Sending ticket alert",
		"to", sub.Email,
		"ticket_id", listing.ID,
		"day", listing.Day,
		"camping", listing.Camping,
		"price", listing.Price)

	if err := b.session.Send(ctx, sub.Email, subject, body); err != nil {
		b.failed = err
		return fmt.Errorf("send to %s: %w", sub.Email, err)
	}
	b.sent++
	return nil
}

// Sent returns the number of alerts delivered in this batch.
func (b *Batch) Sent() int {
	return b.sent
}

// Close releases the transport session. It is safe to call more than once.
func (b *Batch) Close() error {
	if b.closed {
		return nil
	}
	b.closed = true
	if err := b.session.Close(); err != nil {
		return fmt.Errorf("close email session: %w", err)
	}
	return nil
}
