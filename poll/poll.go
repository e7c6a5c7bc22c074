// Package poll runs the scan cycle: sample the listing source, replace the
// snapshot, work out who has not heard about which listing yet and notify them.
package poll

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"pkpchecker/archive"
	"pkpchecker/pkg/notifier"
	"pkpchecker/storage"
)

const (
	defaultInterval = 30 * time.Second
	defaultBackoff  = 60 * time.Second
)

// Source returns the listings currently offered for one day and camping option.
type Source interface {
	Fetch(ctx context.Context, day notifier.Day, camping notifier.Camping) ([]*notifier.Listing, error)
}

// Store is the persistence the cycle needs.
type Store interface {
	ReplaceListings(ctx context.Context, listings []*notifier.Listing, scannedAt time.Time) error
	ListActive(ctx context.Context, f storage.Filter) ([]*notifier.Subscription, error)
	HasNotified(ctx context.Context, listingID string, subscriberID int64) (bool, error)
	Record(ctx context.Context, listingID string, subscriberID int64, sentAt time.Time) error
}

// Batch delivers alerts over one transport session.
type Batch interface {
	Send(ctx context.Context, sub *notifier.Subscription, listing *notifier.Listing) error
	Close() error
}

// Notifier opens delivery batches.
type Notifier interface {
	Begin(ctx context.Context) (Batch, error)
}

// Publisher receives a copy of every scanned snapshot.
type Publisher interface {
	Publish(ctx context.Context, snap *archive.Snapshot) error
}

// Result summarizes one cycle.
type Result struct {
	CycleID       string
	FailedSources []string
	Listings      int
	Sent          int
}

// Cycle drives the scan loop. It is not safe to run RunOnce concurrently.
type Cycle struct {
	source    Source
	store     Store
	notifier  Notifier
	publisher Publisher
	metrics   *Metrics
	logger    *slog.Logger
	now       func() time.Time
	interval  time.Duration
	backoff   time.Duration
}

// Option configures a Cycle.
type Option func(*Cycle)

// WithInterval sets the sleep between successful cycles.
func WithInterval(d time.Duration) Option {
	return func(c *Cycle) { c.interval = d }
}

// WithErrorBackoff sets the sleep after a failed cycle.
func WithErrorBackoff(d time.Duration) Option {
	return func(c *Cycle) { c.backoff = d }
}

// WithPublisher archives every snapshot. Publishing failures are logged only.
func WithPublisher(p Publisher) Option {
	return func(c *Cycle) { c.publisher = p }
}

// WithMetrics records cycle metrics.
func WithMetrics(m *Metrics) Option {
	return func(c *Cycle) { c.metrics = m }
}

// New creates a scan cycle.
func New(source Source, store Store, n Notifier, logger *slog.Logger, opts ...Option) *Cycle {
	c := &Cycle{
		source:   source,
		store:    store,
		notifier: n,
		logger:   logger,
		now:      time.Now,
		interval: defaultInterval,
		backoff:  defaultBackoff,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.metrics == nil {
		c.metrics = NewMetrics(nil)
	}
	return c
}

// Run loops until ctx is cancelled. A failed cycle is logged and followed by
// the longer back-off sleep; it never ends the loop.
func (c *Cycle) Run(ctx context.Context) error {
	c.logger.Info("Scan loop started", "interval", c.interval.String(), "error_backoff", c.backoff.String())

	for {
		wait := c.interval
		if _, err := c.RunOnce(ctx); err != nil && ctx.Err() == nil {
			c.logger.Error("Scan cycle failed", "error", err, "backoff", c.backoff.String())
			wait = c.backoff
		}

		select {
		case <-ctx.Done():
			c.logger.Info("Scan loop stopped")
			return nil
		case <-time.After(wait):
		}
	}
}

// RunOnce performs a single scan, replace and notify pass.
func (c *Cycle) RunOnce(ctx context.Context) (res *Result, err error) {
	res = &Result{CycleID: uuid.NewString()}
	logger := c.logger.With("cycle_id", res.CycleID)
	start := c.now()

	defer func() {
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		c.metrics.cycles.WithLabelValues(outcome).Inc()
		c.metrics.duration.Observe(c.now().Sub(start).Seconds())
	}()

	listings, failed := c.scan(ctx, logger)
	res.FailedSources = failed
	res.Listings = len(listings)
	if err := ctx.Err(); err != nil {
		return res, err
	}

	scannedAt := c.now()
	if err := c.store.ReplaceListings(ctx, listings, scannedAt); err != nil {
		return res, fmt.Errorf("replace snapshot: %w", err)
	}
	c.metrics.listings.Set(float64(len(listings)))

	subs, err := c.store.ListActive(ctx, storage.Filter{})
	if err != nil {
		return res, fmt.Errorf("list subscriptions: %w", err)
	}

	logger.Info("Snapshot replaced",
		"listings", len(listings),
		"active_subscriptions", len(subs),
		"failed_sources", len(failed))

	c.publish(ctx, logger, &archive.Snapshot{
		ScannedAt:     scannedAt,
		CycleID:       res.CycleID,
		Listings:      listings,
		FailedSources: failed,
	})

	res.Sent, err = c.notify(ctx, logger, listings, subs)
	if err != nil {
		logger.Warn("Notification batch aborted", "sent", res.Sent, "error", err)
		return res, err
	}

	c.metrics.lastSuccess.Set(float64(c.now().Unix()))
	logger.Info("Scan cycle completed",
		"listings", res.Listings,
		"sent", res.Sent,
		"duration_ms", c.now().Sub(start).Milliseconds())
	return res, nil
}

// scan queries every day and camping combination. A failing source is logged,
// counted and treated as empty.
func (c *Cycle) scan(ctx context.Context, logger *slog.Logger) (listings []*notifier.Listing, failed []string) {
	for _, day := range notifier.Days {
		for _, camping := range notifier.Campings {
			if ctx.Err() != nil {
				return listings, failed
			}

			found, err := c.source.Fetch(ctx, day, camping)
			if err != nil {
				logger.Warn("Listing source failed", "day", day, "camping", camping, "error", err)
				c.metrics.sourceErrors.WithLabelValues(string(day), string(camping)).Inc()
				failed = append(failed, string(day)+"/"+string(camping))
				continue
			}

			logger.Debug("Listings fetched", "day", day, "camping", camping, "count", len(found))
			listings = append(listings, found...)
		}
	}
	return listings, failed
}

// notify walks the work set. The batch is opened on the first pending pair and
// every success is recorded before the next send. The first failure ends the batch.
func (c *Cycle) notify(ctx context.Context, logger *slog.Logger, listings []*notifier.Listing, subs []*notifier.Subscription) (sent int, err error) {
	var batch Batch
	defer func() {
		if batch == nil {
			return
		}
		if closeErr := batch.Close(); closeErr != nil {
			logger.Warn("Failed to close notification batch", "error", closeErr)
		}
	}()

	notified := func(listingID string, subscriberID int64) (bool, error) {
		return c.store.HasNotified(ctx, listingID, subscriberID)
	}

	for pair, pairErr := range notifier.PendingPairs(listings, subs, notified) {
		if pairErr != nil {
			return sent, fmt.Errorf("compute work set: %w", pairErr)
		}

		if batch == nil {
			if batch, err = c.notifier.Begin(ctx); err != nil {
				batch = nil
				c.metrics.deliveryFailures.Inc()
				return sent, fmt.Errorf("begin batch: %w", err)
			}
		}

		l, s := pair.Listing, pair.Subscription
		if err := batch.Send(ctx, s, l); err != nil {
			c.metrics.deliveryFailures.Inc()
			return sent, fmt.Errorf("deliver %s to subscriber %d: %w", l.ID, s.ID, err)
		}
		if err := c.store.Record(ctx, l.ID, s.ID, c.now()); err != nil {
			return sent, fmt.Errorf("record %s for subscriber %d: %w", l.ID, s.ID, err)
		}

		sent++
		c.metrics.sent.Inc()
		logger.Info("Notification sent", "ticket_id", l.ID, "subscriber_id", s.ID, "email", s.Email)
	}

	return sent, nil
}

func (c *Cycle) publish(ctx context.Context, logger *slog.Logger, snap *archive.Snapshot) {
	if c.publisher == nil {
		return
	}
	if err := c.publisher.Publish(ctx, snap); err != nil {
		logger.Warn("Failed to archive snapshot", "error", err)
	}
}
