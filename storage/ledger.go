package storage

import (
	"context"
	"fmt"
	"time"

	"pkpchecker/pkg/notifier"
)

// HasNotified reports whether listingID was already delivered to subscriberID.
func (s *Store) HasNotified(ctx context.Context, listingID string, subscriberID int64) (bool, error) {
	var exists bool
	err := s.db.GetContext(ctx, &exists, s.rebind(
		`SELECT EXISTS (SELECT 1 FROM notifications WHERE ticket_id = ? AND subscriber_id = ?)`),
		listingID, subscriberID)
	if err != nil {
		return false, fmt.Errorf("check notification: %w", err)
	}
	return exists, nil
}

// Record appends a delivered notification. Recording the same pair twice is a no-op.
func (s *Store) Record(ctx context.Context, listingID string, subscriberID int64, sentAt time.Time) error {
	res, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO notifications (ticket_id, subscriber_id, sent_at) VALUES (?, ?, ?) ON CONFLICT DO NOTHING`),
		listingID, subscriberID, sentAt.UTC())
	if err != nil {
		return fmt.Errorf("record notification: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		s.logger.Warn("Notification already recorded", "ticket_id", listingID, "subscriber_id", subscriberID)
	}
	return nil
}

// RecentNotifications returns the newest ledger entries first.
func (s *Store) RecentNotifications(ctx context.Context, limit int) ([]notifier.NotificationRecord, error) {
	if limit <= 0 {
		limit = 10
	}
	var records []notifier.NotificationRecord
	err := s.db.SelectContext(ctx, &records, s.rebind(
		`SELECT ticket_id, subscriber_id, sent_at FROM notifications ORDER BY sent_at DESC, id DESC LIMIT ?`),
		limit)
	if err != nil {
		return nil, fmt.Errorf("recent notifications: %w", err)
	}
	return records, nil
}

// NotificationCount returns the size of the ledger.
func (s *Store) NotificationCount(ctx context.Context) (int, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM notifications`); err != nil {
		return 0, fmt.Errorf("count notifications: %w", err)
	}
	return n, nil
}
