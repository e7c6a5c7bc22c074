package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"pkpchecker/pkg/notifier"
)

// Filter narrows ListActive. Zero values match everything.
type Filter struct {
	Day     notifier.Day
	Camping notifier.Camping
}

// DayCount is the number of distinct active subscribers for a day.
type DayCount struct {
	Day   notifier.Day `db:"day"`
	Count int          `db:"count"`
}

// NormalizeEmail lowercases and trims an address so lookups are case insensitive.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// AddSubscription inserts an active subscription. It returns false without an
// error when an active subscription for the same email, day and camping exists.
func (s *Store) AddSubscription(ctx context.Context, email string, day notifier.Day, camping notifier.Camping) (bool, error) {
	email = NormalizeEmail(email)

	_, err := s.db.ExecContext(ctx,
		s.rebind(`INSERT INTO subscribers (email, day, camping, created_at, active) VALUES (?, ?, ?, ?, ?)`),
		email, day, camping, time.Now().UTC(), true,
	)
	if err != nil {
		if isUniqueViolation(err) {
			s.logger.Info("Duplicate subscription rejected", "email", email, "day", day, "camping", camping)
			return false, nil
		}
		return false, fmt.Errorf("insert subscription: %w", err)
	}

	s.logger.Info("Subscription created", "email", email, "day", day, "camping", camping)
	return true, nil
}

// AddSubscriptions subscribes email to every camping option for a day, one row each.
// It reports how many rows were new; existing ones are left alone.
func (s *Store) AddSubscriptions(ctx context.Context, email string, day notifier.Day, campings []notifier.Camping) (int, error) {
	added := 0
	for _, c := range campings {
		ok, err := s.AddSubscription(ctx, email, day, c)
		if err != nil {
			return added, err
		}
		if ok {
			added++
		}
	}
	return added, nil
}

// Deactivate withdraws every subscription of email and returns how many rows changed.
func (s *Store) Deactivate(ctx context.Context, email string) (int64, error) {
	email = NormalizeEmail(email)

	res, err := s.db.ExecContext(ctx,
		s.rebind(`UPDATE subscribers SET active = ? WHERE email = ? AND active = ?`),
		false, email, true,
	)
	if err != nil {
		return 0, fmt.Errorf("deactivate subscriptions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}

	s.logger.Info("Subscriptions deactivated", "email", email, "count", n)
	return n, nil
}

// ListActive returns active subscriptions ordered by id.
func (s *Store) ListActive(ctx context.Context, f Filter) ([]*notifier.Subscription, error) {
	query := `SELECT id, email, day, camping, created_at, active FROM subscribers WHERE active = ?`
	args := []any{true}
	if f.Day != "" {
		query += ` AND day = ?`
		args = append(args, f.Day)
	}
	if f.Camping != "" {
		query += ` AND camping = ?`
		args = append(args, f.Camping)
	}
	query += ` ORDER BY id`

	var subs []*notifier.Subscription
	if err := s.db.SelectContext(ctx, &subs, s.rebind(query), args...); err != nil {
		return nil, fmt.Errorf("list active subscriptions: %w", err)
	}
	return subs, nil
}

// SubscriberCounts returns distinct active emails per day.
func (s *Store) SubscriberCounts(ctx context.Context) ([]DayCount, error) {
	var counts []DayCount
	err := s.db.SelectContext(ctx, &counts, s.rebind(`
		SELECT day, COUNT(DISTINCT email) AS count
		FROM subscribers
		WHERE active = ?
		GROUP BY day
		ORDER BY day`), true)
	if err != nil {
		return nil, fmt.Errorf("count subscribers: %w", err)
	}
	return counts, nil
}
