package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"pkpchecker/pkg/notifier"
)

// Availability summarizes the snapshot for one day and camping combination.
type Availability struct {
	Day         notifier.Day     `json:"day"`
	Camping     notifier.Camping `json:"camping"`
	LowestPrice string           `json:"lowest_price,omitempty"`
	URL         string           `json:"url,omitempty"`
	Count       int              `json:"count"`
}

// ReplaceListings swaps the whole snapshot for listings in one transaction.
func (s *Store) ReplaceListings(ctx context.Context, listings []*notifier.Listing, scannedAt time.Time) (err error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin snapshot transaction: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				s.logger.Warn("Failed to roll back snapshot transaction", "error", rbErr)
			}
		}
	}()

	if _, err = tx.ExecContext(ctx, `DELETE FROM tickets`); err != nil {
		return fmt.Errorf("clear snapshot: %w", err)
	}

	stmt, err := tx.PreparexContext(ctx, tx.Rebind(
		`INSERT INTO tickets (ticket_id, day, camping, price, url, created_at) VALUES (?, ?, ?, ?, ?, ?)`))
	if err != nil {
		return fmt.Errorf("prepare snapshot insert: %w", err)
	}
	defer func() {
		if closeErr := stmt.Close(); closeErr != nil {
			s.logger.Warn("Failed to close snapshot statement", "error", closeErr)
		}
	}()

	at := scannedAt.UTC()
	for _, l := range listings {
		if _, err = stmt.ExecContext(ctx, l.ID, l.Day, l.Camping, l.Price, l.URL, at); err != nil {
			return fmt.Errorf("insert listing %s: %w", l.ID, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit snapshot: %w", err)
	}

	s.logger.Debug("Snapshot replaced", "count", len(listings))
	return nil
}

// Listings returns the current snapshot in scan order.
func (s *Store) Listings(ctx context.Context) ([]*notifier.Listing, error) {
	var listings []*notifier.Listing
	err := s.db.SelectContext(ctx, &listings,
		`SELECT ticket_id, day, camping, price, url FROM tickets ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list snapshot: %w", err)
	}
	return listings, nil
}

// Overview groups the snapshot per day and camping, with the cheapest listing's
// price and link. Combinations without listings are left out.
func (s *Store) Overview(ctx context.Context) ([]Availability, error) {
	listings, err := s.Listings(ctx)
	if err != nil {
		return nil, err
	}

	type key struct {
		day     notifier.Day
		camping notifier.Camping
	}
	groups := make(map[key][]*notifier.Listing)
	for _, l := range listings {
		k := key{l.Day, l.Camping}
		groups[k] = append(groups[k], l)
	}

	var out []Availability
	for _, d := range notifier.Days {
		for _, c := range notifier.Campings {
			group := groups[key{d, c}]
			if len(group) == 0 {
				continue
			}
			a := Availability{Day: d, Camping: c, Count: len(group)}
			if best := notifier.LowestPrice(group); best != nil {
				a.LowestPrice = best.Price
				a.URL = best.URL
			}
			out = append(out, a)
		}
	}
	return out, nil
}

// LastRefreshed returns when the snapshot was last written. The boolean is
// false when the snapshot is empty.
func (s *Store) LastRefreshed(ctx context.Context) (time.Time, bool, error) {
	var at time.Time
	err := s.db.GetContext(ctx, &at, `SELECT created_at FROM tickets ORDER BY created_at DESC LIMIT 1`)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("last refreshed: %w", err)
	}
	return at, true, nil
}
