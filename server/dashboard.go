package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"pkpchecker/archive"
	"pkpchecker/pkg/notifier"
)

type option struct {
	Value string
	Label string
}

type overviewRow struct {
	Day         string
	Camping     string
	LowestPrice string
	URL         string
	Count       int
}

type dayCountRow struct {
	Day   string
	Count int
}

func dayOptions() []option {
	out := make([]option, 0, len(notifier.Days))
	for _, d := range notifier.Days {
		out = append(out, option{Value: string(d), Label: d.DisplayName()})
	}
	return out
}

func campingOptions() []option {
	out := make([]option, 0, len(notifier.Campings))
	for _, c := range notifier.Campings {
		out = append(out, option{Value: string(c), Label: c.DisplayName()})
	}
	return out
}

// relativeTime renders how long ago t was, in the coarsest fitting unit.
func relativeTime(now, t time.Time) string {
	secs := int(now.Sub(t).Seconds())
	if secs < 0 {
		secs = 0
	}
	plural := func(n int, unit string) string {
		if n == 1 {
			return fmt.Sprintf("1 %s ago", unit)
		}
		return fmt.Sprintf("%d %ss ago", n, unit)
	}
	switch {
	case secs < 60:
		return fmt.Sprintf("%d seconds ago", secs)
	case secs < 3600:
		return plural(secs/60, "minute")
	default:
		return plural(secs/3600, "hour")
	}
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx := r.Context()
	overview, err := s.store.Overview(ctx)
	if err != nil {
		s.logger.Error("Failed to load overview", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	refreshedAt, ok, err := s.store.LastRefreshed(ctx)
	if err != nil {
		s.logger.Error("Failed to load last refresh time", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	rows := make([]overviewRow, 0, len(overview))
	for _, a := range overview {
		rows = append(rows, overviewRow{
			Day:         a.Day.DisplayName(),
			Camping:     a.Camping.DisplayName(),
			LowestPrice: a.LowestPrice,
			URL:         a.URL,
			Count:       a.Count,
		})
	}

	var lastRefreshed string
	if ok {
		lastRefreshed = relativeTime(time.Now(), refreshedAt)
	}

	session := s.session(r)
	flashes := takeFlashes(session)
	s.saveSession(w, r, session)

	s.render(w, "index.tmpl", map[string]any{
		"Flashes":       flashes,
		"Overview":      rows,
		"LastRefreshed": lastRefreshed,
		"Days":          dayOptions(),
		"Campings":      campingOptions(),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx := r.Context()
	counts, err := s.store.SubscriberCounts(ctx)
	if err != nil {
		s.logger.Error("Failed to count subscribers", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	recent, err := s.store.RecentNotifications(ctx, 10)
	if err != nil {
		s.logger.Error("Failed to load recent notifications", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	total, err := s.store.NotificationCount(ctx)
	if err != nil {
		s.logger.Error("Failed to count notifications", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	subscribers := make([]dayCountRow, 0, len(counts))
	for _, c := range counts {
		subscribers = append(subscribers, dayCountRow{Day: c.Day.DisplayName(), Count: c.Count})
	}

	s.render(w, "stats.tmpl", map[string]any{
		"Subscribers":        subscribers,
		"Recent":             recent,
		"TotalNotifications": total,
	})
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.archive == nil {
		http.NotFound(w, r)
		return
	}

	snap, err := s.archive.Latest(r.Context())
	if errors.Is(err, archive.ErrNotFound) {
		http.NotFound(w, r)
		return
	}
	if err != nil {
		s.logger.Error("Failed to load archived snapshot", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(snap); err != nil {
		s.logger.Warn("Failed to write snapshot", "error", err)
	}
}
