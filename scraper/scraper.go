// Package scraper fetches the ticket resale pages and extracts the offered listings.
package scraper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/codeGROOVE-dev/retry"

	"pkpchecker/pkg/notifier"
)

// HTTPStatusError reports a non-200 answer from the resale site.
type HTTPStatusError struct {
	URL        string
	StatusCode int
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.URL)
}

// IsPermanent reports whether retrying the request is pointless.
func (e *HTTPStatusError) IsPermanent() bool {
	return e.StatusCode >= 400 && e.StatusCode < 500 && e.StatusCode != http.StatusTooManyRequests
}

func isPermanent(err error) bool {
	var statusErr *HTTPStatusError
	return errors.As(err, &statusErr) && statusErr.IsPermanent()
}

// Scraper fetches and parses the listing pages for each day and camping combination.
type Scraper struct {
	client         *http.Client
	logger         *slog.Logger
	urlTemplate    string // contains {day} and {camping}
	purchasePrefix string
	attempts       uint
}

// Option tweaks a Scraper.
type Option func(*Scraper)

// WithAttempts overrides how many times a page fetch is tried.
func WithAttempts(n uint) Option {
	return func(s *Scraper) {
		if n > 0 {
			s.attempts = n
		}
	}
}

// New creates a new scraper. The client's timeout bounds every single request.
func New(client *http.Client, urlTemplate, purchasePrefix string, logger *slog.Logger, opts ...Option) *Scraper {
	s := &Scraper{
		client:         client,
		logger:         logger,
		urlTemplate:    urlTemplate,
		purchasePrefix: purchasePrefix,
		attempts:       3,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// PageURL builds the listing page URL for a day and camping option.
func (s *Scraper) PageURL(day notifier.Day, camping notifier.Camping) string {
	r := strings.NewReplacer(
		"{day}", url.QueryEscape(string(day)),
		"{camping}", url.QueryEscape(string(camping)),
	)
	return r.Replace(s.urlTemplate)
}

// Fetch returns the listings currently offered for a day and camping option.
func (s *Scraper) Fetch(ctx context.Context, day notifier.Day, camping notifier.Camping) ([]*notifier.Listing, error) {
	pageURL := s.PageURL(day, camping)

	var listings []*notifier.Listing
	err := retry.Do(
		func() error {
			s.logger.Debug("HTTP request starting",
				"method", "GET",
				"url", pageURL,
				"purpose", "fetch_listings")

			req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, http.NoBody)
			if err != nil {
				return retry.Unrecoverable(fmt.Errorf("create request: %w", err))
			}
			req.Header.Set("User-Agent", "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36")
			req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
			req.Header.Set("Accept-Language", "nl-BE,nl;q=0.9,en;q=0.8")

			startTime := time.Now()
			resp, err := s.client.Do(req)
			duration := time.Since(startTime)

			if err != nil {
				s.logger.Warn("HTTP request failed, will retry",
					"url", pageURL,
					"duration_ms", duration.Milliseconds(),
					"error", err)
				return err
			}
			defer func() {
				if closeErr := resp.Body.Close(); closeErr != nil {
					s.logger.Warn("Failed to close response body", "error", closeErr)
				}
			}()

			s.logger.Debug("HTTP request completed",
				"url", pageURL,
				"status_code", resp.StatusCode,
				"duration_ms", duration.Milliseconds())

			if resp.StatusCode != http.StatusOK {
				return &HTTPStatusError{URL: pageURL, StatusCode: resp.StatusCode}
			}

			listings, err = Parse(resp.Body, day, camping, s.purchasePrefix)
			if err != nil {
				return retry.Unrecoverable(fmt.Errorf("parse listings: %w", err))
			}
			return nil
		},
		retry.Attempts(s.attempts),
		retry.Delay(time.Second),
		retry.MaxDelay(10*time.Second),
		retry.MaxJitter(time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			s.logger.Info("Retrying listing fetch after error", "attempt", n, "day", day, "camping", camping, "error", err)
		}),
		retry.RetryIf(func(err error) bool {
			return !isPermanent(err)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("fetch %s/%s: %w", day, camping, err)
	}

	s.logger.Info("Listings fetched", "day", day, "camping", camping, "count", len(listings))
	return listings, nil
}

// Parse extracts every anchor whose href starts with purchasePrefix. The anchor text
// is the price and the purchase link yields the listing id. Anchors without a
// derivable id are skipped.
func Parse(body io.Reader, day notifier.Day, camping notifier.Camping, purchasePrefix string) ([]*notifier.Listing, error) {
	doc, err := goquery.NewDocumentFromReader(body)
	if err != nil {
		return nil, err
	}

	var listings []*notifier.Listing
	doc.Find("a[href]").Each(func(_ int, a *goquery.Selection) {
		href, _ := a.Attr("href")
		href = strings.TrimSpace(href)
		if !strings.HasPrefix(href, purchasePrefix) {
			return
		}
		id := notifier.ListingIDFromURL(href)
		if id == "" {
			return
		}
		listings = append(listings, &notifier.Listing{
			ID:      id,
			Day:     day,
			Camping: camping,
			Price:   strings.Join(strings.Fields(a.Text()), " "),
			URL:     href,
		})
	})

	return listings, nil
}
