package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"pkpchecker/archive"
	"pkpchecker/pkg/notifier"
	"pkpchecker/storage"
)

const testPassword = "letmein"

type subKey struct {
	email   string
	day     notifier.Day
	camping notifier.Camping
}

type fakeStore struct {
	subs     map[subKey]bool
	overview []storage.Availability
	counts   []storage.DayCount
	recent   []notifier.NotificationRecord
	pingErr  error
	mu       sync.Mutex
}

func newFakeStore() *fakeStore {
	return &fakeStore{subs: make(map[subKey]bool)}
}

func (f *fakeStore) AddSubscription(_ context.Context, email string, day notifier.Day, camping notifier.Camping) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := subKey{email, day, camping}
	if f.subs[k] {
		return false, nil
	}
	f.subs[k] = true
	return true, nil
}

func (f *fakeStore) AddSubscriptions(ctx context.Context, email string, day notifier.Day, campings []notifier.Camping) (int, error) {
	added := 0
	for _, c := range campings {
		ok, err := f.AddSubscription(ctx, email, day, c)
		if err != nil {
			return added, err
		}
		if ok {
			added++
		}
	}
	return added, nil
}

func (f *fakeStore) Deactivate(_ context.Context, email string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for k := range f.subs {
		if k.email == email {
			delete(f.subs, k)
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) Overview(context.Context) ([]storage.Availability, error) {
	return f.overview, nil
}

func (f *fakeStore) LastRefreshed(context.Context) (time.Time, bool, error) {
	if len(f.overview) == 0 {
		return time.Time{}, false, nil
	}
	return time.Now().Add(-2 * time.Minute), true, nil
}

func (f *fakeStore) SubscriberCounts(context.Context) ([]storage.DayCount, error) {
	return f.counts, nil
}

func (f *fakeStore) RecentNotifications(_ context.Context, limit int) ([]notifier.NotificationRecord, error) {
	if len(f.recent) > limit {
		return f.recent[:limit], nil
	}
	return f.recent, nil
}

func (f *fakeStore) NotificationCount(context.Context) (int, error) {
	return len(f.recent), nil
}

func (f *fakeStore) Ping(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pingErr
}

func (f *fakeStore) setPingErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pingErr = err
}

func (f *fakeStore) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

type fakeArchive struct {
	snap *archive.Snapshot
	mu   sync.Mutex
}

func (a *fakeArchive) set(snap *archive.Snapshot) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.snap = snap
}

func (a *fakeArchive) Latest(context.Context) (*archive.Snapshot, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.snap == nil {
		return nil, archive.ErrNotFound
	}
	return a.snap, nil
}

type testEnv struct {
	ts     *httptest.Server
	store  *fakeStore
	arch   *fakeArchive
	client *http.Client
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store := newFakeStore()
	arch := &fakeArchive{}
	reg := prometheus.NewRegistry()
	srv, err := New(&Config{
		Store:      store,
		Archive:    arch,
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		Gatherer:   reg,
		Registerer: reg,
		Password:   testPassword,
		SecretKey:  []byte("0123456789abcdef0123456789abcdef"),
	})
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	return &testEnv{ts: ts, store: store, arch: arch, client: &http.Client{Jar: jar}}
}

func (e *testEnv) get(t *testing.T, path string) (int, string) {
	t.Helper()
	resp, err := e.client.Get(e.ts.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

func (e *testEnv) post(t *testing.T, path string, form url.Values) (int, string) {
	t.Helper()
	resp, err := e.client.PostForm(e.ts.URL+path, form)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

func (e *testEnv) login(t *testing.T) {
	t.Helper()
	status, body := e.post(t, "/login", url.Values{"password": {testPassword}})
	require.Equal(t, http.StatusOK, status)
	require.Contains(t, body, "Subscribe for Ticket Alerts")
}

func TestNewRequiresSecrets(t *testing.T) {
	_, err := New(&Config{SecretKey: []byte("k")})
	require.Error(t, err)
	_, err = New(&Config{Password: "p"})
	require.Error(t, err)
}

func TestUnauthenticatedRedirectsToLogin(t *testing.T) {
	e := newTestEnv(t)
	e.client.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}

	for _, path := range []string{"/", "/stats", "/snapshot.json"} {
		resp, err := e.client.Get(e.ts.URL + path)
		require.NoError(t, err)
		resp.Body.Close()
		require.Equal(t, http.StatusSeeOther, resp.StatusCode, path)
		require.Equal(t, "/login", resp.Header.Get("Location"), path)
	}
}

func TestLoginWrongPassword(t *testing.T) {
	e := newTestEnv(t)
	status, body := e.post(t, "/login", url.Values{"password": {"wrong"}})
	require.Equal(t, http.StatusOK, status)
	require.Contains(t, body, "Incorrect password")

	// Still locked out.
	_, body = e.get(t, "/")
	require.Contains(t, body, `action="/login"`)
}

func TestLoginAndLogout(t *testing.T) {
	e := newTestEnv(t)
	e.login(t)

	status, body := e.get(t, "/logout")
	require.Equal(t, http.StatusOK, status)
	require.Contains(t, body, "You have been logged out")

	_, body = e.get(t, "/")
	require.Contains(t, body, `action="/login"`)
}

func TestIndexRendersOverview(t *testing.T) {
	e := newTestEnv(t)
	e.store.overview = []storage.Availability{{
		Day:         notifier.Day1,
		Camping:     notifier.CampingChill,
		LowestPrice: "€ 25,00",
		URL:         "https://tickets.example/buy/T1",
		Count:       2,
	}}
	e.login(t)

	status, body := e.get(t, "/")
	require.Equal(t, http.StatusOK, status)
	require.Contains(t, body, "Friday")
	require.Contains(t, body, "Camping Chill")
	require.Contains(t, body, "2 tickets")
	require.Contains(t, body, "https://tickets.example/buy/T1")
	require.Contains(t, body, "Last refreshed 2 minutes ago")
}

func TestIndexWithoutListings(t *testing.T) {
	e := newTestEnv(t)
	e.login(t)

	_, body := e.get(t, "/")
	require.Contains(t, body, "No tickets currently available")
	require.NotContains(t, body, "Last refreshed")
}

func TestUnknownPathIsNotFound(t *testing.T) {
	e := newTestEnv(t)
	e.login(t)
	status, _ := e.get(t, "/nope")
	require.Equal(t, http.StatusNotFound, status)
}

func TestSubscribe(t *testing.T) {
	e := newTestEnv(t)
	e.login(t)

	form := url.Values{"email": {" Alice@Example.com "}, "day": {"day1"}, "camping": {"a"}}
	_, body := e.post(t, "/subscribe", form)
	require.Contains(t, body, "Successfully subscribed alice@example.com for Friday with Camping Chill!")
	require.Equal(t, 1, e.store.count())

	_, body = e.post(t, "/subscribe", form)
	require.Contains(t, body, "already subscribed")
	require.Equal(t, 1, e.store.count())
}

func TestSubscribeAllCampings(t *testing.T) {
	e := newTestEnv(t)
	e.login(t)

	_, err := e.store.AddSubscription(context.Background(), "bob@example.com", notifier.Day2, notifier.NoCamping)
	require.NoError(t, err)

	_, body := e.post(t, "/subscribe", url.Values{"email": {"bob@example.com"}, "day": {"day2"}, "camping": {"all"}})
	require.Contains(t, body, "Successfully subscribed bob@example.com for Saturday with all campings!")
	require.Equal(t, 3, e.store.count())

	_, body = e.post(t, "/subscribe", url.Values{"email": {"bob@example.com"}, "day": {"day2"}, "camping": {"all"}})
	require.Contains(t, body, "already subscribed")
}

func TestSubscribeValidation(t *testing.T) {
	tests := []struct {
		name string
		form url.Values
		want string
	}{
		{"missing fields", url.Values{"email": {"a@example.com"}}, "Please fill in all fields"},
		{"bad email", url.Values{"email": {"not-an-email"}, "day": {"day1"}, "camping": {"a"}}, "Invalid email address"},
		{"bad day", url.Values{"email": {"a@example.com"}, "day": {"day9"}, "camping": {"a"}}, "Please select a valid day"},
		{"bad camping", url.Values{"email": {"a@example.com"}, "day": {"day1"}, "camping": {"z"}}, "Please select a valid camping option"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestEnv(t)
			e.login(t)
			_, body := e.post(t, "/subscribe", tt.form)
			require.Contains(t, body, tt.want)
			require.Zero(t, e.store.count())
		})
	}
}

func TestSubscribeRateLimit(t *testing.T) {
	e := newTestEnv(t)
	e.login(t)

	var status int
	for i := range 6 {
		status, _ = e.post(t, "/subscribe", url.Values{"email": {"c@example.com"}, "day": {"day1"}, "camping": {"n"}})
		if i < 5 {
			require.Equal(t, http.StatusOK, status)
		}
	}
	require.Equal(t, http.StatusTooManyRequests, status)
}

func TestUnsubscribe(t *testing.T) {
	e := newTestEnv(t)
	e.login(t)

	_, err := e.store.AddSubscriptions(context.Background(), "dan@example.com", notifier.Combi, notifier.Campings)
	require.NoError(t, err)

	_, body := e.post(t, "/unsubscribe", url.Values{"email": {"DAN@example.com"}})
	require.Contains(t, body, "Successfully unsubscribed dan@example.com")
	require.Zero(t, e.store.count())

	_, body = e.post(t, "/unsubscribe", url.Values{"email": {"dan@example.com"}})
	require.Contains(t, body, "No active subscriptions found")
}

func TestStats(t *testing.T) {
	e := newTestEnv(t)
	e.store.counts = []storage.DayCount{{Day: notifier.Combi, Count: 4}}
	e.store.recent = []notifier.NotificationRecord{{
		ListingID:    "T42",
		SubscriberID: 7,
		SentAt:       time.Date(2026, 8, 1, 12, 30, 0, 0, time.UTC),
	}}
	e.login(t)

	status, body := e.get(t, "/stats")
	require.Equal(t, http.StatusOK, status)
	require.Contains(t, body, "<td>Combi</td><td>4</td>")
	require.Contains(t, body, "T42")
	require.Contains(t, body, "2026-08-01 12:30:00 UTC")
	require.Contains(t, body, "1 notifications sent in total")
}

func TestSnapshotEndpoint(t *testing.T) {
	e := newTestEnv(t)
	e.login(t)

	status, _ := e.get(t, "/snapshot.json")
	require.Equal(t, http.StatusNotFound, status)

	e.arch.set(&archive.Snapshot{
		CycleID:  "c1",
		Listings: []*notifier.Listing{{ID: "T1", Day: notifier.Day1, Camping: notifier.NoCamping}},
	})
	status, body := e.get(t, "/snapshot.json")
	require.Equal(t, http.StatusOK, status)

	var got archive.Snapshot
	require.NoError(t, json.Unmarshal([]byte(body), &got))
	require.Equal(t, "c1", got.CycleID)
	require.Len(t, got.Listings, 1)
}

func TestHealth(t *testing.T) {
	e := newTestEnv(t)

	status, body := e.get(t, "/health")
	require.Equal(t, http.StatusOK, status)
	require.JSONEq(t, `{"status":"healthy"}`, body)

	e.store.setPingErr(errors.New("database is locked"))
	status, body = e.get(t, "/health")
	require.Equal(t, http.StatusServiceUnavailable, status)
	require.JSONEq(t, `{"status":"unhealthy"}`, body)
}

func TestMetricsEndpoint(t *testing.T) {
	e := newTestEnv(t)
	e.get(t, "/health")

	status, body := e.get(t, "/metrics")
	require.Equal(t, http.StatusOK, status)
	require.Contains(t, body, "http_requests_total")
	require.Contains(t, body, `path="/health"`)
}

func TestRateLimiter(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	rl := newRateLimiter(2, time.Minute)
	rl.now = func() time.Time { return now }

	require.True(t, rl.allow("1.2.3.4"))
	require.True(t, rl.allow("1.2.3.4"))
	require.False(t, rl.allow("1.2.3.4"))
	require.True(t, rl.allow("5.6.7.8"))

	now = now.Add(61 * time.Second)
	require.True(t, rl.allow("1.2.3.4"))
}

func TestClientIP(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "192.0.2.1:51234"
	require.Equal(t, "192.0.2.1", clientIP(r))

	r.Header.Set("X-Forwarded-For", "203.0.113.5, 10.0.0.1")
	require.Equal(t, "203.0.113.5", clientIP(r))
}

func TestIsValidEmail(t *testing.T) {
	tests := []struct {
		email string
		want  bool
	}{
		{"user@example.com", true},
		{"first.last+tag@sub.example.be", true},
		{"", false},
		{"no-at-sign", false},
		{"user@nodot", false},
		{"Name <user@example.com>", false},
		{strings.Repeat("a", 250) + "@example.com", false},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, isValidEmail(tt.email), tt.email)
	}
}

func TestRelativeTime(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		ago  time.Duration
		want string
	}{
		{-time.Second, "0 seconds ago"},
		{5 * time.Second, "5 seconds ago"},
		{time.Minute, "1 minute ago"},
		{150 * time.Second, "2 minutes ago"},
		{time.Hour, "1 hour ago"},
		{2*time.Hour + 5*time.Minute, "2 hours ago"},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, relativeTime(now, now.Add(-tt.ago)))
	}
}
