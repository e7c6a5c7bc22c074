package poll

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"pkpchecker/archive"
	"pkpchecker/pkg/notifier"
	"pkpchecker/storage"
)

type sourceKey struct {
	day     notifier.Day
	camping notifier.Camping
}

type fakeSource struct {
	mu       sync.Mutex
	listings map[sourceKey][]*notifier.Listing
	failing  map[sourceKey]bool
	calls    int
}

func newFakeSource(listings ...*notifier.Listing) *fakeSource {
	s := &fakeSource{
		listings: make(map[sourceKey][]*notifier.Listing),
		failing:  make(map[sourceKey]bool),
	}
	for _, l := range listings {
		k := sourceKey{l.Day, l.Camping}
		s.listings[k] = append(s.listings[k], l)
	}
	return s
}

func (s *fakeSource) Fetch(_ context.Context, day notifier.Day, camping notifier.Camping) ([]*notifier.Listing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	k := sourceKey{day, camping}
	if s.failing[k] {
		return nil, errors.New("HTTP 503")
	}
	return s.listings[k], nil
}

type ledgerKey struct {
	listingID    string
	subscriberID int64
}

type fakeStore struct {
	mu         sync.Mutex
	snapshot   []*notifier.Listing
	subs       []*notifier.Subscription
	ledger     map[ledgerKey]time.Time
	replaceErr error
	ledgerErr  error
	replaces   int
	rerecorded int
}

func newFakeStore(subs ...*notifier.Subscription) *fakeStore {
	return &fakeStore{subs: subs, ledger: make(map[ledgerKey]time.Time)}
}

func (s *fakeStore) ReplaceListings(_ context.Context, listings []*notifier.Listing, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replaces++
	if s.replaceErr != nil {
		return s.replaceErr
	}
	s.snapshot = append([]*notifier.Listing(nil), listings...)
	return nil
}

func (s *fakeStore) ListActive(_ context.Context, f storage.Filter) ([]*notifier.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*notifier.Subscription
	for _, sub := range s.subs {
		if !sub.Active {
			continue
		}
		if f.Day != "" && sub.Day != f.Day {
			continue
		}
		if f.Camping != "" && sub.Camping != f.Camping {
			continue
		}
		out = append(out, sub)
	}
	return out, nil
}

func (s *fakeStore) HasNotified(_ context.Context, listingID string, subscriberID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ledgerErr != nil {
		return false, s.ledgerErr
	}
	_, ok := s.ledger[ledgerKey{listingID, subscriberID}]
	return ok, nil
}

func (s *fakeStore) Record(_ context.Context, listingID string, subscriberID int64, sentAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := ledgerKey{listingID, subscriberID}
	if _, ok := s.ledger[k]; ok {
		s.rerecorded++
		return nil
	}
	s.ledger[k] = sentAt
	return nil
}

func (s *fakeStore) recorded() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ledger)
}

func (s *fakeStore) replaceCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.replaces
}

type fakeNotifier struct {
	mu        sync.Mutex
	delivered []ledgerKey
	attempts  int
	begins    int
	closes    int
	failAfter int // fail every send once this many succeeded; -1 never fails
	beginErr  error
}

func newFakeNotifier() *fakeNotifier {
	return &fakeNotifier{failAfter: -1}
}

func (n *fakeNotifier) Begin(context.Context) (Batch, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.beginErr != nil {
		return nil, n.beginErr
	}
	n.begins++
	return &fakeBatch{n: n}, nil
}

func (n *fakeNotifier) deliveredCount(listingID string, subscriberID int64) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	count := 0
	for _, k := range n.delivered {
		if k == (ledgerKey{listingID, subscriberID}) {
			count++
		}
	}
	return count
}

type fakeBatch struct {
	n *fakeNotifier
}

func (b *fakeBatch) Send(_ context.Context, sub *notifier.Subscription, l *notifier.Listing) error {
	b.n.mu.Lock()
	defer b.n.mu.Unlock()
	b.n.attempts++
	if b.n.failAfter >= 0 && len(b.n.delivered) >= b.n.failAfter {
		return errors.New("connection dropped")
	}
	b.n.delivered = append(b.n.delivered, ledgerKey{l.ID, sub.ID})
	return nil
}

func (b *fakeBatch) Close() error {
	b.n.mu.Lock()
	defer b.n.mu.Unlock()
	b.n.closes++
	return nil
}

type fakePublisher struct {
	snaps []*archive.Snapshot
	err   error
}

func (p *fakePublisher) Publish(_ context.Context, snap *archive.Snapshot) error {
	p.snaps = append(p.snaps, snap)
	return p.err
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func listing(id string, day notifier.Day, camping notifier.Camping, price string) *notifier.Listing {
	return &notifier.Listing{ID: id, Day: day, Camping: camping, Price: price, URL: "https://t/buy/" + id + "/x/y"}
}

func subscription(id int64, email string, day notifier.Day, camping notifier.Camping) *notifier.Subscription {
	return &notifier.Subscription{ID: id, Email: email, Day: day, Camping: camping, Active: true, CreatedAt: time.Now()}
}

func TestSubscriptionMatching(t *testing.T) {
	src := newFakeSource(
		listing("42", notifier.Day1, notifier.NoCamping, "€30"),
		listing("43", notifier.Day2, notifier.NoCamping, "€30"),
	)
	store := newFakeStore(subscription(1, "a@x.com", notifier.Day1, notifier.NoCamping))
	n := newFakeNotifier()

	res, err := New(src, store, n, discardLogger()).RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, res.Sent)
	require.Equal(t, 2, res.Listings)
	require.Equal(t, []ledgerKey{{"42", 1}}, n.delivered)
	require.Len(t, store.snapshot, 2)
}

func TestEndToEndNoDuplicateAcrossCycles(t *testing.T) {
	ctx := context.Background()
	src := newFakeSource(listing("T1", notifier.Day1, notifier.NoCamping, "€25"))
	store := newFakeStore(subscription(1, "a@x.com", notifier.Day1, notifier.NoCamping))
	n := newFakeNotifier()
	c := New(src, store, n, discardLogger())

	res, err := c.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, res.Sent)
	require.Equal(t, 1, store.recorded())

	for range 3 {
		res, err = c.RunOnce(ctx)
		require.NoError(t, err)
		require.Zero(t, res.Sent, "identical rescan must not send again")
	}

	require.Equal(t, 1, n.deliveredCount("T1", 1))
	require.Equal(t, 1, n.begins, "no session is opened once the work set is empty")
	require.Equal(t, 1, n.closes)
	require.Zero(t, store.rerecorded)
}

func TestInactiveSubscriptionIsSkipped(t *testing.T) {
	src := newFakeSource(listing("42", notifier.Day1, notifier.NoCamping, "€30"))
	sub := subscription(1, "a@x.com", notifier.Day1, notifier.NoCamping)
	sub.Active = false
	n := newFakeNotifier()

	res, err := New(src, newFakeStore(sub), n, discardLogger()).RunOnce(context.Background())
	require.NoError(t, err)
	require.Zero(t, res.Sent)
	require.Zero(t, n.begins)
}

func TestPartialSourceFailureIsolation(t *testing.T) {
	var listings []*notifier.Listing
	var subs []*notifier.Subscription
	id := int64(0)
	for _, d := range notifier.Days {
		for _, c := range notifier.Campings {
			id++
			listings = append(listings, listing(string(d)+string(c), d, c, "€50"))
			subs = append(subs, subscription(id, "a@x.com", d, c))
		}
	}

	src := newFakeSource(listings...)
	src.failing[sourceKey{notifier.Day2, notifier.CampingChill}] = true
	store := newFakeStore(subs...)
	n := newFakeNotifier()
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	res, err := New(src, store, n, discardLogger(), WithMetrics(m)).RunOnce(context.Background())
	require.NoError(t, err)

	total := len(notifier.Days) * len(notifier.Campings)
	require.Equal(t, total, src.calls, "every pair is queried")
	require.Equal(t, []string{"day2/a"}, res.FailedSources)
	require.Len(t, store.snapshot, total-1)
	require.Equal(t, total-1, res.Sent)
	require.Zero(t, n.deliveredCount("day2a", 5))

	require.Equal(t, 1.0, testutil.ToFloat64(m.sourceErrors.WithLabelValues("day2", "a")))
	require.Equal(t, float64(total-1), testutil.ToFloat64(m.sent))
	require.Equal(t, float64(total-1), testutil.ToFloat64(m.listings))
	require.Equal(t, 1.0, testutil.ToFloat64(m.cycles.WithLabelValues("ok")))
}

func TestDeliveryFailureAbortsBatch(t *testing.T) {
	ctx := context.Background()
	src := newFakeSource(
		listing("1", notifier.Day1, notifier.NoCamping, "€30"),
		listing("2", notifier.Day1, notifier.NoCamping, "€31"),
		listing("3", notifier.Day1, notifier.NoCamping, "€32"),
	)
	store := newFakeStore(subscription(7, "a@x.com", notifier.Day1, notifier.NoCamping))
	n := newFakeNotifier()
	n.failAfter = 1
	c := New(src, store, n, discardLogger())

	res, err := c.RunOnce(ctx)
	require.Error(t, err)
	require.Equal(t, 1, res.Sent)
	require.Equal(t, 2, n.attempts, "remaining sends are not attempted after a failure")
	require.Equal(t, 1, store.recorded(), "no ledger entry without delivery")
	require.Equal(t, 1, n.closes, "session is released on failure")

	n.failAfter = -1
	res, err = c.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, res.Sent)
	require.Equal(t, 3, store.recorded())

	for _, id := range []string{"1", "2", "3"} {
		require.Equal(t, 1, n.deliveredCount(id, 7), "listing %s", id)
	}
}

func TestBeginFailureLeavesLedgerUntouched(t *testing.T) {
	src := newFakeSource(listing("1", notifier.Day1, notifier.NoCamping, "€30"))
	store := newFakeStore(subscription(1, "a@x.com", notifier.Day1, notifier.NoCamping))
	n := newFakeNotifier()
	n.beginErr = errors.New("dial tcp: timeout")

	_, err := New(src, store, n, discardLogger()).RunOnce(context.Background())
	require.Error(t, err)
	require.Zero(t, store.recorded())
	require.Zero(t, n.closes)
}

func TestPersistenceErrorFailsCycle(t *testing.T) {
	src := newFakeSource(listing("1", notifier.Day1, notifier.NoCamping, "€30"))
	store := newFakeStore(subscription(1, "a@x.com", notifier.Day1, notifier.NoCamping))
	store.replaceErr = errors.New("database is locked")
	n := newFakeNotifier()

	_, err := New(src, store, n, discardLogger()).RunOnce(context.Background())
	require.ErrorIs(t, err, store.replaceErr)
	require.Zero(t, n.begins)
}

func TestLedgerErrorFailsCycle(t *testing.T) {
	src := newFakeSource(listing("1", notifier.Day1, notifier.NoCamping, "€30"))
	store := newFakeStore(subscription(1, "a@x.com", notifier.Day1, notifier.NoCamping))
	store.ledgerErr = errors.New("disk I/O error")
	n := newFakeNotifier()

	_, err := New(src, store, n, discardLogger()).RunOnce(context.Background())
	require.ErrorIs(t, err, store.ledgerErr)
	require.Zero(t, n.attempts)
}

func TestCancelledScanKeepsSnapshot(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	store := newFakeStore()
	_, err := New(newFakeSource(), store, newFakeNotifier(), discardLogger()).RunOnce(ctx)
	require.ErrorIs(t, err, context.Canceled)
	require.Zero(t, store.replaceCount())
}

func TestSnapshotIsPublished(t *testing.T) {
	src := newFakeSource(listing("1", notifier.Day3, notifier.CampingRelax, "€80"))
	src.failing[sourceKey{notifier.Combi, notifier.NoCamping}] = true
	pub := &fakePublisher{err: errors.New("bucket unavailable")}

	res, err := New(src, newFakeStore(), newFakeNotifier(), discardLogger(), WithPublisher(pub)).RunOnce(context.Background())
	require.NoError(t, err, "archive failures do not fail the cycle")
	require.Len(t, pub.snaps, 1)
	require.Equal(t, res.CycleID, pub.snaps[0].CycleID)
	require.Len(t, pub.snaps[0].Listings, 1)
	require.Equal(t, []string{"combi/n"}, pub.snaps[0].FailedSources)
}

func TestRunRecoversFromFailedCycle(t *testing.T) {
	store := newFakeStore()
	store.replaceErr = errors.New("database is locked")
	c := New(newFakeSource(), store, newFakeNotifier(), discardLogger(),
		WithInterval(5*time.Millisecond), WithErrorBackoff(5*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	require.Eventually(t, func() bool { return store.replaceCount() >= 2 }, 5*time.Second, 5*time.Millisecond)

	store.mu.Lock()
	store.replaceErr = nil
	store.mu.Unlock()
	start := store.replaceCount()
	require.Eventually(t, func() bool { return store.replaceCount() > start+1 }, 5*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}
