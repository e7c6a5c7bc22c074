package notifier

import (
	"fmt"
	"iter"
)

// NotifiedFunc reports whether a listing was already delivered to a subscriber.
type NotifiedFunc func(listingID string, subscriberID int64) (bool, error)

// PendingPairs yields every (listing, subscription) pair that matches on day and
// camping, belongs to an active subscription and has no ledger entry yet.
//
// The ledger is consulted lazily, right before each pair is yielded, so a pair
// recorded while iterating is not yielded again. Iteration stops at the first
// ledger error, which is yielded with a zero Pair.
func PendingPairs(listings []*Listing, subs []*Subscription, notified NotifiedFunc) iter.Seq2[Pair, error] {
	return func(yield func(Pair, error) bool) {
		for _, l := range listings {
			for _, s := range subs {
				if !s.Matches(l) {
					continue
				}
				done, err := notified(l.ID, s.ID)
				if err != nil {
					yield(Pair{}, fmt.Errorf("check ledger for %s/%d: %w", l.ID, s.ID, err))
					return
				}
				if done {
					continue
				}
				if !yield(Pair{Listing: l, Subscription: s}, nil) {
					return
				}
			}
		}
	}
}
