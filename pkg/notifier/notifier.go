// Package notifier contains the core domain types for the ticket notification service.
package notifier

import (
	"fmt"
	"time"
)

// Day is a festival ticket day code as used by the resale site.
type Day string

// Camping is a camping option code as used by the resale site.
type Camping string

// Known day codes.
const (
	Day1  Day = "day1"
	Day2  Day = "day2"
	Day3  Day = "day3"
	Combi Day = "combi"
)

// Known camping codes.
const (
	NoCamping    Camping = "n"
	CampingChill Camping = "a"
	CampingRelax Camping = "b"
)

// Days lists every day code in scan order.
var Days = []Day{Day1, Day2, Day3, Combi}

// Campings lists every camping code in scan order.
var Campings = []Camping{NoCamping, CampingChill, CampingRelax}

var dayNames = map[Day]string{
	Day1:  "Friday",
	Day2:  "Saturday",
	Day3:  "Sunday",
	Combi: "Combi",
}

var campingNames = map[Camping]string{
	NoCamping:    "No Camping",
	CampingChill: "Camping Chill",
	CampingRelax: "Camping Relax",
}

// ParseDay validates a day code.
func ParseDay(s string) (Day, error) {
	d := Day(s)
	if _, ok := dayNames[d]; !ok {
		return "", fmt.Errorf("unknown day %q", s)
	}
	return d, nil
}

// ParseCamping validates a camping code.
func ParseCamping(s string) (Camping, error) {
	c := Camping(s)
	if _, ok := campingNames[c]; !ok {
		return "", fmt.Errorf("unknown camping option %q", s)
	}
	return c, nil
}

// DisplayName returns the human readable day, falling back to the raw code.
func (d Day) DisplayName() string {
	if name, ok := dayNames[d]; ok {
		return name
	}
	return string(d)
}

// DisplayName returns the human readable camping option, falling back to the raw code.
func (c Camping) DisplayName() string {
	if name, ok := campingNames[c]; ok {
		return name
	}
	return string(c)
}

// Listing is a single ticket offer seen on the resale page during one scan.
type Listing struct {
	ID      string  `db:"ticket_id" json:"id"`    // Stable id taken from the purchase link
	Day     Day     `db:"day" json:"day"`         // Day code the listing was found under
	Camping Camping `db:"camping" json:"camping"` // Camping code the listing was found under
	Price   string  `db:"price" json:"price"`     // Price exactly as displayed, e.g. "€ 85,00"
	URL     string  `db:"url" json:"url"`         // Purchase link
}

// Subscription is one email's interest in a single day and camping combination.
type Subscription struct {
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	Email     string    `db:"email" json:"email"`
	Day       Day       `db:"day" json:"day"`
	Camping   Camping   `db:"camping" json:"camping"`
	ID        int64     `db:"id" json:"id"`
	Active    bool      `db:"active" json:"active"`
}

// Matches reports whether the subscription wants to hear about the listing.
func (s *Subscription) Matches(l *Listing) bool {
	return s.Active && s.Day == l.Day && s.Camping == l.Camping
}

// NotificationRecord marks a listing as delivered to a subscriber.
type NotificationRecord struct {
	SentAt       time.Time `db:"sent_at" json:"sent_at"`
	ListingID    string    `db:"ticket_id" json:"ticket_id"`
	SubscriberID int64     `db:"subscriber_id" json:"subscriber_id"`
}

// Pair is a listing that still has to be sent to a subscriber.
type Pair struct {
	Listing      *Listing
	Subscription *Subscription
}
