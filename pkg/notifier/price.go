package notifier

import (
	"regexp"
	"strconv"
	"strings"
)

var priceRegex = regexp.MustCompile(`€?\s*(\d+(?:\.\d{2})?)`)

// ParsePrice extracts a numeric value from display text such as "€ 30" or "€45.50".
// It is only used for ranking; prices are stored as text.
func ParsePrice(text string) (float64, bool) {
	m := priceRegex.FindStringSubmatch(text)
	if m == nil {
		return 0, false
	}
	v, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// LowestPrice returns the cheapest listing. Ties keep the one seen first and
// listings without a recognizable price are ignored. Returns nil if nothing ranks.
func LowestPrice(listings []*Listing) *Listing {
	var best *Listing
	var bestValue float64
	for _, l := range listings {
		v, ok := ParsePrice(l.Price)
		if !ok {
			continue
		}
		if best == nil || v < bestValue {
			best = l
			bestValue = v
		}
	}
	return best
}

// ListingIDFromURL derives the listing id from a purchase link: the path segment
// before the final two, e.g. ".../buy/12345/abc/def" yields "12345".
// Returns "" when the link has fewer than three segments.
func ListingIDFromURL(href string) string {
	parts := strings.Split(href, "/")
	if len(parts) < 3 {
		return ""
	}
	return parts[len(parts)-3]
}
