package email

import (
	"strings"

	"pkpchecker/pkg/notifier"
)

// Default templates. Placeholders: {day}, {camping}, {price}, {url}, {base_url}.
const (
	DefaultSubjectTemplate = "Pukkelpop Ticket Alert - {day} - {camping} - {price}"
	DefaultBodyTemplate    = `A new ticket is available for {day} with {camping}! Price: {price}.

Check it out here: {url}

To unsubscribe, visit {base_url} again and scroll down to the bottom.
`
)

// Templates holds the subject and body used for every alert.
type Templates struct {
	Subject string
	Body    string
}

// DefaultTemplates returns the stock alert wording.
func DefaultTemplates() Templates {
	return Templates{Subject: DefaultSubjectTemplate, Body: DefaultBodyTemplate}
}

func (t Templates) render(l *notifier.Listing, baseURL string) (subject, body string) {
	r := strings.NewReplacer(
		"{day}", l.Day.DisplayName(),
		"{camping}", l.Camping.DisplayName(),
		"{price}", l.Price,
		"{url}", l.URL,
		"{base_url}", baseURL,
	)
	return r.Replace(t.Subject), r.Replace(t.Body)
}
