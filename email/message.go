package email

import (
	"mime"
	"strings"
	"time"
)

// sanitizeEmailHeader removes newlines and control characters to prevent header injection.
func sanitizeEmailHeader(s string) string {
	var result strings.Builder
	for _, r := range s {
		if r >= 32 && r != 127 {
			result.WriteRune(r)
		}
	}
	return result.String()
}

// buildMessage renders a plain text RFC 5322 message. from may be empty when
// the transport fills it in.
func buildMessage(from, to, subject, body string, date time.Time) []byte {
	var msg strings.Builder
	if from != "" {
		msg.WriteString("From: " + sanitizeEmailHeader(from) + "\r\n")
	}
	msg.WriteString("To: " + sanitizeEmailHeader(to) + "\r\n")
	msg.WriteString("Subject: " + mime.QEncoding.Encode("utf-8", sanitizeEmailHeader(subject)) + "\r\n")
	msg.WriteString("Date: " + date.Format(time.RFC1123Z) + "\r\n")
	msg.WriteString("MIME-Version: 1.0\r\n")
	msg.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	msg.WriteString("Content-Transfer-Encoding: 8bit\r\n\r\n")
	msg.WriteString(strings.ReplaceAll(strings.ReplaceAll(body, "\r\n", "\n"), "\n", "\r\n"))
	return []byte(msg.String())
}
