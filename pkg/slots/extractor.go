// Package slots fills the order_id and email slots for a turn.
package slots

import (
	"regexp"
	"strings"
	"unicode"

	"wismo-triage/pkg/models"
)

var (
	emailPattern   = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9\-]+(\.[A-Za-z0-9\-]+)+`)
	orderIDPattern = regexp.MustCompile(`(?i)\b[A-Z]\d{3,6}\b`)
)

// Slots are the identifiers available to Retrieve.
type Slots struct {
	OrderID string
	Email   string
	// Missing lists unfilled slots in the order order_id, email.
	Missing []string
}

// FindEmail returns the first email address in text.
func FindEmail(text string) string {
	return strings.TrimRight(emailPattern.FindString(text), ".")
}

// FindOrderID returns the first order id in text, upper-cased. Email
// addresses are removed first so their local part cannot match.
func FindOrderID(text string) string {
	return strings.ToUpper(orderIDPattern.FindString(emailPattern.ReplaceAllString(text, " ")))
}

// Extract resolves each slot from, in order: the confirmed value on the
// session, the classifier extraction, a pattern match on the message, and the
// pending value carried from an earlier turn. Confirmed values always win so
// a verified order is never replaced by unverified text.
func Extract(session *models.Session, result models.IntentResult, message string) Slots {
	var s Slots

	s.OrderID = firstNonEmpty(
		session.ConfirmedOrderID,
		strings.ToUpper(result.OrderID()),
		FindOrderID(message),
		session.PendingOrderID,
	)
	s.Email = firstNonEmpty(
		session.ConfirmedEmail,
		result.Email(),
		FindEmail(message),
		session.PendingEmail,
	)

	s.Missing = []string{}
	if s.OrderID == "" {
		s.Missing = append(s.Missing, models.FieldOrderID)
	}
	if s.Email == "" {
		s.Missing = append(s.Missing, models.FieldEmail)
	}
	return s
}

// ResidualWords counts the words left in message once identifiers are removed.
func ResidualWords(message string) int {
	stripped := emailPattern.ReplaceAllString(message, " ")
	stripped = orderIDPattern.ReplaceAllString(stripped, " ")

	count := 0
	for _, field := range strings.Fields(stripped) {
		if strings.IndexFunc(field, func(r rune) bool { return unicode.IsLetter(r) || unicode.IsDigit(r) }) >= 0 {
			count++
		}
	}
	return count
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
