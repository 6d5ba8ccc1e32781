package util

import (
	"crypto/rand"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// NormalizePhone strips whitespace and separator characters, keeping a
// leading "+". Full E.164 validation is left to the provider.
func NormalizePhone(p string) string {
	p = strings.TrimSpace(p)
	var b strings.Builder
	for i, r := range p {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '+' && i == 0:
			b.WriteRune(r)
		case r == ' ' || r == '-' || r == '(' || r == ')' || r == '.':
			// separators dropped
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

func NewEventID() string {
	// ULID is sortable (nice for DB indexes and timeline queries)
	t := time.Now().UTC()
	return "evt_" + ulid.MustNew(ulid.Timestamp(t), rand.Reader).String()
}

func NowUTC() time.Time {
	return time.Now().UTC()
}
