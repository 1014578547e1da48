package normalize

import (
	"net/mail"
	"strings"
	"time"
)

var dateLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	time.RFC1123Z,
	time.RFC1123,
	time.RFC822Z,
	time.RFC822,
	time.RFC850,
	time.ANSIC,
	time.UnixDate,
	"Mon, 2 Jan 2006 15:04:05 -0700",
	"2 Jan 2006 15:04:05 -0700",
	"2006-01-02 15:04:05 -0700",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// ParseDate accepts RFC 5322 dates and a handful of common alternatives and
// returns the instant in UTC, or nil when nothing matches.
func ParseDate(value string) *time.Time {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	if t, err := mail.ParseDate(value); err == nil {
		return utc(t)
	}
	// Drop a trailing zone comment such as "(UTC)" or "(PST)".
	if i := strings.LastIndex(value, " ("); i > 0 && strings.HasSuffix(value, ")") {
		value = strings.TrimSpace(value[:i])
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return utc(t)
		}
	}
	return nil
}

func utc(t time.Time) *time.Time {
	u := t.UTC()
	return &u
}
