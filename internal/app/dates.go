package app

import (
	"net/http"
	"strings"
	"time"
)

// dateLayouts are tried in order when normalizing a boundary date string.
// A timezone-qualified timestamp keeps the calendar date of its own offset,
// so the same day is never represented by two different keys.
var dateLayouts = []string{
	"2006-01-02",
	time.RFC3339,
	"2006-01-02T15:04:05",
}

// normalizeDate reduces any accepted date representation to the canonical
// YYYY-MM-DD key used everywhere past the HTTP boundary.
func normalizeDate(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "date is required", nil)
	}
	for _, layout := range dateLayouts {
		if parsed, err := time.Parse(layout, trimmed); err == nil {
			return parsed.Format("2006-01-02"), nil
		}
	}
	return "", domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "date must be a calendar date (YYYY-MM-DD)", map[string]any{"date": raw})
}
