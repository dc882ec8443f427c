package main

import (
	"fmt"
	"strings"
	"time"
)

// ParseTargetTime parses the user's target time. Supported forms:
//   - "2025-01-15T16:00:00+08:00" (RFC3339, zone taken from the string)
//   - "2025-01-15 16:00"          (YYYY-MM-DD HH:MM, in loc)
//   - "2025-01-15 16:00:00"       (YYYY-MM-DD HH:MM:SS, in loc)
//   - "2025-01-15 16:00:00.250"   (fractional seconds, in loc)
//   - any of the above with a trailing "UTC", which forces UTC
func ParseTargetTime(timeStr string, loc *time.Location) (time.Time, error) {
	timeStr = strings.TrimSpace(timeStr)
	if loc == nil {
		loc = time.Local
	}

	if strings.HasSuffix(timeStr, "UTC") {
		timeStr = strings.TrimSpace(strings.TrimSuffix(timeStr, "UTC"))
		loc = time.UTC
	}

	if t, err := time.Parse(time.RFC3339Nano, timeStr); err == nil {
		return t, nil
	}

	layouts := []string{
		"2006-01-02 15:04",
		"2006-01-02 15:04:05",
		"2006-01-02 15:04:05.999999999",
		"2006-01-02T15:04",
		"2006-01-02T15:04:05",
	}
	for _, layout := range layouts {
		if t, err := time.ParseInLocation(layout, timeStr, loc); err == nil {
			return t, nil
		}
	}

	return time.Time{}, fmt.Errorf("invalid time format '%s'. Use format: YYYY-MM-DD HH:MM[:SS] (e.g., 2025-01-15 20:00:00), or RFC3339", timeStr)
}
