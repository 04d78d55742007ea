package domain

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidCursor is returned when a pagination cursor cannot be parsed.
var ErrInvalidCursor = errors.New("invalid cursor")

// EncodeEventCursor returns the pagination cursor that resumes after the
// given event in a newest-first listing. The format is "unixSeconds::id".
func EncodeEventCursor(e Event) string {
	return fmt.Sprintf("%d::%s", e.OccurredAt.Unix(), e.ID)
}

// ParseEventCursor splits a cursor produced by EncodeEventCursor.
func ParseEventCursor(cursor string) (time.Time, string, error) {
	parts := strings.SplitN(cursor, "::", 2)
	if len(parts) != 2 || parts[1] == "" {
		return time.Time{}, "", fmt.Errorf("%w: must be in format 'timestamp::id'", ErrInvalidCursor)
	}
	secs, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return time.Time{}, "", fmt.Errorf("%w: timestamp: %v", ErrInvalidCursor, err)
	}
	return time.Unix(secs, 0).UTC(), parts[1], nil
}
