package domain

import (
	"errors"
	"testing"
	"time"
)

func TestEventCursor(t *testing.T) {
	e := testEvent("2009::x", KindOriginal, time.Date(2026, 1, 10, 14, 27, 17, 0, time.UTC))

	cursor := EncodeEventCursor(e)
	if cursor != "1768055237::2009::x" {
		t.Fatalf("cursor = %q", cursor)
	}

	at, id, err := ParseEventCursor(cursor)
	if err != nil {
		t.Fatalf("ParseEventCursor: %v", err)
	}
	if !at.Equal(e.OccurredAt) || id != e.ID {
		t.Fatalf("parsed (%v, %q), want (%v, %q)", at, id, e.OccurredAt, e.ID)
	}
}

func TestParseEventCursor_Invalid(t *testing.T) {
	for _, c := range []string{"", "123", "abc::1", "123::", "::1"} {
		if _, _, err := ParseEventCursor(c); !errors.Is(err, ErrInvalidCursor) {
			t.Errorf("ParseEventCursor(%q) error = %v, want ErrInvalidCursor", c, err)
		}
	}
}
