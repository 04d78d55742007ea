package domain

import (
	"testing"
	"time"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		at   time.Time
		want BucketKey
	}{
		{time.Date(2026, 1, 14, 18, 0, 0, 0, time.UTC), BucketKey{Date: "2026-01-14", Hour: 13}},
		{time.Date(2026, 1, 14, 19, 0, 0, 0, time.UTC), BucketKey{Date: "2026-01-14", Hour: 14}},
		{time.Date(2026, 1, 15, 4, 59, 59, 0, time.UTC), BucketKey{Date: "2026-01-14", Hour: 23}},
		{time.Date(2026, 1, 15, 5, 0, 0, 0, time.UTC), BucketKey{Date: "2026-01-15", Hour: 0}},
		// Summer instants use the same fixed offset.
		{time.Date(2026, 7, 4, 16, 0, 0, 0, time.UTC), BucketKey{Date: "2026-07-04", Hour: 11}},
		// Non-UTC inputs are converted first.
		{time.Date(2026, 1, 14, 19, 0, 0, 0, time.FixedZone("CET", 3600)), BucketKey{Date: "2026-01-14", Hour: 13}},
	}
	for _, tt := range tests {
		if got := Normalize(tt.at); got != tt.want {
			t.Errorf("Normalize(%v) = %+v, want %+v", tt.at, got, tt.want)
		}
	}
}

func TestKeyRange(t *testing.T) {
	key := BucketKey{Date: "2026-01-14", Hour: 13}
	from, to, err := KeyRange(key)
	if err != nil {
		t.Fatalf("KeyRange: %v", err)
	}
	wantFrom := time.Date(2026, 1, 14, 18, 0, 0, 0, time.UTC)
	if !from.Equal(wantFrom) || !to.Equal(wantFrom.Add(time.Hour)) {
		t.Fatalf("KeyRange = [%v, %v), want [%v, %v)", from, to, wantFrom, wantFrom.Add(time.Hour))
	}
	if got := Normalize(from); got != key {
		t.Errorf("Normalize(from) = %+v, want %+v", got, key)
	}
	if got := Normalize(to.Add(-time.Second)); got != key {
		t.Errorf("Normalize(to-1s) = %+v, want %+v", got, key)
	}
	if got := Normalize(to); got == key {
		t.Errorf("Normalize(to) should fall in the next bucket")
	}

	if _, _, err := KeyRange(BucketKey{Date: "Jan 14"}); err == nil {
		t.Fatal("expected error for malformed date")
	}
}

func TestPeriodStart(t *testing.T) {
	ref := time.Unix(DefaultPeriodReference, 0).UTC()
	week := PeriodLength

	tests := []struct {
		name string
		at   time.Time
		want time.Time
	}{
		{"reference", ref, ref},
		{"end of period 0", ref.Add(week - time.Second), ref},
		{"start of period 1", ref.Add(week), ref.Add(week)},
		{"just before reference", ref.Add(-time.Second), ref.Add(-week)},
		{"exactly one period before", ref.Add(-week), ref.Add(-week)},
		{"mid january", time.Date(2026, 1, 10, 14, 27, 17, 0, time.UTC), time.Date(2026, 1, 6, 17, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := PeriodStart(tt.at, DefaultPeriodReference)
			if !got.Equal(tt.want) {
				t.Fatalf("PeriodStart(%v) = %v, want %v", tt.at, got, tt.want)
			}
			if again := PeriodStart(got, DefaultPeriodReference); !again.Equal(got) {
				t.Fatalf("PeriodStart is not a fixed point: %v -> %v", got, again)
			}
			if tt.at.Before(got) || !tt.at.Before(got.Add(week)) {
				t.Fatalf("%v not inside [%v, %v)", tt.at, got, got.Add(week))
			}
		})
	}
}

func TestYearWindow(t *testing.T) {
	w := RecentYears(time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC), 2)
	if w != (YearWindow{Min: 2025, Max: 2026}) {
		t.Fatalf("RecentYears = %+v", w)
	}

	// New Year's Day before 05:00 UTC is still the previous local year.
	early := RecentYears(time.Date(2026, 1, 1, 3, 0, 0, 0, time.UTC), 1)
	if early != (YearWindow{Min: 2025, Max: 2025}) {
		t.Fatalf("RecentYears at local new year's eve = %+v", early)
	}

	if !w.Contains(time.Date(2025, 1, 1, 5, 0, 0, 0, time.UTC)) {
		t.Error("expected first local instant of 2025 inside window")
	}
	if w.Contains(time.Date(2025, 1, 1, 4, 59, 59, 0, time.UTC)) {
		t.Error("expected last local instant of 2024 outside window")
	}
	if w.Contains(time.Date(2027, 3, 1, 0, 0, 0, 0, time.UTC)) {
		t.Error("expected 2027 outside window")
	}

	if !(YearWindow{}).Contains(time.Date(1999, 1, 1, 0, 0, 0, 0, time.UTC)) {
		t.Error("zero window should accept everything")
	}
	if RecentYears(time.Now(), 0) != (YearWindow{}) {
		t.Error("RecentYears(0) should be unbounded")
	}
}

func TestNormalize_PeriodFixedPoint(t *testing.T) {
	// Sweep a little over two weeks in 17 minute steps so every local hour,
	// including the ones around local midnight, is hit on several dates.
	start := time.Date(2025, 12, 28, 3, 0, 0, 0, time.UTC)
	for i := 0; i < 1440; i++ {
		at := start.Add(time.Duration(i) * 17 * time.Minute)
		key := Normalize(at)
		later := Normalize(at.Add(PeriodLength))

		if later.Hour != key.Hour {
			t.Fatalf("Normalize(%v + 7d) hour = %d, want %d", at, later.Hour, key.Hour)
		}
		day, err := time.Parse(time.DateOnly, key.Date)
		if err != nil {
			t.Fatalf("parse date %q: %v", key.Date, err)
		}
		if want := day.AddDate(0, 0, 7).Format(time.DateOnly); later.Date != want {
			t.Fatalf("Normalize(%v + 7d) date = %s, want %s", at, later.Date, want)
		}
	}
}
