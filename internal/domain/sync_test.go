package domain

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

// fakeSource replays canned messages. History lists are newest first.
type fakeSource struct {
	history    map[string][]Message
	historyErr map[string]error
	live       []Message

	gotAfter int64
}

func (f *fakeSource) History(_ context.Context, req HistoryRequest, fn func(Message) error) error {
	if err := f.historyErr[req.Channel]; err != nil {
		return err
	}
	for _, m := range f.history[req.Channel] {
		if err := fn(m); err != nil {
			if errors.Is(err, ErrStopIteration) {
				return nil
			}
			return err
		}
	}
	return nil
}

func (f *fakeSource) Subscribe(ctx context.Context, _ string, afterID int64, fn func(context.Context, Message) error) error {
	f.gotAfter = afterID
	for _, m := range f.live {
		if m.ID <= afterID {
			continue
		}
		if err := fn(ctx, m); err != nil {
			return err
		}
	}
	return nil
}

func alertMessage(channel string, id int64, status, header string, at time.Time, body string) Message {
	text := fmt.Sprintf("🚨 %s\n%s\nPosted at: %s GMT\nLink: https://x.com/elonmusk/status/%s",
		header, body, at.UTC().Format("Mon, 2 Jan 2006 15:04:05"), status)
	return Message{ID: id, Channel: channel, Date: at.Add(time.Minute), Text: text}
}

func newTestSync(t *testing.T, source MessageSource, store *memStore, strategy Strategy) *SyncService {
	t.Helper()
	window := func() YearWindow { return YearWindow{Min: 2025, Max: 2026} }
	r := NewReconciler(store, store, strategy, window, discardLogger())
	s, err := NewSyncService(source, store, store, NewParser(DefaultParserPolicy()), r, window, discardLogger())
	if err != nil {
		t.Fatalf("NewSyncService: %v", err)
	}
	return s
}

func backfillSource() *fakeSource {
	return &fakeSource{
		history: map[string][]Message{
			"alerts": {
				alertMessage("alerts", 12, "100", "Reply", jan14.Add(time.Hour), ""),
				{ID: 11, Channel: "alerts", Date: jan14, Text: "hello there"},
				alertMessage("alerts", 10, "101", "Tweeted", jan14, "first"),
			},
			"relay": {
				alertMessage("relay", 7, "100", "Reply", jan14.Add(time.Hour), "with content"),
				alertMessage("relay", 6, "102", "Tweeted", time.Date(2020, 3, 1, 12, 0, 0, 0, time.UTC), "ancient"),
			},
		},
	}
}

func TestSyncService_Backfill(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	s := newTestSync(t, backfillSource(), store, StrategyRecompute)

	report, err := s.Backfill(ctx, BackfillOptions{Channels: []string{"alerts", "relay"}})
	if err != nil {
		t.Fatalf("Backfill: %v", err)
	}
	if report.RunID == "" {
		t.Error("expected a run id")
	}
	if report.Processed != 5 || report.Parsed != 4 || report.Skipped != 1 {
		t.Errorf("processed/parsed/skipped = %d/%d/%d, want 5/4/1", report.Processed, report.Parsed, report.Skipped)
	}
	if report.Unique != 3 || report.Rejected != 1 || report.Synced != 2 || report.Failed != 0 {
		t.Errorf("unique/rejected/synced/failed = %d/%d/%d/%d, want 3/1/2/0",
			report.Unique, report.Rejected, report.Synced, report.Failed)
	}
	if report.Buckets != 2 {
		t.Errorf("Buckets = %d, want 2", report.Buckets)
	}

	// The later duplicate carries content and replaces the empty one.
	if got := store.events["100"]; got.Content != "with content" || got.Kind != KindReply {
		t.Errorf("event 100 = %+v", got)
	}
	if _, ok := store.events["102"]; ok {
		t.Error("out-of-window event should not be stored")
	}

	buckets := store.snapshot()
	if buckets[BucketKey{Date: "2026-01-14", Hour: 13}] != (Counts{Primary: 1}) {
		t.Errorf("13:00 bucket = %+v", buckets[BucketKey{Date: "2026-01-14", Hour: 13}])
	}
	if buckets[BucketKey{Date: "2026-01-14", Hour: 14}] != (Counts{Reply: 1}) {
		t.Errorf("14:00 bucket = %+v", buckets[BucketKey{Date: "2026-01-14", Hour: 14}])
	}

	if store.cursors[CursorKey("alerts")] != 12 || store.cursors[CursorKey("relay")] != 7 {
		t.Errorf("cursors = %+v", store.cursors)
	}

	// A second run over the same history changes nothing.
	if _, err := s.Backfill(ctx, BackfillOptions{Channels: []string{"alerts", "relay"}}); err != nil {
		t.Fatalf("second Backfill: %v", err)
	}
	if again := store.snapshot(); !sameHeatmap(again, buckets) {
		t.Fatalf("second backfill changed buckets: %+v vs %+v", again, buckets)
	}
}

func TestSyncService_BackfillBounds(t *testing.T) {
	t.Run("limit", func(t *testing.T) {
		store := newMemStore()
		s := newTestSync(t, backfillSource(), store, StrategyRecompute)

		report, err := s.Backfill(context.Background(), BackfillOptions{Channels: []string{"alerts"}, Limit: 1})
		if err != nil {
			t.Fatalf("Backfill: %v", err)
		}
		if report.Processed != 1 || report.Synced != 1 {
			t.Fatalf("processed/synced = %d/%d, want 1/1", report.Processed, report.Synced)
		}
		if store.cursors[CursorKey("alerts")] != 12 {
			t.Fatalf("cursor = %d, want 12", store.cursors[CursorKey("alerts")])
		}
	})

	t.Run("since", func(t *testing.T) {
		store := newMemStore()
		s := newTestSync(t, backfillSource(), store, StrategyRecompute)

		report, err := s.Backfill(context.Background(), BackfillOptions{
			Channels: []string{"alerts"},
			Since:    jan14.Add(30 * time.Minute),
		})
		if err != nil {
			t.Fatalf("Backfill: %v", err)
		}
		// Message 11 is dated jan14 and ends the walk.
		if report.Processed != 1 {
			t.Fatalf("Processed = %d, want 1", report.Processed)
		}
	})
}

func TestSyncService_BackfillContinuesAfterChannelError(t *testing.T) {
	source := backfillSource()
	source.historyErr = map[string]error{"alerts": errors.New("relay unavailable")}
	store := newMemStore()
	s := newTestSync(t, source, store, StrategyRecompute)

	report, err := s.Backfill(context.Background(), BackfillOptions{Channels: []string{"alerts", "relay"}})
	if err != nil {
		t.Fatalf("Backfill: %v", err)
	}
	if report.Processed != 2 || report.Synced != 1 {
		t.Fatalf("processed/synced = %d/%d, want 2/1", report.Processed, report.Synced)
	}
	if _, ok := store.cursors[CursorKey("alerts")]; ok {
		t.Error("failed channel should not move its cursor")
	}
}

func TestSyncService_HandleMessage(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	s := newTestSync(t, nil, store, StrategyRecompute)
	msg := alertMessage("alerts", 20, "200", "Tweeted", jan14, "hi")

	outcome, event, err := s.HandleMessage(ctx, msg)
	if err != nil || outcome != OutcomeInserted || event.ID != "200" {
		t.Fatalf("first = %s %q %v", outcome, event.ID, err)
	}
	outcome, _, err = s.HandleMessage(ctx, msg)
	if err != nil || outcome != OutcomeUpdated {
		t.Fatalf("second = %s %v", outcome, err)
	}
	if got := store.snapshot()[Normalize(jan14)]; got != (Counts{Primary: 1}) {
		t.Fatalf("bucket = %+v, want primary 1", got)
	}

	outcome, _, err = s.HandleMessage(ctx, Message{ID: 21, Channel: "alerts", Date: jan14, Text: "gm"})
	if err != nil || outcome != OutcomeSkipped {
		t.Fatalf("unparsable = %s %v", outcome, err)
	}

	old := alertMessage("alerts", 22, "201", "Tweeted", time.Date(2019, 1, 1, 12, 0, 0, 0, time.UTC), "")
	outcome, _, err = s.HandleMessage(ctx, old)
	if err != nil || outcome != OutcomeRejected {
		t.Fatalf("out of window = %s %v", outcome, err)
	}
	if _, ok := store.events["201"]; ok {
		t.Fatal("rejected event was stored")
	}

	if store.cursors[CursorKey("alerts")] != 22 {
		t.Fatalf("cursor = %d, want 22", store.cursors[CursorKey("alerts")])
	}

	// Cursors never move backwards.
	if _, _, err := s.HandleMessage(ctx, alertMessage("alerts", 5, "202", "Tweeted", jan14, "")); err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}
	if store.cursors[CursorKey("alerts")] != 22 {
		t.Fatalf("cursor moved backwards to %d", store.cursors[CursorKey("alerts")])
	}
}

func TestSyncService_HandleMessageIncrement(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	s := newTestSync(t, nil, store, StrategyIncrement)
	msg := alertMessage("alerts", 30, "300", "Reply", jan14, "")

	for i := 0; i < 3; i++ {
		if _, _, err := s.HandleMessage(ctx, msg); err != nil {
			t.Fatalf("HandleMessage %d: %v", i, err)
		}
	}
	if got := store.snapshot()[Normalize(jan14)]; got != (Counts{Reply: 1}) {
		t.Fatalf("bucket = %+v, want reply 1", got)
	}
}

func TestSyncService_Listen(t *testing.T) {
	store := newMemStore()
	store.cursors[CursorKey("alerts")] = 40
	source := &fakeSource{live: []Message{
		alertMessage("alerts", 40, "400", "Tweeted", jan14, "replayed"),
		alertMessage("alerts", 41, "401", "Tweeted", jan14, ""),
		{ID: 42, Channel: "alerts", Date: jan14, Text: "noise"},
		alertMessage("alerts", 43, "403", "Quote", jan14.Add(time.Hour), ""),
	}}
	s := newTestSync(t, source, store, StrategyRecompute)

	if err := s.Listen(context.Background(), "alerts"); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	if source.gotAfter != 40 {
		t.Fatalf("subscribed after %d, want 40", source.gotAfter)
	}
	if _, ok := store.events["400"]; ok {
		t.Error("message at the cursor should not be reprocessed")
	}
	if len(store.events) != 2 {
		t.Fatalf("stored %d events, want 2", len(store.events))
	}
	if store.cursors[CursorKey("alerts")] != 43 {
		t.Fatalf("cursor = %d, want 43", store.cursors[CursorKey("alerts")])
	}
	if got := store.snapshot(); got.Total() != 2 {
		t.Fatalf("heatmap total = %d, want 2", got.Total())
	}
}

func TestSyncService_RequiresSource(t *testing.T) {
	s := newTestSync(t, nil, newMemStore(), StrategyRecompute)
	if _, err := s.Backfill(context.Background(), BackfillOptions{Channels: []string{"a"}}); err == nil {
		t.Error("Backfill without a source should fail")
	}
	if err := s.Listen(context.Background(), "a"); err == nil {
		t.Error("Listen without a source should fail")
	}
}

func TestNewSyncService_Validation(t *testing.T) {
	store := newMemStore()
	parser := NewParser(DefaultParserPolicy())
	r := NewReconciler(store, store, StrategyRecompute, nil, discardLogger())

	if _, err := NewSyncService(nil, nil, store, parser, r, nil, discardLogger()); err == nil {
		t.Error("expected error without event repository")
	}
	if _, err := NewSyncService(nil, store, store, nil, r, nil, discardLogger()); err == nil {
		t.Error("expected error without parser")
	}
	if _, err := NewSyncService(nil, store, store, parser, nil, nil, discardLogger()); err == nil {
		t.Error("expected error without reconciler")
	}
}
