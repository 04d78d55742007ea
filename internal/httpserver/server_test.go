package httpserver

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/blackmichael/post-heatmap/internal/config"
	"github.com/blackmichael/post-heatmap/internal/domain"
	"github.com/blackmichael/post-heatmap/internal/sqlite"
)

func newTestServer(t *testing.T) (*httptest.Server, *sqlite.Store) {
	t.Helper()
	store, err := sqlite.Open(filepath.Join(t.TempDir(), "heatmap.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := config.Default()
	svc := domain.NewHeatmapService(store, store, cfg.PeriodReference, logger)
	srv := httptest.NewServer(NewServer(cfg, svc, logger).Handler())
	t.Cleanup(srv.Close)
	return srv, store
}

func getJSON(t *testing.T, url string, wantStatus int) map[string]any {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != wantStatus {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("GET %s status = %d, want %d: %s", url, resp.StatusCode, wantStatus, body)
	}
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode %s: %v", url, err)
	}
	return out
}

func seedEvents(t *testing.T, store *sqlite.Store) {
	t.Helper()
	ctx := context.Background()
	// 2026-01-10 14:27:17 UTC is 09:27 local.
	at := time.Date(2026, 1, 10, 14, 27, 17, 0, time.UTC)
	events := []domain.Event{
		{ID: "1", Kind: domain.KindOriginal, OccurredAt: at},
		{ID: "2", Kind: domain.KindReply, OccurredAt: at.Add(10 * time.Minute)},
		{ID: "3", Kind: domain.KindQuote, OccurredAt: at.Add(2 * time.Hour)},
	}
	for i := range events {
		events[i].PeriodStart = domain.PeriodStart(events[i].OccurredAt, domain.DefaultPeriodReference)
		if _, err := store.UpsertEvent(ctx, &events[i]); err != nil {
			t.Fatalf("upsert: %v", err)
		}
	}
	if err := store.UpsertBuckets(ctx, domain.Aggregate(events).Buckets()); err != nil {
		t.Fatalf("upsert buckets: %v", err)
	}
}

func TestHealth(t *testing.T) {
	srv, store := newTestServer(t)
	seedEvents(t, store)

	out := getJSON(t, srv.URL+"/health", http.StatusOK)
	if out["status"] != "ok" || out["events"].(float64) != 3 || out["buckets"].(float64) != 2 {
		t.Fatalf("health = %v", out)
	}
}

func TestHeatmap(t *testing.T) {
	srv, store := newTestServer(t)
	seedEvents(t, store)

	out := getJSON(t, srv.URL+"/api/heatmap?from=2026-01-10&to=2026-01-10", http.StatusOK)
	buckets := out["buckets"].([]any)
	if len(buckets) != 2 {
		t.Fatalf("buckets = %v", buckets)
	}
	first := buckets[0].(map[string]any)
	if first["hour"].(float64) != 9 || first["primary"].(float64) != 1 || first["reply"].(float64) != 1 || first["label"] != "Jan 10" {
		t.Fatalf("first bucket = %v", first)
	}
	total := out["total"].(map[string]any)
	if total["total"].(float64) != 3 {
		t.Fatalf("total = %v", total)
	}

	getJSON(t, srv.URL+"/api/heatmap?from=2026-01-11&to=2026-01-10", http.StatusBadRequest)
	getJSON(t, srv.URL+"/api/heatmap?from=yesterday", http.StatusBadRequest)
}

func TestEvents_Pagination(t *testing.T) {
	srv, store := newTestServer(t)
	seedEvents(t, store)

	out := getJSON(t, srv.URL+"/api/events?limit=2", http.StatusOK)
	events := out["events"].([]any)
	if len(events) != 2 || events[0].(map[string]any)["id"] != "3" {
		t.Fatalf("first page = %v", events)
	}
	cursor, ok := out["cursor"].(string)
	if !ok || !strings.Contains(cursor, "::") {
		t.Fatalf("cursor = %v", out["cursor"])
	}

	out = getJSON(t, srv.URL+"/api/events?limit=2&cursor="+cursor, http.StatusOK)
	events = out["events"].([]any)
	if len(events) != 1 || events[0].(map[string]any)["id"] != "1" {
		t.Fatalf("second page = %v", events)
	}
	if _, ok := out["cursor"]; ok {
		t.Fatalf("last page should not carry a cursor: %v", out)
	}

	getJSON(t, srv.URL+"/api/events?limit=0", http.StatusBadRequest)
	getJSON(t, srv.URL+"/api/events?cursor=nope", http.StatusBadRequest)
}

func TestPeriod(t *testing.T) {
	srv, store := newTestServer(t)
	seedEvents(t, store)

	out := getJSON(t, srv.URL+"/api/period?at=2026-01-10T14:27:17Z", http.StatusOK)
	// Period containing 2026-01-10 starts Tue 2026-01-06 17:00 UTC.
	if out["start"] != "2026-01-06T17:00:00Z" {
		t.Fatalf("start = %v", out["start"])
	}
	counts := out["counts"].(map[string]any)
	if counts["primary"].(float64) != 2 || counts["reply"].(float64) != 1 {
		t.Fatalf("counts = %v", counts)
	}
	byKind := out["by_kind"].(map[string]any)
	if byKind["quote"].(float64) != 1 {
		t.Fatalf("by_kind = %v", byKind)
	}

	getJSON(t, srv.URL+"/api/period?at=soon", http.StatusBadRequest)
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}
