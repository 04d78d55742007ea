package domain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/blackmichael/post-heatmap/internal/metrics"
)

// Strategy selects how buckets are kept current as single events arrive.
type Strategy string

const (
	// StrategyRecompute recounts affected buckets from stored events. Bucket
	// rows are a pure materialized view and can never drift.
	StrategyRecompute Strategy = "recompute"

	// StrategyIncrement adds one to the affected bucket for each newly
	// inserted event.
	StrategyIncrement Strategy = "increment"
)

// ErrUnknownStrategy is returned for an unrecognized strategy name.
var ErrUnknownStrategy = errors.New("unknown reconcile strategy")

// ParseStrategy converts a configuration value to a Strategy.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case StrategyRecompute, StrategyIncrement:
		return Strategy(s), nil
	case "":
		return StrategyRecompute, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownStrategy, s)
}

const (
	defaultScanPage   = 1000
	defaultWriteBatch = 50
)

// RebuildReport summarizes a full-replace run.
type RebuildReport struct {
	Events   int
	Rejected int
	Buckets  int
	Stale    int64
	Failed   int
	Duration time.Duration
}

// Reconciler keeps stored buckets consistent with stored events.
type Reconciler struct {
	events   EventRepository
	buckets  BucketRepository
	strategy Strategy
	window   func() YearWindow
	logger   *slog.Logger

	// ScanPage is the page size for full event scans.
	ScanPage int

	// WriteBatch is the number of buckets written per upsert call.
	WriteBatch int
}

// NewReconciler creates a Reconciler. window is consulted at the start of each
// rebuild; pass nil to accept events from any year.
func NewReconciler(events EventRepository, buckets BucketRepository, strategy Strategy, window func() YearWindow, logger *slog.Logger) *Reconciler {
	if window == nil {
		window = func() YearWindow { return YearWindow{} }
	}
	return &Reconciler{
		events:     events,
		buckets:    buckets,
		strategy:   strategy,
		window:     window,
		logger:     logger,
		ScanPage:   defaultScanPage,
		WriteBatch: defaultWriteBatch,
	}
}

// Strategy returns the streaming strategy in use.
func (r *Reconciler) Strategy() Strategy {
	return r.strategy
}

// Rebuild recomputes the heatmap from every stored event and makes it the
// stored ground truth. Every computed bucket is upserted first; stored buckets
// no longer backed by any event are deleted afterwards, so readers never see
// an empty heatmap mid-run. Running Rebuild twice leaves counts unchanged.
//
// A failed write batch is logged and skipped; earlier batches stay applied.
func (r *Reconciler) Rebuild(ctx context.Context) (RebuildReport, error) {
	start := time.Now()
	var report RebuildReport

	all, err := r.scanEvents(ctx)
	if err != nil {
		return report, err
	}

	window := r.window()
	accepted := make([]Event, 0, len(all))
	for _, e := range Dedupe(all) {
		if !window.Contains(e.OccurredAt) {
			report.Rejected++
			continue
		}
		accepted = append(accepted, e)
	}
	report.Events = len(accepted)

	heatmap := Aggregate(accepted)
	computed := heatmap.Buckets()
	report.Buckets = len(computed)

	batch := r.WriteBatch
	if batch <= 0 {
		batch = defaultWriteBatch
	}
	for i := 0; i < len(computed); i += batch {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		end := min(i+batch, len(computed))
		if err := r.buckets.UpsertBuckets(ctx, computed[i:end]); err != nil {
			report.Failed += end - i
			metrics.StoreErrors.WithLabelValues("upsert_buckets").Inc()
			r.logger.Error("bucket batch write failed, skipping",
				"from", computed[i].Key.Date,
				"batch_size", end-i,
				"error", err,
			)
			continue
		}
		metrics.BucketWrites.WithLabelValues("rebuild").Add(float64(end - i))
	}

	stored, err := r.buckets.ListBuckets(ctx, "", "")
	if err != nil {
		return report, fmt.Errorf("list buckets: %w", err)
	}
	var stale []BucketKey
	for _, b := range stored {
		if _, ok := heatmap[b.Key]; !ok {
			stale = append(stale, b.Key)
		}
	}
	if len(stale) > 0 {
		deleted, err := r.buckets.DeleteBuckets(ctx, stale)
		if err != nil {
			metrics.StoreErrors.WithLabelValues("delete_buckets").Inc()
			r.logger.Error("stale bucket delete failed", "stale", len(stale), "error", err)
		}
		report.Stale = deleted
	}

	report.Duration = time.Since(start)
	r.logger.Info("heatmap rebuilt",
		"events", report.Events,
		"rejected", report.Rejected,
		"buckets", report.Buckets,
		"stale_deleted", report.Stale,
		"failed", report.Failed,
		"duration", report.Duration,
	)
	return report, nil
}

func (r *Reconciler) scanEvents(ctx context.Context) ([]Event, error) {
	size := r.ScanPage
	if size <= 0 {
		size = defaultScanPage
	}
	var (
		all   []Event
		after string
	)
	for {
		page, err := r.events.ListEvents(ctx, after, size)
		if err != nil {
			return nil, fmt.Errorf("list events after %q: %w", after, err)
		}
		all = append(all, page...)
		if len(page) < size {
			return all, nil
		}
		after = page[len(page)-1].ID
	}
}

// Increment adds one to the bucket holding the event.
func (r *Reconciler) Increment(ctx context.Context, event Event) error {
	key := Normalize(event.OccurredAt)
	if err := r.buckets.IncrementBucket(ctx, key, event.IsReply()); err != nil {
		metrics.StoreErrors.WithLabelValues("increment_bucket").Inc()
		return fmt.Errorf("increment bucket %s %02d: %w", key.Date, key.Hour, err)
	}
	metrics.BucketWrites.WithLabelValues("increment").Inc()
	return nil
}

// Recompute recounts the given buckets from stored events and writes absolute
// counts. Buckets that end up empty are deleted.
func (r *Reconciler) Recompute(ctx context.Context, keys ...BucketKey) error {
	window := r.window()
	seen := make(map[BucketKey]struct{}, len(keys))
	var (
		write []Bucket
		drop  []BucketKey
	)
	for _, key := range keys {
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}

		from, to, err := KeyRange(key)
		if err != nil {
			return fmt.Errorf("bucket range %q: %w", key.Date, err)
		}
		events, err := r.events.ListEventsBetween(ctx, from, to)
		if err != nil {
			return fmt.Errorf("list events for bucket %s %02d: %w", key.Date, key.Hour, err)
		}

		var c Counts
		for _, e := range events {
			if !window.Contains(e.OccurredAt) {
				continue
			}
			if e.IsReply() {
				c.Reply++
			} else {
				c.Primary++
			}
		}
		if c.Total() == 0 {
			drop = append(drop, key)
			continue
		}
		write = append(write, Bucket{Key: key, Counts: c})
	}

	if len(write) > 0 {
		if err := r.buckets.UpsertBuckets(ctx, write); err != nil {
			metrics.StoreErrors.WithLabelValues("upsert_buckets").Inc()
			return fmt.Errorf("upsert buckets: %w", err)
		}
		metrics.BucketWrites.WithLabelValues("recompute").Add(float64(len(write)))
	}
	if len(drop) > 0 {
		if _, err := r.buckets.DeleteBuckets(ctx, drop); err != nil {
			metrics.StoreErrors.WithLabelValues("delete_buckets").Inc()
			return fmt.Errorf("delete buckets: %w", err)
		}
	}
	return nil
}

// Apply updates buckets for an event that was just upserted. prev is the
// previously stored version, or nil if the event is new.
//
// With StrategyIncrement only new events are counted; a re-ingested event is
// left for the next Rebuild. With StrategyRecompute both the old and new
// buckets are recounted.
func (r *Reconciler) Apply(ctx context.Context, event Event, prev *Event) error {
	switch r.strategy {
	case StrategyIncrement:
		if prev != nil {
			return nil
		}
		if !r.window().Contains(event.OccurredAt) {
			return nil
		}
		return r.Increment(ctx, event)
	case StrategyRecompute:
		keys := []BucketKey{Normalize(event.OccurredAt)}
		if prev != nil {
			keys = append(keys, Normalize(prev.OccurredAt))
		}
		return r.Recompute(ctx, keys...)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownStrategy, r.strategy)
	}
}
