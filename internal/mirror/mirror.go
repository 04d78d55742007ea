// Package mirror copies events from one store into another and rebuilds the
// target heatmap from its own events.
package mirror

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/blackmichael/post-heatmap/internal/domain"
	"github.com/blackmichael/post-heatmap/internal/metrics"
)

const defaultPageSize = 500

// Report summarizes a mirror run.
type Report struct {
	RunID    string
	Scanned  int
	Copied   int
	Failed   int
	Pruned   int64
	Rebuild  domain.RebuildReport
	Duration time.Duration
}

// Mirror copies events from source into target. Buckets are never copied;
// the target's own reconciler rebuilds them so stale rows cannot travel.
type Mirror struct {
	source  domain.EventRepository
	target  domain.EventRepository
	rebuild *domain.Reconciler
	logger  *slog.Logger

	// PageSize is the number of events read per source page.
	PageSize int

	// Prune deletes target events that are not in the source.
	Prune bool
}

// New creates a Mirror. rebuild must be a reconciler over the target store.
func New(source, target domain.EventRepository, rebuild *domain.Reconciler, logger *slog.Logger) *Mirror {
	return &Mirror{
		source:   source,
		target:   target,
		rebuild:  rebuild,
		logger:   logger,
		PageSize: defaultPageSize,
	}
}

// Run performs one mirror pass. Individual event failures are logged and
// counted; only scan and rebuild failures abort the run.
func (m *Mirror) Run(ctx context.Context) (report Report, err error) {
	start := time.Now()
	report.RunID = uuid.NewString()
	logger := m.logger.With("run_id", report.RunID, "mode", "mirror")
	logger.Info("mirror started", "prune", m.Prune)

	defer func() {
		report.Duration = time.Since(start)
		if err != nil {
			metrics.MirrorRuns.WithLabelValues("error").Inc()
			return
		}
		metrics.MirrorRuns.WithLabelValues("ok").Inc()
		metrics.MirrorLastSuccess.SetToCurrentTime()
	}()

	var seen map[string]struct{}
	if m.Prune {
		seen = make(map[string]struct{})
	}

	var after string
	for {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		page, err := m.source.ListEvents(ctx, after, m.PageSize)
		if err != nil {
			return report, fmt.Errorf("list source events after %q: %w", after, err)
		}
		for i := range page {
			e := page[i]
			report.Scanned++
			if seen != nil {
				seen[e.ID] = struct{}{}
			}
			if _, err := m.target.UpsertEvent(ctx, &e); err != nil {
				report.Failed++
				metrics.StoreErrors.WithLabelValues("mirror_upsert").Inc()
				logger.Error("mirror upsert failed, skipping", "id", e.ID, "error", err)
				continue
			}
			report.Copied++
		}
		if len(page) < m.PageSize {
			break
		}
		after = page[len(page)-1].ID
	}

	if m.Prune {
		pruned, err := m.prune(ctx, seen)
		if err != nil {
			return report, err
		}
		report.Pruned = pruned
	}

	report.Rebuild, err = m.rebuild.Rebuild(ctx)
	if err != nil {
		return report, fmt.Errorf("rebuild target heatmap: %w", err)
	}

	logger.Info("mirror complete",
		"scanned", report.Scanned,
		"copied", report.Copied,
		"failed", report.Failed,
		"pruned", report.Pruned,
		"buckets", report.Rebuild.Buckets,
		"duration", time.Since(start),
	)
	return report, nil
}

func (m *Mirror) prune(ctx context.Context, keep map[string]struct{}) (int64, error) {
	var (
		stale []string
		after string
	)
	for {
		page, err := m.target.ListEvents(ctx, after, m.PageSize)
		if err != nil {
			return 0, fmt.Errorf("list target events after %q: %w", after, err)
		}
		for _, e := range page {
			if _, ok := keep[e.ID]; !ok {
				stale = append(stale, e.ID)
			}
		}
		if len(page) < m.PageSize {
			break
		}
		after = page[len(page)-1].ID
	}
	if len(stale) == 0 {
		return 0, nil
	}
	n, err := m.target.DeleteEvents(ctx, stale)
	if err != nil {
		return n, fmt.Errorf("prune target events: %w", err)
	}
	return n, nil
}
