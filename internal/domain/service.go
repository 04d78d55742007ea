package domain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// ErrInvalidRange is returned for a malformed or inverted date range.
var ErrInvalidRange = errors.New("invalid date range")

// HeatmapService serves the read side: heatmap ranges, the recent events
// feed and period statistics.
type HeatmapService struct {
	events    EventRepository
	buckets   BucketRepository
	reference int64
	logger    *slog.Logger
}

// NewHeatmapService creates a HeatmapService. reference is the start of
// period 0 in unix seconds.
func NewHeatmapService(events EventRepository, buckets BucketRepository, reference int64, logger *slog.Logger) *HeatmapService {
	if reference == 0 {
		reference = DefaultPeriodReference
	}
	return &HeatmapService{
		events:    events,
		buckets:   buckets,
		reference: reference,
		logger:    logger,
	}
}

// GetHeatmap returns the stored buckets with from <= date <= to. Either bound
// may be empty.
func (s *HeatmapService) GetHeatmap(ctx context.Context, from, to string) (*HeatmapView, error) {
	for _, d := range []string{from, to} {
		if d == "" {
			continue
		}
		if _, err := time.Parse(time.DateOnly, d); err != nil {
			return nil, fmt.Errorf("%w: date %q", ErrInvalidRange, d)
		}
	}
	if from != "" && to != "" && from > to {
		return nil, fmt.Errorf("%w: %s is after %s", ErrInvalidRange, from, to)
	}

	s.logger.Debug("GetHeatmap called", "from", from, "to", to)

	buckets, err := s.buckets.ListBuckets(ctx, from, to)
	if err != nil {
		return nil, fmt.Errorf("list buckets: %w", err)
	}

	view := &HeatmapView{From: from, To: to, Buckets: buckets}
	for _, b := range buckets {
		view.Total.Primary += b.Counts.Primary
		view.Total.Reply += b.Counts.Reply
	}
	return view, nil
}

// GetRecentEvents returns a page of events, newest first.
func (s *HeatmapService) GetRecentEvents(ctx context.Context, limit int, cursor string) (*EventPage, error) {
	s.logger.Debug("GetRecentEvents called", "limit", limit, "cursor", cursor)

	if cursor != "" {
		if _, _, err := ParseEventCursor(cursor); err != nil {
			return nil, err
		}
	}

	events, next, err := s.events.GetRecentEvents(ctx, limit, cursor)
	if err != nil {
		return nil, fmt.Errorf("get recent events: %w", err)
	}
	return &EventPage{Cursor: next, Events: events}, nil
}

// GetPeriodStats counts the events in the period containing at.
func (s *HeatmapService) GetPeriodStats(ctx context.Context, at time.Time) (*PeriodStats, error) {
	start := PeriodStart(at, s.reference)
	end := start.Add(PeriodLength)

	events, err := s.events.ListEventsBetween(ctx, start, end)
	if err != nil {
		return nil, fmt.Errorf("list events for period %s: %w", start.Format(time.RFC3339), err)
	}

	stats := &PeriodStats{
		Start:  start,
		End:    end,
		ByKind: make(map[Kind]int64, 4),
	}
	for _, e := range events {
		stats.ByKind[e.Kind]++
		if e.IsReply() {
			stats.Counts.Reply++
		} else {
			stats.Counts.Primary++
		}
	}
	return stats, nil
}

// Status returns exact row counts from the store.
func (s *HeatmapService) Status(ctx context.Context) (StoreStatus, error) {
	events, err := s.events.CountEvents(ctx)
	if err != nil {
		return StoreStatus{}, fmt.Errorf("count events: %w", err)
	}
	buckets, err := s.buckets.CountBuckets(ctx)
	if err != nil {
		return StoreStatus{}, fmt.Errorf("count buckets: %w", err)
	}
	return StoreStatus{Events: events, Buckets: buckets}, nil
}
