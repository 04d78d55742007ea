package domain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/blackmichael/post-heatmap/internal/metrics"
)

// Outcome describes what happened to a single message.
type Outcome string

const (
	OutcomeInserted Outcome = "inserted"
	OutcomeUpdated  Outcome = "updated"
	OutcomeSkipped  Outcome = "skipped"
	OutcomeRejected Outcome = "rejected"
	OutcomeFailed   Outcome = "failed"
)

// CursorKey returns the cursor repository key for a channel.
func CursorKey(channel string) string {
	return "telegram:" + channel
}

// BackfillOptions bounds a backfill run.
type BackfillOptions struct {
	Channels []string

	// Limit caps the number of messages read per channel. Zero means no cap.
	Limit int

	// Since stops reading a channel at the first older message.
	Since time.Time
}

// Report summarizes a backfill run.
type Report struct {
	RunID     string
	Processed int
	Parsed    int
	Unique    int
	Synced    int
	Skipped   int
	Rejected  int
	Failed    int
	Buckets   int
	Rebuild   RebuildReport
	Duration  time.Duration
}

// SyncService drives the parser and reconciler against a message source and a
// store. It owns no global state; every collaborator is passed in.
type SyncService struct {
	source     MessageSource
	events     EventRepository
	cursors    CursorRepository
	parser     *Parser
	reconciler *Reconciler
	window     func() YearWindow
	logger     *slog.Logger

	// mu serializes HandleMessage so concurrent listeners act as one writer.
	mu sync.Mutex
}

// NewSyncService creates a SyncService. window supplies the plausible year
// range; pass nil to accept all years.
func NewSyncService(source MessageSource, events EventRepository, cursors CursorRepository, parser *Parser, reconciler *Reconciler, window func() YearWindow, logger *slog.Logger) (*SyncService, error) {
	if events == nil || cursors == nil {
		return nil, errors.New("sync service requires a store")
	}
	if parser == nil || reconciler == nil {
		return nil, errors.New("sync service requires a parser and reconciler")
	}
	if window == nil {
		window = func() YearWindow { return YearWindow{} }
	}
	return &SyncService{
		source:     source,
		events:     events,
		cursors:    cursors,
		parser:     parser,
		reconciler: reconciler,
		window:     window,
		logger:     logger,
	}, nil
}

// Backfill reads bounded history from each channel, stores the deduplicated
// events and then rebuilds the heatmap from the full event table.
func (s *SyncService) Backfill(ctx context.Context, opts BackfillOptions) (Report, error) {
	if s.source == nil {
		return Report{}, errors.New("backfill requires a message source")
	}

	start := time.Now()
	report := Report{RunID: uuid.NewString()}
	logger := s.logger.With("run_id", report.RunID, "mode", "backfill")
	logger.Info("backfill started", "channels", opts.Channels, "limit", opts.Limit, "since", opts.Since)

	var parsed []Event
	for _, channel := range opts.Channels {
		var (
			newest int64
			read   int
		)
		err := s.source.History(ctx, HistoryRequest{Channel: channel, Limit: opts.Limit, Since: opts.Since}, func(msg Message) error {
			if !opts.Since.IsZero() && msg.Date.Before(opts.Since) {
				return ErrStopIteration
			}
			if opts.Limit > 0 && read >= opts.Limit {
				return ErrStopIteration
			}
			read++
			report.Processed++
			metrics.MessagesReceived.WithLabelValues("backfill").Inc()
			if msg.ID > newest {
				newest = msg.ID
			}

			event, ok := s.parser.Parse(msg)
			if !ok {
				report.Skipped++
				metrics.MessagesSkipped.WithLabelValues("unparsable").Inc()
				return nil
			}
			report.Parsed++
			parsed = append(parsed, event)
			return nil
		})
		if err != nil && !errors.Is(err, ErrStopIteration) {
			if ctx.Err() != nil {
				return report, ctx.Err()
			}
			logger.Error("history fetch failed, continuing with next channel", "channel", channel, "read", read, "error", err)
		}
		logger.Info("channel read", "channel", channel, "messages", read)

		if newest > 0 {
			s.advanceCursor(ctx, channel, newest)
		}
	}

	unique := Dedupe(parsed)
	report.Unique = len(unique)
	window := s.window()
	for i := range unique {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		event := unique[i]
		if !window.Contains(event.OccurredAt) {
			report.Rejected++
			metrics.MessagesSkipped.WithLabelValues("implausible_date").Inc()
			logger.Warn("event outside plausible years, not stored",
				"id", event.ID,
				"occurred_at", event.OccurredAt,
			)
			continue
		}
		prev, err := s.events.UpsertEvent(ctx, &event)
		if err != nil {
			report.Failed++
			metrics.StoreErrors.WithLabelValues("upsert_event").Inc()
			logger.Error("event upsert failed, skipping", "id", event.ID, "error", err)
			continue
		}
		report.Synced++
		countStored(prev)
	}

	rebuild, err := s.reconciler.Rebuild(ctx)
	report.Rebuild = rebuild
	report.Buckets = rebuild.Buckets
	report.Duration = time.Since(start)
	if err != nil {
		return report, fmt.Errorf("rebuild heatmap: %w", err)
	}

	logger.Info("backfill complete",
		"processed", report.Processed,
		"parsed", report.Parsed,
		"unique", report.Unique,
		"synced", report.Synced,
		"skipped", report.Skipped,
		"rejected", report.Rejected,
		"failed", report.Failed,
		"buckets", rebuild.Buckets,
		"duration", report.Duration,
	)
	return report, nil
}

// Listen subscribes to new messages in channel, starting after the saved
// cursor, and handles them one at a time. It returns when ctx is cancelled or
// the source fails.
func (s *SyncService) Listen(ctx context.Context, channel string) error {
	if s.source == nil {
		return errors.New("listen requires a message source")
	}

	cursor, err := s.cursors.GetCursor(ctx, CursorKey(channel))
	if err != nil {
		s.logger.Warn("failed to load cursor, starting from live", "channel", channel, "error", err)
	}
	s.logger.Info("listening", "channel", channel, "after_id", cursor, "strategy", s.reconciler.Strategy())

	return s.source.Subscribe(ctx, channel, cursor, func(ctx context.Context, msg Message) error {
		metrics.MessagesReceived.WithLabelValues("listen").Inc()
		outcome, event, err := s.HandleMessage(ctx, msg)
		if err != nil {
			s.logger.Error("message handling failed",
				"channel", msg.Channel,
				"message_id", msg.ID,
				"outcome", outcome,
				"error", err,
			)
			return nil
		}
		s.logger.Info("message handled",
			"channel", msg.Channel,
			"message_id", msg.ID,
			"outcome", outcome,
			"event_id", event.ID,
			"kind", event.Kind,
		)
		return nil
	})
}

// HandleMessage processes one message end to end: parse, store the event and
// update the affected buckets. The returned event is zero unless the message
// was parsed.
func (s *SyncService) HandleMessage(ctx context.Context, msg Message) (Outcome, Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.advanceCursor(ctx, msg.Channel, msg.ID)

	event, ok := s.parser.Parse(msg)
	if !ok {
		metrics.MessagesSkipped.WithLabelValues("unparsable").Inc()
		return OutcomeSkipped, Event{}, nil
	}
	if !s.window().Contains(event.OccurredAt) {
		metrics.MessagesSkipped.WithLabelValues("implausible_date").Inc()
		return OutcomeRejected, event, nil
	}

	prev, err := s.events.UpsertEvent(ctx, &event)
	if err != nil {
		metrics.StoreErrors.WithLabelValues("upsert_event").Inc()
		return OutcomeFailed, event, fmt.Errorf("upsert event %s: %w", event.ID, err)
	}
	countStored(prev)

	outcome := OutcomeInserted
	if prev != nil {
		outcome = OutcomeUpdated
	}

	if err := s.reconciler.Apply(ctx, event, prev); err != nil {
		return outcome, event, fmt.Errorf("update buckets for %s: %w", event.ID, err)
	}
	return outcome, event, nil
}

func (s *SyncService) advanceCursor(ctx context.Context, channel string, id int64) {
	if channel == "" || id <= 0 {
		return
	}
	key := CursorKey(channel)
	current, err := s.cursors.GetCursor(ctx, key)
	if err != nil {
		s.logger.Error("failed to load cursor", "channel", channel, "error", err)
		return
	}
	if id <= current {
		return
	}
	if err := s.cursors.UpdateCursor(ctx, key, id); err != nil {
		s.logger.Error("failed to save cursor", "channel", channel, "error", err)
	}
}

func countStored(prev *Event) {
	if prev == nil {
		metrics.EventsStored.WithLabelValues("inserted").Inc()
		return
	}
	metrics.EventsStored.WithLabelValues("updated").Inc()
}
