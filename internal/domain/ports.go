package domain

import (
	"context"
	"errors"
	"time"
)

// ErrStopIteration can be returned from a history callback to end iteration
// early without error.
var ErrStopIteration = errors.New("stop iteration")

// EventRepository defines persistence operations for events.
type EventRepository interface {
	// UpsertEvent inserts the event or replaces the stored event with the
	// same ID. Stored content is kept when the new event's content is empty.
	// Returns the previously stored event, or nil if the event is new.
	UpsertEvent(ctx context.Context, event *Event) (*Event, error)

	// ListEvents returns up to limit events with ID greater than afterID,
	// ordered by ID. Used for full scans.
	ListEvents(ctx context.Context, afterID string, limit int) ([]Event, error)

	// ListEventsBetween returns events with from <= OccurredAt < to.
	ListEventsBetween(ctx context.Context, from, to time.Time) ([]Event, error)

	// GetRecentEvents returns events newest first. The cursor is opaque;
	// the returned cursor is empty when there are no more results.
	GetRecentEvents(ctx context.Context, limit int, cursor string) ([]Event, string, error)

	// CountEvents returns the exact number of stored events.
	CountEvents(ctx context.Context) (int64, error)

	// DeleteEvents removes events by ID and returns the number deleted.
	DeleteEvents(ctx context.Context, ids []string) (int64, error)
}

// BucketRepository defines persistence operations for heatmap buckets.
type BucketRepository interface {
	// UpsertBuckets writes absolute counts for each bucket, keyed by
	// (date, hour).
	UpsertBuckets(ctx context.Context, buckets []Bucket) error

	// IncrementBucket atomically creates the bucket if needed and adds one
	// to its reply or primary count.
	IncrementBucket(ctx context.Context, key BucketKey, reply bool) error

	// ListBuckets returns buckets with fromDate <= Date <= toDate in key
	// order. An empty bound is unbounded.
	ListBuckets(ctx context.Context, fromDate, toDate string) ([]Bucket, error)

	// DeleteBuckets removes the given buckets and returns the number deleted.
	DeleteBuckets(ctx context.Context, keys []BucketKey) (int64, error)

	// CountBuckets returns the exact number of stored buckets.
	CountBuckets(ctx context.Context) (int64, error)
}

// CursorRepository defines persistence operations for message source cursors.
type CursorRepository interface {
	// GetCursor retrieves the last-processed message id for the given
	// source key. Returns 0 if no cursor has been saved.
	GetCursor(ctx context.Context, source string) (int64, error)

	// UpdateCursor persists the message id so we can resume on restart.
	UpdateCursor(ctx context.Context, source string, cursor int64) error
}

// Store is a complete persistence backend.
type Store interface {
	EventRepository
	BucketRepository
	CursorRepository
	Close() error
}

// HistoryRequest bounds a historical fetch. Iteration stops at whichever
// bound is reached first.
type HistoryRequest struct {
	Channel string

	// Limit is the maximum number of messages. Zero means unbounded.
	Limit int

	// Since stops iteration at the first message older than this. The zero
	// value means no calendar cutoff.
	Since time.Time
}

// MessageSource is the messaging platform.
type MessageSource interface {
	// History calls fn for each message in the channel, most recent first.
	History(ctx context.Context, req HistoryRequest, fn func(Message) error) error

	// Subscribe calls fn for each new message with ID greater than afterID,
	// one at a time, until ctx is cancelled or the source fails.
	Subscribe(ctx context.Context, channel string, afterID int64, fn func(context.Context, Message) error) error
}
