package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/blackmichael/post-heatmap/internal/codec"
	"github.com/blackmichael/post-heatmap/internal/domain"
)

const deleteChunk = 500

// Store implements domain.Store on a local SQLite database.
type Store struct {
	db *sql.DB
}

var _ domain.Store = (*Store)(nil)

// Open opens the database at path and returns a Store. The caller should call
// Close when the store is no longer needed.
func Open(path string) (*Store, error) {
	db, err := OpenDB(path)
	if err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

// New wraps an already migrated database.
func New(db *sql.DB) (*Store, error) {
	if db == nil {
		return nil, errors.New("new store: db is nil")
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// UpsertEvent inserts or replaces an event and returns the previous version.
func (s *Store) UpsertEvent(ctx context.Context, event *domain.Event) (*domain.Event, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	prev, err := scanEvent(tx.QueryRowContext(ctx, `
		SELECT id, kind, content, occurred_at, period_start, source_link, raw_data
		FROM events WHERE id = ?`, event.ID))
	if errors.Is(err, sql.ErrNoRows) {
		prev = nil
	} else if err != nil {
		return nil, fmt.Errorf("load event %s: %w", event.ID, err)
	}

	if event.Content == "" && prev != nil {
		event.Content = prev.Content
	}

	raw, err := codec.EncodeOrigin(event.Origin)
	if err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO events (id, kind, content, occurred_at, period_start, source_link, raw_data, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			kind = excluded.kind,
			content = excluded.content,
			occurred_at = excluded.occurred_at,
			period_start = excluded.period_start,
			source_link = excluded.source_link,
			raw_data = excluded.raw_data,
			updated_at = excluded.updated_at`,
		event.ID,
		string(event.Kind),
		event.Content,
		event.OccurredAt.Unix(),
		event.PeriodStart.Unix(),
		event.SourceLink,
		raw,
		now(),
	)
	if err != nil {
		return nil, fmt.Errorf("upsert event %s: %w", event.ID, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}
	return prev, nil
}

// ListEvents returns up to limit events with ID greater than afterID.
func (s *Store) ListEvents(ctx context.Context, afterID string, limit int) ([]domain.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, content, occurred_at, period_start, source_link, raw_data
		FROM events
		WHERE id > ?
		ORDER BY id
		LIMIT ?`,
		afterID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query events after %q: %w", afterID, err)
	}
	return collectEvents(rows)
}

// ListEventsBetween returns events with from <= OccurredAt < to.
func (s *Store) ListEventsBetween(ctx context.Context, from, to time.Time) ([]domain.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, content, occurred_at, period_start, source_link, raw_data
		FROM events
		WHERE occurred_at >= ? AND occurred_at < ?
		ORDER BY occurred_at, id`,
		from.Unix(), to.Unix(),
	)
	if err != nil {
		return nil, fmt.Errorf("query events between %v and %v: %w", from, to, err)
	}
	return collectEvents(rows)
}

// GetRecentEvents returns events newest first. The cursor format is
// "unixSeconds::id".
func (s *Store) GetRecentEvents(ctx context.Context, limit int, cursor string) ([]domain.Event, string, error) {
	var (
		rows *sql.Rows
		err  error
	)

	if cursor != "" {
		at, id, parseErr := domain.ParseEventCursor(cursor)
		if parseErr != nil {
			return nil, "", parseErr
		}
		rows, err = s.db.QueryContext(ctx, `
			SELECT id, kind, content, occurred_at, period_start, source_link, raw_data
			FROM events
			WHERE (occurred_at, id) < (?, ?)
			ORDER BY occurred_at DESC, id DESC
			LIMIT ?`,
			at.Unix(), id, limit,
		)
		if err != nil {
			return nil, "", fmt.Errorf("query events with cursor (time=%v, id=%s, limit=%d): %w", at, id, limit, err)
		}
	} else {
		rows, err = s.db.QueryContext(ctx, `
			SELECT id, kind, content, occurred_at, period_start, source_link, raw_data
			FROM events
			ORDER BY occurred_at DESC, id DESC
			LIMIT ?`,
			limit,
		)
		if err != nil {
			return nil, "", fmt.Errorf("query events without cursor (limit=%d): %w", limit, err)
		}
	}

	events, err := collectEvents(rows)
	if err != nil {
		return nil, "", err
	}

	var next string
	if len(events) == limit && limit > 0 {
		next = domain.EncodeEventCursor(events[len(events)-1])
	}
	return events, next, nil
}

// CountEvents returns the number of stored events.
func (s *Store) CountEvents(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return n, nil
}

// DeleteEvents removes events by ID.
func (s *Store) DeleteEvents(ctx context.Context, ids []string) (int64, error) {
	var total int64
	for start := 0; start < len(ids); start += deleteChunk {
		chunk := ids[start:min(start+deleteChunk, len(ids))]
		args := make([]any, len(chunk))
		for i, id := range chunk {
			args[i] = id
		}
		res, err := s.db.ExecContext(ctx,
			`DELETE FROM events WHERE id IN (`+placeholders(len(chunk))+`)`,
			args...,
		)
		if err != nil {
			return total, fmt.Errorf("delete events: %w", err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}

// UpsertBuckets writes absolute counts for each bucket in one transaction.
func (s *Store) UpsertBuckets(ctx context.Context, buckets []domain.Bucket) error {
	if len(buckets) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO heatmap (date, hour, date_str, primary_count, reply_count, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (date, hour) DO UPDATE SET
			date_str = excluded.date_str,
			primary_count = excluded.primary_count,
			reply_count = excluded.reply_count,
			updated_at = excluded.updated_at`)
	if err != nil {
		return fmt.Errorf("prepare bucket upsert: %w", err)
	}
	defer stmt.Close()

	ts := now()
	for _, b := range buckets {
		_, err := stmt.ExecContext(ctx,
			b.Key.Date,
			formatHour(b.Key.Hour),
			b.Label(),
			b.Counts.Primary,
			b.Counts.Reply,
			ts,
		)
		if err != nil {
			return fmt.Errorf("upsert bucket %s %s: %w", b.Key.Date, formatHour(b.Key.Hour), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// IncrementBucket adds one to a bucket counter in a single statement, creating
// the row if needed.
func (s *Store) IncrementBucket(ctx context.Context, key domain.BucketKey, reply bool) error {
	var primaryInc, replyInc int64 = 1, 0
	if reply {
		primaryInc, replyInc = 0, 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO heatmap (date, hour, date_str, primary_count, reply_count, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (date, hour) DO UPDATE SET
			primary_count = heatmap.primary_count + excluded.primary_count,
			reply_count = heatmap.reply_count + excluded.reply_count,
			updated_at = excluded.updated_at`,
		key.Date,
		formatHour(key.Hour),
		domain.DateLabel(key.Date),
		primaryInc,
		replyInc,
		now(),
	)
	if err != nil {
		return fmt.Errorf("increment bucket %s %s: %w", key.Date, formatHour(key.Hour), err)
	}
	return nil
}

// ListBuckets returns buckets with fromDate <= date <= toDate in key order.
func (s *Store) ListBuckets(ctx context.Context, fromDate, toDate string) ([]domain.Bucket, error) {
	query := `SELECT date, hour, primary_count, reply_count FROM heatmap`
	var (
		where []string
		args  []any
	)
	if fromDate != "" {
		where = append(where, "date >= ?")
		args = append(args, fromDate)
	}
	if toDate != "" {
		where = append(where, "date <= ?")
		args = append(args, toDate)
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY date, hour"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query buckets: %w", err)
	}
	defer rows.Close()

	var buckets []domain.Bucket
	for rows.Next() {
		var (
			b    domain.Bucket
			hour string
		)
		if err := rows.Scan(&b.Key.Date, &hour, &b.Counts.Primary, &b.Counts.Reply); err != nil {
			return nil, fmt.Errorf("scan bucket: %w", err)
		}
		b.Key.Hour, err = parseHour(hour)
		if err != nil {
			return nil, fmt.Errorf("bucket %s: %w", b.Key.Date, err)
		}
		buckets = append(buckets, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate buckets: %w", err)
	}
	return buckets, nil
}

// DeleteBuckets removes the given buckets.
func (s *Store) DeleteBuckets(ctx context.Context, keys []domain.BucketKey) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var total int64
	for _, k := range keys {
		res, err := tx.ExecContext(ctx,
			`DELETE FROM heatmap WHERE date = ? AND hour = ?`,
			k.Date, formatHour(k.Hour),
		)
		if err != nil {
			return 0, fmt.Errorf("delete bucket %s %s: %w", k.Date, formatHour(k.Hour), err)
		}
		n, _ := res.RowsAffected()
		total += n
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit transaction: %w", err)
	}
	return total, nil
}

// CountBuckets returns the number of stored buckets.
func (s *Store) CountBuckets(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM heatmap`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count buckets: %w", err)
	}
	return n, nil
}

// GetCursor retrieves the saved cursor for a source.
func (s *Store) GetCursor(ctx context.Context, source string) (int64, error) {
	var cursor int64
	err := s.db.QueryRowContext(ctx,
		`SELECT cursor_value FROM cursors WHERE source = ?`, source,
	).Scan(&cursor)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return cursor, err
}

// UpdateCursor upserts the cursor for a source.
func (s *Store) UpdateCursor(ctx context.Context, source string, cursor int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cursors (source, cursor_value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT (source) DO UPDATE SET cursor_value = excluded.cursor_value, updated_at = excluded.updated_at`,
		source, cursor, now(),
	)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (*domain.Event, error) {
	var (
		e           domain.Event
		kind        string
		occurredAt  int64
		periodStart int64
		raw         []byte
	)
	err := row.Scan(&e.ID, &kind, &e.Content, &occurredAt, &periodStart, &e.SourceLink, &raw)
	if err != nil {
		return nil, err
	}
	e.Kind = domain.Kind(kind)
	e.OccurredAt = time.Unix(occurredAt, 0).UTC()
	e.PeriodStart = time.Unix(periodStart, 0).UTC()
	e.Origin, err = codec.DecodeOrigin(raw)
	if err != nil {
		return nil, fmt.Errorf("event %s: %w", e.ID, err)
	}
	return &e, nil
}

func collectEvents(rows *sql.Rows) ([]domain.Event, error) {
	defer rows.Close()

	var events []domain.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}

// formatHour renders an hour in the stored "HH:00" form.
func formatHour(h int) string {
	return fmt.Sprintf("%02d:00", h)
}

// parseHour reads an "HH:00" hour. A bare integer is also accepted.
func parseHour(s string) (int, error) {
	head, _, _ := strings.Cut(s, ":")
	h, err := strconv.Atoi(head)
	if err != nil {
		return 0, fmt.Errorf("invalid hour %q: %w", s, err)
	}
	if h < 0 || h > 23 {
		return 0, fmt.Errorf("hour %q out of range", s)
	}
	return h, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339)
}
