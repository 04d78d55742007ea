package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/blackmichael/post-heatmap/internal/codec"
	"github.com/blackmichael/post-heatmap/internal/domain"
)

// Repository implements domain.Store using PostgreSQL. Bucket hours are stored
// as integers.
type Repository struct {
	db *sql.DB
}

var _ domain.Store = (*Repository)(nil)

// NewRepository connects to PostgreSQL at the given URL, verifies the
// connection, and returns a new Repository. The caller should call Close
// when the repository is no longer needed.
func NewRepository(databaseURL string) (*Repository, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &Repository{db: db}, nil
}

// Close closes the underlying database connection.
func (r *Repository) Close() error {
	return r.db.Close()
}

// EnsureSchema creates the tables if they do not exist.
func (r *Repository) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS events (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			content TEXT NOT NULL DEFAULT '',
			occurred_at TIMESTAMPTZ NOT NULL,
			period_start TIMESTAMPTZ NOT NULL,
			source_link TEXT NOT NULL DEFAULT '',
			raw_data BYTEA NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_occurred_at ON events (occurred_at, id)`,
		`CREATE TABLE IF NOT EXISTS heatmap (
			date TEXT NOT NULL,
			hour INTEGER NOT NULL CHECK (hour BETWEEN 0 AND 23),
			date_str TEXT NOT NULL,
			primary_count BIGINT NOT NULL DEFAULT 0,
			reply_count BIGINT NOT NULL DEFAULT 0,
			updated_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (date, hour)
		)`,
		`CREATE TABLE IF NOT EXISTS cursors (
			service TEXT PRIMARY KEY,
			cursor_value BIGINT NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// UpsertEvent inserts or replaces an event and returns the previous version.
func (r *Repository) UpsertEvent(ctx context.Context, event *domain.Event) (*domain.Event, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	prev, err := scanEvent(tx.QueryRowContext(ctx, `
		SELECT id, kind, content, occurred_at, period_start, source_link, raw_data
		FROM events WHERE id = $1
		FOR UPDATE`, event.ID))
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
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			kind = EXCLUDED.kind,
			content = EXCLUDED.content,
			occurred_at = EXCLUDED.occurred_at,
			period_start = EXCLUDED.period_start,
			source_link = EXCLUDED.source_link,
			raw_data = EXCLUDED.raw_data,
			updated_at = EXCLUDED.updated_at`,
		event.ID,
		string(event.Kind),
		event.Content,
		event.OccurredAt.UTC(),
		event.PeriodStart.UTC(),
		event.SourceLink,
		raw,
		time.Now().UTC(),
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
func (r *Repository) ListEvents(ctx context.Context, afterID string, limit int) ([]domain.Event, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, kind, content, occurred_at, period_start, source_link, raw_data
		FROM events
		WHERE id > $1
		ORDER BY id
		LIMIT $2`,
		afterID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query events after %q: %w", afterID, err)
	}
	return collectEvents(rows)
}

// ListEventsBetween returns events with from <= OccurredAt < to.
func (r *Repository) ListEventsBetween(ctx context.Context, from, to time.Time) ([]domain.Event, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, kind, content, occurred_at, period_start, source_link, raw_data
		FROM events
		WHERE occurred_at >= $1 AND occurred_at < $2
		ORDER BY occurred_at, id`,
		from.UTC(), to.UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("query events between %v and %v: %w", from, to, err)
	}
	return collectEvents(rows)
}

// GetRecentEvents retrieves events paginated by cursor.
// The cursor format is "occurredAt::id" (unix seconds::id).
func (r *Repository) GetRecentEvents(ctx context.Context, limit int, cursor string) ([]domain.Event, string, error) {
	var (
		rows *sql.Rows
		err  error
	)

	if cursor != "" {
		cursorTime, cursorID, parseErr := domain.ParseEventCursor(cursor)
		if parseErr != nil {
			return nil, "", parseErr
		}

		rows, err = r.db.QueryContext(ctx, `
			SELECT id, kind, content, occurred_at, period_start, source_link, raw_data
			FROM events
			WHERE (occurred_at, id) < ($1, $2)
			ORDER BY occurred_at DESC, id DESC
			LIMIT $3`,
			cursorTime, cursorID, limit,
		)
		if err != nil {
			return nil, "", fmt.Errorf("query events with cursor (time=%v, id=%s, limit=%d): %w", cursorTime, cursorID, limit, err)
		}
	} else {
		rows, err = r.db.QueryContext(ctx, `
			SELECT id, kind, content, occurred_at, period_start, source_link, raw_data
			FROM events
			ORDER BY occurred_at DESC, id DESC
			LIMIT $1`,
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

	var nextCursor string
	if len(events) == limit && limit > 0 {
		nextCursor = domain.EncodeEventCursor(events[len(events)-1])
	}
	return events, nextCursor, nil
}

// CountEvents returns the exact number of stored events.
func (r *Repository) CountEvents(ctx context.Context) (int64, error) {
	var n int64
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return n, nil
}

// DeleteEvents removes events by ID.
func (r *Repository) DeleteEvents(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res, err := r.db.ExecContext(ctx, `DELETE FROM events WHERE id = ANY($1)`, pq.Array(ids))
	if err != nil {
		return 0, fmt.Errorf("delete events: %w", err)
	}
	return res.RowsAffected()
}

// UpsertBuckets writes absolute counts for each bucket in one transaction.
func (r *Repository) UpsertBuckets(ctx context.Context, buckets []domain.Bucket) error {
	if len(buckets) == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO heatmap (date, hour, date_str, primary_count, reply_count, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (date, hour) DO UPDATE SET
			date_str = EXCLUDED.date_str,
			primary_count = EXCLUDED.primary_count,
			reply_count = EXCLUDED.reply_count,
			updated_at = EXCLUDED.updated_at`)
	if err != nil {
		return fmt.Errorf("prepare bucket upsert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for _, b := range buckets {
		_, err := stmt.ExecContext(ctx,
			b.Key.Date,
			b.Key.Hour,
			b.Label(),
			b.Counts.Primary,
			b.Counts.Reply,
			now,
		)
		if err != nil {
			return fmt.Errorf("upsert bucket %s %02d: %w", b.Key.Date, b.Key.Hour, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// IncrementBucket adds one to a bucket counter in a single statement, creating
// the row if needed. The read-modify-write happens inside the database.
func (r *Repository) IncrementBucket(ctx context.Context, key domain.BucketKey, reply bool) error {
	var primaryInc, replyInc int64 = 1, 0
	if reply {
		primaryInc, replyInc = 0, 1
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO heatmap (date, hour, date_str, primary_count, reply_count, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (date, hour) DO UPDATE SET
			primary_count = heatmap.primary_count + EXCLUDED.primary_count,
			reply_count = heatmap.reply_count + EXCLUDED.reply_count,
			updated_at = EXCLUDED.updated_at`,
		key.Date,
		key.Hour,
		domain.DateLabel(key.Date),
		primaryInc,
		replyInc,
		time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("increment bucket %s %02d: %w", key.Date, key.Hour, err)
	}
	return nil
}

// ListBuckets returns buckets with fromDate <= date <= toDate in key order.
func (r *Repository) ListBuckets(ctx context.Context, fromDate, toDate string) ([]domain.Bucket, error) {
	query := `SELECT date, hour, primary_count, reply_count FROM heatmap`
	var (
		where []string
		args  []any
	)
	if fromDate != "" {
		args = append(args, fromDate)
		where = append(where, fmt.Sprintf("date >= $%d", len(args)))
	}
	if toDate != "" {
		args = append(args, toDate)
		where = append(where, fmt.Sprintf("date <= $%d", len(args)))
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY date, hour"

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query buckets: %w", err)
	}
	defer rows.Close()

	var buckets []domain.Bucket
	for rows.Next() {
		var b domain.Bucket
		if err := rows.Scan(&b.Key.Date, &b.Key.Hour, &b.Counts.Primary, &b.Counts.Reply); err != nil {
			return nil, fmt.Errorf("scan bucket: %w", err)
		}
		buckets = append(buckets, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate buckets: %w", err)
	}
	return buckets, nil
}

// DeleteBuckets removes the given buckets.
func (r *Repository) DeleteBuckets(ctx context.Context, keys []domain.BucketKey) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	dates := make([]string, len(keys))
	hours := make([]int64, len(keys))
	for i, k := range keys {
		dates[i] = k.Date
		hours[i] = int64(k.Hour)
	}
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM heatmap
		WHERE (date, hour) IN (SELECT * FROM unnest($1::text[], $2::int[]))`,
		pq.Array(dates), pq.Array(hours),
	)
	if err != nil {
		return 0, fmt.Errorf("delete buckets: %w", err)
	}
	return res.RowsAffected()
}

// CountBuckets returns the exact number of stored buckets.
func (r *Repository) CountBuckets(ctx context.Context) (int64, error) {
	var n int64
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM heatmap`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count buckets: %w", err)
	}
	return n, nil
}

// GetCursor retrieves the saved message cursor for a source.
func (r *Repository) GetCursor(ctx context.Context, service string) (int64, error) {
	var cursor int64
	err := r.db.QueryRowContext(ctx,
		`SELECT cursor_value FROM cursors WHERE service = $1`, service,
	).Scan(&cursor)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return cursor, err
}

// UpdateCursor upserts the message cursor for a source.
func (r *Repository) UpdateCursor(ctx context.Context, service string, cursor int64) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO cursors (service, cursor_value, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (service) DO UPDATE SET cursor_value = $2, updated_at = $3`,
		service, cursor, time.Now().UTC(),
	)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (*domain.Event, error) {
	var (
		e    domain.Event
		kind string
		raw  []byte
	)
	err := row.Scan(&e.ID, &kind, &e.Content, &e.OccurredAt, &e.PeriodStart, &e.SourceLink, &raw)
	if err != nil {
		return nil, err
	}
	e.Kind = domain.Kind(kind)
	e.OccurredAt = e.OccurredAt.UTC()
	e.PeriodStart = e.PeriodStart.UTC()
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
