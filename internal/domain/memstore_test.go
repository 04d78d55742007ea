package domain

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var errInjected = errors.New("injected failure")

// memStore is an in-memory Store for domain tests.
type memStore struct {
	mu      sync.Mutex
	events  map[string]Event
	buckets map[BucketKey]Counts
	cursors map[string]int64

	// failBucketUpserts makes the next n UpsertBuckets calls fail.
	failBucketUpserts int
	bucketUpserts     int
}

func newMemStore() *memStore {
	return &memStore{
		events:  make(map[string]Event),
		buckets: make(map[BucketKey]Counts),
		cursors: make(map[string]int64),
	}
}

var _ Store = (*memStore)(nil)

func (m *memStore) Close() error { return nil }

func (m *memStore) UpsertEvent(_ context.Context, e *Event) (*Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var prev *Event
	if old, ok := m.events[e.ID]; ok {
		prev = &old
		if e.Content == "" {
			e.Content = old.Content
		}
	}
	m.events[e.ID] = *e
	return prev, nil
}

func (m *memStore) sortedEvents() []Event {
	out := make([]Event, 0, len(m.events))
	for _, e := range m.events {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *memStore) ListEvents(_ context.Context, afterID string, limit int) ([]Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Event
	for _, e := range m.sortedEvents() {
		if e.ID <= afterID {
			continue
		}
		if len(out) == limit {
			break
		}
		out = append(out, e)
	}
	return out, nil
}

func (m *memStore) ListEventsBetween(_ context.Context, from, to time.Time) ([]Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Event
	for _, e := range m.sortedEvents() {
		if !e.OccurredAt.Before(from) && e.OccurredAt.Before(to) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *memStore) GetRecentEvents(_ context.Context, limit int, cursor string) ([]Event, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	all := m.sortedEvents()
	sort.Slice(all, func(i, j int) bool {
		if !all[i].OccurredAt.Equal(all[j].OccurredAt) {
			return all[i].OccurredAt.After(all[j].OccurredAt)
		}
		return all[i].ID > all[j].ID
	})

	var (
		at time.Time
		id string
	)
	if cursor != "" {
		var err error
		if at, id, err = ParseEventCursor(cursor); err != nil {
			return nil, "", err
		}
	}

	var out []Event
	for _, e := range all {
		if cursor != "" {
			sec := e.OccurredAt.Unix()
			if sec > at.Unix() || (sec == at.Unix() && e.ID >= id) {
				continue
			}
		}
		if len(out) == limit {
			break
		}
		out = append(out, e)
	}
	var next string
	if len(out) == limit && limit > 0 {
		next = EncodeEventCursor(out[len(out)-1])
	}
	return out, next, nil
}

func (m *memStore) CountEvents(context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.events)), nil
}

func (m *memStore) DeleteEvents(_ context.Context, ids []string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, id := range ids {
		if _, ok := m.events[id]; ok {
			delete(m.events, id)
			n++
		}
	}
	return n, nil
}

func (m *memStore) UpsertBuckets(_ context.Context, buckets []Bucket) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bucketUpserts++
	if m.failBucketUpserts > 0 {
		m.failBucketUpserts--
		return errInjected
	}
	for _, b := range buckets {
		m.buckets[b.Key] = b.Counts
	}
	return nil
}

func (m *memStore) IncrementBucket(_ context.Context, key BucketKey, reply bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.buckets[key]
	if reply {
		c.Reply++
	} else {
		c.Primary++
	}
	m.buckets[key] = c
	return nil
}

func (m *memStore) ListBuckets(_ context.Context, fromDate, toDate string) ([]Bucket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Bucket
	for k, c := range m.buckets {
		if fromDate != "" && k.Date < fromDate {
			continue
		}
		if toDate != "" && k.Date > toDate {
			continue
		}
		out = append(out, Bucket{Key: k, Counts: c})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.Less(out[j].Key) })
	return out, nil
}

func (m *memStore) DeleteBuckets(_ context.Context, keys []BucketKey) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, k := range keys {
		if _, ok := m.buckets[k]; ok {
			delete(m.buckets, k)
			n++
		}
	}
	return n, nil
}

func (m *memStore) CountBuckets(context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.buckets)), nil
}

func (m *memStore) GetCursor(_ context.Context, source string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cursors[source], nil
}

func (m *memStore) UpdateCursor(_ context.Context, source string, cursor int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cursors[source] = cursor
	return nil
}

// snapshot returns the stored buckets as a Heatmap for comparisons.
func (m *memStore) snapshot() Heatmap {
	m.mu.Lock()
	defer m.mu.Unlock()
	h := make(Heatmap, len(m.buckets))
	for k, c := range m.buckets {
		h[k] = c
	}
	return h
}

func sameHeatmap(a, b Heatmap) bool {
	if len(a) != len(b) {
		return false
	}
	for k, c := range a {
		if b[k] != c {
			return false
		}
	}
	return true
}
