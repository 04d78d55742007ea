package domain

import "sort"

// Heatmap maps a bucket key to its counts. Buckets without events are absent.
type Heatmap map[BucketKey]Counts

// Aggregate counts events per local (date, hour) bucket. The result does not
// depend on the order of events.
func Aggregate(events []Event) Heatmap {
	h := make(Heatmap)
	for _, e := range events {
		h.Add(e)
	}
	return h
}

// Add counts a single event.
func (h Heatmap) Add(e Event) {
	key := Normalize(e.OccurredAt)
	c := h[key]
	if e.IsReply() {
		c.Reply++
	} else {
		c.Primary++
	}
	h[key] = c
}

// Total returns the number of events counted across all buckets.
func (h Heatmap) Total() int64 {
	var n int64
	for _, c := range h {
		n += c.Total()
	}
	return n
}

// Buckets returns the heatmap as buckets in chronological order.
func (h Heatmap) Buckets() []Bucket {
	out := make([]Bucket, 0, len(h))
	for k, c := range h {
		out = append(out, Bucket{Key: k, Counts: c})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Key.Less(out[j].Key)
	})
	return out
}
