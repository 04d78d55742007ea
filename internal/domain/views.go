package domain

import "time"

// HeatmapView is the response body for a heatmap range query.
type HeatmapView struct {
	From    string
	To      string
	Buckets []Bucket
	Total   Counts
}

// EventPage is one page of the recent events feed.
type EventPage struct {
	// Cursor resumes after the last event. Empty when there are no more.
	Cursor string
	Events []Event
}

// PeriodStats summarizes the events inside one aggregation period.
type PeriodStats struct {
	Start  time.Time
	End    time.Time
	Counts Counts
	ByKind map[Kind]int64
}

// StoreStatus reports row counts for the health endpoint.
type StoreStatus struct {
	Events  int64
	Buckets int64
}
