package domain

// Dedupe reduces events to one per ID, keeping first-seen order. A later
// duplicate replaces the kept event only if the kept one has empty content
// and the later one does not.
func Dedupe(events []Event) []Event {
	if len(events) <= 1 {
		return events
	}

	index := make(map[string]int, len(events))
	out := make([]Event, 0, len(events))
	for _, e := range events {
		i, ok := index[e.ID]
		if !ok {
			index[e.ID] = len(out)
			out = append(out, e)
			continue
		}
		if out[i].Content == "" && e.Content != "" {
			out[i] = e
		}
	}
	return out
}
