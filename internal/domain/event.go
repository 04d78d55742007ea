package domain

import "time"

// Kind classifies a tracked post.
type Kind string

const (
	KindOriginal Kind = "original"
	KindReply    Kind = "reply"
	KindQuote    Kind = "quote"
	KindRepost   Kind = "repost"
)

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindOriginal, KindReply, KindQuote, KindRepost:
		return true
	}
	return false
}

// Format identifies which message layout a parsed event came from.
type Format string

const (
	FormatAlert   Format = "alert"
	FormatRelay   Format = "relay"
	FormatGeneric Format = "generic"
)

// Event is one tracked post reference extracted from a message.
type Event struct {
	// ID is the referenced post's status id, or "tg_<message id>" when the
	// parser is allowed to synthesize one.
	ID string

	// Kind is the post classification.
	Kind Kind

	// Content is the message body with header, link and timestamp lines
	// removed. May be empty.
	Content string

	// OccurredAt is when the post was published (UTC, second precision).
	OccurredAt time.Time

	// PeriodStart is the start of the 7-day window containing OccurredAt.
	PeriodStart time.Time

	// SourceLink is the canonical URL of the post, if one was found.
	SourceLink string

	// Origin records which message the event was parsed from.
	Origin Origin
}

// IsReply reports whether the event counts towards reply buckets.
func (e Event) IsReply() bool {
	return e.Kind == KindReply
}

// Origin is provenance for an event. It is persisted alongside the event so
// rows can be traced back to the message that produced them.
type Origin struct {
	Channel   string `cbor:"channel,omitempty"`
	MessageID int64  `cbor:"message_id,omitempty"`
	Format    Format `cbor:"format,omitempty"`
}

// LinkType distinguishes structured link annotations on a message.
type LinkType string

const (
	// LinkTextURL is a hyperlink entity embedded in the message text.
	LinkTextURL LinkType = "text_url"

	// LinkWebpage is the URL of the message's link preview.
	LinkWebpage LinkType = "webpage"
)

// Link is a structured link annotation carried next to the message text.
type Link struct {
	Type LinkType
	URL  string
}

// Message is a raw message delivered by a message source.
type Message struct {
	// ID is the message id, local to its channel.
	ID int64

	// Channel is the channel or bot the message was read from.
	Channel string

	// Date is when the message was posted in the channel.
	Date time.Time

	// Text is the message body. May be empty.
	Text string

	// Links are structured link annotations, separate from Text.
	Links []Link
}

// BucketKey identifies one local (date, hour) heatmap cell.
type BucketKey struct {
	// Date is the local calendar date, formatted as 2006-01-02.
	Date string

	// Hour is the local hour, 0-23.
	Hour int
}

// Less orders keys chronologically.
func (k BucketKey) Less(other BucketKey) bool {
	if k.Date != other.Date {
		return k.Date < other.Date
	}
	return k.Hour < other.Hour
}

// Counts holds the per-bucket tallies.
type Counts struct {
	Primary int64
	Reply   int64
}

// Total returns the sum of primary and reply counts.
func (c Counts) Total() int64 {
	return c.Primary + c.Reply
}

// Bucket is one persisted heatmap cell.
type Bucket struct {
	Key    BucketKey
	Counts Counts
}

// Label returns the short display label for the bucket's date, e.g. "Jan 02".
func (b Bucket) Label() string {
	return DateLabel(b.Key.Date)
}

// DateLabel converts a 2006-01-02 date into the "Jan 02" display form. It
// returns the input unchanged if it cannot be parsed.
func DateLabel(date string) string {
	t, err := time.Parse(time.DateOnly, date)
	if err != nil {
		return date
	}
	return t.Format("Jan 02")
}
