package domain

import (
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// ParserPolicy holds the product decisions where message formats disagree.
type ParserPolicy struct {
	// Authors restricts events to posts by these accounts (case-insensitive).
	// Empty means any author is accepted.
	Authors []string

	// AllowSyntheticID lets alert and relay messages without a recognizable
	// link produce an event keyed by "tg_<message id>".
	AllowSyntheticID bool

	// RejectUnmarked drops messages that carry no classification marker.
	// When false, unmarked messages are treated as original posts.
	RejectUnmarked bool

	// PeriodReference is the start of period 0 in unix seconds.
	PeriodReference int64
}

// DefaultParserPolicy returns the policy used when nothing is configured.
func DefaultParserPolicy() ParserPolicy {
	return ParserPolicy{
		Authors:         []string{"elonmusk"},
		PeriodReference: DefaultPeriodReference,
	}
}

var (
	// statusPath matches <host>/<user>/status/<id> in a URL or text.
	statusPath = regexp.MustCompile(`(?i)https?://(?:www\.)?(x\.com|twitter\.com|fxtwitter\.com)/(\w+)/status(?:es)?/(\d+)`)

	alertLinkPattern   = regexp.MustCompile(`Link:.*?https?://x\.com/(\w+)/status/(\d+)`)
	twitterLinkPattern = regexp.MustCompile(`https?://(?:fx)?twitter\.com/(\w+)/status/(\d+)`)
	xLinkPattern       = regexp.MustCompile(`https?://x\.com/(\w+)/status/(\d+)`)

	postedAtPattern = regexp.MustCompile(`[A-Z][a-z]{2},\s+\d{1,2}\s+[A-Z][a-z]{2}\s+\d{4}\s+\d{1,2}:\d{2}:\d{2}\s+[A-Z]{3}`)
	whitespaceRun   = regexp.MustCompile(`\s+`)
	urlPattern      = regexp.MustCompile(`https?://\S+`)
)

const (
	alertSiren      = "🚨"
	postedAtLayout  = "Mon, 2 Jan 2006 15:04:05"
	decorativeChars = "┃│|>•* \t"
)

// linkMatch is a recognized post reference.
type linkMatch struct {
	author string
	id     string
}

// marker maps a substring to the kind it implies. Marker tables are scanned in
// order; the first hit wins.
type marker struct {
	text string
	kind Kind
}

// Marker priorities follow each source's own conventions.
var (
	alertMarkers = []marker{
		{"Reply", KindReply},
		{"Quote", KindQuote},
		{"Repost", KindRepost},
		{"Retweet", KindRepost},
		{"Tweeted", KindOriginal},
		{"Posted", KindOriginal},
	}
	relayMarkers = []marker{
		{"`Retweeted`", KindRepost},
		{"**Quoted**", KindQuote},
		{"`Replied To`", KindReply},
		{"Retweeted", KindRepost},
		{"Tweeted", KindOriginal},
	}
	genericMarkers = []marker{
		{"replied", KindReply},
		{"reply", KindReply},
		{"quoted", KindQuote},
		{"retweeted", KindRepost},
		{"reposted", KindRepost},
		{"tweeted", KindOriginal},
		{"posted", KindOriginal},
	}
)

// Parser turns raw messages into events. It is safe for concurrent use.
type Parser struct {
	policy  ParserPolicy
	authors map[string]struct{}
}

// NewParser creates a Parser with the given policy.
func NewParser(policy ParserPolicy) *Parser {
	p := &Parser{policy: policy}
	if len(policy.Authors) > 0 {
		p.authors = make(map[string]struct{}, len(policy.Authors))
		for _, a := range policy.Authors {
			p.authors[strings.ToLower(strings.TrimSpace(a))] = struct{}{}
		}
	}
	return p
}

// Policy returns the parser's policy.
func (p *Parser) Policy() ParserPolicy {
	return p.policy
}

// Parse extracts an event from msg. The boolean is false when the message does
// not reference a tracked post; that is a normal outcome, not an error.
func (p *Parser) Parse(msg Message) (Event, bool) {
	if strings.TrimSpace(msg.Text) == "" {
		return Event{}, false
	}

	format := p.detectFormat(msg.Text)

	var id, link string
	if m, ok := p.findLink(msg); ok {
		// Relay messages name the tracked author in their header; the link
		// of a repost or quote points at someone else's status.
		if format != FormatRelay && !p.tracked(m.author) {
			return Event{}, false
		}
		id = m.id
		link = fmt.Sprintf("https://x.com/%s/status/%s", m.author, m.id)
	} else {
		if !p.policy.AllowSyntheticID || format == FormatGeneric {
			return Event{}, false
		}
		id = "tg_" + strconv.FormatInt(msg.ID, 10)
	}

	kind, ok := classify(format, msg.Text)
	if !ok {
		if p.policy.RejectUnmarked {
			return Event{}, false
		}
		kind = KindOriginal
	}

	occurred := postedAt(msg.Text)
	if occurred.IsZero() {
		occurred = msg.Date.UTC().Truncate(time.Second)
	}

	return Event{
		ID:          id,
		Kind:        kind,
		Content:     extractContent(msg.Text),
		OccurredAt:  occurred,
		PeriodStart: PeriodStart(occurred, p.policy.PeriodReference),
		SourceLink:  link,
		Origin: Origin{
			Channel:   msg.Channel,
			MessageID: msg.ID,
			Format:    format,
		},
	}, true
}

func (p *Parser) detectFormat(text string) Format {
	if strings.Contains(text, alertSiren) || (strings.Contains(text, "Posted at:") && strings.Contains(text, "Link:")) {
		return FormatAlert
	}
	lower := strings.ToLower(text)
	for author := range p.authors {
		if strings.Contains(lower, "**"+author+"**") || strings.Contains(lower, "["+author+"]") {
			return FormatRelay
		}
	}
	if p.authors == nil && (strings.Contains(text, "`Replied To`") || strings.Contains(text, "`Retweeted`") || strings.Contains(text, "**Quoted**")) {
		return FormatRelay
	}
	return FormatGeneric
}

// findLink tries each recognized link source in order and stops at the first
// match.
func (p *Parser) findLink(msg Message) (linkMatch, bool) {
	for _, l := range msg.Links {
		if l.Type != LinkTextURL {
			continue
		}
		if m, ok := matchStatusURL(l.URL); ok {
			return m, true
		}
	}

	for _, re := range []*regexp.Regexp{alertLinkPattern, twitterLinkPattern, xLinkPattern} {
		if sub := re.FindStringSubmatch(msg.Text); sub != nil {
			return linkMatch{author: sub[1], id: sub[2]}, true
		}
	}

	for _, l := range msg.Links {
		if l.Type != LinkWebpage {
			continue
		}
		if m, ok := matchStatusURL(l.URL); ok {
			return m, true
		}
	}
	return linkMatch{}, false
}

func matchStatusURL(raw string) (linkMatch, bool) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return linkMatch{}, false
	}
	sub := statusPath.FindStringSubmatch(u.Scheme + "://" + u.Host + u.Path)
	if sub == nil {
		return linkMatch{}, false
	}
	return linkMatch{author: sub[2], id: sub[3]}, true
}

func (p *Parser) tracked(author string) bool {
	if p.authors == nil {
		return true
	}
	_, ok := p.authors[strings.ToLower(author)]
	return ok
}

// classify scans the format's marker table. Alert messages only carry the
// marker in their header line; the body may quote arbitrary text.
func classify(format Format, text string) (Kind, bool) {
	switch format {
	case FormatAlert:
		header, _, _ := strings.Cut(text, "\n")
		return scanMarkers(alertMarkers, header)
	case FormatRelay:
		return scanMarkers(relayMarkers, text)
	default:
		return scanMarkers(genericMarkers, strings.ToLower(urlPattern.ReplaceAllString(text, " ")))
	}
}

func scanMarkers(markers []marker, text string) (Kind, bool) {
	for _, m := range markers {
		if strings.Contains(text, m.text) {
			return m.kind, true
		}
	}
	return "", false
}

// postedAt returns the first embedded timestamp, or the zero time if none
// parses.
func postedAt(text string) time.Time {
	raw := postedAtPattern.FindString(strings.ReplaceAll(text, "`", " "))
	if raw == "" {
		return time.Time{}
	}
	raw = whitespaceRun.ReplaceAllString(strings.TrimSpace(raw), " ")

	// The zone abbreviation is dropped; the bots only emit GMT/UTC.
	idx := strings.LastIndexByte(raw, ' ')
	t, err := time.ParseInLocation(postedAtLayout, raw[:idx], time.UTC)
	if err != nil {
		return time.Time{}
	}
	return t
}

func extractContent(text string) string {
	lines := strings.Split(text, "\n")
	var kept []string
	for _, line := range lines[1:] {
		if isMetadataLine(line) {
			continue
		}
		clean := strings.TrimLeft(strings.TrimSpace(line), decorativeChars)
		clean = strings.TrimSpace(clean)
		if clean != "" {
			kept = append(kept, clean)
		}
	}
	return strings.Join(kept, "\n")
}

func isMetadataLine(line string) bool {
	lower := strings.ToLower(strings.TrimLeft(strings.TrimSpace(line), decorativeChars))
	return strings.Contains(line, alertSiren) ||
		strings.HasPrefix(lower, "posted at:") ||
		strings.HasPrefix(lower, "link:") ||
		statusPath.MatchString(line)
}
