package telegram

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/blackmichael/post-heatmap/internal/domain"
)

// historyResponse is the relay's response to a history page request.
type historyResponse struct {
	Messages []wireMessage `json:"messages"`
}

// wireMessage is a channel message as the relay serializes it.
type wireMessage struct {
	ID       int64        `json:"id"`
	Date     int64        `json:"date"`
	Text     string       `json:"text"`
	Entities []wireEntity `json:"entities,omitempty"`
	Webpage  *wireWebpage `json:"webpage,omitempty"`
}

// wireEntity is a formatting entity. Only text_url entities carry a URL.
type wireEntity struct {
	Type string `json:"type"`
	URL  string `json:"url,omitempty"`
}

// wireWebpage is the link preview attached to a message.
type wireWebpage struct {
	URL string `json:"url"`
}

func (m wireMessage) toDomain(channel string) domain.Message {
	msg := domain.Message{
		ID:      m.ID,
		Channel: channel,
		Date:    time.Unix(m.Date, 0).UTC(),
		Text:    m.Text,
	}
	for _, e := range m.Entities {
		if e.Type == string(domain.LinkTextURL) && e.URL != "" {
			msg.Links = append(msg.Links, domain.Link{Type: domain.LinkTextURL, URL: e.URL})
		}
	}
	if m.Webpage != nil && m.Webpage.URL != "" {
		msg.Links = append(msg.Links, domain.Link{Type: domain.LinkWebpage, URL: m.Webpage.URL})
	}
	return msg
}

func parseMessage(data []byte) (*wireMessage, error) {
	var m wireMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("unmarshal message: %w", err)
	}
	if m.ID <= 0 {
		return nil, fmt.Errorf("message has no id")
	}
	return &m, nil
}
