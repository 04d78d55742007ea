// Package telegram reads channel messages through an MTProto relay. The relay
// holds the user session and exposes channel history over HTTP and new
// messages over a websocket.
package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/blackmichael/post-heatmap/internal/domain"
)

const (
	defaultPageSize       = 100
	defaultReconnectDelay = 5 * time.Second
)

// Client is a message source backed by the relay.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *slog.Logger

	// PageSize is the number of messages requested per history page.
	PageSize int

	// ReconnectDelay is the wait between stream reconnect attempts.
	ReconnectDelay time.Duration
}

var _ domain.MessageSource = (*Client)(nil)

// NewClient creates a relay client. rps bounds history page requests per
// second; zero or less means unlimited.
func NewClient(baseURL, token string, rps float64, logger *slog.Logger) *Client {
	limit := rate.Inf
	if rps > 0 {
		limit = rate.Limit(rps)
	}
	return &Client{
		baseURL: baseURL,
		token:   token,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		limiter:        rate.NewLimiter(limit, 1),
		logger:         logger,
		PageSize:       defaultPageSize,
		ReconnectDelay: defaultReconnectDelay,
	}
}

// History calls fn for each message in the channel, most recent first, until
// req.Limit messages were delivered, a message older than req.Since is seen,
// or the history is exhausted. fn may return domain.ErrStopIteration to stop
// early without error.
func (c *Client) History(ctx context.Context, req domain.HistoryRequest, fn func(domain.Message) error) error {
	var (
		beforeID  int64
		delivered int
	)
	for {
		pageSize := c.PageSize
		if req.Limit > 0 {
			pageSize = min(pageSize, req.Limit-delivered)
		}

		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}

		page, err := c.fetchPage(ctx, req.Channel, pageSize, beforeID)
		if err != nil {
			return err
		}
		c.logger.Debug("history page fetched", "channel", req.Channel, "before_id", beforeID, "messages", len(page))

		for _, m := range page {
			msg := m.toDomain(req.Channel)
			if !req.Since.IsZero() && msg.Date.Before(req.Since) {
				return nil
			}
			if err := fn(msg); err != nil {
				if errors.Is(err, domain.ErrStopIteration) {
					return nil
				}
				return err
			}
			delivered++
			if req.Limit > 0 && delivered >= req.Limit {
				return nil
			}
		}

		if len(page) < pageSize {
			return nil
		}
		beforeID = page[len(page)-1].ID
	}
}

func (c *Client) fetchPage(ctx context.Context, channel string, limit int, beforeID int64) ([]wireMessage, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	if beforeID > 0 {
		q.Set("before_id", strconv.FormatInt(beforeID, 10))
	}

	var resp historyResponse
	path := "/v1/channels/" + url.PathEscape(channel) + "/messages"
	if err := c.get(ctx, path, q, &resp); err != nil {
		return nil, fmt.Errorf("fetch history for %s: %w", channel, err)
	}
	return resp.Messages, nil
}

func (c *Client) get(ctx context.Context, path string, query url.Values, result any) error {
	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(respBody))
	}

	if result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("unmarshal response: %w", err)
		}
	}
	return nil
}
