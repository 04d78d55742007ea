package telegram

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/blackmichael/post-heatmap/internal/domain"
)

const statsLogInterval = 30 * time.Second

// Subscribe streams new messages from the channel, starting after afterID,
// and calls fn for each one in order. It reconnects on transient errors and
// resumes after the last delivered message. It returns when ctx is cancelled
// or fn returns an error.
func (c *Client) Subscribe(ctx context.Context, channel string, afterID int64, fn func(context.Context, domain.Message) error) error {
	latest := afterID
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		err := c.subscribe(ctx, channel, &latest, fn)
		if err == nil {
			continue
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var fnErr handlerError
		if errors.As(err, &fnErr) {
			return fnErr.err
		}

		c.logger.Error("stream connection error, reconnecting", "channel", channel, "after_id", latest, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.ReconnectDelay):
			// backoff before reconnecting
		}
	}
}

// handlerError marks an error returned by the caller's callback, which ends
// the subscription instead of triggering a reconnect.
type handlerError struct {
	err error
}

func (e handlerError) Error() string { return e.err.Error() }

func (c *Client) streamURL(channel string, afterID int64) (string, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", fmt.Errorf("parse relay url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/v1/channels/" + url.PathEscape(channel) + "/stream"
	q := u.Query()
	if afterID > 0 {
		q.Set("after_id", strconv.FormatInt(afterID, 10))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c *Client) subscribe(ctx context.Context, channel string, latest *int64, fn func(context.Context, domain.Message) error) error {
	wsURL, err := c.streamURL(channel, *latest)
	if err != nil {
		return err
	}
	c.logger.Info("connecting to stream", "channel", channel, "after_id", *latest)

	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, header)
	if err != nil {
		return fmt.Errorf("dial stream: %w", err)
	}
	defer conn.Close()

	// ReadMessage does not observe ctx; closing the connection unblocks it.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	c.logger.Info("connected to stream", "channel", channel)

	var received, delivered, dropped int64
	lastStatsLog := time.Now()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read message: %w", err)
		}
		received++

		wm, err := parseMessage(data)
		if err != nil {
			dropped++
			c.logger.Error("failed to parse message", "channel", channel, "error", err)
			continue
		}
		if wm.ID <= *latest {
			// Replayed after a reconnect.
			dropped++
			continue
		}

		if err := fn(ctx, wm.toDomain(channel)); err != nil {
			return handlerError{err: err}
		}
		*latest = wm.ID
		delivered++

		if time.Since(lastStatsLog) >= statsLogInterval {
			c.logger.Info("stream stats",
				"channel", channel,
				"frames_received", received,
				"messages_delivered", delivered,
				"frames_dropped", dropped,
				"latest_id", *latest,
			)
			lastStatsLog = time.Now()
		}
	}
}
