// Package feed implements the market feed port over a websocket connection.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gorilla/websocket"

	"futuresRiskBot/internal/domain"
	"futuresRiskBot/internal/ports"
)

// tickMessage is the wire shape of one market update.
type tickMessage struct {
	Bid      float64 `json:"bid"`
	Ask      float64 `json:"ask"`
	Close    float64 `json:"close"`
	Quantity int     `json:"qty"`
	TsMillis int64   `json:"ts"`
}

// Config holds the websocket feed settings.
type Config struct {
	URL                  string
	Logger               ports.Logger
	ReconnectDelay       time.Duration
	MaxReconnectAttempts int
}

// Client streams ticks from a websocket endpoint, reconnecting with
// exponential backoff when the connection drops.
type Client struct {
	url                  string
	logger               ports.Logger
	reconnectDelay       time.Duration
	maxReconnectAttempts int
}

// New creates a websocket feed client.
func New(cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("%w: feed URL is required", ports.ErrConfigurationError)
	}
	if cfg.Logger == nil {
		return nil, fmt.Errorf("%w: logger is required", ports.ErrConfigurationError)
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = time.Second
	}
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = 10
	}
	return &Client{
		url:                  cfg.URL,
		logger:               cfg.Logger,
		reconnectDelay:       cfg.ReconnectDelay,
		maxReconnectAttempts: cfg.MaxReconnectAttempts,
	}, nil
}

// StreamTicks starts the stream. Ticks are delivered one at a time, in
// arrival order, on a single goroutine.
func (c *Client) StreamTicks(ctx context.Context, handler ports.TickHandler, errHandler ports.ErrorHandler) (chan struct{}, chan struct{}, error) {
	op := "StreamTicks"
	if handler == nil {
		return nil, nil, fmt.Errorf("%w: tick handler is required", ports.ErrInvalidRequest)
	}

	wsCtx, cancel := context.WithCancel(ctx)
	doneCh := make(chan struct{})
	stopCh := make(chan struct{})

	go func() {
		select {
		case <-stopCh:
			cancel()
		case <-wsCtx.Done():
		}
	}()

	go func() {
		defer close(doneCh)
		defer cancel()

		attempt := 0
		for {
			if wsCtx.Err() != nil {
				return
			}
			conn, _, err := websocket.DefaultDialer.DialContext(wsCtx, c.url, nil)
			if err != nil {
				attempt++
				if attempt > c.maxReconnectAttempts {
					c.logger.Error(wsCtx, err, op+": Max reconnection attempts exceeded, giving up.", map[string]interface{}{
						"url": c.url, "maxAttempts": c.maxReconnectAttempts})
					if errHandler != nil {
						errHandler(fmt.Errorf("%w: %v", ports.ErrConnectionFailed, err))
					}
					return
				}
				delay := c.reconnectDelay * time.Duration(1<<uint(attempt-1))
				c.logger.Warn(wsCtx, op+": Connection failed, retrying", map[string]interface{}{
					"attempt": attempt, "delay": delay.String()})
				select {
				case <-time.After(delay):
					continue
				case <-wsCtx.Done():
					return
				}
			}

			attempt = 0
			c.logger.Info(wsCtx, op+": Feed connected", map[string]interface{}{"url": c.url})
			c.readLoop(wsCtx, conn, handler, errHandler)
			conn.Close()
			if wsCtx.Err() != nil {
				return
			}
			c.logger.Warn(wsCtx, op+": Feed connection lost, reconnecting")
		}
	}()

	return doneCh, stopCh, nil
}

// readLoop consumes messages until the connection breaks or the context is done.
func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn, handler ports.TickHandler, errHandler ports.ErrorHandler) {
	for {
		if ctx.Err() != nil {
			return
		}
		_, payload, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil && errHandler != nil {
				errHandler(fmt.Errorf("%w: %v", ports.ErrFeedClosed, err))
			}
			return
		}

		var msg tickMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			// A bad message never raises into the tick path; log and move on.
			c.logger.Warn(ctx, "Discarding undecodable feed message", map[string]interface{}{"error": err.Error()})
			continue
		}
		handler(&domain.Tick{
			Bid:      msg.Bid,
			Ask:      msg.Ask,
			Close:    msg.Close,
			Quantity: msg.Quantity,
			Time:     time.UnixMilli(msg.TsMillis),
		})
	}
}
