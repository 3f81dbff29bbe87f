package protocol

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/banshee-data/rtdecnef/internal/timeutil"
)

// Channel is the session side of the connection to the single peer.
// Listen is called from one goroutine; Send is safe for concurrent use.
type Channel struct {
	conn    io.ReadWriteCloser
	clock   timeutil.Clock
	spacing time.Duration

	mu       sync.Mutex
	lastSend time.Time
	sent     bool

	closeOnce sync.Once
	closeErr  error
}

// ChannelOption configures a Channel.
type ChannelOption func(*Channel)

// WithSendSpacing sets the minimum gap between consecutive sends.
func WithSendSpacing(d time.Duration) ChannelOption { return func(c *Channel) { c.spacing = d } }

// WithClock sets the clock used for send spacing.
func WithClock(clock timeutil.Clock) ChannelOption { return func(c *Channel) { c.clock = clock } }

// NewChannel wraps an established connection.
func NewChannel(conn io.ReadWriteCloser, opts ...ChannelOption) *Channel {
	c := &Channel{conn: conn, clock: timeutil.RealClock{}}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Listen blocks for the next request. Errors wrapping ErrProtocol concern
// only that message; any other error means the connection is unusable.
// Cancelling ctx closes the connection.
func (c *Channel) Listen(ctx context.Context) (Request, error) {
	stop := context.AfterFunc(ctx, func() { c.Close() })
	defer stop()

	payload, err := ReadMessage(c.conn)
	if err != nil {
		if ctx.Err() != nil {
			return Request{}, ctx.Err()
		}
		return Request{}, err
	}
	return ParseRequest(payload)
}

// Send writes resps in order, waiting out the send spacing before each. The
// sequence is written under one lock, so responses from concurrent senders
// never land between them.
func (c *Channel) Send(resps ...Response) error {
	payloads := make([][]byte, len(resps))
	for i, resp := range resps {
		payload, err := json.Marshal(resp)
		if err != nil {
			return fmt.Errorf("encode response: %w", err)
		}
		payloads[i] = payload
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for i, payload := range payloads {
		if c.sent && c.spacing > 0 {
			if wait := c.spacing - c.clock.Since(c.lastSend); wait > 0 {
				c.clock.Sleep(wait)
			}
		}
		if err := WriteMessage(c.conn, payload); err != nil {
			return fmt.Errorf("send %s: %w", resps[i], err)
		}
		c.lastSend = c.clock.Now()
		c.sent = true
	}
	return nil
}

// Close closes the connection. It is safe to call more than once.
func (c *Channel) Close() error {
	c.closeOnce.Do(func() { c.closeErr = c.conn.Close() })
	return c.closeErr
}
