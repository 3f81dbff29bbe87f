package protocol

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
)

// Client is the peer side of the protocol, used by the stimulus client tool
// and in tests.
type Client struct {
	conn io.ReadWriteCloser
}

// NewClient wraps an established connection.
func NewClient(conn io.ReadWriteCloser) *Client { return &Client{conn: conn} }

// Dial connects to a session listening on addr.
func Dial(ctx context.Context, addr string) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	return NewClient(conn), nil
}

// Send writes one request.
func (c *Client) Send(req Request) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return err
	}
	return WriteMessage(c.conn, payload)
}

// SendRaw writes an arbitrary payload, for exercising malformed input.
func (c *Client) SendRaw(payload []byte) error { return WriteMessage(c.conn, payload) }

// Receive reads one response.
func (c *Client) Receive() (Response, error) {
	payload, err := ReadMessage(c.conn)
	if err != nil {
		return Response{}, err
	}
	var r Response
	if err := json.Unmarshal(payload, &r); err != nil {
		return Response{}, fmt.Errorf("%w: %w", ErrProtocol, err)
	}
	return r, nil
}

// Close closes the connection.
func (c *Client) Close() error { return c.conn.Close() }

// Onset builds a trial_onset request.
func Onset(trialIdx, groundTruth int, stimulus string) Request {
	return Request{Type: TrialOnset, TrialIdx: &trialIdx, GroundTruth: &groundTruth, Stimulus: stimulus}
}
