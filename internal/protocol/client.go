package protocol

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync/atomic"
	"time"
)

// Client talks to a running worker over its unix socket. One connection is
// held open; events received while waiting for a response are handed to the
// optional event callback.
type Client struct {
	conn      net.Conn
	enc       *json.Encoder
	dec       *json.Decoder
	timeout   time.Duration
	requestID atomic.Uint64

	// OnEvent, when set, receives out-of-band events observed on the wire.
	OnEvent func(event string, payload json.RawMessage)
}

// Dial connects to the worker socket.
func Dial(socketPath string, timeout time.Duration) (*Client, error) {
	conn, err := net.DialTimeout("unix", socketPath, timeout)
	if err != nil {
		return nil, fmt.Errorf("connect to worker: %w", err)
	}
	return &Client{
		conn:    conn,
		enc:     json.NewEncoder(conn),
		dec:     json.NewDecoder(conn),
		timeout: timeout,
	}, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Call sends one request and waits for its response, skipping any events
// that arrive in between. A wire error comes back as *Error.
func (c *Client) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	encoded, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("encode params: %w", err)
	}

	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.conn.SetDeadline(deadline); err != nil {
		return nil, fmt.Errorf("set deadline: %w", err)
	}

	id := fmt.Sprintf("req-%d", c.requestID.Add(1))
	if err := c.enc.Encode(Request{ID: id, Method: method, Params: encoded}); err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}

	for {
		var msg message
		if err := c.dec.Decode(&msg); err != nil {
			return nil, fmt.Errorf("read response: %w", err)
		}
		if msg.Type == "event" {
			if c.OnEvent != nil {
				c.OnEvent(msg.Event, msg.Payload)
			}
			continue
		}
		if msg.ID != id {
			continue
		}
		if !msg.OK {
			if msg.Error != nil {
				return nil, msg.Error
			}
			return nil, fmt.Errorf("request %s failed", method)
		}
		return msg.Result, nil
	}
}

// CallInto calls a method and decodes the result into out.
func (c *Client) CallInto(ctx context.Context, method string, params, out any) error {
	result, err := c.Call(ctx, method, params)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(result, out); err != nil {
		return fmt.Errorf("decode %s result: %w", method, err)
	}
	return nil
}
