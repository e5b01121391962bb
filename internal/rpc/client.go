package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"go.uber.org/zap"
)

var (
	// ErrClientClosed indicates a call was attempted after Close.
	ErrClientClosed = errors.New("rpc: client closed")
	// ErrRemote wraps an error string reported by the remote engine.
	ErrRemote = errors.New("rpc: remote error")
)

// Client multiplexes concurrent calls over one byte stream. Every call gets a
// monotonically increasing id; a transport failure rejects all pending calls
// at once so no caller hangs on a dead connection.
type Client struct {
	conn    io.ReadWriteCloser
	encoder *json.Encoder
	logger  *zap.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	nextID  uint64
	pending map[uint64]chan Response
	events  chan json.RawMessage
	closed  bool
	fatal   error
}

// NewClient wraps conn and starts the read loop.
func NewClient(conn io.ReadWriteCloser, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	client := &Client{
		conn:    conn,
		encoder: json.NewEncoder(conn),
		logger:  logger,
		pending: make(map[uint64]chan Response),
		events:  make(chan json.RawMessage, 32),
	}
	go client.readLoop()
	return client
}

// Events exposes push messages from the remote engine. The channel closes
// when the transport dies.
func (c *Client) Events() <-chan json.RawMessage {
	return c.events
}

// Call sends one request and blocks until its response, a transport failure,
// or context cancellation.
func (c *Client) Call(ctx context.Context, op string, params any) (json.RawMessage, error) {
	encodedParams, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("encode params: %w", err)
	}

	c.mu.Lock()
	if c.closed {
		failure := c.fatal
		c.mu.Unlock()
		if failure != nil {
			return nil, failure
		}
		return nil, ErrClientClosed
	}
	c.nextID++
	id := c.nextID
	reply := make(chan Response, 1)
	c.pending[id] = reply
	c.mu.Unlock()

	frame := envelope{
		ID:      &id,
		Request: &Request{Op: op, Params: encodedParams},
	}
	c.writeMu.Lock()
	writeErr := c.encoder.Encode(frame)
	c.writeMu.Unlock()
	if writeErr != nil {
		c.fail(fmt.Errorf("rpc: write failed: %w", writeErr))
		return nil, fmt.Errorf("rpc: write failed: %w", writeErr)
	}

	select {
	case response, ok := <-reply:
		if !ok {
			c.mu.Lock()
			failure := c.fatal
			c.mu.Unlock()
			if failure == nil {
				failure = ErrClientClosed
			}
			return nil, failure
		}
		if !response.Success {
			return nil, fmt.Errorf("%w: %s", ErrRemote, response.Error)
		}
		return response.Data, nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, ctx.Err()
	}
}

// Close tears down the transport and rejects anything still pending.
func (c *Client) Close() error {
	c.fail(ErrClientClosed)
	return c.conn.Close()
}

func (c *Client) readLoop() {
	decoder := json.NewDecoder(c.conn)
	for {
		var frame envelope
		if err := decoder.Decode(&frame); err != nil {
			c.fail(fmt.Errorf("rpc: transport failed: %w", err))
			return
		}
		switch {
		case frame.ID != nil && frame.Response != nil:
			c.mu.Lock()
			reply, ok := c.pending[*frame.ID]
			delete(c.pending, *frame.ID)
			c.mu.Unlock()
			if !ok {
				c.logger.Warn("response for unknown request id", zap.Uint64("id", *frame.ID))
				continue
			}
			reply <- *frame.Response
		case frame.Type == messageTypeEvent:
			select {
			case c.events <- frame.Event:
			default:
				c.logger.Warn("event dropped, subscriber too slow")
			}
		default:
			c.logger.Warn("unrecognized frame discarded")
		}
	}
}

// fail rejects every pending call with cause and marks the client dead.
// Subsequent calls fail immediately with the same cause.
func (c *Client) fail(cause error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.fatal = cause
	pending := c.pending
	c.pending = make(map[uint64]chan Response)
	c.mu.Unlock()

	for _, reply := range pending {
		reply <- Response{Success: false, Error: cause.Error()}
	}
	close(c.events)
}
