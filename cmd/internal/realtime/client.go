package realtime

import (
	"sync"

	v1 "parley/shared/contracts/realtime/v1"
)

// Client is the live connection handle of one websocket session.
//
// Notes:
// - Send is never closed by the server, so concurrent dispatchers cannot panic on it.
// - done signals the session goroutines to stop.
// - Close is idempotent.
type Client struct {
	UserID    string
	SessionID string
	Send      chan v1.Envelope

	done      chan struct{}
	closeOnce sync.Once
}

// NewClient constructs a Client with a bounded send queue.
func NewClient(userID, sessionID string, sendQueueSize int) *Client {
	if sendQueueSize <= 0 {
		sendQueueSize = 64
	}
	return &Client{
		UserID:    userID,
		SessionID: sessionID,
		Send:      make(chan v1.Envelope, sendQueueSize),
		done:      make(chan struct{}),
	}
}

// Done returns a channel that is closed when the client is shutting down.
func (c *Client) Done() <-chan struct{} {
	if c == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return c.done
}

// Alive reports whether the handle can still receive events.
func (c *Client) Alive() bool {
	if c == nil {
		return false
	}
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

// Close signals the client goroutines to stop (idempotent).
func (c *Client) Close() {
	if c == nil {
		return
	}
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// offer enqueues env without blocking. It reports false for a dead handle or a full queue.
func (c *Client) offer(env v1.Envelope) bool {
	if !c.Alive() {
		return false
	}
	select {
	case c.Send <- env:
		return true
	default:
		return false
	}
}
