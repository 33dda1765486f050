package realtime

import (
	"sync"

	v1 "pitchroom/shared/contracts/realtime/v1"
)

// Client represents one connected websocket session.
//
// A client always carries the user id it joined as, because one user may hold
// several clients at once (tabs, devices) and presence counts sessions, not
// users.
//
// Design notes:
// - Send is intentionally NOT closed by the server to avoid panics from concurrent broadcasters.
// - done is used to signal goroutines to stop.
// - Close is idempotent.
type Client struct {
	SessionID string
	UserID    string
	Send      chan v1.Envelope

	done      chan struct{}
	closeOnce sync.Once

	mu     sync.Mutex
	joined map[string]struct{} // room names this session is a member of
}

// NewClient constructs a Client with a bounded send queue.
func NewClient(userID, sessionID string, sendQueueSize int) *Client {
	if sendQueueSize <= 0 {
		sendQueueSize = 64
	}
	return &Client{
		SessionID: sessionID,
		UserID:    userID,
		Send:      make(chan v1.Envelope, sendQueueSize),
		done:      make(chan struct{}),
		joined:    make(map[string]struct{}, 4),
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

// Close signals the client goroutines to stop (idempotent).
// It does NOT close Send to keep broadcast safe under concurrency.
func (c *Client) Close() {
	if c == nil {
		return
	}
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// trackJoin records membership in a room, reporting false if already present.
func (c *Client) trackJoin(room string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.joined[room]; ok {
		return false
	}
	c.joined[room] = struct{}{}
	return true
}

// trackLeave drops membership bookkeeping for a room.
func (c *Client) trackLeave(room string) {
	c.mu.Lock()
	delete(c.joined, room)
	c.mu.Unlock()
}

// joinedRooms snapshots the rooms this session belongs to.
func (c *Client) joinedRooms() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]string, 0, len(c.joined))
	for name := range c.joined {
		out = append(out, name)
	}
	return out
}
