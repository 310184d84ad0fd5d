package server

import (
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"notify-relay/internal/conntable"
)

// client is one accepted connection. It implements conntable.Handle: the
// router talks to it only through ID/Send/Close, never the socket. The
// socket itself is touched by exactly two goroutines, the read and write
// pumps, and owned by this instance alone.
type client struct {
	id   string
	conn net.Conn

	// send is the bounded outbound queue. Pushes never block on it; a full
	// buffer means the push is rejected so one slow observer cannot stall
	// delivery to the rest.
	send chan []byte

	// closed gates the send queue and both pumps. Closed exactly once.
	closed    chan struct{}
	closeOnce sync.Once

	// limiter throttles inbound frames from this connection.
	limiter *rate.Limiter

	connectedAt  time.Time
	lastActivity time.Time
	activityMu   sync.Mutex
}

func newClient(id string, conn net.Conn, sendBuffer int, frameRate, frameBurst int) *client {
	now := time.Now()
	return &client{
		id:           id,
		conn:         conn,
		send:         make(chan []byte, sendBuffer),
		closed:       make(chan struct{}),
		limiter:      rate.NewLimiter(rate.Limit(frameRate), frameBurst),
		connectedAt:  now,
		lastActivity: now,
	}
}

func (c *client) ID() string { return c.id }

// Send queues data for the write pump. Non-blocking: a closed connection
// reports net.ErrClosed, a full buffer reports ErrCapacityExceeded and the
// frame is dropped.
func (c *client) Send(data []byte) error {
	select {
	case <-c.closed:
		return net.ErrClosed
	default:
	}
	select {
	case c.send <- data:
		return nil
	case <-c.closed:
		return net.ErrClosed
	default:
		return conntable.ErrCapacityExceeded
	}
}

// Close tears the connection down. Safe to call from any goroutine, any
// number of times.
func (c *client) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.conn.Close()
	})
	return nil
}

// touch refreshes the activity timestamp. Called on every inbound frame.
func (c *client) touch() {
	c.activityMu.Lock()
	c.lastActivity = time.Now()
	c.activityMu.Unlock()
}

func (c *client) lastActive() time.Time {
	c.activityMu.Lock()
	defer c.activityMu.Unlock()
	return c.lastActivity
}
