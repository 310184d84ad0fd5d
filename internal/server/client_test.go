package server

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"notify-relay/internal/conntable"
)

func TestClientSendBounded(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	c := newClient("c1", a, 2, 10, 10)

	assert.NoError(t, c.Send([]byte("one")))
	assert.NoError(t, c.Send([]byte("two")))

	// Buffer full: the push is rejected, never blocked on.
	err := c.Send([]byte("three"))
	assert.ErrorIs(t, err, conntable.ErrCapacityExceeded)
}

func TestClientSendAfterClose(t *testing.T) {
	a, b := net.Pipe()
	defer b.Close()

	c := newClient("c1", a, 2, 10, 10)
	assert.NoError(t, c.Close())
	assert.NoError(t, c.Close()) // idempotent

	assert.ErrorIs(t, c.Send([]byte("x")), net.ErrClosed)
}

func TestClientActivityTracking(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	c := newClient("c1", a, 2, 10, 10)
	before := c.lastActive()
	time.Sleep(5 * time.Millisecond)
	c.touch()
	assert.True(t, c.lastActive().After(before))
}
