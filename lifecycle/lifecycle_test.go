package lifecycle

import (
	"context"
	"errors"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateTransitions(t *testing.T) {
	c := New(context.Background(), "test")
	assert.Equal(t, Running, c.State())
	assert.False(t, c.Stopping())

	c.RequestStop("test")
	assert.Equal(t, ShuttingDown, c.State())
	assert.True(t, c.Stopping())
	assert.Error(t, c.Context().Err())

	require.NoError(t, c.Shutdown())
	assert.Equal(t, Terminated, c.State())
	assert.Equal(t, "terminated", c.State().String())
}

func TestShutdownWithoutStopRequest(t *testing.T) {
	c := New(context.Background(), "test")
	require.NoError(t, c.Shutdown())
	assert.Equal(t, Terminated, c.State())
	assert.True(t, c.Stopping())
}

func TestReleaseOrder(t *testing.T) {
	c := New(context.Background(), "test")

	var order []string
	c.Defer("fifo", func() error { order = append(order, "fifo"); return nil })
	c.Defer("channel", func() error { order = append(order, "channel"); return errors.New("already closed") })
	c.Defer("probe", func() error { order = append(order, "probe"); return nil })

	err := c.Shutdown()
	assert.EqualError(t, err, "already closed")
	assert.Equal(t, []string{"probe", "channel", "fifo"}, order)

	// A second shutdown releases nothing.
	assert.NoError(t, c.Shutdown())
	assert.Len(t, order, 3)
}

func TestInterrupters(t *testing.T) {
	c := New(context.Background(), "test")

	var fired, removedFired int
	c.OnInterrupt(func() { fired++ })
	remove := c.OnInterrupt(func() { removedFired++ })
	remove()

	c.RequestStop("test")
	c.RequestStop("again")
	assert.Equal(t, 1, fired)
	assert.Zero(t, removedFired)

	// Registering after the stop fires immediately.
	late := 0
	c.OnInterrupt(func() { late++ })
	assert.Equal(t, 1, late)
}

func TestSignalRequestsStop(t *testing.T) {
	c := New(context.Background(), "test")
	c.Start(syscall.SIGUSR1)
	defer c.Shutdown()

	require.NoError(t, syscall.Kill(syscall.Getpid(), syscall.SIGUSR1))

	select {
	case <-c.Context().Done():
	case <-time.After(2 * time.Second):
		t.Fatal("signal did not request a stop")
	}
	assert.Equal(t, ShuttingDown, c.State())
}
