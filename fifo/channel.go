package fifo

import (
	"io"
	"os"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Channel is one open half of the relay pipe.
type Channel struct {
	f    *os.File
	path string

	closeOnce sync.Once
	closeErr  error
}

func newChannel(f *os.File, path string) *Channel {
	return &Channel{f: f, path: path}
}

// Path returns the filesystem path the channel was opened from.
func (c *Channel) Path() string { return c.path }

// File exposes the underlying descriptor, e.g. to hand it to a child process
// as its stdout.
func (c *Channel) File() *os.File { return c.f }

// Read reads one chunk. Zero bytes are reported as io.EOF and mean the writer
// detached; a later writer can still attach to the same handle.
func (c *Channel) Read(p []byte) (int, error) {
	n, err := c.f.Read(p)
	if err != nil && errors.Is(err, os.ErrDeadlineExceeded) {
		c.f.SetReadDeadline(time.Time{})
		return n, ErrInterrupted
	}
	return n, err
}

// Write appends p to the pipe. Short writes are retried by the runtime; a
// departed reader surfaces as a broken pipe error and InterruptWrite as
// ErrInterrupted.
func (c *Channel) Write(p []byte) (int, error) {
	n, err := c.f.Write(p)
	if err != nil {
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return n, ErrInterrupted
		}
		return n, errors.Wrap(err, "write to FIFO")
	}
	return n, nil
}

// WaitReadable blocks until the pipe has data or its writer hung up.
func (c *Channel) WaitReadable() error {
	rc, err := c.f.SyscallConn()
	if err != nil {
		return errors.Wrap(err, "wait on FIFO")
	}

	var pollErr error
	err = rc.Read(func(fd uintptr) bool {
		fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
		for {
			n, err := unix.Poll(fds, 0)
			if err == unix.EINTR {
				continue
			}
			if err != nil {
				pollErr = err
				return true
			}
			return n > 0
		}
	})
	if err != nil {
		if errors.Is(err, os.ErrDeadlineExceeded) {
			c.f.SetReadDeadline(time.Time{})
			return ErrInterrupted
		}
		return errors.Wrap(err, "wait on FIFO")
	}
	if pollErr != nil {
		return errors.Wrap(pollErr, "poll FIFO")
	}

	return nil
}

// Interrupt makes a pending or the next blocking Read or WaitReadable return
// ErrInterrupted.
func (c *Channel) Interrupt() error {
	return c.f.SetReadDeadline(time.Now())
}

// InterruptWrite fails a Write blocked on a full pipe, and every later one.
// It is meant for shutdown and is not undone.
func (c *Channel) InterruptWrite() error {
	return c.f.SetWriteDeadline(time.Now())
}

// Close releases the handle. It is safe to call more than once.
func (c *Channel) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.f.Close()
	})
	return c.closeErr
}

var _ io.ReadWriteCloser = (*Channel)(nil)
