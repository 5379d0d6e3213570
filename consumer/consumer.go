// Package consumer drains the relay channel. Two policies exist: Stream turns
// every ping reply into a statistics report, Batch echoes whole writer
// sessions between markers.
package consumer

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/thetooth/ping-relay/fifo"
	"github.com/thetooth/ping-relay/lifecycle"
	"github.com/thetooth/ping-relay/statistics"
)

const (
	PolicyStream = "stream"
	PolicyBatch  = "batch"

	// DefaultBackoff is how long the streaming policy waits after the writer
	// detached before reading again.
	DefaultBackoff = 100 * time.Millisecond
)

// Policy decides how a Session consumes the channel.
type Policy interface {
	Name() string
	// Consume runs until a stop is requested, returning nil, or until an
	// unrecoverable channel error.
	Consume(ctx context.Context, s *Session) error
}

// New returns the policy registered under name.
func New(name string) (Policy, error) {
	switch name {
	case "", PolicyStream:
		return Stream{}, nil
	case PolicyBatch:
		return Batch{}, nil
	}
	return nil, errors.Errorf("unknown consumer policy %q", name)
}

// Session is the consumer side of one relay channel.
type Session struct {
	Path    string
	Out     io.Writer
	Backoff time.Duration
	Window  *statistics.Window
	Ctl     *lifecycle.Controller

	// Metrics publishes each snapshot to the Prometheus gauges.
	Metrics bool

	mu      sync.Mutex
	current *fifo.Channel
	reopen  atomic.Bool
}

func NewSession(path string, out io.Writer, ctl *lifecycle.Controller) *Session {
	return &Session{
		Path:    path,
		Out:     out,
		Backoff: DefaultBackoff,
		Window:  statistics.NewWindow(statistics.DefaultCapacity),
		Ctl:     ctl,
	}
}

// Run prepares the channel, registers its cleanup with the controller and
// hands the session to p. The pipe is removed on Shutdown after the read
// handle is closed.
func Run(s *Session, p Policy) error {
	if err := fifo.EnsureExists(s.Path); err != nil {
		return err
	}
	s.Ctl.Defer("fifo "+s.Path, func() error { return fifo.Remove(s.Path) })
	s.Ctl.Defer("read handle", s.detach)

	s.Ctl.OnInterrupt(s.interrupt)

	if err := fifo.Watch(s.Ctl.Context(), s.Path, s.guard); err != nil {
		logrus.Warn("Unable to watch FIFO, removal will not be repaired: ", err)
	}

	logrus.WithField("policy", p.Name()).Info("[ CONSUMER_START ] fifo: ", s.Path)
	return p.Consume(s.Ctl.Context(), s)
}

// guard recreates the pipe after someone else removed it and makes the
// active policy reopen.
func (s *Session) guard() {
	if s.Ctl.Stopping() {
		return
	}
	logrus.Warn("[ FIFO_REPAIR ] removed externally, recreating ", s.Path)
	if err := fifo.EnsureExists(s.Path); err != nil {
		logrus.Warn("Unable to recreate FIFO: ", err)
		return
	}
	s.reopen.Store(true)
	s.interrupt()
}

func (s *Session) interrupt() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != nil {
		s.current.Interrupt()
	}
}

// attach makes ch the current handle. A stop or repair that raced the open
// is delivered to the new handle straight away.
func (s *Session) attach(ch *fifo.Channel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = ch
	if s.Ctl.Stopping() || s.reopen.Load() {
		ch.Interrupt()
	}
}

func (s *Session) detach() error {
	s.mu.Lock()
	ch := s.current
	s.current = nil
	s.mu.Unlock()

	if ch == nil {
		return nil
	}
	return ch.Close()
}

// resume reports whether a read cut short by ErrInterrupted should carry on.
func (s *Session) resume() bool {
	return !s.Ctl.Stopping()
}

// wait sleeps for d unless ctx ends first.
func wait(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (s *Session) println(a ...any) {
	if _, err := fmt.Fprintln(s.Out, a...); err != nil {
		logrus.Debug("Unable to write report: ", err)
	}
}
