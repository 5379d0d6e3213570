package consumer

import (
	"context"
	"io"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/thetooth/ping-relay/fifo"
	"github.com/thetooth/ping-relay/lines"
	"github.com/thetooth/ping-relay/rtt"
	"github.com/thetooth/ping-relay/statistics"
)

const readSize = 1024

// Stream keeps one read handle open and reports on every extracted sample.
// A detached writer is waited out on the same handle.
type Stream struct{}

func (Stream) Name() string { return PolicyStream }

func (Stream) Consume(ctx context.Context, s *Session) error {
	if ok, err := s.openStream(); !ok {
		return err
	}

	var r lines.Reassembler
	buf := make([]byte, readSize)
	for {
		s.mu.Lock()
		ch := s.current
		s.mu.Unlock()

		n, err := ch.Read(buf)
		if n > 0 {
			for line := range r.Feed(buf[:n]) {
				s.observe(line)
			}
		}

		switch {
		case err == nil:
		case errors.Is(err, fifo.ErrInterrupted):
			if !s.resume() {
				return nil
			}
			if s.reopen.Load() {
				if line, ok := r.Flush(); ok {
					s.observe(line)
				}
				s.detach()
				if ok, err := s.openStream(); !ok {
					return err
				}
			}
		case errors.Is(err, io.EOF):
			// The writer is gone, a partial line will never be finished.
			if line, ok := r.Flush(); ok {
				s.observe(line)
			}
			logrus.Trace("[ WRITER_DETACHED ] fifo: ", s.Path)
			if !wait(ctx, s.Backoff) {
				return nil
			}
		default:
			return errors.Wrap(err, "read from FIFO")
		}
	}
}

// openStream attaches a read handle and waits for the first producer to
// write or hang up. The handle is attached while waiting so a stop or a
// repaired pipe can cut the wait short. It reports false with a nil error
// when a stop was requested.
func (s *Session) openStream() (bool, error) {
	for {
		s.reopen.Store(false)
		ch, err := fifo.OpenReadNonblock(s.Path)
		if err != nil {
			return false, err
		}
		s.attach(ch)

		logrus.Info("Waiting for producer on ", s.Path)
		for {
			err := ch.WaitReadable()
			if err == nil {
				return true, nil
			}
			if !errors.Is(err, fifo.ErrInterrupted) {
				return false, err
			}
			if !s.resume() {
				return false, nil
			}
			if s.reopen.Load() {
				break
			}
		}
		s.detach()
	}
}
// observe turns one line into a report if it carries an RTT.
func (s *Session) observe(line string) {
	ms, ok := rtt.Extract(line)
	if !ok {
		return
	}
	snap := s.Window.Push(ms)
	s.println(snap.String())
	if s.Metrics {
		statistics.Observe(s.Path, snap)
	}
}
