package consumer

import (
	"context"
	"io"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/thetooth/ping-relay/fifo"
)

const (
	BeginMarker = "=== New ping results ==="
	EndMarker   = "=== End of results ==="
)

// Batch echoes each writer session verbatim between markers. A session lasts
// from the first readable byte until the writer detaches.
type Batch struct{}

func (Batch) Name() string { return PolicyBatch }

func (Batch) Consume(ctx context.Context, s *Session) error {
	for {
		s.reopen.Store(false)
		ch, err := fifo.OpenReadNonblock(s.Path)
		if err != nil {
			return err
		}
		s.attach(ch)

		done, err := s.batch(ch)
		s.detach()
		if err != nil {
			return err
		}
		if done || ctx.Err() != nil {
			return nil
		}
	}
}

// batch handles one session on ch. It reports done once a stop was
// requested.
func (s *Session) batch(ch *fifo.Channel) (done bool, err error) {
	logrus.Info("Waiting for ping data...")
	for {
		err := ch.WaitReadable()
		if err == nil {
			break
		}
		if !errors.Is(err, fifo.ErrInterrupted) {
			return true, err
		}
		if !s.resume() {
			return true, nil
		}
		if s.reopen.Load() {
			return false, nil
		}
	}

	id := uuid.New()
	log := logrus.WithField("session", id)
	log.Debug("[ BATCH_BEGIN ] fifo: ", s.Path)
	s.println(BeginMarker)

	for {
		n, err := io.Copy(s.Out, ch)
		if err == nil {
			log.WithField("bytes", n).Debug("[ BATCH_END ] fifo: ", s.Path)
			s.detach()
			s.println(EndMarker)
			return false, nil
		}
		if !errors.Is(err, fifo.ErrInterrupted) {
			return true, errors.Wrap(err, "copy ping results")
		}
		if !s.resume() {
			s.println(EndMarker)
			return true, nil
		}
		if s.reopen.Load() {
			s.println(EndMarker)
			return false, nil
		}
	}
}
