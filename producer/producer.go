// Package producer runs a probe and feeds its output into the relay channel.
package producer

import (
	"github.com/sirupsen/logrus"

	"github.com/thetooth/ping-relay/fifo"
	"github.com/thetooth/ping-relay/lifecycle"
	"github.com/thetooth/ping-relay/probe"
)

type Producer struct {
	Path  string
	Probe probe.Probe
	Ctl   *lifecycle.Controller
}

func New(path string, p probe.Probe, ctl *lifecycle.Controller) *Producer {
	return &Producer{Path: path, Probe: p, Ctl: ctl}
}

// Run relays one probe session. Only setup failures are returned; a probe
// that finishes, is stopped, or loses its reader ends the run cleanly.
func (p *Producer) Run() error {
	ctx := p.Ctl.Context()

	if err := fifo.EnsureExists(p.Path); err != nil {
		return err
	}

	logrus.Info("Waiting for consumer on ", p.Path)
	ch, err := fifo.OpenWrite(ctx, p.Path)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	// A stop must not wait on a consumer that stopped reading.
	p.Ctl.OnInterrupt(func() { ch.InterruptWrite() })
	// Released in reverse: the probe stops before its output handle closes.
	p.Ctl.Defer("write handle", ch.Close)
	p.Ctl.Defer("probe", func() error {
		p.Probe.Stop()
		return nil
	})

	log := logrus.WithField("session", p.Probe.Session())
	log.Info("Executing command: ", p.Probe)

	err = p.Probe.Run(ctx, ch)
	switch {
	case err == nil:
		log.Info("[ PRODUCER_DONE ] ", p.Probe)
	case probe.IsSetup(err):
		return err
	case p.Ctl.Stopping():
		log.Info("[ PRODUCER_STOP ] ", err)
	default:
		log.Warn("[ RELAY_FAIL ] ", err)
	}
	return nil
}
