package probe

import (
	"bufio"
	"context"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/thetooth/ping-relay/util"
)

// Mode selects how the child's stdout reaches the relay channel.
type Mode string

const (
	// ModePipe reads the child's stdout line by line and copies each line.
	ModePipe Mode = "pipe"
	// ModeRedirect hands the channel descriptor to the child as its stdout.
	ModeRedirect Mode = "redirect"
)

const (
	DefaultCommand   = "ping"
	DefaultKillGrace = 2 * time.Second
)

// Exec runs an external ping binary.
type Exec struct {
	Command   string
	Args      []string
	Mode      Mode
	KillGrace time.Duration

	session uuid.UUID

	lock   sync.Mutex
	cancel context.CancelFunc
}

// NewExec prepares a ping run with args. At least one argument is required.
func NewExec(args []string, mode Mode) (*Exec, error) {
	if len(args) == 0 {
		return nil, &ArgumentError{Reason: "at least one ping argument is required"}
	}
	switch mode {
	case "":
		mode = ModePipe
	case ModePipe, ModeRedirect:
	default:
		return nil, &ArgumentError{Reason: "unknown mode " + string(mode)}
	}

	return &Exec{
		Command:   DefaultCommand,
		Args:      args,
		Mode:      mode,
		KillGrace: DefaultKillGrace,
		session:   uuid.New(),
	}, nil
}

func (e *Exec) Session() uuid.UUID { return e.session }

func (e *Exec) String() string {
	return strings.Join(append([]string{e.Command}, e.Args...), " ")
}

// Stop interrupts the child; it is killed if still alive after KillGrace.
func (e *Exec) Stop() {
	e.lock.Lock()
	defer e.lock.Unlock()

	if e.cancel != nil {
		e.cancel()
	}
}

// Run starts the child and relays its output into w until it exits. Natural
// exit, including a non-zero ping status, is not an error.
func (e *Exec) Run(ctx context.Context, w io.Writer) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	e.lock.Lock()
	e.cancel = cancel
	e.lock.Unlock()

	cmd := util.Command(ctx, e.Command, e.Args...)
	cmd.Cancel = func() error { return cmd.Process.Signal(os.Interrupt) }
	cmd.WaitDelay = e.KillGrace
	cmd.Stderr = os.Stderr

	log := logrus.WithField("session", e.session)

	var stdout io.ReadCloser
	if e.Mode == ModeRedirect {
		// An *os.File is passed to the child as-is, no copying goroutine.
		if f, ok := w.(interface{ File() *os.File }); ok {
			cmd.Stdout = f.File()
		} else {
			cmd.Stdout = w
		}
	} else {
		var err error
		if stdout, err = cmd.StdoutPipe(); err != nil {
			return &LaunchError{Command: e.String(), Err: err}
		}
	}

	if err := cmd.Start(); err != nil {
		return &LaunchError{Command: e.String(), Err: err}
	}
	log.WithField("pid", cmd.Process.Pid).Info("[ PROBE_START ] ", e.String())

	var relayErr error
	if stdout != nil {
		relayErr = relayLines(stdout, w)
		if relayErr != nil {
			cancel()
		}
	}

	waitErr := cmd.Wait()
	switch {
	case relayErr != nil:
		log.Warn("[ PROBE_ABORT ] ", relayErr)
		return relayErr
	case ctx.Err() != nil:
		log.Info("[ PROBE_STOP ] ", e.String())
	case waitErr != nil:
		log.Info("[ PROBE_EXIT ] ", waitErr)
	default:
		log.Info("[ PROBE_EXIT ] exit status 0")
	}

	return nil
}

// relayLines copies r to w one line at a time, terminator included.
func relayLines(r io.Reader, w io.Writer) error {
	br := bufio.NewReader(r)
	for {
		line, err := br.ReadBytes('\n')
		if len(line) > 0 {
			if _, werr := w.Write(line); werr != nil {
				return errors.Wrap(werr, "relay probe output")
			}
		}
		if err != nil {
			if err != io.EOF {
				logrus.Debug("Probe output closed: ", err)
			}
			return nil
		}
	}
}
