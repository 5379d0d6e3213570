package probe

import (
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/thetooth/ping-relay/util"
)

// TCPConfig configures the connect latency prober.
type TCPConfig struct {
	// Target is host:port.
	Target    string
	Interface string
	Interval  time.Duration
	// Timeout bounds each connect attempt. Default is 1s.
	Timeout time.Duration
	Count   int
}

// TCP measures how long a TCP handshake with the target takes, for networks
// that drop ICMP. Each attempt opens and closes a fresh connection; results
// are written as ping style lines.
type TCP struct {
	cfg     TCPConfig
	session uuid.UUID

	tcpAddr    *net.TCPAddr
	tcpSrcAddr *net.TCPAddr

	done chan interface{}
	lock sync.Mutex
}

func NewTCP(cfg TCPConfig) (*TCP, error) {
	if _, _, err := net.SplitHostPort(cfg.Target); err != nil {
		return nil, &ArgumentError{Reason: "tcp probe needs host:port, " + err.Error()}
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = time.Second
	}

	return &TCP{
		cfg:     cfg,
		session: uuid.New(),
		done:    make(chan interface{}),
	}, nil
}

func (t *TCP) Session() uuid.UUID { return t.session }

func (t *TCP) String() string {
	s := "tcp " + t.cfg.Target
	if t.cfg.Count > 0 {
		s += " count " + strconv.Itoa(t.cfg.Count)
	}
	return s
}

func (t *TCP) Stop() {
	t.lock.Lock()
	defer t.lock.Unlock()

	select {
	case <-t.done:
	default:
		close(t.done)
	}
}

func (t *TCP) resolve() (err error) {
	t.tcpAddr, err = net.ResolveTCPAddr("tcp", t.cfg.Target)
	if err != nil {
		return
	}
	if t.cfg.Interface == "" {
		return
	}

	src, err := util.BindIface(t.cfg.Interface, t.tcpAddr.IP.To4() == nil)
	if err != nil {
		return
	}
	t.tcpSrcAddr, err = net.ResolveTCPAddr("tcp", net.JoinHostPort(src, "0"))
	return
}

func (t *TCP) Run(ctx context.Context, w io.Writer) error {
	if err := t.resolve(); err != nil {
		return &LaunchError{Command: t.String(), Err: err}
	}

	log := logrus.WithField("session", t.session)
	log.Info("[ PROBE_START ] ", t.String())

	if _, err := fmt.Fprintf(w, "TCPING %s (%s)\n", t.cfg.Target, t.tcpAddr); err != nil {
		return errors.Wrap(err, "relay probe output")
	}

	interval := time.NewTicker(t.cfg.Interval)
	defer interval.Stop()

	for seq := 1; t.cfg.Count == 0 || seq <= t.cfg.Count; seq++ {
		if seq > 1 {
			select {
			case <-ctx.Done():
				return nil
			case <-t.done:
				return nil
			case <-interval.C:
			}
		}

		line, ok := t.connect(ctx, seq)
		if !ok {
			return nil
		}
		if _, err := io.WriteString(w, line); err != nil {
			err = errors.Wrap(err, "relay probe output")
			log.Warn("[ PROBE_ABORT ] ", err)
			return err
		}
	}

	log.Info("[ PROBE_EXIT ] ", t.String())
	return nil
}

// connect times one handshake. It reports false if the probe was stopped
// while connecting.
func (t *TCP) connect(ctx context.Context, seq int) (string, bool) {
	dctx, cancel := context.WithTimeout(ctx, t.cfg.Timeout)
	defer cancel()
	go func() {
		select {
		case <-t.done:
			cancel()
		case <-dctx.Done():
		}
	}()

	d := net.Dialer{}
	if t.tcpSrcAddr != nil {
		d.LocalAddr = t.tcpSrcAddr
	}

	start := time.Now()
	conn, err := d.DialContext(dctx, "tcp", t.tcpAddr.String())
	rtt := time.Since(start)
	if err != nil {
		select {
		case <-t.done:
			return "", false
		default:
		}
		if ctx.Err() != nil {
			return "", false
		}
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return fmt.Sprintf("Request timeout for tcp_seq %d\n", seq), true
		}
		logrus.Trace("Could not connect: ", err)
		return fmt.Sprintf("From %s tcp_seq=%d %v\n", t.tcpAddr, seq, errors.Cause(err)), true
	}
	conn.Close()

	ms := float64(rtt) / float64(time.Millisecond)
	return fmt.Sprintf("connected to %s: tcp_seq=%d time=%s ms\n",
		t.tcpAddr, seq, strconv.FormatFloat(ms, 'f', 3, 64)), true
}
