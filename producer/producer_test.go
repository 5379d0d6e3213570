package producer_test

import (
	"bytes"
	"context"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thetooth/ping-relay/consumer"
	"github.com/thetooth/ping-relay/fifo"
	"github.com/thetooth/ping-relay/lifecycle"
	"github.com/thetooth/ping-relay/probe"
	"github.com/thetooth/ping-relay/producer"
)

// scripted writes fixed lines, then optionally blocks until stopped.
type scripted struct {
	lines   []string
	block   bool
	err     error
	stopped atomic.Bool
	stop    chan struct{}
}

func newScripted(lines ...string) *scripted {
	return &scripted{lines: lines, stop: make(chan struct{})}
}

func (s *scripted) Run(ctx context.Context, w io.Writer) error {
	if s.err != nil {
		return s.err
	}
	for _, l := range s.lines {
		if _, err := w.Write([]byte(l)); err != nil {
			return err
		}
	}
	if s.block {
		select {
		case <-ctx.Done():
		case <-s.stop:
		}
	}
	return nil
}

func (s *scripted) Stop() {
	if s.stopped.CompareAndSwap(false, true) {
		close(s.stop)
	}
}

func (s *scripted) Session() uuid.UUID { return uuid.Nil }
func (s *scripted) String() string { return "scripted" }

func reader(t *testing.T, path string) *fifo.Channel {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	r, err := fifo.OpenRead(ctx, path)
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return r
}

func TestRunRelaysProbeOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ping_fifo")
	require.NoError(t, fifo.EnsureExists(path))

	ctl := lifecycle.New(context.Background(), "pingcaller")
	p := producer.New(path, newScripted("time=1 ms\n", "time=2 ms\n"), ctl)

	errs := make(chan error, 1)
	go func() { errs <- p.Run() }()

	r := reader(t, path)
	require.NoError(t, <-errs)
	require.NoError(t, ctl.Shutdown())

	data, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "time=1 ms\ntime=2 ms\n", string(data))
}

func TestRunStopsProbeBeforeClosingChannel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ping_fifo")
	require.NoError(t, fifo.EnsureExists(path))

	sp := newScripted("time=1 ms\n")
	sp.block = true
	ctl := lifecycle.New(context.Background(), "pingcaller")
	p := producer.New(path, sp, ctl)

	errs := make(chan error, 1)
	go func() { errs <- p.Run() }()

	r := reader(t, path)
	buf := make([]byte, 64)
	n, err := r.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "time=1 ms\n", string(buf[:n]))

	ctl.RequestStop("test")
	require.NoError(t, <-errs)
	require.NoError(t, ctl.Shutdown())
	assert.True(t, sp.stopped.Load())

	_, err = r.Read(buf)
	assert.ErrorIs(t, err, io.EOF)
}

func TestRunStoppedBeforeConsumerAttached(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ping_fifo")
	ctl := lifecycle.New(context.Background(), "pingcaller")
	p := producer.New(path, newScripted(), ctl)

	errs := make(chan error, 1)
	go func() { errs <- p.Run() }()

	time.Sleep(20 * time.Millisecond)
	ctl.RequestStop("test")
	select {
	case err := <-errs:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("producer did not stop")
	}
}

func TestRunReturnsLaunchError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ping_fifo")
	require.NoError(t, fifo.EnsureExists(path))

	sp := newScripted()
	sp.err = &probe.LaunchError{Command: "ping", Err: assert.AnError}
	ctl := lifecycle.New(context.Background(), "pingcaller")
	defer ctl.Shutdown()

	errs := make(chan error, 1)
	go func() { errs <- producer.New(path, sp, ctl).Run() }()

	reader(t, path)
	err := <-errs
	assert.True(t, probe.IsSetup(err))
}

func TestRunSetupErrorOnBadPath(t *testing.T) {
	ctl := lifecycle.New(context.Background(), "pingcaller")
	p := producer.New(filepath.Join(t.TempDir(), "missing", "ping_fifo"), newScripted(), ctl)

	err := p.Run()
	assert.True(t, fifo.IsSetup(err))
}

func TestRunStopsWhileConsumerStalled(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ping_fifo")
	require.NoError(t, fifo.EnsureExists(path))

	// Far more than the pipe buffer, and the reader below never reads.
	sp := newScripted(strings.Repeat("x", 1<<20) + "\n")
	ctl := lifecycle.New(context.Background(), "pingcaller")
	p := producer.New(path, sp, ctl)

	errs := make(chan error, 1)
	go func() { errs <- p.Run() }()

	reader(t, path)
	time.Sleep(50 * time.Millisecond)
	ctl.RequestStop("test")

	select {
	case err := <-errs:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("producer blocked in write ignored the stop")
	}
	require.NoError(t, ctl.Shutdown())
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestRelayToStreamConsumer(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ping_fifo")
	require.NoError(t, fifo.EnsureExists(path))

	out := &lockedBuffer{}
	handler := lifecycle.New(context.Background(), "pinghandler")
	defer handler.Shutdown()
	s := consumer.NewSession(path, out, handler)
	s.Backoff = 10 * time.Millisecond

	consumed := make(chan error, 1)
	go func() { consumed <- consumer.Run(s, consumer.Stream{}) }()

	caller := lifecycle.New(context.Background(), "pingcaller")
	sp := newScripted("time=10 ms\n", "time=20 ms\n", "timeout\n", "time=15 ms\n")
	require.NoError(t, producer.New(path, sp, caller).Run())
	require.NoError(t, caller.Shutdown())

	want := "New RTT=10 ms, Window(1/10) Avg RTT=10 ms, Jitter=0 ms\n" +
		"New RTT=20 ms, Window(2/10) Avg RTT=15 ms, Jitter=10 ms\n" +
		"New RTT=15 ms, Window(3/10) Avg RTT=15 ms, Jitter=7.5 ms\n"
	require.Eventually(t, func() bool { return out.String() == want },
		5*time.Second, 10*time.Millisecond, "output so far: %q", out.String())

	// The consumer outlives the producer until it is told to stop.
	handler.RequestStop("test")
	select {
	case err := <-consumed:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("consumer did not stop")
	}
}
