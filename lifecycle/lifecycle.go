// Package lifecycle coordinates signal driven shutdown for a relay role.
//
// A signal only flips the stop flag, cancels the role context and nudges
// blocked reads; resources are released later by Shutdown, on the role's
// own goroutine.
package lifecycle

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/sirupsen/logrus"
)

type State int32

const (
	Running State = iota
	ShuttingDown
	Terminated
)

func (s State) String() string {
	switch s {
	case Running:
		return "running"
	case ShuttingDown:
		return "shutting down"
	case Terminated:
		return "terminated"
	}
	return "unknown"
}

type resource struct {
	name    string
	release func() error
}

// Controller owns the stop flag and the guarded resources of one role.
type Controller struct {
	role   string
	state  atomic.Int32
	stop   atomic.Bool
	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	interrupters map[int]func()
	nextID       int
	resources    []resource

	sigCh        chan os.Signal
	shutdownOnce sync.Once
}

func New(parent context.Context, role string) *Controller {
	ctx, cancel := context.WithCancel(parent)
	return &Controller{
		role:         role,
		ctx:          ctx,
		cancel:       cancel,
		interrupters: make(map[int]func()),
	}
}

// Start subscribes to sig, or SIGINT and SIGTERM when none are given.
func (c *Controller) Start(sig ...os.Signal) {
	if len(sig) == 0 {
		sig = []os.Signal{os.Interrupt, syscall.SIGTERM}
	}
	c.sigCh = make(chan os.Signal, 1)
	signal.Notify(c.sigCh, sig...)

	go func() {
		for s := range c.sigCh {
			c.RequestStop(s.String())
		}
	}()
}

// RequestStop moves the controller to ShuttingDown. Only the first call has
// any effect.
func (c *Controller) RequestStop(reason string) {
	if !c.stop.CompareAndSwap(false, true) {
		return
	}
	c.state.CompareAndSwap(int32(Running), int32(ShuttingDown))
	logrus.Info("[ SHUTDOWN ] ", c.role, ": ", reason)
	c.cancel()

	c.mu.Lock()
	fns := make([]func(), 0, len(c.interrupters))
	for _, fn := range c.interrupters {
		fns = append(fns, fn)
	}
	c.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// Stopping reports whether a stop was requested.
func (c *Controller) Stopping() bool { return c.stop.Load() }

func (c *Controller) State() State { return State(c.state.Load()) }

// Context is cancelled when a stop is requested.
func (c *Controller) Context() context.Context { return c.ctx }

// OnInterrupt registers fn to run when a stop is requested, typically to
// unblock a pending read. If a stop was already requested fn runs now.
// The returned func unregisters it.
func (c *Controller) OnInterrupt(fn func()) (remove func()) {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.interrupters[id] = fn
	c.mu.Unlock()

	if c.Stopping() {
		fn()
	}

	return func() {
		c.mu.Lock()
		delete(c.interrupters, id)
		c.mu.Unlock()
	}
}

// Defer registers a resource to release on Shutdown. Resources are released
// in reverse registration order.
func (c *Controller) Defer(name string, release func() error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resources = append(c.resources, resource{name: name, release: release})
}

// Shutdown releases every registered resource once and moves the controller
// to Terminated. It returns the first release error.
func (c *Controller) Shutdown() (err error) {
	c.shutdownOnce.Do(func() {
		c.state.CompareAndSwap(int32(Running), int32(ShuttingDown))
		c.stop.Store(true)
		c.cancel()
		if c.sigCh != nil {
			signal.Stop(c.sigCh)
			close(c.sigCh)
		}

		c.mu.Lock()
		resources := c.resources
		c.resources = nil
		c.mu.Unlock()

		for i := len(resources) - 1; i >= 0; i-- {
			r := resources[i]
			if rerr := r.release(); rerr != nil {
				logrus.Warn("[ RELEASE_FAIL ] ", r.name, ": ", rerr)
				if err == nil {
					err = rerr
				}
				continue
			}
			logrus.Debug("[ RELEASE ] ", c.role, ": ", r.name)
		}

		c.state.Store(int32(Terminated))
	})
	return
}
