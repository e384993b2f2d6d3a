package daemon

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/eliteGoblin/buildd/internal/domain"
)

// ErrBroken is returned by the blocking waits once the coordinator is broken.
var ErrBroken = errors.New("daemon state coordinator is broken")

// ActivityHooks are the side effects run when the daemon turns busy or idle.
// They run under the coordinator lock; an error moves the daemon to Broken.
type ActivityHooks struct {
	OnStartActivity    func() error
	OnCompleteActivity func() error
}

// Coordinator serializes command execution and arbitrates shutdown.
//
// All state lives behind mu. Every transition closes changed and replaces it,
// which wakes every waiter at once; waiters re-check state after waking.
type Coordinator struct {
	mu      sync.Mutex
	changed chan struct{}

	state        domain.DaemonState
	label        string
	cancel       func()
	lastActivity time.Time

	hooks  ActivityHooks
	logger *zap.Logger
	now    func() time.Time
}

// NewCoordinator creates a coordinator in the Running state.
func NewCoordinator(hooks ActivityHooks, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Coordinator{
		changed: make(chan struct{}),
		state:   domain.StateRunning,
		hooks:   hooks,
		logger:  logger,
		now:     time.Now,
	}
	c.lastActivity = c.now()
	return c
}

// OnStartCommand claims the daemon for one command. It never blocks: it fails
// with *domain.UnavailableError or *domain.BusyError instead.
func (c *Coordinator) OnStartCommand(label string, cancel func()) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case domain.StateBroken, domain.StateStopRequested, domain.StateStopped:
		return &domain.UnavailableError{State: c.state}
	}
	if c.label != "" {
		return &domain.BusyError{Label: c.label}
	}

	c.label = label
	c.cancel = cancel
	c.touchLocked()

	if c.hooks.OnStartActivity != nil {
		if err := c.hooks.OnStartActivity(); err != nil {
			c.label = ""
			c.cancel = nil
			c.state = domain.StateBroken
			c.signalLocked()
			return fmt.Errorf("start activity for %s: %w", label, err)
		}
	}
	c.signalLocked()
	return nil
}

// OnFinishCommand releases the daemon after a command. When a stop was
// requested during the command, this performs the stop.
func (c *Coordinator) OnFinishCommand() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.label = ""
	c.cancel = nil
	c.touchLocked()

	switch c.state {
	case domain.StateRunning:
		if c.hooks.OnCompleteActivity != nil {
			if err := c.hooks.OnCompleteActivity(); err != nil {
				c.state = domain.StateBroken
				c.signalLocked()
				return fmt.Errorf("complete activity: %w", err)
			}
		}
		c.signalLocked()
	case domain.StateStopRequested:
		c.stopLocked()
	case domain.StateStopped:
	default:
		c.signalLocked()
	}
	return nil
}

// RequestStop stops gracefully: an idle daemon stops now, a busy one finishes
// its command first.
func (c *Coordinator) RequestStop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == domain.StateStopped || c.state == domain.StateStopRequested {
		return
	}
	if c.label != "" {
		c.logger.Info("stop requested, finishing current command", zap.String("command", c.label))
		c.state = domain.StateStopRequested
		c.signalLocked()
		return
	}
	c.stopLocked()
}

// Stop stops immediately, canceling the in-flight command if any. Idempotent.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopLocked()
}

func (c *Coordinator) stopLocked() {
	if c.state == domain.StateStopped {
		return
	}
	if c.cancel != nil {
		c.logger.Warn("abandoning in-flight command", zap.String("command", c.label))
		c.cancel()
		c.cancel = nil
	}
	c.state = domain.StateStopped
	c.signalLocked()
}

// AwaitStop blocks until the coordinator is Stopped or ctx ends.
func (c *Coordinator) AwaitStop(ctx context.Context) error {
	for {
		c.mu.Lock()
		if c.state == domain.StateStopped {
			c.mu.Unlock()
			return nil
		}
		changed := c.changed
		c.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// AwaitStopOrIdleTimeout blocks until the coordinator stops, or until it has
// been idle for longer than timeout, in which case it stops the coordinator
// and reports timedOut. A broken coordinator returns ErrBroken.
func (c *Coordinator) AwaitStopOrIdleTimeout(ctx context.Context, timeout time.Duration) (timedOut bool, err error) {
	for {
		c.mu.Lock()
		var wait time.Duration // 0 waits for the next transition only
		switch c.state {
		case domain.StateStopped:
			c.mu.Unlock()
			return false, nil
		case domain.StateBroken:
			c.mu.Unlock()
			return false, ErrBroken
		case domain.StateRunning:
			if c.label == "" {
				idle := c.idleLocked()
				if idle > timeout {
					c.logger.Info("idle timeout reached", zap.Duration("idle", idle))
					c.stopLocked()
					c.mu.Unlock()
					return true, nil
				}
				wait = timeout - idle + time.Millisecond
			}
		}
		changed := c.changed
		c.mu.Unlock()

		var (
			timer    *time.Timer
			deadline <-chan time.Time
		)
		if wait > 0 {
			timer = time.NewTimer(wait)
			deadline = timer.C
		}
		select {
		case <-changed:
		case <-deadline:
		case <-ctx.Done():
			err = ctx.Err()
		}
		if timer != nil {
			timer.Stop()
		}
		if err != nil {
			return false, err
		}
	}
}

// State returns the current state.
func (c *Coordinator) State() domain.DaemonState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsBusy reports whether a command holds the daemon.
func (c *Coordinator) IsBusy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.label != ""
}

// CurrentCommand returns the label of the executing command, or "".
func (c *Coordinator) CurrentCommand() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.label
}

// IdleDuration is the time since the last activity; zero while busy.
func (c *Coordinator) IdleDuration() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.label != "" {
		return 0
	}
	return c.idleLocked()
}

func (c *Coordinator) idleLocked() time.Duration {
	idle := c.now().Sub(c.lastActivity)
	if idle < 0 {
		return 0
	}
	return idle
}

// touchLocked never moves the activity timestamp backwards.
func (c *Coordinator) touchLocked() {
	if now := c.now(); now.After(c.lastActivity) {
		c.lastActivity = now
	}
}

func (c *Coordinator) signalLocked() {
	close(c.changed)
	c.changed = make(chan struct{})
}
