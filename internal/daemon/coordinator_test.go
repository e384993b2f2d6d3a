package daemon

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/eliteGoblin/buildd/internal/domain"
)

// fakeClock is a manually advanced clock
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func newTestCoordinator(hooks ActivityHooks) (*Coordinator, *fakeClock) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	c := NewCoordinator(hooks, zap.NewNop())
	c.now = clock.Now
	c.lastActivity = clock.Now()
	return c, clock
}

func TestCoordinator_StartFinish(t *testing.T) {
	var started, completed int
	c, clock := newTestCoordinator(ActivityHooks{
		OnStartActivity:    func() error { started++; return nil },
		OnCompleteActivity: func() error { completed++; return nil },
	})

	clock.Advance(time.Minute)
	assert.Equal(t, time.Minute, c.IdleDuration())

	require.NoError(t, c.OnStartCommand("build a", nil))
	assert.True(t, c.IsBusy())
	assert.Equal(t, "build a", c.CurrentCommand())
	assert.Zero(t, c.IdleDuration(), "busy daemon is never idle")

	clock.Advance(time.Second)
	require.NoError(t, c.OnFinishCommand())
	assert.False(t, c.IsBusy())
	assert.Zero(t, c.IdleDuration(), "finish updates the activity timestamp")

	assert.Equal(t, 1, started)
	assert.Equal(t, 1, completed)
	assert.Equal(t, domain.StateRunning, c.State())
}

func TestCoordinator_StartWhileBusy(t *testing.T) {
	c, _ := newTestCoordinator(ActivityHooks{})
	require.NoError(t, c.OnStartCommand("build a", nil))

	err := c.OnStartCommand("build b", nil)
	require.Error(t, err)
	var busy *domain.BusyError
	require.ErrorAs(t, err, &busy)
	assert.Equal(t, "build a", busy.Label)
	assert.Equal(t, "build a", c.CurrentCommand(), "rejected start leaves the label alone")
}

func TestCoordinator_StartWhenUnavailable(t *testing.T) {
	tests := []struct {
		name  string
		setup func(c *Coordinator)
		want  domain.DaemonState
	}{
		{
			name:  "stopped",
			setup: func(c *Coordinator) { c.Stop() },
			want:  domain.StateStopped,
		},
		{
			name: "stop requested",
			setup: func(c *Coordinator) {
				_ = c.OnStartCommand("build a", nil)
				c.RequestStop()
			},
			want: domain.StateStopRequested,
		},
		{
			name: "broken",
			setup: func(c *Coordinator) {
				c.hooks.OnCompleteActivity = func() error { return errors.New("disk full") }
				_ = c.OnStartCommand("build a", nil)
				_ = c.OnFinishCommand()
			},
			want: domain.StateBroken,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := newTestCoordinator(ActivityHooks{})
			tt.setup(c)
			require.Equal(t, tt.want, c.State())

			err := c.OnStartCommand("build b", nil)
			var unavailable *domain.UnavailableError
			require.ErrorAs(t, err, &unavailable)
			assert.Equal(t, tt.want, unavailable.State)
			assert.False(t, domain.IsBusy(err))
		})
	}
}

func TestCoordinator_StartHookFailureBreaks(t *testing.T) {
	c, _ := newTestCoordinator(ActivityHooks{
		OnStartActivity: func() error { return errors.New("registry exploded") },
	})

	err := c.OnStartCommand("build a", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "registry exploded")
	assert.Equal(t, domain.StateBroken, c.State())
	assert.False(t, c.IsBusy())

	// An explicit stop still moves Broken to Stopped.
	c.Stop()
	assert.Equal(t, domain.StateStopped, c.State())
}

func TestCoordinator_RequestStopWhileBusyWaitsForFinish(t *testing.T) {
	var canceled atomic.Bool
	var completed atomic.Bool
	c, _ := newTestCoordinator(ActivityHooks{
		OnCompleteActivity: func() error { completed.Store(true); return nil },
	})

	require.NoError(t, c.OnStartCommand("build a", func() { canceled.Store(true) }))
	c.RequestStop()
	assert.Equal(t, domain.StateStopRequested, c.State())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, c.AwaitStop(ctx), context.DeadlineExceeded, "must not stop before the command finishes")

	stopped := make(chan struct{})
	go func() {
		_ = c.AwaitStop(context.Background())
		close(stopped)
	}()

	require.NoError(t, c.OnFinishCommand())
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("finish did not drive the stop")
	}
	assert.Equal(t, domain.StateStopped, c.State())
	assert.False(t, canceled.Load(), "graceful stop never cancels the command")
	assert.False(t, completed.Load(), "mark-idle is skipped once stopping")
}

func TestCoordinator_RequestStopWhenIdle(t *testing.T) {
	c, _ := newTestCoordinator(ActivityHooks{})
	c.RequestStop()
	assert.Equal(t, domain.StateStopped, c.State())
}

func TestCoordinator_StopCancelsInFlightCommand(t *testing.T) {
	c, _ := newTestCoordinator(ActivityHooks{})
	var canceled int
	require.NoError(t, c.OnStartCommand("build a", func() { canceled++ }))

	c.Stop()
	c.Stop()
	assert.Equal(t, domain.StateStopped, c.State())
	assert.Equal(t, 1, canceled)

	// A late finish from the abandoned command is a no-op.
	require.NoError(t, c.OnFinishCommand())
	assert.Equal(t, domain.StateStopped, c.State())
}

func TestCoordinator_ConcurrentStop(t *testing.T) {
	c, _ := newTestCoordinator(ActivityHooks{})
	var cancels atomic.Int32
	require.NoError(t, c.OnStartCommand("build a", func() { cancels.Add(1) }))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Stop()
		}()
	}
	wg.Wait()

	assert.Equal(t, domain.StateStopped, c.State())
	assert.Equal(t, int32(1), cancels.Load())
}

func TestCoordinator_AwaitStopOrIdleTimeout(t *testing.T) {
	c := NewCoordinator(ActivityHooks{}, zap.NewNop())

	start := time.Now()
	timedOut, err := c.AwaitStopOrIdleTimeout(context.Background(), 30*time.Millisecond)
	require.NoError(t, err)
	assert.True(t, timedOut)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
	assert.Equal(t, domain.StateStopped, c.State())
}

func TestCoordinator_AwaitStopOrIdleTimeout_BusyDoesNotTimeOut(t *testing.T) {
	c := NewCoordinator(ActivityHooks{}, zap.NewNop())
	require.NoError(t, c.OnStartCommand("build a", nil))

	result := make(chan bool, 1)
	go func() {
		timedOut, _ := c.AwaitStopOrIdleTimeout(context.Background(), 10*time.Millisecond)
		result <- timedOut
	}()

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, domain.StateRunning, c.State(), "busy daemon must not idle out")

	c.RequestStop()
	require.NoError(t, c.OnFinishCommand())
	select {
	case timedOut := <-result:
		assert.False(t, timedOut)
	case <-time.After(time.Second):
		t.Fatal("wait did not return after stop")
	}
}

func TestCoordinator_AwaitStopOrIdleTimeout_Broken(t *testing.T) {
	c := NewCoordinator(ActivityHooks{
		OnStartActivity: func() error { return errors.New("boom") },
	}, zap.NewNop())
	require.Error(t, c.OnStartCommand("build a", nil))

	_, err := c.AwaitStopOrIdleTimeout(context.Background(), time.Hour)
	assert.ErrorIs(t, err, ErrBroken)
}

func TestCoordinator_AwaitStopOrIdleTimeout_ContextCanceled(t *testing.T) {
	c := NewCoordinator(ActivityHooks{}, zap.NewNop())
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := c.AwaitStopOrIdleTimeout(ctx, time.Hour)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, domain.StateRunning, c.State())
}

func TestCoordinator_ActivityTimestampIsMonotonic(t *testing.T) {
	c, clock := newTestCoordinator(ActivityHooks{})
	clock.Advance(time.Minute)
	require.NoError(t, c.OnStartCommand("build a", nil))

	// Clock steps backwards; finish must not rewind the activity timestamp.
	clock.Advance(-time.Hour)
	require.NoError(t, c.OnFinishCommand())
	assert.Zero(t, c.IdleDuration())

	clock.Advance(time.Hour + 10*time.Second)
	assert.Equal(t, 10*time.Second, c.IdleDuration())
}

func TestCoordinator_SingleCommandUnderConcurrency(t *testing.T) {
	c := NewCoordinator(ActivityHooks{}, zap.NewNop())

	var active, maxActive, accepted atomic.Int32
	var wg sync.WaitGroup
	for w := 0; w < 16; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				if err := c.OnStartCommand("stress", nil); err != nil {
					assert.True(t, domain.IsBusy(err), "only busy rejections expected: %v", err)
					runtime.Gosched()
					continue
				}
				n := active.Add(1)
				for {
					m := maxActive.Load()
					if n <= m || maxActive.CompareAndSwap(m, n) {
						break
					}
				}
				accepted.Add(1)
				runtime.Gosched()
				active.Add(-1)
				assert.NoError(t, c.OnFinishCommand())
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxActive.Load(), "at most one command may hold the daemon")
	assert.Positive(t, accepted.Load())
	assert.False(t, c.IsBusy())
}
