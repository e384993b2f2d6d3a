// Package daemon implements the build daemon: its state coordinator,
// per-connection command handling and self-expiration loop.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/eliteGoblin/buildd/internal/config"
	"github.com/eliteGoblin/buildd/internal/domain"
	"github.com/eliteGoblin/buildd/internal/metrics"
	"github.com/eliteGoblin/buildd/internal/policy"
	"github.com/eliteGoblin/buildd/internal/usecase"
)

// DaemonConfig holds daemon configuration.
type DaemonConfig struct {
	Version            string
	IdleTimeout        time.Duration // Used directly when the expiration loop is disabled
	ExpirationInterval time.Duration // How often to evaluate the expiration policy; 0 disables it
	ReadTimeout        time.Duration // How long a connection may take to send its command
	MetricsAddr        string        // Empty disables the /metrics endpoint
	Policy             policy.MasterConfig
}

// DefaultDaemonConfig returns default daemon configuration.
func DefaultDaemonConfig() DaemonConfig {
	cfg := config.DefaultConfig()
	return DaemonConfigFrom(&cfg, "dev")
}

// DaemonConfigFrom maps the user-facing configuration onto the daemon.
func DaemonConfigFrom(cfg *config.Config, version string) DaemonConfig {
	return DaemonConfig{
		Version:            version,
		IdleTimeout:        cfg.IdleTimeout.Duration,
		ExpirationInterval: cfg.ExpirationInterval.Duration,
		ReadTimeout:        cfg.ReadTimeout.Duration,
		MetricsAddr:        cfg.MetricsAddr,
		Policy: policy.MasterConfig{
			IdleTimeout:          cfg.IdleTimeout.Duration,
			DuplicateGrace:       cfg.DuplicateGrace.Duration,
			LowMemoryGrace:       cfg.LowMemoryGrace.Duration,
			MinFreeMemoryBytes:   cfg.MinFreeMemoryBytes,
			MinFreeMemoryRatio:   cfg.MinFreeMemoryRatio,
			MaxCompatibleDaemons: cfg.MaxCompatibleDaemons,
			EvictLRU:             cfg.EvictLRU,
			Health:               policy.DefaultHealthThresholds(),
		},
	}
}

// Deps are the daemon's collaborators.
type Deps struct {
	Registry    domain.DaemonRegistry
	Acceptor    domain.ConnectionAcceptor
	Executor    domain.BuildExecutor
	Processes   domain.ProcessManager
	Memory      domain.MemoryProbe  // Optional
	Health      policy.HealthSource // Optional
	Metrics     *metrics.Recorder   // Optional
	Fingerprint string
}

// Daemon owns the acceptor, the coordinator and the expiration loop.
type Daemon struct {
	config   DaemonConfig
	deps     Deps
	logger   *zap.Logger
	metrics  *metrics.Recorder
	uid      string
	startAt  time.Time
	updater  *registryUpdater
	strategy policy.Strategy

	coordinator *Coordinator

	// inflight counts commands past OnStartCommand; shutdown waits for them
	// to send their response before closing connections.
	inflight sync.WaitGroup

	stopOnce      sync.Once
	metricsServer *metrics.Server
}

// New creates a daemon. Call Start, then Run.
func New(cfg DaemonConfig, deps Deps, logger *zap.Logger) *Daemon {
	uid := uuid.NewString()
	logger = logger.With(zap.String("uid", uid))

	d := &Daemon{
		config:  cfg,
		deps:    deps,
		logger:  logger,
		metrics: deps.Metrics,
		uid:     uid,
		updater: newRegistryUpdater(deps.Registry, deps.Metrics, logger),
	}
	d.coordinator = NewCoordinator(d.activityHooks(), logger)
	d.strategy = policy.NewMaster(cfg.Policy, policy.MasterDeps{
		Activity: d.coordinator,
		Registry: deps.Registry,
		Self:     policy.Self{UID: uid, Fingerprint: deps.Fingerprint},
		Memory:   deps.Memory,
		Health:   deps.Health,
		Logger:   logger,
	})
	return d
}

// activityHooks counts in-flight commands around the registry updates. The
// count is raised under the coordinator lock, so it never races shutdown.
func (d *Daemon) activityHooks() ActivityHooks {
	hooks := d.updater.hooks()
	markBusy := hooks.OnStartActivity
	// The slot is held even when markBusy fails; the handler releases it
	// after replying with the failure.
	hooks.OnStartActivity = func() error {
		d.inflight.Add(1)
		return markBusy()
	}
	return hooks
}

// Start binds the listener and publishes this daemon in the registry.
func (d *Daemon) Start() error {
	addr, err := d.deps.Acceptor.Start(d.handle)
	if err != nil {
		return fmt.Errorf("failed to start listener: %w", err)
	}

	d.startAt = time.Now()
	info := domain.DaemonInfo{
		Address: addr,
		Context: domain.DaemonContext{
			UID:         d.uid,
			PID:         d.deps.Processes.GetCurrentPID(),
			StartedAt:   d.startAt,
			Fingerprint: d.deps.Fingerprint,
			Version:     d.config.Version,
			IdleTimeout: d.config.IdleTimeout.String(),
		},
		LastBusy: d.startAt,
	}
	if err := d.updater.onStart(info); err != nil {
		d.deps.Acceptor.Stop()
		return err
	}

	if d.config.MetricsAddr != "" {
		srv, err := metrics.Serve(d.config.MetricsAddr, d.metrics, d.logger)
		if err != nil {
			d.logger.Warn("metrics endpoint disabled", zap.Error(err))
		} else {
			d.metricsServer = srv
		}
	}

	d.metrics.State(domain.StateRunning)
	d.logger.Info("daemon started",
		zap.String("address", addr.String()),
		zap.Int("pid", info.Context.PID),
		zap.String("fingerprint", d.deps.Fingerprint))
	return nil
}

// Run blocks until the daemon stops, then unregisters it and closes the
// listener. Canceling ctx stops the daemon forcefully.
func (d *Daemon) Run(ctx context.Context) error {
	if _, err := usecase.PruneStale(d.deps.Registry, d.deps.Processes, d.logger); err != nil {
		d.logger.Warn("failed to prune stale registry entries", zap.Error(err))
	}

	g, gctx := errgroup.WithContext(ctx)
	runCtx, cancelRun := context.WithCancel(gctx)
	defer cancelRun()

	g.Go(func() error {
		defer cancelRun()
		return d.awaitStop(runCtx, ctx)
	})

	if d.config.ExpirationInterval > 0 {
		g.Go(func() error {
			d.expirationLoop(runCtx)
			return nil
		})
	}

	err := g.Wait()
	d.shutdown()
	return err
}

// awaitStop waits for the coordinator to stop. parent cancellation is an
// external interrupt and stops the daemon.
func (d *Daemon) awaitStop(ctx, parent context.Context) error {
	var err error
	if d.config.ExpirationInterval > 0 {
		err = d.coordinator.AwaitStop(ctx)
	} else {
		var timedOut bool
		timedOut, err = d.coordinator.AwaitStopOrIdleTimeout(ctx, d.config.IdleTimeout)
		if timedOut {
			d.metrics.Expiration(true)
			d.recordStop(fmt.Sprintf("after %s of inactivity", d.config.IdleTimeout), true)
		}
	}

	switch {
	case errors.Is(err, ErrBroken):
		d.Stop("daemon state coordinator broken")
		return nil
	case err != nil && parent.Err() != nil:
		d.Stop("interrupted")
		return nil
	}
	return err
}

func (d *Daemon) expirationLoop(ctx context.Context) {
	ticker := time.NewTicker(d.config.ExpirationInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.CheckExpiration()
		}
	}
}

// CheckExpiration evaluates the expiration policy once and acts on it. While
// a graceful stop is pending only an immediate result is acted on, which
// abandons the command the daemon was waiting for.
func (d *Daemon) CheckExpiration() policy.Result {
	state := d.coordinator.State()
	d.metrics.State(state)
	switch state {
	case domain.StateRunning, domain.StateBroken, domain.StateStopRequested:
	default:
		return policy.NotTriggered
	}

	result := d.strategy.Evaluate()
	if !result.Triggered {
		return result
	}
	if state == domain.StateStopRequested && result.Graceful {
		return policy.NotTriggered
	}

	d.logger.Info("daemon expiring",
		zap.String("reason", result.Reason),
		zap.Bool("graceful", result.Graceful))
	d.metrics.Expiration(result.Graceful)
	if result.Graceful {
		d.RequestStop(result.Reason)
	} else {
		d.Stop(result.Reason)
	}
	return result
}

// Stop stops immediately, abandoning any in-flight command.
func (d *Daemon) Stop(reason string) {
	d.recordStop(reason, false)
	d.coordinator.Stop()
}

// RequestStop stops once the current command, if any, has finished.
func (d *Daemon) RequestStop(reason string) {
	d.recordStop(reason, true)
	d.coordinator.RequestStop()
}

// AwaitStop blocks until the daemon is stopped or ctx ends.
func (d *Daemon) AwaitStop(ctx context.Context) error {
	return d.coordinator.AwaitStop(ctx)
}

// Address returns the listener address; zero before Start.
func (d *Daemon) Address() domain.Address {
	return d.updater.address()
}

// UID identifies this daemon in the registry.
func (d *Daemon) UID() string {
	return d.uid
}

// State returns the coordinator state.
func (d *Daemon) State() domain.DaemonState {
	return d.coordinator.State()
}

// recordStop stores the first stop reason as a stop event.
func (d *Daemon) recordStop(reason string, graceful bool) {
	d.stopOnce.Do(func() {
		d.updater.recordStop(domain.StopEvent{
			UID:       d.uid,
			Address:   d.Address(),
			Timestamp: time.Now(),
			Reason:    reason,
			Graceful:  graceful,
		})
	})
}

func (d *Daemon) shutdown() {
	d.updater.onStop()
	d.inflight.Wait()
	d.deps.Acceptor.Stop()

	if d.metricsServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := d.metricsServer.Shutdown(ctx); err != nil {
			d.logger.Warn("failed to stop metrics endpoint", zap.Error(err))
		}
	}

	d.metrics.State(domain.StateStopped)
	d.logger.Info("daemon stopped", zap.Duration("uptime", time.Since(d.startAt)))
}
