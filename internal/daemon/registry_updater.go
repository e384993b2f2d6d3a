package daemon

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/eliteGoblin/buildd/internal/domain"
	"github.com/eliteGoblin/buildd/internal/metrics"
)

// registryUpdater keeps this daemon's registry entry in step with the
// coordinator. A missing entry is never an error: another process may have
// pruned it.
type registryUpdater struct {
	registry domain.DaemonRegistry
	metrics  *metrics.Recorder
	logger   *zap.Logger

	mu   sync.Mutex
	addr domain.Address
}

func newRegistryUpdater(registry domain.DaemonRegistry, recorder *metrics.Recorder, logger *zap.Logger) *registryUpdater {
	return &registryUpdater{registry: registry, metrics: recorder, logger: logger}
}

func (u *registryUpdater) address() domain.Address {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.addr
}

// onStart publishes the entry and remembers its address.
func (u *registryUpdater) onStart(info domain.DaemonInfo) error {
	u.mu.Lock()
	u.addr = info.Address
	u.mu.Unlock()

	if err := u.registry.Store(info); err != nil {
		return fmt.Errorf("failed to register daemon at %s: %w", info.Address, err)
	}
	return nil
}

func (u *registryUpdater) onStartActivity() error {
	u.metrics.Busy(true)
	return u.tolerate("mark busy", u.registry.MarkBusy(u.address()))
}

func (u *registryUpdater) onCompleteActivity() error {
	u.metrics.Busy(false)
	return u.tolerate("mark idle", u.registry.MarkIdle(u.address()))
}

// onStop removes the entry. Failures are logged only.
func (u *registryUpdater) onStop() {
	addr := u.address()
	if addr.IsZero() {
		return
	}
	if err := u.tolerate("remove", u.registry.Remove(addr)); err != nil {
		u.logger.Warn("failed to remove daemon from registry", zap.Error(err))
	}
}

func (u *registryUpdater) recordStop(event domain.StopEvent) {
	if err := u.registry.StoreStopEvent(event); err != nil {
		u.logger.Warn("failed to record stop event", zap.Error(err))
	}
}

func (u *registryUpdater) tolerate(op string, err error) error {
	if errors.Is(err, domain.ErrRegistryEmpty) {
		u.logger.Debug("registry entry already gone", zap.String("op", op))
		return nil
	}
	if err != nil {
		return fmt.Errorf("registry %s: %w", op, err)
	}
	return nil
}

// hooks adapts the updater to the coordinator's activity hooks.
func (u *registryUpdater) hooks() ActivityHooks {
	return ActivityHooks{
		OnStartActivity:    u.onStartActivity,
		OnCompleteActivity: u.onCompleteActivity,
	}
}
