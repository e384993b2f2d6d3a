package policy

import (
	"time"

	"go.uber.org/zap"

	"github.com/eliteGoblin/buildd/internal/domain"
)

// MasterConfig holds the policy constants for the master strategy.
type MasterConfig struct {
	IdleTimeout          time.Duration
	DuplicateGrace       time.Duration
	LowMemoryGrace       time.Duration
	MinFreeMemoryBytes   uint64
	MinFreeMemoryRatio   float64
	MaxCompatibleDaemons int  // 0 disables the capacity cap
	EvictLRU             bool // Expire the least recently used daemon of all
	Health               HealthThresholds
}

// MasterDeps are the signal sources the master strategy reads.
type MasterDeps struct {
	Activity ActivitySource
	Registry RegistryReader
	Self     Self
	Memory   domain.MemoryProbe // nil leaves LowMemory out
	Health   HealthSource       // nil disables runtime health checks
	Logger   *zap.Logger
}

// NewMaster composes the expiration policy:
//
//	Any(HealthDegradation,
//	    DuplicateIdle(grace),                 // All(IdleTimeout(grace), NotMostRecentlyUsed)
//	    IdleTimeout(normal),
//	    All(IdleTimeout(grace), NotMostRecentlyUsed, LowMemory),
//	    [All(IdleTimeout(grace), NotRecentlyUsedBeyondCount(n-1))],
//	    [All(IdleTimeout(grace), LeastRecentlyUsed)],
//	    RegistryUnavailable)
func NewMaster(cfg MasterConfig, deps MasterDeps) Strategy {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	strategies := []Strategy{
		NewHealthDegradation(deps.Health, deps.Activity, cfg.Health),
		NewDuplicateIdle(deps.Activity, deps.Registry, deps.Self, cfg.DuplicateGrace),
		NewIdleTimeout(deps.Activity, cfg.IdleTimeout),
	}

	if deps.Memory != nil {
		lowMemory, err := NewLowMemory(deps.Memory, cfg.MinFreeMemoryBytes, cfg.MinFreeMemoryRatio)
		if err != nil {
			logger.Warn("low memory expiration disabled", zap.Error(err))
		} else {
			strategies = append(strategies, All(
				NewIdleTimeout(deps.Activity, cfg.LowMemoryGrace),
				NewNotMostRecentlyUsed(deps.Registry, deps.Self),
				lowMemory,
			))
		}
	}

	if cfg.MaxCompatibleDaemons > 0 {
		strategies = append(strategies, All(
			NewIdleTimeout(deps.Activity, cfg.DuplicateGrace),
			NewNotRecentlyUsedBeyondCount(deps.Registry, deps.Self, cfg.MaxCompatibleDaemons-1),
		))
	}

	if cfg.EvictLRU {
		strategies = append(strategies, All(
			NewIdleTimeout(deps.Activity, cfg.DuplicateGrace),
			NewLeastRecentlyUsed(deps.Registry, deps.Self),
		))
	}

	strategies = append(strategies, NewRegistryUnavailable(deps.Registry))
	return Any(strategies...)
}
