// Package policy implements the Strategy pattern for daemon expiration.
// Each strategy inspects observable daemon state and decides whether the
// daemon should leave service; strategies never perform the exit themselves.
package policy

import (
	"strings"
	"time"

	"github.com/eliteGoblin/buildd/internal/domain"
)

// Result describes whether an expiration strategy fired and why.
// It is a value type and never mutated after construction.
type Result struct {
	Triggered bool
	Graceful  bool // Finish the current command before stopping
	Reason    string
}

// NotTriggered is the zero result.
var NotTriggered = Result{}

// Triggered builds a fired result.
func Triggered(reason string, graceful bool) Result {
	return Result{Triggered: true, Graceful: graceful, Reason: reason}
}

// Strategy is a predicate over observable daemon state.
type Strategy interface {
	Evaluate() Result
}

// Func adapts a plain function to Strategy.
type Func func() Result

func (f Func) Evaluate() Result { return f() }

// ActivitySource exposes the coordinator's idle time and lifecycle state.
type ActivitySource interface {
	IdleDuration() time.Duration
	State() domain.DaemonState
}

// RegistryReader is the read-only view of the daemon registry used by strategies.
type RegistryReader interface {
	GetAll() ([]domain.DaemonInfo, error)
	GetIdle() ([]domain.DaemonInfo, error)
	CheckAccess() error
}

// Self identifies the evaluating daemon inside the registry.
type Self struct {
	UID         string
	Fingerprint string
}

type anyStrategy struct {
	strategies []Strategy
}

// Any returns the first triggered result in list order.
func Any(strategies ...Strategy) Strategy {
	return &anyStrategy{strategies: strategies}
}

func (a *anyStrategy) Evaluate() Result {
	for _, s := range a.strategies {
		if r := s.Evaluate(); r.Triggered {
			return r
		}
	}
	return NotTriggered
}

type allStrategy struct {
	strategies []Strategy
}

// All fires only when every child fires. The reasons are joined and the
// result is graceful only if every child is graceful.
func All(strategies ...Strategy) Strategy {
	return &allStrategy{strategies: strategies}
}

func (a *allStrategy) Evaluate() Result {
	if len(a.strategies) == 0 {
		return NotTriggered
	}
	reasons := make([]string, 0, len(a.strategies))
	graceful := true
	for _, s := range a.strategies {
		r := s.Evaluate()
		if !r.Triggered {
			return NotTriggered
		}
		if r.Reason != "" {
			reasons = append(reasons, r.Reason)
		}
		graceful = graceful && r.Graceful
	}
	return Triggered(strings.Join(reasons, " and "), graceful)
}
