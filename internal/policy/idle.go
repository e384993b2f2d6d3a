package policy

import (
	"fmt"
	"time"
)

// IdleTimeout fires once the daemon has been idle longer than timeout.
// A busy daemon reports zero idle time and never fires.
type IdleTimeout struct {
	activity ActivitySource
	timeout  time.Duration
}

// NewIdleTimeout creates an idle timeout strategy.
func NewIdleTimeout(activity ActivitySource, timeout time.Duration) *IdleTimeout {
	return &IdleTimeout{activity: activity, timeout: timeout}
}

func (s *IdleTimeout) Evaluate() Result {
	idle := s.activity.IdleDuration()
	if idle > s.timeout {
		return Triggered(fmt.Sprintf("after being idle for %s", s.timeout), true)
	}
	return NotTriggered
}
