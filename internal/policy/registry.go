package policy

import (
	"fmt"
	"time"

	"github.com/eliteGoblin/buildd/internal/domain"
)

// recency is the effective last-use time; a busy daemon is in use right now.
func recency(d domain.DaemonInfo, now time.Time) time.Time {
	if d.Busy {
		return now
	}
	return d.LastBusy
}

// moreRecent reports whether a was used more recently than b.
// Ties are broken by UID so the ordering never depends on map or file order.
func moreRecent(a, b domain.DaemonInfo, now time.Time) bool {
	ra, rb := recency(a, now), recency(b, now)
	if !ra.Equal(rb) {
		return ra.After(rb)
	}
	return a.Context.UID < b.Context.UID
}

func compatible(entries []domain.DaemonInfo, fingerprint string) []domain.DaemonInfo {
	out := make([]domain.DaemonInfo, 0, len(entries))
	for _, e := range entries {
		if e.Context.Fingerprint == fingerprint {
			out = append(out, e)
		}
	}
	return out
}

func find(entries []domain.DaemonInfo, uid string) (domain.DaemonInfo, bool) {
	for _, e := range entries {
		if e.Context.UID == uid {
			return e, true
		}
	}
	return domain.DaemonInfo{}, false
}

// mostRecentlyUsed returns the most recently used entry of a non-empty slice.
func mostRecentlyUsed(entries []domain.DaemonInfo, now time.Time) domain.DaemonInfo {
	best := entries[0]
	for _, e := range entries[1:] {
		if moreRecent(e, best, now) {
			best = e
		}
	}
	return best
}

// notMRUAmongIdleCompatible is shared by DuplicateIdle and NotMostRecentlyUsed.
func notMRUAmongIdleCompatible(registry RegistryReader, self Self, now time.Time) bool {
	idle, err := registry.GetIdle()
	if err != nil {
		return false
	}
	candidates := compatible(idle, self.Fingerprint)
	if len(candidates) <= 1 {
		return false
	}
	if _, ok := find(candidates, self.UID); !ok {
		return false
	}
	return mostRecentlyUsed(candidates, now).Context.UID != self.UID
}

// DuplicateIdle fires when other compatible daemons are idle, this daemon is
// not the most recently used of them, and it has itself been idle past grace.
type DuplicateIdle struct {
	activity ActivitySource
	registry RegistryReader
	self     Self
	grace    time.Duration
	now      func() time.Time
}

// NewDuplicateIdle creates the duplicate-capacity strategy.
func NewDuplicateIdle(activity ActivitySource, registry RegistryReader, self Self, grace time.Duration) *DuplicateIdle {
	return &DuplicateIdle{activity: activity, registry: registry, self: self, grace: grace, now: time.Now}
}

func (s *DuplicateIdle) Evaluate() Result {
	if s.activity.IdleDuration() <= s.grace {
		return NotTriggered
	}
	if notMRUAmongIdleCompatible(s.registry, s.self, s.now()) {
		return Triggered("after other compatible daemons were started", true)
	}
	return NotTriggered
}

// NotMostRecentlyUsed fires whenever this daemon is not the most recently
// used compatible idle daemon. Combine it with an IdleTimeout through All.
type NotMostRecentlyUsed struct {
	registry RegistryReader
	self     Self
	now      func() time.Time
}

// NewNotMostRecentlyUsed creates the strict MRU strategy.
func NewNotMostRecentlyUsed(registry RegistryReader, self Self) *NotMostRecentlyUsed {
	return &NotMostRecentlyUsed{registry: registry, self: self, now: time.Now}
}

func (s *NotMostRecentlyUsed) Evaluate() Result {
	if notMRUAmongIdleCompatible(s.registry, s.self, s.now()) {
		return Triggered("not the most recently used compatible daemon", true)
	}
	return NotTriggered
}

// NotRecentlyUsedBeyondCount caps compatible capacity: it fires when more
// than n compatible daemons were used more recently than this one.
type NotRecentlyUsedBeyondCount struct {
	registry RegistryReader
	self     Self
	n        int
	now      func() time.Time
}

// NewNotRecentlyUsedBeyondCount creates the capacity strategy.
func NewNotRecentlyUsedBeyondCount(registry RegistryReader, self Self, n int) *NotRecentlyUsedBeyondCount {
	return &NotRecentlyUsedBeyondCount{registry: registry, self: self, n: n, now: time.Now}
}

func (s *NotRecentlyUsedBeyondCount) Evaluate() Result {
	all, err := s.registry.GetAll()
	if err != nil {
		return NotTriggered
	}
	candidates := compatible(all, s.self.Fingerprint)
	me, ok := find(candidates, s.self.UID)
	if !ok || me.Busy {
		return NotTriggered
	}
	now := s.now()
	newer := 0
	for _, e := range candidates {
		if e.Context.UID != me.Context.UID && moreRecent(e, me, now) {
			newer++
		}
	}
	if newer > s.n {
		return Triggered(fmt.Sprintf("after %d more recently used compatible daemons exceeded capacity", newer), true)
	}
	return NotTriggered
}

// LeastRecentlyUsed fires when this daemon is the least recently used of all
// registered daemons, compatible or not. It never fires for a sole daemon.
type LeastRecentlyUsed struct {
	registry RegistryReader
	self     Self
	now      func() time.Time
}

// NewLeastRecentlyUsed creates the LRU-among-all strategy.
func NewLeastRecentlyUsed(registry RegistryReader, self Self) *LeastRecentlyUsed {
	return &LeastRecentlyUsed{registry: registry, self: self, now: time.Now}
}

func (s *LeastRecentlyUsed) Evaluate() Result {
	all, err := s.registry.GetAll()
	if err != nil || len(all) <= 1 {
		return NotTriggered
	}
	me, ok := find(all, s.self.UID)
	if !ok || me.Busy {
		return NotTriggered
	}
	now := s.now()
	for _, e := range all {
		if e.Context.UID != me.Context.UID && moreRecent(me, e, now) {
			return NotTriggered
		}
	}
	return Triggered("as the least recently used daemon", true)
}

// RegistryUnavailable fires when the registry's backing location can no
// longer be read or written.
type RegistryUnavailable struct {
	registry RegistryReader
}

// NewRegistryUnavailable creates the registry safety net.
func NewRegistryUnavailable(registry RegistryReader) *RegistryUnavailable {
	return &RegistryUnavailable{registry: registry}
}

func (s *RegistryUnavailable) Evaluate() Result {
	if err := s.registry.CheckAccess(); err != nil {
		return Triggered(fmt.Sprintf("after the daemon registry became unreadable: %v", err), true)
	}
	return NotTriggered
}
