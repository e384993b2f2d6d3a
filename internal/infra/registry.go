package infra

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/eliteGoblin/buildd/internal/domain"
)

const (
	registryFileName = "registry.json"

	// maxStopEvents bounds the stop history kept in the registry.
	maxStopEvents = 100
)

// registryState is the on-disk layout of the file registry.
type registryState struct {
	Version    int                 `json:"version"`
	Daemons    []domain.DaemonInfo `json:"daemons"`
	StopEvents []domain.StopEvent  `json:"stop_events,omitempty"`
}

// FileRegistry implements domain.DaemonRegistry with a JSON file.
// Every read-modify-write runs under an exclusive file lock so sibling
// daemons and clients never lose each other's updates.
type FileRegistry struct {
	path string
	mu   sync.Mutex // goroutines; lock covers other processes
	lock *flock.Flock
	now  func() time.Time
}

// NewFileRegistry creates a file registry inside dir.
func NewFileRegistry(dir string) (domain.DaemonRegistry, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create registry directory: %w", err)
	}
	return NewFileRegistryWithPath(filepath.Join(dir, registryFileName)), nil
}

// NewFileRegistryWithPath creates a registry at a specific path (for testing).
func NewFileRegistryWithPath(path string) *FileRegistry {
	return &FileRegistry{
		path: path,
		lock: flock.New(path + ".lock"),
		now:  time.Now,
	}
}

// GetRegistryPath returns the registry file path.
func (r *FileRegistry) GetRegistryPath() string {
	return r.path
}

// Store adds or replaces the entry for info.Address.
func (r *FileRegistry) Store(info domain.DaemonInfo) error {
	return r.update(func(state *registryState) error {
		if info.LastBusy.IsZero() {
			info.LastBusy = r.now()
		}
		for i := range state.Daemons {
			if state.Daemons[i].Address == info.Address {
				state.Daemons[i] = info
				return nil
			}
		}
		state.Daemons = append(state.Daemons, info)
		return nil
	})
}

// MarkBusy flags the entry busy.
func (r *FileRegistry) MarkBusy(addr domain.Address) error {
	return r.setBusy(addr, true)
}

// MarkIdle flags the entry idle.
func (r *FileRegistry) MarkIdle(addr domain.Address) error {
	return r.setBusy(addr, false)
}

func (r *FileRegistry) setBusy(addr domain.Address, busy bool) error {
	return r.update(func(state *registryState) error {
		for i := range state.Daemons {
			if state.Daemons[i].Address == addr {
				state.Daemons[i].Busy = busy
				state.Daemons[i].LastBusy = r.now()
				return nil
			}
		}
		return domain.ErrRegistryEmpty
	})
}

// Remove deletes the entry for addr.
func (r *FileRegistry) Remove(addr domain.Address) error {
	return r.update(func(state *registryState) error {
		for i := range state.Daemons {
			if state.Daemons[i].Address == addr {
				state.Daemons = append(state.Daemons[:i], state.Daemons[i+1:]...)
				return nil
			}
		}
		return domain.ErrRegistryEmpty
	})
}

// GetAll returns every registered daemon.
func (r *FileRegistry) GetAll() ([]domain.DaemonInfo, error) {
	state, err := r.snapshot()
	if err != nil {
		return nil, err
	}
	return state.Daemons, nil
}

// GetIdle returns the registered daemons that are not busy.
func (r *FileRegistry) GetIdle() ([]domain.DaemonInfo, error) {
	all, err := r.GetAll()
	if err != nil {
		return nil, err
	}
	var idle []domain.DaemonInfo
	for _, d := range all {
		if !d.Busy {
			idle = append(idle, d)
		}
	}
	return idle, nil
}

// StoreStopEvent appends a stop event, dropping the oldest past the cap.
func (r *FileRegistry) StoreStopEvent(event domain.StopEvent) error {
	return r.update(func(state *registryState) error {
		state.StopEvents = append(state.StopEvents, event)
		if n := len(state.StopEvents); n > maxStopEvents {
			state.StopEvents = state.StopEvents[n-maxStopEvents:]
		}
		return nil
	})
}

// GetStopEvents returns recorded stop events, oldest first.
func (r *FileRegistry) GetStopEvents() ([]domain.StopEvent, error) {
	state, err := r.snapshot()
	if err != nil {
		return nil, err
	}
	return state.StopEvents, nil
}

// CheckAccess verifies the registry directory and file are usable.
func (r *FileRegistry) CheckAccess() error {
	dir := filepath.Dir(r.path)
	info, err := os.Stat(dir)
	if err != nil {
		return fmt.Errorf("registry directory: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("registry directory %s is not a directory", dir)
	}

	f, err := os.OpenFile(r.path, os.O_RDONLY, 0)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			// Not written yet; the directory must accept new files.
			probe, err := os.CreateTemp(dir, ".access-*")
			if err != nil {
				return fmt.Errorf("registry directory not writable: %w", err)
			}
			name := probe.Name()
			probe.Close()
			return os.Remove(name)
		}
		return fmt.Errorf("registry file: %w", err)
	}
	return f.Close()
}

// snapshot reads the registry under a shared lock.
func (r *FileRegistry) snapshot() (*registryState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.lock.RLock(); err != nil {
		return nil, fmt.Errorf("failed to acquire registry lock: %w", err)
	}
	defer func() { _ = r.lock.Unlock() }()
	return r.read()
}

// update runs fn on the current state under an exclusive lock and persists
// the result. Nothing is written when fn fails.
func (r *FileRegistry) update(fn func(state *registryState) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.lock.Lock(); err != nil {
		return fmt.Errorf("failed to acquire registry lock: %w", err)
	}
	defer func() { _ = r.lock.Unlock() }()

	state, err := r.read()
	if err != nil {
		return err
	}
	if err := fn(state); err != nil {
		return err
	}
	return r.atomicWrite(state)
}

func (r *FileRegistry) read() (*registryState, error) {
	data, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return &registryState{Version: 1}, nil
		}
		return nil, err
	}

	var state registryState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("corrupt registry %s: %w", r.path, err)
	}
	return &state, nil
}

// atomicWrite writes registry to file atomically (write + rename).
func (r *FileRegistry) atomicWrite(state *registryState) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}

	// Write to temp file first (unique per process to avoid race)
	tmpPath := fmt.Sprintf("%s.%d.tmp", r.path, os.Getpid())
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return err
	}

	if err := os.Rename(tmpPath, r.path); err != nil {
		os.Remove(tmpPath) // Clean up on failure
		return err
	}
	return nil
}

// Ensure FileRegistry implements domain.DaemonRegistry.
var _ domain.DaemonRegistry = (*FileRegistry)(nil)
