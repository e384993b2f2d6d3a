package domain

import (
	"context"
	"time"
)

// ProcessManager handles OS process operations.
// Implementation: uses gopsutil for cross-platform support.
type ProcessManager interface {
	// IsRunning checks if a PID exists and is running.
	IsRunning(pid int) bool

	// GetCurrentPID returns the current process PID.
	GetCurrentPID() int
}

// DaemonRegistry is the shared, cross-process record of daemons.
// Implementations: JSON file guarded by a file lock, or SQLCipher database.
//
// MarkBusy, MarkIdle and Remove return ErrRegistryEmpty when the entry is
// missing; callers must treat that as non-fatal.
type DaemonRegistry interface {
	// Store adds or replaces the entry for info.Address.
	Store(info DaemonInfo) error

	// MarkBusy flags the entry busy and bumps its last-busy timestamp.
	MarkBusy(addr Address) error

	// MarkIdle flags the entry idle and bumps its last-busy timestamp.
	MarkIdle(addr Address) error

	// Remove deletes the entry for addr.
	Remove(addr Address) error

	// GetAll returns every registered daemon.
	GetAll() ([]DaemonInfo, error)

	// GetIdle returns the registered daemons that are not busy.
	GetIdle() ([]DaemonInfo, error)

	// StoreStopEvent appends a stop event.
	StoreStopEvent(event StopEvent) error

	// GetStopEvents returns recorded stop events, oldest first.
	GetStopEvents() ([]StopEvent, error)

	// CheckAccess verifies the backing location is still readable and writable.
	CheckAccess() error

	// GetRegistryPath returns the backing file path (for status and tests).
	GetRegistryPath() string
}

// MemoryProbe reports system memory.
type MemoryProbe interface {
	// Available returns free-for-use and total system memory in bytes.
	Available() (free uint64, total uint64, err error)
}

// BuildExecutor runs one accepted build. It must return when ctx is canceled.
type BuildExecutor interface {
	Execute(ctx context.Context, req BuildRequest) (*BuildResult, error)
}

// KeyProvider abstracts the source of encryption keys.
type KeyProvider interface {
	// GetKey returns the encryption key bytes.
	GetKey() ([]byte, error)

	// StoreKey persists a new encryption key.
	StoreKey(key []byte) error

	// KeyExists checks if a key has been generated.
	KeyExists() bool
}

// Connection carries exactly one command and at most one response.
type Connection interface {
	// Receive reads the single command, waiting at most timeout.
	Receive(timeout time.Duration) (*Command, error)

	// Dispatch writes the response. A second or concurrent call fails with
	// ErrConcurrentDispatch.
	Dispatch(resp Response) error

	// Close releases the connection. Safe to call more than once.
	Close() error

	// RemoteAddr describes the peer for logging.
	RemoteAddr() string
}

// ConnectionAcceptor listens for clients and hands each connection to a handler.
type ConnectionAcceptor interface {
	// Start begins accepting and returns the bound address.
	Start(handler func(Connection)) (Address, error)

	// Stop closes the listener and active connections, then waits for handlers.
	Stop()
}
