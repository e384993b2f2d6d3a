package usecase

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/eliteGoblin/buildd/internal/domain"
	"github.com/eliteGoblin/buildd/internal/infra"
)

const testFingerprint = "fp-test"

// mockSender answers Send from a per-address table and records calls.
type mockSender struct {
	mu        sync.Mutex
	responses map[domain.Address]*domain.Response
	errs      map[domain.Address]error
	sent      []domain.Address
}

func newMockSender() *mockSender {
	return &mockSender{
		responses: make(map[domain.Address]*domain.Response),
		errs:      make(map[domain.Address]error),
	}
}

func (m *mockSender) Send(_ context.Context, addr domain.Address, _ domain.Command) (*domain.Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, addr)
	if err, ok := m.errs[addr]; ok {
		return nil, err
	}
	if resp, ok := m.responses[addr]; ok {
		return resp, nil
	}
	return nil, &infra.DialError{Address: addr, Err: errors.New("connection refused")}
}

func (m *mockSender) set(addr domain.Address, resp domain.Response) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses[addr] = &resp
}

func (m *mockSender) calls() []domain.Address {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.Address(nil), m.sent...)
}

// mockProcessManager implements domain.ProcessManager for testing
type mockProcessManager struct {
	running map[int]bool
	self    int
}

func (m *mockProcessManager) IsRunning(pid int) bool { return m.running[pid] }
func (m *mockProcessManager) GetCurrentPID() int     { return m.self }

func newTestRegistry(t *testing.T) domain.DaemonRegistry {
	t.Helper()
	return infra.NewFileRegistryWithPath(filepath.Join(t.TempDir(), "registry.json"))
}

func tcpAddr(port string) domain.Address {
	return domain.Address{Network: "tcp", Addr: "127.0.0.1:" + port}
}

func storeDaemon(t *testing.T, reg domain.DaemonRegistry, port, uid, fingerprint string, busy bool, lastBusy time.Time) domain.DaemonInfo {
	t.Helper()
	info := domain.DaemonInfo{
		Address:  tcpAddr(port),
		Context:  domain.DaemonContext{UID: uid, PID: 1000, Fingerprint: fingerprint},
		Busy:     busy,
		LastBusy: lastBusy,
	}
	require.NoError(t, reg.Store(info))
	return info
}
