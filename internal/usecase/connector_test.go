package usecase

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/eliteGoblin/buildd/internal/domain"
)

func testConnectorConfig() ConnectorConfig {
	return ConnectorConfig{
		Fingerprint:  testFingerprint,
		SpawnTimeout: time.Second,
		PollInterval: 10 * time.Millisecond,
	}
}

func buildCmd() domain.Command {
	return domain.Command{Type: domain.CommandBuild, ID: "c1", Build: &domain.BuildRequest{Args: []string{"make"}}}
}

func TestConnector_PrefersIdleMostRecentlyUsed(t *testing.T) {
	reg := newTestRegistry(t)
	now := time.Now()
	storeDaemon(t, reg, "1001", "a", testFingerprint, true, now)
	older := storeDaemon(t, reg, "1002", "b", testFingerprint, false, now.Add(-time.Hour))
	newer := storeDaemon(t, reg, "1003", "c", testFingerprint, false, now.Add(-time.Minute))

	sender := newMockSender()
	for _, d := range []domain.DaemonInfo{older, newer} {
		sender.set(d.Address, domain.CompleteResponse(&domain.BuildResult{Output: d.Context.UID}))
	}

	resp, d, err := NewConnector(testConnectorConfig(), reg, sender, nil, zap.NewNop()).Execute(context.Background(), buildCmd())
	require.NoError(t, err)
	assert.Equal(t, "c", d.Context.UID)
	assert.Equal(t, "c", resp.Result.Output)
	assert.Equal(t, []domain.Address{newer.Address}, sender.calls())
}

func TestConnector_SkipsIncompatible(t *testing.T) {
	reg := newTestRegistry(t)
	other := storeDaemon(t, reg, "1001", "a", "fp-other", false, time.Now())

	sender := newMockSender()
	sender.set(other.Address, domain.CompleteResponse(nil))

	_, _, err := NewConnector(testConnectorConfig(), reg, sender, nil, zap.NewNop()).Execute(context.Background(), buildCmd())
	assert.ErrorIs(t, err, domain.ErrNoDaemon)
	assert.Empty(t, sender.calls(), "daemons with a different fingerprint are never contacted")
}

func TestConnector_FallsThroughBusyAndUnavailable(t *testing.T) {
	reg := newTestRegistry(t)
	now := time.Now()
	busy := storeDaemon(t, reg, "1001", "a", testFingerprint, false, now)
	stopping := storeDaemon(t, reg, "1002", "b", testFingerprint, false, now.Add(-time.Second))
	free := storeDaemon(t, reg, "1003", "c", testFingerprint, false, now.Add(-time.Minute))

	sender := newMockSender()
	sender.set(busy.Address, domain.BusyResponse("build make (id x)"))
	sender.set(stopping.Address, domain.FailureResponse(&domain.UnavailableError{State: domain.StateStopRequested}))
	sender.set(free.Address, domain.CompleteResponse(nil))

	_, d, err := NewConnector(testConnectorConfig(), reg, sender, nil, zap.NewNop()).Execute(context.Background(), buildCmd())
	require.NoError(t, err)
	assert.Equal(t, "c", d.Context.UID)
	assert.Len(t, sender.calls(), 3)
}

func TestConnector_CommandFailureIsReturned(t *testing.T) {
	reg := newTestRegistry(t)
	d := storeDaemon(t, reg, "1001", "a", testFingerprint, false, time.Now())

	sender := newMockSender()
	sender.set(d.Address, domain.FailureResponse(errors.New("compiler crashed")))

	resp, _, err := NewConnector(testConnectorConfig(), reg, sender, nil, zap.NewNop()).Execute(context.Background(), buildCmd())
	require.NoError(t, err)
	assert.Equal(t, domain.ResponseFailure, resp.Type)
	assert.Equal(t, "compiler crashed", resp.Error)
}

func TestConnector_RemovesUnreachable(t *testing.T) {
	reg := newTestRegistry(t)
	storeDaemon(t, reg, "1001", "a", testFingerprint, false, time.Now())

	_, _, err := NewConnector(testConnectorConfig(), reg, newMockSender(), nil, zap.NewNop()).Execute(context.Background(), buildCmd())
	assert.ErrorIs(t, err, domain.ErrNoDaemon)

	all, err := reg.GetAll()
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestConnector_TransportErrorAborts(t *testing.T) {
	reg := newTestRegistry(t)
	d := storeDaemon(t, reg, "1001", "a", testFingerprint, false, time.Now())

	sender := newMockSender()
	sender.errs[d.Address] = errors.New("connection reset")

	_, _, err := NewConnector(testConnectorConfig(), reg, sender, nil, zap.NewNop()).Execute(context.Background(), buildCmd())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")

	all, _ := reg.GetAll()
	assert.Len(t, all, 1, "only dial failures remove an entry")
}

func TestConnector_SpawnsWhenNoneAvailable(t *testing.T) {
	reg := newTestRegistry(t)
	now := time.Now()
	busy := storeDaemon(t, reg, "1001", "a", testFingerprint, true, now)

	sender := newMockSender()
	sender.set(busy.Address, domain.BusyResponse("build make (id x)"))
	fresh := tcpAddr("1002")
	sender.set(fresh, domain.CompleteResponse(&domain.BuildResult{Output: "fresh"}))

	spawned := 0
	spawn := func() error {
		spawned++
		go func() {
			time.Sleep(30 * time.Millisecond)
			storeDaemon(t, reg, "1002", "b", testFingerprint, false, time.Now())
		}()
		return nil
	}

	resp, d, err := NewConnector(testConnectorConfig(), reg, sender, spawn, zap.NewNop()).Execute(context.Background(), buildCmd())
	require.NoError(t, err)
	assert.Equal(t, 1, spawned)
	assert.Equal(t, fresh, d.Address)
	assert.Equal(t, "fresh", resp.Result.Output)
}

func TestConnector_SpawnFailures(t *testing.T) {
	t.Run("spawn error", func(t *testing.T) {
		spawn := func() error { return errors.New("exec format error") }
		_, _, err := NewConnector(testConnectorConfig(), newTestRegistry(t), newMockSender(), spawn, zap.NewNop()).
			Execute(context.Background(), buildCmd())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to start daemon")
	})

	t.Run("never registers", func(t *testing.T) {
		cfg := testConnectorConfig()
		cfg.SpawnTimeout = 50 * time.Millisecond
		spawn := func() error { return nil }
		_, _, err := NewConnector(cfg, newTestRegistry(t), newMockSender(), spawn, zap.NewNop()).
			Execute(context.Background(), buildCmd())
		assert.ErrorIs(t, err, domain.ErrNoDaemon)
	})
}
