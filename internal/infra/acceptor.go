package infra

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/eliteGoblin/buildd/internal/domain"
)

// SocketAcceptor implements domain.ConnectionAcceptor on a loopback TCP port
// or a unix socket. Each connection is handled on its own goroutine so the
// accept loop never blocks on a build.
//
// For "unix" the address is a directory shared by every daemon of the same
// configuration; each acceptor binds its own uniquely named socket in it.
type SocketAcceptor struct {
	network string
	addr    string
	socket  string // Bound unix socket path
	logger  *zap.Logger

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	stopped  bool
	wg       sync.WaitGroup
}

// NewSocketAcceptor creates an acceptor for network "tcp" (a loopback
// host:port) or "unix" (a socket directory).
func NewSocketAcceptor(network, addr string, logger *zap.Logger) *SocketAcceptor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SocketAcceptor{
		network: network,
		addr:    addr,
		logger:  logger,
		conns:   make(map[net.Conn]struct{}),
	}
}

// Start binds the listener and begins accepting connections.
func (a *SocketAcceptor) Start(handler func(domain.Connection)) (domain.Address, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.listener != nil {
		return domain.Address{}, errors.New("acceptor already started")
	}

	bind := a.addr
	switch a.network {
	case "tcp":
		if err := requireLoopbackHost(a.addr); err != nil {
			return domain.Address{}, err
		}
	case "unix":
		if err := os.MkdirAll(a.addr, 0700); err != nil {
			return domain.Address{}, fmt.Errorf("create socket directory: %w", err)
		}
		bind = filepath.Join(a.addr, socketName())
	default:
		return domain.Address{}, fmt.Errorf("unsupported network %q", a.network)
	}

	listener, err := net.Listen(a.network, bind)
	if err != nil {
		return domain.Address{}, fmt.Errorf("listen on %s://%s: %w", a.network, bind, err)
	}
	if a.network == "unix" {
		if err := os.Chmod(bind, 0600); err != nil {
			listener.Close()
			return domain.Address{}, fmt.Errorf("restrict socket permissions: %w", err)
		}
		a.socket = bind
	}
	a.listener = listener

	bound := domain.Address{Network: a.network, Addr: listener.Addr().String()}
	a.logger.Debug("acceptor listening", zap.String("address", bound.String()))

	a.wg.Add(1)
	go a.acceptLoop(listener, handler)
	return bound, nil
}

func (a *SocketAcceptor) acceptLoop(listener net.Listener, handler func(domain.Connection)) {
	defer a.wg.Done()
	for {
		conn, err := listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			a.logger.Warn("accept failed", zap.Error(err))
			continue
		}

		if !a.track(conn) {
			conn.Close()
			return
		}
		go func(c net.Conn) {
			defer a.wg.Done()
			defer a.untrack(c)
			wrapped := NewSocketConnection(c)
			defer wrapped.Close()
			handler(wrapped)
		}(conn)
	}
}

// track registers conn and reserves a worker slot. It fails once stopped.
func (a *SocketAcceptor) track(conn net.Conn) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stopped {
		return false
	}
	a.conns[conn] = struct{}{}
	a.wg.Add(1)
	return true
}

func (a *SocketAcceptor) untrack(conn net.Conn) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.conns, conn)
}

// Stop closes the listener and every open connection, then waits for the
// handlers to return.
func (a *SocketAcceptor) Stop() {
	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return
	}
	a.stopped = true
	if a.listener != nil {
		_ = a.listener.Close()
	}
	for conn := range a.conns {
		_ = conn.Close()
	}
	a.mu.Unlock()

	a.wg.Wait()
	if a.socket != "" {
		if err := RemoveSocket(a.socket); err != nil {
			a.logger.Warn("failed to remove socket", zap.String("socket", a.socket), zap.Error(err))
		}
	}
}

// RemoveSocket deletes a unix socket file. A missing file is not an error.
func RemoveSocket(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// socketName keeps the path well under the sun_path limit.
func socketName() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:16] + ".sock"
}

// ActiveConnections reports how many connections are being handled.
func (a *SocketAcceptor) ActiveConnections() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.conns)
}

func requireLoopbackHost(addr string) error {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("invalid listen address %q: %w", addr, err)
	}
	if host == "localhost" {
		return nil
	}
	ip := net.ParseIP(host)
	if ip == nil || !ip.IsLoopback() {
		return fmt.Errorf("refusing to listen on non-loopback address %s", addr)
	}
	return nil
}

// Ensure SocketAcceptor implements domain.ConnectionAcceptor.
var _ domain.ConnectionAcceptor = (*SocketAcceptor)(nil)
