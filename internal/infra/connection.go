package infra

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eliteGoblin/buildd/internal/domain"
)

// maxCommandBytes caps a single command so a bad client cannot exhaust memory.
const maxCommandBytes = 16 << 20

// SocketConnection implements domain.Connection over a stream socket carrying
// one JSON command and at most one JSON response.
type SocketConnection struct {
	conn       net.Conn
	dispatched atomic.Bool
	closeOnce  sync.Once
	closeErr   error
}

// NewSocketConnection wraps an accepted net.Conn.
func NewSocketConnection(conn net.Conn) *SocketConnection {
	return &SocketConnection{conn: conn}
}

// Receive reads and validates the single command.
func (c *SocketConnection) Receive(timeout time.Duration) (*domain.Command, error) {
	if timeout > 0 {
		if err := c.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrProtocol, err)
		}
	}

	var cmd domain.Command
	dec := json.NewDecoder(io.LimitReader(c.conn, maxCommandBytes))
	if err := dec.Decode(&cmd); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: connection closed before a command was sent", domain.ErrProtocol)
		}
		return nil, fmt.Errorf("%w: %v", domain.ErrProtocol, err)
	}
	if err := ValidateCommand(cmd); err != nil {
		return nil, err
	}
	return &cmd, nil
}

// Dispatch writes the response. Only the first call writes; any later or
// concurrent call fails with domain.ErrConcurrentDispatch.
func (c *SocketConnection) Dispatch(resp domain.Response) error {
	if !c.dispatched.CompareAndSwap(false, true) {
		return domain.ErrConcurrentDispatch
	}
	if err := json.NewEncoder(c.conn).Encode(resp); err != nil {
		return fmt.Errorf("failed to send response: %w", err)
	}
	return nil
}

// Close closes the underlying socket once.
func (c *SocketConnection) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

// RemoteAddr describes the peer.
func (c *SocketConnection) RemoteAddr() string {
	if addr := c.conn.RemoteAddr(); addr != nil && addr.String() != "" {
		return addr.String()
	}
	return "local"
}

// ValidateCommand rejects commands the daemon cannot act on.
func ValidateCommand(cmd domain.Command) error {
	switch cmd.Type {
	case domain.CommandStop:
		return nil
	case domain.CommandBuild:
		if cmd.Build == nil || len(cmd.Build.Args) == 0 {
			return fmt.Errorf("%w: build command without arguments", domain.ErrProtocol)
		}
		return nil
	case "":
		return fmt.Errorf("%w: command type missing", domain.ErrProtocol)
	default:
		return fmt.Errorf("%w: unknown command type %q", domain.ErrProtocol, cmd.Type)
	}
}

// Ensure SocketConnection implements domain.Connection.
var _ domain.Connection = (*SocketConnection)(nil)
