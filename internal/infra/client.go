package infra

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/eliteGoblin/buildd/internal/domain"
)

// ErrNoResponse means the daemon closed the connection without replying,
// which happens when a forceful stop abandons the command.
var ErrNoResponse = errors.New("daemon closed the connection without a response")

// DaemonClient sends single commands to daemons.
type DaemonClient struct {
	dialTimeout time.Duration
}

// NewDaemonClient creates a client with the given dial timeout.
func NewDaemonClient(dialTimeout time.Duration) *DaemonClient {
	if dialTimeout <= 0 {
		dialTimeout = 2 * time.Second
	}
	return &DaemonClient{dialTimeout: dialTimeout}
}

// Send connects to addr, writes cmd and waits for the response until ctx ends.
// Dial failures are returned wrapped so callers can tell an unreachable
// daemon from one that rejected the command.
func (c *DaemonClient) Send(ctx context.Context, addr domain.Address, cmd domain.Command) (*domain.Response, error) {
	dialer := net.Dialer{Timeout: c.dialTimeout}
	conn, err := dialer.DialContext(ctx, addr.Network, addr.Addr)
	if err != nil {
		return nil, &DialError{Address: addr, Err: err}
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	// Unblock the read if ctx is canceled without a deadline.
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
	defer stop()

	if err := json.NewEncoder(conn).Encode(cmd); err != nil {
		return nil, fmt.Errorf("failed to send command to %s: %w", addr, err)
	}

	var resp domain.Response
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrNoResponse
		}
		return nil, fmt.Errorf("failed to read response from %s: %w", addr, err)
	}
	return &resp, nil
}

// DialError reports a daemon that could not be reached.
type DialError struct {
	Address domain.Address
	Err     error
}

func (e *DialError) Error() string {
	return fmt.Sprintf("cannot reach daemon at %s: %v", e.Address, e.Err)
}

func (e *DialError) Unwrap() error { return e.Err }

// IsUnreachable reports whether err came from failing to connect.
func IsUnreachable(err error) bool {
	var d *DialError
	return errors.As(err, &d)
}
