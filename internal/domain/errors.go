package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrRegistryEmpty means the entry was already removed by someone else.
	// Callers treat it as benign.
	ErrRegistryEmpty = errors.New("daemon registry entry not found")

	// ErrConcurrentDispatch is a programming error: two dispatches on one connection.
	ErrConcurrentDispatch = errors.New("concurrent dispatch on connection")

	// ErrProtocol marks a malformed or absent command.
	ErrProtocol = errors.New("protocol failure")

	// ErrNoDaemon is returned by the connector when no daemon accepted the command.
	ErrNoDaemon = errors.New("no compatible daemon available")
)

// BusyError is returned when a command is requested while another executes.
type BusyError struct {
	Label string
}

func (e *BusyError) Error() string {
	return fmt.Sprintf("daemon is busy running %q", e.Label)
}

// UnavailableError is a structural rejection; the client must not retry here.
type UnavailableError struct {
	State DaemonState
}

func (e *UnavailableError) Error() string {
	switch e.State {
	case StateBroken:
		return "daemon is broken and will not accept commands"
	case StateStopRequested:
		return "daemon is stopping and will not accept commands"
	case StateStopped:
		return "daemon has stopped"
	default:
		return fmt.Sprintf("daemon unavailable (%s)", e.State)
	}
}

// IsBusy reports whether err is a BusyError.
func IsBusy(err error) bool {
	var b *BusyError
	return errors.As(err, &b)
}

// IsUnavailable reports whether err is an UnavailableError.
func IsUnavailable(err error) bool {
	var u *UnavailableError
	return errors.As(err, &u)
}
