// Package domain contains core business entities and interfaces.
// This is the innermost layer - no external dependencies.
package domain

import (
	"fmt"
	"time"
)

// DaemonState is the lifecycle state owned by the state coordinator.
type DaemonState int

const (
	StateRunning DaemonState = iota
	StateStopRequested
	StateStopped
	StateBroken
)

func (s DaemonState) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateStopRequested:
		return "stop-requested"
	case StateStopped:
		return "stopped"
	case StateBroken:
		return "broken"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Address is the endpoint a daemon listens on. It is written into the
// registry so clients can discover the daemon.
type Address struct {
	Network string `json:"network"` // "tcp" or "unix"
	Addr    string `json:"addr"`
}

func (a Address) String() string {
	return a.Network + "://" + a.Addr
}

// IsZero reports whether the address is unset.
func (a Address) IsZero() bool {
	return a.Network == "" && a.Addr == ""
}

// DaemonContext describes the process behind a registry entry.
type DaemonContext struct {
	UID         string    `json:"uid"`
	PID         int       `json:"pid"`
	StartedAt   time.Time `json:"started_at"`
	Fingerprint string    `json:"fingerprint"` // Compatibility fingerprint
	Version     string    `json:"version,omitempty"`
	IdleTimeout string    `json:"idle_timeout,omitempty"`
}

// DaemonInfo is one registry entry: a daemon's address, context and busy state.
type DaemonInfo struct {
	Address  Address       `json:"address"`
	Context  DaemonContext `json:"context"`
	Busy     bool          `json:"busy"`
	LastBusy time.Time     `json:"last_busy"`
}

// StopEvent records why a daemon left service.
type StopEvent struct {
	UID       string    `json:"uid"`
	Address   Address   `json:"address"`
	Timestamp time.Time `json:"timestamp"`
	Reason    string    `json:"reason"`
	Graceful  bool      `json:"graceful"`
}

// CommandType tags a Command.
type CommandType string

const (
	CommandBuild CommandType = "build"
	CommandStop  CommandType = "stop"
)

// BuildRequest is the opaque build payload. The default executor runs Args
// as a process in Dir with Env appended to the daemon environment.
type BuildRequest struct {
	Args []string `json:"args"`
	Dir  string   `json:"dir,omitempty"`
	Env  []string `json:"env,omitempty"`
}

// Command is the single value a client sends on a connection.
type Command struct {
	Type  CommandType   `json:"type"`
	ID    string        `json:"id,omitempty"`
	Build *BuildRequest `json:"build,omitempty"`
}

// Label identifies the command while it holds the daemon.
func (c Command) Label() string {
	if c.Type == CommandBuild && c.Build != nil && len(c.Build.Args) > 0 {
		return fmt.Sprintf("build %s (id %s)", c.Build.Args[0], c.ID)
	}
	return fmt.Sprintf("%s (id %s)", c.Type, c.ID)
}

// ResponseType tags a Response.
type ResponseType string

const (
	ResponseComplete ResponseType = "complete"
	ResponseBusy     ResponseType = "busy"
	ResponseFailure  ResponseType = "failure"
)

// BuildResult is the opaque result carried by a Complete response.
type BuildResult struct {
	ExitCode   int    `json:"exit_code"`
	Output     string `json:"output,omitempty"`
	DurationMs int64  `json:"duration_ms"`
}

// Response is the at-most-one value the daemon sends back.
type Response struct {
	Type   ResponseType `json:"type"`
	Result *BuildResult `json:"result,omitempty"` // Complete; nil for Stop
	Label  string       `json:"label,omitempty"`  // Busy: current command label
	Error  string       `json:"error,omitempty"`  // Failure

	// Unavailable marks a Failure caused by the daemon's state rather than
	// the command; the client may try a different daemon.
	Unavailable bool `json:"unavailable,omitempty"`
}

// CompleteResponse wraps a result (nil allowed).
func CompleteResponse(result *BuildResult) Response {
	return Response{Type: ResponseComplete, Result: result}
}

// BusyResponse reports the command currently holding the daemon.
func BusyResponse(label string) Response {
	return Response{Type: ResponseBusy, Label: label}
}

// FailureResponse describes an error to the client.
func FailureResponse(err error) Response {
	return Response{Type: ResponseFailure, Error: err.Error(), Unavailable: IsUnavailable(err)}
}
