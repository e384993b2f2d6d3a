package infra

import (
	"os"
	"os/user"
	"path/filepath"
)

// ExecMode represents whether daemons run for one user or system-wide.
type ExecMode string

const (
	// ExecModeUser keeps daemon state under the invoking user's home
	ExecModeUser ExecMode = "user"
	// ExecModeSystem keeps daemon state under /var/lib (running as root)
	ExecModeSystem ExecMode = "system"
)

// ExecModeConfig holds paths derived from the execution mode.
type ExecModeConfig struct {
	Mode    ExecMode
	DataDir string // Registry, key, log and config live here
	IsRoot  bool
}

// DetectExecMode determines the execution mode based on effective UID.
func DetectExecMode() *ExecModeConfig {
	if os.Geteuid() == 0 && os.Getenv("SUDO_USER") == "" {
		return &ExecModeConfig{
			Mode:    ExecModeSystem,
			DataDir: "/var/lib/buildd",
			IsRoot:  true,
		}
	}
	return GetUserModeConfig()
}

// GetUserModeConfig returns user mode config regardless of current euid.
// Under sudo the invoking user's home is used so sudo builds reach the same daemons.
func GetUserModeConfig() *ExecModeConfig {
	return &ExecModeConfig{
		Mode:    ExecModeUser,
		DataDir: filepath.Join(GetRealUserHome(), ".buildd"),
		IsRoot:  os.Geteuid() == 0,
	}
}

// RegistryDir is the default registry directory.
func (c *ExecModeConfig) RegistryDir() string {
	return filepath.Join(c.DataDir, "registry")
}

// SocketDir holds one unix socket per daemon.
func (c *ExecModeConfig) SocketDir() string {
	return filepath.Join(c.DataDir, "sockets")
}

// LogPath is the default daemon log file.
func (c *ExecModeConfig) LogPath() string {
	return filepath.Join(c.DataDir, "buildd.log")
}

// ConfigPath is the default TOML config file.
func (c *ExecModeConfig) ConfigPath() string {
	return filepath.Join(c.DataDir, "buildd.toml")
}

// String returns a human-readable description of the mode.
func (m ExecMode) String() string {
	switch m {
	case ExecModeSystem:
		return "system (root)"
	case ExecModeUser:
		return "user"
	default:
		return "unknown"
	}
}

// GetRealUserHome returns the real user's home directory, even when running under sudo.
func GetRealUserHome() string {
	if sudoUser := os.Getenv("SUDO_USER"); sudoUser != "" {
		if u, err := user.Lookup(sudoUser); err == nil {
			return u.HomeDir
		}
	}
	home, _ := os.UserHomeDir()
	return home
}
