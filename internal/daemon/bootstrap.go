package daemon

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"
)

// StartDaemon spawns `buildd run` as a new detached process.
// The daemon is detached from the parent process (runs independently).
func StartDaemon(configPath string) error {
	executable, err := os.Executable()
	if err != nil {
		return err
	}

	cmd := spawnCommand(executable, configPath)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to spawn daemon: %w", err)
	}
	// The child outlives us; nothing will Wait for it here.
	return cmd.Process.Release()
}

func spawnCommand(executable, configPath string) *exec.Cmd {
	args := []string{"run"}
	if configPath != "" {
		args = append(args, "--config", configPath)
	}
	cmd := exec.Command(executable, args...)

	// Detach from parent process
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setsid: true, // Create new session (detach from terminal)
	}

	// No stdin/stdout/stderr - fully detached; the daemon logs to its file
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil
	return cmd
}
