// Package usecase contains application logic that sits between the daemon
// core and the outside world: running builds and finding daemons.
package usecase

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/eliteGoblin/buildd/internal/domain"
)

// DefaultMaxOutput caps captured build output; the tail is kept.
const DefaultMaxOutput = 1 << 20

// ProcessExecutor implements domain.BuildExecutor by running the requested
// command line as a child process.
type ProcessExecutor struct {
	logger    *zap.Logger
	maxOutput int
	waitDelay time.Duration
}

// NewProcessExecutor creates the default build delegate.
func NewProcessExecutor(logger *zap.Logger) domain.BuildExecutor {
	return &ProcessExecutor{
		logger:    logger,
		maxOutput: DefaultMaxOutput,
		waitDelay: 5 * time.Second,
	}
}

// Execute runs req. A non-zero exit is a result, not an error; errors mean
// the command could not run or was canceled.
func (e *ProcessExecutor) Execute(ctx context.Context, req domain.BuildRequest) (*domain.BuildResult, error) {
	if len(req.Args) == 0 {
		return nil, errors.New("empty build command")
	}

	cmd := exec.CommandContext(ctx, req.Args[0], req.Args[1:]...)
	cmd.Dir = req.Dir
	cmd.Env = append(os.Environ(), req.Env...)
	cmd.WaitDelay = e.waitDelay

	out := &tailBuffer{limit: e.maxOutput}
	cmd.Stdout = out
	cmd.Stderr = out

	start := time.Now()
	e.logger.Debug("build starting", zap.Strings("args", req.Args), zap.String("dir", req.Dir))
	err := cmd.Run()
	duration := time.Since(start)

	if ctx.Err() != nil {
		return nil, fmt.Errorf("build canceled after %s: %w", duration.Round(time.Millisecond), ctx.Err())
	}

	result := &domain.BuildResult{
		Output:     out.String(),
		DurationMs: duration.Milliseconds(),
	}
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, fmt.Errorf("failed to run %s: %w", req.Args[0], err)
		}
		result.ExitCode = exitErr.ExitCode()
	}

	e.logger.Info("build finished",
		zap.String("command", req.Args[0]),
		zap.Int("exit_code", result.ExitCode),
		zap.Duration("duration", duration))
	return result, nil
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := len(p)
	b.buf.Write(p)
	if over := b.buf.Len() - b.limit; b.limit > 0 && over > 0 {
		b.buf.Next(over)
		b.truncated = true
	}
	return n, nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.truncated {
		return "[output truncated]\n" + b.buf.String()
	}
	return b.buf.String()
}

// Ensure ProcessExecutor implements domain.BuildExecutor.
var _ domain.BuildExecutor = (*ProcessExecutor)(nil)
