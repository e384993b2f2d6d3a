package daemon

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/eliteGoblin/buildd/internal/domain"
	"github.com/eliteGoblin/buildd/internal/metrics"
)

// handle serves one connection: one command in, at most one response out.
// It runs on its own goroutine per connection.
func (d *Daemon) handle(conn domain.Connection) {
	defer conn.Close()

	cmd, err := conn.Receive(d.config.ReadTimeout)
	if err != nil {
		d.logger.Warn("dropping connection", zap.String("remote", conn.RemoteAddr()), zap.Error(err))
		d.metrics.Command(metrics.OutcomeProtocol)
		return
	}

	log := d.logger.With(zap.String("command", cmd.Label()), zap.String("remote", conn.RemoteAddr()))

	if cmd.Type == domain.CommandStop {
		d.metrics.Command(metrics.OutcomeStop)
		d.dispatch(log, conn, domain.CompleteResponse(nil))
		log.Info("stop command received")
		d.Stop("stop command received")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := d.coordinator.OnStartCommand(cmd.Label(), cancel); err != nil {
		switch {
		case domain.IsBusy(err):
			var busy *domain.BusyError
			errors.As(err, &busy)
			d.metrics.Command(metrics.OutcomeBusy)
			d.dispatch(log, conn, domain.BusyResponse(busy.Label))
		case domain.IsUnavailable(err):
			d.metrics.Command(metrics.OutcomeUnavailable)
			d.dispatch(log, conn, domain.FailureResponse(err))
		default:
			log.Error("daemon broken while starting command", zap.Error(err))
			d.metrics.Command(metrics.OutcomeFailure)
			d.dispatch(log, conn, domain.FailureResponse(err))
			d.inflight.Done()
		}
		d.metrics.State(d.coordinator.State())
		return
	}
	defer d.inflight.Done()

	result, execErr := d.deps.Executor.Execute(ctx, *cmd.Build)

	// Release the daemon before replying so a client that immediately sends
	// its next command finds it idle.
	if err := d.coordinator.OnFinishCommand(); err != nil {
		log.Error("daemon broken while finishing command", zap.Error(err))
	}
	d.metrics.State(d.coordinator.State())

	if ctx.Err() != nil {
		// Abandoned by a forceful stop: the client sees the connection close.
		log.Warn("command abandoned", zap.Error(execErr))
		d.metrics.Command(metrics.OutcomeFailure)
		return
	}
	if execErr != nil {
		log.Warn("build failed", zap.Error(execErr))
		d.metrics.Command(metrics.OutcomeFailure)
		d.dispatch(log, conn, domain.FailureResponse(execErr))
		return
	}
	d.metrics.Command(metrics.OutcomeComplete)
	d.dispatch(log, conn, domain.CompleteResponse(result))
}

func (d *Daemon) dispatch(log *zap.Logger, conn domain.Connection, resp domain.Response) {
	if err := conn.Dispatch(resp); err != nil {
		log.Warn("failed to send response", zap.String("type", string(resp.Type)), zap.Error(err))
	}
}
