package usecase

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/eliteGoblin/buildd/internal/domain"
	"github.com/eliteGoblin/buildd/internal/infra"
)

// PruneStale removes registry entries whose process is gone, along with their
// unix sockets. The calling process is never pruned. It returns how many
// entries were removed.
func PruneStale(registry domain.DaemonRegistry, pm domain.ProcessManager, logger *zap.Logger) (int, error) {
	all, err := registry.GetAll()
	if err != nil {
		return 0, err
	}

	self := pm.GetCurrentPID()
	removed := 0
	for _, d := range all {
		if d.Context.PID == self || pm.IsRunning(d.Context.PID) {
			continue
		}
		err := registry.Remove(d.Address)
		switch {
		case err == nil:
			removed++
			logger.Info("pruned stale daemon entry",
				zap.String("address", d.Address.String()),
				zap.Int("pid", d.Context.PID))
			if d.Address.Network == "unix" {
				if err := infra.RemoveSocket(d.Address.Addr); err != nil {
					logger.Warn("failed to remove stale socket", zap.String("socket", d.Address.Addr), zap.Error(err))
				}
			}
		case errors.Is(err, domain.ErrRegistryEmpty):
			logger.Debug("stale entry already removed", zap.String("address", d.Address.String()))
		default:
			return removed, err
		}
	}
	return removed, nil
}

// StopSummary reports the outcome of StopAll.
type StopSummary struct {
	Stopped     int
	Unreachable int
	Failed      int
}

// StopAll sends Stop to every registered daemon. Unreachable daemons are
// removed from the registry.
func StopAll(ctx context.Context, registry domain.DaemonRegistry, sender CommandSender, logger *zap.Logger) (StopSummary, error) {
	var summary StopSummary

	all, err := registry.GetAll()
	if err != nil {
		return summary, err
	}

	for _, d := range all {
		log := logger.With(zap.String("daemon", d.Address.String()))
		resp, err := sender.Send(ctx, d.Address, domain.Command{Type: domain.CommandStop})
		switch {
		case err == nil && resp.Type == domain.ResponseComplete:
			summary.Stopped++
		case err != nil && infra.IsUnreachable(err):
			summary.Unreachable++
			if err := registry.Remove(d.Address); err != nil && !errors.Is(err, domain.ErrRegistryEmpty) {
				log.Warn("failed to remove unreachable daemon", zap.Error(err))
			}
		default:
			summary.Failed++
			log.Warn("daemon did not acknowledge stop", zap.Error(err))
		}
	}
	return summary, nil
}
