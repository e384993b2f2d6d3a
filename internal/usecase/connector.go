package usecase

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/eliteGoblin/buildd/internal/domain"
	"github.com/eliteGoblin/buildd/internal/infra"
)

// CommandSender delivers one command to one daemon.
type CommandSender interface {
	Send(ctx context.Context, addr domain.Address, cmd domain.Command) (*domain.Response, error)
}

// ConnectorConfig tunes daemon discovery.
type ConnectorConfig struct {
	Fingerprint  string
	SpawnTimeout time.Duration // How long to wait for a spawned daemon to register
	PollInterval time.Duration
}

// DefaultConnectorConfig returns sensible discovery timings.
func DefaultConnectorConfig(fingerprint string) ConnectorConfig {
	return ConnectorConfig{
		Fingerprint:  fingerprint,
		SpawnTimeout: 10 * time.Second,
		PollInterval: 100 * time.Millisecond,
	}
}

// Connector finds a compatible daemon willing to run a command, spawning a
// new one when every candidate is busy or gone.
type Connector struct {
	config   ConnectorConfig
	registry domain.DaemonRegistry
	sender   CommandSender
	spawn    func() error
	logger   *zap.Logger
}

// NewConnector creates a connector. spawn may be nil to disable spawning.
func NewConnector(config ConnectorConfig, registry domain.DaemonRegistry, sender CommandSender, spawn func() error, logger *zap.Logger) *Connector {
	return &Connector{
		config:   config,
		registry: registry,
		sender:   sender,
		spawn:    spawn,
		logger:   logger,
	}
}

// Execute delivers cmd to the first compatible daemon that accepts it and
// returns that daemon's response.
func (c *Connector) Execute(ctx context.Context, cmd domain.Command) (*domain.Response, domain.DaemonInfo, error) {
	tried := make(map[domain.Address]bool)

	candidates, err := c.candidates(tried)
	if err != nil {
		return nil, domain.DaemonInfo{}, err
	}
	for _, d := range candidates {
		resp, accepted, err := c.try(ctx, d, cmd)
		tried[d.Address] = true
		if err != nil || accepted {
			return resp, d, err
		}
	}

	if c.spawn == nil {
		return nil, domain.DaemonInfo{}, domain.ErrNoDaemon
	}
	c.logger.Info("no compatible idle daemon, starting a new one")
	if err := c.spawn(); err != nil {
		return nil, domain.DaemonInfo{}, fmt.Errorf("failed to start daemon: %w", err)
	}

	d, err := c.awaitNewDaemon(ctx, tried)
	if err != nil {
		return nil, domain.DaemonInfo{}, err
	}
	resp, accepted, err := c.try(ctx, d, cmd)
	if err != nil {
		return nil, d, err
	}
	if !accepted {
		return nil, d, fmt.Errorf("%w: new daemon at %s rejected the command", domain.ErrNoDaemon, d.Address)
	}
	return resp, d, nil
}

// try sends cmd to d. accepted is false when the caller should move on to
// the next candidate.
func (c *Connector) try(ctx context.Context, d domain.DaemonInfo, cmd domain.Command) (*domain.Response, bool, error) {
	log := c.logger.With(zap.String("daemon", d.Address.String()), zap.String("uid", d.Context.UID))

	resp, err := c.sender.Send(ctx, d.Address, cmd)
	if err != nil {
		if infra.IsUnreachable(err) {
			log.Info("removing unreachable daemon from registry", zap.Error(err))
			if err := c.registry.Remove(d.Address); err != nil && !errors.Is(err, domain.ErrRegistryEmpty) {
				log.Warn("failed to remove unreachable daemon", zap.Error(err))
			}
			return nil, false, nil
		}
		return nil, false, err
	}

	switch {
	case resp.Type == domain.ResponseBusy:
		log.Debug("daemon busy", zap.String("running", resp.Label))
		return nil, false, nil
	case resp.Type == domain.ResponseFailure && resp.Unavailable:
		log.Debug("daemon unavailable", zap.String("reason", resp.Error))
		return nil, false, nil
	}
	return resp, true, nil
}

// candidates lists compatible daemons not yet tried: idle ones first, most
// recently used first, ties broken by UID.
func (c *Connector) candidates(tried map[domain.Address]bool) ([]domain.DaemonInfo, error) {
	all, err := c.registry.GetAll()
	if err != nil {
		return nil, fmt.Errorf("failed to read daemon registry: %w", err)
	}

	var out []domain.DaemonInfo
	for _, d := range all {
		if d.Context.Fingerprint == c.config.Fingerprint && !tried[d.Address] {
			out = append(out, d)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Busy != b.Busy {
			return !a.Busy
		}
		if !a.LastBusy.Equal(b.LastBusy) {
			return a.LastBusy.After(b.LastBusy)
		}
		return a.Context.UID < b.Context.UID
	})
	return out, nil
}

// awaitNewDaemon polls the registry until an untried compatible daemon shows up.
func (c *Connector) awaitNewDaemon(ctx context.Context, tried map[domain.Address]bool) (domain.DaemonInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, c.config.SpawnTimeout)
	defer cancel()

	ticker := time.NewTicker(c.config.PollInterval)
	defer ticker.Stop()

	for {
		candidates, err := c.candidates(tried)
		if err != nil {
			c.logger.Debug("registry not readable yet", zap.Error(err))
		} else {
			for _, d := range candidates {
				if !d.Busy {
					return d, nil
				}
			}
		}

		select {
		case <-ctx.Done():
			return domain.DaemonInfo{}, fmt.Errorf("%w: spawned daemon did not register within %s", domain.ErrNoDaemon, c.config.SpawnTimeout)
		case <-ticker.C:
		}
	}
}
