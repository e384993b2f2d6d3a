// Package metrics exposes daemon counters and gauges in Prometheus format.
package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/eliteGoblin/buildd/internal/domain"
)

// Command outcomes.
const (
	OutcomeComplete    = "complete"
	OutcomeBusy        = "busy"
	OutcomeFailure     = "failure"
	OutcomeUnavailable = "unavailable"
	OutcomeStop        = "stop"
	OutcomeProtocol    = "protocol_error"
)

// Recorder owns the daemon's collectors. A nil *Recorder is valid and records nothing.
type Recorder struct {
	registry    *prometheus.Registry
	commands    *prometheus.CounterVec
	expirations *prometheus.CounterVec
	state       prometheus.Gauge
	busy        prometheus.Gauge
}

// NewRecorder creates collectors on a private registry.
func NewRecorder() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "buildd_commands_total",
			Help: "Commands received by outcome",
		}, []string{"outcome"}),
		expirations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "buildd_expirations_total",
			Help: "Expiration decisions by whether they were graceful",
		}, []string{"graceful"}),
		state: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "buildd_state",
			Help: "Daemon state: 0 running, 1 stop requested, 2 stopped, 3 broken",
		}),
		busy: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "buildd_busy",
			Help: "1 while a command is executing",
		}),
	}
	r.registry.MustRegister(r.commands, r.expirations, r.state, r.busy,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

// Command counts one handled command.
func (r *Recorder) Command(outcome string) {
	if r == nil {
		return
	}
	r.commands.WithLabelValues(outcome).Inc()
}

// Expiration counts one triggered expiration.
func (r *Recorder) Expiration(graceful bool) {
	if r == nil {
		return
	}
	label := "false"
	if graceful {
		label = "true"
	}
	r.expirations.WithLabelValues(label).Inc()
}

// State records the coordinator state.
func (r *Recorder) State(s domain.DaemonState) {
	if r == nil {
		return
	}
	r.state.Set(float64(s))
}

// Busy records whether a command holds the daemon.
func (r *Recorder) Busy(busy bool) {
	if r == nil {
		return
	}
	if busy {
		r.busy.Set(1)
	} else {
		r.busy.Set(0)
	}
}

// Handler serves the private registry.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// Gatherer exposes the registry for tests.
func (r *Recorder) Gatherer() prometheus.Gatherer {
	return r.registry
}

// Server serves /metrics on a loopback address.
type Server struct {
	server   *http.Server
	listener net.Listener
	logger   *zap.Logger
}

// Serve starts the metrics endpoint in the background.
func Serve(addr string, recorder *Recorder, logger *zap.Logger) (*Server, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", recorder.Handler())
	s := &Server{
		server:   &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second},
		listener: listener,
		logger:   logger,
	}
	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server stopped", zap.Error(err))
		}
	}()
	logger.Info("metrics endpoint listening", zap.String("address", listener.Addr().String()))
	return s, nil
}

// Addr returns the bound address.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Shutdown stops the endpoint.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
