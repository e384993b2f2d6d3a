// Package main is the CLI entry point for buildd.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/eliteGoblin/buildd/internal/config"
	"github.com/eliteGoblin/buildd/internal/daemon"
	"github.com/eliteGoblin/buildd/internal/domain"
	"github.com/eliteGoblin/buildd/internal/infra"
	"github.com/eliteGoblin/buildd/internal/metrics"
	"github.com/eliteGoblin/buildd/internal/usecase"
)

var (
	// Version info (set via ldflags)
	Version   = "0.1.0"
	Commit    = "dev"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		var exit *exitCodeError
		if errors.As(err, &exit) {
			os.Exit(exit.code)
		}
		os.Exit(1)
	}
}

// exitCodeError carries a failed build's exit status out of cobra.
type exitCodeError struct {
	code int
}

func (e *exitCodeError) Error() string {
	return fmt.Sprintf("build exited with status %d", e.code)
}

var rootCmd = &cobra.Command{
	Use:   "buildd",
	Short: "Build daemon - keeps warm build processes around",
	Long: `buildd runs builds inside long-lived background daemons so each
invocation skips the cold-start cost. A daemon runs one build at a time
and stops itself when it is idle, redundant, short on memory or unhealthy.`,
	Version:      Version,
	SilenceUsage: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a daemon in the foreground",
	Long:  `Runs a daemon in the foreground until it expires or is stopped.`,
	RunE:  runDaemon,
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start a detached daemon",
	RunE:  runStart,
}

var buildCmd = &cobra.Command{
	Use:   "build -- <command> [args...]",
	Short: "Run a build on a compatible idle daemon",
	Long: `Sends the command to a compatible idle daemon, starting a new daemon
when every compatible one is busy. The exit code of the build is returned.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runBuild,
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop every registered daemon",
	RunE:  runStop,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "List registered daemons and recent stop events",
	RunE:  runStatus,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Long:  `Prints version, commit, and build time. Use --json for machine-readable output.`,
	Run:   runVersion,
}

var (
	configPath string
	verbose    bool
	jsonOutput bool
	buildDir   string
	noSpawn    bool
	timeout    time.Duration
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default <data dir>/buildd.toml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log client activity to stderr")

	// Everything after the build command belongs to it, flags included.
	buildCmd.Flags().SetInterspersed(false)
	buildCmd.Flags().StringVar(&buildDir, "dir", "", "Working directory for the build (default current directory)")
	buildCmd.Flags().BoolVar(&noSpawn, "no-spawn", false, "Fail instead of starting a new daemon")
	buildCmd.Flags().DurationVar(&timeout, "timeout", 0, "Give up after this long (0 waits forever)")
	statusCmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	versionCmd.Flags().BoolVar(&jsonOutput, "json", false, "Output version info as JSON")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(buildCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(versionCmd)
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger := createLogger(cfg.LogPath)
	defer func() { _ = logger.Sync() }()

	registry, closeRegistry, err := openRegistry(cfg)
	if err != nil {
		logger.Error("failed to open registry", zap.Error(err))
		return err
	}
	defer closeRegistry()

	network, addr, err := config.ParseListen(cfg.Listen)
	if err != nil {
		return err
	}

	d := daemon.New(daemon.DaemonConfigFrom(cfg, Version), daemon.Deps{
		Registry:    registry,
		Acceptor:    infra.NewSocketAcceptor(network, addr, logger),
		Executor:    usecase.NewProcessExecutor(logger),
		Processes:   infra.NewProcessManager(),
		Memory:      infra.NewSystemMemoryProbe(),
		Health:      infra.NewRuntimeHealthSampler(),
		Metrics:     metrics.NewRecorder(),
		Fingerprint: infra.LocalFingerprint(Version),
	}, logger)

	if err := d.Start(); err != nil {
		logger.Error("failed to start daemon", zap.Error(err))
		return err
	}

	// Set up graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("received shutdown signal")
		cancel()
	}()

	return d.Run(ctx)
}

func runStart(cmd *cobra.Command, args []string) error {
	if err := daemon.StartDaemon(configPath); err != nil {
		return err
	}
	fmt.Println("daemon starting")
	return nil
}

func runBuild(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger := clientLogger()
	defer func() { _ = logger.Sync() }()

	registry, closeRegistry, err := openRegistry(cfg)
	if err != nil {
		return err
	}
	defer closeRegistry()

	dir := buildDir
	if dir == "" {
		if dir, err = os.Getwd(); err != nil {
			return err
		}
	}

	var spawn func() error
	if !noSpawn {
		spawn = func() error { return daemon.StartDaemon(configPath) }
	}
	connector := usecase.NewConnector(
		usecase.DefaultConnectorConfig(infra.LocalFingerprint(Version)),
		registry,
		infra.NewDaemonClient(0),
		spawn,
		logger,
	)

	ctx := cmd.Context()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	resp, d, err := connector.Execute(ctx, domain.Command{
		Type:  domain.CommandBuild,
		ID:    uuid.NewString(),
		Build: &domain.BuildRequest{Args: args, Dir: dir},
	})
	if err != nil {
		return err
	}
	logger.Debug("build served", zap.String("daemon", d.Address.String()))

	switch resp.Type {
	case domain.ResponseComplete:
		if resp.Result == nil {
			return nil
		}
		fmt.Print(resp.Result.Output)
		if resp.Result.ExitCode != 0 {
			return &exitCodeError{code: resp.Result.ExitCode}
		}
		return nil
	case domain.ResponseFailure:
		return fmt.Errorf("build failed: %s", resp.Error)
	default:
		return fmt.Errorf("unexpected response %q", resp.Type)
	}
}

func runStop(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger := clientLogger()
	defer func() { _ = logger.Sync() }()

	registry, closeRegistry, err := openRegistry(cfg)
	if err != nil {
		return err
	}
	defer closeRegistry()

	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	summary, err := usecase.StopAll(ctx, registry, infra.NewDaemonClient(0), logger)
	if err != nil {
		return err
	}
	fmt.Printf("stopped %d daemon(s), removed %d unreachable, %d failed\n",
		summary.Stopped, summary.Unreachable, summary.Failed)
	return nil
}

// statusReport is the --json shape of `buildd status`.
type statusReport struct {
	Registry   string              `json:"registry"`
	Daemons    []domain.DaemonInfo `json:"daemons"`
	StopEvents []domain.StopEvent  `json:"stop_events"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	registry, closeRegistry, err := openRegistry(cfg)
	if err != nil {
		return err
	}
	defer closeRegistry()

	daemons, err := registry.GetAll()
	if err != nil {
		return err
	}
	events, err := registry.GetStopEvents()
	if err != nil {
		return err
	}
	report := statusReport{Registry: registry.GetRegistryPath(), Daemons: daemons, StopEvents: events}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}
	return printStatus(os.Stdout, report, infra.LocalFingerprint(Version), time.Now())
}

func printStatus(out io.Writer, report statusReport, fingerprint string, now time.Time) error {
	fmt.Fprintf(out, "Registry: %s\n\n", report.Registry)
	if len(report.Daemons) == 0 {
		fmt.Fprintln(out, "No daemons running.")
	} else {
		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ADDRESS\tPID\tSTATE\tCOMPATIBLE\tLAST BUSY\tUPTIME")
		for _, d := range report.Daemons {
			state := "idle"
			if d.Busy {
				state = "busy"
			}
			fmt.Fprintf(w, "%s\t%d\t%s\t%t\t%s ago\t%s\n",
				d.Address, d.Context.PID, state,
				d.Context.Fingerprint == fingerprint,
				now.Sub(d.LastBusy).Round(time.Second),
				now.Sub(d.Context.StartedAt).Round(time.Second))
		}
		if err := w.Flush(); err != nil {
			return err
		}
	}

	const maxEvents = 5
	events := report.StopEvents
	if len(events) > maxEvents {
		events = events[len(events)-maxEvents:]
	}
	if len(events) > 0 {
		fmt.Fprintln(out, "\nRecent stops:")
		for _, e := range events {
			kind := "forceful"
			if e.Graceful {
				kind = "graceful"
			}
			fmt.Fprintf(out, "  %s  %s  %s (%s)\n", e.Timestamp.Format(time.RFC3339), e.Address, e.Reason, kind)
		}
	}
	return nil
}

// openRegistry opens the configured registry backend. The returned func
// releases it.
func openRegistry(cfg *config.Config) (domain.DaemonRegistry, func(), error) {
	switch cfg.RegistryBackend {
	case config.BackendEncrypted:
		reg, err := infra.OpenEncryptedRegistry(cfg.RegistryDir)
		if err != nil {
			return nil, nil, err
		}
		return reg, func() { _ = reg.Close() }, nil
	default:
		reg, err := infra.NewFileRegistry(cfg.RegistryDir)
		if err != nil {
			return nil, nil, err
		}
		return reg, func() {}, nil
	}
}

func createLogger(logPath string) *zap.Logger {
	logConfig := zap.NewProductionConfig()
	if err := os.MkdirAll(filepath.Dir(logPath), 0700); err == nil {
		logConfig.OutputPaths = []string{logPath}
		logConfig.ErrorOutputPaths = []string{logPath}
	}
	logConfig.EncoderConfig.TimeKey = "time"
	logConfig.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := logConfig.Build()
	if err != nil {
		// Fallback to stdout if file logging fails
		logger, _ = zap.NewProduction()
	}
	return logger
}

func clientLogger() *zap.Logger {
	if !verbose {
		return zap.NewNop()
	}
	logger, err := zap.NewDevelopment()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

func runVersion(cmd *cobra.Command, args []string) {
	if jsonOutput {
		fmt.Printf(`{"version":"%s","commit":"%s","build_time":"%s","fingerprint":"%s"}`+"\n",
			Version, Commit, BuildTime, infra.LocalFingerprint(Version))
	} else {
		fmt.Printf("buildd %s (commit: %s, built: %s)\n",
			Version, Commit, BuildTime)
	}
}
