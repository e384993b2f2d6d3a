// Package config loads daemon configuration from defaults, an optional TOML
// file and BUILDD_* environment variables, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/eliteGoblin/buildd/internal/infra"
)

// Registry backends.
const (
	BackendFile      = "file"
	BackendEncrypted = "encrypted"
)

// Environment variable names.
const (
	EnvIdleTimeout        = "BUILDD_IDLE_TIMEOUT"
	EnvRegistryDir        = "BUILDD_REGISTRY_DIR"
	EnvRegistryBackend    = "BUILDD_REGISTRY_BACKEND"
	EnvListen             = "BUILDD_LISTEN"
	EnvExpirationInterval = "BUILDD_EXPIRATION_INTERVAL"
	EnvMetricsAddr        = "BUILDD_METRICS_ADDR"
	EnvLogPath            = "BUILDD_LOG_PATH"
	EnvDataDir            = "BUILDD_DATA_DIR"
)

// Duration wraps time.Duration so TOML files can use "3h" style strings.
type Duration struct {
	time.Duration
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

// Config holds daemon configuration.
type Config struct {
	DataDir         string `toml:"data_dir"`
	RegistryDir     string `toml:"registry_dir"`
	RegistryBackend string `toml:"registry_backend"`
	LogPath         string `toml:"log_path"`

	// Listen is "unix:///socket/dir" (each daemon binds its own socket in
	// the directory) or "tcp://127.0.0.1:0". A loopback TCP port is open to
	// every local user, so it is only used when configured explicitly.
	Listen      string   `toml:"listen"`
	ReadTimeout Duration `toml:"read_timeout"`

	IdleTimeout        Duration `toml:"idle_timeout"`
	ExpirationInterval Duration `toml:"expiration_interval"` // 0 disables the expiration engine
	DuplicateGrace     Duration `toml:"duplicate_grace"`
	LowMemoryGrace     Duration `toml:"low_memory_grace"`

	MinFreeMemoryBytes   uint64  `toml:"min_free_memory_bytes"`
	MinFreeMemoryRatio   float64 `toml:"min_free_memory_ratio"`
	MaxCompatibleDaemons int     `toml:"max_compatible_daemons"`
	EvictLRU             bool    `toml:"evict_lru"`

	MetricsAddr string `toml:"metrics_addr"`
}

// DefaultDataDir returns BUILDD_DATA_DIR when set, else the exec-mode data
// directory (~/.buildd, or /var/lib/buildd for root).
func DefaultDataDir() string {
	if dir := os.Getenv(EnvDataDir); dir != "" {
		return dir
	}
	return infra.DetectExecMode().DataDir
}

// DefaultConfig returns the built-in configuration.
func DefaultConfig() Config {
	paths := &infra.ExecModeConfig{DataDir: DefaultDataDir()}
	return Config{
		DataDir:              paths.DataDir,
		RegistryDir:          paths.RegistryDir(),
		RegistryBackend:      BackendFile,
		LogPath:              paths.LogPath(),
		Listen:               "unix://" + paths.SocketDir(),
		ReadTimeout:          Duration{30 * time.Second},
		IdleTimeout:          Duration{3 * time.Hour},
		ExpirationInterval:   Duration{10 * time.Second},
		DuplicateGrace:       Duration{10 * time.Second},
		LowMemoryGrace:       Duration{10 * time.Second},
		MinFreeMemoryRatio:   0.05,
		MaxCompatibleDaemons: 0,
	}
}

// Load builds the configuration. path may be empty, in which case
// <DataDir>/buildd.toml is used if it exists.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	explicit := path != ""
	if !explicit {
		path = (&infra.ExecModeConfig{DataDir: cfg.DataDir}).ConfigPath()
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist) && !explicit:
		// No config file is fine.
	default:
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv(EnvRegistryDir); v != "" {
		c.RegistryDir = v
	}
	if v := os.Getenv(EnvRegistryBackend); v != "" {
		c.RegistryBackend = v
	}
	if v := os.Getenv(EnvListen); v != "" {
		c.Listen = v
	}
	if v := os.Getenv(EnvMetricsAddr); v != "" {
		c.MetricsAddr = v
	}
	if v := os.Getenv(EnvLogPath); v != "" {
		c.LogPath = v
	}
	if v := os.Getenv(EnvIdleTimeout); v != "" {
		d, err := parseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", EnvIdleTimeout, err)
		}
		c.IdleTimeout = Duration{d}
	}
	if v := os.Getenv(EnvExpirationInterval); v != "" {
		d, err := parseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", EnvExpirationInterval, err)
		}
		c.ExpirationInterval = Duration{d}
	}
	return nil
}

// parseDuration accepts Go durations or a bare number of milliseconds.
func parseDuration(v string) (time.Duration, error) {
	v = strings.TrimSpace(v)
	if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.Duration(ms) * time.Millisecond, nil
	}
	return time.ParseDuration(v)
}

// Validate checks the configuration for values the daemon cannot run with.
func (c *Config) Validate() error {
	if c.IdleTimeout.Duration <= 0 {
		return fmt.Errorf("idle_timeout must be positive, got %s", c.IdleTimeout)
	}
	if c.ExpirationInterval.Duration < 0 {
		return fmt.Errorf("expiration_interval must not be negative")
	}
	if c.RegistryDir == "" {
		return errors.New("registry_dir is required")
	}
	switch c.RegistryBackend {
	case BackendFile, BackendEncrypted:
	default:
		return fmt.Errorf("unknown registry_backend %q", c.RegistryBackend)
	}
	if c.MaxCompatibleDaemons < 0 {
		return errors.New("max_compatible_daemons must not be negative")
	}
	if c.MinFreeMemoryBytes == 0 && (c.MinFreeMemoryRatio <= 0 || c.MinFreeMemoryRatio >= 1) {
		return fmt.Errorf("min_free_memory_ratio must be in (0, 1), got %v", c.MinFreeMemoryRatio)
	}
	network, addr, err := ParseListen(c.Listen)
	if err != nil {
		return err
	}
	switch network {
	case "tcp":
		if err := requireLoopback(addr); err != nil {
			return fmt.Errorf("listen: %w", err)
		}
	case "unix":
		if !filepath.IsAbs(addr) {
			return fmt.Errorf("listen: socket directory %q must be absolute", addr)
		}
	}
	if c.MetricsAddr != "" {
		if err := requireLoopback(c.MetricsAddr); err != nil {
			return fmt.Errorf("metrics_addr: %w", err)
		}
	}
	return nil
}

// ParseListen splits "tcp://host:port" or "unix:///dir" into network and address.
func ParseListen(listen string) (network, addr string, err error) {
	scheme, rest, ok := strings.Cut(listen, "://")
	if !ok || rest == "" {
		return "", "", fmt.Errorf("invalid listen address %q (want unix:///dir or tcp://host:port)", listen)
	}
	switch scheme {
	case "tcp", "unix":
		return scheme, rest, nil
	default:
		return "", "", fmt.Errorf("unsupported listen network %q", scheme)
	}
}

func requireLoopback(addr string) error {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return err
	}
	if host == "localhost" {
		return nil
	}
	ip := net.ParseIP(host)
	if ip == nil || !ip.IsLoopback() {
		return fmt.Errorf("%s is not a loopback address", addr)
	}
	return nil
}
