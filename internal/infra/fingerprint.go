package infra

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
)

const fingerprintEnvPrefix = "BUILDD_"

// operationalEnv keys change how a daemon runs, not what its builds produce,
// so they do not split compatibility.
var operationalEnv = map[string]bool{
	"BUILDD_LOG_PATH":            true,
	"BUILDD_METRICS_ADDR":        true,
	"BUILDD_LISTEN":              true,
	"BUILDD_IDLE_TIMEOUT":        true,
	"BUILDD_EXPIRATION_INTERVAL": true,
}

// FingerprintInput is everything that decides whether two daemons can serve
// the same client.
type FingerprintInput struct {
	Version    string
	GOOS       string
	GOARCH     string
	Executable string
	Env        []string // KEY=VALUE pairs; only BUILDD_* keys are used
}

// Fingerprint hashes the input into a stable hex string. Env order does not matter.
func Fingerprint(in FingerprintInput) string {
	var env []string
	for _, kv := range in.Env {
		key, _, _ := strings.Cut(kv, "=")
		if strings.HasPrefix(key, fingerprintEnvPrefix) && !operationalEnv[key] {
			env = append(env, kv)
		}
	}
	sort.Strings(env)

	h := sha256.New()
	for _, part := range []string{in.Version, in.GOOS, in.GOARCH, in.Executable} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	for _, kv := range env {
		h.Write([]byte(kv))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// LocalFingerprint computes the fingerprint of the running binary.
func LocalFingerprint(version string) string {
	exe, err := os.Executable()
	if err == nil {
		if resolved, err := filepath.EvalSymlinks(exe); err == nil {
			exe = resolved
		}
	}
	return Fingerprint(FingerprintInput{
		Version:    version,
		GOOS:       runtime.GOOS,
		GOARCH:     runtime.GOARCH,
		Executable: exe,
		Env:        os.Environ(),
	})
}
