// Package config resolves daemon-wide settings from flags and environment
// variables, mirroring how cmd/groved/main.go resolves GROVE_ROOT before
// constructing its daemon.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Defaults, overridable by environment variable and then by an explicit
// flag value where a caller has one (cmd/lspmuxd has a --root flag; it
// passes no idle-shutdown override).
const (
	DefaultIdleShutdown = 500 * time.Millisecond
	rootEnvVar           = "LSPMUX_ROOT"
	idleMsEnvVar         = "LSPMUX_IDLE_MS"
)

// Config is the resolved set of daemon-wide settings.
type Config struct {
	// Root is the per-user cache directory holding one subdirectory per
	// running daemon (internal/store) plus servers.yaml (internal/registry).
	Root string
	// IdleShutdown is how long a mux waits with zero clients before
	// killing its server child.
	IdleShutdown time.Duration
}

// ServersOverlayPath is the path internal/registry.LoadWithOverlay should
// read.
func (c Config) ServersOverlayPath() string {
	return filepath.Join(c.Root, "servers.yaml")
}

// InstancesDir is where internal/store keeps one subdirectory per running
// daemon.
func (c Config) InstancesDir() string {
	return filepath.Join(c.Root, "instances")
}

// Load resolves Root and IdleShutdown from LSPMUX_ROOT/LSPMUX_IDLE_MS, then
// applies any explicit override (a non-empty rootOverride, or a positive
// idleOverride) a caller's own flags provided.
func Load(rootOverride string, idleOverride time.Duration) (Config, error) {
	cfg := Config{IdleShutdown: DefaultIdleShutdown}

	cfg.Root = os.Getenv(rootEnvVar)
	if cfg.Root == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return Config{}, err
		}
		cfg.Root = filepath.Join(home, ".lspmux")
	}
	if rootOverride != "" {
		cfg.Root = rootOverride
	}

	if raw := os.Getenv(idleMsEnvVar); raw != "" {
		if ms, err := strconv.Atoi(raw); err == nil && ms > 0 {
			cfg.IdleShutdown = time.Duration(ms) * time.Millisecond
		}
	}
	if idleOverride > 0 {
		cfg.IdleShutdown = idleOverride
	}

	if err := os.MkdirAll(cfg.InstancesDir(), 0o755); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
