// Package config handles loading and managing mboxsync configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/mboxsync/mboxsync/internal/fileutil"
	"github.com/mboxsync/mboxsync/internal/mboxsync"
)

// SyncConfig holds the tunables that drive the sync engine itself.
type SyncConfig struct {
	// HeaderPadding is the number of bytes reserved at the end of mutable
	// header blocks (X-Keywords, X-UID, X-IMAPbase) for future in-place
	// rewrites. Spec default: 64.
	HeaderPadding int `toml:"header_padding"`

	// MD5Enabled controls whether the index stores/looks up per-message
	// header MD5 sums as a UID-assignment fallback (spec.md §4.2).
	MD5Enabled bool `toml:"md5_enabled"`

	// DelayWrites defers in-place header rewrites to index-only updates
	// (messages are marked dirty instead of rewritten), matching spec.md
	// §4.3 Case B's delay_writes behavior.
	DelayWrites bool `toml:"delay_writes"`

	// MaxRetries bounds the partial-to-full-sync retry loop (spec.md §4.1
	// step 5). Spec default: 3.
	MaxRetries int `toml:"max_retries"`

	// MaxMoveWait bounds the busy-wait mtime bump in finalisation
	// (spec.md §4.8). Spec default: unlimited (0 means no bound); set to
	// a positive duration to cap it for tests or constrained filesystems.
	MaxMoveWait time.Duration `toml:"max_move_wait"`
}

// LockConfig controls advisory locking behavior (spec.md §4.1 step 2, §5).
type LockConfig struct {
	// Timeout bounds how long to wait for the advisory lock before giving up.
	// Zero means wait indefinitely.
	Timeout time.Duration `toml:"timeout"`
}

// Config represents the mboxsync configuration.
type Config struct {
	Sync SyncConfig `toml:"sync"`
	Lock LockConfig `toml:"lock"`

	// IndexPath, if set, overrides the default index database location
	// (<mbox>.mboxsync.db, next to the mbox file; see IndexDSN).
	IndexPath string `toml:"index_path"`

	// Computed paths (not from config file)
	HomeDir    string `toml:"-"`
	configPath string // resolved path to the loaded config file
}

// DefaultHome returns the default mboxsync home directory.
// Respects the MBOXSYNC_HOME environment variable and expands ~ in its value.
func DefaultHome() string {
	if h := os.Getenv("MBOXSYNC_HOME"); h != "" {
		return expandPath(h)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".mboxsync"
	}
	return filepath.Join(home, ".mboxsync")
}

// NewDefaultConfig returns a configuration with default values, matching the
// constants named throughout spec.md (64-byte header padding, 3 retries).
func NewDefaultConfig() *Config {
	homeDir := DefaultHome()
	return &Config{
		HomeDir: homeDir,
		Sync: SyncConfig{
			HeaderPadding: 64,
			MD5Enabled:    true,
			DelayWrites:   false,
			MaxRetries:    3,
		},
		Lock: LockConfig{
			Timeout: 30 * time.Second,
		},
	}
}

// Load reads the configuration from the specified file.
// If path is empty, uses the default location (<home>/config.toml), which is
// optional (a missing file returns defaults). If path is explicitly
// provided, the file must exist.
func Load(path string) (*Config, error) {
	explicit := path != ""

	cfg := NewDefaultConfig()

	if !explicit {
		path = filepath.Join(cfg.HomeDir, "config.toml")
	} else {
		path = expandPath(path)
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		if explicit {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
		return cfg, nil
	}

	cfg.configPath = path

	if explicit {
		cfg.HomeDir = filepath.Dir(path)
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		if strings.Contains(err.Error(), "invalid escape") ||
			strings.Contains(err.Error(), "hexadecimal digits after") {
			return nil, fmt.Errorf("decode config: %w\n\nhint: Windows paths in TOML must use "+
				"forward slashes (C:/Users/me/mboxsync) or single quotes, or pass --home instead.", err)
		}
		return nil, fmt.Errorf("decode config: %w", err)
	}

	cfg.IndexPath = expandPath(cfg.IndexPath)
	if explicit {
		cfg.IndexPath = resolveRelative(cfg.IndexPath, cfg.HomeDir)
	}

	return cfg, nil
}

// OverrideHome replaces the home directory after loading, for the --home
// flag: unlike MBOXSYNC_HOME (read at NewDefaultConfig time), this lets the
// CLI override the home directory after a config file has already been
// parsed, matching the teacher's --home/--config precedence.
func (c *Config) OverrideHome(homeDir string) {
	c.HomeDir = expandPath(homeDir)
}

// IndexDSN returns the path to the index database for a given mbox path, used
// when no explicit --index flag or config IndexPath is set: the index lives
// next to the mbox file as "<mbox>.mboxsync.db", so multiple mailboxes under
// one home directory never collide.
func (c *Config) IndexDSN(mboxPath string) string {
	if c.IndexPath != "" {
		return c.IndexPath
	}
	return mboxPath + ".mboxsync.db"
}

// EngineOptions translates the loaded config into the engine-wide tunables
// the sync driver threads through its Context (spec.md §9: "Configuration
// ... is passed via the context").
func (c *Config) EngineOptions() mboxsync.Options {
	return mboxsync.Options{
		HeaderPadding: c.Sync.HeaderPadding,
		MD5Enabled:    c.Sync.MD5Enabled,
		DelayWrites:   c.Sync.DelayWrites,
		MaxRetries:    c.Sync.MaxRetries,
		MaxMoveWait:   c.Sync.MaxMoveWait,
		LockTimeout:   c.Lock.Timeout,
	}
}

// EnsureHomeDir creates the mboxsync home directory if it doesn't exist.
func (c *Config) EnsureHomeDir() error {
	return fileutil.SecureMkdirAll(c.HomeDir, 0700)
}

// ConfigFilePath returns the path to the config file.
// If a config was loaded (including via --config), returns the actual path used.
// Otherwise returns the default location based on HomeDir.
func (c *Config) ConfigFilePath() string {
	if c.configPath != "" {
		return c.configPath
	}
	return filepath.Join(c.HomeDir, "config.toml")
}

// resolveRelative makes a relative path absolute by joining it with base.
// Absolute paths and empty strings are returned unchanged.
func resolveRelative(path, base string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(base, path)
}

// expandPath expands ~ to the user's home directory.
// Only expands paths that are exactly "~" or start with "~/".
// It also strips surrounding single or double quotes, which Windows CMD
// passes through literally (unlike Unix shells which strip them).
func expandPath(path string) string {
	if path == "" {
		return path
	}
	if runtime.GOOS == "windows" && len(path) >= 2 &&
		((path[0] == '\'' && path[len(path)-1] == '\'') ||
			(path[0] == '"' && path[len(path)-1] == '"')) {
		path = path[1 : len(path)-1]
	}
	if path == "~" || strings.HasPrefix(path, "~"+string(os.PathSeparator)) || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		if path == "~" {
			return home
		}
		suffix := path[2:]
		for len(suffix) > 0 && (suffix[0] == '/' || suffix[0] == os.PathSeparator) {
			suffix = suffix[1:]
		}
		return filepath.Join(home, suffix)
	}
	return path
}
