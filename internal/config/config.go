// Package config loads daemon configuration from the key-value config file
// and the command line, flags winning over the file, the file winning over
// built-in defaults.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/knadh/koanf/parsers/dotenv"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"
)

// DefaultFile is looked for in the working directory when --config is not
// given. sshd starts the server subsystem in its home directory, so the
// data directory and the config file live together there.
const DefaultFile = "rtrd.conf"

type Config struct {
	DataDir             string // directory of snapshots, deltas and current
	Listen              string // TCP listen address, empty means stdio only
	LogLevel            string // "debug", "info", etc.
	KickmeDir           string // directory of kick endpoints
	RetentionDays       int    // snapshot retention window
	PollIntervalSeconds int    // client fallback poll interval
}

// Retention is the snapshot retention window.
func (c *Config) Retention() time.Duration {
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}

// PollInterval is the client's fallback query interval.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

// RegisterFlags declares the configuration flags on a flag set. Flag names
// double as config file keys.
func RegisterFlags(f *pflag.FlagSet) {
	f.String("config", DefaultFile, "path to the key-value config file")
	f.String("data_dir", ".", "directory holding snapshots, deltas and the current pointer")
	f.String("listen", "", "TCP listen address for server mode (empty serves stdin/stdout)")
	f.String("loglevel", "info", "log level (debug, info, warn, error)")
	f.String("kickme_dir", "sockets", "directory of producer-to-server kick sockets")
	f.Int("retention_days", 1, "days to keep old snapshots")
	f.Int("poll_interval_seconds", 600, "client fallback poll interval in seconds")
}

// Load merges the config file (when present) and the parsed flag set.
func Load(f *pflag.FlagSet) (*Config, error) {
	k := koanf.New(".")

	path, _ := f.GetString("config")
	if _, err := os.Stat(path); err == nil {
		if err := k.Load(file.Provider(path), dotenv.Parser()); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	} else if changed := f.Changed("config"); changed {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}

	if err := k.Load(posflag.Provider(f, ".", k), nil); err != nil {
		return nil, fmt.Errorf("failed to load flags: %w", err)
	}

	cfg := &Config{
		DataDir:             k.String("data_dir"),
		Listen:              k.String("listen"),
		LogLevel:            k.String("loglevel"),
		KickmeDir:           k.String("kickme_dir"),
		RetentionDays:       k.Int("retention_days"),
		PollIntervalSeconds: k.Int("poll_interval_seconds"),
	}
	if cfg.RetentionDays < 0 {
		return nil, fmt.Errorf("retention_days must not be negative, got %d", cfg.RetentionDays)
	}
	if cfg.PollIntervalSeconds <= 0 {
		return nil, fmt.Errorf("poll_interval_seconds must be positive, got %d", cfg.PollIntervalSeconds)
	}
	return cfg, nil
}
