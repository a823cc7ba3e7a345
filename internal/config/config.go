// Package config holds nrfflash settings. Values come from defaults, an
// optional TOML file, NRFFLASH_* environment variables (a .env file in the
// working directory is honoured) and command line flags, in that order of
// increasing precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	coretypes "github.com/projecteru2/core/types"
	"github.com/spf13/viper"

	"github.com/OpenTraceLab/OpenTraceFlash/internal/lock"
	"github.com/OpenTraceLab/OpenTraceFlash/pkg/probe"
)

// EnvPrefix prefixes environment overrides, e.g. NRFFLASH_BACKEND.
const EnvPrefix = "NRFFLASH"

// FileName is the config file looked up when --config is not given.
const FileName = "nrfflash.toml"

// Config holds global nrfflash configuration.
type Config struct {
	// Backend selects the probe driver: nrfjprog, cmsisdap or sim.
	Backend string `mapstructure:"backend" toml:"backend"`
	// Serial pins a probe; empty uses the first one found.
	Serial string `mapstructure:"serial" toml:"serial"`
	// HexDir is the root of the merge/softdevice/app image directories.
	HexDir string `mapstructure:"hex_dir" toml:"hex_dir"`
	// Nrfjprog is the path of the nrfjprog binary.
	Nrfjprog string `mapstructure:"nrfjprog" toml:"nrfjprog"`
	Family   string `mapstructure:"family" toml:"family"`
	// ClockHz is the SWD clock used by the cmsisdap backend.
	ClockHz uint32 `mapstructure:"clock_hz" toml:"clock_hz"`
	// Verify reads flash back after programming (cmsisdap backend).
	Verify bool `mapstructure:"verify" toml:"verify"`
	// TimeoutSeconds bounds one operation; 0 disables the bound.
	TimeoutSeconds int `mapstructure:"timeout_seconds" toml:"timeout_seconds"`
	// LockFile guards the probe across processes; empty disables locking.
	LockFile string `mapstructure:"lock_file" toml:"lock_file"`
	// Log configuration, uses eru core's ServerLogConfig.
	Log coretypes.ServerLogConfig `mapstructure:"log" toml:"log"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Backend:        string(probe.KindNrfjprog),
		HexDir:         "hex",
		Nrfjprog:       "nrfjprog",
		Family:         "NRF52",
		ClockHz:        4_000_000,
		Verify:         true,
		TimeoutSeconds: 300,
		LockFile:       lock.DefaultPath(),
		Log: coretypes.ServerLogConfig{
			Level:      "info",
			MaxSize:    500,
			MaxAge:     28,
			MaxBackups: 3,
		},
	}
}

// Timeout returns TimeoutSeconds as a duration.
func (c *Config) Timeout() time.Duration {
	if c.TimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// Validate checks fields that would otherwise fail deep inside an operation.
func (c *Config) Validate() error {
	if _, err := probe.ParseKind(c.Backend); err != nil {
		return err
	}
	if c.HexDir == "" {
		return errors.New("config: hex_dir is empty")
	}
	if c.ClockHz == 0 {
		return errors.New("config: clock_hz must be positive")
	}
	return nil
}

// LoadEnv reads a .env file from dir if present. Variables already set in
// the environment win.
func LoadEnv(dir string) error {
	path := filepath.Join(dir, ".env")
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// NewViper returns a viper instance reading NRFFLASH_* variables, with every
// key registered so environment overrides reach Unmarshal.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	d := DefaultConfig()
	v.SetDefault("backend", d.Backend)
	v.SetDefault("serial", d.Serial)
	v.SetDefault("hex_dir", d.HexDir)
	v.SetDefault("nrfjprog", d.Nrfjprog)
	v.SetDefault("family", d.Family)
	v.SetDefault("clock_hz", d.ClockHz)
	v.SetDefault("verify", d.Verify)
	v.SetDefault("timeout_seconds", d.TimeoutSeconds)
	v.SetDefault("lock_file", d.LockFile)
	v.SetDefault("log.level", d.Log.Level)
	return v
}

// Load builds a Config from defaults, the optional file at path and the
// values registered on v (bound flags and environment). A missing file is
// not an error; an unreadable or malformed one is.
func Load(v *viper.Viper, path string) (*Config, error) {
	conf := DefaultConfig()
	if path == "" {
		if _, err := os.Stat(FileName); err == nil {
			path = FileName
		}
	}
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	if err := v.Unmarshal(conf); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

// Write stores c as TOML at path. Existing files are only replaced when
// force is set.
func Write(c *Config, path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config %s already exists", path)
		}
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.Create(path) //nolint:gosec // path from CLI flag
	if err != nil {
		return err
	}
	if err := toml.NewEncoder(f).Encode(c); err != nil {
		f.Close()
		return fmt.Errorf("encode config: %w", err)
	}
	return f.Close()
}
