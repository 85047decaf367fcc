// Package config loads meshcal's YAML configuration.
//
// The file is checked against an embedded CUE schema before it is decoded,
// so typos in key names and out-of-range values are reported with the
// offending path instead of being silently ignored.
package config

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueyaml "cuelang.org/go/encoding/yaml"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

//go:embed schema.cue
var schemaCUE string

// Transport kinds.
const (
	TransportMemory = "memory"
	TransportRelay  = "relay"
)

// Defaults.
const (
	DefaultDatabase       = "meshcal.db"
	DefaultShareBaseURL   = "meshcal://join"
	DefaultRelayListen    = "127.0.0.1:7420"
	DefaultRelayURL       = "ws://127.0.0.1:7420"
	DefaultResyncSchedule = "*/15 * * * *"
	ResyncOff             = "off"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid config")

// Config is the top-level configuration.
type Config struct {
	// DataDir holds the database and any other local state.
	DataDir string `yaml:"data_dir"`

	// Database is the SQLite file. Relative paths are under DataDir.
	Database string `yaml:"database"`

	// ShareBaseURL prefixes generated share links.
	ShareBaseURL string `yaml:"share_base_url"`

	Transport TransportConfig `yaml:"transport"`
	Ledger    LedgerConfig    `yaml:"ledger"`
	Sync      SyncConfig      `yaml:"sync"`
	Log       LogConfig       `yaml:"log"`
}

// TransportConfig selects and tunes the pub/sub network.
type TransportConfig struct {
	Kind         string  `yaml:"kind"`
	RelayURL     string  `yaml:"relay_url"`
	Listen       string  `yaml:"listen"` // relay hub listen address
	PublishRate  float64 `yaml:"publish_rate"`
	PublishBurst int     `yaml:"publish_burst"`
	History      int     `yaml:"history"`
}

// LedgerConfig bounds the de-duplication ledger.
type LedgerConfig struct {
	Capacity  int     `yaml:"capacity"`
	TrimRatio float64 `yaml:"trim_ratio"`
}

// SyncConfig tunes sharing behavior.
type SyncConfig struct {
	UnshareGrace time.Duration `yaml:"unshare_grace"`
	// ResyncSchedule is a five-field cron spec for periodic incremental
	// resync in the daemon. "off" disables it.
	ResyncSchedule string `yaml:"resync_schedule"`
}

// LogConfig sets the log level.
type LogConfig struct {
	Level string `yaml:"level"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		DataDir:      DefaultDataDir(),
		Database:     DefaultDatabase,
		ShareBaseURL: DefaultShareBaseURL,
		Transport: TransportConfig{
			Kind:         TransportRelay,
			RelayURL:     DefaultRelayURL,
			Listen:       DefaultRelayListen,
			PublishRate:  20,
			PublishBurst: 40,
			History:      256,
		},
		Ledger: LedgerConfig{
			Capacity:  10_000,
			TrimRatio: 0.3,
		},
		Sync: SyncConfig{
			UnshareGrace:   time.Second,
			ResyncSchedule: DefaultResyncSchedule,
		},
		Log: LogConfig{Level: "info"},
	}
}

// DefaultDataDir is $XDG_CONFIG_HOME/meshcal or its platform equivalent.
func DefaultDataDir() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ".meshcal"
	}
	return filepath.Join(dir, "meshcal")
}

// DefaultPath is the config file inside DefaultDataDir.
func DefaultPath() string {
	return filepath.Join(DefaultDataDir(), "config.yaml")
}

// Normalize fills zero values with defaults.
func (c *Config) Normalize() {
	d := Default()
	if c.DataDir == "" {
		c.DataDir = d.DataDir
	}
	if c.Database == "" {
		c.Database = d.Database
	}
	if c.ShareBaseURL == "" {
		c.ShareBaseURL = d.ShareBaseURL
	}
	if c.Transport.Kind == "" {
		c.Transport.Kind = d.Transport.Kind
	}
	if c.Transport.RelayURL == "" {
		c.Transport.RelayURL = d.Transport.RelayURL
	}
	if c.Transport.Listen == "" {
		c.Transport.Listen = d.Transport.Listen
	}
	if c.Transport.PublishRate == 0 {
		c.Transport.PublishRate = d.Transport.PublishRate
	}
	if c.Transport.PublishBurst == 0 {
		c.Transport.PublishBurst = d.Transport.PublishBurst
	}
	if c.Transport.History == 0 {
		c.Transport.History = d.Transport.History
	}
	if c.Ledger.Capacity == 0 {
		c.Ledger.Capacity = d.Ledger.Capacity
	}
	if c.Ledger.TrimRatio == 0 {
		c.Ledger.TrimRatio = d.Ledger.TrimRatio
	}
	if c.Sync.UnshareGrace == 0 {
		c.Sync.UnshareGrace = d.Sync.UnshareGrace
	}
	if c.Sync.ResyncSchedule == "" {
		c.Sync.ResyncSchedule = d.Sync.ResyncSchedule
	}
	if c.Log.Level == "" {
		c.Log.Level = d.Log.Level
	}
}

// DatabasePath resolves Database against DataDir.
func (c *Config) DatabasePath() string {
	if filepath.IsAbs(c.Database) {
		return c.Database
	}
	return filepath.Join(c.DataDir, c.Database)
}

// LogLevel maps Log.Level to a slog level.
func (c *Config) LogLevel() slog.Level {
	switch c.Log.Level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Schedule parses Sync.ResyncSchedule. It returns nil when resync is
// disabled.
func (c *Config) Schedule() (cron.Schedule, error) {
	if c.Sync.ResyncSchedule == "" || c.Sync.ResyncSchedule == ResyncOff {
		return nil, nil
	}
	s, err := cron.ParseStandard(c.Sync.ResyncSchedule)
	if err != nil {
		return nil, fmt.Errorf("%w: sync.resync_schedule: %v", ErrInvalid, err)
	}
	return s, nil
}

// Load reads the config at path. On first run the file does not exist: the
// defaults are written there with 0600 permissions and returned.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			cfg := Default()
			if err := Save(path, cfg); err != nil {
				return cfg, err
			}
			return cfg, nil
		}
		return nil, err
	}
	return Parse(path, data)
}

// Parse validates and decodes YAML config bytes. filename is only used in
// error messages.
func Parse(filename string, data []byte) (*Config, error) {
	if err := validate(filename, data); err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	cfg.Normalize()

	if _, err := cfg.Schedule(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// validate checks data against the embedded #Config schema.
func validate(filename string, data []byte) error {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaCUE, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("compile config schema: %w", err)
	}

	file, err := cueyaml.Extract(filename, data)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	value := ctx.BuildFile(file)
	if err := value.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	def := schema.LookupPath(cue.ParsePath("#Config"))
	if err := def.Unify(value).Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}

// Save writes cfg to path atomically, creating parent directories (0700)
// and leaving the file with 0600 permissions.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}
	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".meshcal-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
