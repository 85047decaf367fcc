package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/meshcal/internal/config"
)

func TestLoad_FirstRunWritesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, config.Default(), cfg)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	// The written defaults must load back cleanly.
	again, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, again)
}

func TestParse_PartialFileKeepsDefaults(t *testing.T) {
	cfg, err := config.Parse("config.yaml", []byte(`
data_dir: /var/lib/meshcal
transport:
  kind: memory
ledger:
  capacity: 500
sync:
  unshare_grace: 250ms
  resync_schedule: "0 * * * *"
log:
  level: debug
`))
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/meshcal", cfg.DataDir)
	assert.Equal(t, "/var/lib/meshcal/meshcal.db", cfg.DatabasePath())
	assert.Equal(t, config.TransportMemory, cfg.Transport.Kind)
	assert.Equal(t, config.DefaultRelayURL, cfg.Transport.RelayURL)
	assert.Equal(t, 500, cfg.Ledger.Capacity)
	assert.InDelta(t, 0.3, cfg.Ledger.TrimRatio, 1e-9)
	assert.Equal(t, 250*time.Millisecond, cfg.Sync.UnshareGrace)
	assert.Equal(t, "debug", cfg.Log.Level)

	sched, err := cfg.Schedule()
	require.NoError(t, err)
	next := sched.Next(time.Date(2025, 1, 1, 10, 30, 0, 0, time.UTC))
	assert.Equal(t, time.Date(2025, 1, 1, 11, 0, 0, 0, time.UTC), next)
}

func TestParse_Empty(t *testing.T) {
	cfg, err := config.Parse("config.yaml", nil)
	require.NoError(t, err)
	assert.Equal(t, config.Default(), cfg)
}

func TestParse_SchemaViolations(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"unknown key", "datadir: /tmp\n"},
		{"bad transport kind", "transport:\n  kind: carrier-pigeon\n"},
		{"bad relay url", "transport:\n  relay_url: http://relay\n"},
		{"zero capacity", "ledger:\n  capacity: 0\n"},
		{"trim ratio above one", "ledger:\n  trim_ratio: 1.5\n"},
		{"bad duration", "sync:\n  unshare_grace: soon\n"},
		{"bad log level", "log:\n  level: loud\n"},
		{"bad share base", "share_base_url: join-here\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := config.Parse("config.yaml", []byte(tt.yaml))
			assert.ErrorIs(t, err, config.ErrInvalid)
		})
	}
}

func TestParse_BadCronSchedule(t *testing.T) {
	_, err := config.Parse("config.yaml", []byte("sync:\n  resync_schedule: every tuesday\n"))
	assert.ErrorIs(t, err, config.ErrInvalid)
}

func TestLogLevel(t *testing.T) {
	cfg := config.Default()
	for level, want := range map[string]string{
		"debug": "DEBUG", "info": "INFO", "warn": "WARN", "error": "ERROR", "": "INFO",
	} {
		cfg.Log.Level = level
		assert.Equal(t, want, cfg.LogLevel().String())
	}
}

func TestDatabasePath_Absolute(t *testing.T) {
	cfg := config.Default()
	cfg.Database = "/tmp/other.db"
	assert.Equal(t, "/tmp/other.db", cfg.DatabasePath())
}

func TestSchedule_Off(t *testing.T) {
	cfg, err := config.Parse("config.yaml", []byte("sync:\n  resync_schedule: \"off\"\n"))
	require.NoError(t, err)
	sched, err := cfg.Schedule()
	require.NoError(t, err)
	assert.Nil(t, sched)
}
