package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultSettings(t *testing.T) {
	s := DefaultSettings()
	require.NoError(t, s.Validate())

	assert.Equal(t, DefaultDataDir, s.DataDir)
	assert.Equal(t, 5*time.Second, s.Timing.PollInterval)
	assert.Equal(t, 3, s.Timing.MaxAttempts)
	assert.Equal(t, 10*time.Second, s.Timing.CloseGrace)
	assert.True(t, s.Browser.Headless)
}

func TestLoadSettings(t *testing.T) {
	t.Run("yaml file overrides defaults", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "fleet.yaml")
		content := `
data_dir: /srv/fleet
timezone: UTC
timing:
  poll_interval: 2s
  max_attempts: 5
browser:
  headless: false
`
		require.NoError(t, os.WriteFile(path, []byte(content), 0600))

		s, err := LoadSettings(path)
		require.NoError(t, err)
		assert.Equal(t, "/srv/fleet", s.DataDir)
		assert.Equal(t, "UTC", s.Timezone)
		assert.Equal(t, 2*time.Second, s.Timing.PollInterval)
		assert.Equal(t, 5, s.Timing.MaxAttempts)
		assert.Equal(t, 10*time.Second, s.Timing.Settle, "unset fields keep defaults")
		assert.False(t, s.Browser.Headless)
	})

	t.Run("env overrides file", func(t *testing.T) {
		t.Setenv("FLEET_DATA_DIR", "/tmp/fleet-env")
		t.Setenv("FLEET_HEADLESS", "false")
		t.Setenv("FLEET_METRICS_ADDR", ":9191")

		s, err := LoadSettings("")
		require.NoError(t, err)
		assert.Equal(t, "/tmp/fleet-env", s.DataDir)
		assert.False(t, s.Browser.Headless)
		assert.True(t, s.Metrics.Enabled)
		assert.Equal(t, ":9191", s.Metrics.Addr)
	})

	t.Run("invalid headless env", func(t *testing.T) {
		t.Setenv("FLEET_HEADLESS", "maybe")
		_, err := LoadSettings("")
		assert.Error(t, err)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := LoadSettings(filepath.Join(t.TempDir(), "missing.yaml"))
		assert.Error(t, err)
	})
}

func TestSettings_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Settings)
		errMsg string
	}{
		{name: "empty data dir", mutate: func(s *Settings) { s.DataDir = "" }, errMsg: "data_dir"},
		{name: "bad timezone", mutate: func(s *Settings) { s.Timezone = "Mars/Olympus" }, errMsg: "timezone"},
		{name: "zero attempts", mutate: func(s *Settings) { s.Timing.MaxAttempts = 0 }, errMsg: "max_attempts"},
		{name: "zero poll", mutate: func(s *Settings) { s.Timing.PollInterval = 0 }, errMsg: "poll_interval"},
		{name: "metrics without addr", mutate: func(s *Settings) {
			s.Metrics.Enabled = true
			s.Metrics.Addr = ""
		}, errMsg: "metrics.addr"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := DefaultSettings()
			tt.mutate(s)
			err := s.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestLayout(t *testing.T) {
	l := NewLayout("/data")
	assert.Equal(t, "/data/profiles/worker3", l.ProfileDir(3))
	assert.Equal(t, "/data/inputs/worker3.csv", l.QueueFile(3))
	assert.Equal(t, "/data/config/worker3/config.json", l.WorkerConfigFile(3))
	assert.Equal(t, "/data/logs/worker3.log", l.LogFile(3))
	assert.Equal(t, "/data/logs/worker-main.log", l.AggregateLogFile())
	assert.Equal(t, "/data/snapshots/worker3-screenshot.png", l.SnapshotFile(3))

	root := t.TempDir()
	require.NoError(t, NewLayout(root).Ensure())
	for _, dir := range []string{"profiles", "inputs", "config", "logs", "snapshots", "qr"} {
		info, err := os.Stat(filepath.Join(root, dir))
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}
}
