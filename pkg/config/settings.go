package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Default values for service settings
const (
	DefaultDataDir     = "/data"
	DefaultTimezone    = "Asia/Jakarta"
	DefaultTargetURL   = "https://web.whatsapp.com"
	DefaultMetricsAddr = ":9090"
)

// Settings is the service-wide configuration shared by every worker.
type Settings struct {
	// DataDir is the root of every per-worker file
	DataDir string `yaml:"data_dir" json:"data_dir"`

	// Timezone is used for queue timestamps and log lines
	Timezone string `yaml:"timezone" json:"timezone"`

	// TargetURL is the surface each worker session opens
	TargetURL string `yaml:"target_url" json:"target_url"`

	Browser BrowserSettings `yaml:"browser" json:"browser"`
	Timing  TimingSettings  `yaml:"timing" json:"timing"`
	Metrics MetricsSettings `yaml:"metrics" json:"metrics"`
	Log     LogSettings     `yaml:"log" json:"log"`
}

// BrowserSettings configures how sessions are launched.
type BrowserSettings struct {
	Headless       bool     `yaml:"headless" json:"headless"`
	ExecutablePath string   `yaml:"executable_path" json:"executable_path"`
	Args           []string `yaml:"args" json:"args"`
	Width          int      `yaml:"width" json:"width"`
	Height         int      `yaml:"height" json:"height"`
}

// TimingSettings holds the waits used by the step pipeline and the supervisor.
type TimingSettings struct {
	PollInterval time.Duration `yaml:"poll_interval" json:"poll_interval"`
	MaxAttempts  int           `yaml:"max_attempts" json:"max_attempts"`
	Settle       time.Duration `yaml:"settle" json:"settle"`
	PageLoad     time.Duration `yaml:"page_load" json:"page_load"`
	StartWait    time.Duration `yaml:"start_wait" json:"start_wait"`
	QRRefresh    time.Duration `yaml:"qr_refresh" json:"qr_refresh"`
	CloseGrace   time.Duration `yaml:"close_grace" json:"close_grace"`
}

// MetricsSettings configures the prometheus endpoint.
type MetricsSettings struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Addr    string `yaml:"addr" json:"addr"`
}

// LogSettings configures console mirroring of log lines.
type LogSettings struct {
	Console bool `yaml:"console" json:"console"`
}

// DefaultSettings returns settings matching the original deployment.
func DefaultSettings() *Settings {
	return &Settings{
		DataDir:   DefaultDataDir,
		Timezone:  DefaultTimezone,
		TargetURL: DefaultTargetURL,
		Browser: BrowserSettings{
			Headless: true,
			Args: []string{
				"--no-sandbox",
				"--disable-setuid-sandbox",
				"--disable-dev-shm-usage",
				"--disable-gpu",
				"--window-size=1366,768",
				"--start-maximized",
			},
			Width:  1366,
			Height: 768,
		},
		Timing: TimingSettings{
			PollInterval: 5 * time.Second,
			MaxAttempts:  3,
			Settle:       10 * time.Second,
			PageLoad:     180 * time.Second,
			StartWait:    30 * time.Second,
			QRRefresh:    15 * time.Second,
			CloseGrace:   10 * time.Second,
		},
		Metrics: MetricsSettings{
			Enabled: false,
			Addr:    DefaultMetricsAddr,
		},
		Log: LogSettings{
			Console: true,
		},
	}
}

// LoadSettings reads settings from an optional YAML file, then applies
// environment overrides. A .env file in the working directory is loaded
// first when present.
func LoadSettings(path string) (*Settings, error) {
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			return nil, fmt.Errorf("failed to load .env: %w", err)
		}
	}

	settings := DefaultSettings()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read settings file: %w", err)
		}
		if err := yaml.Unmarshal(data, settings); err != nil {
			return nil, fmt.Errorf("failed to parse settings file: %w", err)
		}
	}

	if err := settings.applyEnv(); err != nil {
		return nil, err
	}

	if err := settings.Validate(); err != nil {
		return nil, err
	}

	return settings, nil
}

// applyEnv overrides fields from FLEET_* environment variables.
func (s *Settings) applyEnv() error {
	if v := os.Getenv("FLEET_DATA_DIR"); v != "" {
		s.DataDir = v
	}
	if v := os.Getenv("FLEET_TIMEZONE"); v != "" {
		s.Timezone = v
	}
	if v := os.Getenv("FLEET_TARGET_URL"); v != "" {
		s.TargetURL = v
	}
	if v := os.Getenv("FLEET_BROWSER_PATH"); v != "" {
		s.Browser.ExecutablePath = v
	}
	if v := os.Getenv("FLEET_METRICS_ADDR"); v != "" {
		s.Metrics.Addr = v
		s.Metrics.Enabled = true
	}
	if v := os.Getenv("FLEET_HEADLESS"); v != "" {
		headless, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid FLEET_HEADLESS %q: %w", v, err)
		}
		s.Browser.Headless = headless
	}
	return nil
}

// Validate validates the settings
func (s *Settings) Validate() error {
	if s.DataDir == "" {
		return errors.New("data_dir is required")
	}

	if _, err := time.LoadLocation(s.Timezone); err != nil {
		return fmt.Errorf("invalid timezone %q: %w", s.Timezone, err)
	}

	if s.TargetURL == "" {
		return errors.New("target_url is required")
	}

	if s.Timing.MaxAttempts <= 0 {
		return fmt.Errorf("timing.max_attempts must be positive")
	}

	durations := map[string]time.Duration{
		"poll_interval": s.Timing.PollInterval,
		"settle":        s.Timing.Settle,
		"page_load":     s.Timing.PageLoad,
		"start_wait":    s.Timing.StartWait,
		"qr_refresh":    s.Timing.QRRefresh,
		"close_grace":   s.Timing.CloseGrace,
	}
	for name, d := range durations {
		if d <= 0 {
			return fmt.Errorf("timing.%s must be positive", name)
		}
	}

	if s.Metrics.Enabled && s.Metrics.Addr == "" {
		return errors.New("metrics.addr is required when metrics are enabled")
	}

	return nil
}

// Location returns the configured timezone. Validate guarantees it loads.
func (s *Settings) Location() *time.Location {
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}

// Layout returns the file layout under DataDir.
func (s *Settings) Layout() Layout {
	return NewLayout(s.DataDir)
}
