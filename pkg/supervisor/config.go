package supervisor

import (
	"fmt"
	"time"

	"github.com/entrhq/fleet/pkg/config"
	"github.com/entrhq/fleet/pkg/pipeline"
)

// Config holds the supervisor's timing and target.
type Config struct {
	// TargetURL is the chat web client every session opens.
	TargetURL string

	// Pipeline holds the per-step waits.
	Pipeline pipeline.Timing

	// StartWait is the settle after the first navigation of a session.
	StartWait time.Duration

	// QRRefresh is how often a waiting session refreshes its QR snapshot.
	QRRefresh time.Duration

	// CloseGrace is the pause between closing pages and closing the browser.
	CloseGrace time.Duration

	// DelayUnit scales the configured delay bounds. Minutes in production.
	DelayUnit time.Duration
}

// DefaultConfig returns the production configuration.
func DefaultConfig() Config {
	return ConfigFromSettings(config.DefaultSettings())
}

// ConfigFromSettings derives a Config from service settings.
func ConfigFromSettings(s *config.Settings) Config {
	return Config{
		TargetURL:  s.TargetURL,
		Pipeline:   pipeline.TimingFromSettings(s.Timing),
		StartWait:  s.Timing.StartWait,
		QRRefresh:  s.Timing.QRRefresh,
		CloseGrace: s.Timing.CloseGrace,
		DelayUnit:  time.Minute,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.TargetURL == "" {
		return fmt.Errorf("target URL is required")
	}
	if c.QRRefresh <= 0 {
		return fmt.Errorf("QR refresh interval must be positive")
	}
	if c.DelayUnit <= 0 {
		return fmt.Errorf("delay unit must be positive")
	}
	if c.Pipeline.MaxAttempts <= 0 {
		return fmt.Errorf("max attempts must be positive")
	}
	return nil
}
