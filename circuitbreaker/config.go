package circuitbreaker

import (
	"time"

	"github.com/pkg/errors"
)

const (
	DefaultTimeout                  = 5 * time.Second
	DefaultErrorThresholdPercentage = 50
	DefaultResetTimeout             = 30 * time.Second
	DefaultRollingWindow            = 10 * time.Second
	DefaultVolumeThreshold          = 5
)

// Config tunes a single breaker.
type Config struct {
	// Enabled=false turns the breaker into a passthrough without timeout or state tracking.
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	// Timeout bounds every guarded call, exceeding it counts as a failure.
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
	// ErrorThresholdPercentage of failed calls in the rolling window that trips the breaker.
	ErrorThresholdPercentage uint32 `mapstructure:"errorThresholdPercentage" yaml:"errorThresholdPercentage"`
	// ResetTimeout is how long the breaker stays open before allowing a half-open trial.
	ResetTimeout time.Duration `mapstructure:"resetTimeout" yaml:"resetTimeout"`
	// RollingWindow is the period after which closed state counters are cleared.
	RollingWindow time.Duration `mapstructure:"rollingWindow" yaml:"rollingWindow"`
	// VolumeThreshold is the minimal amount of calls in the window before the ratio is evaluated.
	VolumeThreshold uint32 `mapstructure:"volumeThreshold" yaml:"volumeThreshold"`
}

func DefaultConfig() Config {
	return Config{
		Enabled:                  true,
		Timeout:                  DefaultTimeout,
		ErrorThresholdPercentage: DefaultErrorThresholdPercentage,
		ResetTimeout:             DefaultResetTimeout,
		RollingWindow:            DefaultRollingWindow,
		VolumeThreshold:          DefaultVolumeThreshold,
	}
}

func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}

	if c.Timeout <= 0 {
		return errors.Errorf("timeout must be positive, got %s", c.Timeout)
	}

	if c.ErrorThresholdPercentage == 0 || c.ErrorThresholdPercentage > 100 {
		return errors.Errorf("errorThresholdPercentage must be within 1..100, got %d", c.ErrorThresholdPercentage)
	}

	if c.ResetTimeout <= 0 {
		return errors.Errorf("resetTimeout must be positive, got %s", c.ResetTimeout)
	}

	if c.RollingWindow < 0 {
		return errors.Errorf("rollingWindow can't be negative, got %s", c.RollingWindow)
	}

	if c.VolumeThreshold == 0 {
		return errors.New("volumeThreshold must be at least 1")
	}

	return nil
}
