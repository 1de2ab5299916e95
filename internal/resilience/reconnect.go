package resilience

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

// ReconnectConfig holds configuration for reconnection logic
type ReconnectConfig struct {
	MaxAttempts int           // Maximum number of reconnection attempts
	Delay       time.Duration // Delay before each attempt
	Multiplier  float64       // Delay multiplier, 1.0 keeps the delay fixed
	MaxDelay    time.Duration // Upper bound on the delay when it grows
}

// DefaultReconnectConfig returns the fixed-delay policy used for the
// synthesis connection
func DefaultReconnectConfig() *ReconnectConfig {
	return &ReconnectConfig{
		MaxAttempts: 5,
		Delay:       2 * time.Second,
		Multiplier:  1.0,
		MaxDelay:    2 * time.Second,
	}
}

// ReconnectFunc is a function that attempts to reconnect
type ReconnectFunc func() error

// Reconnect runs fn until it succeeds, waiting Delay before every
// attempt, the connection having just dropped. It gives up after
// MaxAttempts failures or when the context is cancelled.
func Reconnect(ctx context.Context, fn ReconnectFunc, config *ReconnectConfig) error {
	if config == nil {
		config = DefaultReconnectConfig()
	}

	delay := config.Delay
	var lastErr error

	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}

		err := fn()
		if err == nil {
			log.Info().Int("attempt", attempt).Msg("Reconnected")
			return nil
		}
		lastErr = err
		log.Warn().
			Err(err).
			Int("attempt", attempt).
			Int("max_attempts", config.MaxAttempts).
			Dur("delay", delay).
			Msg("Reconnection attempt failed")

		if config.Multiplier > 1.0 {
			delay = time.Duration(float64(delay) * config.Multiplier)
			if config.MaxDelay > 0 && delay > config.MaxDelay {
				delay = config.MaxDelay
			}
		}
	}

	if lastErr != nil {
		return fmt.Errorf("failed to reconnect after %d attempts: %w", config.MaxAttempts, lastErr)
	}
	return fmt.Errorf("failed to reconnect after %d attempts", config.MaxAttempts)
}
