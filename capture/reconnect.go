package capture

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// ReconnectConfig contains configuration for reopen retries
type ReconnectConfig struct {
	MaxRetries    int           // Maximum number of attempts, 0 = retry forever
	RetryDelay    time.Duration // Initial retry delay (default: 1 second)
	MaxRetryDelay time.Duration // Maximum retry delay cap (default: 1 second)
}

// FixedDelay returns a config that retries forever with a constant delay.
func FixedDelay(delay time.Duration) ReconnectConfig {
	return ReconnectConfig{
		MaxRetries:    0,
		RetryDelay:    delay,
		MaxRetryDelay: delay,
	}
}

// ReconnectState tracks the current state of reconnection attempts
type ReconnectState struct {
	CurrentRetries int
	Reconnects     *uint32 // Atomic counter for total reconnection attempts
}

// ConnectFunc is a function that attempts to open a device
type ConnectFunc func(ctx context.Context) error

// RunWithReconnect executes connectFn until it succeeds, waiting with backoff
// between attempts.
//
// Backoff schedule: RetryDelay * 2^(attempt-1), capped at MaxRetryDelay.
// With RetryDelay == MaxRetryDelay the delay is fixed.
//
// Returns an error if MaxRetries (> 0) is exceeded or ctx is cancelled.
func RunWithReconnect(
	ctx context.Context,
	connectFn ConnectFunc,
	cfg ReconnectConfig,
	state *ReconnectState,
) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		err := connectFn(ctx)
		if err == nil {
			state.CurrentRetries = 0
			return nil
		}

		state.CurrentRetries++
		atomic.AddUint32(state.Reconnects, 1)

		if cfg.MaxRetries > 0 && state.CurrentRetries > cfg.MaxRetries {
			return fmt.Errorf("capture: max retries exceeded (%d attempts): %w", cfg.MaxRetries, err)
		}

		delay := calculateBackoff(state.CurrentRetries, cfg)

		slog.Warn("capture: device open failed, retrying",
			"error", err,
			"category", CategoryOf(err).String(),
			"attempt", state.CurrentRetries,
			"delay", delay,
		)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// calculateBackoff calculates the backoff delay for a given attempt
//
// Formula: delay = retryDelay * 2^(attempt-1)
// Cap: min(delay, maxRetryDelay)
func calculateBackoff(attempt int, cfg ReconnectConfig) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	// avoid overflowing the shift on long outages
	if attempt > 30 {
		return cfg.MaxRetryDelay
	}

	delay := cfg.RetryDelay * time.Duration(1<<uint(attempt-1))
	if delay > cfg.MaxRetryDelay || delay <= 0 {
		delay = cfg.MaxRetryDelay
	}
	return delay
}
