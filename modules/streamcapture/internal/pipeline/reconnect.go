package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// ReconnectConfig contains configuration for exponential backoff reconnection
type ReconnectConfig struct {
	MaxRetries    int           // default 5
	RetryDelay    time.Duration // default 1s
	MaxRetryDelay time.Duration // default 30s
}

// DefaultReconnectConfig returns default reconnection configuration
func DefaultReconnectConfig() ReconnectConfig {
	return ReconnectConfig{
		MaxRetries:    5,
		RetryDelay:    1 * time.Second,
		MaxRetryDelay: 30 * time.Second,
	}
}

// ReconnectState tracks reconnection attempts.
type ReconnectState struct {
	currentRetries atomic.Int32
	Reconnects     *uint32 // atomic, total attempts over the stream lifetime
}

// NewReconnectState creates a state with a fresh reconnect counter.
func NewReconnectState() *ReconnectState {
	return &ReconnectState{Reconnects: new(uint32)}
}

// CurrentRetries returns the number of consecutive failed attempts.
func (s *ReconnectState) CurrentRetries() int {
	return int(s.currentRetries.Load())
}

// Reset clears the consecutive failure count after a healthy connection.
func (s *ReconnectState) Reset() {
	s.currentRetries.Store(0)
	slog.Debug("pipeline: reconnect state reset")
}

// ConnectFunc runs one connection attempt until it fails or ctx ends.
// attempt is 0 for the first run.
type ConnectFunc func(ctx context.Context, attempt int) error

// RunWithReconnect runs connectFn, retrying failures with exponential
// backoff (RetryDelay·2^(n-1), capped at MaxRetryDelay).
//
// Returns nil when connectFn returns nil, ctx.Err() on cancellation, and an
// error once MaxRetries consecutive attempts have failed.
func RunWithReconnect(ctx context.Context, connectFn ConnectFunc, cfg ReconnectConfig, state *ReconnectState) error {
	for attempt := 0; ; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		err := connectFn(ctx, attempt)
		if err == nil {
			state.Reset()
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		slog.Error("pipeline: connection failed", "error", err)

		retries := int(state.currentRetries.Add(1))
		atomic.AddUint32(state.Reconnects, 1)

		if retries > cfg.MaxRetries {
			return fmt.Errorf("max retries exceeded (%d attempts): %w", cfg.MaxRetries, err)
		}

		delay := calculateBackoff(retries, cfg)
		slog.Warn("pipeline: retrying connection",
			"attempt", retries,
			"max_retries", cfg.MaxRetries,
			"delay", delay,
		)

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}

func calculateBackoff(attempt int, cfg ReconnectConfig) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 30 {
		return cfg.MaxRetryDelay
	}
	delay := cfg.RetryDelay * time.Duration(1<<uint(attempt-1))
	if delay > cfg.MaxRetryDelay {
		delay = cfg.MaxRetryDelay
	}
	return delay
}
