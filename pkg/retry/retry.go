// Package retry provides exponential-backoff retries for cross-filesystem
// copies. Asset staging and output collection run against network mounts or
// sync-client folders that fail transiently.
package retry

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Config holds retry behavior.
type Config struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
}

// DefaultConfig suits short filesystem operations.
func DefaultConfig() Config {
	return Config{
		MaxRetries:     3,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     10 * time.Second,
		Multiplier:     2.0,
	}
}

// Do executes fn with exponential backoff until it succeeds, the attempts
// are exhausted, or ctx is canceled.
func Do(ctx context.Context, cfg Config, fn func() error) error {
	var lastErr error
	backoff := cfg.InitialBackoff

	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		select {
		case <-ctx.Done():
			return fmt.Errorf("retry canceled: %w", ctx.Err())
		default:
		}

		if err := fn(); err == nil {
			return nil
		} else {
			lastErr = err
		}

		if attempt == cfg.MaxRetries {
			break
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("retry canceled: %w", ctx.Err())
		case <-time.After(backoff):
		}

		backoff = time.Duration(float64(backoff) * cfg.Multiplier)
		if backoff > cfg.MaxBackoff {
			backoff = cfg.MaxBackoff
		}
	}
	return fmt.Errorf("max retries (%d) exceeded: %w", cfg.MaxRetries, lastErr)
}

// IsTransient reports whether an error is worth retrying. Everything the
// shared filesystem produces under load or mid-sync qualifies.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, s := range []string{
		"resource temporarily unavailable",
		"device or resource busy",
		"input/output error",
		"stale file handle",
		"no such file or directory",
		"permission denied",
		"timeout",
	} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}
