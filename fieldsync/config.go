// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldsync

import (
	"fmt"
	"log/slog"
	"time"
)

// Config holds the engine's tunables.
type Config struct {
	RemoteTimeout time.Duration // bound on every remote insert
	SyncInterval  time.Duration // periodic drain while online
	BackoffMin    time.Duration // first interval after a drain with no progress
	BackoffMax    time.Duration // cap for repeated no-progress drains

	// DrainObserver receives one DrainTiming per completed drain.
	DrainObserver   DrainObserver
	LogDrainTimings bool

	Logger *slog.Logger
}

// DefaultConfig returns a config suitable for a mobile device.
func DefaultConfig() *Config {
	return &Config{
		RemoteTimeout: 5 * time.Second,
		SyncInterval:  30 * time.Second,
		BackoffMin:    1 * time.Second,
		BackoffMax:    5 * time.Minute,
	}
}

// Validate checks the durations for consistency.
func (c *Config) Validate() error {
	if c.RemoteTimeout <= 0 {
		return fmt.Errorf("remote timeout must be positive, got %v", c.RemoteTimeout)
	}
	if c.SyncInterval <= 0 {
		return fmt.Errorf("sync interval must be positive, got %v", c.SyncInterval)
	}
	if c.BackoffMin <= 0 {
		return fmt.Errorf("backoff min must be positive, got %v", c.BackoffMin)
	}
	if c.BackoffMax < c.BackoffMin {
		return fmt.Errorf("backoff max %v is less than backoff min %v", c.BackoffMax, c.BackoffMin)
	}
	return nil
}

func (c *Config) logger() *slog.Logger {
	if c.Logger == nil {
		return slog.Default()
	}
	return c.Logger
}
