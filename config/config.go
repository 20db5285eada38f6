// Package config holds environment-driven tunables for a quotaguard host
// process: a DefaultConfig constructor with sane built-in values, and a
// FromEnv layer of os.Getenv + fmt.Sscanf overrides on top of it.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/quotaguard/quotaguard/patterndetector"
	"github.com/quotaguard/quotaguard/queue"
	"github.com/quotaguard/quotaguard/store"
)

// Config holds the tunables a host needs to construct a Manager.
type Config struct {
	// StoreDriver selects the durable backend: "memory", "sqlite", "postgres".
	StoreDriver string
	// StoreDSN is the driver-specific connection string (sqlite file path,
	// or postgres connection URL). Ignored for "memory".
	StoreDSN string

	// DrainBound caps how many queue entries one post-call drains.
	DrainBound int
	// DrainRatePerSecond bounds how many drain iterations run per second
	// across the whole process (storm protection).
	DrainRatePerSecond float64

	// QueueMaxAge is the max in-flight age before a pending entry expires.
	QueueMaxAge time.Duration
	// QueueMaxRetries bounds dequeue retry attempts.
	QueueMaxRetries int

	// PatternLookback is how far back PatternDetector scans allowed events.
	PatternLookback time.Duration
	// PatternConfidenceThreshold filters low-confidence patterns.
	PatternConfidenceThreshold float64

	// EventRetention, QueueRetention, WindowRetention, PatternRetention are
	// the housekeeping thresholds the retention sweeper prunes against.
	EventRetention         time.Duration
	QueueRetention         time.Duration
	WindowRetention        time.Duration
	PatternMinConfidence   float64
	PatternRetention       time.Duration

	// MetricsAddr is the listen address for the /metrics endpoint; empty
	// disables it.
	MetricsAddr string
}

// DefaultConfig returns production-sensible defaults.
func DefaultConfig() Config {
	return Config{
		StoreDriver:                "sqlite",
		StoreDSN:                   "quotaguard.db",
		DrainBound:                 5,
		DrainRatePerSecond:         50,
		QueueMaxAge:                queue.DefaultMaxAge,
		QueueMaxRetries:            queue.DefaultMaxRetries,
		PatternLookback:            patterndetector.DefaultLookback,
		PatternConfidenceThreshold: patterndetector.DefaultConfidenceThreshold,
		EventRetention:             time.Duration(store.DefaultEventRetention) * time.Hour,
		QueueRetention:             time.Duration(store.DefaultQueueTerminalRetentionH) * time.Hour,
		WindowRetention:            time.Duration(store.DefaultWindowRetentionH) * time.Hour,
		PatternMinConfidence:       store.DefaultPatternMinConfidence,
		PatternRetention:           time.Duration(store.DefaultPatternRetentionH) * time.Hour,
		MetricsAddr:                ":9090",
	}
}

// FromEnv overlays environment variable overrides onto DefaultConfig.
func FromEnv() Config {
	cfg := DefaultConfig()

	if v := os.Getenv("QUOTAGUARD_STORE_DRIVER"); v != "" {
		cfg.StoreDriver = v
	}
	if v := os.Getenv("QUOTAGUARD_STORE_DSN"); v != "" {
		cfg.StoreDSN = v
	}
	if v := os.Getenv("QUOTAGUARD_DRAIN_BOUND"); v != "" {
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil && n > 0 {
			cfg.DrainBound = n
		}
	}
	if v := os.Getenv("QUOTAGUARD_DRAIN_RATE"); v != "" {
		var f float64
		if _, err := fmt.Sscanf(v, "%f", &f); err == nil && f > 0 {
			cfg.DrainRatePerSecond = f
		}
	}
	if v := os.Getenv("QUOTAGUARD_QUEUE_MAX_AGE_SECONDS"); v != "" {
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil && n > 0 {
			cfg.QueueMaxAge = time.Duration(n) * time.Second
		}
	}
	if v := os.Getenv("QUOTAGUARD_PATTERN_CONFIDENCE_THRESHOLD"); v != "" {
		var f float64
		if _, err := fmt.Sscanf(v, "%f", &f); err == nil && f > 0 {
			cfg.PatternConfidenceThreshold = f
		}
	}
	if v := os.Getenv("QUOTAGUARD_METRICS_ADDR"); v != "" {
		cfg.MetricsAddr = v
	}

	return cfg
}
