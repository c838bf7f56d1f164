package config

import (
	"errors"
	"fmt"
	"sync"
)

// ErrInvalidConfig is returned by Validate when a Config value is unusable.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config describes the flash region a store manages and the ambient
// behavior of the components layered on top of it. Unlike a host-backed
// engine, there is no on-disk manifest to load: the flash region itself is
// the only persisted state, so a Config is always supplied by the caller at
// InitCustom time rather than recovered from a file.
type Config struct {
	// StartSector is the first flash sector, in sector units, owned by the
	// store. Nothing outside [StartSector, StartSector+SectorCount) is ever
	// touched.
	StartSector uint32 `json:"start_sector"`

	// SectorCount is the number of consecutive sectors dedicated to the
	// store. Must be at least 3: one page must always be free to absorb a
	// write while another page is being compacted.
	SectorCount uint32 `json:"sector_count"`

	// SectorSize is the size in bytes of a single flash sector. Fixed by the
	// underlying flash geometry, not a tuning knob, but kept configurable so
	// tests can exercise non-4096 geometries.
	SectorSize uint32 `json:"sector_size"`

	// StatsEnabled turns on operation/latency tracking via pkg/stats.
	StatsEnabled bool `json:"stats_enabled"`

	// TelemetryEnabled turns on OpenTelemetry span/metric recording via
	// pkg/telemetry.
	TelemetryEnabled bool `json:"telemetry_enabled"`

	// LogLevel is the minimum severity emitted by the default logger.
	LogLevel string `json:"log_level"`

	mu sync.RWMutex
}

const (
	// DefaultSectorSize matches the smallest common NOR erase granularity.
	DefaultSectorSize = 4096

	// MinSectorCount is the smallest pool that can hold one free page, one
	// active page, and one page pending compaction.
	MinSectorCount = 3
)

// NewDefaultConfig creates a Config for a region of the given geometry with
// recommended ambient defaults.
func NewDefaultConfig(startSector, sectorCount uint32) *Config {
	return &Config{
		StartSector:      startSector,
		SectorCount:      sectorCount,
		SectorSize:       DefaultSectorSize,
		StatsEnabled:     true,
		TelemetryEnabled: false,
		LogLevel:         "info",
	}
}

// Validate checks if the configuration is usable.
func (c *Config) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.SectorCount < MinSectorCount {
		return fmt.Errorf("%w: sector count %d below minimum %d", ErrInvalidConfig, c.SectorCount, MinSectorCount)
	}

	if c.SectorSize == 0 {
		return fmt.Errorf("%w: sector size must be positive", ErrInvalidConfig)
	}

	if c.SectorSize%4 != 0 {
		return fmt.Errorf("%w: sector size must be a multiple of the 4-byte flash word", ErrInvalidConfig)
	}

	switch c.LogLevel {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("%w: unknown log level %q", ErrInvalidConfig, c.LogLevel)
	}

	return nil
}

// Update applies the given function to modify the configuration under lock.
func (c *Config) Update(fn func(*Config)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(c)
}
