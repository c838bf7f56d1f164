package config

import "testing"

func TestNewDefaultConfig(t *testing.T) {
	cfg := NewDefaultConfig(4, 8)

	if cfg.StartSector != 4 {
		t.Errorf("expected start sector 4, got %d", cfg.StartSector)
	}

	if cfg.SectorCount != 8 {
		t.Errorf("expected sector count 8, got %d", cfg.SectorCount)
	}

	if cfg.SectorSize != DefaultSectorSize {
		t.Errorf("expected sector size %d, got %d", DefaultSectorSize, cfg.SectorSize)
	}

	if !cfg.StatsEnabled {
		t.Errorf("expected stats enabled by default")
	}

	if cfg.TelemetryEnabled {
		t.Errorf("expected telemetry disabled by default")
	}
}

func TestConfigValidate(t *testing.T) {
	cfg := NewDefaultConfig(0, 8)

	if err := cfg.Validate(); err != nil {
		t.Errorf("expected valid config, got error: %v", err)
	}

	testCases := []struct {
		name   string
		mutate func(*Config)
	}{
		{
			name: "sector count below minimum",
			mutate: func(c *Config) {
				c.SectorCount = 2
			},
		},
		{
			name: "zero sector size",
			mutate: func(c *Config) {
				c.SectorSize = 0
			},
		},
		{
			name: "sector size not a multiple of the flash word",
			mutate: func(c *Config) {
				c.SectorSize = 4097
			},
		},
		{
			name: "unknown log level",
			mutate: func(c *Config) {
				c.LogLevel = "verbose"
			},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := NewDefaultConfig(0, 8)
			tc.mutate(cfg)

			if err := cfg.Validate(); err == nil {
				t.Fatal("expected error, got nil")
			}
		})
	}
}

func TestConfigUpdate(t *testing.T) {
	cfg := NewDefaultConfig(0, 8)

	cfg.Update(func(c *Config) {
		c.SectorCount = 16
		c.StatsEnabled = false
	})

	if cfg.SectorCount != 16 {
		t.Errorf("expected sector count 16, got %d", cfg.SectorCount)
	}

	if cfg.StatsEnabled {
		t.Errorf("expected stats disabled after update")
	}
}

func TestMinSectorCount(t *testing.T) {
	cfg := NewDefaultConfig(0, MinSectorCount)

	if err := cfg.Validate(); err != nil {
		t.Errorf("expected minimum sector count to be valid, got error: %v", err)
	}
}
