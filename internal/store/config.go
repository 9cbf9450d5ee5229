// Manages store configuration stored in rundb_config.json.

package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// Config stores all store-wide configuration.
// Loaded from rundb_config.json, created with defaults if missing.
type Config struct {
	// Quotas defines resource limits for experiments and runs.
	Quotas Quotas `json:"quotas"`

	// GC controls orphan blob reclamation.
	GC GCConfig `json:"gc"`

	// Audit controls the git commit journal over the data directory.
	Audit AuditConfig `json:"audit"`

	// Pacing throttles buffered metric appends in tracking clients.
	Pacing PacingConfig `json:"pacing"`

	// SequenceBlock is the number of ids reserved per durable write of an
	// id namespace's high-water mark. A crash forfeits at most the unissued
	// remainder of a block; 1 persists every id.
	SequenceBlock uint64 `json:"sequence_block"`
}

// GCConfig controls orphan blob reclamation.
type GCConfig struct {
	// OrphanMinAgeSec protects recently written blobs from collection.
	// An upload is a blob write followed by a metadata registration; blobs
	// younger than this are assumed to be in that window.
	OrphanMinAgeSec int64 `json:"orphan_min_age_sec"`
}

// Validate checks that GC settings are valid.
func (g *GCConfig) Validate() error {
	if g.OrphanMinAgeSec < 0 {
		return errors.New("orphan_min_age_sec must be non-negative")
	}
	return nil
}

// AuditConfig controls the git commit journal.
type AuditConfig struct {
	// Enabled turns on journaling of registry transitions and finalized runs.
	Enabled bool `json:"enabled"`

	// CommitterName and CommitterEmail identify the journal committer.
	// Empty values fall back to "rundb <rundb@localhost>".
	CommitterName  string `json:"committer_name"`
	CommitterEmail string `json:"committer_email"`
}

// PacingConfig throttles buffered metric appends in tracking clients.
type PacingConfig struct {
	// MetricsPerSec limits buffered metric appends per run.
	// 0 means unlimited.
	MetricsPerSec float64 `json:"metrics_per_sec"`

	// MetricsBurst is the token bucket burst size.
	MetricsBurst int `json:"metrics_burst"`
}

// Validate checks that pacing settings are consistent.
func (p *PacingConfig) Validate() error {
	if p.MetricsPerSec < 0 {
		return errors.New("metrics_per_sec must be non-negative")
	}
	if p.MetricsBurst < 0 {
		return errors.New("metrics_burst must be non-negative")
	}
	if p.MetricsPerSec > 0 && p.MetricsBurst == 0 {
		return errors.New("metrics_burst must be positive when metrics_per_sec is set")
	}
	return nil
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if err := c.Quotas.Validate(); err != nil {
		return fmt.Errorf("quotas: %w", err)
	}
	if err := c.GC.Validate(); err != nil {
		return fmt.Errorf("gc: %w", err)
	}
	if err := c.Pacing.Validate(); err != nil {
		return fmt.Errorf("pacing: %w", err)
	}
	if c.SequenceBlock == 0 {
		return errors.New("sequence_block must be positive")
	}
	return nil
}

// DefaultConfig returns the configuration written on first open.
func DefaultConfig() *Config {
	return &Config{
		Quotas:        DefaultQuotas(),
		GC:            GCConfig{OrphanMinAgeSec: 3600},
		Audit:         AuditConfig{Enabled: false},
		Pacing:        PacingConfig{},
		SequenceBlock: 16,
	}
}

// LoadConfig loads configuration from dataDir/rundb_config.json.
// Creates the file with defaults if it doesn't exist.
func LoadConfig(dataDir string) (*Config, error) {
	path := filepath.Join(dataDir, configFileName)

	cfg := DefaultConfig()
	data, err := os.ReadFile(path) //nolint:gosec // G304: path is constructed from dataDir, not user input
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read %s: %w", configFileName, err)
		}
		if err := cfg.Save(dataDir); err != nil {
			return nil, err
		}
	} else if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", configFileName, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid %s: %w", configFileName, err)
	}
	return cfg, nil
}

// Save saves configuration to dataDir/rundb_config.json.
func (c *Config) Save(dataDir string) error {
	if err := c.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	data = append(data, '\n')
	if err := os.WriteFile(filepath.Join(dataDir, configFileName), data, 0o600); err != nil {
		return fmt.Errorf("failed to write %s: %w", configFileName, err)
	}
	return nil
}

//

const configFileName = "rundb_config.json"
