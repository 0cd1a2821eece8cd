package config

import (
	"fmt"
	"log/slog"

	"github.com/sweeney/device-agent/internal/nvram"
)

// Store loads and persists the configuration through non-volatile storage.
// Persistence is write-through: every mutation is saved immediately.
type Store struct {
	storage nvram.Storage
	log     *slog.Logger
}

// NewStore creates a Store backed by the given storage.
func NewStore(storage nvram.Storage, log *slog.Logger) *Store {
	return &Store{storage: storage, log: log}
}

// Load reads the configuration from storage. A record from a different
// major-version band is zeroed and re-stamped with the running version;
// there is no partial migration. A zero monitor period is clamped to the
// retry-period floor. Storage read failures fall back to a zeroed,
// re-stamped configuration, since the device must still come up.
func (s *Store) Load() Configuration {
	var cfg Configuration
	blob, err := s.storage.Read(nvram.CellConfig)
	if err != nil {
		s.log.Error("config read failed, using zeroed config", "error", err)
	} else if len(blob) > 0 {
		if err := cfg.Decode(blob); err != nil {
			s.log.Error("config decode failed, using zeroed config", "error", err)
			cfg = Configuration{}
		}
	}

	if cfg.Version/10 != Version/10 {
		s.log.Info("clearing config from different version band", "stored", cfg.Version, "running", Version)
		cfg = Configuration{}
	}
	cfg.Version = Version

	if cfg.MonPeriod == 0 {
		cfg.MonPeriod = RetryPeriod
	}
	return cfg
}

// Save persists the full configuration record. A failed save is reported to
// the caller; it must never be treated as success.
func (s *Store) Save(cfg *Configuration) error {
	if err := s.storage.Write(nvram.CellConfig, cfg.Encode()); err != nil {
		return fmt.Errorf("save config: %w", err)
	}
	s.log.Debug("wrote config",
		"monPeriod", cfg.MonPeriod, "actPeriod", cfg.ActPeriod,
		"inputs", cfg.Inputs, "outputs", cfg.Outputs)
	return nil
}
