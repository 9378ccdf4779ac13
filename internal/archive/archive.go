package archive

import (
	"codeberg.org/mutker/balancectl/internal/errors"
	"codeberg.org/mutker/balancectl/internal/logger"
)

// New returns the sqlite repository when the archive is enabled and a
// windowed in-memory one otherwise.
func New(cfg Config, log logger.Logger) (Repository, error) {
	errFactory := errors.New()

	if err := cfg.Validate(); err != nil {
		return nil, errFactory.Wrap(ErrInvalidConfig, err)
	}
	if log == nil {
		log = logger.Default()
	}

	if !cfg.Enabled {
		log.Debug().
			Dur("window", cfg.Window).
			Msg("Telemetry archive disabled, keeping recent records in memory")
		return NewMemory(cfg.Window), nil
	}

	repo, err := NewRepository(cfg, log)
	if err != nil {
		log.Debug().Err(err).Msg("Failed to create telemetry archive")
		return nil, err
	}

	return repo, nil
}
