package archive

import (
	"time"

	"codeberg.org/mutker/balancectl/internal/errors"
)

const (
	defaultDirPerm      = 0o755
	defaultDBPath       = "/var/lib/balancectl/telemetry.db"
	defaultBatchSize    = 200
	defaultBatchTimeout = time.Second
	defaultWindow       = 60 * time.Second
)

type Config struct {
	// Enabled selects the sqlite store. When disabled records are kept in
	// memory for Window only.
	Enabled      bool
	DBPath       string
	BatchSize    int
	BatchTimeout time.Duration
	Window       time.Duration
}

func DefaultConfig() Config {
	return Config{
		DBPath:       defaultDBPath,
		BatchSize:    defaultBatchSize,
		BatchTimeout: defaultBatchTimeout,
		Window:       defaultWindow,
	}
}

func (c Config) Validate() error {
	errFactory := errors.New()

	if c.Enabled && c.DBPath == "" {
		return errFactory.New(ErrInvalidDBPath)
	}
	if c.BatchSize < 0 {
		return errFactory.WithData(ErrInvalidConfig, struct {
			Field string
			Value int
		}{"batch_size", c.BatchSize})
	}
	if !c.Enabled && c.Window <= 0 {
		return errFactory.WithData(ErrInvalidConfig, struct {
			Field string
			Value time.Duration
		}{"window", c.Window})
	}

	return nil
}
