package command

import (
	"time"

	"codeberg.org/mutker/balancectl/internal/errors"
)

type Config struct {
	Broker         string
	ClientID       string
	KeepAlive      time.Duration
	ConnectTimeout time.Duration
	// RetryInterval spaces connection attempts while the broker is
	// unreachable, including before the first successful connect.
	RetryInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		Broker:         "tcp://127.0.0.1:1883",
		ClientID:       "balancectl",
		KeepAlive:      30 * time.Second,
		ConnectTimeout: 10 * time.Second,
		RetryInterval:  5 * time.Second,
	}
}

func (c Config) Validate() error {
	errFactory := errors.New()

	switch {
	case c.Broker == "":
		return errFactory.WithMessage(errors.ErrInvalidConfig, "mqtt broker is required")
	case c.ClientID == "":
		return errFactory.WithMessage(errors.ErrInvalidConfig, "mqtt client id is required")
	case c.KeepAlive <= 0:
		return errFactory.WithData(errors.ErrInvalidConfig, c.KeepAlive)
	case c.ConnectTimeout <= 0:
		return errFactory.WithData(errors.ErrInvalidConfig, c.ConnectTimeout)
	case c.RetryInterval <= 0:
		return errFactory.WithData(errors.ErrInvalidConfig, c.RetryInterval)
	}

	return nil
}
