package telemetry

import (
	"time"

	"codeberg.org/mutker/balancectl/internal/errors"
)

const (
	DefaultPort         = 1860
	DefaultClientBuffer = 1024
	DefaultWriteTimeout = 2 * time.Second

	DefaultReadTimeout  = 2 * time.Second
	DefaultFetchTimeout = 5 * time.Second
	DefaultMinBackoff   = 100 * time.Millisecond
	DefaultMaxBackoff   = 5 * time.Second
)

// ServerConfig controls the telemetry listener.
type ServerConfig struct {
	// Addr is the listen address. An empty host listens on all interfaces.
	Addr string
	// ClientBuffer is the number of frames queued per client before the
	// client is considered too slow and dropped.
	ClientBuffer int
	WriteTimeout time.Duration
}

func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Addr:         ":1860",
		ClientBuffer: DefaultClientBuffer,
		WriteTimeout: DefaultWriteTimeout,
	}
}

func (c ServerConfig) Validate() error {
	errFactory := errors.New()

	if c.ClientBuffer <= 0 {
		return errFactory.WithData(ErrInvalidConfig, struct {
			Field string
			Value int
		}{"client_buffer", c.ClientBuffer})
	}
	if c.WriteTimeout <= 0 {
		return errFactory.WithData(ErrInvalidConfig, struct {
			Field string
			Value time.Duration
		}{"write_timeout", c.WriteTimeout})
	}

	return nil
}

// ClientConfig controls the caching client.
type ClientConfig struct {
	ReadTimeout  time.Duration
	FetchTimeout time.Duration
	MinBackoff   time.Duration
	MaxBackoff   time.Duration
}

func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		ReadTimeout:  DefaultReadTimeout,
		FetchTimeout: DefaultFetchTimeout,
		MinBackoff:   DefaultMinBackoff,
		MaxBackoff:   DefaultMaxBackoff,
	}
}

func (c ClientConfig) Validate() error {
	errFactory := errors.New()
	invalid := func(field string, value time.Duration) error {
		return errFactory.WithData(ErrInvalidConfig, struct {
			Field string
			Value time.Duration
		}{field, value})
	}

	switch {
	case c.ReadTimeout <= 0:
		return invalid("read_timeout", c.ReadTimeout)
	case c.FetchTimeout <= 0:
		return invalid("fetch_timeout", c.FetchTimeout)
	case c.MinBackoff <= 0:
		return invalid("min_backoff", c.MinBackoff)
	case c.MaxBackoff < c.MinBackoff:
		return invalid("max_backoff", c.MaxBackoff)
	}

	return nil
}
