package sensors

import "codeberg.org/mutker/balancectl/internal/errors"

const (
	ErrInvalidFrequency = errors.ErrorCode("sensors_invalid_frequency")
	ErrInvalidBandwidth = errors.ErrorCode("sensors_invalid_bandwidth")
	ErrInvalidFilter    = errors.ErrorCode("sensors_invalid_filter")
	ErrBusRead          = errors.ErrorCode("sensors_bus_read_failed")
	ErrBusWrite         = errors.ErrorCode("sensors_bus_write_failed")
	ErrDataTimeout      = errors.ErrorCode("sensors_data_timeout")
	ErrOpenBus          = errors.ErrOpenBus
)
