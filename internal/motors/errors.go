package motors

import "codeberg.org/mutker/balancectl/internal/errors"

const (
	ErrPinNotFound = errors.ErrorCode("motors_pin_not_found")
	ErrPinWrite    = errors.ErrorCode("motors_pin_write_failed")
	ErrInvalidPWM  = errors.ErrorCode("motors_invalid_pwm_frequency")
	ErrInitHost    = errors.ErrInitHost
	ErrStopFailed  = errors.ErrStopMotors
)
