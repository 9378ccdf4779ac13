package balance

import "codeberg.org/mutker/balancectl/internal/errors"

const (
	ErrUnknownCalibrationTarget = errors.ErrorCode("balance_unknown_calibration_target")
	ErrCommandQueueFull         = errors.ErrorCode("balance_command_queue_full")
	ErrInvalidOptions           = errors.ErrorCode("balance_invalid_options")
	ErrLoopPanic                = errors.ErrorCode("balance_loop_panic")
	ErrSensorRead               = errors.ErrorCode("balance_sensor_read_failed")
	ErrActuator                 = errors.ErrorCode("balance_actuator_failed")
	ErrTelemetry                = errors.ErrorCode("balance_telemetry_failed")
)
