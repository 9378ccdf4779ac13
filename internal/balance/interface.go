package balance

import (
	"time"

	"codeberg.org/mutker/balancectl/internal/sensors"
)

// GyroDriver is the gyroscope as seen by the control loop.
type GyroDriver interface {
	Start() error
	Idle() error
	ReadDeltas() ([]sensors.GyroSample, error)
	Calibrate(d time.Duration) (sensors.Vec3, int)
	ResetPosition()
	SetFilter(filter float64) error
}

// AccelDriver is the accelerometer as seen by the control loop.
type AccelDriver interface {
	Read() (sensors.AccelSample, error)
	Calibrate(d time.Duration) (sensors.Vec3, int)
	SetFilter(filter float64) error
}

// Actuator drives both wheels with the same speed in [-1, 1].
type Actuator interface {
	Drive(speed float64) error
	Stop() error
}
