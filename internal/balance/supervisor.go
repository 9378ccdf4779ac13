package balance

import (
	"time"

	"codeberg.org/mutker/balancectl/internal/errors"
	"codeberg.org/mutker/balancectl/internal/logger"
)

type faultKind int

const (
	faultGyro faultKind = iota
	faultAccel
	faultActuator
	faultTelemetry
	faultPanic
	faultKinds
)

func (k faultKind) String() string {
	switch k {
	case faultGyro:
		return "gyro"
	case faultAccel:
		return "accel"
	case faultActuator:
		return "actuator"
	case faultTelemetry:
		return "telemetry"
	case faultPanic:
		return "panic"
	default:
		return "unknown"
	}
}

const maxSensorBackoff = time.Second

// supervisor counts loop failures and logs each kind once per episode.
// Consecutive sensor failures push the next sensor read out exponentially.
type supervisor struct {
	log    logger.Logger
	active [faultKinds]bool
	count  uint64

	base         time.Duration
	sensorStreak int
	retryAt      time.Time
}

func (s *supervisor) fail(kind faultKind, code errors.ErrorCode, err error) {
	s.count++
	if s.active[kind] {
		return
	}
	s.active[kind] = true

	var coded errors.Error
	if !errors.As(err, &coded) {
		coded = errors.New().Wrap(code, err)
	}
	s.log.ErrorWithContext(coded, "balance", kind.String()).Msg("Control loop fault")
}

func (s *supervisor) resolved(kind faultKind) {
	if !s.active[kind] {
		return
	}
	s.active[kind] = false
	s.log.Info().Str("operation", kind.String()).Msg("Control loop recovered")
}

func (s *supervisor) sensorsReady(now time.Time) bool {
	return !now.Before(s.retryAt)
}

func (s *supervisor) sensorFailed(now time.Time) {
	s.sensorStreak++

	delay := s.base
	for i := 0; i < s.sensorStreak && delay < maxSensorBackoff; i++ {
		delay *= 2
	}
	s.retryAt = now.Add(min(delay, maxSensorBackoff))
}

func (s *supervisor) sensorsOK() {
	s.sensorStreak = 0
	s.retryAt = time.Time{}
}
