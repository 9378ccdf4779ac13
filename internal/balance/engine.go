// Package balance runs the fixed rate control loop that keeps the vehicle
// upright.
package balance

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync/atomic"
	"time"

	"codeberg.org/mutker/balancectl/internal/attitude"
	"codeberg.org/mutker/balancectl/internal/control"
	"codeberg.org/mutker/balancectl/internal/errors"
	"codeberg.org/mutker/balancectl/internal/logger"
	"codeberg.org/mutker/balancectl/internal/sensors"
	"codeberg.org/mutker/balancectl/internal/telemetry"
)

type State uint8

const (
	Stopped State = iota
	WaitingForReady
	Balancing
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case WaitingForReady:
		return "waiting_for_ready"
	case Balancing:
		return "balancing"
	default:
		return "unknown"
	}
}

const (
	DefaultFrequency           = 200.0
	DefaultMaxTilt             = 45.0
	DefaultReadyBand           = 4.0
	DefaultCalibrationDuration = 2 * time.Second

	commandQueueSize = 16
	// consecutive failed sensor iterations tolerated while balancing
	maxSensorFailures = 3
)

type Options struct {
	Frequency           float64
	MaxTilt             float64
	ReadyBand           float64
	CalibrationDuration time.Duration
	DeadBand            float64
	Settings            Settings
	Clock               func() time.Time
	Logger              logger.Logger
}

func DefaultOptions() Options {
	return Options{
		Frequency:           DefaultFrequency,
		MaxTilt:             DefaultMaxTilt,
		ReadyBand:           DefaultReadyBand,
		CalibrationDuration: DefaultCalibrationDuration,
		DeadBand:            control.DefaultDeadBand,
		Settings:            DefaultSettings(),
	}
}

type commandKind int

const (
	cmdStart commandKind = iota
	cmdStop
	cmdCalibrate
)

type command struct {
	kind   commandKind
	target string
}

// Status is a snapshot readable from any goroutine.
type Status struct {
	State  State
	Errors uint64
}

// Engine owns the drivers, the estimator and the controllers. Everything
// except the command and settings methods must be called from the loop
// goroutine.
type Engine struct {
	gyro      GyroDriver
	accel     AccelDriver
	actuator  Actuator
	telemetry telemetry.RecordLogger
	opts      Options
	log       logger.Logger
	now       func() time.Time

	estimator *attitude.Estimator
	inner     *control.PID
	bump      *control.Bump

	state      State
	lastGyro   sensors.GyroSample
	lastAccel  sensors.AccelSample
	dataPoints int
	faults     supervisor

	settings atomic.Pointer[Settings]
	applied  *Settings
	commands chan command

	stateView  atomic.Uint32
	errorsView atomic.Uint64
}

func New(gyro GyroDriver, accel AccelDriver, actuator Actuator, rec telemetry.RecordLogger, opts Options) (*Engine, error) {
	errFactory := errors.New()

	switch {
	case opts.Frequency <= 0:
		return nil, errFactory.WithData(ErrInvalidOptions, fmt.Sprintf("frequency %v", opts.Frequency))
	case opts.ReadyBand <= 0 || opts.MaxTilt <= opts.ReadyBand:
		return nil, errFactory.WithData(ErrInvalidOptions, fmt.Sprintf("ready band %v, max tilt %v", opts.ReadyBand, opts.MaxTilt))
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = logger.Default()
	}

	e := &Engine{
		gyro:      gyro,
		accel:     accel,
		actuator:  actuator,
		telemetry: rec,
		opts:      opts,
		log:       opts.Logger,
		now:       opts.Clock,
		estimator: attitude.New(opts.Frequency, opts.Settings.GyroWeight),
		inner:     control.NewPID(opts.Settings.Inner, control.WithDeadBand(opts.DeadBand)),
		bump:      control.NewBump(opts.Settings.Bump),
		commands:  make(chan command, commandQueueSize),
	}
	e.faults = supervisor{
		log:  e.log,
		base: time.Duration(float64(time.Second) / opts.Frequency),
	}

	s := opts.Settings
	e.settings.Store(&s)

	return e, nil
}

func (e *Engine) enqueue(c command) error {
	select {
	case e.commands <- c:
		return nil
	default:
		return errors.New().New(ErrCommandQueueFull)
	}
}

// Start begins waiting for the vehicle to be held upright.
func (e *Engine) Start() error {
	return e.enqueue(command{kind: cmdStart})
}

// Stop zeroes the motors and idles the gyro.
func (e *Engine) Stop() error {
	return e.enqueue(command{kind: cmdStop})
}

// Calibrate queues a calibration of "gyro", "accel" or "all". Targets are
// matched by prefix.
func (e *Engine) Calibrate(target string) error {
	target = strings.TrimSpace(target)
	for _, known := range []string{"gyro", "accel", "all"} {
		if strings.HasPrefix(target, known) {
			return e.enqueue(command{kind: cmdCalibrate, target: known})
		}
	}

	return errors.New().WithData(ErrUnknownCalibrationTarget, target)
}

// Settings returns the most recently submitted settings.
func (e *Engine) Settings() Settings {
	return *e.settings.Load()
}

// UpdateSettings atomically replaces the settings with a modified copy.
func (e *Engine) UpdateSettings(fn func(*Settings)) {
	for {
		old := e.settings.Load()
		next := *old
		fn(&next)
		if e.settings.CompareAndSwap(old, &next) {
			return
		}
	}
}

func (e *Engine) Status() Status {
	return Status{
		State:  State(e.stateView.Load()),
		Errors: e.errorsView.Load(),
	}
}

// Run paces Step at the configured frequency until ctx is done, then
// stops the motors.
func (e *Engine) Run(ctx context.Context) error {
	period := time.Duration(float64(time.Second) / e.opts.Frequency)
	timer := time.NewTimer(period)
	defer timer.Stop()

	e.log.Info().
		Float64("frequency", e.opts.Frequency).
		Dur("period", period).
		Msg("Control loop started")

	next := time.Now()
	for {
		if ctx.Err() != nil {
			break
		}

		e.Step(e.now())

		next = next.Add(period)
		sleep := time.Until(next)
		if sleep < -period {
			next = time.Now()
			continue
		}
		if sleep <= 0 {
			continue
		}

		timer.Reset(sleep)
		select {
		case <-ctx.Done():
		case <-timer.C:
		}
	}

	e.shutdown()
	e.log.Info().Msg("Control loop stopped")

	return nil
}

func (e *Engine) shutdown() {
	if err := e.actuator.Stop(); err != nil {
		e.log.Error().Err(err).Msg("Failed to stop motors")
	}
	if err := e.gyro.Idle(); err != nil {
		e.log.Error().Err(err).Msg("Failed to idle gyro")
	}
	e.setState(Stopped)
}

// Step runs one control iteration for the measurement time now. It never
// panics; failures are counted and logged once per episode.
func (e *Engine) Step(now time.Time) {
	defer func() {
		if r := recover(); r != nil {
			e.faults.fail(faultPanic, ErrLoopPanic, errors.New().WithData(ErrLoopPanic, r))
			e.stopMotors()
			if e.state == Balancing {
				e.setState(WaitingForReady)
			}
		} else {
			e.faults.resolved(faultPanic)
		}
		e.errorsView.Store(e.faults.count)
	}()

	e.applySettings()
	e.drainCommands()

	sensorsOK := e.readSensors(now)

	out, bump := 0.0, 0.0
	o := e.estimator.Orientation()

	switch e.state {
	case Stopped:
	case WaitingForReady:
		if sensorsOK && math.Abs(o.X) < e.opts.ReadyBand {
			e.inner.Reset()
			e.bump.Reset()
			e.setState(Balancing)
		}
	case Balancing:
		switch {
		case math.Abs(o.X) > e.opts.MaxTilt:
			e.stopMotors()
			e.log.Warn().Float64("cx", o.X).Msg("Tilt beyond limit, motors stopped")
			e.setState(WaitingForReady)
		case !sensorsOK:
			if e.faults.sensorStreak >= maxSensorFailures {
				e.stopMotors()
				e.setState(WaitingForReady)
			}
		default:
			out, bump = e.control(now, o.X)
			if err := e.actuator.Drive(out); err != nil {
				e.faults.fail(faultActuator, ErrActuator, err)
			} else {
				e.faults.resolved(faultActuator)
			}
		}
	}

	e.emit(now, out, bump)
}

// control evaluates the balancing law for the pitch angle cx in degrees.
func (e *Engine) control(now time.Time, cx float64) (out, bump float64) {
	current := math.Sin(cx*math.Pi/90) * 2
	pid := e.inner.Process(now, 0, current)
	bump = e.bump.Update(now, cx)

	return pid + bump - math.Sin(cx*math.Pi/180), bump
}

func (e *Engine) readSensors(now time.Time) bool {
	if !e.faults.sensorsReady(now) {
		return false
	}

	samples, gyroErr := e.gyro.ReadDeltas()
	if gyroErr != nil {
		e.faults.fail(faultGyro, ErrSensorRead, gyroErr)
	} else {
		e.faults.resolved(faultGyro)
	}

	accel, accelErr := e.accel.Read()
	if accelErr != nil {
		e.faults.fail(faultAccel, ErrSensorRead, accelErr)
	} else {
		e.faults.resolved(faultAccel)
	}

	if gyroErr != nil || accelErr != nil {
		e.faults.sensorFailed(now)
		return false
	}
	e.faults.sensorsOK()

	e.estimator.Update(accel, samples)
	e.lastAccel = accel
	e.dataPoints = len(samples)
	if len(samples) > 0 {
		e.lastGyro = samples[len(samples)-1]
	}

	return true
}

func (e *Engine) emit(now time.Time, out, bump float64) {
	if e.telemetry == nil {
		return
	}

	ts := float64(now.UnixNano()) / 1e9
	if err := e.telemetry.Log(ts, e.record(out, bump)...); err != nil {
		e.faults.fail(faultTelemetry, ErrTelemetry, err)
		return
	}
	e.faults.resolved(faultTelemetry)
}

func (e *Engine) stopMotors() {
	if err := e.actuator.Stop(); err != nil {
		e.faults.fail(faultActuator, ErrActuator, err)
	}
}

func (e *Engine) setState(s State) {
	if e.state == s {
		return
	}
	e.log.Info().
		Str("from", e.state.String()).
		Str("to", s.String()).
		Msg("Balance state changed")
	e.state = s
	e.stateView.Store(uint32(s))
}

func (e *Engine) applySettings() {
	s := e.settings.Load()
	if s == e.applied {
		return
	}

	if err := e.gyro.SetFilter(s.GyroFilter); err != nil {
		e.log.Warn().Err(err).Float64("filter", s.GyroFilter).Msg("Gyro filter rejected, keeping previous")
	}
	if err := e.accel.SetFilter(s.AccelFilter); err != nil {
		e.log.Warn().Err(err).Float64("filter", s.AccelFilter).Msg("Accel filter rejected, keeping previous")
	}
	if s.GyroWeight >= 0 && s.GyroWeight <= 1 {
		e.estimator.SetGyroWeight(s.GyroWeight)
	} else {
		e.log.Warn().Float64("weight", s.GyroWeight).Msg("Gyro weight out of range, keeping previous")
	}
	e.inner.SetGains(s.Inner)
	e.bump.SetConfig(s.Bump)

	e.applied = s
}

func (e *Engine) drainCommands() {
	for {
		select {
		case c := <-e.commands:
			e.execute(c)
		default:
			return
		}
	}
}

func (e *Engine) execute(c command) {
	switch c.kind {
	case cmdStart:
		if e.state != Stopped {
			return
		}
		if err := e.gyro.Start(); err != nil {
			e.log.Error().Err(err).Msg("Failed to start gyro")
			return
		}
		e.setState(WaitingForReady)

	case cmdStop:
		e.stopMotors()
		if err := e.gyro.Idle(); err != nil {
			e.log.Error().Err(err).Msg("Failed to idle gyro")
		}
		e.setState(Stopped)

	case cmdCalibrate:
		d := e.opts.CalibrationDuration
		if c.target == "gyro" || c.target == "all" {
			offset, n := e.gyro.Calibrate(d)
			e.gyro.ResetPosition()
			e.logCalibration("gyro", offset, n)
		}
		if c.target == "accel" || c.target == "all" {
			offset, n := e.accel.Calibrate(d)
			e.logCalibration("accel", offset, n)
		}
		if c.target == "all" {
			e.estimator.Reset()
		}
	}
}

func (e *Engine) logCalibration(sensor string, offset sensors.Vec3, samples int) {
	e.log.Info().
		Str("sensor", sensor).
		Float64("x", offset.X).
		Float64("y", offset.Y).
		Float64("z", offset.Z).
		Int("samples", samples).
		Msg("Calibration finished")
}
