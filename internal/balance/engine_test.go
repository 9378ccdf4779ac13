package balance_test

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"strings"
	"testing"
	"time"

	"codeberg.org/mutker/balancectl/internal/balance"
	"codeberg.org/mutker/balancectl/internal/errors"
	"codeberg.org/mutker/balancectl/internal/logger"
	"codeberg.org/mutker/balancectl/internal/sensors"
	"codeberg.org/mutker/balancectl/internal/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeGyro struct {
	err        error
	rate       float64
	reads      int
	starts     int
	idles      int
	calibrated int
	resets     int
	filter     float64
}

func (g *fakeGyro) Start() error { g.starts++; return nil }
func (g *fakeGyro) Idle() error  { g.idles++; return nil }

func (g *fakeGyro) ReadDeltas() ([]sensors.GyroSample, error) {
	g.reads++
	if g.err != nil {
		return nil, g.err
	}

	return []sensors.GyroSample{{
		DX:     12,
		Rate:   sensors.Vec3{X: g.rate},
		Status: sensors.StatusMarker | 0x0F,
	}}, nil
}

func (g *fakeGyro) Calibrate(time.Duration) (sensors.Vec3, int) {
	g.calibrated++
	return sensors.Vec3{X: 1}, 10
}

func (g *fakeGyro) ResetPosition() { g.resets++ }

func (g *fakeGyro) SetFilter(f float64) error {
	if f <= 0 || f > 1 {
		return fmt.Errorf("bad filter %v", f)
	}
	g.filter = f

	return nil
}

type fakeAccel struct {
	pitch      float64
	panics     bool
	calibrated int
	filter     float64
}

func (a *fakeAccel) Read() (sensors.AccelSample, error) {
	if a.panics {
		panic("bus exploded")
	}
	rad := a.pitch * math.Pi / 180

	return sensors.AccelSample{RawX: 256, Value: sensors.Vec3{X: math.Cos(rad), Z: math.Sin(rad)}}, nil
}

func (a *fakeAccel) Calibrate(time.Duration) (sensors.Vec3, int) {
	a.calibrated++
	return sensors.Vec3{}, 10
}

func (a *fakeAccel) SetFilter(f float64) error {
	a.filter = f
	return nil
}

type fakeActuator struct {
	speeds []float64
	stops  int
}

func (m *fakeActuator) Drive(speed float64) error {
	m.speeds = append(m.speeds, speed)
	return nil
}

func (m *fakeActuator) Stop() error {
	m.stops++
	return nil
}

type fakeRecorder struct {
	t       *testing.T
	schema  *telemetry.Schema
	records []telemetry.Record
}

func (r *fakeRecorder) Log(ts float64, values ...any) error {
	if _, err := telemetry.EncodeRecord(r.schema, ts, values...); err != nil {
		r.t.Errorf("record does not match schema: %v", err)
		return err
	}
	r.records = append(r.records, telemetry.Record{Timestamp: ts, Values: values})

	return nil
}

func (r *fakeRecorder) last(t *testing.T, field string) float64 {
	t.Helper()

	i, ok := r.schema.Index(field)
	require.True(t, ok, field)
	require.NotEmpty(t, r.records)

	return r.records[len(r.records)-1].Float(i)
}

type rig struct {
	engine *balance.Engine
	gyro   *fakeGyro
	accel  *fakeAccel
	motors *fakeActuator
	rec    *fakeRecorder
	logs   *bytes.Buffer
	now    time.Time
}

func newRig(t *testing.T, weight float64) *rig {
	t.Helper()

	logs := &bytes.Buffer{}
	require.NoError(t, logger.InitWithWriter(logs, "debug"))

	schema, err := balance.NewSchema()
	require.NoError(t, err)

	r := &rig{
		gyro:   &fakeGyro{},
		accel:  &fakeAccel{},
		motors: &fakeActuator{},
		rec:    &fakeRecorder{t: t, schema: schema},
		logs:   logs,
		now:    time.Unix(1700000000, 0),
	}

	opts := balance.DefaultOptions()
	opts.Settings.GyroWeight = weight
	r.engine, err = balance.New(r.gyro, r.accel, r.motors, r.rec, opts)
	require.NoError(t, err)

	return r
}

func (r *rig) step(pitch float64) balance.State {
	r.accel.pitch = pitch
	r.now = r.now.Add(5 * time.Millisecond)
	r.engine.Step(r.now)

	return r.engine.Status().State
}

func TestNewValidatesOptions(t *testing.T) {
	opts := balance.DefaultOptions()
	opts.MaxTilt = 2
	_, err := balance.New(&fakeGyro{}, &fakeAccel{}, &fakeActuator{}, nil, opts)
	assert.True(t, errors.HasCode(err, balance.ErrInvalidOptions))
}

func TestEntersBalancingInsideReadyBand(t *testing.T) {
	r := newRig(t, 0)
	require.NoError(t, r.engine.Start())

	var states []balance.State
	for _, pitch := range []float64{10, 6, 2, -1, 3} {
		states = append(states, r.step(pitch))
	}

	assert.Equal(t, []balance.State{
		balance.WaitingForReady,
		balance.WaitingForReady,
		balance.Balancing,
		balance.Balancing,
		balance.Balancing,
	}, states)
	assert.Equal(t, 1, r.gyro.starts)
}

func TestReadyBandIsExclusive(t *testing.T) {
	r := newRig(t, 0)
	require.NoError(t, r.engine.Start())

	assert.Equal(t, balance.WaitingForReady, r.step(4.5))
	assert.Equal(t, balance.Balancing, r.step(3.9))
}

func TestTiltLimitStopsMotors(t *testing.T) {
	r := newRig(t, 0)
	require.NoError(t, r.engine.Start())
	r.step(1)
	r.step(1)
	driven := len(r.motors.speeds)
	require.Positive(t, driven)

	assert.Equal(t, balance.WaitingForReady, r.step(50))
	assert.Equal(t, 1, r.motors.stops)
	assert.Len(t, r.motors.speeds, driven, "no drive command after the cutoff")
	assert.Zero(t, r.rec.last(t, "out"))
}

func TestControlLaw(t *testing.T) {
	r := newRig(t, 0)
	require.NoError(t, r.engine.Start())

	require.Equal(t, balance.Balancing, r.step(2))
	assert.Empty(t, r.motors.speeds)

	r.step(2)
	require.Len(t, r.motors.speeds, 1)

	want := -math.Sin(2 * math.Pi / 180)
	assert.InDelta(t, want, r.motors.speeds[0], 1e-9, "first PID call only seeds")
	assert.InDelta(t, want, r.rec.last(t, "out"), 1e-9)
	assert.InDelta(t, 2, r.rec.last(t, "cx"), 1e-9)

	r.step(3)
	pidOut := r.rec.last(t, "pi_o")
	assert.NotZero(t, pidOut)
	assert.InDelta(t, pidOut+r.rec.last(t, "bump")-math.Sin(3*math.Pi/180), r.motors.speeds[1], 1e-9)
}

func TestTelemetryEveryIteration(t *testing.T) {
	r := newRig(t, 0.95)

	for i := 0; i < 3; i++ {
		assert.Equal(t, balance.Stopped, r.step(10))
	}

	require.Len(t, r.rec.records, 3)
	assert.Equal(t, float64(balance.Stopped), r.rec.last(t, "state"))
	assert.Equal(t, 12.0, r.rec.last(t, "gdx"))
	assert.Equal(t, 1.0, r.rec.last(t, "data_points"))
	assert.Greater(t, r.rec.last(t, "cx"), 0.0)
	assert.Empty(t, r.motors.speeds)
}

func TestCalibrate(t *testing.T) {
	r := newRig(t, 0.95)

	err := r.engine.Calibrate("compass")
	assert.True(t, errors.HasCode(err, balance.ErrUnknownCalibrationTarget))

	for i := 0; i < 200; i++ {
		r.step(10)
	}
	require.InDelta(t, 10, r.rec.last(t, "cx"), 0.01)

	require.NoError(t, r.engine.Calibrate("gyro"))
	r.step(10)
	assert.Equal(t, 1, r.gyro.calibrated)
	assert.Equal(t, 1, r.gyro.resets)
	assert.Zero(t, r.accel.calibrated)
	assert.InDelta(t, 10, r.rec.last(t, "cx"), 0.01)

	require.NoError(t, r.engine.Calibrate("all"))
	r.step(10)
	assert.Equal(t, 2, r.gyro.calibrated)
	assert.Equal(t, 1, r.accel.calibrated)
	assert.InDelta(t, 0.5, r.rec.last(t, "cx"), 1e-9, "orientation restarts from zero")
	assert.Contains(t, r.logs.String(), "Calibration finished")
}

func TestSensorFaultsLoggedOnce(t *testing.T) {
	r := newRig(t, 0)
	r.gyro.err = fmt.Errorf("i2c nack")

	r.step(0)
	assert.Equal(t, 1, r.gyro.reads)

	r.step(0)
	assert.Equal(t, 1, r.gyro.reads, "read skipped while backing off")

	r.now = r.now.Add(10 * time.Millisecond)
	r.step(0)
	assert.Equal(t, 2, r.gyro.reads)
	assert.Len(t, r.rec.records, 3, "telemetry keeps flowing")

	assert.Equal(t, 1, strings.Count(r.logs.String(), "Control loop fault"))
	assert.EqualValues(t, 2, r.engine.Status().Errors)
	assert.Equal(t, 2.0, r.rec.last(t, "errors"))

	r.gyro.err = nil
	r.now = r.now.Add(time.Second)
	r.step(0)
	assert.Equal(t, 3, r.gyro.reads)
	assert.Contains(t, r.logs.String(), "Control loop recovered")

	r.gyro.err = fmt.Errorf("i2c nack")
	r.now = r.now.Add(time.Second)
	r.step(0)
	assert.Equal(t, 2, strings.Count(r.logs.String(), "Control loop fault"), "new episode is logged")
}

func TestPanicIsRecovered(t *testing.T) {
	r := newRig(t, 0)
	require.NoError(t, r.engine.Start())
	r.step(0)
	require.Equal(t, balance.Balancing, r.engine.Status().State)

	r.accel.panics = true
	assert.NotPanics(t, func() { r.step(0) })
	assert.EqualValues(t, 1, r.engine.Status().Errors)
	assert.Equal(t, balance.WaitingForReady, r.engine.Status().State)
	assert.Equal(t, 1, r.motors.stops)
}

func TestSettingsHandoff(t *testing.T) {
	r := newRig(t, 0.95)
	r.step(0)
	require.Equal(t, 0.3, r.gyro.filter)

	r.engine.UpdateSettings(func(s *balance.Settings) {
		s.GyroFilter = 0.7
		s.AccelFilter = 0.2
		s.Inner.P = 2
	})
	assert.Equal(t, 2.0, r.engine.Settings().Inner.P)
	assert.Equal(t, 0.3, r.gyro.filter, "applied by the loop, not the caller")

	r.step(0)
	assert.Equal(t, 0.7, r.gyro.filter)
	assert.Equal(t, 0.2, r.accel.filter)

	r.engine.UpdateSettings(func(s *balance.Settings) { s.GyroFilter = 5 })
	r.step(0)
	assert.Equal(t, 0.7, r.gyro.filter, "rejected value keeps the last good one")
}

func TestOuterGainsAreStoredOnly(t *testing.T) {
	plain := newRig(t, 0)
	tuned := newRig(t, 0)
	tuned.engine.UpdateSettings(func(s *balance.Settings) { s.Outer.P = 50 })

	for _, r := range []*rig{plain, tuned} {
		require.NoError(t, r.engine.Start())
		for _, pitch := range []float64{2, 1.5, -0.5, 1} {
			r.step(pitch)
		}
	}

	assert.Equal(t, 50.0, tuned.engine.Settings().Outer.P)
	require.NotEmpty(t, plain.motors.speeds)
	assert.Equal(t, plain.motors.speeds, tuned.motors.speeds)
}

func TestStopCommand(t *testing.T) {
	r := newRig(t, 0)
	require.NoError(t, r.engine.Start())
	r.step(0)
	require.Equal(t, balance.Balancing, r.engine.Status().State)

	require.NoError(t, r.engine.Stop())
	assert.Equal(t, balance.Stopped, r.step(0))
	assert.Equal(t, 1, r.motors.stops)
	assert.Equal(t, 1, r.gyro.idles)
}

func TestCommandQueueBounded(t *testing.T) {
	r := newRig(t, 0)

	var err error
	for i := 0; i < 100 && err == nil; i++ {
		err = r.engine.Start()
	}
	assert.True(t, errors.HasCode(err, balance.ErrCommandQueueFull))
}

func TestRunStopsOnCancel(t *testing.T) {
	r := newRig(t, 0)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	require.NoError(t, r.engine.Run(ctx))
	assert.NotEmpty(t, r.rec.records)
	assert.Equal(t, 1, r.motors.stops)
	assert.Equal(t, 1, r.gyro.idles)
	assert.Equal(t, balance.Stopped, r.engine.Status().State)
}
