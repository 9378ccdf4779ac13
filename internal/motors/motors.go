package motors

import (
	"codeberg.org/mutker/balancectl/internal/errors"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/host/v3"
)

// Direction of wheel rotation.
type Direction int

const (
	Reverse Direction = -1
	Brake   Direction = 0
	Forward Direction = 1
)

const (
	DefaultPWMFrequency = 8000
	maxSpeed            = 100.0
)

// OutputPin is the subset of gpio.PinOut the driver needs.
type OutputPin interface {
	Out(l gpio.Level) error
	PWM(duty gpio.Duty, f physic.Frequency) error
}

// Pins wires one H-bridge channel.
type Pins struct {
	PWM OutputPin
	In1 OutputPin
	In2 OutputPin
}

// PinNames identifies the pins of one channel in the gpioreg registry.
type PinNames struct {
	PWM string
	In1 string
	In2 string
}

type motor struct {
	name    string
	pins    Pins
	forward [2]gpio.Level
	lastDir Direction
	speed   float64
}

// Motors drives the two wheel motors. Only the control loop may call it.
type Motors struct {
	left  *motor
	right *motor
	freq  physic.Frequency
}

// SanitiseSpeed converts a control value into a duty percentage in
// [0, 100] and a direction. Values under one percent collapse to zero.
func SanitiseSpeed(speed float64) (float64, Direction) {
	var dir Direction
	switch {
	case speed > 0.0001:
		dir = Forward
	case speed < -0.00001:
		dir = Reverse
		speed = -speed
	default:
		return 0, Brake
	}

	speed *= 100
	if speed > maxSpeed {
		speed = maxSpeed
	} else if speed < 1 {
		speed = 0
	}

	return speed, dir
}

// New initializes both channels braked with zero duty. The right motor
// is mounted mirrored, so its forward direction pin levels are swapped.
func New(left, right Pins, pwmFrequency int) (*Motors, error) {
	if pwmFrequency <= 0 {
		return nil, errors.New().WithData(ErrInvalidPWM, pwmFrequency)
	}

	m := &Motors{
		left:  &motor{name: "left", pins: left, forward: [2]gpio.Level{gpio.Low, gpio.High}},
		right: &motor{name: "right", pins: right, forward: [2]gpio.Level{gpio.High, gpio.Low}},
		freq:  physic.Frequency(pwmFrequency) * physic.Hertz,
	}

	for _, mt := range []*motor{m.left, m.right} {
		if err := mt.setDirection(Brake); err != nil {
			return nil, err
		}
		if err := mt.pins.PWM.PWM(0, m.freq); err != nil {
			return nil, errors.New().Wrap(ErrPinWrite, err)
		}
	}

	return m, nil
}

// Open resolves the pins by name after initializing the host drivers.
func Open(left, right PinNames, pwmFrequency int) (*Motors, error) {
	errFactory := errors.New()

	if _, err := host.Init(); err != nil {
		return nil, errFactory.Wrap(ErrInitHost, err)
	}

	l, err := lookup(left)
	if err != nil {
		return nil, err
	}
	r, err := lookup(right)
	if err != nil {
		return nil, err
	}

	return New(l, r, pwmFrequency)
}

func lookup(names PinNames) (Pins, error) {
	var pins Pins
	for _, p := range []struct {
		name string
		dst  *OutputPin
	}{
		{names.PWM, &pins.PWM},
		{names.In1, &pins.In1},
		{names.In2, &pins.In2},
	} {
		pin := gpioreg.ByName(p.name)
		if pin == nil {
			return Pins{}, errors.New().WithData(ErrPinNotFound, p.name)
		}
		*p.dst = pin
	}

	return pins, nil
}

// LeftSpeed drives the left motor with a control value in [-1, 1].
func (m *Motors) LeftSpeed(speed float64) error {
	return m.left.drive(speed, m.freq)
}

// RightSpeed drives the right motor with a control value in [-1, 1].
func (m *Motors) RightSpeed(speed float64) error {
	return m.right.drive(speed, m.freq)
}

// Drive applies the same control value to both motors. A failure on one
// channel does not keep the other from being driven.
func (m *Motors) Drive(speed float64) error {
	return errors.Join(m.LeftSpeed(speed), m.RightSpeed(speed))
}

// Stop zeroes the duty of both channels before braking them. Every pin is
// attempted even when an earlier one fails.
func (m *Motors) Stop() error {
	err := errors.Join(
		m.left.setDuty(0, Brake, m.freq),
		m.right.setDuty(0, Brake, m.freq),
		m.left.setDirection(Brake),
		m.right.setDirection(Brake),
	)
	if err != nil {
		return errors.New().Wrap(ErrStopFailed, err)
	}

	return nil
}

// Speeds returns the signed duty percentages last applied.
func (m *Motors) Speeds() (left, right float64) {
	return m.left.speed, m.right.speed
}

func (mt *motor) drive(speed float64, freq physic.Frequency) error {
	duty, dir := SanitiseSpeed(speed)

	if dir != mt.lastDir {
		if err := mt.setDirection(dir); err != nil {
			// never keep powering a wheel whose direction is unknown
			return errors.Join(err, mt.setDuty(0, Brake, freq))
		}
	}

	return mt.setDuty(duty, dir, freq)
}

func (mt *motor) setDuty(duty float64, dir Direction, freq physic.Frequency) error {
	if err := mt.pins.PWM.PWM(gpio.Duty(float64(gpio.DutyMax)*duty/maxSpeed), freq); err != nil {
		return errors.New().WithData(ErrPinWrite, struct {
			Motor string
			Duty  float64
			Error string
		}{mt.name, duty, err.Error()})
	}
	mt.speed = duty * float64(dir)

	return nil
}

func (mt *motor) setDirection(dir Direction) error {
	in1, in2 := gpio.High, gpio.High
	switch dir {
	case Forward:
		in1, in2 = mt.forward[0], mt.forward[1]
	case Reverse:
		in1, in2 = mt.forward[1], mt.forward[0]
	}

	err := errors.Join(mt.writePin(mt.pins.In1, in1), mt.writePin(mt.pins.In2, in2))
	if err != nil {
		return err
	}
	mt.lastDir = dir

	return nil
}

func (mt *motor) writePin(pin OutputPin, l gpio.Level) error {
	if err := pin.Out(l); err != nil {
		return errors.New().Wrap(ErrPinWrite, err)
	}

	return nil
}
