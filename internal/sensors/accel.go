package sensors

import (
	"time"

	"codeberg.org/mutker/balancectl/internal/errors"
	"periph.io/x/conn/v3/i2c"
)

// ADXL345 registers
const (
	accelBWRate     = 0x2C
	accelPowerCtl   = 0x2D
	accelDataFormat = 0x31
	accelAxesData   = 0x32

	accelMeasure  = 0x08
	accelFullRes  = 0x08
	accelRange16G = 0x03

	DefaultAccelAddress = 0x53
	DefaultAccelFilter  = 0.5
	AccelScale          = 0.00390625
)

var accelRates = map[int]byte{
	1600: 0x0F,
	800:  0x0E,
	400:  0x0D,
	200:  0x0C,
	100:  0x0B,
	50:   0x0A,
	25:   0x09,
}

// AccelSample is one accelerometer reading.
type AccelSample struct {
	Time             time.Time
	RawX, RawY, RawZ int16
	// Value is the offset corrected, filtered acceleration in g.
	Value Vec3
}

type AccelOptions struct {
	Address   uint16
	Frequency int
	Filter    float64
	Window    time.Duration
	Clock     Clock
}

// Accel drives an ADXL345 in 16g full resolution mode.
type Accel struct {
	dev    *i2c.Dev
	filter float64
	offset Vec3
	value  Vec3
	buffer *Buffer[AccelSample]
	now    Clock
}

func NewAccel(bus i2c.Bus, opts AccelOptions) (*Accel, error) {
	errFactory := errors.New()

	if opts.Address == 0 {
		opts.Address = DefaultAccelAddress
	}
	if opts.Filter == 0 {
		opts.Filter = DefaultAccelFilter
	}
	if !validFilter(opts.Filter) {
		return nil, errFactory.WithData(ErrInvalidFilter, opts.Filter)
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	rate, ok := accelRates[opts.Frequency]
	if !ok {
		return nil, errFactory.WithData(ErrInvalidFrequency, opts.Frequency)
	}

	a := &Accel{
		dev:    &i2c.Dev{Bus: bus, Addr: opts.Address},
		filter: opts.Filter,
		buffer: NewBuffer[AccelSample](opts.Window),
		now:    opts.Clock,
	}

	if err := a.writeReg(accelBWRate, rate); err != nil {
		return nil, err
	}

	format, err := a.readReg(accelDataFormat)
	if err != nil {
		return nil, err
	}
	format = format&^0x0F | accelRange16G | accelFullRes
	if err := a.writeReg(accelDataFormat, format); err != nil {
		return nil, err
	}

	if err := a.writeReg(accelPowerCtl, accelMeasure); err != nil {
		return nil, err
	}

	return a, nil
}

func (a *Accel) SetFilter(filter float64) error {
	if !validFilter(filter) {
		return errors.New().WithData(ErrInvalidFilter, filter)
	}
	a.filter = filter

	return nil
}

func (a *Accel) Filter() float64 {
	return a.filter
}

func (a *Accel) Offset() Vec3 {
	return a.offset
}

// Read samples all three axes and updates the filtered value.
func (a *Accel) Read() (AccelSample, error) {
	var data [6]byte
	if err := a.dev.Tx([]byte{accelAxesData}, data[:]); err != nil {
		return AccelSample{}, errors.New().Wrap(ErrBusRead, err)
	}

	s := AccelSample{
		Time: a.now(),
		RawX: le16(data[0], data[1]),
		RawY: le16(data[2], data[3]),
		RawZ: le16(data[4], data[5]),
	}

	g := Vec3{float64(s.RawX), float64(s.RawY), float64(s.RawZ)}.Scale(AccelScale)
	a.value = lowPass(a.value, g.Sub(a.offset), a.filter)
	s.Value = a.value

	a.buffer.Append(s.Time, s)

	return s, nil
}

// Calibrate averages readings buffered during the last d. Axes carrying
// gravity are folded back by one g so the offset only holds the bias.
func (a *Accel) Calibrate(d time.Duration) (Vec3, int) {
	samples := a.buffer.Since(a.now().Add(-d))

	a.offset = Vec3{}
	if len(samples) == 0 {
		return a.offset, 0
	}

	var sum Vec3
	for _, s := range samples {
		sum = sum.Add(Vec3{float64(s.RawX), float64(s.RawY), float64(s.RawZ)}.Scale(AccelScale))
	}
	avg := sum.Scale(1 / float64(len(samples)))

	a.offset = Vec3{foldGravity(avg.X), foldGravity(avg.Y), foldGravity(avg.Z)}

	return a.offset, len(samples)
}

func foldGravity(offset float64) float64 {
	switch {
	case offset > 0.5:
		return offset - 1
	case offset < -0.5:
		return offset + 1
	default:
		return offset
	}
}

func (a *Accel) readReg(reg byte) (byte, error) {
	var b [1]byte
	if err := a.dev.Tx([]byte{reg}, b[:]); err != nil {
		return 0, errors.New().Wrap(ErrBusRead, err)
	}

	return b[0], nil
}

func (a *Accel) writeReg(reg, value byte) error {
	if err := a.dev.Tx([]byte{reg, value}, nil); err != nil {
		return errors.New().Wrap(ErrBusWrite, err)
	}

	return nil
}
