package sensors

import (
	"time"

	"codeberg.org/mutker/balancectl/internal/errors"
	"periph.io/x/conn/v3/i2c"
)

// L3G4200D registers
const (
	gyroCtrlReg1  = 0x20
	gyroCtrlReg2  = 0x21
	gyroCtrlReg3  = 0x22
	gyroCtrlReg4  = 0x23
	gyroCtrlReg5  = 0x24
	gyroStatusReg = 0x27
	gyroOutXL     = 0x28
	gyroFIFOCtrl  = 0x2E
	gyroFIFOSrc   = 0x2F

	gyroAutoIncrement = 0x80
	gyroAxesEnabled   = 0x0F
	gyroFS500DPS      = 0x20
	gyroFIFOEnable    = 0x40
	gyroFIFOStream    = 0x60
	gyroFIFOBypass    = 0x00
	gyroDataReady     = 0x0F
	gyroFIFOLevel     = 0x1F
	gyroFIFODepth     = 32

	// StatusWaited is set in a sample's status word when the driver had to
	// poll for new data.
	StatusWaited = 0x100
	// StatusMarker is always set so the status word keeps a constant width.
	StatusMarker = 0x400

	DefaultGyroAddress     = 0x69
	DefaultGyroFilter      = 0.3
	GyroSensitivity500DPS  = 0.0175
	DefaultGyroDataTimeout = time.Second
)

// output data rate -> (ODR bits, bandwidth -> BW bits)
var gyroRates = map[int]struct {
	odr       byte
	bandwidth map[float64]byte
}{
	100: {0x00, map[float64]byte{12.5: 0x00, 25: 0x10}},
	200: {0x40, map[float64]byte{12.5: 0x00, 25: 0x10, 50: 0x20, 70: 0x30}},
	400: {0x80, map[float64]byte{20: 0x00, 25: 0x10, 50: 0x20, 110: 0x30}},
	800: {0xC0, map[float64]byte{30: 0x00, 35: 0x10, 50: 0x20, 110: 0x30}},
}

// GyroSample is one FIFO entry read from the gyroscope.
type GyroSample struct {
	Time       time.Time
	DX, DY, DZ int16
	// Rate is the offset corrected, filtered angular rate in deg/s after
	// this sample was applied.
	Rate       Vec3
	Status     uint16
	FIFOStatus uint8
}

type GyroOptions struct {
	Address     uint16
	Frequency   int
	Bandwidth   float64
	Filter      float64
	Window      time.Duration
	DataTimeout time.Duration
	Clock       Clock
}

// Gyro drives an L3G4200D over I2C. It is not safe for concurrent use;
// the control loop owns it.
type Gyro struct {
	dev         *i2c.Dev
	freq        int
	filter      float64
	sensitivity float64
	timeout     time.Duration
	offset      Vec3
	position    Vec3
	idle        bool
	buffer      *Buffer[GyroSample]
	now         Clock
}

// CtrlReg1 returns the CTRL_REG1 value for a frequency and bandwidth pair.
func CtrlReg1(freq int, bandwidth float64) (byte, error) {
	errFactory := errors.New()

	rate, ok := gyroRates[freq]
	if !ok {
		return 0, errFactory.WithData(ErrInvalidFrequency, freq)
	}

	bw, ok := rate.bandwidth[bandwidth]
	if !ok {
		return 0, errFactory.WithData(ErrInvalidBandwidth, struct {
			Frequency int
			Bandwidth float64
		}{freq, bandwidth})
	}

	return gyroAxesEnabled + rate.odr + bw, nil
}

// NewGyro configures the chip and leaves it idle (FIFO bypass).
func NewGyro(bus i2c.Bus, opts GyroOptions) (*Gyro, error) {
	errFactory := errors.New()

	if opts.Address == 0 {
		opts.Address = DefaultGyroAddress
	}
	if opts.Filter == 0 {
		opts.Filter = DefaultGyroFilter
	}
	if !validFilter(opts.Filter) {
		return nil, errFactory.WithData(ErrInvalidFilter, opts.Filter)
	}
	if opts.DataTimeout <= 0 {
		opts.DataTimeout = DefaultGyroDataTimeout
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	ctrl1, err := CtrlReg1(opts.Frequency, opts.Bandwidth)
	if err != nil {
		return nil, err
	}

	g := &Gyro{
		dev:         &i2c.Dev{Bus: bus, Addr: opts.Address},
		freq:        opts.Frequency,
		filter:      opts.Filter,
		sensitivity: GyroSensitivity500DPS,
		timeout:     opts.DataTimeout,
		buffer:      NewBuffer[GyroSample](opts.Window),
		now:         opts.Clock,
	}

	for _, w := range [][2]byte{
		{gyroCtrlReg1, ctrl1},
		{gyroCtrlReg2, 0x00},
		{gyroCtrlReg3, 0x00},
		{gyroCtrlReg4, gyroFS500DPS},
		{gyroCtrlReg5, gyroFIFOEnable},
	} {
		if err := g.writeReg(w[0], w[1]); err != nil {
			return nil, err
		}
	}

	if err := g.Idle(); err != nil {
		return nil, err
	}

	return g, nil
}

func (g *Gyro) Frequency() int {
	return g.freq
}

func (g *Gyro) IsIdle() bool {
	return g.idle
}

// Start switches the FIFO to stream mode.
func (g *Gyro) Start() error {
	if err := g.writeReg(gyroFIFOCtrl, gyroFIFOStream); err != nil {
		return err
	}
	g.idle = false

	return nil
}

// Idle switches the FIFO to bypass mode. ReadDeltas then returns a single
// sample per call.
func (g *Gyro) Idle() error {
	g.idle = true

	return g.writeReg(gyroFIFOCtrl, gyroFIFOBypass)
}

func (g *Gyro) SetFilter(filter float64) error {
	if !validFilter(filter) {
		return errors.New().WithData(ErrInvalidFilter, filter)
	}
	g.filter = filter

	return nil
}

func (g *Gyro) Filter() float64 {
	return g.filter
}

// Position returns the current filtered angular rate.
func (g *Gyro) Position() Vec3 {
	return g.position
}

func (g *Gyro) ResetPosition() {
	g.position = Vec3{}
}

func (g *Gyro) Offset() Vec3 {
	return g.offset
}

// ReadDeltas drains the FIFO and returns the samples read, oldest first.
func (g *Gyro) ReadDeltas() ([]GyroSample, error) {
	errFactory := errors.New()
	start := g.now()

	status, err := g.readReg(gyroStatusReg)
	if err != nil {
		return nil, err
	}

	waited := false
	for status&gyroDataReady != gyroDataReady && !g.idle {
		if g.now().Sub(start) > g.timeout {
			return nil, errFactory.WithData(ErrDataTimeout, status)
		}
		waited = true
		if status, err = g.readReg(gyroStatusReg); err != nil {
			return nil, err
		}
	}

	word := uint16(status) | StatusMarker
	if waited {
		word |= StatusWaited
	}

	fifo, err := g.readReg(gyroFIFOSrc)
	if err != nil {
		return nil, err
	}

	if g.idle {
		sample, err := g.readSample(word, fifo)
		if err != nil {
			return nil, err
		}

		return []GyroSample{sample}, nil
	}

	samples := make([]GyroSample, 0, fifo&gyroFIFOLevel)
	for fifo&gyroFIFOLevel != 0 && len(samples) < gyroFIFODepth {
		sample, err := g.readSample(word, fifo)
		if err != nil {
			return samples, err
		}
		samples = append(samples, sample)

		if fifo, err = g.readReg(gyroFIFOSrc); err != nil {
			return samples, err
		}
	}

	return samples, nil
}

func (g *Gyro) readSample(status uint16, fifo byte) (GyroSample, error) {
	var data [6]byte
	if err := g.dev.Tx([]byte{gyroOutXL | gyroAutoIncrement}, data[:]); err != nil {
		return GyroSample{}, errors.New().Wrap(ErrBusRead, err)
	}

	s := GyroSample{
		Time:       g.now(),
		DX:         le16(data[0], data[1]),
		DY:         le16(data[2], data[3]),
		DZ:         le16(data[4], data[5]),
		Status:     status,
		FIFOStatus: fifo,
	}

	raw := Vec3{float64(s.DX), float64(s.DY), float64(s.DZ)}
	g.position = lowPass(g.position, raw.Sub(g.offset).Scale(g.sensitivity), g.filter)
	s.Rate = g.position

	g.buffer.Append(s.Time, s)

	return s, nil
}

// Calibrate averages the raw deltas buffered during the last d and uses
// them as the zero-rate offset. With no buffered samples the offset is
// reset to zero. It returns the new offset and the number of samples used.
func (g *Gyro) Calibrate(d time.Duration) (Vec3, int) {
	samples := g.buffer.Since(g.now().Add(-d))

	var sum Vec3
	for _, s := range samples {
		sum = sum.Add(Vec3{float64(s.DX), float64(s.DY), float64(s.DZ)})
	}

	g.offset = Vec3{}
	if len(samples) > 0 {
		g.offset = sum.Scale(1 / float64(len(samples)))
	}

	return g.offset, len(samples)
}

func (g *Gyro) readReg(reg byte) (byte, error) {
	var b [1]byte
	if err := g.dev.Tx([]byte{reg}, b[:]); err != nil {
		return 0, errors.New().Wrap(ErrBusRead, err)
	}

	return b[0], nil
}

func (g *Gyro) writeReg(reg, value byte) error {
	if err := g.dev.Tx([]byte{reg, value}, nil); err != nil {
		return errors.New().Wrap(ErrBusWrite, err)
	}

	return nil
}
