package sensors

import (
	"time"

	"codeberg.org/mutker/balancectl/internal/errors"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/host/v3"
)

// Vec3 is a three axis reading.
type Vec3 struct {
	X, Y, Z float64
}

func (v Vec3) Scale(f float64) Vec3 {
	return Vec3{v.X * f, v.Y * f, v.Z * f}
}

func (v Vec3) Add(o Vec3) Vec3 {
	return Vec3{v.X + o.X, v.Y + o.Y, v.Z + o.Z}
}

func (v Vec3) Sub(o Vec3) Vec3 {
	return Vec3{v.X - o.X, v.Y - o.Y, v.Z - o.Z}
}

// lowPass blends sample into prev with weight filter.
func lowPass(prev, sample Vec3, filter float64) Vec3 {
	return sample.Scale(filter).Add(prev.Scale(1 - filter))
}

// Clock returns the current time. Drivers take one so tests can control
// sample timestamps.
type Clock func() time.Time

// OpenBus initializes the host drivers and opens the named I2C bus.
func OpenBus(name string) (i2c.BusCloser, error) {
	errFactory := errors.New()

	if _, err := host.Init(); err != nil {
		return nil, errFactory.Wrap(errors.ErrInitHost, err)
	}

	bus, err := i2creg.Open(name)
	if err != nil {
		return nil, errFactory.Wrap(ErrOpenBus, err)
	}

	return bus, nil
}

func le16(lo, hi byte) int16 {
	return int16(uint16(lo) | uint16(hi)<<8)
}

func validFilter(f float64) bool {
	return f > 0 && f <= 1
}
