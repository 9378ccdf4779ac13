package sensors_test

import (
	"sync"
	"time"

	"periph.io/x/conn/v3/physic"
)

const (
	gyroAddr  = 0x69
	accelAddr = 0x53
)

// fakeBus emulates the L3G4200D and ADXL345 register maps.
type fakeBus struct {
	mu          sync.Mutex
	regs        map[uint16]map[byte]byte
	gyroFIFO    [][6]byte
	statusReads []byte
	accelData   [6]byte
	fail        error
}

func newFakeBus() *fakeBus {
	return &fakeBus{
		regs: map[uint16]map[byte]byte{
			gyroAddr:  {},
			accelAddr: {0x31: 0xFF},
		},
	}
}

func (b *fakeBus) String() string { return "fake-i2c" }

func (b *fakeBus) SetSpeed(physic.Frequency) error { return nil }

func (b *fakeBus) Tx(addr uint16, w, r []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.fail != nil {
		return b.fail
	}

	reg := w[0]
	if len(r) == 0 {
		b.regs[addr][reg] = w[1]
		return nil
	}

	switch {
	case addr == gyroAddr && reg == 0x27:
		r[0] = 0x0F
		if len(b.statusReads) > 0 {
			r[0] = b.statusReads[0]
			b.statusReads = b.statusReads[1:]
		}
	case addr == gyroAddr && reg == 0x2F:
		r[0] = byte(len(b.gyroFIFO)) & 0x1F
	case addr == gyroAddr && reg == 0x28|0x80:
		if len(b.gyroFIFO) > 0 {
			copy(r, b.gyroFIFO[0][:])
			b.gyroFIFO = b.gyroFIFO[1:]
		}
	case addr == accelAddr && reg == 0x32:
		copy(r, b.accelData[:])
	default:
		r[0] = b.regs[addr][reg]
	}

	return nil
}

func (b *fakeBus) reg(addr uint16, reg byte) byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.regs[addr][reg]
}

func (b *fakeBus) pushGyro(x, y, z int16) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.gyroFIFO = append(b.gyroFIFO, [6]byte{
		byte(x), byte(uint16(x) >> 8),
		byte(y), byte(uint16(y) >> 8),
		byte(z), byte(uint16(z) >> 8),
	})
}

func (b *fakeBus) setAccel(x, y, z int16) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.accelData = [6]byte{
		byte(x), byte(uint16(x) >> 8),
		byte(y), byte(uint16(y) >> 8),
		byte(z), byte(uint16(z) >> 8),
	}
}

type fakeClock struct {
	now  time.Time
	step time.Duration
}

func newFakeClock(step time.Duration) *fakeClock {
	return &fakeClock{now: time.Unix(1000, 0), step: step}
}

func (c *fakeClock) Now() time.Time {
	t := c.now
	c.now = c.now.Add(c.step)

	return t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.now = c.now.Add(d)
}
