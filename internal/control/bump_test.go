package control_test

import (
	"testing"
	"time"

	"codeberg.org/mutker/balancectl/internal/control"
	"github.com/stretchr/testify/assert"
)

func testBumpConfig() control.BumpConfig {
	return control.BumpConfig{
		Threshold: 0.5,
		Delay:     50 * time.Millisecond,
		Gain:      0.1,
		Step:      0.05,
		Len:       100 * time.Millisecond,
	}
}

func TestBumpActivatesAndExpires(t *testing.T) {
	b := control.NewBump(testBumpConfig())

	var activatedAt, deactivatedAt = -1, -1
	orientation := 0.0
	// 5ms ticks, diverging by 1 degree each tick
	for tick := 0; tick <= 60; tick++ {
		v := b.Update(at(tick*5), orientation)
		if b.Active() && activatedAt < 0 {
			activatedAt = tick * 5
			assert.Less(t, v, 0.0, "positive tilt is corrected with a negative bump")
		}
		if activatedAt >= 0 && !b.Active() && deactivatedAt < 0 {
			deactivatedAt = tick * 5
			assert.Zero(t, v)
		}
		orientation++
	}

	// first change is seen at tick 1 (5ms) which arms, delay 50ms -> 55ms
	assert.Equal(t, 55, activatedAt)
	assert.Equal(t, 155, deactivatedAt)
}

func TestBumpMagnitude(t *testing.T) {
	b := control.NewBump(testBumpConfig())

	b.Update(at(0), -10)
	b.Update(at(5), -11)
	v := b.Update(at(60), -12)

	assert.True(t, b.Active())
	assert.InDelta(t, 0.05+12*0.1/45, v, 1e-9)
	assert.Equal(t, v, b.Value())
}

func TestBumpClearsWhenRecovering(t *testing.T) {
	b := control.NewBump(testBumpConfig())

	b.Update(at(0), 5)
	b.Update(at(5), 6)
	assert.True(t, b.Armed())
	b.Update(at(60), 7)
	assert.True(t, b.Active())

	v := b.Update(at(65), 6.5)
	assert.Zero(t, v)
	assert.False(t, b.Active())
	assert.False(t, b.Armed())
}

func TestBumpIgnoresSmallChanges(t *testing.T) {
	b := control.NewBump(testBumpConfig())

	orientation := 1.0
	for tick := 0; tick < 100; tick++ {
		b.Update(at(tick*5), orientation)
		orientation += 0.1
	}

	assert.False(t, b.Armed())
	assert.False(t, b.Active())
}

func TestBumpReset(t *testing.T) {
	b := control.NewBump(testBumpConfig())
	b.Update(at(0), 1)
	b.Update(at(5), 2)
	assert.True(t, b.Armed())

	b.Reset()
	assert.False(t, b.Armed())
	assert.Zero(t, b.Update(at(10), 3), "first update after reset only records orientation")
	assert.False(t, b.Armed())
}
