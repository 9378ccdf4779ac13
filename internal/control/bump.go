package control

import (
	"math"
	"time"
)

// BumpConfig tunes the static friction compensator.
type BumpConfig struct {
	// Threshold is the minimum per tick orientation change, in degrees,
	// that arms a bump.
	Threshold float64
	Delay     time.Duration
	Gain      float64
	Step      float64
	Len       time.Duration
}

var DefaultBumpConfig = BumpConfig{
	Threshold: 0.5,
	Delay:     50 * time.Millisecond,
	Gain:      0.1,
	Step:      0.05,
	Len:       100 * time.Millisecond,
}

// Bump injects a short corrective impulse while the vehicle keeps tipping
// away from upright, to overcome motor dead zone.
type Bump struct {
	cfg BumpConfig

	armed       bool
	armedSince  time.Time
	active      bool
	activeSince time.Time
	hasLast     bool
	last        float64
	value       float64
}

func NewBump(cfg BumpConfig) *Bump {
	return &Bump{cfg: cfg}
}

func (b *Bump) Config() BumpConfig {
	return b.cfg
}

func (b *Bump) SetConfig(cfg BumpConfig) {
	b.cfg = cfg
}

func (b *Bump) Active() bool {
	return b.active
}

func (b *Bump) Armed() bool {
	return b.armed
}

// Value returns the contribution computed by the last Update.
func (b *Bump) Value() float64 {
	return b.value
}

func (b *Bump) Reset() {
	b.clear()
	b.hasLast = false
}

func (b *Bump) clear() {
	b.armed = false
	b.active = false
	b.value = 0
}

// Update consumes the orientation at now and returns the signed amount to
// add to the control output. The sign is always opposite to orientation.
func (b *Bump) Update(now time.Time, orientation float64) float64 {
	if !b.hasLast {
		b.hasLast = true
		b.last = orientation

		return 0
	}

	change := orientation - b.last
	b.last = orientation

	diverging := change != 0 && orientation != 0 && (change > 0) == (orientation > 0)
	if !diverging {
		b.clear()

		return 0
	}

	switch {
	case b.active:
		if now.Sub(b.activeSince) >= b.cfg.Len {
			b.clear()

			return 0
		}
	case b.armed:
		if now.Sub(b.armedSince) < b.cfg.Delay {
			return 0
		}
		b.active = true
		b.activeSince = now
	default:
		if math.Abs(change) >= b.cfg.Threshold {
			b.armed = true
			b.armedSince = now
		}

		return 0
	}

	magnitude := b.cfg.Step + math.Abs(orientation)*b.cfg.Gain/45
	b.value = -math.Copysign(magnitude, orientation)

	return b.value
}
