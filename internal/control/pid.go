package control

import (
	"math"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultDeadBand        = 0.0001
	DefaultIntegralScale   = 1.0
	DefaultDerivativeScale = 100.0

	// integral is cleared when |error| falls to this level
	integralResetBand = 0.1
)

// Gains of a PID loop. G scales the summed output.
type Gains struct {
	P, I, D, G float64
}

// DefaultGains are used for any gain that is missing or malformed.
var DefaultGains = Gains{P: 0.75, I: 0.2, D: 0.05, G: 1.0}

// GainsFromMap reads the p, i, d and g entries of m. Each entry that is
// missing or does not parse as a float falls back to DefaultGains.
func GainsFromMap(m map[string]string) Gains {
	value := func(name string, def float64) float64 {
		s, ok := m[name]
		if !ok {
			return def
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return def
		}

		return f
	}

	return Gains{
		P: value("p", DefaultGains.P),
		I: value("i", DefaultGains.I),
		D: value("d", DefaultGains.D),
		G: value("g", DefaultGains.G),
	}
}

// Difference computes the error between a set point and a measurement.
type Difference func(setPoint, current float64) float64

func LinearDifference(setPoint, current float64) float64 {
	return setPoint - current
}

// AngleDifference returns the shortest signed difference between two
// angles in degrees.
func AngleDifference(a1, a2 float64) float64 {
	diff := a1 - a2
	switch {
	case diff >= 180:
		return diff - 360
	case diff <= -180:
		return diff + 360
	default:
		return diff
	}
}

// Snapshot exposes the PID internals of the last Process call.
type Snapshot struct {
	P, I, D    float64
	PG, IG, DG float64
	DT         float64
	Output     float64
}

// PID is a wall-clock driven controller. It is owned by a single
// goroutine.
type PID struct {
	gains         Gains
	deadBand      float64
	integralScale float64
	derivScale    float64
	difference    Difference

	setPoint   float64
	p, i, d    float64
	lastError  float64
	lastTime   time.Time
	lastOutput float64
	lastDelta  float64
	first      bool
}

type Option func(*PID)

func WithDeadBand(band float64) Option {
	return func(p *PID) { p.deadBand = band }
}

func WithDifference(diff Difference) Option {
	return func(p *PID) { p.difference = diff }
}

func WithScales(integral, derivative float64) Option {
	return func(p *PID) {
		p.integralScale = integral
		p.derivScale = derivative
	}
}

func NewPID(gains Gains, opts ...Option) *PID {
	p := &PID{
		gains:         gains,
		deadBand:      DefaultDeadBand,
		integralScale: DefaultIntegralScale,
		derivScale:    DefaultDerivativeScale,
		difference:    LinearDifference,
		first:         true,
	}
	for _, opt := range opts {
		opt(p)
	}

	return p
}

func (p *PID) Gains() Gains {
	return p.gains
}

func (p *PID) SetGains(g Gains) {
	p.gains = g
}

// Reset makes the next Process call seed the controller again.
func (p *PID) Reset() {
	p.p, p.i, p.d = 0, 0, 0
	p.lastError, p.lastOutput, p.lastDelta = 0, 0, 0
	p.first = true
}

// Process returns the controller output for the measurement taken at now.
// The first call after construction or Reset only seeds state and
// returns 0.
func (p *PID) Process(now time.Time, setPoint, current float64) float64 {
	e := p.difference(setPoint, current)
	if math.Abs(e) <= p.deadBand {
		e = 0
	}

	if p.first {
		p.first = false
		p.setPoint = setPoint
		p.lastError = e
		p.lastTime = now

		return 0
	}

	dt := now.Sub(p.lastTime).Seconds()

	p.p = e
	switch {
	case p.lastError < 0 && e > 0, p.lastError > 0 && e < 0:
		p.i = 0
	case math.Abs(e) <= integralResetBand:
		p.i = 0
	default:
		p.i += e * dt * p.integralScale
	}

	if dt > 0 {
		p.d = (e - p.lastError) / (dt * p.derivScale)
	}

	output := (p.p*p.gains.P + p.i*p.gains.I + p.d*p.gains.D) * p.gains.G

	p.setPoint = setPoint
	p.lastOutput = output
	p.lastError = e
	p.lastTime = now
	p.lastDelta = dt

	return output
}

func (p *PID) Snapshot() Snapshot {
	return Snapshot{
		P:      p.p,
		I:      p.i,
		D:      p.d,
		PG:     p.p * p.gains.P,
		IG:     p.i * p.gains.I,
		DG:     p.d * p.gains.D,
		DT:     p.lastDelta,
		Output: p.lastOutput,
	}
}
