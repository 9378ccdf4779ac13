// Package attitude fuses gyroscope rates with accelerometer angles into a
// tilt estimate using a complementary filter.
package attitude

import (
	"math"

	"codeberg.org/mutker/balancectl/internal/sensors"
)

const DefaultGyroWeight = 0.95

// Orientation in degrees. X is the balancing (pitch) axis.
type Orientation struct {
	X, Y, Z float64
}

// Angles derived from one accelerometer reading, in degrees.
type Angles struct {
	Pitch, Roll, Yaw float64
}

// AccelAngles computes the tilt of the gravity vector. Results lie in
// (-180, 180].
func AccelAngles(v sensors.Vec3) Angles {
	return Angles{
		Pitch: normalize(degrees(math.Atan2(v.Z, math.Sqrt(v.X*v.X+v.Y*v.Y)))),
		Roll:  normalize(degrees(math.Atan2(v.X, math.Sqrt(v.Z*v.Z+v.Y*v.Y)))),
		Yaw:   normalize(degrees(math.Atan2(v.Y, math.Sqrt(v.Z*v.Z+v.X*v.X)))),
	}
}

func degrees(rad float64) float64 {
	return rad * 180 / math.Pi
}

func normalize(angle float64) float64 {
	for angle > 180 {
		angle -= 360
	}
	for angle <= -180 {
		angle += 360
	}

	return angle
}

// Estimator owns the orientation. It is not safe for concurrent use.
type Estimator struct {
	weight      float64
	frequency   float64
	orientation Orientation
	angles      Angles
}

// New returns an estimator integrating gyro samples that arrive at
// frequency Hz, trusting the gyro with the given weight.
func New(frequency, weight float64) *Estimator {
	return &Estimator{weight: weight, frequency: frequency}
}

func (e *Estimator) SetGyroWeight(weight float64) {
	e.weight = weight
}

func (e *Estimator) GyroWeight() float64 {
	return e.weight
}

// Update folds one accelerometer reading and the gyro samples read in the
// same iteration into the orientation, once per gyro sample.
func (e *Estimator) Update(accel sensors.AccelSample, gyro []sensors.GyroSample) Orientation {
	e.angles = AccelAngles(accel.Value)

	w := e.weight
	o := e.orientation
	for _, s := range gyro {
		o.X = (o.X+s.Rate.X/e.frequency)*w + e.angles.Pitch*(1-w)
		o.Y = (o.Y+s.Rate.Y/e.frequency)*w + e.angles.Yaw*(1-w)
		o.Z = (o.Z+s.Rate.Z/e.frequency)*w + e.angles.Roll*(1-w)
	}
	e.orientation = o

	return o
}

func (e *Estimator) Orientation() Orientation {
	return e.orientation
}

// Angles returns the accelerometer angles of the last update.
func (e *Estimator) Angles() Angles {
	return e.angles
}

func (e *Estimator) Reset() {
	e.orientation = Orientation{}
}
