package balance

import (
	"codeberg.org/mutker/balancectl/internal/attitude"
	"codeberg.org/mutker/balancectl/internal/control"
	"codeberg.org/mutker/balancectl/internal/sensors"
)

// Settings are the tunables that may change while the loop runs. They are
// replaced as a whole and picked up at the start of the next iteration.
type Settings struct {
	GyroFilter  float64
	AccelFilter float64
	GyroWeight  float64
	Inner       control.Gains
	// Outer is kept for the position loop and is not part of the
	// balancing control law.
	Outer control.Gains
	Bump  control.BumpConfig
}

func DefaultSettings() Settings {
	return Settings{
		GyroFilter:  sensors.DefaultGyroFilter,
		AccelFilter: sensors.DefaultAccelFilter,
		GyroWeight:  attitude.DefaultGyroWeight,
		Inner:       control.DefaultGains,
		Outer:       control.DefaultGains,
		Bump:        control.DefaultBumpConfig,
	}
}
