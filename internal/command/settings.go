package command

import (
	"math"
	"strconv"
	"strings"
	"time"

	"codeberg.org/mutker/balancectl/internal/balance"
	"codeberg.org/mutker/balancectl/internal/control"
	"codeberg.org/mutker/balancectl/internal/errors"
)

type setter func(s *balance.Settings, v float64)

type setting struct {
	set   setter
	valid func(float64) bool
}

func unit(v float64) bool        { return v > 0 && v <= 1 }
func fraction(v float64) bool    { return v >= 0 && v <= 1 }
func anyValue(float64) bool      { return true }
func nonNegative(v float64) bool { return v >= 0 }

func seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}

// settings maps storage keys to the field they control. Bump durations
// are given in seconds.
var settings = map[string]setting{
	"balance/gyro/filter":         {func(s *balance.Settings, v float64) { s.GyroFilter = v }, unit},
	"balance/accel/filter":        {func(s *balance.Settings, v float64) { s.AccelFilter = v }, unit},
	"balance/combine_factor_gyro": {func(s *balance.Settings, v float64) { s.GyroWeight = v }, fraction},

	"balance/pid_inner/p": {func(s *balance.Settings, v float64) { s.Inner.P = v }, anyValue},
	"balance/pid_inner/i": {func(s *balance.Settings, v float64) { s.Inner.I = v }, anyValue},
	"balance/pid_inner/d": {func(s *balance.Settings, v float64) { s.Inner.D = v }, anyValue},
	"balance/pid_inner/g": {func(s *balance.Settings, v float64) { s.Inner.G = v }, anyValue},

	"balance/pid_outer/p": {func(s *balance.Settings, v float64) { s.Outer.P = v }, anyValue},
	"balance/pid_outer/i": {func(s *balance.Settings, v float64) { s.Outer.I = v }, anyValue},
	"balance/pid_outer/d": {func(s *balance.Settings, v float64) { s.Outer.D = v }, anyValue},
	"balance/pid_outer/g": {func(s *balance.Settings, v float64) { s.Outer.G = v }, anyValue},

	"balance/bump/threshold": {func(s *balance.Settings, v float64) { s.Bump.Threshold = v }, nonNegative},
	"balance/bump/delay":     {func(s *balance.Settings, v float64) { s.Bump.Delay = seconds(v) }, nonNegative},
	"balance/bump/gain":      {func(s *balance.Settings, v float64) { s.Bump.Gain = v }, anyValue},
	"balance/bump/step":      {func(s *balance.Settings, v float64) { s.Bump.Step = v }, anyValue},
	"balance/bump/len":       {func(s *balance.Settings, v float64) { s.Bump.Len = seconds(v) }, nonNegative},
}

// gain sets take "key=value" pairs separated by newlines, commas or
// semicolons
var gainSets = map[string]func(s *balance.Settings, g control.Gains){
	"balance/pid_inner": func(s *balance.Settings, g control.Gains) { s.Inner = g },
	"balance/pid_outer": func(s *balance.Settings, g control.Gains) { s.Outer = g },
}

func parseValue(key string, payload []byte) (float64, error) {
	text := strings.TrimSpace(string(payload))
	v, err := strconv.ParseFloat(text, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, errors.New().WithData(ErrInvalidValue, struct {
			Key   string
			Value string
		}{key, text})
	}

	return v, nil
}

func parsePairs(payload []byte) map[string]string {
	fields := strings.FieldsFunc(string(payload), func(r rune) bool {
		return r == '\n' || r == ',' || r == ';'
	})

	m := make(map[string]string, len(fields))
	for _, f := range fields {
		k, v, ok := strings.Cut(f, "=")
		if !ok {
			continue
		}
		m[strings.ToLower(strings.TrimSpace(k))] = strings.TrimSpace(v)
	}

	return m
}

// SettingKeys returns every storage key the router accepts.
func SettingKeys() []string {
	keys := make([]string, 0, len(settings)+len(gainSets))
	for k := range settings {
		keys = append(keys, k)
	}
	for k := range gainSets {
		keys = append(keys, k)
	}

	return keys
}
