package command

import "codeberg.org/mutker/balancectl/internal/balance"

// Controller is the part of the balance engine driven by commands.
type Controller interface {
	Start() error
	Stop() error
	Calibrate(target string) error
	UpdateSettings(fn func(*balance.Settings))
}

// Publisher sends a message on the command bus.
type Publisher interface {
	Publish(topic string, payload []byte) error
}
