// Package command maps messages from the command bus onto the balance
// engine.
package command

import (
	"sort"
	"strconv"
	"strings"

	"codeberg.org/mutker/balancectl/internal/balance"
	"codeberg.org/mutker/balancectl/internal/control"
	"codeberg.org/mutker/balancectl/internal/errors"
	"codeberg.org/mutker/balancectl/internal/logger"
)

const (
	TopicStart       = "balancing/start"
	TopicStop        = "balancing/stop"
	TopicCalibrate   = "balancing/calibrate"
	TopicRequestInfo = "balancing/request-info"
	TopicInfo        = "balancing/info"

	// StorageWritePrefix carries setting updates, StorageReadPrefix asks
	// the store to republish the persisted value.
	StorageWritePrefix = "storage/write/"
	StorageReadPrefix  = "storage/read/"
)

type handler func(payload []byte) error

// Router dispatches one message per call. Every topic it understands is
// listed in its table.
type Router struct {
	ctrl          Controller
	pub           Publisher
	telemetryPort int
	log           logger.Logger
	handlers      map[string]handler
}

func NewRouter(ctrl Controller, pub Publisher, telemetryPort int, log logger.Logger) *Router {
	if log == nil {
		log = logger.Default()
	}

	r := &Router{
		ctrl:          ctrl,
		pub:           pub,
		telemetryPort: telemetryPort,
		log:           log,
	}

	r.handlers = map[string]handler{
		TopicStart:       func([]byte) error { return ctrl.Start() },
		TopicStop:        func([]byte) error { return ctrl.Stop() },
		TopicCalibrate:   r.calibrate,
		TopicRequestInfo: r.requestInfo,
	}
	for key, s := range settings {
		r.handlers[StorageWritePrefix+key] = r.setValue(key, s)
	}
	for key, apply := range gainSets {
		r.handlers[StorageWritePrefix+key] = r.setGains(key, apply)
	}

	return r
}

// Topics returns the topics the router handles, sorted.
func (r *Router) Topics() []string {
	topics := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		topics = append(topics, t)
	}
	sort.Strings(topics)

	return topics
}

// Dispatch runs the handler for topic. Failures are logged here and
// returned so callers may count them.
func (r *Router) Dispatch(topic string, payload []byte) error {
	h, ok := r.handlers[topic]
	if !ok {
		err := errors.New().WithData(ErrUnknownTopic, topic)
		r.log.Warn().Str("topic", topic).Msg("Ignoring message on unknown topic")

		return err
	}

	r.log.Debug().Str("topic", topic).Int("size", len(payload)).Msg("Command received")

	if err := h(payload); err != nil {
		var coded errors.Error
		if !errors.As(err, &coded) {
			coded = errors.New().Wrap(ErrCommand, err)
		}
		r.log.ErrorWithContext(coded, "command", topic).Msg("Command failed")

		return coded
	}

	return nil
}

func (r *Router) calibrate(payload []byte) error {
	target := strings.TrimSpace(string(payload))
	if target == "" {
		target = "all"
	}

	return r.ctrl.Calibrate(target)
}

func (r *Router) requestInfo([]byte) error {
	if r.pub == nil {
		return errors.New().New(ErrPublish)
	}

	info := "telemetry_port=" + strconv.Itoa(r.telemetryPort) + "\n"

	return r.pub.Publish(TopicInfo, []byte(info))
}

func (r *Router) setValue(key string, s setting) handler {
	return func(payload []byte) error {
		v, err := parseValue(key, payload)
		if err != nil {
			return err
		}
		if !s.valid(v) {
			return errors.New().WithData(ErrInvalidValue, struct {
				Key   string
				Value float64
			}{key, v})
		}

		r.ctrl.UpdateSettings(func(st *balance.Settings) { s.set(st, v) })
		r.log.Info().Str("key", key).Float64("value", v).Msg("Setting updated")

		return nil
	}
}

func (r *Router) setGains(key string, apply func(*balance.Settings, control.Gains)) handler {
	return func(payload []byte) error {
		pairs := parsePairs(payload)
		if len(pairs) == 0 {
			return errors.New().WithData(ErrInvalidValue, struct {
				Key   string
				Value string
			}{key, string(payload)})
		}

		g := control.GainsFromMap(pairs)
		r.ctrl.UpdateSettings(func(st *balance.Settings) { apply(st, g) })
		r.log.Info().
			Str("key", key).
			Float64("p", g.P).
			Float64("i", g.I).
			Float64("d", g.D).
			Float64("g", g.G).
			Msg("Gains updated")

		return nil
	}
}
