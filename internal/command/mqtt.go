package command

import (
	"context"
	"time"

	"codeberg.org/mutker/balancectl/internal/errors"
	"codeberg.org/mutker/balancectl/internal/logger"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
)

const publishTimeout = 5 * time.Second

// session is the part of an MQTT client the bus uses once connected.
type session interface {
	Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// Bus binds a Router to an MQTT broker. Subscriptions and the stored
// settings request are repeated on every (re)connect.
type Bus struct {
	cfg    Config
	log    logger.Logger
	router *Router
	client mqtt.Client
}

func NewBus(cfg Config, log logger.Logger) (*Bus, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = logger.Default()
	}

	return &Bus{cfg: cfg, log: log}, nil
}

func (b *Bus) clientOptions() *mqtt.ClientOptions {
	return mqtt.NewClientOptions().
		AddBroker(b.cfg.Broker).
		SetClientID(b.cfg.ClientID + "-" + uuid.NewString()[:8]).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(b.cfg.RetryInterval).
		SetMaxReconnectInterval(b.cfg.RetryInterval).
		SetKeepAlive(b.cfg.KeepAlive).
		SetConnectTimeout(b.cfg.ConnectTimeout).
		SetOnConnectHandler(func(c mqtt.Client) { b.onConnect(c) }).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			b.log.Warn().Err(err).Str("broker", b.cfg.Broker).Msg("MQTT connection lost")
		})
}

// Connect attaches router and starts connecting. paho keeps retrying in
// the background until Close, so an error only means the broker was not
// reachable within ConnectTimeout.
func (b *Bus) Connect(ctx context.Context, router *Router) error {
	errFactory := errors.New()

	b.router = router
	b.client = mqtt.NewClient(b.clientOptions())

	token := b.client.Connect()
	timer := time.NewTimer(b.cfg.ConnectTimeout)
	defer timer.Stop()

	select {
	case <-token.Done():
	case <-timer.C:
		return errFactory.WithMessage(ErrConnect, "broker not reachable yet, retrying in background")
	case <-ctx.Done():
		return errFactory.Wrap(ErrConnect, ctx.Err())
	}
	if err := token.Error(); err != nil {
		return errFactory.Wrap(ErrConnect, err)
	}

	b.log.Info().Str("broker", b.cfg.Broker).Msg("Connected to MQTT broker")

	return nil
}

func (b *Bus) onConnect(s session) {
	if b.router == nil {
		return
	}

	for _, topic := range b.router.Topics() {
		token := s.Subscribe(topic, 0, b.handle)
		if !token.WaitTimeout(publishTimeout) || token.Error() != nil {
			err := errors.New().Wrap(ErrSubscribe, token.Error())
			b.log.ErrorWithContext(err, "command", topic).Msg("Failed to subscribe")
		}
	}

	// ask the store to republish persisted settings so they arrive as
	// ordinary storage/write messages
	keys := SettingKeys()
	tokens := make([]mqtt.Token, len(keys))
	for i, key := range keys {
		tokens[i] = s.Publish(StorageReadPrefix+key, 0, false, []byte{})
	}

	deadline := time.Now().Add(publishTimeout)
	failed := 0
	var firstErr error
	for _, token := range tokens {
		if !waitToken(token, deadline) || token.Error() != nil {
			failed++
			if firstErr == nil {
				firstErr = token.Error()
			}
		}
	}
	if failed > 0 {
		err := errors.New().Wrap(ErrPublish, firstErr)
		b.log.ErrorWithContext(err, "command", StorageReadPrefix).
			Int("failed", failed).
			Int("requested", len(keys)).
			Msg("Failed to request stored settings")
	}

	b.log.Debug().Int("topics", len(b.router.Topics())).Msg("Command topics subscribed")
}

func waitToken(token mqtt.Token, deadline time.Time) bool {
	select {
	case <-token.Done():
		return true
	default:
	}

	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	select {
	case <-token.Done():
		return true
	case <-timer.C:
		return false
	}
}

func (b *Bus) handle(_ mqtt.Client, msg mqtt.Message) {
	// errors are logged by the router
	_ = b.router.Dispatch(msg.Topic(), msg.Payload())
}

// Publish sends payload on topic without retaining it.
func (b *Bus) Publish(topic string, payload []byte) error {
	if b.client == nil || !b.client.IsConnected() {
		return errors.New().WithData(ErrPublish, topic)
	}

	token := b.client.Publish(topic, 0, false, payload)
	if !token.WaitTimeout(publishTimeout) {
		return errors.New().WithMessage(ErrPublish, "publish timed out")
	}
	if err := token.Error(); err != nil {
		return errors.New().Wrap(ErrPublish, err)
	}

	return nil
}

// Close disconnects, or stops the retry loop when never connected.
func (b *Bus) Close() {
	if b.client != nil {
		b.client.Disconnect(250)
	}
}
