package command

import (
	"bytes"
	"context"
	"io"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"codeberg.org/mutker/balancectl/internal/balance"
	"codeberg.org/mutker/balancectl/internal/errors"
	"codeberg.org/mutker/balancectl/internal/logger"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type doneToken struct {
	err error
}

func (t doneToken) Wait() bool                     { return true }
func (t doneToken) WaitTimeout(time.Duration) bool { return true }
func (t doneToken) Error() error                   { return t.err }

func (t doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type fakeSession struct {
	subscribed  map[string]mqtt.MessageHandler
	published   []string
	failTopic   string
	failPublish bool
}

func (s *fakeSession) Subscribe(topic string, _ byte, cb mqtt.MessageHandler) mqtt.Token {
	if topic == s.failTopic {
		return doneToken{err: errors.New().New(ErrSubscribe)}
	}
	s.subscribed[topic] = cb
	return doneToken{}
}

func (s *fakeSession) Publish(topic string, _ byte, _ bool, _ interface{}) mqtt.Token {
	s.published = append(s.published, topic)
	if s.failPublish {
		return doneToken{err: errors.New().New(ErrPublish)}
	}
	return doneToken{}
}

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m fakeMessage) Duplicate() bool   { return false }
func (m fakeMessage) Qos() byte         { return 0 }
func (m fakeMessage) Retained() bool    { return false }
func (m fakeMessage) Topic() string     { return m.topic }
func (m fakeMessage) MessageID() uint16 { return 1 }
func (m fakeMessage) Payload() []byte   { return m.payload }
func (m fakeMessage) Ack()              {}

type countingController struct {
	starts   int
	settings balance.Settings
}

func (c *countingController) Start() error           { c.starts++; return nil }
func (c *countingController) Stop() error            { return nil }
func (c *countingController) Calibrate(string) error { return nil }
func (c *countingController) UpdateSettings(fn func(*balance.Settings)) {
	fn(&c.settings)
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	cfg := DefaultConfig()
	cfg.Broker = ""
	assert.True(t, errors.HasCode(cfg.Validate(), errors.ErrInvalidConfig))

	cfg = DefaultConfig()
	cfg.KeepAlive = 0
	assert.True(t, errors.HasCode(cfg.Validate(), errors.ErrInvalidConfig))
}

func TestClientOptions(t *testing.T) {
	b, err := NewBus(DefaultConfig(), nil)
	require.NoError(t, err)

	opts := b.clientOptions()
	require.Len(t, opts.Servers, 1)
	assert.Equal(t, "127.0.0.1:1883", opts.Servers[0].Host)
	assert.True(t, strings.HasPrefix(opts.ClientID, "balancectl-"))
	assert.Len(t, opts.ClientID, len("balancectl-")+8)
	assert.True(t, opts.AutoReconnect)
	assert.Equal(t, int64(30), opts.KeepAlive)
	assert.True(t, opts.ConnectRetry)
	assert.Equal(t, 5*time.Second, opts.ConnectRetryInterval)

	other := b.clientOptions()
	assert.NotEqual(t, opts.ClientID, other.ClientID)
}

func TestOnConnectSubscribesAndRequestsSettings(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, logger.InitWithWriter(&buf, "debug"))

	b, err := NewBus(DefaultConfig(), logger.Default())
	require.NoError(t, err)

	ctrl := &countingController{settings: balance.DefaultSettings()}
	b.router = NewRouter(ctrl, b, 1860, logger.Default())

	s := &fakeSession{subscribed: map[string]mqtt.MessageHandler{}, failTopic: TopicStop}
	b.onConnect(s)

	assert.Len(t, s.subscribed, len(b.router.Topics())-1)
	assert.Contains(t, buf.String(), "Failed to subscribe")
	assert.Len(t, s.published, len(SettingKeys()))
	for _, topic := range s.published {
		assert.True(t, strings.HasPrefix(topic, StorageReadPrefix), topic)
	}

	s.subscribed[TopicStart](nil, fakeMessage{topic: TopicStart})
	assert.Equal(t, 1, ctrl.starts)

	key := StorageWritePrefix + "balance/combine_factor_gyro"
	s.subscribed[key](nil, fakeMessage{topic: key, payload: []byte("0.9")})
	assert.Equal(t, 0.9, ctrl.settings.GyroWeight)
}

func TestPublishWithoutConnection(t *testing.T) {
	b, err := NewBus(DefaultConfig(), nil)
	require.NoError(t, err)

	err = b.Publish(TopicInfo, []byte("x"))
	assert.True(t, errors.HasCode(err, ErrPublish))
	b.Close()
}

func TestStoredSettingsRequestFailureLoggedOnce(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, logger.InitWithWriter(&buf, "debug"))

	b, err := NewBus(DefaultConfig(), logger.Default())
	require.NoError(t, err)
	b.router = NewRouter(&countingController{}, b, 1860, logger.Default())

	s := &fakeSession{subscribed: map[string]mqtt.MessageHandler{}, failPublish: true}
	b.onConnect(s)

	assert.Len(t, s.published, len(SettingKeys()))
	assert.Equal(t, 1, strings.Count(buf.String(), "Failed to request stored settings"))
	assert.Contains(t, buf.String(), `"failed":`+strconv.Itoa(len(SettingKeys())))
}

func TestConnectRetriesUntilBrokerAppears(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, logger.InitWithWriter(&buf, "debug"))

	// reserve a port, then leave it closed so the first attempts fail
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	cfg := DefaultConfig()
	cfg.Broker = "tcp://" + addr
	cfg.ConnectTimeout = 200 * time.Millisecond
	cfg.RetryInterval = 50 * time.Millisecond

	b, err := NewBus(cfg, logger.Default())
	require.NoError(t, err)
	t.Cleanup(b.Close)

	start := time.Now()
	err = b.Connect(context.Background(), nil)
	assert.True(t, errors.HasCode(err, ErrConnect))
	assert.Less(t, time.Since(start), 2*time.Second)

	ln, err = net.Listen("tcp", addr)
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			accepted <- conn
		}
	}()

	var conn net.Conn
	select {
	case conn = <-accepted:
	case <-time.After(5 * time.Second):
		t.Fatal("no connection attempt after the broker came up")
	}
	t.Cleanup(func() { conn.Close() })

	// CONNECT, answered with a CONNACK accepting the session
	header := make([]byte, 1)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, err = io.ReadFull(conn, header)
	require.NoError(t, err)
	assert.Equal(t, byte(0x10), header[0])
	_, err = conn.Write([]byte{0x20, 0x02, 0x00, 0x00})
	require.NoError(t, err)
	go func() { _, _ = io.Copy(io.Discard, conn) }()

	assert.Eventually(t, b.client.IsConnected, 5*time.Second, 20*time.Millisecond)
}
