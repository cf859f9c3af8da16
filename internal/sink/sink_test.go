package sink

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/eclipse/paho.golang/paho"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/motion.relay/internal/framecodec"
	"github.com/banshee-data/motion.relay/internal/monitoring"
	"github.com/banshee-data/motion.relay/internal/motion"
)

type fakePaho struct {
	connect     *paho.Connect
	connack     *paho.Connack
	connectErr  error
	published   []*paho.Publish
	pubResponse *paho.PublishResponse
	publishErr  error
	disconnects int
}

func (f *fakePaho) Connect(_ context.Context, cp *paho.Connect) (*paho.Connack, error) {
	f.connect = cp
	return f.connack, f.connectErr
}

func (f *fakePaho) Publish(_ context.Context, p *paho.Publish) (*paho.PublishResponse, error) {
	f.published = append(f.published, p)
	return f.pubResponse, f.publishErr
}

func (f *fakePaho) Disconnect(*paho.Disconnect) error {
	f.disconnects++
	return nil
}

func decisionFrame(t *testing.T) framecodec.Frame {
	t.Helper()
	var key framecodec.Key
	codec, err := framecodec.NewCodec(key, nil)
	require.NoError(t, err)
	f, err := codec.Seal(framecodec.Message{
		Type:  framecodec.TypeDecision,
		Cycle: 12,
		Body:  framecodec.EncodeDecision(motion.Decision{DX: motion.FlagSteady, DY: motion.FlagChanged}),
	})
	require.NoError(t, err)
	return f
}

func TestMQTTSink_PublishesFrame(t *testing.T) {
	client := &fakePaho{connack: &paho.Connack{}, pubResponse: &paho.PublishResponse{}}
	s, err := newMQTTSink(context.Background(), client, MQTTConfig{Topic: "relay/decisions", ClientID: "relay-0"})
	require.NoError(t, err)

	require.NotNil(t, client.connect)
	assert.Equal(t, "relay-0", client.connect.ClientID)
	assert.EqualValues(t, DefaultKeepAlive, client.connect.KeepAlive)
	assert.True(t, client.connect.CleanStart)

	f := decisionFrame(t)
	require.NoError(t, s.Publish(context.Background(), f))
	require.Len(t, client.published, 1)

	pub := client.published[0]
	assert.Equal(t, "relay/decisions", pub.Topic)
	assert.EqualValues(t, 1, pub.QoS)
	want, err := f.MarshalBinary()
	require.NoError(t, err)
	assert.Equal(t, want, pub.Payload)

	require.NoError(t, s.Close())
	assert.Equal(t, 1, client.disconnects)
}

func TestMQTTSink_QoSOverride(t *testing.T) {
	qos := byte(0)
	client := &fakePaho{connack: &paho.Connack{}}
	s, err := newMQTTSink(context.Background(), client, MQTTConfig{Topic: "t", QoS: &qos})
	require.NoError(t, err)

	// QoS 0 publishes may come back without a response
	require.NoError(t, s.Publish(context.Background(), decisionFrame(t)))
	assert.EqualValues(t, 0, client.published[0].QoS)
}

func TestMQTTSink_BrokerRejections(t *testing.T) {
	t.Run("connect refused", func(t *testing.T) {
		client := &fakePaho{connack: &paho.Connack{ReasonCode: 0x87}}
		_, err := newMQTTSink(context.Background(), client, MQTTConfig{Topic: "t"})
		assert.ErrorIs(t, err, ErrBroker)
	})

	t.Run("connect error", func(t *testing.T) {
		boom := errors.New("boom")
		client := &fakePaho{connectErr: boom}
		_, err := newMQTTSink(context.Background(), client, MQTTConfig{Topic: "t"})
		assert.ErrorIs(t, err, boom)
	})

	t.Run("publish not authorized", func(t *testing.T) {
		client := &fakePaho{connack: &paho.Connack{}, pubResponse: &paho.PublishResponse{ReasonCode: 0x87}}
		s, err := newMQTTSink(context.Background(), client, MQTTConfig{Topic: "t"})
		require.NoError(t, err)
		assert.ErrorIs(t, s.Publish(context.Background(), decisionFrame(t)), ErrBroker)
	})
}

func TestDialMQTT_ConfigErrors(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name string
		cfg  MQTTConfig
	}{
		{"missing topic", MQTTConfig{Broker: "tcp://127.0.0.1:1883"}},
		{"unsupported scheme", MQTTConfig{Broker: "ws://127.0.0.1:1883", Topic: "t"}},
		{"missing host", MQTTConfig{Broker: "tls://", Topic: "t"}},
		{"missing ca file", MQTTConfig{Broker: "tls://127.0.0.1:8883", Topic: "t", CAFile: filepath.Join(t.TempDir(), "nope.pem")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DialMQTT(ctx, tt.cfg)
			assert.Error(t, err)
		})
	}
}

func TestLoadTLSConfig(t *testing.T) {
	cfg, err := loadTLSConfig("", "broker.local")
	require.NoError(t, err)
	assert.Equal(t, "broker.local", cfg.ServerName)
	assert.Nil(t, cfg.RootCAs)

	bad := filepath.Join(t.TempDir(), "bad.pem")
	require.NoError(t, os.WriteFile(bad, []byte("not a certificate"), 0o600))
	_, err = loadTLSConfig(bad, "broker.local")
	assert.Error(t, err)
}

func TestLogSink(t *testing.T) {
	var lines []string
	prev := monitoring.Logf
	monitoring.SetLogger(func(format string, v ...interface{}) {
		lines = append(lines, format)
	})
	defer monitoring.SetLogger(prev)

	s := NewLogSink()
	require.NoError(t, s.Publish(context.Background(), decisionFrame(t)))
	require.NoError(t, s.Close())
	assert.Len(t, lines, 1)
}
