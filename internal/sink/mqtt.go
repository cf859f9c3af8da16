package sink

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"time"

	"github.com/eclipse/paho.golang/packets"
	"github.com/eclipse/paho.golang/paho"

	"github.com/banshee-data/motion.relay/internal/framecodec"
	"github.com/banshee-data/motion.relay/internal/monitoring"
)

const (
	DefaultKeepAlive      = 30
	DefaultConnectTimeout = 10 * time.Second

	// MQTT reason codes at or above this value report failure.
	reasonFailure = 0x80
)

var ErrBroker = errors.New("mqtt broker rejected request")

// MQTTConfig locates the broker. Broker is a URL: tls://, ssl:// and mqtts://
// connect with TLS, tcp:// and mqtt:// without.
type MQTTConfig struct {
	Broker   string
	Topic    string
	ClientID string
	// CAFile is a PEM bundle used instead of the system roots.
	CAFile string
	// QoS defaults to 1.
	QoS            *byte
	KeepAlive      uint16
	ConnectTimeout time.Duration
}

func (c MQTTConfig) qos() byte {
	if c.QoS == nil {
		return 1
	}
	return *c.QoS
}

// pahoClient is the part of *paho.Client the sink uses.
type pahoClient interface {
	Connect(ctx context.Context, cp *paho.Connect) (*paho.Connack, error)
	Publish(ctx context.Context, p *paho.Publish) (*paho.PublishResponse, error)
	Disconnect(d *paho.Disconnect) error
}

// MQTTSink publishes sealed decision frames to a single topic.
type MQTTSink struct {
	client pahoClient
	topic  string
	qos    byte
}

// DialMQTT connects to the broker and performs the MQTT handshake.
func DialMQTT(ctx context.Context, cfg MQTTConfig) (*MQTTSink, error) {
	if cfg.Topic == "" {
		return nil, fmt.Errorf("mqtt topic is required")
	}
	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, err := dialBroker(ctx, cfg)
	if err != nil {
		return nil, err
	}

	logf := monitoring.Prefixed("mqtt")
	client := paho.NewClient(paho.ClientConfig{
		Conn:     conn,
		ClientID: cfg.ClientID,
		OnClientError: func(err error) {
			logf("client error: %v", err)
		},
		OnServerDisconnect: func(d *paho.Disconnect) {
			logf("broker disconnected, reason %d", d.ReasonCode)
		},
	})

	s, err := newMQTTSink(ctx, client, cfg)
	if err != nil {
		conn.Close()
		return nil, err
	}
	logf("connected to %s, publishing on %q", cfg.Broker, cfg.Topic)
	return s, nil
}

func newMQTTSink(ctx context.Context, client pahoClient, cfg MQTTConfig) (*MQTTSink, error) {
	keepAlive := cfg.KeepAlive
	if keepAlive == 0 {
		keepAlive = DefaultKeepAlive
	}
	ack, err := client.Connect(ctx, &paho.Connect{
		ClientID:   cfg.ClientID,
		KeepAlive:  keepAlive,
		CleanStart: true,
	})
	if err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	if ack != nil && ack.ReasonCode >= reasonFailure {
		return nil, fmt.Errorf("%w: connect reason code %d", ErrBroker, ack.ReasonCode)
	}
	return &MQTTSink{
		client: client,
		topic:  cfg.Topic,
		qos:    cfg.qos(),
	}, nil
}

func dialBroker(ctx context.Context, cfg MQTTConfig) (net.Conn, error) {
	u, err := url.Parse(cfg.Broker)
	if err != nil {
		return nil, fmt.Errorf("parse broker url %q: %w", cfg.Broker, err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("broker url %q has no host", cfg.Broker)
	}

	switch u.Scheme {
	case "tls", "ssl", "mqtts":
		tlsConfig, err := loadTLSConfig(cfg.CAFile, u.Hostname())
		if err != nil {
			return nil, err
		}
		d := tls.Dialer{Config: tlsConfig}
		conn, err := d.DialContext(ctx, "tcp", u.Host)
		if err != nil {
			return nil, fmt.Errorf("dial %s: %w", u.Host, err)
		}
		return packets.NewThreadSafeConn(conn), nil
	case "tcp", "mqtt":
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", u.Host)
		if err != nil {
			return nil, fmt.Errorf("dial %s: %w", u.Host, err)
		}
		return packets.NewThreadSafeConn(conn), nil
	default:
		return nil, fmt.Errorf("unsupported broker scheme %q", u.Scheme)
	}
}

func loadTLSConfig(caFile, serverName string) (*tls.Config, error) {
	cfg := &tls.Config{MinVersion: tls.VersionTLS12, ServerName: serverName}
	if caFile == "" {
		return cfg, nil
	}
	pem, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("read ca file: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("no certificates found in %s", caFile)
	}
	cfg.RootCAs = pool
	return cfg, nil
}

// Publish sends the marshalled frame and waits for the broker's
// acknowledgement when QoS is above 0.
func (s *MQTTSink) Publish(ctx context.Context, f framecodec.Frame) error {
	payload, err := f.MarshalBinary()
	if err != nil {
		return err
	}
	res, err := s.client.Publish(ctx, &paho.Publish{
		Topic:   s.topic,
		QoS:     s.qos,
		Payload: payload,
	})
	if err != nil {
		return fmt.Errorf("mqtt publish: %w", err)
	}
	if res != nil && res.ReasonCode >= reasonFailure {
		return fmt.Errorf("%w: publish reason code %d", ErrBroker, res.ReasonCode)
	}
	return nil
}

// Close sends DISCONNECT, which also closes the connection.
func (s *MQTTSink) Close() error {
	return s.client.Disconnect(&paho.Disconnect{ReasonCode: 0})
}
