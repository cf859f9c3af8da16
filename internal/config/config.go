// Package config loads the relay configuration file and the key material
// provisioned next to it.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/banshee-data/motion.relay/internal/coordinator"
	"github.com/banshee-data/motion.relay/internal/detector"
	"github.com/banshee-data/motion.relay/internal/framecodec"
	"github.com/banshee-data/motion.relay/internal/serialmux"
	"github.com/banshee-data/motion.relay/internal/sink"
)

const (
	DefaultSerialPort = "/dev/ttyACM1"
	DefaultDBPath     = "motion_relay.db"
	DefaultGroupSize  = 2
)

// Config is the root of the relay configuration file. Every field is
// optional; the Get* methods supply defaults for anything omitted, so a
// partial file is safe.
type Config struct {
	Serial *SerialConfig `json:"serial,omitempty"`

	// Detector params
	WindowSize  *int     `json:"window_size,omitempty"`
	MaxSamples  *int     `json:"max_samples,omitempty"`
	GXThreshold *float64 `json:"gx_threshold,omitempty"`
	GYThreshold *float64 `json:"gy_threshold,omitempty"`

	// Group params. Peers maps ranks, as decimal strings, to host:port.
	GroupSize *int              `json:"group_size,omitempty"`
	Peers     map[string]string `json:"peers,omitempty"`

	// Timeouts, as duration strings like "5s"
	IdleWait       *string `json:"idle_wait,omitempty"`
	ReceiveTimeout *string `json:"receive_timeout,omitempty"`
	IdleTimeout    *string `json:"idle_timeout,omitempty"`
	DialTimeout    *string `json:"dial_timeout,omitempty"`

	// Secrets
	KeyFile *string `json:"key_file,omitempty"`
	IVFile  *string `json:"iv_file,omitempty"`

	DBPath *string     `json:"db_path,omitempty"`
	MQTT   *MQTTConfig `json:"mqtt,omitempty"`
}

// SerialConfig names the sensor device and its line settings.
type SerialConfig struct {
	Port string `json:"port"`
	serialmux.PortOptions
}

// MQTTConfig enables publishing of Decisions when Broker is set.
type MQTTConfig struct {
	Broker   string `json:"broker"`
	Topic    string `json:"topic"`
	ClientID string `json:"client_id,omitempty"`
	CAFile   string `json:"ca_file,omitempty"`
	QoS      *byte  `json:"qos,omitempty"`
	// PublishTimeout bounds each publish, as a duration string.
	PublishTimeout *string `json:"publish_timeout,omitempty"`
}

// Load reads a Config from a JSON file. The file must have a .json extension
// and be under 1MB.
func Load(path string) (*Config, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks that the configuration values are usable.
func (c *Config) Validate() error {
	if c.WindowSize != nil && *c.WindowSize <= 0 {
		return fmt.Errorf("window_size must be positive, got %d", *c.WindowSize)
	}
	if c.MaxSamples != nil {
		// the first decided cycle needs two full windows plus the newest sample
		if *c.MaxSamples <= 2*c.GetWindowSize() {
			return fmt.Errorf("max_samples must exceed twice window_size %d, got %d", c.GetWindowSize(), *c.MaxSamples)
		}
		if *c.MaxSamples > framecodec.MaxSamplesPerFrame {
			return fmt.Errorf("max_samples must be at most %d, got %d", framecodec.MaxSamplesPerFrame, *c.MaxSamples)
		}
	}
	if c.GXThreshold != nil && *c.GXThreshold < 0 {
		return fmt.Errorf("gx_threshold must be non-negative, got %f", *c.GXThreshold)
	}
	if c.GYThreshold != nil && *c.GYThreshold < 0 {
		return fmt.Errorf("gy_threshold must be non-negative, got %f", *c.GYThreshold)
	}

	if c.Serial != nil {
		if _, err := c.Serial.PortOptions.Normalize(); err != nil {
			return fmt.Errorf("serial: %w", err)
		}
	}

	if c.GroupSize != nil && *c.GroupSize < 2 {
		return fmt.Errorf("group_size must be at least 2, got %d", *c.GroupSize)
	}
	if _, err := c.peerAddrs(); err != nil {
		return err
	}

	var publishTimeout *string
	if c.MQTT != nil {
		publishTimeout = c.MQTT.PublishTimeout
	}
	durations := []struct {
		name  string
		value *string
	}{
		{"idle_wait", c.IdleWait},
		{"receive_timeout", c.ReceiveTimeout},
		{"idle_timeout", c.IdleTimeout},
		{"dial_timeout", c.DialTimeout},
		{"mqtt.publish_timeout", publishTimeout},
	}
	for _, d := range durations {
		if d.value == nil || *d.value == "" {
			continue
		}
		v, err := time.ParseDuration(*d.value)
		if err != nil {
			return fmt.Errorf("invalid %s '%s': %w", d.name, *d.value, err)
		}
		if v <= 0 {
			return fmt.Errorf("%s must be positive, got %s", d.name, *d.value)
		}
	}

	if c.MQTT != nil && c.MQTT.Broker != "" {
		if c.MQTT.Topic == "" {
			return fmt.Errorf("mqtt: topic is required when a broker is set")
		}
		if c.MQTT.QoS != nil && *c.MQTT.QoS > 2 {
			return fmt.Errorf("mqtt: qos must be 0, 1 or 2, got %d", *c.MQTT.QoS)
		}
	}
	return nil
}

func (c *Config) peerAddrs() (map[int]string, error) {
	addrs := make(map[int]string, len(c.Peers))
	for k, addr := range c.Peers {
		rank, err := strconv.Atoi(k)
		if err != nil {
			return nil, fmt.Errorf("peers: rank %q is not an integer", k)
		}
		if addr == "" {
			return nil, fmt.Errorf("peers: empty address for rank %d", rank)
		}
		addrs[rank] = addr
	}
	return addrs, nil
}

// Topology describes the group from the point of view of rank.
func (c *Config) Topology(rank int) (coordinator.GroupTopology, error) {
	addrs, err := c.peerAddrs()
	if err != nil {
		return coordinator.GroupTopology{}, err
	}
	g := coordinator.GroupTopology{Size: c.GetGroupSize(), Rank: rank, Addrs: addrs}
	if err := g.Validate(); err != nil {
		return coordinator.GroupTopology{}, err
	}
	return g, nil
}

// PeerRanks returns the configured ranks in order.
func (c *Config) PeerRanks() []int {
	addrs, _ := c.peerAddrs()
	ranks := make([]int, 0, len(addrs))
	for r := range addrs {
		ranks = append(ranks, r)
	}
	sort.Ints(ranks)
	return ranks
}

// GXParams configures the Master's detector.
func (c *Config) GXParams() detector.Params {
	return detector.Params{WindowSize: c.GetWindowSize(), Threshold: c.GetGXThreshold(), MaxSamples: c.GetMaxSamples()}
}

// GYParams configures the Worker's detector.
func (c *Config) GYParams() detector.Params {
	return detector.Params{WindowSize: c.GetWindowSize(), Threshold: c.GetGYThreshold(), MaxSamples: c.GetMaxSamples()}
}

// GetSerialPort returns the serial.port value or the default.
func (c *Config) GetSerialPort() string {
	if c.Serial == nil || c.Serial.Port == "" {
		return DefaultSerialPort
	}
	return c.Serial.Port
}

// GetPortOptions returns the line settings; zero values select 9600 8N1.
func (c *Config) GetPortOptions() serialmux.PortOptions {
	if c.Serial == nil {
		return serialmux.PortOptions{}
	}
	return c.Serial.PortOptions
}

func (c *Config) GetWindowSize() int {
	if c.WindowSize == nil {
		return detector.DefaultWindowSize
	}
	return *c.WindowSize
}

func (c *Config) GetMaxSamples() int {
	if c.MaxSamples == nil {
		return detector.DefaultMaxSamples
	}
	return *c.MaxSamples
}

func (c *Config) GetGXThreshold() float64 {
	if c.GXThreshold == nil {
		return detector.DefaultGXThreshold
	}
	return *c.GXThreshold
}

func (c *Config) GetGYThreshold() float64 {
	if c.GYThreshold == nil {
		return detector.DefaultGYThreshold
	}
	return *c.GYThreshold
}

func (c *Config) GetGroupSize() int {
	if c.GroupSize == nil {
		return DefaultGroupSize
	}
	return *c.GroupSize
}

// GetIdleWait is the pause between empty serial reads.
func (c *Config) GetIdleWait() time.Duration {
	return parseDuration(c.IdleWait, serialmux.DefaultIdleWait)
}

// GetReceiveTimeout bounds the Master's wait for each reply.
func (c *Config) GetReceiveTimeout() time.Duration {
	return parseDuration(c.ReceiveTimeout, coordinator.DefaultReceiveTimeout)
}

// GetIdleTimeout bounds the Worker's wait for each request.
func (c *Config) GetIdleTimeout() time.Duration {
	return parseDuration(c.IdleTimeout, coordinator.DefaultIdleTimeout)
}

// GetDialTimeout bounds the Master's attempts to reach the Worker.
func (c *Config) GetDialTimeout() time.Duration {
	return parseDuration(c.DialTimeout, coordinator.DefaultDialTimeout)
}

func (c *Config) GetDBPath() string {
	if c.DBPath == nil || *c.DBPath == "" {
		return DefaultDBPath
	}
	return *c.DBPath
}

// GetPublishTimeout bounds each Decision publish to the broker.
func (c *Config) GetPublishTimeout() time.Duration {
	if c.MQTT == nil {
		return sink.DefaultPublishTimeout
	}
	return parseDuration(c.MQTT.PublishTimeout, sink.DefaultPublishTimeout)
}

// MQTTEnabled reports whether Decisions should be published to a broker.
func (c *Config) MQTTEnabled() bool {
	return c.MQTT != nil && c.MQTT.Broker != ""
}

// SinkConfig converts the mqtt section for sink.DialMQTT.
func (c *Config) SinkConfig() sink.MQTTConfig {
	if c.MQTT == nil {
		return sink.MQTTConfig{}
	}
	return sink.MQTTConfig{
		Broker:   c.MQTT.Broker,
		Topic:    c.MQTT.Topic,
		ClientID: c.MQTT.ClientID,
		CAFile:   c.MQTT.CAFile,
		QoS:      c.MQTT.QoS,
	}
}

func parseDuration(s *string, def time.Duration) time.Duration {
	if s == nil || *s == "" {
		return def
	}
	d, err := time.ParseDuration(*s)
	if err != nil || d <= 0 {
		return def // default on parse error
	}
	return d
}
