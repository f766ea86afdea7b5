// Package config holds the engine and CLI configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Role represents the role a process plays in a live session.
type Role string

const (
	RoleBroadcaster Role = "broadcast"
	RoleReceiver    Role = "listen"
	RoleRelay       Role = "relay"
	RoleDemo        Role = "demo"
)

// DropPolicy selects which packet a full jitter buffer gives up.
type DropPolicy string

const (
	DropOldest DropPolicy = "drop-oldest" // evict the lowest buffered seq
	DropNewest DropPolicy = "drop-newest" // reject the arriving packet
)

// Transport kinds.
const (
	TransportWebRTC = "webrtc"
	TransportRelay  = "relay"
)

// Codec names for the receiver-side decoder.
const (
	CodecAuto = "auto"
	CodecPCM  = "pcm"
	CodecOpus = "opus"
)

// Defaults.
const (
	DefaultChunkIntervalMs = 100
	DefaultMinBufferDepth  = 3
	DefaultMaxBufferWaitMs = 1000
	DefaultMaxBufferDepth  = 50
	DefaultListenAddr      = ":8080"
)

// Config stores every parameter of one session. Field names in YAML follow
// the engine's option names.
type Config struct {
	Role    Role   `yaml:"role"`
	ClassID string `yaml:"classId"`

	// Engine tuning.
	ChunkIntervalMs int        `yaml:"chunkIntervalMs"` // slice period
	MinBufferDepth  int        `yaml:"minBufferDepth"`  // packets buffered before playback starts
	MaxBufferWaitMs int        `yaml:"maxBufferWaitMs"` // start anyway after this long; 0 disables
	MaxBufferDepth  int        `yaml:"maxBufferDepth"`  // jitter buffer cap; 0 is unbounded
	DropPolicy      DropPolicy `yaml:"dropPolicy"`
	Codec           string     `yaml:"codec"`

	// Wiring.
	Transport   string `yaml:"transport"`   // webrtc or relay
	RelayURL    string `yaml:"relayUrl"`    // relay transport: ws(s)://host[:port]
	SignalAddr  string `yaml:"signalAddr"`  // webrtc broadcaster: signaling listen address
	SignalURL   string `yaml:"signalUrl"`   // webrtc listener: broadcaster signaling URL
	ListenAddr  string `yaml:"listenAddr"`  // relay role: HTTP listen address
	MetricsAddr string `yaml:"metricsAddr"` // optional Prometheus endpoint
	AudioPath   string `yaml:"audioPath"`   // broadcaster: capture file
	OutputPath  string `yaml:"outputPath"`  // listener: PCM sink, "-" for stdout
}

// Default returns a Config populated with the engine defaults.
func Default() Config {
	return Config{
		ChunkIntervalMs: DefaultChunkIntervalMs,
		MinBufferDepth:  DefaultMinBufferDepth,
		MaxBufferWaitMs: DefaultMaxBufferWaitMs,
		MaxBufferDepth:  DefaultMaxBufferDepth,
		DropPolicy:      DropOldest,
		Codec:           CodecAuto,
		Transport:       TransportRelay,
		SignalAddr:      ":0",
		ListenAddr:      DefaultListenAddr,
	}
}

// Load reads a YAML file on top of the defaults and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks the engine options. Wiring fields are checked by the
// role that needs them.
func (c Config) Validate() error {
	switch c.Role {
	case "", RoleBroadcaster, RoleReceiver, RoleRelay, RoleDemo:
	default:
		return fmt.Errorf("role must be one of [broadcast, listen, relay, demo], got '%s'", c.Role)
	}

	if c.ChunkIntervalMs < 1 {
		return fmt.Errorf("chunkIntervalMs must be positive, got %d", c.ChunkIntervalMs)
	}

	if c.MinBufferDepth < 1 {
		return fmt.Errorf("minBufferDepth must be at least 1, got %d", c.MinBufferDepth)
	}

	if c.MaxBufferWaitMs < 0 {
		return fmt.Errorf("maxBufferWaitMs cannot be negative, got %d", c.MaxBufferWaitMs)
	}

	if c.MaxBufferDepth < 0 {
		return fmt.Errorf("maxBufferDepth cannot be negative, got %d", c.MaxBufferDepth)
	}

	if c.MaxBufferDepth > 0 && c.MaxBufferDepth < c.MinBufferDepth {
		return fmt.Errorf("maxBufferDepth (%d) must be at least minBufferDepth (%d)", c.MaxBufferDepth, c.MinBufferDepth)
	}

	switch c.DropPolicy {
	case DropOldest, DropNewest:
	default:
		return fmt.Errorf("dropPolicy must be '%s' or '%s', got '%s'", DropOldest, DropNewest, c.DropPolicy)
	}

	switch c.Codec {
	case CodecAuto, CodecPCM, CodecOpus:
	default:
		return fmt.Errorf("codec must be one of [auto, pcm, opus], got '%s'", c.Codec)
	}

	switch c.Transport {
	case TransportWebRTC, TransportRelay:
	default:
		return fmt.Errorf("transport must be '%s' or '%s', got '%s'", TransportWebRTC, TransportRelay, c.Transport)
	}

	return nil
}

// ChunkInterval returns the slice period as a time.Duration.
func (c Config) ChunkInterval() time.Duration {
	return time.Duration(c.ChunkIntervalMs) * time.Millisecond
}

// MaxBufferWait returns the playback start deadline; zero means disabled.
func (c Config) MaxBufferWait() time.Duration {
	return time.Duration(c.MaxBufferWaitMs) * time.Millisecond
}

// TargetLatency is the latency the low-water mark adds at steady state.
func (c Config) TargetLatency() time.Duration {
	return time.Duration(c.MinBufferDepth) * c.ChunkInterval()
}
