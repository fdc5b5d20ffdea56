// Package config loads the single structured document (spec.md §6) that
// configures gorcd, following the teacher's internal/core/npc/loader.go
// pattern of a tagged struct decoded with gopkg.in/yaml.v3.
package config

import (
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// AbiTagPolicy controls what the plugin host does when a plugin's ABI tag
// does not match the host's.
type AbiTagPolicy string

const (
	AbiTagStrict AbiTagPolicy = "strict"
	AbiTagWarn   AbiTagPolicy = "warn"
)

// Bounds is a six-float axis-aligned region, min/max on each axis.
type Bounds struct {
	MinX, MinY, MinZ float64
	MaxX, MaxY, MaxZ float64
}

// UnmarshalYAML accepts region_bounds as a flat six-element float sequence,
// matching spec.md §6 ("six floats min/max on each axis").
func (b *Bounds) UnmarshalYAML(value *yaml.Node) error {
	var flat [6]float64
	if err := value.Decode(&flat); err != nil {
		return fmt.Errorf("region_bounds: %w", err)
	}
	b.MinX, b.MinY, b.MinZ = flat[0], flat[1], flat[2]
	b.MaxX, b.MaxY, b.MaxZ = flat[3], flat[4], flat[5]
	return nil
}

// Config is the single structured document described in spec.md §6.
type Config struct {
	TickIntervalMS            int            `yaml:"tick_interval_ms"`
	PluginDirectory           string         `yaml:"plugin_directory"`
	RegionBounds              Bounds         `yaml:"region_bounds"`
	MaxConnections            int            `yaml:"max_connections"`
	PerObserverBandwidthBytes int            `yaml:"per_observer_bandwidth_bytes_per_s"`
	ChannelFrequencies        map[uint8]int  `yaml:"channel_frequencies"`
	CompressionThresholdBytes int            `yaml:"compression_threshold_bytes"`
	HysteresisEpsilon         float64        `yaml:"hysteresis_epsilon"`
	AbiTagPolicy              AbiTagPolicy   `yaml:"abi_tag_policy"`
	ListenAddrWebSocket       string         `yaml:"listen_addr_websocket"`
	ListenAddrQUIC            string         `yaml:"listen_addr_quic"`
	MaxEnvelopeBytes          int            `yaml:"max_envelope_bytes"`
	InboundRateLimit          int            `yaml:"inbound_rate_limit_per_s"`
	MaxBatchSize              int            `yaml:"max_batch_size"`
	MaxBatchAgeMS             int            `yaml:"max_batch_age_ms"`
}

// Default returns a Config populated with every default named in spec.md §6.
func Default() *Config {
	return &Config{
		TickIntervalMS:            16,
		PluginDirectory:           "./plugins",
		MaxConnections:            1024,
		PerObserverBandwidthBytes: 256 * 1024,
		ChannelFrequencies: map[uint8]int{
			0: 30,
			1: 15,
			2: 10,
			3: 2,
		},
		CompressionThresholdBytes: 128,
		HysteresisEpsilon:         0.05,
		AbiTagPolicy:              AbiTagStrict,
		ListenAddrWebSocket:       ":7410",
		ListenAddrQUIC:            ":7411",
		MaxEnvelopeBytes:          64 * 1024,
		InboundRateLimit:          200,
		MaxBatchSize:              64,
		MaxBatchAgeMS:             50,
	}
}

// Load reads and decodes a YAML config document, filling unset fields from
// Default.
func Load(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	if err := dec.Decode(cfg); err != nil && err != io.EOF {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile opens path and decodes it with Load.
func LoadFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()
	return Load(f)
}

// Validate enforces the positivity/range invariants spec.md §6 names.
func (c *Config) Validate() error {
	if c.TickIntervalMS <= 0 {
		return fmt.Errorf("tick_interval_ms must be positive, got %d", c.TickIntervalMS)
	}
	if c.MaxConnections <= 0 {
		return fmt.Errorf("max_connections must be positive, got %d", c.MaxConnections)
	}
	if c.PerObserverBandwidthBytes <= 0 {
		return fmt.Errorf("per_observer_bandwidth_bytes_per_s must be positive, got %d", c.PerObserverBandwidthBytes)
	}
	if c.CompressionThresholdBytes < 0 {
		return fmt.Errorf("compression_threshold_bytes must be non-negative, got %d", c.CompressionThresholdBytes)
	}
	if c.HysteresisEpsilon < 0 || c.HysteresisEpsilon > 0.5 {
		return fmt.Errorf("hysteresis_epsilon must be in [0, 0.5], got %f", c.HysteresisEpsilon)
	}
	if c.AbiTagPolicy != AbiTagStrict && c.AbiTagPolicy != AbiTagWarn {
		return fmt.Errorf("abi_tag_policy must be strict or warn, got %q", c.AbiTagPolicy)
	}
	return nil
}
