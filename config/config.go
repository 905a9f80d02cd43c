// Package config holds the broker's configuration surface (§6), loadable
// from YAML and overridable from the environment, following the pattern
// the reference broker's config.Config / SetDefaults uses.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// HeartBeat is the {sx, sy} millisecond pair the server offers on CONNECT.
type HeartBeat struct {
	SX int `yaml:"sx" envconfig:"HEARTBEAT_SX"`
	SY int `yaml:"sy" envconfig:"HEARTBEAT_SY"`
}

// Config is the broker's full configuration surface.
type Config struct {
	// Addr is the TCP listen address for the STOMP acceptor.
	Addr string `yaml:"addr" envconfig:"ADDR"`
	// WSAddr, if non-empty, additionally serves STOMP-over-WebSocket here.
	WSAddr string `yaml:"ws_addr" envconfig:"WS_ADDR"`

	HeartBeat HeartBeat `yaml:"heartbeat"`

	// MaxFrameInTransaction bounds a transaction's buffer; a negative value
	// disables the check. Zero does not disable it: SetDefaults replaces
	// zero with 1000.
	MaxFrameInTransaction int `yaml:"max_frame_in_transaction" envconfig:"MAX_FRAME_IN_TRANSACTION"`
	// TransactionChunkSize, if > 0, replays COMMIT in slices of this size,
	// yielding between slices so other connections make progress.
	TransactionChunkSize int `yaml:"transaction_chunk_size" envconfig:"TRANSACTION_CHUNK_SIZE"`

	MaxBodyLength   int `yaml:"max_body_length" envconfig:"MAX_BODY_LENGTH"`
	MaxHeaderLength int `yaml:"max_header_length" envconfig:"MAX_HEADER_LENGTH"`
	MaxHeaders      int `yaml:"max_headers" envconfig:"MAX_HEADERS"`

	// Secured requires CONNECT to pass an auth.Provider check.
	Secured bool `yaml:"secured" envconfig:"SECURED"`
	// TrailingLine is passed to frame.Limits; frame.Read accepts a lone "\n"
	// heartbeat between frames whether or not it is set.
	TrailingLine bool `yaml:"trailing_line" envconfig:"TRAILING_LINE"`
	// SupportedVersions is the ordered list offered during negotiation.
	SupportedVersions []string `yaml:"supported_versions" envconfig:"SUPPORTED_VERSIONS"`

	// AutoGCDestinations removes a destination once its last subscriber
	// unsubscribes.
	AutoGCDestinations bool `yaml:"auto_gc_destinations" envconfig:"AUTO_GC_DESTINATIONS"`
	// DefaultDestinationKind names the fallback kind ("topic" or "queue")
	// for destination names outside /topic/ and /queue/.
	DefaultDestinationKind string `yaml:"default_destination_kind" envconfig:"DEFAULT_DESTINATION_KIND"`

	// StrictAck, when true, turns an ACK/NACK with an unknown ack-id into a
	// protocol ERROR instead of silently ignoring it (§4.3).
	StrictAck bool `yaml:"strict_ack" envconfig:"STRICT_ACK"`

	// WriteQueueSize bounds each connection's outbound frame queue; a full
	// queue closes the connection rather than blocking the dispatcher (§9).
	WriteQueueSize int `yaml:"write_queue_size" envconfig:"WRITE_QUEUE_SIZE"`

	// DispatchPoolSize bounds the goroutine pool used for topic fan-out.
	DispatchPoolSize int `yaml:"dispatch_pool_size" envconfig:"DISPATCH_POOL_SIZE"`

	Metrics       MetricsConfig `yaml:"metrics"`
	Tracing       TracingConfig `yaml:"tracing"`
	WriteDeadline time.Duration `yaml:"write_deadline" envconfig:"WRITE_DEADLINE"`
}

// MetricsConfig controls the Prometheus HTTP exposition endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" envconfig:"METRICS_ENABLED"`
	Addr    string `yaml:"addr" envconfig:"METRICS_ADDR"`
	Path    string `yaml:"path" envconfig:"METRICS_PATH"`
}

// TracingConfig controls OpenTelemetry OTLP export.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled" envconfig:"TRACING_ENABLED"`
	OTLPEndpoint string  `yaml:"otlp_endpoint" envconfig:"TRACING_OTLP_ENDPOINT"`
	Insecure     bool    `yaml:"insecure" envconfig:"TRACING_INSECURE"`
	SampleRatio  float64 `yaml:"sample_ratio" envconfig:"TRACING_SAMPLE_RATIO"`
	ServiceName  string  `yaml:"service_name" envconfig:"TRACING_SERVICE_NAME"`
}

// SetDefaults fills in zero-valued fields with the broker's defaults (§6).
func (c *Config) SetDefaults() {
	if c.Addr == "" {
		c.Addr = ":61613"
	}
	if c.HeartBeat.SX == 0 && c.HeartBeat.SY == 0 {
		c.HeartBeat.SX, c.HeartBeat.SY = 1000, 1000
	}
	if c.MaxFrameInTransaction == 0 {
		c.MaxFrameInTransaction = 1000
	}
	if c.MaxBodyLength == 0 {
		c.MaxBodyLength = 1 << 20
	}
	if c.MaxHeaderLength == 0 {
		c.MaxHeaderLength = 1 << 16
	}
	if c.MaxHeaders == 0 {
		c.MaxHeaders = 1000
	}
	if len(c.SupportedVersions) == 0 {
		c.SupportedVersions = []string{"1.0", "1.1", "1.2"}
	}
	if c.DefaultDestinationKind == "" {
		c.DefaultDestinationKind = "topic"
	}
	if c.WriteQueueSize == 0 {
		c.WriteQueueSize = 1024
	}
	if c.DispatchPoolSize == 0 {
		c.DispatchPoolSize = 256
	}
	if c.WriteDeadline == 0 {
		c.WriteDeadline = 10 * time.Second
	}
	if c.Metrics.Addr == "" {
		c.Metrics.Addr = ":9090"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = "stompd"
	}
	if c.Tracing.SampleRatio == 0 {
		c.Tracing.SampleRatio = 1
	}
}

// Load reads YAML from path (if non-empty and present) then applies
// environment overrides prefixed STOMPD_, matching the ingress/egress
// services in the retrieval pack that layer envconfig atop a YAML base.
func Load(path string) (Config, error) {
	var c Config
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return c, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(b, &c); err != nil {
			return c, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := envconfig.Process("stompd", &c); err != nil {
		return c, fmt.Errorf("apply env overrides: %w", err)
	}
	c.SetDefaults()
	return c, nil
}
