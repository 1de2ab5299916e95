package config

import (
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config holds all configuration for the synthesis client
type Config struct {
	// Synthesis service endpoint
	ServerURL string `envconfig:"TTS_SERVER_URL" default:"ws://localhost:8000/ws"`

	// Voice to select after connecting; empty keeps the server default
	Voice string `envconfig:"TTS_VOICE" default:""`

	// Segmentation configuration
	SegmentMaxChars    int           `envconfig:"SEGMENT_MAX_CHARS" default:"500"`    // Hard per-segment cap enforced by the server
	SegmentTargetChars int           `envconfig:"SEGMENT_TARGET_CHARS" default:"200"` // Soft size a segment is flushed at
	SegmentTimeout     time.Duration `envconfig:"SEGMENT_TIMEOUT" default:"5m"`       // Max wait for one segment to synthesize

	// Connection configuration
	ConnectTimeout    time.Duration `envconfig:"CONNECT_TIMEOUT" default:"10s"`     // Dial plus handshake deadline
	HeartbeatInterval time.Duration `envconfig:"HEARTBEAT_INTERVAL" default:"30s"`  // Ping cadence while connected
	WriteTimeout      time.Duration `envconfig:"WRITE_TIMEOUT" default:"10s"`       // Per-frame write deadline

	// Resilience configuration
	ReconnectMaxAttempts       int           `envconfig:"RECONNECT_MAX_ATTEMPTS" default:"5"`          // Automatic reconnects before giving up
	ReconnectDelay             time.Duration `envconfig:"RECONNECT_DELAY" default:"2s"`                // Fixed delay between reconnects
	RetryMaxAttempts           int           `envconfig:"RETRY_MAX_ATTEMPTS" default:"3"`              // Initial-connect retry attempts
	RetryInitialBackoff        time.Duration `envconfig:"RETRY_INITIAL_BACKOFF" default:"100ms"`       // Initial-connect retry backoff
	CircuitBreakerMaxFailures  int           `envconfig:"CIRCUIT_BREAKER_MAX_FAILURES" default:"5"`    // Dial failures before opening circuit
	CircuitBreakerResetTimeout time.Duration `envconfig:"CIRCUIT_BREAKER_RESET_TIMEOUT" default:"30s"` // Wait before probing again

	// Playback configuration
	PlaybackQueueDepth int    `envconfig:"PLAYBACK_QUEUE_DEPTH" default:"8"` // Assembled payloads buffered ahead of the sink
	PlayerCommand      string `envconfig:"PLAYER_COMMAND" default:""`        // External player reading WAV on stdin, e.g. "aplay -q -"

	// Observability configuration
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`        // Log level: debug, info, warn, error
	LogPretty      bool   `envconfig:"LOG_PRETTY" default:"false"`      // Pretty print logs (for development)
	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"false"` // Serve Prometheus metrics and health endpoints
	MetricsAddr    string `envconfig:"METRICS_ADDR" default:":9090"`    // Listen address for the debug endpoints
}

// Load reads configuration from environment variables.
// It first attempts to load from .env file if it exists, then from environment
func Load() (*Config, error) {
	// Try to load .env file (ignore error if it doesn't exist)
	_ = godotenv.Load()

	return LoadFromEnv()
}

// LoadFromEnv loads configuration directly from environment variables
// without attempting to load .env file (useful for containerized deployments)
func LoadFromEnv() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects combinations the client cannot run with
func (c *Config) Validate() error {
	u, err := url.Parse(c.ServerURL)
	if err != nil {
		return fmt.Errorf("TTS_SERVER_URL is not a valid URL: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("TTS_SERVER_URL must use ws or wss scheme, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("TTS_SERVER_URL has no host")
	}

	if c.SegmentMaxChars <= 0 {
		return fmt.Errorf("SEGMENT_MAX_CHARS must be positive, got %d", c.SegmentMaxChars)
	}
	if c.SegmentTargetChars <= 0 || c.SegmentTargetChars > c.SegmentMaxChars {
		return fmt.Errorf("SEGMENT_TARGET_CHARS must be in 1..%d, got %d", c.SegmentMaxChars, c.SegmentTargetChars)
	}
	if c.SegmentTimeout <= 0 {
		return fmt.Errorf("SEGMENT_TIMEOUT must be positive, got %v", c.SegmentTimeout)
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("HEARTBEAT_INTERVAL must be positive, got %v", c.HeartbeatInterval)
	}
	if c.ReconnectMaxAttempts < 0 {
		return fmt.Errorf("RECONNECT_MAX_ATTEMPTS must not be negative, got %d", c.ReconnectMaxAttempts)
	}
	if c.PlaybackQueueDepth <= 0 {
		return fmt.Errorf("PLAYBACK_QUEUE_DEPTH must be positive, got %d", c.PlaybackQueueDepth)
	}
	return nil
}

// GetEnv returns the value of an environment variable or a default value
func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
