package config

import (
	"os"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() failed: %v", err)
	}

	if cfg.ServerURL != "ws://localhost:8000/ws" {
		t.Errorf("Expected default ServerURL 'ws://localhost:8000/ws', got '%s'", cfg.ServerURL)
	}

	if cfg.Voice != "" {
		t.Errorf("Expected empty default Voice, got '%s'", cfg.Voice)
	}

	if cfg.SegmentMaxChars != 500 {
		t.Errorf("Expected default SegmentMaxChars 500, got %d", cfg.SegmentMaxChars)
	}

	if cfg.SegmentTargetChars != 200 {
		t.Errorf("Expected default SegmentTargetChars 200, got %d", cfg.SegmentTargetChars)
	}

	if cfg.SegmentTimeout != 5*time.Minute {
		t.Errorf("Expected default SegmentTimeout 5m, got %v", cfg.SegmentTimeout)
	}

	if cfg.HeartbeatInterval != 30*time.Second {
		t.Errorf("Expected default HeartbeatInterval 30s, got %v", cfg.HeartbeatInterval)
	}

	if cfg.ConnectTimeout != 10*time.Second {
		t.Errorf("Expected default ConnectTimeout 10s, got %v", cfg.ConnectTimeout)
	}

	if cfg.PlaybackQueueDepth != 8 {
		t.Errorf("Expected default PlaybackQueueDepth 8, got %d", cfg.PlaybackQueueDepth)
	}
}

func TestLoad_ResilienceDefaults(t *testing.T) {
	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() failed: %v", err)
	}

	if cfg.ReconnectMaxAttempts != 5 {
		t.Errorf("Expected default ReconnectMaxAttempts 5, got %d", cfg.ReconnectMaxAttempts)
	}

	if cfg.ReconnectDelay != 2*time.Second {
		t.Errorf("Expected default ReconnectDelay 2s, got %v", cfg.ReconnectDelay)
	}

	if cfg.RetryMaxAttempts != 3 {
		t.Errorf("Expected default RetryMaxAttempts 3, got %d", cfg.RetryMaxAttempts)
	}

	if cfg.RetryInitialBackoff != 100*time.Millisecond {
		t.Errorf("Expected default RetryInitialBackoff 100ms, got %v", cfg.RetryInitialBackoff)
	}

	if cfg.CircuitBreakerMaxFailures != 5 {
		t.Errorf("Expected default CircuitBreakerMaxFailures 5, got %d", cfg.CircuitBreakerMaxFailures)
	}

	if cfg.CircuitBreakerResetTimeout != 30*time.Second {
		t.Errorf("Expected default CircuitBreakerResetTimeout 30s, got %v", cfg.CircuitBreakerResetTimeout)
	}
}

func TestLoad_ObservabilityDefaults(t *testing.T) {
	os.Unsetenv("LOG_LEVEL")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() failed: %v", err)
	}

	if cfg.LogLevel != "info" {
		t.Errorf("Expected default LogLevel 'info', got '%s'", cfg.LogLevel)
	}

	if cfg.LogPretty {
		t.Error("Expected default LogPretty false, got true")
	}

	if cfg.MetricsEnabled {
		t.Error("Expected default MetricsEnabled false, got true")
	}

	if cfg.MetricsAddr != ":9090" {
		t.Errorf("Expected default MetricsAddr ':9090', got '%s'", cfg.MetricsAddr)
	}
}

func TestLoad_Overrides(t *testing.T) {
	os.Setenv("TTS_SERVER_URL", "wss://tts.example.com/ws")
	os.Setenv("TTS_VOICE", "aria")
	os.Setenv("SEGMENT_TIMEOUT", "240s")
	os.Setenv("PLAYER_COMMAND", "aplay -q -")
	defer os.Unsetenv("TTS_SERVER_URL")
	defer os.Unsetenv("TTS_VOICE")
	defer os.Unsetenv("SEGMENT_TIMEOUT")
	defer os.Unsetenv("PLAYER_COMMAND")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() failed: %v", err)
	}

	if cfg.ServerURL != "wss://tts.example.com/ws" {
		t.Errorf("Expected ServerURL override, got '%s'", cfg.ServerURL)
	}
	if cfg.Voice != "aria" {
		t.Errorf("Expected Voice 'aria', got '%s'", cfg.Voice)
	}
	if cfg.SegmentTimeout != 4*time.Minute {
		t.Errorf("Expected SegmentTimeout 4m, got %v", cfg.SegmentTimeout)
	}
	if cfg.PlayerCommand != "aplay -q -" {
		t.Errorf("Expected PlayerCommand override, got '%s'", cfg.PlayerCommand)
	}
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		cfg, err := LoadFromEnv()
		if err != nil {
			t.Fatalf("LoadFromEnv() failed: %v", err)
		}
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults are valid", func(c *Config) {}, false},
		{"http scheme rejected", func(c *Config) { c.ServerURL = "http://localhost:8000/ws" }, true},
		{"missing host rejected", func(c *Config) { c.ServerURL = "ws://" }, true},
		{"zero max chars rejected", func(c *Config) { c.SegmentMaxChars = 0 }, true},
		{"target above max rejected", func(c *Config) { c.SegmentTargetChars = c.SegmentMaxChars + 1 }, true},
		{"zero segment timeout rejected", func(c *Config) { c.SegmentTimeout = 0 }, true},
		{"zero heartbeat rejected", func(c *Config) { c.HeartbeatInterval = 0 }, true},
		{"negative reconnects rejected", func(c *Config) { c.ReconnectMaxAttempts = -1 }, true},
		{"zero reconnects allowed", func(c *Config) { c.ReconnectMaxAttempts = 0 }, false},
		{"zero queue depth rejected", func(c *Config) { c.PlaybackQueueDepth = 0 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr && err == nil {
				t.Error("Expected validation error, got nil")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("Expected no error, got %v", err)
			}
		})
	}
}

func TestGetEnv(t *testing.T) {
	os.Setenv("TEST_KEY", "test-value")
	defer os.Unsetenv("TEST_KEY")

	value := GetEnv("TEST_KEY", "default")
	if value != "test-value" {
		t.Errorf("Expected 'test-value', got '%s'", value)
	}

	value = GetEnv("NON_EXISTENT_KEY", "default")
	if value != "default" {
		t.Errorf("Expected 'default', got '%s'", value)
	}
}
