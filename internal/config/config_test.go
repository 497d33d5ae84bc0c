package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfigIsValid(t *testing.T) {
	config := DefaultConfig()

	if err := config.Validate(); err != nil {
		t.Fatalf("Default config should pass validation: %v", err)
	}

	if config.TCP.Port != 8901 {
		t.Errorf("Expected TCP port 8901, got %d", config.TCP.Port)
	}
	if config.UDP.Port != 7901 {
		t.Errorf("Expected UDP port 7901, got %d", config.UDP.Port)
	}
	if config.WebSocket.Port != 3000 || config.WebSocket.Path != "/websocket" {
		t.Errorf("Unexpected WebSocket defaults: %d %s", config.WebSocket.Port, config.WebSocket.Path)
	}
	if config.QoS.RetryInterval != 5*time.Second || config.QoS.MaxRetries != 2 {
		t.Errorf("Unexpected QoS defaults: %v %d", config.QoS.RetryInterval, config.QoS.MaxRetries)
	}
}

func TestValidateRejectsBadConfigs(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no transport enabled", func(c *Config) {
			c.TCP.Enabled = false
			c.UDP.Enabled = false
			c.WebSocket.Enabled = false
		}},
		{"bad TCP port", func(c *Config) { c.TCP.Port = -1 }},
		{"zero TCP body limit", func(c *Config) { c.TCP.MaxBodySize = 0 }},
		{"zero UDP session TTL", func(c *Config) { c.UDP.SessionTTL = 0 }},
		{"empty WebSocket path", func(c *Config) { c.WebSocket.Path = "" }},
		{"zero retry interval", func(c *Config) { c.QoS.RetryInterval = 0 }},
		{"negative max retries", func(c *Config) { c.QoS.MaxRetries = -1 }},
		{"retention inside retry window", func(c *Config) {
			c.QoS.ReceiveRetention = 10 * time.Second
		}},
		{"enabled storage without path", func(c *Config) { c.Storage.Path = "" }},
		{"bad API port", func(c *Config) { c.API.Port = 70000 }},
		{"missing log level", func(c *Config) { c.Log.Level = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultConfig()
			tt.mutate(config)
			if err := config.Validate(); err == nil {
				t.Error("Expected validation to fail")
			}
		})
	}
}

func TestValidateAllowsDisabledTransportWithBadSettings(t *testing.T) {
	config := DefaultConfig()
	config.TCP.Enabled = false
	config.TCP.Port = -1

	if err := config.Validate(); err != nil {
		t.Errorf("Disabled transport settings should not be validated: %v", err)
	}
}

func TestLoadFromEnv(t *testing.T) {
	os.Setenv("COURIER_TCP_PORT", "9901")
	os.Setenv("COURIER_UDP_ENABLED", "false")
	os.Setenv("COURIER_QOS_RETRY_INTERVAL", "3s")
	os.Setenv("COURIER_STORAGE_PATH", "/tmp/courier-test.db")
	os.Setenv("COURIER_LOG_LEVEL", "debug")
	defer func() {
		os.Unsetenv("COURIER_TCP_PORT")
		os.Unsetenv("COURIER_UDP_ENABLED")
		os.Unsetenv("COURIER_QOS_RETRY_INTERVAL")
		os.Unsetenv("COURIER_STORAGE_PATH")
		os.Unsetenv("COURIER_LOG_LEVEL")
	}()

	config := LoadFromEnv()

	if config.TCP.Port != 9901 {
		t.Errorf("Expected TCP port 9901, got %d", config.TCP.Port)
	}
	if config.UDP.Enabled {
		t.Error("Expected UDP disabled")
	}
	if config.QoS.RetryInterval != 3*time.Second {
		t.Errorf("Expected retry interval 3s, got %v", config.QoS.RetryInterval)
	}
	if config.Storage.Path != "/tmp/courier-test.db" {
		t.Errorf("Expected storage path override, got %s", config.Storage.Path)
	}
	if config.Log.Level != "debug" {
		t.Errorf("Expected log level debug, got %s", config.Log.Level)
	}
}

func TestLoadFromEnvIgnoresUnparseableValues(t *testing.T) {
	os.Setenv("COURIER_TCP_PORT", "not-a-number")
	os.Setenv("COURIER_QOS_RETRY_INTERVAL", "soon")
	defer func() {
		os.Unsetenv("COURIER_TCP_PORT")
		os.Unsetenv("COURIER_QOS_RETRY_INTERVAL")
	}()

	config := LoadFromEnv()

	if config.TCP.Port != 8901 {
		t.Errorf("Expected default TCP port kept, got %d", config.TCP.Port)
	}
	if config.QoS.RetryInterval != 5*time.Second {
		t.Errorf("Expected default retry interval kept, got %v", config.QoS.RetryInterval)
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	content := `{
		"tcp": {"port": 9901, "read_timeout": "45s"},
		"websocket": {"enabled": false, "port": -1},
		"qos": {"retry_interval": "2s", "max_retries": 4},
		"log": {"level": "warn"}
	}`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	config, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile failed: %v", err)
	}

	if config.TCP.Port != 9901 || config.TCP.ReadTimeout != 45*time.Second {
		t.Errorf("TCP overrides not applied: %+v", config.TCP)
	}
	if config.WebSocket.Enabled {
		t.Error("Expected WebSocket disabled via file")
	}
	if config.QoS.RetryInterval != 2*time.Second || config.QoS.MaxRetries != 4 {
		t.Errorf("QoS overrides not applied: %+v", config.QoS)
	}
	if config.Log.Level != "warn" {
		t.Errorf("Expected log level warn, got %s", config.Log.Level)
	}
	// Untouched sections keep defaults.
	if config.UDP.Port != 7901 {
		t.Errorf("Expected default UDP port, got %d", config.UDP.Port)
	}
}

func TestLoadFromFileRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(`{"qos": {"receive_retention": "1s"}}`), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	if _, err := LoadFromFile(path); err == nil {
		t.Error("Expected invalid file config to be rejected")
	}

	if _, err := LoadFromFile(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Error("Expected missing file to be rejected")
	}
}

func TestLoadWithPrecedence(t *testing.T) {
	os.Setenv("COURIER_TCP_PORT", "9000")
	defer os.Unsetenv("COURIER_TCP_PORT")

	// File wins over environment.
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(`{"tcp": {"port": 9500}}`), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}
	config := LoadWithPrecedence(path)
	if config.TCP.Port != 9500 {
		t.Errorf("Expected file value 9500, got %d", config.TCP.Port)
	}

	// Broken file falls back to the environment layer.
	config = LoadWithPrecedence(filepath.Join(t.TempDir(), "missing.json"))
	if config.TCP.Port != 9000 {
		t.Errorf("Expected env value 9000, got %d", config.TCP.Port)
	}

	// No file at all uses environment over defaults.
	config = LoadWithPrecedence("")
	if config.TCP.Port != 9000 {
		t.Errorf("Expected env value 9000, got %d", config.TCP.Port)
	}
}
