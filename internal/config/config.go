package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds the complete runtime configuration for a server instance.
type Config struct {
	TCP       *TCPConfig       `json:"tcp"`
	UDP       *UDPConfig       `json:"udp"`
	WebSocket *WebSocketConfig `json:"websocket"`
	QoS       *QoSConfig       `json:"qos"`
	Storage   *StorageConfig   `json:"storage"`
	API       *APIConfig       `json:"api"`
	Log       *LogConfig       `json:"log"`
}

// TCPConfig configures the length-prefixed TCP gateway.
type TCPConfig struct {
	Enabled     bool          `json:"enabled"`
	Host        string        `json:"host"`
	Port        int           `json:"port"`
	MaxBodySize int           `json:"max_body_size"`
	ReadTimeout time.Duration `json:"read_timeout"`
}

// UDPConfig configures the UDP gateway. Sessions over UDP are pseudo
// connections and expire after SessionTTL without traffic.
type UDPConfig struct {
	Enabled    bool          `json:"enabled"`
	Host       string        `json:"host"`
	Port       int           `json:"port"`
	SessionTTL time.Duration `json:"session_ttl"`
}

// WebSocketConfig configures the WebSocket gateway.
type WebSocketConfig struct {
	Enabled      bool          `json:"enabled"`
	Host         string        `json:"host"`
	Port         int           `json:"port"`
	Path         string        `json:"path"`
	ReadTimeout  time.Duration `json:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout"`
	BufferSize   int           `json:"buffer_size"`
}

// QoSConfig tunes the acknowledgement protocol. ReceiveRetention must
// exceed the full retry window (RetryInterval times MaxRetries) by a wide
// margin, otherwise a late retransmission would be treated as new.
type QoSConfig struct {
	RetryInterval    time.Duration `json:"retry_interval"`
	MaxRetries       int           `json:"max_retries"`
	ReceiveSweep     time.Duration `json:"receive_sweep"`
	ReceiveRetention time.Duration `json:"receive_retention"`
}

// StorageConfig configures the offline message store.
type StorageConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// APIConfig configures the HTTP status endpoint.
type APIConfig struct {
	Enabled      bool          `json:"enabled"`
	Host         string        `json:"host"`
	Port         int           `json:"port"`
	ReadTimeout  time.Duration `json:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level string `json:"level"`
}

// DefaultConfig returns the standard standalone deployment: all three
// transports on their conventional ports, QoS tuned for mobile networks.
func DefaultConfig() *Config {
	return &Config{
		TCP: &TCPConfig{
			Enabled:     true,
			Host:        "0.0.0.0",
			Port:        8901,
			MaxBodySize: 6 * 1024,
			ReadTimeout: 20 * time.Second,
		},
		UDP: &UDPConfig{
			Enabled:    true,
			Host:       "0.0.0.0",
			Port:       7901,
			SessionTTL: 10 * time.Second,
		},
		WebSocket: &WebSocketConfig{
			Enabled:      true,
			Host:         "0.0.0.0",
			Port:         3000,
			Path:         "/websocket",
			ReadTimeout:  20 * time.Second,
			WriteTimeout: 10 * time.Second,
			BufferSize:   100,
		},
		QoS: &QoSConfig{
			RetryInterval:    5 * time.Second,
			MaxRetries:       2,
			ReceiveSweep:     5 * time.Minute,
			ReceiveRetention: 10 * time.Minute,
		},
		Storage: &StorageConfig{
			Enabled: true,
			Path:    "./data/courier.db",
		},
		API: &APIConfig{
			Enabled:      true,
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		Log: &LogConfig{
			Level: "info",
		},
	}
}

// Validate ensures the configuration can actually run.
func (c *Config) Validate() error {
	if c.TCP == nil || c.UDP == nil || c.WebSocket == nil {
		return fmt.Errorf("transport configuration is required")
	}
	if !c.TCP.Enabled && !c.UDP.Enabled && !c.WebSocket.Enabled {
		return fmt.Errorf("at least one transport must be enabled")
	}

	if c.TCP.Enabled {
		if c.TCP.Port < 0 || c.TCP.Port > 65535 {
			return fmt.Errorf("TCP port must be between 0 and 65535")
		}
		if c.TCP.MaxBodySize <= 0 {
			return fmt.Errorf("TCP max body size must be positive")
		}
		if c.TCP.ReadTimeout <= 0 {
			return fmt.Errorf("TCP read timeout must be positive")
		}
	}

	if c.UDP.Enabled {
		if c.UDP.Port < 0 || c.UDP.Port > 65535 {
			return fmt.Errorf("UDP port must be between 0 and 65535")
		}
		if c.UDP.SessionTTL <= 0 {
			return fmt.Errorf("UDP session TTL must be positive")
		}
	}

	if c.WebSocket.Enabled {
		if c.WebSocket.Port < 0 || c.WebSocket.Port > 65535 {
			return fmt.Errorf("WebSocket port must be between 0 and 65535")
		}
		if c.WebSocket.Path == "" {
			return fmt.Errorf("WebSocket path cannot be empty")
		}
		if c.WebSocket.BufferSize <= 0 {
			return fmt.Errorf("WebSocket buffer size must be positive")
		}
	}

	if c.QoS == nil {
		return fmt.Errorf("QoS configuration is required")
	}
	if c.QoS.RetryInterval <= 0 {
		return fmt.Errorf("QoS retry interval must be positive")
	}
	if c.QoS.MaxRetries < 0 {
		return fmt.Errorf("QoS max retries cannot be negative")
	}
	if c.QoS.ReceiveSweep <= 0 || c.QoS.ReceiveRetention <= 0 {
		return fmt.Errorf("QoS receive timings must be positive")
	}
	retryWindow := c.QoS.RetryInterval * time.Duration(c.QoS.MaxRetries+1)
	if c.QoS.ReceiveRetention <= retryWindow {
		return fmt.Errorf("QoS receive retention must exceed the retry window (%v)", retryWindow)
	}

	if c.Storage == nil {
		return fmt.Errorf("storage configuration is required")
	}
	if c.Storage.Enabled && c.Storage.Path == "" {
		return fmt.Errorf("storage path cannot be empty")
	}

	if c.API == nil {
		return fmt.Errorf("API configuration is required")
	}
	if c.API.Enabled && (c.API.Port < 0 || c.API.Port > 65535) {
		return fmt.Errorf("API port must be between 0 and 65535")
	}

	if c.Log == nil || c.Log.Level == "" {
		return fmt.Errorf("log configuration is required")
	}

	return nil
}

// LoadFromEnv returns the defaults overridden by COURIER_* environment
// variables. Unparseable values are ignored and the default kept.
func LoadFromEnv() *Config {
	config := DefaultConfig()

	envBool(&config.TCP.Enabled, "COURIER_TCP_ENABLED")
	envString(&config.TCP.Host, "COURIER_TCP_HOST")
	envInt(&config.TCP.Port, "COURIER_TCP_PORT")
	envInt(&config.TCP.MaxBodySize, "COURIER_TCP_MAX_BODY_SIZE")
	envDuration(&config.TCP.ReadTimeout, "COURIER_TCP_READ_TIMEOUT")

	envBool(&config.UDP.Enabled, "COURIER_UDP_ENABLED")
	envString(&config.UDP.Host, "COURIER_UDP_HOST")
	envInt(&config.UDP.Port, "COURIER_UDP_PORT")
	envDuration(&config.UDP.SessionTTL, "COURIER_UDP_SESSION_TTL")

	envBool(&config.WebSocket.Enabled, "COURIER_WEBSOCKET_ENABLED")
	envString(&config.WebSocket.Host, "COURIER_WEBSOCKET_HOST")
	envInt(&config.WebSocket.Port, "COURIER_WEBSOCKET_PORT")
	envString(&config.WebSocket.Path, "COURIER_WEBSOCKET_PATH")
	envDuration(&config.WebSocket.ReadTimeout, "COURIER_WEBSOCKET_READ_TIMEOUT")
	envDuration(&config.WebSocket.WriteTimeout, "COURIER_WEBSOCKET_WRITE_TIMEOUT")
	envInt(&config.WebSocket.BufferSize, "COURIER_WEBSOCKET_BUFFER_SIZE")

	envDuration(&config.QoS.RetryInterval, "COURIER_QOS_RETRY_INTERVAL")
	envInt(&config.QoS.MaxRetries, "COURIER_QOS_MAX_RETRIES")
	envDuration(&config.QoS.ReceiveSweep, "COURIER_QOS_RECEIVE_SWEEP")
	envDuration(&config.QoS.ReceiveRetention, "COURIER_QOS_RECEIVE_RETENTION")

	envBool(&config.Storage.Enabled, "COURIER_STORAGE_ENABLED")
	envString(&config.Storage.Path, "COURIER_STORAGE_PATH")

	envBool(&config.API.Enabled, "COURIER_API_ENABLED")
	envString(&config.API.Host, "COURIER_API_HOST")
	envInt(&config.API.Port, "COURIER_API_PORT")

	envString(&config.Log.Level, "COURIER_LOG_LEVEL")

	return config
}

func envString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func envDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

// configFile mirrors Config for JSON parsing, with durations as strings
// like "5s" or "10m".
type configFile struct {
	TCP *struct {
		Enabled     *bool  `json:"enabled"`
		Host        string `json:"host"`
		Port        int    `json:"port"`
		MaxBodySize int    `json:"max_body_size"`
		ReadTimeout string `json:"read_timeout"`
	} `json:"tcp"`
	UDP *struct {
		Enabled    *bool  `json:"enabled"`
		Host       string `json:"host"`
		Port       int    `json:"port"`
		SessionTTL string `json:"session_ttl"`
	} `json:"udp"`
	WebSocket *struct {
		Enabled      *bool  `json:"enabled"`
		Host         string `json:"host"`
		Port         int    `json:"port"`
		Path         string `json:"path"`
		ReadTimeout  string `json:"read_timeout"`
		WriteTimeout string `json:"write_timeout"`
		BufferSize   int    `json:"buffer_size"`
	} `json:"websocket"`
	QoS *struct {
		RetryInterval    string `json:"retry_interval"`
		MaxRetries       *int   `json:"max_retries"`
		ReceiveSweep     string `json:"receive_sweep"`
		ReceiveRetention string `json:"receive_retention"`
	} `json:"qos"`
	Storage *struct {
		Enabled *bool  `json:"enabled"`
		Path    string `json:"path"`
	} `json:"storage"`
	API *struct {
		Enabled      *bool  `json:"enabled"`
		Host         string `json:"host"`
		Port         int    `json:"port"`
		ReadTimeout  string `json:"read_timeout"`
		WriteTimeout string `json:"write_timeout"`
	} `json:"api"`
	Log *struct {
		Level string `json:"level"`
	} `json:"log"`
}

// LoadFromFile reads a JSON config file on top of the defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var file configFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	config := DefaultConfig()

	if file.TCP != nil {
		setBool(&config.TCP.Enabled, file.TCP.Enabled)
		setString(&config.TCP.Host, file.TCP.Host)
		setInt(&config.TCP.Port, file.TCP.Port)
		setInt(&config.TCP.MaxBodySize, file.TCP.MaxBodySize)
		setDuration(&config.TCP.ReadTimeout, file.TCP.ReadTimeout)
	}
	if file.UDP != nil {
		setBool(&config.UDP.Enabled, file.UDP.Enabled)
		setString(&config.UDP.Host, file.UDP.Host)
		setInt(&config.UDP.Port, file.UDP.Port)
		setDuration(&config.UDP.SessionTTL, file.UDP.SessionTTL)
	}
	if file.WebSocket != nil {
		setBool(&config.WebSocket.Enabled, file.WebSocket.Enabled)
		setString(&config.WebSocket.Host, file.WebSocket.Host)
		setInt(&config.WebSocket.Port, file.WebSocket.Port)
		setString(&config.WebSocket.Path, file.WebSocket.Path)
		setDuration(&config.WebSocket.ReadTimeout, file.WebSocket.ReadTimeout)
		setDuration(&config.WebSocket.WriteTimeout, file.WebSocket.WriteTimeout)
		setInt(&config.WebSocket.BufferSize, file.WebSocket.BufferSize)
	}
	if file.QoS != nil {
		setDuration(&config.QoS.RetryInterval, file.QoS.RetryInterval)
		if file.QoS.MaxRetries != nil {
			config.QoS.MaxRetries = *file.QoS.MaxRetries
		}
		setDuration(&config.QoS.ReceiveSweep, file.QoS.ReceiveSweep)
		setDuration(&config.QoS.ReceiveRetention, file.QoS.ReceiveRetention)
	}
	if file.Storage != nil {
		setBool(&config.Storage.Enabled, file.Storage.Enabled)
		setString(&config.Storage.Path, file.Storage.Path)
	}
	if file.API != nil {
		setBool(&config.API.Enabled, file.API.Enabled)
		setString(&config.API.Host, file.API.Host)
		setInt(&config.API.Port, file.API.Port)
		setDuration(&config.API.ReadTimeout, file.API.ReadTimeout)
		setDuration(&config.API.WriteTimeout, file.API.WriteTimeout)
	}
	if file.Log != nil {
		setString(&config.Log.Level, file.Log.Level)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration in %s: %w", path, err)
	}

	return config, nil
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setInt(dst *int, v int) {
	if v > 0 {
		*dst = v
	}
}

func setBool(dst *bool, v *bool) {
	if v != nil {
		*dst = *v
	}
}

func setDuration(dst *time.Duration, v string) {
	if v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

// LoadWithPrecedence resolves configuration as file > environment >
// defaults. A missing or broken file falls back to the environment
// layer.
func LoadWithPrecedence(path string) *Config {
	config := LoadFromEnv()

	if path != "" {
		if fileConfig, err := LoadFromFile(path); err == nil {
			config = fileConfig
		}
	}

	return config
}
