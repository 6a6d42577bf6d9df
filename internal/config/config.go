package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"classchat/internal/logging"
)

// ARCHITECTURAL DISCOVERY: Configuration layer serves as system-wide settings coordinator
// Clean separation between configuration management and business logic
type Config struct {
	Database  *DatabaseConfig  `json:"database"`
	HTTP      *HTTPConfig      `json:"http"`
	WebSocket *WebSocketConfig `json:"websocket"`
	Uploads   *UploadsConfig   `json:"uploads"`
	Redis     *RedisConfig     `json:"redis"`
	Chat      *ChatConfig      `json:"chat"`
	Log       *LogConfig       `json:"log"`
}

// DatabaseConfig selects and tunes the message store
type DatabaseConfig struct {
	Driver         string        `json:"driver"` // "sqlite" or "postgres"
	Path           string        `json:"path"`
	URL            string        `json:"url"`
	Timeout        time.Duration `json:"timeout"`
	MaxConnections int           `json:"max_connections"`
}

// HTTPConfig balances performance and reliability
type HTTPConfig struct {
	Port            int           `json:"port"`
	Host            string        `json:"host"`
	ReadTimeout     time.Duration `json:"read_timeout"`
	WriteTimeout    time.Duration `json:"write_timeout"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout"`
	AllowedOrigins  []string      `json:"allowed_origins"`
	MaxBodyBytes    int64         `json:"max_body_bytes"`
}

// WebSocketConfig tunes the real-time channel heartbeat and buffers
type WebSocketConfig struct {
	PingInterval    time.Duration `json:"ping_interval"`
	ReadTimeout     time.Duration `json:"read_timeout"`
	WriteTimeout    time.Duration `json:"write_timeout"`
	BufferSize      int           `json:"buffer_size"`
	MaxMessageBytes int64         `json:"max_message_bytes"`
}

// UploadsConfig locates the local blob store
type UploadsConfig struct {
	Dir       string `json:"dir"`
	URLPrefix string `json:"url_prefix"`
	MaxBytes  int64  `json:"max_bytes"`
}

// RedisConfig enables cross-instance broadcast and a shared rate limit when URL is set
type RedisConfig struct {
	URL     string `json:"url"`
	Channel string `json:"channel"`
}

// Enabled reports whether Redis is configured
func (r *RedisConfig) Enabled() bool {
	return r != nil && r.URL != ""
}

// ChatConfig tunes submissions and fan-out
type ChatConfig struct {
	RateLimit       int           `json:"rate_limit"`
	RateWindow      time.Duration `json:"rate_window"`
	HubQueueSize    int           `json:"hub_queue_size"`
	DedupSize       int           `json:"dedup_size"`
	MaxCodeAttempts int           `json:"max_code_attempts"`
}

// LogConfig selects log verbosity and encoding
type LogConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"` // "console" or "json"
}

// FUNCTIONAL DISCOVERY: Production-ready defaults based on classroom requirements
// Database on local filesystem, HTTP on standard port, WebSocket with 30s heartbeat
func DefaultConfig() *Config {
	return &Config{
		Database: &DatabaseConfig{
			Driver:         "sqlite",
			Path:           "./data/classchat.db",
			Timeout:        30 * time.Second,
			MaxConnections: 10,
		},
		HTTP: &HTTPConfig{
			Port:            8080,
			Host:            "0.0.0.0",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			AllowedOrigins:  []string{"*"},
			MaxBodyBytes:    128 << 10,
		},
		WebSocket: &WebSocketConfig{
			PingInterval:    30 * time.Second,
			ReadTimeout:     60 * time.Second,
			WriteTimeout:    10 * time.Second,
			BufferSize:      100,
			MaxMessageBytes: 64 << 10,
		},
		Uploads: &UploadsConfig{
			Dir:       "./uploads",
			URLPrefix: "/uploads/",
			MaxBytes:  10 << 20,
		},
		Redis: &RedisConfig{
			Channel: "classchat:broadcast",
		},
		Chat: &ChatConfig{
			RateLimit:       100,
			RateWindow:      time.Minute,
			HubQueueSize:    1000,
			DedupSize:       4096,
			MaxCodeAttempts: 16,
		},
		Log: &LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Address is the HTTP listen address
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.HTTP.Host, c.HTTP.Port)
}

// FUNCTIONAL DISCOVERY: Comprehensive validation prevents invalid system configurations
// Critical for preventing runtime failures in production deployment
func (c *Config) Validate() error {
	if c.Database == nil {
		return fmt.Errorf("database configuration is required")
	}
	switch c.Database.Driver {
	case "sqlite":
		if c.Database.Path == "" {
			return fmt.Errorf("database path cannot be empty")
		}
	case "postgres":
		if c.Database.URL == "" {
			return fmt.Errorf("database url is required for postgres")
		}
	default:
		return fmt.Errorf("unknown database driver %q", c.Database.Driver)
	}
	if c.Database.Timeout <= 0 {
		return fmt.Errorf("database timeout must be positive")
	}
	if c.Database.MaxConnections <= 0 {
		return fmt.Errorf("database max connections must be positive")
	}

	if c.HTTP == nil {
		return fmt.Errorf("HTTP configuration is required")
	}
	// Port 0 binds an ephemeral port
	if c.HTTP.Port < 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("HTTP port must be between 0 and 65535")
	}
	if c.HTTP.Host == "" {
		return fmt.Errorf("HTTP host cannot be empty")
	}
	if c.HTTP.ReadTimeout <= 0 || c.HTTP.WriteTimeout <= 0 || c.HTTP.ShutdownTimeout <= 0 {
		return fmt.Errorf("HTTP timeouts must be positive")
	}
	if c.HTTP.MaxBodyBytes <= 0 {
		return fmt.Errorf("HTTP max body bytes must be positive")
	}

	if c.WebSocket == nil {
		return fmt.Errorf("WebSocket configuration is required")
	}
	if c.WebSocket.PingInterval <= 0 {
		return fmt.Errorf("WebSocket ping interval must be positive")
	}
	if c.WebSocket.ReadTimeout <= c.WebSocket.PingInterval {
		return fmt.Errorf("WebSocket read timeout must be longer than the ping interval")
	}
	if c.WebSocket.WriteTimeout <= 0 {
		return fmt.Errorf("WebSocket write timeout must be positive")
	}
	if c.WebSocket.BufferSize <= 0 {
		return fmt.Errorf("WebSocket buffer size must be positive")
	}

	if c.Uploads == nil {
		return fmt.Errorf("uploads configuration is required")
	}
	if c.Uploads.Dir == "" {
		return fmt.Errorf("uploads dir cannot be empty")
	}
	if !strings.HasPrefix(c.Uploads.URLPrefix, "/") {
		return fmt.Errorf("uploads url prefix must start with /")
	}
	if c.Uploads.MaxBytes <= 0 {
		return fmt.Errorf("uploads max bytes must be positive")
	}

	if c.Redis == nil {
		return fmt.Errorf("redis configuration is required")
	}
	if c.Redis.Enabled() {
		if _, err := url.Parse(c.Redis.URL); err != nil {
			return fmt.Errorf("invalid redis url: %w", err)
		}
		if c.Redis.Channel == "" {
			return fmt.Errorf("redis channel cannot be empty")
		}
	}

	if c.Chat == nil {
		return fmt.Errorf("chat configuration is required")
	}
	if c.Chat.RateLimit <= 0 || c.Chat.RateWindow <= 0 {
		return fmt.Errorf("chat rate limit and window must be positive")
	}
	if c.Chat.HubQueueSize <= 0 || c.Chat.DedupSize <= 0 {
		return fmt.Errorf("hub queue and dedup sizes must be positive")
	}
	if c.Chat.MaxCodeAttempts <= 0 {
		return fmt.Errorf("max code attempts must be positive")
	}

	if c.Log == nil {
		return fmt.Errorf("log configuration is required")
	}
	if c.Log.Format != logging.FormatConsole && c.Log.Format != logging.FormatJSON {
		return fmt.Errorf("log format must be %q or %q", logging.FormatConsole, logging.FormatJSON)
	}

	return nil
}
