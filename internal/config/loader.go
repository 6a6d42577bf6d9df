package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	env "github.com/Netflix/go-env"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// envConfig mirrors the settings that can be supplied through CLASSCHAT_* variables.
// Unset variables decode to zero values and leave the current setting alone.
type envConfig struct {
	DatabaseDriver  string        `env:"CLASSCHAT_DB_DRIVER"`
	DatabasePath    string        `env:"CLASSCHAT_DB_PATH"`
	DatabaseURL     string        `env:"CLASSCHAT_DB_URL"`
	DatabaseTimeout time.Duration `env:"CLASSCHAT_DB_TIMEOUT"`

	HTTPHost        string        `env:"CLASSCHAT_HTTP_HOST"`
	HTTPPort        int           `env:"CLASSCHAT_HTTP_PORT"`
	HTTPReadTimeout time.Duration `env:"CLASSCHAT_HTTP_READ_TIMEOUT"`
	AllowedOrigins  string        `env:"CLASSCHAT_ALLOWED_ORIGINS"`

	WSPingInterval time.Duration `env:"CLASSCHAT_WS_PING_INTERVAL"`
	WSReadTimeout  time.Duration `env:"CLASSCHAT_WS_READ_TIMEOUT"`

	UploadsDir      string `env:"CLASSCHAT_UPLOADS_DIR"`
	UploadsMaxBytes int64  `env:"CLASSCHAT_UPLOADS_MAX_BYTES"`

	RedisURL     string `env:"CLASSCHAT_REDIS_URL"`
	RedisChannel string `env:"CLASSCHAT_REDIS_CHANNEL"`

	RateLimit  int           `env:"CLASSCHAT_RATE_LIMIT"`
	RateWindow time.Duration `env:"CLASSCHAT_RATE_WINDOW"`

	LogLevel  string `env:"CLASSCHAT_LOG_LEVEL"`
	LogFormat string `env:"CLASSCHAT_LOG_FORMAT"`
}

// LoadFromEnv loads configuration from a local .env file (if any) and CLASSCHAT_* variables
func LoadFromEnv() (*Config, error) {
	config := DefaultConfig()
	if err := applyEnv(config); err != nil {
		return nil, err
	}
	return config, nil
}

func applyEnv(config *Config) error {
	// A missing .env is the normal case outside development
	_ = godotenv.Load()

	var e envConfig
	if _, err := env.UnmarshalFromEnviron(&e); err != nil {
		return fmt.Errorf("failed to read environment: %w", err)
	}

	setString(&config.Database.Driver, e.DatabaseDriver)
	setString(&config.Database.Path, e.DatabasePath)
	setString(&config.Database.URL, e.DatabaseURL)
	setValue(&config.Database.Timeout, e.DatabaseTimeout)

	setString(&config.HTTP.Host, e.HTTPHost)
	setValue(&config.HTTP.Port, e.HTTPPort)
	setValue(&config.HTTP.ReadTimeout, e.HTTPReadTimeout)
	if origins := splitList(e.AllowedOrigins); len(origins) > 0 {
		config.HTTP.AllowedOrigins = origins
	}

	setValue(&config.WebSocket.PingInterval, e.WSPingInterval)
	setValue(&config.WebSocket.ReadTimeout, e.WSReadTimeout)

	setString(&config.Uploads.Dir, e.UploadsDir)
	setValue(&config.Uploads.MaxBytes, e.UploadsMaxBytes)

	setString(&config.Redis.URL, e.RedisURL)
	setString(&config.Redis.Channel, e.RedisChannel)

	setValue(&config.Chat.RateLimit, e.RateLimit)
	setValue(&config.Chat.RateWindow, e.RateWindow)

	setString(&config.Log.Level, e.LogLevel)
	setString(&config.Log.Format, e.LogFormat)
	return nil
}

// ConfigFile represents the structure of a JSON or YAML configuration file.
// TECHNICAL DISCOVERY: Durations are strings ("30s") so both encodings read the same way
type ConfigFile struct {
	Database struct {
		Driver         string `json:"driver" yaml:"driver"`
		Path           string `json:"path" yaml:"path"`
		URL            string `json:"url" yaml:"url"`
		Timeout        string `json:"timeout" yaml:"timeout"`
		MaxConnections int    `json:"max_connections" yaml:"max_connections"`
	} `json:"database" yaml:"database"`
	HTTP struct {
		Port            int      `json:"port" yaml:"port"`
		Host            string   `json:"host" yaml:"host"`
		ReadTimeout     string   `json:"read_timeout" yaml:"read_timeout"`
		WriteTimeout    string   `json:"write_timeout" yaml:"write_timeout"`
		ShutdownTimeout string   `json:"shutdown_timeout" yaml:"shutdown_timeout"`
		AllowedOrigins  []string `json:"allowed_origins" yaml:"allowed_origins"`
		MaxBodyBytes    int64    `json:"max_body_bytes" yaml:"max_body_bytes"`
	} `json:"http" yaml:"http"`
	WebSocket struct {
		PingInterval    string `json:"ping_interval" yaml:"ping_interval"`
		ReadTimeout     string `json:"read_timeout" yaml:"read_timeout"`
		WriteTimeout    string `json:"write_timeout" yaml:"write_timeout"`
		BufferSize      int    `json:"buffer_size" yaml:"buffer_size"`
		MaxMessageBytes int64  `json:"max_message_bytes" yaml:"max_message_bytes"`
	} `json:"websocket" yaml:"websocket"`
	Uploads struct {
		Dir       string `json:"dir" yaml:"dir"`
		URLPrefix string `json:"url_prefix" yaml:"url_prefix"`
		MaxBytes  int64  `json:"max_bytes" yaml:"max_bytes"`
	} `json:"uploads" yaml:"uploads"`
	Redis struct {
		URL     string `json:"url" yaml:"url"`
		Channel string `json:"channel" yaml:"channel"`
	} `json:"redis" yaml:"redis"`
	Chat struct {
		RateLimit       int    `json:"rate_limit" yaml:"rate_limit"`
		RateWindow      string `json:"rate_window" yaml:"rate_window"`
		HubQueueSize    int    `json:"hub_queue_size" yaml:"hub_queue_size"`
		DedupSize       int    `json:"dedup_size" yaml:"dedup_size"`
		MaxCodeAttempts int    `json:"max_code_attempts" yaml:"max_code_attempts"`
	} `json:"chat" yaml:"chat"`
	Log struct {
		Level  string `json:"level" yaml:"level"`
		Format string `json:"format" yaml:"format"`
	} `json:"log" yaml:"log"`
}

// LoadFromFile loads configuration from a JSON or YAML file on top of the defaults
func LoadFromFile(path string) (*Config, error) {
	config := DefaultConfig()
	if err := applyFile(config, path); err != nil {
		return nil, err
	}
	return config, nil
}

func applyFile(config *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	var file ConfigFile
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &file); err != nil {
			return fmt.Errorf("failed to parse YAML config: %w", err)
		}
	default:
		if err := json.Unmarshal(data, &file); err != nil {
			return fmt.Errorf("failed to parse JSON config: %w", err)
		}
	}

	return file.apply(config)
}

// apply overlays every field the file sets onto config
func (f *ConfigFile) apply(config *Config) error {
	var err error
	duration := func(dst *time.Duration, raw, name string) {
		if err != nil || raw == "" {
			return
		}
		d, parseErr := time.ParseDuration(raw)
		if parseErr != nil {
			err = fmt.Errorf("invalid %s: %w", name, parseErr)
			return
		}
		*dst = d
	}

	setString(&config.Database.Driver, f.Database.Driver)
	setString(&config.Database.Path, f.Database.Path)
	setString(&config.Database.URL, f.Database.URL)
	duration(&config.Database.Timeout, f.Database.Timeout, "database timeout")
	setValue(&config.Database.MaxConnections, f.Database.MaxConnections)

	setValue(&config.HTTP.Port, f.HTTP.Port)
	setString(&config.HTTP.Host, f.HTTP.Host)
	duration(&config.HTTP.ReadTimeout, f.HTTP.ReadTimeout, "HTTP read timeout")
	duration(&config.HTTP.WriteTimeout, f.HTTP.WriteTimeout, "HTTP write timeout")
	duration(&config.HTTP.ShutdownTimeout, f.HTTP.ShutdownTimeout, "HTTP shutdown timeout")
	if len(f.HTTP.AllowedOrigins) > 0 {
		config.HTTP.AllowedOrigins = f.HTTP.AllowedOrigins
	}
	setValue(&config.HTTP.MaxBodyBytes, f.HTTP.MaxBodyBytes)

	duration(&config.WebSocket.PingInterval, f.WebSocket.PingInterval, "WebSocket ping interval")
	duration(&config.WebSocket.ReadTimeout, f.WebSocket.ReadTimeout, "WebSocket read timeout")
	duration(&config.WebSocket.WriteTimeout, f.WebSocket.WriteTimeout, "WebSocket write timeout")
	setValue(&config.WebSocket.BufferSize, f.WebSocket.BufferSize)
	setValue(&config.WebSocket.MaxMessageBytes, f.WebSocket.MaxMessageBytes)

	setString(&config.Uploads.Dir, f.Uploads.Dir)
	setString(&config.Uploads.URLPrefix, f.Uploads.URLPrefix)
	setValue(&config.Uploads.MaxBytes, f.Uploads.MaxBytes)

	setString(&config.Redis.URL, f.Redis.URL)
	setString(&config.Redis.Channel, f.Redis.Channel)

	setValue(&config.Chat.RateLimit, f.Chat.RateLimit)
	duration(&config.Chat.RateWindow, f.Chat.RateWindow, "chat rate window")
	setValue(&config.Chat.HubQueueSize, f.Chat.HubQueueSize)
	setValue(&config.Chat.DedupSize, f.Chat.DedupSize)
	setValue(&config.Chat.MaxCodeAttempts, f.Chat.MaxCodeAttempts)

	setString(&config.Log.Level, f.Log.Level)
	setString(&config.Log.Format, f.Log.Format)

	return err
}

// Load resolves configuration with precedence file > environment > defaults and validates it.
// An empty path skips the file layer.
func Load(path string) (*Config, error) {
	config := DefaultConfig()
	if err := applyEnv(config); err != nil {
		return nil, err
	}
	if path != "" {
		if err := applyFile(config, path); err != nil {
			return nil, err
		}
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return config, nil
}

func setString(dst *string, v string) {
	if v = strings.TrimSpace(v); v != "" {
		*dst = v
	}
}

func setValue[T int | int64 | time.Duration](dst *T, v T) {
	if v != 0 {
		*dst = v
	}
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
