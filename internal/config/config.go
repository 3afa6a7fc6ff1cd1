package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Auth      AuthConfig      `yaml:"auth"`
	Database  DatabaseConfig  `yaml:"database"`
	Transport TransportConfig `yaml:"transport"`
	Chat      ChatConfig      `yaml:"chat"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type ServerConfig struct {
	BaseURL           string        `yaml:"base_url"`
	WebSocketURL      string        `yaml:"ws_url"`
	RequestTimeout    time.Duration `yaml:"-"`
	RequestTimeoutRaw string        `yaml:"request_timeout"`
}

type AuthConfig struct {
	// Profile names the stored session, so several accounts can share one database.
	Profile string `yaml:"profile"`
	// Passphrase seals the stored token; empty stores it as-is.
	Passphrase   string `yaml:"passphrase"`
	MaxForbidden int    `yaml:"max_forbidden"`
}

type DatabaseConfig struct {
	Driver string `yaml:"driver"` // memory, sqlite or postgres
	URL    string `yaml:"url"`
}

type TransportConfig struct {
	ConnectTimeout time.Duration `yaml:"-"`
	PingPeriod     time.Duration `yaml:"-"`
	PongWait       time.Duration `yaml:"-"`
	ReconnectMin   time.Duration `yaml:"-"`
	ReconnectMax   time.Duration `yaml:"-"`
	SendBuffer     int           `yaml:"send_buffer"`
	Reconnect      bool          `yaml:"reconnect"`

	ConnectTimeoutRaw string `yaml:"connect_timeout"`
	PingPeriodRaw     string `yaml:"ping_period"`
	PongWaitRaw       string `yaml:"pong_wait"`
	ReconnectMinRaw   string `yaml:"reconnect_min"`
	ReconnectMaxRaw   string `yaml:"reconnect_max"`
}

type ChatConfig struct {
	PageSize       int           `yaml:"page_size"`
	TypingIdle     time.Duration `yaml:"-"`
	SearchDebounce time.Duration `yaml:"-"`
	PendingTimeout time.Duration `yaml:"-"`

	TypingIdleRaw     string `yaml:"typing_idle"`
	SearchDebounceRaw string `yaml:"search_debounce"`
	PendingTimeoutRaw string `yaml:"pending_timeout"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
	Color bool   `yaml:"color"`
}

// Default returns the configuration used when neither a file nor the environment sets a value.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			BaseURL:           "http://localhost:8080/nexus/api",
			WebSocketURL:      "ws://localhost:8080/nexus/ws/websocket",
			RequestTimeoutRaw: "15s",
		},
		Auth: AuthConfig{
			Profile:      "default",
			MaxForbidden: 2,
		},
		Database: DatabaseConfig{
			Driver: "memory",
		},
		Transport: TransportConfig{
			ConnectTimeoutRaw: "10s",
			PingPeriodRaw:     "54s",
			PongWaitRaw:       "60s",
			ReconnectMinRaw:   "500ms",
			ReconnectMaxRaw:   "30s",
			SendBuffer:        256,
			Reconnect:         true,
		},
		Chat: ChatConfig{
			PageSize:          50,
			TypingIdleRaw:     "1500ms",
			SearchDebounceRaw: "400ms",
			PendingTimeoutRaw: "30s",
		},
		Logging: LoggingConfig{
			Level: "info",
			Color: true,
		},
	}
}

// Load builds the configuration from defaults, an optional YAML file and the environment,
// in that order of increasing precedence. A .env file in the working directory is honoured.
func Load(path string) (*Config, error) {
	// A missing .env file is the common case.
	_ = godotenv.Load()

	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal([]byte(expandEnvVars(string(data))), cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, fmt.Errorf("reading environment: %w", err)
	}

	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} with the environment value, or the empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)
	return re.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(re.FindStringSubmatch(match)[1])
	})
}

func applyEnv(cfg *Config) error {
	cfg.Server.BaseURL = getEnvOrDefault("CHAT_BASE_URL", cfg.Server.BaseURL)
	cfg.Server.WebSocketURL = getEnvOrDefault("CHAT_WS_URL", cfg.Server.WebSocketURL)
	cfg.Server.RequestTimeoutRaw = getEnvOrDefault("CHAT_REQUEST_TIMEOUT", cfg.Server.RequestTimeoutRaw)

	cfg.Auth.Profile = getEnvOrDefault("CHAT_PROFILE", cfg.Auth.Profile)
	cfg.Auth.Passphrase = getEnvOrDefault("CHAT_PASSPHRASE", cfg.Auth.Passphrase)

	cfg.Database.Driver = getEnvOrDefault("CHAT_DB_DRIVER", cfg.Database.Driver)
	cfg.Database.URL = getEnvOrDefault("DATABASE_URL", cfg.Database.URL)

	cfg.Transport.ConnectTimeoutRaw = getEnvOrDefault("CHAT_CONNECT_TIMEOUT", cfg.Transport.ConnectTimeoutRaw)
	cfg.Transport.ReconnectMinRaw = getEnvOrDefault("CHAT_RECONNECT_MIN", cfg.Transport.ReconnectMinRaw)
	cfg.Transport.ReconnectMaxRaw = getEnvOrDefault("CHAT_RECONNECT_MAX", cfg.Transport.ReconnectMaxRaw)

	cfg.Chat.TypingIdleRaw = getEnvOrDefault("CHAT_TYPING_IDLE", cfg.Chat.TypingIdleRaw)
	cfg.Chat.SearchDebounceRaw = getEnvOrDefault("CHAT_SEARCH_DEBOUNCE", cfg.Chat.SearchDebounceRaw)
	cfg.Chat.PendingTimeoutRaw = getEnvOrDefault("CHAT_PENDING_TIMEOUT", cfg.Chat.PendingTimeoutRaw)

	cfg.Logging.Level = getEnvOrDefault("CHAT_LOG_LEVEL", cfg.Logging.Level)

	var err error
	if cfg.Auth.MaxForbidden, err = getIntOrDefault("CHAT_MAX_FORBIDDEN", cfg.Auth.MaxForbidden); err != nil {
		return err
	}
	if cfg.Chat.PageSize, err = getIntOrDefault("CHAT_PAGE_SIZE", cfg.Chat.PageSize); err != nil {
		return err
	}
	if cfg.Transport.Reconnect, err = getBoolOrDefault("CHAT_RECONNECT", cfg.Transport.Reconnect); err != nil {
		return err
	}
	if cfg.Logging.Color, err = getBoolOrDefault("CHAT_LOG_COLOR", cfg.Logging.Color); err != nil {
		return err
	}
	return nil
}

func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"server.request_timeout", cfg.Server.RequestTimeoutRaw, &cfg.Server.RequestTimeout},
		{"transport.connect_timeout", cfg.Transport.ConnectTimeoutRaw, &cfg.Transport.ConnectTimeout},
		{"transport.ping_period", cfg.Transport.PingPeriodRaw, &cfg.Transport.PingPeriod},
		{"transport.pong_wait", cfg.Transport.PongWaitRaw, &cfg.Transport.PongWait},
		{"transport.reconnect_min", cfg.Transport.ReconnectMinRaw, &cfg.Transport.ReconnectMin},
		{"transport.reconnect_max", cfg.Transport.ReconnectMaxRaw, &cfg.Transport.ReconnectMax},
		{"chat.typing_idle", cfg.Chat.TypingIdleRaw, &cfg.Chat.TypingIdle},
		{"chat.search_debounce", cfg.Chat.SearchDebounceRaw, &cfg.Chat.SearchDebounce},
		{"chat.pending_timeout", cfg.Chat.PendingTimeoutRaw, &cfg.Chat.PendingTimeout},
	}
	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if c.Server.BaseURL == "" {
		return errors.New("server.base_url is required")
	}
	if c.Server.WebSocketURL == "" {
		return errors.New("server.ws_url is required")
	}
	if c.Auth.Profile == "" {
		return errors.New("auth.profile is required")
	}
	if c.Auth.MaxForbidden < 1 {
		return errors.New("auth.max_forbidden must be at least 1")
	}

	switch c.Database.Driver {
	case "memory":
	case "sqlite", "postgres":
		if c.Database.URL == "" {
			return fmt.Errorf("database.url is required for driver %q", c.Database.Driver)
		}
	default:
		return fmt.Errorf("unknown database.driver %q", c.Database.Driver)
	}

	if c.Transport.PingPeriod >= c.Transport.PongWait {
		return errors.New("transport.ping_period must be shorter than transport.pong_wait")
	}
	if c.Transport.ReconnectMin > c.Transport.ReconnectMax {
		return errors.New("transport.reconnect_min must not exceed transport.reconnect_max")
	}
	if c.Transport.SendBuffer < 1 {
		return errors.New("transport.send_buffer must be positive")
	}
	if c.Chat.PageSize < 1 {
		return errors.New("chat.page_size must be positive")
	}
	return nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntOrDefault(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	intValue, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid integer for %s: %w", key, err)
	}
	return intValue, nil
}

func getBoolOrDefault(key string, defaultValue bool) (bool, error) {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue, nil
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("invalid boolean for %s: %w", key, err)
	}
	return b, nil
}
