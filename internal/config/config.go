package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// OpenRouterConfig holds the completion backend settings. An empty APIKey
// selects the built-in echo responder.
type OpenRouterConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`
}

type AMQPConfig struct {
	URL      string `yaml:"url"`
	Exchange string `yaml:"exchange"`
}

// ServerConfig configures the chat API server.
type ServerConfig struct {
	Addr        string           `yaml:"addr"`
	DBDriver    string           `yaml:"db_driver"`
	DSN         string           `yaml:"dsn"`
	TokenSecret string           `yaml:"token_secret"`
	TokenTTL    time.Duration    `yaml:"token_ttl"`
	OpenRouter  OpenRouterConfig `yaml:"openrouter"`
	AMQP        AMQPConfig       `yaml:"amqp"`
}

// ClientConfig configures the terminal client.
type ClientConfig struct {
	APIURL         string        `yaml:"api_url"`
	CachePath      string        `yaml:"cache_path"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	RetryInterval  time.Duration `yaml:"retry_interval"`
	MetricsAddr    string        `yaml:"metrics_addr"`
}

func DefaultServer() *ServerConfig {
	return &ServerConfig{
		Addr:     ":8080",
		DBDriver: "sqlite3",
		DSN:      "chatsync.db",
		TokenTTL: 7 * 24 * time.Hour,
		OpenRouter: OpenRouterConfig{
			BaseURL: "https://openrouter.ai/api/v1",
			Model:   "openai/gpt-4o-mini",
		},
		AMQP: AMQPConfig{
			Exchange: "chatsync.events",
		},
	}
}

func DefaultClient() *ClientConfig {
	return &ClientConfig{
		APIURL:         "http://localhost:8080",
		CachePath:      "chatsync-cache.db",
		RequestTimeout: 30 * time.Second,
		RetryInterval:  5 * time.Second,
	}
}

// LoadServer reads defaults, then the YAML file at path (if any), then
// environment overrides.
func LoadServer(path string) (*ServerConfig, error) {
	cfg := DefaultServer()
	if err := loadFile(path, cfg); err != nil {
		return nil, err
	}

	setString(&cfg.Addr, "CHATSYNC_ADDR")
	setString(&cfg.DBDriver, "CHATSYNC_DB_DRIVER")
	setString(&cfg.DSN, "CHATSYNC_DSN")
	setString(&cfg.TokenSecret, "CHATSYNC_TOKEN_SECRET")
	setString(&cfg.OpenRouter.APIKey, "OPENROUTER_API_KEY")
	setString(&cfg.OpenRouter.Model, "CHATSYNC_MODEL")
	setString(&cfg.AMQP.URL, "CHATSYNC_AMQP_URL")
	if err := setDuration(&cfg.TokenTTL, "CHATSYNC_TOKEN_TTL"); err != nil {
		return nil, err
	}

	return cfg, nil
}

func LoadClient(path string) (*ClientConfig, error) {
	cfg := DefaultClient()
	if err := loadFile(path, cfg); err != nil {
		return nil, err
	}

	setString(&cfg.APIURL, "CHATSYNC_API_URL")
	setString(&cfg.CachePath, "CHATSYNC_CACHE_PATH")
	setString(&cfg.MetricsAddr, "CHATSYNC_METRICS_ADDR")
	if err := setDuration(&cfg.RequestTimeout, "CHATSYNC_REQUEST_TIMEOUT"); err != nil {
		return nil, err
	}
	if err := setDuration(&cfg.RetryInterval, "CHATSYNC_RETRY_INTERVAL"); err != nil {
		return nil, err
	}

	return cfg, nil
}

func loadFile(path string, out any) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setDuration(dst *time.Duration, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = d
	return nil
}
