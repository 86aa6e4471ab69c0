package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	BackendDynamoDB = "dynamodb"
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
)

const defaultSystemPrompt = "You are the learning assistant of a business skills platform. " +
	"Answer questions about the course levels, artifacts and business practice concisely and in a friendly tone."

// Config stores all configuration of the application.
// The values are read by viper from a config file or environment variables.
type Config struct {
	Server ServerConfig `mapstructure:"server"`
	OpenAI OpenAIConfig `mapstructure:"openai"`
	Chat   ChatConfig   `mapstructure:"chat"`
	Store  StoreConfig  `mapstructure:"store"`
	Log    LogConfig    `mapstructure:"log"`
}

type ServerConfig struct {
	Port        int      `mapstructure:"port"`
	CORSOrigins []string `mapstructure:"cors_origins"`
	// TrustedProxies may set X-Forwarded-For. Empty means the peer address
	// is the client IP.
	TrustedProxies []string `mapstructure:"trusted_proxies"`
	// RateLimitRPS and RateLimitBurst apply per user id.
	RateLimitRPS   float64 `mapstructure:"rate_limit_rps"`
	RateLimitBurst int     `mapstructure:"rate_limit_burst"`
	// RateLimitIPRPS and RateLimitIPBurst apply per client IP.
	RateLimitIPRPS   float64       `mapstructure:"rate_limit_ip_rps"`
	RateLimitIPBurst int           `mapstructure:"rate_limit_ip_burst"`
	RateLimitIdleTTL time.Duration `mapstructure:"rate_limit_idle_ttl"`
	RateLimitMaxKeys int           `mapstructure:"rate_limit_max_keys"`
}

// OpenAIConfig holds the provider credential and the fixed generation
// parameters. Callers of the chat endpoint cannot override them.
type OpenAIConfig struct {
	APIKey      string        `mapstructure:"api_key"`
	BaseURL     string        `mapstructure:"base_url"`
	Model       string        `mapstructure:"model"`
	Temperature float32       `mapstructure:"temperature"`
	MaxTokens   int           `mapstructure:"max_tokens"`
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
}

type ChatConfig struct {
	SystemPrompt string `mapstructure:"system_prompt"`
	// HistoryLimit is how many supplied messages the proxy forwards upstream.
	HistoryLimit int `mapstructure:"history_limit"`
	// ContextLimit is how many history entries the orchestrator sends to the proxy.
	ContextLimit  int           `mapstructure:"context_limit"`
	LoadLimit     int           `mapstructure:"load_limit"`
	ProxyTimeout  time.Duration `mapstructure:"proxy_timeout"`
	ClientTimeout time.Duration `mapstructure:"client_timeout"`
	ProxyURL      string        `mapstructure:"proxy_url"`
}

type StoreConfig struct {
	Backend  string         `mapstructure:"backend"`
	DynamoDB DynamoDBConfig `mapstructure:"dynamodb"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

type DynamoDBConfig struct {
	Endpoint string `mapstructure:"endpoint"`
	Region   string `mapstructure:"region"`
	Table    string `mapstructure:"table"`
}

type PostgresConfig struct {
	DSN string `mapstructure:"dsn"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Pretty bool   `mapstructure:"pretty"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("server.rate_limit_rps", 5.0)
	v.SetDefault("server.rate_limit_burst", 10)
	v.SetDefault("server.trusted_proxies", []string{})
	v.SetDefault("server.rate_limit_ip_rps", 20.0)
	v.SetDefault("server.rate_limit_ip_burst", 40)
	v.SetDefault("server.rate_limit_idle_ttl", "10m")
	v.SetDefault("server.rate_limit_max_keys", 10000)

	v.SetDefault("openai.api_key", "")
	v.SetDefault("openai.base_url", "")
	v.SetDefault("openai.model", "gpt-4o-mini")
	v.SetDefault("openai.temperature", 0.7)
	v.SetDefault("openai.max_tokens", 1000)
	v.SetDefault("openai.max_attempts", 3)
	v.SetDefault("openai.base_delay", "1s")

	v.SetDefault("chat.system_prompt", defaultSystemPrompt)
	v.SetDefault("chat.history_limit", 15)
	v.SetDefault("chat.context_limit", 20)
	v.SetDefault("chat.load_limit", 100)
	v.SetDefault("chat.proxy_timeout", "50s")
	v.SetDefault("chat.client_timeout", "60s")
	v.SetDefault("chat.proxy_url", "http://localhost:8080")

	v.SetDefault("store.backend", BackendDynamoDB)
	v.SetDefault("store.dynamodb.endpoint", "http://localhost:8000")
	v.SetDefault("store.dynamodb.region", "us-east-1")
	v.SetDefault("store.dynamodb.table", "ChatDocuments")
	v.SetDefault("store.postgres.dsn", "host=localhost port=5432 user=postgres password=postgres dbname=lms sslmode=disable")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)
}

// Load reads the optional .env file, the optional YAML config file at path
// (or ./config.yaml when path is empty) and the environment.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	v.AutomaticEnv()
	// server.port becomes SERVER_PORT
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	if err := v.BindEnv("openai.api_key", "OPENAI_API_KEY"); err != nil {
		return nil, err
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks limits and timeouts. A missing API key is allowed here;
// the chat endpoint reports it per request.
func (c *Config) Validate() error {
	var problems []string

	if c.Server.RateLimitRPS <= 0 || c.Server.RateLimitBurst < 1 {
		problems = append(problems, "server.rate_limit_rps and server.rate_limit_burst must be positive")
	}
	if c.Server.RateLimitIPRPS <= 0 || c.Server.RateLimitIPBurst < 1 {
		problems = append(problems, "server.rate_limit_ip_rps and server.rate_limit_ip_burst must be positive")
	}
	if c.Chat.HistoryLimit < 1 {
		problems = append(problems, "chat.history_limit must be positive")
	}
	if c.Chat.ContextLimit < 1 {
		problems = append(problems, "chat.context_limit must be positive")
	}
	if c.Chat.LoadLimit < 1 {
		problems = append(problems, "chat.load_limit must be positive")
	}
	if c.Chat.ProxyTimeout <= 0 {
		problems = append(problems, "chat.proxy_timeout must be positive")
	}
	if c.Chat.ClientTimeout <= c.Chat.ProxyTimeout {
		problems = append(problems, "chat.client_timeout must be greater than chat.proxy_timeout")
	}
	if c.OpenAI.MaxAttempts < 1 {
		problems = append(problems, "openai.max_attempts must be at least 1")
	}
	if c.OpenAI.BaseDelay < 0 {
		problems = append(problems, "openai.base_delay must not be negative")
	}
	if c.OpenAI.MaxTokens < 1 {
		problems = append(problems, "openai.max_tokens must be positive")
	}
	switch c.Store.Backend {
	case BackendDynamoDB, BackendPostgres, BackendMemory:
	default:
		problems = append(problems, fmt.Sprintf("store.backend %q is not one of dynamodb, postgres, memory", c.Store.Backend))
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

// HasCredential reports whether a provider API key is configured.
func (c *Config) HasCredential() bool {
	return strings.TrimSpace(c.OpenAI.APIKey) != ""
}
