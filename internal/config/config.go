package config

import "time"

// Config is the root configuration for querycast.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Auth      AuthConfig      `yaml:"auth"`
	Database  DatabaseConfig  `yaml:"database"`
	Stream    StreamConfig    `yaml:"stream"`
	Query     QueryConfig     `yaml:"query"`
	LLM       LLMConfig       `yaml:"llm"`
	Warehouse WarehouseConfig `yaml:"warehouse"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Tunnel    TunnelConfig    `yaml:"tunnel"`
	MCP       MCPConfig       `yaml:"mcp"`
}

type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	PublicURL       string        `yaml:"public_url"`
	LogLevel        string        `yaml:"log_level"`
	LogFile         string        `yaml:"log_file"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	AllowedOrigins  []string      `yaml:"allowed_origins"`
}

type AuthConfig struct {
	APITokens []APITokenEntry `yaml:"api_tokens"`
}

// APITokenEntry grants a token access to sessions matching its patterns.
type APITokenEntry struct {
	Name      string   `yaml:"name"`
	TokenHash string   `yaml:"token_hash"`
	Sessions  []string `yaml:"sessions"`
}

type DatabaseConfig struct {
	Path          string `yaml:"path"`
	RetentionDays int    `yaml:"retention_days"`
}

type StreamConfig struct {
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	SinkBuffer        int           `yaml:"sink_buffer"`
	IdleAbort         time.Duration `yaml:"idle_abort"`
}

type QueryConfig struct {
	Policy          string        `yaml:"policy"`
	StepTimeout     time.Duration `yaml:"step_timeout"`
	MaxDuration     time.Duration `yaml:"max_duration"`
	Retention       time.Duration `yaml:"retention"`
	MaxQuestionSize int           `yaml:"max_question_size"`
}

type LLMConfig struct {
	APIKey      string  `yaml:"api_key"`
	BaseURL     string  `yaml:"base_url"`
	Model       string  `yaml:"model"`
	Temperature float32 `yaml:"temperature"`
	MaxTokens   int     `yaml:"max_tokens"`
}

type WarehouseConfig struct {
	Driver       string `yaml:"driver"`
	DSN          string `yaml:"dsn"`
	MaxRows      int    `yaml:"max_rows"`
	SchemaHint   string `yaml:"schema_hint"`
	MaxOpenConns int    `yaml:"max_open_conns"`
}

type RateLimitConfig struct {
	RequestsPerMinute int `yaml:"requests_per_minute"`
	Burst             int `yaml:"burst"`
}

type TunnelConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Provider  string `yaml:"provider"`
	AuthToken string `yaml:"authtoken"`
	Domain    string `yaml:"domain"`
}

type MCPConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Debounce time.Duration `yaml:"debounce"`
}

// Defaults returns a Config with sensible default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "127.0.0.1",
			Port:            8430,
			LogLevel:        "info",
			ShutdownTimeout: 15 * time.Second,
		},
		Database: DatabaseConfig{
			Path:          "~/.config/querycast/querycast.db",
			RetentionDays: 30,
		},
		Stream: StreamConfig{
			HeartbeatInterval: 30 * time.Second,
			SinkBuffer:        64,
		},
		Query: QueryConfig{
			Policy:          "reject",
			StepTimeout:     2 * time.Minute,
			MaxDuration:     10 * time.Minute,
			Retention:       5 * time.Minute,
			MaxQuestionSize: 4096,
		},
		LLM: LLMConfig{
			Model:       "gpt-4o-mini",
			Temperature: 0,
			MaxTokens:   1024,
		},
		Warehouse: WarehouseConfig{
			Driver:       "postgres",
			MaxRows:      1000,
			MaxOpenConns: 4,
		},
		RateLimit: RateLimitConfig{
			RequestsPerMinute: 120,
			Burst:             30,
		},
		Tunnel: TunnelConfig{
			Provider: "ngrok",
		},
		MCP: MCPConfig{
			Enabled:  true,
			Debounce: 3 * time.Second,
		},
	}
}

// Addr returns the host:port the HTTP server listens on.
func (c *Config) Addr() string {
	return joinHostPort(c.Server.Host, c.Server.Port)
}
