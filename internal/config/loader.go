package config

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// searchPaths returns the ordered list of config file locations to try.
func searchPaths() []string {
	paths := []string{
		"/etc/querycast/querycast.yaml",
	}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "querycast", "querycast.yaml"))
	}

	paths = append(paths, "querycast.yaml")

	if envPath := os.Getenv("QUERYCAST_CONFIG"); envPath != "" {
		paths = append(paths, envPath)
	}

	return paths
}

// Load reads configuration from YAML files and environment variables.
// Files are loaded in order (each overrides the previous):
// /etc/querycast/querycast.yaml < ~/.config/querycast/querycast.yaml < ./querycast.yaml < $QUERYCAST_CONFIG
func Load() (*Config, error) {
	cfg := Defaults()

	for _, path := range searchPaths() {
		if err := loadFile(cfg, path); err != nil {
			return nil, fmt.Errorf("loading config %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// LoadFromFile reads configuration from a specific file path.
func LoadFromFile(path string) (*Config, error) {
	cfg := Defaults()

	if err := loadFile(cfg, path); err != nil {
		return nil, fmt.Errorf("loading config %s: %w", path, err)
	}

	applyEnvOverrides(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables have higher priority than YAML config values.
func applyEnvOverrides(cfg *Config) {
	if key := os.Getenv("QUERYCAST_LLM_API_KEY"); key != "" {
		cfg.LLM.APIKey = key
	} else if key := os.Getenv("OPENAI_API_KEY"); key != "" && cfg.LLM.APIKey == "" {
		cfg.LLM.APIKey = key
	}
	if dsn := os.Getenv("QUERYCAST_WAREHOUSE_DSN"); dsn != "" {
		cfg.Warehouse.DSN = dsn
	}
	if token := os.Getenv("QUERYCAST_NGROK_AUTHTOKEN"); token != "" {
		cfg.Tunnel.AuthToken = token
	}
}

func loadFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // path comes from trusted config search paths
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading file: %w", err)
	}

	slog.Debug("loading config file", "path", path)

	expanded := os.ExpandEnv(string(data))

	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return fmt.Errorf("parsing YAML: %w", err)
	}

	return nil
}

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}

var supportedDrivers = []string{"postgres", "postgresql", "mysql", "sqlite", "sqlite3"}

func validate(cfg *Config) error {
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", cfg.Server.Port)
	}

	if (cfg.Server.Host == "0.0.0.0" || cfg.Server.Host == "::") && len(cfg.Auth.APITokens) == 0 {
		return fmt.Errorf("server.host %s exposes every session without auth; configure auth.api_tokens or bind to 127.0.0.1", cfg.Server.Host)
	}

	if cfg.Query.Policy != "reject" && cfg.Query.Policy != "replace" {
		return fmt.Errorf("query.policy must be reject or replace, got %q", cfg.Query.Policy)
	}
	if cfg.Query.MaxDuration <= 0 {
		return fmt.Errorf("query.max_duration must be positive")
	}
	if cfg.Query.StepTimeout < 0 || cfg.Query.Retention < 0 {
		return fmt.Errorf("query.step_timeout and query.retention must not be negative")
	}
	if cfg.Query.MaxQuestionSize < 1 {
		return fmt.Errorf("query.max_question_size must be at least 1")
	}

	if cfg.Stream.HeartbeatInterval <= 0 {
		return fmt.Errorf("stream.heartbeat_interval must be positive")
	}
	if cfg.Stream.SinkBuffer < 1 {
		return fmt.Errorf("stream.sink_buffer must be at least 1")
	}
	if cfg.Stream.IdleAbort < 0 {
		return fmt.Errorf("stream.idle_abort must not be negative")
	}

	if !slices.Contains(supportedDrivers, cfg.Warehouse.Driver) {
		return fmt.Errorf("warehouse.driver must be one of %s, got %q", strings.Join(supportedDrivers, ", "), cfg.Warehouse.Driver)
	}
	if cfg.Warehouse.MaxRows < 1 {
		return fmt.Errorf("warehouse.max_rows must be at least 1")
	}

	if cfg.Tunnel.Enabled && cfg.Tunnel.Provider != "ngrok" {
		return fmt.Errorf("tunnel.provider must be ngrok, got %q", cfg.Tunnel.Provider)
	}

	for i, tok := range cfg.Auth.APITokens {
		if len(tok.TokenHash) != 64 {
			return fmt.Errorf("auth.api_tokens[%d] (%s): token_hash must be a hex SHA-256", i, tok.Name)
		}
	}

	cfg.Database.Path = ExpandHome(cfg.Database.Path)

	return nil
}

func joinHostPort(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}
