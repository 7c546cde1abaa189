package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultOpenAIBaseURL is the endpoint used when llm.provider.base_url is empty.
const DefaultOpenAIBaseURL = "https://api.openai.com/v1"

// Config is the top-level application configuration.
type Config struct {
	LLM          LLMConfig          `yaml:"llm"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Servers      []MCPServer        `yaml:"servers"`
	ServersFile  string             `yaml:"servers_file,omitempty"` // JSON file in the {"servers": {...}} layout
	Gateway      GatewayConfig      `yaml:"gateway"`
	Logger       LoggerConfig       `yaml:"logger"`
	Tracer       TracerConfig       `yaml:"tracer"`
	Includes     []string           `yaml:"includes,omitempty"`
}

// LLMConfig holds model backend settings.
type LLMConfig struct {
	Provider       ProviderConfig       `yaml:"provider"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// ProviderConfig holds settings for the OpenAI-compatible provider.
type ProviderConfig struct {
	Name        string        `yaml:"name"`
	BaseURL     string        `yaml:"base_url"`
	APIKey      string        `yaml:"api_key"`
	Model       string        `yaml:"model"`
	MaxTokens   int           `yaml:"max_tokens,omitempty"`
	Temperature float64       `yaml:"temperature,omitempty"`
	ConnTimeout time.Duration `yaml:"conn_timeout"`
	RespTimeout time.Duration `yaml:"resp_timeout"`
	Pool        PoolConfig    `yaml:"pool"`
}

// CircuitBreakerConfig holds circuit breaker settings for the provider.
type CircuitBreakerConfig struct {
	Enabled     bool          `yaml:"enabled"`
	MaxFailures uint32        `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
	Interval    time.Duration `yaml:"interval"`
}

// PoolConfig holds HTTP connection pool settings for the provider.
type PoolConfig struct {
	MaxIdleConns        int           `yaml:"max_idle_conns"`
	MaxIdleConnsPerHost int           `yaml:"max_idle_conns_per_host"`
	MaxConnsPerHost     int           `yaml:"max_conns_per_host"`
	IdleConnTimeout     time.Duration `yaml:"idle_conn_timeout"`
}

// OrchestratorConfig bounds the tool-calling loop.
type OrchestratorConfig struct {
	SystemPrompt   string        `yaml:"system_prompt,omitempty"`
	MaxRounds      int           `yaml:"max_rounds"`    // 0 = unlimited
	RoundTimeout   time.Duration `yaml:"round_timeout"` // 0 = none
	ToolTimeout    time.Duration `yaml:"tool_timeout"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// MCPServer configures a tool-provider (MCP server) connection.
type MCPServer struct {
	Name      string            `yaml:"name"`
	Transport string            `yaml:"transport,omitempty"` // "stdio" (default) or "http"
	Command   string            `yaml:"command,omitempty"`
	Args      []string          `yaml:"args,omitempty"`
	URL       string            `yaml:"url,omitempty"`
	Env       map[string]string `yaml:"env,omitempty"`
}

// GatewayConfig holds HTTP/WebSocket front end settings.
type GatewayConfig struct {
	Addr           string        `yaml:"addr"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	MaxMessageSize int64         `yaml:"max_message_size"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"` // "noop", "stdout" or "otlp"
	Endpoint string `yaml:"endpoint"`
	Insecure bool   `yaml:"insecure"`
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		LLM: LLMConfig{
			Provider: ProviderConfig{
				Name:        "openai",
				Model:       "gpt-4o",
				ConnTimeout: 30 * time.Second,
				RespTimeout: 120 * time.Second,
			},
			CircuitBreaker: CircuitBreakerConfig{
				Enabled:     true,
				MaxFailures: 5,
				Timeout:     30 * time.Second,
				Interval:    60 * time.Second,
			},
		},
		Orchestrator: OrchestratorConfig{
			MaxRounds:      25,
			ToolTimeout:    30 * time.Second,
			ConnectTimeout: 30 * time.Second,
		},
		Gateway: GatewayConfig{
			Addr:           "127.0.0.1:8000",
			AllowedOrigins: []string{"http://localhost:5173", "http://localhost:3000"},
			WriteTimeout:   5 * time.Second,
			MaxMessageSize: 1 << 20,
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Exporter: "noop",
		},
	}
}

// Load reads a YAML config file, applies env var overrides, and decrypts secrets.
// A missing file yields the defaults plus env overrides.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		return finish(cfg, "")
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	if err := validatePermissions(absPath); err != nil {
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if len(cfg.Includes) > 0 {
		visited := map[string]bool{absPath: true}
		if err := processIncludes(cfg, filepath.Dir(absPath), visited, 0); err != nil {
			return nil, err
		}

		// Second pass: the main file takes precedence over includes.
		if err := overlay(cfg, data); err != nil {
			return nil, fmt.Errorf("parse config (second pass): %w", err)
		}
		cfg.Includes = nil
	}

	return finish(cfg, filepath.Dir(absPath))
}

// finish runs the shared tail of Load: server file, env, secrets, validation.
func finish(cfg *Config, baseDir string) (*Config, error) {
	ApplyEnvOverrides(cfg)

	if cfg.ServersFile != "" {
		path := cfg.ServersFile
		if baseDir != "" && !filepath.IsAbs(path) {
			path = filepath.Join(baseDir, path)
		}
		servers, err := LoadServerFile(path)
		if err != nil {
			return nil, err
		}
		cfg.Servers = mergeServers(cfg.Servers, servers)
	}

	if passphrase := os.Getenv("TOOLRELAY_CONFIG_KEY"); passphrase != "" {
		if err := decryptSecrets(cfg, passphrase); err != nil {
			return nil, fmt.Errorf("decrypt secrets: %w", err)
		}
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnvOverrides maps TOOLRELAY_* env vars (and the conventional
// OPENAI_API_KEY / OPENAI_BASE_URL) to config fields.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("TOOLRELAY_LLM_MODEL"); v != "" {
		cfg.LLM.Provider.Model = v
	}
	if v := os.Getenv("TOOLRELAY_LLM_BASE_URL"); v != "" {
		cfg.LLM.Provider.BaseURL = v
	} else if v := os.Getenv("OPENAI_BASE_URL"); v != "" && cfg.LLM.Provider.BaseURL == "" {
		cfg.LLM.Provider.BaseURL = v
	}
	if v := os.Getenv("TOOLRELAY_LLM_API_KEY"); v != "" {
		cfg.LLM.Provider.APIKey = v
	} else if v := os.Getenv("OPENAI_API_KEY"); v != "" && cfg.LLM.Provider.APIKey == "" {
		cfg.LLM.Provider.APIKey = v
	}
	if v := os.Getenv("TOOLRELAY_MAX_ROUNDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Orchestrator.MaxRounds = n
		}
	}
	if v := os.Getenv("TOOLRELAY_TOOL_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Orchestrator.ToolTimeout = d
		}
	}
	if v := os.Getenv("TOOLRELAY_SERVERS_FILE"); v != "" {
		cfg.ServersFile = v
	}
	if v := os.Getenv("TOOLRELAY_GATEWAY_ADDR"); v != "" {
		cfg.Gateway.Addr = v
	}
	if v := os.Getenv("TOOLRELAY_GATEWAY_ALLOWED_ORIGINS"); v != "" {
		cfg.Gateway.AllowedOrigins = splitAndTrim(v, ",")
	}
	if v := os.Getenv("TOOLRELAY_LOGGER_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("TOOLRELAY_LOGGER_FORMAT"); v != "" {
		cfg.Logger.Format = v
	}
	if v := os.Getenv("TOOLRELAY_TRACER_ENABLED"); v == "true" {
		cfg.Tracer.Enabled = true
	}
	if v := os.Getenv("TOOLRELAY_TRACER_EXPORTER"); v != "" {
		cfg.Tracer.Exporter = v
	}
	if v := os.Getenv("TOOLRELAY_TRACER_ENDPOINT"); v != "" {
		cfg.Tracer.Endpoint = v
	}
}

// UsesDefaultEndpoint reports whether the provider talks to the public OpenAI API.
func (p ProviderConfig) UsesDefaultEndpoint() bool {
	base := strings.TrimRight(p.BaseURL, "/")
	return base == "" || base == DefaultOpenAIBaseURL
}

// splitAndTrim splits s by sep and trims whitespace from each element.
func splitAndTrim(s, sep string) []string {
	parts := strings.Split(s, sep)
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// validatePermissions checks the config file has restrictive permissions.
func validatePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat config: %w", err)
	}
	mode := info.Mode().Perm()
	// Allow 0600 and 0644 (readable by others but not writable)
	if mode&0o077 > 0o044 {
		return fmt.Errorf("config file %s has insecure permissions %o (want 0600 or 0644)", path, mode)
	}
	return nil
}
