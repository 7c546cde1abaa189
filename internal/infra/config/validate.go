package config

import (
	"fmt"
	"net"
	"strings"
)

// toolNameDelimiter is reserved in server names; it separates server and
// tool in qualified tool names.
const toolNameDelimiter = "__"

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...any) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg for structural correctness. It returns a *ValidationError
// when one or more problems are found, allowing callers to inspect all issues.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateLLM(cfg, ve)
	validateOrchestrator(cfg, ve)
	validateServers(cfg, ve)
	validateGateway(cfg, ve)
	validateLogger(cfg, ve)
	validateTracer(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

func validateLLM(cfg *Config, ve *ValidationError) {
	p := cfg.LLM.Provider
	if p.Model == "" {
		ve.Add("llm.provider.model must not be empty")
	}
	if p.UsesDefaultEndpoint() && p.APIKey == "" {
		ve.Add("llm.provider.api_key is required for %s (set OPENAI_API_KEY)", DefaultOpenAIBaseURL)
	}
	if p.BaseURL != "" && !strings.HasPrefix(p.BaseURL, "http://") && !strings.HasPrefix(p.BaseURL, "https://") {
		ve.Add("llm.provider.base_url %q must be an http(s) URL", p.BaseURL)
	}
	if p.ConnTimeout < 0 || p.RespTimeout < 0 {
		ve.Add("llm.provider timeouts must be >= 0")
	}
	if p.Temperature < 0 || p.Temperature > 2 {
		ve.Add("llm.provider.temperature must be between 0 and 2")
	}
}

func validateOrchestrator(cfg *Config, ve *ValidationError) {
	o := cfg.Orchestrator
	if o.MaxRounds < 0 {
		ve.Add("orchestrator.max_rounds must be >= 0 (0 = unlimited)")
	}
	if o.RoundTimeout < 0 {
		ve.Add("orchestrator.round_timeout must be >= 0")
	}
	if o.ToolTimeout <= 0 {
		ve.Add("orchestrator.tool_timeout must be > 0")
	}
	if o.ConnectTimeout <= 0 {
		ve.Add("orchestrator.connect_timeout must be > 0")
	}
}

func validateServers(cfg *Config, ve *ValidationError) {
	seen := make(map[string]bool, len(cfg.Servers))
	for i, s := range cfg.Servers {
		label := fmt.Sprintf("servers[%d]", i)
		if s.Name == "" {
			ve.Add("%s.name must not be empty", label)
			continue
		}
		label = fmt.Sprintf("servers[%s]", s.Name)
		if seen[s.Name] {
			ve.Add("%s: duplicate server name", label)
		}
		seen[s.Name] = true
		if strings.Contains(s.Name, toolNameDelimiter) {
			ve.Add("%s: name must not contain %q", label, toolNameDelimiter)
		}

		switch s.Transport {
		case "", "stdio":
			if s.Command == "" {
				ve.Add("%s.command is required for stdio transport", label)
			}
		case "http":
			if s.URL == "" {
				ve.Add("%s.url is required for http transport", label)
			}
		default:
			ve.Add("%s.transport %q must be stdio or http", label, s.Transport)
		}
	}
}

func validateGateway(cfg *Config, ve *ValidationError) {
	if cfg.Gateway.Addr == "" {
		ve.Add("gateway.addr must not be empty")
	} else if _, _, err := net.SplitHostPort(cfg.Gateway.Addr); err != nil {
		ve.Add("gateway.addr %q: %v", cfg.Gateway.Addr, err)
	}
	if cfg.Gateway.WriteTimeout < 0 {
		ve.Add("gateway.write_timeout must be >= 0")
	}
	if cfg.Gateway.MaxMessageSize < 0 {
		ve.Add("gateway.max_message_size must be >= 0")
	}
}

var validLogLevels = map[string]bool{"debug": true, "info": true, "warn": true, "warning": true, "error": true}

func validateLogger(cfg *Config, ve *ValidationError) {
	if lvl := strings.ToLower(cfg.Logger.Level); lvl != "" && !validLogLevels[lvl] {
		ve.Add("logger.level %q is not one of debug, info, warn, error", cfg.Logger.Level)
	}
	switch strings.ToLower(cfg.Logger.Format) {
	case "", "text", "json":
	default:
		ve.Add("logger.format %q must be text or json", cfg.Logger.Format)
	}
}

func validateTracer(cfg *Config, ve *ValidationError) {
	if !cfg.Tracer.Enabled {
		return
	}
	switch cfg.Tracer.Exporter {
	case "", "noop", "stdout":
	case "otlp":
		if cfg.Tracer.Endpoint == "" {
			ve.Add("tracer.endpoint is required for the otlp exporter")
		}
	default:
		ve.Add("tracer.exporter %q must be noop, stdout or otlp", cfg.Tracer.Exporter)
	}
}
