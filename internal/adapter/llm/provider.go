package llm

import (
	"log/slog"

	"toolrelay/internal/domain"
	"toolrelay/internal/infra/config"
	"toolrelay/internal/infra/metrics"
)

// NewFromConfig builds the configured model backend, wrapped in a circuit
// breaker when enabled.
func NewFromConfig(cfg config.LLMConfig, m *metrics.Metrics, logger *slog.Logger) domain.LLMProvider {
	var p domain.LLMProvider = NewOpenAIProvider(cfg.Provider, m, logger)
	if cfg.CircuitBreaker.Enabled {
		p = NewCircuitBreakerProvider(p, cfg.CircuitBreaker, logger)
	}
	return p
}
