package models

import "time"

// Provider tags accepted in upstream configuration. Everything in the
// openai-compatible family shares one adapter.
const (
	ProviderAuto             = "auto"
	ProviderOpenAICompatible = "openai_compatible"
	ProviderOpenRouter       = "openrouter"
	ProviderOpenAI           = "openai"
	ProviderMistral          = "mistral"
	ProviderGroq             = "groq"
	ProviderTogether         = "together"
	ProviderPerplexity       = "perplexity"
	ProviderAnthropic        = "anthropic"
	ProviderGemini           = "gemini"
	ProviderCohere           = "cohere"
	ProviderAzureOpenAI      = "azure_openai"
)

// Route identifies one upstream tier.
type Route string

const (
	RouteCheap    Route = "cheap"
	RouteMedium   Route = "medium"
	RouteFrontier Route = "frontier"
	RouteUnknown  Route = "unknown"
)

// Decision digits map onto routes; frontier is the default for anything out
// of range.
const (
	DecisionCheap    = 0
	DecisionMedium   = 1
	DecisionFrontier = 2
)

// RouteForDecision maps a classifier digit to its tier.
func RouteForDecision(decision int) Route {
	switch decision {
	case DecisionCheap:
		return RouteCheap
	case DecisionMedium:
		return RouteMedium
	default:
		return RouteFrontier
	}
}

// Upstream describes one configured chat-completion endpoint.
type Upstream struct {
	Name       string            `json:"name,omitempty" yaml:"name,omitempty"`
	Provider   string            `json:"provider,omitempty" yaml:"provider,omitempty"`
	BaseURL    string            `json:"baseUrl,omitempty" yaml:"baseUrl,omitempty"`
	APIKey     string            `json:"apiKey,omitempty" yaml:"apiKey,omitempty"`
	Model      string            `json:"model,omitempty" yaml:"model,omitempty"`
	Deployment string            `json:"deployment,omitempty" yaml:"deployment,omitempty"`
	APIVersion string            `json:"apiVersion,omitempty" yaml:"apiVersion,omitempty"`
	Headers    map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
	TimeoutMs  int               `json:"timeoutMs,omitempty" yaml:"timeoutMs,omitempty"`
}

// Timeout returns the configured upstream timeout.
func (u *Upstream) Timeout() time.Duration {
	return time.Duration(u.TimeoutMs) * time.Millisecond
}
