// Package providers translates between the canonical OpenAI chat-completion
// shape and the upstream vendor dialects. Every adapter owns the upstream
// exchange for one request, re-emits OpenAI-shaped output to the client, and
// records normalized usage exactly once.
package providers

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/routelab/tierproxy/internal/config"
	"github.com/routelab/tierproxy/internal/models"
	"github.com/routelab/tierproxy/internal/services"
	"github.com/routelab/tierproxy/internal/services/usage"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/gofiber/fiber/v2"
	"google.golang.org/genai"
)

// Adapter is the uniform provider contract.
type Adapter interface {
	Name() string
	Handle(c *fiber.Ctx, req *models.ChatCompletionRequest, rawBody []byte, up *models.Upstream, route models.Route, decision int, requestID string) error
}

// Deps carries the shared collaborators every adapter needs. The SDK client
// caches live here so per-request adapter values stay cheap.
type Deps struct {
	Cfg   *config.Config
	Usage *usage.Tracker
	HTTP  *services.Client

	anthropicClients clientCache[*anthropic.Client]
	geminiClients    clientCache[*genai.Client]
}

// ErrNotSupported reports a provider tag with no adapter.
var ErrNotSupported = fmt.Errorf("provider_not_supported")

// Resolve picks the adapter for an upstream. The provider tag is taken
// literally unless empty or auto, in which case it is inferred from the base
// URL host, then the API key prefix, then the openai-compatible default. An
// explicit tag with no adapter resolves only through inference; when that
// fails too the caller answers 501.
func Resolve(up *models.Upstream, deps *Deps) (Adapter, error) {
	tag := strings.ToLower(strings.TrimSpace(up.Provider))
	auto := tag == "" || tag == models.ProviderAuto
	if auto {
		detected, ok := detectProvider(up)
		if !ok {
			detected = models.ProviderOpenAICompatible
		}
		tag = detected
	}

	switch tag {
	case models.ProviderOpenAICompatible, models.ProviderOpenRouter, models.ProviderOpenAI,
		models.ProviderMistral, models.ProviderGroq, models.ProviderTogether, models.ProviderPerplexity:
		return &openAIAdapter{deps: deps}, nil
	case models.ProviderAnthropic:
		return &anthropicAdapter{deps: deps}, nil
	case models.ProviderGemini:
		return &geminiAdapter{deps: deps}, nil
	case models.ProviderCohere:
		return &cohereAdapter{deps: deps}, nil
	case models.ProviderAzureOpenAI:
		return &azureAdapter{deps: deps}, nil
	}

	// Explicit but unrecognized tag: inference is the last chance before 501.
	if detected, ok := detectProvider(up); ok {
		inferred := *up
		inferred.Provider = detected
		return Resolve(&inferred, deps)
	}
	return nil, fmt.Errorf("%w: %s", ErrNotSupported, tag)
}

var openAIFamilyHosts = []string{
	"api.mistral.ai",
	"api.groq.com",
	"api.together.xyz",
	"api.perplexity.ai",
	"openrouter.ai",
	"api.openai.com",
}

// detectProvider infers a provider from the base URL host, falling back to
// the API key prefix. Cohere is detected on both api.cohere.ai and
// api.cohere.com.
func detectProvider(up *models.Upstream) (string, bool) {
	host := hostOf(up.BaseURL)
	switch {
	case strings.Contains(host, "anthropic.com"):
		return models.ProviderAnthropic, true
	case strings.Contains(host, "generativelanguage.googleapis.com"):
		return models.ProviderGemini, true
	case strings.Contains(host, "api.cohere.ai"), strings.Contains(host, "api.cohere.com"):
		return models.ProviderCohere, true
	case strings.Contains(host, "openai.azure.com"):
		return models.ProviderAzureOpenAI, true
	}
	for _, known := range openAIFamilyHosts {
		if strings.Contains(host, known) {
			return models.ProviderOpenAICompatible, true
		}
	}

	key := up.APIKey
	switch {
	case strings.HasPrefix(key, "sk-ant-"):
		return models.ProviderAnthropic, true
	case strings.HasPrefix(key, "AIza"):
		return models.ProviderGemini, true
	case strings.Contains(strings.ToLower(key), "cohere"):
		return models.ProviderCohere, true
	}
	return "", false
}

func hostOf(baseURL string) string {
	parsed, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil || parsed.Host == "" {
		return strings.ToLower(baseURL)
	}
	return strings.ToLower(parsed.Host)
}

// setRoutingHeaders stamps the decision and upstream headers before the
// adapter emits anything.
func (d *Deps) setRoutingHeaders(c *fiber.Ctx, decision int, upstreamName string) {
	c.Set(d.Cfg.DecisionHeader, strconv.Itoa(decision))
	c.Set(d.Cfg.UpstreamHeader, upstreamName)
}

// upstreamErrorBody answers a translated upstream failure: transport errors
// use 502, upstream-reported errors keep their original status.
func upstreamErrorBody(c *fiber.Ctx, status int, details string) error {
	return c.Status(status).JSON(fiber.Map{
		"error":   "upstream_error",
		"details": details,
	})
}

func badRequest(c *fiber.Ctx, kind string) error {
	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": kind})
}

// bearerHeaders builds the default auth + extra header set for an upstream.
func bearerHeaders(up *models.Upstream) map[string]string {
	headers := make(map[string]string, len(up.Headers)+1)
	if up.APIKey != "" {
		headers["authorization"] = "Bearer " + up.APIKey
	}
	for k, v := range up.Headers {
		headers[k] = v
	}
	return headers
}
