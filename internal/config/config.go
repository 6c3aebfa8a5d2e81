package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/routelab/tierproxy/internal/models"
	"github.com/routelab/tierproxy/internal/utils"

	fiberlog "github.com/gofiber/fiber/v2/log"
	"github.com/joho/godotenv"
)

const (
	defaultPort             = "3000"
	defaultBodyLimit        = 10 * 1024 * 1024
	defaultDecisionHeader   = "x-openrouter-decision"
	defaultUpstreamHeader   = "x-openrouter-upstream"
	defaultAzureAPIVersion  = "2024-10-21"
	defaultAnthropicVersion = "2023-06-01"
	defaultAnthropicTokens  = 1024

	defaultClassifierPrompt = "You are a routing classifier. Reply with a single digit: 0 for simple requests, 1 for moderate requests, 2 for complex requests."
)

// ServerConfig holds the listener settings.
type ServerConfig struct {
	Host      string
	Port      string
	BodyLimit int
}

// ClassifierConfig drives the decision model client.
type ClassifierConfig struct {
	Enabled           bool
	BaseURL           string
	APIKey            string
	Model             string
	SystemPrompt      string
	Strategy          string
	MaxChars          int
	MaxTokens         int
	Temperature       float64
	Timeout           time.Duration
	LogitBias         map[string]float64
	ForceStream       bool
	Warmup            bool
	WarmupDelay       time.Duration
	KeepAlive         time.Duration
	LoadingRetryDelay time.Duration
	LoadingMaxRetries int
}

// CacheConfig drives the decision cache backend selection.
type CacheConfig struct {
	Enabled    bool
	RedisURL   string
	TTL        time.Duration
	MaxEntries int
}

// Config is the frozen application configuration. It is built once at
// startup and treated as read-only shared state afterwards.
type Config struct {
	Server         ServerConfig
	RouterAPIKey   string
	LogLevel       string
	LogToFile      bool
	LogDir         string
	DecisionHeader string
	UpstreamHeader string

	Classifier ClassifierConfig
	Cache      CacheConfig

	Cheap    *models.Upstream
	Medium   *models.Upstream
	Frontier *models.Upstream

	AzureAPIVersion    string
	AnthropicVersion   string
	AnthropicMaxTokens int
}

// LoadEnvFiles loads environment variables from .env files, first match
// winning per variable.
func LoadEnvFiles(envFiles []string) {
	for _, envFile := range envFiles {
		if _, err := os.Stat(envFile); err == nil {
			if err := godotenv.Load(envFile); err == nil {
				fiberlog.Infof("loaded environment variables from %s", envFile)
			}
		}
	}
}

// Load builds the frozen configuration from the environment plus the optional
// upstreams file.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Host:      getEnv("HOST", ""),
			Port:      getEnv("PORT", defaultPort),
			BodyLimit: getInt("BODY_LIMIT", defaultBodyLimit),
		},
		RouterAPIKey:   getEnv("ROUTER_API_KEY", ""),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		LogToFile:      getBool("LOG_TO_FILE", false),
		LogDir:         getEnv("LOG_DIR", "logs"),
		DecisionHeader: getEnv("DECISION_HEADER", defaultDecisionHeader),
		UpstreamHeader: getEnv("UPSTREAM_HEADER", defaultUpstreamHeader),

		Classifier: ClassifierConfig{
			Enabled:           getBool("CLASSIFIER_ENABLED", true),
			BaseURL:           getEnv("CLASSIFIER_BASE_URL", ""),
			APIKey:            getEnv("CLASSIFIER_API_KEY", ""),
			Model:             getEnv("CLASSIFIER_MODEL", ""),
			SystemPrompt:      getEnv("CLASSIFIER_SYSTEM_PROMPT", defaultClassifierPrompt),
			Strategy:          getEnv("CLASSIFIER_STRATEGY", utils.StrategyLastUser),
			MaxChars:          getInt("CLASSIFIER_MAX_CHARS", 8000),
			MaxTokens:         getInt("CLASSIFIER_MAX_TOKENS", 1),
			Temperature:       getFloat("CLASSIFIER_TEMPERATURE", 0),
			Timeout:           getDurationMs("CLASSIFIER_TIMEOUT_MS", 800*time.Millisecond),
			ForceStream:       getBool("CLASSIFIER_FORCE_STREAM", true),
			Warmup:            getBool("CLASSIFIER_WARMUP", false),
			WarmupDelay:       getDurationMs("CLASSIFIER_WARMUP_DELAY_MS", 3*time.Second),
			KeepAlive:         getDurationMs("CLASSIFIER_KEEP_ALIVE_MS", 0),
			LoadingRetryDelay: getDurationMs("CLASSIFIER_LOADING_RETRY_MS", 1200*time.Millisecond),
			LoadingMaxRetries: getInt("CLASSIFIER_LOADING_MAX_RETRIES", 2),
		},

		Cache: CacheConfig{
			Enabled:    getBool("CACHE_ENABLED", true),
			RedisURL:   getEnv("REDIS_URL", ""),
			TTL:        getDurationMs("CACHE_TTL_MS", time.Hour),
			MaxEntries: getInt("CACHE_MAX", 50000),
		},

		AzureAPIVersion:    getEnv("AZURE_API_VERSION", defaultAzureAPIVersion),
		AnthropicVersion:   getEnv("ANTHROPIC_VERSION", defaultAnthropicVersion),
		AnthropicMaxTokens: getInt("ANTHROPIC_MAX_TOKENS", defaultAnthropicTokens),
	}

	if strings.ContainsAny(cfg.Classifier.SystemPrompt, "\r\n") {
		return nil, fmt.Errorf("CLASSIFIER_SYSTEM_PROMPT must be a single line")
	}

	if raw := getEnv("CLASSIFIER_LOGIT_BIAS", ""); raw != "" {
		var bias map[string]float64
		if err := json.Unmarshal([]byte(raw), &bias); err != nil {
			return nil, fmt.Errorf("invalid CLASSIFIER_LOGIT_BIAS: %w", err)
		}
		cfg.Classifier.LogitBias = bias
	}

	if cfg.Classifier.Enabled && cfg.Classifier.BaseURL == "" {
		fiberlog.Warn("classifier enabled but CLASSIFIER_BASE_URL unset, disabling classifier")
		cfg.Classifier.Enabled = false
	}

	cfg.Cheap = upstreamFromEnv("CHEAP", models.RouteCheap, 30*time.Second)
	cfg.Medium = upstreamFromEnv("MEDIUM", models.RouteMedium, 45*time.Second)
	cfg.Frontier = upstreamFromEnv("FRONTIER", models.RouteFrontier, 60*time.Second)

	if err := applyUpstreamsFile(cfg); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	// When cheap and the classifier share one engine, forcing cheap onto the
	// classifier's weights avoids thrashing a single local model.
	if cfg.Classifier.Enabled && cfg.Cheap != nil &&
		utils.NormalizeBaseURL(cfg.Cheap.BaseURL) == utils.NormalizeBaseURL(cfg.Classifier.BaseURL) &&
		cfg.Classifier.Model != "" && cfg.Cheap.Model != cfg.Classifier.Model {
		fiberlog.Warnf("cheap upstream shares the classifier base URL, forcing cheap model %q -> %q",
			cfg.Cheap.Model, cfg.Classifier.Model)
		cfg.Cheap.Model = cfg.Classifier.Model
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Frontier == nil || c.Frontier.BaseURL == "" {
		return fmt.Errorf("FRONTIER_BASE_URL is required")
	}
	if c.Classifier.Enabled {
		if c.Cheap == nil || c.Cheap.BaseURL == "" {
			return fmt.Errorf("CHEAP_BASE_URL is required when the classifier is enabled")
		}
		if c.Medium == nil || c.Medium.BaseURL == "" {
			return fmt.Errorf("MEDIUM_BASE_URL is required when the classifier is enabled")
		}
	}
	return nil
}

// UpstreamFor resolves the upstream for a route, falling back to frontier for
// suppressed or unknown tiers.
func (c *Config) UpstreamFor(route models.Route) *models.Upstream {
	switch route {
	case models.RouteCheap:
		if c.Cheap != nil {
			return c.Cheap
		}
	case models.RouteMedium:
		if c.Medium != nil {
			return c.Medium
		}
	}
	return c.Frontier
}

func upstreamFromEnv(prefix string, route models.Route, defaultTimeout time.Duration) *models.Upstream {
	up := &models.Upstream{
		Name:       getEnv(prefix+"_NAME", string(route)),
		Provider:   getEnv(prefix+"_PROVIDER", models.ProviderAuto),
		BaseURL:    getEnv(prefix+"_BASE_URL", ""),
		APIKey:     getEnv(prefix+"_API_KEY", ""),
		Model:      getEnv(prefix+"_MODEL", ""),
		APIVersion: getEnv(prefix+"_API_VERSION", ""),
		Deployment: getEnv(prefix+"_DEPLOYMENT", ""),
		TimeoutMs:  getInt(prefix+"_TIMEOUT_MS", int(defaultTimeout/time.Millisecond)),
	}
	if raw := getEnv(prefix+"_HEADERS", ""); raw != "" {
		var headers map[string]string
		if err := json.Unmarshal([]byte(raw), &headers); err != nil {
			fiberlog.Warnf("invalid %s_HEADERS, ignoring: %v", prefix, err)
		} else {
			up.Headers = headers
		}
	}
	return up
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
		fiberlog.Warnf("invalid integer for %s, using default %d", key, fallback)
	}
	return fallback
}

func getFloat(key string, fallback float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
		fiberlog.Warnf("invalid float for %s, using default %v", key, fallback)
	}
	return fallback
}

func getBool(key string, fallback bool) bool {
	if value := os.Getenv(key); value != "" {
		switch strings.ToLower(value) {
		case "1", "true", "yes", "on":
			return true
		case "0", "false", "no", "off":
			return false
		}
		fiberlog.Warnf("invalid boolean for %s, using default %t", key, fallback)
	}
	return fallback
}

func getDurationMs(key string, fallback time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil && n >= 0 {
			return time.Duration(n) * time.Millisecond
		}
		fiberlog.Warnf("invalid duration for %s, using default %v", key, fallback)
	}
	return fallback
}
