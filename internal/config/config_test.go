package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/routelab/tierproxy/internal/models"
)

func setBaseEnv(t *testing.T) {
	t.Helper()
	t.Setenv("FRONTIER_BASE_URL", "https://api.openai.com")
	t.Setenv("CHEAP_BASE_URL", "http://localhost:1234")
	t.Setenv("MEDIUM_BASE_URL", "https://openrouter.ai/api")
	t.Setenv("CLASSIFIER_BASE_URL", "http://localhost:1234")
	t.Setenv("CLASSIFIER_MODEL", "qwen2.5-0.5b")
	t.Setenv("UPSTREAMS_FILE", "")
	t.Setenv("UPSTREAMS_JSON", "")
}

func TestLoad_Defaults(t *testing.T) {
	setBaseEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Port != "3000" {
		t.Errorf("port = %q", cfg.Server.Port)
	}
	if cfg.DecisionHeader != "x-openrouter-decision" || cfg.UpstreamHeader != "x-openrouter-upstream" {
		t.Errorf("headers = %q, %q", cfg.DecisionHeader, cfg.UpstreamHeader)
	}
	if cfg.Classifier.Timeout != 800*time.Millisecond {
		t.Errorf("classifier timeout = %v", cfg.Classifier.Timeout)
	}
	if cfg.Classifier.MaxChars != 8000 || cfg.Classifier.MaxTokens != 1 {
		t.Errorf("classifier caps = %d, %d", cfg.Classifier.MaxChars, cfg.Classifier.MaxTokens)
	}
	if !cfg.Classifier.ForceStream {
		t.Error("force stream should default on")
	}
	if cfg.Cache.TTL != time.Hour || cfg.Cache.MaxEntries != 50000 {
		t.Errorf("cache = %+v", cfg.Cache)
	}
	if cfg.Cheap.TimeoutMs != 30000 || cfg.Medium.TimeoutMs != 45000 || cfg.Frontier.TimeoutMs != 60000 {
		t.Errorf("tier timeouts = %d/%d/%d", cfg.Cheap.TimeoutMs, cfg.Medium.TimeoutMs, cfg.Frontier.TimeoutMs)
	}
}

func TestLoad_FrontierRequired(t *testing.T) {
	t.Setenv("FRONTIER_BASE_URL", "")
	t.Setenv("CLASSIFIER_ENABLED", "false")

	if _, err := Load(); err == nil {
		t.Fatal("expected error without FRONTIER_BASE_URL")
	}
}

func TestLoad_ClassifierRequiresCheapAndMedium(t *testing.T) {
	t.Setenv("FRONTIER_BASE_URL", "https://api.openai.com")
	t.Setenv("CLASSIFIER_BASE_URL", "http://localhost:1234")
	t.Setenv("CHEAP_BASE_URL", "")
	t.Setenv("MEDIUM_BASE_URL", "")

	if _, err := Load(); err == nil {
		t.Fatal("expected error when classifier enabled without cheap/medium")
	}
}

func TestLoad_ClassifierDisabledSkipsTierChecks(t *testing.T) {
	t.Setenv("FRONTIER_BASE_URL", "https://api.openai.com")
	t.Setenv("CLASSIFIER_ENABLED", "false")
	t.Setenv("CHEAP_BASE_URL", "")
	t.Setenv("MEDIUM_BASE_URL", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Classifier.Enabled {
		t.Error("classifier should be disabled")
	}
}

func TestLoad_CoLocationForcesCheapModel(t *testing.T) {
	setBaseEnv(t)
	// Same engine, different trailing slash; cheap asks for another model.
	t.Setenv("CHEAP_BASE_URL", "http://localhost:1234/")
	t.Setenv("CHEAP_MODEL", "llama-3.2-3b")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Cheap.Model != "qwen2.5-0.5b" {
		t.Errorf("cheap model = %q, want classifier model", cfg.Cheap.Model)
	}
}

func TestLoad_SeparateCheapKeepsModel(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("CHEAP_BASE_URL", "http://localhost:9999")
	t.Setenv("CHEAP_MODEL", "llama-3.2-3b")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Cheap.Model != "llama-3.2-3b" {
		t.Errorf("cheap model = %q, want llama-3.2-3b", cfg.Cheap.Model)
	}
}

func TestLoad_MultilinePromptRejected(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("CLASSIFIER_SYSTEM_PROMPT", "line one\nline two")

	if _, err := Load(); err == nil {
		t.Fatal("expected error for multi-line prompt")
	}
}

func TestLoad_UpstreamsJSONOverride(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("UPSTREAMS_JSON", `{"frontier":{"name":"claude","provider":"anthropic","baseUrl":"https://api.anthropic.com","model":"claude-sonnet-4"}}`)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Frontier.Provider != "anthropic" || cfg.Frontier.Model != "claude-sonnet-4" {
		t.Errorf("frontier = %+v", cfg.Frontier)
	}
	// Unset file fields inherit environment defaults.
	if cfg.Frontier.TimeoutMs != 60000 {
		t.Errorf("frontier timeout = %d, want inherited 60000", cfg.Frontier.TimeoutMs)
	}
	// Untouched tiers stay as the environment configured them.
	if cfg.Cheap.BaseURL != "http://localhost:1234" {
		t.Errorf("cheap = %+v", cfg.Cheap)
	}
}

func TestLoad_NullTierOnlyWhenClassifierDisabled(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("UPSTREAMS_JSON", `{"cheap":null}`)
	if _, err := Load(); err == nil {
		t.Fatal("null cheap must be rejected while the classifier is enabled")
	}

	t.Setenv("CLASSIFIER_ENABLED", "false")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Cheap != nil {
		t.Error("cheap should be suppressed")
	}
	if up := cfg.UpstreamFor(models.RouteCheap); up != cfg.Frontier {
		t.Error("suppressed tier must fall back to frontier")
	}
}

func TestLoad_NullFrontierRejected(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("CLASSIFIER_ENABLED", "false")
	t.Setenv("UPSTREAMS_JSON", `{"frontier":null}`)

	if _, err := Load(); err == nil {
		t.Fatal("frontier can never be suppressed")
	}
}

func TestLoad_UpstreamsYAMLFile(t *testing.T) {
	setBaseEnv(t)

	path := filepath.Join(t.TempDir(), "upstreams.yaml")
	content := "medium:\n  provider: cohere\n  baseUrl: https://api.cohere.com\n  model: command-r\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("UPSTREAMS_FILE", path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Medium.Provider != "cohere" || cfg.Medium.Model != "command-r" {
		t.Errorf("medium = %+v", cfg.Medium)
	}
}

func TestLoad_TierHeadersFromEnv(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("FRONTIER_HEADERS", `{"x-tenant":"abc"}`)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Frontier.Headers["x-tenant"] != "abc" {
		t.Errorf("frontier headers = %v", cfg.Frontier.Headers)
	}
}

func TestLoad_LogitBias(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("CLASSIFIER_LOGIT_BIAS", `{"15":10.0,"16":10.0}`)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Classifier.LogitBias["15"] != 10 {
		t.Errorf("logit bias = %v", cfg.Classifier.LogitBias)
	}

	t.Setenv("CLASSIFIER_LOGIT_BIAS", `not json`)
	if _, err := Load(); err == nil {
		t.Fatal("invalid logit bias must be rejected")
	}
}
