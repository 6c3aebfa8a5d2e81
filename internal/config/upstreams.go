package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/routelab/tierproxy/internal/models"

	fiberlog "github.com/gofiber/fiber/v2/log"
	"gopkg.in/yaml.v3"
)

// upstreamsFile is the optional on-disk tier configuration. Each tier is
// either absent (inherit environment defaults), an explicit null (suppress
// the tier), or a descriptor whose non-zero fields override the environment.
type upstreamsFile struct {
	Cheap    tierEntry `json:"cheap" yaml:"cheap"`
	Medium   tierEntry `json:"medium" yaml:"medium"`
	Frontier tierEntry `json:"frontier" yaml:"frontier"`
}

type tierEntry struct {
	set      bool
	null     bool
	upstream models.Upstream
}

func (e *tierEntry) UnmarshalJSON(data []byte) error {
	e.set = true
	if string(data) == "null" {
		e.null = true
		return nil
	}
	return json.Unmarshal(data, &e.upstream)
}

func (e *tierEntry) UnmarshalYAML(value *yaml.Node) error {
	e.set = true
	if value.Tag == "!!null" {
		e.null = true
		return nil
	}
	return value.Decode(&e.upstream)
}

// applyUpstreamsFile merges UPSTREAMS_JSON or the UPSTREAMS_FILE contents
// over the environment-derived tiers.
func applyUpstreamsFile(cfg *Config) error {
	raw := []byte(getEnv("UPSTREAMS_JSON", ""))
	path := getEnv("UPSTREAMS_FILE", "")
	isYAML := false

	if len(raw) == 0 && path != "" {
		data, err := os.ReadFile(filepath.Clean(path))
		if err != nil {
			return fmt.Errorf("failed to read upstreams file %s: %w", path, err)
		}
		raw = data
		ext := strings.ToLower(filepath.Ext(path))
		isYAML = ext == ".yaml" || ext == ".yml"
	}
	if len(raw) == 0 {
		return nil
	}

	var file upstreamsFile
	if isYAML {
		if err := yaml.Unmarshal(raw, &file); err != nil {
			return fmt.Errorf("failed to parse upstreams yaml: %w", err)
		}
	} else {
		if err := json.Unmarshal(raw, &file); err != nil {
			return fmt.Errorf("failed to parse upstreams json: %w", err)
		}
	}

	var err error
	if cfg.Cheap, err = mergeTier(cfg, models.RouteCheap, cfg.Cheap, file.Cheap); err != nil {
		return err
	}
	if cfg.Medium, err = mergeTier(cfg, models.RouteMedium, cfg.Medium, file.Medium); err != nil {
		return err
	}
	if cfg.Frontier, err = mergeTier(cfg, models.RouteFrontier, cfg.Frontier, file.Frontier); err != nil {
		return err
	}
	return nil
}

func mergeTier(cfg *Config, route models.Route, base *models.Upstream, entry tierEntry) (*models.Upstream, error) {
	if !entry.set {
		return base, nil
	}
	if entry.null {
		if route == models.RouteFrontier {
			return nil, fmt.Errorf("frontier tier cannot be suppressed")
		}
		if cfg.Classifier.Enabled {
			return nil, fmt.Errorf("%s tier can only be suppressed when the classifier is disabled", route)
		}
		fiberlog.Warnf("upstreams file suppresses the %s tier", route)
		return nil, nil
	}

	merged := *base
	override := entry.upstream
	if override.Name != "" {
		merged.Name = override.Name
	}
	if override.Provider != "" {
		merged.Provider = override.Provider
	}
	if override.BaseURL != "" {
		merged.BaseURL = override.BaseURL
	}
	if override.APIKey != "" {
		merged.APIKey = override.APIKey
	}
	if override.Model != "" {
		merged.Model = override.Model
	}
	if override.Deployment != "" {
		merged.Deployment = override.Deployment
	}
	if override.APIVersion != "" {
		merged.APIVersion = override.APIVersion
	}
	if override.TimeoutMs > 0 {
		merged.TimeoutMs = override.TimeoutMs
	}
	if len(override.Headers) > 0 {
		merged.Headers = override.Headers
	}
	return &merged, nil
}
