package api

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"

	"github.com/routelab/tierproxy/internal/config"
	"github.com/routelab/tierproxy/internal/models"
	"github.com/routelab/tierproxy/internal/services/cache"
	"github.com/routelab/tierproxy/internal/services/classifier"
	"github.com/routelab/tierproxy/internal/services/providers"
	"github.com/routelab/tierproxy/internal/utils"

	"github.com/gofiber/fiber/v2"
	fiberlog "github.com/gofiber/fiber/v2/log"
	"golang.org/x/sync/singleflight"
)

// CompletionHandler is the routing entry point: it decides a tier for each
// inbound chat completion and delegates the upstream exchange to the
// resolved provider adapter.
type CompletionHandler struct {
	cfg        *config.Config
	cache      cache.DecisionCache
	classifier *classifier.Client
	deps       *providers.Deps
	group      singleflight.Group
}

// NewCompletionHandler wires the routing dependencies.
func NewCompletionHandler(cfg *config.Config, decisionCache cache.DecisionCache, clf *classifier.Client, deps *providers.Deps) *CompletionHandler {
	return &CompletionHandler{
		cfg:        cfg,
		cache:      decisionCache,
		classifier: clf,
		deps:       deps,
	}
}

// ChatCompletion handles POST /v1/chat/completions.
func (h *CompletionHandler) ChatCompletion(c *fiber.Ctx) error {
	requestID := RequestID(c)

	var req models.ChatCompletionRequest
	if err := json.Unmarshal(c.Body(), &req); err != nil || req.Messages == nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_request"})
	}

	decision := h.decide(c.UserContext(), &req, requestID)
	route := models.RouteForDecision(decision)
	up := h.cfg.UpstreamFor(route)
	fiberlog.Infof("[%s] decision %d -> %s (%s)", requestID, decision, route, up.Name)

	adapter, err := providers.Resolve(up, h.deps)
	if err != nil {
		if errors.Is(err, providers.ErrNotSupported) {
			return c.Status(fiber.StatusNotImplemented).JSON(fiber.Map{"error": "provider_not_supported"})
		}
		return err
	}

	return adapter.Handle(c, &req, c.Body(), up, route, decision, requestID)
}

// decide runs the fingerprint/cache/classify sequence. Classifier failures
// of any kind degrade to frontier and never reach the client.
func (h *CompletionHandler) decide(ctx context.Context, req *models.ChatCompletionRequest, requestID string) int {
	if h.classifier == nil || !h.cfg.Classifier.Enabled {
		return models.DecisionFrontier
	}

	fingerprint := utils.HashPayload(req)

	if h.cfg.Cache.Enabled {
		if value, ok := h.cache.Get(ctx, fingerprint); ok {
			if decision, err := parseDecision(value); err == nil {
				fiberlog.Debugf("[%s] decision cache hit: %d", requestID, decision)
				return decision
			}
			fiberlog.Warnf("[%s] decision cache held invalid value %q, reclassifying", requestID, value)
		}
	}

	// Concurrent misses on one fingerprint share a single classifier call.
	result, err, _ := h.group.Do(fingerprint, func() (any, error) {
		return h.classifier.Classify(context.Background(), req, requestID)
	})
	if err != nil {
		fiberlog.Warnf("[%s] classifier failed, falling back to frontier: %v", requestID, err)
		return models.DecisionFrontier
	}
	decision := result.(int)

	if h.cfg.Cache.Enabled {
		h.cache.Set(ctx, fingerprint, strconv.Itoa(decision))
	}
	return decision
}

func parseDecision(value string) (int, error) {
	decision, err := strconv.Atoi(value)
	if err != nil {
		return 0, err
	}
	if decision < models.DecisionCheap || decision > models.DecisionFrontier {
		return 0, errors.New("decision out of range")
	}
	return decision, nil
}
