package providers

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/routelab/tierproxy/internal/models"
	"github.com/routelab/tierproxy/internal/services"
	"github.com/routelab/tierproxy/internal/utils"

	"github.com/gofiber/fiber/v2"
	fiberlog "github.com/gofiber/fiber/v2/log"
)

// azureAdapter routes through Azure OpenAI deployments. The deployment name
// stands in for the model, so the body's model field is stripped.
type azureAdapter struct {
	deps *Deps
}

func (a *azureAdapter) Name() string { return models.ProviderAzureOpenAI }

func (a *azureAdapter) Handle(c *fiber.Ctx, req *models.ChatCompletionRequest, rawBody []byte, up *models.Upstream, route models.Route, decision int, requestID string) error {
	a.deps.setRoutingHeaders(c, decision, up.Name)

	apiVersion := up.APIVersion
	if apiVersion == "" {
		apiVersion = a.deps.Cfg.AzureAPIVersion
	}

	endpoint, err := azureEndpoint(up.BaseURL, up.Deployment, apiVersion)
	if err != nil {
		return badRequest(c, "missing_deployment")
	}

	payload, err := stripModel(rawBody)
	if err != nil {
		return badRequest(c, "invalid_request")
	}

	headers := make(map[string]string, len(up.Headers)+1)
	if strings.HasPrefix(up.APIKey, "Bearer ") {
		headers["authorization"] = up.APIKey
	} else if up.APIKey != "" {
		headers["api-key"] = up.APIKey
	}
	for k, v := range up.Headers {
		headers[k] = v
	}

	ctx, cancel := context.WithTimeout(context.Background(), up.Timeout())

	resp, err := a.deps.HTTP.PostRaw(ctx, endpoint, headers, payload)
	if err != nil {
		cancel()
		fiberlog.Warnf("[%s] azure upstream %s unreachable: %v", requestID, up.Name, err)
		a.deps.Usage.Record(route, up.Name, nil)
		return upstreamErrorBody(c, fiber.StatusBadGateway, err.Error())
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer cancel()
		body, _ := io.ReadAll(resp.Body)
		services.DrainClose(resp.Body)
		a.deps.Usage.Record(route, up.Name, nil)
		c.Set(fiber.HeaderContentType, resp.Header.Get(fiber.HeaderContentType))
		return c.Status(resp.StatusCode).Send(body)
	}

	if !req.Stream {
		defer cancel()
		return a.buffered(c, resp, route, up.Name, requestID)
	}

	relay := &openAIAdapter{deps: a.deps}
	return startSSE(c, func(w *bufio.Writer) {
		defer cancel()
		defer services.DrainClose(resp.Body)
		relay.relayStream(w, resp.Body, route, up.Name, requestID)
	})
}

// azureEndpoint composes the deployment URL. A base URL that already carries
// /openai/deployments/ keeps its path, with /chat/completions appended when
// missing and api-version forced; otherwise the path is built from the
// configured deployment name.
func azureEndpoint(baseURL, deployment, apiVersion string) (string, error) {
	base := utils.NormalizeBaseURL(baseURL)

	if strings.Contains(base, "/openai/deployments/") {
		parsed, err := url.Parse(base)
		if err != nil {
			return "", err
		}
		if !strings.HasSuffix(parsed.Path, "/chat/completions") {
			parsed.Path = strings.TrimRight(parsed.Path, "/") + "/chat/completions"
		}
		query := parsed.Query()
		query.Set("api-version", apiVersion)
		parsed.RawQuery = query.Encode()
		return parsed.String(), nil
	}

	if deployment == "" {
		return "", fiber.ErrBadRequest
	}
	return base + "/openai/deployments/" + url.PathEscape(deployment) +
		"/chat/completions?api-version=" + url.QueryEscape(apiVersion), nil
}

// stripModel removes the model field; the deployment is the model.
func stripModel(rawBody []byte) ([]byte, error) {
	var payload map[string]json.RawMessage
	if err := json.Unmarshal(rawBody, &payload); err != nil {
		return nil, err
	}
	delete(payload, "model")
	return json.Marshal(payload)
}

// buffered relays the upstream reply by content type, capturing usage when
// the body is JSON.
func (a *azureAdapter) buffered(c *fiber.Ctx, resp *http.Response, route models.Route, upName, requestID string) error {
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		fiberlog.Warnf("[%s] azure upstream read failed: %v", requestID, err)
		a.deps.Usage.Record(route, upName, nil)
		return upstreamErrorBody(c, fiber.StatusBadGateway, err.Error())
	}

	contentType := resp.Header.Get(fiber.HeaderContentType)
	if strings.Contains(contentType, "json") {
		var parsed struct {
			Usage map[string]any `json:"usage"`
		}
		if err := json.Unmarshal(raw, &parsed); err == nil {
			a.deps.Usage.Record(route, upName, parsed.Usage)
		} else {
			a.deps.Usage.Record(route, upName, nil)
		}
		c.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	} else {
		a.deps.Usage.Record(route, upName, nil)
		c.Set(fiber.HeaderContentType, fiber.MIMETextPlain)
	}
	return c.Status(resp.StatusCode).Send(raw)
}
