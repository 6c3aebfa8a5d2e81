package providers

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"strings"
	"time"

	"github.com/routelab/tierproxy/internal/models"
	"github.com/routelab/tierproxy/internal/services"
	"github.com/routelab/tierproxy/internal/utils"

	"github.com/gofiber/fiber/v2"
	fiberlog "github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"
)

// cohereAdapter translates between the OpenAI chat-completion shape and the
// Cohere chat v2 dialect.
type cohereAdapter struct {
	deps *Deps
}

func (a *cohereAdapter) Name() string { return models.ProviderCohere }

type cohereMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type cohereRequest struct {
	Model       string          `json:"model"`
	Messages    []cohereMessage `json:"messages"`
	Temperature *float64        `json:"temperature,omitempty"`
	MaxTokens   *int            `json:"max_tokens,omitempty"`
	Stream      bool            `json:"stream,omitempty"`
}

func (a *cohereAdapter) Handle(c *fiber.Ctx, req *models.ChatCompletionRequest, _ []byte, up *models.Upstream, route models.Route, decision int, requestID string) error {
	a.deps.setRoutingHeaders(c, decision, up.Name)

	body := cohereRequest{
		Model:       up.Model,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		Stream:      req.Stream,
	}
	if body.Model == "" {
		body.Model = req.Model
	}
	for _, msg := range req.Messages {
		role := msg.Role
		switch role {
		case "system", "user", "assistant", "tool":
		default:
			role = "user"
		}
		body.Messages = append(body.Messages, cohereMessage{
			Role:    role,
			Content: utils.CoerceRawContent(msg.Content),
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), up.Timeout())

	resp, err := a.deps.HTTP.Post(ctx, cohereEndpoint(up.BaseURL), bearerHeaders(up), body)
	if err != nil {
		cancel()
		fiberlog.Warnf("[%s] cohere upstream %s unreachable: %v", requestID, up.Name, err)
		a.deps.Usage.Record(route, up.Name, nil)
		return upstreamErrorBody(c, fiber.StatusBadGateway, err.Error())
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer cancel()
		raw, _ := io.ReadAll(resp.Body)
		services.DrainClose(resp.Body)
		a.deps.Usage.Record(route, up.Name, nil)
		return upstreamErrorBody(c, resp.StatusCode, string(raw))
	}

	if !req.Stream {
		defer cancel()
		return a.buffered(c, resp.Body, body.Model, route, up.Name, requestID)
	}

	return startSSE(c, func(w *bufio.Writer) {
		defer cancel()
		defer services.DrainClose(resp.Body)
		a.stream(w, resp.Body, body.Model, route, up.Name, requestID)
	})
}

// cohereEndpoint appends /v2/chat unless the base URL already points at a
// chat path.
func cohereEndpoint(baseURL string) string {
	base := utils.NormalizeBaseURL(baseURL)
	if strings.HasSuffix(base, "/v2/chat") || strings.HasSuffix(base, "/chat") {
		return base
	}
	return base + "/v2/chat"
}

// cohereTokens digs the token counts out of meta.tokens or
// response.meta.tokens, whichever the reply carries.
func cohereTokens(raw map[string]any) map[string]any {
	if meta, ok := raw["meta"].(map[string]any); ok {
		if tokens, ok := meta["tokens"].(map[string]any); ok {
			return tokens
		}
	}
	if response, ok := raw["response"].(map[string]any); ok {
		return cohereTokens(response)
	}
	return nil
}

func (a *cohereAdapter) buffered(c *fiber.Ctx, body io.Reader, model string, route models.Route, upName, requestID string) error {
	raw, err := io.ReadAll(body)
	if err != nil {
		fiberlog.Warnf("[%s] cohere upstream read failed: %v", requestID, err)
		a.deps.Usage.Record(route, upName, nil)
		return upstreamErrorBody(c, fiber.StatusBadGateway, err.Error())
	}

	var parsed map[string]any
	if err := json.Unmarshal(raw, &parsed); err != nil {
		a.deps.Usage.Record(route, upName, nil)
		return upstreamErrorBody(c, fiber.StatusBadGateway, "unparseable cohere response")
	}
	tokens := cohereTokens(parsed)
	a.deps.Usage.Record(route, upName, tokens)

	return c.JSON(models.ChatCompletion{
		ID:      "chatcmpl-" + uuid.NewString(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []models.CompletionChoice{{
			Index:        0,
			Message:      models.CompletionMessage{Role: "assistant", Content: cohereText(parsed)},
			FinishReason: "stop",
		}},
		Usage: tokens,
	})
}

func cohereText(raw map[string]any) string {
	message, ok := raw["message"].(map[string]any)
	if !ok {
		return ""
	}
	content, ok := message["content"].([]any)
	if !ok {
		return ""
	}
	var b strings.Builder
	for _, block := range content {
		if m, ok := block.(map[string]any); ok {
			if text, ok := m["text"].(string); ok {
				b.WriteString(text)
			}
		}
	}
	return b.String()
}

// stream consumes Cohere v2 chat events: content-delta chunks carry text,
// message-end terminates and carries the token counts.
func (a *cohereAdapter) stream(w *bufio.Writer, body io.Reader, model string, route models.Route, upName, requestID string) {
	out := newSSEWriter(w, model, requestID)
	var usageRecorded bool

	err := scanSSE(body, func(ev sseEvent) bool {
		var event struct {
			Type  string `json:"type"`
			Delta struct {
				Message struct {
					Content struct {
						Text string `json:"text"`
					} `json:"content"`
				} `json:"message"`
			} `json:"delta"`
		}
		if err := json.Unmarshal([]byte(ev.Data), &event); err != nil {
			return true
		}

		switch event.Type {
		case "content-delta":
			if text := event.Delta.Message.Content.Text; text != "" {
				if err := out.Content(text); err != nil {
					return false
				}
			}
		case "message-end":
			var full map[string]any
			if err := json.Unmarshal([]byte(ev.Data), &full); err == nil {
				if tokens := cohereTokens(full); tokens != nil {
					a.deps.Usage.Record(route, upName, tokens)
					usageRecorded = true
				}
			}
			return false
		}
		return true
	})
	if err != nil {
		fiberlog.Warnf("[%s] cohere stream read failed: %v", requestID, err)
	}
	if !usageRecorded {
		a.deps.Usage.Record(route, upName, nil)
	}
	out.Finish()
}
