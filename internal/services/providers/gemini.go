package providers

import (
	"bufio"
	"context"
	"errors"
	"iter"
	"net/http"
	"strings"
	"time"

	"github.com/routelab/tierproxy/internal/models"
	"github.com/routelab/tierproxy/internal/utils"

	"github.com/gofiber/fiber/v2"
	fiberlog "github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"
	"google.golang.org/genai"
)

// geminiAdapter translates between the OpenAI chat-completion shape and the
// Gemini generateContent dialect through the genai SDK; per-upstream base
// URLs and extra headers ride on the client's HTTP options.
type geminiAdapter struct {
	deps *Deps
}

func (a *geminiAdapter) Name() string { return models.ProviderGemini }

func (a *geminiAdapter) client(ctx context.Context, up *models.Upstream) (*genai.Client, error) {
	key := up.Name + "|" + up.BaseURL
	return a.deps.geminiClients.getOrCreate(key, func() (*genai.Client, error) {
		cfg := &genai.ClientConfig{
			APIKey:  up.APIKey,
			Backend: genai.BackendGeminiAPI,
		}
		if up.BaseURL != "" {
			cfg.HTTPOptions.BaseURL = utils.NormalizeBaseURL(up.BaseURL)
		}
		if len(up.Headers) > 0 {
			headers := http.Header{}
			for k, v := range up.Headers {
				headers.Set(k, v)
			}
			cfg.HTTPOptions.Headers = headers
		}
		return genai.NewClient(ctx, cfg)
	})
}

func (a *geminiAdapter) Handle(c *fiber.Ctx, req *models.ChatCompletionRequest, _ []byte, up *models.Upstream, route models.Route, decision int, requestID string) error {
	a.deps.setRoutingHeaders(c, decision, up.Name)

	model := up.Model
	if model == "" {
		model = req.Model
	}
	if model == "" {
		return badRequest(c, "missing_model")
	}

	contents, genCfg := translateGeminiRequest(req)

	ctx, cancel := context.WithTimeout(context.Background(), up.Timeout())

	client, err := a.client(ctx, up)
	if err != nil {
		cancel()
		fiberlog.Warnf("[%s] gemini client for %s unavailable: %v", requestID, up.Name, err)
		a.deps.Usage.Record(route, up.Name, nil)
		return upstreamErrorBody(c, fiber.StatusBadGateway, err.Error())
	}

	if !req.Stream {
		defer cancel()
		return a.buffered(c, ctx, client, model, contents, genCfg, route, up.Name, requestID)
	}

	// Pull the first chunk before seizing the response, so upstream errors
	// still map to a proper status.
	next, stop := iter.Pull2(client.Models.GenerateContentStream(ctx, model, contents, genCfg))
	first, err, ok := next()
	if err != nil {
		stop()
		cancel()
		fiberlog.Warnf("[%s] gemini upstream %s stream failed: %v", requestID, up.Name, err)
		a.deps.Usage.Record(route, up.Name, nil)
		return geminiError(c, err)
	}

	return startSSE(c, func(w *bufio.Writer) {
		defer cancel()
		defer stop()
		a.relay(w, first, ok, next, model, route, up.Name, requestID)
	})
}

// translateGeminiRequest maps the canonical payload onto genai contents plus
// generation config: assistant turns become role model, system turns join
// into the system instruction, content flattens to text parts.
func translateGeminiRequest(req *models.ChatCompletionRequest) ([]*genai.Content, *genai.GenerateContentConfig) {
	var contents []*genai.Content
	var system []string

	for _, msg := range req.Messages {
		text := utils.CoerceRawContent(msg.Content)
		switch msg.Role {
		case "system":
			system = append(system, text)
		case "assistant":
			contents = append(contents, &genai.Content{Role: genai.RoleModel, Parts: []*genai.Part{{Text: text}}})
		default:
			contents = append(contents, &genai.Content{Role: genai.RoleUser, Parts: []*genai.Part{{Text: text}}})
		}
	}

	cfg := &genai.GenerateContentConfig{
		StopSequences: stopSequences(req.Stop),
	}
	if len(system) > 0 {
		cfg.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: strings.Join(system, "\n")}}}
	}
	if req.Temperature != nil {
		cfg.Temperature = genai.Ptr(float32(*req.Temperature))
	}
	if req.TopP != nil {
		cfg.TopP = genai.Ptr(float32(*req.TopP))
	}
	if req.MaxTokens != nil {
		cfg.MaxOutputTokens = int32(*req.MaxTokens)
	} else if req.MaxCompletionTokens != nil {
		cfg.MaxOutputTokens = int32(*req.MaxCompletionTokens)
	}
	return contents, cfg
}

func geminiUsageMap(u *genai.GenerateContentResponseUsageMetadata) map[string]any {
	if u == nil {
		return nil
	}
	return map[string]any{
		"promptTokenCount":     int64(u.PromptTokenCount),
		"candidatesTokenCount": int64(u.CandidatesTokenCount),
		"totalTokenCount":      int64(u.TotalTokenCount),
	}
}

func geminiText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var b strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if part != nil {
			b.WriteString(part.Text)
		}
	}
	return b.String()
}

func (a *geminiAdapter) buffered(c *fiber.Ctx, ctx context.Context, client *genai.Client, model string, contents []*genai.Content, genCfg *genai.GenerateContentConfig, route models.Route, upName, requestID string) error {
	resp, err := client.Models.GenerateContent(ctx, model, contents, genCfg)
	if err != nil {
		fiberlog.Warnf("[%s] gemini upstream %s request failed: %v", requestID, upName, err)
		a.deps.Usage.Record(route, upName, nil)
		return geminiError(c, err)
	}

	usage := geminiUsageMap(resp.UsageMetadata)
	a.deps.Usage.Record(route, upName, usage)

	return c.JSON(models.ChatCompletion{
		ID:      "chatcmpl-" + uuid.NewString(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []models.CompletionChoice{{
			Index:        0,
			Message:      models.CompletionMessage{Role: "assistant", Content: geminiText(resp)},
			FinishReason: "stop",
		}},
		Usage: usage,
	})
}

// relay walks the pulled stream and re-emits each chunk's text immediately.
// usageMetadata is cumulative across chunks, so the last one seen is
// recorded once at stream end.
func (a *geminiAdapter) relay(w *bufio.Writer, first *genai.GenerateContentResponse, ok bool, next func() (*genai.GenerateContentResponse, error, bool), model string, route models.Route, upName, requestID string) {
	out := newSSEWriter(w, model, requestID)
	var lastUsage map[string]any

	resp := first
	for ok {
		if resp != nil {
			if usage := geminiUsageMap(resp.UsageMetadata); usage != nil {
				lastUsage = usage
			}
			if text := geminiText(resp); text != "" {
				if err := out.Content(text); err != nil {
					break
				}
			}
		}
		var err error
		resp, err, ok = next()
		if err != nil {
			fiberlog.Warnf("[%s] gemini stream read failed: %v", requestID, err)
			break
		}
	}

	a.deps.Usage.Record(route, upName, lastUsage)
	out.Finish()
}

// geminiError maps SDK failures onto the wire taxonomy: upstream-reported
// errors keep their status, everything else becomes 502.
func geminiError(c *fiber.Ctx, err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) && apiErr.Code >= 400 {
		return upstreamErrorBody(c, apiErr.Code, apiErr.Message)
	}
	return upstreamErrorBody(c, fiber.StatusBadGateway, err.Error())
}
