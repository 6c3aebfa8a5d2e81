package providers

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/routelab/tierproxy/internal/models"
	"github.com/routelab/tierproxy/internal/utils"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
	"github.com/gofiber/fiber/v2"
	fiberlog "github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"
)

// anthropicAdapter translates between the OpenAI chat-completion shape and
// the Anthropic messages dialect, driving the exchange through the Anthropic
// SDK (per-upstream base URL and headers via client options).
type anthropicAdapter struct {
	deps *Deps
}

func (a *anthropicAdapter) Name() string { return models.ProviderAnthropic }

// client builds or reuses the SDK client for an upstream. Retries stay off:
// the gateway relays upstream failures instead of papering over them.
func (a *anthropicAdapter) client(up *models.Upstream) *anthropic.Client {
	key := up.Name + "|" + up.BaseURL
	client, _ := a.deps.anthropicClients.getOrCreate(key, func() (*anthropic.Client, error) {
		opts := []option.RequestOption{
			option.WithAPIKey(up.APIKey),
			option.WithMaxRetries(0),
		}
		if up.BaseURL != "" {
			opts = append(opts, option.WithBaseURL(utils.NormalizeBaseURL(up.BaseURL)))
		}
		if v := a.deps.Cfg.AnthropicVersion; v != "" {
			opts = append(opts, option.WithHeader("anthropic-version", v))
		}
		for k, v := range up.Headers {
			opts = append(opts, option.WithHeader(k, v))
		}
		client := anthropic.NewClient(opts...)
		return &client, nil
	})
	return client
}

func (a *anthropicAdapter) Handle(c *fiber.Ctx, req *models.ChatCompletionRequest, _ []byte, up *models.Upstream, route models.Route, decision int, requestID string) error {
	a.deps.setRoutingHeaders(c, decision, up.Name)

	model := up.Model
	if model == "" {
		model = req.Model
	}
	params := a.translateRequest(req, model)
	params.MaxTokens = a.maxTokens(req)

	client := a.client(up)
	ctx, cancel := context.WithTimeout(context.Background(), up.Timeout())

	if !req.Stream {
		defer cancel()
		return a.buffered(c, ctx, client, params, model, route, up.Name, requestID)
	}

	stream := client.Messages.NewStreaming(ctx, params)

	// Validate the stream by pulling the first event before seizing the
	// response, so upstream errors still map to a proper status.
	var firstEvent *anthropic.MessageStreamEventUnion
	if stream.Next() {
		event := stream.Current()
		firstEvent = &event
	} else if err := stream.Err(); err != nil {
		cancel()
		if cerr := stream.Close(); cerr != nil {
			fiberlog.Debugf("[%s] error closing anthropic stream: %v", requestID, cerr)
		}
		fiberlog.Warnf("[%s] anthropic upstream %s stream failed: %v", requestID, up.Name, err)
		a.deps.Usage.Record(route, up.Name, nil)
		return anthropicError(c, err)
	}

	return startSSE(c, func(w *bufio.Writer) {
		defer cancel()
		defer func() {
			if err := stream.Close(); err != nil {
				fiberlog.Debugf("[%s] error closing anthropic stream: %v", requestID, err)
			}
		}()
		a.relay(w, stream, firstEvent, model, route, up.Name, requestID)
	})
}

// translateRequest maps the canonical payload onto SDK message params:
// system turns concatenate into the system prompt, everything else becomes a
// user or assistant turn with flattened text content.
func (a *anthropicAdapter) translateRequest(req *models.ChatCompletionRequest, model string) anthropic.MessageNewParams {
	params := anthropic.MessageNewParams{
		Model:         anthropic.Model(model),
		StopSequences: stopSequences(req.Stop),
	}
	if req.Temperature != nil {
		params.Temperature = anthropic.Float(*req.Temperature)
	}
	if req.TopP != nil {
		params.TopP = anthropic.Float(*req.TopP)
	}

	var system []string
	for _, msg := range req.Messages {
		text := utils.CoerceRawContent(msg.Content)
		switch msg.Role {
		case "system":
			system = append(system, text)
		case "assistant":
			params.Messages = append(params.Messages, textMessage(anthropic.MessageParamRoleAssistant, text))
		default:
			params.Messages = append(params.Messages, textMessage(anthropic.MessageParamRoleUser, text))
		}
	}
	if joined := strings.Join(system, "\n"); joined != "" {
		params.System = []anthropic.TextBlockParam{{Text: joined}}
	}
	return params
}

func (a *anthropicAdapter) maxTokens(req *models.ChatCompletionRequest) int64 {
	if req.MaxTokens != nil {
		return int64(*req.MaxTokens)
	}
	if req.MaxCompletionTokens != nil {
		return int64(*req.MaxCompletionTokens)
	}
	return int64(a.deps.Cfg.AnthropicMaxTokens)
}

func textMessage(role anthropic.MessageParamRole, text string) anthropic.MessageParam {
	return anthropic.MessageParam{
		Role: role,
		Content: []anthropic.ContentBlockParamUnion{{
			OfText: &anthropic.TextBlockParam{Text: text},
		}},
	}
}

// stopSequences normalizes the inbound stop field, always yielding an array.
func stopSequences(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}
	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		return []string{single}
	}
	var many []string
	if err := json.Unmarshal(raw, &many); err == nil {
		return many
	}
	return nil
}

func anthropicUsageMap(u anthropic.Usage) map[string]any {
	return map[string]any{
		"input_tokens":  u.InputTokens,
		"output_tokens": u.OutputTokens,
	}
}

func (a *anthropicAdapter) buffered(c *fiber.Ctx, ctx context.Context, client *anthropic.Client, params anthropic.MessageNewParams, model string, route models.Route, upName, requestID string) error {
	message, err := client.Messages.New(ctx, params)
	if err != nil {
		fiberlog.Warnf("[%s] anthropic upstream %s request failed: %v", requestID, upName, err)
		a.deps.Usage.Record(route, upName, nil)
		return anthropicError(c, err)
	}

	usage := anthropicUsageMap(message.Usage)
	a.deps.Usage.Record(route, upName, usage)

	var text strings.Builder
	for _, block := range message.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	return c.JSON(models.ChatCompletion{
		ID:      "chatcmpl-" + uuid.NewString(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []models.CompletionChoice{{
			Index:        0,
			Message:      models.CompletionMessage{Role: "assistant", Content: text.String()},
			FinishReason: "stop",
		}},
		Usage: usage,
	})
}

// relay re-emits SDK stream events as OpenAI chunks as each delta arrives.
// Usage is recorded once, from message_start.
func (a *anthropicAdapter) relay(w *bufio.Writer, stream *ssestream.Stream[anthropic.MessageStreamEventUnion], firstEvent *anthropic.MessageStreamEventUnion, model string, route models.Route, upName, requestID string) {
	out := newSSEWriter(w, model, requestID)
	var usageRecorded bool

	handle := func(event anthropic.MessageStreamEventUnion) bool {
		switch variant := event.AsAny().(type) {
		case anthropic.MessageStartEvent:
			if !usageRecorded {
				a.deps.Usage.Record(route, upName, anthropicUsageMap(variant.Message.Usage))
				usageRecorded = true
			}
		case anthropic.ContentBlockDeltaEvent:
			if variant.Delta.Text != "" {
				if err := out.Content(variant.Delta.Text); err != nil {
					return false
				}
			}
		case anthropic.MessageStopEvent:
			return false
		}
		return true
	}

	proceed := true
	if firstEvent != nil {
		proceed = handle(*firstEvent)
	}
	for proceed && stream.Next() {
		proceed = handle(stream.Current())
	}
	if err := stream.Err(); err != nil {
		fiberlog.Warnf("[%s] anthropic stream read failed: %v", requestID, err)
	}
	if !usageRecorded {
		a.deps.Usage.Record(route, upName, nil)
	}
	out.Finish()
}

// anthropicError maps SDK failures onto the wire taxonomy: upstream-reported
// errors keep their status, transport failures become 502.
func anthropicError(c *fiber.Ctx, err error) error {
	var apierr *anthropic.Error
	if errors.As(err, &apierr) {
		return upstreamErrorBody(c, apierr.StatusCode, string(apierr.DumpResponse(true)))
	}
	return upstreamErrorBody(c, fiber.StatusBadGateway, err.Error())
}
