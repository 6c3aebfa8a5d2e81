// Package classifier calls a small remote language model to pick a routing
// tier for each uncached request. Failures here never reach the client; the
// routing layer degrades to frontier.
package classifier

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/routelab/tierproxy/internal/config"
	"github.com/routelab/tierproxy/internal/models"
	"github.com/routelab/tierproxy/internal/services"
	"github.com/routelab/tierproxy/internal/utils"

	fiberlog "github.com/gofiber/fiber/v2/log"
)

// Kind classifies internal classifier failures. These are taxonomy for logs
// and retry policy, never client-visible errors.
type Kind int

const (
	KindError Kind = iota
	KindTimeout
	KindModelLoading
	KindNoDecision
)

func (k Kind) String() string {
	switch k {
	case KindTimeout:
		return "Timeout"
	case KindModelLoading:
		return "ModelLoading"
	case KindNoDecision:
		return "NoDecision"
	default:
		return "ClassifierError"
	}
}

// Error wraps a classifier failure with its kind.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

const (
	minTimeoutRetry = 8 * time.Second
	minWarmupTime   = 10 * time.Second
	userPromptFmt   = "Return only 0, 1, or 2. Input:\n%s"
)

// Client calls the classifier model over the OpenAI chat-completion wire.
type Client struct {
	cfg      config.ClassifierConfig
	endpoint string
	httpc    *services.Client
}

// NewClient creates a classifier client from the frozen config.
func NewClient(cfg config.ClassifierConfig, httpc *services.Client) *Client {
	return &Client{
		cfg:      cfg,
		endpoint: utils.OpenAIEndpoint(cfg.BaseURL),
		httpc:    httpc,
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type classifyBody struct {
	Model       string             `json:"model"`
	Messages    []chatMessage      `json:"messages"`
	Temperature float64            `json:"temperature"`
	MaxTokens   int                `json:"max_tokens"`
	Stream      bool               `json:"stream"`
	LogitBias   map[string]float64 `json:"logit_bias,omitempty"`
}

// Classify decides a tier for the request, applying the timeout and
// model-loading retry policy.
func (c *Client) Classify(ctx context.Context, req *models.ChatCompletionRequest, requestID string) (int, error) {
	input := utils.BuildClassifierInput(req, c.cfg.Strategy, c.cfg.MaxChars)
	return c.classifyInput(ctx, input, requestID, c.cfg.Timeout)
}

func (c *Client) classifyInput(ctx context.Context, input, requestID string, timeout time.Duration) (int, error) {
	messages := []chatMessage{
		{Role: "system", Content: c.cfg.SystemPrompt},
		{Role: "user", Content: fmt.Sprintf(userPromptFmt, input)},
	}

	timeoutRetried := false
	loadingRetries := 0
	for {
		decision, err := c.attemptWithFallback(ctx, messages, timeout, requestID)
		if err == nil {
			return decision, nil
		}

		var cerr *Error
		if errors.As(err, &cerr) {
			switch cerr.Kind {
			case KindTimeout:
				if !timeoutRetried {
					timeoutRetried = true
					timeout = maxDuration(2*timeout, minTimeoutRetry)
					fiberlog.Warnf("[%s] classifier timeout, retrying once", requestID)
					continue
				}
			case KindModelLoading:
				if loadingRetries < c.cfg.LoadingMaxRetries {
					loadingRetries++
					fiberlog.Warnf("[%s] classifier model loading, retry %d/%d in %v",
						requestID, loadingRetries, c.cfg.LoadingMaxRetries, c.cfg.LoadingRetryDelay)
					select {
					case <-time.After(c.cfg.LoadingRetryDelay):
					case <-ctx.Done():
						return 0, &Error{Kind: KindTimeout, Message: "cancelled while waiting for model load", Err: ctx.Err()}
					}
					continue
				}
			}
		}
		return 0, err
	}
}

// attemptWithFallback tries the preferred transport mode and retries once in
// the other mode when the first yields no decision.
func (c *Client) attemptWithFallback(ctx context.Context, messages []chatMessage, timeout time.Duration, requestID string) (int, error) {
	decision, err := c.attempt(ctx, messages, timeout, c.cfg.ForceStream, requestID)
	var cerr *Error
	if err != nil && errors.As(err, &cerr) && cerr.Kind == KindNoDecision {
		fiberlog.Warnf("[%s] classifier returned no decision, retrying %s", requestID, modeName(!c.cfg.ForceStream))
		decision, err = c.attempt(ctx, messages, timeout, !c.cfg.ForceStream, requestID)
	}
	return decision, err
}

func modeName(stream bool) string {
	if stream {
		return "streaming"
	}
	return "non-streaming"
}

// attempt performs one classifier exchange in the given transport mode.
func (c *Client) attempt(parent context.Context, messages []chatMessage, timeout time.Duration, stream bool, requestID string) (int, error) {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	body := classifyBody{
		Model:       c.cfg.Model,
		Messages:    messages,
		Temperature: c.cfg.Temperature,
		MaxTokens:   c.cfg.MaxTokens,
		Stream:      stream,
		LogitBias:   c.cfg.LogitBias,
	}

	headers := map[string]string{}
	if c.cfg.APIKey != "" {
		headers["authorization"] = "Bearer " + c.cfg.APIKey
	}

	resp, err := c.httpc.Post(ctx, c.endpoint, headers, body)
	if err != nil {
		if isTimeout(ctx, err) {
			return 0, &Error{Kind: KindTimeout, Message: "classifier request aborted", Err: err}
		}
		return 0, &Error{Kind: KindError, Message: "classifier request failed", Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		services.DrainClose(resp.Body)
		if isModelLoadingBody(string(raw)) {
			return 0, &Error{Kind: KindModelLoading, Message: fmt.Sprintf("status %d: %s", resp.StatusCode, raw)}
		}
		return 0, &Error{Kind: KindError, Message: fmt.Sprintf("status %d: %s", resp.StatusCode, raw)}
	}

	if stream {
		decision, err := c.readStreamDecision(resp.Body, cancel)
		services.DrainClose(resp.Body)
		if err != nil && isTimeout(ctx, err) {
			return 0, &Error{Kind: KindTimeout, Message: "classifier stream aborted", Err: err}
		}
		return decision, err
	}

	decision, err := readBufferedDecision(resp.Body)
	services.DrainClose(resp.Body)
	if err != nil && isTimeout(ctx, err) {
		return 0, &Error{Kind: KindTimeout, Message: "classifier read aborted", Err: err}
	}
	return decision, err
}

// readStreamDecision scans SSE events and returns on the first decision
// digit, aborting the outbound connection immediately so a single stream
// byte is enough to route.
func (c *Client) readStreamDecision(body io.Reader, abort context.CancelFunc) (int, error) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 16*1024), 256*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" || data == "[DONE]" {
			continue
		}

		var event streamEvent
		if err := json.Unmarshal([]byte(data), &event); err != nil {
			continue
		}
		if decision, ok := utils.ExtractDecision(event.text()); ok {
			abort()
			return decision, nil
		}
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, context.Canceled) {
		return 0, &Error{Kind: KindError, Message: "classifier stream read failed", Err: err}
	}
	return 0, &Error{Kind: KindNoDecision, Message: "stream ended without a decision"}
}

type streamEvent struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		Text string `json:"text"`
	} `json:"choices"`
}

func (e *streamEvent) text() string {
	if len(e.Choices) == 0 {
		return ""
	}
	if e.Choices[0].Delta.Content != "" {
		return e.Choices[0].Delta.Content
	}
	return e.Choices[0].Text
}

func readBufferedDecision(body io.Reader) (int, error) {
	raw, err := io.ReadAll(body)
	if err != nil {
		return 0, &Error{Kind: KindError, Message: "classifier response read failed", Err: err}
	}

	var parsed struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
			Text string `json:"text"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return 0, &Error{Kind: KindError, Message: "classifier response parse failed", Err: err}
	}

	for _, choice := range parsed.Choices {
		text := choice.Message.Content
		if text == "" {
			text = choice.Text
		}
		if decision, ok := utils.ExtractDecision(text); ok {
			return decision, nil
		}
	}
	return 0, &Error{Kind: KindNoDecision, Message: "response carried no decision"}
}

// isModelLoadingBody detects engines that answer before their weights are
// resident. Phrasing varies between "loading model" and "model loading", so
// both words are matched independently.
func isModelLoadingBody(body string) bool {
	lower := strings.ToLower(body)
	return strings.Contains(lower, "loading") && strings.Contains(lower, "model")
}

func isTimeout(ctx context.Context, err error) bool {
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded)
}

func maxDuration(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}
