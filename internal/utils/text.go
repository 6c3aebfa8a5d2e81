package utils

import (
	"encoding/json"
	"strings"

	"github.com/routelab/tierproxy/internal/models"
)

// CoerceContent flattens a decoded message content value to plain text.
// Content may be nil, a string, or an array of parts; a part's text is, in
// order of precedence, the part itself when it is a string, its "text" field,
// its "input_text" field, or a recursive coerce of its "content" field.
// Anything else falls back to its JSON serialization.
func CoerceContent(v any) string {
	switch content := v.(type) {
	case nil:
		return ""
	case string:
		return content
	case []any:
		var b strings.Builder
		for _, part := range content {
			b.WriteString(coercePart(part))
		}
		return b.String()
	default:
		return jsonFallback(v)
	}
}

func coercePart(part any) string {
	switch p := part.(type) {
	case string:
		return p
	case map[string]any:
		if text, ok := p["text"].(string); ok {
			return text
		}
		if text, ok := p["input_text"].(string); ok {
			return text
		}
		if inner, ok := p["content"]; ok {
			return CoerceContent(inner)
		}
	}
	return jsonFallback(part)
}

func jsonFallback(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(data)
}

// CoerceRawContent decodes a raw content field and flattens it.
func CoerceRawContent(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	return CoerceContent(v)
}

// ExtractDecision scans text for the first character in [0-2] and returns it
// as an integer. The second return is false when no such character exists.
func ExtractDecision(text string) (int, bool) {
	for _, r := range text {
		if r >= '0' && r <= '2' {
			return int(r - '0'), true
		}
	}
	return 0, false
}

// Classifier input strategies.
const (
	StrategyLastUser     = "last_user"
	StrategyFullMessages = "full_messages"
)

// TruncationMarker is appended when classifier input is cut at the char cap.
const TruncationMarker = "\n[TRUNCATED]"

// BuildClassifierInput produces the text handed to the classifier model.
// With the full_messages strategy the whole conversation is serialized as
// [{role, content}] JSON; otherwise the content of the last user message is
// used, falling back to the full serialization when there is none.
func BuildClassifierInput(req *models.ChatCompletionRequest, strategy string, maxChars int) string {
	var input string
	if strategy == StrategyFullMessages {
		input = serializeMessages(req.Messages)
	} else {
		content, found := lastUserContent(req.Messages)
		if !found {
			content = serializeMessages(req.Messages)
		}
		input = content
	}

	if maxChars > 0 && len(input) > maxChars {
		input = input[:maxChars] + TruncationMarker
	}
	return input
}

// lastUserContent returns the flattened content of the last user message.
// The second return reports whether such a message exists at all; an empty
// content on a present user message is still that message's content.
func lastUserContent(messages []models.Message) (string, bool) {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" {
			return CoerceRawContent(messages[i].Content), true
		}
	}
	return "", false
}

func serializeMessages(messages []models.Message) string {
	data, err := json.Marshal(messages)
	if err != nil {
		return ""
	}
	return string(data)
}

// NormalizeBaseURL strips trailing slashes so URL comparisons and path joins
// behave the same regardless of how the base was written.
func NormalizeBaseURL(baseURL string) string {
	return strings.TrimRight(strings.TrimSpace(baseURL), "/")
}

// OpenAIEndpoint joins a normalized base URL with the chat completions path,
// appending /v1 when the base does not already carry it.
func OpenAIEndpoint(baseURL string) string {
	base := NormalizeBaseURL(baseURL)
	if !strings.HasSuffix(base, "/v1") {
		base += "/v1"
	}
	return base + "/chat/completions"
}
