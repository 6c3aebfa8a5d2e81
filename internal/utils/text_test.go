package utils

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/routelab/tierproxy/internal/models"
)

func TestCoerceContent(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want string
	}{
		{"nil", nil, ""},
		{"plain string", "hello", "hello"},
		{"string parts", []any{"a", "b"}, "ab"},
		{"text field", []any{map[string]any{"type": "text", "text": "hi"}}, "hi"},
		{"input_text field", []any{map[string]any{"input_text": "raw"}}, "raw"},
		{"text wins over input_text", []any{map[string]any{"text": "t", "input_text": "i"}}, "t"},
		{"nested content", []any{map[string]any{"content": []any{map[string]any{"text": "deep"}}}}, "deep"},
		{"mixed parts", []any{"x", map[string]any{"text": "y"}}, "xy"},
		{"json fallback part", []any{map[string]any{"kind": "image"}}, `{"kind":"image"}`},
		{"json fallback top level", map[string]any{"a": float64(1)}, `{"a":1}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CoerceContent(tt.in); got != tt.want {
				t.Errorf("CoerceContent() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestCoerceRawContent(t *testing.T) {
	if got := CoerceRawContent(nil); got != "" {
		t.Errorf("nil raw = %q, want empty", got)
	}
	if got := CoerceRawContent(json.RawMessage(`null`)); got != "" {
		t.Errorf("null raw = %q, want empty", got)
	}
	if got := CoerceRawContent(json.RawMessage(`"hi"`)); got != "hi" {
		t.Errorf("string raw = %q, want hi", got)
	}
}

func TestExtractDecision(t *testing.T) {
	tests := []struct {
		in   string
		want int
		ok   bool
	}{
		{"0", 0, true},
		{"2", 2, true},
		{"answer: 1", 1, true},
		{"3 then 2", 2, true},
		{"the digit is 0.", 0, true},
		{"", 0, false},
		{"no digits here", 0, false},
		{"345679", 0, false},
	}

	for _, tt := range tests {
		got, ok := ExtractDecision(tt.in)
		if got != tt.want || ok != tt.ok {
			t.Errorf("ExtractDecision(%q) = (%d, %t), want (%d, %t)", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}

func userMessage(content string) models.Message {
	return models.Message{Role: "user", Content: json.RawMessage(`"` + content + `"`)}
}

func TestBuildClassifierInput_LastUser(t *testing.T) {
	req := &models.ChatCompletionRequest{Messages: []models.Message{
		{Role: "system", Content: json.RawMessage(`"be brief"`)},
		userMessage("first"),
		{Role: "assistant", Content: json.RawMessage(`"ok"`)},
		userMessage("second"),
	}}

	if got := BuildClassifierInput(req, StrategyLastUser, 8000); got != "second" {
		t.Errorf("last_user input = %q, want %q", got, "second")
	}
}

func TestBuildClassifierInput_NoUserFallsBack(t *testing.T) {
	req := &models.ChatCompletionRequest{Messages: []models.Message{
		{Role: "system", Content: json.RawMessage(`"be brief"`)},
	}}

	got := BuildClassifierInput(req, StrategyLastUser, 8000)
	if !strings.Contains(got, `"role":"system"`) {
		t.Errorf("fallback should serialize messages, got %q", got)
	}
}

func TestBuildClassifierInput_EmptyUserContentStaysEmpty(t *testing.T) {
	// A user message exists, so its (empty) content is the input; the
	// full-serialization fallback applies only when no user message exists.
	req := &models.ChatCompletionRequest{Messages: []models.Message{
		{Role: "system", Content: json.RawMessage(`"be brief"`)},
		{Role: "user", Content: json.RawMessage(`""`)},
	}}

	if got := BuildClassifierInput(req, StrategyLastUser, 8000); got != "" {
		t.Errorf("input = %q, want empty string", got)
	}
}

func TestBuildClassifierInput_FullMessages(t *testing.T) {
	req := &models.ChatCompletionRequest{Messages: []models.Message{userMessage("hi")}}

	got := BuildClassifierInput(req, StrategyFullMessages, 8000)
	var decoded []map[string]any
	if err := json.Unmarshal([]byte(got), &decoded); err != nil {
		t.Fatalf("full_messages output not json: %v", err)
	}
	if len(decoded) != 1 || decoded[0]["role"] != "user" {
		t.Errorf("unexpected serialization: %q", got)
	}
}

func TestBuildClassifierInput_Truncation(t *testing.T) {
	req := &models.ChatCompletionRequest{Messages: []models.Message{
		userMessage(strings.Repeat("x", 100)),
	}}

	got := BuildClassifierInput(req, StrategyLastUser, 10)
	if !strings.HasSuffix(got, TruncationMarker) {
		t.Fatalf("expected truncation marker, got %q", got)
	}
	if got != strings.Repeat("x", 10)+TruncationMarker {
		t.Errorf("truncated input = %q", got)
	}
}

func TestNormalizeBaseURL(t *testing.T) {
	if got := NormalizeBaseURL("http://localhost:8080///"); got != "http://localhost:8080" {
		t.Errorf("NormalizeBaseURL = %q", got)
	}
}

func TestOpenAIEndpoint(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"http://localhost:1234", "http://localhost:1234/v1/chat/completions"},
		{"http://localhost:1234/", "http://localhost:1234/v1/chat/completions"},
		{"http://localhost:1234/v1", "http://localhost:1234/v1/chat/completions"},
		{"http://localhost:1234/v1/", "http://localhost:1234/v1/chat/completions"},
	}
	for _, tt := range tests {
		if got := OpenAIEndpoint(tt.in); got != tt.want {
			t.Errorf("OpenAIEndpoint(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
