package utils

import (
	"encoding/json"
	"testing"

	"github.com/routelab/tierproxy/internal/models"
)

func floatPtr(f float64) *float64 { return &f }

func TestHashPayload_IgnoresSamplingAndModel(t *testing.T) {
	base := models.ChatCompletionRequest{
		Messages: []models.Message{userMessage("what is 2+2?")},
	}

	varied := base
	varied.Model = "gpt-4o"
	varied.Stream = true
	varied.Temperature = floatPtr(0.9)

	if HashPayload(&base) != HashPayload(&varied) {
		t.Error("model/stream/temperature must not affect the fingerprint")
	}
}

func TestHashPayload_SensitiveToRoutingFields(t *testing.T) {
	base := models.ChatCompletionRequest{
		Messages: []models.Message{userMessage("what is 2+2?")},
	}

	changedMessages := models.ChatCompletionRequest{
		Messages: []models.Message{userMessage("what is 3+3?")},
	}
	if HashPayload(&base) == HashPayload(&changedMessages) {
		t.Error("different messages must produce different fingerprints")
	}

	withTools := base
	withTools.Tools = json.RawMessage(`[{"type":"function","function":{"name":"f"}}]`)
	if HashPayload(&base) == HashPayload(&withTools) {
		t.Error("tools must affect the fingerprint")
	}

	withFormat := base
	withFormat.ResponseFormat = json.RawMessage(`{"type":"json_object"}`)
	if HashPayload(&base) == HashPayload(&withFormat) {
		t.Error("response_format must affect the fingerprint")
	}
}

func TestHashPayload_Shape(t *testing.T) {
	h := HashPayload(&models.ChatCompletionRequest{Messages: []models.Message{userMessage("hi")}})
	if len(h) != 64 {
		t.Errorf("fingerprint length = %d, want 64 hex chars", len(h))
	}
}
