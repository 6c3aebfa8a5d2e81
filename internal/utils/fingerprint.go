package utils

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/routelab/tierproxy/internal/models"
)

// fingerprintPayload is the routing-relevant subset of an inbound request.
// Model, stream flag, and sampling parameters are deliberately excluded: the
// classifier decision depends only on task shape, so two otherwise-equal
// requests must collide.
type fingerprintPayload struct {
	Messages       []models.Message `json:"messages"`
	Tools          json.RawMessage  `json:"tools,omitempty"`
	ToolChoice     json.RawMessage  `json:"tool_choice,omitempty"`
	ResponseFormat json.RawMessage  `json:"response_format,omitempty"`
}

// HashPayload returns the hex SHA-256 fingerprint of a request.
func HashPayload(req *models.ChatCompletionRequest) string {
	data, err := json.Marshal(fingerprintPayload{
		Messages:       req.Messages,
		Tools:          req.Tools,
		ToolChoice:     req.ToolChoice,
		ResponseFormat: req.ResponseFormat,
	})
	if err != nil {
		data = nil
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
