package providers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"strings"

	"github.com/routelab/tierproxy/internal/models"
	"github.com/routelab/tierproxy/internal/services"
	"github.com/routelab/tierproxy/internal/utils"

	"github.com/gofiber/fiber/v2"
	fiberlog "github.com/gofiber/fiber/v2/log"
)

// openAIAdapter is the transparent pass-through for every upstream that
// already speaks the OpenAI chat-completion dialect.
type openAIAdapter struct {
	deps *Deps
}

func (a *openAIAdapter) Name() string { return models.ProviderOpenAICompatible }

func (a *openAIAdapter) Handle(c *fiber.Ctx, req *models.ChatCompletionRequest, rawBody []byte, up *models.Upstream, route models.Route, decision int, requestID string) error {
	a.deps.setRoutingHeaders(c, decision, up.Name)

	payload, err := overrideModel(rawBody, up.Model)
	if err != nil {
		return badRequest(c, "invalid_request")
	}

	endpoint := utils.OpenAIEndpoint(up.BaseURL)
	ctx, cancel := context.WithTimeout(context.Background(), up.Timeout())

	resp, err := a.deps.HTTP.PostRaw(ctx, endpoint, bearerHeaders(up), payload)
	if err != nil {
		cancel()
		fiberlog.Warnf("[%s] openai upstream %s unreachable: %v", requestID, up.Name, err)
		a.deps.Usage.Record(route, up.Name, nil)
		return upstreamErrorBody(c, fiber.StatusBadGateway, err.Error())
	}

	// Pass-through adapters relay upstream errors as-is.
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
		return a.buffered(c, resp.Body, resp.StatusCode, route, up.Name, requestID)
	}

	return startSSE(c, func(w *bufio.Writer) {
		defer cancel()
		defer services.DrainClose(resp.Body)
		a.relayStream(w, resp.Body, route, up.Name, requestID)
	})
}

func (a *openAIAdapter) buffered(c *fiber.Ctx, body io.Reader, status int, route models.Route, upName, requestID string) error {
	raw, err := io.ReadAll(body)
	if err != nil {
		fiberlog.Warnf("[%s] openai upstream read failed: %v", requestID, err)
		a.deps.Usage.Record(route, upName, nil)
		return upstreamErrorBody(c, fiber.StatusBadGateway, err.Error())
	}

	var parsed struct {
		Usage map[string]any `json:"usage"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		fiberlog.Debugf("[%s] openai upstream body not json: %v", requestID, err)
	}
	a.deps.Usage.Record(route, upName, parsed.Usage)

	c.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	return c.Status(status).Send(raw)
}

// relayStream copies upstream SSE bytes to the client verbatim while a side
// decoder watches for the first usage object.
func (a *openAIAdapter) relayStream(w *bufio.Writer, body io.Reader, route models.Route, upName, requestID string) {
	scratch := utils.Get()
	defer utils.Put(scratch)
	if cap(scratch.B) < 32*1024 {
		scratch.B = make([]byte, 32*1024)
	} else {
		scratch.B = scratch.B[:32*1024]
	}

	side := &usageScanner{}
	for {
		n, err := body.Read(scratch.B)
		if n > 0 {
			if _, werr := w.Write(scratch.B[:n]); werr != nil {
				fiberlog.Debugf("[%s] client gone during relay: %v", requestID, werr)
				break
			}
			if werr := w.Flush(); werr != nil {
				break
			}
			side.Scan(scratch.B[:n])
		}
		if err != nil {
			if err != io.EOF {
				fiberlog.Warnf("[%s] upstream stream ended abnormally: %v", requestID, err)
			}
			break
		}
	}
	a.deps.Usage.Record(route, upName, side.Usage)
}

// overrideModel rewrites only the model field of the inbound payload,
// leaving everything else as the client sent it.
func overrideModel(rawBody []byte, model string) ([]byte, error) {
	if model == "" {
		return rawBody, nil
	}
	var payload map[string]json.RawMessage
	if err := json.Unmarshal(rawBody, &payload); err != nil {
		return nil, err
	}
	encoded, err := json.Marshal(model)
	if err != nil {
		return nil, err
	}
	payload["model"] = encoded
	return json.Marshal(payload)
}

// usageScanner incrementally reassembles SSE lines and captures the first
// usage object it sees.
type usageScanner struct {
	buf   bytes.Buffer
	Usage map[string]any
}

func (s *usageScanner) Scan(p []byte) {
	if s.Usage != nil {
		return
	}
	s.buf.Write(p)
	for {
		line, err := s.buf.ReadString('\n')
		if err != nil {
			// Partial line, put it back and wait for more bytes.
			s.buf.WriteString(line)
			return
		}
		s.scanLine(strings.TrimRight(line, "\r\n"))
		if s.Usage != nil {
			return
		}
	}
}

func (s *usageScanner) scanLine(line string) {
	if !strings.HasPrefix(line, "data:") {
		return
	}
	data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
	if data == "" || data == "[DONE]" {
		return
	}
	var event struct {
		Usage map[string]any `json:"usage"`
	}
	if err := json.Unmarshal([]byte(data), &event); err != nil {
		return
	}
	if len(event.Usage) > 0 {
		s.Usage = event.Usage
	}
}
