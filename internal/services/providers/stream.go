package providers

import (
	"bufio"
	"encoding/json"
	"fmt"
	"time"

	"github.com/routelab/tierproxy/internal/models"

	"github.com/gofiber/fiber/v2"
	fiberlog "github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"
	"github.com/valyala/fasthttp"
)

var stopReason = "stop"

// sseWriter emits OpenAI-shaped chunk frames onto a seized response stream.
// Translation is incremental: every chunk is written and flushed as soon as
// the corresponding upstream delta is decoded.
type sseWriter struct {
	w         *bufio.Writer
	id        string
	model     string
	created   int64
	requestID string
}

func newSSEWriter(w *bufio.Writer, model, requestID string) *sseWriter {
	return &sseWriter{
		w:         w,
		id:        "chatcmpl-" + uuid.NewString(),
		model:     model,
		created:   time.Now().Unix(),
		requestID: requestID,
	}
}

// Content writes one delta chunk.
func (s *sseWriter) Content(text string) error {
	return s.writeChunk(models.StreamChunk{
		ID:      s.id,
		Object:  "chat.completion.chunk",
		Created: s.created,
		Model:   s.model,
		Choices: []models.StreamChoice{{
			Index: 0,
			Delta: models.StreamDelta{Content: text},
		}},
	})
}

// Finish writes the terminator chunk followed by the DONE sentinel.
func (s *sseWriter) Finish() {
	err := s.writeChunk(models.StreamChunk{
		ID:      s.id,
		Object:  "chat.completion.chunk",
		Created: s.created,
		Model:   s.model,
		Choices: []models.StreamChoice{{
			Index:        0,
			Delta:        models.StreamDelta{},
			FinishReason: &stopReason,
		}},
	})
	if err != nil {
		return
	}
	if _, err := s.w.WriteString("data: [DONE]\n\n"); err != nil {
		fiberlog.Debugf("[%s] client gone before DONE: %v", s.requestID, err)
		return
	}
	if err := s.w.Flush(); err != nil {
		fiberlog.Debugf("[%s] flush failed on DONE: %v", s.requestID, err)
	}
}

func (s *sseWriter) writeChunk(chunk models.StreamChunk) error {
	data, err := json.Marshal(chunk)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", data); err != nil {
		fiberlog.Debugf("[%s] client gone during stream: %v", s.requestID, err)
		return err
	}
	return s.w.Flush()
}

// startSSE sets SSE headers and seizes the response body stream. The handler
// must have set status and routing headers already; fn owns the connection
// from here and runs as the body is written out.
func startSSE(c *fiber.Ctx, fn func(w *bufio.Writer)) error {
	c.Set(fiber.HeaderContentType, "text/event-stream")
	c.Set(fiber.HeaderCacheControl, "no-cache")
	c.Set(fiber.HeaderConnection, "keep-alive")
	c.Context().SetBodyStreamWriter(fasthttp.StreamWriter(fn))
	return nil
}
