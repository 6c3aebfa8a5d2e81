package providers

import (
	"bufio"
	"io"
	"strings"
)

// sseEvent is one server-sent event as read off an upstream stream.
type sseEvent struct {
	Event string
	Data  string
}

// scanSSE reads line-framed SSE from an upstream body and calls fn for every
// data-carrying event. Returning false from fn stops the scan early. The
// terminal [DONE] sentinel is delivered like any other data line; callers
// that care check for it.
func scanSSE(body io.Reader, fn func(ev sseEvent) bool) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var eventName string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event:"):
			eventName = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "" {
				continue
			}
			if !fn(sseEvent{Event: eventName, Data: data}) {
				return nil
			}
		case line == "":
			eventName = ""
		}
	}
	return scanner.Err()
}
