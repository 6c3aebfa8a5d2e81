package classifier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/routelab/tierproxy/internal/config"
	"github.com/routelab/tierproxy/internal/models"
	"github.com/routelab/tierproxy/internal/services"
)

func testConfig(baseURL string) config.ClassifierConfig {
	return config.ClassifierConfig{
		Enabled:           true,
		BaseURL:           baseURL,
		Model:             "tiny-classifier",
		SystemPrompt:      "Route requests.",
		Strategy:          "last_user",
		MaxChars:          8000,
		MaxTokens:         1,
		Timeout:           800 * time.Millisecond,
		ForceStream:       true,
		LoadingRetryDelay: 10 * time.Millisecond,
		LoadingMaxRetries: 2,
	}
}

func request(content string) *models.ChatCompletionRequest {
	return &models.ChatCompletionRequest{
		Messages: []models.Message{{Role: "user", Content: json.RawMessage(fmt.Sprintf("%q", content))}},
	}
}

func decodeBody(t *testing.T, r *http.Request) classifyBody {
	t.Helper()
	var body classifyBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		t.Fatalf("bad classifier body: %v", err)
	}
	return body
}

func sseChunk(content string) string {
	return fmt.Sprintf(`data: {"choices":[{"delta":{"content":%q}}]}`+"\n\n", content)
}

func TestClassify_StreamFirstEvent(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		body := decodeBody(t, r)
		if !body.Stream {
			t.Error("expected streaming attempt first")
		}
		if body.Messages[0].Role != "system" || body.Messages[0].Content != "Route requests." {
			t.Errorf("unexpected system turn: %+v", body.Messages[0])
		}
		if want := "Return only 0, 1, or 2. Input:\n2+2?"; body.Messages[1].Content != want {
			t.Errorf("user turn = %q, want %q", body.Messages[1].Content, want)
		}

		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, sseChunk("0"))
		w.(http.Flusher).Flush()
		// A second event the client should never need.
		fmt.Fprint(w, sseChunk("9"))
	}))
	defer srv.Close()

	client := NewClient(testConfig(srv.URL), services.NewClient())
	decision, err := client.Classify(context.Background(), request("2+2?"), "test")
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if decision != 0 {
		t.Errorf("decision = %d, want 0", decision)
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}
}

func TestClassify_StreamNoDecisionFallsBackBuffered(t *testing.T) {
	var streamCalls, bufferedCalls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body := decodeBody(t, r)
		if body.Stream {
			streamCalls.Add(1)
			w.Header().Set("Content-Type", "text/event-stream")
			fmt.Fprint(w, sseChunk("thinking"))
			fmt.Fprint(w, "data: [DONE]\n\n")
			return
		}
		bufferedCalls.Add(1)
		fmt.Fprint(w, `{"choices":[{"message":{"content":"1"}}]}`)
	}))
	defer srv.Close()

	client := NewClient(testConfig(srv.URL), services.NewClient())
	decision, err := client.Classify(context.Background(), request("hi"), "test")
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if decision != 1 {
		t.Errorf("decision = %d, want 1", decision)
	}
	if streamCalls.Load() != 1 || bufferedCalls.Load() != 1 {
		t.Errorf("calls = (%d stream, %d buffered), want (1, 1)", streamCalls.Load(), bufferedCalls.Load())
	}
}

func TestClassify_BufferedFirstWhenStreamNotForced(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body := decodeBody(t, r)
		if body.Stream {
			t.Error("expected non-streaming attempt first")
		}
		fmt.Fprint(w, `{"choices":[{"message":{"content":"2"}}]}`)
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.ForceStream = false
	client := NewClient(cfg, services.NewClient())

	decision, err := client.Classify(context.Background(), request("hard question"), "test")
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if decision != 2 {
		t.Errorf("decision = %d, want 2", decision)
	}
}

func TestClassify_NoDecisionAnywhere(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body := decodeBody(t, r)
		if body.Stream {
			w.Header().Set("Content-Type", "text/event-stream")
			fmt.Fprint(w, "data: [DONE]\n\n")
			return
		}
		fmt.Fprint(w, `{"choices":[{"message":{"content":"maybe"}}]}`)
	}))
	defer srv.Close()

	client := NewClient(testConfig(srv.URL), services.NewClient())
	_, err := client.Classify(context.Background(), request("hi"), "test")

	var cerr *Error
	if !errors.As(err, &cerr) || cerr.Kind != KindNoDecision {
		t.Fatalf("err = %v, want NoDecision", err)
	}
}

func TestClassify_ModelLoadingRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		if n <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprint(w, "model loading, please wait")
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, sseChunk("2"))
	}))
	defer srv.Close()

	client := NewClient(testConfig(srv.URL), services.NewClient())
	start := time.Now()
	decision, err := client.Classify(context.Background(), request("hi"), "test")
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if decision != 2 {
		t.Errorf("decision = %d, want 2", decision)
	}
	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", calls.Load())
	}
	if elapsed := time.Since(start); elapsed < 20*time.Millisecond {
		t.Errorf("loading retries finished too fast: %v", elapsed)
	}
}

func TestClassify_ModelLoadingExhausted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprint(w, "still loading model weights")
	}))
	defer srv.Close()

	client := NewClient(testConfig(srv.URL), services.NewClient())
	_, err := client.Classify(context.Background(), request("hi"), "test")

	var cerr *Error
	if !errors.As(err, &cerr) || cerr.Kind != KindModelLoading {
		t.Fatalf("err = %v, want ModelLoading", err)
	}
}

func TestClassify_TimeoutRetriesOnce(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			time.Sleep(300 * time.Millisecond)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, sseChunk("1"))
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.Timeout = 50 * time.Millisecond
	client := NewClient(cfg, services.NewClient())

	decision, err := client.Classify(context.Background(), request("hi"), "test")
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if decision != 1 {
		t.Errorf("decision = %d, want 1", decision)
	}
	if calls.Load() != 2 {
		t.Errorf("calls = %d, want 2", calls.Load())
	}
}

func TestClassify_OtherStatusIsClassifierError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, "bad request")
	}))
	defer srv.Close()

	client := NewClient(testConfig(srv.URL), services.NewClient())
	_, err := client.Classify(context.Background(), request("hi"), "test")

	var cerr *Error
	if !errors.As(err, &cerr) || cerr.Kind != KindError {
		t.Fatalf("err = %v, want ClassifierError", err)
	}
}

func TestIsModelLoadingBody(t *testing.T) {
	for _, body := range []string{"model loading, please wait", "Loading Model weights", "LOADING MODEL"} {
		if !isModelLoadingBody(body) {
			t.Errorf("isModelLoadingBody(%q) = false, want true", body)
		}
	}
	if isModelLoadingBody("rate limited") {
		t.Error("unrelated body misdetected as model loading")
	}
}

func TestEndpointNormalization(t *testing.T) {
	client := NewClient(testConfig("http://localhost:9999/"), services.NewClient())
	if !strings.HasSuffix(client.endpoint, "/v1/chat/completions") {
		t.Errorf("endpoint = %q", client.endpoint)
	}
	if strings.Contains(client.endpoint, "//v1") {
		t.Errorf("trailing slash not stripped: %q", client.endpoint)
	}
}
