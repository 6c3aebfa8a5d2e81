package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	fiberlog "github.com/gofiber/fiber/v2/log"
)

// Client is a pooled outbound HTTP client shared by the classifier and the
// raw-HTTP provider adapters (OpenAI-compatible, Azure, Cohere); the Anthropic
// and Gemini adapters use their vendor SDK clients instead. Per-call deadlines come from the caller's context, so
// the underlying http.Client carries no overall timeout of its own.
type Client struct {
	httpClient *http.Client
	headers    map[string]string
}

// ClientConfig holds transport tuning for the outbound client.
type ClientConfig struct {
	MaxIdleConns        int
	MaxIdleConnsPerHost int
	IdleConnTimeout     time.Duration
	DialTimeout         time.Duration
	KeepAlive           time.Duration
	TLSHandshakeTimeout time.Duration
}

// DefaultClientConfig returns pooling defaults sized for a proxy that keeps
// a handful of upstream hosts warm.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		DialTimeout:         10 * time.Second,
		KeepAlive:           30 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}
}

// NewClient creates an outbound client with default pooling.
func NewClient() *Client {
	return NewClientWithConfig(DefaultClientConfig())
}

// NewClientWithConfig creates an outbound client with custom transport
// settings.
func NewClientWithConfig(cfg ClientConfig) *Client {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   cfg.DialTimeout,
			KeepAlive: cfg.KeepAlive,
		}).DialContext,
		MaxIdleConns:        cfg.MaxIdleConns,
		MaxIdleConnsPerHost: cfg.MaxIdleConnsPerHost,
		IdleConnTimeout:     cfg.IdleConnTimeout,
		TLSHandshakeTimeout: cfg.TLSHandshakeTimeout,
		ForceAttemptHTTP2:   true,
	}

	return &Client{
		httpClient: &http.Client{Transport: transport},
		headers: map[string]string{
			"Content-Type": "application/json",
			"User-Agent":   "tierproxy/1.0",
		},
	}
}

// Post sends a JSON body and returns the raw response. The caller owns the
// response body; streaming consumers read it incrementally, buffered ones
// drain it. The context bounds the whole exchange.
func (c *Client) Post(ctx context.Context, url string, headers map[string]string, body any) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("error marshaling request body: %w", err)
	}
	return c.PostRaw(ctx, url, headers, payload)
}

// PostRaw sends pre-serialized JSON bytes.
func (c *Client) PostRaw(ctx context.Context, url string, headers map[string]string, payload []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}
	req.ContentLength = int64(len(payload))

	for k, v := range c.headers {
		req.Header.Set(k, v)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("error executing request: %w", err)
	}
	return resp, nil
}

// DrainClose reads the remainder of a response body and closes it so the
// pooled connection can be reused.
func DrainClose(body io.ReadCloser) {
	if body == nil {
		return
	}
	if _, err := io.Copy(io.Discard, io.LimitReader(body, 64*1024)); err != nil {
		fiberlog.Debugf("error draining response body: %v", err)
	}
	if err := body.Close(); err != nil {
		fiberlog.Debugf("error closing response body: %v", err)
	}
}

// Close releases idle pooled connections.
func (c *Client) Close() {
	if transport, ok := c.httpClient.Transport.(*http.Transport); ok {
		transport.CloseIdleConnections()
	}
}
