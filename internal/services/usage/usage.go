// Package usage aggregates normalized token-usage stats into process-wide
// per-route buckets.
package usage

import (
	"sync"
	"time"

	"github.com/routelab/tierproxy/internal/models"
)

// Stats is one per-route bucket. Requests counts every recorded exchange;
// WithUsage counts only those whose usage object matched a known schema.
type Stats struct {
	PromptTokens     int64 `json:"promptTokens"`
	CompletionTokens int64 `json:"completionTokens"`
	TotalTokens      int64 `json:"totalTokens"`
	Requests         int64 `json:"requests"`
	WithUsage        int64 `json:"withUsage"`
}

// Snapshot is a consistent copy of the buckets plus derived totals.
type Snapshot struct {
	Routes      map[models.Route]Stats   `json:"routes"`
	Percentages map[models.Route]float64 `json:"percentages"`
	TotalTokens int64                    `json:"totalTokens"`
	LastUpdated *time.Time               `json:"lastUpdated,omitempty"`
}

// Tracker holds the four buckets. All mutation goes through Record or Reset
// under one mutex, so concurrent requests may increment freely.
type Tracker struct {
	mu          sync.Mutex
	buckets     map[models.Route]*Stats
	lastUpdated time.Time
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{buckets: emptyBuckets()}
}

func emptyBuckets() map[models.Route]*Stats {
	return map[models.Route]*Stats{
		models.RouteCheap:    {},
		models.RouteMedium:   {},
		models.RouteFrontier: {},
		models.RouteUnknown:  {},
	}
}

// Record increments the bucket for a route, folding in the upstream's usage
// object when it matches one of the known vendor schemas. Unrecognized or
// missing usage still counts the request.
func (t *Tracker) Record(route models.Route, upstream string, usage map[string]any) {
	_ = upstream

	t.mu.Lock()
	defer t.mu.Unlock()

	bucket, ok := t.buckets[route]
	if !ok {
		bucket = t.buckets[models.RouteUnknown]
	}
	bucket.Requests++

	prompt, completion, total, recognized := Normalize(usage)
	if !recognized {
		return
	}

	bucket.WithUsage++
	bucket.PromptTokens += prompt
	bucket.CompletionTokens += completion
	bucket.TotalTokens += total
	t.lastUpdated = time.Now()
}

// Normalize recognizes the OpenAI, Anthropic, and Gemini usage schemas.
// Missing fields default to zero; a missing total is computed from
// prompt + completion.
func Normalize(usage map[string]any) (prompt, completion, total int64, ok bool) {
	if usage == nil {
		return 0, 0, 0, false
	}

	type schema struct{ prompt, completion, total string }
	schemas := []schema{
		{"prompt_tokens", "completion_tokens", "total_tokens"},
		{"input_tokens", "output_tokens", "total_tokens"},
		{"promptTokenCount", "candidatesTokenCount", "totalTokenCount"},
	}

	for _, s := range schemas {
		p, hasPrompt := numField(usage, s.prompt)
		c, hasCompletion := numField(usage, s.completion)
		if !hasPrompt && !hasCompletion {
			continue
		}
		t, hasTotal := numField(usage, s.total)
		if !hasTotal {
			t = p + c
		}
		return p, c, t, true
	}
	return 0, 0, 0, false
}

func numField(m map[string]any, key string) (int64, bool) {
	switch v := m[key].(type) {
	case float64:
		return int64(v), true
	case int64:
		return v, true
	case int:
		return int64(v), true
	default:
		return 0, false
	}
}

// Snapshot returns a deep copy of the buckets with per-route percentages of
// the tracked total (cheap+medium+frontier only).
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	snap := Snapshot{
		Routes:      make(map[models.Route]Stats, len(t.buckets)),
		Percentages: make(map[models.Route]float64, 3),
	}
	for route, bucket := range t.buckets {
		snap.Routes[route] = *bucket
	}

	tracked := []models.Route{models.RouteCheap, models.RouteMedium, models.RouteFrontier}
	for _, route := range tracked {
		snap.TotalTokens += t.buckets[route].TotalTokens
	}
	for _, route := range tracked {
		if snap.TotalTokens > 0 {
			snap.Percentages[route] = 100 * float64(t.buckets[route].TotalTokens) / float64(snap.TotalTokens)
		} else {
			snap.Percentages[route] = 0
		}
	}

	if !t.lastUpdated.IsZero() {
		updated := t.lastUpdated
		snap.LastUpdated = &updated
	}
	return snap
}

// Reset zeroes all buckets. Only reached by explicit admin action.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buckets = emptyBuckets()
	t.lastUpdated = time.Time{}
}
