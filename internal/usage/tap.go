// Package usage implements the UsageTap: a per-request accumulator for
// observed token counts that normalizes reasoning/cached token fields and
// emits exactly one UsageRecord per completed request to a sink.
package usage

import (
	"encoding/json"
	"time"
)

// Record is one normalized token-usage observation for a completed request.
type Record struct {
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	TotalTokens      int       `json:"total_tokens"`
	ReasoningTokens  int       `json:"reasoning_tokens"`
	CachedTokens     int       `json:"cached_tokens"`
	CostUSD          float64   `json:"cost_usd"`
	Model            string    `json:"model"`
	Provider         string    `json:"provider"`
	Timestamp        time.Time `json:"timestamp"`
}

// Sink persists or forwards a completed UsageRecord. Implementations must
// not block the caller for long; see PostgresSink for the async pattern
// used in production.
type Sink interface {
	Emit(Record)
}

// Tap accumulates observations for one request and emits a single Record
// when told the request is done.
type Tap struct {
	model    string
	provider string
	sink     Sink

	lastUsage json.RawMessage
}

// New starts a Tap for one request against the given sink.
func New(model, provider string, sink Sink) *Tap {
	return &Tap{model: model, provider: provider, sink: sink}
}

// Observe records a raw `usage` JSON object seen in an upstream response or
// stream segment. Providers typically emit usage once at stream end; if
// multiple are seen, the most recent call wins.
func (t *Tap) Observe(raw json.RawMessage) {
	if len(raw) == 0 {
		return
	}
	t.lastUsage = raw
}

// Complete normalizes whatever usage was observed (or zeros, if none was)
// and emits exactly one Record to the sink. Safe to call at most once per
// Tap; it is called once per completed request whose upstream started
// delivering content: by the Router for a buffered success, and by the
// Server's stream relay when a committed stream ends.
func (t *Tap) Complete() Record {
	rec := Record{
		Model:     t.model,
		Provider:  t.provider,
		Timestamp: time.Now(),
	}

	if t.lastUsage != nil {
		var raw struct {
			PromptTokens     int     `json:"prompt_tokens"`
			CompletionTokens int     `json:"completion_tokens"`
			TotalTokens      int     `json:"total_tokens"`
			Cost             float64 `json:"cost"`
			CompletionDetail struct {
				ReasoningTokens int `json:"reasoning_tokens"`
			} `json:"completion_tokens_details"`
			PromptDetail struct {
				CachedTokens int `json:"cached_tokens"`
			} `json:"prompt_tokens_details"`
		}
		if err := json.Unmarshal(t.lastUsage, &raw); err == nil {
			rec.PromptTokens = raw.PromptTokens
			rec.CompletionTokens = raw.CompletionTokens
			rec.TotalTokens = raw.TotalTokens
			rec.CostUSD = raw.Cost
			rec.ReasoningTokens = raw.CompletionDetail.ReasoningTokens
			rec.CachedTokens = raw.PromptDetail.CachedTokens
			if rec.ReasoningTokens > 0 {
				rec.CompletionTokens -= rec.ReasoningTokens
			}
		}
	}

	if t.sink != nil {
		t.sink.Emit(rec)
	}
	return rec
}
