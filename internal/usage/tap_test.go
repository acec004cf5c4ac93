package usage

import (
	"encoding/json"
	"testing"
)

type captureSink struct {
	records []Record
}

func (c *captureSink) Emit(r Record) {
	c.records = append(c.records, r)
}

func TestComplete_EmitsZeroRecordWhenNoUsageSeen(t *testing.T) {
	sink := &captureSink{}
	tap := New("m1", "openrouter", sink)
	rec := tap.Complete()

	if rec.PromptTokens != 0 || rec.TotalTokens != 0 {
		t.Errorf("expected zero-valued record, got %+v", rec)
	}
	if len(sink.records) != 1 {
		t.Fatalf("expected exactly one emitted record, got %d", len(sink.records))
	}
}

func TestComplete_NormalizesReasoningAndCachedTokens(t *testing.T) {
	sink := &captureSink{}
	tap := New("m1", "openrouter", sink)
	tap.Observe(json.RawMessage(`{
		"prompt_tokens": 100,
		"completion_tokens": 50,
		"total_tokens": 150,
		"completion_tokens_details": {"reasoning_tokens": 20},
		"prompt_tokens_details": {"cached_tokens": 10}
	}`))

	rec := tap.Complete()
	if rec.ReasoningTokens != 20 {
		t.Errorf("expected reasoning_tokens=20, got %d", rec.ReasoningTokens)
	}
	if rec.CachedTokens != 10 {
		t.Errorf("expected cached_tokens=10, got %d", rec.CachedTokens)
	}
	// completion_tokens must exclude reasoning tokens.
	if rec.CompletionTokens != 30 {
		t.Errorf("expected completion_tokens=30 (50-20), got %d", rec.CompletionTokens)
	}
	if rec.PromptTokens != 100 {
		t.Errorf("expected prompt_tokens=100, got %d", rec.PromptTokens)
	}
}

func TestObserve_LastUsageWins(t *testing.T) {
	sink := &captureSink{}
	tap := New("m1", "openrouter", sink)
	tap.Observe(json.RawMessage(`{"total_tokens": 1}`))
	tap.Observe(json.RawMessage(`{"total_tokens": 99}`))

	rec := tap.Complete()
	if rec.TotalTokens != 99 {
		t.Errorf("expected last observed usage to win, got %d", rec.TotalTokens)
	}
}

func TestComplete_EmitsExactlyOnceEvenWithMultipleObservations(t *testing.T) {
	sink := &captureSink{}
	tap := New("m1", "openrouter", sink)
	tap.Observe(json.RawMessage(`{"total_tokens": 1}`))
	tap.Observe(json.RawMessage(`{"total_tokens": 2}`))
	tap.Complete()

	if len(sink.records) != 1 {
		t.Errorf("expected exactly one record emitted, got %d", len(sink.records))
	}
}
