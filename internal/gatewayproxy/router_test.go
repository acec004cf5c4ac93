package gatewayproxy

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nulpointcorp/gatewaycore/internal/attempt"
	"github.com/nulpointcorp/gatewaycore/internal/routeconfig"
	"github.com/nulpointcorp/gatewaycore/internal/upstream"
)

// fakeRotation is a RotationStore whose NextIndex is driven entirely by the
// test, so the rotation sequence is deterministic without a live Postgres
// instance.
type fakeRotation struct {
	next int
}

func (f *fakeRotation) NextIndex(_ context.Context, _, _ string, n int) int {
	idx := f.next % n
	f.next++
	return idx
}

func newTestRouter(t *testing.T, providersJSON, rulesJSON, fallbackProvider string, rotation RotationStore) *Router {
	t.Helper()
	dir := t.TempDir()
	pPath := filepath.Join(dir, "providers.json")
	rPath := filepath.Join(dir, "rules.json")
	if err := os.WriteFile(pPath, []byte(providersJSON), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(rPath, []byte(rulesJSON), 0o644); err != nil {
		t.Fatal(err)
	}
	store, err := routeconfig.New(pPath, rPath, fallbackProvider, nil)
	if err != nil {
		t.Fatalf("routeconfig.New: %v", err)
	}

	executor := attempt.New(upstream.New(upstream.Config{RequestTimeout: 5 * time.Second, ConnectTimeout: 2 * time.Second}))
	return New(store, rotation, executor, nil, fallbackProvider, nil)
}

func okHandler(counter *int64) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(counter, 1)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"id":"x","usage":{"prompt_tokens":1,"completion_tokens":1,"total_tokens":2}}`))
	}
}

func failHandler(counter *int64) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(counter, 1)
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"boom"}`))
	}
}

func TestHandle_RotationSequenceAdvancesRoundRobin(t *testing.T) {
	var hitsA, hitsB, hitsC int64
	srvA := httptest.NewServer(okHandler(&hitsA))
	defer srvA.Close()
	srvB := httptest.NewServer(okHandler(&hitsB))
	defer srvB.Close()
	srvC := httptest.NewServer(okHandler(&hitsC))
	defer srvC.Close()

	providersJSON := `[
	  {"a": {"baseUrl": "` + srvA.URL + `", "apikey": "test-key"}},
	  {"b": {"baseUrl": "` + srvB.URL + `", "apikey": "test-key"}},
	  {"c": {"baseUrl": "` + srvC.URL + `", "apikey": "test-key"}}
	]`
	rulesJSON := `[{
	  "gateway_model_name": "m3",
	  "fallback_models": [
	    {"provider": "a", "providerModel": "a-model"},
	    {"provider": "b", "providerModel": "b-model"},
	    {"provider": "c", "providerModel": "c-model"}
	  ],
	  "rotate_models": true
	}]`

	rot := &fakeRotation{}
	r := newTestRouter(t, providersJSON, rulesJSON, "a", rot)

	want := []string{"a", "b", "c", "a", "b"}
	for i, wantProvider := range want {
		res := r.Handle(context.Background(), "caller1", []byte(`{"model":"m3"}`))
		if res.Kind != ResultSuccessBuffered {
			t.Fatalf("call %d: expected success, got %v: %s", i, res.Kind, res.FailureDetail)
		}
		if res.UsedProvider != wantProvider {
			t.Errorf("call %d: expected provider %q, got %q", i, wantProvider, res.UsedProvider)
		}
	}
}

func TestHandle_RetryCountInvokesExecutorExactlyRPlusOneTimes(t *testing.T) {
	var hits int64
	srv := httptest.NewServer(failHandler(&hits))
	defer srv.Close()

	providersJSON := `[{"a": {"baseUrl": "` + srv.URL + `", "apikey": "test-key"}}]`
	rulesJSON := `[{
	  "gateway_model_name": "m1",
	  "fallback_models": [
	    {"provider": "a", "providerModel": "a-model", "retryCount": 2}
	  ],
	  "rotate_models": false
	}]`

	r := newTestRouter(t, providersJSON, rulesJSON, "a", &fakeRotation{})
	res := r.Handle(context.Background(), "caller1", []byte(`{"model":"m1"}`))

	if res.Kind != ResultFailure {
		t.Fatalf("expected failure after exhausting retries, got %v", res.Kind)
	}
	if res.Status != 503 {
		t.Errorf("expected 503, got %d", res.Status)
	}
	if got := atomic.LoadInt64(&hits); got != 3 {
		t.Errorf("expected R+1 = 3 attempts, got %d", got)
	}
}

func TestHandle_FailoverToNextCandidateOnFailure(t *testing.T) {
	var failHits, okHits int64
	failSrv := httptest.NewServer(failHandler(&failHits))
	defer failSrv.Close()
	okSrv := httptest.NewServer(okHandler(&okHits))
	defer okSrv.Close()

	providersJSON := `[
	  {"bad": {"baseUrl": "` + failSrv.URL + `", "apikey": "test-key"}},
	  {"good": {"baseUrl": "` + okSrv.URL + `", "apikey": "test-key"}}
	]`
	rulesJSON := `[{
	  "gateway_model_name": "m1",
	  "fallback_models": [
	    {"provider": "bad", "providerModel": "bad-model"},
	    {"provider": "good", "providerModel": "good-model"}
	  ],
	  "rotate_models": false
	}]`

	r := newTestRouter(t, providersJSON, rulesJSON, "bad", &fakeRotation{})
	res := r.Handle(context.Background(), "caller1", []byte(`{"model":"m1"}`))

	if res.Kind != ResultSuccessBuffered {
		t.Fatalf("expected success via failover, got %v: %s", res.Kind, res.FailureDetail)
	}
	if res.UsedProvider != "good" {
		t.Errorf("expected failover to 'good', got %q", res.UsedProvider)
	}
	if atomic.LoadInt64(&failHits) != 1 {
		t.Errorf("expected exactly 1 attempt against the failing candidate, got %d", failHits)
	}
	if atomic.LoadInt64(&okHits) != 1 {
		t.Errorf("expected exactly 1 attempt against the succeeding candidate, got %d", okHits)
	}
}

func TestHandle_StopsAtFirstSuccessNeverTriesRemainingCandidates(t *testing.T) {
	var firstHits, secondHits int64
	firstSrv := httptest.NewServer(okHandler(&firstHits))
	defer firstSrv.Close()
	secondSrv := httptest.NewServer(okHandler(&secondHits))
	defer secondSrv.Close()

	providersJSON := `[
	  {"first": {"baseUrl": "` + firstSrv.URL + `", "apikey": "test-key"}},
	  {"second": {"baseUrl": "` + secondSrv.URL + `", "apikey": "test-key"}}
	]`
	rulesJSON := `[{
	  "gateway_model_name": "m1",
	  "fallback_models": [
	    {"provider": "first", "providerModel": "x"},
	    {"provider": "second", "providerModel": "y"}
	  ],
	  "rotate_models": false
	}]`

	r := newTestRouter(t, providersJSON, rulesJSON, "first", &fakeRotation{})
	res := r.Handle(context.Background(), "caller1", []byte(`{"model":"m1"}`))

	if res.Kind != ResultSuccessBuffered || res.UsedProvider != "first" {
		t.Fatalf("expected success from first candidate, got %v/%q", res.Kind, res.UsedProvider)
	}
	if atomic.LoadInt64(&secondHits) != 0 {
		t.Errorf("expected second candidate never attempted after first succeeded, got %d hits", secondHits)
	}
}

func TestHandle_UnknownModelSynthesizesFallbackProviderCandidate(t *testing.T) {
	var hits int64
	srv := httptest.NewServer(okHandler(&hits))
	defer srv.Close()

	providersJSON := `[{"openrouter": {"baseUrl": "` + srv.URL + `", "apikey": "test-key"}}]`
	rulesJSON := `[]`

	r := newTestRouter(t, providersJSON, rulesJSON, "openrouter", &fakeRotation{})
	res := r.Handle(context.Background(), "caller1", []byte(`{"model":"unconfigured-model"}`))

	if res.Kind != ResultSuccessBuffered {
		t.Fatalf("expected success via synthesized fallback candidate, got %v: %s", res.Kind, res.FailureDetail)
	}
	if res.UsedProvider != "openrouter" {
		t.Errorf("expected fallback provider 'openrouter', got %q", res.UsedProvider)
	}
}

func TestHandle_MissingModelIsBadRequest(t *testing.T) {
	providersJSON := `[{"openrouter": {"baseUrl": "http://unused.invalid", "apikey": "test-key"}}]`
	r := newTestRouter(t, providersJSON, `[]`, "openrouter", &fakeRotation{})
	res := r.Handle(context.Background(), "caller1", []byte(`{}`))
	if res.Kind != ResultFailure || res.Status != 400 {
		t.Fatalf("expected 400 failure for missing model, got %v/%d", res.Kind, res.Status)
	}
}
