package attempt

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/nulpointcorp/gatewaycore/internal/routeconfig"
	"github.com/nulpointcorp/gatewaycore/internal/upstream"
)

func newTestExecutor() *Executor {
	return New(upstream.New(upstream.Config{RequestTimeout: 5 * time.Second, ConnectTimeout: 2 * time.Second}))
}

func TestRun_BufferedSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"id":"x","choices":[{"message":{"content":"hi"}}],"usage":{"prompt_tokens":5,"completion_tokens":3,"total_tokens":8}}`))
	}))
	defer srv.Close()

	e := newTestExecutor()
	out := e.Run(context.Background(), Input{
		Candidate:    routeconfig.Candidate{ProviderModel: "m1"},
		Provider:     routeconfig.Provider{BaseURL: srv.URL},
		OriginalBody: []byte(`{"model":"m1","messages":[]}`),
	})
	if out.Kind != Success {
		t.Fatalf("expected success, got %v: %s", out.Kind, out.Detail)
	}
	if out.Usage == nil {
		t.Error("expected usage to be extracted")
	}
}

func TestRun_BufferedHTTPStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"boom"}`))
	}))
	defer srv.Close()

	e := newTestExecutor()
	out := e.Run(context.Background(), Input{
		Candidate:    routeconfig.Candidate{ProviderModel: "m1"},
		Provider:     routeconfig.Provider{BaseURL: srv.URL},
		OriginalBody: []byte(`{}`),
	})
	if out.Kind != HttpStatus {
		t.Fatalf("expected HttpStatus, got %v", out.Kind)
	}
}

func TestRun_BufferedUpstreamJSONError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"error":{"message":"quota exceeded"}}`))
	}))
	defer srv.Close()

	e := newTestExecutor()
	out := e.Run(context.Background(), Input{
		Candidate:    routeconfig.Candidate{ProviderModel: "m1"},
		Provider:     routeconfig.Provider{BaseURL: srv.URL},
		OriginalBody: []byte(`{}`),
	})
	if out.Kind != UpstreamJSONError {
		t.Fatalf("expected UpstreamJSONError, got %v", out.Kind)
	}
}

func TestRun_BufferedInvalidJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`not json`))
	}))
	defer srv.Close()

	e := newTestExecutor()
	out := e.Run(context.Background(), Input{
		Candidate:    routeconfig.Candidate{ProviderModel: "m1"},
		Provider:     routeconfig.Provider{BaseURL: srv.URL},
		OriginalBody: []byte(`{}`),
	})
	if out.Kind != InvalidJSON {
		t.Fatalf("expected InvalidJSON, got %v", out.Kind)
	}
}

func TestRun_BodyPatchingSetsModelAndCustomParams(t *testing.T) {
	var captured map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &captured)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"id":"x"}`))
	}))
	defer srv.Close()

	e := newTestExecutor()
	e.Run(context.Background(), Input{
		Candidate: routeconfig.Candidate{
			ProviderModel:     "gpt-real",
			CustomBodyParams:  map[string]any{"temperature": 0.2},
			SubProviderOrder:  []string{"p1", "p2"},
		},
		Provider:     routeconfig.Provider{BaseURL: srv.URL},
		OriginalBody: []byte(`{"model":"gateway-model","messages":[{"role":"user","content":"hi"}]}`),
	})

	if captured["model"] != "gpt-real" {
		t.Errorf("expected model overridden to gpt-real, got %v", captured["model"])
	}
	if captured["temperature"] != 0.2 {
		t.Errorf("expected custom body param applied, got %v", captured["temperature"])
	}
	provider, ok := captured["provider"].(map[string]any)
	if !ok {
		t.Fatalf("expected provider object injected, got %v", captured["provider"])
	}
	if provider["allow_fallbacks"] != false {
		t.Errorf("expected allow_fallbacks=false, got %v", provider["allow_fallbacks"])
	}
	order, ok := provider["order"].([]any)
	if !ok || len(order) != 2 || order[0] != "p1" || order[1] != "p2" {
		t.Errorf("expected provider.order=[p1 p2], got %v", provider["order"])
	}
}

func TestRun_SubProviderSingleOverridesListMode(t *testing.T) {
	var captured map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &captured)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"id":"x"}`))
	}))
	defer srv.Close()

	e := newTestExecutor()
	e.Run(context.Background(), Input{
		Candidate: routeconfig.Candidate{
			ProviderModel:    "z",
			SubProviderOrder: []string{"p1", "p2"},
		},
		Provider:          routeconfig.Provider{BaseURL: srv.URL},
		OriginalBody:      []byte(`{}`),
		SubProviderSingle: "p2",
	})

	provider := captured["provider"].(map[string]any)
	order := provider["order"].([]any)
	if len(order) != 1 || order[0] != "p2" {
		t.Errorf("expected provider.order=[p2] in per-sub-provider mode, got %v", order)
	}
}

func TestResolveAPIKey_LiteralFallback(t *testing.T) {
	if got := ResolveAPIKey(""); got != "" {
		t.Errorf("empty ref must resolve to empty, got %q", got)
	}
	// An unset env var name is treated as the literal key itself.
	if got := ResolveAPIKey("sk-literal-value"); got != "sk-literal-value" {
		t.Errorf("expected literal fallback, got %q", got)
	}
}
