// Package gatewayproxy implements the Router (C6): the top-level
// per-request orchestrator, and the HTTP surface around it.
package gatewayproxy

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/tidwall/gjson"

	"github.com/nulpointcorp/gatewaycore/internal/attempt"
	"github.com/nulpointcorp/gatewaycore/internal/routeconfig"
	"github.com/nulpointcorp/gatewaycore/internal/usage"
)

// MetricsRecorder is the subset of metrics.Registry the Router observes.
// Optional: a nil Metrics field on Router disables all recording.
type MetricsRecorder interface {
	ObserveGatewayRequest(model, status string)
	ObserveUpstreamAttempt(provider, model, outcome string, dur time.Duration)
	RecordRotation()
	SetProviderHealth(provider string, ok bool)
	AddTokens(provider, model string, promptTokens, completionTokens, totalTokens int)
}

// RotationStore is the subset of rotation.Store the Router needs.
// Abstracted to an interface so tests can substitute a fake without a
// live Postgres instance.
type RotationStore interface {
	NextIndex(ctx context.Context, callerKey, gatewayModel string, n int) int
}

// UsageSinkFactory builds a per-request usage.Sink target. In production
// this always returns the same *usage.PostgresSink; tests substitute a
// capturing fake.
type UsageSinkFactory func() usage.Sink

// Router orchestrates one chat-completions request end to end.
type Router struct {
	configStore      *routeconfig.Store
	rotation         RotationStore
	executor         *attempt.Executor
	sinkFactory      UsageSinkFactory
	fallbackProvider string
	metrics          MetricsRecorder
	logger           *slog.Logger
}

// New constructs a Router.
func New(configStore *routeconfig.Store, rotation RotationStore, executor *attempt.Executor, sinkFactory UsageSinkFactory, fallbackProvider string, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		configStore:      configStore,
		rotation:         rotation,
		executor:         executor,
		sinkFactory:      sinkFactory,
		fallbackProvider: fallbackProvider,
		logger:           logger,
	}
}

// WithMetrics attaches a MetricsRecorder, returning the Router for chaining.
// Left unattached, the Router simply skips all metrics recording.
func (r *Router) WithMetrics(m MetricsRecorder) *Router {
	r.metrics = m
	return r
}

func (r *Router) observeAttempt(provider, model string, outcome attempt.OutcomeKind, dur time.Duration) {
	if r.metrics == nil {
		return
	}
	r.metrics.ObserveUpstreamAttempt(provider, model, outcome.String(), dur)
	r.metrics.SetProviderHealth(provider, outcome == attempt.Success)
}

func (r *Router) observeResult(model, status string) {
	if r.metrics == nil {
		return
	}
	r.metrics.ObserveGatewayRequest(model, status)
}

// Result is what Handle returns for the HTTP layer to translate into a
// response.
type Result struct {
	// Kind is "success_buffered", "success_stream", or "failure".
	Kind string

	// Buffered success fields.
	Body []byte

	// Streaming success fields. Tap must be driven to completion (Observe
	// on further usage sightings, then Complete exactly once) by whoever
	// relays the rest of Stream's bytes downstream — Handle returns before
	// the stream drains.
	Stream *attempt.StreamSuccess
	Tap    *usage.Tap

	// Failure fields.
	FailureDetail string
	// Status is the HTTP status code to return for a failure Result: 400
	// for a malformed request, 503 once all candidates are exhausted.
	Status int

	// UsedProvider is the provider that served the request, for logging
	// (empty on failure).
	UsedProvider string
}

const (
	ResultSuccessBuffered = "success_buffered"
	ResultSuccessStream   = "success_stream"
	ResultFailure         = "failure"
)

// Handle runs the top-level per-request orchestration: rule lookup,
// rotation, and the candidate/retry/sub-provider loop.
func (r *Router) Handle(ctx context.Context, callerKey string, body []byte) Result {
	parsed := gjson.ParseBytes(body)
	model := parsed.Get("model").String()
	if model == "" {
		return Result{Kind: ResultFailure, Status: 400, FailureDetail: "missing required field: model"}
	}
	streaming := parsed.Get("stream").Bool()

	snap := r.configStore.Snapshot()

	rule, ok := snap.RuleByModel(model)
	if !ok {
		rule = routeconfig.Rule{
			GatewayModel: model,
			Candidates: []routeconfig.Candidate{
				{ProviderName: r.fallbackProvider, ProviderModel: model},
			},
			Rotate: false,
		}
	}

	candidates := rule.Candidates
	if rule.Rotate && len(candidates) > 1 {
		start := r.rotation.NextIndex(ctx, callerKey, model, len(candidates))
		candidates = rotateLeft(candidates, start)
		if start != 0 && r.metrics != nil {
			r.metrics.RecordRotation()
		}
	}

	sink := usage.Sink(nil)
	if r.sinkFactory != nil {
		sink = r.sinkFactory()
	}

	var lastErr string
	for _, cand := range candidates {
		provider, ok := snap.ProviderByName(cand.ProviderName)
		if !ok {
			r.logger.Warn("gatewayproxy: candidate references unknown provider, skipping",
				"provider", cand.ProviderName, "model", model)
			lastErr = fmt.Sprintf("provider %q not configured", cand.ProviderName)
			continue
		}

		attempts := cand.RetryCount + 1
		for i := 0; i < attempts; i++ {
			if ctx.Err() != nil {
				return Result{Kind: ResultFailure, Status: 499, FailureDetail: "request canceled"}
			}

			tap := usage.New(model, cand.ProviderName, sink)
			attemptStart := time.Now()
			outcome, usedSubProvider := r.runCandidate(ctx, cand, provider, body, streaming, tap)
			_ = usedSubProvider
			r.observeAttempt(cand.ProviderName, model, outcome.Kind, time.Since(attemptStart))

			switch outcome.Kind {
			case attempt.Success:
				if streaming {
					r.observeResult(model, "200")
					return Result{Kind: ResultSuccessStream, Stream: outcome.Stream, Tap: tap, UsedProvider: cand.ProviderName}
				}
				tap.Observe(outcome.Usage)
				rec := tap.Complete()
				if r.metrics != nil {
					r.metrics.AddTokens(cand.ProviderName, model, rec.PromptTokens, rec.CompletionTokens, rec.TotalTokens)
				}
				r.observeResult(model, "200")
				return Result{Kind: ResultSuccessBuffered, Body: outcome.Body, UsedProvider: cand.ProviderName}
			case attempt.MidStreamError:
				// Terminal: not retried. Reached when the chunk that
				// committed the stream's first event also carried a
				// mid-stream error; nothing has been written to the client.
				r.observeResult(model, "503")
				return Result{Kind: ResultFailure, Status: 503, FailureDetail: outcome.Detail}
			default:
				lastErr = redactedDetail(outcome.Detail)
				r.logger.Warn("gatewayproxy: attempt failed",
					"provider", cand.ProviderName, "model", model, "kind", outcome.Kind.String())
			}

			if i < attempts-1 {
				delay := cand.RetryDelaySeconds
				if delay > 0 && delay < 120 {
					select {
					case <-time.After(time.Duration(delay) * time.Second):
					case <-ctx.Done():
						return Result{Kind: ResultFailure, Status: 499, FailureDetail: "request canceled"}
					}
				}
			}
		}
	}

	if lastErr == "" {
		lastErr = "all candidates exhausted"
	}
	r.observeResult(model, "503")
	return Result{Kind: ResultFailure, Status: 503, FailureDetail: lastErr}
}

// runCandidate executes one retry-iteration's worth of work for a
// candidate: either the sub-provider-fallback ladder or a single attempt,
// depending on the candidate's UseSubProviderOrderAsFallback flag.
func (r *Router) runCandidate(ctx context.Context, cand routeconfig.Candidate, provider routeconfig.Provider, body []byte, streaming bool, tap *usage.Tap) (attempt.Outcome, string) {
	if len(cand.SubProviderOrder) > 0 && cand.UseSubProviderOrderAsFallback {
		var lastOutcome attempt.Outcome
		for _, sp := range cand.SubProviderOrder {
			out := r.executor.Run(ctx, attempt.Input{
				Candidate:         cand,
				Provider:          provider,
				OriginalBody:      body,
				Streaming:         streaming,
				SubProviderSingle: sp,
			})
			if out.Kind == attempt.Success {
				return out, sp
			}
			lastOutcome = out
		}
		return lastOutcome, ""
	}

	out := r.executor.Run(ctx, attempt.Input{
		Candidate:    cand,
		Provider:     provider,
		OriginalBody: body,
		Streaming:    streaming,
	})
	return out, ""
}

func rotateLeft(candidates []routeconfig.Candidate, start int) []routeconfig.Candidate {
	n := len(candidates)
	if n == 0 {
		return candidates
	}
	start = ((start % n) + n) % n
	out := make([]routeconfig.Candidate, n)
	for i := 0; i < n; i++ {
		out[i] = candidates[(start+i)%n]
	}
	return out
}

// redactedDetail ensures failure details logged/returned never leak
// message content. Candidate failure details come from upstream error
// bodies, not the original request, but are still capped defensively.
func redactedDetail(detail string) string {
	const maxLen = 500
	if len(detail) > maxLen {
		return detail[:maxLen] + "...(truncated)"
	}
	return detail
}
