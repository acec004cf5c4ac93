package gatewayproxy

import (
	"bufio"
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/fasthttp/router"
	"github.com/tidwall/gjson"
	"github.com/valyala/fasthttp"

	"github.com/google/uuid"

	"github.com/nulpointcorp/gatewaycore/internal/attempt"
	"github.com/nulpointcorp/gatewaycore/internal/logger"
	"github.com/nulpointcorp/gatewaycore/internal/routeconfig"
	"github.com/nulpointcorp/gatewaycore/internal/upstream"
	"github.com/nulpointcorp/gatewaycore/internal/usage"
	"github.com/nulpointcorp/gatewaycore/pkg/apierr"
)

// ChatLogger is the subset of logger.Logger the server needs to record a
// redacted per-request summary when LOG_CHAT_ENABLED is set.
type ChatLogger interface {
	Log(entry logger.RequestLog)
}

// MetricsHandler is the subset of metrics.Registry the server needs, kept
// as an interface so tests don't need a live Prometheus registry.
type MetricsHandler interface {
	Handler() fasthttp.RequestHandler
	IncInFlight()
	DecInFlight()
	ObserveHTTP(route string, statusCode int, dur time.Duration, reqBytes, respBytes int)
}

// StatsSource is the subset of usage.PostgresSink the admin stats endpoint
// needs.
type StatsSource interface {
	QueryStats(ctx context.Context, since time.Time) ([]usage.Stats, error)
}

// Server is the HTTP surface around a Router: the core chat-completions
// route, the admin config routes, and the ambient health/metrics/models
// routes.
type Server struct {
	router           *Router
	configStore      *routeconfig.Store
	upstreamClient   *upstream.Client
	metrics          MetricsHandler
	stats            StatsSource
	gatewayAPIKey    string
	corsOrigins      []string
	fallbackProvider string
	chatLog          ChatLogger
	logger           *slog.Logger

	srv *fasthttp.Server
}

// WithChatLogger attaches a redacted per-request summary logger, returning
// the Server for chaining. Left unattached, no summaries are recorded.
func (s *Server) WithChatLogger(l ChatLogger) *Server {
	s.chatLog = l
	return s
}

// NewServer constructs a Server. metrics and stats may be nil to disable
// those routes.
func NewServer(rt *Router, configStore *routeconfig.Store, upstreamClient *upstream.Client, metrics MetricsHandler, stats StatsSource, gatewayAPIKey, fallbackProvider string, corsOrigins []string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		router:           rt,
		configStore:      configStore,
		upstreamClient:   upstreamClient,
		metrics:          metrics,
		stats:            stats,
		gatewayAPIKey:    gatewayAPIKey,
		corsOrigins:      corsOrigins,
		fallbackProvider: fallbackProvider,
		logger:           logger,
	}
}

// ListenAndServe builds the route table and middleware chain and blocks
// serving HTTP on addr.
func (s *Server) ListenAndServe(addr string) error {
	r := router.New()

	authed := auth(s.gatewayAPIKey)

	r.POST("/v1/chat/completions", authed(s.handleChatCompletions))
	r.GET("/v1/models", authed(s.handleModels))
	r.GET("/health", s.handleHealth)

	r.GET("/v1/config/models-rules", authed(s.handleGetRules))
	r.POST("/v1/config/models-rules", authed(s.handlePostRules))
	r.GET("/v1/config/providers", authed(s.handleGetProviders))
	r.POST("/v1/config/providers", authed(s.handlePostProviders))
	r.GET("/v1/stats", authed(s.handleStats))

	if s.metrics != nil {
		r.GET("/metrics", s.metrics.Handler())
	}

	handler := applyMiddleware(r.Handler,
		recovery,
		requestID,
		timing,
		corsHandler(s.corsOrigins),
		securityHeaders,
	)

	srv := &fasthttp.Server{
		Handler:      handler,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 0, // streaming responses have no fixed write deadline
	}
	s.srv = srv

	return srv.ListenAndServe(addr)
}

// Shutdown stops accepting new connections and waits for in-flight requests
// to finish. Safe to call before ListenAndServe has assigned the underlying
// fasthttp.Server, in which case it is a no-op.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.ShutdownWithContext(ctx)
}

// handleChatCompletions implements POST /v1/chat/completions: the core
// route. Buffered successes are written as-is; streaming successes are
// relayed byte-for-byte via relayStream; failures map to 400/503/499.
func (s *Server) handleChatCompletions(ctx *fasthttp.RequestCtx) {
	start := time.Now()
	route := "chat_completions"
	reqBytes := len(ctx.PostBody())

	if s.metrics != nil {
		s.metrics.IncInFlight()
		defer func() {
			s.metrics.DecInFlight()
			respBytes := len(ctx.Response.Body())
			if ctx.Response.IsBodyStream() {
				respBytes = -1
			}
			s.metrics.ObserveHTTP(route, ctx.Response.StatusCode(), time.Since(start), reqBytes, respBytes)
		}()
	}

	callerKey, _ := ctx.UserValue("caller_key").(string)
	body := append([]byte(nil), ctx.PostBody()...)
	model := gjson.GetBytes(body, "model").String()

	result := s.router.Handle(ctx, callerKey, body)

	switch result.Kind {
	case ResultSuccessBuffered:
		ctx.SetStatusCode(fasthttp.StatusOK)
		ctx.SetContentType("application/json")
		ctx.SetBody(result.Body)
		s.logChat(callerKey, result.UsedProvider, model, fasthttp.StatusOK, start)
	case ResultSuccessStream:
		s.relayStream(ctx, result)
		s.logChat(callerKey, result.UsedProvider, model, fasthttp.StatusOK, start)
	default:
		s.writeFailure(ctx, result)
		s.logChat(callerKey, result.UsedProvider, model, result.Status, start)
	}
}

// logChat records a redacted per-request summary when a ChatLogger is
// attached. Message content never reaches this path — only the caller
// key (itself redacted), model, provider, status, and timing.
func (s *Server) logChat(callerKey, provider, model string, status int, start time.Time) {
	if s.chatLog == nil {
		return
	}
	s.chatLog.Log(logger.RequestLog{
		ID:        uuid.New(),
		CallerKey: callerKey,
		Provider:  provider,
		Model:     model,
		LatencyMs: uint16(clampDuration(time.Since(start))),
		Status:    uint16(status),
		CreatedAt: time.Now(),
	})
}

// clampDuration saturates a latency measurement to uint16 milliseconds so a
// slow or hung upstream never overflows the log field.
func clampDuration(d time.Duration) int64 {
	ms := d.Milliseconds()
	if ms > 65535 {
		return 65535
	}
	return ms
}

func (s *Server) writeFailure(ctx *fasthttp.RequestCtx, result Result) {
	switch result.Status {
	case 400:
		apierr.Write(ctx, fasthttp.StatusBadRequest, result.FailureDetail,
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
	case 499:
		ctx.SetStatusCode(499)
	default:
		apierr.WriteDetail(ctx, result.FailureDetail)
	}
}

// relayStream drains a committed stream to the client: the first primed
// event, then every further chunk read from the upstream handle, fed
// through the same Relay instance so mid-stream errors are still detected.
// Bytes already written are never retracted (MidStreamError
// policy — silent truncation, no synthetic trailer event).
func (s *Server) relayStream(ctx *fasthttp.RequestCtx, result Result) {
	ctx.Response.Header.Set("Content-Type", "text/event-stream")
	ctx.Response.Header.Set("Transfer-Encoding", "chunked")
	ctx.Response.Header.Set("X-Accel-Buffering", "no")
	ctx.Response.Header.Set("Cache-Control", "no-cache")
	ctx.SetStatusCode(fasthttp.StatusOK)

	stream := result.Stream
	tap := result.Tap

	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		defer func() { recover() }()
		defer stream.Handle.Close()

		if len(stream.FirstEvent) > 0 {
			if _, err := w.Write(stream.FirstEvent); err != nil {
				return
			}
			_ = w.Flush()
		}

		buf := make([]byte, 32*1024)
		for {
			n, readErr := stream.Handle.Body.Read(buf)
			if n > 0 {
				res := stream.Relay.Feed(append([]byte(nil), buf[:n]...))
				if len(res.Usage) > 0 {
					tap.Observe(res.Usage)
				}
				if len(res.PassThrough) > 0 {
					if _, werr := w.Write(res.PassThrough); werr != nil {
						break
					}
					_ = w.Flush()
				}
				if res.Terminated {
					break
				}
			}
			if readErr != nil {
				stream.Relay.Flush()
				break
			}
		}

		tap.Complete()
	})
}

// handleModels implements GET /v1/models: merges gateway rule keys with the
// fallback provider's own /models response, deduped by id with rule-side
// winning,.
func (s *Server) handleModels(ctx *fasthttp.RequestCtx) {
	snap := s.configStore.Snapshot()

	seen := make(map[string]struct{})
	data := make([]map[string]any, 0, len(snap.Rules))
	for model := range snap.Rules {
		data = append(data, map[string]any{"id": model, "object": "model", "owned_by": "gateway"})
		seen[model] = struct{}{}
	}

	if provider, ok := snap.ProviderByName(s.fallbackProvider); ok && s.upstreamClient != nil {
		url := strings.TrimRight(provider.BaseURL, "/") + "/models"
		headers := map[string]string{}
		if key := attempt.ResolveAPIKey(provider.APIKeyRef); key != "" {
			headers["Authorization"] = "Bearer " + key
		}
		status, respBody, err := s.upstreamClient.Get(ctx, url, headers)
		if err != nil || status >= 400 {
			s.logger.Warn("gatewayproxy: fallback provider /models call failed",
				"provider", s.fallbackProvider, "status", status, "error", err)
		} else {
			var upstreamModels struct {
				Data []struct {
					ID string `json:"id"`
				} `json:"data"`
			}
			if err := json.Unmarshal(respBody, &upstreamModels); err == nil {
				for _, m := range upstreamModels.Data {
					if _, dup := seen[m.ID]; dup {
						continue
					}
					seen[m.ID] = struct{}{}
					data = append(data, map[string]any{"id": m.ID, "object": "model", "owned_by": s.fallbackProvider})
				}
			}
		}
	}

	sort.Slice(data, func(i, j int) bool {
		return data[i]["id"].(string) < data[j]["id"].(string)
	})

	writeJSON(ctx, map[string]any{"object": "list", "data": data})
}

// handleHealth implements GET /health, which bypasses auth.
func (s *Server) handleHealth(ctx *fasthttp.RequestCtx) {
	writeJSON(ctx, map[string]string{"status": "ok"})
}

// handleGetRules implements the read side of GET /v1/config/models-rules
// (supplemented feature: serves the admin UI's editor its current raw
// document).
func (s *Server) handleGetRules(ctx *fasthttp.RequestCtx) {
	raw, err := s.configStore.RawRules()
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusInternalServerError, err.Error(), apierr.TypeServerError, apierr.CodeInternalError)
		return
	}
	ctx.SetContentType("application/json")
	ctx.SetBody(raw)
}

// handlePostRules implements POST /v1/config/models-rules: validates,
// writes the file, and triggers ConfigStore.ReloadRules.
func (s *Server) handlePostRules(ctx *fasthttp.RequestCtx) {
	if err := s.configStore.WriteRules(ctx.PostBody()); err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest, err.Error(), apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	writeJSON(ctx, map[string]string{"status": "ok"})
}

// handleGetProviders implements the read side of GET /v1/config/providers.
func (s *Server) handleGetProviders(ctx *fasthttp.RequestCtx) {
	raw, err := s.configStore.RawProviders()
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusInternalServerError, err.Error(), apierr.TypeServerError, apierr.CodeInternalError)
		return
	}
	ctx.SetContentType("application/json")
	ctx.SetBody(raw)
}

// handlePostProviders implements POST /v1/config/providers.
func (s *Server) handlePostProviders(ctx *fasthttp.RequestCtx) {
	if err := s.configStore.WriteProviders(ctx.PostBody()); err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest, err.Error(), apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	writeJSON(ctx, map[string]string{"status": "ok"})
}

// handleStats implements GET /v1/stats (supplemented feature): aggregate
// token usage by model+provider since an optional ?since=<RFC3339> query
// parameter, defaulting to the last 24 hours.
func (s *Server) handleStats(ctx *fasthttp.RequestCtx) {
	if s.stats == nil {
		apierr.Write(ctx, fasthttp.StatusNotImplemented, "usage stats are not configured",
			apierr.TypeServerError, apierr.CodeInternalError)
		return
	}
	since := time.Now().Add(-24 * time.Hour)
	if raw := string(ctx.QueryArgs().Peek("since")); raw != "" {
		if t, err := time.Parse(time.RFC3339, raw); err == nil {
			since = t
		}
	}
	stats, err := s.stats.QueryStats(ctx, since)
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusInternalServerError, err.Error(), apierr.TypeServerError, apierr.CodeInternalError)
		return
	}
	writeJSON(ctx, map[string]any{"since": since.Format(time.RFC3339), "stats": stats})
}

func writeJSON(ctx *fasthttp.RequestCtx, v any) {
	ctx.SetContentType("application/json")
	data, _ := json.Marshal(v)
	ctx.SetBody(data)
}

// writeError writes the gateway's OpenAI-style error envelope with the
// given status, used by the auth middleware's 401 response.
func writeError(ctx *fasthttp.RequestCtx, status int, msg string) {
	apierr.Write(ctx, status, msg, apierr.TypeAuthenticationErr, apierr.CodeInvalidAPIKey)
}

