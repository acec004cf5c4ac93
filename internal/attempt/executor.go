// Package attempt implements the AttemptExecutor: one attempt against one
// candidate (or sub-provider), covering payload construction (model
// override, sub-provider order injection, custom body/header overlay),
// the UpstreamClient call, and outcome classification for both buffered
// and streaming responses.
//
// Body patching uses tidwall/gjson + tidwall/sjson for structured
// deep-copy-and-patch operations — a structured copy, not a string copy,
// so custom types stay intact — without a full unmarshal-into-struct-
// and-remarshal round trip, which would risk reordering or dropping
// fields the gateway doesn't know about.
package attempt

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/nulpointcorp/gatewaycore/internal/routeconfig"
	"github.com/nulpointcorp/gatewaycore/internal/streamrelay"
	"github.com/nulpointcorp/gatewaycore/internal/upstream"
)

// OutcomeKind is the tagged classification of one attempt's result:
// Success, or one of the Failure kinds.
type OutcomeKind int

const (
	Success OutcomeKind = iota
	HttpStatus
	UpstreamJSONError
	StreamFirstEventError
	MidStreamError
	Network
	InvalidJSON
	Unexpected
)

func (k OutcomeKind) String() string {
	switch k {
	case Success:
		return "success"
	case HttpStatus:
		return "http_status"
	case UpstreamJSONError:
		return "upstream_json_error"
	case StreamFirstEventError:
		return "stream_first_event_error"
	case MidStreamError:
		return "mid_stream_error"
	case Network:
		return "network"
	case InvalidJSON:
		return "invalid_json"
	default:
		return "unexpected"
	}
}

// Outcome is the result of one attempt.
type Outcome struct {
	Kind   OutcomeKind
	Detail string

	// Body is the raw JSON response body on a buffered Success.
	Body []byte

	// Stream is set on a streaming Success: its FirstEvent is the primed
	// first event (already classified OK) and its Handle is the live handle
	// to keep reading and relaying further bytes from.
	Stream *StreamSuccess

	// Usage, when non-nil, is the raw `usage` JSON observed for this
	// attempt (buffered case only — the streaming case reports usage via
	// the relay's side channel as bytes keep arriving).
	Usage json.RawMessage
}

// StreamSuccess carries everything the Router needs to keep relaying a
// committed stream after the priming step that produced this Outcome.
type StreamSuccess struct {
	FirstEvent []byte
	Handle     *upstream.StreamHandle
	Relay      *streamrelay.Relay
}

// Executor runs one attempt against one candidate/sub-provider pair.
type Executor struct {
	client *upstream.Client
}

// New constructs an Executor bound to a shared UpstreamClient.
func New(client *upstream.Client) *Executor {
	return &Executor{client: client}
}

// Input bundles everything Run needs for a single attempt.
type Input struct {
	Candidate routeconfig.Candidate
	Provider  routeconfig.Provider

	// OriginalBody is the client's raw request JSON.
	OriginalBody []byte
	Streaming    bool

	// SubProviderSingle, if non-empty, means this call is a per-sub-provider
	// expansion attempt: only this one sub-provider is injected as
	// provider.order. Empty means "list mode": the candidate's full
	// SubProviderOrder (if any) is injected as-is.
	SubProviderSingle string
}

// Run executes one attempt and returns its Outcome. For a buffered attempt,
// ctx cancellation stops the wait for the in-flight upstream call. A
// streaming attempt does not consult ctx: opening the stream and reading up
// to the first real event run until the upstream commits, fails or closes.
func (e *Executor) Run(ctx context.Context, in Input) Outcome {
	url := strings.TrimRight(in.Provider.BaseURL, "/") + "/chat/completions"

	headers := e.buildHeaders(in.Candidate, in.Provider)
	body, err := e.buildBody(in)
	if err != nil {
		return Outcome{Kind: Unexpected, Detail: err.Error()}
	}

	if !in.Streaming {
		return e.runBuffered(ctx, url, headers, body)
	}
	return e.runStream(ctx, url, headers, body)
}

func (e *Executor) runBuffered(ctx context.Context, url string, headers map[string]string, body []byte) Outcome {
	status, respBody, err := e.client.PostJSON(ctx, url, headers, body)
	if err != nil {
		return Outcome{Kind: Network, Detail: err.Error()}
	}
	if status >= 400 {
		return Outcome{Kind: HttpStatus, Detail: string(respBody)}
	}

	if !json.Valid(respBody) {
		return Outcome{Kind: InvalidJSON, Detail: "response body is not valid JSON"}
	}

	parsed := gjson.ParseBytes(respBody)
	if errVal := parsed.Get("error"); errVal.Exists() {
		return Outcome{Kind: UpstreamJSONError, Detail: errVal.Raw}
	}
	if detailVal := parsed.Get("detail"); detailVal.Exists() {
		return Outcome{Kind: UpstreamJSONError, Detail: detailVal.Raw}
	}

	var usage json.RawMessage
	if u := parsed.Get("usage"); u.Exists() {
		usage = json.RawMessage(u.Raw)
	}

	return Outcome{Kind: Success, Body: respBody, Usage: usage}
}

func (e *Executor) runStream(ctx context.Context, url string, headers map[string]string, body []byte) Outcome {
	handle, err := e.client.OpenStream(ctx, url, headers, body)
	if err != nil {
		return Outcome{Kind: Network, Detail: err.Error()}
	}
	if handle.Status >= 400 {
		drained := drain(handle)
		handle.Close()
		return Outcome{Kind: HttpStatus, Detail: string(drained)}
	}

	relay := streamrelay.New()
	buf := make([]byte, 32*1024)
	for {
		n, readErr := handle.Body.Read(buf)
		if n > 0 {
			res := relay.Feed(append([]byte(nil), buf[:n]...))
			if res.Terminated {
				handle.Close()
				if res.TerminatedError.MidStream {
					// Reached when the chunk that committed the first event
					// also carried a mid-stream error.
					return Outcome{Kind: MidStreamError, Detail: res.TerminatedError.Detail}
				}
				return Outcome{Kind: StreamFirstEventError, Detail: res.TerminatedError.Detail}
			}
			if res.FirstEventNowCommitted {
				return Outcome{
					Kind: Success,
					Stream: &StreamSuccess{
						FirstEvent: res.PassThrough,
						Handle:     handle,
						Relay:      relay,
					},
				}
			}
		}
		if readErr != nil {
			flushRes := relay.Flush()
			handle.Close()
			if flushRes.Terminated {
				return Outcome{Kind: StreamFirstEventError, Detail: flushRes.TerminatedError.Detail}
			}
			return Outcome{Kind: StreamFirstEventError, Detail: "empty stream"}
		}
	}
}

func drain(h *upstream.StreamHandle) []byte {
	buf := make([]byte, 0, 4096)
	tmp := make([]byte, 4096)
	for {
		n, err := h.Body.Read(tmp)
		if n > 0 {
			buf = append(buf, tmp[:n]...)
		}
		if err != nil {
			return buf
		}
	}
}

func (e *Executor) buildHeaders(c routeconfig.Candidate, p routeconfig.Provider) map[string]string {
	headers := map[string]string{
		"Content-Type": "application/json",
		"HTTP-Referer": "https://github.com/nulpointcorp/gatewaycore",
		"X-Title":      "gatewaycore",
	}
	if key := ResolveAPIKey(p.APIKeyRef); key != "" {
		headers["Authorization"] = "Bearer " + key
	}
	for k, v := range c.CustomHeaders {
		headers[k] = v
	}
	return headers
}

// ResolveAPIKey implements the literal-fallback API-key semantics: if
// apiKeyRef names a non-empty environment variable, use its value;
// otherwise treat apiKeyRef itself as the literal key. An empty result
// omits the Authorization header entirely. Exported so the /v1/models
// fallback-provider passthrough can authenticate the same way.
func ResolveAPIKey(apiKeyRef string) string {
	if apiKeyRef == "" {
		return ""
	}
	if v := os.Getenv(apiKeyRef); v != "" {
		return v
	}
	return apiKeyRef
}

func (e *Executor) buildBody(in Input) ([]byte, error) {
	body := append([]byte(nil), in.OriginalBody...)

	var err error
	body, err = sjson.SetBytes(body, "model", in.Candidate.ProviderModel)
	if err != nil {
		return nil, fmt.Errorf("attempt: set model: %w", err)
	}

	for k, v := range in.Candidate.CustomBodyParams {
		body, err = sjson.SetBytes(body, k, v)
		if err != nil {
			return nil, fmt.Errorf("attempt: overlay customBodyParams[%s]: %w", k, err)
		}
	}

	switch {
	case in.SubProviderSingle != "":
		body, err = sjson.SetBytes(body, "provider.order", []string{in.SubProviderSingle})
		if err != nil {
			return nil, fmt.Errorf("attempt: inject sub-provider: %w", err)
		}
		body, err = sjson.SetBytes(body, "provider.allow_fallbacks", false)
		if err != nil {
			return nil, fmt.Errorf("attempt: set allow_fallbacks: %w", err)
		}
	case len(in.Candidate.SubProviderOrder) > 0:
		body, err = sjson.SetBytes(body, "provider.order", in.Candidate.SubProviderOrder)
		if err != nil {
			return nil, fmt.Errorf("attempt: inject sub-provider order: %w", err)
		}
		body, err = sjson.SetBytes(body, "provider.allow_fallbacks", false)
		if err != nil {
			return nil, fmt.Errorf("attempt: set allow_fallbacks: %w", err)
		}
	}

	return body, nil
}
