// Package streamrelay implements the StreamRelay: a state machine that
// consumes raw upstream SSE bytes, relays them downstream byte-for-byte,
// and extracts error/usage observations along the way.
//
// This is restated, per the design note this behavior is grounded on, as a
// plain state machine driven by an input chunk iterator rather than nested
// generators with shared mutable flags: Relay.Feed is the single state
// transition step, called once per upstream chunk. The forwarding-loop
// shape (read-forward-while-watching-for-a-boundary) is grounded in the
// line-oriented relay loop the pack uses for provider byte relay, reworked
// here around blank-line-delimited SSE segments instead of raw lines,
// since segment framing is what determines error classification.
package streamrelay

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"unicode/utf8"
)

// State is one of the three relay lifecycle stages.
type State int

const (
	// AwaitingFirstRealEvent — no non-comment data event has been observed
	// yet; the response is not committed to the client.
	AwaitingFirstRealEvent State = iota
	// Streaming — the first real event passed its error check; all
	// subsequent bytes are being relayed to the client.
	Streaming
	// Terminated — the relay will not process further input. The
	// FeedResult's TerminatedError says whether the error came before or
	// after the stream was committed.
	Terminated
)

// Usage is the raw `usage` JSON object observed in a segment, if any.
type Usage = json.RawMessage

// FeedResult is returned from every Feed call describing what happened to
// this chunk.
type FeedResult struct {
	// PassThrough is the bytes that must be written downstream unchanged,
	// in order. It may be nil (nothing to emit yet — e.g. the first chunk
	// was entirely a comment).
	PassThrough []byte

	// FirstEventNowCommitted is true exactly once: the call during which the
	// relay transitioned out of AwaitingFirstRealEvent into Streaming.
	FirstEventNowCommitted bool

	// Usage is set when a segment in this chunk carried a `usage` field.
	Usage Usage

	// Terminated is true once this chunk caused a terminal state
	// transition (either a first-event error or a mid-stream error).
	Terminated bool
	// TerminatedError, when Terminated is true, carries the raw offending
	// segment and whether this was a first-event (pre-commit) or mid-stream
	// (post-commit) error.
	TerminatedError *TerminalError
}

// TerminalError describes why the relay stopped.
type TerminalError struct {
	// MidStream is true if bytes had already been committed to the client
	// before this error was observed (not retryable — a mid-stream error);
	// false means the error arrived before the first real event (safe to
	// fail over to the next candidate).
	MidStream bool
	// Detail is the raw SSE segment (the "data: {...}" line) that carried
	// the error, for logging/diagnostics.
	Detail string
}

// Relay is a single-stream instance of the state machine. Not safe for
// concurrent use; one Relay per upstream request.
type Relay struct {
	state State
	// buf holds bytes carried over from a chunk that ended mid-segment, so
	// a segment split across chunk boundaries is still parsed as one unit.
	buf []byte
}

// New returns a Relay in AwaitingFirstRealEvent.
func New() *Relay {
	return &Relay{state: AwaitingFirstRealEvent}
}

// State returns the relay's current state.
func (r *Relay) State() State {
	return r.state
}

// Feed processes one raw chunk as read from the upstream connection and
// returns what happened. Feed must not be called again after a result with
// Terminated == true.
func (r *Relay) Feed(chunk []byte) FeedResult {
	if r.state == Terminated {
		return FeedResult{}
	}

	if len(chunk) == 0 {
		// Empty chunks are skipped (never emitted), edge cases.
		return FeedResult{}
	}

	if !utf8.Valid(chunk) {
		// Non-UTF-8 chunks are passed through unchanged; no classification
		// is performed on that chunk, edge cases.
		return FeedResult{PassThrough: chunk}
	}

	r.buf = append(r.buf, chunk...)

	var (
		out       []byte
		committed bool
		usage     Usage
	)

	for {
		idx := indexBlankLine(r.buf)
		if idx < 0 {
			break
		}
		segEnd := idx + len(blankLineSep)
		segment := r.buf[:segEnd]
		r.buf = r.buf[segEnd:]

		res := r.processSegment(segment)
		if res.usage != nil {
			usage = res.usage
		}
		if res.passThrough != nil {
			out = append(out, res.passThrough...)
		}
		if res.firstEventCommitted {
			committed = true
		}
		if res.terminal != nil {
			return FeedResult{
				PassThrough:            out,
				FirstEventNowCommitted: committed,
				Usage:                  usage,
				Terminated:             true,
				TerminatedError:        res.terminal,
			}
		}
	}

	return FeedResult{
		PassThrough:            out,
		FirstEventNowCommitted: committed,
		Usage:                  usage,
	}
}

// Flush signals upstream EOF. If the relay never left AwaitingFirstRealEvent,
// this is the "empty stream" StreamFirstEventError case.
func (r *Relay) Flush() FeedResult {
	if r.state == Terminated {
		return FeedResult{}
	}
	if r.state == AwaitingFirstRealEvent {
		r.state = Terminated
		return FeedResult{
			Terminated: true,
			TerminatedError: &TerminalError{
				MidStream: false,
				Detail:    "empty stream",
			},
		}
	}
	return FeedResult{}
}

const blankLineSep = "\n\n"

func indexBlankLine(buf []byte) int {
	return bytes.Index(buf, []byte(blankLineSep))
}

type segmentResult struct {
	passThrough          []byte
	firstEventCommitted  bool
	usage                Usage
	terminal             *TerminalError
}

// processSegment handles one blank-line-delimited segment (including its
// trailing blank-line separator, which is passed through verbatim whenever
// the segment itself is; an error segment is dropped together with it).
func (r *Relay) processSegment(segment []byte) segmentResult {
	trimmed := strings.TrimLeft(string(segment), "\r\n")
	if !strings.HasPrefix(trimmed, "data: {") {
		// Comment or non-data field line: pass through, no state change.
		return segmentResult{passThrough: segment}
	}

	jsonStart := strings.Index(trimmed, "data: ") + len("data: ")
	jsonEnd := strings.IndexAny(trimmed[jsonStart:], "\r\n")
	var payload string
	if jsonEnd < 0 {
		payload = trimmed[jsonStart:]
	} else {
		payload = trimmed[jsonStart : jsonStart+jsonEnd]
	}

	var decoded map[string]json.RawMessage
	if err := json.Unmarshal([]byte(payload), &decoded); err != nil {
		// Fails JSON parse: logged and passed through, treated as
		// non-error data, edge cases.
		slog.Warn("streamrelay: data segment is not valid JSON, passing it through", "error", err)
		return segmentResult{passThrough: segment}
	}

	usage := decoded["usage"]

	switch r.state {
	case AwaitingFirstRealEvent:
		if _, hasErr := decoded["error"]; hasErr {
			r.state = Terminated
			return segmentResult{terminal: &TerminalError{MidStream: false, Detail: string(segment)}}
		}
		if _, hasDetail := decoded["detail"]; hasDetail {
			r.state = Terminated
			return segmentResult{terminal: &TerminalError{MidStream: false, Detail: string(segment)}}
		}
		r.state = Streaming
		return segmentResult{passThrough: segment, firstEventCommitted: true, usage: usage}

	case Streaming:
		if isMidStreamError(decoded) {
			r.state = Terminated
			return segmentResult{terminal: &TerminalError{MidStream: true, Detail: string(segment)}}
		}
		return segmentResult{passThrough: segment, usage: usage}
	}

	return segmentResult{passThrough: segment}
}

// isMidStreamError matches the mid-stream error shape: top-level
// `code` plus nested `error.message`.
func isMidStreamError(decoded map[string]json.RawMessage) bool {
	codeRaw, hasCode := decoded["code"]
	if !hasCode || len(codeRaw) == 0 || string(codeRaw) == "null" {
		return false
	}
	errRaw, hasErr := decoded["error"]
	if !hasErr {
		return false
	}
	var errObj struct {
		Message *string `json:"message"`
	}
	if err := json.Unmarshal(errRaw, &errObj); err != nil {
		return false
	}
	return errObj.Message != nil
}
