package streamrelay

import "testing"

func TestFeed_FirstEventOK_CommitsAndPassesThrough(t *testing.T) {
	r := New()
	res := r.Feed([]byte("data: {\"choices\":[{\"delta\":{\"content\":\"hel\"}}]}\n\n"))
	if !res.FirstEventNowCommitted {
		t.Fatal("expected first event to commit")
	}
	if r.State() != Streaming {
		t.Errorf("expected Streaming, got %v", r.State())
	}
	if string(res.PassThrough) != "data: {\"choices\":[{\"delta\":{\"content\":\"hel\"}}]}\n\n" {
		t.Errorf("unexpected pass-through: %q", res.PassThrough)
	}
}

func TestFeed_FirstEventError_DoesNotCommit(t *testing.T) {
	r := New()
	res := r.Feed([]byte(`data: {"error":{"message":"quota"}}` + "\n\n"))
	if !res.Terminated {
		t.Fatal("expected termination")
	}
	if res.TerminatedError.MidStream {
		t.Error("expected StreamFirstEventError (not mid-stream)")
	}
	if len(res.PassThrough) != 0 {
		t.Errorf("error segment must not be yielded downstream, got %q", res.PassThrough)
	}
	if res.FirstEventNowCommitted {
		t.Error("must not commit on first-event error")
	}
}

func TestFeed_DetailFieldAlsoClassifiesAsFirstEventError(t *testing.T) {
	r := New()
	res := r.Feed([]byte(`data: {"detail":"unauthorized"}` + "\n\n"))
	if !res.Terminated || res.TerminatedError.MidStream {
		t.Fatal("expected first-event error on top-level detail")
	}
}

func TestFeed_CommentLinesIgnoredBeforeFirstEvent(t *testing.T) {
	r := New()
	res := r.Feed([]byte(": keep-alive\n\n"))
	if r.State() != AwaitingFirstRealEvent {
		t.Errorf("comment must not advance state, got %v", r.State())
	}
	if string(res.PassThrough) != ": keep-alive\n\n" {
		t.Errorf("comment should still pass through, got %q", res.PassThrough)
	}
}

func TestFeed_MidStreamError_ClosesWithoutRetraction(t *testing.T) {
	r := New()
	first := r.Feed([]byte("data: {\"choices\":[{\"delta\":{\"content\":\"hel\"}}]}\n\n"))
	if !first.FirstEventNowCommitted {
		t.Fatal("setup: expected first event committed")
	}

	res := r.Feed([]byte(`data: {"code":500,"error":{"message":"boom"}}` + "\n\n"))
	if !res.Terminated {
		t.Fatal("expected mid-stream termination")
	}
	if !res.TerminatedError.MidStream {
		t.Error("expected MidStream=true once bytes were already committed")
	}
	if len(res.PassThrough) != 0 {
		t.Errorf("mid-stream error segment itself must not be emitted, got %q", res.PassThrough)
	}
}

func TestFeed_UsageExtractedFromAnySegment(t *testing.T) {
	r := New()
	res := r.Feed([]byte(`data: {"choices":[],"usage":{"prompt_tokens":5,"completion_tokens":3,"total_tokens":8}}` + "\n\n"))
	if res.Usage == nil {
		t.Fatal("expected usage to be extracted")
	}
}

func TestFeed_SegmentSplitAcrossChunks(t *testing.T) {
	r := New()
	first := r.Feed([]byte(`data: {"choices":[{"delta"`))
	if first.FirstEventNowCommitted {
		t.Fatal("incomplete segment must not commit yet")
	}
	second := r.Feed([]byte(`:{"content":"hi"}}]}` + "\n\n"))
	if !second.FirstEventNowCommitted {
		t.Fatal("expected commit once the segment completes")
	}
	want := `data: {"choices":[{"delta":{"content":"hi"}}]}` + "\n\n"
	if string(second.PassThrough) != want {
		t.Errorf("expected full reassembled segment, got %q", second.PassThrough)
	}
}

func TestFeed_InvalidJSONPassedThroughAsNonError(t *testing.T) {
	r := New()
	res := r.Feed([]byte("data: {not valid json\n\n"))
	if res.Terminated {
		t.Fatal("invalid JSON must not terminate the relay")
	}
	if r.State() != AwaitingFirstRealEvent {
		t.Error("invalid JSON must not commit the stream either")
	}
	if string(res.PassThrough) != "data: {not valid json\n\n" {
		t.Errorf("expected pass-through of malformed segment, got %q", res.PassThrough)
	}
}

func TestFeed_NonUTF8ChunkPassedThroughUnclassified(t *testing.T) {
	r := New()
	invalid := []byte{0xff, 0xfe, 0xfd}
	res := r.Feed(invalid)
	if res.Terminated {
		t.Fatal("non-UTF-8 chunk must not trigger termination")
	}
	if string(res.PassThrough) != string(invalid) {
		t.Error("non-UTF-8 chunk must be forwarded verbatim")
	}
	if r.State() != AwaitingFirstRealEvent {
		t.Error("non-UTF-8 chunk must not advance state")
	}
}

func TestFeed_EmptyChunkSkipped(t *testing.T) {
	r := New()
	res := r.Feed(nil)
	if res.PassThrough != nil || res.Terminated {
		t.Error("empty chunk must produce no output and no termination")
	}
}

func TestFlush_EmptyStreamIsFirstEventError(t *testing.T) {
	r := New()
	res := r.Flush()
	if !res.Terminated || res.TerminatedError == nil {
		t.Fatal("expected termination on flush with no events observed")
	}
	if res.TerminatedError.MidStream {
		t.Error("empty stream must classify as StreamFirstEventError, not mid-stream")
	}
}

func TestFlush_AfterStreamingIsNoop(t *testing.T) {
	r := New()
	r.Feed([]byte("data: {\"choices\":[]}\n\n"))
	res := r.Flush()
	if res.Terminated {
		t.Error("flush after a committed stream must not report termination")
	}
}

func TestFeed_ScenarioTwoFailoverThenStream(t *testing.T) {
	// Candidate A emits a first-event error, candidate B streams three
	// clean events — the relay must isolate A's failure from B's bytes.
	a := New()
	aRes := a.Feed([]byte(`data: {"error":{"message":"quota"}}` + "\n\n"))
	if !aRes.Terminated || aRes.TerminatedError.MidStream {
		t.Fatal("candidate A should fail before commit")
	}

	b := New()
	stream := "data: {\"choices\":[{\"delta\":{\"content\":\"hel\"}}]}\n\n" +
		"data: {\"choices\":[{\"delta\":{\"content\":\"lo\"}}]}\n\n" +
		"data: [DONE]\n\n"
	bRes := b.Feed([]byte(stream))
	if !bRes.FirstEventNowCommitted {
		t.Fatal("candidate B should commit on its first event")
	}
	if string(bRes.PassThrough) != stream {
		t.Errorf("expected full B stream passed through, got %q", bRes.PassThrough)
	}
}
