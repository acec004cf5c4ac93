// Package upstream implements the UpstreamClient: a single long-lived HTTP
// client shared across all requests, exposing postJSON and openStream
// primitives. It deliberately uses valyala/fasthttp rather than an SDK so
// streaming responses can be relayed byte-for-byte: fasthttp's
// StreamResponseBody option hands back a live io.Reader over the socket
// instead of buffering the whole body, which is what makes the gateway's
// byte-exact SSE relay invariant possible.
package upstream

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/valyala/fasthttp"
)

// Client is the shared upstream HTTP client.
type Client struct {
	hc *fasthttp.Client

	requestTimeout time.Duration
	connectTimeout time.Duration
}

// Config bounds the timeouts applied to upstream calls.
type Config struct {
	// RequestTimeout bounds a buffered (non-streaming) call; it is also set
	// as the fasthttp client's ReadTimeout.
	RequestTimeout time.Duration
	// ConnectTimeout is set as the fasthttp client's WriteTimeout and is the
	// deadline OpenStream gives the upstream to return response headers. No
	// separate dial or TLS handshake timeout is set.
	ConnectTimeout time.Duration
	// MaxConnsPerHost bounds the fasthttp connection pool per upstream host.
	MaxConnsPerHost int
}

// New constructs a Client with the given timeouts and a pooled, streaming-
// capable fasthttp.Client.
func New(cfg Config) *Client {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 300 * time.Second
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 60 * time.Second
	}
	if cfg.MaxConnsPerHost <= 0 {
		cfg.MaxConnsPerHost = 512
	}
	return &Client{
		hc: &fasthttp.Client{
			MaxConnsPerHost:          cfg.MaxConnsPerHost,
			MaxIdleConnDuration:      90 * time.Second,
			ReadTimeout:              cfg.RequestTimeout,
			WriteTimeout:             cfg.ConnectTimeout,
			NoDefaultUserAgentHeader: true,
			StreamResponseBody:       true,
		},
		requestTimeout: cfg.RequestTimeout,
		connectTimeout: cfg.ConnectTimeout,
	}
}

// PostJSON performs a buffered POST, returning the response status code and
// full body bytes. Deadline comes from ctx if set, else falls back to the
// client's configured RequestTimeout.
func (c *Client) PostJSON(ctx context.Context, url string, headers map[string]string, body []byte) (int, []byte, error) {
	timeout := c.timeoutFor(ctx)
	return c.do(ctx, fasthttp.MethodPost, url, headers, body, timeout)
}

// Get performs a buffered GET, returning the response status code and full
// body bytes. Used for the /v1/models fallback-provider passthrough, the
// only non-chat-completions upstream call the gateway makes.
func (c *Client) Get(ctx context.Context, url string, headers map[string]string) (int, []byte, error) {
	timeout := c.timeoutFor(ctx)
	return c.do(ctx, fasthttp.MethodGet, url, headers, nil, timeout)
}

func (c *Client) timeoutFor(ctx context.Context) time.Duration {
	timeout := c.requestTimeout
	if dl, ok := ctx.Deadline(); ok {
		if remaining := time.Until(dl); remaining > 0 && remaining < timeout {
			timeout = remaining
		}
	}
	return timeout
}

// StreamHandle exposes a live upstream response body as it arrives.
type StreamHandle struct {
	Status int
	Body   io.Reader
	close  func() error
}

// Close releases resources associated with the stream. Safe to call once.
func (h *StreamHandle) Close() error {
	if h.close == nil {
		return nil
	}
	return h.close()
}

// OpenStream performs a POST and returns a StreamHandle whose Body yields
// raw bytes as fasthttp reads them off the socket, in arrival order,
// without buffering the full response. The caller is responsible for
// reading Body to completion (or calling Close on early cancellation).
func (c *Client) OpenStream(ctx context.Context, url string, headers map[string]string, body []byte) (*StreamHandle, error) {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()

	req.SetRequestURI(url)
	req.Header.SetMethod(fasthttp.MethodPost)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	req.SetBody(body)

	release := func() {
		fasthttp.ReleaseRequest(req)
		fasthttp.ReleaseResponse(resp)
	}

	// Streams have no overall deadline; only the handshake is bounded.
	// fasthttp doesn't expose a connect-only timeout on Client.Do,
	// so DoDeadline bounds the whole call to ConnectTimeout for establishing
	// the response headers. ctx is not consulted here, and the loops that
	// read BodyStream() afterwards do not consult it either.
	if err := c.hc.DoDeadline(req, resp, time.Now().Add(c.connectTimeout)); err != nil {
		release()
		return nil, fmt.Errorf("upstream: open stream: %w", err)
	}

	bodyStream := resp.BodyStream()
	if bodyStream == nil {
		// Small/non-chunked responses may be fully buffered already; wrap
		// the buffered body so callers still see an io.Reader.
		bodyStream = bytes.NewReader(resp.Body())
	}

	return &StreamHandle{
		Status: resp.StatusCode(),
		Body:   bodyStream,
		close:  func() error { release(); return nil },
	}, nil
}

// do performs one buffered fasthttp call and returns the status code and a
// copy of the response body. It owns the acquired Request/Response for
// their entire lifetime: on ctx cancellation it returns to the caller as
// soon as ctx.Done fires, but the pooled Request/Response are only released
// once the background DoTimeout call has actually returned — until then
// fasthttp's client is still writing into them, and releasing earlier would
// hand a live object back to the pool for reuse by another call.
func (c *Client) do(ctx context.Context, method, url string, headers map[string]string, body []byte, timeout time.Duration) (int, []byte, error) {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()

	req.SetRequestURI(url)
	req.Header.SetMethod(method)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	if body != nil {
		req.SetBody(body)
	}

	done := make(chan error, 1)
	go func() {
		done <- c.hc.DoTimeout(req, resp, timeout)
	}()

	select {
	case err := <-done:
		defer fasthttp.ReleaseRequest(req)
		defer fasthttp.ReleaseResponse(resp)
		if err != nil {
			return 0, nil, fmt.Errorf("upstream: do: %w", err)
		}
		out := append([]byte(nil), resp.Body()...)
		return resp.StatusCode(), out, nil
	case <-ctx.Done():
		go func() {
			<-done
			fasthttp.ReleaseRequest(req)
			fasthttp.ReleaseResponse(resp)
		}()
		return 0, nil, fmt.Errorf("upstream: do: %w", ctx.Err())
	}
}
