package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// maxResponseBytes bounds a provider response body. Base64 images from the
// image APIs are the largest payloads.
const maxResponseBytes = 64 << 20

// Handler processes provider calls.
type Handler interface {
	Handle(ctx context.Context, req *Request) (*Response, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(context.Context, *Request) (*Response, error)

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, req *Request) (*Response, error) {
	return f(ctx, req)
}

// Middleware wraps a Handler with additional behavior.
type Middleware func(Handler) Handler

// Chain builds a pipeline around h. The first middleware is outermost.
func Chain(h Handler, middlewares ...Middleware) Handler {
	for i := len(middlewares) - 1; i >= 0; i-- {
		h = middlewares[i](h)
	}
	return h
}

// NewHTTPHandler returns the core handler performing the round trip with
// client. Non-2xx statuses are returned as responses, not errors; providers
// decode their own error bodies.
func NewHTTPHandler(client *http.Client) Handler {
	if client == nil {
		client = http.DefaultClient
	}
	return &httpHandler{client: client}
}

type httpHandler struct {
	client *http.Client
}

func (h *httpHandler) Handle(ctx context.Context, req *Request) (*Response, error) {
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, bytes.NewReader(req.Body))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}

	start := time.Now()
	httpResp, err := h.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	return &Response{
		StatusCode: httpResp.StatusCode,
		Header:     httpResp.Header.Clone(),
		Body:       body,
		Latency:    time.Since(start),
	}, nil
}

// RoundTripper exposes a pipeline as an http.RoundTripper so vendor SDKs
// that accept an *http.Client share rate limits, retries and logging with
// the hand-built adapters.
func RoundTripper(h Handler, provider string) http.RoundTripper {
	return roundTripper{h: h, provider: provider}
}

type roundTripper struct {
	h        Handler
	provider string
}

func (rt roundTripper) RoundTrip(httpReq *http.Request) (*http.Response, error) {
	var body []byte
	if httpReq.Body != nil {
		var err error
		body, err = io.ReadAll(httpReq.Body)
		httpReq.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to read request body: %w", err)
		}
	}

	c := callFrom(httpReq.Context())
	resp, err := rt.h.Handle(httpReq.Context(), &Request{
		Provider:  rt.provider,
		Operation: c.op,
		Method:    httpReq.Method,
		URL:       httpReq.URL.String(),
		Header:    httpReq.Header.Clone(),
		Body:      body,
		CacheKey:  c.cacheKey,
	})
	if err != nil {
		return nil, err
	}

	header := resp.Header
	if header == nil {
		header = http.Header{}
	}
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", resp.StatusCode, http.StatusText(resp.StatusCode)),
		StatusCode:    resp.StatusCode,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(resp.Body)),
		ContentLength: int64(len(resp.Body)),
		Request:       httpReq,
	}, nil
}
