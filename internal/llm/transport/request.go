// Package transport carries provider HTTP calls through a composable
// middleware pipeline. Providers describe a call as a Request; the
// pipeline adds rate limiting, retries, caching and logging before the core
// handler performs the HTTP round trip.
package transport

import (
	"context"
	"net/http"
	"time"
)

// Operation names the capability a call serves. It labels logs and selects
// per-operation behavior in middleware.
type Operation string

const (
	OpGenerateImage Operation = "generate_image"
	OpRate          Operation = "rate"
	OpBreakdown     Operation = "breakdown"
	OpCaption       Operation = "caption"
	OpEmbed         Operation = "embed"
	// OpSDK marks calls issued by a vendor SDK through RoundTripper.
	OpSDK Operation = "sdk"
)

// Request is one provider HTTP call. The body is held as bytes so that
// middleware can replay it.
type Request struct {
	Provider  string
	Operation Operation

	Method string
	URL    string
	Header http.Header
	Body   []byte

	// CacheKey enables response caching when set.
	CacheKey string

	// Timeout bounds a single attempt; zero leaves only the caller deadline.
	Timeout time.Duration
}

// Response is a fully read provider response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	Latency    time.Duration
	Cached     bool
}

// OK reports a 2xx status.
func (r *Response) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

type callKey struct{}

type call struct {
	op       Operation
	cacheKey string
}

// WithCall labels the SDK requests made with ctx. RoundTripper copies op and
// cacheKey onto each Request, so SDK calls can be logged per operation and
// cached like the hand-built adapters.
func WithCall(ctx context.Context, op Operation, cacheKey string) context.Context {
	return context.WithValue(ctx, callKey{}, call{op: op, cacheKey: cacheKey})
}

func callFrom(ctx context.Context) call {
	if c, ok := ctx.Value(callKey{}).(call); ok {
		return c
	}
	return call{op: OpSDK}
}
