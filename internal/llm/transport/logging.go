package transport

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Logging records every call with its latency and outcome. Request and
// response bodies are never logged; they carry prompts and image data.
func Logging(logger *zap.Logger) Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "llm-transport"))

	return func(next Handler) Handler {
		return HandlerFunc(func(ctx context.Context, req *Request) (*Response, error) {
			start := time.Now()
			resp, err := next.Handle(ctx, req)

			fields := []zap.Field{
				zap.String("provider", req.Provider),
				zap.String("operation", string(req.Operation)),
				zap.Duration("elapsed", time.Since(start)),
			}
			switch {
			case err != nil:
				logger.Warn("provider call failed", append(fields, zap.Error(err))...)
			case !resp.OK():
				logger.Warn("provider call returned error status",
					append(fields, zap.Int("status", resp.StatusCode))...)
			default:
				logger.Debug("provider call completed",
					append(fields, zap.Int("status", resp.StatusCode), zap.Bool("cached", resp.Cached))...)
			}
			return resp, err
		})
	}
}
