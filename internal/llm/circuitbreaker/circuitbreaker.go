// Package circuitbreaker stops calling a provider that keeps failing. Each
// provider gets its own breaker: after FailureThreshold consecutive
// failures the circuit opens and calls fail fast until OpenTimeout passes,
// then a limited number of probes decide whether to close it again.
package circuitbreaker

import (
	"context"
	"math/rand/v2"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	llmerrors "github.com/ahrav/go-imgjudge/internal/llm/errors"
	"github.com/ahrav/go-imgjudge/internal/llm/transport"
)

// State is the state of one breaker.
type State int32

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config holds breaker thresholds.
type Config struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	SuccessThreshold int           `yaml:"success_threshold"`
	HalfOpenProbes   int           `yaml:"half_open_probes"`
	OpenTimeout      time.Duration `yaml:"open_timeout"`
}

// DefaultConfig returns the thresholds used when none are configured.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		HalfOpenProbes:   1,
		OpenTimeout:      30 * time.Second,
	}
}

type breaker struct {
	state           atomic.Int32
	failures        atomic.Int32
	successes       atomic.Int32
	probes          atomic.Int32
	lastFailureTime atomic.Int64

	cfg    Config
	logger *zap.Logger
}

// jitter spreads reopening across processes by up to 10% of the timeout.
func (b *breaker) jitter() time.Duration {
	span := int64(b.cfg.OpenTimeout / 10)
	if span <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(span))
}

// allow reports whether a call may proceed. The returned release must be
// called when the call completes.
func (b *breaker) allow() (release func(), rejected *llmerrors.ProviderError) {
	noop := func() {}
	switch State(b.state.Load()) {
	case StateClosed:
		return noop, nil
	case StateOpen:
		last := time.Unix(0, b.lastFailureTime.Load())
		if time.Since(last) <= b.cfg.OpenTimeout+b.jitter() {
			return noop, &llmerrors.ProviderError{
				Code:    "CIRCUIT_OPEN",
				Message: "circuit breaker is open",
				Type:    llmerrors.ErrorTypeCircuitBreaker,
			}
		}
		b.transition(StateOpen, StateHalfOpen)
	}

	for {
		current := b.probes.Load()
		if int(current) >= b.cfg.HalfOpenProbes {
			return noop, &llmerrors.ProviderError{
				Code:    "CIRCUIT_HALF_OPEN_LIMIT",
				Message: "half-open probe limit reached",
				Type:    llmerrors.ErrorTypeCircuitBreaker,
			}
		}
		if b.probes.CompareAndSwap(current, current+1) {
			return func() {
				for {
					cur := b.probes.Load()
					if cur == 0 || b.probes.CompareAndSwap(cur, cur-1) {
						return
					}
				}
			}, nil
		}
	}
}

func (b *breaker) recordSuccess() {
	switch State(b.state.Load()) {
	case StateClosed:
		b.failures.Store(0)
	case StateHalfOpen:
		if int(b.successes.Add(1)) >= b.cfg.SuccessThreshold {
			b.transition(StateHalfOpen, StateClosed)
		}
	}
}

func (b *breaker) recordFailure() {
	b.lastFailureTime.Store(time.Now().UnixNano())
	switch State(b.state.Load()) {
	case StateClosed:
		if int(b.failures.Add(1)) >= b.cfg.FailureThreshold {
			b.transition(StateClosed, StateOpen)
		}
	case StateHalfOpen:
		b.transition(StateHalfOpen, StateOpen)
	}
}

// transition moves from one state to another if no other caller got there
// first.
func (b *breaker) transition(from, to State) {
	if !b.state.CompareAndSwap(int32(from), int32(to)) {
		return
	}
	b.failures.Store(0)
	b.successes.Store(0)
	b.probes.Store(0)
	b.logger.Info("circuit breaker state transition",
		zap.String("from", from.String()),
		zap.String("to", to.String()))
}

// Breakers holds one breaker per provider.
type Breakers struct {
	cfg    Config
	logger *zap.Logger

	mu       sync.Mutex
	breakers map[string]*breaker
}

// New creates an empty breaker set. Zero fields of cfg take their defaults.
func New(cfg Config, logger *zap.Logger) *Breakers {
	def := DefaultConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = def.SuccessThreshold
	}
	if cfg.HalfOpenProbes <= 0 {
		cfg.HalfOpenProbes = def.HalfOpenProbes
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = def.OpenTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Breakers{
		cfg:      cfg,
		logger:   logger.With(zap.String("component", "circuitbreaker")),
		breakers: make(map[string]*breaker),
	}
}

func (bs *Breakers) get(provider string) *breaker {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	b, ok := bs.breakers[provider]
	if !ok {
		b = &breaker{cfg: bs.cfg, logger: bs.logger.With(zap.String("provider", provider))}
		bs.breakers[provider] = b
	}
	return b
}

// State returns the current state of provider's breaker.
func (bs *Breakers) State(provider string) State {
	return State(bs.get(provider).state.Load())
}

// Middleware returns the breaker as transport middleware. Transport errors
// and 5xx responses count as failures. Client errors do not; they say
// nothing about provider health.
func (bs *Breakers) Middleware() transport.Middleware {
	return func(next transport.Handler) transport.Handler {
		return transport.HandlerFunc(func(ctx context.Context, req *transport.Request) (*transport.Response, error) {
			b := bs.get(req.Provider)
			release, rejected := b.allow()
			if rejected != nil {
				rejected.Provider = req.Provider
				return nil, rejected
			}
			defer release()

			resp, err := next.Handle(ctx, req)
			switch {
			case err != nil:
				// A caller giving up is not a provider failure.
				if ctx.Err() == nil {
					b.recordFailure()
				}
			case resp.StatusCode >= http.StatusInternalServerError:
				b.recordFailure()
			default:
				b.recordSuccess()
			}
			return resp, err
		})
	}
}
