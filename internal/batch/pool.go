package batch

import (
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// DefaultConcurrency bounds in-flight iterations when no limit is configured.
const DefaultConcurrency = 25

// Pool runs functions with at most Limit of them in flight. Go blocks while
// the pool is full. A Pool serves one fan-out: call Wait once after the last
// Go.
type Pool struct {
	limit int
	g     errgroup.Group

	inFlight atomic.Int64
	peak     atomic.Int64
}

// NewPool creates a pool. A non-positive limit uses DefaultConcurrency.
func NewPool(limit int) *Pool {
	if limit <= 0 {
		limit = DefaultConcurrency
	}
	p := &Pool{limit: limit}
	p.g.SetLimit(limit)
	return p
}

// Limit returns the concurrency bound.
func (p *Pool) Limit() int { return p.limit }

// Go runs fn on a pool goroutine once a slot is free.
func (p *Pool) Go(fn func()) {
	p.g.Go(func() error {
		n := p.inFlight.Add(1)
		defer p.inFlight.Add(-1)
		for {
			peak := p.peak.Load()
			if n <= peak || p.peak.CompareAndSwap(peak, n) {
				break
			}
		}
		fn()
		return nil
	})
}

// Wait blocks until every function started with Go has returned.
func (p *Pool) Wait() {
	_ = p.g.Wait()
}

// InFlight returns the number of functions currently running.
func (p *Pool) InFlight() int64 { return p.inFlight.Load() }

// Peak returns the largest number of functions that ran at once.
func (p *Pool) Peak() int64 { return p.peak.Load() }
