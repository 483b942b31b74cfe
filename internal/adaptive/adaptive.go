// Package adaptive implements the process-wide adaptive concurrency,
// batch-size and backoff controller shared by every RPC-issuing component.
package adaptive

import (
	"math/rand"
	"sync"
	"sync/atomic"
	"time"
)

const (
	minConcurrency = 2
	maxConcurrency = 200
	initConcurrency = 20

	minBatch = 5
	maxBatch = 100
	initBatch = 50

	maxBackoffMs = 30000

	scaleUpThreshold = 10
)

// Controller holds the global adaptive state. All fields are accessed via
// atomics; transitions loop on compare-and-swap so every operation is
// wait-free.
type Controller struct {
	concurrency       atomic.Int64
	batchSize         atomic.Int64
	backoffMs         atomic.Int64
	consecutiveOK     atomic.Int64
	rateLimitCount    atomic.Int64
}

var (
	global     *Controller
	globalOnce sync.Once
)

// Global returns the process-wide singleton, constructing it lazily.
func Global() *Controller {
	globalOnce.Do(func() {
		global = New()
	})
	return global
}

// New constructs a controller at its documented initial values. Exposed
// for tests and for components that want an isolated controller instead of
// the process-wide singleton.
func New() *Controller {
	c := &Controller{}
	c.concurrency.Store(initConcurrency)
	c.batchSize.Store(initBatch)
	return c
}

// Current returns the current permitted in-flight request count.
func (c *Controller) Current() int { return int(c.concurrency.Load()) }

// CurrentBatchSize returns the current recommended batch size.
func (c *Controller) CurrentBatchSize() int { return int(c.batchSize.Load()) }

// CurrentBackoffMs returns the current backoff, in milliseconds.
func (c *Controller) CurrentBackoffMs() int64 { return c.backoffMs.Load() }

// RateLimitCount returns the lifetime count of observed rate-limit signals.
func (c *Controller) RateLimitCount() int64 { return c.rateLimitCount.Load() }

// WaitForBackoff sleeps for the current backoff with up to 50% random
// jitter before returning. It is a no-op when the backoff is zero.
func (c *Controller) WaitForBackoff() {
	ms := c.backoffMs.Load()
	if ms <= 0 {
		return
	}
	jitter := rand.Int63n(ms/2 + 1)
	time.Sleep(time.Duration(ms+jitter) * time.Millisecond)
}

// RecordSuccess is called after every successful RPC response. It decays
// backoff by 25%, and every scaleUpThreshold consecutive successes it
// scales concurrency and batch size up.
func (c *Controller) RecordSuccess() {
	for {
		cur := c.backoffMs.Load()
		next := cur - cur/4
		if next < 0 {
			next = 0
		}
		if c.backoffMs.CompareAndSwap(cur, next) {
			break
		}
	}

	n := c.consecutiveOK.Add(1)
	if n < scaleUpThreshold {
		return
	}
	if !c.consecutiveOK.CompareAndSwap(n, 0) {
		// another goroutine already reset the counter and will perform
		// the scale-up; avoid a double scale-up for one threshold hit.
		return
	}

	for {
		cur := c.concurrency.Load()
		step := cur / 5
		if step < 1 {
			step = 1
		}
		next := cur + step
		if next > maxConcurrency {
			next = maxConcurrency
		}
		if c.concurrency.CompareAndSwap(cur, next) {
			break
		}
	}
	for {
		cur := c.batchSize.Load()
		step := cur / 5
		if step < 5 {
			step = 5
		}
		next := cur + step
		if next > maxBatch {
			next = maxBatch
		}
		if c.batchSize.CompareAndSwap(cur, next) {
			break
		}
	}
}

// RecordRateLimit is called when a response signals a rate limit (HTTP 429
// or a "rate limit" message substring). Backoff doubles (floored at 500,
// capped at 30000); concurrency and batch size are both halved.
func (c *Controller) RecordRateLimit() {
	c.consecutiveOK.Store(0)
	c.rateLimitCount.Add(1)

	for {
		cur := c.backoffMs.Load()
		next := cur * 2
		if next < 500 {
			next = 500
		}
		if next > maxBackoffMs {
			next = maxBackoffMs
		}
		if c.backoffMs.CompareAndSwap(cur, next) {
			break
		}
	}
	for {
		cur := c.batchSize.Load()
		next := cur / 2
		if next < minBatch {
			next = minBatch
		}
		if c.batchSize.CompareAndSwap(cur, next) {
			break
		}
	}
	for {
		cur := c.concurrency.Load()
		next := cur / 2
		if next < minConcurrency {
			next = minConcurrency
		}
		if c.concurrency.CompareAndSwap(cur, next) {
			break
		}
	}
}

// RecordError is called on any other RPC failure. It resets the success
// counter and shrinks concurrency by max(1, cur/10).
func (c *Controller) RecordError() {
	c.consecutiveOK.Store(0)
	for {
		cur := c.concurrency.Load()
		step := cur / 10
		if step < 1 {
			step = 1
		}
		next := cur - step
		if next < minConcurrency {
			next = minConcurrency
		}
		if c.concurrency.CompareAndSwap(cur, next) {
			break
		}
	}
}
