// Package throttle paces aggregate byte throughput with a token bucket.
// The bucket refills continuously at the configured rate and holds at most
// one burst of tokens, so idle periods never bank unbounded credit.
package throttle

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// Throttle caps byte consumption at a configured rate while allowing short
// bursts. One shared instance gates every active transfer.
type Throttle struct {
	mu       sync.Mutex
	bucket   *rate.Limiter
	paused   bool
	resumeCh chan struct{}
}

// New creates a throttle at bytesPerSecond with the given burst. A rate of
// zero or less means unlimited.
func New(bytesPerSecond float64, burst int) *Throttle {
	if burst <= 0 {
		burst = 1
	}
	return &Throttle{
		bucket:   rate.NewLimiter(toLimit(bytesPerSecond), burst),
		resumeCh: make(chan struct{}),
	}
}

func toLimit(bytesPerSecond float64) rate.Limit {
	if bytesPerSecond <= 0 {
		return rate.Inf
	}
	return rate.Limit(bytesPerSecond)
}

// Consume blocks until n bytes of budget are available or ctx is done.
// Requests larger than the burst are satisfied in burst-sized slices so
// chunk size and burst size need not agree. While the throttle is paused,
// consumption freezes entirely until Resume.
func (t *Throttle) Consume(ctx context.Context, n int64) error {
	for n > 0 {
		if err := t.waitResumed(ctx); err != nil {
			return err
		}

		t.mu.Lock()
		bucket := t.bucket
		t.mu.Unlock()

		step := int64(bucket.Burst())
		if step > n {
			step = n
		}
		if err := bucket.WaitN(ctx, int(step)); err != nil {
			return err
		}
		n -= step
	}
	return nil
}

func (t *Throttle) waitResumed(ctx context.Context) error {
	for {
		t.mu.Lock()
		if !t.paused {
			t.mu.Unlock()
			return nil
		}
		ch := t.resumeCh
		t.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// SetRate changes the refill rate at runtime. Zero or less means unlimited.
func (t *Throttle) SetRate(bytesPerSecond float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.bucket.SetLimit(toLimit(bytesPerSecond))
}

// SetBurst changes the bucket capacity at runtime.
func (t *Throttle) SetBurst(burst int) {
	if burst <= 0 {
		burst = 1
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.bucket.SetBurst(burst)
}

// Rate returns the current refill rate; 0 means unlimited.
func (t *Throttle) Rate() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	limit := t.bucket.Limit()
	if limit == rate.Inf {
		return 0
	}
	return float64(limit)
}

// Pause freezes token consumption; active transfers block in Consume.
func (t *Throttle) Pause() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.paused {
		t.paused = true
		t.resumeCh = make(chan struct{})
	}
}

// Resume releases every transfer blocked by Pause.
func (t *Throttle) Resume() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.paused {
		t.paused = false
		close(t.resumeCh)
	}
}

// Paused reports whether consumption is currently frozen.
func (t *Throttle) Paused() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.paused
}
