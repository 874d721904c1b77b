// Package limiter bounds concurrent in-flight operations with a counting
// semaphore. Waiters are woken strictly in arrival order, and an optional
// minimum delay paces successive acquisitions even when permits are free.
package limiter

import (
	"container/list"
	"context"
	"log"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter is a FIFO counting semaphore shared across all subsystems that
// make network calls, not only downloads.
type Limiter struct {
	mu          sync.Mutex
	capacity    int
	outstanding int
	waiters     *list.List // of chan struct{}
	misuses     int

	pacer *rate.Limiter // nil when no min delay is configured
}

// New creates a limiter with the given permit capacity. A non-zero minDelay
// enforces a wall-clock gap between successive acquisitions.
func New(capacity int, minDelay time.Duration) *Limiter {
	if capacity <= 0 {
		capacity = 1
	}
	l := &Limiter{
		capacity: capacity,
		waiters:  list.New(),
	}
	if minDelay > 0 {
		l.pacer = rate.NewLimiter(rate.Every(minDelay), 1)
	}
	return l
}

// Acquire blocks until a permit is available or ctx is done. Callers queue
// behind earlier arrivals; a released permit always goes to the longest
// waiter, never to a late caller that happens to race the wakeup.
func (l *Limiter) Acquire(ctx context.Context) error {
	l.mu.Lock()
	if l.outstanding < l.capacity && l.waiters.Len() == 0 {
		l.outstanding++
		l.mu.Unlock()
		return l.pace(ctx)
	}

	ready := make(chan struct{})
	elem := l.waiters.PushBack(ready)
	l.mu.Unlock()

	select {
	case <-ready:
		return l.pace(ctx)
	case <-ctx.Done():
		l.mu.Lock()
		select {
		case <-ready:
			// Granted while cancelling; hand the permit back.
			l.mu.Unlock()
			l.Release()
		default:
			l.waiters.Remove(elem)
			l.mu.Unlock()
		}
		return ctx.Err()
	}
}

// pace enforces the configured minimum inter-acquisition delay. On
// cancellation the already-granted permit is returned.
func (l *Limiter) pace(ctx context.Context) error {
	if l.pacer == nil {
		return nil
	}
	if err := l.pacer.Wait(ctx); err != nil {
		l.Release()
		return err
	}
	return nil
}

// Release returns a permit, waking the longest waiter if any. A release
// without a matching acquire corrupts the permit count, so it is counted
// and logged instead of being silently absorbed.
func (l *Limiter) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if elem := l.waiters.Front(); elem != nil {
		l.waiters.Remove(elem)
		close(elem.Value.(chan struct{}))
		return
	}
	if l.outstanding == 0 {
		l.misuses++
		log.Println("limiter: release without matching acquire")
		return
	}
	l.outstanding--
}

// QueueDepth reports how many callers are blocked waiting for a permit.
func (l *Limiter) QueueDepth() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.waiters.Len()
}

// Outstanding reports how many permits are currently held.
func (l *Limiter) Outstanding() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.outstanding
}

// Misuses reports how many unmatched releases have been seen.
func (l *Limiter) Misuses() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.misuses
}
