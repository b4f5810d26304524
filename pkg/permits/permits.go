// Package permits bounds the number of concurrent cluster-mutating operations
// with a fixed-size permit pool fronted by a FIFO wait queue.
package permits

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/storeplane/storeplane/pkg/apierror"
)

// Config sizes a pool.
type Config struct {
	Name           string
	MaxConcurrent  int
	MaxQueueSize   int
	AcquireTimeout time.Duration
}

// Stats is a point-in-time snapshot of pool activity.
type Stats struct {
	Name          string `json:"name"`
	Active        int    `json:"active"`
	Queued        int    `json:"queued"`
	MaxConcurrent int    `json:"maxConcurrent"`
	MaxQueueSize  int    `json:"maxQueueSize"`
	TotalAcquired uint64 `json:"totalAcquired"`
	TotalRejected uint64 `json:"totalRejected"`
	TotalTimedOut uint64 `json:"totalTimedOut"`
}

// Permit grants its holder the right to run one bounded operation.
type Permit struct {
	// Wait is how long the caller sat in the queue before admission.
	Wait time.Duration

	releaseOnce sync.Once
	pool        *Pool
}

// Release returns the permit to the pool and admits the queue head, if any.
// Releasing twice is a no-op.
func (p *Permit) Release() {
	p.releaseOnce.Do(p.pool.release)
}

type waiter struct {
	ready      chan struct{}
	enqueuedAt time.Time
	granted    bool
	drained    bool
}

// Pool is the bounded permit pool. The zero value is unusable; construct with
// NewPool.
type Pool struct {
	config Config

	mu            sync.Mutex
	active        int
	queue         *list.List
	draining      bool
	totalAcquired uint64
	totalRejected uint64
	totalTimedOut uint64
}

// NewPool constructs a pool from config, applying conservative defaults.
func NewPool(config Config) *Pool {
	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = 3
	}
	if config.MaxQueueSize < 0 {
		config.MaxQueueSize = 0
	}
	if config.AcquireTimeout <= 0 {
		config.AcquireTimeout = 120 * time.Second
	}
	return &Pool{config: config, queue: list.New()}
}

// Acquire obtains a permit, queueing when the pool is saturated. It fails
// immediately with PROVISIONING_QUEUE_FULL when the queue is at capacity, and
// with PROVISIONING_QUEUE_TIMEOUT when the acquire deadline passes while
// queued.
func (p *Pool) Acquire(ctx context.Context) (*Permit, error) {
	p.mu.Lock()
	if p.draining {
		p.mu.Unlock()
		return nil, p.drainError()
	}
	if p.active < p.config.MaxConcurrent {
		p.active++
		p.totalAcquired++
		p.mu.Unlock()
		return &Permit{pool: p}, nil
	}
	if p.queue.Len() >= p.config.MaxQueueSize {
		p.totalRejected++
		p.mu.Unlock()
		return nil, apierror.Newf(apierror.CodeQueueFull,
			"%s queue is full (%d running, %d queued)",
			p.config.Name, p.config.MaxConcurrent, p.config.MaxQueueSize).
			WithSuggestion("Too many operations are in flight; retry shortly.")
	}
	w := &waiter{ready: make(chan struct{}), enqueuedAt: time.Now()}
	elem := p.queue.PushBack(w)
	p.mu.Unlock()

	timer := time.NewTimer(p.config.AcquireTimeout)
	defer timer.Stop()

	select {
	case <-w.ready:
		return p.afterWait(w)
	case <-timer.C:
		return p.abandon(elem, w, apierror.Newf(apierror.CodeQueueTimeout,
			"timed out after %s waiting for a %s permit", p.config.AcquireTimeout, p.config.Name).
			WithSuggestion("The cluster is busy; retry shortly."))
	case <-ctx.Done():
		return p.abandon(elem, w, apierror.Wrap(apierror.CodeQueueTimeout,
			"context cancelled while waiting for a permit", ctx.Err()).WithRetryable(true))
	}
}

func (p *Pool) afterWait(w *waiter) (*Permit, error) {
	if w.drained {
		return nil, p.drainError()
	}
	return &Permit{pool: p, Wait: time.Since(w.enqueuedAt)}, nil
}

// abandon removes a queued waiter after a timeout or cancellation. If the
// waiter was granted a permit concurrently, the grant wins.
func (p *Pool) abandon(elem *list.Element, w *waiter, reject *apierror.Error) (*Permit, error) {
	p.mu.Lock()
	if w.granted || w.drained {
		p.mu.Unlock()
		<-w.ready
		return p.afterWait(w)
	}
	p.queue.Remove(elem)
	p.totalTimedOut++
	p.mu.Unlock()
	return nil, reject
}

func (p *Pool) drainError() *apierror.Error {
	return apierror.Newf(apierror.CodeServiceUnavailable,
		"%s permit pool is draining for shutdown", p.config.Name).
		WithSuggestion("The control plane is shutting down; retry against a healthy instance.")
}

func (p *Pool) release() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if head := p.queue.Front(); head != nil {
		w := p.queue.Remove(head).(*waiter)
		w.granted = true
		p.totalAcquired++
		close(w.ready)
		// The permit transfers to the waiter; active stays unchanged.
		return
	}
	p.active--
}

// Drain rejects every queued waiter and refuses new acquisitions. Permits
// already held stay valid so running workers can finish.
func (p *Pool) Drain() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.draining = true
	for elem := p.queue.Front(); elem != nil; elem = elem.Next() {
		w := elem.Value.(*waiter)
		w.drained = true
		close(w.ready)
	}
	p.queue.Init()
}

// Stats snapshots the pool.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Name:          p.config.Name,
		Active:        p.active,
		Queued:        p.queue.Len(),
		MaxConcurrent: p.config.MaxConcurrent,
		MaxQueueSize:  p.config.MaxQueueSize,
		TotalAcquired: p.totalAcquired,
		TotalRejected: p.totalRejected,
		TotalTimedOut: p.totalTimedOut,
	}
}
