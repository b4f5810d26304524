// Package breaker guards calls against an unhealthy upstream with a named
// three-state circuit breaker built on sony/gobreaker. Named instances live in
// a process-wide registry so the health endpoint and metrics can report them.
package breaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/storeplane/storeplane/pkg/apierror"
)

// Config tunes a breaker instance.
type Config struct {
	// FailureThreshold is the number of consecutive failures that opens the
	// circuit.
	FailureThreshold int
	// ResetTimeout is how long the circuit stays open before admitting probes.
	ResetTimeout time.Duration
	// HalfOpenMax bounds concurrent probe calls while half-open.
	HalfOpenMax int
	// IsFailure classifies errors; a nil predicate counts every error as a
	// failure.
	IsFailure func(err error) bool
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = 30 * time.Second
	}
	if c.HalfOpenMax <= 0 {
		c.HalfOpenMax = 1
	}
	return c
}

// Breaker wraps a gobreaker instance and tracks when the circuit opened so
// rejections can carry a retry-after hint.
type Breaker struct {
	name   string
	config Config
	cb     *gobreaker.CircuitBreaker

	mu       sync.Mutex
	openedAt time.Time
}

// New constructs an unregistered breaker. Most callers want Get.
func New(name string, config Config) *Breaker {
	config = config.withDefaults()
	b := &Breaker{name: name, config: config}
	b.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: uint32(config.HalfOpenMax),
		Timeout:     config.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(config.FailureThreshold)
		},
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			if config.IsFailure == nil {
				return false
			}
			return !config.IsFailure(err)
		},
		OnStateChange: func(_ string, _ gobreaker.State, to gobreaker.State) {
			b.mu.Lock()
			defer b.mu.Unlock()
			if to == gobreaker.StateOpen {
				b.openedAt = time.Now()
			}
		},
	})
	return b
}

// Name returns the breaker's registry name.
func (b *Breaker) Name() string { return b.name }

// State returns "closed", "open" or "half-open".
func (b *Breaker) State() string {
	return b.cb.State().String()
}

// Do executes op through the breaker. While the circuit is open (or the
// half-open probe budget is exhausted) the call is rejected with a retryable
// CIRCUIT_OPEN error carrying the remaining open window in seconds.
func (b *Breaker) Do(ctx context.Context, op func(ctx context.Context) error) error {
	_, err := b.cb.Execute(func() (any, error) {
		return nil, op(ctx)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return apierror.Newf(apierror.CodeCircuitOpen, "circuit %q is open", b.name).
			WithSuggestion("The upstream is unhealthy; retry after the circuit's reset window.").
			WithRetryAfter(b.retryAfterSeconds())
	}
	return err
}

func (b *Breaker) retryAfterSeconds() int {
	b.mu.Lock()
	openedAt := b.openedAt
	b.mu.Unlock()
	if openedAt.IsZero() {
		return int(b.config.ResetTimeout / time.Second)
	}
	remaining := b.config.ResetTimeout - time.Since(openedAt)
	if remaining < time.Second {
		return 1
	}
	return int(remaining / time.Second)
}

var (
	registryMu sync.Mutex
	registry   = map[string]*Breaker{}
)

// Get returns the named breaker, creating it with config on first use.
// Subsequent calls ignore config and return the shared instance.
func Get(name string, config Config) *Breaker {
	registryMu.Lock()
	defer registryMu.Unlock()
	if b, ok := registry[name]; ok {
		return b
	}
	b := New(name, config)
	registry[name] = b
	return b
}

// States snapshots the state of every registered breaker, keyed by name.
func States() map[string]string {
	registryMu.Lock()
	defer registryMu.Unlock()
	out := make(map[string]string, len(registry))
	for name, b := range registry {
		out[name] = b.State()
	}
	return out
}

// Reset drops all registered breakers. Test helper.
func Reset() {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry = map[string]*Breaker{}
}
