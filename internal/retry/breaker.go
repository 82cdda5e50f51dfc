package retry

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// BreakerRegistry hands out one circuit breaker per collaborator name.
type BreakerRegistry struct {
	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker

	failures uint32
	openFor  time.Duration
	logger   *slog.Logger
}

// NewBreakerRegistry creates a registry whose breakers trip after failures
// consecutive errors and stay open for openFor.
func NewBreakerRegistry(failures uint32, openFor time.Duration, logger *slog.Logger) *BreakerRegistry {
	if failures == 0 {
		failures = 5
	}
	if openFor <= 0 {
		openFor = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &BreakerRegistry{
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		failures: failures,
		openFor:  openFor,
		logger:   logger,
	}
}

// Get returns the breaker for name, creating it on first use.
func (r *BreakerRegistry) Get(name string) *gobreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[name]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     r.openFor,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= r.failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			r.logger.Warn("circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
		},
		IsSuccessful: func(err error) bool {
			// Caller cancellation says nothing about the collaborator's health.
			return err == nil || errors.Is(err, context.Canceled)
		},
	})
	r.breakers[name] = cb
	return cb
}

// Policy returns p with the named breaker attached.
func (r *BreakerRegistry) Policy(name string, p Policy) Policy {
	p.Breaker = r.Get(name)
	return p
}
