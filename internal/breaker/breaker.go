// Package breaker wraps upstream HTTP calls in a per-host circuit
// breaker, grounded on the teacher's infra/breakers/breakers.go idiom of
// keeping one named gobreaker.CircuitBreaker per external dependency
// rather than a single global one.
package breaker

import (
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// Registry lazily creates and caches one breaker per host name.
type Registry struct {
	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

func NewRegistry() *Registry {
	return &Registry{breakers: make(map[string]*gobreaker.CircuitBreaker)}
}

// For returns the breaker for host, creating it with defaults on first use.
func (r *Registry) For(host string) *gobreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.breakers[host]; ok {
		return b
	}

	b := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        host,
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	r.breakers[host] = b
	return b
}

// Do executes fn through host's breaker, returning the breaker's
// short-circuit error when open instead of attempting the call.
func (r *Registry) Do(host string, fn func() (any, error)) (any, error) {
	return r.For(host).Execute(fn)
}
