// Package ratelimit keeps one golang.org/x/time/rate.Limiter per upstream
// host, grounded on internal/config/providers.go's per-provider RPS/burst
// fields — the teacher expresses the same budget declaratively in YAML;
// here it is enforced in-process.
package ratelimit

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

type Registry struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rps      float64
	burst    int
}

func NewRegistry(rps float64, burst int) *Registry {
	if rps <= 0 {
		rps = 5
	}
	if burst <= 0 {
		burst = 10
	}
	return &Registry{limiters: make(map[string]*rate.Limiter), rps: rps, burst: burst}
}

func (r *Registry) For(host string) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	if l, ok := r.limiters[host]; ok {
		return l
	}
	l := rate.NewLimiter(rate.Limit(r.rps), r.burst)
	r.limiters[host] = l
	return l
}

// Wait blocks until host's limiter admits a request or ctx is done.
func (r *Registry) Wait(ctx context.Context, host string) error {
	return r.For(host).Wait(ctx)
}
