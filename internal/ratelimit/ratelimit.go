// Package ratelimit implements the per-endpoint-key acquisition gate that
// external calls pass through before hitting a named external endpoint. It
// keeps a single token-bucket limiter per rate_limit.endpoint_key, since the
// engine has no request tiers — only the named external endpoints declared
// in a pipeline's `rate_limit: {endpoint_key -> {rate, burst}}` surface.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultCleanupInterval = 5 * time.Minute
	defaultIdleTimeout     = 1 * time.Hour
)

// EndpointConfig is one entry of the declarative rate_limit surface.
type EndpointConfig struct {
	Rate  float64
	Burst int
}

// Limiter gates acquisition for a set of named external endpoints. Shared
// across all calls to a given endpoint key.
type Limiter struct {
	mu        sync.RWMutex
	limiters  map[string]*rate.Limiter
	lastUsed  map[string]time.Time
	configs   map[string]EndpointConfig

	cleanupInterval time.Duration
	idleTimeout     time.Duration
	cleanupTicker   *time.Ticker
	done            chan struct{}
	closeOnce       sync.Once
}

// New builds a Limiter from a static endpoint configuration map and starts
// its idle-limiter cleanup goroutine.
func New(configs map[string]EndpointConfig) *Limiter {
	l := &Limiter{
		limiters:        make(map[string]*rate.Limiter, len(configs)),
		lastUsed:        make(map[string]time.Time, len(configs)),
		configs:         configs,
		cleanupInterval: defaultCleanupInterval,
		idleTimeout:     defaultIdleTimeout,
		done:            make(chan struct{}),
	}

	for key, cfg := range configs {
		l.limiters[key] = rate.NewLimiter(rate.Limit(cfg.Rate), cfg.Burst)
	}

	l.startCleanup()

	return l
}

// ErrUnknownEndpoint is returned when Wait is called for an endpoint key not
// present in the configured rate_limit surface.
var ErrUnknownEndpoint = fmt.Errorf("ratelimit: unknown endpoint key")

// Wait blocks until endpointKey's limiter admits one call, or ctx is
// canceled. Acquisition is a defined suspension point for the caller.
func (l *Limiter) Wait(ctx context.Context, endpointKey string) error {
	l.mu.RLock()
	limiter, ok := l.limiters[endpointKey]
	l.mu.RUnlock()

	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownEndpoint, endpointKey)
	}

	l.mu.Lock()
	l.lastUsed[endpointKey] = time.Now()
	l.mu.Unlock()

	return limiter.Wait(ctx)
}

// Close stops the cleanup goroutine.
func (l *Limiter) Close() {
	l.closeOnce.Do(func() {
		if l.cleanupTicker != nil {
			l.cleanupTicker.Stop()
		}

		close(l.done)
	})
}

func (l *Limiter) startCleanup() {
	l.cleanupTicker = time.NewTicker(l.cleanupInterval)

	go func() {
		for {
			select {
			case <-l.cleanupTicker.C:
				l.cleanup()
			case <-l.done:
				return
			}
		}
	}()
}

func (l *Limiter) cleanup() {
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	for key, last := range l.lastUsed {
		if _, static := l.configs[key]; static {
			// Statically configured endpoints are never evicted, only
			// dynamically registered ones (there are none yet).
			continue
		}

		if now.Sub(last) > l.idleTimeout {
			delete(l.limiters, key)
			delete(l.lastUsed, key)

			slog.Debug("ratelimit: evicted idle endpoint limiter", slog.String("endpoint_key", key))
		}
	}
}
