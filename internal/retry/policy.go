// Package retry implements the exponential-backoff retry policy applied to
// retryable transform errors, using github.com/cenkalti/backoff/v4 in place
// of a hand-rolled backoff loop.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/elspeth-dev/elspeth/internal/plugin"
)

// Config is the declarative retry policy surface.
type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      bool
}

// DefaultConfig mirrors sensible production defaults; callers override via
// ELSPETH_RETRY_* environment variables (internal/config).
var DefaultConfig = Config{
	MaxAttempts: 3,
	BaseDelay:   100 * time.Millisecond,
	MaxDelay:    5 * time.Second,
	Jitter:      true,
}

// Policy executes an operation under exponential backoff, retrying only
// while the operation reports a retryable ErrorReason. After the
// configured attempts are exhausted, the last reason is returned regardless
// of its retryable flag — callers treat an exhausted retryable error as
// fatal and route it per the node's on_error policy.
type Policy struct {
	cfg Config
}

// New builds a Policy from cfg.
func New(cfg Config) *Policy {
	return &Policy{cfg: cfg}
}

// permanentErr wraps a non-retryable ErrorReason so backoff.Retry stops
// immediately instead of burning through attempts on a fatal failure.
type permanentErr struct {
	reason *plugin.ErrorReason
}

func (p permanentErr) Error() string {
	return p.reason.Message
}

// retryableErr wraps a retryable ErrorReason so backoff.Retry keeps going.
type retryableErr struct {
	reason *plugin.ErrorReason
}

func (r retryableErr) Error() string {
	return r.reason.Message
}

// Execute runs op, retrying under the configured backoff while op reports a
// retryable failure, up to MaxAttempts. Returns nil on success, or the last
// ErrorReason op produced once attempts are exhausted or a non-retryable
// failure occurs.
func (p *Policy) Execute(ctx context.Context, op func() *plugin.ErrorReason) *plugin.ErrorReason {
	var last *plugin.ErrorReason

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.cfg.BaseDelay
	bo.MaxInterval = p.cfg.MaxDelay

	if !p.cfg.Jitter {
		bo.RandomizationFactor = 0
	}

	maxAttempts := p.cfg.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	bounded := backoff.WithMaxRetries(bo, uint64(maxAttempts-1))
	withCtx := backoff.WithContext(bounded, ctx)

	_ = backoff.Retry(func() error {
		reason := op()
		if reason == nil {
			last = nil

			return nil
		}

		last = reason

		if !reason.Retryable {
			return backoff.Permanent(permanentErr{reason: reason})
		}

		return retryableErr{reason: reason}
	}, withCtx)

	return last
}
