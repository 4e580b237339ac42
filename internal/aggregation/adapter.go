package aggregation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/elspeth-dev/elspeth/internal/plugin"
	"github.com/elspeth-dev/elspeth/internal/token"
)

// ErrBatchWaitTimeout is returned when a batch-aware transform never
// delivers a result for a submitted token before the adapter's wait
// timeout elapses.
var ErrBatchWaitTimeout = errors.New("aggregation: timed out waiting for batch-aware transform result")

// batchDelivery is what a transform's Deliver call hands back to whichever
// process call is waiting on that token ID.
type batchDelivery struct {
	result    plugin.TransformResult
	errReason *plugin.ErrorReason
}

// batchAdapter implements plugin.BatchOutputReceiver for one aggregation
// node's batch-aware transform. The transform's worker pool calls Accept to
// submit rows and later calls Deliver as each completes, possibly out of
// order and from goroutines the transform owns; batchAdapter turns that
// async, fan-in callback into a per-token blocking wait so the aggregation
// executor can drive one Accept/wait pair at a time without caring how the
// transform schedules its own concurrency.
type batchAdapter struct {
	mu      sync.Mutex
	waiters map[string]chan batchDelivery
	timeout time.Duration
}

func newBatchAdapter(timeout time.Duration) *batchAdapter {
	if timeout <= 0 {
		timeout = plugin.DefaultBatchWaitTimeout
	}

	return &batchAdapter{
		waiters: make(map[string]chan batchDelivery),
		timeout: timeout,
	}
}

// process submits row under tokenID via transform.Accept and blocks until
// Deliver reports tokenID's result, ctx is canceled, or the wait times out.
func (a *batchAdapter) process(
	ctx context.Context,
	transform plugin.BatchAwareTransform,
	tokenID string,
	row token.RowData,
) (plugin.TransformResult, *plugin.ErrorReason, error) {
	ch := a.register(tokenID)
	defer a.cancel(tokenID)

	if err := transform.Accept(ctx, tokenID, row); err != nil {
		return plugin.TransformResult{}, nil, fmt.Errorf("aggregation: accept token %s: %w", tokenID, err)
	}

	timer := time.NewTimer(a.timeout)
	defer timer.Stop()

	select {
	case delivery := <-ch:
		return delivery.result, delivery.errReason, nil
	case <-ctx.Done():
		return plugin.TransformResult{}, nil, ctx.Err()
	case <-timer.C:
		return plugin.TransformResult{}, nil, fmt.Errorf("%w: token %s", ErrBatchWaitTimeout, tokenID)
	}
}

func (a *batchAdapter) register(tokenID string) chan batchDelivery {
	ch := make(chan batchDelivery, 1)

	a.mu.Lock()
	a.waiters[tokenID] = ch
	a.mu.Unlock()

	return ch
}

func (a *batchAdapter) cancel(tokenID string) {
	a.mu.Lock()
	delete(a.waiters, tokenID)
	a.mu.Unlock()
}

// Deliver implements plugin.BatchOutputReceiver. Called from the
// transform's own goroutines; tokenID may arrive in any order relative to
// the Accept calls that submitted them.
func (a *batchAdapter) Deliver(tokenID string, result plugin.TransformResult, errReason *plugin.ErrorReason) {
	a.mu.Lock()
	ch, ok := a.waiters[tokenID]
	a.mu.Unlock()

	if !ok {
		return
	}

	select {
	case ch <- batchDelivery{result: result, errReason: errReason}:
	default:
	}
}
