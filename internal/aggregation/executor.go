// Package aggregation implements per-node windowed buffering, trigger
// evaluation, and flush-through-remaining-pipeline handoff. An Executor owns
// all buffer state; the owning node's transform is invoked only at flush
// time, driven positionally per the configured output mode.
package aggregation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/elspeth-dev/elspeth/internal/clock"
	"github.com/elspeth-dev/elspeth/internal/plugin"
	"github.com/elspeth-dev/elspeth/internal/processor"
	"github.com/elspeth-dev/elspeth/internal/token"
)

// OutputMode selects how flush results become downstream tokens.
type OutputMode string

const (
	// OutputSingle produces one output token representing the whole batch.
	OutputSingle OutputMode = "single"

	// OutputTransform produces one output token per input, from the
	// batch-aware transform's per-row results.
	OutputTransform OutputMode = "transform"

	// OutputPassthrough passes input tokens through unchanged to
	// downstream (e.g. a further aggregation node re-buffers them).
	OutputPassthrough OutputMode = "passthrough"
)

// BatchStatus is the aggregation batch lifecycle state.
type BatchStatus string

const (
	BatchDraft     BatchStatus = "DRAFT"
	BatchExecuting BatchStatus = "EXECUTING"
	BatchCompleted BatchStatus = "COMPLETED"
	BatchFailed    BatchStatus = "FAILED"
)

// defaultMaxPendingBatch bounds how many in-flight Accept calls a node's
// batch-aware transform may have outstanding at once.
const defaultMaxPendingBatch = 64

// NodeConfig is the static configuration for one aggregation node.
type NodeConfig struct {
	Trigger    Trigger
	OutputMode OutputMode

	// Transform is the batch-aware plugin instance that processes a
	// flushed batch. Required for OutputSingle/OutputTransform; unused for
	// OutputPassthrough.
	Transform plugin.BatchAwareTransform

	// WaitTimeout bounds how long the executor blocks waiting for a
	// Deliver call for one submitted row. Zero uses
	// plugin.DefaultBatchWaitTimeout.
	WaitTimeout time.Duration
}

// Batch is the in-flight state for one aggregation node's current window.
type Batch struct {
	BatchID     string
	Status      BatchStatus
	StartedAt   time.Time
	CompletedAt time.Time
	Members     []token.Token
}

type nodeState struct {
	cfg     NodeConfig
	batch   *Batch
	adapter *batchAdapter
}

// ErrNoTransform is returned when a node requiring a batch-aware transform
// (single/transform output modes) was configured without one.
var ErrNoTransform = errors.New("aggregation: node has no batch-aware transform configured")

// FlushRecord is what a completed flush reports for audit purposes, in
// addition to the processor.FlushOutput tokens it hands back to the row
// processor.
type FlushRecord struct {
	NodeID      string
	BatchID     string
	TriggerKind TriggerKind
	MemberCount int
	StartedAt   time.Time
	CompletedAt time.Time
	Status      BatchStatus
}

// Executor owns every aggregation node's buffer state for one run.
type Executor struct {
	mu      sync.Mutex
	clock   clock.Clock
	nodes   map[string]*nodeState
	onFlush func(FlushRecord)
}

// New builds an Executor for the given per-node configs. onFlush, if
// non-nil, is called once per completed or failed batch for audit
// recording (internal/audit.RecordBatch). Every node configured with a
// batch-aware transform gets its own adapter wired via ConnectOutput at
// construction time, so flush never races adapter setup against a
// concurrent Deliver call.
func New(configs map[string]NodeConfig, c clock.Clock, onFlush func(FlushRecord)) *Executor {
	if c == nil {
		c = clock.Real{}
	}

	nodes := make(map[string]*nodeState, len(configs))

	for nodeID, cfg := range configs {
		state := &nodeState{cfg: cfg}

		if cfg.Transform != nil {
			state.adapter = newBatchAdapter(cfg.WaitTimeout)
			cfg.Transform.ConnectOutput(state.adapter, defaultMaxPendingBatch)
		}

		nodes[nodeID] = state
	}

	return &Executor{clock: c, nodes: nodes, onFlush: onFlush}
}

// Buffer appends tok to nodeID's current batch, starting a new DRAFT batch
// if none is open, then evaluates the node's trigger. A firing count (or
// composite-with-count) trigger flushes inline; timeouts are evaluated
// separately by CheckTimeouts, which the orchestrator calls before
// processing each incoming row, and end_of_source by FlushEndOfSource,
// which it calls once the source is exhausted.
func (e *Executor) Buffer(ctx context.Context, nodeID string, tok token.Token) (processor.BufferOutcome, error) {
	e.mu.Lock()
	state, ok := e.nodes[nodeID]
	if !ok {
		e.mu.Unlock()

		return processor.BufferOutcome{}, fmt.Errorf("aggregation: unknown node %q", nodeID)
	}

	if state.batch == nil {
		state.batch = e.newBatch()
	}

	state.batch.Members = append(state.batch.Members, tok)

	fires := state.cfg.Trigger.evaluate(evalState{memberCount: len(state.batch.Members)})
	e.mu.Unlock()

	if !fires {
		return processor.BufferOutcome{Fired: false}, nil
	}

	outputs, err := e.flush(ctx, nodeID, TriggerCount)
	if err != nil {
		return processor.BufferOutcome{}, err
	}

	return processor.BufferOutcome{Fired: true, Outputs: outputs}, nil
}

// CheckTimeouts evaluates every node's timeout/composite trigger against
// elapsed time since the batch started and flushes any that fire. Called
// by the orchestrator before processing each row.
func (e *Executor) CheckTimeouts(ctx context.Context) (map[string][]processor.FlushOutput, error) {
	results := make(map[string][]processor.FlushOutput)

	for nodeID := range e.nodes {
		e.mu.Lock()
		state := e.nodes[nodeID]

		if state.batch == nil || len(state.batch.Members) == 0 {
			e.mu.Unlock()

			continue
		}

		elapsed := e.clock.Now().Sub(state.batch.StartedAt).Seconds()
		fires := state.cfg.Trigger.evaluate(evalState{
			memberCount:    len(state.batch.Members),
			elapsedSeconds: elapsed,
		})
		e.mu.Unlock()

		if !fires {
			continue
		}

		outputs, err := e.flush(ctx, nodeID, TriggerTimeout)
		if err != nil {
			return nil, err
		}

		if len(outputs) > 0 {
			results[nodeID] = outputs
		}
	}

	return results, nil
}

// FlushEndOfSource force-flushes every node with a non-empty buffer,
// regardless of its configured trigger, when the source is exhausted.
func (e *Executor) FlushEndOfSource(ctx context.Context) (map[string][]processor.FlushOutput, error) {
	results := make(map[string][]processor.FlushOutput)

	for nodeID := range e.nodes {
		e.mu.Lock()
		hasMembers := e.nodes[nodeID].batch != nil && len(e.nodes[nodeID].batch.Members) > 0
		e.mu.Unlock()

		if !hasMembers {
			continue
		}

		outputs, err := e.flush(ctx, nodeID, TriggerEndOfSource)
		if err != nil {
			return nil, err
		}

		results[nodeID] = outputs
	}

	return results, nil
}

// NodeSnapshot is the JSON-serializable in-flight state of one aggregation
// node's current batch, used to persist and restore buffered-but-unflushed
// members across a checkpoint/resume cycle.
type NodeSnapshot struct {
	NodeID    string
	BatchID   string
	StartedAt time.Time
	Members   []token.Token
}

// Snapshot returns the in-flight buffer state of every node with an open,
// non-empty batch, for the orchestrator to fold into a checkpoint.
func (e *Executor) Snapshot() []NodeSnapshot {
	e.mu.Lock()
	defer e.mu.Unlock()

	var out []NodeSnapshot

	for nodeID, state := range e.nodes {
		if state.batch == nil || len(state.batch.Members) == 0 {
			continue
		}

		members := make([]token.Token, len(state.batch.Members))
		copy(members, state.batch.Members)

		out = append(out, NodeSnapshot{
			NodeID:    nodeID,
			BatchID:   state.batch.BatchID,
			StartedAt: state.batch.StartedAt,
			Members:   members,
		})
	}

	return out
}

// Restore re-opens each snapshot's batch on its node, so a resumed run picks
// up buffering exactly where the crashed run left off instead of silently
// losing every token that had been accepted into a batch but not yet
// flushed.
func (e *Executor) Restore(snapshots []NodeSnapshot) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, snap := range snapshots {
		state, ok := e.nodes[snap.NodeID]
		if !ok {
			continue
		}

		members := make([]token.Token, len(snap.Members))
		copy(members, snap.Members)

		state.batch = &Batch{
			BatchID:   snap.BatchID,
			Status:    BatchDraft,
			StartedAt: snap.StartedAt,
			Members:   members,
		}
	}
}

func (e *Executor) newBatch() *Batch {
	return &Batch{
		BatchID:   uuid.NewString(),
		Status:    BatchDraft,
		StartedAt: e.clock.Now(),
	}
}

// flush pops nodeID's current batch and drives its members through the
// configured output mode, reporting the result via onFlush. The batch is
// marked FAILED when execute reports an infrastructure error or when any
// member was routed through on_error rather than completing normally — a
// batch is never marked COMPLETED while it is carrying a dropped or
// misrouted member.
func (e *Executor) flush(ctx context.Context, nodeID string, trigger TriggerKind) ([]processor.FlushOutput, error) {
	e.mu.Lock()
	state := e.nodes[nodeID]
	batch := state.batch
	state.batch = nil
	e.mu.Unlock()

	if batch == nil || len(batch.Members) == 0 {
		return nil, nil
	}

	batch.Status = BatchExecuting

	outputs, anyFailed, err := e.execute(ctx, nodeID, state, batch)

	switch {
	case err != nil:
		batch.Status = BatchFailed
	case anyFailed:
		batch.Status = BatchFailed
	default:
		batch.Status = BatchCompleted
	}

	batch.CompletedAt = e.clock.Now()

	if e.onFlush != nil {
		e.onFlush(FlushRecord{
			NodeID:      nodeID,
			BatchID:     batch.BatchID,
			TriggerKind: trigger,
			MemberCount: len(batch.Members),
			StartedAt:   batch.StartedAt,
			CompletedAt: batch.CompletedAt,
			Status:      batch.Status,
		})
	}

	return outputs, err
}

func (e *Executor) execute(ctx context.Context, nodeID string, state *nodeState, batch *Batch) ([]processor.FlushOutput, bool, error) {
	cfg := state.cfg

	switch cfg.OutputMode {
	case OutputPassthrough:
		outputs := make([]processor.FlushOutput, 0, len(batch.Members))
		for _, member := range batch.Members {
			outputs = append(outputs, processor.FlushOutput{Output: member, Sources: []token.Token{member}})
		}

		return outputs, false, nil

	case OutputSingle:
		if cfg.Transform == nil {
			return nil, false, fmt.Errorf("%w: node %q", ErrNoTransform, nodeID)
		}

		return e.executeSingleMode(ctx, cfg.Transform, state.adapter, batch)

	case OutputTransform:
		if cfg.Transform == nil {
			return nil, false, fmt.Errorf("%w: node %q", ErrNoTransform, nodeID)
		}

		return e.executeTransformMode(ctx, cfg.Transform, state.adapter, batch)

	default:
		return nil, false, fmt.Errorf("aggregation: node %q: unknown output mode %q", nodeID, cfg.OutputMode)
	}
}

// executeSingleMode merges the batch into one row and drives it through the
// transform's Accept/Deliver contract, keyed by batch ID. A failure routes
// the whole batch per the transform's on_error policy instead of silently
// dropping every member it contained.
func (e *Executor) executeSingleMode(
	ctx context.Context,
	transform plugin.BatchAwareTransform,
	adapter *batchAdapter,
	batch *Batch,
) ([]processor.FlushOutput, bool, error) {
	rows := make([]token.RowData, len(batch.Members))
	for i, m := range batch.Members {
		rows[i] = m.RowData
	}

	result, errReason, err := adapter.process(ctx, transform, batch.BatchID, mergeBatchRows(rows))
	if err != nil {
		return nil, false, fmt.Errorf("aggregation: batch %s: %w", batch.BatchID, err)
	}

	if errReason != nil {
		out := token.Token{
			TokenID: batch.BatchID,
			RowID:   batch.BatchID,
			RowData: token.RowData{},
			Lineage: token.LineageAggregationOutput,
		}

		return []processor.FlushOutput{routedFailure(out, batch.Members, errReason, transform.OnError())}, true, nil
	}

	out, err := token.AggregationOutput(batch.BatchID, result.OutputRow)
	if err != nil {
		return nil, false, fmt.Errorf("aggregation: %w", err)
	}

	return []processor.FlushOutput{{Output: out, Sources: batch.Members}}, false, nil
}

// executeTransformMode drives each buffered member through the batch-aware
// transform's Accept/Deliver contract individually, keyed by token ID, and
// pairs results positionally. A member whose transform call fails is routed
// through the transform's on_error policy rather than silently dropped —
// the batch as a whole is reported FAILED by the caller when that happens.
func (e *Executor) executeTransformMode(
	ctx context.Context,
	transform plugin.BatchAwareTransform,
	adapter *batchAdapter,
	batch *Batch,
) ([]processor.FlushOutput, bool, error) {
	outputs := make([]processor.FlushOutput, 0, len(batch.Members))

	anyFailed := false

	for _, member := range batch.Members {
		result, errReason, err := adapter.process(ctx, transform, member.TokenID, member.RowData)
		if err != nil {
			outputs = append(outputs, routedFailure(member, []token.Token{member}, &plugin.ErrorReason{
				Kind: "batch_wait_timeout", Message: err.Error(), Retryable: true,
			}, transform.OnError()))

			anyFailed = true

			continue
		}

		if errReason != nil {
			outputs = append(outputs, routedFailure(member, []token.Token{member}, errReason, transform.OnError()))

			anyFailed = true

			continue
		}

		out, err := token.AggregationOutput(member.RowID, result.OutputRow)
		if err != nil {
			outputs = append(outputs, routedFailure(member, []token.Token{member}, &plugin.ErrorReason{
				Kind: "invariant_violation", Message: err.Error(),
			}, transform.OnError()))

			anyFailed = true

			continue
		}

		outputs = append(outputs, processor.FlushOutput{Output: out, Sources: []token.Token{member}})
	}

	return outputs, anyFailed, nil
}

// routedFailure builds the terminal FlushOutput for a member (or whole
// batch, for single-output mode) that failed processing, applying the same
// on_error precedence processor.routeError uses for ordinary transform
// failures: "" reports FAILED, DiscardRoute reports ROUTED with no sink,
// anything else reports ROUTED to that sink.
func routedFailure(out token.Token, sources []token.Token, reason *plugin.ErrorReason, onError string) processor.FlushOutput {
	switch onError {
	case "":
		return processor.FlushOutput{
			Output: out, Sources: sources, Failed: true, Outcome: processor.Failed, ErrReason: reason,
		}
	case plugin.DiscardRoute:
		return processor.FlushOutput{
			Output: out, Sources: sources, Failed: true, Outcome: processor.Routed, ErrReason: reason,
		}
	default:
		return processor.FlushOutput{
			Output: out, Sources: sources, Failed: true, Outcome: processor.Routed, SinkName: onError, ErrReason: reason,
		}
	}
}

// mergeBatchRows combines a batch's member rows into one row for
// single-output-mode transforms (e.g. a sum/count aggregator). The merged
// shape is a list field so the transform can interpret it however its own
// aggregation semantics require.
func mergeBatchRows(rows []token.RowData) token.RowData {
	items := make([]any, len(rows))
	for i, r := range rows {
		items[i] = r
	}

	return token.RowData{"members": items}
}
