// Package orchestrator drives a single run's lifecycle end to end: begin
// run, pull rows through the processor, route and flush sink queues,
// checkpoint on cadence, flush aggregation buffers at their own timeouts or
// at source exhaustion, resolve coalesce barriers whose timeout has expired
// (checked between rows; barriers still pending at source exhaustion are
// not flushed), close sinks, and record the
// run's terminal status. Grounded on
// github.com/correlator-io/correlator's runCleanup background-goroutine
// shape (done channel + ticker) for the cooperative shutdown check and
// periodic export scheduling.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/elspeth-dev/elspeth/internal/aggregation"
	"github.com/elspeth-dev/elspeth/internal/audit"
	"github.com/elspeth-dev/elspeth/internal/checkpoint"
	"github.com/elspeth-dev/elspeth/internal/coalesce"
	"github.com/elspeth-dev/elspeth/internal/graph"
	"github.com/elspeth-dev/elspeth/internal/plugin"
	"github.com/elspeth-dev/elspeth/internal/processor"
	"github.com/elspeth-dev/elspeth/internal/ratelimit"
	"github.com/elspeth-dev/elspeth/internal/token"
)

// Status is the terminal run state recorded to the audit trail.
type Status string

const (
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
	StatusInterrupted Status = "interrupted"
)

// ErrNoSourceNode is returned when the graph has no source node to drive
// the run from — graph.Validate should already have rejected this, but the
// orchestrator checks again defensively before starting the loop.
var ErrNoSourceNode = errors.New("orchestrator: graph has no source node")

// ErrUnknownSink is returned when a processor result names a sink not
// present in the configured Sinks map.
var ErrUnknownSink = errors.New("orchestrator: unknown sink")

// Exporter writes the run's recorded audit artifacts to a configured
// destination ("Optional: export audit artifacts").
type Exporter interface {
	Export(ctx context.Context, runID string) error
}

// Config wires every collaborator a run needs.
type Config struct {
	RunID             string
	ConfigFingerprint string

	Graph       *graph.Graph
	Processor   *processor.Processor
	Aggregation *aggregation.Executor
	Coalesce    *coalesce.Executor
	Source      plugin.Source
	Sinks       map[string]plugin.Sink

	Checkpoint *checkpoint.Manager
	Audit      *audit.Recorder

	// RateLimit, when non-nil, gates each sink write through its
	// per-endpoint-key limiter before the sink's Write is called. A sink
	// with no configured endpoint key passes through untouched.
	RateLimit *ratelimit.Limiter

	// SinkBatchSize is the per-sink queue length that triggers a flush.
	SinkBatchSize int

	// Exporter, when non-nil, is invoked once at clean run completion and,
	// if ExportCronSchedule is set, on that cadence during the run too.
	Exporter           Exporter
	ExportCronSchedule string

	// Shutdown is checked between rows; closing it (or sending a value)
	// requests a graceful stop ("Graceful shutdown").
	Shutdown <-chan struct{}
}

// Counters tallies terminal outcomes for one run, reported in RunSummary.
type Counters struct {
	Completed   int64
	Failed      int64
	Routed      int64
	Quarantined int64
}

// RunSummary is what Run returns on completion, interruption, or failure.
type RunSummary struct {
	Status   Status
	Counters Counters
}

// pendingEntry is one row queued for a sink write.
type pendingEntry struct {
	row token.RowData
	tok token.Token
}

// Orchestrator executes Config's run lifecycle.
type Orchestrator struct {
	cfg Config

	pending map[string][]pendingEntry

	rowsSinceCheckpoint int
	lastOffset          int64

	cron *cron.Cron
}

// New builds an Orchestrator from cfg.
func New(cfg Config) *Orchestrator {
	if cfg.SinkBatchSize <= 0 {
		cfg.SinkBatchSize = 1
	}

	return &Orchestrator{
		cfg:     cfg,
		pending: make(map[string][]pendingEntry, len(cfg.Sinks)),
	}
}

// Run executes the full lifecycle for one run: begin, process every source
// row to a terminal outcome, flush aggregation buffers at source exhaustion
// (coalesce barriers still pending then are left unresolved), drain and
// close sinks, and record the terminal run status.
func (o *Orchestrator) Run(ctx context.Context) (RunSummary, error) {
	if err := o.validateSinkDestinations(); err != nil {
		return RunSummary{}, err
	}

	sourceNode, ok := o.findSourceNode()
	if !ok {
		return RunSummary{}, ErrNoSourceNode
	}

	if o.cfg.Audit != nil {
		if err := o.cfg.Audit.BeginRun(ctx, o.cfg.RunID, time.Now(), o.cfg.ConfigFingerprint); err != nil {
			return RunSummary{}, fmt.Errorf("orchestrator: begin run: %w", err)
		}

		for _, n := range o.cfg.Graph.Nodes {
			if err := o.cfg.Audit.RegisterNode(ctx, o.cfg.RunID, n.NodeID, audit.NodeKind(n.Kind), n.PluginRef, nil, nil); err != nil {
				return RunSummary{}, fmt.Errorf("orchestrator: register node %q: %w", n.NodeID, err)
			}
		}
	}

	o.startExportSchedule(ctx)
	defer o.stopExportSchedule()

	var counters Counters

	rows, errs := o.cfg.Source.Load(ctx)

	status, err := o.mainLoop(ctx, sourceNode, rows, errs, &counters)
	if err != nil {
		o.completeRun(ctx, StatusFailed)

		return RunSummary{Status: StatusFailed, Counters: counters}, err
	}

	if status == StatusInterrupted {
		o.completeRun(ctx, StatusInterrupted)

		return RunSummary{Status: StatusInterrupted, Counters: counters}, nil
	}

	if err := o.flushEndOfSource(ctx, &counters); err != nil {
		o.completeRun(ctx, StatusFailed)

		return RunSummary{Status: StatusFailed, Counters: counters}, err
	}

	if err := o.drainAllPending(ctx, &counters); err != nil {
		o.completeRun(ctx, StatusFailed)

		return RunSummary{Status: StatusFailed, Counters: counters}, err
	}

	o.closeSinks(ctx)
	o.completeRun(ctx, StatusCompleted)

	if o.cfg.Checkpoint != nil {
		if err := o.cfg.Checkpoint.Delete(ctx, o.cfg.RunID); err != nil {
			slog.Warn("orchestrator: delete checkpoint on clean completion failed",
				slog.String("run_id", o.cfg.RunID), slog.Any("err", err))
		}
	}

	if o.cfg.Exporter != nil {
		if err := o.cfg.Exporter.Export(ctx, o.cfg.RunID); err != nil {
			slog.Warn("orchestrator: end-of-run audit export failed",
				slog.String("run_id", o.cfg.RunID), slog.Any("err", err))
		}
	}

	return RunSummary{Status: StatusCompleted, Counters: counters}, nil
}

func (o *Orchestrator) mainLoop(
	ctx context.Context,
	sourceNode graph.Node,
	rows <-chan plugin.SourceRow,
	errs <-chan error,
	counters *Counters,
) (Status, error) {
	offset := int64(0)

	for {
		select {
		case <-o.shutdownRequested():
			return StatusInterrupted, nil
		case err, ok := <-errs:
			if ok && err != nil {
				return StatusFailed, fmt.Errorf("orchestrator: source load: %w", err)
			}
		case row, ok := <-rows:
			if !ok {
				return StatusCompleted, nil
			}

			if err := o.checkAggregationTimeouts(ctx, counters); err != nil {
				return StatusFailed, err
			}

			o.checkCoalesceTimeouts(ctx, counters)

			tok, err := token.NewSourceToken(fmt.Sprintf("%d", offset), row.Row)
			if err != nil {
				return StatusFailed, fmt.Errorf("orchestrator: wrap source row: %w", err)
			}

			offset++
			o.lastOffset = offset

			if row.IsQuarantined {
				o.routeQuarantined(tok, counters)

				continue
			}

			results := o.cfg.Processor.ProcessToken(ctx, sourceNode.NodeID, tok)
			o.routeResults(ctx, results, counters)

			if err := o.maybeFlushFullSinks(ctx); err != nil {
				return StatusFailed, err
			}

			if err := o.maybeCheckpoint(ctx, tok, counters); err != nil {
				return StatusFailed, err
			}
		}
	}
}

func (o *Orchestrator) shutdownRequested() <-chan struct{} {
	if o.cfg.Shutdown == nil {
		return nil
	}

	return o.cfg.Shutdown
}

func (o *Orchestrator) routeQuarantined(tok token.Token, counters *Counters) {
	sinkName := o.cfg.Source.OnValidationFailure()

	counters.Quarantined++

	if sinkName == plugin.DiscardRoute || sinkName == "" {
		return
	}

	o.enqueue(sinkName, pendingEntry{row: tok.RowData, tok: tok})
}

func (o *Orchestrator) routeResults(ctx context.Context, results []processor.Result, counters *Counters) {
	for _, res := range results {
		switch res.Outcome {
		case processor.Completed:
			counters.Completed++

			if res.SinkName != "" {
				o.enqueue(res.SinkName, pendingEntry{row: res.Token.RowData, tok: res.Token})
			}
		case processor.Failed:
			counters.Failed++
		case processor.Routed:
			counters.Routed++

			if res.SinkName != "" {
				o.enqueue(res.SinkName, pendingEntry{row: res.Token.RowData, tok: res.Token})
			}
		case processor.Quarantined:
			counters.Quarantined++
		default:
			// Forked/Expanded/Coalesced/Buffered/ConsumedInBatch are
			// intermediate bookkeeping outcomes with no sink routing of
			// their own; the terminal outcome for their descendants
			// already appears elsewhere in results.
		}

		o.recordNodeState(ctx, res)
	}
}

// recordNodeState audits one node transition per result, keyed by the
// token/node pair the result names. Best-effort: a failure to write the
// audit row never fails the run, since the row's own outcome has already
// been decided.
func (o *Orchestrator) recordNodeState(ctx context.Context, res processor.Result) {
	if o.cfg.Audit == nil || res.NodeID == "" {
		return
	}

	status := audit.StatusCompleted
	if res.Outcome == processor.Failed {
		status = audit.StatusFailed
	}

	stateID, err := o.cfg.Audit.RecordNodeState(ctx, o.cfg.RunID, res.Token.TokenID, res.NodeID,
		status, "", "", 0, time.Now())
	if err != nil {
		slog.Warn("orchestrator: record node state failed",
			slog.String("run_id", o.cfg.RunID), slog.String("node_id", res.NodeID), slog.Any("err", err))

		return
	}

	if res.SinkName == "" && res.ErrReason == nil {
		return
	}

	reason := ""
	if res.ErrReason != nil {
		reason = res.ErrReason.Message
	}

	if err := o.cfg.Audit.RecordRouting(ctx, stateID, res.NodeID, res.SinkName, string(res.Outcome), reason); err != nil {
		slog.Warn("orchestrator: record routing failed",
			slog.String("run_id", o.cfg.RunID), slog.String("node_id", res.NodeID), slog.Any("err", err))
	}
}

func (o *Orchestrator) enqueue(sinkName string, entry pendingEntry) {
	o.pending[sinkName] = append(o.pending[sinkName], entry)
}

func (o *Orchestrator) checkAggregationTimeouts(ctx context.Context, counters *Counters) error {
	if o.cfg.Aggregation == nil {
		return nil
	}

	flushed, err := o.cfg.Aggregation.CheckTimeouts(ctx)
	if err != nil {
		return fmt.Errorf("orchestrator: check aggregation timeouts: %w", err)
	}

	o.driveFlushes(ctx, flushed, counters)

	return nil
}

// checkCoalesceTimeouts evaluates every coalesce node's pending keys and
// routes any that expired before their merge policy was satisfied to the
// node's OnIncomplete destination, exactly like an ordinary processor
// result. Unlike aggregation flushes, a timed-out coalesce key is already a
// terminal outcome (merged-or-failed), so it skips DriveFlushOutputs and
// goes straight through routeResults.
func (o *Orchestrator) checkCoalesceTimeouts(ctx context.Context, counters *Counters) {
	if o.cfg.Coalesce == nil {
		return
	}

	outcomes := o.cfg.Coalesce.CheckTimeouts()
	if len(outcomes) == 0 {
		return
	}

	results := make([]processor.Result, 0, len(outcomes))

	for _, oc := range outcomes {
		results = append(results, processor.Result{
			Outcome:  oc.Outcome,
			Token:    oc.Token,
			NodeID:   oc.NodeID,
			SinkName: oc.SinkName,
			ErrReason: &plugin.ErrorReason{
				Kind: "coalesce_incomplete", Message: oc.Reason,
			},
		})
	}

	o.routeResults(ctx, results, counters)
}

func (o *Orchestrator) flushEndOfSource(ctx context.Context, counters *Counters) error {
	if o.cfg.Aggregation == nil {
		return nil
	}

	flushed, err := o.cfg.Aggregation.FlushEndOfSource(ctx)
	if err != nil {
		return fmt.Errorf("orchestrator: flush end of source: %w", err)
	}

	o.driveFlushes(ctx, flushed, counters)

	return nil
}

func (o *Orchestrator) driveFlushes(ctx context.Context, flushed map[string][]processor.FlushOutput, counters *Counters) {
	for nodeID, outputs := range flushed {
		results := o.cfg.Processor.DriveFlushOutputs(ctx, nodeID, outputs)
		o.routeResults(ctx, results, counters)
	}
}

func (o *Orchestrator) maybeFlushFullSinks(ctx context.Context) error {
	for name, entries := range o.pending {
		if len(entries) >= o.cfg.SinkBatchSize {
			if err := o.flushSink(ctx, name); err != nil {
				return err
			}
		}
	}

	return nil
}

func (o *Orchestrator) drainAllPending(ctx context.Context, _ *Counters) error {
	for name, entries := range o.pending {
		if len(entries) == 0 {
			continue
		}

		if err := o.flushSink(ctx, name); err != nil {
			return err
		}
	}

	return nil
}

func (o *Orchestrator) flushSink(ctx context.Context, name string) error {
	entries := o.pending[name]
	if len(entries) == 0 {
		return nil
	}

	sink, ok := o.cfg.Sinks[name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownSink, name)
	}

	if o.cfg.RateLimit != nil {
		if err := o.cfg.RateLimit.Wait(ctx, name); err != nil && !errors.Is(err, ratelimit.ErrUnknownEndpoint) {
			return fmt.Errorf("orchestrator: rate limit wait for sink %q: %w", name, err)
		}
	}

	rows := make([]token.RowData, len(entries))
	for i, e := range entries {
		rows[i] = e.row
	}

	if _, err := sink.Write(ctx, rows); err != nil {
		return fmt.Errorf("orchestrator: write sink %q: %w", name, err)
	}

	o.pending[name] = o.pending[name][:0]

	return nil
}

func (o *Orchestrator) maybeCheckpoint(ctx context.Context, tok token.Token, counters *Counters) error {
	if o.cfg.Checkpoint == nil {
		return nil
	}

	aggState, err := o.aggregationState()
	if err != nil {
		return fmt.Errorf("orchestrator: encode aggregation state: %w", err)
	}

	return o.cfg.Checkpoint.MaybeCheckpoint(ctx, checkpoint.Checkpoint{
		RunID:                o.cfg.RunID,
		LastTokenIDCommitted: tok.TokenID,
		LastSourceOffset:     o.lastOffset,
		AggregationState:     aggState,
		Counters:             countersToMap(counters),
	})
}

// aggregationState marshals every aggregation node's in-flight batch into
// the checkpoint's per-node JSON representation, so a resumed run can
// restore exactly the buffered-but-unflushed members a crash would
// otherwise lose.
func (o *Orchestrator) aggregationState() (checkpoint.AggregationState, error) {
	state := checkpoint.AggregationState{}

	if o.cfg.Aggregation == nil {
		return state, nil
	}

	for _, snap := range o.cfg.Aggregation.Snapshot() {
		raw, err := json.Marshal(snap)
		if err != nil {
			return nil, fmt.Errorf("marshal node %q: %w", snap.NodeID, err)
		}

		state[snap.NodeID] = raw
	}

	return state, nil
}

func countersToMap(c *Counters) map[string]int64 {
	return map[string]int64{
		"completed":   c.Completed,
		"failed":      c.Failed,
		"routed":      c.Routed,
		"quarantined": c.Quarantined,
	}
}

// closeSinks closes every configured sink in reverse declaration order.
func (o *Orchestrator) closeSinks(ctx context.Context) {
	names := make([]string, 0, len(o.cfg.Sinks))
	for _, n := range o.cfg.Graph.Nodes {
		if n.Kind == graph.KindSink {
			names = append(names, n.NodeID)
		}
	}

	for i := len(names) - 1; i >= 0; i-- {
		sink, ok := o.cfg.Sinks[names[i]]
		if !ok {
			continue
		}

		if err := sink.Flush(ctx); err != nil {
			slog.Warn("orchestrator: sink flush failed", slog.String("sink", names[i]), slog.Any("err", err))
		}

		if err := sink.Close(ctx); err != nil {
			slog.Warn("orchestrator: sink close failed", slog.String("sink", names[i]), slog.Any("err", err))
		}
	}
}

func (o *Orchestrator) completeRun(ctx context.Context, status Status) {
	if o.cfg.Audit == nil {
		return
	}

	if err := o.cfg.Audit.CompleteRun(ctx, o.cfg.RunID, audit.Status(status)); err != nil {
		slog.Warn("orchestrator: complete run failed", slog.String("run_id", o.cfg.RunID), slog.Any("err", err))
	}
}

func (o *Orchestrator) findSourceNode() (graph.Node, bool) {
	for _, n := range o.cfg.Graph.Nodes {
		if n.Kind == graph.KindSource {
			return n, true
		}
	}

	return graph.Node{}, false
}

func (o *Orchestrator) validateSinkDestinations() error {
	for _, n := range o.cfg.Graph.Nodes {
		if n.Kind != graph.KindSink {
			continue
		}

		if _, ok := o.cfg.Sinks[n.NodeID]; !ok {
			return fmt.Errorf("%w: %q declared in graph but not provided in Config.Sinks", ErrUnknownSink, n.NodeID)
		}
	}

	return nil
}

// startExportSchedule starts the optional cron-based periodic audit export,
// alongside the end-of-run export.
func (o *Orchestrator) startExportSchedule(ctx context.Context) {
	if o.cfg.Exporter == nil || o.cfg.ExportCronSchedule == "" {
		return
	}

	o.cron = cron.New()

	_, err := o.cron.AddFunc(o.cfg.ExportCronSchedule, func() {
		if err := o.cfg.Exporter.Export(ctx, o.cfg.RunID); err != nil {
			slog.Warn("orchestrator: periodic audit export failed",
				slog.String("run_id", o.cfg.RunID), slog.Any("err", err))
		}
	})
	if err != nil {
		slog.Warn("orchestrator: invalid export cron schedule", slog.String("schedule", o.cfg.ExportCronSchedule), slog.Any("err", err))
		o.cron = nil

		return
	}

	o.cron.Start()
}

func (o *Orchestrator) stopExportSchedule() {
	if o.cron != nil {
		o.cron.Stop()
	}
}

// Resume restores checkpointed state for runID and reports the source
// offset and aggregation state to resume from. Every aggregation node's
// buffered-but-unflushed batch is restored from the checkpoint's
// AggregationState so buffering continues where the crashed run left off.
// Incomplete batches reported by the audit recorder are transitioned to
// retrying so the caller can decide how to replay them.
func (o *Orchestrator) Resume(ctx context.Context, runID string) (checkpoint.Checkpoint, error) {
	if o.cfg.Checkpoint == nil {
		return checkpoint.Checkpoint{}, errors.New("orchestrator: resume requires a configured checkpoint manager")
	}

	cp, found, err := o.cfg.Checkpoint.Latest(ctx, runID)
	if err != nil {
		return checkpoint.Checkpoint{}, fmt.Errorf("orchestrator: resume: %w", err)
	}

	if !found {
		return checkpoint.Checkpoint{}, nil
	}

	if o.cfg.Audit != nil {
		incomplete, err := o.cfg.Audit.GetIncompleteBatches(ctx, runID)
		if err != nil {
			return checkpoint.Checkpoint{}, fmt.Errorf("orchestrator: resume: get incomplete batches: %w", err)
		}

		for _, b := range incomplete {
			if err := o.cfg.Audit.RetryBatch(ctx, b.BatchID); err != nil {
				return checkpoint.Checkpoint{}, fmt.Errorf("orchestrator: resume: retry batch %q: %w", b.BatchID, err)
			}
		}
	}

	if o.cfg.Aggregation != nil && len(cp.AggregationState) > 0 {
		snapshots := make([]aggregation.NodeSnapshot, 0, len(cp.AggregationState))

		for nodeID, raw := range cp.AggregationState {
			var snap aggregation.NodeSnapshot

			if err := json.Unmarshal(raw, &snap); err != nil {
				return checkpoint.Checkpoint{}, fmt.Errorf("orchestrator: resume: decode aggregation state for node %q: %w", nodeID, err)
			}

			snapshots = append(snapshots, snap)
		}

		o.cfg.Aggregation.Restore(snapshots)
	}

	o.lastOffset = cp.LastSourceOffset

	return cp, nil
}
