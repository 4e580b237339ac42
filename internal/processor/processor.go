// Package processor drives a single row-token through the transform graph
// from a given node, applying on_error routing, fork fan-out, deaggregation,
// and buffered-batch handoff — one call in, a list of outcomes out.
package processor

import (
	"context"
	"errors"
	"fmt"

	"github.com/elspeth-dev/elspeth/internal/graph"
	"github.com/elspeth-dev/elspeth/internal/plugin"
	"github.com/elspeth-dev/elspeth/internal/token"
)

// Outcome classifies what happened to a token at the end of one processing
// step.
type Outcome string

const (
	Completed      Outcome = "COMPLETED"
	Failed         Outcome = "FAILED"
	Routed         Outcome = "ROUTED"
	Quarantined    Outcome = "QUARANTINED"
	Coalesced      Outcome = "COALESCED"
	Forked         Outcome = "FORKED"
	Expanded       Outcome = "EXPANDED"
	Buffered       Outcome = "BUFFERED"
	ConsumedInBatch Outcome = "CONSUMED_IN_BATCH"
)

// Result is one terminal or intermediate outcome produced while driving a
// token through the graph.
type Result struct {
	Outcome   Outcome
	Token     token.Token
	SinkName  string
	NodeID    string
	ErrReason *plugin.ErrorReason
}

// AggregationExecutor buffers tokens for aggregation nodes and reports
// whether a trigger fired and what it flushed. Implemented by
// internal/aggregation.Executor.
type AggregationExecutor interface {
	Buffer(ctx context.Context, nodeID string, tok token.Token) (BufferOutcome, error)
}

// BufferOutcome is what AggregationExecutor.Buffer reports.
type BufferOutcome struct {
	Fired   bool
	Outputs []FlushOutput
}

// FlushOutput is one output token produced by an aggregation flush, along
// with the buffered source tokens it accounts for.
type FlushOutput struct {
	Output  token.Token
	Sources []token.Token

	// Failed marks a terminal outcome the aggregation executor has already
	// resolved (e.g. a per-member or whole-batch on_error routing decision)
	// rather than a token to continue advancing through the graph. When
	// true, Outcome/SinkName/ErrReason describe the terminal Result to
	// report instead of calling advance.
	Failed    bool
	Outcome   Outcome
	SinkName  string
	ErrReason *plugin.ErrorReason
}

// CoalesceExecutor realizes fork/join barriers. Implemented by
// internal/coalesce.Executor.
type CoalesceExecutor interface {
	Arrive(nodeID string, tok token.Token) ArrivalOutcome
}

// ArrivalOutcome is what CoalesceExecutor.Arrive reports.
type ArrivalOutcome struct {
	// Merged is non-nil when this arrival completed the merge policy.
	Merged *token.Token

	// Consumed is true when the arrival was absorbed (duplicate, or policy
	// not yet satisfied) without producing a merged token.
	Consumed bool

	// Failed is true when the executor could not accept the arrival (for
	// internal/coalesce.Executor, an unknown coalesce node); FailReason
	// says why.
	Failed     bool
	FailReason string
}

// Retrier executes a retryable operation under the configured backoff
// policy. Implemented by internal/retry.Policy.
type Retrier interface {
	Execute(ctx context.Context, op func() *plugin.ErrorReason) *plugin.ErrorReason
}

// ErrUnknownOutcome is the orchestration invariant violation reported (in
// the Failed result's ErrorReason message) when a node has a kind the
// processor does not dispatch on.
var ErrUnknownOutcome = errors.New("processor: unknown outcome from plugin or executor")

// Processor drives tokens through a built graph.
type Processor struct {
	graph       *graph.Graph
	transforms  map[string]plugin.Transform
	aggregation AggregationExecutor
	coalesce    CoalesceExecutor
	retry       Retrier
}

// New builds a Processor. transforms maps node_id -> the plugin instance
// for every KindTransform and KindAggregation node (aggregation nodes hold
// a plugin.BatchAwareTransform, asserted by the caller).
func New(g *graph.Graph, transforms map[string]plugin.Transform, aggregation AggregationExecutor, coalesce CoalesceExecutor, retry Retrier) *Processor {
	return &Processor{
		graph:       g,
		transforms:  transforms,
		aggregation: aggregation,
		coalesce:    coalesce,
		retry:       retry,
	}
}

// ProcessToken drives tok through the graph starting at startNodeID until
// every resulting lineage leaf reaches a terminal outcome.
func (p *Processor) ProcessToken(ctx context.Context, startNodeID string, tok token.Token) []Result {
	node, ok := p.graph.Node(startNodeID)
	if !ok {
		return []Result{{Outcome: Failed, Token: tok, NodeID: startNodeID, ErrReason: &plugin.ErrorReason{
			Kind: "invariant_violation", Message: fmt.Sprintf("unknown node %q", startNodeID),
		}}}
	}

	switch node.Kind {
	case graph.KindCoalesce:
		return p.handleCoalesce(ctx, node, tok)
	case graph.KindAggregation:
		return p.handleAggregation(ctx, node, tok)
	case graph.KindSink:
		return []Result{{Outcome: Completed, Token: tok, NodeID: node.NodeID, SinkName: node.NodeID}}
	case graph.KindTransform:
		return p.handleTransform(ctx, node, tok)
	case graph.KindSource:
		return p.advance(ctx, node, tok)
	default:
		return []Result{{Outcome: Failed, Token: tok, NodeID: node.NodeID, ErrReason: &plugin.ErrorReason{
			Kind: "invariant_violation", Message: fmt.Sprintf("%v: kind %q", ErrUnknownOutcome, node.Kind),
		}}}
	}
}

func (p *Processor) handleCoalesce(ctx context.Context, node graph.Node, tok token.Token) []Result {
	outcome := p.coalesce.Arrive(node.NodeID, tok)

	switch {
	case outcome.Failed:
		return []Result{{Outcome: Failed, Token: tok, NodeID: node.NodeID, ErrReason: &plugin.ErrorReason{
			Kind: "coalesce_incomplete", Message: outcome.FailReason,
		}}}
	case outcome.Consumed:
		return []Result{{Outcome: ConsumedInBatch, Token: tok, NodeID: node.NodeID}}
	case outcome.Merged != nil:
		results := []Result{{Outcome: Coalesced, Token: *outcome.Merged, NodeID: node.NodeID}}
		results = append(results, p.advance(ctx, node, *outcome.Merged)...)

		return results
	default:
		return []Result{{Outcome: ConsumedInBatch, Token: tok, NodeID: node.NodeID}}
	}
}

func (p *Processor) handleAggregation(ctx context.Context, node graph.Node, tok token.Token) []Result {
	outcome, err := p.aggregation.Buffer(ctx, node.NodeID, tok)
	if err != nil {
		return []Result{{Outcome: Failed, Token: tok, NodeID: node.NodeID, ErrReason: &plugin.ErrorReason{
			Kind: "aggregation_failure", Message: err.Error(), Retryable: false,
		}}}
	}

	if !outcome.Fired {
		return []Result{{Outcome: Buffered, Token: tok, NodeID: node.NodeID}}
	}

	return p.DriveFlushOutputs(ctx, node.NodeID, outcome.Outputs)
}

// DriveFlushOutputs continues processing for every token an aggregation
// flush produced, whether the flush was triggered inline (count trigger
// during Buffer) or out-of-band (timeout/end-of-source, checked by the
// orchestrator between rows).
func (p *Processor) DriveFlushOutputs(ctx context.Context, nodeID string, outputs []FlushOutput) []Result {
	node, ok := p.graph.Node(nodeID)
	if !ok {
		return nil
	}

	var results []Result

	for _, out := range outputs {
		if out.Failed {
			results = append(results, Result{
				Outcome: out.Outcome, Token: out.Output, NodeID: node.NodeID,
				SinkName: out.SinkName, ErrReason: out.ErrReason,
			})

			continue
		}

		results = append(results, Result{Outcome: Expanded, Token: out.Output, NodeID: node.NodeID})
		results = append(results, p.advance(ctx, node, out.Output)...)
	}

	return results
}

func (p *Processor) handleTransform(ctx context.Context, node graph.Node, tok token.Token) []Result {
	transform, ok := p.transforms[node.NodeID]
	if !ok {
		return []Result{{Outcome: Failed, Token: tok, NodeID: node.NodeID, ErrReason: &plugin.ErrorReason{
			Kind: "invariant_violation", Message: fmt.Sprintf("no transform registered for node %q", node.NodeID),
		}}}
	}

	result, errReason := p.invoke(ctx, transform, tok)
	if errReason != nil {
		return p.routeError(node, tok, errReason)
	}

	switch result.Outcome {
	case plugin.TransformSuccess:
		next := tok.WithRowData(result.OutputRow)

		return p.advance(ctx, node, next)

	case plugin.TransformFork:
		var results []Result

		results = append(results, Result{Outcome: Forked, Token: tok, NodeID: node.NodeID})

		for _, edge := range p.graph.OutEdges(node.NodeID) {
			rowData, declared := result.Branches[edge.Label]
			if !declared {
				continue
			}

			child, _ := token.ForkChild(tok, edge.Label, rowData)
			results = append(results, p.ProcessToken(ctx, edge.To, child)...)
		}

		return results

	case plugin.TransformExpand:
		var results []Result

		results = append(results, Result{Outcome: Expanded, Token: tok, NodeID: node.NodeID})

		for _, rowData := range result.ExpandedRows {
			child, _ := token.DeaggregationChild(tok, "", rowData)
			results = append(results, p.advance(ctx, node, child)...)
		}

		return results

	default:
		return []Result{{Outcome: Failed, Token: tok, NodeID: node.NodeID, ErrReason: &plugin.ErrorReason{
			Kind: "invariant_violation", Message: "unrecognized transform outcome",
		}}}
	}
}

// invoke calls a transform's Process, routing through the retry policy
// when the transform reports a retryable failure.
func (p *Processor) invoke(ctx context.Context, transform plugin.Transform, tok token.Token) (plugin.TransformResult, *plugin.ErrorReason) {
	var (
		result plugin.TransformResult
		reason *plugin.ErrorReason
	)

	op := func() *plugin.ErrorReason {
		var r *plugin.ErrorReason

		result, r = transform.Process(ctx, tok.RowData)

		return r
	}

	if p.retry != nil {
		reason = p.retry.Execute(ctx, op)
	} else {
		reason = op()
	}

	return result, reason
}

// routeError applies a transform's on_error policy to a failure.
func (p *Processor) routeError(node graph.Node, tok token.Token, reason *plugin.ErrorReason) []Result {
	transform := p.transforms[node.NodeID]

	onError := ""
	if transform != nil {
		onError = transform.OnError()
	}

	switch onError {
	case "":
		return []Result{{Outcome: Failed, Token: tok, NodeID: node.NodeID, ErrReason: reason}}
	case plugin.DiscardRoute:
		return []Result{{Outcome: Routed, Token: tok, NodeID: node.NodeID, ErrReason: reason}}
	default:
		return []Result{{Outcome: Routed, Token: tok, NodeID: node.NodeID, SinkName: onError, ErrReason: reason}}
	}
}

// advance moves tok to the single next node from node, following its first
// outgoing edge in declaration order whatever that edge's mode; any other
// outgoing edges are not followed. Multi-destination fan-out goes through
// TransformFork instead.
func (p *Processor) advance(ctx context.Context, node graph.Node, tok token.Token) []Result {
	edges := p.graph.OutEdges(node.NodeID)
	if len(edges) == 0 {
		return []Result{{Outcome: Failed, Token: tok, NodeID: node.NodeID, ErrReason: &plugin.ErrorReason{
			Kind: "invariant_violation", Message: fmt.Sprintf("node %q has no outgoing edge", node.NodeID),
		}}}
	}

	return p.ProcessToken(ctx, edges[0].To, tok)
}
