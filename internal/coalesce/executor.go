// Package coalesce implements fork/join barriers: buffering branch
// arrivals per correlation key, applying a merge policy, and emitting a
// single merged token once that policy is satisfied.
package coalesce

import (
	"fmt"
	"sync"
	"time"

	"github.com/elspeth-dev/elspeth/internal/clock"
	"github.com/elspeth-dev/elspeth/internal/processor"
	"github.com/elspeth-dev/elspeth/internal/token"
)

// Policy selects when a coalesce node's buffered arrivals are merged.
type Policy string

const (
	// PolicyAllBranches emits once every configured branch has arrived.
	PolicyAllBranches Policy = "all_branches"

	// PolicyQuorum emits once N distinct branches have arrived.
	PolicyQuorum Policy = "quorum"

	// PolicyFirst emits the first arrival; later arrivals for the same
	// key are absorbed.
	PolicyFirst Policy = "first"
)

// OnIncomplete selects what happens when a configured timeout expires
// before the merge policy is satisfied.
type OnIncomplete struct {
	// Fail, when true, reports the key as FAILED. Otherwise RouteTo names
	// a fallback sink.
	Fail    bool
	RouteTo string
}

// NodeConfig is the static configuration for one coalesce node.
type NodeConfig struct {
	Policy Policy

	// Quorum is the N for PolicyQuorum.
	Quorum int

	// Branches is the full set of branch names expected to arrive, used
	// by PolicyAllBranches and for MergePriority ordering.
	Branches []string

	// MergePriority lists branch names in priority order: for each field,
	// the first branch in this list holding a non-nil value wins. This is
	// the canonical per-field merge rule (see DESIGN.md for the Open
	// Question it resolves). Defaults to Branches order when empty.
	MergePriority []string

	Timeout      time.Duration
	OnIncomplete OnIncomplete
}

// RoutingEvent records one routing/coalesce decision for the audit trail.
type RoutingEvent struct {
	NodeID string
	Reason string
	Branch string
}

type keyState struct {
	arrived   map[string]token.Token
	order     []string
	startedAt time.Time
	emitted   bool
}

type nodeState struct {
	cfg  NodeConfig
	keys map[string]*keyState
}

// Executor owns every coalesce node's barrier state for one run.
type Executor struct {
	mu      sync.Mutex
	clock   clock.Clock
	nodes   map[string]*nodeState
	onEvent func(RoutingEvent)
}

// New builds an Executor for the given per-node configs. onEvent, if
// non-nil, is called for every routing_event the barrier produces
// (duplicate arrivals, merges, incomplete failures).
func New(configs map[string]NodeConfig, c clock.Clock, onEvent func(RoutingEvent)) *Executor {
	if c == nil {
		c = clock.Real{}
	}

	nodes := make(map[string]*nodeState, len(configs))
	for nodeID, cfg := range configs {
		nodes[nodeID] = &nodeState{cfg: cfg, keys: make(map[string]*keyState)}
	}

	return &Executor{clock: c, nodes: nodes, onEvent: onEvent}
}

// Arrive registers tok's arrival at nodeID, keyed by tok.RowID (the root
// row identity shared by every branch produced from the same fork — see
// DESIGN.md for why RowID stands in for the root correlation key). Returns
// a merged token once the node's policy is satisfied; otherwise the
// arrival is absorbed.
func (e *Executor) Arrive(nodeID string, tok token.Token) processor.ArrivalOutcome {
	e.mu.Lock()
	defer e.mu.Unlock()

	state, ok := e.nodes[nodeID]
	if !ok {
		return processor.ArrivalOutcome{Failed: true, FailReason: fmt.Sprintf("unknown coalesce node %q", nodeID)}
	}

	key := state.keys[tok.RowID]
	if key == nil {
		key = &keyState{arrived: make(map[string]token.Token), startedAt: e.clock.Now()}
		state.keys[tok.RowID] = key
	}

	if key.emitted {
		e.emit(RoutingEvent{NodeID: nodeID, Reason: "arrival_after_emission", Branch: tok.BranchName})

		return processor.ArrivalOutcome{Consumed: true}
	}

	if _, dup := key.arrived[tok.BranchName]; dup {
		e.emit(RoutingEvent{NodeID: nodeID, Reason: "duplicate_branch_arrival", Branch: tok.BranchName})

		return processor.ArrivalOutcome{Consumed: true}
	}

	key.arrived[tok.BranchName] = tok
	key.order = append(key.order, tok.BranchName)

	if !e.satisfied(state.cfg, key) {
		return processor.ArrivalOutcome{Consumed: true}
	}

	merged := e.merge(state.cfg, tok.RowID, key)
	key.emitted = true

	e.emit(RoutingEvent{NodeID: nodeID, Reason: "merged", Branch: tok.BranchName})

	return processor.ArrivalOutcome{Merged: &merged}
}

// TimeoutOutcome is one pending key whose node timeout elapsed before its
// merge policy was satisfied. Token carries a best-effort partial merge of
// whatever branches did arrive, so the orchestrator can route it to
// OnIncomplete's fallback sink like any other terminal result instead of
// just recording that a failure happened.
type TimeoutOutcome struct {
	NodeID   string
	RowID    string
	Token    token.Token
	Outcome  processor.Outcome
	SinkName string
	Reason   string
}

// CheckTimeouts evaluates every pending key against its node's configured
// timeout and reports a TimeoutOutcome for any that expired without
// satisfying the merge policy, applying the node's OnIncomplete routing.
func (e *Executor) CheckTimeouts() []TimeoutOutcome {
	e.mu.Lock()
	defer e.mu.Unlock()

	var outcomes []TimeoutOutcome

	for nodeID, state := range e.nodes {
		if state.cfg.Timeout <= 0 {
			continue
		}

		for rowID, key := range state.keys {
			if key.emitted {
				continue
			}

			if e.clock.Now().Sub(key.startedAt) < state.cfg.Timeout {
				continue
			}

			reason := "quorum_not_met"
			if state.cfg.Policy == PolicyAllBranches {
				reason = "incomplete_branches"
			}

			e.emit(RoutingEvent{NodeID: nodeID, Reason: reason})

			partial := e.merge(state.cfg, rowID, key)

			outcome := TimeoutOutcome{NodeID: nodeID, RowID: rowID, Token: partial, Reason: reason}

			if !state.cfg.OnIncomplete.Fail && state.cfg.OnIncomplete.RouteTo != "" {
				outcome.Outcome = processor.Routed
				outcome.SinkName = state.cfg.OnIncomplete.RouteTo
			} else {
				outcome.Outcome = processor.Failed
			}

			outcomes = append(outcomes, outcome)

			key.emitted = true
			delete(state.keys, rowID)
		}
	}

	return outcomes
}

func (e *Executor) satisfied(cfg NodeConfig, key *keyState) bool {
	switch cfg.Policy {
	case PolicyFirst:
		return true
	case PolicyQuorum:
		return len(key.arrived) >= cfg.Quorum
	case PolicyAllBranches:
		fallthrough
	default:
		for _, branch := range cfg.Branches {
			if _, ok := key.arrived[branch]; !ok {
				return false
			}
		}

		return true
	}
}

// merge combines arrived tokens' fields using ordered branch priority: for
// each field, the first branch in MergePriority (falling back to
// declaration order) holding a non-nil value wins.
func (e *Executor) merge(cfg NodeConfig, rootRowID string, key *keyState) token.Token {
	priority := cfg.MergePriority
	if len(priority) == 0 {
		priority = cfg.Branches
	}

	if len(priority) == 0 {
		priority = key.order
	}

	merged := token.RowData{}

	for _, branch := range priority {
		arrived, ok := key.arrived[branch]
		if !ok {
			continue
		}

		for field, value := range arrived.RowData {
			if _, already := merged[field]; already {
				continue
			}

			if value == nil {
				continue
			}

			merged[field] = value
		}
	}

	out, err := token.CoalesceMerged(rootRowID, merged)
	if err != nil {
		// merged is never nil (initialized above), so CoalesceMerged cannot
		// fail here; keep the zero value only as an unreachable fallback.
		return token.Token{}
	}

	return out
}

func (e *Executor) emit(event RoutingEvent) {
	if e.onEvent != nil {
		e.onEvent(event)
	}
}
