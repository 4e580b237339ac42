// Package graph implements the typed DAG the orchestrator drives a run
// against: node/edge structure, schema-compatibility checking, and routing
// resolution, built from declarative configuration.
package graph

import (
	"errors"
	"fmt"

	"github.com/elspeth-dev/elspeth/internal/schema"
)

// Kind classifies what a Node does in the pipeline.
type Kind string

const (
	KindSource      Kind = "source"
	KindTransform   Kind = "transform"
	KindAggregation Kind = "aggregation"
	KindCoalesce    Kind = "coalesce"
	KindSink        Kind = "sink"
)

// IsValid reports whether k is one of the defined node kinds.
func (k Kind) IsValid() bool {
	switch k {
	case KindSource, KindTransform, KindAggregation, KindCoalesce, KindSink:
		return true
	default:
		return false
	}
}

// EdgeMode controls whether an edge moves or copies a token downstream.
type EdgeMode string

const (
	// EdgeMove sends the token down exactly one outgoing edge.
	EdgeMove EdgeMode = "move"

	// EdgeCopy forks the token: every copy edge at a fork node receives an
	// independent child.
	EdgeCopy EdgeMode = "copy"
)

// SchemaConfig controls how strictly a node's contract is enforced.
type SchemaConfig struct {
	Mode schema.Mode

	// IsDynamic skips schema-compatibility checking on edges touching this
	// node — used by nodes whose output shape can't be known at build time.
	IsDynamic bool
}

// Node is one step of the execution graph.
type Node struct {
	NodeID       string
	Kind         Kind
	PluginRef    string
	InputSchema  schema.Contract
	OutputSchema schema.Contract
	SchemaConfig SchemaConfig
}

// Edge connects two nodes, optionally under a routing label (fork branch
// name or gate route label).
type Edge struct {
	From  string
	To    string
	Label string
	Mode  EdgeMode
}

// Destination is the resolved target of a routing decision.
type Destination struct {
	// SinkName is set when the destination is a terminal sink.
	SinkName string

	// Continue is the sentinel meaning "next transform in sequence".
	Continue bool

	// Fork is the sentinel meaning "expand to multiple outgoing edges".
	Fork bool
}

// Graph is the built, validated execution DAG.
type Graph struct {
	Nodes []Node
	Edges []Edge

	byID    map[string]Node
	outEdges map[string][]Edge

	// Routing is the precomputed (gate_node_id, route_label) -> destination
	// map. Populated by Build, consulted at run time.
	Routing map[RouteKey]Destination
}

// RouteKey identifies one routing decision at a gate node.
type RouteKey struct {
	NodeID string
	Label  string
}

var (
	ErrCycle               = errors.New("graph: cycle detected")
	ErrNoSource            = errors.New("graph: exactly one source node is required")
	ErrMissingSink         = errors.New("graph: route destination does not exist")
	ErrIncompatibleSchema  = errors.New("graph: incompatible schema on edge")
	ErrForkNotPartition    = errors.New("graph: fork node's labelled branches are not a covering partition")
	ErrCoalesceArity       = errors.New("graph: coalesce node requires at least two inbound edges from distinct branches")
	ErrUnknownNode         = errors.New("graph: edge references unknown node")
)

// ValidationError is one finding from Validate; Build returns every
// ValidationError found as a []error slice.
type ValidationError struct {
	Err    error
	NodeID string
	EdgeTo string
}

func (v ValidationError) Error() string {
	if v.EdgeTo != "" {
		return fmt.Sprintf("%s: node %q -> %q", v.Err, v.NodeID, v.EdgeTo)
	}

	return fmt.Sprintf("%s: node %q", v.Err, v.NodeID)
}

func (v ValidationError) Unwrap() error {
	return v.Err
}

// Build constructs a Graph from nodes, edges, and a precomputed routing
// table, then validates it. Returns the graph and any validation
// errors found (callers should refuse to start a run when errors is
// non-empty).
func Build(nodes []Node, edges []Edge, routing map[RouteKey]Destination) (*Graph, []error) {
	g := &Graph{
		Nodes:    nodes,
		Edges:    edges,
		byID:     make(map[string]Node, len(nodes)),
		outEdges: make(map[string][]Edge),
		Routing:  routing,
	}

	for _, n := range nodes {
		g.byID[n.NodeID] = n
	}

	for _, e := range edges {
		g.outEdges[e.From] = append(g.outEdges[e.From], e)
	}

	return g, g.Validate()
}

// Node looks up a node by ID.
func (g *Graph) Node(nodeID string) (Node, bool) {
	n, ok := g.byID[nodeID]

	return n, ok
}

// OutEdges returns the outgoing edges from a node, in declaration order.
func (g *Graph) OutEdges(nodeID string) []Edge {
	return g.outEdges[nodeID]
}

// Validate runs every structural and schema-compatibility check and
// returns every error found (not just the first).
func (g *Graph) Validate() []error {
	var errs []error

	errs = append(errs, g.validateSingleSource()...)
	errs = append(errs, g.validateEdgesReferenceKnownNodes()...)
	errs = append(errs, g.validateAcyclic()...)
	errs = append(errs, g.validateEveryPathEndsInSink()...)
	errs = append(errs, g.validateForkPartitions()...)
	errs = append(errs, g.validateCoalesceArity()...)
	errs = append(errs, g.validateRoutingDestinations()...)
	errs = append(errs, g.validateSchemaCompatibility()...)

	return errs
}

func (g *Graph) validateSingleSource() []error {
	count := 0

	for _, n := range g.Nodes {
		if n.Kind == KindSource {
			count++
		}
	}

	if count != 1 {
		return []error{fmt.Errorf("%w: found %d", ErrNoSource, count)}
	}

	return nil
}

func (g *Graph) validateEdgesReferenceKnownNodes() []error {
	var errs []error

	for _, e := range g.Edges {
		if _, ok := g.byID[e.From]; !ok {
			errs = append(errs, ValidationError{Err: ErrUnknownNode, NodeID: e.From})
		}

		if _, ok := g.byID[e.To]; !ok {
			errs = append(errs, ValidationError{Err: ErrUnknownNode, NodeID: e.To})
		}
	}

	return errs
}

func (g *Graph) validateAcyclic() []error {
	const (
		white = 0
		gray  = 1
		black = 2
	)

	color := make(map[string]int, len(g.Nodes))

	var visit func(nodeID string) bool

	visit = func(nodeID string) bool {
		switch color[nodeID] {
		case black:
			return false
		case gray:
			return true
		}

		color[nodeID] = gray

		for _, e := range g.outEdges[nodeID] {
			if visit(e.To) {
				return true
			}
		}

		color[nodeID] = black

		return false
	}

	for _, n := range g.Nodes {
		if color[n.NodeID] == white && visit(n.NodeID) {
			return []error{ValidationError{Err: ErrCycle, NodeID: n.NodeID}}
		}
	}

	return nil
}

func (g *Graph) validateEveryPathEndsInSink() []error {
	var errs []error

	for _, n := range g.Nodes {
		if n.Kind == KindSink {
			continue
		}

		if len(g.outEdges[n.NodeID]) == 0 {
			errs = append(errs, ValidationError{Err: ErrMissingSink, NodeID: n.NodeID})
		}
	}

	return errs
}

// validateForkPartitions checks that every node with >1 copy-mode outgoing
// edges has distinct, non-empty branch labels on each: for every fork
// node, the labelled branches form a covering partition of outgoing edges.
func (g *Graph) validateForkPartitions() []error {
	var errs []error

	for _, n := range g.Nodes {
		out := g.outEdges[n.NodeID]

		forkEdges := make([]Edge, 0, len(out))
		for _, e := range out {
			if e.Mode == EdgeCopy {
				forkEdges = append(forkEdges, e)
			}
		}

		if len(forkEdges) < 2 {
			continue
		}

		labels := make(map[string]bool, len(forkEdges))

		for _, e := range forkEdges {
			if e.Label == "" || labels[e.Label] {
				errs = append(errs, ValidationError{Err: ErrForkNotPartition, NodeID: n.NodeID, EdgeTo: e.To})

				continue
			}

			labels[e.Label] = true
		}
	}

	return errs
}

// validateCoalesceArity requires every coalesce node to have >= 2 inbound
// edges from distinct source nodes.
func (g *Graph) validateCoalesceArity() []error {
	var errs []error

	inbound := make(map[string][]Edge)
	for _, e := range g.Edges {
		inbound[e.To] = append(inbound[e.To], e)
	}

	for _, n := range g.Nodes {
		if n.Kind != KindCoalesce {
			continue
		}

		froms := make(map[string]bool)
		for _, e := range inbound[n.NodeID] {
			froms[e.From] = true
		}

		if len(froms) < 2 {
			errs = append(errs, ValidationError{Err: ErrCoalesceArity, NodeID: n.NodeID})
		}
	}

	return errs
}

func (g *Graph) validateRoutingDestinations() []error {
	var errs []error

	for key, dest := range g.Routing {
		if dest.Continue || dest.Fork {
			continue
		}

		if dest.SinkName == "" {
			errs = append(errs, ValidationError{Err: ErrMissingSink, NodeID: key.NodeID})

			continue
		}

		node, ok := g.byID[dest.SinkName]
		if !ok || node.Kind != KindSink {
			errs = append(errs, ValidationError{Err: ErrMissingSink, NodeID: key.NodeID, EdgeTo: dest.SinkName})
		}
	}

	return errs
}

// validateSchemaCompatibility checks that, for every edge, the producer
// supplies every required consumer field with an assignable type — unless
// either endpoint's schema is dynamic.
func (g *Graph) validateSchemaCompatibility() []error {
	var errs []error

	for _, e := range g.Edges {
		from, ok := g.byID[e.From]
		if !ok {
			continue
		}

		to, ok := g.byID[e.To]
		if !ok {
			continue
		}

		if from.SchemaConfig.IsDynamic || to.SchemaConfig.IsDynamic {
			continue
		}

		for _, required := range to.InputSchema.Fields {
			if !required.Required {
				continue
			}

			produced, ok := from.OutputSchema.Field(required.NormalizedName)
			if !ok {
				errs = append(errs, ValidationError{Err: ErrIncompatibleSchema, NodeID: e.From, EdgeTo: e.To})

				continue
			}

			if !schema.Assignable(produced.ValueTag, required.ValueTag) {
				errs = append(errs, ValidationError{Err: ErrIncompatibleSchema, NodeID: e.From, EdgeTo: e.To})
			}
		}
	}

	return errs
}

// Resolve looks up the destination for a gate's routing decision.
func (g *Graph) Resolve(nodeID, label string) (Destination, bool) {
	dest, ok := g.Routing[RouteKey{NodeID: nodeID, Label: label}]

	return dest, ok
}
