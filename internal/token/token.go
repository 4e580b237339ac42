// Package token provides the per-row identity and lineage model that flows
// through the execution engine. A Token is created once per source row (or
// derived at a fork, aggregation flush, coalesce merge, or deaggregation) and
// is destroyed only when a terminal outcome is committed.
package token

import (
	"errors"

	"github.com/google/uuid"
)

// Lineage classifies how a Token came into existence.
type Lineage string

const (
	// LineageNormal marks a token created directly from a source row.
	LineageNormal Lineage = "normal"

	// LineageForkChild marks a token emitted by a fork for one branch.
	LineageForkChild Lineage = "fork_child"

	// LineageAggregationOutput marks a token emitted by an aggregation flush.
	LineageAggregationOutput Lineage = "aggregation_output"

	// LineageCoalesceMerged marks a token emitted by a coalesce barrier.
	LineageCoalesceMerged Lineage = "coalesce_merged"

	// LineageDeaggregationChild marks a token emitted by expanding a list-valued row.
	LineageDeaggregationChild Lineage = "deaggregation_child"
)

// String implements fmt.Stringer, used in audit log fields.
func (l Lineage) String() string {
	return string(l)
}

// IsValid reports whether l is one of the defined lineage tags.
func (l Lineage) IsValid() bool {
	switch l {
	case LineageNormal, LineageForkChild, LineageAggregationOutput,
		LineageCoalesceMerged, LineageDeaggregationChild:
		return true
	default:
		return false
	}
}

// ErrEmptyRowData is returned when a row-data map has not been initialized.
// The engine treats row_data as immutable per hop; a nil map would cause
// ambiguous behavior between "no fields" and "not initialized".
var ErrEmptyRowData = errors.New("token: row_data must not be nil")

// RowData is a mapping from normalized field name to value; as a plain Go
// map its iteration order is not defined. Values are raw Go values whose
// kind schema.InferTag classifies; token does not depend on schema to
// avoid a cyclic import, so it stores
// opaque `any` and leaves interpretation to the caller.
type RowData map[string]any

// Clone returns a shallow copy of the row data, used whenever a transform
// produces a new token rather than mutating row_data in place.
func (r RowData) Clone() RowData {
	out := make(RowData, len(r))
	for k, v := range r {
		out[k] = v
	}

	return out
}

// Token is the unit of work that moves through the DAG. Every hop through a
// transform produces a new Token value; RowData is never mutated in place.
type Token struct {
	// TokenID uniquely identifies this token within a run.
	TokenID string

	// RowID is the source ordinal this token's data traces back to. Children
	// preserve their parent's RowID unless explicitly reassigned by
	// deaggregation.
	RowID string

	// RowData is this token's field data.
	RowData RowData

	// BranchName is set by a fork to route this token downstream and is used
	// by sinks for destination selection. Cleared on coalesce merge.
	BranchName string

	// ParentTokenID is set for fork/expansion children.
	ParentTokenID string

	// Lineage classifies how this token was produced.
	Lineage Lineage
}

// NewSourceToken creates a token for a freshly loaded source row.
func NewSourceToken(rowID string, rowData RowData) (Token, error) {
	if rowData == nil {
		return Token{}, ErrEmptyRowData
	}

	return Token{
		TokenID: newID(),
		RowID:   rowID,
		RowData: rowData,
		Lineage: LineageNormal,
	}, nil
}

// ForkChild creates a new token for one branch of a fork. If rowData is nil,
// the child shares the parent's row data (by value, via Clone).
func ForkChild(parent Token, branchName string, rowData RowData) (Token, error) {
	if rowData == nil {
		rowData = parent.RowData.Clone()
	}

	return Token{
		TokenID:       newID(),
		RowID:         parent.RowID,
		RowData:       rowData,
		BranchName:    branchName,
		ParentTokenID: parent.TokenID,
		Lineage:       LineageForkChild,
	}, nil
}

// AggregationOutput creates the token produced when an aggregation batch
// flushes. rowID is supplied by the caller because its value depends on the
// aggregation's output_mode (batch_id for "single", source row_id for
// "transform"/"passthrough" — see aggregation package).
func AggregationOutput(rowID string, rowData RowData) (Token, error) {
	if rowData == nil {
		return Token{}, ErrEmptyRowData
	}

	return Token{
		TokenID: newID(),
		RowID:   rowID,
		RowData: rowData,
		Lineage: LineageAggregationOutput,
	}, nil
}

// CoalesceMerged creates the single token emitted when a coalesce barrier's
// merge policy is satisfied. BranchName is cleared; RowID is inherited from
// the root token that was forked.
func CoalesceMerged(rootRowID string, rowData RowData) (Token, error) {
	if rowData == nil {
		return Token{}, ErrEmptyRowData
	}

	return Token{
		TokenID: newID(),
		RowID:   rootRowID,
		RowData: rowData,
		Lineage: LineageCoalesceMerged,
	}, nil
}

// DeaggregationChild creates one token for one element of a list-valued
// output row. newRowID is empty unless the deaggregating transform
// explicitly reassigns it.
func DeaggregationChild(parent Token, newRowID string, rowData RowData) (Token, error) {
	if rowData == nil {
		return Token{}, ErrEmptyRowData
	}

	rowID := parent.RowID
	if newRowID != "" {
		rowID = newRowID
	}

	return Token{
		TokenID:       newID(),
		RowID:         rowID,
		RowData:       rowData,
		ParentTokenID: parent.TokenID,
		Lineage:       LineageDeaggregationChild,
	}, nil
}

// WithRowData returns a copy of t with new row data and no other fields
// changed. Used by transforms that want to keep a token's identity but
// replace its data — note this does NOT mint a new TokenID: a token's
// identity survives a single transform hop; only fork/aggregation/
// coalesce/deaggregation mint new IDs.
func (t Token) WithRowData(rowData RowData) Token {
	t.RowData = rowData

	return t
}

// newID generates a unique token identifier. Centralized so tests can
// observe generation without reaching into google/uuid directly.
func newID() string {
	return uuid.NewString()
}
