// Package plugin defines the collaborator protocols the engine requires:
// Source, Transform, and Sink. Concrete plugin implementations are out of
// scope; this package is the contract surface the rest of the engine is
// built against. No package in this module implements these interfaces
// outside of tests.
package plugin

import (
	"context"
	"time"

	"github.com/elspeth-dev/elspeth/internal/schema"
	"github.com/elspeth-dev/elspeth/internal/token"
)

// OnValidationFailure names where a source routes a row that fails its
// declared schema: a sink name, or the sentinel "discard".
type OnValidationFailure = string

// DiscardRoute is the sentinel on_error/on_validation_failure destination
// meaning "drop the row, no sink write".
const DiscardRoute = "discard"

// SourceRow is one row yielded by a Source's load sequence.
type SourceRow struct {
	Row              token.RowData
	IsQuarantined    bool
	ValidationErrors []schema.Violation
}

// Source produces the run's input rows.
type Source interface {
	Name() string
	OutputSchema() schema.Contract
	SchemaConfig() schema.Mode
	OnValidationFailure() OnValidationFailure

	// Load returns a finite sequence of rows. Implementations must be
	// restartable only via resume from checkpoint, never re-iterable from
	// the start within a single process lifetime.
	Load(ctx context.Context) (<-chan SourceRow, <-chan error)
}

// TransformOutcome classifies what a Transform's Process call produced.
type TransformOutcome int

const (
	// TransformSuccess means OutputRow is valid and should continue.
	TransformSuccess TransformOutcome = iota

	// TransformFork means the transform wants to fan out to the returned
	// branch rows instead of continuing linearly.
	TransformFork

	// TransformExpand means ExpandedRows holds the rows to deaggregate into
	// multiple child tokens.
	TransformExpand
)

// TransformResult is what Transform.Process returns for one row.
type TransformResult struct {
	Outcome TransformOutcome

	// OutputRow is used when Outcome is TransformSuccess.
	OutputRow token.RowData

	// Branches is used when Outcome is TransformFork: branch name -> row
	// data for that branch (nil row data means "inherit the input row").
	Branches map[string]token.RowData

	// ExpandedRows is used when Outcome is TransformExpand.
	ExpandedRows []token.RowData
}

// ErrorReason is the structured failure shape every error-producing
// operation in the engine reports, so routing events and the audit trail
// have a uniform representation.
type ErrorReason struct {
	Field     string
	Kind      string
	Message   string
	Retryable bool
}

// Transform processes one row at a time. Implementations that need
// internal concurrency implement BatchAwareTransform instead/additionally.
type Transform interface {
	Name() string
	InputSchema() schema.Contract
	OutputSchema() schema.Contract
	SchemaConfig() schema.Mode

	// OnError names where a non-retryable failure routes: a sink name,
	// DiscardRoute, or "" (meaning the row is reported FAILED).
	OnError() string

	Process(ctx context.Context, row token.RowData) (TransformResult, *ErrorReason)
}

// BatchAwareTransform is implemented by transforms whose Process call isn't
// meaningful on its own — rows are fed through Accept and the engine blocks
// the owning token's progression on a shared adapter until that row's
// specific result arrives via Deliver.
type BatchAwareTransform interface {
	Transform

	IsBatchAware() bool

	// Accept submits one row for processing by the plugin's internal
	// worker pool. Non-blocking; the result arrives asynchronously via the
	// adapter returned by ConnectOutput.
	Accept(ctx context.Context, tokenID string, row token.RowData) error

	// ConnectOutput wires the transform's output port to an adapter that
	// will receive completed results and signal waiters by token ID.
	ConnectOutput(adapter BatchOutputReceiver, maxPending int)
}

// BatchOutputReceiver is the sink side of a SharedBatchAdapter: the plugin
// calls Deliver as each internally-processed row completes, possibly out of
// order relative to Accept calls.
type BatchOutputReceiver interface {
	Deliver(tokenID string, result TransformResult, errReason *ErrorReason)
}

// DefaultBatchWaitTimeout is the default time a token blocks waiting for its
// shared-adapter result before the wait is treated as a fatal,
// retryable-classified error.
const DefaultBatchWaitTimeout = 300 * time.Second

// ArtifactDescriptor describes what a Sink's Write call produced (e.g. a
// file path, object key, or row count), for audit recording.
type ArtifactDescriptor struct {
	Location string
	RowCount int
}

// Sink commits terminal tokens.
type Sink interface {
	Name() string
	InputSchema() schema.Contract
	SetOutputContract(contract schema.Contract)
	Write(ctx context.Context, rows []token.RowData) (ArtifactDescriptor, error)
	Flush(ctx context.Context) error
	Close(ctx context.Context) error
}
