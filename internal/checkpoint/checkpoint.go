// Package checkpoint provides the Postgres-backed resume state for a run:
// an append-only protocol of three operations — maybe_checkpoint, delete,
// and latest — guarded by per-call context timeouts.
package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/elspeth-dev/elspeth/internal/clock"
	"github.com/elspeth-dev/elspeth/internal/storage"
)

const queryTimeout = 5 * time.Second

// ErrIncompatibleSchema is returned by Latest when a stored checkpoint
// predates the current checkpoint content schema: pre-existing checkpoints
// from before the current schema are incompatible and must fail with a
// clear error rather than being silently misinterpreted.
var ErrIncompatibleSchema = errors.New("checkpoint: stored checkpoint schema version is incompatible")

// schemaVersion is bumped whenever Checkpoint's JSON-encoded shape changes
// incompatibly. Stored alongside each row so Latest can refuse to decode a
// row written by an older, incompatible engine version.
const schemaVersion = 1

// AggregationState is the serialized per-node aggregation state restored on
// resume, keyed by node_id.
type AggregationState map[string]json.RawMessage

// Checkpoint is the resumable state recorded after a terminal commit.
type Checkpoint struct {
	RunID                string
	LastTokenIDCommitted string
	LastSourceOffset     int64
	AggregationState     AggregationState
	Counters             map[string]int64
}

// Manager implements the maybe_checkpoint/delete/latest protocol,
// throttled to an every-N-rows or every-T-seconds cadence so checkpointing
// never dominates row-processing cost.
type Manager struct {
	conn  *storage.Connection
	clock clock.Clock

	everyNRows    int
	everyDuration time.Duration

	rowsSinceLast int
	lastWriteAt   time.Time
}

// Config is the declarative `checkpoint: {every_n_rows, every_n_seconds}`
// surface.
type Config struct {
	EveryNRows    int
	EveryNSeconds int
}

// New builds a Manager against conn, throttled per cfg.
func New(conn *storage.Connection, c clock.Clock, cfg Config) *Manager {
	return &Manager{
		conn:          conn,
		clock:         c,
		everyNRows:    cfg.EveryNRows,
		everyDuration: time.Duration(cfg.EveryNSeconds) * time.Second,
	}
}

// MaybeCheckpoint is called after each completed terminal commit; it writes
// a new checkpoint row only when the configured row or time cadence has
// elapsed.
func (m *Manager) MaybeCheckpoint(ctx context.Context, cp Checkpoint) error {
	m.rowsSinceLast++

	due := m.everyNRows > 0 && m.rowsSinceLast >= m.everyNRows
	due = due || (m.everyDuration > 0 && m.clock.Now().Sub(m.lastWriteAt) >= m.everyDuration)

	if !due {
		return nil
	}

	if err := m.write(ctx, cp); err != nil {
		return err
	}

	m.rowsSinceLast = 0
	m.lastWriteAt = m.clock.Now()

	return nil
}

func (m *Manager) write(ctx context.Context, cp Checkpoint) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	aggState, err := json.Marshal(cp.AggregationState)
	if err != nil {
		return fmt.Errorf("checkpoint: marshal aggregation state: %w", err)
	}

	counters, err := json.Marshal(cp.Counters)
	if err != nil {
		return fmt.Errorf("checkpoint: marshal counters: %w", err)
	}

	const q = `
		INSERT INTO checkpoints (
			run_id, schema_version, last_token_id_committed,
			last_source_offset, aggregation_state, counters, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	_, err = m.conn.ExecContext(ctx, q,
		cp.RunID, schemaVersion, cp.LastTokenIDCommitted,
		cp.LastSourceOffset, aggState, counters, m.clock.Now(),
	)
	if err != nil {
		return fmt.Errorf("checkpoint: write: %w", err)
	}

	return nil
}

// Delete removes all checkpoints for runID, called at clean completion.
func (m *Manager) Delete(ctx context.Context, runID string) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	_, err := m.conn.ExecContext(ctx, `DELETE FROM checkpoints WHERE run_id = $1`, runID)
	if err != nil {
		return fmt.Errorf("checkpoint: delete: %w", err)
	}

	return nil
}

// Latest returns the most recently written checkpoint for runID, or
// (Checkpoint{}, false, nil) if none exists. Checkpoints are append-only;
// the latest row by created_at wins.
func (m *Manager) Latest(ctx context.Context, runID string) (Checkpoint, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	const q = `
		SELECT schema_version, last_token_id_committed, last_source_offset,
			aggregation_state, counters
		FROM checkpoints
		WHERE run_id = $1
		ORDER BY created_at DESC
		LIMIT 1
	`

	var (
		storedVersion int
		aggRaw        []byte
		counterRaw    []byte
		cp            Checkpoint
	)

	cp.RunID = runID

	row := m.conn.QueryRowContext(ctx, q, runID)

	err := row.Scan(&storedVersion, &cp.LastTokenIDCommitted, &cp.LastSourceOffset, &aggRaw, &counterRaw)
	if errors.Is(err, sql.ErrNoRows) {
		return Checkpoint{}, false, nil
	}

	if err != nil {
		return Checkpoint{}, false, fmt.Errorf("checkpoint: read latest: %w", err)
	}

	if storedVersion != schemaVersion {
		return Checkpoint{}, false, fmt.Errorf("%w: stored v%d, engine expects v%d",
			ErrIncompatibleSchema, storedVersion, schemaVersion)
	}

	if err := json.Unmarshal(aggRaw, &cp.AggregationState); err != nil {
		return Checkpoint{}, false, fmt.Errorf("checkpoint: unmarshal aggregation state: %w", err)
	}

	if err := json.Unmarshal(counterRaw, &cp.Counters); err != nil {
		return Checkpoint{}, false, fmt.Errorf("checkpoint: unmarshal counters: %w", err)
	}

	return cp, true, nil
}
