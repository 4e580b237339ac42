// Package audit provides the Postgres-backed append-only recorder the
// engine issues calls against for every run, node transition, external
// call, routing decision, batch lifecycle, and secret resolution.
// Upsert-on-conflict writes are guarded by a per-call context timeout, so
// the idempotency window on register_node and record_batch is bounded.
package audit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/elspeth-dev/elspeth/internal/fingerprint"
	"github.com/elspeth-dev/elspeth/internal/storage"
)

const queryTimeout = 5 * time.Second

// ErrRunNotFound is returned when an operation references a run_id with no
// begin_run record.
var ErrRunNotFound = errors.New("audit: run not found")

// NodeKind mirrors graph.Kind for register_node's plugin classification,
// kept as a plain string here so audit has no dependency on internal/graph.
type NodeKind string

// Status is the closed set of terminal/non-terminal outcomes a node state
// or batch can carry.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusRetrying  Status = "retrying"
)

// BatchRecord is one row returned by GetIncompleteBatches.
type BatchRecord struct {
	BatchID     string
	NodeID      string
	Status      Status
	StartedAt   time.Time
	CompletedAt sql.NullTime
	MemberCount int
	TriggerKind string
}

// Recorder implements the engine's append-only audit operations against a
// Postgres connection, fingerprinting request/response/secret payloads
// with a run-scoped HMAC key via internal/fingerprint.
type Recorder struct {
	conn   *storage.Connection
	runKey []byte
}

// New builds a Recorder. runKey should be derived once per run via
// fingerprint.DeriveRunKey so every fingerprint recorded for that run is
// keyed consistently.
func New(conn *storage.Connection, runKey []byte) *Recorder {
	return &Recorder{conn: conn, runKey: runKey}
}

// BeginRun records the start of a new run with its configuration
// fingerprint.
func (r *Recorder) BeginRun(ctx context.Context, runID string, startedAt time.Time, configFingerprint string) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	const q = `
		INSERT INTO audit_runs (run_id, started_at, config_fingerprint, status)
		VALUES ($1, $2, $3, $4)
	`

	_, err := r.conn.ExecContext(ctx, q, runID, startedAt, configFingerprint, StatusPending)
	if err != nil {
		return fmt.Errorf("audit: begin_run: %w", err)
	}

	return nil
}

// CompleteRun marks runID with a terminal status, called by the
// orchestrator at run end (clean, failed, or interrupted).
func (r *Recorder) CompleteRun(ctx context.Context, runID string, status Status) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	res, err := r.conn.ExecContext(ctx,
		`UPDATE audit_runs SET status = $2, completed_at = now() WHERE run_id = $1`, runID, status)
	if err != nil {
		return fmt.Errorf("audit: complete_run: %w", err)
	}

	return checkRowsAffected(res, runID)
}

// RegisterNode records a node's plugin assignment and declared schemas at
// pipeline init.
func (r *Recorder) RegisterNode(
	ctx context.Context,
	runID, nodeID string,
	kind NodeKind,
	pluginName string,
	inputSchemaJSON, outputSchemaJSON []byte,
) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	const q = `
		INSERT INTO audit_nodes (run_id, node_id, kind, plugin_name, input_schema, output_schema)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (run_id, node_id) DO UPDATE SET
			kind = EXCLUDED.kind,
			plugin_name = EXCLUDED.plugin_name,
			input_schema = EXCLUDED.input_schema,
			output_schema = EXCLUDED.output_schema
	`

	_, err := r.conn.ExecContext(ctx, q, runID, nodeID, string(kind), pluginName,
		nullableJSON(inputSchemaJSON), nullableJSON(outputSchemaJSON))
	if err != nil {
		return fmt.Errorf("audit: register_node: %w", err)
	}

	return nil
}

// RecordNodeState records one token's pass through one node and returns the
// generated state_id, used to correlate subsequent record_external_call and
// record_routing calls.
func (r *Recorder) RecordNodeState(
	ctx context.Context,
	runID, tokenID, nodeID string,
	status Status,
	inputHash, outputHash string,
	durationMs int64,
	startedAt time.Time,
) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	stateID := uuid.NewString()

	const q = `
		INSERT INTO audit_node_states (
			state_id, run_id, token_id, node_id, status,
			input_hash, output_hash, duration_ms, started_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`

	_, err := r.conn.ExecContext(ctx, q, stateID, runID, tokenID, nodeID, string(status),
		nullableString(inputHash), nullableString(outputHash), durationMs, startedAt)
	if err != nil {
		return "", fmt.Errorf("audit: record_node_state: %w", err)
	}

	return stateID, nil
}

// RecordExternalCall records one outbound call a node made while processing
// a token, keyed by a monotonic call_index within (run, node).
func (r *Recorder) RecordExternalCall(
	ctx context.Context,
	stateID string,
	callIndex int,
	kind, requestFingerprint, responseFingerprint string,
	durationMs int64,
	retryCount int,
) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	const q = `
		INSERT INTO audit_external_calls (
			state_id, call_index, kind, request_fingerprint,
			response_fingerprint, duration_ms, retry_count
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	_, err := r.conn.ExecContext(ctx, q, stateID, callIndex, kind,
		requestFingerprint, responseFingerprint, durationMs, retryCount)
	if err != nil {
		return fmt.Errorf("audit: record_external_call: %w", err)
	}

	return nil
}

// RecordRouting records a routing decision — a fork branch taken, a sink
// selected by on_error, a discard, or a coalesce duplicate-arrival event.
func (r *Recorder) RecordRouting(ctx context.Context, stateID, fromNode, toNode, label, reason string) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	const q = `
		INSERT INTO audit_routing_events (state_id, from_node, to_node, label, reason)
		VALUES ($1, $2, $3, $4, $5)
	`

	_, err := r.conn.ExecContext(ctx, q, stateID, fromNode, nullableString(toNode), label, reason)
	if err != nil {
		return fmt.Errorf("audit: record_routing: %w", err)
	}

	return nil
}

// RecordBatch records an aggregation batch's lifecycle.
func (r *Recorder) RecordBatch(
	ctx context.Context,
	batchID, nodeID string,
	status Status,
	startedAt time.Time,
	completedAt *time.Time,
	memberCount int,
	triggerKind string,
) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	const q = `
		INSERT INTO audit_batches (
			batch_id, node_id, status, started_at, completed_at, member_count, trigger_kind
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (batch_id) DO UPDATE SET
			status = EXCLUDED.status,
			completed_at = EXCLUDED.completed_at,
			member_count = EXCLUDED.member_count
	`

	_, err := r.conn.ExecContext(ctx, q, batchID, nodeID, string(status), startedAt,
		nullableTime(completedAt), memberCount, triggerKind)
	if err != nil {
		return fmt.Errorf("audit: record_batch: %w", err)
	}

	return nil
}

// RecordSecretResolution fingerprints value and records the resolution
// metadata — never the raw secret, only its HMAC-SHA256 fingerprint.
func (r *Recorder) RecordSecretResolution(
	ctx context.Context,
	runID, envVarName, source, vaultURL, secretName, value string,
	latencyMs int64,
) error {
	fp := fingerprint.Sign(r.runKey, []byte(value))

	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	const q = `
		INSERT INTO audit_secret_resolutions (
			run_id, env_var_name, source, vault_url, secret_name, fingerprint, latency_ms
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	_, err := r.conn.ExecContext(ctx, q, runID, envVarName, source,
		nullableString(vaultURL), nullableString(secretName), fp, latencyMs)
	if err != nil {
		return fmt.Errorf("audit: record_secret_resolution: %w", err)
	}

	return nil
}

// GetIncompleteBatches returns every batch for runID whose status is not
// terminal, used on resume to decide which in-flight batches need replay.
func (r *Recorder) GetIncompleteBatches(ctx context.Context, runID string) ([]BatchRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	const q = `
		SELECT ab.batch_id, ab.node_id, ab.status, ab.started_at, ab.completed_at,
			ab.member_count, ab.trigger_kind
		FROM audit_batches ab
		JOIN audit_nodes an ON an.node_id = ab.node_id
		WHERE an.run_id = $1 AND ab.status NOT IN ($2, $3)
		ORDER BY ab.started_at ASC
	`

	rows, err := r.conn.QueryContext(ctx, q, runID, StatusCompleted, StatusFailed)
	if err != nil {
		return nil, fmt.Errorf("audit: get_incomplete_batches: %w", err)
	}
	defer rows.Close()

	var out []BatchRecord

	for rows.Next() {
		var rec BatchRecord

		var status string

		if err := rows.Scan(&rec.BatchID, &rec.NodeID, &status, &rec.StartedAt,
			&rec.CompletedAt, &rec.MemberCount, &rec.TriggerKind); err != nil {
			return nil, fmt.Errorf("audit: scan incomplete batch: %w", err)
		}

		rec.Status = Status(status)
		out = append(out, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("audit: iterate incomplete batches: %w", err)
	}

	return out, nil
}

// UpdateBatchStatus transitions batchID to status.
func (r *Recorder) UpdateBatchStatus(ctx context.Context, batchID string, status Status) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	res, err := r.conn.ExecContext(ctx,
		`UPDATE audit_batches SET status = $2 WHERE batch_id = $1`, batchID, string(status))
	if err != nil {
		return fmt.Errorf("audit: update_batch_status: %w", err)
	}

	return checkRowsAffected(res, batchID)
}

// RetryBatch transitions batchID back to retrying, used when resume finds
// an incomplete batch that must be replayed.
func (r *Recorder) RetryBatch(ctx context.Context, batchID string) error {
	return r.UpdateBatchStatus(ctx, batchID, StatusRetrying)
}

// MaxCallIndex returns the highest call_index recorded for (run, node), so
// the caller can continue numbering external calls after a resume. Returns
// -1 if no calls have been recorded yet, so the first call after resume is
// index 0.
func (r *Recorder) MaxCallIndex(ctx context.Context, runID, nodeID string) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	const q = `
		SELECT COALESCE(MAX(ec.call_index), -1)
		FROM audit_external_calls ec
		JOIN audit_node_states ns ON ns.state_id = ec.state_id
		WHERE ns.run_id = $1 AND ns.node_id = $2
	`

	var maxIndex int

	if err := r.conn.QueryRowContext(ctx, q, runID, nodeID).Scan(&maxIndex); err != nil {
		return 0, fmt.Errorf("audit: max_call_index: %w", err)
	}

	return maxIndex, nil
}

func checkRowsAffected(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("audit: rows affected: %w", err)
	}

	if n == 0 {
		return fmt.Errorf("%w: %q", ErrRunNotFound, id)
	}

	return nil
}

func nullableString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullableJSON(b []byte) sql.NullString {
	if len(b) == 0 {
		return sql.NullString{}
	}

	return sql.NullString{String: string(b), Valid: true}
}

func nullableTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}

	return sql.NullTime{Time: *t, Valid: true}
}
