package audit_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"

	"github.com/elspeth-dev/elspeth/internal/audit"
	"github.com/elspeth-dev/elspeth/internal/config"
	"github.com/elspeth-dev/elspeth/internal/fingerprint"
	"github.com/elspeth-dev/elspeth/internal/storage"
)

func setup(t *testing.T) *storage.Connection {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	testDB := config.SetupTestDatabase(ctx, t)

	t.Cleanup(func() {
		_ = testDB.Connection.Close()
		_ = testcontainers.TerminateContainer(testDB.Container)
	})

	return &storage.Connection{DB: testDB.Connection}
}

func newRecorder(t *testing.T, conn *storage.Connection) *audit.Recorder {
	t.Helper()

	key, err := fingerprint.DeriveRunKey([]byte("test-master-secret"), "run-1")
	require.NoError(t, err)

	return audit.New(conn, key)
}

func TestRecorder_BeginRunAndCompleteRun(t *testing.T) {
	conn := setup(t)
	r := newRecorder(t, conn)
	ctx := context.Background()

	require.NoError(t, r.BeginRun(ctx, "run-1", time.Now(), "cfg-fingerprint"))
	require.NoError(t, r.CompleteRun(ctx, "run-1", audit.StatusCompleted))

	err := r.CompleteRun(ctx, "nonexistent-run", audit.StatusCompleted)
	require.ErrorIs(t, err, audit.ErrRunNotFound)
}

func TestRecorder_RegisterNodeIsIdempotentOnConflict(t *testing.T) {
	conn := setup(t)
	r := newRecorder(t, conn)
	ctx := context.Background()

	require.NoError(t, r.BeginRun(ctx, "run-2", time.Now(), "cfg"))

	require.NoError(t, r.RegisterNode(ctx, "run-2", "node-a", "source", "csv_source", nil, []byte(`{"fields":["id"]}`)))
	require.NoError(t, r.RegisterNode(ctx, "run-2", "node-a", "source", "csv_source_v2", nil, []byte(`{"fields":["id","name"]}`)))
}

func TestRecorder_NodeStateAndExternalCallLifecycle(t *testing.T) {
	conn := setup(t)
	r := newRecorder(t, conn)
	ctx := context.Background()

	require.NoError(t, r.BeginRun(ctx, "run-3", time.Now(), "cfg"))
	require.NoError(t, r.RegisterNode(ctx, "run-3", "node-b", "transform", "enrich", nil, nil))

	stateID, err := r.RecordNodeState(ctx, "run-3", "tok-1", "node-b", audit.StatusCompleted, "hash-in", "hash-out", 12, time.Now())
	require.NoError(t, err)
	require.NotEmpty(t, stateID)

	maxBefore, err := r.MaxCallIndex(ctx, "run-3", "node-b")
	require.NoError(t, err)
	require.Equal(t, -1, maxBefore)

	require.NoError(t, r.RecordExternalCall(ctx, stateID, 0, "http", "req-fp", "resp-fp", 42, 0))
	require.NoError(t, r.RecordExternalCall(ctx, stateID, 1, "http", "req-fp-2", "resp-fp-2", 55, 1))

	maxAfter, err := r.MaxCallIndex(ctx, "run-3", "node-b")
	require.NoError(t, err)
	require.Equal(t, 1, maxAfter)

	require.NoError(t, r.RecordRouting(ctx, stateID, "node-b", "node-c", "default", "continue"))
}

func TestRecorder_BatchLifecycleAndIncompleteBatches(t *testing.T) {
	conn := setup(t)
	r := newRecorder(t, conn)
	ctx := context.Background()

	require.NoError(t, r.BeginRun(ctx, "run-4", time.Now(), "cfg"))
	require.NoError(t, r.RegisterNode(ctx, "run-4", "node-agg", "aggregation", "batcher", nil, nil))

	started := time.Now()
	require.NoError(t, r.RecordBatch(ctx, "batch-1", "node-agg", audit.StatusPending, started, nil, 3, "count"))

	incomplete, err := r.GetIncompleteBatches(ctx, "run-4")
	require.NoError(t, err)
	require.Len(t, incomplete, 1)
	require.Equal(t, "batch-1", incomplete[0].BatchID)

	require.NoError(t, r.RetryBatch(ctx, "batch-1"))

	completed := time.Now()
	require.NoError(t, r.RecordBatch(ctx, "batch-1", "node-agg", audit.StatusCompleted, started, &completed, 3, "count"))

	incomplete, err = r.GetIncompleteBatches(ctx, "run-4")
	require.NoError(t, err)
	require.Empty(t, incomplete)
}

func TestRecorder_RecordSecretResolutionNeverStoresRawValue(t *testing.T) {
	conn := setup(t)
	r := newRecorder(t, conn)
	ctx := context.Background()

	require.NoError(t, r.BeginRun(ctx, "run-5", time.Now(), "cfg"))
	require.NoError(t, r.RecordSecretResolution(ctx, "run-5", "API_KEY", "env", "", "API_KEY", "super-secret-value", 3))

	var storedValue string

	row := conn.QueryRow(`SELECT fingerprint FROM audit_secret_resolutions WHERE run_id = $1`, "run-5")
	require.NoError(t, row.Scan(&storedValue))
	require.NotContains(t, storedValue, "super-secret-value")
	require.NotEmpty(t, storedValue)
}
