package aggregation_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/elspeth-dev/elspeth/internal/aggregation"
	"github.com/elspeth-dev/elspeth/internal/clock"
	"github.com/elspeth-dev/elspeth/internal/plugin"
	"github.com/elspeth-dev/elspeth/internal/processor"
	"github.com/elspeth-dev/elspeth/internal/schema"
	"github.com/elspeth-dev/elspeth/internal/token"
)

// fakeBatchTransform implements plugin.BatchAwareTransform by delivering a
// result synchronously from inside Accept, matching how a worker-pool-backed
// plugin would deliver asynchronously but without the goroutine scheduling
// nondeterminism a real test doesn't need.
type fakeBatchTransform struct {
	name     string
	onError  string
	receiver plugin.BatchOutputReceiver
	process  func(tokenID string, row token.RowData) (plugin.TransformResult, *plugin.ErrorReason)
}

func (f *fakeBatchTransform) Name() string                 { return f.name }
func (f *fakeBatchTransform) InputSchema() schema.Contract  { return schema.Contract{} }
func (f *fakeBatchTransform) OutputSchema() schema.Contract { return schema.Contract{} }
func (f *fakeBatchTransform) SchemaConfig() schema.Mode     { return schema.ModeFlexible }
func (f *fakeBatchTransform) OnError() string               { return f.onError }
func (f *fakeBatchTransform) IsBatchAware() bool            { return true }

func (f *fakeBatchTransform) Process(_ context.Context, _ token.RowData) (plugin.TransformResult, *plugin.ErrorReason) {
	return plugin.TransformResult{}, nil
}

func (f *fakeBatchTransform) Accept(_ context.Context, tokenID string, row token.RowData) error {
	result, errReason := f.process(tokenID, row)
	f.receiver.Deliver(tokenID, result, errReason)

	return nil
}

func (f *fakeBatchTransform) ConnectOutput(adapter plugin.BatchOutputReceiver, _ int) {
	f.receiver = adapter
}

func mustToken(t *testing.T, rowID string) token.Token {
	t.Helper()

	tok, err := token.NewSourceToken(rowID, token.RowData{"id": rowID})
	require.NoError(t, err)

	return tok
}

func TestExecutor_Buffer_CountTriggerFiresAndFlushesPassthrough(t *testing.T) {
	var flushed []aggregation.FlushRecord

	e := aggregation.New(map[string]aggregation.NodeConfig{
		"agg": {
			Trigger:    aggregation.Trigger{Kind: aggregation.TriggerCount, Threshold: 2},
			OutputMode: aggregation.OutputPassthrough,
		},
	}, clock.NewFake(time.Unix(0, 0)), func(rec aggregation.FlushRecord) {
		flushed = append(flushed, rec)
	})

	ctx := context.Background()

	out, err := e.Buffer(ctx, "agg", mustToken(t, "1"))
	require.NoError(t, err)
	require.False(t, out.Fired)

	out, err = e.Buffer(ctx, "agg", mustToken(t, "2"))
	require.NoError(t, err)
	require.True(t, out.Fired)
	require.Len(t, out.Outputs, 2)

	require.Len(t, flushed, 1)
	require.Equal(t, aggregation.TriggerCount, flushed[0].TriggerKind)
	require.Equal(t, aggregation.BatchCompleted, flushed[0].Status)
}

func TestExecutor_Buffer_UnknownNodeErrors(t *testing.T) {
	e := aggregation.New(map[string]aggregation.NodeConfig{}, clock.NewFake(time.Unix(0, 0)), nil)

	_, err := e.Buffer(context.Background(), "does-not-exist", mustToken(t, "1"))
	require.Error(t, err)
}

func TestExecutor_CheckTimeouts_FlushesElapsedBatch(t *testing.T) {
	fake := clock.NewFake(time.Unix(0, 0))

	e := aggregation.New(map[string]aggregation.NodeConfig{
		"agg": {
			Trigger:    aggregation.Trigger{Kind: aggregation.TriggerTimeout, QuietSeconds: 30},
			OutputMode: aggregation.OutputPassthrough,
		},
	}, fake, nil)

	ctx := context.Background()

	out, err := e.Buffer(ctx, "agg", mustToken(t, "1"))
	require.NoError(t, err)
	require.False(t, out.Fired)

	results, err := e.CheckTimeouts(ctx)
	require.NoError(t, err)
	require.Empty(t, results)

	fake.Advance(31 * time.Second)

	results, err = e.CheckTimeouts(ctx)
	require.NoError(t, err)
	require.Len(t, results["agg"], 1)
}

func TestExecutor_FlushEndOfSource_FlushesEveryOpenBatch(t *testing.T) {
	e := aggregation.New(map[string]aggregation.NodeConfig{
		"agg": {
			Trigger:    aggregation.Trigger{Kind: aggregation.TriggerCount, Threshold: 100},
			OutputMode: aggregation.OutputPassthrough,
		},
	}, clock.NewFake(time.Unix(0, 0)), nil)

	ctx := context.Background()

	_, err := e.Buffer(ctx, "agg", mustToken(t, "1"))
	require.NoError(t, err)

	results, err := e.FlushEndOfSource(ctx)
	require.NoError(t, err)
	require.Len(t, results["agg"], 1)
}

func TestExecutor_SingleOutputMode_MergesMembersThroughTransform(t *testing.T) {
	transform := &fakeBatchTransform{
		name: "merge",
		process: func(_ string, row token.RowData) (plugin.TransformResult, *plugin.ErrorReason) {
			members, _ := row["members"].([]any)

			return plugin.TransformResult{Outcome: plugin.TransformSuccess, OutputRow: token.RowData{
				"count": len(members),
			}}, nil
		},
	}

	e := aggregation.New(map[string]aggregation.NodeConfig{
		"agg": {
			Trigger:    aggregation.Trigger{Kind: aggregation.TriggerCount, Threshold: 2},
			OutputMode: aggregation.OutputSingle,
			Transform:  transform,
		},
	}, clock.NewFake(time.Unix(0, 0)), nil)

	ctx := context.Background()

	_, err := e.Buffer(ctx, "agg", mustToken(t, "1"))
	require.NoError(t, err)

	out, err := e.Buffer(ctx, "agg", mustToken(t, "2"))
	require.NoError(t, err)
	require.True(t, out.Fired)
	require.Len(t, out.Outputs, 1)
	require.Equal(t, 2, out.Outputs[0].Output.RowData["count"])
	require.False(t, out.Outputs[0].Failed)
}

func TestExecutor_SingleOutputMode_FailureRoutesWholeBatch(t *testing.T) {
	transform := &fakeBatchTransform{
		name:    "merge",
		onError: "dead-letter",
		process: func(_ string, _ token.RowData) (plugin.TransformResult, *plugin.ErrorReason) {
			return plugin.TransformResult{}, &plugin.ErrorReason{Kind: "validation", Message: "bad batch"}
		},
	}

	var flushed []aggregation.FlushRecord

	e := aggregation.New(map[string]aggregation.NodeConfig{
		"agg": {
			Trigger:    aggregation.Trigger{Kind: aggregation.TriggerCount, Threshold: 1},
			OutputMode: aggregation.OutputSingle,
			Transform:  transform,
		},
	}, clock.NewFake(time.Unix(0, 0)), func(rec aggregation.FlushRecord) {
		flushed = append(flushed, rec)
	})

	out, err := e.Buffer(context.Background(), "agg", mustToken(t, "1"))
	require.NoError(t, err)
	require.True(t, out.Fired)
	require.Len(t, out.Outputs, 1)
	require.True(t, out.Outputs[0].Failed)
	require.Equal(t, processor.Routed, out.Outputs[0].Outcome)
	require.Equal(t, "dead-letter", out.Outputs[0].SinkName)

	require.Len(t, flushed, 1)
	require.Equal(t, aggregation.BatchFailed, flushed[0].Status)
}

func TestExecutor_TransformOutputMode_PerMemberFailureMarksBatchFailedButKeepsGoodMembers(t *testing.T) {
	transform := &fakeBatchTransform{
		name: "per-row",
		process: func(tokenID string, row token.RowData) (plugin.TransformResult, *plugin.ErrorReason) {
			if row["id"] == "bad" {
				return plugin.TransformResult{}, &plugin.ErrorReason{Kind: "validation", Message: "bad row"}
			}

			return plugin.TransformResult{Outcome: plugin.TransformSuccess, OutputRow: row}, nil
		},
	}

	var flushed []aggregation.FlushRecord

	e := aggregation.New(map[string]aggregation.NodeConfig{
		"agg": {
			Trigger:    aggregation.Trigger{Kind: aggregation.TriggerCount, Threshold: 2},
			OutputMode: aggregation.OutputTransform,
			Transform:  transform,
		},
	}, clock.NewFake(time.Unix(0, 0)), func(rec aggregation.FlushRecord) {
		flushed = append(flushed, rec)
	})

	ctx := context.Background()

	good, err := token.NewSourceToken("1", token.RowData{"id": "good"})
	require.NoError(t, err)
	bad, err := token.NewSourceToken("2", token.RowData{"id": "bad"})
	require.NoError(t, err)

	_, err = e.Buffer(ctx, "agg", good)
	require.NoError(t, err)

	out, err := e.Buffer(ctx, "agg", bad)
	require.NoError(t, err)
	require.True(t, out.Fired)
	require.Len(t, out.Outputs, 2)

	var sawFailed, sawOK bool
	for _, o := range out.Outputs {
		if o.Failed {
			sawFailed = true
			require.Equal(t, processor.Failed, o.Outcome)
		} else {
			sawOK = true
		}
	}
	require.True(t, sawFailed)
	require.True(t, sawOK)

	require.Len(t, flushed, 1)
	require.Equal(t, aggregation.BatchFailed, flushed[0].Status)
}

func TestExecutor_SnapshotAndRestoreRoundTripsOpenBatch(t *testing.T) {
	e := aggregation.New(map[string]aggregation.NodeConfig{
		"agg": {
			Trigger:    aggregation.Trigger{Kind: aggregation.TriggerCount, Threshold: 100},
			OutputMode: aggregation.OutputPassthrough,
		},
	}, clock.NewFake(time.Unix(0, 0)), nil)

	ctx := context.Background()
	_, err := e.Buffer(ctx, "agg", mustToken(t, "1"))
	require.NoError(t, err)

	snaps := e.Snapshot()
	require.Len(t, snaps, 1)
	require.Equal(t, "agg", snaps[0].NodeID)
	require.Len(t, snaps[0].Members, 1)

	restored := aggregation.New(map[string]aggregation.NodeConfig{
		"agg": {
			Trigger:    aggregation.Trigger{Kind: aggregation.TriggerCount, Threshold: 2},
			OutputMode: aggregation.OutputPassthrough,
		},
	}, clock.NewFake(time.Unix(0, 0)), nil)
	restored.Restore(snaps)

	out, err := restored.Buffer(ctx, "agg", mustToken(t, "2"))
	require.NoError(t, err)
	require.True(t, out.Fired)
	require.Len(t, out.Outputs, 2)
}
