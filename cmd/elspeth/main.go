// Package main provides the Elspeth pipeline execution engine's reference
// entrypoint: it loads a graph definition, wires up the audit/checkpoint
// stores, and drives one run to completion. Concrete source/transform/sink
// plugins are out of scope for this repository — callers embed this
// wiring in their own binary and register the plugins their pipeline
// needs (internal/plugin documents the contracts).
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/elspeth-dev/elspeth/internal/aggregation"
	"github.com/elspeth-dev/elspeth/internal/audit"
	"github.com/elspeth-dev/elspeth/internal/checkpoint"
	"github.com/elspeth-dev/elspeth/internal/clock"
	"github.com/elspeth-dev/elspeth/internal/coalesce"
	"github.com/elspeth-dev/elspeth/internal/config"
	"github.com/elspeth-dev/elspeth/internal/fingerprint"
	"github.com/elspeth-dev/elspeth/internal/graph"
	"github.com/elspeth-dev/elspeth/internal/orchestrator"
	"github.com/elspeth-dev/elspeth/internal/plugin"
	"github.com/elspeth-dev/elspeth/internal/processor"
	"github.com/elspeth-dev/elspeth/internal/ratelimit"
	"github.com/elspeth-dev/elspeth/internal/retry"
	"github.com/elspeth-dev/elspeth/internal/secrets"
	"github.com/elspeth-dev/elspeth/internal/storage"
)

const (
	version = "0.1.0-dev"
	name    = "elspeth"

	defaultCheckpointRows    = 1000
	defaultCheckpointSeconds = 30
	defaultSinkBatchSize     = 500
	defaultRetryMaxAttempts  = 3
	defaultRetryBaseDelayMS  = 100
	defaultRetryMaxDelayMS   = 5000
)

func main() {
	versionFlag := flag.Bool("version", false, "show version information")
	flag.Parse()

	if *versionFlag {
		log.Printf("%s v%s\n", name, version)
		os.Exit(0)
	}

	logLevel := config.GetEnvLogLevel("ELSPETH_LOG_LEVEL", slog.LevelInfo)
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))

	logger.Info("starting elspeth engine", slog.String("version", version))

	graphCfg, err := graph.LoadConfigFromEnv()
	if err != nil {
		logger.Error("failed to load graph configuration", slog.Any("err", err))
		os.Exit(1)
	}

	nodes, edges, routes, err := graph.Compile(graphCfg)
	if err != nil {
		logger.Error("failed to compile graph configuration", slog.Any("err", err))
		os.Exit(1)
	}

	g, buildErrs := graph.Build(nodes, edges, routes)
	if len(buildErrs) > 0 {
		for _, e := range buildErrs {
			logger.Error("graph build error", slog.Any("err", e))
		}

		os.Exit(1)
	}

	if validationErrs := g.Validate(); len(validationErrs) > 0 {
		for _, e := range validationErrs {
			logger.Error("graph validation error", slog.Any("err", e))
		}

		os.Exit(1)
	}

	storageCfg := storage.LoadConfig()
	if err := storageCfg.Validate(); err != nil {
		logger.Error("invalid storage configuration", slog.Any("err", err))
		os.Exit(1)
	}

	conn, err := storage.NewConnection(storageCfg)
	if err != nil {
		logger.Error("failed to connect to storage", slog.String("database", storageCfg.MaskDatabaseURL()), slog.Any("err", err))
		os.Exit(1)
	}
	defer func() {
		if err := conn.Close(); err != nil {
			logger.Warn("error closing storage connection", slog.Any("err", err))
		}
	}()

	runID := config.GetEnvStr("ELSPETH_RUN_ID", uuid.NewString())

	masterSecret := []byte(config.GetEnvStr("ELSPETH_RUN_KEY_SECRET", ""))

	runKey, err := fingerprint.DeriveRunKey(masterSecret, runID)
	if err != nil {
		logger.Error("failed to derive run key", slog.Any("err", err))
		os.Exit(1)
	}

	recorder := audit.New(conn, runKey)

	checkpointMgr := checkpoint.New(conn, clock.Real{}, checkpoint.Config{
		EveryNRows:    config.GetEnvInt("ELSPETH_CHECKPOINT_EVERY_N_ROWS", defaultCheckpointRows),
		EveryNSeconds: config.GetEnvInt("ELSPETH_CHECKPOINT_EVERY_N_SECONDS", defaultCheckpointSeconds),
	})

	ctx, cancel := context.WithTimeout(context.Background(), config.GetEnvDuration("ELSPETH_RUN_TIMEOUT", 24*time.Hour))
	defer cancel()

	resolveDeclaredSecrets(ctx, logger, runID, recorder)

	// Source/transforms/sinks are the caller's responsibility to register:
	// this engine defines the contracts (internal/plugin) and drives them,
	// but ships no concrete implementations.
	transforms := map[string]plugin.Transform{}
	sinks := map[string]plugin.Sink{}

	// Aggregation/coalesce node configuration (trigger, merge policy,
	// transform assignment) is as pipeline-specific as the transforms
	// themselves; the caller populates these maps per aggregation/coalesce
	// node declared in its graph before calling Run. What's wired here is
	// the ambient part: every batch flush and every routing decision feeds
	// the same audit trail as an ordinary transform hop.
	aggregationNodes := map[string]aggregation.NodeConfig{}
	coalesceNodes := map[string]coalesce.NodeConfig{}

	for _, n := range g.Nodes {
		switch n.Kind {
		case graph.KindAggregation:
			aggregationNodes[n.NodeID] = aggregation.NodeConfig{}
		case graph.KindCoalesce:
			coalesceNodes[n.NodeID] = coalesce.NodeConfig{}
		}
	}

	aggExecutor := aggregation.New(aggregationNodes, clock.Real{}, func(rec aggregation.FlushRecord) {
		completedAt := rec.CompletedAt
		status := audit.StatusCompleted
		if rec.Status == aggregation.BatchFailed {
			status = audit.StatusFailed
		}
		if err := recorder.RecordBatch(context.Background(), rec.BatchID, rec.NodeID,
			status, rec.StartedAt, &completedAt, rec.MemberCount, string(rec.TriggerKind)); err != nil {
			logger.Warn("failed to record aggregation batch", slog.String("batch_id", rec.BatchID), slog.Any("err", err))
		}
	})

	coalesceExecutor := coalesce.New(coalesceNodes, clock.Real{}, func(ev coalesce.RoutingEvent) {
		if err := recorder.RecordRouting(context.Background(), "", ev.NodeID, "", ev.Branch, ev.Reason); err != nil {
			logger.Warn("failed to record coalesce routing event", slog.String("node_id", ev.NodeID), slog.Any("err", err))
		}
	})

	retryPolicy := retry.New(retry.Config{
		MaxAttempts: config.GetEnvInt("ELSPETH_RETRY_MAX_ATTEMPTS", defaultRetryMaxAttempts),
		BaseDelay:   time.Duration(config.GetEnvInt("ELSPETH_RETRY_BASE_DELAY_MS", defaultRetryBaseDelayMS)) * time.Millisecond,
		MaxDelay:    time.Duration(config.GetEnvInt("ELSPETH_RETRY_MAX_DELAY_MS", defaultRetryMaxDelayMS)) * time.Millisecond,
		Jitter:      config.GetEnvBool("ELSPETH_RETRY_JITTER", true),
	})

	// Endpoint rate limits are declared per external destination a
	// pipeline's plugins call out to; like aggregation/coalesce node
	// configuration, the caller populates this before Run.
	rateLimiter := ratelimit.New(map[string]ratelimit.EndpointConfig{})

	proc := processor.New(g, transforms, aggExecutor, coalesceExecutor, retryPolicy)

	shutdown := make(chan struct{})
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sig
		logger.Info("shutdown signal received, finishing in-flight row")
		close(shutdown)
	}()

	var source plugin.Source

	configFingerprint, err := fingerprint.SignValue(runKey, graphCfg)
	if err != nil {
		logger.Error("failed to fingerprint graph configuration", slog.Any("err", err))
		os.Exit(1)
	}

	orch := orchestrator.New(orchestrator.Config{
		RunID:             runID,
		ConfigFingerprint: configFingerprint,
		Graph:             g,
		Processor:         proc,
		Source:            source,
		Sinks:             sinks,
		SinkBatchSize:     config.GetEnvInt("ELSPETH_SINK_BATCH_SIZE", defaultSinkBatchSize),
		Checkpoint:        checkpointMgr,
		Audit:             recorder,
		Shutdown:          shutdown,
		Aggregation:       aggExecutor,
		Coalesce:          coalesceExecutor,
		RateLimit:         rateLimiter,
	})

	if source == nil {
		logger.Error("no source registered for this pipeline; embed this wiring and register a plugin.Source before calling Run")
		os.Exit(1)
	}

	summary, err := orch.Run(ctx)
	if err != nil {
		logger.Error("run failed", slog.String("run_id", runID), slog.Any("err", err))
		os.Exit(1)
	}

	logger.Info("run finished",
		slog.String("run_id", runID),
		slog.String("status", string(summary.Status)),
		slog.Int64("completed", summary.Counters.Completed),
		slog.Int64("failed", summary.Counters.Failed),
		slog.Int64("routed", summary.Counters.Routed),
		slog.Int64("quarantined", summary.Counters.Quarantined),
	)

	if summary.Status == orchestrator.StatusFailed {
		os.Exit(1)
	}
}

// resolveDeclaredSecrets resolves every environment-variable name listed in
// ELSPETH_SECRET_VARS (comma-separated) through an EnvResolver and audits
// each resolution. A pipeline that calls out to a vault-backed secret store
// instead of plain env vars supplies its own Resolver and wires this same
// pattern in its embedding binary; a failure to resolve or to audit a given
// secret is logged, never fatal, since the declaring plugin will surface its
// own error the first time it actually needs the missing value.
func resolveDeclaredSecrets(ctx context.Context, logger *slog.Logger, runID string, recorder *audit.Recorder) {
	names := config.ParseCommaSeparatedList(config.GetEnvStr("ELSPETH_SECRET_VARS", ""))
	if len(names) == 0 {
		return
	}

	resolver := secrets.EnvResolver{}

	for _, envVarName := range names {
		started := time.Now()

		res, err := resolver.Resolve(ctx, envVarName)
		if err != nil {
			logger.Warn("failed to resolve declared secret", slog.String("env_var", envVarName), slog.Any("err", err))
			continue
		}

		latencyMs := time.Since(started).Milliseconds()

		if err := recorder.RecordSecretResolution(ctx, runID, res.EnvVarName, string(res.Source),
			res.VaultURL, res.SecretName, res.Value, latencyMs); err != nil {
			logger.Warn("failed to record secret resolution", slog.String("env_var", envVarName), slog.Any("err", err))
		}
	}
}
