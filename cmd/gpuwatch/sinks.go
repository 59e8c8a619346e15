package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"gpuwatch/internal/agent"
	"gpuwatch/internal/audit"
	"gpuwatch/internal/config"
	"gpuwatch/internal/scenario"
	"gpuwatch/internal/telemetry"
)

// auditSinks opens every configured audit destination. The SQLite store,
// when configured, also answers audit queries.
func auditSinks(ctx context.Context, cfg *config.Config, logger *slog.Logger) (audit.Sink, agent.AuditQuerier, func(), error) {
	var (
		sinks   audit.Multi
		closers []io.Closer
		store   agent.AuditQuerier
	)
	cleanup := func() {
		for _, c := range closers {
			if err := c.Close(); err != nil {
				logger.Warn("closing audit sink", "err", err)
			}
		}
	}
	if path := cfg.Sinks.AuditLog; path != "" {
		fs, err := audit.NewFileSink(path)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("audit log: %w", err)
		}
		sinks = append(sinks, fs)
		closers = append(closers, fs)
	}
	if path := cfg.Sinks.AuditDB; path != "" {
		db, err := audit.OpenSQLiteStore(ctx, path)
		if err != nil {
			cleanup()
			return nil, nil, nil, fmt.Errorf("audit store: %w", err)
		}
		sinks = append(sinks, db)
		closers = append(closers, db)
		store = db
	}
	if url := cfg.Sinks.NATS.URL; url != "" {
		ns, err := audit.NewNATSSink(url, cfg.Sinks.NATS.Subject)
		if err != nil {
			cleanup()
			return nil, nil, nil, fmt.Errorf("audit stream: %w", err)
		}
		logger.Info("publishing audit records", "url", url, "subject", cfg.Sinks.NATS.Subject)
		sinks = append(sinks, ns)
		closers = append(closers, ns)
	}
	if len(sinks) == 0 {
		return nil, store, cleanup, nil
	}
	return sinks, store, cleanup, nil
}

// newCollector builds the snapshot source named by the config. phase is
// non-nil when a scenario drives the synthetic generator.
func newCollector(cfg *config.Config) (c telemetry.Collector, phase func() string, cleanup func(), err error) {
	switch cfg.Collector.Source {
	case config.SourceReplay:
		rs, err := telemetry.OpenReplayFile(cfg.Collector.ReplayPath)
		if err != nil {
			return nil, nil, nil, err
		}
		return rs, nil, func() { rs.Close() }, nil
	default:
		opts := telemetry.GeneratorOptions{
			Node:         cfg.Node,
			Accelerators: cfg.Collector.Accelerators,
			Seed:         cfg.Collector.Seed,
		}
		if cfg.Collector.Scenario != "" {
			sc, err := scenario.Resolve(cfg.Collector.Scenario)
			if err != nil {
				return nil, nil, nil, err
			}
			runner := scenario.NewRunner(sc)
			opts.Faults = runner
			phase = runner.Phase
		}
		return telemetry.NewGenerator(opts), phase, func() {}, nil
	}
}
