package main

import (
	"path/filepath"
	"testing"
	"time"

	"gpuwatch/internal/audit"
	"gpuwatch/internal/config"
	"gpuwatch/internal/telemetry"
)

func TestAuditSinksNoneConfigured(t *testing.T) {
	cfg := config.Default()
	sink, store, cleanup, err := auditSinks(t.Context(), &cfg, testLogger())
	if err != nil {
		t.Fatalf("auditSinks: %v", err)
	}
	defer cleanup()
	if sink != nil || store != nil {
		t.Fatalf("expected no sinks, got %T / %T", sink, store)
	}
}

func TestAuditSinksFileAndStore(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Sinks.AuditLog = filepath.Join(dir, "audit.jsonl")
	cfg.Sinks.AuditDB = filepath.Join(dir, "audit.db")

	ctx := t.Context()
	sink, store, cleanup, err := auditSinks(ctx, &cfg, testLogger())
	if err != nil {
		t.Fatalf("auditSinks: %v", err)
	}
	defer cleanup()
	if store == nil {
		t.Fatalf("expected the SQLite store to answer queries")
	}
	rec := audit.Record{
		Timestamp:     time.Unix(100, 0).UTC(),
		Actor:         "agent",
		Target:        "GPU-abc",
		Action:        "alert",
		Result:        audit.ResultDryRun,
		CorrelationID: audit.NewID(),
		Policy:        "thermal-safety",
	}
	if err := sink.Append(ctx, rec); err != nil {
		t.Fatalf("append: %v", err)
	}
	got, err := store.Query(ctx, audit.Filter{Policy: "thermal-safety"})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(got) != 1 || got[0].CorrelationID != rec.CorrelationID {
		t.Fatalf("unexpected records: %#v", got)
	}
}

func TestNewCollectorScenario(t *testing.T) {
	cfg := config.Default()
	cfg.Collector.Scenario = "thermal-runaway"
	c, phase, cleanup, err := newCollector(&cfg)
	if err != nil {
		t.Fatalf("newCollector: %v", err)
	}
	defer cleanup()
	if _, ok := c.(*telemetry.Generator); !ok {
		t.Fatalf("expected generator, got %T", c)
	}
	if phase == nil || phase() != "baseline" {
		t.Fatalf("expected scenario phase baseline")
	}

	cfg.Collector.Scenario = "no-such-scenario"
	if _, _, _, err := newCollector(&cfg); err == nil {
		t.Fatalf("expected error for unknown scenario")
	}
}

func TestNewCollectorReplayMissingFile(t *testing.T) {
	cfg := config.Default()
	cfg.Collector.Source = config.SourceReplay
	cfg.Collector.ReplayPath = filepath.Join(t.TempDir(), "missing.jsonl")
	if _, _, _, err := newCollector(&cfg); err == nil {
		t.Fatalf("expected error for missing replay file")
	}
}

