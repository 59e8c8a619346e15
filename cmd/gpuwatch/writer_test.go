package main

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"gpuwatch/internal/agent"
	"gpuwatch/internal/config"
	"gpuwatch/internal/telemetry"
)

func testLogger() *slog.Logger { return slog.New(slog.DiscardHandler) }

func TestNewWritersPrintOnly(t *testing.T) {
	cfg := config.Default()
	cfg.Sinks.Greptime.Endpoint = "greptime:4001"
	w, tui, cleanup, err := newWriters(&cfg, writerOptions{printOnly: true, json: true}, testLogger())
	if err != nil {
		t.Fatalf("newWriters returned error: %v", err)
	}
	cleanup()
	if tui != nil {
		t.Fatalf("unexpected TUI")
	}
	if _, ok := w.(*agent.JSONStdoutWriter); !ok {
		t.Fatalf("expected *agent.JSONStdoutWriter, got %T", w)
	}
}

func TestNewWritersGreptimeFallback(t *testing.T) {
	cfg := config.Default()
	cfg.Sinks.Greptime.Endpoint = ""
	w, _, cleanup, err := newWriters(&cfg, writerOptions{json: true}, testLogger())
	if err != nil {
		t.Fatalf("newWriters returned error: %v", err)
	}
	cleanup()
	if _, ok := w.(*agent.JSONStdoutWriter); !ok {
		t.Fatalf("expected *agent.JSONStdoutWriter, got %T", w)
	}
}

func TestNewWritersLogFiles(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Sinks.SnapshotLog = filepath.Join(dir, "snapshots.jsonl")
	cfg.Sinks.RiskLog = filepath.Join(dir, "risk.jsonl")

	w, _, cleanup, err := newWriters(&cfg, writerOptions{printOnly: true, json: true}, testLogger())
	if err != nil {
		t.Fatalf("newWriters returned error: %v", err)
	}
	if _, ok := w.(*agent.MultiWriter); !ok {
		t.Fatalf("expected *agent.MultiWriter, got %T", w)
	}
	snap := telemetry.Snapshot{Node: "gpu-01", Timestamp: time.Now(),
		Accelerators: []telemetry.AcceleratorHealth{{UUID: "GPU-abc"}}}
	if err := w.WriteSnapshot(snap); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	cleanup()

	info, err := os.Stat(cfg.Sinks.SnapshotLog)
	if err != nil {
		t.Fatalf("stat failed: %v", err)
	}
	if info.Size() == 0 {
		t.Fatalf("expected snapshot log to be non-empty")
	}
	if _, err := os.Stat(filepath.Join(dir, "detections.jsonl")); !os.IsNotExist(err) {
		t.Fatalf("detection log should not be created")
	}
}
