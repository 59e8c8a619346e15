package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gpuwatch/internal/config"
	"gpuwatch/internal/policy"
	"gpuwatch/internal/telemetry"
)

func TestPlanInputLastSnapshot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshots.jsonl")
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for i := range 3 {
		s := telemetry.Snapshot{
			Node:      "gpu-01",
			Timestamp: time.Unix(int64(i*15), 0).UTC(),
			Accelerators: []telemetry.AcceleratorHealth{
				{UUID: "GPU-abc", TemperatureC: telemetry.F64(float64(70 + i))},
			},
		}
		if err := enc.Encode(s); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg := config.Default()
	snap, err := planInput(t.Context(), &cfg, path)
	if err != nil {
		t.Fatalf("planInput: %v", err)
	}
	if got := *snap.Accelerators[0].TemperatureC; got != 72 {
		t.Fatalf("temperature = %v, want the last line (72)", got)
	}
}

func TestPlanInputEmptyLog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.jsonl")
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg := config.Default()
	if _, err := planInput(t.Context(), &cfg, path); err == nil {
		t.Fatalf("expected error for empty log")
	}
}

func TestPlanInputSynthetic(t *testing.T) {
	cfg := config.Default()
	cfg.Node = "gpu-01"
	snap, err := planInput(t.Context(), &cfg, "")
	if err != nil {
		t.Fatalf("planInput: %v", err)
	}
	if snap.Node != "gpu-01" || len(snap.Accelerators) != cfg.Collector.Accelerators {
		t.Fatalf("unexpected synthetic snapshot: node=%s accelerators=%d", snap.Node, len(snap.Accelerators))
	}
}

func TestRenderPlan(t *testing.T) {
	res := policy.PlanResult{
		Profile: "datacenter-defaults",
		Active:  true,
		Rows: []policy.PlanRow{
			{Policy: "thermal-safety", Target: "GPU-abc", Value: "88.0", Condition: "> 82",
				Status: policy.PlanViolated, Action: "throttle_power map[limit_watts:250]"},
			{Policy: "thermal-safety", Target: "GPU-def", Value: "61.0", Condition: "> 82",
				Status: policy.PlanSatisfied},
			{Policy: "nic-loss", Target: "all", Value: "n/a", Condition: "> 1",
				Status: policy.PlanSkipped, Reason: "signal absent"},
		},
	}
	var buf bytes.Buffer
	renderPlan(&buf, res)
	out := buf.String()
	for _, want := range []string{
		"Profile datacenter-defaults (active)",
		"GPU-abc", "VIOLATED", "SATISFIED", "SKIPPED", "signal absent",
		"1 of 3 checks violated",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("output missing %q:\n%s", want, out)
		}
	}
}
