package agent

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gpuwatch/internal/audit"
	"gpuwatch/internal/config"
	"gpuwatch/internal/predictive"
	"gpuwatch/internal/rca"
	"gpuwatch/internal/telemetry"
)

func sampleSnapshot() telemetry.Snapshot {
	return telemetry.Snapshot{
		Node:      "gpu-01",
		Timestamp: time.Unix(0, 0).UTC(),
		Accelerators: []telemetry.AcceleratorHealth{{
			UUID:            "GPU-abc",
			Index:           0,
			UtilizationPct:  telemetry.F64(42),
			TemperatureC:    telemetry.F64(88),
			ECCCorrected:    telemetry.U64(3),
			ThermalThrottle: true,
		}},
	}
}

func sampleDetection() rca.Detection {
	return rca.Detection{
		Cause:        rca.CauseThermalThrottling,
		Confidence:   0.9,
		Subject:      "GPU-abc",
		WindowStart:  time.Unix(0, 0).UTC(),
		WindowEnd:    time.Unix(60, 0).UTC(),
		BaselineUtil: 90,
		ObservedUtil: 40,
		Description:  "thermal throttle active",
	}
}

func sampleRisk() predictive.Assessment {
	return predictive.Assessment{
		Subject:            "GPU-abc",
		RiskScore:          80,
		FailureProbability: 0.64,
		Factors:            []predictive.Factor{{Name: predictive.FactorUncorrectedECC, Weight: 80}},
		Samples:            3,
		AssessedAt:         time.Unix(60, 0).UTC(),
	}
}

func TestFileWriter(t *testing.T) {
	dir := t.TempDir()
	snapPath := filepath.Join(dir, "snapshots.jsonl")
	detPath := filepath.Join(dir, "detections.jsonl")
	riskPath := filepath.Join(dir, "risk.jsonl")

	fw, err := NewFileWriter(snapPath, detPath, riskPath)
	if err != nil {
		t.Fatalf("NewFileWriter: %v", err)
	}
	if err := fw.WriteSnapshot(sampleSnapshot()); err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if err := writeDetections(fw, []rca.Detection{sampleDetection(), sampleDetection()}); err != nil {
		t.Fatalf("detections: %v", err)
	}
	if err := fw.WriteRisk(sampleRisk()); err != nil {
		t.Fatalf("risk: %v", err)
	}
	if err := fw.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	var snap telemetry.Snapshot
	decodeLines(t, snapPath, 1, &snap)
	if snap.Node != "gpu-01" || *snap.Accelerators[0].TemperatureC != 88 {
		t.Fatalf("unexpected snapshot: %#v", snap)
	}
	var det rca.Detection
	decodeLines(t, detPath, 2, &det)
	if det.Cause != rca.CauseThermalThrottling || det.ObservedUtil != 40 {
		t.Fatalf("unexpected detection: %#v", det)
	}
	var risk predictive.Assessment
	decodeLines(t, riskPath, 1, &risk)
	if risk.RiskScore != 80 || len(risk.Factors) != 1 {
		t.Fatalf("unexpected risk: %#v", risk)
	}
}

func TestFileWriterAppendsAndSkipsEmptyPaths(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshots.jsonl")
	for range 2 {
		fw, err := NewFileWriter(path, "", "")
		if err != nil {
			t.Fatalf("NewFileWriter: %v", err)
		}
		if err := fw.WriteSnapshot(sampleSnapshot()); err != nil {
			t.Fatalf("snapshot: %v", err)
		}
		if err := fw.WriteDetection(sampleDetection()); err != nil {
			t.Fatalf("detection without a path should be dropped: %v", err)
		}
		fw.Close()
	}
	var snap telemetry.Snapshot
	decodeLines(t, path, 2, &snap)
}

// decodeLines checks the line count of a JSONL file and decodes the last line into v.
func decodeLines(t *testing.T, path string, want int, v any) {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	var lines []string
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	if len(lines) != want {
		t.Fatalf("%s: %d lines, want %d", filepath.Base(path), len(lines), want)
	}
	if err := json.Unmarshal([]byte(lines[len(lines)-1]), v); err != nil {
		t.Fatalf("decode %s: %v", path, err)
	}
}

func TestJSONStdoutWriterKinds(t *testing.T) {
	buf := &bytes.Buffer{}
	w := &JSONStdoutWriter{out: buf}
	if err := w.WriteSnapshot(sampleSnapshot()); err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if err := w.WriteDetection(sampleDetection()); err != nil {
		t.Fatalf("detection: %v", err)
	}
	if err := w.WriteRisk(sampleRisk()); err != nil {
		t.Fatalf("risk: %v", err)
	}
	if err := w.WriteAudit(audit.Record{Policy: "thermal-safety", Result: audit.ResultDryRun}); err != nil {
		t.Fatalf("audit: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	want := []string{"snapshot", "detection", "risk", "audit"}
	if len(lines) != len(want) {
		t.Fatalf("got %d lines, want %d", len(lines), len(want))
	}
	for i, l := range lines {
		var got jsonLine
		if err := json.Unmarshal([]byte(l), &got); err != nil {
			t.Fatalf("decode line %d: %v", i, err)
		}
		if got.Kind != want[i] {
			t.Fatalf("line %d kind = %s, want %s", i, got.Kind, want[i])
		}
	}
}

func TestColorStdoutWriter(t *testing.T) {
	cfg := config.Default()
	cfg.Node = "gpu-01"
	buf := &bytes.Buffer{}
	w := &ColorStdoutWriter{cfg: &cfg, out: buf}

	if err := w.WriteSnapshot(sampleSnapshot()); err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "Agent Configuration:") {
		t.Fatalf("expected overview, got %q", out)
	}
	if !strings.Contains(out, colorRed+"temp=88.0") {
		t.Fatalf("hot temperature not highlighted: %q", out)
	}
	if !strings.Contains(out, "power=n/a") || !strings.Contains(out, "throttle=thermal") {
		t.Fatalf("unexpected snapshot line: %q", out)
	}

	buf.Reset()
	_ = w.WriteSnapshot(sampleSnapshot())
	if strings.Contains(buf.String(), "Agent Configuration:") {
		t.Fatalf("overview printed twice")
	}

	buf.Reset()
	_ = w.WriteRisk(predictive.Assessment{Subject: "GPU-abc"})
	if buf.Len() != 0 {
		t.Fatalf("zero risk should be silent, got %q", buf.String())
	}
	_ = w.WriteRisk(sampleRisk())
	if !strings.Contains(buf.String(), "RISK") || !strings.Contains(buf.String(), "uncorrected_ecc") {
		t.Fatalf("unexpected risk line: %q", buf.String())
	}

	buf.Reset()
	_ = w.WriteDetection(sampleDetection())
	if !strings.Contains(buf.String(), "cause=thermal_throttling") {
		t.Fatalf("unexpected detection line: %q", buf.String())
	}
}

type recordingWriter struct {
	Discard
	snaps  int
	risks  int
	audits int
	admin  bool
	closed bool
	err    error
}

func (r *recordingWriter) WriteSnapshot(telemetry.Snapshot) error { r.snaps++; return r.err }
func (r *recordingWriter) WriteRisk(predictive.Assessment) error  { r.risks++; return r.err }
func (r *recordingWriter) WriteAudit(audit.Record) error          { r.audits++; return nil }
func (r *recordingWriter) SetAdminStatus(on bool)                 { r.admin = on }
func (r *recordingWriter) Close() error                           { r.closed = true; return nil }

type batchingWriter struct {
	Discard
	batches int
}

func (b *batchingWriter) WriteRisks([]predictive.Assessment) error { b.batches++; return nil }

func TestMultiWriterFansOut(t *testing.T) {
	failing := &recordingWriter{err: errors.New("boom")}
	ok := &recordingWriter{}
	batch := &batchingWriter{}
	mw := NewMultiWriter(failing, ok, batch)

	if err := mw.WriteSnapshot(sampleSnapshot()); err == nil {
		t.Fatalf("expected joined error")
	}
	if ok.snaps != 1 {
		t.Fatalf("failing writer blocked delivery")
	}
	_ = mw.WriteRisks([]predictive.Assessment{sampleRisk(), sampleRisk()})
	if ok.risks != 2 || batch.batches != 1 {
		t.Fatalf("risks = %d, batches = %d", ok.risks, batch.batches)
	}
	if err := mw.WriteAudit(audit.Record{}); err != nil {
		t.Fatalf("audit: %v", err)
	}
	mw.SetAdminStatus(true)
	if !ok.admin || ok.audits != 1 {
		t.Fatalf("audit/admin not forwarded")
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if !ok.closed || !failing.closed {
		t.Fatalf("closers not closed")
	}
}
