package agent

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"gpuwatch/internal/audit"
	"gpuwatch/internal/predictive"
	"gpuwatch/internal/rca"
	"gpuwatch/internal/telemetry"
)

// jsonLine tags each stdout record with its stream.
type jsonLine struct {
	Kind      string                 `json:"kind"`
	Snapshot  *telemetry.Snapshot    `json:"snapshot,omitempty"`
	Detection *rca.Detection         `json:"detection,omitempty"`
	Risk      *predictive.Assessment `json:"risk,omitempty"`
	Audit     *audit.Record          `json:"audit,omitempty"`
}

// JSONStdoutWriter prints every stream as JSON lines to STDOUT.
type JSONStdoutWriter struct {
	out io.Writer
}

// NewJSONStdoutWriter creates a JSONStdoutWriter writing to os.Stdout.
func NewJSONStdoutWriter() *JSONStdoutWriter {
	return &JSONStdoutWriter{out: os.Stdout}
}

func (w *JSONStdoutWriter) emit(l jsonLine) error {
	data, err := json.Marshal(l)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w.out, string(data))
	return err
}

// WriteSnapshot outputs a snapshot.
func (w *JSONStdoutWriter) WriteSnapshot(s telemetry.Snapshot) error {
	return w.emit(jsonLine{Kind: "snapshot", Snapshot: &s})
}

// WriteDetection outputs a detection.
func (w *JSONStdoutWriter) WriteDetection(d rca.Detection) error {
	return w.emit(jsonLine{Kind: "detection", Detection: &d})
}

// WriteRisk outputs an assessment.
func (w *JSONStdoutWriter) WriteRisk(a predictive.Assessment) error {
	return w.emit(jsonLine{Kind: "risk", Risk: &a})
}

// WriteAudit outputs a policy audit record.
func (w *JSONStdoutWriter) WriteAudit(r audit.Record) error {
	return w.emit(jsonLine{Kind: "audit", Audit: &r})
}
