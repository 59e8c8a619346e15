package agent

import (
	"errors"
	"io"

	"gpuwatch/internal/audit"
	"gpuwatch/internal/predictive"
	"gpuwatch/internal/rca"
	"gpuwatch/internal/telemetry"
)

// SnapshotWriter receives every snapshot that entered the window.
type SnapshotWriter interface {
	WriteSnapshot(telemetry.Snapshot) error
}

// DetectionWriter receives newly explained utilization dips.
type DetectionWriter interface {
	WriteDetection(rca.Detection) error
}

// Optional: detection writers may support batch mode.
type batchDetectionWriter interface {
	WriteDetections([]rca.Detection) error
}

// RiskWriter receives the per-tick failure risk assessments.
type RiskWriter interface {
	WriteRisk(predictive.Assessment) error
}

// Optional: risk writers may support batch mode.
type batchRiskWriter interface {
	WriteRisks([]predictive.Assessment) error
}

// AuditWriter is implemented by writers that display policy decisions.
type AuditWriter interface {
	WriteAudit(audit.Record) error
}

// AdminStatusWriter allows writers to receive control API status updates.
type AdminStatusWriter interface {
	SetAdminStatus(listening bool)
}

// Writer is the set of result streams produced by one tick.
type Writer interface {
	SnapshotWriter
	DetectionWriter
	RiskWriter
}

func writeDetections(w DetectionWriter, rows []rca.Detection) error {
	if len(rows) == 0 {
		return nil
	}
	if bw, ok := w.(batchDetectionWriter); ok {
		return bw.WriteDetections(rows)
	}
	for _, d := range rows {
		if err := w.WriteDetection(d); err != nil {
			return err
		}
	}
	return nil
}

func writeRisks(w RiskWriter, rows []predictive.Assessment) error {
	if len(rows) == 0 {
		return nil
	}
	if bw, ok := w.(batchRiskWriter); ok {
		return bw.WriteRisks(rows)
	}
	for _, a := range rows {
		if err := w.WriteRisk(a); err != nil {
			return err
		}
	}
	return nil
}

// MultiWriter fans every stream out to several writers. A failing writer
// does not stop delivery to the others.
type MultiWriter struct {
	writers []Writer
}

// NewMultiWriter creates a new MultiWriter.
func NewMultiWriter(ws ...Writer) *MultiWriter {
	return &MultiWriter{writers: ws}
}

// WriteSnapshot sends a snapshot to all writers.
func (mw *MultiWriter) WriteSnapshot(s telemetry.Snapshot) error {
	var errs []error
	for _, w := range mw.writers {
		errs = append(errs, w.WriteSnapshot(s))
	}
	return errors.Join(errs...)
}

// WriteDetection sends a detection to all writers.
func (mw *MultiWriter) WriteDetection(d rca.Detection) error {
	return mw.WriteDetections([]rca.Detection{d})
}

// WriteDetections sends detections to all writers, using batch if supported.
func (mw *MultiWriter) WriteDetections(rows []rca.Detection) error {
	var errs []error
	for _, w := range mw.writers {
		errs = append(errs, writeDetections(w, rows))
	}
	return errors.Join(errs...)
}

// WriteRisk sends an assessment to all writers.
func (mw *MultiWriter) WriteRisk(a predictive.Assessment) error {
	return mw.WriteRisks([]predictive.Assessment{a})
}

// WriteRisks sends assessments to all writers, using batch if supported.
func (mw *MultiWriter) WriteRisks(rows []predictive.Assessment) error {
	var errs []error
	for _, w := range mw.writers {
		errs = append(errs, writeRisks(w, rows))
	}
	return errors.Join(errs...)
}

// WriteAudit forwards the record to writers that display audits.
func (mw *MultiWriter) WriteAudit(r audit.Record) error {
	var errs []error
	for _, w := range mw.writers {
		if aw, ok := w.(AuditWriter); ok {
			errs = append(errs, aw.WriteAudit(r))
		}
	}
	return errors.Join(errs...)
}

// SetAdminStatus forwards the control API status to writers that show it.
func (mw *MultiWriter) SetAdminStatus(listening bool) {
	for _, w := range mw.writers {
		if sw, ok := w.(AdminStatusWriter); ok {
			sw.SetAdminStatus(listening)
		}
	}
}

// Close closes every writer that holds resources.
func (mw *MultiWriter) Close() error {
	var errs []error
	for _, w := range mw.writers {
		if c, ok := w.(io.Closer); ok {
			errs = append(errs, c.Close())
		}
	}
	return errors.Join(errs...)
}

// Discard is a Writer that drops everything.
type Discard struct{}

func (Discard) WriteSnapshot(telemetry.Snapshot) error { return nil }
func (Discard) WriteDetection(rca.Detection) error     { return nil }
func (Discard) WriteRisk(predictive.Assessment) error  { return nil }
