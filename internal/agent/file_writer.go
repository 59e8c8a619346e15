package agent

import (
	"encoding/json"
	"errors"
	"os"
	"sync"

	"gpuwatch/internal/predictive"
	"gpuwatch/internal/rca"
	"gpuwatch/internal/telemetry"
)

// FileWriter appends snapshots, detections and risk assessments to JSONL
// files. The snapshot log doubles as input for replay.
type FileWriter struct {
	mu      sync.Mutex
	files   []*os.File
	snapEnc *json.Encoder
	detEnc  *json.Encoder
	riskEnc *json.Encoder
}

// NewFileWriter opens the logs for appending. Any path may be empty to skip
// that stream.
func NewFileWriter(snapshotPath, detectionPath, riskPath string) (*FileWriter, error) {
	fw := &FileWriter{}
	open := func(path string) (*json.Encoder, error) {
		if path == "" {
			return nil, nil
		}
		f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, err
		}
		fw.files = append(fw.files, f)
		return json.NewEncoder(f), nil
	}
	var err error
	if fw.snapEnc, err = open(snapshotPath); err != nil {
		return nil, err
	}
	if fw.detEnc, err = open(detectionPath); err != nil {
		fw.Close()
		return nil, err
	}
	if fw.riskEnc, err = open(riskPath); err != nil {
		fw.Close()
		return nil, err
	}
	return fw, nil
}

func (f *FileWriter) encode(enc *json.Encoder, v any) error {
	if enc == nil {
		return nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return enc.Encode(v)
}

// WriteSnapshot logs a snapshot.
func (f *FileWriter) WriteSnapshot(s telemetry.Snapshot) error {
	return f.encode(f.snapEnc, s)
}

// WriteDetection logs a detection.
func (f *FileWriter) WriteDetection(d rca.Detection) error {
	return f.encode(f.detEnc, d)
}

// WriteDetections logs multiple detections.
func (f *FileWriter) WriteDetections(rows []rca.Detection) error {
	for _, d := range rows {
		if err := f.WriteDetection(d); err != nil {
			return err
		}
	}
	return nil
}

// WriteRisk logs an assessment.
func (f *FileWriter) WriteRisk(a predictive.Assessment) error {
	return f.encode(f.riskEnc, a)
}

// WriteRisks logs multiple assessments.
func (f *FileWriter) WriteRisks(rows []predictive.Assessment) error {
	for _, a := range rows {
		if err := f.WriteRisk(a); err != nil {
			return err
		}
	}
	return nil
}

// Close closes all open files.
func (f *FileWriter) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	var errs []error
	for _, file := range f.files {
		errs = append(errs, file.Close())
	}
	f.files = nil
	return errors.Join(errs...)
}
