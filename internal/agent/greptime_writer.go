package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	gpb "github.com/GreptimeTeam/greptime-proto/go/greptime/v1"
	greptime "github.com/GreptimeTeam/greptimedb-ingester-go"
	"github.com/GreptimeTeam/greptimedb-ingester-go/table"
	"github.com/GreptimeTeam/greptimedb-ingester-go/table/types"

	"gpuwatch/internal/predictive"
	"gpuwatch/internal/rca"
	"gpuwatch/internal/telemetry"
)

const (
	defaultGreptimePort  = 4001
	greptimeWriteTimeout = 5 * time.Second
)

// greptimeClient is the subset of the ingester client the writer uses.
type greptimeClient interface {
	Write(ctx context.Context, tables ...*table.Table) (*gpb.GreptimeResponse, error)
}

// GreptimeDBWriter buffers snapshots, detections and risk assessments in
// GreptimeDB tables for retrospective queries.
type GreptimeDBWriter struct {
	client         greptimeClient
	node           string
	logger         *slog.Logger
	snapshotTable  string
	detectionTable string
	riskTable      string
}

// NewGreptimeDBWriter connects to endpoint ("host" or "host:port") and
// writes into database. Tables are created by the server on first write.
func NewGreptimeDBWriter(endpoint, database, node string, logger *slog.Logger) (*GreptimeDBWriter, error) {
	host, port := endpoint, defaultGreptimePort
	if h, p, err := net.SplitHostPort(endpoint); err == nil {
		n, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("greptime endpoint %q: %w", endpoint, err)
		}
		host, port = h, n
	}
	cfg := greptime.NewConfig(host).WithPort(port).WithDatabase(database)
	client, err := greptime.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("greptime client: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return newGreptimeDBWriter(client, node, logger), nil
}

func newGreptimeDBWriter(client greptimeClient, node string, logger *slog.Logger) *GreptimeDBWriter {
	return &GreptimeDBWriter{
		client:         client,
		node:           node,
		logger:         logger,
		snapshotTable:  "gpu_snapshots",
		detectionTable: "rca_detections",
		riskTable:      "gpu_risk",
	}
}

func (w *GreptimeDBWriter) write(name string, tbl *table.Table, rows int) error {
	ctx, cancel := context.WithTimeout(context.Background(), greptimeWriteTimeout)
	defer cancel()
	if _, err := w.client.Write(ctx, tbl); err != nil {
		w.logger.Error("greptime write failed", "table", name, "err", err)
		return err
	}
	w.logger.Debug("greptime rows written", "table", name, "rows", rows)
	return nil
}

// nullable converts optional readings so absent values are stored as NULL
// rather than zero.
func nullable[T any](p *T) any {
	if p == nil {
		return nil
	}
	return *p
}

// WriteSnapshot inserts one row per accelerator.
func (w *GreptimeDBWriter) WriteSnapshot(s telemetry.Snapshot) error {
	if len(s.Accelerators) == 0 {
		return nil
	}
	tbl, err := table.New(w.snapshotTable)
	if err != nil {
		return err
	}
	_ = tbl.AddTagColumn("node", types.STRING)
	_ = tbl.AddTagColumn("gpu", types.STRING)
	_ = tbl.AddFieldColumn("gpu_index", types.INT64)
	_ = tbl.AddFieldColumn("utilization", types.FLOAT64)
	_ = tbl.AddFieldColumn("temperature", types.FLOAT64)
	_ = tbl.AddFieldColumn("power", types.FLOAT64)
	_ = tbl.AddFieldColumn("sm_clock", types.FLOAT64)
	_ = tbl.AddFieldColumn("memory_used", types.UINT64)
	_ = tbl.AddFieldColumn("ecc_corrected", types.UINT64)
	_ = tbl.AddFieldColumn("ecc_uncorrected", types.UINT64)
	_ = tbl.AddFieldColumn("retired_pages", types.UINT64)
	_ = tbl.AddFieldColumn("thermal_throttle", types.BOOLEAN)
	_ = tbl.AddFieldColumn("power_throttle", types.BOOLEAN)
	_ = tbl.AddTimestampColumn("ts", types.TIMESTAMP_MILLISECOND)

	node := s.Node
	if node == "" {
		node = w.node
	}
	for _, a := range s.Accelerators {
		if err := tbl.AddRow(
			node,
			a.ID(),
			int64(a.Index),
			nullable(a.UtilizationPct),
			nullable(a.TemperatureC),
			nullable(a.PowerWatts),
			nullable(a.SMClockMHz),
			nullable(a.MemoryUsedBytes),
			nullable(a.ECCCorrected),
			nullable(a.ECCUncorrected),
			nullable(a.RetiredPages),
			a.ThermalThrottle,
			a.PowerThrottle,
			s.Timestamp,
		); err != nil {
			return err
		}
	}
	return w.write(w.snapshotTable, tbl, len(s.Accelerators))
}

// WriteDetection inserts a single detection.
func (w *GreptimeDBWriter) WriteDetection(d rca.Detection) error {
	return w.WriteDetections([]rca.Detection{d})
}

// WriteDetections inserts multiple detections.
func (w *GreptimeDBWriter) WriteDetections(rows []rca.Detection) error {
	if len(rows) == 0 {
		return nil
	}
	tbl, err := table.New(w.detectionTable)
	if err != nil {
		return err
	}
	_ = tbl.AddTagColumn("node", types.STRING)
	_ = tbl.AddTagColumn("gpu", types.STRING)
	_ = tbl.AddTagColumn("cause", types.STRING)
	_ = tbl.AddFieldColumn("confidence", types.FLOAT64)
	_ = tbl.AddFieldColumn("baseline_util", types.FLOAT64)
	_ = tbl.AddFieldColumn("observed_util", types.FLOAT64)
	_ = tbl.AddFieldColumn("window_start", types.TIMESTAMP_MILLISECOND)
	_ = tbl.AddFieldColumn("description", types.STRING)
	_ = tbl.AddTimestampColumn("ts", types.TIMESTAMP_MILLISECOND)

	for _, d := range rows {
		if err := tbl.AddRow(
			w.node,
			d.Subject,
			string(d.Cause),
			d.Confidence,
			d.BaselineUtil,
			d.ObservedUtil,
			d.WindowStart,
			d.Description,
			d.WindowEnd,
		); err != nil {
			return err
		}
	}
	return w.write(w.detectionTable, tbl, len(rows))
}

// WriteRisk inserts a single assessment.
func (w *GreptimeDBWriter) WriteRisk(a predictive.Assessment) error {
	return w.WriteRisks([]predictive.Assessment{a})
}

// WriteRisks inserts multiple assessments. Factors are stored as a JSON
// string.
func (w *GreptimeDBWriter) WriteRisks(rows []predictive.Assessment) error {
	if len(rows) == 0 {
		return nil
	}
	tbl, err := table.New(w.riskTable)
	if err != nil {
		return err
	}
	_ = tbl.AddTagColumn("node", types.STRING)
	_ = tbl.AddTagColumn("gpu", types.STRING)
	_ = tbl.AddFieldColumn("risk_score", types.FLOAT64)
	_ = tbl.AddFieldColumn("failure_probability", types.FLOAT64)
	_ = tbl.AddFieldColumn("samples", types.INT64)
	_ = tbl.AddFieldColumn("factors", types.STRING)
	_ = tbl.AddTimestampColumn("ts", types.TIMESTAMP_MILLISECOND)

	for _, a := range rows {
		factors := "[]"
		if len(a.Factors) > 0 {
			b, err := json.Marshal(a.Factors)
			if err != nil {
				return err
			}
			factors = string(b)
		}
		if err := tbl.AddRow(
			w.node,
			a.Subject,
			a.RiskScore,
			a.FailureProbability,
			int64(a.Samples),
			factors,
			a.AssessedAt,
		); err != nil {
			return err
		}
	}
	return w.write(w.riskTable, tbl, len(rows))
}
