package agent

import (
	"context"
	"fmt"
	"time"

	"gpuwatch/internal/audit"
	"gpuwatch/internal/policy"
	"gpuwatch/internal/predictive"
	"gpuwatch/internal/rca"
	"gpuwatch/internal/telemetry"
)

// Run ticks at the scrape interval until ctx is done. The tick in progress
// always completes; the loop exits between ticks.
func (a *Agent) Run(ctx context.Context) {
	a.logger.Info("starting agent", "node", a.cfg.Node, "scrape_interval", a.cfg.ScrapeInterval,
		"mode", a.policy.Mode())
	ticker := time.NewTicker(a.cfg.ScrapeInterval)
	defer ticker.Stop()

	a.runTick(ctx)
	for {
		select {
		case <-ticker.C:
			a.runTick(ctx)
		case <-ctx.Done():
			a.logger.Info("stopping agent")
			return
		}
	}
}

func (a *Agent) runTick(ctx context.Context) {
	if err := a.RunOnce(ctx); err != nil {
		a.logger.Warn("tick incomplete", "err", err)
	}
}

// RunOnce collects one snapshot and runs it through every stage. When the
// collector has nothing for this tick the stages still run against the
// snapshots already in the window; only ingestion is skipped.
func (a *Agent) RunOnce(ctx context.Context) error {
	ctx = context.WithoutCancel(ctx)
	cctx, cancel := context.WithTimeout(ctx, a.cfg.CollectTimeout)
	snap, err := a.collector.Collect(cctx)
	cancel()
	if err != nil {
		a.metrics.CollectorGap()
		a.mu.Lock()
		a.status.Gaps++
		a.mu.Unlock()
		a.analyzeStale(ctx)
		return fmt.Errorf("collect: %w", err)
	}
	return a.Ingest(ctx, snap)
}

// Ingest pushes snap into the window and runs the analysis and policy
// stages. Replay feeds recorded snapshots through here.
func (a *Agent) Ingest(ctx context.Context, snap telemetry.Snapshot) error {
	ctx = context.WithoutCancel(ctx)
	a.tickMu.Lock()
	defer a.tickMu.Unlock()

	start := time.Now()
	defer func() { a.metrics.Tick(time.Since(start)) }()

	a.mu.Lock()
	err := a.window.Push(snap)
	n := a.window.Len()
	a.mu.Unlock()
	if err != nil {
		return fmt.Errorf("window: %w", err)
	}
	a.metrics.WindowSnapshots(n)
	if err := a.writer.WriteSnapshot(snap); err != nil {
		a.logger.Error("snapshot write failed", "err", err)
	}
	a.evaluate(ctx, snap, n)
	return nil
}

// analyzeStale runs the stages on the newest retained snapshot after a
// collector gap. An empty window has nothing to analyse.
func (a *Agent) analyzeStale(ctx context.Context) {
	a.tickMu.Lock()
	defer a.tickMu.Unlock()

	start := time.Now()
	defer func() { a.metrics.Tick(time.Since(start)) }()

	a.mu.RLock()
	latest, err := a.window.Latest()
	n := a.window.Len()
	a.mu.RUnlock()
	if err != nil {
		a.logger.Warn("collector gap with empty window; nothing to analyse")
		return
	}
	a.logger.Warn("collector gap; analysing retained window", "latest", latest.Timestamp, "snapshots", n)
	a.evaluate(ctx, latest, n)
}

// evaluate runs RCA, risk scoring and policy evaluation with snap as the
// newest sample and publishes the resulting status. Callers hold tickMu.
func (a *Agent) evaluate(ctx context.Context, snap telemetry.Snapshot, n int) {
	var (
		detections []rca.Detection
		risks      []predictive.Assessment
		records    []audit.Record
	)
	a.guard("rca", func() { detections = a.analyze(snap.Timestamp) })
	a.guard("predictive", func() { risks = a.assess() })
	a.guard("policy", func() { records = a.enforce(ctx, snap) })

	a.mu.Lock()
	st := a.baseStatus()
	st.Ticks++
	st.LastTick = snap.Timestamp
	st.WindowSnapshots = n
	st.Snapshot = &snap
	st.Detections = detections
	st.Risks = risks
	if a.phase != nil {
		st.Phase = a.phase()
	}
	a.status = st
	a.mu.Unlock()

	a.logger.Debug("tick complete", "ts", snap.Timestamp, "detections", len(detections),
		"risks", len(risks), "policy_records", len(records))
}

// guard runs one stage and converts a panic into a logged engine failure so
// the remaining stages still run.
func (a *Agent) guard(stage string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			a.metrics.EngineFailure(stage)
			a.logger.Error("engine stage panicked", "engine", stage, "panic", r)
		}
	}()
	fn()
}

// analyze runs RCA over the short window and returns the detections that
// have not been reported before.
func (a *Agent) analyze(now time.Time) []rca.Detection {
	all := func() []rca.Detection {
		a.mu.RLock()
		defer a.mu.RUnlock()
		return a.rca.Analyze(a.window.Since(a.cfg.Window.RCA))
	}()

	var fresh []rca.Detection
	for _, d := range all {
		key := d.Key()
		if _, ok := a.seen[key]; !ok {
			fresh = append(fresh, d)
			a.metrics.Detection(string(d.Cause), d.ConfidenceBand(), d.Subject, d.Confidence)
			a.logger.Info("root cause detected", "gpu", d.Subject, "cause", d.Cause,
				"confidence", d.Confidence, "description", d.Description)
		}
		a.seen[key] = now
	}
	// a dip that left the RCA window can no longer be re-reported
	for key, last := range a.seen {
		if now.Sub(last) > a.cfg.Window.RCA {
			delete(a.seen, key)
		}
	}
	if err := writeDetections(a.writer, fresh); err != nil {
		a.logger.Error("detection write failed", "err", err)
	}
	return all
}

// assess scores every accelerator over the full window and replaces the
// exported risk gauges.
func (a *Agent) assess() []predictive.Assessment {
	risks := func() []predictive.Assessment {
		a.mu.RLock()
		defer a.mu.RUnlock()
		return a.risk.Assess(a.window.All())
	}()

	a.metrics.ResetRisk()
	for _, r := range risks {
		a.metrics.Risk(r.Subject, r.RiskScore, r.FailureProbability)
		if r.Critical(a.cfg.Predictive.CriticalScore) {
			a.logger.Warn("accelerator failure risk critical", "gpu", r.Subject,
				"score", r.RiskScore, "probability", r.FailureProbability)
		}
	}
	if err := writeRisks(a.writer, risks); err != nil {
		a.logger.Error("risk write failed", "err", err)
	}
	return risks
}

// enforce evaluates policies under the lock and executes the resulting
// decisions outside it.
func (a *Agent) enforce(ctx context.Context, snap telemetry.Snapshot) []audit.Record {
	var decisions []policy.Decision
	func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		decisions = a.policy.Evaluate(ctx, snap)
	}()
	if len(decisions) == 0 {
		return nil
	}
	records := a.policy.Execute(ctx, decisions)
	if aw, ok := a.writer.(AuditWriter); ok {
		for _, r := range records {
			if err := aw.WriteAudit(r); err != nil {
				a.logger.Error("audit write failed", "err", err)
			}
		}
	}
	return records
}
