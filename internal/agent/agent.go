// Package agent runs the per-node scheduling loop: collect a snapshot,
// explain utilization dips, score failure risk and evaluate efficiency
// policies, then publish the results to writers and concurrent readers.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"gpuwatch/internal/audit"
	"gpuwatch/internal/config"
	"gpuwatch/internal/metrics"
	"gpuwatch/internal/policy"
	"gpuwatch/internal/predictive"
	"gpuwatch/internal/rca"
	"gpuwatch/internal/telemetry"
	"gpuwatch/internal/window"
)

// ErrChaosUnsupported is returned when the collector cannot inject faults.
var ErrChaosUnsupported = errors.New("collector does not support chaos mode")

// chaosToggler is implemented by synthetic collectors.
type chaosToggler interface {
	ToggleChaos() bool
	Chaos() bool
}

// AuditQuerier answers audit history queries.
type AuditQuerier interface {
	Query(ctx context.Context, f audit.Filter) ([]audit.Record, error)
}

// Options carries the dependencies of an Agent. Collector is required.
type Options struct {
	Collector telemetry.Collector
	Writer    Writer
	Metrics   *metrics.Registry
	Actuator  policy.Actuator
	// Audit receives every policy decision and operator override.
	Audit audit.Sink
	// AuditLog keeps recent records for queries. One is created if nil.
	AuditLog *audit.Log
	// AuditStore, when set, serves queries instead of AuditLog.
	AuditStore AuditQuerier
	// Phase reports the active scenario phase, if any.
	Phase  func() string
	Logger *slog.Logger
}

// Status is the published view of the last completed tick.
type Status struct {
	Node            string                  `json:"node"`
	Mode            policy.Mode             `json:"mode"`
	Profile         string                  `json:"profile,omitempty"`
	ProfileVersion  string                  `json:"profile_version,omitempty"`
	ProfileActive   bool                    `json:"profile_active"`
	Chaos           bool                    `json:"chaos"`
	Phase           string                  `json:"phase,omitempty"`
	Ticks           int                     `json:"ticks"`
	Gaps            int                     `json:"collector_gaps"`
	LastTick        time.Time               `json:"last_tick,omitzero"`
	WindowSnapshots int                     `json:"window_snapshots"`
	Snapshot        *telemetry.Snapshot     `json:"snapshot,omitempty"`
	Detections      []rca.Detection         `json:"detections"`
	Risks           []predictive.Assessment `json:"risks"`
	Policies        []policy.TargetState    `json:"policies"`
	Suppressions    map[string]time.Time    `json:"suppressions,omitempty"`
}

// Agent owns the window store and the engines. One RWMutex guards the
// window, policy state and published status; no I/O happens under it.
type Agent struct {
	cfg        *config.Config
	collector  telemetry.Collector
	writer     Writer
	metrics    *metrics.Registry
	rca        *rca.Engine
	risk       *predictive.Engine
	policy     *policy.Engine
	auditLog   *audit.Log
	auditStore AuditQuerier
	phase      func() string
	logger     *slog.Logger

	// tickMu serialises ticks; the dedupe map is only touched under it.
	tickMu sync.Mutex
	seen   map[string]time.Time

	mu     sync.RWMutex
	window *window.Store
	status Status
}

// New builds an agent from cfg. The policy profile named in the config is
// loaded now; a malformed profile is an error.
func New(cfg *config.Config, opts Options) (*Agent, error) {
	if opts.Collector == nil {
		return nil, errors.New("agent: collector is required")
	}
	if opts.Writer == nil {
		opts.Writer = Discard{}
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New(false)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.AuditLog == nil {
		opts.AuditLog = audit.NewLog(0)
	}

	store, err := window.New(window.Options{MaxAge: cfg.Window.Predictive, MaxEntries: cfg.Window.MaxSnapshots})
	if err != nil {
		return nil, err
	}
	rcaEng, err := rca.New(cfg.RCA)
	if err != nil {
		return nil, fmt.Errorf("rca: %w", err)
	}
	riskEng, err := predictive.New(cfg.Predictive.Config)
	if err != nil {
		return nil, fmt.Errorf("predictive: %w", err)
	}
	mode, err := policy.ParseMode(cfg.Policy.Mode)
	if err != nil {
		return nil, err
	}

	sinks := audit.Multi{opts.AuditLog}
	if opts.Audit != nil {
		sinks = append(sinks, opts.Audit)
	}
	a := &Agent{
		cfg:        cfg,
		collector:  opts.Collector,
		writer:     opts.Writer,
		metrics:    opts.Metrics,
		rca:        rcaEng,
		risk:       riskEng,
		auditLog:   opts.AuditLog,
		auditStore: opts.AuditStore,
		phase:      opts.Phase,
		logger:     opts.Logger,
		seen:       map[string]time.Time{},
		window:     store,
	}
	a.policy = policy.NewEngine(policy.Options{
		Mode:              mode,
		Tags:              cfg.Tags,
		Labels:            cfg.Labels,
		DampeningInterval: cfg.Policy.DampeningInterval,
		ActuatorTimeout:   cfg.Policy.ActuatorTimeout,
		Actuator:          opts.Actuator,
		Audit:             sinks,
		Metrics:           opts.Metrics,
		Logger:            opts.Logger,
	})
	if cfg.Policy.Profile != "" {
		p, err := policy.Load(cfg.Policy.Profile, "")
		if err != nil {
			return nil, err
		}
		a.policy.Reload(p)
	}
	a.status = a.baseStatus()
	return a, nil
}

// baseStatus fills the fields that do not depend on a tick. Callers hold mu.
func (a *Agent) baseStatus() Status {
	st := a.status
	st.Node = a.cfg.Node
	st.Mode = a.policy.Mode()
	st.ProfileActive = a.policy.Active()
	if p := a.policy.Profile(); p != nil {
		st.Profile, st.ProfileVersion = p.Name, p.Version
	}
	if ct, ok := a.collector.(chaosToggler); ok {
		st.Chaos = ct.Chaos()
	}
	st.Policies = a.policy.States()
	st.Suppressions = a.policy.Suppressions()
	return st
}

// Metrics returns the agent's metrics registry.
func (a *Agent) Metrics() *metrics.Registry { return a.metrics }

// Status returns the view published by the last tick.
func (a *Agent) Status() Status {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.status
}

// ReloadPolicies loads the profile at path, or the configured profile when
// path is empty, and installs it. On error the previous profile stays.
// Accepted and rejected reloads are both audited.
func (a *Agent) ReloadPolicies(ctx context.Context, path string) (*policy.Profile, error) {
	if path == "" {
		path = a.cfg.Policy.Profile
	}
	if path == "" {
		err := errors.New("no policy profile configured")
		a.record(ctx, a.policy.ReloadRecord(path, nil, err))
		return nil, err
	}
	p, err := policy.Load(path, "")
	if err != nil {
		a.logger.Error("policy reload rejected; keeping previous profile", "path", path, "err", err)
		a.record(ctx, a.policy.ReloadRecord(path, nil, err))
		return nil, err
	}
	a.mu.Lock()
	a.policy.Reload(p)
	a.status = a.baseStatus()
	a.mu.Unlock()
	a.logger.Info("policy profile reloaded", "profile", p.Name, "version", p.Version, "digest", p.Digest)
	a.record(ctx, a.policy.ReloadRecord(path, p, nil))
	return p, nil
}

// Suppress silences a policy for d. The override is audited.
func (a *Agent) Suppress(ctx context.Context, name string, d time.Duration) (time.Time, error) {
	if d <= 0 {
		return time.Time{}, fmt.Errorf("suppression duration must be positive, got %s", d)
	}
	until := time.Now().Add(d)
	a.mu.Lock()
	rec, err := a.policy.Suppress(name, until)
	if err == nil {
		a.status.Suppressions = a.policy.Suppressions()
	}
	a.mu.Unlock()
	if err != nil {
		return time.Time{}, err
	}
	a.record(ctx, rec)
	return until, nil
}

// Resume lifts a suppression. The override is audited.
func (a *Agent) Resume(ctx context.Context, name string) error {
	a.mu.Lock()
	rec, err := a.policy.Resume(name)
	if err == nil {
		a.status.Suppressions = a.policy.Suppressions()
	}
	a.mu.Unlock()
	if err != nil {
		return err
	}
	a.record(ctx, rec)
	return nil
}

func (a *Agent) record(ctx context.Context, rec audit.Record) {
	a.policy.Record(ctx, rec)
	if aw, ok := a.writer.(AuditWriter); ok {
		if err := aw.WriteAudit(rec); err != nil {
			a.logger.Error("audit write failed", "err", err)
		}
	}
}

// ToggleChaos flips random fault injection on synthetic collectors.
func (a *Agent) ToggleChaos() (bool, error) {
	ct, ok := a.collector.(chaosToggler)
	if !ok {
		return false, ErrChaosUnsupported
	}
	on := ct.ToggleChaos()
	a.mu.Lock()
	a.status.Chaos = on
	a.mu.Unlock()
	a.logger.Info("chaos mode toggled", "enabled", on)
	return on, nil
}

// AuditLog returns recorded decisions and overrides, newest first.
func (a *Agent) AuditLog(ctx context.Context, f audit.Filter) ([]audit.Record, error) {
	if a.auditStore != nil {
		return a.auditStore.Query(ctx, f)
	}
	return a.auditLog.Query(f), nil
}

// Plan evaluates the loaded profile against the latest snapshot without
// touching policy state.
func (a *Agent) Plan() (policy.PlanResult, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	p := a.policy.Profile()
	if p == nil {
		return policy.PlanResult{}, errors.New("no policy profile loaded")
	}
	snap, err := a.window.Latest()
	if err != nil {
		return policy.PlanResult{}, err
	}
	return policy.Plan(p, snap, a.cfg.Tags, a.cfg.Labels), nil
}
