package policy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"gpuwatch/internal/audit"
	"gpuwatch/internal/telemetry"
)

// Mode controls whether fired policies reach the actuator.
type Mode string

const (
	// ModeMonitor audits decisions as dry runs.
	ModeMonitor Mode = "monitor"
	// ModeEnforce applies decisions through the actuator.
	ModeEnforce Mode = "enforce"
)

// ParseMode parses "monitor" or "enforce". Empty selects monitor.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "", ModeMonitor:
		return ModeMonitor, nil
	case ModeEnforce:
		return ModeEnforce, nil
	}
	return "", fmt.Errorf("unknown enforcement mode %q", s)
}

// Defaults applied when Options leave a field zero.
const (
	DefaultDampeningInterval = 60 * time.Second
	DefaultActuatorTimeout   = 2 * time.Second
)

var (
	// ErrUnknownPolicy is returned by overrides naming a policy that is not loaded.
	ErrUnknownPolicy = errors.New("unknown policy")
	// ErrNotSuppressed is returned when resuming a policy that is not suppressed.
	ErrNotSuppressed = errors.New("policy is not suppressed")
	// ErrNoActuator is recorded when enforce mode has no actuator configured.
	ErrNoActuator = errors.New("no actuator configured")
	// ErrRateLimited is returned by actuators that dropped a request inside
	// their rate limit. The decision is audited as suppressed.
	ErrRateLimited = errors.New("rate limited")
)

// Recorder receives policy counters.
type Recorder interface {
	PolicyViolation(policy, target, severity string)
	PolicyEnforced(policy, target, action, severity, result string)
	PolicyConfigError(policy string)
}

type nopRecorder struct{}

func (nopRecorder) PolicyViolation(string, string, string)                 {}
func (nopRecorder) PolicyEnforced(string, string, string, string, string) {}
func (nopRecorder) PolicyConfigError(string)                               {}

// Options configures an Engine.
type Options struct {
	Mode              Mode
	Tags              map[string]string
	Labels            map[string]string
	DampeningInterval time.Duration
	ActuatorTimeout   time.Duration
	Actuator          Actuator
	Audit             audit.Sink
	Metrics           Recorder
	Logger            *slog.Logger
	// Actor is recorded on decision audit records. Defaults to "agent".
	Actor string
	// NewID generates correlation IDs.
	NewID func() string
	// Now is the wall clock used for overrides and audit timestamps.
	Now func() time.Time
}

// Decision is a fire produced by Evaluate and consumed by Execute.
type Decision struct {
	Request
	Suppressed bool
}

type stateKey struct {
	policy string
	target string
}

// TargetState is a snapshot of one pair's evaluation state.
type TargetState struct {
	Policy string `json:"policy"`
	Target string `json:"target"`
	State
}

// Engine evaluates a profile against snapshots. Evaluate, Reload and the
// override methods mutate engine state and must be serialised by the
// caller; Execute and Record only read immutable options and may run
// concurrently with them.
type Engine struct {
	opts Options

	profile    *Profile
	active     bool
	states     map[stateKey]State
	reported   map[string]bool
	suppressed map[string]time.Time
}

// NewEngine returns an engine with no profile loaded.
func NewEngine(opts Options) *Engine {
	if opts.Mode == "" {
		opts.Mode = ModeMonitor
	}
	if opts.DampeningInterval == 0 {
		opts.DampeningInterval = DefaultDampeningInterval
	}
	if opts.ActuatorTimeout <= 0 {
		opts.ActuatorTimeout = DefaultActuatorTimeout
	}
	if opts.Metrics == nil {
		opts.Metrics = nopRecorder{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	if opts.Actor == "" {
		opts.Actor = audit.ActorAgent
	}
	if opts.NewID == nil {
		opts.NewID = audit.NewID
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Engine{
		opts:       opts,
		states:     map[stateKey]State{},
		reported:   map[string]bool{},
		suppressed: map[string]time.Time{},
	}
}

// Mode returns the enforcement mode.
func (e *Engine) Mode() Mode { return e.opts.Mode }

// Profile returns the loaded profile, or nil.
func (e *Engine) Profile() *Profile { return e.profile }

// Active reports whether a profile is loaded and its selectors match.
func (e *Engine) Active() bool { return e.profile != nil && e.active }

// Reload installs p. Evaluation state of policies that keep their name is
// preserved; state of removed policies is dropped.
func (e *Engine) Reload(p *Profile) {
	e.profile = p
	e.active = p.Selectors.Matches(e.opts.Tags, e.opts.Labels)
	for k := range e.states {
		if _, ok := p.Policy(k.policy); !ok {
			delete(e.states, k)
		}
	}
	for name := range e.suppressed {
		if _, ok := p.Policy(name); !ok {
			delete(e.suppressed, name)
		}
	}
	e.reported = map[string]bool{}
	if !e.active {
		e.opts.Logger.Warn("profile selectors do not match this node; policies inactive",
			"profile", p.Name)
	}
	e.opts.Logger.Info("policy profile loaded",
		"profile", p.Name, "version", p.Version, "policies", len(p.Policies),
		"digest", p.Digest, "active", e.active)
}

// ReloadFile loads path and installs it. On any error the previously
// loaded profile stays in force.
func (e *Engine) ReloadFile(path, schemaPath string) error {
	p, err := Load(path, schemaPath)
	if err != nil {
		e.opts.Logger.Error("policy reload rejected; keeping previous profile", "path", path, "err", err)
		return err
	}
	e.Reload(p)
	return nil
}

// Evaluate advances every (policy, target) pair against snap and returns
// the decisions that fired. Time is taken from the snapshot.
func (e *Engine) Evaluate(_ context.Context, snap telemetry.Snapshot) []Decision {
	if !e.Active() {
		return nil
	}
	now := snap.Timestamp
	wall := e.opts.Now()
	var out []Decision
	for _, pol := range e.profile.Policies {
		m, err := pol.Resolve()
		if err != nil {
			if !e.reported[pol.Name] {
				e.reported[pol.Name] = true
				e.opts.Logger.Error("policy skipped", "policy", pol.Name, "err", err)
				e.opts.Metrics.PolicyConfigError(pol.Name)
			}
			continue
		}
		timing := Timing{Duration: pol.Duration, Cooldown: pol.Cooldown, MinGap: e.opts.DampeningInterval}
		seen := map[string]bool{}
		for _, obs := range m.Observe(snap) {
			key := stateKey{pol.Name, obs.Target}
			seen[obs.Target] = true
			if !obs.OK {
				e.states[key] = StepMissing(e.states[key])
				continue
			}
			holds := pol.Condition.Holds(obs.Value)
			if holds {
				e.opts.Metrics.PolicyViolation(pol.Name, obs.Target, string(pol.Severity))
			}
			next, fired := Step(e.states[key], holds, now, timing)
			e.states[key] = next
			if !fired {
				continue
			}
			d := Decision{
				Request: Request{
					CorrelationID: e.opts.NewID(),
					Policy:        pol.Name,
					Target:        obs.Target,
					Index:         obs.Index,
					Action:        pol.Action,
					Severity:      pol.Severity,
					Value:         obs.Value,
					Condition:     pol.Condition,
					At:            now,
				},
				Suppressed: e.isSuppressed(pol.Name, wall),
			}
			e.opts.Logger.Info("policy fired",
				"policy", pol.Name, "target", obs.Target, "value", obs.Value,
				"condition", pol.Condition.String(), "action", pol.Action.Type(),
				"suppressed", d.Suppressed, "correlation_id", d.CorrelationID)
			out = append(out, d)
		}
		// targets that vanished from the snapshot have no data this tick
		for k, st := range e.states {
			if k.policy == pol.Name && !seen[k.target] {
				e.states[k] = StepMissing(st)
			}
		}
	}
	return out
}

func (e *Engine) isSuppressed(name string, now time.Time) bool {
	until, ok := e.suppressed[name]
	if !ok {
		return false
	}
	if !now.Before(until) {
		delete(e.suppressed, name)
		return false
	}
	return true
}

// Execute applies decisions according to the mode, audits each one and
// counts the outcome. Failed actions are not retried.
func (e *Engine) Execute(ctx context.Context, decisions []Decision) []audit.Record {
	out := make([]audit.Record, 0, len(decisions))
	for _, d := range decisions {
		rec := audit.Record{
			Timestamp:     e.opts.Now().UTC(),
			Actor:         e.opts.Actor,
			Target:        d.Target,
			Action:        string(d.Action.Type()),
			Parameters:    d.Action.Parameters(),
			CorrelationID: d.CorrelationID,
			Policy:        d.Policy,
			Severity:      string(d.Severity),
			Detail:        fmt.Sprintf("observed %g, condition %s", d.Value, d.Condition),
		}
		switch {
		case d.Suppressed:
			rec.Result = audit.ResultSuppressed
		case e.opts.Mode != ModeEnforce:
			rec.Result = audit.ResultDryRun
		default:
			err := e.apply(ctx, d.Request)
			switch {
			case errors.Is(err, ErrRateLimited):
				rec.Result = audit.ResultSuppressed
				rec.Detail = err.Error()
			case err != nil:
				rec.Result = audit.ResultFailure
				rec.Detail = err.Error()
				e.opts.Logger.Error("policy action failed",
					"policy", d.Policy, "target", d.Target, "correlation_id", d.CorrelationID, "err", err)
			default:
				rec.Result = audit.ResultSuccess
			}
		}
		e.opts.Metrics.PolicyEnforced(d.Policy, d.Target, rec.Action, rec.Severity, string(rec.Result))
		e.Record(ctx, rec)
		out = append(out, rec)
	}
	return out
}

// apply runs the actuator bounded by the actuator timeout. A misbehaving
// actuator that ignores ctx is abandoned once the deadline passes.
func (e *Engine) apply(ctx context.Context, req Request) error {
	wrap := func(err error) error {
		return &ActuatorError{Action: req.Action.Type(), Target: req.Target, Err: err}
	}
	if e.opts.Actuator == nil {
		return wrap(ErrNoActuator)
	}
	ctx, cancel := context.WithTimeout(ctx, e.opts.ActuatorTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("actuator panic: %v", r)
			}
		}()
		done <- e.opts.Actuator.Apply(ctx, req)
	}()
	select {
	case err := <-done:
		if err != nil {
			return wrap(err)
		}
		return nil
	case <-ctx.Done():
		return wrap(ctx.Err())
	}
}

// Record appends rec to the audit sink, logging sink failures.
func (e *Engine) Record(ctx context.Context, rec audit.Record) {
	if e.opts.Audit == nil {
		return
	}
	if err := e.opts.Audit.Append(ctx, rec); err != nil {
		e.opts.Logger.Error("audit append failed", "correlation_id", rec.CorrelationID, "err", err)
	}
}

// Suppress silences name until the deadline and returns the audit record
// describing the override. The caller passes it to Record.
func (e *Engine) Suppress(name string, until time.Time) (audit.Record, error) {
	if e.profile == nil {
		return audit.Record{}, fmt.Errorf("%w %q", ErrUnknownPolicy, name)
	}
	if _, ok := e.profile.Policy(name); !ok {
		return audit.Record{}, fmt.Errorf("%w %q", ErrUnknownPolicy, name)
	}
	e.suppressed[name] = until
	return e.override(name, "suppress", map[string]any{"until": until.UTC().Format(time.RFC3339)}), nil
}

// Resume lifts a suppression.
func (e *Engine) Resume(name string) (audit.Record, error) {
	if _, ok := e.suppressed[name]; !ok {
		return audit.Record{}, fmt.Errorf("%w: %q", ErrNotSuppressed, name)
	}
	delete(e.suppressed, name)
	return e.override(name, "resume", nil), nil
}

func (e *Engine) override(name, action string, params map[string]any) audit.Record {
	e.opts.Logger.Info("policy override", "policy", name, "action", action)
	return audit.Record{
		Timestamp:     e.opts.Now().UTC(),
		Actor:         audit.ActorOperator,
		Target:        name,
		Action:        action,
		Parameters:    params,
		Result:        audit.ResultSuccess,
		CorrelationID: e.opts.NewID(),
		Policy:        name,
	}
}

// ReloadRecord describes an operator reload of the profile at path. A nil
// err means p was installed.
func (e *Engine) ReloadRecord(path string, p *Profile, err error) audit.Record {
	rec := audit.Record{
		Timestamp:     e.opts.Now().UTC(),
		Actor:         audit.ActorOperator,
		Target:        path,
		Action:        "reload",
		Parameters:    map[string]any{"path": path},
		Result:        audit.ResultSuccess,
		CorrelationID: e.opts.NewID(),
	}
	if err != nil {
		rec.Result = audit.ResultFailure
		rec.Detail = err.Error()
		return rec
	}
	rec.Policy = p.Name
	rec.Parameters["profile"] = p.Name
	rec.Parameters["version"] = p.Version
	rec.Parameters["digest"] = p.Digest
	rec.Parameters["policies"] = len(p.Policies)
	return rec
}

// Suppressions returns the active suppression deadlines.
func (e *Engine) Suppressions() map[string]time.Time {
	now := e.opts.Now()
	out := make(map[string]time.Time, len(e.suppressed))
	for k, v := range e.suppressed {
		if now.Before(v) {
			out[k] = v
		}
	}
	return out
}

// States returns the evaluation state of every tracked pair, sorted.
func (e *Engine) States() []TargetState {
	out := make([]TargetState, 0, len(e.states))
	for k, st := range e.states {
		out = append(out, TargetState{Policy: k.policy, Target: k.target, State: st})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Policy != out[j].Policy {
			return out[i].Policy < out[j].Policy
		}
		return out[i].Target < out[j].Target
	})
	return out
}
