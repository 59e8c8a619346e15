package policy

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// ActionType names a remediation kind.
type ActionType string

const (
	ActionThrottlePower ActionType = "throttle_power"
	ActionLockClock     ActionType = "lock_clock"
	ActionAlert         ActionType = "alert"
	ActionKillProcess   ActionType = "kill_process"
	ActionMigratePod    ActionType = "migrate_pod"
)

// Action is the closed set of remediations. Every variant is validated
// when the profile loads, so an Action value is always complete.
type Action interface {
	Type() ActionType
	// Parameters renders the action for audit records.
	Parameters() map[string]any
	isAction()
}

// ThrottlePower caps board power on the target accelerator.
type ThrottlePower struct {
	LimitWatts float64
}

// LockClock pins the SM clock of the target accelerator.
type LockClock struct {
	ClockMHz int
}

// Alert notifies operators without touching the workload.
type Alert struct {
	Message string
	Channel string
}

// KillProcess signals processes matching ProcessName on the target.
type KillProcess struct {
	ProcessName string
	Signal      string
}

// MigratePod asks the orchestrator to move workloads off the target.
type MigratePod struct {
	Namespace string
	Pod       string
}

func (ThrottlePower) Type() ActionType { return ActionThrottlePower }
func (LockClock) Type() ActionType     { return ActionLockClock }
func (Alert) Type() ActionType         { return ActionAlert }
func (KillProcess) Type() ActionType   { return ActionKillProcess }
func (MigratePod) Type() ActionType    { return ActionMigratePod }

func (ThrottlePower) isAction() {}
func (LockClock) isAction()     {}
func (Alert) isAction()         {}
func (KillProcess) isAction()   {}
func (MigratePod) isAction()    {}

func (a ThrottlePower) Parameters() map[string]any {
	return map[string]any{"limit_watts": a.LimitWatts}
}

func (a LockClock) Parameters() map[string]any {
	return map[string]any{"clock_mhz": a.ClockMHz}
}

func (a Alert) Parameters() map[string]any {
	p := map[string]any{"message": a.Message}
	if a.Channel != "" {
		p["channel"] = a.Channel
	}
	return p
}

func (a KillProcess) Parameters() map[string]any {
	return map[string]any{"process_name": a.ProcessName, "signal": a.Signal}
}

func (a MigratePod) Parameters() map[string]any {
	p := map[string]any{"namespace": a.Namespace}
	if a.Pod != "" {
		p["pod"] = a.Pod
	}
	return p
}

// ActionSpec is the document form of an action.
type ActionSpec struct {
	Type       string         `yaml:"type" json:"type"`
	Parameters map[string]any `yaml:"parameters,omitempty" json:"parameters,omitempty"`
}

var signals = map[string]bool{"SIGTERM": true, "SIGKILL": true, "SIGINT": true, "SIGHUP": true}

// DecodeAction validates spec and returns the typed action.
func DecodeAction(spec ActionSpec) (Action, error) {
	p := make(params, len(spec.Parameters))
	for k, v := range spec.Parameters {
		p[k] = v
	}
	var (
		a   Action
		err error
	)
	switch ActionType(spec.Type) {
	case ActionThrottlePower:
		var w float64
		w, err = p.number("limit_watts", "limit")
		if err == nil && w <= 0 {
			err = fmt.Errorf("limit_watts must be positive, got %v", w)
		}
		a = ThrottlePower{LimitWatts: w}
	case ActionLockClock:
		var mhz float64
		mhz, err = p.number("clock_mhz")
		if err == nil && (mhz <= 0 || mhz != float64(int(mhz))) {
			err = fmt.Errorf("clock_mhz must be a positive integer, got %v", mhz)
		}
		a = LockClock{ClockMHz: int(mhz)}
	case ActionAlert:
		var msg, ch string
		msg, err = p.str("message")
		if err == nil {
			ch, err = p.optionalStr("channel")
		}
		a = Alert{Message: msg, Channel: ch}
	case ActionKillProcess:
		var name, sig string
		name, err = p.str("process_name")
		if err == nil {
			sig, err = p.optionalStr("signal")
		}
		if sig == "" {
			sig = "SIGTERM"
		}
		sig = strings.ToUpper(sig)
		if err == nil && !signals[sig] {
			err = fmt.Errorf("unsupported signal %q", sig)
		}
		a = KillProcess{ProcessName: name, Signal: sig}
	case ActionMigratePod:
		var ns, pod string
		ns, err = p.str("namespace")
		if err == nil {
			pod, err = p.optionalStr("pod")
		}
		a = MigratePod{Namespace: ns, Pod: pod}
	case "":
		return nil, errors.New("action type is required")
	default:
		return nil, fmt.Errorf("unknown action type %q", spec.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", spec.Type, err)
	}
	if extra := p.unused(); len(extra) > 0 {
		return nil, fmt.Errorf("%s: unknown parameters %s", spec.Type, strings.Join(extra, ", "))
	}
	return a, nil
}

// params tracks which keys were consumed so unknown ones can be rejected.
type params map[string]any

func (p params) take(keys ...string) (any, bool) {
	for _, k := range keys {
		if v, ok := p[k]; ok {
			delete(p, k)
			return v, true
		}
	}
	return nil, false
}

func (p params) number(keys ...string) (float64, error) {
	v, ok := p.take(keys...)
	if !ok {
		return 0, fmt.Errorf("missing required parameter %s", keys[0])
	}
	switch n := v.(type) {
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case uint64:
		return float64(n), nil
	case float64:
		return n, nil
	case string:
		raw := n
		for _, u := range unitSuffixes {
			if strings.HasSuffix(raw, u) {
				raw = strings.TrimSpace(strings.TrimSuffix(raw, u))
				break
			}
		}
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return 0, fmt.Errorf("parameter %s: %q is not a number", keys[0], n)
		}
		return f, nil
	}
	return 0, fmt.Errorf("parameter %s: unsupported type %T", keys[0], v)
}

func (p params) str(key string) (string, error) {
	s, err := p.optionalStr(key)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(s) == "" {
		return "", fmt.Errorf("missing required parameter %s", key)
	}
	return s, nil
}

func (p params) optionalStr(key string) (string, error) {
	v, ok := p.take(key)
	if !ok || v == nil {
		return "", nil
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("parameter %s must be a string", key)
	}
	return s, nil
}

func (p params) unused() []string {
	var out []string
	for k := range p {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
