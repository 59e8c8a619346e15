package policy

import (
	"fmt"
	"time"
)

// Phase is the evaluation state of one (policy, target) pair.
type Phase int

const (
	PhaseIdle Phase = iota
	PhasePending
	PhaseFired
)

func (p Phase) String() string {
	switch p {
	case PhasePending:
		return "pending"
	case PhaseFired:
		return "fired"
	default:
		return "idle"
	}
}

// MarshalText renders the phase by name.
func (p Phase) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

// UnmarshalText parses a phase name.
func (p *Phase) UnmarshalText(b []byte) error {
	switch string(b) {
	case "idle":
		*p = PhaseIdle
	case "pending":
		*p = PhasePending
	case "fired":
		*p = PhaseFired
	default:
		return fmt.Errorf("unknown phase %q", b)
	}
	return nil
}

// State is Idle, Pending{Since} or Fired{FiredAt}. LastFired survives the
// return to Idle so the dampening gap spans re-arms.
type State struct {
	Phase     Phase     `json:"phase"`
	Since     time.Time `json:"since,omitzero"`
	FiredAt   time.Time `json:"fired_at,omitzero"`
	LastFired time.Time `json:"last_fired,omitzero"`
}

// Timing parameterises a transition.
type Timing struct {
	// Duration is how long the condition must hold before firing.
	Duration time.Duration
	// Cooldown re-arms a latched Fired state while the condition stays true.
	// Zero latches until the condition clears.
	Cooldown time.Duration
	// MinGap is the dampening interval between two fires of the same pair.
	MinGap time.Duration
}

// Step advances st by one evaluation and reports whether the action fires.
// It is a pure function of its inputs.
func Step(st State, holds bool, now time.Time, t Timing) (State, bool) {
	if !holds {
		return idle(st), false
	}
	switch st.Phase {
	case PhaseIdle:
		st.Phase, st.Since = PhasePending, now
		return tryFire(st, now, t)
	case PhasePending:
		return tryFire(st, now, t)
	case PhaseFired:
		if t.Cooldown > 0 && now.Sub(st.FiredAt) >= t.Cooldown {
			st.Phase, st.Since, st.FiredAt = PhasePending, now, time.Time{}
			return tryFire(st, now, t)
		}
	}
	return st, false
}

// StepMissing handles an evaluation without data. A pending condition loses
// continuity and resets; a fired one stays latched.
func StepMissing(st State) State {
	if st.Phase == PhasePending {
		return idle(st)
	}
	return st
}

func idle(st State) State {
	return State{Phase: PhaseIdle, LastFired: st.LastFired}
}

func tryFire(st State, now time.Time, t Timing) (State, bool) {
	if now.Sub(st.Since) < t.Duration {
		return st, false
	}
	if !st.LastFired.IsZero() && now.Sub(st.LastFired) < t.MinGap {
		return st, false
	}
	return State{Phase: PhaseFired, FiredAt: now, LastFired: now}, true
}
