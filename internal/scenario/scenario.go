package scenario

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"gpuwatch/internal/telemetry"
)

// Scenario scripts synthetic fault injection as ordered phases.
type Scenario struct {
	Name        string  `yaml:"name,omitempty"`
	Description string  `yaml:"description,omitempty"`
	Phases      []Phase `yaml:"phases"`
}

// Phase describes a stage with the faults active during it and the
// triggers that move to the next stage.
type Phase struct {
	Name        string            `yaml:"name"`
	Description string            `yaml:"description,omitempty"`
	Faults      []telemetry.Fault `yaml:"faults,omitempty"`
	Triggers    []Trigger         `yaml:"triggers,omitempty"`
}

// Trigger moves the scenario to another phase based on an event.
type Trigger struct {
	Event string `yaml:"event"`
	Value int    `yaml:"value"`
	Next  string `yaml:"next"`
}

// Trigger events understood by Runner.
const (
	// EventPhaseTicks counts collections since the phase started.
	EventPhaseTicks = "phase_ticks"
	// EventTick is the absolute collection count.
	EventTick = "tick"
)

// Event represents a runtime occurrence that may advance the scenario.
type Event struct {
	Type  string
	Value int
}

// Load reads a YAML scenario definition from disk.
func Load(path string) (*Scenario, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scenario: %w", err)
	}
	var s Scenario
	if err := yaml.Unmarshal(b, &s); err != nil {
		return nil, fmt.Errorf("parse scenario: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("scenario %s: %w", path, err)
	}
	return &s, nil
}

// Validate checks fault kinds and trigger targets.
func (s *Scenario) Validate() error {
	if len(s.Phases) == 0 {
		return errors.New("no phases")
	}
	names := map[string]bool{}
	for _, p := range s.Phases {
		if names[p.Name] {
			return fmt.Errorf("duplicate phase %q", p.Name)
		}
		names[p.Name] = true
	}
	for _, p := range s.Phases {
		for _, f := range p.Faults {
			if !f.Kind.Valid() {
				return fmt.Errorf("phase %q: unknown fault %q", p.Name, f.Kind)
			}
		}
		for _, tr := range p.Triggers {
			if !names[tr.Next] {
				return fmt.Errorf("phase %q: trigger targets unknown phase %q", p.Name, tr.Next)
			}
			if tr.Event != EventPhaseTicks && tr.Event != EventTick {
				return fmt.Errorf("phase %q: unknown trigger event %q", p.Name, tr.Event)
			}
		}
	}
	return nil
}

// NextPhase returns the name of the next phase given the current phase and event.
// If no trigger matches, ok will be false.
func (s *Scenario) NextPhase(current string, ev Event) (next string, ok bool) {
	for _, p := range s.Phases {
		if p.Name != current {
			continue
		}
		for _, tr := range p.Triggers {
			if tr.Event == ev.Type && ev.Value >= tr.Value {
				return tr.Next, true
			}
		}
	}
	return "", false
}

func (s *Scenario) phase(name string) *Phase {
	for i := range s.Phases {
		if s.Phases[i].Name == name {
			return &s.Phases[i]
		}
	}
	return nil
}

// Runner plays a scenario as a telemetry.FaultSource.
type Runner struct {
	mu      sync.Mutex
	sc      *Scenario
	current string
	started int
}

// NewRunner starts sc at its first phase.
func NewRunner(sc *Scenario) *Runner {
	return &Runner{sc: sc, current: sc.Phases[0].Name, started: 1}
}

// Phase returns the active phase name.
func (r *Runner) Phase() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

// Faults advances the phase for tick (1-based) and returns its faults.
func (r *Runner) Faults(tick int) []telemetry.Fault {
	r.mu.Lock()
	defer r.mu.Unlock()
	// bounded so a cycle of zero-valued triggers cannot spin
	for range len(r.sc.Phases) {
		next, ok := r.sc.NextPhase(r.current, Event{Type: EventPhaseTicks, Value: tick - r.started})
		if !ok {
			next, ok = r.sc.NextPhase(r.current, Event{Type: EventTick, Value: tick})
		}
		if !ok || next == r.current {
			break
		}
		r.current, r.started = next, tick
	}
	if p := r.sc.phase(r.current); p != nil {
		return p.Faults
	}
	return nil
}
