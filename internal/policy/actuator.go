package policy

import (
	"context"
	"time"
)

// Request carries everything an actuator needs to apply one decision.
type Request struct {
	CorrelationID string
	Policy        string
	Target        string
	// Index is the accelerator index, or -1 for node targets.
	Index     int
	Action    Action
	Severity  Severity
	Value     float64
	Condition Condition
	At        time.Time
}

// Actuator applies remediation actions. Implementations must honour ctx.
type Actuator interface {
	Apply(ctx context.Context, req Request) error
}

// ActuatorFunc adapts a function to Actuator.
type ActuatorFunc func(ctx context.Context, req Request) error

func (f ActuatorFunc) Apply(ctx context.Context, req Request) error { return f(ctx, req) }
