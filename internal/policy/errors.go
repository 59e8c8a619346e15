package policy

import (
	"errors"
	"fmt"
)

// ErrUnknownMetric is wrapped by ConfigError when a target path does not resolve.
var ErrUnknownMetric = errors.New("unknown metric path")

// ConfigError reports a policy configuration problem. It is surfaced once
// and never retried per tick.
type ConfigError struct {
	Policy string
	Field  string
	Err    error
}

func (e *ConfigError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("policy %q: %v", e.Policy, e.Err)
	}
	return fmt.Sprintf("policy %q: %s: %v", e.Policy, e.Field, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// ActuatorError wraps a failed action application.
type ActuatorError struct {
	Action ActionType
	Target string
	Err    error
}

func (e *ActuatorError) Error() string {
	return fmt.Sprintf("apply %s on %s: %v", e.Action, e.Target, e.Err)
}

func (e *ActuatorError) Unwrap() error { return e.Err }
