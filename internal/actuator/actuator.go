// Package actuator applies policy decisions to the node.
package actuator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gpuwatch/internal/logging"
	"gpuwatch/internal/policy"
)

// ErrUnsupported is returned for actions this node cannot perform.
var ErrUnsupported = errors.New("action not supported on this node")

// Unsupported rejects every request.
type Unsupported struct{}

func (Unsupported) Apply(_ context.Context, req policy.Request) error {
	return fmt.Errorf("%w: %s", ErrUnsupported, req.Action.Type())
}

// Dispatcher routes requests to the actuator registered for their action type.
type Dispatcher struct {
	routes   map[policy.ActionType]policy.Actuator
	fallback policy.Actuator
	logger   *slog.Logger
}

// NewDispatcher returns a dispatcher whose unrouted actions are unsupported.
func NewDispatcher(logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		routes:   map[policy.ActionType]policy.Actuator{},
		fallback: Unsupported{},
		logger:   logger,
	}
}

// Handle registers a for the given action types.
func (d *Dispatcher) Handle(a policy.Actuator, types ...policy.ActionType) *Dispatcher {
	for _, t := range types {
		d.routes[t] = a
	}
	return d
}

// Apply implements policy.Actuator.
func (d *Dispatcher) Apply(ctx context.Context, req policy.Request) error {
	a, ok := d.routes[req.Action.Type()]
	if !ok {
		a = d.fallback
	}
	logger := d.logger.With("correlation_id", req.CorrelationID)
	logger.Debug("dispatching action", "action", req.Action.Type(), "target", req.Target)
	return a.Apply(logging.NewContext(ctx, logger), req)
}

// Options configures the default dispatcher.
type Options struct {
	// NvidiaSMI is the path to nvidia-smi. Empty disables hardware actions.
	NvidiaSMI string
	// AlertInterval is the minimum time between alerts per policy and target.
	AlertInterval time.Duration
	Logger        *slog.Logger
}

// New wires the standard actuators: alerts to the log, power and clock
// actions through nvidia-smi when available.
func New(opts Options) *Dispatcher {
	d := NewDispatcher(opts.Logger)
	d.Handle(NewNotifier(opts.Logger, opts.AlertInterval), policy.ActionAlert)
	if opts.NvidiaSMI != "" {
		d.Handle(NewCommand(opts.NvidiaSMI, ExecRunner{}), policy.ActionThrottlePower, policy.ActionLockClock)
	}
	return d
}
