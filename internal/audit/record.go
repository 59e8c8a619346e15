// Package audit records every enforcement decision and operator override.
// Records are append-only; sinks never rewrite or delete them.
package audit

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Result is the outcome of an audited action.
type Result string

const (
	ResultSuccess    Result = "success"
	ResultFailure    Result = "failure"
	ResultDryRun     Result = "dry_run"
	ResultSuppressed Result = "suppressed"
)

// Actors that appear in records.
const (
	ActorAgent    = "agent"
	ActorOperator = "operator"
)

// Record is one audit entry.
type Record struct {
	Timestamp     time.Time      `json:"timestamp"`
	Actor         string         `json:"actor"`
	Target        string         `json:"target"`
	Action        string         `json:"action"`
	Parameters    map[string]any `json:"parameters,omitempty"`
	Result        Result         `json:"result"`
	CorrelationID string         `json:"correlation_id"`
	Policy        string         `json:"policy,omitempty"`
	Severity      string         `json:"severity,omitempty"`
	Detail        string         `json:"detail,omitempty"`
}

// Sink persists records.
type Sink interface {
	Append(ctx context.Context, r Record) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, r Record) error

func (f SinkFunc) Append(ctx context.Context, r Record) error { return f(ctx, r) }

// NewID returns a fresh correlation ID.
func NewID() string { return uuid.NewString() }

// Multi fans records out to every sink. All sinks are attempted; their
// errors are joined.
type Multi []Sink

func (m Multi) Append(ctx context.Context, r Record) error {
	var errs []error
	for _, s := range m {
		if err := s.Append(ctx, r); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Filter selects records in Query calls. Zero fields match everything.
type Filter struct {
	Policy string
	Target string
	Result Result
	Since  time.Time
	Until  time.Time
	Limit  int
}

func (f Filter) match(r Record) bool {
	if f.Policy != "" && r.Policy != f.Policy {
		return false
	}
	if f.Target != "" && r.Target != f.Target {
		return false
	}
	if f.Result != "" && r.Result != f.Result {
		return false
	}
	if !f.Since.IsZero() && r.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && !r.Timestamp.Before(f.Until) {
		return false
	}
	return true
}
