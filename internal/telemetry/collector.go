package telemetry

import (
	"context"
	"errors"
)

// ErrCollectorGap is returned by collectors that have no snapshot for this tick.
var ErrCollectorGap = errors.New("collector gap")

// Collector produces one snapshot per scrape tick. Implementations must
// honour ctx cancellation and return promptly when it is done.
type Collector interface {
	Collect(ctx context.Context) (Snapshot, error)
}

// CollectorFunc adapts a function to the Collector interface.
type CollectorFunc func(ctx context.Context) (Snapshot, error)

// Collect calls f.
func (f CollectorFunc) Collect(ctx context.Context) (Snapshot, error) { return f(ctx) }
