package telemetry

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// ReplaySource serves snapshots recorded as JSON lines, one per Collect call.
// It returns io.EOF once the log is exhausted.
type ReplaySource struct {
	mu   sync.Mutex
	dec  *json.Decoder
	line int
	c    io.Closer
}

// NewReplaySource reads snapshots from r.
func NewReplaySource(r io.Reader) *ReplaySource {
	return &ReplaySource{dec: json.NewDecoder(bufio.NewReader(r))}
}

// OpenReplayFile opens a snapshot log for replay.
func OpenReplayFile(path string) (*ReplaySource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	rs := NewReplaySource(f)
	rs.c = f
	return rs, nil
}

// Collect implements Collector.
func (r *ReplaySource) Collect(ctx context.Context) (Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return Snapshot{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	var s Snapshot
	if err := r.dec.Decode(&s); err != nil {
		if errors.Is(err, io.EOF) {
			return Snapshot{}, io.EOF
		}
		return Snapshot{}, fmt.Errorf("decode snapshot %d: %w", r.line+1, err)
	}
	r.line++
	return s, nil
}

// Close releases the underlying file, if any.
func (r *ReplaySource) Close() error {
	if r.c == nil {
		return nil
	}
	return r.c.Close()
}

// Replay feeds every snapshot from src to handle. A speed >0 paces playback
// by the recorded timestamp gaps divided by speed; speed <= 0 replays as fast
// as possible.
func Replay(ctx context.Context, src Collector, speed float64, handle func(context.Context, Snapshot) error) error {
	var prev time.Time
	for {
		s, err := src.Collect(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if !prev.IsZero() && speed > 0 {
			diff := s.Timestamp.Sub(prev)
			if speed != 1 {
				diff = time.Duration(float64(diff) / speed)
			}
			if diff > 0 {
				select {
				case <-time.After(diff):
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		}
		if err := handle(ctx, s); err != nil {
			return err
		}
		prev = s.Timestamp
	}
}
