// Package window keeps the bounded, time-ordered snapshot history that the
// analysis engines read from.
package window

import (
	"errors"
	"fmt"
	"iter"
	"time"

	"gpuwatch/internal/telemetry"
)

var (
	// ErrNoData is returned by Latest when the store is empty.
	ErrNoData = errors.New("window: no data")
	// ErrOutOfOrder is returned when a snapshot is older than the newest entry.
	ErrOutOfOrder = errors.New("window: snapshot out of order")
)

// Options bounds the store. MaxAge is required; MaxEntries of zero means no
// count limit.
type Options struct {
	MaxAge     time.Duration
	MaxEntries int
}

// Store is a sliding window of snapshots ordered oldest first. It is not
// safe for concurrent use; callers guard it with their own lock.
type Store struct {
	opts Options
	buf  []telemetry.Snapshot
	head int
}

// New creates an empty store.
func New(opts Options) (*Store, error) {
	if opts.MaxAge <= 0 {
		return nil, fmt.Errorf("window: max age must be positive, got %s", opts.MaxAge)
	}
	if opts.MaxEntries < 0 {
		return nil, fmt.Errorf("window: max entries must not be negative, got %d", opts.MaxEntries)
	}
	return &Store{opts: opts}, nil
}

// MaxAge returns the configured retention.
func (s *Store) MaxAge() time.Duration { return s.opts.MaxAge }

// Push appends snap and evicts entries that fell out of the window.
func (s *Store) Push(snap telemetry.Snapshot) error {
	if s.Len() > 0 {
		if tail := s.buf[len(s.buf)-1]; snap.Timestamp.Before(tail.Timestamp) {
			return fmt.Errorf("%w: %s before %s", ErrOutOfOrder,
				snap.Timestamp.Format(time.RFC3339Nano), tail.Timestamp.Format(time.RFC3339Nano))
		}
	}
	s.buf = append(s.buf, snap)

	cutoff := snap.Timestamp.Add(-s.opts.MaxAge)
	for s.head < len(s.buf) && s.buf[s.head].Timestamp.Before(cutoff) {
		s.drop()
	}
	for s.opts.MaxEntries > 0 && s.Len() > s.opts.MaxEntries {
		s.drop()
	}
	s.compact()
	return nil
}

func (s *Store) drop() {
	s.buf[s.head] = telemetry.Snapshot{}
	s.head++
}

// compact reclaims the evicted prefix once it dominates the backing array.
func (s *Store) compact() {
	if s.head == 0 || s.head < len(s.buf)/2 {
		return
	}
	n := copy(s.buf, s.buf[s.head:])
	clear(s.buf[n:])
	s.buf = s.buf[:n]
	s.head = 0
}

// Len returns the number of retained snapshots.
func (s *Store) Len() int { return len(s.buf) - s.head }

// Latest returns the newest snapshot or ErrNoData.
func (s *Store) Latest() (telemetry.Snapshot, error) {
	if s.Len() == 0 {
		return telemetry.Snapshot{}, ErrNoData
	}
	return s.buf[len(s.buf)-1], nil
}

// Span returns the time covered between the oldest and newest entry.
func (s *Store) Span() time.Duration {
	if s.Len() < 2 {
		return 0
	}
	return s.buf[len(s.buf)-1].Timestamp.Sub(s.buf[s.head].Timestamp)
}

// All iterates every retained snapshot, oldest first. The sequence may be
// ranged over repeatedly; it must not be consumed across a Push.
func (s *Store) All() iter.Seq[telemetry.Snapshot] {
	return func(yield func(telemetry.Snapshot) bool) {
		for i := s.head; i < len(s.buf); i++ {
			if !yield(s.buf[i]) {
				return
			}
		}
	}
}

// Since iterates the trailing sub-window of length d measured back from the
// newest snapshot, oldest first.
func (s *Store) Since(d time.Duration) iter.Seq[telemetry.Snapshot] {
	return func(yield func(telemetry.Snapshot) bool) {
		if s.Len() == 0 {
			return
		}
		cutoff := s.buf[len(s.buf)-1].Timestamp.Add(-d)
		for i := s.head; i < len(s.buf); i++ {
			if s.buf[i].Timestamp.Before(cutoff) {
				continue
			}
			if !yield(s.buf[i]) {
				return
			}
		}
	}
}
