package window

import (
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gpuwatch/internal/telemetry"
)

var t0 = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

func snapAt(sec int) telemetry.Snapshot {
	return telemetry.Snapshot{Timestamp: t0.Add(time.Duration(sec) * time.Second)}
}

func timestamps(s *Store) []int {
	var out []int
	for snap := range s.All() {
		out = append(out, int(snap.Timestamp.Sub(t0)/time.Second))
	}
	return out
}

func TestLatestEmpty(t *testing.T) {
	s, err := New(Options{MaxAge: time.Minute})
	require.NoError(t, err)
	_, err = s.Latest()
	assert.ErrorIs(t, err, ErrNoData)
	assert.Equal(t, 0, s.Len())
	assert.Empty(t, timestamps(s))
}

func TestPushPrunesByAge(t *testing.T) {
	s, err := New(Options{MaxAge: 60 * time.Second})
	require.NoError(t, err)
	for _, sec := range []int{0, 15, 30, 45, 60, 75, 90} {
		require.NoError(t, s.Push(snapAt(sec)))
	}
	// newest is 90s, so anything before 30s is gone and 30s itself is exactly 60s old.
	assert.Equal(t, []int{30, 45, 60, 75, 90}, timestamps(s))
	latest, err := s.Latest()
	require.NoError(t, err)
	assert.Equal(t, snapAt(90).Timestamp, latest.Timestamp)
	assert.Equal(t, 60*time.Second, s.Span())

	for snap := range s.All() {
		assert.LessOrEqual(t, latest.Timestamp.Sub(snap.Timestamp), 60*time.Second)
	}
}

func TestPushMaxEntries(t *testing.T) {
	s, err := New(Options{MaxAge: time.Hour, MaxEntries: 3})
	require.NoError(t, err)
	for sec := 0; sec < 10; sec++ {
		require.NoError(t, s.Push(snapAt(sec)))
	}
	assert.Equal(t, []int{7, 8, 9}, timestamps(s))
}

func TestPushOutOfOrder(t *testing.T) {
	s, err := New(Options{MaxAge: time.Hour})
	require.NoError(t, err)
	require.NoError(t, s.Push(snapAt(30)))
	err = s.Push(snapAt(15))
	assert.True(t, errors.Is(err, ErrOutOfOrder))
	assert.Equal(t, []int{30}, timestamps(s))
	// equal timestamps are allowed
	require.NoError(t, s.Push(snapAt(30)))
	assert.Equal(t, 2, s.Len())
}

func TestIterationRestartableAndLazy(t *testing.T) {
	s, err := New(Options{MaxAge: time.Hour})
	require.NoError(t, err)
	for sec := 0; sec < 5; sec++ {
		require.NoError(t, s.Push(snapAt(sec)))
	}
	first := slices.Collect(s.All())
	second := slices.Collect(s.All())
	assert.Equal(t, first, second)

	var seen int
	for range s.All() {
		seen++
		if seen == 2 {
			break
		}
	}
	assert.Equal(t, 2, seen)
}

func TestSince(t *testing.T) {
	s, err := New(Options{MaxAge: time.Hour})
	require.NoError(t, err)
	for sec := 0; sec <= 600; sec += 60 {
		require.NoError(t, s.Push(snapAt(sec)))
	}
	var got []int
	for snap := range s.Since(120 * time.Second) {
		got = append(got, int(snap.Timestamp.Sub(t0)/time.Second))
	}
	assert.Equal(t, []int{480, 540, 600}, got)
}

func TestCompactionKeepsOrder(t *testing.T) {
	s, err := New(Options{MaxAge: 10 * time.Second})
	require.NoError(t, err)
	for sec := 0; sec < 1000; sec++ {
		require.NoError(t, s.Push(snapAt(sec)))
	}
	assert.Equal(t, 11, s.Len())
	assert.LessOrEqual(t, len(s.buf), 2*s.Len()+1)
	got := timestamps(s)
	assert.True(t, slices.IsSorted(got))
	assert.Equal(t, 989, got[0])
}

func TestNewRejectsBadOptions(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
	_, err = New(Options{MaxAge: time.Second, MaxEntries: -1})
	assert.Error(t, err)
}
