package audit

import (
	"context"
	"sync"
)

// Log keeps the most recent records in memory for the control API.
type Log struct {
	mu      sync.RWMutex
	records []Record
	next    int
	full    bool
}

// NewLog returns a ring holding up to capacity records.
func NewLog(capacity int) *Log {
	if capacity <= 0 {
		capacity = 1024
	}
	return &Log{records: make([]Record, capacity)}
}

// Append stores r, overwriting the oldest record when full.
func (l *Log) Append(_ context.Context, r Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records[l.next] = r
	l.next = (l.next + 1) % len(l.records)
	if l.next == 0 {
		l.full = true
	}
	return nil
}

// Len returns the number of retained records.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.full {
		return len(l.records)
	}
	return l.next
}

// Recent returns up to n records, newest first. n <= 0 returns all.
func (l *Log) Recent(n int) []Record {
	return l.Query(Filter{Limit: n})
}

// Query returns matching records, newest first.
func (l *Log) Query(f Filter) []Record {
	l.mu.RLock()
	defer l.mu.RUnlock()
	size := l.next
	if l.full {
		size = len(l.records)
	}
	var out []Record
	for i := 0; i < size; i++ {
		idx := (l.next - 1 - i + len(l.records)) % len(l.records)
		r := l.records[idx]
		if !f.match(r) {
			continue
		}
		out = append(out, r)
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out
}
