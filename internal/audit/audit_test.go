package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rec(policy, target string, ts time.Time, res Result) Record {
	return Record{
		Timestamp:     ts,
		Actor:         ActorAgent,
		Target:        target,
		Action:        "throttle_power",
		Parameters:    map[string]any{"limit_watts": 250.0},
		Result:        res,
		CorrelationID: NewID(),
		Policy:        policy,
		Severity:      "critical",
	}
}

func TestRecordJSONFieldNames(t *testing.T) {
	data, err := json.Marshal(rec("thermal-safety", "GPU-1", time.Unix(0, 0).UTC(), ResultSuccess))
	require.NoError(t, err)
	var m map[string]any
	require.NoError(t, json.Unmarshal(data, &m))
	for _, k := range []string{"timestamp", "actor", "target", "action", "parameters", "result", "correlation_id", "policy", "severity"} {
		assert.Contains(t, m, k)
	}
	assert.Equal(t, "success", m["result"])
}

func TestFileSinkAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	ctx := context.Background()
	ts := time.Unix(100, 0).UTC()

	s, err := NewFileSink(path)
	require.NoError(t, err)
	require.NoError(t, s.Append(ctx, rec("a", "GPU-1", ts, ResultSuccess)))
	require.NoError(t, s.Close())

	// reopening must not truncate
	s, err = NewFileSink(path)
	require.NoError(t, err)
	require.NoError(t, s.Append(ctx, rec("b", "GPU-2", ts, ResultFailure)))
	require.NoError(t, s.Close())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	var got []Record
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var r Record
		require.NoError(t, json.Unmarshal(sc.Bytes(), &r))
		got = append(got, r)
	}
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].Policy)
	assert.Equal(t, ResultFailure, got[1].Result)
}

func TestLogRingAndQuery(t *testing.T) {
	l := NewLog(3)
	ctx := context.Background()
	base := time.Unix(0, 0).UTC()
	for i, p := range []string{"a", "b", "c", "d"} {
		require.NoError(t, l.Append(ctx, rec(p, "GPU-1", base.Add(time.Duration(i)*time.Second), ResultSuccess)))
	}
	assert.Equal(t, 3, l.Len())

	recent := l.Recent(0)
	require.Len(t, recent, 3)
	assert.Equal(t, "d", recent[0].Policy)
	assert.Equal(t, "b", recent[2].Policy)

	assert.Len(t, l.Recent(2), 2)
	got := l.Query(Filter{Policy: "c"})
	require.Len(t, got, 1)
	assert.Equal(t, "c", got[0].Policy)
	assert.Len(t, l.Query(Filter{Since: base.Add(2 * time.Second)}), 2)
}

func TestMultiAttemptsAllSinks(t *testing.T) {
	boom := errors.New("boom")
	var calls int
	failing := SinkFunc(func(context.Context, Record) error { calls++; return boom })
	l := NewLog(4)
	err := Multi{failing, l}.Append(context.Background(), rec("a", "GPU-1", time.Now(), ResultSuccess))
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, l.Len())
}

func TestSQLiteStoreQuery(t *testing.T) {
	ctx := context.Background()
	s, err := OpenSQLiteStore(ctx, filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	defer s.Close()

	base := time.Unix(1_700_000_000, 0).UTC()
	require.NoError(t, s.Append(ctx, rec("thermal-safety", "GPU-1", base, ResultSuccess)))
	require.NoError(t, s.Append(ctx, rec("thermal-safety", "GPU-2", base.Add(time.Minute), ResultFailure)))
	require.NoError(t, s.Append(ctx, rec("idle-power-save", "GPU-1", base.Add(2*time.Minute), ResultDryRun)))

	all, err := s.Query(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "idle-power-save", all[0].Policy)
	assert.Equal(t, base, all[2].Timestamp)
	assert.Equal(t, 250.0, all[2].Parameters["limit_watts"])

	byPolicy, err := s.Query(ctx, Filter{Policy: "thermal-safety"})
	require.NoError(t, err)
	assert.Len(t, byPolicy, 2)

	byTarget, err := s.Query(ctx, Filter{Target: "GPU-1", Since: base.Add(time.Second)})
	require.NoError(t, err)
	require.Len(t, byTarget, 1)
	assert.Equal(t, ResultDryRun, byTarget[0].Result)

	limited, err := s.Query(ctx, Filter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

type fakePublisher struct {
	subject string
	data    [][]byte
	err     error
}

func (p *fakePublisher) Publish(subject string, data []byte) error {
	p.subject = subject
	p.data = append(p.data, data)
	return p.err
}

func TestNATSSinkPublishes(t *testing.T) {
	pub := &fakePublisher{}
	s := NewNATSPublisherSink(pub, "")
	require.NoError(t, s.Append(context.Background(), rec("a", "GPU-1", time.Unix(0, 0).UTC(), ResultSuccess)))
	assert.Equal(t, DefaultSubject, pub.subject)
	require.Len(t, pub.data, 1)
	var r Record
	require.NoError(t, json.Unmarshal(pub.data[0], &r))
	assert.Equal(t, "a", r.Policy)
	assert.NoError(t, s.Close())

	pub.err = errors.New("down")
	assert.Error(t, s.Append(context.Background(), rec("a", "GPU-1", time.Now(), ResultSuccess)))
}
