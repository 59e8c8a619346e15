package actuator

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gpuwatch/internal/policy"
)

type recordingRunner struct {
	name string
	args []string
	out  []byte
	err  error
}

func (r *recordingRunner) Run(_ context.Context, name string, args ...string) ([]byte, error) {
	r.name, r.args = name, args
	return r.out, r.err
}

func req(action policy.Action, target string) policy.Request {
	return policy.Request{
		CorrelationID: "c-1",
		Policy:        "p",
		Target:        target,
		Index:         3,
		Action:        action,
		Severity:      policy.SeverityCritical,
		At:            time.Unix(0, 0),
	}
}

func TestCommandArgs(t *testing.T) {
	r := &recordingRunner{}
	c := NewCommand("nvidia-smi", r)

	require.NoError(t, c.Apply(context.Background(), req(policy.ThrottlePower{LimitWatts: 250}, "GPU-abc")))
	assert.Equal(t, "nvidia-smi", r.name)
	assert.Equal(t, []string{"-i", "GPU-abc", "-pl", "250"}, r.args)

	require.NoError(t, c.Apply(context.Background(), req(policy.LockClock{ClockMHz: 600}, "index-3")))
	assert.Equal(t, []string{"-i", "3", "-lgc", "600,600"}, r.args)

	err := c.Apply(context.Background(), req(policy.ThrottlePower{LimitWatts: 250}, policy.NodeTarget))
	assert.ErrorIs(t, err, ErrUnsupported)
}

func TestCommandFailureIncludesOutput(t *testing.T) {
	r := &recordingRunner{out: []byte("Insufficient Permissions\n"), err: errors.New("exit status 4")}
	err := NewCommand("nvidia-smi", r).Apply(context.Background(), req(policy.ThrottlePower{LimitWatts: 200}, "GPU-1"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Insufficient Permissions")
}

func TestNotifierRateLimited(t *testing.T) {
	var buf bytes.Buffer
	n := NewNotifier(slog.New(slog.NewTextHandler(&buf, nil)), time.Minute)
	r := req(policy.Alert{Message: "too hot"}, "GPU-1")

	require.NoError(t, n.Apply(context.Background(), r))
	r.At = r.At.Add(30 * time.Second)
	require.ErrorIs(t, n.Apply(context.Background(), r), policy.ErrRateLimited)
	assert.Equal(t, 1, strings.Count(buf.String(), "policy alert"))

	r.At = r.At.Add(31 * time.Second)
	require.NoError(t, n.Apply(context.Background(), r))
	assert.Equal(t, 2, strings.Count(buf.String(), "policy alert"))

	other := req(policy.Alert{Message: "too hot"}, "GPU-2")
	require.NoError(t, n.Apply(context.Background(), other))
	assert.Equal(t, 3, strings.Count(buf.String(), "policy alert"))
	assert.Contains(t, buf.String(), "too hot")
}

func TestDispatcherRoutes(t *testing.T) {
	var got []policy.ActionType
	rec := policy.ActuatorFunc(func(_ context.Context, r policy.Request) error {
		got = append(got, r.Action.Type())
		return nil
	})
	d := NewDispatcher(slog.New(slog.DiscardHandler)).Handle(rec, policy.ActionAlert, policy.ActionLockClock)

	require.NoError(t, d.Apply(context.Background(), req(policy.Alert{Message: "x"}, "GPU-1")))
	require.NoError(t, d.Apply(context.Background(), req(policy.LockClock{ClockMHz: 1}, "GPU-1")))
	err := d.Apply(context.Background(), req(policy.KillProcess{ProcessName: "x", Signal: "SIGTERM"}, "GPU-1"))
	assert.ErrorIs(t, err, ErrUnsupported)
	assert.Equal(t, []policy.ActionType{policy.ActionAlert, policy.ActionLockClock}, got)
}

func TestNewWithoutNvidiaSMI(t *testing.T) {
	d := New(Options{Logger: slog.New(slog.DiscardHandler)})
	err := d.Apply(context.Background(), req(policy.ThrottlePower{LimitWatts: 1}, "GPU-1"))
	assert.ErrorIs(t, err, ErrUnsupported)
	assert.NoError(t, d.Apply(context.Background(), req(policy.Alert{Message: "m"}, "GPU-1")))
}
