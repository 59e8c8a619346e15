package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeAction(t *testing.T) {
	a, err := DecodeAction(ActionSpec{Type: "throttle_power", Parameters: map[string]any{"limit_watts": 250}})
	require.NoError(t, err)
	assert.Equal(t, ThrottlePower{LimitWatts: 250}, a)

	a, err = DecodeAction(ActionSpec{Type: "throttle_power", Parameters: map[string]any{"limit": "200W"}})
	require.NoError(t, err)
	assert.Equal(t, ThrottlePower{LimitWatts: 200}, a)

	a, err = DecodeAction(ActionSpec{Type: "lock_clock", Parameters: map[string]any{"clock_mhz": 1005}})
	require.NoError(t, err)
	assert.Equal(t, LockClock{ClockMHz: 1005}, a)

	a, err = DecodeAction(ActionSpec{Type: "kill_process", Parameters: map[string]any{"process_name": "miner"}})
	require.NoError(t, err)
	assert.Equal(t, KillProcess{ProcessName: "miner", Signal: "SIGTERM"}, a)

	a, err = DecodeAction(ActionSpec{Type: "alert", Parameters: map[string]any{"message": "hot", "channel": "ops"}})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"message": "hot", "channel": "ops"}, a.Parameters())

	a, err = DecodeAction(ActionSpec{Type: "migrate_pod", Parameters: map[string]any{"namespace": "ml"}})
	require.NoError(t, err)
	assert.Equal(t, ActionMigratePod, a.Type())
}

func TestDecodeActionRejects(t *testing.T) {
	cases := map[string]ActionSpec{
		"unknown type":      {Type: "reboot"},
		"missing type":      {},
		"missing limit":     {Type: "throttle_power"},
		"negative limit":    {Type: "throttle_power", Parameters: map[string]any{"limit_watts": -5}},
		"fractional clock":  {Type: "lock_clock", Parameters: map[string]any{"clock_mhz": 10.5}},
		"empty message":     {Type: "alert", Parameters: map[string]any{"message": " "}},
		"bad signal":        {Type: "kill_process", Parameters: map[string]any{"process_name": "x", "signal": "SIGSTOP"}},
		"missing namespace": {Type: "migrate_pod"},
		"unknown parameter": {Type: "alert", Parameters: map[string]any{"message": "x", "urgency": "high"}},
	}
	for name, spec := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeAction(spec)
			assert.Error(t, err)
		})
	}
}

func TestDecodeActionDoesNotMutateSpec(t *testing.T) {
	spec := ActionSpec{Type: "lock_clock", Parameters: map[string]any{"clock_mhz": 900}}
	_, err := DecodeAction(spec)
	require.NoError(t, err)
	assert.Contains(t, spec.Parameters, "clock_mhz")
}
