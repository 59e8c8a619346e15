package policy

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const defaultProfile = `
apiVersion: gpuwatch/v1
kind: EfficiencyProfile
metadata:
  name: datacenter-defaults
  version: "1.0"
policies:
  - name: thermal-safety
    description: Cap power when a GPU runs hot
    target: gpu.temperature_celsius
    condition: "> 82"
    duration: 1m
    action:
      type: throttle_power
      parameters:
        limit_watts: 250
    severity: critical
  - name: idle-power-save
    target: gpu_utilization
    condition: "< 5%"
    duration: 5m
    action:
      type: lock_clock
      parameters:
        clock_mhz: 600
    severity: info
`

func TestParseProfile(t *testing.T) {
	p, err := Parse([]byte(defaultProfile))
	require.NoError(t, err)
	assert.Equal(t, "datacenter-defaults", p.Name)
	require.Len(t, p.Policies, 2)
	assert.NotEmpty(t, p.Digest)

	thermal, ok := p.Policy("thermal-safety")
	require.True(t, ok)
	assert.Equal(t, time.Minute, thermal.Duration)
	assert.Equal(t, Condition{Op: OpGT, Threshold: 82}, thermal.Condition)
	assert.Equal(t, ThrottlePower{LimitWatts: 250}, thermal.Action)
	assert.Equal(t, SeverityCritical, thermal.Severity)

	idle, _ := p.Policy("idle-power-save")
	m, err := idle.Resolve()
	require.NoError(t, err)
	assert.Equal(t, "gpu.utilization_percent", m.Path)
}

func TestParseProfileRejects(t *testing.T) {
	dup := `
apiVersion: gpuwatch/v1
kind: EfficiencyProfile
metadata: {name: x}
policies:
  - {name: a, target: gpu.power_watts, condition: "> 1", action: {type: alert, parameters: {message: m}}, severity: info}
  - {name: a, target: gpu.power_watts, condition: "> 2", action: {type: alert, parameters: {message: m}}, severity: info}
`
	_, err := Parse([]byte(dup))
	var cfgErr *ConfigError
	require.True(t, errors.As(err, &cfgErr))
	assert.Equal(t, "a", cfgErr.Policy)

	missingParam := `
apiVersion: gpuwatch/v1
kind: EfficiencyProfile
metadata: {name: x}
policies:
  - {name: a, target: gpu.power_watts, condition: "> 1", action: {type: throttle_power}, severity: info}
`
	_, err = Parse([]byte(missingParam))
	require.True(t, errors.As(err, &cfgErr))
	assert.Equal(t, "action", cfgErr.Field)

	_, err = Parse([]byte("kind: EfficiencyProfile\n"))
	assert.Error(t, err)
}

func TestUnknownTargetDeferred(t *testing.T) {
	doc := `
apiVersion: gpuwatch/v1
kind: EfficiencyProfile
metadata: {name: x}
policies:
  - {name: fan, target: gpu.fan_speed, condition: "> 1", action: {type: alert, parameters: {message: m}}, severity: warning}
`
	p, err := Parse([]byte(doc))
	require.NoError(t, err)
	_, err = p.Policies[0].Resolve()
	assert.ErrorIs(t, err, ErrUnknownMetric)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profile.yaml")
	require.NoError(t, os.WriteFile(path, []byte(defaultProfile), 0o644))
	p, err := Load(path, "")
	require.NoError(t, err)
	assert.Len(t, p.Policies, 2)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"), "")
	assert.Error(t, err)
}

func TestSelectors(t *testing.T) {
	s := Selectors{MatchTags: map[string]string{"tier": "prod"}, MatchLabels: map[string]string{"zone": "a"}}
	assert.True(t, s.Matches(map[string]string{"tier": "prod"}, map[string]string{"zone": "a", "x": "y"}))
	assert.False(t, s.Matches(map[string]string{"tier": "dev"}, map[string]string{"zone": "a"}))
	assert.True(t, Selectors{}.Matches(nil, nil))
}
