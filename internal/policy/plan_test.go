package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gpuwatch/internal/telemetry"
)

func TestPlan(t *testing.T) {
	p, err := Parse([]byte(defaultProfile))
	require.NoError(t, err)
	snap := gpuSnap(at(0), 88, 50)
	snap.Accelerators = append(snap.Accelerators, telemetry.AcceleratorHealth{Index: 1, UtilizationPct: telemetry.F64(1)})

	res := Plan(p, snap, nil, nil)
	assert.True(t, res.Active)
	require.Len(t, res.Rows, 4)

	byKey := map[string]PlanRow{}
	for _, r := range res.Rows {
		byKey[r.Policy+"/"+r.Target] = r
	}
	assert.Equal(t, PlanViolated, byKey["thermal-safety/GPU-abc"].Status)
	assert.Equal(t, "88.0", byKey["thermal-safety/GPU-abc"].Value)
	assert.Contains(t, byKey["thermal-safety/GPU-abc"].Action, "throttle_power")
	assert.Equal(t, PlanSkipped, byKey["thermal-safety/index-1"].Status)
	assert.Equal(t, PlanSatisfied, byKey["idle-power-save/GPU-abc"].Status)
	assert.Equal(t, PlanViolated, byKey["idle-power-save/index-1"].Status)
	assert.Equal(t, 2, res.Violations())
}
