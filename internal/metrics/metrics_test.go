package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorders(t *testing.T) {
	r := New(false)
	r.Detection("thermal_throttling", "high", "GPU-1", 0.9)
	r.Detection("thermal_throttling", "high", "GPU-1", 0.85)
	r.PolicyViolation("thermal-safety", "GPU-1", "critical")
	r.PolicyEnforced("thermal-safety", "GPU-1", "throttle_power", "critical", "success")
	r.PolicyConfigError("bad")
	r.CollectorGap()
	r.WindowSnapshots(12)
	r.EngineFailure("rca")
	r.Tick(3 * time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(r.detections.WithLabelValues("thermal_throttling", "high", "GPU-1")))
	assert.Equal(t, 0.85, testutil.ToFloat64(r.detectionConfidence.WithLabelValues("thermal_throttling", "GPU-1")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.violations.WithLabelValues("thermal-safety", "GPU-1", "critical")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.enforced.WithLabelValues("thermal-safety", "GPU-1", "throttle_power", "critical", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.configErrors.WithLabelValues("bad")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.collectorGaps))
	assert.Equal(t, 12.0, testutil.ToFloat64(r.windowSnapshots))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.engineFailures.WithLabelValues("rca")))
}

func TestRiskReplacedEachPublish(t *testing.T) {
	r := New(false)
	r.Risk("GPU-1", 80, 0.5)
	r.Risk("GPU-2", 10, 0.02)
	assert.Equal(t, 2, testutil.CollectAndCount(r.riskScore))

	r.ResetRisk()
	r.Risk("GPU-1", 90, 0.6)
	assert.Equal(t, 1, testutil.CollectAndCount(r.riskScore))
	assert.Equal(t, 90.0, testutil.ToFloat64(r.riskScore.WithLabelValues("GPU-1")))
}

func TestHandlerExposesNamespace(t *testing.T) {
	r := New(true)
	r.Risk("GPU-abc", 42, 0.2)
	srv := httptest.NewServer(r.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), `gpuwatch_gpu_failure_risk_score{gpu="GPU-abc"} 42`))
	assert.True(t, strings.Contains(string(body), "go_goroutines"))
}
