package dashboard

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRenderMissingEnv(t *testing.T) {
	t.Setenv("PROMETHEUS_DATASOURCE_UID", "")
	t.Setenv("GREPTIMEDB_DATASOURCE_UID", "")
	if err := Render(t.TempDir()); err == nil {
		t.Fatalf("expected error for missing env vars")
	}
}

func TestRenderSuccess(t *testing.T) {
	t.Setenv("PROMETHEUS_DATASOURCE_UID", "prom1")
	t.Setenv("GREPTIMEDB_DATASOURCE_UID", "grep1")

	dir := t.TempDir()
	if err := Render(dir); err != nil {
		t.Fatalf("render failed: %v", err)
	}

	b, err := os.ReadFile(filepath.Join(dir, "gpuwatch-prometheus.json"))
	if err != nil {
		t.Fatalf("read dashboard: %v", err)
	}
	if !strings.Contains(string(b), "prom1") {
		t.Fatalf("prometheus uid not rendered")
	}
	var dash struct {
		Panels []struct {
			Targets []struct {
				Expr         string `json:"expr"`
				LegendFormat string `json:"legendFormat"`
			} `json:"targets"`
		} `json:"panels"`
	}
	if err := json.Unmarshal(b, &dash); err != nil {
		t.Fatalf("decode dashboard: %v", err)
	}
	if got := dash.Panels[0].Targets[0].LegendFormat; got != "{{gpu}}" {
		t.Fatalf("legend = %q, want {{gpu}}", got)
	}
	if !strings.Contains(dash.Panels[0].Targets[0].Expr, "gpuwatch_gpu_failure_risk_score") {
		t.Fatalf("unexpected expression %q", dash.Panels[0].Targets[0].Expr)
	}

	b, err = os.ReadFile(filepath.Join(dir, "gpuwatch-greptime.json"))
	if err != nil {
		t.Fatalf("read greptime dashboard: %v", err)
	}
	if !strings.Contains(string(b), "grep1") || !strings.Contains(string(b), "FROM gpu_snapshots") {
		t.Fatalf("greptime dashboard not rendered")
	}
}
