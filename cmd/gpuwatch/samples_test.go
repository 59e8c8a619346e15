package main

import (
	"testing"

	"gpuwatch/internal/config"
	"gpuwatch/internal/policy"
)

func TestShippedSamplesLoad(t *testing.T) {
	cfg, err := config.Load("../../configs/agent.yaml", "")
	if err != nil {
		t.Fatalf("configs/agent.yaml: %v", err)
	}
	if cfg.Collector.Scenario != "thermal-runaway" || cfg.Policy.Mode != string(policy.ModeMonitor) {
		t.Fatalf("unexpected config: %+v", cfg.Collector)
	}
	p, err := policy.Load("../../profiles/default.yaml", "")
	if err != nil {
		t.Fatalf("profiles/default.yaml: %v", err)
	}
	if len(p.Policies) != 3 || !p.Selectors.Matches(cfg.Tags, cfg.Labels) {
		t.Fatalf("profile %s: %d policies, selectors match=%v", p.Name, len(p.Policies), p.Selectors.Matches(cfg.Tags, cfg.Labels))
	}
}
