package policy

import (
	"sort"

	"gpuwatch/internal/telemetry"
)

// NodeTarget is the target name used for host-scoped metrics.
const NodeTarget = "node"

// Scope says whether a metric is read per accelerator or once per node.
type Scope int

const (
	ScopeAccelerator Scope = iota
	ScopeHost
)

// Metric resolves a policy target path against a snapshot.
type Metric struct {
	Path  string
	Scope Scope
	gpu   func(telemetry.AcceleratorHealth) (float64, bool)
	host  func(telemetry.HostMetrics) (float64, bool)
}

// Observation is one resolved value. OK is false when the signal is absent.
type Observation struct {
	Target string
	Index  int
	Value  float64
	OK     bool
}

// Observe resolves the metric for every target in s.
func (m Metric) Observe(s telemetry.Snapshot) []Observation {
	if m.Scope == ScopeHost {
		v, ok := m.host(s.Host)
		return []Observation{{Target: NodeTarget, Index: -1, Value: v, OK: ok}}
	}
	out := make([]Observation, 0, len(s.Accelerators))
	for _, a := range s.Accelerators {
		v, ok := m.gpu(a)
		out = append(out, Observation{Target: a.ID(), Index: a.Index, Value: v, OK: ok})
	}
	return out
}

func f64(p *float64) (float64, bool) {
	if p == nil {
		return 0, false
	}
	return *p, true
}

func u64(p *uint64) (float64, bool) {
	if p == nil {
		return 0, false
	}
	return float64(*p), true
}

func gpuMetric(path string, fn func(telemetry.AcceleratorHealth) (float64, bool)) Metric {
	return Metric{Path: path, Scope: ScopeAccelerator, gpu: fn}
}

func hostMetric(path string, fn func(telemetry.HostMetrics) (float64, bool)) Metric {
	return Metric{Path: path, Scope: ScopeHost, host: fn}
}

var metrics = map[string]Metric{}

var aliases = map[string]string{
	"gpu_temp_celsius":         "gpu.temperature_celsius",
	"gpu_utilization":          "gpu.utilization_percent",
	"gpu_power_watts":          "gpu.power_watts",
	"memory_allocated_percent": "gpu.memory_used_percent",
}

func init() {
	for _, m := range []Metric{
		gpuMetric("gpu.temperature_celsius", func(a telemetry.AcceleratorHealth) (float64, bool) { return f64(a.TemperatureC) }),
		gpuMetric("gpu.utilization_percent", func(a telemetry.AcceleratorHealth) (float64, bool) { return f64(a.UtilizationPct) }),
		gpuMetric("gpu.power_watts", func(a telemetry.AcceleratorHealth) (float64, bool) { return f64(a.PowerWatts) }),
		gpuMetric("gpu.memory_used_percent", telemetry.AcceleratorHealth.MemoryUsedPercent),
		gpuMetric("gpu.memory_used_bytes", func(a telemetry.AcceleratorHealth) (float64, bool) { return u64(a.MemoryUsedBytes) }),
		gpuMetric("gpu.sm_clock_mhz", func(a telemetry.AcceleratorHealth) (float64, bool) { return f64(a.SMClockMHz) }),
		gpuMetric("gpu.ecc_corrected", func(a telemetry.AcceleratorHealth) (float64, bool) { return u64(a.ECCCorrected) }),
		gpuMetric("gpu.ecc_uncorrected", func(a telemetry.AcceleratorHealth) (float64, bool) { return u64(a.ECCUncorrected) }),
		gpuMetric("gpu.retired_pages", func(a telemetry.AcceleratorHealth) (float64, bool) { return u64(a.RetiredPages) }),
		hostMetric("host.cpu_util_percent", func(h telemetry.HostMetrics) (float64, bool) { return f64(h.CPUUtilPercent) }),
		hostMetric("host.memory_used_percent", telemetry.HostMetrics.MemoryUsedPercent),
		hostMetric("host.load_avg_1m", func(h telemetry.HostMetrics) (float64, bool) { return f64(h.LoadAvg1) }),
		hostMetric("host.net_drops_per_sec", func(h telemetry.HostMetrics) (float64, bool) { return f64(h.NetDropsPerSec) }),
		hostMetric("host.disk_io_latency_ms", func(h telemetry.HostMetrics) (float64, bool) { return f64(h.DiskIOLatencyMs) }),
	} {
		metrics[m.Path] = m
	}
}

// LookupMetric resolves a target path, accepting legacy aliases.
func LookupMetric(path string) (Metric, bool) {
	if canon, ok := aliases[path]; ok {
		path = canon
	}
	m, ok := metrics[path]
	return m, ok
}

// MetricPaths lists the canonical target paths.
func MetricPaths() []string {
	out := make([]string, 0, len(metrics))
	for p := range metrics {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}
