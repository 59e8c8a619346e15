package telemetry

import (
	"fmt"
	"time"
)

// EventKind classifies orchestration-layer events attached to a snapshot.
type EventKind string

const (
	EventEviction   EventKind = "eviction"
	EventReschedule EventKind = "reschedule"
	EventPreemption EventKind = "preemption"
)

// Disruptive reports whether the event moves or stops a workload.
func (k EventKind) Disruptive() bool {
	switch k {
	case EventEviction, EventReschedule, EventPreemption:
		return true
	}
	return false
}

// OrchestrationEvent is an event tag reported by the orchestration layer.
type OrchestrationEvent struct {
	Kind      EventKind `json:"kind"`
	Pod       string    `json:"pod,omitempty"`
	Namespace string    `json:"namespace,omitempty"`
	Reason    string    `json:"reason,omitempty"`
}

// HostMetrics aggregates node-level measurements. Nil means not reported.
type HostMetrics struct {
	CPUUtilPercent     *float64 `json:"cpu_util_percent,omitempty"`
	MemoryTotalBytes   *uint64  `json:"memory_total_bytes,omitempty"`
	MemoryUsedBytes    *uint64  `json:"memory_used_bytes,omitempty"`
	LoadAvg1           *float64 `json:"load_avg_1m,omitempty"`
	LoadAvg5           *float64 `json:"load_avg_5m,omitempty"`
	LoadAvg15          *float64 `json:"load_avg_15m,omitempty"`
	NetRxBytesPerSec   *float64 `json:"net_rx_bytes_per_sec,omitempty"`
	NetTxBytesPerSec   *float64 `json:"net_tx_bytes_per_sec,omitempty"`
	NetRxPacketsPerSec *float64 `json:"net_rx_packets_per_sec,omitempty"`
	NetDropsPerSec     *float64 `json:"net_drops_per_sec,omitempty"`
	NetRetransPerSec   *float64 `json:"net_retransmits_per_sec,omitempty"`
	DiskIOLatencyMs    *float64 `json:"disk_io_latency_ms,omitempty"`
}

// MemoryUsedPercent returns used/total as a percentage when both are known.
func (h HostMetrics) MemoryUsedPercent() (float64, bool) {
	if h.MemoryUsedBytes == nil || h.MemoryTotalBytes == nil || *h.MemoryTotalBytes == 0 {
		return 0, false
	}
	return float64(*h.MemoryUsedBytes) / float64(*h.MemoryTotalBytes) * 100, true
}

// PacketLossRatio returns drops per received packet when both are known.
func (h HostMetrics) PacketLossRatio() (float64, bool) {
	if h.NetDropsPerSec == nil || h.NetRxPacketsPerSec == nil || *h.NetRxPacketsPerSec <= 0 {
		return 0, false
	}
	return *h.NetDropsPerSec / *h.NetRxPacketsPerSec, true
}

// AcceleratorHealth is the per-device state captured in one snapshot.
type AcceleratorHealth struct {
	UUID             string               `json:"uuid,omitempty"`
	Index            int                  `json:"index"`
	Name             string               `json:"name,omitempty"`
	UtilizationPct   *float64             `json:"utilization_percent,omitempty"`
	MemoryUsedBytes  *uint64              `json:"memory_used_bytes,omitempty"`
	MemoryTotalBytes *uint64              `json:"memory_total_bytes,omitempty"`
	PowerWatts       *float64             `json:"power_watts,omitempty"`
	PowerLimitWatts  *float64             `json:"power_limit_watts,omitempty"`
	TemperatureC     *float64             `json:"temperature_celsius,omitempty"`
	SMClockMHz       *float64             `json:"sm_clock_mhz,omitempty"`
	ECCCorrected     *uint64              `json:"ecc_corrected,omitempty"`
	ECCUncorrected   *uint64              `json:"ecc_uncorrected,omitempty"`
	RetiredPages     *uint64              `json:"retired_pages,omitempty"`
	ThermalThrottle  bool                 `json:"thermal_throttle,omitempty"`
	PowerThrottle    bool                 `json:"power_throttle,omitempty"`
	Events           []OrchestrationEvent `json:"events,omitempty"`
}

// ID returns the stable identity of the device: its UUID, or index-N when
// the UUID was not reported.
func (a AcceleratorHealth) ID() string {
	if a.UUID != "" {
		return a.UUID
	}
	return fmt.Sprintf("index-%d", a.Index)
}

// MemoryUsedPercent returns used/total as a percentage when both are known.
func (a AcceleratorHealth) MemoryUsedPercent() (float64, bool) {
	if a.MemoryUsedBytes == nil || a.MemoryTotalBytes == nil || *a.MemoryTotalBytes == 0 {
		return 0, false
	}
	return float64(*a.MemoryUsedBytes) / float64(*a.MemoryTotalBytes) * 100, true
}

// HasDisruptiveEvent reports whether the device carries an eviction-like tag.
func (a AcceleratorHealth) HasDisruptiveEvent() bool {
	for _, e := range a.Events {
		if e.Kind.Disruptive() {
			return true
		}
	}
	return false
}

// Snapshot is the node state captured at one scrape tick. Snapshots are
// treated as immutable once handed to the window store.
type Snapshot struct {
	Node         string               `json:"node,omitempty"`
	Timestamp    time.Time            `json:"timestamp"`
	Host         HostMetrics          `json:"host"`
	Accelerators []AcceleratorHealth  `json:"accelerators,omitempty"`
	Events       []OrchestrationEvent `json:"events,omitempty"`
}

// Accelerator finds a device by identity.
func (s Snapshot) Accelerator(id string) (AcceleratorHealth, bool) {
	for _, a := range s.Accelerators {
		if a.ID() == id {
			return a, true
		}
	}
	return AcceleratorHealth{}, false
}

// HasDisruptiveEvent reports whether a node-wide eviction-like event is present.
func (s Snapshot) HasDisruptiveEvent() bool {
	for _, e := range s.Events {
		if e.Kind.Disruptive() {
			return true
		}
	}
	return false
}

// F64 returns a pointer to v.
func F64(v float64) *float64 { return &v }

// U64 returns a pointer to v.
func U64(v uint64) *uint64 { return &v }
