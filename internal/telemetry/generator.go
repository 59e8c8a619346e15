package telemetry

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
)

// FaultKind names a condition the synthetic generator can inject.
type FaultKind string

const (
	FaultThermalRunaway FaultKind = "thermal_runaway"
	FaultIdle           FaultKind = "idle"
	FaultECCBurst       FaultKind = "ecc_burst"
	FaultECCUncorrected FaultKind = "ecc_uncorrected"
	FaultRetiredPages   FaultKind = "retired_pages"
	FaultPowerCap       FaultKind = "power_cap"
	FaultEviction       FaultKind = "eviction"
	FaultNetworkLoss    FaultKind = "network_loss"
	FaultGap            FaultKind = "collector_gap"
)

// Valid reports whether k is a known fault.
func (k FaultKind) Valid() bool {
	switch k {
	case FaultThermalRunaway, FaultIdle, FaultECCBurst, FaultECCUncorrected,
		FaultRetiredPages, FaultPowerCap, FaultEviction, FaultNetworkLoss, FaultGap:
		return true
	}
	return false
}

// Fault targets a device index, or every device when Device is negative.
type Fault struct {
	Kind   FaultKind `yaml:"kind" json:"kind"`
	Device int       `yaml:"device" json:"device"`
}

func (f Fault) applies(index int) bool { return f.Device < 0 || f.Device == index }

// FaultSource supplies the faults active at a given tick (1-based).
type FaultSource interface {
	Faults(tick int) []Fault
}

// GeneratorOptions configures a synthetic Generator.
type GeneratorOptions struct {
	Node         string
	Accelerators int
	Seed         int64
	// Start and Step make timestamps deterministic when Step is non-zero.
	Start  time.Time
	Step   time.Duration
	Faults FaultSource
}

type device struct {
	uuid         string
	index        int
	util         float64
	eccCorrected uint64
	eccUncorr    uint64
	retired      uint64
}

const (
	memTotalBytes   = 80 << 30
	hostMemTotal    = 512 << 30
	powerLimitWatts = 400.0
)

// Generator simulates host and accelerator telemetry for one node.
type Generator struct {
	mu      sync.Mutex
	node    string
	rand    *rand.Rand
	now     func() time.Time
	start   time.Time
	step    time.Duration
	faults  FaultSource
	devices []*device
	tick    int
	chaos   bool
}

// NewGenerator creates a synthetic collector with stable device UUIDs derived from the seed.
func NewGenerator(opts GeneratorOptions) *Generator {
	if opts.Accelerators <= 0 {
		opts.Accelerators = 1
	}
	r := rand.New(rand.NewSource(opts.Seed))
	g := &Generator{
		node:   opts.Node,
		rand:   r,
		now:    time.Now,
		start:  opts.Start,
		step:   opts.Step,
		faults: opts.Faults,
	}
	for i := 0; i < opts.Accelerators; i++ {
		id, _ := uuid.NewRandomFromReader(r)
		g.devices = append(g.devices, &device{
			uuid:  "GPU-" + id.String(),
			index: i,
			util:  75 + r.Float64()*15,
		})
	}
	return g
}

// UUIDs returns the device identities in index order.
func (g *Generator) UUIDs() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, len(g.devices))
	for i, d := range g.devices {
		out[i] = d.uuid
	}
	return out
}

// ToggleChaos flips random fault injection and returns the new state.
func (g *Generator) ToggleChaos() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.chaos = !g.chaos
	return g.chaos
}

// Chaos reports whether random fault injection is enabled.
func (g *Generator) Chaos() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.chaos
}

// Collect implements Collector.
func (g *Generator) Collect(ctx context.Context) (Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return Snapshot{}, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	g.tick++
	var faults []Fault
	if g.faults != nil {
		faults = g.faults.Faults(g.tick)
	}
	if g.chaos {
		faults = append(faults, g.chaosFaults()...)
	}
	for _, f := range faults {
		if f.Kind == FaultGap {
			return Snapshot{}, fmt.Errorf("tick %d: %w", g.tick, ErrCollectorGap)
		}
	}

	snap := Snapshot{Node: g.node, Timestamp: g.timestamp(), Host: g.host(faults)}
	for _, d := range g.devices {
		snap.Accelerators = append(snap.Accelerators, g.accelerator(d, faults))
	}
	return snap, nil
}

func (g *Generator) timestamp() time.Time {
	if g.step > 0 {
		return g.start.Add(time.Duration(g.tick-1) * g.step).UTC()
	}
	return g.now().UTC()
}

func (g *Generator) chaosFaults() []Fault {
	kinds := []FaultKind{FaultThermalRunaway, FaultECCBurst, FaultPowerCap, FaultEviction, FaultNetworkLoss}
	var out []Fault
	for _, d := range g.devices {
		if g.rand.Float64() < 0.1 {
			out = append(out, Fault{Kind: kinds[g.rand.Intn(len(kinds))], Device: d.index})
		}
	}
	return out
}

func (g *Generator) host(faults []Fault) HostMetrics {
	rxPackets := 200000 + g.rand.Float64()*20000
	drops := rxPackets * 0.0001 * g.rand.Float64()
	retrans := g.rand.Float64() * 5
	for _, f := range faults {
		if f.Kind == FaultNetworkLoss {
			drops = rxPackets * (0.04 + g.rand.Float64()*0.02)
			retrans = 400 + g.rand.Float64()*100
		}
	}
	cpu := 30 + g.rand.Float64()*20
	memUsed := uint64(float64(hostMemTotal) * (0.4 + g.rand.Float64()*0.1))
	load := 8 + g.rand.Float64()*4
	return HostMetrics{
		CPUUtilPercent:     F64(cpu),
		MemoryTotalBytes:   U64(hostMemTotal),
		MemoryUsedBytes:    U64(memUsed),
		LoadAvg1:           F64(load),
		LoadAvg5:           F64(load * 0.95),
		LoadAvg15:          F64(load * 0.9),
		NetRxBytesPerSec:   F64(rxPackets * 1200),
		NetTxBytesPerSec:   F64(rxPackets * 900),
		NetRxPacketsPerSec: F64(rxPackets),
		NetDropsPerSec:     F64(drops),
		NetRetransPerSec:   F64(retrans),
		DiskIOLatencyMs:    F64(2 + g.rand.Float64()*3),
	}
}

// accelerator advances a device one tick and applies the active faults.
func (g *Generator) accelerator(d *device, faults []Fault) AcceleratorHealth {
	d.util += g.rand.Float64()*6 - 3
	d.util = math.Max(70, math.Min(98, d.util))

	util := d.util
	temp := 45 + util*0.3 + g.rand.Float64()*2
	power := 120 + util*2.4
	a := AcceleratorHealth{UUID: d.uuid, Index: d.index, Name: "synthetic-h100"}
	for _, f := range faults {
		if !f.applies(d.index) {
			continue
		}
		switch f.Kind {
		case FaultThermalRunaway:
			temp = 86 + g.rand.Float64()*4
			util = 35 + g.rand.Float64()*5
			a.ThermalThrottle = true
		case FaultIdle:
			util = g.rand.Float64() * 3
			temp = 34 + g.rand.Float64()
			power = 60 + g.rand.Float64()*5
		case FaultECCBurst:
			d.eccCorrected += 300
		case FaultECCUncorrected:
			d.eccUncorr++
		case FaultRetiredPages:
			d.retired++
		case FaultPowerCap:
			util = 40 + g.rand.Float64()*5
			power = powerLimitWatts
			a.PowerThrottle = true
		case FaultEviction:
			util = g.rand.Float64() * 5
			a.Events = append(a.Events, OrchestrationEvent{Kind: EventEviction, Pod: fmt.Sprintf("trainer-%d", d.index), Namespace: "ml"})
		case FaultNetworkLoss:
			util = 40 + g.rand.Float64()*5
		}
	}
	memUsed := uint64(float64(memTotalBytes) * (0.2 + util/100*0.7))
	a.UtilizationPct = F64(util)
	a.TemperatureC = F64(temp)
	a.PowerWatts = F64(power)
	a.PowerLimitWatts = F64(powerLimitWatts)
	a.SMClockMHz = F64(1980 * (0.5 + util/200))
	a.MemoryUsedBytes = U64(memUsed)
	a.MemoryTotalBytes = U64(memTotalBytes)
	a.ECCCorrected = U64(d.eccCorrected)
	a.ECCUncorrected = U64(d.eccUncorr)
	a.RetiredPages = U64(d.retired)
	return a
}
