// Package rca explains accelerator utilization dips by correlating them with
// concurrent signals in the snapshot window.
package rca

import (
	"errors"
	"fmt"
	"iter"
	"math"
	"time"

	"gpuwatch/internal/telemetry"
)

// Cause is a root-cause classification for a utilization dip.
type Cause string

const (
	CauseOrchestrationEviction Cause = "orchestration_eviction"
	CauseThermalThrottling     Cause = "thermal_throttling"
	CauseNetworkDegradation    Cause = "network_degradation"
	CausePowerCapping          Cause = "power_capping"
)

// Detection is one explained dip. A dip can yield several detections, one
// per matching cause, ordered by cause priority.
type Detection struct {
	Cause        Cause     `json:"cause"`
	Confidence   float64   `json:"confidence"`
	Subject      string    `json:"subject"`
	Index        int       `json:"index"`
	WindowStart  time.Time `json:"window_start"`
	WindowEnd    time.Time `json:"window_end"`
	BaselineUtil float64   `json:"baseline_util"`
	ObservedUtil float64   `json:"observed_util"`
	Description  string    `json:"description"`
}

// Key identifies the dip episode and cause, stable while the dip persists.
func (d Detection) Key() string {
	return d.Subject + "|" + string(d.Cause) + "|" + d.WindowStart.UTC().Format(time.RFC3339Nano)
}

// ConfidenceBand buckets the confidence for low-cardinality labels.
func (d Detection) ConfidenceBand() string {
	switch {
	case d.Confidence >= 0.8:
		return "high"
	case d.Confidence >= 0.5:
		return "medium"
	default:
		return "low"
	}
}

// Config holds the tunable weights and thresholds of the engine.
type Config struct {
	// BaselineSamples is the number of non-dipped samples averaged into the baseline.
	BaselineSamples    int     `yaml:"baseline_samples" json:"baseline_samples"`
	MinBaselineSamples int     `yaml:"min_baseline_samples" json:"min_baseline_samples"`
	MinBaselineUtil    float64 `yaml:"min_baseline_util" json:"min_baseline_util"`
	// DipMargin is in utilization percentage points below the baseline.
	DipMargin float64 `yaml:"dip_margin" json:"dip_margin"`

	Lookback          time.Duration `yaml:"lookback" json:"lookback"`
	ProximityDecay    time.Duration `yaml:"proximity_decay" json:"proximity_decay"`
	EvictionWeight    float64       `yaml:"eviction_weight" json:"eviction_weight"`
	NodeEventDiscount float64       `yaml:"node_event_discount" json:"node_event_discount"`

	ThermalWeight           float64 `yaml:"thermal_weight" json:"thermal_weight"`
	PowerWeight             float64 `yaml:"power_weight" json:"power_weight"`
	ThrottleLookbackSamples int     `yaml:"throttle_lookback_samples" json:"throttle_lookback_samples"`
	StepDecay               float64 `yaml:"step_decay" json:"step_decay"`

	NetworkWeight       float64 `yaml:"network_weight" json:"network_weight"`
	LossRatioThreshold  float64 `yaml:"loss_ratio_threshold" json:"loss_ratio_threshold"`
	RetransmitThreshold float64 `yaml:"retransmit_threshold" json:"retransmit_threshold"`
}

// DefaultConfig returns the stock tuning.
func DefaultConfig() Config {
	return Config{
		BaselineSamples:         5,
		MinBaselineSamples:      2,
		MinBaselineUtil:         50,
		DipMargin:               20,
		Lookback:                60 * time.Second,
		ProximityDecay:          30 * time.Second,
		EvictionWeight:          0.95,
		NodeEventDiscount:       0.8,
		ThermalWeight:           0.9,
		PowerWeight:             0.85,
		ThrottleLookbackSamples: 2,
		StepDecay:               0.7,
		NetworkWeight:           0.8,
		LossRatioThreshold:      0.01,
		RetransmitThreshold:     100,
	}
}

// Validate checks ranges.
func (c Config) Validate() error {
	var errs []error
	if c.BaselineSamples < 1 {
		errs = append(errs, fmt.Errorf("baseline_samples must be >= 1"))
	}
	if c.MinBaselineSamples < 1 || c.MinBaselineSamples > c.BaselineSamples {
		errs = append(errs, fmt.Errorf("min_baseline_samples must be in [1, baseline_samples]"))
	}
	if c.DipMargin <= 0 {
		errs = append(errs, fmt.Errorf("dip_margin must be positive"))
	}
	if c.Lookback < 0 || c.ProximityDecay <= 0 {
		errs = append(errs, fmt.Errorf("lookback must be >= 0 and proximity_decay > 0"))
	}
	for name, w := range map[string]float64{
		"eviction_weight":     c.EvictionWeight,
		"node_event_discount": c.NodeEventDiscount,
		"thermal_weight":      c.ThermalWeight,
		"power_weight":        c.PowerWeight,
		"network_weight":      c.NetworkWeight,
		"step_decay":          c.StepDecay,
	} {
		if w < 0 || w > 1 {
			errs = append(errs, fmt.Errorf("%s must be in [0,1], got %v", name, w))
		}
	}
	if c.ThrottleLookbackSamples < 0 {
		errs = append(errs, fmt.Errorf("throttle_lookback_samples must be >= 0"))
	}
	if c.LossRatioThreshold <= 0 || c.RetransmitThreshold <= 0 {
		errs = append(errs, fmt.Errorf("network thresholds must be positive"))
	}
	return errors.Join(errs...)
}

// Engine correlates dips with candidate causes. It holds no state between
// calls and is safe for concurrent use.
type Engine struct {
	cfg Config
}

// New validates cfg and returns an Engine.
func New(cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("rca config: %w", err)
	}
	return &Engine{cfg: cfg}, nil
}

// point is one utilization sample of a single device.
type point struct {
	snap int
	ts   time.Time
	util float64
	acc  telemetry.AcceleratorHealth
}

// dip is the trailing run of samples below baseline - margin.
type dip struct {
	pts      []point
	start    int
	baseline float64
}

func (d dip) run() []point      { return d.pts[d.start:] }
func (d dip) first() point      { return d.pts[d.start] }
func (d dip) last() point       { return d.pts[len(d.pts)-1] }
func (d dip) begin() time.Time  { return d.first().ts }
func (d dip) end() time.Time    { return d.last().ts }
func (d dip) observed() float64 { return mean(d.run()) }

// Analyze evaluates the window and returns detections for every accelerator
// currently in a dip with at least one plausible cause.
func (e *Engine) Analyze(window iter.Seq[telemetry.Snapshot]) []Detection {
	var snaps []telemetry.Snapshot
	for s := range window {
		snaps = append(snaps, s)
	}
	if len(snaps) == 0 {
		return nil
	}
	var out []Detection
	for _, acc := range snaps[len(snaps)-1].Accelerators {
		d, ok := e.findDip(snaps, acc.ID())
		if !ok {
			continue
		}
		out = append(out, e.explain(snaps, acc, d)...)
	}
	return out
}

// findDip scans the device series oldest first. Dipped samples do not feed
// the rolling baseline, so a persistent dip is measured against the level
// that preceded it.
func (e *Engine) findDip(snaps []telemetry.Snapshot, id string) (dip, bool) {
	var pts []point
	for i, s := range snaps {
		acc, ok := s.Accelerator(id)
		if !ok || acc.UtilizationPct == nil {
			continue
		}
		pts = append(pts, point{snap: i, ts: s.Timestamp, util: *acc.UtilizationPct, acc: acc})
	}
	if len(pts) == 0 || pts[len(pts)-1].snap != len(snaps)-1 {
		return dip{}, false
	}

	var hist []float64
	start, base := -1, 0.0
	for i, p := range pts {
		if len(hist) >= e.cfg.MinBaselineSamples {
			b := meanOf(hist)
			if b >= e.cfg.MinBaselineUtil && p.util < b-e.cfg.DipMargin {
				if start < 0 {
					start, base = i, b
				}
				continue
			}
		}
		start = -1
		hist = append(hist, p.util)
		if len(hist) > e.cfg.BaselineSamples {
			hist = hist[1:]
		}
	}
	if start < 0 {
		return dip{}, false
	}
	return dip{pts: pts, start: start, baseline: base}, true
}

func (e *Engine) explain(snaps []telemetry.Snapshot, acc telemetry.AcceleratorHealth, d dip) []Detection {
	newDetection := func(c Cause, conf float64, why string) Detection {
		return Detection{
			Cause:        c,
			Confidence:   clamp01(conf),
			Subject:      acc.ID(),
			Index:        acc.Index,
			WindowStart:  d.begin(),
			WindowEnd:    d.end(),
			BaselineUtil: d.baseline,
			ObservedUtil: d.observed(),
			Description: fmt.Sprintf("utilization fell from %.1f%% to %.1f%%: %s",
				d.baseline, d.observed(), why),
		}
	}

	var out []Detection
	if conf, why, ok := e.eviction(snaps, acc.ID(), d); ok {
		out = append(out, newDetection(CauseOrchestrationEviction, conf, why))
	}
	if conf, ok := e.throttle(d, e.cfg.ThermalWeight, func(a telemetry.AcceleratorHealth) bool { return a.ThermalThrottle }); ok {
		out = append(out, newDetection(CauseThermalThrottling, conf, "thermal throttling active"))
	}
	if conf, why, ok := e.network(snaps, d); ok {
		out = append(out, newDetection(CauseNetworkDegradation, conf, why))
	}
	if conf, ok := e.throttle(d, e.cfg.PowerWeight, func(a telemetry.AcceleratorHealth) bool { return a.PowerThrottle }); ok {
		out = append(out, newDetection(CausePowerCapping, conf, "power capping active"))
	}
	return out
}

// eviction looks for eviction-like events between start-Lookback and the end
// of the dip. Confidence decays exponentially with distance before the dip.
func (e *Engine) eviction(snaps []telemetry.Snapshot, id string, d dip) (float64, string, bool) {
	from := d.begin().Add(-e.cfg.Lookback)
	best, why := 0.0, ""
	for _, s := range snaps {
		if s.Timestamp.Before(from) || s.Timestamp.After(d.end()) {
			continue
		}
		weight, src := 0.0, ""
		if acc, ok := s.Accelerator(id); ok && acc.HasDisruptiveEvent() {
			weight, src = e.cfg.EvictionWeight, describeEvents(acc.Events)
		} else if s.HasDisruptiveEvent() {
			weight, src = e.cfg.EvictionWeight*e.cfg.NodeEventDiscount, "node "+describeEvents(s.Events)
		}
		if weight == 0 {
			continue
		}
		dist := d.begin().Sub(s.Timestamp)
		if dist < 0 {
			dist = 0
		}
		conf := weight * math.Exp(-float64(dist)/float64(e.cfg.ProximityDecay))
		if conf > best {
			best, why = conf, src
		}
	}
	return best, why, best > 0
}

// throttle scores a flag concurrent with the dip at full weight scaled by how
// much of the dip it covers, and a flag in the samples just before the dip at
// weight * StepDecay^k.
func (e *Engine) throttle(d dip, weight float64, flag func(telemetry.AcceleratorHealth) bool) (float64, bool) {
	run := d.run()
	var hits int
	for _, p := range run {
		if flag(p.acc) {
			hits++
		}
	}
	if hits > 0 {
		return weight * math.Max(0.5, float64(hits)/float64(len(run))), true
	}
	for k := 1; k <= e.cfg.ThrottleLookbackSamples; k++ {
		i := d.start - k
		if i < 0 {
			break
		}
		if flag(d.pts[i].acc) {
			return weight * math.Pow(e.cfg.StepDecay, float64(k)), true
		}
	}
	return 0, false
}

// network checks host loss and retransmits from the snapshot immediately
// preceding the dip through its end.
func (e *Engine) network(snaps []telemetry.Snapshot, d dip) (float64, string, bool) {
	from := d.first().snap - 1
	if from < 0 {
		from = 0
	}
	best, why := 0.0, ""
	for _, s := range snaps[from:] {
		var exceed float64
		var detail string
		if ratio, ok := s.Host.PacketLossRatio(); ok {
			if r := ratio / e.cfg.LossRatioThreshold; r > exceed {
				exceed, detail = r, fmt.Sprintf("packet loss %.2f%%", ratio*100)
			}
		}
		if s.Host.NetRetransPerSec != nil {
			if r := *s.Host.NetRetransPerSec / e.cfg.RetransmitThreshold; r > exceed {
				exceed, detail = r, fmt.Sprintf("%.0f retransmits/s", *s.Host.NetRetransPerSec)
			}
		}
		if exceed <= 1 {
			continue
		}
		if conf := e.cfg.NetworkWeight * math.Min(1, 0.5+0.25*(exceed-1)); conf > best {
			best, why = conf, detail
		}
	}
	return best, why, best > 0
}

func describeEvents(evs []telemetry.OrchestrationEvent) string {
	for _, ev := range evs {
		if !ev.Kind.Disruptive() {
			continue
		}
		if ev.Pod != "" {
			return fmt.Sprintf("%s of %s/%s", ev.Kind, ev.Namespace, ev.Pod)
		}
		return string(ev.Kind)
	}
	return "orchestration event"
}

func mean(pts []point) float64 {
	if len(pts) == 0 {
		return 0
	}
	var sum float64
	for _, p := range pts {
		sum += p.util
	}
	return sum / float64(len(pts))
}

func meanOf(vs []float64) float64 {
	var sum float64
	for _, v := range vs {
		sum += v
	}
	return sum / float64(len(vs))
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
