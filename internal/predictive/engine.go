// Package predictive scores accelerators for near-term hardware failure risk
// from health trends in the snapshot window.
package predictive

import (
	"errors"
	"fmt"
	"iter"
	"math"
	"sort"
	"time"

	"gpuwatch/internal/telemetry"
)

// Factor is one contribution to a risk score.
type Factor struct {
	Name   string  `json:"name"`
	Weight float64 `json:"weight"`
	Detail string  `json:"detail"`
}

const (
	FactorUncorrectedECC = "uncorrected_ecc"
	FactorCorrectedECC   = "corrected_ecc_rate"
	FactorThermal        = "persistent_thermal_throttling"
	FactorRetiredPages   = "retired_pages"
)

// Assessment is the risk of one accelerator, keyed by its stable identity.
type Assessment struct {
	Subject            string    `json:"subject"`
	Index              int       `json:"index"`
	RiskScore          float64   `json:"risk_score"`
	FailureProbability float64   `json:"failure_probability"`
	Factors            []Factor  `json:"factors,omitempty"`
	Samples            int       `json:"samples"`
	AssessedAt         time.Time `json:"assessed_at"`
}

// Critical reports whether the score crosses threshold.
func (a Assessment) Critical(threshold float64) bool { return a.RiskScore >= threshold }

// Config holds penalty weights and thresholds.
type Config struct {
	UncorrectedPenalty          float64 `yaml:"uncorrected_penalty" json:"uncorrected_penalty"`
	UncorrectedProbabilityFloor float64 `yaml:"uncorrected_probability_floor" json:"uncorrected_probability_floor"`
	HighCorrected               uint64  `yaml:"high_corrected" json:"high_corrected"`
	HighCorrectedPenalty        float64 `yaml:"high_corrected_penalty" json:"high_corrected_penalty"`
	ModerateCorrected           uint64  `yaml:"moderate_corrected" json:"moderate_corrected"`
	ModerateCorrectedPenalty    float64 `yaml:"moderate_corrected_penalty" json:"moderate_corrected_penalty"`
	ThrottleFraction            float64 `yaml:"throttle_fraction" json:"throttle_fraction"`
	MinThrottleSamples          int     `yaml:"min_throttle_samples" json:"min_throttle_samples"`
	ThrottlePenalty             float64 `yaml:"throttle_penalty" json:"throttle_penalty"`
	RetiredPagePenalty          float64 `yaml:"retired_page_penalty" json:"retired_page_penalty"`
	RetiredPageCap              float64 `yaml:"retired_page_cap" json:"retired_page_cap"`
	BaselineProbability         float64 `yaml:"baseline_probability" json:"baseline_probability"`
}

// DefaultConfig returns the stock weights.
func DefaultConfig() Config {
	return Config{
		UncorrectedPenalty:          80,
		UncorrectedProbabilityFloor: 0.5,
		HighCorrected:               1000,
		HighCorrectedPenalty:        50,
		ModerateCorrected:           100,
		ModerateCorrectedPenalty:    20,
		ThrottleFraction:            0.25,
		MinThrottleSamples:          4,
		ThrottlePenalty:             30,
		RetiredPagePenalty:          10,
		RetiredPageCap:              40,
		BaselineProbability:         0.01,
	}
}

// Validate checks ranges.
func (c Config) Validate() error {
	var errs []error
	for name, v := range map[string]float64{
		"uncorrected_penalty":        c.UncorrectedPenalty,
		"high_corrected_penalty":     c.HighCorrectedPenalty,
		"moderate_corrected_penalty": c.ModerateCorrectedPenalty,
		"throttle_penalty":           c.ThrottlePenalty,
		"retired_page_penalty":       c.RetiredPagePenalty,
		"retired_page_cap":           c.RetiredPageCap,
	} {
		if v < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative", name))
		}
	}
	if c.ModerateCorrected > c.HighCorrected {
		errs = append(errs, errors.New("moderate_corrected must not exceed high_corrected"))
	}
	if c.ThrottleFraction <= 0 || c.ThrottleFraction > 1 {
		errs = append(errs, errors.New("throttle_fraction must be in (0,1]"))
	}
	if c.BaselineProbability <= 0 || c.BaselineProbability >= 1 {
		errs = append(errs, errors.New("baseline_probability must be in (0,1)"))
	}
	if c.UncorrectedProbabilityFloor < 0 || c.UncorrectedProbabilityFloor > 1 {
		errs = append(errs, errors.New("uncorrected_probability_floor must be in [0,1]"))
	}
	return errors.Join(errs...)
}

// Engine computes risk assessments. It is stateless: the same window always
// yields the same assessments.
type Engine struct {
	cfg Config
}

// New validates cfg and returns an Engine.
func New(cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("predictive config: %w", err)
	}
	return &Engine{cfg: cfg}, nil
}

type history struct {
	index       int
	samples     int
	throttled   int
	firstCorr   *uint64
	prevCorr    uint64
	corrDelta   uint64
	// uncorrected is the largest count seen anywhere in the window.
	uncorrected uint64
	retired     *uint64
	last        time.Time
}

// Assess scores every accelerator seen in the window, sorted by subject.
func (e *Engine) Assess(window iter.Seq[telemetry.Snapshot]) []Assessment {
	hs := map[string]*history{}
	for s := range window {
		for _, a := range s.Accelerators {
			id := a.ID()
			h, ok := hs[id]
			if !ok {
				h = &history{}
				hs[id] = h
			}
			h.observe(s.Timestamp, a)
		}
	}

	out := make([]Assessment, 0, len(hs))
	for id, h := range hs {
		out = append(out, e.score(id, h))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Subject < out[j].Subject })
	return out
}

func (h *history) observe(ts time.Time, a telemetry.AcceleratorHealth) {
	h.index = a.Index
	h.samples++
	h.last = ts
	if a.ThermalThrottle {
		h.throttled++
	}
	if c := a.ECCCorrected; c != nil {
		switch {
		case h.firstCorr == nil:
			h.firstCorr = c
		case *c >= h.prevCorr:
			h.corrDelta += *c - h.prevCorr
		default:
			// counter reset: everything since the reset is new
			h.corrDelta += *c
		}
		h.prevCorr = *c
	}
	if u := a.ECCUncorrected; u != nil && *u > h.uncorrected {
		h.uncorrected = *u
	}
	if a.RetiredPages != nil {
		h.retired = a.RetiredPages
	}
}

func (e *Engine) score(id string, h *history) Assessment {
	c := e.cfg
	var score float64
	var factors []Factor
	add := func(name string, w float64, detail string) {
		score += w
		factors = append(factors, Factor{Name: name, Weight: w, Detail: detail})
	}

	uncorrected := h.uncorrected > 0
	if uncorrected {
		add(FactorUncorrectedECC, c.UncorrectedPenalty, fmt.Sprintf("%d uncorrected ECC errors", h.uncorrected))
	}
	switch {
	case h.corrDelta > c.HighCorrected:
		add(FactorCorrectedECC, c.HighCorrectedPenalty, fmt.Sprintf("high corrected ECC rate (%d in window)", h.corrDelta))
	case h.corrDelta > c.ModerateCorrected:
		add(FactorCorrectedECC, c.ModerateCorrectedPenalty, fmt.Sprintf("moderate corrected ECC rate (%d in window)", h.corrDelta))
	}
	if h.samples >= c.MinThrottleSamples && h.throttled > 0 &&
		float64(h.throttled)/float64(h.samples) >= c.ThrottleFraction {
		add(FactorThermal, c.ThrottlePenalty, fmt.Sprintf("thermal throttling in %d of %d samples", h.throttled, h.samples))
	}
	if h.retired != nil && *h.retired > 0 {
		w := math.Min(c.RetiredPageCap, c.RetiredPagePenalty*float64(*h.retired))
		add(FactorRetiredPages, w, fmt.Sprintf("%d retired memory pages", *h.retired))
	}

	score = math.Min(100, score)
	p := e.Probability(score)
	if uncorrected {
		p = math.Max(p, c.UncorrectedProbabilityFloor)
	}
	return Assessment{
		Subject:            id,
		Index:              h.index,
		RiskScore:          score,
		FailureProbability: p,
		Factors:            factors,
		Samples:            h.samples,
		AssessedAt:         h.last,
	}
}

// Probability maps a score in [0,100] onto [baseline, 1], monotonically.
func (e *Engine) Probability(score float64) float64 {
	s := math.Max(0, math.Min(100, score)) / 100
	b := e.cfg.BaselineProbability
	return b + (1-b)*s*s
}
