// ColorStdoutWriter prints human-friendly, colorized agent output to STDOUT.
package agent

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"text/tabwriter"
	"time"

	"gpuwatch/internal/audit"
	"gpuwatch/internal/config"
	"gpuwatch/internal/predictive"
	"gpuwatch/internal/rca"
	"gpuwatch/internal/telemetry"
)

const (
	colorReset   = "\x1b[0m"
	colorRed     = "\x1b[31m"
	colorGreen   = "\x1b[32m"
	colorYellow  = "\x1b[33m"
	colorBlue    = "\x1b[34m"
	colorMagenta = "\x1b[35m"
	colorCyan    = "\x1b[36m"
	colorGray    = "\x1b[90m"
)

const (
	hotTemperatureC  = 85.0
	warmTemperatureC = 75.0
)

// ColorStdoutWriter prints snapshots, detections, risks and audits using
// ANSI colors.
type ColorStdoutWriter struct {
	cfg  *config.Config
	out  io.Writer
	once sync.Once
	mu   sync.Mutex
}

// NewColorStdoutWriter creates a ColorStdoutWriter writing to os.Stdout.
func NewColorStdoutWriter(cfg *config.Config) *ColorStdoutWriter {
	return &ColorStdoutWriter{cfg: cfg, out: os.Stdout}
}

func (w *ColorStdoutWriter) printOverview() {
	if w.cfg == nil {
		return
	}
	fmt.Fprintln(w.out, "Agent Configuration:")
	tw := tabwriter.NewWriter(w.out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "Node:\t%s\n", w.cfg.Node)
	fmt.Fprintf(tw, "Scrape Interval:\t%s\n", w.cfg.ScrapeInterval)
	fmt.Fprintf(tw, "RCA Window:\t%s\n", w.cfg.Window.RCA)
	fmt.Fprintf(tw, "Predictive Window:\t%s\n", w.cfg.Window.Predictive)
	fmt.Fprintf(tw, "Policy Mode:\t%s\n", w.cfg.Policy.Mode)
	profile := w.cfg.Policy.Profile
	if profile == "" {
		profile = "none"
	}
	fmt.Fprintf(tw, "Policy Profile:\t%s\n", profile)
	fmt.Fprintf(tw, "Collector:\t%s\n", w.cfg.Collector.Source)
	tw.Flush()
	fmt.Fprintln(w.out)
}

func stamp(ts time.Time) string {
	return fmt.Sprintf("%s[%s]%s", colorGray, ts.UTC().Format(time.RFC3339), colorReset)
}

func temperatureColor(v float64) string {
	switch {
	case v >= hotTemperatureC:
		return colorRed
	case v >= warmTemperatureC:
		return colorYellow
	default:
		return colorGreen
	}
}

func optF64(p *float64, format string) string {
	if p == nil {
		return "n/a"
	}
	return fmt.Sprintf(format, *p)
}

func optU64(p *uint64) string {
	if p == nil {
		return "n/a"
	}
	return fmt.Sprintf("%d", *p)
}

// WriteSnapshot prints one line per accelerator.
func (w *ColorStdoutWriter) WriteSnapshot(s telemetry.Snapshot) error {
	w.once.Do(w.printOverview)
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, a := range s.Accelerators {
		tempColor := colorGray
		if a.TemperatureC != nil {
			tempColor = temperatureColor(*a.TemperatureC)
		}
		fmt.Fprintf(w.out, "%s ", stamp(s.Timestamp))
		fmt.Fprintf(w.out, "%snode=%s%s ", colorBlue, s.Node, colorReset)
		fmt.Fprintf(w.out, "%sgpu=%s%s ", colorCyan, a.ID(), colorReset)
		fmt.Fprintf(w.out, "idx=%d ", a.Index)
		fmt.Fprintf(w.out, "util=%s ", optF64(a.UtilizationPct, "%.1f"))
		fmt.Fprintf(w.out, "%stemp=%s%s ", tempColor, optF64(a.TemperatureC, "%.1f"), colorReset)
		fmt.Fprintf(w.out, "power=%s ", optF64(a.PowerWatts, "%.0f"))
		fmt.Fprintf(w.out, "ecc=%s/%s", optU64(a.ECCCorrected), optU64(a.ECCUncorrected))
		var flags []string
		if a.ThermalThrottle {
			flags = append(flags, "thermal")
		}
		if a.PowerThrottle {
			flags = append(flags, "power")
		}
		if len(flags) > 0 {
			fmt.Fprintf(w.out, " %sthrottle=%s%s", colorYellow, strings.Join(flags, ","), colorReset)
		}
		if a.HasDisruptiveEvent() {
			fmt.Fprintf(w.out, " %sevent%s", colorMagenta, colorReset)
		}
		fmt.Fprintln(w.out)
	}
	return nil
}

// WriteDetection prints a root-cause detection.
func (w *ColorStdoutWriter) WriteDetection(d rca.Detection) error {
	w.once.Do(w.printOverview)
	w.mu.Lock()
	defer w.mu.Unlock()
	fmt.Fprintf(w.out, "%s %sRCA%s gpu=%s cause=%s conf=%.2f util=%.1f->%.1f %s\n",
		stamp(d.WindowEnd), colorRed, colorReset, d.Subject, d.Cause, d.Confidence,
		d.BaselineUtil, d.ObservedUtil, d.Description)
	return nil
}

// WriteRisk prints an assessment when it carries any risk.
func (w *ColorStdoutWriter) WriteRisk(a predictive.Assessment) error {
	if a.RiskScore == 0 {
		return nil
	}
	w.once.Do(w.printOverview)
	w.mu.Lock()
	defer w.mu.Unlock()
	col := colorYellow
	if w.cfg != nil && a.Critical(w.cfg.Predictive.CriticalScore) {
		col = colorRed
	}
	names := make([]string, 0, len(a.Factors))
	for _, f := range a.Factors {
		names = append(names, f.Name)
	}
	fmt.Fprintf(w.out, "%s %sRISK%s gpu=%s score=%.0f p=%.3f factors=%s\n",
		stamp(a.AssessedAt), col, colorReset, a.Subject, a.RiskScore, a.FailureProbability,
		strings.Join(names, ","))
	return nil
}

// WriteAudit prints a policy decision.
func (w *ColorStdoutWriter) WriteAudit(r audit.Record) error {
	w.once.Do(w.printOverview)
	w.mu.Lock()
	defer w.mu.Unlock()
	col := colorGreen
	switch r.Result {
	case audit.ResultFailure:
		col = colorRed
	case audit.ResultDryRun, audit.ResultSuppressed:
		col = colorYellow
	}
	fmt.Fprintf(w.out, "%s %sPOLICY%s policy=%s target=%s action=%s %sresult=%s%s %s\n",
		stamp(r.Timestamp), colorMagenta, colorReset, r.Policy, r.Target, r.Action,
		col, r.Result, colorReset, r.Detail)
	return nil
}
