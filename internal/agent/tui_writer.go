package agent

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/reflow/wordwrap"

	"gpuwatch/internal/audit"
	"gpuwatch/internal/config"
	"gpuwatch/internal/predictive"
	"gpuwatch/internal/rca"
	"gpuwatch/internal/telemetry"
)

// teaProgram abstracts bubbletea.Program for testing.
type teaProgram interface {
	Send(tea.Msg)
}

// logMsg carries an event line for the viewport.
type logMsg struct{ line string }

// snapshotMsg carries the latest snapshot for the accelerator table.
type snapshotMsg struct{ telemetry.Snapshot }

// riskMsg carries the latest assessment of one accelerator.
type riskMsg struct{ predictive.Assessment }

// adminMsg reports control API status.
type adminMsg struct{ active bool }

// chaosMsg reports the chaos mode after a toggle.
type chaosMsg struct{ on bool }

type setChaosMsg struct{ fn func() (bool, error) }

const maxLogLines = 1000

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	dimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	alertStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("9"))
)

// TUIWriter renders agent output using a bubbletea TUI.
type TUIWriter struct {
	program    teaProgram
	done       chan struct{}
	sendSignal atomic.Bool
}

// NewTUIWriter starts a bubbletea program and returns a TUIWriter.
func NewTUIWriter(cfg *config.Config) *TUIWriter {
	w := &TUIWriter{done: make(chan struct{})}
	w.sendSignal.Store(true)
	p := tea.NewProgram(newTUIModel(cfg), tea.WithAltScreen())
	w.program = p
	go func() {
		_, _ = p.Run()
		close(w.done)
		// quitting the UI stops the agent
		if w.sendSignal.Load() {
			if proc, err := os.FindProcess(os.Getpid()); err == nil {
				_ = proc.Signal(os.Interrupt)
			}
		}
	}()
	return w
}

// WriteSnapshot implements SnapshotWriter.
func (w *TUIWriter) WriteSnapshot(s telemetry.Snapshot) error {
	w.program.Send(snapshotMsg{s})
	return nil
}

// WriteDetection implements DetectionWriter.
func (w *TUIWriter) WriteDetection(d rca.Detection) error {
	line := fmt.Sprintf("%s[%s]%s %sRCA%s %sgpu=%s%s %scause=%s%s %sconf=%.2f%s %s",
		colorGray, d.WindowEnd.UTC().Format(time.RFC3339), colorReset,
		colorRed, colorReset,
		colorCyan, d.Subject, colorReset,
		colorMagenta, d.Cause, colorReset,
		colorGreen, d.Confidence, colorReset,
		d.Description)
	w.program.Send(logMsg{line: line})
	return nil
}

// WriteDetections outputs multiple detections.
func (w *TUIWriter) WriteDetections(rows []rca.Detection) error {
	for _, d := range rows {
		_ = w.WriteDetection(d)
	}
	return nil
}

// WriteRisk implements RiskWriter.
func (w *TUIWriter) WriteRisk(a predictive.Assessment) error {
	w.program.Send(riskMsg{a})
	return nil
}

// WriteAudit implements AuditWriter.
func (w *TUIWriter) WriteAudit(r audit.Record) error {
	col := colorGreen
	switch r.Result {
	case audit.ResultFailure:
		col = colorRed
	case audit.ResultDryRun, audit.ResultSuppressed:
		col = colorYellow
	}
	line := fmt.Sprintf("%s[%s]%s %sPOLICY%s %s%s%s %starget=%s%s %saction=%s%s %s%s%s",
		colorGray, r.Timestamp.UTC().Format(time.RFC3339), colorReset,
		colorMagenta, colorReset,
		colorBlue, r.Policy, colorReset,
		colorCyan, r.Target, colorReset,
		colorYellow, r.Action, colorReset,
		col, r.Result, colorReset)
	w.program.Send(logMsg{line: line})
	return nil
}

// SetAdminStatus updates the control API indicator.
func (w *TUIWriter) SetAdminStatus(active bool) {
	w.program.Send(adminMsg{active: active})
}

// SetChaosToggle registers the callback bound to the 'c' key.
func (w *TUIWriter) SetChaosToggle(fn func() (bool, error)) {
	w.program.Send(setChaosMsg{fn: fn})
}

// Close shuts down the TUI program and waits for cleanup.
func (w *TUIWriter) Close() error {
	w.sendSignal.Store(false)
	if w.program != nil {
		w.program.Send(tea.Quit())
	}
	if w.done != nil {
		<-w.done
	}
	return nil
}

type tuiModel struct {
	cfg          *config.Config
	table        table.Model
	vp           viewport.Model
	logs         []string
	snap         telemetry.Snapshot
	risks        map[string]predictive.Assessment
	admin        bool
	chaos        bool
	toggleChaos  func() (bool, error)
	wrap         bool
	autoscroll   bool
	header       string
	headerHeight int
	height       int
}

func newTUIModel(cfg *config.Config) tuiModel {
	cols := []table.Column{
		{Title: "GPU", Width: 22},
		{Title: "Idx", Width: 4},
		{Title: "Util %", Width: 7},
		{Title: "Temp C", Width: 7},
		{Title: "Power W", Width: 8},
		{Title: "ECC c/u", Width: 10},
		{Title: "Throttle", Width: 9},
		{Title: "Risk", Width: 5},
	}
	rows := 1
	if cfg != nil && cfg.Collector.Accelerators > 0 {
		rows = cfg.Collector.Accelerators
	}
	t := table.New(table.WithColumns(cols), table.WithHeight(rows+1))
	m := tuiModel{
		cfg:        cfg,
		table:      t,
		vp:         viewport.New(0, 0),
		risks:      make(map[string]predictive.Assessment),
		autoscroll: true,
	}
	m.header = m.renderHeader()
	m.headerHeight = lipgloss.Height(m.header)
	return m
}

func (m tuiModel) Init() tea.Cmd { return nil }

func (m tuiModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.table.SetWidth(msg.Width)
		m.vp.Width = msg.Width
		m.height = msg.Height
		m.header = m.renderHeader()
		m.headerHeight = lipgloss.Height(m.header)
		m.updateViewportHeight()
		m.refreshViewport()
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "w":
			m.wrap = !m.wrap
			m.refreshViewport()
			return m, nil
		case "s":
			m.autoscroll = !m.autoscroll
			if m.autoscroll {
				m.vp.GotoBottom()
			}
			return m, nil
		case "c":
			if m.toggleChaos == nil {
				return m, nil
			}
			fn := m.toggleChaos
			return m, func() tea.Msg {
				on, err := fn()
				if err != nil {
					return logMsg{line: fmt.Sprintf("%schaos toggle failed: %v%s", colorRed, err, colorReset)}
				}
				return chaosMsg{on: on}
			}
		case "j", "down":
			m.vp.LineDown(1)
		case "k", "up":
			m.vp.LineUp(1)
		case "pgdown":
			m.vp.LineDown(10)
		case "pgup":
			m.vp.LineUp(10)
		}
		return m, nil
	case logMsg:
		m.logs = append(m.logs, msg.line)
		if len(m.logs) > maxLogLines {
			m.logs = m.logs[len(m.logs)-maxLogLines:]
		}
		m.refreshViewport()
	case snapshotMsg:
		m.snap = msg.Snapshot
		m.refreshTable()
	case riskMsg:
		m.risks[msg.Subject] = msg.Assessment
		m.refreshTable()
	case adminMsg:
		m.admin = msg.active
		m.header = m.renderHeader()
	case chaosMsg:
		m.chaos = msg.on
		m.header = m.renderHeader()
	case setChaosMsg:
		m.toggleChaos = msg.fn
	}
	return m, nil
}

func (m *tuiModel) refreshTable() {
	accs := append([]telemetry.AcceleratorHealth(nil), m.snap.Accelerators...)
	sort.Slice(accs, func(i, j int) bool { return accs[i].Index < accs[j].Index })
	rows := make([]table.Row, 0, len(accs))
	for _, a := range accs {
		var throttle []string
		if a.ThermalThrottle {
			throttle = append(throttle, "thermal")
		}
		if a.PowerThrottle {
			throttle = append(throttle, "power")
		}
		risk := "-"
		if r, ok := m.risks[a.ID()]; ok {
			risk = fmt.Sprintf("%.0f", r.RiskScore)
		}
		rows = append(rows, table.Row{
			a.ID(),
			fmt.Sprintf("%d", a.Index),
			optF64(a.UtilizationPct, "%.1f"),
			optF64(a.TemperatureC, "%.1f"),
			optF64(a.PowerWatts, "%.0f"),
			optU64(a.ECCCorrected) + "/" + optU64(a.ECCUncorrected),
			strings.Join(throttle, ","),
			risk,
		})
	}
	m.table.SetRows(rows)
	m.header = m.renderHeader()
}

func (m *tuiModel) updateViewportHeight() {
	h := m.height - m.headerHeight - 3
	if h < 1 {
		h = 1
	}
	m.vp.Height = h
}

func (m *tuiModel) refreshViewport() {
	lines := make([]string, 0, len(m.logs))
	for _, l := range m.logs {
		if m.wrap && m.vp.Width > 0 {
			lines = append(lines, wordwrap.String(l, m.vp.Width))
		} else {
			lines = append(lines, l)
		}
	}
	m.vp.SetContent(strings.Join(lines, "\n"))
	if m.autoscroll {
		m.vp.GotoBottom()
	}
}

func (m tuiModel) renderHeader() string {
	node, mode, profile := "-", "-", "none"
	if m.cfg != nil {
		node, mode = m.cfg.Node, m.cfg.Policy.Mode
		if m.cfg.Policy.Profile != "" {
			profile = m.cfg.Policy.Profile
		}
	}
	admin := dimStyle.Render("admin off")
	if m.admin {
		admin = "admin on"
	}
	chaos := dimStyle.Render("chaos off")
	if m.chaos {
		chaos = alertStyle.Render("chaos on")
	}
	title := fmt.Sprintf("%s  node=%s  mode=%s  profile=%s  %s  %s",
		titleStyle.Render("gpuwatch"), node, mode, profile, admin, chaos)
	if !m.snap.Timestamp.IsZero() {
		title += dimStyle.Render("  last=" + m.snap.Timestamp.UTC().Format(time.RFC3339))
	}
	return lipgloss.JoinVertical(lipgloss.Left, title, m.table.View())
}

func (m tuiModel) View() string {
	divider := strings.Repeat("─", max(m.vp.Width, 1))
	help := dimStyle.Render("q quit  w wrap  s autoscroll  c chaos  ↑/↓ scroll")
	return strings.Join([]string{m.header, divider, m.vp.View(), divider, help}, "\n")
}
