package main

import (
	"log/slog"
	"os"

	"golang.org/x/term"

	"gpuwatch/internal/agent"
	"gpuwatch/internal/config"
)

// writerOptions selects the output surfaces.
type writerOptions struct {
	// printOnly skips GreptimeDB even when an endpoint is configured.
	printOnly bool
	// json forces JSON lines on STDOUT even on a terminal.
	json bool
	// tui renders the interactive dashboard instead of log lines.
	tui bool
}

// newWriters builds the agent writers from config and flags. It returns the
// writer, the TUI when one was started, and a cleanup closing every sink.
func newWriters(cfg *config.Config, opts writerOptions, logger *slog.Logger) (agent.Writer, *agent.TUIWriter, func(), error) {
	var (
		writers []agent.Writer
		tui     *agent.TUIWriter
	)
	switch {
	case opts.tui:
		tui = agent.NewTUIWriter(cfg)
		writers = append(writers, tui)
	case !opts.json && term.IsTerminal(int(os.Stdout.Fd())):
		writers = append(writers, agent.NewColorStdoutWriter(cfg))
	default:
		writers = append(writers, agent.NewJSONStdoutWriter())
	}

	if !opts.printOnly && cfg.Sinks.Greptime.Endpoint != "" {
		gw, err := agent.NewGreptimeDBWriter(cfg.Sinks.Greptime.Endpoint, cfg.Sinks.Greptime.Database, cfg.Node, logger)
		if err != nil {
			closeAll(writers)
			return nil, nil, nil, err
		}
		logger.Info("buffering telemetry in GreptimeDB", "endpoint", cfg.Sinks.Greptime.Endpoint,
			"database", cfg.Sinks.Greptime.Database)
		writers = append(writers, gw)
	}

	s := cfg.Sinks
	if s.SnapshotLog != "" || s.DetectionLog != "" || s.RiskLog != "" {
		fw, err := agent.NewFileWriter(s.SnapshotLog, s.DetectionLog, s.RiskLog)
		if err != nil {
			closeAll(writers)
			return nil, nil, nil, err
		}
		writers = append(writers, fw)
	}

	cleanup := func() { closeAll(writers) }
	if len(writers) == 1 {
		return writers[0], tui, cleanup, nil
	}
	return agent.NewMultiWriter(writers...), tui, cleanup, nil
}

func closeAll(ws []agent.Writer) {
	_ = agent.NewMultiWriter(ws...).Close()
}
