package main

import (
	"context"
	"log/slog"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"gpuwatch/internal/actuator"
	"gpuwatch/internal/admin"
	"gpuwatch/internal/agent"
	"gpuwatch/internal/config"
	"gpuwatch/internal/metrics"
	"gpuwatch/internal/telemetry"
)

var (
	runPrintOnly bool
	runJSON      bool
	runTUI       bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the node agent",
	Long: "run collects a snapshot every scrape interval, reports root causes and failure risk, " +
		"and evaluates the policy profile. The control API listens on admin.listen.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, closeLog, err := loadConfig(runTUI)
		if err != nil {
			return err
		}
		defer closeLog()

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		collector, phase, closeCollector, err := newCollector(cfg)
		if err != nil {
			return err
		}
		defer closeCollector()

		writer, tui, closeWriters, err := newWriters(cfg, writerOptions{printOnly: runPrintOnly, json: runJSON, tui: runTUI}, logger)
		if err != nil {
			return err
		}
		defer closeWriters()

		a, closeAudit, err := buildAgent(ctx, cfg, collector, writer, phase, logger)
		if err != nil {
			return err
		}
		defer closeAudit()
		if tui != nil {
			tui.SetChaosToggle(a.ToggleChaos)
		}

		var wg sync.WaitGroup
		if cfg.Admin.Enabled {
			srv, err := admin.NewServer(a, admin.Options{
				Listen:    cfg.Admin.Listen,
				Token:     cfg.Admin.Token,
				Metrics:   a.Metrics().Handler(),
				Logger:    logger,
				Listening: adminListening(writer),
			})
			if err != nil {
				return err
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := srv.Start(ctx); err != nil {
					logger.Error("control API stopped", "err", err)
				}
			}()
		}

		a.Run(ctx)
		wg.Wait()
		logger.Info("agent stopped")
		return nil
	},
}

func init() {
	runCmd.Flags().BoolVar(&runPrintOnly, "print-only", false, "Print results to STDOUT instead of writing to GreptimeDB")
	runCmd.Flags().BoolVar(&runJSON, "json", false, "Emit JSON lines on STDOUT even on a terminal")
	runCmd.Flags().BoolVar(&runTUI, "tui", false, "Render the interactive dashboard")
}

// buildAgent wires the audit sinks, actuator and metrics around a new agent.
// The returned cleanup closes the audit sinks.
func buildAgent(ctx context.Context, cfg *config.Config, c telemetry.Collector, w agent.Writer, phase func() string, logger *slog.Logger) (*agent.Agent, func(), error) {
	sink, store, closeAudit, err := auditSinks(ctx, cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	a, err := agent.New(cfg, agent.Options{
		Collector: c,
		Writer:    w,
		Metrics:   metrics.New(true),
		Actuator: actuator.New(actuator.Options{
			NvidiaSMI:     cfg.Policy.NvidiaSMI,
			AlertInterval: cfg.Policy.AlertInterval,
			Logger:        logger,
		}),
		Audit:      sink,
		AuditStore: store,
		Phase:      phase,
		Logger:     logger,
	})
	if err != nil {
		closeAudit()
		return nil, nil, err
	}
	return a, closeAudit, nil
}

func adminListening(w agent.Writer) func(bool) {
	sw, ok := w.(agent.AdminStatusWriter)
	if !ok {
		return nil
	}
	return sw.SetAdminStatus
}
