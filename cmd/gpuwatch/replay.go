package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"gpuwatch/internal/config"
	"gpuwatch/internal/policy"
	"gpuwatch/internal/telemetry"
)

var (
	replayInput     string
	replaySpeed     float64
	replayPrintOnly bool
	replayJSON      bool
)

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Replay a recorded snapshot log",
	Long: "replay feeds snapshots from a JSONL log through the analysis and policy stages. " +
		"Policies are evaluated in monitor mode so nothing is enforced.",
	RunE: func(cmd *cobra.Command, args []string) error {
		if replayInput == "" {
			return fmt.Errorf("input file required")
		}
		if replaySpeed < 0 {
			return fmt.Errorf("speed must not be negative")
		}
		cfg, logger, closeLog, err := loadConfig(false)
		if err != nil {
			return err
		}
		defer closeLog()
		cfg.Policy.Mode = string(policy.ModeMonitor)
		cfg.Collector.Source = config.SourceReplay
		cfg.Collector.ReplayPath = replayInput

		src, err := telemetry.OpenReplayFile(replayInput)
		if err != nil {
			return err
		}
		defer src.Close()

		writer, _, closeWriters, err := newWriters(cfg, writerOptions{printOnly: replayPrintOnly, json: replayJSON}, logger)
		if err != nil {
			return err
		}
		defer closeWriters()

		ctx := cmd.Context()
		a, closeAudit, err := buildAgent(ctx, cfg, src, writer, nil, logger)
		if err != nil {
			return err
		}
		defer closeAudit()

		n := 0
		err = telemetry.Replay(ctx, src, replaySpeed, func(ctx context.Context, s telemetry.Snapshot) error {
			if err := a.Ingest(ctx, s); err != nil {
				logger.Warn("snapshot skipped", "ts", s.Timestamp, "err", err)
				return nil
			}
			n++
			return nil
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		logger.Info("replay finished", "snapshots", n)
		return nil
	},
}

func init() {
	replayCmd.Flags().StringVar(&replayInput, "input", "", "Path to snapshot log file (JSONL)")
	replayCmd.Flags().Float64Var(&replaySpeed, "speed", 0, "Playback speed multiplier (0 replays without delay)")
	replayCmd.Flags().BoolVar(&replayPrintOnly, "print-only", false, "Print results to STDOUT instead of writing to GreptimeDB")
	replayCmd.Flags().BoolVar(&replayJSON, "json", false, "Emit JSON lines on STDOUT even on a terminal")
	replayCmd.MarkFlagRequired("input")
}
