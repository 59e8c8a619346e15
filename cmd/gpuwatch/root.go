package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"gpuwatch/internal/config"
	"gpuwatch/internal/logging"
)

var (
	configPath string
	schemaPath string
	logFile    string
)

var rootCmd = &cobra.Command{
	Use:   "gpuwatch",
	Short: "GPU node health agent",
	Long: "gpuwatch collects accelerator telemetry on a node, explains utilization dips, " +
		"scores failure risk and enforces efficiency policies.",
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to agent configuration YAML (defaults when empty)")
	rootCmd.PersistentFlags().StringVar(&schemaPath, "schema", "", "Path to CUE schema file (embedded schema when empty)")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "Write agent logs to this file instead of STDERR")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(replayCmd)
	rootCmd.AddCommand(planCmd)
	rootCmd.AddCommand(dashboardCmd)
}

// loadConfig reads the configuration and builds the logger it describes.
// The returned cleanup closes the log file, if any.
func loadConfig(quiet bool) (*config.Config, *slog.Logger, func(), error) {
	cfg, err := config.Load(configPath, schemaPath)
	if err != nil {
		return nil, nil, nil, err
	}
	var (
		w       io.Writer = os.Stderr
		cleanup           = func() {}
	)
	switch {
	case logFile != "":
		f, err := os.OpenFile(logFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("open log file: %w", err)
		}
		w, cleanup = f, func() { f.Close() }
	case quiet:
		// the TUI owns the terminal
		w = io.Discard
	}
	logger, err := logging.NewWithOptions(w, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		cleanup()
		return nil, nil, nil, err
	}
	slog.SetDefault(logger)
	return cfg, logger, cleanup, nil
}
