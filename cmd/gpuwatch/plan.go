package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"gpuwatch/internal/config"
	"gpuwatch/internal/policy"
	"gpuwatch/internal/telemetry"
)

var (
	planProfile  string
	planSnapshot string
	planJSON     bool
)

var (
	violatedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
	satisfiedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	skippedStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	cellStyle      = lipgloss.NewStyle().Padding(0, 1)
)

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Dry-run a policy profile against one snapshot",
	Long: "plan evaluates every policy of a profile against a single snapshot and reports which " +
		"targets would violate it. Nothing is enforced and no debounce state is kept.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, closeLog, err := loadConfig(false)
		if err != nil {
			return err
		}
		defer closeLog()

		path := planProfile
		if path == "" {
			path = cfg.Policy.Profile
		}
		if path == "" {
			return fmt.Errorf("no profile: pass --profile or set policy.profile")
		}
		p, err := policy.Load(path, "")
		if err != nil {
			return err
		}
		snap, err := planInput(cmd.Context(), cfg, planSnapshot)
		if err != nil {
			return err
		}
		res := policy.Plan(p, snap, cfg.Tags, cfg.Labels)
		if planJSON {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(res)
		}
		renderPlan(cmd.OutOrStdout(), res)
		return nil
	},
}

func init() {
	planCmd.Flags().StringVar(&planProfile, "profile", "", "Policy profile to evaluate (defaults to policy.profile)")
	planCmd.Flags().StringVar(&planSnapshot, "snapshot", "", "Snapshot log (JSONL); the last line is evaluated. A synthetic snapshot when empty")
	planCmd.Flags().BoolVar(&planJSON, "json", false, "Print the plan as JSON")
}

// planInput returns the last snapshot of the log at path, or one synthetic
// snapshot when path is empty.
func planInput(ctx context.Context, cfg *config.Config, path string) (telemetry.Snapshot, error) {
	if path == "" {
		g := telemetry.NewGenerator(telemetry.GeneratorOptions{
			Node:         cfg.Node,
			Accelerators: cfg.Collector.Accelerators,
			Seed:         cfg.Collector.Seed,
		})
		return g.Collect(ctx)
	}
	src, err := telemetry.OpenReplayFile(path)
	if err != nil {
		return telemetry.Snapshot{}, err
	}
	defer src.Close()
	var (
		last telemetry.Snapshot
		n    int
	)
	for {
		s, err := src.Collect(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return telemetry.Snapshot{}, err
		}
		last = s
		n++
	}
	if n == 0 {
		return telemetry.Snapshot{}, fmt.Errorf("%s: no snapshots", path)
	}
	return last, nil
}

func renderPlan(w io.Writer, res policy.PlanResult) {
	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers("POLICY", "TARGET", "VALUE", "CONDITION", "STATUS", "ACTION")
	for _, r := range res.Rows {
		action := r.Action
		if r.Status == policy.PlanSkipped {
			action = r.Reason
		}
		t.Row(r.Policy, r.Target, r.Value, r.Condition, string(r.Status), action)
	}
	t.StyleFunc(func(row, col int) lipgloss.Style {
		if row == table.HeaderRow || col != 4 {
			return cellStyle
		}
		switch res.Rows[row].Status {
		case policy.PlanViolated:
			return violatedStyle.Padding(0, 1)
		case policy.PlanSatisfied:
			return satisfiedStyle.Padding(0, 1)
		default:
			return skippedStyle.Padding(0, 1)
		}
	})

	state := "active"
	if !res.Active {
		state = "inactive on this node"
	}
	fmt.Fprintf(w, "Profile %s (%s)\n", res.Profile, state)
	fmt.Fprintln(w, t.String())
	fmt.Fprintf(w, "%d of %d checks violated\n", res.Violations(), len(res.Rows))
}
