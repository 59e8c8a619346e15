package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"gpuwatch/internal/dashboard"
)

var dashboardOut string

var dashboardCmd = &cobra.Command{
	Use:   "dashboard",
	Short: "Render Grafana dashboards",
	Long: "dashboard writes Grafana dashboards for the exported metrics. PROMETHEUS_DATASOURCE_UID " +
		"and GREPTIMEDB_DATASOURCE_UID select the data sources.",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := dashboard.Render(dashboardOut); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "dashboards written to", dashboardOut)
		return nil
	},
}

func init() {
	dashboardCmd.Flags().StringVar(&dashboardOut, "out", "build", "Output directory")
}
