package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the fleet health summary",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			report, err := newClient().Status(cmd.Context())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if isJSONOutput() {
				return printJSON(out, report)
			}

			fmt.Fprintf(out, "Fleet: %s\n", report.Assessment)
			fmt.Fprintf(out, "Instances: %d total, %d running, %d stopped\n\n", report.Total, report.Running, report.Stopped)
			if len(report.Workers) > 0 {
				renderWorkers(out, report.Workers)
			}
			return nil
		},
	}
}
