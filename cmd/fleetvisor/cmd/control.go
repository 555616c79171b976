package cmd

import (
	"errors"
	"fmt"
	"io"

	"fleetvisor/internal/client"
	"fleetvisor/internal/models"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

// newControlCmd builds start, stop and restart. They share arguments and
// output; fleet runs exit with the code of the first failed worker.
func newControlCmd(action, short string) *cobra.Command {
	return &cobra.Command{
		Use:   action + " <name|all>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			results, err := newClient().Control(cmd.Context(), action, args[0])
			var apiErr *client.APIError
			if err != nil && (!errors.As(err, &apiErr) || len(results) == 0) {
				return err
			}

			out := cmd.OutOrStdout()
			if isJSONOutput() {
				if perr := printJSON(out, results); perr != nil {
					return perr
				}
			} else {
				renderResults(out, action, results)
			}
			return firstFailure(results)
		},
	}
}

func renderResults(out io.Writer, action string, results []models.Result) {
	if len(results) == 1 {
		r := results[0]
		if r.OK {
			fmt.Fprintf(out, "%s: %s ok\n", r.Worker, action)
		} else {
			fmt.Fprintf(out, "%s: %s failed: %s (%s)\n", r.Worker, action, r.Error, r.Kind)
		}
		return
	}

	table := tablewriter.NewWriter(out)
	table.Header("Worker", "Result", "Kind", "Error")
	for _, r := range results {
		status := "ok"
		if !r.OK {
			status = "failed"
		}
		table.Append(r.Worker, status, r.Kind, r.Error)
	}
	table.Render()
}
