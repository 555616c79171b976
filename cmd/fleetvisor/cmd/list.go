package cmd

import (
	"fmt"
	"io"
	"strconv"

	"fleetvisor/internal/models"
	"fleetvisor/internal/service"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "list [name]",
		Aliases: []string{"ls"},
		Short:   "List workers and their instances",
		Args:    cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newClient()
			var (
				workers []models.WorkerStatus
				err     error
			)
			if len(args) == 1 {
				workers, err = c.Get(cmd.Context(), args[0])
			} else {
				workers, err = c.List(cmd.Context())
			}
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if isJSONOutput() {
				return printJSON(out, workers)
			}
			if len(workers) == 0 {
				fmt.Fprintln(out, "No workers declared")
				return nil
			}
			renderWorkers(out, workers)
			return nil
		},
	}
}

func renderWorkers(out io.Writer, workers []models.WorkerStatus) {
	table := tablewriter.NewWriter(out)
	table.Header("Name", "#", "State", "PID", "Uptime", "Restarts", "CPU", "Memory", "Last Error")

	for _, w := range workers {
		pid := "-"
		if w.Pid > 0 {
			pid = strconv.Itoa(w.Pid)
		}
		table.Append(
			w.Worker,
			strconv.Itoa(w.Index),
			string(w.State),
			pid,
			w.Uptime,
			strconv.Itoa(w.RestartCount),
			fmt.Sprintf("%.1f%%", w.CPU),
			service.FormatBytes(w.Memory),
			w.LastError,
		)
	}
	table.Render()
}
