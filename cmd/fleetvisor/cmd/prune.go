package cmd

import (
	"fmt"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

func newHistoryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history <name>",
		Short: "Show archived attempts of a worker",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			history, err := newClient().History(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if isJSONOutput() {
				return printJSON(out, history)
			}
			if len(history) == 0 {
				fmt.Fprintf(out, "No archived attempts for %s\n", args[0])
				return nil
			}

			table := tablewriter.NewWriter(out)
			table.Header("ID", "#", "State", "Started", "Exited", "Code", "Signal", "Restarts", "Error")
			for _, inst := range history {
				exited, code := "-", "-"
				if inst.ExitedAt != nil {
					exited = inst.ExitedAt.Format(time.RFC3339)
				}
				if inst.ExitCode != nil {
					code = strconv.Itoa(*inst.ExitCode)
				}
				table.Append(
					inst.ID,
					strconv.Itoa(inst.Index),
					string(inst.State),
					inst.StartedAt.Format(time.RFC3339),
					exited,
					code,
					inst.Signal,
					strconv.Itoa(inst.RestartCount),
					inst.LastError,
				)
			}
			table.Render()
			return nil
		},
	}
}

func newPruneCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "prune <name>",
		Short: "Drop the archived attempts of a worker",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			removed, err := newClient().Prune(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if isJSONOutput() {
				return printJSON(out, map[string]any{"worker": args[0], "removed": removed})
			}
			fmt.Fprintf(out, "Pruned %d archived attempt(s) of %s\n", removed, args[0])
			return nil
		},
	}
}
