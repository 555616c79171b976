package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"fleetvisor/internal/models"

	"github.com/spf13/cobra"
)

func newLogsCmd() *cobra.Command {
	var (
		lines  int
		follow bool
	)

	cmd := &cobra.Command{
		Use:   "logs [name|all]",
		Short: "Print buffered worker output",
		Long: `Print the newest buffered output lines of one worker, or of every worker when
no name (or "all") is given. With --follow, keep streaming new lines until
interrupted.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := ""
			if len(args) == 1 {
				name = args[0]
			}
			if lines < 0 {
				return fmt.Errorf("--lines must not be negative")
			}

			c := newClient()
			out := cmd.OutOrStdout()
			emit := func(l models.LogLine) { printLine(out, l) }

			if follow {
				ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
				defer stop()
				return c.Follow(ctx, name, lines, emit)
			}

			logLines, err := c.Logs(cmd.Context(), name, lines)
			if err != nil {
				return err
			}
			for _, l := range logLines {
				emit(l)
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&lines, "lines", "n", 50, "number of lines to show")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "stream new lines")
	return cmd
}

func printLine(out io.Writer, l models.LogLine) {
	if isJSONOutput() {
		data, _ := json.Marshal(l)
		fmt.Fprintln(out, string(data))
		return
	}
	prefix := fmt.Sprintf("%s[%d]", l.Worker, l.Instance)
	if l.Stream == models.StreamStderr {
		prefix += "!"
	}
	if l.Timestamp != nil {
		fmt.Fprintf(out, "%s %s | %s\n", l.Timestamp.Format(time.RFC3339), prefix, l.Text)
		return
	}
	fmt.Fprintf(out, "%s | %s\n", prefix, l.Text)
}
