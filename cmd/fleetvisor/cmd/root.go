package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"fleetvisor/internal/client"
	"fleetvisor/internal/config"
	"fleetvisor/internal/models"
	"fleetvisor/internal/service"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const defaultServerURL = "http://localhost:8080"

// Process exit codes.
const (
	ExitOK             = 0
	ExitGeneric        = 1
	ExitLoadError      = 2
	ExitUnknownWorker  = 3
	ExitAlreadyRunning = 4
	ExitAlreadyStopped = 5
	ExitSpawnError     = 6
)

var (
	serverURL    string
	outputFormat string
	cfgFile      string
)

var rootCmd = newRootCmd()

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "fleetvisor",
		Short: "Supervise a fleet of long-running worker processes",
		Long: `fleetvisor starts, monitors and restarts the worker programs declared in a
manifest. "fleetvisor serve" runs the supervisor; the other commands talk to
a running supervisor over its HTTP control API.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return validateOutput()
		},
	}

	root.PersistentFlags().StringVar(&cfgFile, "config", "", "settings file (yaml)")
	root.PersistentFlags().StringVar(&serverURL, "server", "", "control API URL (default from FLEETVISOR_SERVER or "+defaultServerURL+")")
	root.PersistentFlags().StringVarP(&outputFormat, "output", "o", "table", "output format: table or json")

	root.AddCommand(
		newServeCmd(),
		newListCmd(),
		newControlCmd("start", "Start a worker, or every worker with \"all\""),
		newControlCmd("stop", "Stop a worker, or every worker with \"all\""),
		newControlCmd("restart", "Restart a worker, or every worker with \"all\""),
		newLogsCmd(),
		newStatusCmd(),
		newHistoryCmd(),
		newPruneCmd(),
	)
	return root
}

// Execute runs the command line and returns the process exit code.
func Execute() int {
	err := rootCmd.Execute()
	if err == nil {
		return ExitOK
	}
	var exitErr *ExitError
	if !errors.As(err, &exitErr) || !exitErr.Silent {
		fmt.Fprintln(rootCmd.ErrOrStderr(), "Error:", err)
	}
	return ExitCode(err)
}

// ExitError carries an explicit exit code. Silent errors were already
// reported to the user.
type ExitError struct {
	Code   int
	Err    error
	Silent bool
}

func (e *ExitError) Error() string { return e.Err.Error() }

func (e *ExitError) Unwrap() error { return e.Err }

// ExitCode picks the exit code for an error returned by a command.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	var apiErr *client.APIError
	if errors.As(err, &apiErr) {
		return exitCodeForKind(apiErr.Kind)
	}
	return exitCodeForKind(service.ErrorKind(err))
}

func exitCodeForKind(kind string) int {
	switch kind {
	case string(config.DuplicateName), string(config.MissingField), string(config.InvalidValue):
		return ExitLoadError
	case string(service.UnknownWorker):
		return ExitUnknownWorker
	case string(service.AlreadyRunning):
		return ExitAlreadyRunning
	case string(service.AlreadyStopped):
		return ExitAlreadyStopped
	case string(service.ExecutableNotFound), string(service.PermissionDenied),
		string(service.ResourceExhausted), string(service.StartFailed):
		return ExitSpawnError
	}
	return ExitGeneric
}

// firstFailure returns the exit error of the first failed result.
func firstFailure(results []models.Result) error {
	for _, r := range results {
		if !r.OK {
			return &ExitError{
				Code:   exitCodeForKind(r.Kind),
				Err:    fmt.Errorf("%s: %s", r.Worker, r.Error),
				Silent: true,
			}
		}
	}
	return nil
}

// newClient resolves the daemon URL: flag, then FLEETVISOR_SERVER, then
// the settings file, then the default.
func newClient() *client.Client {
	url := serverURL
	if url == "" {
		v := viper.New()
		_ = v.BindEnv("server", "FLEETVISOR_SERVER")
		if cfgFile != "" {
			v.SetConfigFile(cfgFile)
			_ = v.ReadInConfig()
		}
		url = v.GetString("server")
	}
	if url == "" {
		url = defaultServerURL
	}
	return client.New(url)
}

func isJSONOutput() bool {
	return strings.EqualFold(outputFormat, "json")
}

func validateOutput() error {
	switch strings.ToLower(outputFormat) {
	case "table", "json":
		return nil
	}
	return fmt.Errorf("invalid output format %q (must be table or json)", outputFormat)
}

func printJSON(w io.Writer, v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}
	_, err = fmt.Fprintln(w, string(out))
	return err
}
