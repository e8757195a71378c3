package cli

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"github.com/spf13/cobra"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose bool
	Format  string // "json" | "text"

	// DB and Config override ENTITYEVENTS_DB and ENTITYEVENTS_CONFIG.
	DB     string
	Config string

	// Set holds key=value gate overrides applied after the config file.
	Set []string

	// Metrics overrides ENTITYEVENTS_METRICS when set.
	Metrics bool

	// LogOutput receives slog output (defaults to stderr).
	LogOutput io.Writer
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the entityevents CLI.
func NewRootCommand() *cobra.Command {
	return newRootCommand(&RootOptions{})
}

// Execute runs the CLI with args and returns the process exit code.
// Errors go to stderr, or to stdout as a JSON error response with
// --format json unless the command already wrote its result.
func Execute(args []string, stdout, stderr io.Writer) int {
	opts := &RootOptions{}
	cmd := newRootCommand(opts)
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	err := cmd.Execute()
	if err == nil {
		return ExitSuccess
	}

	var exitErr *ExitError
	switch {
	case opts.Format != "json":
		fmt.Fprintf(stderr, "Error: %v\n", err)
	case errors.As(err, &exitErr) && exitErr.Reported:
	default:
		f := &OutputFormatter{Format: opts.Format, Writer: stdout, ErrWriter: stderr}
		if ferr := f.Error(GetErrCode(err), err.Error(), nil); ferr != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
		}
	}
	return GetExitCode(err)
}

func newRootCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "entityevents",
		Short: "Entity event processing engine",
		Long: `Entity event processing engine.

Dispatches entity lifecycle events (CREATE, UPDATE, DELETE) through ordered,
gated handler chains, persists pending work that must be resumed later and
runs the asynchronous queue.

Settings come from ENTITYEVENTS_* environment variables; --db, --config and
--set override them.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return NewExitError(ExitCommandError,
					fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats)).
					WithErrCode(ErrCodeInvalidArg)
			}
			configureLogging(opts)
			return nil
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVar(&opts.DB, "db", "", "path to SQLite database (default $ENTITYEVENTS_DB)")
	cmd.PersistentFlags().StringVar(&opts.Config, "config", "", "gate config file, .yaml or .cue (default $ENTITYEVENTS_CONFIG)")
	cmd.PersistentFlags().StringArrayVar(&opts.Set, "set", nil, "gate override key=value (repeatable)")
	cmd.PersistentFlags().BoolVar(&opts.Metrics, "metrics", false, "print metrics to the log output on exit (default $ENTITYEVENTS_METRICS)")

	cmd.AddCommand(NewHandlersCommand(opts))
	cmd.AddCommand(NewCheckCommand(opts))
	cmd.AddCommand(NewPublishCommand(opts))
	cmd.AddCommand(NewSeedCommand(opts))
	cmd.AddCommand(NewPendingCommand(opts))
	cmd.AddCommand(NewRunCommand(opts))
	cmd.AddCommand(NewStatusCommand(opts))
	cmd.AddCommand(NewTraceCommand(opts))
	cmd.AddCommand(NewTestCommand(opts))

	return cmd
}

// configureLogging installs the default slog handler: text on stderr,
// Debug with --verbose.
func configureLogging(opts *RootOptions) {
	level := slog.LevelInfo
	if opts.Verbose {
		level = slog.LevelDebug
	}
	w := opts.LogOutput
	if w == nil {
		w = os.Stderr
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})))
}

// isValidFormat checks if the format is one of the allowed values.
func isValidFormat(format string) bool {
	return slices.Contains(ValidFormats, format)
}

// formatter builds the output formatter for cmd.
func formatter(opts *RootOptions, cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}
}
