package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/entityevents/internal/state"
)

// StatusResult summarizes the database.
type StatusResult struct {
	DB              string         `json:"db"`
	Events          map[string]int `json:"events"`
	Pending         map[string]int `json:"pending"`           // result code -> outstanding records
	Stuck           int            `json:"stuck"`             // outstanding records at max attempts
	DisabledModules []string       `json:"disabled_modules,omitempty"`
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Summarize queued events and pending work",
		Long: `Summarize the database: envelopes per status, outstanding pending work
per result code and records that reached the maximum number of attempts.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(rootOpts, cmd)
		},
	}
}

func runStatus(opts *RootOptions, cmd *cobra.Command) error {
	a, err := openApp(opts)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := cmd.Context()
	counts, err := a.sys.Store.CountEvents(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to count events", err).WithErrCode(ErrCodeDatabase)
	}
	outstanding, err := a.sys.Store.Find(ctx, state.Filter{States: state.Outstanding()})
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to list pending work", err).WithErrCode(ErrCodeDatabase)
	}

	result := StatusResult{
		DB:              a.settings.DB,
		Events:          make(map[string]int, len(counts)),
		Pending:         make(map[string]int),
		DisabledModules: a.gates.DisabledModules(),
	}
	for st, n := range counts {
		result.Events[string(st)] = n
	}
	for _, rec := range outstanding {
		result.Pending[rec.ResultCode]++
		if rec.Attempts >= a.settings.MaxAttempts {
			result.Stuck++
		}
	}

	return formatter(opts, cmd).Emit("ok", result, func(w io.Writer) {
		fmt.Fprintf(w, "Database: %s\n", result.DB)
		tw := newTable(w)
		fmt.Fprintln(tw, "EVENTS\t")
		for _, st := range []state.EventStatus{
			state.EventCreated, state.EventRunning, state.EventExecuted,
			state.EventDeferred, state.EventException,
		} {
			fmt.Fprintf(tw, "  %s\t%d\n", st, result.Events[string(st)])
		}
		fmt.Fprintln(tw, "PENDING\t")
		for _, code := range a.sys.Resumer.ResultCodes() {
			fmt.Fprintf(tw, "  %s\t%d\n", code, result.Pending[code])
		}
		fmt.Fprintf(tw, "  stuck\t%d\n", result.Stuck)
		tw.Flush()
		if len(result.DisabledModules) > 0 {
			fmt.Fprintf(w, "Disabled modules: %v\n", result.DisabledModules)
		}
	})
}
