package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/entityevents/internal/engine"
	"github.com/roach88/entityevents/internal/state"
)

// PendingRecord is the JSON form of a pending-work record.
type PendingRecord struct {
	ID           string    `json:"id"`
	OwnerType    string    `json:"owner_type"`
	OwnerID      string    `json:"owner_id"`
	SuperOwnerID string    `json:"super_owner_id"`
	EventID      string    `json:"event_id,omitempty"`
	ResultCode   string    `json:"result_code"`
	Priority     string    `json:"priority"`
	State        string    `json:"state"`
	Attempts     int       `json:"attempts"`
	LastError    string    `json:"last_error,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func toPendingRecord(r state.Record) PendingRecord {
	return PendingRecord{
		ID:           r.ID,
		OwnerType:    string(r.OwnerType),
		OwnerID:      r.OwnerID,
		SuperOwnerID: r.SuperOwnerID,
		EventID:      r.EventID,
		ResultCode:   r.ResultCode,
		Priority:     r.Priority.String(),
		State:        string(r.State),
		Attempts:     r.Attempts,
		LastError:    r.LastError,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
	}
}

// NewPendingCommand creates the pending command and its subcommands.
func NewPendingCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pending",
		Short: "Inspect and manage pending-work records",
		Long: `Inspect and manage pending-work records: work a handler deferred that a
resumer finishes later (DIRTY_STATE recalculations, FORCE_DELETE deletes).`,
	}

	cmd.AddCommand(newPendingListCommand(rootOpts))
	cmd.AddCommand(newPendingResumeCommand(rootOpts))
	cmd.AddCommand(newPendingCancelCommand(rootOpts))
	cmd.AddCommand(newPendingResetCommand(rootOpts))

	return cmd
}

// PendingListOptions holds flags for pending list.
type PendingListOptions struct {
	Code       string
	Owner      string
	SuperOwner string
	States     []string
	Limit      int
}

func newPendingListCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PendingListOptions{}

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List pending-work records",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPendingList(rootOpts, opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Code, "code", "", "filter by result code")
	cmd.Flags().StringVar(&opts.Owner, "owner", "", "filter by owner id")
	cmd.Flags().StringVar(&opts.SuperOwner, "super-owner", "", "filter by the super-owner whose chains the records hold up")
	cmd.Flags().StringSliceVar(&opts.States, "state", nil, "filter by state (BLOCKED, RUNNING, COMPLETED)")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "maximum records to list (0 = all)")

	return cmd
}

func runPendingList(rootOpts *RootOptions, opts *PendingListOptions, cmd *cobra.Command) error {
	filter := state.Filter{
		OwnerID:      opts.Owner,
		SuperOwnerID: opts.SuperOwner,
		ResultCode:   opts.Code,
		Limit:        opts.Limit,
	}
	for _, s := range opts.States {
		st := state.State(s)
		if !st.Valid() {
			return NewExitError(ExitCommandError, fmt.Sprintf("invalid --state %q", s)).WithErrCode(ErrCodeInvalidArg)
		}
		filter.States = append(filter.States, st)
	}
	if opts.Limit < 0 {
		return NewExitError(ExitCommandError, "--limit must not be negative").WithErrCode(ErrCodeInvalidArg)
	}

	a, err := openApp(rootOpts)
	if err != nil {
		return err
	}
	defer a.Close()

	records, err := a.sys.Store.Find(cmd.Context(), filter)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to list records", err).WithErrCode(ErrCodeDatabase)
	}

	out := make([]PendingRecord, len(records))
	for i, r := range records {
		out[i] = toPendingRecord(r)
	}

	return formatter(rootOpts, cmd).Emit("ok", out, func(w io.Writer) {
		if len(out) == 0 {
			fmt.Fprintln(w, "no pending work")
			return
		}
		tw := newTable(w)
		fmt.Fprintln(tw, "ID\tRESULT CODE\tOWNER\tSTATE\tATTEMPTS\tLAST ERROR")
		for _, r := range out {
			fmt.Fprintf(tw, "%s\t%s\t%s/%s\t%s\t%d\t%s\n",
				r.ID, r.ResultCode, r.OwnerType, r.OwnerID, r.State, r.Attempts, r.LastError)
		}
		tw.Flush()
	})
}

func newPendingResumeCommand(rootOpts *RootOptions) *cobra.Command {
	var code string

	cmd := &cobra.Command{
		Use:   "resume",
		Short: "Run one resumption pass",
		Long: `Run one resumption pass: claim the BLOCKED records of a result code (or of
every registered code) and publish the work they stand for.

Exit codes:
  0 - pass finished with no failed resumptions
  1 - at least one resumption failed
  2 - command error`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPendingResume(rootOpts, code, cmd)
		},
	}

	cmd.Flags().StringVar(&code, "code", "", "resume only this result code")
	return cmd
}

func runPendingResume(rootOpts *RootOptions, code string, cmd *cobra.Command) error {
	a, err := openApp(rootOpts)
	if err != nil {
		return err
	}
	defer a.Close()

	reports, err := resumePass(cmd, a.sys.Resumer, code)
	if err != nil {
		return err
	}

	f := formatter(rootOpts, cmd)
	failed := 0
	for _, r := range reports {
		failed += r.Failed
		if r.Stuck > 0 {
			f.VerboseLog("%s: %d records at max attempts, use 'pending reset' to retry them", r.ResultCode, r.Stuck)
		}
	}
	status := "ok"
	if failed > 0 {
		status = "error"
	}

	err = f.Emit(status, reports, func(w io.Writer) {
		writePassReports(w, reports)
	})
	if err != nil {
		return err
	}
	if failed > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d resumptions failed", failed)).reported()
	}
	return nil
}

// resumePass runs Pass for code, or PassAll when code is empty.
func resumePass(cmd *cobra.Command, r *engine.Resumer, code string) ([]engine.PassReport, error) {
	if code == "" {
		reports, err := r.PassAll(cmd.Context())
		if err != nil {
			return nil, WrapExitError(ExitCommandError, "resume failed", err).WithErrCode(ErrCodeDatabase)
		}
		return reports, nil
	}

	if !slices.Contains(r.ResultCodes(), code) {
		return nil, NewExitError(ExitCommandError,
			fmt.Sprintf("unknown result code %q: registered codes are %v", code, r.ResultCodes())).
			WithErrCode(ErrCodeInvalidArg)
	}
	report, err := r.Pass(cmd.Context(), code)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "resume failed", err).WithErrCode(ErrCodeDatabase)
	}
	return []engine.PassReport{report}, nil
}

func writePassReports(w io.Writer, reports []engine.PassReport) {
	tw := newTable(w)
	fmt.Fprintln(tw, "RESULT CODE\tEXAMINED\tRESUMED\tFAILED\tSTUCK\tVANISHED\tRECLAIMED")
	for _, r := range reports {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%d\t%d\n",
			r.ResultCode, r.Examined, r.Resumed, r.Failed, r.Stuck, r.Vanished, r.Reclaimed)
	}
	tw.Flush()
}

func newPendingCancelCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <record-id>",
		Short: "Delete a pending-work record without resuming it",
		Long: `Delete a pending-work record without resuming it. A resumer that already
claimed the record treats the deletion as handled elsewhere.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPendingMutation(rootOpts, cmd, args[0], "cancelled", (*state.Store).Delete)
		},
	}
}

func newPendingResetCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reset <record-id>",
		Short: "Clear the attempt count of a stuck record",
		Long: `Clear the attempt count and last error of a record that reached the
maximum number of attempts, so the next pass retries it.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPendingMutation(rootOpts, cmd, args[0], "reset", (*state.Store).ResetAttempts)
		},
	}
}

// runPendingMutation applies mutate to an existing record and reports it.
func runPendingMutation(
	rootOpts *RootOptions,
	cmd *cobra.Command,
	id, done string,
	mutate func(*state.Store, context.Context, string) error,
) error {
	a, err := openApp(rootOpts)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := cmd.Context()
	rec, err := a.sys.Store.Get(ctx, id)
	if errors.Is(err, state.ErrNotFound) {
		return NewExitError(ExitFailure, fmt.Sprintf("record %s not found", id)).WithErrCode(ErrCodeNotFound)
	}
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read record", err).WithErrCode(ErrCodeDatabase)
	}
	if err := mutate(a.sys.Store, ctx, id); err != nil {
		return WrapExitError(ExitCommandError, fmt.Sprintf("record %s", id), err).WithErrCode(ErrCodeDatabase)
	}

	slog.Info("pending record "+done,
		"record_id", id,
		"result_code", rec.ResultCode,
		"owner_id", rec.OwnerID,
	)
	out := toPendingRecord(rec)
	return formatter(rootOpts, cmd).Emit("ok", out, func(w io.Writer) {
		fmt.Fprintf(w, "%s %s (%s on %s/%s)\n", done, id, rec.ResultCode, rec.OwnerType, rec.OwnerID)
	})
}
