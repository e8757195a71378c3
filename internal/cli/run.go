package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/roach88/entityevents/internal/engine"
)

// maxOnceRounds bounds the queue passes of --once so chained async events
// cannot keep it running forever.
const maxOnceRounds = 100

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Once bool
}

// OnceResult is the JSON payload of run --once.
type OnceResult struct {
	Dispatched int                 `json:"dispatched"`
	Resumed    []engine.PassReport `json:"resumed"`
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the async executor and the resumer",
		Long: `Run the asynchronous event executor and the pending-work resumer until
interrupted.

The executor dispatches queued envelopes whose super owner has no
outstanding pending work; the resumer runs a pass over every result code
each ENTITYEVENTS_RESUME_INTERVAL.

With --once, drain the queue, run one resumption pass, drain again and
exit.

Example:
  entityevents run --db ./entityevents.db --config gates.yaml
  entityevents run --once --format json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorkers(opts, cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.Once, "once", false, "process available work once and exit")

	return cmd
}

func runWorkers(opts *RunOptions, cmd *cobra.Command) error {
	a, err := openApp(opts.RootOptions)
	if err != nil {
		return err
	}
	defer a.Close()

	if opts.Once {
		return runOnce(opts, a, cmd)
	}

	// Setup signal handling for graceful shutdown
	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			slog.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	slog.Info("workers starting",
		"db", a.settings.DB,
		"poll_interval", a.settings.PollInterval,
		"resume_interval", a.settings.ResumeInterval,
		"disabled_modules", a.gates.DisabledModules(),
	)
	fmt.Fprintln(cmd.OutOrStdout(), "Workers started. Press Ctrl-C to stop.")

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	worker := func(name string, run func(context.Context) error) {
		defer wg.Done()
		if err := run(ctx); err != nil && !isShutdown(err) {
			errs <- fmt.Errorf("%s: %w", name, err)
			cancel()
		}
	}

	wg.Add(2)
	go worker("async executor", a.sys.Async.Run)
	go worker("resumer", func(ctx context.Context) error {
		return a.sys.Resumer.Run(ctx, a.settings.ResumeInterval)
	})
	wg.Wait()
	close(errs)

	if err := <-errs; err != nil {
		return WrapExitError(ExitFailure, "worker error", err)
	}

	slog.Info("workers stopped gracefully")
	return nil
}

func isShutdown(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// runOnce drains the queue, resumes pending work, then drains what the
// resumption released.
func runOnce(opts *RunOptions, a *app, cmd *cobra.Command) error {
	ctx := cmd.Context()

	first, err := drainQueue(ctx, a.sys.Async)
	if err != nil {
		return WrapExitError(ExitFailure, "queue pass failed", err).WithErrCode(ErrCodeDatabase)
	}
	reports, err := a.sys.Resumer.PassAll(ctx)
	if err != nil {
		return WrapExitError(ExitFailure, "resumption pass failed", err).WithErrCode(ErrCodeDatabase)
	}
	second, err := drainQueue(ctx, a.sys.Async)
	if err != nil {
		return WrapExitError(ExitFailure, "queue pass failed", err).WithErrCode(ErrCodeDatabase)
	}

	result := OnceResult{Dispatched: first + second, Resumed: reports}
	return formatter(opts.RootOptions, cmd).Emit("ok", result, func(w io.Writer) {
		fmt.Fprintf(w, "dispatched %d queued events\n", result.Dispatched)
		writePassReports(w, reports)
	})
}

func drainQueue(ctx context.Context, async *engine.AsyncExecutor) (int, error) {
	total := 0
	for range maxOnceRounds {
		n, err := async.RunOnce(ctx)
		if err != nil {
			return total, err
		}
		if n == 0 {
			return total, nil
		}
		total += n
	}
	slog.Warn("queue still busy, stopping", "rounds", maxOnceRounds, "dispatched", total)
	return total, nil
}
