package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/entityevents/internal/engine"
)

// CheckIssue is one finding of the check command.
type CheckIssue struct {
	Level   string   `json:"level"` // "error" | "warning"
	Kind    string   `json:"kind"`  // "cycle" | "gate" | "property"
	Message string   `json:"message"`
	Path    []string `json:"path,omitempty"`
}

// CheckResult is the check command's JSON payload.
type CheckResult struct {
	Handlers int          `json:"handlers"`
	Errors   int          `json:"errors"`
	Warnings int          `json:"warnings"`
	Issues   []CheckIssue `json:"issues"`
}

// CheckOptions holds flags for the check command.
type CheckOptions struct {
	Strict bool
}

// NewCheckCommand creates the check command.
func NewCheckCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CheckOptions{}

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Analyze handler chains and gate configuration",
		Long: `Analyze the registered handlers under the current gate configuration.

Reports:
  - potential event cycles between handlers that publish chained events
  - enablement properties that are set but not booleans
  - properties that name no registered handler

Misconfigured properties are errors. Cycles and unknown properties are
warnings, which fail the check only with --strict.

Exit codes:
  0 - no errors (and no warnings with --strict)
  1 - issues found
  2 - command error`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCheck(rootOpts, opts, cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.Strict, "strict", false, "treat warnings as failures")
	return cmd
}

func runCheck(rootOpts *RootOptions, opts *CheckOptions, cmd *cobra.Command) error {
	a, err := openApp(rootOpts)
	if err != nil {
		return err
	}
	defer a.Close()

	result := checkRegistry(a.sys.Registry, a.gates.Properties())

	status := "ok"
	failed := result.Errors > 0 || (opts.Strict && result.Warnings > 0)
	if failed {
		status = "error"
	}

	err = formatter(rootOpts, cmd).Emit(status, result, func(w io.Writer) {
		for _, issue := range result.Issues {
			fmt.Fprintf(w, "%s [%s]: %s\n", strings.ToUpper(issue.Level), issue.Kind, issue.Message)
		}
		fmt.Fprintf(w, "%d handlers checked: %d errors, %d warnings\n",
			result.Handlers, result.Errors, result.Warnings)
	})
	if err != nil {
		return err
	}

	if failed {
		return NewExitError(ExitFailure, "check failed").reported()
	}
	return nil
}

// checkRegistry runs cycle analysis and validates the gate properties
// against the registered handlers.
func checkRegistry(r *engine.Registry, properties []string) CheckResult {
	result := CheckResult{Issues: []CheckIssue{}}

	known := make(map[string]bool)
	for _, et := range r.EntityTypes() {
		for _, h := range r.Handlers(et) {
			result.Handlers++
			known[engine.EnabledProperty(h.Module(), h.Name())] = true

			en := r.IsEnabled(h)
			if en.Decision == engine.Fail {
				result.add(CheckIssue{
					Level:   "error",
					Kind:    "gate",
					Message: fmt.Sprintf("%s/%s: %s", et, h.Name(), en.Reason),
				})
			}
		}
	}

	for _, w := range engine.AnalyzeCycles(r) {
		result.add(CheckIssue{
			Level:   w.Level,
			Kind:    "cycle",
			Message: w.Message,
			Path:    w.Path,
		})
	}

	for _, key := range properties {
		if !strings.HasPrefix(key, "processor.") || !strings.HasSuffix(key, ".enabled") {
			continue
		}
		if !known[key] {
			result.add(CheckIssue{
				Level:   "warning",
				Kind:    "property",
				Message: fmt.Sprintf("property %s names no registered handler", key),
			})
		}
	}

	return result
}

func (r *CheckResult) add(issue CheckIssue) {
	if issue.Level == "error" {
		r.Errors++
	} else {
		r.Warnings++
	}
	r.Issues = append(r.Issues, issue)
}
