package cli

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/entityevents/internal/state"
)

// TraceNode is one envelope of a chain.
type TraceNode struct {
	Seq          int64  `json:"seq"`
	ID           string `json:"id"`
	ParentID     string `json:"parent_id,omitempty"`
	Depth        int    `json:"depth"`
	EntityType   string `json:"entity_type"`
	EntityID     string `json:"entity_id,omitempty"`
	EventType    string `json:"event_type"`
	Mode         string `json:"mode"`
	Priority     string `json:"priority"`
	SuperOwnerID string `json:"super_owner_id,omitempty"`
	Status       string `json:"status"`
	Error        string `json:"error,omitempty"`
}

// TraceResult holds the complete trace output.
type TraceResult struct {
	RootID string      `json:"root_id"`
	Events []TraceNode `json:"events"`
	Stats  TraceStats  `json:"stats"`
}

// TraceStats holds summary statistics for the chain.
type TraceStats struct {
	TotalEvents int            `json:"total_events"`
	ByStatus    map[string]int `json:"by_status"`
	MaxDepth    int            `json:"max_depth"`

	// IsComplete is true when no envelope is still CREATED or RUNNING.
	IsComplete bool `json:"is_complete"`
}

// NewTraceCommand creates the trace command.
func NewTraceCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "trace <event-id>",
		Short: "Show the chain an event belongs to",
		Long: `Show every envelope of the chain an event belongs to, in dispatch order
and indented by chain depth, with the status each one reached.

Any event id of the chain may be given; the trace starts from its root.

Examples:
  entityevents trace 0190a7e4-3c5e-7c4f-9b1a-2f6d8e0c1a22
  entityevents trace evt-1 --format json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTrace(rootOpts, args[0], cmd)
		},
	}
}

func runTrace(opts *RootOptions, eventID string, cmd *cobra.Command) error {
	a, err := openApp(opts)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := cmd.Context()
	rec, err := a.sys.Store.GetEvent(ctx, eventID)
	if errors.Is(err, state.ErrNotFound) {
		return NewExitError(ExitFailure, fmt.Sprintf("event %s not found", eventID)).WithErrCode(ErrCodeNotFound)
	}
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read event", err).WithErrCode(ErrCodeDatabase)
	}

	chain, err := a.sys.Store.ReadChain(ctx, rec.RootID)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read chain", err).WithErrCode(ErrCodeDatabase)
	}

	result := buildTrace(rec.RootID, chain)
	return formatter(opts, cmd).Emit("ok", result, func(w io.Writer) {
		writeTrace(w, result)
	})
}

func buildTrace(rootID string, chain []state.EventRecord) TraceResult {
	result := TraceResult{
		RootID: rootID,
		Events: make([]TraceNode, 0, len(chain)),
		Stats: TraceStats{
			ByStatus:   make(map[string]int),
			IsComplete: true,
		},
	}
	for _, r := range chain {
		result.Events = append(result.Events, TraceNode{
			Seq:          r.Seq,
			ID:           r.ID,
			ParentID:     r.ParentID,
			Depth:        r.Depth,
			EntityType:   string(r.EntityType),
			EntityID:     r.EntityID,
			EventType:    string(r.EventType),
			Mode:         string(r.Mode),
			Priority:     r.Priority.String(),
			SuperOwnerID: r.SuperOwnerID,
			Status:       string(r.Status),
			Error:        r.Error,
		})
		result.Stats.TotalEvents++
		result.Stats.ByStatus[string(r.Status)]++
		result.Stats.MaxDepth = max(result.Stats.MaxDepth, r.Depth)
		if !r.Status.Terminal() {
			result.Stats.IsComplete = false
		}
	}
	return result
}

func writeTrace(w io.Writer, t TraceResult) {
	fmt.Fprintf(w, "Chain %s\n", t.RootID)
	for _, e := range t.Events {
		indent := strings.Repeat("  ", e.Depth)
		line := fmt.Sprintf("%s%s %s:%s (%s) %s", indent, e.EventType, e.EntityType, e.EntityID, e.Mode, e.Status)
		if e.SuperOwnerID != "" {
			line += " owner=" + e.SuperOwnerID
		}
		fmt.Fprintln(w, line)
		if e.Error != "" {
			fmt.Fprintf(w, "%s  error: %s\n", indent, e.Error)
		}
	}

	progress := "complete"
	if !t.Stats.IsComplete {
		progress = "in progress"
	}
	fmt.Fprintf(w, "%d events, max depth %d, %s\n", t.Stats.TotalEvents, t.Stats.MaxDepth, progress)
}
