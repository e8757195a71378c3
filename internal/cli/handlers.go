package cli

import (
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/entityevents/internal/engine"
	"github.com/roach88/entityevents/internal/event"
)

// HandlerInfo describes one registered handler.
type HandlerInfo struct {
	EntityType  string   `json:"entity_type"`
	Name        string   `json:"name"`
	Module      string   `json:"module"`
	Order       int      `json:"order"`
	Events      []string `json:"events"`
	Emits       []string `json:"emits,omitempty"`
	Disableable bool     `json:"disableable"`
	Enablement  string   `json:"enablement"` // "run" | "skip" | "fail"
	Reason      string   `json:"reason,omitempty"`
}

// NewHandlersCommand creates the handlers command.
func NewHandlersCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "handlers [entity-type]",
		Short: "List registered handlers in chain order",
		Long: `List the registered handlers per entity type in the order they run,
with their subscriptions and the enablement decision under the current
gate configuration.

Examples:
  entityevents handlers
  entityevents handlers identity-contract --set module.notifications=false
  entityevents handlers --format json`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := ""
			if len(args) == 1 {
				filter = args[0]
			}
			return runHandlers(rootOpts, filter, cmd)
		},
	}
}

func runHandlers(opts *RootOptions, filter string, cmd *cobra.Command) error {
	a, err := openApp(opts)
	if err != nil {
		return err
	}
	defer a.Close()

	infos := describeHandlers(a.sys.Registry, event.EntityType(filter))
	if filter != "" && len(infos) == 0 {
		return NewExitError(ExitCommandError, fmt.Sprintf("no handlers for entity type %q", filter)).
			WithErrCode(ErrCodeNotFound)
	}

	return formatter(opts, cmd).Emit("ok", infos, func(w io.Writer) {
		tw := newTable(w)
		fmt.Fprintln(tw, "ENTITY TYPE\tORDER\tHANDLER\tMODULE\tEVENTS\tENABLED")
		for _, h := range infos {
			enabled := h.Enablement
			if h.Reason != "" {
				enabled += " (" + h.Reason + ")"
			}
			if !h.Disableable {
				enabled += " [required]"
			}
			fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\t%s\n",
				h.EntityType, h.Order, h.Name, h.Module, strings.Join(h.Events, ","), enabled)
		}
		tw.Flush()
	})
}

// describeHandlers lists the handlers of every entity type (or only of
// filter) sorted the way Resolve orders them.
func describeHandlers(r *engine.Registry, filter event.EntityType) []HandlerInfo {
	infos := []HandlerInfo{}
	for _, et := range r.EntityTypes() {
		if filter != "" && et != filter {
			continue
		}
		handlers := r.Handlers(et)
		slices.SortStableFunc(handlers, func(a, b engine.Handler) int {
			return a.Order() - b.Order()
		})
		for _, h := range handlers {
			en := r.IsEnabled(h)
			info := HandlerInfo{
				EntityType:  string(et),
				Name:        h.Name(),
				Module:      h.Module(),
				Order:       h.Order(),
				Disableable: h.Disableable(),
				Enablement:  en.Decision.String(),
				Reason:      en.Reason,
			}
			for _, t := range h.SupportedTypes() {
				info.Events = append(info.Events, string(t))
			}
			if em, ok := h.(engine.Emitter); ok {
				for _, k := range em.Emits() {
					info.Emits = append(info.Emits, string(k.EntityType)+"/"+string(k.EventType))
				}
			}
			infos = append(infos, info)
		}
	}
	return infos
}
