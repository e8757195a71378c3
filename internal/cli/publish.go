package cli

import (
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/entityevents/internal/engine"
	"github.com/roach88/entityevents/internal/event"
	"github.com/roach88/entityevents/internal/harness"
	"github.com/roach88/entityevents/internal/value"
)

// PublishOptions holds flags for the publish command.
type PublishOptions struct {
	*RootOptions
	Current    string
	Original   string
	Props      []string
	Priority   string
	SuperOwner string
	ID         string
	Async      bool
}

// PublishResult is the publish command's JSON payload.
type PublishResult struct {
	EventID  string        `json:"event_id"`
	Mode     string        `json:"mode"` // "sync" | "async"
	State    string        `json:"state,omitempty"`
	Error    string        `json:"error,omitempty"`
	Kind     string        `json:"kind,omitempty"`
	Steps    []engine.Step `json:"steps,omitempty"`
	Deferred []string      `json:"deferred,omitempty"`
}

// NewPublishCommand creates the publish command.
func NewPublishCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PublishOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "publish <event-type> <entity-type>",
		Short: "Publish an entity event",
		Long: `Publish an entity event through its handler chain.

The entity payloads are JSON documents decoded by the entity type's codec.
Synchronous publishing runs the chain in this process and prints every step;
--async queues the envelope for 'entityevents run'.

Examples:
  entityevents publish CREATE identity --current '{"id":"i-1","username":"alice"}'
  entityevents publish UPDATE identity-contract \
      --current '{"id":"c-1","identity_id":"i-1","work_position":"manager"}' \
      --original '{"id":"c-1","identity_id":"i-1","work_position":"engineer"}'
  entityevents publish DELETE identity-contract --original '{"id":"c-1","identity_id":"i-1"}' \
      --async --super-owner i-1 --prop force=true`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPublish(opts, event.EventType(args[0]), event.EntityType(args[1]), cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Current, "current", "", "current entity as JSON")
	cmd.Flags().StringVar(&opts.Original, "original", "", "original entity snapshot as JSON")
	cmd.Flags().StringArrayVar(&opts.Props, "prop", nil, "event property key=value (repeatable; JSON values allowed)")
	cmd.Flags().StringVar(&opts.Priority, "priority", "", "NORMAL or HIGH")
	cmd.Flags().StringVar(&opts.SuperOwner, "super-owner", "", "owner whose pending work gates an async event")
	cmd.Flags().StringVar(&opts.ID, "id", "", "envelope id (generated when empty)")
	cmd.Flags().BoolVar(&opts.Async, "async", false, "queue the event instead of dispatching it")

	return cmd
}

func runPublish(opts *PublishOptions, eventType event.EventType, entityType event.EntityType, cmd *cobra.Command) error {
	if !eventType.Valid() {
		return NewExitError(ExitCommandError, fmt.Sprintf("invalid event type %q", eventType)).
			WithErrCode(ErrCodeInvalidArg)
	}
	if opts.Current == "" && opts.Original == "" {
		return NewExitError(ExitCommandError, "one of --current or --original is required").
			WithErrCode(ErrCodeInvalidArg)
	}

	a, err := openApp(opts.RootOptions)
	if err != nil {
		return err
	}
	defer a.Close()

	env, err := buildEnvelope(a.sys.Codec, opts, eventType, entityType)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid event", err).WithErrCode(ErrCodeInvalidArg)
	}
	if !slices.Contains(event.CoreTypes(), eventType) && len(a.sys.Registry.Resolve(entityType, eventType)) == 0 {
		return NewExitError(ExitCommandError,
			fmt.Sprintf("event type %s is not a lifecycle type and has no handlers for %s", eventType, entityType)).
			WithErrCode(ErrCodeInvalidArg)
	}

	ctx := cmd.Context()
	f := formatter(opts.RootOptions, cmd)

	if opts.Async {
		if err := a.sys.Async.Publish(ctx, env); err != nil {
			return WrapExitError(ExitFailure, "publish failed", err).WithErrCode(ErrCodeDispatch)
		}
		result := PublishResult{EventID: env.ID(), Mode: "async"}
		return f.Emit("ok", result, func(w io.Writer) {
			fmt.Fprintf(w, "queued %s %s (%s)\n", env.EventType(), env.EntityType(), env.ID())
		})
	}

	outcome, perr := a.sys.Dispatcher.Publish(ctx, env)
	result := PublishResult{
		EventID:  env.ID(),
		Mode:     "sync",
		State:    string(outcome.State),
		Kind:     harness.ErrorKind(perr),
		Steps:    outcome.Steps,
		Deferred: outcome.Deferred,
	}
	status := "ok"
	if perr != nil {
		status = "error"
		result.Error = perr.Error()
	}

	err = f.Emit(status, result, func(w io.Writer) {
		fmt.Fprintf(w, "%s %s %s: %s\n", env.EventType(), env.EntityType(), env.ID(), outcome.State)
		for _, s := range outcome.Steps {
			line := fmt.Sprintf("  %5d  %-32s %s", s.Order, s.Handler, s.State)
			if s.Reason != "" {
				line += " (" + s.Reason + ")"
			}
			fmt.Fprintln(w, line)
		}
		if len(outcome.Deferred) > 0 {
			fmt.Fprintf(w, "pending work: %s\n", strings.Join(outcome.Deferred, ", "))
		}
		if perr != nil {
			fmt.Fprintf(w, "error (%s): %v\n", result.Kind, perr)
		}
	})
	if err != nil {
		return err
	}
	if perr != nil {
		return WrapExitError(ExitFailure, "dispatch failed", perr).WithErrCode(ErrCodeDispatch).reported()
	}
	return nil
}

// buildEnvelope decodes the payload flags and assembles a root envelope.
func buildEnvelope(codec *event.Codec, opts *PublishOptions, eventType event.EventType, entityType event.EntityType) (*event.Envelope, error) {
	priority, err := event.ParsePriority(opts.Priority)
	if err != nil {
		return nil, err
	}

	current, err := codec.Decode(entityType, []byte(opts.Current))
	if err != nil {
		return nil, fmt.Errorf("--current: %w", err)
	}
	original, err := codec.Decode(entityType, []byte(opts.Original))
	if err != nil {
		return nil, fmt.Errorf("--original: %w", err)
	}

	props, err := parseProps(opts.Props)
	if err != nil {
		return nil, err
	}

	envOpts := []event.Option{
		event.WithOriginal(original),
		event.WithProperties(props),
		event.WithPriority(priority),
		event.WithSuperOwner(opts.SuperOwner),
	}
	if opts.ID != "" {
		envOpts = append(envOpts, event.WithID(opts.ID))
	}
	return event.New(eventType, current, envOpts...), nil
}

// parseProps turns key=value pairs into event properties. A value that
// parses as JSON keeps its JSON type; anything else is a string.
func parseProps(pairs []string) (*event.Properties, error) {
	props := event.NewProperties()
	for _, pair := range pairs {
		key, raw, ok := strings.Cut(pair, "=")
		if !ok || strings.TrimSpace(key) == "" {
			return nil, fmt.Errorf("--prop %q: expected key=value", pair)
		}

		v, err := value.Parse([]byte(raw))
		if err != nil {
			v = value.String(raw)
		}
		props.Set(strings.TrimSpace(key), v)
	}
	return props, nil
}
