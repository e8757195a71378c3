package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/entityevents/internal/event"
)

// SeedResult identifies a stored entity.
type SeedResult struct {
	EntityType string `json:"entity_type"`
	ID         string `json:"id"`
}

func (r SeedResult) String() string {
	return fmt.Sprintf("stored %s %s", r.EntityType, r.ID)
}

// NewSeedCommand creates the seed command.
func NewSeedCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "seed <entity-type> <json>",
		Short: "Store an entity without dispatching any event",
		Long: `Store an entity directly in the repository, bypassing every handler.

Use it to load fixtures such as the identities contracts refer to. No event
is published and no pending work is created.

Example:
  entityevents seed identity '{"id":"i-1","username":"alice"}'`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSeed(rootOpts, event.EntityType(args[0]), args[1], cmd)
		},
	}
}

func runSeed(opts *RootOptions, entityType event.EntityType, payload string, cmd *cobra.Command) error {
	a, err := openApp(opts)
	if err != nil {
		return err
	}
	defer a.Close()

	entity, err := a.sys.Codec.Decode(entityType, []byte(payload))
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid entity", err).WithErrCode(ErrCodeInvalidArg)
	}
	if entity == nil || entity.EntityID() == "" {
		return NewExitError(ExitCommandError, "entity id is required").WithErrCode(ErrCodeInvalidArg)
	}

	if _, err := a.sys.Repo.SaveInternal(cmd.Context(), entity); err != nil {
		return WrapExitError(ExitCommandError, "failed to store entity", err).WithErrCode(ErrCodeDatabase)
	}

	return formatter(opts, cmd).Success(SeedResult{EntityType: string(entityType), ID: entity.EntityID()})
}
