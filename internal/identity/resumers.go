package identity

import (
	"context"
	"errors"

	"github.com/roach88/entityevents/internal/engine"
	"github.com/roach88/entityevents/internal/event"
	"github.com/roach88/entityevents/internal/state"
)

// RegisterResumers binds this package's result codes to r:
//
//	DIRTY_STATE  -> identity RECALCULATE
//	FORCE_DELETE -> contract DELETE with force-resumed
//
// A record whose owner no longer exists resumes to nothing and completes.
func RegisterResumers(r *engine.Resumer, repo Repository, ids event.IDGenerator) error {
	if ids == nil {
		ids = event.DefaultIDs
	}
	if err := r.Register(DirtyState, resumeDirtyState(repo, ids)); err != nil {
		return err
	}
	return r.Register(ForceDelete, resumeForceDelete(repo, ids))
}

func resumeDirtyState(repo Repository, ids event.IDGenerator) engine.ResumeFunc {
	return func(ctx context.Context, rec state.Record) (*event.Envelope, error) {
		found, err := repo.Find(ctx, IdentityType, rec.OwnerID)
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		return event.New(Recalculate, found,
			event.WithSuperOwner(rec.SuperOwnerID),
			event.WithPriority(rec.Priority),
			event.WithIDGenerator(ids),
		), nil
	}
}

func resumeForceDelete(repo Repository, ids event.IDGenerator) engine.ResumeFunc {
	return func(ctx context.Context, rec state.Record) (*event.Envelope, error) {
		found, err := repo.Find(ctx, ContractType, rec.OwnerID)
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		c, ok := found.(*Contract)
		if !ok || c == nil {
			return nil, engine.NewPayloadError(rec.EventID, "contract", found)
		}

		props := event.NewProperties()
		props.SetBool(event.Force, true)
		props.SetBool(ForceResumed, true)
		props.SetBool(event.SkipAuthorityCheck, true)
		return event.New(event.Delete, nil,
			event.WithOriginal(c),
			event.WithProperties(props),
			event.WithSuperOwner(rec.SuperOwnerID),
			event.WithPriority(rec.Priority),
			event.WithIDGenerator(ids),
		), nil
	}
}

