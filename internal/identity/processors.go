package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/roach88/entityevents/internal/engine"
	"github.com/roach88/entityevents/internal/event"
	"github.com/roach88/entityevents/internal/state"
	"github.com/roach88/entityevents/internal/value"
)

// Deps are the collaborators shared by the processors.
type Deps struct {
	Repo     Repository
	Auth     Authorizer
	Cache    Cache
	Notifier Notifier
	Pending  PendingWork
	Chain    *engine.ChainPropagator
}

// Processors returns every processor of this package, ready to register.
//
// Chain is only used from Process, so it may wrap a dispatcher whose
// registry these handlers are about to join.
func Processors(deps Deps) []engine.Handler {
	if deps.Auth == nil {
		deps.Auth = AllowAll{}
	}

	notify := newProcessor(deps, "contract-notify", ContractType, engine.NotifyOrder, changeTypes...)
	notify.module = ModuleNotifications

	return []engine.Handler{
		&contractValidate{newProcessor(deps, "contract-validate", ContractType, engine.DefaultOrder-100, changeTypes...)},
		&contractSave{newProcessor(deps, "contract-save", ContractType, engine.DefaultOrder, event.Create, event.Update)},
		&contractGuaranteeCreate{newProcessor(deps, "contract-guarantee-create", ContractType, engine.AfterSaveOrder, event.Create)},
		&contractPositionChanged{newProcessor(deps, "contract-position-changed", ContractType, engine.AfterSaveOrder+500, event.Update)},
		&contractCascadeDelete{newProcessor(deps, "contract-cascade-delete", ContractType, engine.DefaultOrder-50, event.Delete)},
		&contractDelete{newProcessor(deps, "contract-delete", ContractType, engine.DefaultOrder, event.Delete)},
		&identityCacheEvict{newProcessor(deps, "identity-cache-evict", ContractType, engine.AfterSaveOrder+800, changeTypes...)},
		&contractNotify{notify},
		&guaranteeSave{newProcessor(deps, "guarantee-save", GuaranteeType, engine.DefaultOrder, event.Create)},
		&guaranteeDelete{newProcessor(deps, "guarantee-delete", GuaranteeType, engine.DefaultOrder, event.Delete)},
		&identityRecalculate{newProcessor(deps, "identity-recalculate", IdentityType, engine.DefaultOrder, Recalculate)},
	}
}

var changeTypes = []event.EventType{event.Create, event.Update, event.Delete}

// processor carries what every handler here shares: its description and
// the collaborators.
type processor struct {
	engine.Base
	deps       Deps
	name       string
	module     string
	entityType event.EntityType
	types      []event.EventType
	order      int
}

func newProcessor(deps Deps, name string, entityType event.EntityType, order int, types ...event.EventType) processor {
	return processor{
		deps:       deps,
		name:       name,
		module:     ModuleCore,
		entityType: entityType,
		types:      types,
		order:      order,
	}
}

func (p processor) Name() string {
	return p.name
}

func (p processor) Module() string {
	return p.module
}

func (p processor) EntityType() event.EntityType {
	return p.entityType
}

func (p processor) SupportedTypes() []event.EventType {
	return slices.Clone(p.types)
}

func (p processor) Order() int {
	return p.order
}

// contractFrom returns the contract an envelope concerns: current, or the
// original snapshot for deletes that carry nothing else.
func contractFrom(env *event.Envelope) (*Contract, error) {
	if c, ok := env.Current().(*Contract); ok && c != nil {
		return c, nil
	}
	if c, ok := env.Original().(*Contract); ok && c != nil {
		return c, nil
	}
	return nil, &engine.ValidationError{Field: "current", Message: "envelope carries no contract"}
}

// superOwnerOf returns the super-owner pending work for c is grouped
// under: the envelope's, or the contract's identity.
func superOwnerOf(env *event.Envelope, c *Contract) string {
	if id := env.SuperOwnerID(); id != "" {
		return id
	}
	return c.IdentityID
}

// forcePending reports whether a delete should be deferred to the
// FORCE_DELETE resumer instead of running now.
func forcePending(env *event.Envelope) bool {
	props := env.Properties()
	return props.Bool(event.Force) && !props.Bool(ForceResumed)
}

// contractValidate rejects malformed or unauthorized changes before anything
// is written.
type contractValidate struct{ processor }

func (h *contractValidate) Process(ctx context.Context, env *event.Envelope) (engine.Result, error) {
	c, err := contractFrom(env)
	if err != nil {
		return engine.Result{}, err
	}

	if env.EventType() != event.Delete {
		if err := h.validateFields(ctx, c); err != nil {
			return engine.Result{}, err
		}
	}

	if c.ControlledBySlice && !env.Properties().Bool(event.SkipAuthorityCheck) {
		perm := Permission(env.EventType())
		if !h.deps.Auth.Evaluate(ctx, c, perm) {
			return engine.Result{}, &engine.ValidationError{
				Field:   "controlled_by_slice",
				Message: fmt.Sprintf("permission %s denied for slice-controlled contract %s", perm, c.ID),
			}
		}
	}
	return engine.Continue(), nil
}

func (h *contractValidate) validateFields(ctx context.Context, c *Contract) error {
	if c.ID == "" {
		return &engine.ValidationError{Field: "id", Message: "is required"}
	}
	if c.IdentityID == "" {
		return &engine.ValidationError{Field: "identity_id", Message: "is required"}
	}
	if _, err := h.deps.Repo.Find(ctx, IdentityType, c.IdentityID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return &engine.ValidationError{
				Field:   "identity_id",
				Message: fmt.Sprintf("identity %s does not exist", c.IdentityID),
			}
		}
		return err
	}
	if slices.Contains(c.Guarantors, c.IdentityID) {
		return &engine.ValidationError{Field: "guarantors", Message: "an identity cannot guarantee its own contract"}
	}
	return nil
}

// contractSave persists the contract and continues with the stored copy.
type contractSave struct{ processor }

func (h *contractSave) Process(ctx context.Context, env *event.Envelope) (engine.Result, error) {
	saved, err := h.deps.Repo.SaveInternal(ctx, env.Current())
	if err != nil {
		return engine.Result{}, fmt.Errorf("save contract %s: %w", env.EntityID(), err)
	}
	return engine.Replace(saved), nil
}

// contractGuaranteeCreate creates one guarantee per guarantor of a new
// contract, as chained events.
type contractGuaranteeCreate struct{ processor }

func (h *contractGuaranteeCreate) Conditional(env *event.Envelope) bool {
	c, ok := env.Current().(*Contract)
	return ok && c != nil && len(c.Guarantors) > 0
}

func (h *contractGuaranteeCreate) Emits() []event.Key {
	return []event.Key{{EntityType: GuaranteeType, EventType: event.Create}}
}

func (h *contractGuaranteeCreate) Process(ctx context.Context, env *event.Envelope) (engine.Result, error) {
	c, ok := env.Current().(*Contract)
	if !ok || c == nil {
		return engine.Result{}, engine.NewPayloadError(env.ID(), "contract", env.Current())
	}
	for _, guarantor := range c.Guarantors {
		g := &ContractGuarantee{
			ID:          GuaranteeID(c.ID, guarantor),
			ContractID:  c.ID,
			GuarantorID: guarantor,
		}
		if _, err := h.deps.Chain.Propagate(ctx, env, event.Create, g); err != nil {
			return engine.Result{}, err
		}
	}
	return engine.Continue(), nil
}

// contractPositionChanged marks the identity dirty when a contract's work
// position changes. The recalculation runs later, from the DIRTY_STATE
// resumer.
type contractPositionChanged struct{ processor }

func (h *contractPositionChanged) Conditional(env *event.Envelope) bool {
	current, ok := env.Current().(*Contract)
	if !ok || current == nil {
		return false
	}
	original, ok := env.Original().(*Contract)
	if !ok || original == nil {
		return false
	}
	return current.WorkPosition != original.WorkPosition
}

func (h *contractPositionChanged) Process(ctx context.Context, env *event.Envelope) (engine.Result, error) {
	c, ok := env.Current().(*Contract)
	if !ok || c == nil {
		return engine.Result{}, engine.NewPayloadError(env.ID(), "contract", env.Current())
	}
	rec, created, err := h.deps.Pending.Create(ctx, state.NewRecord{
		OwnerType:    IdentityType,
		OwnerID:      c.IdentityID,
		EventID:      env.ID(),
		ResultCode:   DirtyState,
		SuperOwnerID: superOwnerOf(env, c),
		Priority:     env.Priority(),
		Parameters: value.Object{
			"contract_id":   value.String(c.ID),
			"work_position": value.String(c.WorkPosition),
		},
	})
	if err != nil {
		return engine.Result{}, fmt.Errorf("mark identity %s dirty: %w", c.IdentityID, err)
	}
	slog.Info("identity marked dirty",
		"event_id", env.ID(),
		"identity_id", c.IdentityID,
		"record_id", rec.ID,
		"created", created,
	)
	return engine.ContinueWith(rec.ID), nil
}

// contractCascadeDelete removes a contract's guarantees before the contract
// itself. With skip-cascade set, remaining guarantees are a conflict.
type contractCascadeDelete struct{ processor }

// Conditional defers the cascade of a forced delete to its resumption.
func (h *contractCascadeDelete) Conditional(env *event.Envelope) bool {
	return !forcePending(env)
}

func (h *contractCascadeDelete) Emits() []event.Key {
	return []event.Key{{EntityType: GuaranteeType, EventType: event.Delete}}
}

func (h *contractCascadeDelete) Process(ctx context.Context, env *event.Envelope) (engine.Result, error) {
	c, err := contractFrom(env)
	if err != nil {
		return engine.Result{}, err
	}
	guarantees, err := h.deps.Repo.GuaranteesOf(ctx, c.ID)
	if err != nil {
		return engine.Result{}, fmt.Errorf("load guarantees of %s: %w", c.ID, err)
	}
	if len(guarantees) == 0 {
		return engine.Continue(), nil
	}

	if env.Properties().Bool(event.SkipCascade) {
		return engine.Result{}, &engine.ConflictError{
			EntityType: string(ContractType),
			EntityID:   c.ID,
			Message:    fmt.Sprintf("%d guarantees still reference the contract", len(guarantees)),
		}
	}

	for _, g := range guarantees {
		_, err := h.deps.Chain.Propagate(ctx, env, event.Delete, nil,
			engine.WithOriginal(g),
			engine.WithoutProperties(event.Force, ForceResumed),
		)
		if err != nil {
			return engine.Result{}, err
		}
	}
	return engine.Continue(), nil
}

// contractDelete deletes the contract, or defers a forced delete to a
// FORCE_DELETE record. It enforces the delete and cannot be disabled.
type contractDelete struct{ processor }

func (h *contractDelete) Disableable() bool {
	return false
}

func (h *contractDelete) Process(ctx context.Context, env *event.Envelope) (engine.Result, error) {
	c, err := contractFrom(env)
	if err != nil {
		return engine.Result{}, err
	}

	if forcePending(env) {
		rec, _, err := h.deps.Pending.Create(ctx, state.NewRecord{
			OwnerType:    ContractType,
			OwnerID:      c.ID,
			EventID:      env.ID(),
			ResultCode:   ForceDelete,
			SuperOwnerID: superOwnerOf(env, c),
			Priority:     env.Priority(),
			Parameters:   value.Object{"identity_id": value.String(c.IdentityID)},
		})
		if err != nil {
			return engine.Result{}, fmt.Errorf("defer delete of %s: %w", c.ID, err)
		}
		return engine.Defer(rec.ID), nil
	}

	if err := h.deps.Repo.DeleteInternal(ctx, ContractType, c.ID); err != nil {
		return engine.Result{}, fmt.Errorf("delete contract %s: %w", c.ID, err)
	}
	return engine.Continue(), nil
}

// identityCacheEvict drops the cached contracts of the affected identity.
type identityCacheEvict struct{ processor }

func (h *identityCacheEvict) Process(_ context.Context, env *event.Envelope) (engine.Result, error) {
	c, err := contractFrom(env)
	if err != nil {
		return engine.Result{}, err
	}
	h.deps.Cache.EvictValue(ContractsCache, c.IdentityID)
	return engine.Continue(), nil
}

// contractNotify reports the change once everything else has run.
type contractNotify struct{ processor }

func (h *contractNotify) Process(ctx context.Context, env *event.Envelope) (engine.Result, error) {
	err := h.deps.Notifier.Notify(ctx, Notification{
		EventID:    env.ID(),
		RootID:     env.RootID(),
		EntityType: env.EntityType(),
		EventType:  env.EventType(),
		EntityID:   env.EntityID(),
	})
	if err != nil {
		return engine.Result{}, fmt.Errorf("notify %s: %w", env.ID(), err)
	}
	return engine.Continue(), nil
}

type guaranteeSave struct{ processor }

func (h *guaranteeSave) Process(ctx context.Context, env *event.Envelope) (engine.Result, error) {
	g, ok := env.Current().(*ContractGuarantee)
	if !ok || g == nil {
		return engine.Result{}, &engine.ValidationError{Field: "current", Message: "expected a contract guarantee"}
	}
	if _, err := h.deps.Repo.Find(ctx, ContractType, g.ContractID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return engine.Result{}, &engine.ValidationError{
				Field:   "contract_id",
				Message: fmt.Sprintf("contract %s does not exist", g.ContractID),
			}
		}
		return engine.Result{}, err
	}
	saved, err := h.deps.Repo.SaveInternal(ctx, g)
	if err != nil {
		return engine.Result{}, fmt.Errorf("save guarantee %s: %w", g.ID, err)
	}
	return engine.Replace(saved), nil
}

type guaranteeDelete struct{ processor }

func (h *guaranteeDelete) Process(ctx context.Context, env *event.Envelope) (engine.Result, error) {
	if err := h.deps.Repo.DeleteInternal(ctx, GuaranteeType, env.EntityID()); err != nil {
		return engine.Result{}, fmt.Errorf("delete guarantee %s: %w", env.EntityID(), err)
	}
	return engine.Continue(), nil
}

// identityRecalculate rebuilds an identity's derived state from its active
// contracts.
type identityRecalculate struct{ processor }

func (h *identityRecalculate) Process(ctx context.Context, env *event.Envelope) (engine.Result, error) {
	found, err := h.deps.Repo.Find(ctx, IdentityType, env.EntityID())
	if err != nil {
		return engine.Result{}, fmt.Errorf("recalculate: %w", err)
	}
	ident, ok := found.(*Identity)
	if !ok || ident == nil {
		return engine.Result{}, engine.NewPayloadError(env.ID(), "identity", found)
	}

	contracts, err := h.deps.Repo.ContractsOf(ctx, ident.ID)
	if err != nil {
		return engine.Result{}, fmt.Errorf("recalculate %s: %w", ident.ID, err)
	}

	ident.State = StateNoContract
	ident.Positions = nil
	for _, c := range contracts {
		if !c.Active() {
			continue
		}
		ident.State = StateValid
		if c.WorkPosition != "" && !slices.Contains(ident.Positions, c.WorkPosition) {
			ident.Positions = append(ident.Positions, c.WorkPosition)
		}
	}
	slices.Sort(ident.Positions)

	saved, err := h.deps.Repo.SaveInternal(ctx, ident)
	if err != nil {
		return engine.Result{}, fmt.Errorf("recalculate %s: %w", ident.ID, err)
	}
	slog.Debug("identity recalculated",
		"event_id", env.ID(),
		"identity_id", ident.ID,
		"state", ident.State,
		"positions", len(ident.Positions),
	)
	return engine.Replace(saved), nil
}
