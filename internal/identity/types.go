package identity

import (
	"github.com/roach88/entityevents/internal/event"
)

// Entity types handled by this package.
const (
	IdentityType  event.EntityType = "identity"
	ContractType  event.EntityType = "identity-contract"
	GuaranteeType event.EntityType = "contract-guarantee"
)

// Recalculate asks an identity to rebuild its derived state from its
// contracts. It is an identity-specific event type.
const Recalculate event.EventType = "RECALCULATE"

// Result codes of the pending-work records created by this package.
const (
	// DirtyState marks an identity whose derived state is stale.
	DirtyState = "DIRTY_STATE"

	// ForceDelete marks a contract whose forced delete was deferred.
	ForceDelete = "FORCE_DELETE"
)

// ForceResumed is set on envelopes published by the FORCE_DELETE resumer so
// the delete runs instead of deferring again.
const ForceResumed = "force-resumed"

// Modules owning the processors.
const (
	ModuleCore          = "core"
	ModuleNotifications = "notifications"
)

// Identity states derived by recalculation.
const (
	StateValid      = "VALID"
	StateNoContract = "NO_CONTRACT"
)

// Identity is a person known to the system. State and Positions are derived
// from the identity's valid contracts.
type Identity struct {
	ID        string   `json:"id"`
	Username  string   `json:"username"`
	State     string   `json:"state,omitempty"`
	Positions []string `json:"positions,omitempty"`
}

func (i *Identity) EntityType() event.EntityType {
	return IdentityType
}

func (i *Identity) EntityID() string {
	return i.ID
}

// Contract is an identity's employment contract.
type Contract struct {
	ID           string `json:"id"`
	IdentityID   string `json:"identity_id"`
	WorkPosition string `json:"work_position,omitempty"`

	// Valid and Disabled drive whether the contract counts for the
	// identity's derived state.
	Valid    bool `json:"valid"`
	Disabled bool `json:"disabled,omitempty"`

	// ControlledBySlice contracts are maintained by time slices; manual
	// changes need an explicit permission.
	ControlledBySlice bool `json:"controlled_by_slice,omitempty"`

	// Guarantors are identity ids that receive a guarantee when the
	// contract is created.
	Guarantors []string `json:"guarantors,omitempty"`
}

func (c *Contract) EntityType() event.EntityType {
	return ContractType
}

func (c *Contract) EntityID() string {
	return c.ID
}

// Active reports whether the contract counts for its identity.
func (c *Contract) Active() bool {
	return c.Valid && !c.Disabled
}

// ContractGuarantee names an identity that vouches for a contract.
type ContractGuarantee struct {
	ID          string `json:"id"`
	ContractID  string `json:"contract_id"`
	GuarantorID string `json:"guarantor_id"`
}

func (g *ContractGuarantee) EntityType() event.EntityType {
	return GuaranteeType
}

func (g *ContractGuarantee) EntityID() string {
	return g.ID
}

// GuaranteeID is the id of the guarantee created for a contract and guarantor.
func GuaranteeID(contractID, guarantorID string) string {
	return contractID + "/" + guarantorID
}

// RegisterCodec binds this package's entity types to codec.
func RegisterCodec(codec *event.Codec) error {
	factories := map[event.EntityType]event.Factory{
		IdentityType:  func() event.Entity { return &Identity{} },
		ContractType:  func() event.Entity { return &Contract{} },
		GuaranteeType: func() event.Entity { return &ContractGuarantee{} },
	}
	for _, t := range []event.EntityType{IdentityType, ContractType, GuaranteeType} {
		if err := codec.Register(t, factories[t]); err != nil {
			return err
		}
	}
	return nil
}
