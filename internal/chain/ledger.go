// Package chain holds the authoritative custody record: a role registry and a
// per-item lifecycle state machine whose stage only ever advances by one step
// per authorized call.
package chain

import (
	"context"
	"time"
)

// Item is the ledger-owned record of one tracked good. Distributor and
// Retailer are bound exactly once, at the shipping transition that assigns
// them, and gate the corresponding receive operations.
type Item struct {
	ID           uint64    `json:"id"`
	CurrentStage Stage     `json:"current_stage"`
	Creator      string    `json:"creator"`
	Distributor  string    `json:"distributor,omitempty"`
	Retailer     string    `json:"retailer,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// TransitionEvent is the observable fact emitted by every successful stage
// advance.
type TransitionEvent struct {
	ItemID   uint64    `json:"item_id"`
	NewStage Stage     `json:"new_stage"`
	Actor    string    `json:"actor"`
	At       time.Time `json:"at"`
}

// RegistrationEvent is the observable fact emitted by every role registration.
type RegistrationEvent struct {
	Role    Role      `json:"role"`
	Address string    `json:"address"`
	SeqID   uint64    `json:"seq_id"`
	At      time.Time `json:"at"`
}

// EventSink receives ledger facts. Implementations must not block; the ledger
// calls them while holding its write lock.
type EventSink interface {
	ItemTransitioned(TransitionEvent)
	ParticipantRegistered(RegistrationEvent)
}

// NopSink discards all events.
type NopSink struct{}

func (NopSink) ItemTransitioned(TransitionEvent)        {}
func (NopSink) ParticipantRegistered(RegistrationEvent) {}

// Ledger is the authoritative state machine. Writes to a given item are
// serialized by the ledger itself; every call either fully commits one state
// advance or fails with no partial effect. Callers must treat calls as
// potentially slow and must not assume immediate read-after-write visibility
// across callers.
type Ledger interface {
	// Registry operations, owner-only.
	RegisterManufacturer(ctx context.Context, caller, addr string) (RoleAssignment, error)
	RegisterDistributor(ctx context.Context, caller, addr string) (RoleAssignment, error)
	RegisterRetailer(ctx context.Context, caller, addr string) (RoleAssignment, error)
	RoleOf(ctx context.Context, addr string) (RoleAssignment, error)

	// Lifecycle operations, in strict stage order.
	CreateItem(ctx context.Context, caller string) (Item, error)
	Pack(ctx context.Context, caller string, id uint64) (Item, error)
	ShipToDistributor(ctx context.Context, caller string, id uint64, distributor string) (Item, error)
	ReceiveByDistributor(ctx context.Context, caller string, id uint64) (Item, error)
	ShipToRetailer(ctx context.Context, caller string, id uint64, retailer string) (Item, error)
	ReceiveByRetailer(ctx context.Context, caller string, id uint64) (Item, error)
	Sell(ctx context.Context, caller string, id uint64) (Item, error)

	GetItem(ctx context.Context, id uint64) (Item, error)
	ItemCount(ctx context.Context) (uint64, error)
	History(ctx context.Context, id uint64) ([]TransitionEvent, error)
}
