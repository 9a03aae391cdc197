package chain

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/lh6104/supply-chain-blockchain/pkg/apperr"
	"github.com/lh6104/supply-chain-blockchain/pkg/ethsig"
)

// addr yields checksummed addresses, the canonical form the ledger stores.
func addr(n int) string {
	a, err := ethsig.ParseAddress(fmt.Sprintf("0x%040x", n))
	if err != nil {
		panic(err)
	}
	return a.Hex()
}

var (
	owner        = addr(0xA1)
	manufacturer = addr(0xB2)
	distributor  = addr(0xC3)
	retailer     = addr(0xD4)
	stranger     = addr(0xE5)
)

type recordingSink struct {
	transitions   []TransitionEvent
	registrations []RegistrationEvent
}

func (r *recordingSink) ItemTransitioned(e TransitionEvent)        { r.transitions = append(r.transitions, e) }
func (r *recordingSink) ParticipantRegistered(e RegistrationEvent) { r.registrations = append(r.registrations, e) }

func newLedger(t *testing.T, sink EventSink) *MemoryLedger {
	t.Helper()
	l, err := NewMemoryLedger(owner, sink)
	if err != nil {
		t.Fatalf("NewMemoryLedger: %v", err)
	}
	return l
}

func registerAll(t *testing.T, l *MemoryLedger) {
	t.Helper()
	ctx := context.Background()
	if _, err := l.RegisterManufacturer(ctx, owner, manufacturer); err != nil {
		t.Fatalf("register manufacturer: %v", err)
	}
	if _, err := l.RegisterDistributor(ctx, owner, distributor); err != nil {
		t.Fatalf("register distributor: %v", err)
	}
	if _, err := l.RegisterRetailer(ctx, owner, retailer); err != nil {
		t.Fatalf("register retailer: %v", err)
	}
}

func TestRegisterRequiresOwner(t *testing.T) {
	l := newLedger(t, nil)
	_, err := l.RegisterManufacturer(context.Background(), stranger, manufacturer)
	if !apperr.IsKind(err, apperr.KindAuthorization) {
		t.Fatalf("expected authorization error, got %v", err)
	}
}

func TestRegisterRejectsSecondRole(t *testing.T) {
	l := newLedger(t, nil)
	ctx := context.Background()
	if _, err := l.RegisterManufacturer(ctx, owner, manufacturer); err != nil {
		t.Fatalf("first registration: %v", err)
	}
	// Any of the three roles conflicts, including the one already held.
	for _, register := range []func(context.Context, string, string) (RoleAssignment, error){
		l.RegisterManufacturer, l.RegisterDistributor, l.RegisterRetailer,
	} {
		if _, err := register(ctx, owner, manufacturer); !apperr.IsKind(err, apperr.KindConflict) {
			t.Fatalf("expected conflict on re-registration, got %v", err)
		}
	}
	got, err := l.RoleOf(ctx, manufacturer)
	if err != nil || got.Role != RoleManufacturer {
		t.Fatalf("registry changed after rejected registration: %v %v", got, err)
	}
}

func TestRegisterRejectsOwnerAddress(t *testing.T) {
	l := newLedger(t, nil)
	_, err := l.RegisterDistributor(context.Background(), owner, owner)
	if !apperr.IsKind(err, apperr.KindConflict) {
		t.Fatalf("expected conflict registering owner address, got %v", err)
	}
}

func TestRegisterRejectsBadAddress(t *testing.T) {
	l := newLedger(t, nil)
	_, err := l.RegisterRetailer(context.Background(), owner, "0x123")
	if !apperr.IsKind(err, apperr.KindValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestSequentialRoleIDs(t *testing.T) {
	l := newLedger(t, nil)
	ctx := context.Background()
	first, err := l.RegisterDistributor(ctx, owner, distributor)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	second, err := l.RegisterDistributor(ctx, owner, addr(0xF6))
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if first.SeqID != 1 || second.SeqID != 2 {
		t.Fatalf("expected sequential ids 1,2; got %d,%d", first.SeqID, second.SeqID)
	}
}

func TestRoleOfIsCaseInsensitive(t *testing.T) {
	l := newLedger(t, nil)
	ctx := context.Background()
	if _, err := l.RegisterManufacturer(ctx, owner, manufacturer); err != nil {
		t.Fatalf("register: %v", err)
	}
	got, err := l.RoleOf(ctx, "0x"+strings.ToUpper(manufacturer[2:]))
	if err != nil || got.Role != RoleManufacturer {
		t.Fatalf("uppercase lookup failed: %v %v", got, err)
	}
}

// Custodian fields hold the checksummed form no matter how the caller spells
// the address.
func TestCustodiansStoredChecksummed(t *testing.T) {
	l := newLedger(t, nil)
	ctx := context.Background()
	registerAll(t, l)

	item, err := l.CreateItem(ctx, strings.ToLower(manufacturer))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := l.Pack(ctx, manufacturer, item.ID); err != nil {
		t.Fatalf("pack: %v", err)
	}
	if _, err := l.ShipToDistributor(ctx, manufacturer, item.ID, strings.ToLower(distributor)); err != nil {
		t.Fatalf("ship: %v", err)
	}

	got, _ := l.GetItem(ctx, item.ID)
	if got.Creator != manufacturer {
		t.Fatalf("creator stored as %q, want checksummed %q", got.Creator, manufacturer)
	}
	if got.Distributor != distributor {
		t.Fatalf("distributor stored as %q, want checksummed %q", got.Distributor, distributor)
	}
}

func TestCreateItemRequiresManufacturer(t *testing.T) {
	l := newLedger(t, nil)
	_, err := l.CreateItem(context.Background(), stranger)
	if !apperr.IsKind(err, apperr.KindAuthorization) {
		t.Fatalf("expected authorization error, got %v", err)
	}
	if _, err := l.CreateItem(context.Background(), owner); !apperr.IsKind(err, apperr.KindAuthorization) {
		t.Fatalf("owner must not create items, got %v", err)
	}
}

// Scenario: owner registers M, M creates and packs, then ships to an
// unregistered distributor. The shipment is rejected and the stage stays
// Packed.
func TestShipToUnregisteredDistributor(t *testing.T) {
	l := newLedger(t, nil)
	ctx := context.Background()
	if _, err := l.RegisterManufacturer(ctx, owner, manufacturer); err != nil {
		t.Fatalf("register: %v", err)
	}
	item, err := l.CreateItem(ctx, manufacturer)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if item.CurrentStage != StageCreated {
		t.Fatalf("expected Created(0), got %d", item.CurrentStage)
	}
	if item, err = l.Pack(ctx, manufacturer, item.ID); err != nil {
		t.Fatalf("pack: %v", err)
	}
	if item.CurrentStage != StagePacked {
		t.Fatalf("expected Packed(1), got %d", item.CurrentStage)
	}

	_, err = l.ShipToDistributor(ctx, manufacturer, item.ID, distributor)
	if !apperr.IsKind(err, apperr.KindAuthorization) {
		t.Fatalf("expected rejection for unregistered distributor, got %v", err)
	}
	got, _ := l.GetItem(ctx, item.ID)
	if got.CurrentStage != StagePacked {
		t.Fatalf("stage must remain Packed, got %s", got.CurrentStage)
	}
	if got.Distributor != "" {
		t.Fatalf("no distributor may be bound after a rejected shipment")
	}
}

// Scenario: a shipped item may only be received by the bound distributor.
func TestReceiveRequiresBoundDistributor(t *testing.T) {
	l := newLedger(t, nil)
	ctx := context.Background()
	registerAll(t, l)
	if _, err := l.RegisterDistributor(ctx, owner, stranger); err != nil {
		t.Fatalf("register second distributor: %v", err)
	}

	item, _ := l.CreateItem(ctx, manufacturer)
	if _, err := l.Pack(ctx, manufacturer, item.ID); err != nil {
		t.Fatalf("pack: %v", err)
	}
	if _, err := l.ShipToDistributor(ctx, manufacturer, item.ID, distributor); err != nil {
		t.Fatalf("ship: %v", err)
	}

	_, err := l.ReceiveByDistributor(ctx, stranger, item.ID)
	if !apperr.IsKind(err, apperr.KindAuthorization) {
		t.Fatalf("expected authorization error for unbound distributor, got %v", err)
	}
	got, _ := l.GetItem(ctx, item.ID)
	if got.CurrentStage != StageShippedToDistributor {
		t.Fatalf("stage changed after rejected receive: %s", got.CurrentStage)
	}
}

// Scenario: the full happy path ends at Sold and every further call fails with
// a state error.
func TestFullHappyPath(t *testing.T) {
	sink := &recordingSink{}
	l := newLedger(t, sink)
	ctx := context.Background()
	registerAll(t, l)

	item, err := l.CreateItem(ctx, manufacturer)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	steps := []struct {
		name string
		call func() (Item, error)
		want Stage
	}{
		{"pack", func() (Item, error) { return l.Pack(ctx, manufacturer, item.ID) }, StagePacked},
		{"shipToDistributor", func() (Item, error) { return l.ShipToDistributor(ctx, manufacturer, item.ID, distributor) }, StageShippedToDistributor},
		{"receiveByDistributor", func() (Item, error) { return l.ReceiveByDistributor(ctx, distributor, item.ID) }, StageReceivedByDistributor},
		{"shipToRetailer", func() (Item, error) { return l.ShipToRetailer(ctx, distributor, item.ID, retailer) }, StageShippedToRetailer},
		{"receiveByRetailer", func() (Item, error) { return l.ReceiveByRetailer(ctx, retailer, item.ID) }, StageReceivedByRetailer},
		{"sell", func() (Item, error) { return l.Sell(ctx, retailer, item.ID) }, StageSold},
	}
	for n, step := range steps {
		got, err := step.call()
		if err != nil {
			t.Fatalf("%s: %v", step.name, err)
		}
		if got.CurrentStage != step.want {
			t.Fatalf("%s: stage %d, want %d", step.name, got.CurrentStage, step.want)
		}
		// Stage after N successful transitions equals exactly N.
		if int(got.CurrentStage) != n+1 {
			t.Fatalf("stage %d after %d transitions", got.CurrentStage, n+1)
		}
	}

	final, _ := l.GetItem(ctx, item.ID)
	if !final.CurrentStage.Terminal() {
		t.Fatalf("Sold must be terminal")
	}
	if final.Distributor != distributor || final.Retailer != retailer {
		t.Fatalf("custodians not bound: %+v", final)
	}

	// No operation accepts Sold as its precondition stage.
	for _, call := range []func() (Item, error){
		func() (Item, error) { return l.Pack(ctx, manufacturer, item.ID) },
		func() (Item, error) { return l.ShipToDistributor(ctx, manufacturer, item.ID, distributor) },
		func() (Item, error) { return l.ReceiveByDistributor(ctx, distributor, item.ID) },
		func() (Item, error) { return l.ShipToRetailer(ctx, distributor, item.ID, retailer) },
		func() (Item, error) { return l.ReceiveByRetailer(ctx, retailer, item.ID) },
		func() (Item, error) { return l.Sell(ctx, retailer, item.ID) },
	} {
		if _, err := call(); !apperr.IsKind(err, apperr.KindState) {
			t.Fatalf("expected state error after Sold, got %v", err)
		}
	}

	// Created + six advances = seven transition facts, in order.
	if len(sink.transitions) != 7 {
		t.Fatalf("expected 7 transition events, got %d", len(sink.transitions))
	}
	for i, e := range sink.transitions {
		if int(e.NewStage) != i {
			t.Fatalf("event %d carries stage %d", i, e.NewStage)
		}
	}
	history, err := l.History(ctx, item.ID)
	if err != nil || len(history) != 7 {
		t.Fatalf("history: %v (%d events)", err, len(history))
	}
}

func TestOutOfOrderCallLeavesStageUnchanged(t *testing.T) {
	l := newLedger(t, nil)
	ctx := context.Background()
	registerAll(t, l)
	item, _ := l.CreateItem(ctx, manufacturer)

	// Shipping before packing is a state error, not a silent no-op.
	_, err := l.ShipToDistributor(ctx, manufacturer, item.ID, distributor)
	if !apperr.IsKind(err, apperr.KindState) {
		t.Fatalf("expected state error, got %v", err)
	}
	got, _ := l.GetItem(ctx, item.ID)
	if got.CurrentStage != StageCreated {
		t.Fatalf("stage regressed or advanced: %s", got.CurrentStage)
	}
}

func TestPackRequiresCreator(t *testing.T) {
	l := newLedger(t, nil)
	ctx := context.Background()
	registerAll(t, l)
	if _, err := l.RegisterManufacturer(ctx, owner, stranger); err != nil {
		t.Fatalf("register second manufacturer: %v", err)
	}
	item, _ := l.CreateItem(ctx, manufacturer)
	if _, err := l.Pack(ctx, stranger, item.ID); !apperr.IsKind(err, apperr.KindAuthorization) {
		t.Fatalf("a manufacturer that is not the creator must not pack, got %v", err)
	}
}

func TestSequentialItemIDs(t *testing.T) {
	l := newLedger(t, nil)
	ctx := context.Background()
	registerAll(t, l)
	a, _ := l.CreateItem(ctx, manufacturer)
	b, _ := l.CreateItem(ctx, manufacturer)
	if a.ID != 1 || b.ID != 2 {
		t.Fatalf("expected ids 1,2; got %d,%d", a.ID, b.ID)
	}
	count, _ := l.ItemCount(ctx)
	if count != 2 {
		t.Fatalf("ItemCount = %d, want 2", count)
	}
}

func TestGetMissingItem(t *testing.T) {
	l := newLedger(t, nil)
	if _, err := l.GetItem(context.Background(), 99); !apperr.IsKind(err, apperr.KindNotFound) {
		t.Fatalf("expected not-found, got %v", err)
	}
	if _, err := l.Pack(context.Background(), manufacturer, 99); !apperr.IsKind(err, apperr.KindNotFound) {
		t.Fatalf("transitions on missing items must fail not-found, got %v", err)
	}
}

func TestStageNames(t *testing.T) {
	if StageCreated.String() != "Manufactured/Created" {
		t.Fatalf("stage 0 display name: %s", StageCreated.String())
	}
	if StageSold.String() != "Sold" {
		t.Fatalf("stage 6 display name: %s", StageSold.String())
	}
	if Stage(7).String() != "Unknown" {
		t.Fatalf("out-of-range stage must render Unknown")
	}
}
