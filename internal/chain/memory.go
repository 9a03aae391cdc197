package chain

import (
	"context"
	"sync"
	"time"

	"github.com/lh6104/supply-chain-blockchain/pkg/apperr"
	"github.com/lh6104/supply-chain-blockchain/pkg/ethsig"
)

// MemoryLedger is the in-process ledger implementation. A single mutex
// serializes every write, standing in for the total write ordering a real
// ledger provides; a call either fully commits one state advance or returns
// before touching anything.
type MemoryLedger struct {
	mu      sync.Mutex
	owner   string
	roles   map[string]RoleAssignment
	roleSeq map[Role]uint64
	items   map[uint64]*Item
	history map[uint64][]TransitionEvent
	nextID  uint64
	sink    EventSink
	now     func() time.Time
}

func NewMemoryLedger(owner string, sink EventSink) (*MemoryLedger, error) {
	normalized, err := normalizeAddress(owner)
	if err != nil {
		return nil, err
	}
	if sink == nil {
		sink = NopSink{}
	}
	return &MemoryLedger{
		owner:   normalized,
		roles:   make(map[string]RoleAssignment),
		roleSeq: make(map[Role]uint64),
		items:   make(map[uint64]*Item),
		history: make(map[uint64][]TransitionEvent),
		nextID:  1,
		sink:    sink,
		now:     time.Now,
	}, nil
}

func normalizeAddress(addr string) (string, error) {
	parsed, err := ethsig.ParseAddress(addr)
	if err != nil {
		return "", apperr.Validation("BAD_ADDRESS", "invalid address %q", addr)
	}
	return parsed.Hex(), nil
}

func (l *MemoryLedger) RegisterManufacturer(ctx context.Context, caller, addr string) (RoleAssignment, error) {
	return l.register(caller, addr, RoleManufacturer)
}

func (l *MemoryLedger) RegisterDistributor(ctx context.Context, caller, addr string) (RoleAssignment, error) {
	return l.register(caller, addr, RoleDistributor)
}

func (l *MemoryLedger) RegisterRetailer(ctx context.Context, caller, addr string) (RoleAssignment, error) {
	return l.register(caller, addr, RoleRetailer)
}

func (l *MemoryLedger) register(caller, addr string, role Role) (RoleAssignment, error) {
	callerAddr, err := normalizeAddress(caller)
	if err != nil {
		return RoleAssignment{}, err
	}
	target, err := normalizeAddress(addr)
	if err != nil {
		return RoleAssignment{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if callerAddr != l.owner {
		return RoleAssignment{}, apperr.Authorization("NOT_OWNER", "only the registry owner may register participants")
	}
	if target == l.owner {
		return RoleAssignment{}, apperr.Conflict("OWNER_CANNOT_PARTICIPATE", "the registry owner address cannot hold a participant role")
	}
	if existing, ok := l.roles[target]; ok {
		return RoleAssignment{}, apperr.Conflict("ROLE_TAKEN", "address %s already registered as %s", target, existing.Role)
	}

	l.roleSeq[role]++
	assignment := RoleAssignment{Address: target, Role: role, SeqID: l.roleSeq[role]}
	l.roles[target] = assignment
	l.sink.ParticipantRegistered(RegistrationEvent{
		Role: role, Address: target, SeqID: assignment.SeqID, At: l.now().UTC(),
	})
	return assignment, nil
}

func (l *MemoryLedger) RoleOf(ctx context.Context, addr string) (RoleAssignment, error) {
	target, err := normalizeAddress(addr)
	if err != nil {
		return RoleAssignment{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if target == l.owner {
		return RoleAssignment{Address: target, Role: RoleOwner}, nil
	}
	if assignment, ok := l.roles[target]; ok {
		return assignment, nil
	}
	return RoleAssignment{Address: target, Role: RoleUnregistered}, nil
}

func (l *MemoryLedger) CreateItem(ctx context.Context, caller string) (Item, error) {
	callerAddr, err := normalizeAddress(caller)
	if err != nil {
		return Item{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.roles[callerAddr].Role != RoleManufacturer {
		return Item{}, apperr.Authorization("NOT_MANUFACTURER", "only a registered manufacturer may create items")
	}

	now := l.now().UTC()
	item := &Item{
		ID:           l.nextID,
		CurrentStage: StageCreated,
		Creator:      callerAddr,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	l.nextID++
	l.items[item.ID] = item
	l.record(item.ID, StageCreated, callerAddr, now)
	return *item, nil
}

func (l *MemoryLedger) Pack(ctx context.Context, caller string, id uint64) (Item, error) {
	return l.advance(caller, id, RoleManufacturer, custodianCreator, StageCreated, nil)
}

func (l *MemoryLedger) ShipToDistributor(ctx context.Context, caller string, id uint64, distributor string) (Item, error) {
	target, err := normalizeAddress(distributor)
	if err != nil {
		return Item{}, err
	}
	return l.advance(caller, id, RoleManufacturer, custodianCreator, StagePacked, func(item *Item) error {
		if l.roles[target].Role != RoleDistributor {
			return apperr.Authorization("NOT_A_DISTRIBUTOR", "address %s is not a registered distributor", target)
		}
		item.Distributor = target
		return nil
	})
}

func (l *MemoryLedger) ReceiveByDistributor(ctx context.Context, caller string, id uint64) (Item, error) {
	return l.advance(caller, id, RoleDistributor, custodianDistributor, StageShippedToDistributor, nil)
}

func (l *MemoryLedger) ShipToRetailer(ctx context.Context, caller string, id uint64, retailer string) (Item, error) {
	target, err := normalizeAddress(retailer)
	if err != nil {
		return Item{}, err
	}
	return l.advance(caller, id, RoleDistributor, custodianDistributor, StageReceivedByDistributor, func(item *Item) error {
		if l.roles[target].Role != RoleRetailer {
			return apperr.Authorization("NOT_A_RETAILER", "address %s is not a registered retailer", target)
		}
		item.Retailer = target
		return nil
	})
}

func (l *MemoryLedger) ReceiveByRetailer(ctx context.Context, caller string, id uint64) (Item, error) {
	return l.advance(caller, id, RoleRetailer, custodianRetailer, StageShippedToRetailer, nil)
}

func (l *MemoryLedger) Sell(ctx context.Context, caller string, id uint64) (Item, error) {
	return l.advance(caller, id, RoleRetailer, custodianRetailer, StageReceivedByRetailer, nil)
}

// custodian selectors for the generic guard.
func custodianCreator(item *Item) string     { return item.Creator }
func custodianDistributor(item *Item) string { return item.Distributor }
func custodianRetailer(item *Item) string    { return item.Retailer }

// advance is the single transition guard: item exists, caller holds the
// required role, caller is the item's bound custodian, stage matches exactly.
// Only then does the stage move forward by one step. bind, when set, runs
// before the advance and may reject without any state change.
func (l *MemoryLedger) advance(caller string, id uint64, role Role, custodian func(*Item) string, from Stage, bind func(*Item) error) (Item, error) {
	callerAddr, err := normalizeAddress(caller)
	if err != nil {
		return Item{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	item, ok := l.items[id]
	if !ok {
		return Item{}, apperr.NotFound("ITEM_NOT_FOUND", "item %d does not exist", id)
	}
	if l.roles[callerAddr].Role != role {
		return Item{}, apperr.Authorization("WRONG_ROLE", "caller %s does not hold the %s role", callerAddr, role)
	}
	if bound := custodian(item); bound != callerAddr {
		return Item{}, apperr.Authorization("NOT_CUSTODIAN", "caller %s is not the custodian of item %d", callerAddr, id)
	}
	if item.CurrentStage != from {
		return Item{}, apperr.State("WRONG_STAGE", "item %d is at stage %s, operation requires %s", id, item.CurrentStage, from)
	}

	if bind != nil {
		// Bindings mutate a copy so a rejection leaves the item untouched.
		staged := *item
		if err := bind(&staged); err != nil {
			return Item{}, err
		}
		*item = staged
	}

	now := l.now().UTC()
	item.CurrentStage = from + 1
	item.UpdatedAt = now
	l.record(id, item.CurrentStage, callerAddr, now)
	return *item, nil
}

func (l *MemoryLedger) record(id uint64, stage Stage, actor string, at time.Time) {
	event := TransitionEvent{ItemID: id, NewStage: stage, Actor: actor, At: at}
	l.history[id] = append(l.history[id], event)
	l.sink.ItemTransitioned(event)
}

func (l *MemoryLedger) GetItem(ctx context.Context, id uint64) (Item, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	item, ok := l.items[id]
	if !ok {
		return Item{}, apperr.NotFound("ITEM_NOT_FOUND", "item %d does not exist", id)
	}
	return *item, nil
}

func (l *MemoryLedger) ItemCount(ctx context.Context) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.nextID - 1, nil
}

func (l *MemoryLedger) History(ctx context.Context, id uint64) ([]TransitionEvent, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.items[id]; !ok {
		return nil, apperr.NotFound("ITEM_NOT_FOUND", "item %d does not exist", id)
	}
	events := make([]TransitionEvent, len(l.history[id]))
	copy(events, l.history[id])
	return events, nil
}
