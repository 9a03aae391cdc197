package chain

// Role is the closed set of participant roles the registry recognises. Owner
// is the distinguished registrar role and never appears in a RoleAssignment.
type Role int

const (
	RoleUnregistered Role = iota
	RoleOwner
	RoleManufacturer
	RoleDistributor
	RoleRetailer
)

func (r Role) String() string {
	switch r {
	case RoleOwner:
		return "Owner"
	case RoleManufacturer:
		return "Manufacturer"
	case RoleDistributor:
		return "Distributor"
	case RoleRetailer:
		return "Retailer"
	default:
		return "Unregistered"
	}
}

// RoleAssignment records one address holding one participant role. Assignments
// are append-only; there is no revoke in this contract surface.
type RoleAssignment struct {
	Address string `json:"address"`
	Role    Role   `json:"role"`
	SeqID   uint64 `json:"seq_id"`
}
