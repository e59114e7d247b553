package domain

import "context"

// UnitStatus tracks one (order, segment) pipeline through the escrow
// lifecycle.
type UnitStatus int

const (
	UnitCreated UnitStatus = iota
	UnitAuctionActive
	UnitResolverDeclared
	UnitSourceEscrowCreated
	UnitDestinationEscrowCreated
	UnitEscrowsVerified
	UnitSecretRequested
	UnitSecretReceived
	UnitSourceWithdrawn
	UnitDestinationWithdrawn
	UnitCompleted
	UnitCancelled
	UnitExpired
	UnitFailed
)

func (s UnitStatus) String() string {
	switch s {
	case UnitCreated:
		return "created"
	case UnitAuctionActive:
		return "auction_active"
	case UnitResolverDeclared:
		return "resolver_declared"
	case UnitSourceEscrowCreated:
		return "source_escrow_created"
	case UnitDestinationEscrowCreated:
		return "destination_escrow_created"
	case UnitEscrowsVerified:
		return "escrows_verified"
	case UnitSecretRequested:
		return "secret_requested"
	case UnitSecretReceived:
		return "secret_received"
	case UnitSourceWithdrawn:
		return "source_withdrawn"
	case UnitDestinationWithdrawn:
		return "destination_withdrawn"
	case UnitCompleted:
		return "completed"
	case UnitCancelled:
		return "cancelled"
	case UnitExpired:
		return "expired"
	case UnitFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transitions are possible.
func (s UnitStatus) Terminal() bool {
	switch s {
	case UnitCompleted, UnitCancelled, UnitExpired, UnitFailed:
		return true
	default:
		return false
	}
}

// SwapUnit is one independently executed slice of an order: the whole order
// for single fills, one segment for partial fills. Reason records why a unit
// ended Cancelled/Failed.
type SwapUnit struct {
	Id            string // orderId for single fill, orderId:segment for partial
	OrderId       string
	SegmentId     int
	PartIndex     uint64
	TotalParts    uint32
	Amount        uint64
	Resolver      string
	ClearingPrice float64
	SrcEscrow     string
	DstEscrow     string
	Status        UnitStatus
	Reason        string
	Timestamp     int64
}

// UnitRepository stores swap units.
type UnitRepository interface {
	GetAll(ctx context.Context) ([]SwapUnit, error)
	Get(ctx context.Context, unitId string) (*SwapUnit, error)
	GetByOrder(ctx context.Context, orderId string) ([]SwapUnit, error)
	Add(ctx context.Context, unit SwapUnit) error
	Update(ctx context.Context, unit SwapUnit) error
	Close()
}
