package ports

import (
	"context"

	"github.com/driftlockhq/driftlock/internal/core/domain"
)

// EscrowParams carries everything a chain binding needs to fund an escrow.
type EscrowParams struct {
	OrderId    string
	Creator    string
	Recipient  string
	Amount     uint64
	Hashlock   []byte
	Windows    domain.TimeWindows
	PartIndex  uint64
	TotalParts uint32
}

// EscrowState is the read-back view of an on-chain escrow, compared against
// the order before any secret is revealed.
type EscrowState struct {
	Creator         string
	Recipient       string
	Amount          uint64
	SecurityDeposit uint64
	Hashlock        []byte
	Windows         domain.TimeWindows
	PartIndex       uint64
	TotalParts      uint32
	Withdrawn       bool
	Cancelled       bool
}

// EscrowClient is the abstract escrow-contract capability. Concrete chain
// bindings implement it; the coordinator never touches a chain SDK directly.
// All calls may suspend arbitrarily long and are not cancellable once
// submitted chain-side.
type EscrowClient interface {
	// CreateSourceEscrow locks the maker's funds. Not idempotent: callers
	// must FindEscrow before retrying a failed call.
	CreateSourceEscrow(ctx context.Context, params EscrowParams) (string, error)
	// CreateDestinationEscrow locks the resolver's funds on the other chain.
	CreateDestinationEscrow(ctx context.Context, params EscrowParams) (string, error)
	// FindEscrow reports an existing escrow matching (side, hashlock,
	// partIndex), used to avoid double funding after a failed create.
	FindEscrow(ctx context.Context, side domain.EscrowSide, hashlock []byte, partIndex uint64) (string, bool, error)
	ReadEscrow(ctx context.Context, handle string) (*EscrowState, error)
	// Withdraw reveals the secret (and merkle proof for partial fills).
	Withdraw(ctx context.Context, handle, caller string, secret []byte, proof [][]byte) error
	Cancel(ctx context.Context, handle, caller string) error
	Rescue(ctx context.Context, handle, caller string) error
}
