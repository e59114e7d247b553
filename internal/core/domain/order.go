package domain

import (
	"context"
	"fmt"
)

type OrderStatus int

const (
	OrderCreated OrderStatus = iota
	OrderAuctionActive
	OrderInProgress
	OrderCompleted
	OrderCancelled
	OrderExpired
	OrderFailed
)

func (s OrderStatus) String() string {
	switch s {
	case OrderCreated:
		return "created"
	case OrderAuctionActive:
		return "auction_active"
	case OrderInProgress:
		return "in_progress"
	case OrderCompleted:
		return "completed"
	case OrderCancelled:
		return "cancelled"
	case OrderExpired:
		return "expired"
	case OrderFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Order is a cross-chain swap intent. Hashlock is either the bare secret hash
// (single fill) or the merkle root over parts+1 position-bound leaves
// (partial fill).
type Order struct {
	Id         string
	Maker      string
	Recipients []string // candidate recipient addresses on the destination chain
	SrcAmount  uint64
	DstAmount  uint64
	Hashlock   []byte
	PartsCount int // 1 for single fill
	Status     OrderStatus
	Timestamp  int64
}

// MultiFill reports whether the order is split into independently filled
// parts.
func (o Order) MultiFill() bool {
	return o.PartsCount > 1
}

// Validate checks the invariants every stored order must satisfy.
func (o Order) Validate() error {
	if o.Id == "" {
		return fmt.Errorf("%w: order id is required", ErrValidation)
	}
	if o.Maker == "" {
		return fmt.Errorf("%w: maker is required", ErrValidation)
	}
	if len(o.Recipients) == 0 {
		return fmt.Errorf("%w: at least one recipient is required", ErrValidation)
	}
	if o.SrcAmount == 0 || o.DstAmount == 0 {
		return fmt.Errorf("%w: amounts must be positive", ErrValidation)
	}
	if len(o.Hashlock) != 32 {
		return fmt.Errorf("%w: hashlock must be 32 bytes, got %d", ErrValidation, len(o.Hashlock))
	}
	if o.PartsCount < 1 {
		return fmt.Errorf("%w: parts count must be at least 1", ErrValidation)
	}
	return nil
}

// OrderRepository stores swap orders.
type OrderRepository interface {
	GetAll(ctx context.Context) ([]Order, error)
	Get(ctx context.Context, orderId string) (*Order, error)
	Add(ctx context.Context, order Order) error
	Update(ctx context.Context, order Order) error
	Close()
}
