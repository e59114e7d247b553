package domain

import (
	"context"
	"fmt"
	"time"
)

// RescueDelay is the fixed duration after an escrow's cancellation bound
// before stuck funds become rescuable.
const RescueDelay = 7 * 24 * time.Hour

// EscrowSide names which chain leg an escrow lives on.
type EscrowSide int

const (
	SourceEscrow EscrowSide = iota
	DestinationEscrow
)

func (s EscrowSide) String() string {
	if s == SourceEscrow {
		return "source"
	}
	return "destination"
}

// TimeWindows are the unix timestamps (seconds) gating escrow actions:
// private withdrawal, public withdrawal, private cancellation, public
// cancellation. Rescue opens RescueDelay after the cancellation bound.
type TimeWindows struct {
	WithdrawalStart         int64
	PublicWithdrawalStart   int64
	CancellationStart       int64
	PublicCancellationStart int64
}

// Validate enforces strictly increasing boundaries, mirroring the on-chain
// factory's creation-time checks.
func (w TimeWindows) Validate() error {
	if w.PublicWithdrawalStart <= w.WithdrawalStart ||
		w.CancellationStart <= w.PublicWithdrawalStart ||
		w.PublicCancellationStart <= w.CancellationStart {
		return fmt.Errorf("%w: time windows must be strictly increasing", ErrValidation)
	}
	return nil
}

// DeriveTimeWindows fills in the conventional offsets used by the resolver
// when the maker pins only the withdrawal start: public withdrawal 30 minutes
// later, cancellation 24 hours later, public cancellation one hour after that.
func DeriveTimeWindows(withdrawalStart int64) TimeWindows {
	return TimeWindows{
		WithdrawalStart:         withdrawalStart,
		PublicWithdrawalStart:   withdrawalStart + 1800,
		CancellationStart:       withdrawalStart + 86400,
		PublicCancellationStart: withdrawalStart + 86400 + 3600,
	}
}

// Escrow is the locally recorded view of a chain-side escrow.
type Escrow struct {
	Handle          string
	Chain           string
	Side            EscrowSide
	OrderId         string
	Creator         string
	Recipient       string
	Amount          uint64
	SecurityDeposit uint64
	Hashlock        []byte
	Windows         TimeWindows
	PartIndex       uint64
	TotalParts      uint32
}

// EscrowRepository stores the escrows created by the coordinator.
type EscrowRepository interface {
	GetAll(ctx context.Context) ([]Escrow, error)
	Get(ctx context.Context, handle string) (*Escrow, error)
	GetByOrder(ctx context.Context, orderId string) ([]Escrow, error)
	Add(ctx context.Context, escrow Escrow) error
	Close()
}
