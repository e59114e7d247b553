package inmemory

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"sync"
	"time"

	"github.com/driftlockhq/driftlock/internal/core/domain"
	"github.com/driftlockhq/driftlock/internal/core/ports"
	"github.com/driftlockhq/driftlock/pkg/commitment"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// SecurityDeposit is charged to the escrow creator on every create call and
// paid out to whoever completes the escrow, matching the factory contracts.
const SecurityDeposit uint64 = 1_000_000

type escrowRecord struct {
	side      domain.EscrowSide
	params    ports.EscrowParams
	deposit   uint64
	withdrawn bool
	cancelled bool
}

// Service simulates the escrow-contract capability of a single chain pair in
// process: same create/withdraw/cancel/rescue semantics and timelock-window
// checks as the deployed factory, including the partial-fill replay guard and
// the security deposit flow. It backs local mode and the coordinator tests.
type Service struct {
	mu       sync.Mutex
	escrows  map[string]*escrowRecord
	partUsed map[string]bool // hashlock-hex:partIndex, source side only
	ledger   map[string]uint64
	now      func() time.Time
}

type Option func(*Service)

// WithClock overrides the chain's notion of current time, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func NewService(opts ...Option) *Service {
	s := &Service{
		escrows:  make(map[string]*escrowRecord),
		partUsed: make(map[string]bool),
		ledger:   make(map[string]uint64),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var _ ports.EscrowClient = (*Service)(nil)

func partKey(hashlock []byte, partIndex uint64) string {
	return fmt.Sprintf("%x:%d", hashlock, partIndex)
}

func (s *Service) validateCreate(params ports.EscrowParams, side domain.EscrowSide) error {
	if params.Amount == 0 {
		return fmt.Errorf("%w: invalid amount", domain.ErrChainCall)
	}
	if len(params.Hashlock) != 32 {
		return fmt.Errorf("%w: hashlock must be 32 bytes", domain.ErrChainCall)
	}
	if err := params.Windows.Validate(); err != nil {
		return fmt.Errorf("%w: invalid time windows", domain.ErrChainCall)
	}
	if params.TotalParts == 0 {
		return fmt.Errorf("%w: total parts must be > 0", domain.ErrChainCall)
	}
	if params.TotalParts > 1 && params.PartIndex >= uint64(params.TotalParts) {
		return fmt.Errorf("%w: invalid part index", domain.ErrChainCall)
	}
	if side == domain.SourceEscrow && params.TotalParts > 1 {
		if s.partUsed[partKey(params.Hashlock, params.PartIndex)] {
			return fmt.Errorf("%w: part %d already used", domain.ErrChainCall, params.PartIndex)
		}
	}
	return nil
}

func (s *Service) create(params ports.EscrowParams, side domain.EscrowSide) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.validateCreate(params, side); err != nil {
		return "", err
	}
	if side == domain.SourceEscrow && params.TotalParts > 1 {
		s.partUsed[partKey(params.Hashlock, params.PartIndex)] = true
	}

	handle := uuid.NewString()
	s.escrows[handle] = &escrowRecord{
		side:    side,
		params:  params,
		deposit: SecurityDeposit,
	}
	logrus.WithFields(logrus.Fields{
		"side":   side.String(),
		"handle": handle,
		"order":  params.OrderId,
		"part":   params.PartIndex,
	}).Debug("inmemory chain: escrow created")
	return handle, nil
}

func (s *Service) CreateSourceEscrow(ctx context.Context, params ports.EscrowParams) (string, error) {
	return s.create(params, domain.SourceEscrow)
}

func (s *Service) CreateDestinationEscrow(ctx context.Context, params ports.EscrowParams) (string, error) {
	return s.create(params, domain.DestinationEscrow)
}

func (s *Service) FindEscrow(
	ctx context.Context, side domain.EscrowSide, hashlock []byte, partIndex uint64,
) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for handle, rec := range s.escrows {
		if rec.side == side && bytes.Equal(rec.params.Hashlock, hashlock) &&
			rec.params.PartIndex == partIndex && !rec.cancelled {
			return handle, true, nil
		}
	}
	return "", false, nil
}

func (s *Service) ReadEscrow(ctx context.Context, handle string) (*ports.EscrowState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.escrows[handle]
	if !ok {
		return nil, fmt.Errorf("%w: unknown escrow %s", domain.ErrChainCall, handle)
	}
	hashlock := make([]byte, len(rec.params.Hashlock))
	copy(hashlock, rec.params.Hashlock)
	return &ports.EscrowState{
		Creator:         rec.params.Creator,
		Recipient:       rec.params.Recipient,
		Amount:          rec.params.Amount,
		SecurityDeposit: rec.deposit,
		Hashlock:        hashlock,
		Windows:         rec.params.Windows,
		PartIndex:       rec.params.PartIndex,
		TotalParts:      rec.params.TotalParts,
		Withdrawn:       rec.withdrawn,
		Cancelled:       rec.cancelled,
	}, nil
}

// verifySecret checks the revealed secret against the escrow's hashlock:
// plain SHA-256 for full fills, leaf membership proof for partial fills.
func verifySecret(rec *escrowRecord, secret []byte, proof [][]byte) error {
	digest := sha256.Sum256(secret)
	if rec.params.TotalParts <= 1 {
		if !bytes.Equal(digest[:], rec.params.Hashlock) {
			return fmt.Errorf("%w: invalid secret", domain.ErrValidation)
		}
		return nil
	}
	if len(proof) == 0 {
		return fmt.Errorf("%w: merkle proof required for partial fills", domain.ErrValidation)
	}
	leaf := commitment.Leaf(rec.params.PartIndex, digest[:])
	if !commitment.VerifyProof(proof, leaf, rec.params.Hashlock) {
		return fmt.Errorf("%w: invalid merkle proof", domain.ErrValidation)
	}
	return nil
}

func (s *Service) Withdraw(ctx context.Context, handle, caller string, secret []byte, proof [][]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.escrows[handle]
	if !ok {
		return fmt.Errorf("%w: unknown escrow %s", domain.ErrChainCall, handle)
	}
	if rec.withdrawn {
		return fmt.Errorf("%w: already withdrawn", domain.ErrChainCall)
	}
	if rec.cancelled {
		return fmt.Errorf("%w: already cancelled", domain.ErrChainCall)
	}

	now := s.now().Unix()
	w := rec.params.Windows
	if now < w.WithdrawalStart {
		return fmt.Errorf("%w: withdrawal not started", domain.ErrChainCall)
	}
	if now >= w.CancellationStart {
		return fmt.Errorf("%w: withdrawal ended", domain.ErrChainCall)
	}
	if now < w.PublicWithdrawalStart {
		// Private window: source pays out to its designated recipient only;
		// on the destination side the funding resolver may also trigger it.
		allowed := caller == rec.params.Recipient
		if rec.side == domain.DestinationEscrow {
			allowed = allowed || caller == rec.params.Creator
		}
		if !allowed {
			return fmt.Errorf("%w: private window only", domain.ErrChainCall)
		}
	}

	if err := verifySecret(rec, secret, proof); err != nil {
		return err
	}

	rec.withdrawn = true
	// Source funds go to the caller (the resolver); destination funds always
	// go to the recorded recipient. The deposit rewards the caller.
	beneficiary := caller
	if rec.side == domain.DestinationEscrow {
		beneficiary = rec.params.Recipient
	}
	s.ledger[beneficiary] += rec.params.Amount
	s.ledger[caller] += rec.deposit
	return nil
}

func (s *Service) Cancel(ctx context.Context, handle, caller string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.escrows[handle]
	if !ok {
		return fmt.Errorf("%w: unknown escrow %s", domain.ErrChainCall, handle)
	}
	if rec.withdrawn {
		return fmt.Errorf("%w: already withdrawn", domain.ErrChainCall)
	}
	if rec.cancelled {
		return fmt.Errorf("%w: already cancelled", domain.ErrChainCall)
	}

	now := s.now().Unix()
	w := rec.params.Windows
	if now < w.CancellationStart {
		return fmt.Errorf("%w: cancellation not started", domain.ErrChainCall)
	}
	if now < w.PublicCancellationStart && caller != rec.params.Creator {
		return fmt.Errorf("%w: private cancellation only", domain.ErrChainCall)
	}

	rec.cancelled = true
	s.ledger[rec.params.Creator] += rec.params.Amount + rec.deposit
	return nil
}

func (s *Service) Rescue(ctx context.Context, handle, caller string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.escrows[handle]
	if !ok {
		return fmt.Errorf("%w: unknown escrow %s", domain.ErrChainCall, handle)
	}
	if rec.withdrawn {
		return fmt.Errorf("%w: already withdrawn", domain.ErrChainCall)
	}
	if rec.cancelled {
		return fmt.Errorf("%w: already cancelled", domain.ErrChainCall)
	}

	// Rescue opens RescueDelay after the side's cancellation bound and is
	// restricted to the party whose funds would otherwise be stranded.
	w := rec.params.Windows
	var openAt int64
	var rescuer string
	if rec.side == domain.SourceEscrow {
		openAt = w.PublicCancellationStart + int64(domain.RescueDelay.Seconds())
		rescuer = rec.params.Recipient
	} else {
		openAt = w.CancellationStart + int64(domain.RescueDelay.Seconds())
		rescuer = rec.params.Creator
	}
	if s.now().Unix() < openAt {
		return domain.ErrRescueUnavailable
	}
	if caller != rescuer {
		return fmt.Errorf("%w: unauthorized rescue", domain.ErrChainCall)
	}

	rec.withdrawn = true
	s.ledger[rescuer] += rec.params.Amount
	s.ledger[rec.params.Creator] += rec.deposit
	return nil
}

// RemainingParts counts the fill parts of a hashlock that have no source
// escrow yet.
func (s *Service) RemainingParts(hashlock []byte, totalParts uint32) uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var remaining uint32
	for i := uint64(0); i < uint64(totalParts); i++ {
		if !s.partUsed[partKey(hashlock, i)] {
			remaining++
		}
	}
	return remaining
}

// AvailablePartIndices lists the part indices of a hashlock still open for a
// source escrow, in ascending order.
func (s *Service) AvailablePartIndices(hashlock []byte, totalParts uint32) []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	indices := make([]uint64, 0, totalParts)
	for i := uint64(0); i < uint64(totalParts); i++ {
		if !s.partUsed[partKey(hashlock, i)] {
			indices = append(indices, i)
		}
	}
	return indices
}

// Balance reports the funds credited to an address by withdrawals, cancels
// and rescues.
func (s *Service) Balance(addr string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ledger[addr]
}
