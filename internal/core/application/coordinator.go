package application

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
	"github.com/sirupsen/logrus"
)

const (
	defaultWithdrawalDelay = 30 * time.Second
	defaultSecretTimeout   = 2 * time.Minute
)

// WindowPolicy derives the timelock windows for a new pair of escrows.
type WindowPolicy func(now time.Time) domain.TimeWindows

// Coordinator drives a swap unit through the escrow lifecycle: fund both
// sides, wait for the withdrawal window, verify the escrows on chain, obtain
// the maker's secret and withdraw, or fall back to cancellation when any step
// breaks down.
type Coordinator struct {
	srcChain    ports.EscrowClient
	dstChain    ports.EscrowClient
	secrets     ports.SecretProvider
	scheduler   ports.SchedulerService
	repoManager ports.RepoManager

	windowPolicy  WindowPolicy
	secretTimeout time.Duration
	now           func() time.Time

	mu        sync.Mutex
	observers map[int]chan domain.SwapUnit
	nextObs   int
}

type CoordinatorOption func(*Coordinator)

// WithWindowPolicy overrides how escrow windows are derived, mainly to shrink
// them in tests.
func WithWindowPolicy(policy WindowPolicy) CoordinatorOption {
	return func(c *Coordinator) { c.windowPolicy = policy }
}

// WithSecretTimeout bounds how long a unit waits for the maker's secret
// before switching to the cancellation path.
func WithSecretTimeout(d time.Duration) CoordinatorOption {
	return func(c *Coordinator) { c.secretTimeout = d }
}

func NewCoordinator(
	srcChain, dstChain ports.EscrowClient,
	secrets ports.SecretProvider,
	schedulerSvc ports.SchedulerService,
	repoManager ports.RepoManager,
	opts ...CoordinatorOption,
) *Coordinator {
	c := &Coordinator{
		srcChain:    srcChain,
		dstChain:    dstChain,
		secrets:     secrets,
		scheduler:   schedulerSvc,
		repoManager: repoManager,
		windowPolicy: func(now time.Time) domain.TimeWindows {
			return domain.DeriveTimeWindows(now.Add(defaultWithdrawalDelay).Unix())
		},
		secretTimeout: defaultSecretTimeout,
		now:           time.Now,
		observers:     make(map[int]chan domain.SwapUnit),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Subscribe returns a channel of unit status transitions and a cancel func.
func (c *Coordinator) Subscribe() (<-chan domain.SwapUnit, func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextObs
	c.nextObs++
	ch := make(chan domain.SwapUnit, 64)
	c.observers[id] = ch
	cancel := func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if obs, ok := c.observers[id]; ok {
			close(obs)
			delete(c.observers, id)
		}
	}
	return ch, cancel
}

func (c *Coordinator) notify(unit domain.SwapUnit) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ch := range c.observers {
		select {
		case ch <- unit:
		default:
		}
	}
}

func (c *Coordinator) transition(
	ctx context.Context, unit *domain.SwapUnit, status domain.UnitStatus, reason string,
) {
	unit.Status = status
	unit.Reason = reason
	if err := c.repoManager.Units().Update(ctx, *unit); err != nil {
		logrus.WithError(err).WithField("unit", unit.Id).Warn("failed to persist unit status")
	}
	logrus.WithFields(logrus.Fields{
		"unit":   unit.Id,
		"status": status.String(),
	}).Info("unit transition")
	c.notify(*unit)
}

// RunUnit executes the full lifecycle of one swap unit. It is safe to run
// many units concurrently; each schedules its own timelock wake-ups.
func (c *Coordinator) RunUnit(ctx context.Context, order domain.Order, unit domain.SwapUnit) error {
	windows := c.windowPolicy(c.now())
	recipient := order.Recipients[0]
	dstAmount := unitDstAmount(order, unit)

	srcParams := ports.EscrowParams{
		OrderId:    order.Id,
		Creator:    order.Maker,
		Recipient:  unit.Resolver,
		Amount:     unit.Amount,
		Hashlock:   order.Hashlock,
		Windows:    windows,
		PartIndex:  unit.PartIndex,
		TotalParts: unit.TotalParts,
	}
	srcHandle, err := c.ensureEscrow(ctx, c.srcChain, domain.SourceEscrow, srcParams)
	if err != nil {
		c.transition(ctx, &unit, domain.UnitFailed, err.Error())
		return err
	}
	unit.SrcEscrow = srcHandle
	c.recordEscrow(ctx, "source", domain.SourceEscrow, srcHandle, srcParams)
	c.transition(ctx, &unit, domain.UnitSourceEscrowCreated, "")

	dstParams := ports.EscrowParams{
		OrderId:    order.Id,
		Creator:    unit.Resolver,
		Recipient:  recipient,
		Amount:     dstAmount,
		Hashlock:   order.Hashlock,
		Windows:    windows,
		PartIndex:  unit.PartIndex,
		TotalParts: unit.TotalParts,
	}
	dstHandle, err := c.ensureEscrow(ctx, c.dstChain, domain.DestinationEscrow, dstParams)
	if err != nil {
		c.transition(ctx, &unit, domain.UnitFailed, err.Error())
		return c.cancelUnit(ctx, &unit, windows, srcHandle, "")
	}
	unit.DstEscrow = dstHandle
	c.recordEscrow(ctx, "destination", domain.DestinationEscrow, dstHandle, dstParams)
	c.transition(ctx, &unit, domain.UnitDestinationEscrowCreated, "")

	if err := c.waitUntil(ctx, time.Unix(windows.WithdrawalStart, 0)); err != nil {
		c.transition(ctx, &unit, domain.UnitFailed, err.Error())
		return c.cancelUnit(ctx, &unit, windows, srcHandle, dstHandle)
	}

	// Both escrows are read back and compared before any secret leaves the
	// maker. A mismatch aborts the unit without revealing anything.
	if err := c.verifyEscrows(ctx, order, unit, srcParams, dstParams); err != nil {
		c.transition(ctx, &unit, domain.UnitFailed, err.Error())
		return c.cancelUnit(ctx, &unit, windows, srcHandle, dstHandle)
	}
	c.transition(ctx, &unit, domain.UnitEscrowsVerified, "")

	c.transition(ctx, &unit, domain.UnitSecretRequested, "")
	secretCtx, cancel := context.WithTimeout(ctx, c.secretTimeout)
	secret, proof, err := c.secrets.RequestSecret(secretCtx, order.Id, unit.PartIndex)
	cancel()
	if err != nil {
		err = fmt.Errorf("%w: secret not received", domain.ErrTimeout)
		c.transition(ctx, &unit, domain.UnitExpired, err.Error())
		return c.cancelUnit(ctx, &unit, windows, srcHandle, dstHandle)
	}

	if err := validateSecret(order, unit, secret, proof); err != nil {
		c.transition(ctx, &unit, domain.UnitFailed, err.Error())
		return c.cancelUnit(ctx, &unit, windows, srcHandle, dstHandle)
	}
	c.transition(ctx, &unit, domain.UnitSecretReceived, "")

	if err := c.srcChain.Withdraw(ctx, srcHandle, unit.Resolver, secret, proof); err != nil {
		err = fmt.Errorf("source withdrawal: %w", err)
		c.transition(ctx, &unit, domain.UnitFailed, err.Error())
		return c.cancelUnit(ctx, &unit, windows, srcHandle, dstHandle)
	}
	c.transition(ctx, &unit, domain.UnitSourceWithdrawn, "")

	// The secret is public from here on: destination withdrawal can no longer
	// be blocked, only delayed into the public window.
	if err := c.dstChain.Withdraw(ctx, dstHandle, unit.Resolver, secret, proof); err != nil {
		err = fmt.Errorf("destination withdrawal: %w", err)
		c.transition(ctx, &unit, domain.UnitFailed, err.Error())
		return err
	}
	c.transition(ctx, &unit, domain.UnitDestinationWithdrawn, "")

	c.transition(ctx, &unit, domain.UnitCompleted, "")
	c.settleOrder(ctx, order.Id)
	return nil
}

// ensureEscrow funds an escrow. Creation is not idempotent chain-side, so a
// failed call checks for an existing escrow before giving up.
func (c *Coordinator) ensureEscrow(
	ctx context.Context, chain ports.EscrowClient, side domain.EscrowSide, params ports.EscrowParams,
) (string, error) {
	var create func(context.Context, ports.EscrowParams) (string, error)
	if side == domain.SourceEscrow {
		create = chain.CreateSourceEscrow
	} else {
		create = chain.CreateDestinationEscrow
	}

	handle, err := create(ctx, params)
	if err == nil {
		return handle, nil
	}

	existing, found, findErr := chain.FindEscrow(ctx, side, params.Hashlock, params.PartIndex)
	if findErr == nil && found {
		logrus.WithFields(logrus.Fields{
			"side":   side.String(),
			"handle": existing,
		}).Warn("escrow creation failed but escrow exists, reusing")
		return existing, nil
	}
	return "", fmt.Errorf("%w: %s escrow creation failed: %s", domain.ErrChainCall, side, err)
}

func (c *Coordinator) recordEscrow(
	ctx context.Context, chain string, side domain.EscrowSide, handle string, params ports.EscrowParams,
) {
	err := c.repoManager.Escrows().Add(ctx, domain.Escrow{
		Handle:     handle,
		Chain:      chain,
		Side:       side,
		OrderId:    params.OrderId,
		Creator:    params.Creator,
		Recipient:  params.Recipient,
		Amount:     params.Amount,
		Hashlock:   params.Hashlock,
		Windows:    params.Windows,
		PartIndex:  params.PartIndex,
		TotalParts: params.TotalParts,
	})
	if err != nil {
		logrus.WithError(err).WithField("escrow", handle).Warn("failed to persist escrow")
	}
}

// waitUntil blocks until the given absolute time via a scheduled wake-up.
func (c *Coordinator) waitUntil(ctx context.Context, at time.Time) error {
	if !c.now().Before(at) {
		return nil
	}
	ready := make(chan struct{})
	if err := c.scheduler.ScheduleAt(at, func() { close(ready) }); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("%w: wait interrupted", domain.ErrTimeout)
	case <-ready:
		return nil
	}
}

// verifyEscrows compares both chain-side escrows against the order terms.
func (c *Coordinator) verifyEscrows(
	ctx context.Context, order domain.Order, unit domain.SwapUnit,
	srcParams, dstParams ports.EscrowParams,
) error {
	srcState, err := c.srcChain.ReadEscrow(ctx, unit.SrcEscrow)
	if err != nil {
		return err
	}
	if err := matchEscrow(srcState, srcParams); err != nil {
		return fmt.Errorf("%w: source escrow: %s", domain.ErrVerificationMismatch, err)
	}
	dstState, err := c.dstChain.ReadEscrow(ctx, unit.DstEscrow)
	if err != nil {
		return err
	}
	if err := matchEscrow(dstState, dstParams); err != nil {
		return fmt.Errorf("%w: destination escrow: %s", domain.ErrVerificationMismatch, err)
	}
	return nil
}

func matchEscrow(state *ports.EscrowState, want ports.EscrowParams) error {
	if !bytes.Equal(state.Hashlock, want.Hashlock) {
		return fmt.Errorf("hashlock mismatch")
	}
	if state.Amount != want.Amount {
		return fmt.Errorf("amount mismatch: got %d, want %d", state.Amount, want.Amount)
	}
	if state.Creator != want.Creator || state.Recipient != want.Recipient {
		return fmt.Errorf("party mismatch")
	}
	if state.Windows != want.Windows {
		return fmt.Errorf("time windows mismatch")
	}
	if state.PartIndex != want.PartIndex || state.TotalParts != want.TotalParts {
		return fmt.Errorf("part binding mismatch")
	}
	if state.Withdrawn || state.Cancelled {
		return fmt.Errorf("escrow already settled")
	}
	return nil
}

// validateSecret checks the maker's answer locally before it is ever sent to
// a chain: hash equality for full fills, leaf membership for partial fills.
func validateSecret(order domain.Order, unit domain.SwapUnit, secret []byte, proof [][]byte) error {
	digest := sha256.Sum256(secret)
	if !order.MultiFill() {
		if !bytes.Equal(digest[:], order.Hashlock) {
			return fmt.Errorf("%w: secret does not match hashlock", domain.ErrValidation)
		}
		return nil
	}
	leaf := commitment.Leaf(unit.PartIndex, digest[:])
	if !commitment.VerifyProof(proof, leaf, order.Hashlock) {
		return fmt.Errorf("%w: merkle proof does not bind secret to part %d", domain.ErrValidation, unit.PartIndex)
	}
	return nil
}

// cancelUnit walks the refund path: wait out the cancellation window, cancel
// whatever escrows were funded, and arm a rescue wake-up for any escrow the
// cancellation could not release.
func (c *Coordinator) cancelUnit(
	ctx context.Context, unit *domain.SwapUnit, windows domain.TimeWindows,
	srcHandle, dstHandle string,
) error {
	if err := c.waitUntil(ctx, time.Unix(windows.CancellationStart, 0)); err != nil {
		return err
	}

	if dstHandle != "" {
		if err := c.dstChain.Cancel(ctx, dstHandle, unit.Resolver); err != nil {
			logrus.WithError(err).WithField("escrow", dstHandle).Warn("destination cancellation failed")
			c.armRescue(c.dstChain, dstHandle, unit.Resolver,
				windows.CancellationStart+int64(domain.RescueDelay.Seconds()))
		}
	}
	if srcHandle != "" {
		// The maker is the source creator; the coordinator cancels on their
		// behalf so locked funds flow back without manual action.
		if err := c.srcChain.Cancel(ctx, srcHandle, c.sourceCreator(ctx, srcHandle)); err != nil {
			logrus.WithError(err).WithField("escrow", srcHandle).Warn("source cancellation failed")
			c.armRescue(c.srcChain, srcHandle, unit.Resolver,
				windows.PublicCancellationStart+int64(domain.RescueDelay.Seconds()))
		}
	}

	c.transition(ctx, unit, domain.UnitCancelled, unit.Reason)
	c.settleOrder(ctx, unit.OrderId)
	return nil
}

func (c *Coordinator) sourceCreator(ctx context.Context, handle string) string {
	escrow, err := c.repoManager.Escrows().Get(ctx, handle)
	if err != nil {
		return ""
	}
	return escrow.Creator
}

// armRescue schedules a one-shot rescue attempt once the rescue delay has
// elapsed for the given escrow.
func (c *Coordinator) armRescue(chain ports.EscrowClient, handle, caller string, openAt int64) {
	err := c.scheduler.ScheduleAt(time.Unix(openAt, 0).Add(time.Second), func() {
		if err := chain.Rescue(context.Background(), handle, caller); err != nil {
			logrus.WithError(err).WithField("escrow", handle).Warn("rescue attempt failed")
			return
		}
		logrus.WithField("escrow", handle).Info("escrow rescued")
	})
	if err != nil {
		logrus.WithError(err).WithField("escrow", handle).Warn("failed to arm rescue")
	}
}

// settleOrder rolls the unit outcomes up into the order status once every
// unit has reached a terminal state.
func (c *Coordinator) settleOrder(ctx context.Context, orderId string) {
	units, err := c.repoManager.Units().GetByOrder(ctx, orderId)
	if err != nil {
		logrus.WithError(err).WithField("order", orderId).Warn("failed to load units for settlement")
		return
	}
	completed := 0
	for _, u := range units {
		if !u.Status.Terminal() {
			return
		}
		if u.Status == domain.UnitCompleted {
			completed++
		}
	}

	order, err := c.repoManager.Orders().Get(ctx, orderId)
	if err != nil {
		logrus.WithError(err).WithField("order", orderId).Warn("failed to load order for settlement")
		return
	}
	switch {
	case completed == len(units):
		order.Status = domain.OrderCompleted
	case completed > 0:
		// Partial outcome: some parts filled, the rest refunded.
		order.Status = domain.OrderCompleted
	default:
		order.Status = domain.OrderCancelled
	}
	if err := c.repoManager.Orders().Update(ctx, *order); err != nil {
		logrus.WithError(err).WithField("order", orderId).Warn("failed to persist order settlement")
	}
}

// unitDstAmount scales the destination amount to the unit's share of the
// source amount, rounding down.
func unitDstAmount(order domain.Order, unit domain.SwapUnit) uint64 {
	if order.SrcAmount == 0 || unit.Amount == order.SrcAmount {
		return order.DstAmount
	}
	return order.DstAmount * unit.Amount / order.SrcAmount
}
