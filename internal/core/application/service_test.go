package application_test

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/driftlockhq/driftlock/internal/core/application"
	"github.com/driftlockhq/driftlock/internal/core/domain"
	"github.com/driftlockhq/driftlock/internal/core/ports"
	inmemory "github.com/driftlockhq/driftlock/internal/infrastructure/chain/inmemory"
	"github.com/driftlockhq/driftlock/internal/infrastructure/db"
	scheduler "github.com/driftlockhq/driftlock/internal/infrastructure/scheduler/gocron"
	localsecrets "github.com/driftlockhq/driftlock/internal/infrastructure/secrets/local"
	"github.com/driftlockhq/driftlock/pkg/auction"
	"github.com/stretchr/testify/require"
)

// testWindows keeps every timelock short enough for the pipeline to run
// inside a test, while staying strictly increasing at second granularity.
func testWindows(now time.Time) domain.TimeWindows {
	start := now.Unix() + 1
	return domain.TimeWindows{
		WithdrawalStart:         start,
		PublicWithdrawalStart:   start + 1,
		CancellationStart:       start + 2,
		PublicCancellationStart: start + 3,
	}
}

type stack struct {
	svc      *application.Service
	engine   *auction.Engine
	srcChain *inmemory.Service
	dstChain *inmemory.Service
	repos    ports.RepoManager
	secrets  *localsecrets.Service
}

func newStack(t *testing.T, secretOpts []localsecrets.Option, coordOpts ...application.CoordinatorOption) *stack {
	t.Helper()

	repos, err := db.NewService(db.ServiceConfig{DbType: "badger", DbConfig: []any{"", nil}})
	require.NoError(t, err)
	t.Cleanup(repos.Close)

	srcChain := inmemory.NewService()
	dstChain := inmemory.NewService()
	secrets := localsecrets.NewService(secretOpts...)

	schedulerSvc := scheduler.NewScheduler()
	schedulerSvc.Start()
	t.Cleanup(schedulerSvc.Stop)

	opts := append(
		[]application.CoordinatorOption{application.WithWindowPolicy(testWindows)},
		coordOpts...,
	)
	coordinator := application.NewCoordinator(srcChain, dstChain, secrets, schedulerSvc, repos, opts...)

	engine := auction.NewEngine(auction.WithTick(50 * time.Millisecond))
	engine.Start()
	t.Cleanup(engine.Stop)

	svc := application.NewService(application.BuildInfo{}, repos, engine, coordinator, secrets)
	svc.Start()
	t.Cleanup(svc.Stop)

	return &stack{svc, engine, srcChain, dstChain, repos, secrets}
}

func waitForUnit(t *testing.T, s *stack, unitId string, status domain.UnitStatus) {
	t.Helper()
	require.Eventually(t, func() bool {
		unit, err := s.repos.Units().Get(context.Background(), unitId)
		return err == nil && unit.Status == status
	}, 15*time.Second, 100*time.Millisecond, "unit %s never reached %s", unitId, status)
}

func TestSingleFillSwap(t *testing.T) {
	s := newStack(t, nil)
	ctx := context.Background()

	order, err := s.svc.CreateOrder(ctx, application.OrderRequest{
		Maker:      "maker",
		Recipient:  "recipient",
		SrcAmount:  10_000,
		DstAmount:  9_900,
		StartPrice: 1.0,
		MinPrice:   0.9,
		Duration:   10 * time.Second,
	})
	require.NoError(t, err)
	require.Equal(t, domain.OrderAuctionActive, order.Status)
	require.Len(t, order.Hashlock, 32)

	// an anonymous confirmation is rejected and does not burn the auction
	_, err = s.svc.ConfirmSingle(ctx, order.Id, "")
	require.ErrorIs(t, err, domain.ErrValidation)

	res, err := s.svc.ConfirmSingle(ctx, order.Id, "resolver-1")
	require.NoError(t, err)
	require.Equal(t, "resolver-1", res.Winner)
	require.LessOrEqual(t, res.ClearingPrice, 1.0)

	// second confirmation loses the race
	_, err = s.svc.ConfirmSingle(ctx, order.Id, "resolver-2")
	require.ErrorIs(t, err, domain.ErrConcurrencyConflict)

	waitForUnit(t, s, order.Id, domain.UnitCompleted)

	got, err := s.svc.GetOrder(ctx, order.Id)
	require.NoError(t, err)
	require.Equal(t, domain.OrderCompleted, got.Status)

	// resolver claimed the maker's funds on the source chain, the recipient
	// received the resolver's funds on the destination chain
	require.Equal(t, uint64(10_000)+inmemory.SecurityDeposit, s.srcChain.Balance("resolver-1"))
	require.Equal(t, uint64(9_900), s.dstChain.Balance("recipient"))

	escrows, err := s.repos.Escrows().GetByOrder(ctx, order.Id)
	require.NoError(t, err)
	require.Len(t, escrows, 2)
}

func TestPartialFillSegmentWinsIndependently(t *testing.T) {
	s := newStack(t, nil)
	ctx := context.Background()

	order, err := s.svc.CreateOrder(ctx, application.OrderRequest{
		Maker:      "maker",
		Recipient:  "recipient",
		SrcAmount:  9_000,
		DstAmount:  8_700,
		PartsCount: 3,
		StartPrice: 1.0,
		MinPrice:   0.9,
		Duration:   10 * time.Second,
	})
	require.NoError(t, err)

	res, err := s.svc.ConfirmSegment(ctx, order.Id, 1, "resolver-9")
	require.NoError(t, err)
	require.Equal(t, 1, res.SegmentID)

	// sibling segments are unaffected by segment 1's outcome
	_, err = s.svc.ConfirmSegment(ctx, order.Id, 1, "resolver-8")
	require.ErrorIs(t, err, domain.ErrConcurrencyConflict)
	_, err = s.engine.ConfirmSegment(order.Id, 0, "resolver-8")
	require.NoError(t, err)

	unitId := fmt.Sprintf("%s:1", order.Id)
	waitForUnit(t, s, unitId, domain.UnitCompleted)

	unit, err := s.repos.Units().Get(ctx, unitId)
	require.NoError(t, err)
	require.Equal(t, uint64(3_000), unit.Amount)
	require.Equal(t, uint64(1), unit.PartIndex)
	require.Equal(t, uint32(3), unit.TotalParts)
	require.Equal(t, "resolver-9", unit.Resolver)

	// each part's source escrow is consumed exactly once
	require.Equal(t, uint64(3_000)+inmemory.SecurityDeposit, s.srcChain.Balance("resolver-9"))
}

func TestSecretTimeoutCancelsUnit(t *testing.T) {
	s := newStack(t,
		[]localsecrets.Option{localsecrets.WithResponseDelay(30 * time.Second)},
		application.WithSecretTimeout(300*time.Millisecond),
	)
	ctx := context.Background()

	order, err := s.svc.CreateOrder(ctx, application.OrderRequest{
		Maker:      "maker",
		Recipient:  "recipient",
		SrcAmount:  5_000,
		DstAmount:  4_900,
		StartPrice: 1.0,
		MinPrice:   0.9,
		Duration:   10 * time.Second,
	})
	require.NoError(t, err)

	_, err = s.svc.ConfirmSingle(ctx, order.Id, "resolver-1")
	require.NoError(t, err)

	waitForUnit(t, s, order.Id, domain.UnitCancelled)

	// both escrows were refunded to their creators
	escrows, err := s.repos.Escrows().GetByOrder(ctx, order.Id)
	require.NoError(t, err)
	require.Len(t, escrows, 2)
	for _, escrow := range escrows {
		chain := s.srcChain
		if escrow.Side == domain.DestinationEscrow {
			chain = s.dstChain
		}
		state, err := chain.ReadEscrow(ctx, escrow.Handle)
		require.NoError(t, err)
		require.True(t, state.Cancelled)
	}

	got, err := s.svc.GetOrder(ctx, order.Id)
	require.NoError(t, err)
	require.Equal(t, domain.OrderCancelled, got.Status)
}

// tamperedChain corrupts the read-back view of every escrow, simulating a
// destination escrow funded with the wrong terms.
type tamperedChain struct {
	ports.EscrowClient
}

func (c *tamperedChain) ReadEscrow(ctx context.Context, handle string) (*ports.EscrowState, error) {
	state, err := c.EscrowClient.ReadEscrow(ctx, handle)
	if err != nil {
		return nil, err
	}
	state.Amount++
	return state, nil
}

// countingSecrets fails the test's expectation if the coordinator asks for a
// secret after verification already failed.
type countingSecrets struct {
	*localsecrets.Service
	calls atomic.Int32
}

func (c *countingSecrets) RequestSecret(
	ctx context.Context, orderId string, partIndex uint64,
) ([]byte, [][]byte, error) {
	c.calls.Add(1)
	return c.Service.RequestSecret(ctx, orderId, partIndex)
}

func TestVerificationMismatchAbortsBeforeSecretRequest(t *testing.T) {
	repos, err := db.NewService(db.ServiceConfig{DbType: "badger", DbConfig: []any{"", nil}})
	require.NoError(t, err)
	t.Cleanup(repos.Close)

	srcChain := inmemory.NewService()
	dstChain := &tamperedChain{inmemory.NewService()}
	secrets := &countingSecrets{Service: localsecrets.NewService()}

	schedulerSvc := scheduler.NewScheduler()
	schedulerSvc.Start()
	t.Cleanup(schedulerSvc.Stop)

	coordinator := application.NewCoordinator(
		srcChain, dstChain, secrets, schedulerSvc, repos,
		application.WithWindowPolicy(testWindows),
	)

	engine := auction.NewEngine(auction.WithTick(50 * time.Millisecond))
	engine.Start()
	t.Cleanup(engine.Stop)

	svc := application.NewService(application.BuildInfo{}, repos, engine, coordinator, secrets)
	svc.Start()
	t.Cleanup(svc.Stop)

	ctx := context.Background()
	order, err := svc.CreateOrder(ctx, application.OrderRequest{
		Maker:      "maker",
		Recipient:  "recipient",
		SrcAmount:  5_000,
		DstAmount:  4_900,
		StartPrice: 1.0,
		MinPrice:   0.9,
		Duration:   10 * time.Second,
	})
	require.NoError(t, err)

	_, err = svc.ConfirmSingle(ctx, order.Id, "resolver-1")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		unit, err := repos.Units().Get(ctx, order.Id)
		return err == nil && unit.Status == domain.UnitCancelled
	}, 15*time.Second, 100*time.Millisecond)

	// the secret never left the maker
	require.Equal(t, int32(0), secrets.calls.Load())

	unit, err := repos.Units().Get(ctx, order.Id)
	require.NoError(t, err)
	require.Contains(t, unit.Reason, "mismatch")
}
