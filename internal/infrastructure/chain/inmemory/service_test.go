package inmemory_test

import (
	"context"
	"crypto/sha256"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/driftlockhq/driftlock/internal/core/domain"
	"github.com/driftlockhq/driftlock/internal/core/ports"
	inmemory "github.com/driftlockhq/driftlock/internal/infrastructure/chain/inmemory"
	"github.com/driftlockhq/driftlock/pkg/commitment"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testParams(t *testing.T, base time.Time, hashlock []byte) ports.EscrowParams {
	t.Helper()
	return ports.EscrowParams{
		OrderId:    "order-1",
		Creator:    "maker",
		Recipient:  "resolver",
		Amount:     1000,
		Hashlock:   hashlock,
		Windows:    domain.DeriveTimeWindows(base.Add(10 * time.Second).Unix()),
		PartIndex:  0,
		TotalParts: 1,
	}
}

func TestWithdrawWindows(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	chain := inmemory.NewService(inmemory.WithClock(clock.Now))

	secret, err := commitment.RandomSecret()
	require.NoError(t, err)
	hashlock, err := commitment.HashSecret(secret)
	require.NoError(t, err)

	params := testParams(t, clock.Now(), hashlock)
	handle, err := chain.CreateSourceEscrow(ctx, params)
	require.NoError(t, err)

	t.Run("before withdrawal start", func(t *testing.T) {
		err := chain.Withdraw(ctx, handle, "resolver", secret, nil)
		require.Error(t, err)
		require.ErrorIs(t, err, domain.ErrChainCall)
	})

	t.Run("private window restricted to recipient", func(t *testing.T) {
		clock.Advance(15 * time.Second)
		err := chain.Withdraw(ctx, handle, "stranger", secret, nil)
		require.Error(t, err)
	})

	t.Run("invalid secret rejected", func(t *testing.T) {
		bad := make([]byte, commitment.SecretLen)
		err := chain.Withdraw(ctx, handle, "resolver", bad, nil)
		require.ErrorIs(t, err, domain.ErrValidation)
	})

	t.Run("recipient withdraws in private window", func(t *testing.T) {
		err := chain.Withdraw(ctx, handle, "resolver", secret, nil)
		require.NoError(t, err)
		require.Equal(t, uint64(1000)+inmemory.SecurityDeposit, chain.Balance("resolver"))

		state, err := chain.ReadEscrow(ctx, handle)
		require.NoError(t, err)
		require.True(t, state.Withdrawn)
	})

	t.Run("double withdraw rejected", func(t *testing.T) {
		err := chain.Withdraw(ctx, handle, "resolver", secret, nil)
		require.Error(t, err)
	})
}

func TestWithdrawalEndsAtCancellationStart(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	chain := inmemory.NewService(inmemory.WithClock(clock.Now))

	secret, err := commitment.RandomSecret()
	require.NoError(t, err)
	hashlock, err := commitment.HashSecret(secret)
	require.NoError(t, err)

	handle, err := chain.CreateSourceEscrow(ctx, testParams(t, clock.Now(), hashlock))
	require.NoError(t, err)

	clock.Advance(10*time.Second + 86400*time.Second)
	err = chain.Withdraw(ctx, handle, "resolver", secret, nil)
	require.Error(t, err)
	require.ErrorIs(t, err, domain.ErrChainCall)
}

func TestCreateValidation(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	chain := inmemory.NewService(inmemory.WithClock(clock.Now))

	secret, err := commitment.RandomSecret()
	require.NoError(t, err)
	hashlock, err := commitment.HashSecret(secret)
	require.NoError(t, err)

	t.Run("zero amount", func(t *testing.T) {
		params := testParams(t, clock.Now(), hashlock)
		params.Amount = 0
		_, err := chain.CreateSourceEscrow(ctx, params)
		require.ErrorIs(t, err, domain.ErrChainCall)
	})

	t.Run("non increasing windows", func(t *testing.T) {
		params := testParams(t, clock.Now(), hashlock)
		params.Windows.CancellationStart = params.Windows.WithdrawalStart
		_, err := chain.CreateSourceEscrow(ctx, params)
		require.ErrorIs(t, err, domain.ErrChainCall)
	})

	t.Run("part replay guard", func(t *testing.T) {
		mgr, err := commitment.NewPartialFillOrderManager(3)
		require.NoError(t, err)

		root, err := mgr.Hashlock()
		require.NoError(t, err)

		params := testParams(t, clock.Now(), root)
		params.PartIndex = 1
		params.TotalParts = 3
		_, err = chain.CreateSourceEscrow(ctx, params)
		require.NoError(t, err)

		_, err = chain.CreateSourceEscrow(ctx, params)
		require.Error(t, err)
		require.Contains(t, err.Error(), "already used")
	})
}

func TestPartialFillWithdraw(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	chain := inmemory.NewService(inmemory.WithClock(clock.Now))

	mgr, err := commitment.NewPartialFillOrderManager(4)
	require.NoError(t, err)

	hashlock, err := mgr.Hashlock()
	require.NoError(t, err)
	params := testParams(t, clock.Now(), hashlock)
	params.PartIndex = 2
	params.TotalParts = 4
	handle, err := chain.CreateSourceEscrow(ctx, params)
	require.NoError(t, err)

	clock.Advance(15 * time.Second)

	secret, err := mgr.Secret(2)
	require.NoError(t, err)
	proof, err := mgr.Proof(2)
	require.NoError(t, err)

	t.Run("missing proof rejected", func(t *testing.T) {
		err := chain.Withdraw(ctx, handle, "resolver", secret, nil)
		require.ErrorIs(t, err, domain.ErrValidation)
	})

	t.Run("wrong part secret rejected", func(t *testing.T) {
		other, err := mgr.Secret(1)
		require.NoError(t, err)
		err = chain.Withdraw(ctx, handle, "resolver", other, proof)
		require.ErrorIs(t, err, domain.ErrValidation)
	})

	t.Run("valid secret and proof", func(t *testing.T) {
		err := chain.Withdraw(ctx, handle, "resolver", secret, proof)
		require.NoError(t, err)
	})
}

func TestPartAvailability(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	chain := inmemory.NewService(inmemory.WithClock(clock.Now))

	mgr, err := commitment.NewPartialFillOrderManager(3)
	require.NoError(t, err)
	root, err := mgr.Hashlock()
	require.NoError(t, err)

	require.Equal(t, uint32(3), chain.RemainingParts(root, 3))
	require.Equal(t, []uint64{0, 1, 2}, chain.AvailablePartIndices(root, 3))

	params := testParams(t, clock.Now(), root)
	params.PartIndex = 1
	params.TotalParts = 3
	_, err = chain.CreateSourceEscrow(ctx, params)
	require.NoError(t, err)

	require.Equal(t, uint32(2), chain.RemainingParts(root, 3))
	require.Equal(t, []uint64{0, 2}, chain.AvailablePartIndices(root, 3))

	params.PartIndex = 0
	_, err = chain.CreateSourceEscrow(ctx, params)
	require.NoError(t, err)
	params.PartIndex = 2
	_, err = chain.CreateSourceEscrow(ctx, params)
	require.NoError(t, err)

	require.Equal(t, uint32(0), chain.RemainingParts(root, 3))
	require.Empty(t, chain.AvailablePartIndices(root, 3))
}

func TestCancelWindows(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	chain := inmemory.NewService(inmemory.WithClock(clock.Now))

	secret, err := commitment.RandomSecret()
	require.NoError(t, err)
	hashlock, err := commitment.HashSecret(secret)
	require.NoError(t, err)

	handle, err := chain.CreateSourceEscrow(ctx, testParams(t, clock.Now(), hashlock))
	require.NoError(t, err)

	t.Run("before cancellation start", func(t *testing.T) {
		err := chain.Cancel(ctx, handle, "maker")
		require.Error(t, err)
	})

	t.Run("private window restricted to creator", func(t *testing.T) {
		clock.Advance(10*time.Second + 86400*time.Second)
		err := chain.Cancel(ctx, handle, "stranger")
		require.Error(t, err)
	})

	t.Run("creator cancels, funds and deposit returned", func(t *testing.T) {
		err := chain.Cancel(ctx, handle, "maker")
		require.NoError(t, err)
		require.Equal(t, uint64(1000)+inmemory.SecurityDeposit, chain.Balance("maker"))
	})

	t.Run("withdraw after cancel rejected", func(t *testing.T) {
		err := chain.Withdraw(ctx, handle, "resolver", secret, nil)
		require.Error(t, err)
	})
}

func TestPublicCancellation(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	chain := inmemory.NewService(inmemory.WithClock(clock.Now))

	secret, err := commitment.RandomSecret()
	require.NoError(t, err)
	hashlock, err := commitment.HashSecret(secret)
	require.NoError(t, err)

	handle, err := chain.CreateSourceEscrow(ctx, testParams(t, clock.Now(), hashlock))
	require.NoError(t, err)

	clock.Advance(10*time.Second + (86400+3600)*time.Second)
	require.NoError(t, chain.Cancel(ctx, handle, "anyone"))
	require.Equal(t, uint64(1000)+inmemory.SecurityDeposit, chain.Balance("maker"))
}

func TestRescue(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	chain := inmemory.NewService(inmemory.WithClock(clock.Now))

	secret, err := commitment.RandomSecret()
	require.NoError(t, err)
	hashlock, err := commitment.HashSecret(secret)
	require.NoError(t, err)

	srcHandle, err := chain.CreateSourceEscrow(ctx, testParams(t, clock.Now(), hashlock))
	require.NoError(t, err)
	dstHandle, err := chain.CreateDestinationEscrow(ctx, testParams(t, clock.Now(), hashlock))
	require.NoError(t, err)

	t.Run("too early", func(t *testing.T) {
		err := chain.Rescue(ctx, srcHandle, "resolver")
		require.True(t, errors.Is(err, domain.ErrRescueUnavailable))
	})

	clock.Advance(10*time.Second + (86400+3600)*time.Second + domain.RescueDelay)

	t.Run("source rescued by recipient", func(t *testing.T) {
		require.Error(t, chain.Rescue(ctx, srcHandle, "maker"))
		require.NoError(t, chain.Rescue(ctx, srcHandle, "resolver"))
	})

	t.Run("destination rescued by creator", func(t *testing.T) {
		require.Error(t, chain.Rescue(ctx, dstHandle, "resolver"))
		require.NoError(t, chain.Rescue(ctx, dstHandle, "maker"))
	})
}

func TestFindEscrow(t *testing.T) {
	ctx := context.Background()
	chain := inmemory.NewService()

	secret, err := commitment.RandomSecret()
	require.NoError(t, err)
	digest := sha256.Sum256(secret)

	params := testParams(t, time.Now(), digest[:])
	handle, err := chain.CreateSourceEscrow(ctx, params)
	require.NoError(t, err)

	found, ok, err := chain.FindEscrow(ctx, domain.SourceEscrow, digest[:], 0)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, handle, found)

	_, ok, err = chain.FindEscrow(ctx, domain.DestinationEscrow, digest[:], 0)
	require.NoError(t, err)
	require.False(t, ok)
}
