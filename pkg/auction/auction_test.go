package auction_test

import (
	"sync"
	"testing"
	"time"

	"github.com/driftlockhq/driftlock/pkg/auction"
	"github.com/stretchr/testify/require"
)

func TestPriceAt(t *testing.T) {
	start, min := 100.0, 40.0
	duration := time.Minute

	require.Equal(t, start, auction.PriceAt(start, min, 0, duration))
	require.Equal(t, min, auction.PriceAt(start, min, duration, duration))
	require.Equal(t, min, auction.PriceAt(start, min, 2*duration, duration))
	require.Equal(t, start, auction.PriceAt(start, min, -time.Second, duration))

	// Halfway down the curve.
	require.InDelta(t, 70.0, auction.PriceAt(start, min, 30*time.Second, duration), 1e-9)

	// Non-increasing in t.
	prev := start
	for elapsed := time.Duration(0); elapsed <= duration; elapsed += 5 * time.Second {
		p := auction.PriceAt(start, min, elapsed, duration)
		require.LessOrEqual(t, p, prev)
		prev = p
	}
}

func TestSingleAuctionConfirm(t *testing.T) {
	engine := auction.NewEngine()
	defer engine.Stop()

	events, cancel := engine.Subscribe()
	defer cancel()

	err := engine.StartSingle(auction.Params{
		OrderID: "order-1", StartPrice: 100, MinPrice: 40, Duration: time.Minute,
	})
	require.NoError(t, err)

	ev := <-events
	require.Equal(t, auction.EventNewSingleAuction, ev.Type)
	require.Equal(t, "order-1", ev.OrderID)

	res, err := engine.ConfirmSingle("order-1", "resolver-a")
	require.NoError(t, err)
	require.Equal(t, "resolver-a", res.Winner)
	require.LessOrEqual(t, res.ClearingPrice, 100.0)

	ev = <-events
	require.Equal(t, auction.EventSingleAuctionCompleted, ev.Type)
	require.Equal(t, "resolver-a", ev.Winner)

	// Second confirmation for the same order is rejected.
	_, err = engine.ConfirmSingle("order-1", "resolver-b")
	require.ErrorIs(t, err, auction.ErrConflict)

	_, err = engine.ConfirmSingle("no-such-order", "resolver-a")
	require.ErrorIs(t, err, auction.ErrUnknownAuction)
}

func TestConcurrentConfirmationsSingleWinner(t *testing.T) {
	engine := auction.NewEngine()
	defer engine.Stop()

	err := engine.StartSegmented(auction.Params{
		OrderID: "order-2", StartPrice: 10, MinPrice: 1, Duration: time.Minute,
	}, []auction.SegmentSpec{{ID: 0, Amount: 100}, {ID: 1, Amount: 100}})
	require.NoError(t, err)

	const racers = 16
	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0
	conflicts := 0

	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := engine.ConfirmSegment("order-2", 1, string(rune('a'+i)))
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				winners++
			} else {
				require.ErrorIs(t, err, auction.ErrConflict)
				conflicts++
			}
		}(i)
	}
	wg.Wait()

	require.Equal(t, 1, winners)
	require.Equal(t, racers-1, conflicts)
}

func TestSegmentedAuctionIndependentSegments(t *testing.T) {
	engine := auction.NewEngine()
	defer engine.Stop()

	events, cancel := engine.Subscribe()
	defer cancel()

	err := engine.StartSegmented(auction.Params{
		OrderID: "order-3", StartPrice: 100, MinPrice: 40, Duration: time.Minute,
	}, []auction.SegmentSpec{
		{ID: 0, Amount: 250},
		{ID: 1, Amount: 250},
		{ID: 2, Amount: 250},
	})
	require.NoError(t, err)
	<-events // new_segmented_auction

	res, err := engine.ConfirmSegment("order-3", 1, "resolver-x")
	require.NoError(t, err)
	require.Equal(t, 1, res.SegmentID)

	ev := <-events
	require.Equal(t, auction.EventSegmentEnded, ev.Type)
	require.Equal(t, 1, ev.SegmentID)
	require.InDelta(t, 1.0/3.0, ev.Progress, 1e-9)

	// Sibling segments stay open and winnable.
	_, err = engine.ConfirmSegment("order-3", 0, "resolver-y")
	require.NoError(t, err)
	_, err = engine.ConfirmSegment("order-3", 1, "resolver-z")
	require.ErrorIs(t, err, auction.ErrConflict)
}

func TestAuctionExpiry(t *testing.T) {
	current := time.Now()
	var mu sync.Mutex
	now := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return current
	}

	engine := auction.NewEngine(
		auction.WithTick(5*time.Millisecond), auction.WithClock(now),
	)
	engine.Start()
	defer engine.Stop()

	events, cancel := engine.Subscribe()
	defer cancel()

	err := engine.StartSingle(auction.Params{
		OrderID: "order-4", StartPrice: 100, MinPrice: 40, Duration: time.Minute,
	})
	require.NoError(t, err)
	<-events

	mu.Lock()
	current = current.Add(2 * time.Minute)
	mu.Unlock()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Type == auction.EventSingleAuctionCompleted {
				require.Equal(t, "expired", ev.Status)
				require.Equal(t, 40.0, ev.Price)
				_, err = engine.ConfirmSingle("order-4", "late-resolver")
				require.ErrorIs(t, err, auction.ErrNotActive)
				return
			}
		case <-deadline:
			t.Fatal("auction did not expire")
		}
	}
}

func TestConfirmRejectsEmptyResolver(t *testing.T) {
	engine := auction.NewEngine()
	defer engine.Stop()

	err := engine.StartSingle(auction.Params{
		OrderID: "order-6", StartPrice: 10, MinPrice: 5, Duration: time.Minute,
	})
	require.NoError(t, err)

	_, err = engine.ConfirmSingle("order-6", "")
	require.ErrorIs(t, err, auction.ErrEmptyResolver)

	// The auction stays open and winnable after the rejected confirmation.
	res, err := engine.ConfirmSingle("order-6", "resolver-a")
	require.NoError(t, err)
	require.Equal(t, "resolver-a", res.Winner)

	err = engine.StartSegmented(auction.Params{
		OrderID: "order-7", StartPrice: 10, MinPrice: 5, Duration: time.Minute,
	}, []auction.SegmentSpec{{ID: 0, Amount: 1}})
	require.NoError(t, err)

	_, err = engine.ConfirmSegment("order-7", 0, "")
	require.ErrorIs(t, err, auction.ErrEmptyResolver)

	res, err = engine.ConfirmSegment("order-7", 0, "resolver-b")
	require.NoError(t, err)
	require.Equal(t, "resolver-b", res.Winner)
}

func TestSegmentedParentCompletion(t *testing.T) {
	engine := auction.NewEngine()
	defer engine.Stop()

	events, cancel := engine.Subscribe()
	defer cancel()

	err := engine.StartSegmented(auction.Params{
		OrderID: "order-5", StartPrice: 10, MinPrice: 5, Duration: time.Minute,
	}, []auction.SegmentSpec{{ID: 0, Amount: 1}, {ID: 1, Amount: 1}})
	require.NoError(t, err)
	<-events

	_, err = engine.ConfirmSegment("order-5", 0, "r0")
	require.NoError(t, err)
	_, err = engine.ConfirmSegment("order-5", 1, "r1")
	require.NoError(t, err)

	var sawParentCompleted bool
	deadline := time.After(time.Second)
	for !sawParentCompleted {
		select {
		case ev := <-events:
			if ev.Type == auction.EventSegmentedAuctionCompleted {
				require.Equal(t, "order-5", ev.OrderID)
				sawParentCompleted = true
			}
		case <-deadline:
			t.Fatal("parent auction never completed")
		}
	}
}
