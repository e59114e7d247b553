package auction

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const defaultTick = time.Second

// Engine runs decaying-price auctions and arbitrates exactly one winner per
// order or per (order, segment). Confirmations race on a mutex-guarded winner
// registry: the first one is binding, later ones fail with ErrConflict.
type Engine struct {
	mu       sync.Mutex
	auctions map[string]*auctionState
	subs     map[int]chan Event
	nextSub  int
	tick     time.Duration
	now      func() time.Time
	quit     chan struct{}
	stopOnce sync.Once
}

// Option customises an Engine.
type Option func(*Engine)

// WithTick overrides the price broadcast interval.
func WithTick(d time.Duration) Option {
	return func(e *Engine) { e.tick = d }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates an engine. Start must be called before auctions progress.
func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		auctions: make(map[string]*auctionState),
		subs:     make(map[int]chan Event),
		tick:     defaultTick,
		now:      time.Now,
		quit:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Start launches the broadcast loop.
func (e *Engine) Start() {
	go e.loop()
}

// Stop terminates the broadcast loop and closes subscriber channels.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		close(e.quit)
		e.mu.Lock()
		defer e.mu.Unlock()
		for id, ch := range e.subs {
			close(ch)
			delete(e.subs, id)
		}
	})
}

// Subscribe returns a channel of engine events and a cancel func. Slow
// subscribers drop events rather than stall the engine.
func (e *Engine) Subscribe() (<-chan Event, func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	id := e.nextSub
	e.nextSub++
	ch := make(chan Event, 64)
	e.subs[id] = ch
	cancel := func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		if sub, ok := e.subs[id]; ok {
			close(sub)
			delete(e.subs, id)
		}
	}
	return ch, cancel
}

// publish fans an event out to all subscribers. Callers must hold e.mu.
func (e *Engine) publish(ev Event) {
	for _, ch := range e.subs {
		select {
		case ch <- ev:
		default:
			logrus.WithFields(logrus.Fields{
				"type":  ev.Type,
				"order": ev.OrderID,
			}).Warn("auction: dropping event for slow subscriber")
		}
	}
}

// StartSingle registers a single-curve auction for the whole order.
func (e *Engine) StartSingle(params Params) error {
	if err := params.validate(); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.auctions[params.OrderID]; ok {
		return fmt.Errorf("auction for order %s already exists", params.OrderID)
	}
	e.auctions[params.OrderID] = &auctionState{
		params:    params,
		status:    StatusActive,
		startedAt: e.now(),
	}
	e.publish(Event{
		Type:    EventNewSingleAuction,
		OrderID: params.OrderID,
		Price:   params.StartPrice,
		Status:  StatusActive.String(),
	})
	return nil
}

// StartSegmented registers one independent price curve per segment. Each
// segment times out and is won independently of its siblings.
func (e *Engine) StartSegmented(params Params, specs []SegmentSpec) error {
	if err := params.validate(); err != nil {
		return err
	}
	if len(specs) == 0 {
		return fmt.Errorf("segmented auction for order %s has no segments", params.OrderID)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.auctions[params.OrderID]; ok {
		return fmt.Errorf("auction for order %s already exists", params.OrderID)
	}

	now := e.now()
	segments := make(map[int]*segmentState, len(specs))
	for _, spec := range specs {
		if _, ok := segments[spec.ID]; ok {
			return fmt.Errorf("duplicate segment id %d for order %s", spec.ID, params.OrderID)
		}
		if spec.StartPrice == 0 && spec.MinPrice == 0 {
			spec.StartPrice, spec.MinPrice = params.StartPrice, params.MinPrice
		}
		if spec.Duration == 0 {
			spec.Duration = params.Duration
		}
		segments[spec.ID] = &segmentState{spec: spec, status: StatusActive, startedAt: now}
	}
	e.auctions[params.OrderID] = &auctionState{
		params:    params,
		segmented: true,
		segments:  segments,
		status:    StatusActive,
		startedAt: now,
	}
	e.publish(Event{
		Type:    EventNewSegmentedAuction,
		OrderID: params.OrderID,
		Price:   params.StartPrice,
		Status:  StatusActive.String(),
	})
	return nil
}

// ConfirmSingle records the first resolver confirmation for an order as the
// binding winner. An empty resolver identity is rejected: the winner field
// doubles as the won/expired discriminator on completion events.
func (e *Engine) ConfirmSingle(orderID, resolver string) (*Result, error) {
	if resolver == "" {
		return nil, ErrEmptyResolver
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	state, ok := e.auctions[orderID]
	if !ok || state.segmented {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAuction, orderID)
	}
	if state.status == StatusCompleted {
		return nil, fmt.Errorf("%w: order %s won by %s", ErrConflict, orderID, state.winner)
	}
	if state.status != StatusActive {
		return nil, fmt.Errorf("%w: order %s is %s", ErrNotActive, orderID, state.status)
	}

	price := PriceAt(
		state.params.StartPrice, state.params.MinPrice,
		e.now().Sub(state.startedAt), state.params.Duration,
	)
	state.status = StatusCompleted
	state.winner = resolver
	state.clearing = price

	e.publish(Event{
		Type:    EventSingleAuctionCompleted,
		OrderID: orderID,
		Winner:  resolver,
		Price:   price,
		Status:  StatusCompleted.String(),
	})
	return &Result{OrderID: orderID, Winner: resolver, ClearingPrice: price}, nil
}

// ConfirmSegment records the first resolver confirmation for one segment.
// Sibling segments are unaffected.
func (e *Engine) ConfirmSegment(orderID string, segmentID int, resolver string) (*Result, error) {
	if resolver == "" {
		return nil, ErrEmptyResolver
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	state, ok := e.auctions[orderID]
	if !ok || !state.segmented {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAuction, orderID)
	}
	seg, ok := state.segments[segmentID]
	if !ok {
		return nil, fmt.Errorf("%w: order %s segment %d", ErrUnknownAuction, orderID, segmentID)
	}
	if seg.status == StatusCompleted {
		return nil, fmt.Errorf(
			"%w: order %s segment %d won by %s", ErrConflict, orderID, segmentID, seg.winner,
		)
	}
	if seg.status != StatusActive {
		return nil, fmt.Errorf(
			"%w: order %s segment %d is %s", ErrNotActive, orderID, segmentID, seg.status,
		)
	}

	price := PriceAt(
		seg.spec.StartPrice, seg.spec.MinPrice,
		e.now().Sub(seg.startedAt), seg.spec.Duration,
	)
	seg.status = StatusCompleted
	seg.winner = resolver
	seg.clearing = price

	_, terminal := state.segmentsDone()
	e.publish(Event{
		Type:      EventSegmentEnded,
		OrderID:   orderID,
		SegmentID: segmentID,
		Winner:    resolver,
		Price:     price,
		Status:    StatusCompleted.String(),
		Progress:  float64(terminal) / float64(len(state.segments)),
	})
	e.finishIfDone(state)

	return &Result{
		OrderID: orderID, SegmentID: segmentID, Winner: resolver, ClearingPrice: price,
	}, nil
}

// Price reports the current price of a single auction or segment.
func (e *Engine) Price(orderID string, segmentID int) (float64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	state, ok := e.auctions[orderID]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownAuction, orderID)
	}
	now := e.now()
	if !state.segmented {
		return PriceAt(
			state.params.StartPrice, state.params.MinPrice,
			now.Sub(state.startedAt), state.params.Duration,
		), nil
	}
	seg, ok := state.segments[segmentID]
	if !ok {
		return 0, fmt.Errorf("%w: order %s segment %d", ErrUnknownAuction, orderID, segmentID)
	}
	return PriceAt(
		seg.spec.StartPrice, seg.spec.MinPrice, now.Sub(seg.startedAt), seg.spec.Duration,
	), nil
}

// Active returns snapshots of every auction that still has an open curve.
func (e *Engine) Active() []Event {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	var out []Event
	for id, state := range e.auctions {
		if !state.segmented {
			if state.status != StatusActive {
				continue
			}
			out = append(out, Event{
				Type:    EventSingleAuctionUpdate,
				OrderID: id,
				Price: PriceAt(
					state.params.StartPrice, state.params.MinPrice,
					now.Sub(state.startedAt), state.params.Duration,
				),
				Status: state.status.String(),
			})
			continue
		}
		for segID, seg := range state.segments {
			if seg.status != StatusActive {
				continue
			}
			out = append(out, Event{
				Type:      EventSegmentUpdate,
				OrderID:   id,
				SegmentID: segID,
				Amount:    seg.spec.Amount,
				Price: PriceAt(
					seg.spec.StartPrice, seg.spec.MinPrice,
					now.Sub(seg.startedAt), seg.spec.Duration,
				),
				Status: seg.status.String(),
			})
		}
	}
	return out
}

func (e *Engine) loop() {
	ticker := time.NewTicker(e.tick)
	defer ticker.Stop()
	for {
		select {
		case <-e.quit:
			return
		case <-ticker.C:
			e.broadcastPrices()
		}
	}
}

// broadcastPrices pushes a price update for every active curve and expires
// the ones past their duration.
func (e *Engine) broadcastPrices() {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	for id, state := range e.auctions {
		if !state.segmented {
			if state.status != StatusActive {
				continue
			}
			elapsed := now.Sub(state.startedAt)
			if elapsed >= state.params.Duration {
				state.status = StatusExpired
				e.publish(Event{
					Type:    EventSingleAuctionCompleted,
					OrderID: id,
					Price:   state.params.MinPrice,
					Status:  StatusExpired.String(),
				})
				continue
			}
			e.publish(Event{
				Type:    EventSingleAuctionUpdate,
				OrderID: id,
				Price: PriceAt(
					state.params.StartPrice, state.params.MinPrice,
					elapsed, state.params.Duration,
				),
				Status: StatusActive.String(),
			})
			continue
		}

		for segID, seg := range state.segments {
			if seg.status != StatusActive {
				continue
			}
			elapsed := now.Sub(seg.startedAt)
			if elapsed >= seg.spec.Duration {
				seg.status = StatusExpired
				_, terminal := state.segmentsDone()
				e.publish(Event{
					Type:      EventSegmentEnded,
					OrderID:   id,
					SegmentID: segID,
					Price:     seg.spec.MinPrice,
					Status:    StatusExpired.String(),
					Progress:  float64(terminal) / float64(len(state.segments)),
				})
				continue
			}
			e.publish(Event{
				Type:      EventSegmentUpdate,
				OrderID:   id,
				SegmentID: segID,
				Amount:    seg.spec.Amount,
				Price: PriceAt(
					seg.spec.StartPrice, seg.spec.MinPrice, elapsed, seg.spec.Duration,
				),
				Status:   StatusActive.String(),
				Progress: state.progress(),
			})
		}
		e.finishIfDone(state)
	}
}

func (a *auctionState) progress() float64 {
	_, terminal := a.segmentsDone()
	return float64(terminal) / float64(len(a.segments))
}

// finishIfDone completes a segmented parent once every segment is terminal.
// Callers must hold e.mu.
func (e *Engine) finishIfDone(state *auctionState) {
	if !state.segmented || state.status != StatusActive {
		return
	}
	_, terminal := state.segmentsDone()
	if terminal < len(state.segments) {
		return
	}
	state.status = StatusCompleted
	e.publish(Event{
		Type:    EventSegmentedAuctionCompleted,
		OrderID: state.params.OrderID,
		Status:  StatusCompleted.String(),
	})
}
