package application

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/driftlockhq/driftlock/internal/core/domain"
	"github.com/driftlockhq/driftlock/internal/core/ports"
	"github.com/driftlockhq/driftlock/pkg/auction"
	"github.com/driftlockhq/driftlock/pkg/commitment"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

type BuildInfo struct {
	Version string
	Commit  string
	Date    string
}

// SecretStore is where the maker side of the process parks order secrets
// until a winning resolver requests them.
type SecretStore interface {
	RegisterSingle(orderId string, secret []byte) error
	RegisterPartial(orderId string, mgr *commitment.PartialFillOrderManager) error
	Forget(orderId string)
}

// OrderRequest is the maker's intent: how much to swap, how many parts the
// order may be filled in, and the auction price curve.
type OrderRequest struct {
	Maker      string
	Recipient  string
	SrcAmount  uint64
	DstAmount  uint64
	PartsCount int
	StartPrice float64
	MinPrice   float64
	Duration   time.Duration
}

func (r OrderRequest) validate() error {
	if r.Maker == "" || r.Recipient == "" {
		return fmt.Errorf("%w: maker and recipient are required", domain.ErrValidation)
	}
	if r.SrcAmount == 0 || r.DstAmount == 0 {
		return fmt.Errorf("%w: amounts must be positive", domain.ErrValidation)
	}
	if r.PartsCount < 0 {
		return fmt.Errorf("%w: invalid parts count", domain.ErrValidation)
	}
	if r.StartPrice <= 0 || r.MinPrice <= 0 || r.StartPrice < r.MinPrice {
		return fmt.Errorf("%w: invalid price curve", domain.ErrValidation)
	}
	if r.Duration <= 0 {
		return fmt.Errorf("%w: invalid auction duration", domain.ErrValidation)
	}
	return nil
}

// Service owns the order lifecycle: it mints the secret material, runs the
// auction, and hands each winning (order, segment) to the coordinator as a
// swap unit.
type Service struct {
	BuildInfo BuildInfo

	repoManager ports.RepoManager
	engine      *auction.Engine
	coordinator *Coordinator
	secretStore SecretStore

	eg     *errgroup.Group
	unsub  func()
	stopCh chan struct{}
}

func NewService(
	buildInfo BuildInfo,
	repoManager ports.RepoManager,
	engine *auction.Engine,
	coordinator *Coordinator,
	secretStore SecretStore,
) *Service {
	return &Service{
		BuildInfo:   buildInfo,
		repoManager: repoManager,
		engine:      engine,
		coordinator: coordinator,
		secretStore: secretStore,
		eg:          &errgroup.Group{},
		stopCh:      make(chan struct{}),
	}
}

// Start begins consuming auction outcomes. Winning confirmations spawn unit
// pipelines; expiries settle the order.
func (s *Service) Start() {
	events, unsub := s.engine.Subscribe()
	s.unsub = unsub
	go s.consumeAuctionEvents(events)
}

// Stop waits for in-flight unit pipelines to finish.
func (s *Service) Stop() {
	close(s.stopCh)
	if s.unsub != nil {
		s.unsub()
	}
	// nolint:all
	s.eg.Wait()
}

// CreateOrder registers a new swap order and opens its auction. Orders with
// PartsCount > 1 get one auction segment per part, each independently priced
// and won.
func (s *Service) CreateOrder(ctx context.Context, req OrderRequest) (*domain.Order, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	partsCount := req.PartsCount
	if partsCount == 0 {
		partsCount = 1
	}

	order := domain.Order{
		Id:         uuid.NewString(),
		Maker:      req.Maker,
		Recipients: []string{req.Recipient},
		SrcAmount:  req.SrcAmount,
		DstAmount:  req.DstAmount,
		PartsCount: partsCount,
		Status:     domain.OrderCreated,
		Timestamp:  time.Now().Unix(),
	}

	if partsCount > 1 {
		mgr, err := commitment.NewPartialFillOrderManager(partsCount)
		if err != nil {
			return nil, err
		}
		hashlock, err := mgr.Hashlock()
		if err != nil {
			return nil, err
		}
		order.Hashlock = hashlock
		if err := s.secretStore.RegisterPartial(order.Id, mgr); err != nil {
			return nil, err
		}
	} else {
		secret, err := commitment.RandomSecret()
		if err != nil {
			return nil, err
		}
		hashlock, err := commitment.ForSingleFill(secret)
		if err != nil {
			return nil, err
		}
		order.Hashlock = hashlock
		if err := s.secretStore.RegisterSingle(order.Id, secret); err != nil {
			return nil, err
		}
	}

	if err := order.Validate(); err != nil {
		s.secretStore.Forget(order.Id)
		return nil, err
	}
	if err := s.repoManager.Orders().Add(ctx, order); err != nil {
		s.secretStore.Forget(order.Id)
		return nil, err
	}

	params := auction.Params{
		OrderID:    order.Id,
		StartPrice: req.StartPrice,
		MinPrice:   req.MinPrice,
		Duration:   req.Duration,
	}
	var err error
	if partsCount > 1 {
		err = s.engine.StartSegmented(params, segmentSpecs(order))
	} else {
		err = s.engine.StartSingle(params)
	}
	if err != nil {
		s.secretStore.Forget(order.Id)
		return nil, err
	}

	order.Status = domain.OrderAuctionActive
	if err := s.repoManager.Orders().Update(ctx, order); err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"order": order.Id,
		"parts": partsCount,
	}).Info("order created, auction started")
	return &order, nil
}

// segmentSpecs splits the source amount evenly across segments, with the
// last one absorbing the rounding remainder.
func segmentSpecs(order domain.Order) []auction.SegmentSpec {
	parts := uint64(order.PartsCount)
	share := order.SrcAmount / parts
	specs := make([]auction.SegmentSpec, order.PartsCount)
	for i := range specs {
		amount := share
		if i == order.PartsCount-1 {
			amount = order.SrcAmount - share*(parts-1)
		}
		specs[i] = auction.SegmentSpec{ID: i, Amount: amount}
	}
	return specs
}

// ConfirmSingle records a resolver's claim on a whole-order auction. Exactly
// one confirmation per order succeeds.
func (s *Service) ConfirmSingle(ctx context.Context, orderId, resolver string) (*auction.Result, error) {
	res, err := s.engine.ConfirmSingle(orderId, resolver)
	if err != nil {
		return nil, wrapAuctionErr(err)
	}
	return res, nil
}

// ConfirmSegment records a resolver's claim on one auction segment.
func (s *Service) ConfirmSegment(
	ctx context.Context, orderId string, segmentId int, resolver string,
) (*auction.Result, error) {
	res, err := s.engine.ConfirmSegment(orderId, segmentId, resolver)
	if err != nil {
		return nil, wrapAuctionErr(err)
	}
	return res, nil
}

func wrapAuctionErr(err error) error {
	switch {
	case errors.Is(err, auction.ErrConflict):
		return fmt.Errorf("%w: %s", domain.ErrConcurrencyConflict, err)
	case errors.Is(err, auction.ErrUnknownAuction):
		return fmt.Errorf("%w: %s", domain.ErrNotFound, err)
	case errors.Is(err, auction.ErrEmptyResolver):
		return fmt.Errorf("%w: %s", domain.ErrValidation, err)
	default:
		return err
	}
}

// ActiveAuctions snapshots every open price curve.
func (s *Service) ActiveAuctions() []auction.Event {
	return s.engine.Active()
}

func (s *Service) GetOrder(ctx context.Context, orderId string) (*domain.Order, error) {
	return s.repoManager.Orders().Get(ctx, orderId)
}

func (s *Service) ListOrders(ctx context.Context) ([]domain.Order, error) {
	return s.repoManager.Orders().GetAll(ctx)
}

func (s *Service) GetUnits(ctx context.Context, orderId string) ([]domain.SwapUnit, error) {
	return s.repoManager.Units().GetByOrder(ctx, orderId)
}

func (s *Service) consumeAuctionEvents(events <-chan auction.Event) {
	for {
		select {
		case <-s.stopCh:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			s.handleAuctionEvent(ev)
		}
	}
}

func (s *Service) handleAuctionEvent(ev auction.Event) {
	switch ev.Type {
	case auction.EventSingleAuctionCompleted:
		// Expiry and winning completions share this event type; the status
		// field is the discriminator, never the winner string.
		if ev.Status == auction.StatusExpired.String() {
			s.expireOrder(ev.OrderID)
			return
		}
		if ev.Winner == "" {
			return
		}
		s.spawnUnit(ev.OrderID, -1, ev.Winner, ev.Price, ev.Amount)
	case auction.EventSegmentEnded:
		if ev.Status == auction.StatusExpired.String() || ev.Winner == "" {
			return
		}
		s.spawnUnit(ev.OrderID, ev.SegmentID, ev.Winner, ev.Price, ev.Amount)
	case auction.EventSegmentedAuctionCompleted:
		// The parent finishing with no winning segment means full expiry.
		s.expireIfUnfilled(ev.OrderID)
	}
}

// spawnUnit persists the winning fill as a swap unit and runs its escrow
// pipeline in the background.
func (s *Service) spawnUnit(orderId string, segmentId int, winner string, price float64, amount uint64) {
	ctx := context.Background()
	order, err := s.repoManager.Orders().Get(ctx, orderId)
	if err != nil {
		logrus.WithError(err).WithField("order", orderId).Warn("won auction for unknown order")
		return
	}

	unitId := orderId
	partIndex := uint64(0)
	if segmentId >= 0 {
		unitId = fmt.Sprintf("%s:%d", orderId, segmentId)
		partIndex = uint64(segmentId)
	}
	if amount == 0 {
		amount = order.SrcAmount
		if order.MultiFill() {
			amount = segmentSpecs(*order)[segmentId].Amount
		}
	}

	unit := domain.SwapUnit{
		Id:            unitId,
		OrderId:       orderId,
		SegmentId:     segmentId,
		PartIndex:     partIndex,
		TotalParts:    uint32(order.PartsCount),
		Amount:        amount,
		Resolver:      winner,
		ClearingPrice: price,
		Status:        domain.UnitResolverDeclared,
		Timestamp:     time.Now().Unix(),
	}
	if err := s.repoManager.Units().Add(ctx, unit); err != nil {
		logrus.WithError(err).WithField("unit", unitId).Warn("failed to persist unit")
		return
	}

	if order.Status != domain.OrderInProgress {
		order.Status = domain.OrderInProgress
		if err := s.repoManager.Orders().Update(ctx, *order); err != nil {
			logrus.WithError(err).WithField("order", orderId).Warn("failed to persist order status")
		}
	}

	s.eg.Go(func() error {
		if err := s.coordinator.RunUnit(context.Background(), *order, unit); err != nil {
			logrus.WithError(err).WithField("unit", unitId).Warn("unit pipeline failed")
		}
		return nil
	})
}

func (s *Service) expireOrder(orderId string) {
	ctx := context.Background()
	order, err := s.repoManager.Orders().Get(ctx, orderId)
	if err != nil {
		return
	}
	if order.Status != domain.OrderAuctionActive {
		return
	}
	order.Status = domain.OrderExpired
	if err := s.repoManager.Orders().Update(ctx, *order); err != nil {
		logrus.WithError(err).WithField("order", orderId).Warn("failed to persist order expiry")
	}
	s.secretStore.Forget(orderId)
}

func (s *Service) expireIfUnfilled(orderId string) {
	ctx := context.Background()
	units, err := s.repoManager.Units().GetByOrder(ctx, orderId)
	if err != nil || len(units) > 0 {
		return
	}
	s.expireOrder(orderId)
}
