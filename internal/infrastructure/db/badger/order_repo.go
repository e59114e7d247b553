package badgerdb

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/dgraph-io/badger/v4"
	"github.com/driftlockhq/driftlock/internal/core/domain"
	"github.com/timshannon/badgerhold/v4"
)

const (
	orderDir = "order"
)

type orderRepository struct {
	store *badgerhold.Store
}

func NewOrderRepository(baseDir string, logger badger.Logger) (domain.OrderRepository, error) {
	var dir string
	if len(baseDir) > 0 {
		dir = filepath.Join(baseDir, orderDir)
	}
	store, err := createDB(dir, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open order store: %s", err)
	}
	return &orderRepository{store}, nil
}

func (r *orderRepository) GetAll(ctx context.Context) ([]domain.Order, error) {
	var orderDataList []orderData
	err := r.store.Find(&orderDataList, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to get all orders: %w", err)
	}

	var orders []domain.Order
	for _, o := range orderDataList {
		order, err := o.toOrder()
		if err != nil {
			return nil, fmt.Errorf("failed to convert data to order: %w", err)
		}

		orders = append(orders, *order)
	}
	return orders, nil
}

func (r *orderRepository) Get(ctx context.Context, orderId string) (*domain.Order, error) {
	var orderData orderData
	err := r.store.Get(orderId, &orderData)
	if errors.Is(err, badgerhold.ErrNotFound) {
		return nil, fmt.Errorf("order %s: %w", orderId, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get order: %w", err)
	}

	return orderData.toOrder()
}

// Add stores a new Order in the database
func (r *orderRepository) Add(ctx context.Context, order domain.Order) error {
	orderData := toOrderData(order)

	if err := r.store.Insert(order.Id, orderData); err != nil {
		if errors.Is(err, badgerhold.ErrKeyExists) {
			return fmt.Errorf("order %s already exists", order.Id)
		}
		return err
	}
	return nil
}

func (r *orderRepository) Update(ctx context.Context, order domain.Order) error {
	if err := r.store.Update(order.Id, toOrderData(order)); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return fmt.Errorf("order %s: %w", order.Id, domain.ErrNotFound)
		}
		return err
	}
	return nil
}

func (r *orderRepository) Close() {
	// nolint:all
	r.store.Close()
}

type orderData struct {
	Id         string
	Maker      string
	Recipients []string
	SrcAmount  uint64
	DstAmount  uint64
	Hashlock   string
	PartsCount int
	Status     domain.OrderStatus
	Timestamp  int64
}

func toOrderData(order domain.Order) orderData {
	return orderData{
		Id:         order.Id,
		Maker:      order.Maker,
		Recipients: order.Recipients,
		SrcAmount:  order.SrcAmount,
		DstAmount:  order.DstAmount,
		Hashlock:   hex.EncodeToString(order.Hashlock),
		PartsCount: order.PartsCount,
		Status:     order.Status,
		Timestamp:  order.Timestamp,
	}
}

func (o *orderData) toOrder() (*domain.Order, error) {
	hashlock, err := hex.DecodeString(o.Hashlock)
	if err != nil {
		return nil, err
	}

	return &domain.Order{
		Id:         o.Id,
		Maker:      o.Maker,
		Recipients: o.Recipients,
		SrcAmount:  o.SrcAmount,
		DstAmount:  o.DstAmount,
		Hashlock:   hashlock,
		PartsCount: o.PartsCount,
		Status:     o.Status,
		Timestamp:  o.Timestamp,
	}, nil
}
