package badgerdb

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/dgraph-io/badger/v4"
	"github.com/driftlockhq/driftlock/internal/core/domain"
	"github.com/timshannon/badgerhold/v4"
)

const (
	unitDir = "unit"
)

type unitRepository struct {
	store *badgerhold.Store
}

func NewUnitRepository(baseDir string, logger badger.Logger) (domain.UnitRepository, error) {
	var dir string
	if len(baseDir) > 0 {
		dir = filepath.Join(baseDir, unitDir)
	}
	store, err := createDB(dir, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open unit store: %s", err)
	}
	return &unitRepository{store}, nil
}

func (r *unitRepository) GetAll(ctx context.Context) ([]domain.SwapUnit, error) {
	var units []domain.SwapUnit
	if err := r.store.Find(&units, nil); err != nil {
		return nil, fmt.Errorf("failed to get all units: %w", err)
	}
	return units, nil
}

func (r *unitRepository) Get(ctx context.Context, unitId string) (*domain.SwapUnit, error) {
	var unit domain.SwapUnit
	err := r.store.Get(unitId, &unit)
	if errors.Is(err, badgerhold.ErrNotFound) {
		return nil, fmt.Errorf("unit %s: %w", unitId, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get unit: %w", err)
	}
	return &unit, nil
}

func (r *unitRepository) GetByOrder(ctx context.Context, orderId string) ([]domain.SwapUnit, error) {
	var units []domain.SwapUnit
	err := r.store.Find(&units, badgerhold.Where("OrderId").Eq(orderId))
	if err != nil {
		return nil, fmt.Errorf("failed to get units for order %s: %w", orderId, err)
	}
	return units, nil
}

func (r *unitRepository) Add(ctx context.Context, unit domain.SwapUnit) error {
	if err := r.store.Insert(unit.Id, unit); err != nil {
		if errors.Is(err, badgerhold.ErrKeyExists) {
			return fmt.Errorf("unit %s already exists", unit.Id)
		}
		return err
	}
	return nil
}

func (r *unitRepository) Update(ctx context.Context, unit domain.SwapUnit) error {
	if err := r.store.Update(unit.Id, unit); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return fmt.Errorf("unit %s: %w", unit.Id, domain.ErrNotFound)
		}
		return err
	}
	return nil
}

func (r *unitRepository) Close() {
	// nolint:all
	r.store.Close()
}
