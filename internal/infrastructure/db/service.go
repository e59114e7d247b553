package db

import (
	"fmt"
	"strings"

	"github.com/dgraph-io/badger/v4"
	"github.com/driftlockhq/driftlock/internal/core/domain"
	"github.com/driftlockhq/driftlock/internal/core/ports"
	badgerdb "github.com/driftlockhq/driftlock/internal/infrastructure/db/badger"
)

var (
	allowedTypes = strings.Join([]string{"badger"}, ",")
)

type ServiceConfig struct {
	DbType   string
	DbConfig []any
}

type service struct {
	orderRepo  domain.OrderRepository
	escrowRepo domain.EscrowRepository
	unitRepo   domain.UnitRepository
}

func NewService(config ServiceConfig) (ports.RepoManager, error) {
	var (
		orderRepo  domain.OrderRepository
		escrowRepo domain.EscrowRepository
		unitRepo   domain.UnitRepository
		err        error
	)
	switch config.DbType {
	case "badger":
		if len(config.DbConfig) != 2 {
			return nil, fmt.Errorf("badger db config must have 2 elements, got %d", len(config.DbConfig))
		}
		baseDir, ok := config.DbConfig[0].(string)
		if !ok {
			return nil, fmt.Errorf("invalid base directory")
		}
		var logger badger.Logger
		if config.DbConfig[1] != nil {
			logger, ok = config.DbConfig[1].(badger.Logger)
			if !ok {
				return nil, fmt.Errorf("invalid logger")
			}
		}
		orderRepo, err = badgerdb.NewOrderRepository(baseDir, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to open order db: %s", err)
		}
		escrowRepo, err = badgerdb.NewEscrowRepository(baseDir, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to open escrow db: %s", err)
		}
		unitRepo, err = badgerdb.NewUnitRepository(baseDir, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to open unit db: %s", err)
		}
	default:
		return nil, fmt.Errorf("unsupported db type %s, please select one of %s", config.DbType, allowedTypes)
	}

	return &service{
		orderRepo:  orderRepo,
		escrowRepo: escrowRepo,
		unitRepo:   unitRepo,
	}, nil
}

func (s *service) Orders() domain.OrderRepository {
	return s.orderRepo
}

func (s *service) Escrows() domain.EscrowRepository {
	return s.escrowRepo
}

func (s *service) Units() domain.UnitRepository {
	return s.unitRepo
}

func (s *service) Close() {
	s.orderRepo.Close()
	s.escrowRepo.Close()
	s.unitRepo.Close()
}
