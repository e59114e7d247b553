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
	escrowDir = "escrow"
)

type escrowRepository struct {
	store *badgerhold.Store
}

func NewEscrowRepository(baseDir string, logger badger.Logger) (domain.EscrowRepository, error) {
	var dir string
	if len(baseDir) > 0 {
		dir = filepath.Join(baseDir, escrowDir)
	}
	store, err := createDB(dir, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open escrow store: %s", err)
	}
	return &escrowRepository{store}, nil
}

func (r *escrowRepository) GetAll(ctx context.Context) ([]domain.Escrow, error) {
	var escrowDataList []escrowData
	err := r.store.Find(&escrowDataList, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to get all escrows: %w", err)
	}

	var escrows []domain.Escrow
	for _, e := range escrowDataList {
		escrow, err := e.toEscrow()
		if err != nil {
			return nil, fmt.Errorf("failed to convert data to escrow: %w", err)
		}

		escrows = append(escrows, *escrow)
	}
	return escrows, nil
}

func (r *escrowRepository) Get(ctx context.Context, handle string) (*domain.Escrow, error) {
	var escrowData escrowData
	err := r.store.Get(handle, &escrowData)
	if errors.Is(err, badgerhold.ErrNotFound) {
		return nil, fmt.Errorf("escrow %s: %w", handle, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get escrow: %w", err)
	}

	return escrowData.toEscrow()
}

func (r *escrowRepository) GetByOrder(ctx context.Context, orderId string) ([]domain.Escrow, error) {
	var escrowDataList []escrowData
	err := r.store.Find(&escrowDataList, badgerhold.Where("OrderId").Eq(orderId))
	if err != nil {
		return nil, fmt.Errorf("failed to get escrows for order %s: %w", orderId, err)
	}

	var escrows []domain.Escrow
	for _, e := range escrowDataList {
		escrow, err := e.toEscrow()
		if err != nil {
			return nil, fmt.Errorf("failed to convert data to escrow: %w", err)
		}

		escrows = append(escrows, *escrow)
	}
	return escrows, nil
}

func (r *escrowRepository) Add(ctx context.Context, escrow domain.Escrow) error {
	escrowData := toEscrowData(escrow)

	if err := r.store.Insert(escrow.Handle, escrowData); err != nil {
		if errors.Is(err, badgerhold.ErrKeyExists) {
			return fmt.Errorf("escrow %s already exists", escrow.Handle)
		}
		return err
	}
	return nil
}

func (r *escrowRepository) Close() {
	// nolint:all
	r.store.Close()
}

type escrowData struct {
	Handle          string
	Chain           string
	Side            domain.EscrowSide
	OrderId         string
	Creator         string
	Recipient       string
	Amount          uint64
	SecurityDeposit uint64
	Hashlock        string
	Windows         domain.TimeWindows
	PartIndex       uint64
	TotalParts      uint32
}

func toEscrowData(escrow domain.Escrow) escrowData {
	return escrowData{
		Handle:          escrow.Handle,
		Chain:           escrow.Chain,
		Side:            escrow.Side,
		OrderId:         escrow.OrderId,
		Creator:         escrow.Creator,
		Recipient:       escrow.Recipient,
		Amount:          escrow.Amount,
		SecurityDeposit: escrow.SecurityDeposit,
		Hashlock:        hex.EncodeToString(escrow.Hashlock),
		Windows:         escrow.Windows,
		PartIndex:       escrow.PartIndex,
		TotalParts:      escrow.TotalParts,
	}
}

func (e *escrowData) toEscrow() (*domain.Escrow, error) {
	hashlock, err := hex.DecodeString(e.Hashlock)
	if err != nil {
		return nil, err
	}

	return &domain.Escrow{
		Handle:          e.Handle,
		Chain:           e.Chain,
		Side:            e.Side,
		OrderId:         e.OrderId,
		Creator:         e.Creator,
		Recipient:       e.Recipient,
		Amount:          e.Amount,
		SecurityDeposit: e.SecurityDeposit,
		Hashlock:        hashlock,
		Windows:         e.Windows,
		PartIndex:       e.PartIndex,
		TotalParts:      e.TotalParts,
	}, nil
}
