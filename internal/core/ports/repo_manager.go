package ports

import "github.com/driftlockhq/driftlock/internal/core/domain"

type RepoManager interface {
	Orders() domain.OrderRepository
	Escrows() domain.EscrowRepository
	Units() domain.UnitRepository
	Close()
}
