package localsecrets

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/driftlockhq/driftlock/internal/core/domain"
	"github.com/driftlockhq/driftlock/internal/core/ports"
	"github.com/driftlockhq/driftlock/pkg/commitment"
)

type orderSecrets struct {
	single  []byte
	partial *commitment.PartialFillOrderManager
}

// Service keeps order secrets on the maker's side and releases them on
// request, once per fill. It implements ports.SecretProvider for the local
// deployment where maker and coordinator share a process.
type Service struct {
	mu     sync.Mutex
	orders map[string]*orderSecrets
	delay  time.Duration
}

type Option func(*Service)

// WithResponseDelay makes every release wait, approximating a remote maker
// that confirms escrows before answering.
func WithResponseDelay(d time.Duration) Option {
	return func(s *Service) { s.delay = d }
}

func NewService(opts ...Option) *Service {
	s := &Service{orders: make(map[string]*orderSecrets)}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var _ ports.SecretProvider = (*Service)(nil)

// RegisterSingle stores the lone secret of a full-fill order.
func (s *Service) RegisterSingle(orderId string, secret []byte) error {
	if len(secret) != commitment.SecretLen {
		return fmt.Errorf("%w: invalid secret length", domain.ErrValidation)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orders[orderId]; ok {
		return fmt.Errorf("%w: order %s already registered", domain.ErrValidation, orderId)
	}
	s.orders[orderId] = &orderSecrets{single: secret}
	return nil
}

// RegisterPartial stores the secret manager of a multi-fill order.
func (s *Service) RegisterPartial(orderId string, mgr *commitment.PartialFillOrderManager) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orders[orderId]; ok {
		return fmt.Errorf("%w: order %s already registered", domain.ErrValidation, orderId)
	}
	s.orders[orderId] = &orderSecrets{partial: mgr}
	return nil
}

// Forget drops an order's secrets, e.g. after completion or cancellation.
func (s *Service) Forget(orderId string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.orders, orderId)
}

func (s *Service) RequestSecret(
	ctx context.Context, orderId string, partIndex uint64,
) ([]byte, [][]byte, error) {
	if s.delay > 0 {
		select {
		case <-ctx.Done():
			return nil, nil, fmt.Errorf("%w: secret request aborted", domain.ErrTimeout)
		case <-time.After(s.delay):
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, nil, fmt.Errorf("%w: secret request aborted", domain.ErrTimeout)
	}

	s.mu.Lock()
	entry, ok := s.orders[orderId]
	s.mu.Unlock()
	if !ok {
		return nil, nil, fmt.Errorf("order %s: %w", orderId, domain.ErrNotFound)
	}

	if entry.partial == nil {
		return entry.single, nil, nil
	}

	secret, err := entry.partial.Secret(int(partIndex))
	if err != nil {
		return nil, nil, err
	}
	proof, err := entry.partial.Proof(int(partIndex))
	if err != nil {
		return nil, nil, err
	}
	return secret, proof, nil
}
