package store

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/iurnickita/ticketpay/internal/model"
)

// memStore держит заказы в памяти. Блокировка на уровне заказа, как и FOR UPDATE в postgres.
type memStore struct {
	mu     sync.RWMutex
	orders map[string]model.Order

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

func NewMemStore() Store {
	return &memStore{
		orders: make(map[string]model.Order),
		locks:  make(map[string]*sync.Mutex),
	}
}

func (s *memStore) orderLock(id string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	lock, ok := s.locks[id]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[id] = lock
	}
	return lock
}

func (s *memStore) OrderPost(_ context.Context, order model.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.orders[order.ID]; ok {
		return ErrAlreadyExists
	}
	for _, o := range s.orders {
		if order.Data.IdempotencyKey != "" && o.Data.IdempotencyKey == order.Data.IdempotencyKey {
			return ErrDuplicateRequest
		}
		if o.Data.ExternalRef == order.Data.ExternalRef ||
			(order.Data.ProviderReference != "" && o.Data.ProviderReference == order.Data.ProviderReference) {
			return ErrAlreadyExists
		}
	}
	s.orders[order.ID] = order
	return nil
}

func (s *memStore) OrderGet(_ context.Context, id string) (model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	order, ok := s.orders[id]
	if !ok {
		return model.Order{}, ErrNoRows
	}
	return order, nil
}

func (s *memStore) find(match func(model.Order) bool) (model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, order := range s.orders {
		if match(order) {
			return order, nil
		}
	}
	return model.Order{}, ErrNoRows
}

func (s *memStore) OrderGetByProviderReference(_ context.Context, reference string) (model.Order, error) {
	if reference == "" {
		return model.Order{}, ErrNoRows
	}
	return s.find(func(o model.Order) bool { return o.Data.ProviderReference == reference })
}

func (s *memStore) OrderGetByExternalRef(_ context.Context, externalRef string) (model.Order, error) {
	if externalRef == "" {
		return model.Order{}, ErrNoRows
	}
	return s.find(func(o model.Order) bool { return o.Data.ExternalRef == externalRef })
}

func (s *memStore) OrderGetByIdempotencyKey(_ context.Context, key string) (model.Order, error) {
	if key == "" {
		return model.Order{}, ErrNoRows
	}
	return s.find(func(o model.Order) bool { return o.Data.IdempotencyKey == key })
}

func (s *memStore) OrderPut(ctx context.Context, id string, modify func(order *model.Order) error) (model.Order, error) {
	lock := s.orderLock(id)
	lock.Lock()
	defer lock.Unlock()

	before, err := s.OrderGet(ctx, id)
	if err != nil {
		return model.Order{}, err
	}

	after, err := applyModify(before, modify)
	if err != nil {
		if errors.Is(err, ErrNoChange) {
			return before, nil
		}
		return model.Order{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if ref := after.Data.ProviderReference; ref != "" && ref != before.Data.ProviderReference {
		for _, o := range s.orders {
			if o.ID != id && o.Data.ProviderReference == ref {
				return model.Order{}, ErrAlreadyExists
			}
		}
	}
	s.orders[id] = after
	return after, nil
}

func (s *memStore) OrderGetPending(_ context.Context, createdBefore time.Time, limit int) ([]model.Order, error) {
	s.mu.RLock()
	var orders []model.Order
	for _, order := range s.orders {
		if order.Data.Status == model.OrderStatusPending && order.Data.CreatedAt.Before(createdBefore) {
			orders = append(orders, order)
		}
	}
	s.mu.RUnlock()

	sort.Slice(orders, func(i, j int) bool {
		return orders[i].Data.CreatedAt.Before(orders[j].Data.CreatedAt)
	})
	if limit > 0 && len(orders) > limit {
		orders = orders[:limit]
	}
	return orders, nil
}

func (s *memStore) OrderCountPending(_ context.Context, createdBefore time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, order := range s.orders {
		if order.Data.Status == model.OrderStatusPending && order.Data.CreatedAt.Before(createdBefore) {
			count++
		}
	}
	return count, nil
}

func (s *memStore) Close() error {
	return nil
}
