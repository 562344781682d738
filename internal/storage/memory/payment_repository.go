package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

type paymentRepositoryInMemory struct {
	mu    sync.RWMutex
	items map[string]domain.Payment
}

// NewPaymentRepository возвращает in-memory хранилище платежей.
func NewPaymentRepository() domain.PaymentRepository {
	return &paymentRepositoryInMemory{items: make(map[string]domain.Payment)}
}

func clonePayment(p domain.Payment) domain.Payment {
	if p.PayerID != nil {
		id := *p.PayerID
		p.PayerID = &id
	}
	return p
}

func (r *paymentRepositoryInMemory) Create(_ context.Context, payment domain.Payment) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.items[payment.ID]; exists {
		return domain.ErrAlreadyExists
	}
	r.items[payment.ID] = clonePayment(payment)
	return nil
}

func (r *paymentRepositoryInMemory) Get(_ context.Context, id string) (domain.Payment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.items[id]
	if !ok {
		return domain.Payment{}, domain.ErrPaymentNotFound
	}
	return clonePayment(p), nil
}

// GetByOrder возвращает последний созданный платёж заказа.
func (r *paymentRepositoryInMemory) GetByOrder(_ context.Context, orderID string) (domain.Payment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var (
		latest domain.Payment
		found  bool
	)
	for _, p := range r.items {
		if p.OrderID != orderID {
			continue
		}
		if !found || p.CreatedAt.After(latest.CreatedAt) {
			latest, found = p, true
		}
	}
	if !found {
		return domain.Payment{}, domain.ErrPaymentNotFound
	}
	return clonePayment(latest), nil
}

func (r *paymentRepositoryInMemory) ListByUser(_ context.Context, userID string) ([]domain.Payment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]domain.Payment, 0)
	for _, p := range r.items {
		if p.UserID == userID {
			result = append(result, clonePayment(p))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.After(result[j].CreatedAt) })
	return result, nil
}

// Save перезаписывает платёж с проверкой версии.
func (r *paymentRepositoryInMemory) Save(_ context.Context, payment domain.Payment) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.items[payment.ID]
	if !ok {
		return domain.ErrPaymentNotFound
	}
	if current.Version != payment.Version {
		return domain.ErrVersionConflict
	}
	payment.Version++
	r.items[payment.ID] = clonePayment(payment)
	return nil
}

var _ domain.PaymentRepository = (*paymentRepositoryInMemory)(nil)
