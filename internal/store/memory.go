package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mostro-exchange/mostrod/internal/identity"
)

// Memory is an in-process Store backed by maps under a single RWMutex,
// grounded on the teacher's internal/storage.Storage mutex discipline
// (one lock guarding all tables, read ops take RLock). Used by the
// coordinator's test suite and by the CLI when database_url is empty or
// ":memory:".
type Memory struct {
	mu       sync.RWMutex
	orders   map[uuid.UUID]*Order
	byHash   map[string]uuid.UUID
	users    map[identity.PublicKey]*User
	disputes map[uuid.UUID]*Dispute
	payouts  map[uuid.UUID]*PendingPayout
}

// NewMemory constructs an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		orders:   make(map[uuid.UUID]*Order),
		byHash:   make(map[string]uuid.UUID),
		users:    make(map[identity.PublicKey]*User),
		disputes: make(map[uuid.UUID]*Dispute),
		payouts:  make(map[uuid.UUID]*PendingPayout),
	}
}

func cloneOrder(o *Order) *Order {
	cp := *o
	return &cp
}

func (m *Memory) CreateOrder(_ context.Context, order *Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders[order.ID] = cloneOrder(order)
	if order.Hash != "" {
		m.byHash[order.Hash] = order.ID
	}
	return nil
}

func (m *Memory) GetOrder(_ context.Context, id uuid.UUID) (*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, ErrOrderNotFound
	}
	return cloneOrder(o), nil
}

func (m *Memory) GetOrderByHash(_ context.Context, hash string) (*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byHash[hash]
	if !ok {
		return nil, ErrOrderNotFound
	}
	return cloneOrder(m.orders[id]), nil
}

func (m *Memory) UpdateOrder(_ context.Context, order *Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.orders[order.ID]; !ok {
		return ErrOrderNotFound
	}
	m.orders[order.ID] = cloneOrder(order)
	if order.Hash != "" {
		m.byHash[order.Hash] = order.ID
	}
	return nil
}

func (m *Memory) ListOrdersByStatus(_ context.Context, status OrderStatus) ([]*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Order
	for _, o := range m.orders {
		if o.Status == status {
			out = append(out, cloneOrder(o))
		}
	}
	return out, nil
}

func (m *Memory) GetUser(_ context.Context, pubkey identity.PublicKey) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[pubkey]
	if !ok {
		return nil, ErrUserNotFound
	}
	cp := *u
	return &cp, nil
}

func (m *Memory) UpsertUser(_ context.Context, user *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *user
	m.users[user.Pubkey] = &cp
	return nil
}

func (m *Memory) CreateDispute(_ context.Context, dispute *Dispute) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *dispute
	m.disputes[dispute.ID] = &cp
	return nil
}

func (m *Memory) GetDispute(_ context.Context, id uuid.UUID) (*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.disputes[id]
	if !ok {
		return nil, ErrDisputeNotFound
	}
	cp := *d
	return &cp, nil
}

func (m *Memory) GetDisputeByOrder(_ context.Context, orderID uuid.UUID) (*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, d := range m.disputes {
		if d.OrderID == orderID && !TerminalDisputeStatuses[d.Status] {
			cp := *d
			return &cp, nil
		}
	}
	return nil, ErrDisputeNotFound
}

func (m *Memory) UpdateDispute(_ context.Context, dispute *Dispute) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.disputes[dispute.ID]; !ok {
		return ErrDisputeNotFound
	}
	cp := *dispute
	m.disputes[dispute.ID] = &cp
	return nil
}

func (m *Memory) AddPendingPayout(_ context.Context, payout *PendingPayout) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *payout
	m.payouts[payout.OrderID] = &cp
	return nil
}

func (m *Memory) ListDuePendingPayouts(_ context.Context, now time.Time) ([]*PendingPayout, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*PendingPayout
	for _, p := range m.payouts {
		if !p.NextAttemptAt.After(now) {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *Memory) RemovePendingPayout(_ context.Context, orderID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.payouts, orderID)
	return nil
}

func (m *Memory) Close() error { return nil }
