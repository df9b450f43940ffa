package store

import (
	"context"
	"sync"
)

// Memory is an in-memory implementation of the Store interface. It emulates
// the guarded update with a single mutex instead of row locking, which is
// sufficient for tests and local development but not for multi-process use.
type Memory struct {
	mu            sync.Mutex
	subscriptions map[string]*Subscription
	orders        map[string]*Order
	notes         map[string][]string
}

var _ Store = &Memory{}

func NewMemory() *Memory {
	return &Memory{
		subscriptions: make(map[string]*Subscription),
		orders:        make(map[string]*Order),
		notes:         make(map[string][]string),
	}
}

func copySubscription(sub *Subscription) *Subscription {
	clone := *sub
	clone.Meta = sub.Meta.Clone()
	clone.Items = append([]LineItem{}, sub.Items...)
	return &clone
}

func copyOrder(order *Order) *Order {
	clone := *order
	clone.Meta = order.Meta.Clone()
	clone.Items = append([]OrderItem{}, order.Items...)
	return &clone
}

// PutSubscription seeds or replaces a subscription record
func (m *Memory) PutSubscription(sub *Subscription) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscriptions[sub.ID] = copySubscription(sub)
}

// PutOrder seeds or replaces an order record
func (m *Memory) PutOrder(order *Order) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders[order.ID] = copyOrder(order)
}

// Notes returns the audit notes appended to a record so far
func (m *Memory) Notes(recordID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string{}, m.notes[recordID]...)
}

func (m *Memory) GetSubscription(ctx context.Context, id string) (*Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subscriptions[id]
	if !ok {
		return nil, nil
	}
	return copySubscription(sub), nil
}

func (m *Memory) GetOrder(ctx context.Context, id string) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	order, ok := m.orders[id]
	if !ok {
		return nil, nil
	}
	return copyOrder(order), nil
}

func (m *Memory) UpdateSubscription(ctx context.Context, id string, lambda UpdateSubscriptionFunc) (*Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.subscriptions[id]
	if !ok {
		lambda(nil, nil)
		return nil, nil
	}
	current := copySubscription(stored)
	desired := copySubscription(stored)
	if !lambda(current, desired) {
		return nil, nil
	}
	m.subscriptions[id] = copySubscription(desired)
	return desired, nil
}

func (m *Memory) UpdateOrder(ctx context.Context, id string, lambda UpdateOrderFunc) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.orders[id]
	if !ok {
		lambda(nil, nil)
		return nil, nil
	}
	current := copyOrder(stored)
	desired := copyOrder(stored)
	if !lambda(current, desired) {
		return nil, nil
	}
	m.orders[id] = copyOrder(desired)
	return desired, nil
}

func (m *Memory) ListCustomerSubscriptions(ctx context.Context, customerID string) ([]Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	results := make([]Subscription, 0, 1)
	for _, sub := range m.subscriptions {
		if sub.CustomerID == customerID {
			results = append(results, *copySubscription(sub))
		}
	}
	return results, nil
}

func (m *Memory) ListSubscriptionsWithMeta(ctx context.Context, key string) ([]Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	results := make([]Subscription, 0, 1)
	for _, sub := range m.subscriptions {
		if _, ok := sub.Meta[key]; ok {
			results = append(results, *copySubscription(sub))
		}
	}
	return results, nil
}

func (m *Memory) AddNote(ctx context.Context, recordID string, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notes[recordID] = append(m.notes[recordID], text)
	return nil
}
