package referral

import (
	"context"
	"fmt"
	"sync"
)

// Memory is an in-memory Directory used by tests
type Memory struct {
	mu    sync.Mutex
	codes map[string]Code
	links map[string]Link
}

var _ Directory = &Memory{}

func NewMemory() *Memory {
	return &Memory{
		codes: make(map[string]Code),
		links: make(map[string]Link),
	}
}

func (m *Memory) CreateCode(ctx context.Context, code *Code) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.codes[code.Code]; ok {
		return fmt.Errorf("code %s already exists", code.Code)
	}
	m.codes[code.Code] = *code
	return nil
}

func (m *Memory) GetCode(ctx context.Context, code string) (*Code, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.codes[code]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

func (m *Memory) GetCodeBySubscription(ctx context.Context, subscriptionID string) (*Code, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.codes {
		if c.SubscriptionID == subscriptionID {
			code := c
			return &code, nil
		}
	}
	return nil, nil
}

func (m *Memory) CreateLink(ctx context.Context, link *Link) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.links[link.ID]; ok {
		return fmt.Errorf("link %s already exists", link.ID)
	}
	m.links[link.ID] = *link
	return nil
}

func (m *Memory) GetLinkByOrder(ctx context.Context, orderID string) (*Link, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, link := range m.links {
		if link.OrderID == orderID {
			l := link
			return &l, nil
		}
	}
	return nil, nil
}

func (m *Memory) GetLinkByFilleulSubscription(ctx context.Context, subscriptionID string) (*Link, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, link := range m.links {
		if link.FilleulSubscriptionID == subscriptionID {
			l := link
			return &l, nil
		}
	}
	return nil, nil
}

func (m *Memory) AttachFilleulSubscription(ctx context.Context, linkID string, subscriptionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	link, ok := m.links[linkID]
	if !ok || len(link.FilleulSubscriptionID) > 0 {
		return fmt.Errorf("link %s does not exist or already has a filleul subscription", linkID)
	}
	link.FilleulSubscriptionID = subscriptionID
	m.links[linkID] = link
	return nil
}
