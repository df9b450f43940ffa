package store

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// State is the custom type to define the current state of a recurring billing record
type State string

// Defining the states a recurring billing record can transition through
const (
	StateActive        State = "active"
	StatePending             = "pending"
	StateOnHold              = "on-hold"
	StatePendingCancel       = "pending-cancel"
	StateCancelled           = "cancelled"
	StateExpired             = "expired"
)

// Defining the states of a one-off order
const (
	OrderPending    State = "order-pending"
	OrderProcessing       = "processing"
	OrderCompleted        = "completed"
	OrderCancelled        = "order-cancelled"
)

// Subscription describes a recurring billing record. The discount engine never
// owns these rows: the billing platform does. We only read and mutate them
// through the Store interface below.
type Subscription struct {
	ID            string          `json:"id" gorm:"primaryKey"`
	CustomerID    string          `json:"customerId" gorm:"index"`
	CustomerEmail string          `json:"customerEmail"`
	Status        State           `json:"status"`
	Total         decimal.Decimal `json:"total" gorm:"type:numeric"`
	Items         []LineItem      `json:"items"`
	Meta          MetaMap         `json:"meta" gorm:"type:jsonb"`
	CreatedAt     time.Time       `json:"createdAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

// LineItem is a single priced line on a recurring billing record
type LineItem struct {
	ID             string          `json:"id" gorm:"primaryKey"`
	SubscriptionID string          `json:"subscriptionId" gorm:"index"`
	ProductID      string          `json:"productId" gorm:"index"`
	Name           string          `json:"name"`
	Price          decimal.Decimal `json:"price" gorm:"type:numeric"`
}

// Order describes the checkout order that (on success) spawns a Subscription
type Order struct {
	ID             string          `json:"id" gorm:"primaryKey"`
	CustomerID     string          `json:"customerId" gorm:"index"`
	SubscriptionID string          `json:"subscriptionId" gorm:"index"`
	Status         State           `json:"status"`
	ReferralCode   string          `json:"referralCode"`
	Total          decimal.Decimal `json:"total" gorm:"type:numeric"`
	Items          []OrderItem     `json:"items"`
	Meta           MetaMap         `json:"meta" gorm:"type:jsonb"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}

// OrderItem is a single priced line on an Order
type OrderItem struct {
	ID        string          `json:"id" gorm:"primaryKey"`
	OrderID   string          `json:"orderId" gorm:"index"`
	ProductID string          `json:"productId" gorm:"index"`
	Name      string          `json:"name"`
	Price     decimal.Decimal `json:"price" gorm:"type:numeric"`
}

// Note is an append-only audit note attached to a billing record
type Note struct {
	ID        uint      `json:"id" gorm:"primaryKey;autoIncrement"`
	RecordID  string    `json:"recordId" gorm:"index"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"createdAt"`
}

// GetMeta returns the metadata value under key, with a presence flag
func (s *Subscription) GetMeta(key string) (string, bool) {
	if s.Meta == nil {
		return "", false
	}
	v, ok := s.Meta[key]
	return v, ok
}

// SetMeta stages a metadata write. Persisted on the next guarded update/save.
func (s *Subscription) SetMeta(key, value string) {
	if s.Meta == nil {
		s.Meta = make(MetaMap)
	}
	s.Meta[key] = value
}

// DeleteMeta stages a metadata delete. Persisted on the next guarded update/save.
func (s *Subscription) DeleteMeta(key string) {
	delete(s.Meta, key)
}

func (o *Order) GetMeta(key string) (string, bool) {
	if o.Meta == nil {
		return "", false
	}
	v, ok := o.Meta[key]
	return v, ok
}

func (o *Order) SetMeta(key, value string) {
	if o.Meta == nil {
		o.Meta = make(MetaMap)
	}
	o.Meta[key] = value
}

func (o *Order) DeleteMeta(key string) {
	delete(o.Meta, key)
}

// UpdateSubscriptionFunc is used when a guarded update is required. Return value
// determines if the Store should commit the changes. Note that current and
// desired may be nil if no Subscription with the given id was found, and the
// lambda must return false if that is the case.
type UpdateSubscriptionFunc func(current *Subscription, desired *Subscription) (shouldSave bool)

// UpdateOrderFunc mirrors UpdateSubscriptionFunc for Orders
type UpdateOrderFunc func(current *Order, desired *Order) (shouldSave bool)

// Store is the interface the billing platform exposes to the discount engine.
// Get* return (nil, nil) when the record does not exist. Update* perform a
// guard-then-act transition: the lambda sees the current state and only its
// decision to save commits the desired state.
type Store interface {
	GetSubscription(ctx context.Context, id string) (*Subscription, error)
	GetOrder(ctx context.Context, id string) (*Order, error)
	UpdateSubscription(ctx context.Context, id string, lambda UpdateSubscriptionFunc) (*Subscription, error)
	UpdateOrder(ctx context.Context, id string, lambda UpdateOrderFunc) (*Order, error)
	ListCustomerSubscriptions(ctx context.Context, customerID string) ([]Subscription, error)
	ListSubscriptionsWithMeta(ctx context.Context, key string) ([]Subscription, error)
	AddNote(ctx context.Context, recordID string, text string) error
}
