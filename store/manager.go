package store

import (
	"context"
	"database/sql"
	"errors"

	extErrors "github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Manager is the gorm-backed implementation of the Store interface
type Manager struct {
	db     *gorm.DB
	logger *zap.Logger
}

var _ Store = &Manager{}

// NewManager returns a new Manager over the billing records
func NewManager(logger *zap.Logger, db *gorm.DB) (*Manager, error) {
	if err := db.AutoMigrate(&Subscription{}, &LineItem{}, &Order{}, &OrderItem{}, &Note{}); err != nil {
		return nil, extErrors.Wrap(err, "Cannot initialize store.Manager")
	}
	return &Manager{
		db:     db,
		logger: logger,
	}, nil
}

func (m *Manager) GetSubscription(ctx context.Context, id string) (*Subscription, error) {
	var sub Subscription
	result := m.db.WithContext(ctx).
		Preload("Items").
		First(&sub, "id = ?", id)

	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, nil
	}

	if result.Error != nil {
		m.logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return nil, extErrors.Wrap(result.Error, "Cannot get subscription by id")
	}

	return &sub, nil
}

func (m *Manager) GetOrder(ctx context.Context, id string) (*Order, error) {
	var order Order
	result := m.db.WithContext(ctx).
		Preload("Items").
		First(&order, "id = ?", id)

	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, nil
	}

	if result.Error != nil {
		m.logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return nil, extErrors.Wrap(result.Error, "Cannot get order by id")
	}

	return &order, nil
}

// UpdateSubscription will perform a transactional update based on the lambda
// function. The selected Subscription is locked with FOR UPDATE so the
// guard-then-act transition cannot interleave with another invocation.
func (m *Manager) UpdateSubscription(ctx context.Context, id string, lambda UpdateSubscriptionFunc) (*Subscription, error) {
	var desired Subscription
	var shouldReturn bool
	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var current Subscription
		lookupRes := tx.
			Clauses(clause.Locking{Strength: "UPDATE"}).
			Preload("Items").
			First(&current, "id = ?", id)
		if lookupRes.Error == nil {
			desired = current
			desired.Meta = current.Meta.Clone()
			desired.Items = append([]LineItem{}, current.Items...)
			if lambda(&current, &desired) {
				saveRes := tx.Session(&gorm.Session{FullSaveAssociations: true}).Save(&desired)
				if saveRes.Error != nil {
					return saveRes.Error
				}
				shouldReturn = true
			}
			return nil
		} else if errors.Is(lookupRes.Error, gorm.ErrRecordNotFound) {
			lambda(nil, nil)
			return nil
		}
		return lookupRes.Error
	}, &sql.TxOptions{
		Isolation: sql.LevelSerializable,
	})
	if err != nil {
		// transaction failed, return nil new state
		return nil, err
	}
	if !shouldReturn {
		// shouldSave == false, return nil new state
		return nil, nil
	}
	// transaction succeeded and shouldSave == true, return new state
	return &desired, nil
}

// UpdateOrder mirrors UpdateSubscription for Orders
func (m *Manager) UpdateOrder(ctx context.Context, id string, lambda UpdateOrderFunc) (*Order, error) {
	var desired Order
	var shouldReturn bool
	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var current Order
		lookupRes := tx.
			Clauses(clause.Locking{Strength: "UPDATE"}).
			Preload("Items").
			First(&current, "id = ?", id)
		if lookupRes.Error == nil {
			desired = current
			desired.Meta = current.Meta.Clone()
			desired.Items = append([]OrderItem{}, current.Items...)
			if lambda(&current, &desired) {
				saveRes := tx.Session(&gorm.Session{FullSaveAssociations: true}).Save(&desired)
				if saveRes.Error != nil {
					return saveRes.Error
				}
				shouldReturn = true
			}
			return nil
		} else if errors.Is(lookupRes.Error, gorm.ErrRecordNotFound) {
			lambda(nil, nil)
			return nil
		}
		return lookupRes.Error
	}, &sql.TxOptions{
		Isolation: sql.LevelSerializable,
	})
	if err != nil {
		return nil, err
	}
	if !shouldReturn {
		return nil, nil
	}
	return &desired, nil
}

func (m *Manager) ListCustomerSubscriptions(ctx context.Context, customerID string) ([]Subscription, error) {
	results := make([]Subscription, 0, 1)
	result := m.db.WithContext(ctx).
		Order("created_at desc").
		Preload("Items").
		Find(&results, "customer_id = ?", customerID)
	if result.Error != nil {
		m.logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return nil, result.Error
	}
	return results, nil
}

// ListSubscriptionsWithMeta returns every subscription carrying the given
// metadata key. Used by the daily expiration sweep.
func (m *Manager) ListSubscriptionsWithMeta(ctx context.Context, key string) ([]Subscription, error) {
	results := make([]Subscription, 0, 1)
	result := m.db.WithContext(ctx).
		Preload("Items").
		Where("jsonb_exists(meta, ?)", key).
		Find(&results)
	if result.Error != nil {
		m.logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return nil, result.Error
	}
	return results, nil
}

// AddNote appends an audit note onto the record identified by recordID
func (m *Manager) AddNote(ctx context.Context, recordID string, text string) error {
	note := &Note{
		RecordID: recordID,
		Text:     text,
	}
	result := m.db.WithContext(ctx).Create(note)
	if result.Error != nil {
		m.logger.Error("Unable to append audit note",
			zap.String("RecordID", recordID),
			zap.Error(result.Error),
		)
		return extErrors.Wrap(result.Error, "Cannot append audit note")
	}
	return nil
}
