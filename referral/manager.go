package referral

import (
	"context"
	"errors"
	"fmt"

	extErrors "github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Manager handles the database operations relating to referral codes and links
type Manager struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewManager returns a new Manager for referrals
func NewManager(logger *zap.Logger, db *gorm.DB) (*Manager, error) {
	if err := db.AutoMigrate(&Code{}, &Link{}); err != nil {
		return nil, extErrors.Wrap(err, "Cannot initialize referral.Manager")
	}
	return &Manager{
		db:     db,
		logger: logger,
	}, nil
}

// CreateCode will register a referral code for a parrain
func (m *Manager) CreateCode(ctx context.Context, code *Code) error {
	result := m.db.WithContext(ctx).Create(code)
	if result.Error != nil {
		m.logger.Error("Unable to create referral code in database",
			zap.Error(result.Error),
		)
		return extErrors.Wrap(result.Error, "Cannot create referral code")
	}
	return nil
}

// GetCode will try to resolve a referral code to its parrain
func (m *Manager) GetCode(ctx context.Context, code string) (*Code, error) {
	var c Code

	result := m.db.WithContext(ctx).First(&c, "code = ?", code)

	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, nil
	}

	if result.Error != nil {
		m.logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return nil, extErrors.Wrap(result.Error, "Cannot get referral code")
	}

	return &c, nil
}

// GetCodeBySubscription will try to return the code a parrain subscription
// already owns, if any
func (m *Manager) GetCodeBySubscription(ctx context.Context, subscriptionID string) (*Code, error) {
	var c Code

	result := m.db.WithContext(ctx).First(&c, "subscription_id = ?", subscriptionID)

	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, nil
	}

	if result.Error != nil {
		m.logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return nil, extErrors.Wrap(result.Error, "Cannot get referral code by subscription")
	}

	return &c, nil
}

// CreateLink will persist a new parrain/filleul association
func (m *Manager) CreateLink(ctx context.Context, link *Link) error {
	result := m.db.WithContext(ctx).Create(link)
	if result.Error != nil {
		m.logger.Error("Unable to create referral link in database",
			zap.Error(result.Error),
		)
		return extErrors.Wrap(result.Error, "Cannot create referral link")
	}
	return nil
}

// GetLinkByOrder will try to return the link captured for a filleul order
func (m *Manager) GetLinkByOrder(ctx context.Context, orderID string) (*Link, error) {
	var link Link

	result := m.db.WithContext(ctx).First(&link, "order_id = ?", orderID)

	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, nil
	}

	if result.Error != nil {
		m.logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return nil, extErrors.Wrap(result.Error, "Cannot get link by order id")
	}

	return &link, nil
}

// GetLinkByFilleulSubscription will try to return the link whose referred
// subscription matches the given id
func (m *Manager) GetLinkByFilleulSubscription(ctx context.Context, subscriptionID string) (*Link, error) {
	var link Link

	result := m.db.WithContext(ctx).First(&link, "filleul_subscription_id = ?", subscriptionID)

	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, nil
	}

	if result.Error != nil {
		m.logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return nil, extErrors.Wrap(result.Error, "Cannot get link by filleul subscription id")
	}

	return &link, nil
}

// AttachFilleulSubscription performs the one-time backfill of the filleul's
// subscription ID onto an existing link. Links are otherwise immutable.
func (m *Manager) AttachFilleulSubscription(ctx context.Context, linkID string, subscriptionID string) error {
	result := m.db.WithContext(ctx).Model(&Link{}).
		Where("id = ?", linkID).
		Where("filleul_subscription_id = ?", "").
		Update("filleul_subscription_id", subscriptionID)
	if result.Error != nil {
		m.logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return extErrors.Wrap(result.Error, "Cannot attach filleul subscription to link")
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("link %s does not exist or already has a filleul subscription", linkID)
	}
	return nil
}
