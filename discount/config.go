package discount

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v7"
	extErrors "github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Type is the custom type of a product's discount configuration
type Type string

// The only recognized discount types. Anything else is a configuration error.
const (
	TypePercentage Type = "percentage"
	TypeFixed           = "fixed"
)

// ProductConfig describes the referral discount an individual product grants
// to its parrain, plus the product's standard (pre-discount) recurring price
// used by the referred-side expiration tracker.
type ProductConfig struct {
	ProductID     string          `json:"productId" gorm:"primaryKey"`
	Type          Type            `json:"type"`
	Amount        decimal.Decimal `json:"amount" gorm:"type:numeric"` // rate (e.g. 0.10) for percentage, currency units for fixed
	StandardPrice decimal.Decimal `json:"standardPrice" gorm:"type:numeric"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

// ConfigProvider resolves a product's discount configuration.
// Returns (nil, nil) when the product has none.
type ConfigProvider interface {
	GetProductConfig(ctx context.Context, productID string) (*ProductConfig, error)
}

// ConfigManager is the gorm-backed source of product discount configurations
type ConfigManager struct {
	db     *gorm.DB
	logger *zap.Logger
}

var _ ConfigProvider = &ConfigManager{}

func NewConfigManager(logger *zap.Logger, db *gorm.DB) (*ConfigManager, error) {
	if err := db.AutoMigrate(&ProductConfig{}); err != nil {
		return nil, extErrors.Wrap(err, "Cannot initialize discount.ConfigManager")
	}
	return &ConfigManager{
		db:     db,
		logger: logger,
	}, nil
}

func (m *ConfigManager) GetProductConfig(ctx context.Context, productID string) (*ProductConfig, error) {
	var cfg ProductConfig
	result := m.db.WithContext(ctx).First(&cfg, "product_id = ?", productID)

	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, nil
	}

	if result.Error != nil {
		m.logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return nil, extErrors.Wrap(result.Error, "Cannot get product discount config")
	}

	return &cfg, nil
}

// Upsert writes a product discount configuration. Callers must invalidate
// any cache layered on top of this manager afterwards.
func (m *ConfigManager) Upsert(ctx context.Context, cfg *ProductConfig) error {
	result := m.db.WithContext(ctx).Save(cfg)
	if result.Error != nil {
		m.logger.Error("Unable to save product discount config",
			zap.String("ProductID", cfg.ProductID),
			zap.Error(result.Error),
		)
		return extErrors.Wrap(result.Error, "Cannot save product discount config")
	}
	return nil
}

const configKeyPrefix = "parrainage:config:"

type CachedConfigOptions struct {
	Redis  redis.UniversalClient
	Source ConfigProvider
	Logger *zap.Logger
	TTL    time.Duration
}

// CachedConfig decorates a ConfigProvider with a redis cache so the hot
// checkout path does not hit the database per product. Invalidate must be
// called whenever administrators change a product's configuration.
type CachedConfig struct {
	CachedConfigOptions
}

var _ ConfigProvider = &CachedConfig{}

func NewCachedConfig(option CachedConfigOptions) (*CachedConfig, error) {
	if option.Redis == nil {
		return nil, fmt.Errorf("nil Redis is invalid")
	}
	if option.Source == nil {
		return nil, fmt.Errorf("nil Source is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	if option.TTL == 0 {
		option.TTL = time.Hour
	}
	return &CachedConfig{
		CachedConfigOptions: option,
	}, nil
}

func (c *CachedConfig) GetProductConfig(ctx context.Context, productID string) (*ProductConfig, error) {
	key := configKeyPrefix + productID
	cached, err := c.Redis.Get(key).Result()
	if err == nil {
		var cfg ProductConfig
		if jsonErr := json.Unmarshal([]byte(cached), &cfg); jsonErr == nil {
			return &cfg, nil
		}
		// fall through to the source on a corrupted entry
		c.Logger.Warn("Discarding corrupted cached product config",
			zap.String("ProductID", productID),
		)
	} else if err != redis.Nil {
		// cache being down should not take out the checkout path
		c.Logger.Warn("Cannot reach config cache, falling back to source",
			zap.Error(err),
		)
	}

	cfg, err := c.Source.GetProductConfig(ctx, productID)
	if err != nil || cfg == nil {
		return cfg, err
	}

	encoded, err := json.Marshal(cfg)
	if err == nil {
		if setErr := c.Redis.Set(key, encoded, c.TTL).Err(); setErr != nil {
			c.Logger.Warn("Cannot populate config cache",
				zap.Error(setErr),
			)
		}
	}
	return cfg, nil
}

// Invalidate drops the cached entry for a product
func (c *CachedConfig) Invalidate(productID string) error {
	if err := c.Redis.Del(configKeyPrefix + productID).Err(); err != nil {
		return extErrors.Wrap(err, "Cannot invalidate cached product config")
	}
	return nil
}
