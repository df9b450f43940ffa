package discount

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ErrNoConfig signals that the product has no discount configuration.
// A product without configuration simply grants no referral discount.
type ErrNoConfig struct {
	ProductID string
}

func (e *ErrNoConfig) Error() string {
	return fmt.Sprintf("product %s has no discount configuration", e.ProductID)
}

// ErrUnsupportedType signals a configuration error: an unrecognized discount
// type must fail fast instead of silently defaulting to either known type.
type ErrUnsupportedType struct {
	ProductID string
	Type      Type
}

func (e *ErrUnsupportedType) Error() string {
	return fmt.Sprintf("product %s has unsupported discount type %q", e.ProductID, e.Type)
}

type CalculatorOptions struct {
	Configs ConfigProvider
	Logger  *zap.Logger

	// MaxRate caps the percentage rate a configuration may grant
	MaxRate decimal.Decimal
	// MinPriceFloor is the lowest price a discount may push a subscription to
	MinPriceFloor decimal.Decimal
	// Precision is the monetary rounding precision in decimal places
	Precision int32
}

// Calculator computes the discount a product grants on a given referrer
// price. Pure apart from the configuration lookup, which is memoized per
// product for the lifetime of the instance.
type Calculator struct {
	CalculatorOptions
	mu    sync.Mutex
	cache map[string]*ProductConfig
}

// Result is the outcome of a single discount calculation
type Result struct {
	ProductID string          `json:"productId"`
	Type      Type            `json:"type"`
	Amount    decimal.Decimal `json:"amount"`
	NewPrice  decimal.Decimal `json:"newPrice"`
}

func NewCalculator(option CalculatorOptions) (*Calculator, error) {
	if option.Configs == nil {
		return nil, fmt.Errorf("nil Configs is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	if option.MaxRate.IsZero() {
		option.MaxRate = decimal.NewFromFloat(0.5)
	}
	if option.Precision == 0 {
		option.Precision = 2
	}
	return &Calculator{
		CalculatorOptions: option,
		cache:             make(map[string]*ProductConfig),
	}, nil
}

// Calculate returns the discount amount and resulting price for the given
// product configuration applied to the referrer's current price
func (c *Calculator) Calculate(ctx context.Context, productID string, price decimal.Decimal) (*Result, error) {
	cfg, err := c.config(ctx, productID)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		return nil, &ErrNoConfig{ProductID: productID}
	}

	var amount decimal.Decimal
	switch cfg.Type {
	case TypePercentage:
		rate := cfg.Amount
		if rate.GreaterThan(c.MaxRate) {
			c.Logger.Warn("Configured percentage rate exceeds the cap, clamping",
				zap.String("ProductID", productID),
				zap.String("ConfiguredRate", cfg.Amount.String()),
				zap.String("MaxRate", c.MaxRate.String()),
			)
			rate = c.MaxRate
		}
		amount = rate.Mul(price)
	case TypeFixed:
		amount = cfg.Amount
		headroom := price.Sub(c.MinPriceFloor)
		if amount.GreaterThan(headroom) {
			amount = headroom
		}
		if amount.IsNegative() {
			amount = decimal.Zero
		}
	default:
		return nil, &ErrUnsupportedType{ProductID: productID, Type: cfg.Type}
	}

	amount = amount.Round(c.Precision)
	newPrice := price.Sub(amount)
	if newPrice.LessThan(c.MinPriceFloor) {
		newPrice = c.MinPriceFloor
	}

	return &Result{
		ProductID: productID,
		Type:      cfg.Type,
		Amount:    amount,
		NewPrice:  newPrice.Round(c.Precision),
	}, nil
}

// Invalidate drops the memoized configuration for a product. Must be called
// when administrators change product configuration.
func (c *Calculator) Invalidate(productID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.cache, productID)
}

func (c *Calculator) config(ctx context.Context, productID string) (*ProductConfig, error) {
	c.mu.Lock()
	cfg, ok := c.cache[productID]
	c.mu.Unlock()
	if ok {
		return cfg, nil
	}
	cfg, err := c.Configs.GetProductConfig(ctx, productID)
	if err != nil {
		return nil, err
	}
	if cfg != nil {
		c.mu.Lock()
		c.cache[productID] = cfg
		c.mu.Unlock()
	}
	return cfg, nil
}
