package discount

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// stubConfigs is an in-memory ConfigProvider for tests
type stubConfigs map[string]*ProductConfig

func (s stubConfigs) GetProductConfig(ctx context.Context, productID string) (*ProductConfig, error) {
	return s[productID], nil
}

func newTestCalculator(t *testing.T, configs ConfigProvider) *Calculator {
	t.Helper()
	c, err := NewCalculator(CalculatorOptions{
		Configs: configs,
		Logger:  zap.NewNop(),
	})
	require.NoError(t, err)
	return c
}

func TestCalculatePercentage(t *testing.T) {
	c := newTestCalculator(t, stubConfigs{
		"prod-1": {
			ProductID: "prod-1",
			Type:      TypePercentage,
			Amount:    decimal.NewFromFloat(0.10),
		},
	})

	result, err := c.Calculate(context.Background(), "prod-1", decimal.NewFromFloat(89.99))
	require.NoError(t, err)

	// 10% of 89.99 is 8.999, rounded half-up to two places
	require.True(t, result.Amount.Equal(decimal.NewFromFloat(9.00)), "amount was %s", result.Amount)
	require.True(t, result.NewPrice.Equal(decimal.NewFromFloat(80.99)), "new price was %s", result.NewPrice)
}

func TestCalculatePercentageClampsRate(t *testing.T) {
	c := newTestCalculator(t, stubConfigs{
		"prod-1": {
			ProductID: "prod-1",
			Type:      TypePercentage,
			Amount:    decimal.NewFromFloat(0.9),
		},
	})

	result, err := c.Calculate(context.Background(), "prod-1", decimal.NewFromFloat(100))
	require.NoError(t, err)

	require.True(t, result.Amount.Equal(decimal.NewFromFloat(50)), "amount was %s", result.Amount)
	require.True(t, result.NewPrice.Equal(decimal.NewFromFloat(50)), "new price was %s", result.NewPrice)
}

func TestCalculateFixedClampsToFloor(t *testing.T) {
	c := newTestCalculator(t, stubConfigs{
		"prod-1": {
			ProductID: "prod-1",
			Type:      TypeFixed,
			Amount:    decimal.NewFromFloat(15),
		},
	})

	// a fixed discount larger than the price stops at the floor (zero here)
	result, err := c.Calculate(context.Background(), "prod-1", decimal.NewFromFloat(10))
	require.NoError(t, err)

	require.True(t, result.Amount.Equal(decimal.NewFromFloat(10)), "amount was %s", result.Amount)
	require.True(t, result.NewPrice.IsZero(), "new price was %s", result.NewPrice)
}

func TestCalculateFixedRespectsConfiguredFloor(t *testing.T) {
	c, err := NewCalculator(CalculatorOptions{
		Configs: stubConfigs{
			"prod-1": {
				ProductID: "prod-1",
				Type:      TypeFixed,
				Amount:    decimal.NewFromFloat(8),
			},
		},
		Logger:        zap.NewNop(),
		MinPriceFloor: decimal.NewFromFloat(5),
	})
	require.NoError(t, err)

	result, err := c.Calculate(context.Background(), "prod-1", decimal.NewFromFloat(10))
	require.NoError(t, err)

	require.True(t, result.Amount.Equal(decimal.NewFromFloat(5)), "amount was %s", result.Amount)
	require.True(t, result.NewPrice.Equal(decimal.NewFromFloat(5)), "new price was %s", result.NewPrice)
}

func TestCalculateUnsupportedTypeFailsFast(t *testing.T) {
	c := newTestCalculator(t, stubConfigs{
		"prod-1": {
			ProductID: "prod-1",
			Type:      Type("bogof"),
			Amount:    decimal.NewFromFloat(1),
		},
	})

	_, err := c.Calculate(context.Background(), "prod-1", decimal.NewFromFloat(100))
	require.Error(t, err)
	require.IsType(t, &ErrUnsupportedType{}, err)
}

func TestCalculateMissingConfig(t *testing.T) {
	c := newTestCalculator(t, stubConfigs{})

	_, err := c.Calculate(context.Background(), "prod-unknown", decimal.NewFromFloat(100))
	require.Error(t, err)
	require.IsType(t, &ErrNoConfig{}, err)
}

func TestCalculateMemoizesConfig(t *testing.T) {
	configs := stubConfigs{
		"prod-1": {
			ProductID: "prod-1",
			Type:      TypeFixed,
			Amount:    decimal.NewFromFloat(5),
		},
	}
	c := newTestCalculator(t, configs)

	_, err := c.Calculate(context.Background(), "prod-1", decimal.NewFromFloat(100))
	require.NoError(t, err)

	// the provider is no longer consulted until Invalidate
	delete(configs, "prod-1")
	result, err := c.Calculate(context.Background(), "prod-1", decimal.NewFromFloat(100))
	require.NoError(t, err)
	require.True(t, result.Amount.Equal(decimal.NewFromFloat(5)))

	c.Invalidate("prod-1")
	_, err = c.Calculate(context.Background(), "prod-1", decimal.NewFromFloat(100))
	require.IsType(t, &ErrNoConfig{}, err)
}
