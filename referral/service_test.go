package referral

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/miragespace/parrainage/broker"
	"github.com/miragespace/parrainage/discount"
	"github.com/miragespace/parrainage/store"
)

type stubConfigs map[string]*discount.ProductConfig

func (s stubConfigs) GetProductConfig(ctx context.Context, productID string) (*discount.ProductConfig, error) {
	return s[productID], nil
}

type fakeConfigStore struct {
	saved []*discount.ProductConfig
}

func (f *fakeConfigStore) Upsert(ctx context.Context, cfg *discount.ProductConfig) error {
	f.saved = append(f.saved, cfg)
	return nil
}

type fakeProducer struct {
	events []broker.Event
}

func (f *fakeProducer) Close() {}

func (f *fakeProducer) Publish(event broker.Event) error {
	f.events = append(f.events, event)
	return nil
}

type serviceEnv struct {
	service  *Service
	refs     *Memory
	producer *fakeProducer
	writes   *fakeConfigStore
	configs  stubConfigs
}

func newServiceEnv(t *testing.T) *serviceEnv {
	t.Helper()

	mem := store.NewMemory()
	mem.PutSubscription(&store.Subscription{
		ID:         "sub-1",
		CustomerID: "cust-1",
		Status:     store.StateActive,
		Total:      decimal.NewFromFloat(49.99),
	})

	configs := stubConfigs{
		"prod-1": {
			ProductID: "prod-1",
			Type:      discount.TypePercentage,
			Amount:    decimal.NewFromFloat(0.10),
		},
	}
	calculator, err := discount.NewCalculator(discount.CalculatorOptions{
		Configs: configs,
		Logger:  zap.NewNop(),
	})
	require.NoError(t, err)

	refs := NewMemory()
	producer := &fakeProducer{}
	writes := &fakeConfigStore{}
	svc, err := NewService(ServiceOptions{
		Store:      mem,
		Referrals:  refs,
		Configs:    writes,
		Calculator: calculator,
		Producer:   producer,
		Logger:     zap.NewNop(),
	})
	require.NoError(t, err)

	return &serviceEnv{
		service:  svc,
		refs:     refs,
		producer: producer,
		writes:   writes,
		configs:  configs,
	}
}

func TestCreateCodeMintsWellFormedCode(t *testing.T) {
	env := newServiceEnv(t)
	router := env.service.Router()

	w := httptest.NewRecorder()
	body := bytes.NewBufferString(`{"customerId":"cust-1","subscriptionId":"sub-1"}`)
	router.ServeHTTP(w, httptest.NewRequest("POST", "/codes", body))
	require.Equal(t, http.StatusOK, w.Code)

	var out struct {
		Success bool `json:"success"`
		Result  Code `json:"result"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&out))
	require.True(t, out.Success)
	require.True(t, ValidCodeFormat(out.Result.Code), "minted code was %q", out.Result.Code)
	require.Equal(t, "sub-1", out.Result.SubscriptionID)
}

func TestCreateCodeRejectsSecondCodeForSubscription(t *testing.T) {
	env := newServiceEnv(t)
	require.NoError(t, env.refs.CreateCode(context.Background(), &Code{
		Code:           "EXISTING1",
		CustomerID:     "cust-1",
		SubscriptionID: "sub-1",
	}))
	router := env.service.Router()

	w := httptest.NewRecorder()
	body := bytes.NewBufferString(`{"customerId":"cust-1","subscriptionId":"sub-1"}`)
	router.ServeHTTP(w, httptest.NewRequest("POST", "/codes", body))
	require.Equal(t, http.StatusConflict, w.Code)
}

func TestGetCodeRejectsMalformedCode(t *testing.T) {
	env := newServiceEnv(t)
	router := env.service.Router()

	// too short to be a code, no lookup should even happen
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/codes/ab", nil))
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetCodeResolvesParrain(t *testing.T) {
	env := newServiceEnv(t)
	require.NoError(t, env.refs.CreateCode(context.Background(), &Code{
		Code:           "CODE123",
		CustomerID:     "cust-1",
		SubscriptionID: "sub-1",
	}))
	router := env.service.Router()

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/codes/CODE123", nil))
	require.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/codes/UNKNOWN99", nil))
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestUpsertConfigInvalidatesEveryLayer(t *testing.T) {
	env := newServiceEnv(t)
	router := env.service.Router()
	ctx := context.Background()

	first, err := env.service.Calculator.Calculate(ctx, "prod-1", decimal.NewFromFloat(100))
	require.NoError(t, err)
	require.True(t, first.Amount.Equal(decimal.NewFromFloat(10)))

	// the administrator doubles the rate at the source
	env.configs["prod-1"] = &discount.ProductConfig{
		ProductID: "prod-1",
		Type:      discount.TypePercentage,
		Amount:    decimal.NewFromFloat(0.20),
	}

	w := httptest.NewRecorder()
	body := bytes.NewBufferString(`{"type":"percentage","amount":"0.20"}`)
	router.ServeHTTP(w, httptest.NewRequest("PUT", "/configs/prod-1", body))
	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, env.writes.saved, 1)

	// the local memo is gone, the next calculation sees the new rate
	fresh, err := env.service.Calculator.Calculate(ctx, "prod-1", decimal.NewFromFloat(100))
	require.NoError(t, err)
	require.True(t, fresh.Amount.Equal(decimal.NewFromFloat(20)), "amount was %s", fresh.Amount)

	// and the worker process hears about the change on the bus
	require.Len(t, env.producer.events, 1)
	require.Equal(t, broker.EventConfigChanged, env.producer.events[0].Name)
	require.Equal(t, "prod-1", env.producer.events[0].Payload["productId"])
}
