package workflow

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/miragespace/parrainage/broker"
	"github.com/miragespace/parrainage/discount"
	"github.com/miragespace/parrainage/expiration"
	"github.com/miragespace/parrainage/reactivation"
	"github.com/miragespace/parrainage/store"
	"github.com/miragespace/parrainage/suspension"
)

type fakeConsumer struct {
	events chan broker.Event
}

func (f *fakeConsumer) Close() {}

func (f *fakeConsumer) Receive(ctx context.Context, queue string, names ...string) (<-chan broker.Event, error) {
	return f.events, nil
}

func newTestTask(t *testing.T, env *testEnv) (*Task, *fakeConsumer) {
	t.Helper()

	suspValidator, err := suspension.NewValidator(suspension.ValidatorOptions{
		Store:     env.flaky,
		Referrals: env.refs,
		Logger:    zap.NewNop(),
	})
	require.NoError(t, err)
	suspHandler, err := suspension.NewHandler(suspension.HandlerOptions{
		Store:  env.flaky,
		Logger: zap.NewNop(),
	})
	require.NoError(t, err)
	suspManager, err := suspension.NewManager(suspension.ManagerOptions{
		Validator: suspValidator,
		Handler:   suspHandler,
		Logger:    zap.NewNop(),
	})
	require.NoError(t, err)

	reactValidator, err := reactivation.NewValidator(reactivation.ValidatorOptions{
		Store:     env.flaky,
		Referrals: env.refs,
		Logger:    zap.NewNop(),
	})
	require.NoError(t, err)
	reactHandler, err := reactivation.NewHandler(reactivation.HandlerOptions{
		Store:  env.flaky,
		Logger: zap.NewNop(),
	})
	require.NoError(t, err)
	reactManager, err := reactivation.NewManager(reactivation.ManagerOptions{
		Validator: reactValidator,
		Handler:   reactHandler,
		Logger:    zap.NewNop(),
	})
	require.NoError(t, err)

	tracker, err := expiration.NewTracker(expiration.TrackerOptions{
		Store: env.flaky,
		Configs: stubConfigs{
			"prod-1": {
				ProductID:     "prod-1",
				Type:          discount.TypePercentage,
				Amount:        decimal.NewFromFloat(0.10),
				StandardPrice: decimal.NewFromFloat(49.99),
			},
		},
		Logger: zap.NewNop(),
	})
	require.NoError(t, err)

	consumer := &fakeConsumer{events: make(chan broker.Event, 16)}
	task, err := NewTask(TaskOptions{
		Consumer:     consumer,
		Orchestrator: env.orchestrator,
		Suspension:   suspManager,
		Reactivation: reactManager,
		Expiration:   tracker,
		Calculator:   env.calculator,
		Logger:       zap.NewNop(),
	})
	require.NoError(t, err)
	return task, consumer
}

func TestTaskRoutesLifecycleEvents(t *testing.T) {
	env := newTestEnv(t)
	task, consumer := newTestTask(t, env)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, task.HandleEvents(ctx))

	consumer.events <- broker.Event{
		Name: broker.EventCheckoutProcessed,
		Payload: map[string]string{
			"orderId":      "order-1",
			"referralCode": "CODE123",
		},
	}
	consumer.events <- broker.Event{
		Name: broker.EventSubscriptionActive,
		Payload: map[string]string{
			"orderId":        "order-1",
			"subscriptionId": "sub-filleul",
		},
	}

	require.Eventually(t, func() bool {
		return len(env.scheduler.scheduled) == 1
	}, time.Second, 10*time.Millisecond, "activation should schedule the compute+apply task")

	order, err := env.mem.GetOrder(ctx, "order-1")
	require.NoError(t, err)
	code, ok := order.GetMeta(discount.MetaOrderPending)
	require.True(t, ok)
	require.Equal(t, "CODE123", code)

	// the activation event also captured the filleul's standard price
	require.Eventually(t, func() bool {
		filleul, err := env.mem.GetSubscription(ctx, "sub-filleul")
		if err != nil {
			return false
		}
		captured, ok := filleul.GetMeta(discount.MetaStandardPrice)
		return ok && captured == "49.99"
	}, time.Second, 10*time.Millisecond)

	// apply the discount so a status change has something to suspend
	require.NoError(t, env.orchestrator.HandleComputeApply(ctx, env.scheduler.scheduled[0].Args))

	consumer.events <- broker.Event{
		Name: broker.EventStatusChanged,
		Payload: map[string]string{
			"subscriptionId": "sub-filleul",
			"newStatus":      string(store.StateCancelled),
		},
	}

	require.Eventually(t, func() bool {
		parrain, err := env.mem.GetSubscription(ctx, "sub-parrain")
		if err != nil {
			return false
		}
		rec, err := discount.LoadRecord(parrain)
		if err != nil || rec == nil {
			return false
		}
		return rec.Status == discount.StatusSuspended
	}, time.Second, 10*time.Millisecond, "cancellation should suspend the discount")

	consumer.events <- broker.Event{
		Name: broker.EventStatusChanged,
		Payload: map[string]string{
			"subscriptionId": "sub-filleul",
			"newStatus":      string(store.StateActive),
		},
	}

	require.Eventually(t, func() bool {
		parrain, err := env.mem.GetSubscription(ctx, "sub-parrain")
		if err != nil {
			return false
		}
		rec, err := discount.LoadRecord(parrain)
		if err != nil || rec == nil {
			return false
		}
		return rec.Status == discount.StatusReactivated
	}, time.Second, 10*time.Millisecond, "reactivation should restore the discount")

	consumer.events <- broker.Event{
		Name: broker.EventRenewalPaymentDone,
		Payload: map[string]string{
			"subscriptionId": "sub-filleul",
		},
	}

	require.Eventually(t, func() bool {
		filleul, err := env.mem.GetSubscription(ctx, "sub-filleul")
		if err != nil {
			return false
		}
		count, _ := filleul.GetMeta(discount.MetaBillingCount)
		return count == "1"
	}, time.Second, 10*time.Millisecond, "renewal should advance the billing counter")
}

func TestTaskDropsMemoizedConfigOnChange(t *testing.T) {
	env := newTestEnv(t)
	task, consumer := newTestTask(t, env)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, task.HandleEvents(ctx))

	first, err := env.calculator.Calculate(ctx, "prod-1", decimal.NewFromFloat(100))
	require.NoError(t, err)
	require.True(t, first.Amount.Equal(decimal.NewFromFloat(10)))

	// an administrator doubles the rate; the memoized copy still serves
	env.configs["prod-1"] = &discount.ProductConfig{
		ProductID: "prod-1",
		Type:      discount.TypePercentage,
		Amount:    decimal.NewFromFloat(0.20),
	}
	stale, err := env.calculator.Calculate(ctx, "prod-1", decimal.NewFromFloat(100))
	require.NoError(t, err)
	require.True(t, stale.Amount.Equal(decimal.NewFromFloat(10)), "amount was %s", stale.Amount)

	consumer.events <- broker.Event{
		Name: broker.EventConfigChanged,
		Payload: map[string]string{
			"productId": "prod-1",
		},
	}

	require.Eventually(t, func() bool {
		fresh, err := env.calculator.Calculate(ctx, "prod-1", decimal.NewFromFloat(100))
		return err == nil && fresh.Amount.Equal(decimal.NewFromFloat(20))
	}, time.Second, 10*time.Millisecond, "the config change should reach the calculator")
}
