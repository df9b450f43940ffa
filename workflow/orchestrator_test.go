package workflow

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/miragespace/parrainage/broker"
	"github.com/miragespace/parrainage/discount"
	"github.com/miragespace/parrainage/referral"
	"github.com/miragespace/parrainage/store"
)

type scheduledTask struct {
	RunAt time.Time
	Hook  string
	Args  map[string]string
}

type fakeScheduler struct {
	fail      bool
	scheduled []scheduledTask
}

func (f *fakeScheduler) Schedule(ctx context.Context, runAt time.Time, hook string, args map[string]string) error {
	if f.fail {
		return fmt.Errorf("scheduler is down")
	}
	f.scheduled = append(f.scheduled, scheduledTask{RunAt: runAt, Hook: hook, Args: args})
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

func (f *fakeProducer) count(name string) int {
	var n int
	for _, e := range f.events {
		if e.Name == name {
			n++
		}
	}
	return n
}

type fakeNotifier struct {
	notices []DiscountNotice
}

func (f *fakeNotifier) SendDiscountApplied(ctx context.Context, customerEmail string, notice DiscountNotice) bool {
	f.notices = append(f.notices, notice)
	return true
}

// flakyStore injects transient faults into subscription reads
type flakyStore struct {
	store.Store
	failures int
}

func (f *flakyStore) GetSubscription(ctx context.Context, id string) (*store.Subscription, error) {
	if f.failures > 0 {
		f.failures--
		return nil, fmt.Errorf("transient database fault")
	}
	return f.Store.GetSubscription(ctx, id)
}

type stubConfigs map[string]*discount.ProductConfig

func (s stubConfigs) GetProductConfig(ctx context.Context, productID string) (*discount.ProductConfig, error) {
	return s[productID], nil
}

type testEnv struct {
	orchestrator *Orchestrator
	mem          *store.Memory
	flaky        *flakyStore
	scheduler    *fakeScheduler
	producer     *fakeProducer
	notifier     *fakeNotifier
	refs         *referral.Memory
	calculator   *discount.Calculator
	configs      stubConfigs
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()

	mem := store.NewMemory()
	mem.PutSubscription(&store.Subscription{
		ID:            "sub-parrain",
		CustomerID:    "cust-parrain",
		CustomerEmail: "parrain@example.com",
		Status:        store.StateActive,
		Total:         decimal.NewFromFloat(100),
		Items: []store.LineItem{
			{ID: "item-1", SubscriptionID: "sub-parrain", ProductID: "prod-1", Price: decimal.NewFromFloat(100)},
		},
	})
	mem.PutSubscription(&store.Subscription{
		ID:         "sub-filleul",
		CustomerID: "cust-filleul",
		Status:     store.StateActive,
		Total:      decimal.NewFromFloat(39.99),
	})
	mem.PutOrder(&store.Order{
		ID:         "order-1",
		CustomerID: "cust-filleul",
		Status:     store.OrderCompleted,
		Items: []store.OrderItem{
			{ID: "oitem-1", OrderID: "order-1", ProductID: "prod-1", Price: decimal.NewFromFloat(39.99)},
		},
	})

	refs := referral.NewMemory()
	require.NoError(t, refs.CreateCode(ctx, &referral.Code{
		Code:           "CODE123",
		CustomerID:     "cust-parrain",
		SubscriptionID: "sub-parrain",
	}))

	flaky := &flakyStore{Store: mem}
	configs := stubConfigs{
		"prod-1": {
			ProductID: "prod-1",
			Type:      discount.TypePercentage,
			Amount:    decimal.NewFromFloat(0.10),
		},
	}

	validator, err := discount.NewValidator(discount.ValidatorOptions{
		Store:   flaky,
		Configs: configs,
		Logger:  zap.NewNop(),
	})
	require.NoError(t, err)
	calculator, err := discount.NewCalculator(discount.CalculatorOptions{
		Configs: configs,
		Logger:  zap.NewNop(),
	})
	require.NoError(t, err)
	mutator, err := discount.NewMutator(discount.MutatorOptions{
		Store:  flaky,
		Logger: zap.NewNop(),
	})
	require.NoError(t, err)

	sched := &fakeScheduler{}
	producer := &fakeProducer{}
	notifier := &fakeNotifier{}

	orchestrator, err := NewOrchestrator(OrchestratorOptions{
		Store:      flaky,
		Referrals:  refs,
		Scheduler:  sched,
		Producer:   producer,
		Validator:  validator,
		Calculator: calculator,
		Mutator:    mutator,
		Notifier:   notifier,
		Logger:     zap.NewNop(),
		RetryDelay: time.Minute,
	})
	require.NoError(t, err)

	return &testEnv{
		orchestrator: orchestrator,
		mem:          mem,
		flaky:        flaky,
		scheduler:    sched,
		producer:     producer,
		notifier:     notifier,
		refs:         refs,
		calculator:   calculator,
		configs:      configs,
	}
}

func TestFullWorkflowAppliesDiscount(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	require.NoError(t, env.orchestrator.MarkOrder(ctx, "order-1", "CODE123"))

	order, err := env.mem.GetOrder(ctx, "order-1")
	require.NoError(t, err)
	pending, ok := order.GetMeta(discount.MetaOrderPending)
	require.True(t, ok)
	require.Equal(t, "CODE123", pending)

	scheduled, err := env.orchestrator.ScheduleOrder(ctx, "order-1", "sub-filleul")
	require.NoError(t, err)
	require.True(t, scheduled.Scheduled, "result: %+v", scheduled)
	require.Len(t, env.scheduler.scheduled, 1)
	require.Equal(t, HookComputeApply, env.scheduler.scheduled[0].Hook)

	link, err := env.refs.GetLinkByOrder(ctx, "order-1")
	require.NoError(t, err)
	require.NotNil(t, link)
	require.Equal(t, "sub-parrain", link.ReferrerSubscriptionID)
	require.Equal(t, "sub-filleul", link.FilleulSubscriptionID)

	require.NoError(t, env.orchestrator.HandleComputeApply(ctx, env.scheduler.scheduled[0].Args))

	parrain, err := env.mem.GetSubscription(ctx, "sub-parrain")
	require.NoError(t, err)
	require.True(t, parrain.Total.Equal(decimal.NewFromFloat(90)), "total was %s", parrain.Total)

	rec, err := discount.LoadRecord(parrain)
	require.NoError(t, err)
	require.EqualValues(t, discount.StatusApplied, rec.Status)
	require.True(t, rec.Amount.Equal(decimal.NewFromFloat(10)))

	order, err = env.mem.GetOrder(ctx, "order-1")
	require.NoError(t, err)
	_, calculated := order.GetMeta(discount.MetaOrderCalculated)
	require.True(t, calculated)
	_, stillPending := order.GetMeta(discount.MetaOrderPending)
	require.False(t, stillPending)

	require.Equal(t, 1, env.producer.count(broker.EventDiscountCalculated))
	require.Len(t, env.notifier.notices, 1)
	require.True(t, env.notifier.notices[0].Amount.Equal(decimal.NewFromFloat(10)))
}

func TestMarkOrderIgnoresMalformedCode(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	require.NoError(t, env.orchestrator.MarkOrder(ctx, "order-1", "bad code!"))

	order, err := env.mem.GetOrder(ctx, "order-1")
	require.NoError(t, err)
	_, ok := order.GetMeta(discount.MetaOrderPending)
	require.False(t, ok)
}

func TestScheduleOrderSkipsUnknownCode(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	require.NoError(t, env.orchestrator.MarkOrder(ctx, "order-1", "UNKNOWN99"))

	result, err := env.orchestrator.ScheduleOrder(ctx, "order-1", "sub-filleul")
	require.NoError(t, err)
	require.True(t, result.Skipped)
	require.Empty(t, env.scheduler.scheduled)
}

func TestScheduleOrderParksOnSchedulerOutage(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	require.NoError(t, env.orchestrator.MarkOrder(ctx, "order-1", "CODE123"))
	env.scheduler.fail = true

	result, err := env.orchestrator.ScheduleOrder(ctx, "order-1", "sub-filleul")
	require.NoError(t, err)
	require.True(t, result.CronFailed, "result: %+v", result)

	order, err := env.mem.GetOrder(ctx, "order-1")
	require.NoError(t, err)
	status, _ := order.GetMeta(discount.MetaOrderStatus)
	require.Equal(t, discount.OrderStatusCronFailed, status)
	require.NotEmpty(t, env.mem.Notes("order-1"))
}

func TestComputeApplyRetriesTransientFaults(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	require.NoError(t, env.orchestrator.MarkOrder(ctx, "order-1", "CODE123"))
	_, err := env.orchestrator.ScheduleOrder(ctx, "order-1", "sub-filleul")
	require.NoError(t, err)

	// two transient faults, then the store recovers
	env.flaky.failures = 2

	require.NoError(t, env.orchestrator.HandleComputeApply(ctx, env.scheduler.scheduled[0].Args))
	require.Len(t, env.scheduler.scheduled, 2, "first failure should schedule attempt 2")
	require.Equal(t, "2", env.scheduler.scheduled[1].Args["attempt"])

	require.NoError(t, env.orchestrator.HandleComputeApply(ctx, env.scheduler.scheduled[1].Args))
	require.Len(t, env.scheduler.scheduled, 3, "second failure should schedule attempt 3")
	require.Equal(t, "3", env.scheduler.scheduled[2].Args["attempt"])

	require.NoError(t, env.orchestrator.HandleComputeApply(ctx, env.scheduler.scheduled[2].Args))

	parrain, err := env.mem.GetSubscription(ctx, "sub-parrain")
	require.NoError(t, err)
	require.True(t, parrain.Total.Equal(decimal.NewFromFloat(90)), "total was %s", parrain.Total)
	require.Equal(t, 0, env.producer.count(broker.EventAdminAlert))
}

func TestComputeApplyExhaustionRaisesOneAlert(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	require.NoError(t, env.orchestrator.MarkOrder(ctx, "order-1", "CODE123"))
	_, err := env.orchestrator.ScheduleOrder(ctx, "order-1", "sub-filleul")
	require.NoError(t, err)

	// the store never recovers
	env.flaky.failures = 1000

	require.NoError(t, env.orchestrator.HandleComputeApply(ctx, env.scheduler.scheduled[0].Args))
	require.NoError(t, env.orchestrator.HandleComputeApply(ctx, env.scheduler.scheduled[1].Args))
	require.NoError(t, env.orchestrator.HandleComputeApply(ctx, env.scheduler.scheduled[2].Args))

	// retries stop at the configured budget
	require.Len(t, env.scheduler.scheduled, 3)

	env.flaky.failures = 0
	order, err := env.mem.GetOrder(ctx, "order-1")
	require.NoError(t, err)
	status, _ := order.GetMeta(discount.MetaOrderStatus)
	require.Equal(t, discount.OrderStatusError, status)

	require.Equal(t, 1, env.producer.count(broker.EventProcessingFailed))
	require.Equal(t, 1, env.producer.count(broker.EventAdminAlert))
	require.NotEmpty(t, env.mem.Notes("order-1"))
}

func TestComputeApplyAbandonsInactiveFilleul(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	require.NoError(t, env.orchestrator.MarkOrder(ctx, "order-1", "CODE123"))
	_, err := env.orchestrator.ScheduleOrder(ctx, "order-1", "sub-filleul")
	require.NoError(t, err)

	// the filleul cancelled before the delayed task fired
	_, err = env.mem.UpdateSubscription(ctx, "sub-filleul", func(current *store.Subscription, desired *store.Subscription) bool {
		desired.Status = store.StateCancelled
		return true
	})
	require.NoError(t, err)

	require.NoError(t, env.orchestrator.HandleComputeApply(ctx, env.scheduler.scheduled[0].Args))

	parrain, err := env.mem.GetSubscription(ctx, "sub-parrain")
	require.NoError(t, err)
	require.True(t, parrain.Total.Equal(decimal.NewFromFloat(100)), "no discount should apply")
	require.Len(t, env.scheduler.scheduled, 1, "no retry for an abandoned order")
}

func TestComputeApplyIsIdempotentAcrossDuplicateFirings(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	require.NoError(t, env.orchestrator.MarkOrder(ctx, "order-1", "CODE123"))
	_, err := env.orchestrator.ScheduleOrder(ctx, "order-1", "sub-filleul")
	require.NoError(t, err)

	args := env.scheduler.scheduled[0].Args
	require.NoError(t, env.orchestrator.HandleComputeApply(ctx, args))
	// the scheduler redelivers the same task
	require.NoError(t, env.orchestrator.HandleComputeApply(ctx, args))

	parrain, err := env.mem.GetSubscription(ctx, "sub-parrain")
	require.NoError(t, err)
	require.True(t, parrain.Total.Equal(decimal.NewFromFloat(90)), "total was %s", parrain.Total)
	require.Equal(t, 1, env.producer.count(broker.EventDiscountCalculated))
	require.Len(t, env.notifier.notices, 1)
}
