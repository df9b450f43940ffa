package suspension

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/miragespace/parrainage/discount"
	"github.com/miragespace/parrainage/referral"
	"github.com/miragespace/parrainage/store"
)

func fixture(t *testing.T) (*Manager, *store.Memory) {
	t.Helper()
	ctx := context.Background()

	mem := store.NewMemory()
	mem.PutSubscription(&store.Subscription{
		ID:         "sub-parrain",
		CustomerID: "cust-parrain",
		Status:     store.StateActive,
		Total:      decimal.NewFromFloat(100),
		Items: []store.LineItem{
			{ID: "item-1", SubscriptionID: "sub-parrain", Price: decimal.NewFromFloat(60)},
			{ID: "item-2", SubscriptionID: "sub-parrain", Price: decimal.NewFromFloat(40)},
		},
	})
	mem.PutSubscription(&store.Subscription{
		ID:         "sub-filleul",
		CustomerID: "cust-filleul",
		Status:     store.StateActive,
		Total:      decimal.NewFromFloat(30),
	})

	refs := referral.NewMemory()
	require.NoError(t, refs.CreateLink(ctx, &referral.Link{
		ID:                     "link-1",
		Code:                   "CODE123",
		ReferrerCustomerID:     "cust-parrain",
		ReferrerSubscriptionID: "sub-parrain",
		OrderID:                "order-1",
		FilleulSubscriptionID:  "sub-filleul",
	}))

	mutator, err := discount.NewMutator(discount.MutatorOptions{
		Store:  mem,
		Logger: zap.NewNop(),
	})
	require.NoError(t, err)
	applied, err := mutator.Apply(ctx, "sub-parrain", decimal.NewFromFloat(20), "sub-filleul", "order-1")
	require.NoError(t, err)
	require.True(t, applied.Applied)

	validator, err := NewValidator(ValidatorOptions{
		Store:     mem,
		Referrals: refs,
		Logger:    zap.NewNop(),
	})
	require.NoError(t, err)
	handler, err := NewHandler(HandlerOptions{
		Store:  mem,
		Logger: zap.NewNop(),
	})
	require.NoError(t, err)
	manager, err := NewManager(ManagerOptions{
		Validator: validator,
		Handler:   handler,
		Logger:    zap.NewNop(),
	})
	require.NoError(t, err)

	return manager, mem
}

func TestSuspendRestoresOriginalPrice(t *testing.T) {
	manager, mem := fixture(t)
	ctx := context.Background()

	result := manager.HandleStatusChange(ctx, "sub-filleul", store.StateCancelled)
	require.True(t, result.Success, "result: %+v", result)

	sub, err := mem.GetSubscription(ctx, "sub-parrain")
	require.NoError(t, err)
	require.True(t, sub.Total.Equal(decimal.NewFromFloat(100)), "total was %s", sub.Total)

	rec, err := discount.LoadRecord(sub)
	require.NoError(t, err)
	require.EqualValues(t, discount.StatusSuspended, rec.Status)

	snapshot, err := discount.LoadSnapshot(sub)
	require.NoError(t, err)
	require.True(t, snapshot.Complete())
	require.True(t, snapshot.PriceBeforeSuspension.Equal(decimal.NewFromFloat(80)), "snapshot price was %s", snapshot.PriceBeforeSuspension)
	require.True(t, snapshot.OriginalDiscountAmount.Equal(decimal.NewFromFloat(20)))
	require.EqualValues(t, store.StateCancelled, snapshot.CausingStatus)
}

func TestSuspendRejectsNonTriggerStatus(t *testing.T) {
	manager, _ := fixture(t)

	result := manager.HandleStatusChange(context.Background(), "sub-filleul", store.StateActive)
	require.True(t, result.Rejected)
	require.False(t, result.Success)
}

func TestSuspendRejectsUnknownFilleul(t *testing.T) {
	manager, _ := fixture(t)

	result := manager.HandleStatusChange(context.Background(), "sub-stranger", store.StateCancelled)
	require.True(t, result.Rejected)
}

func TestSuspendTwiceIsRejected(t *testing.T) {
	manager, mem := fixture(t)
	ctx := context.Background()

	first := manager.HandleStatusChange(ctx, "sub-filleul", store.StateCancelled)
	require.True(t, first.Success)

	second := manager.HandleStatusChange(ctx, "sub-filleul", store.StateOnHold)
	require.True(t, second.Rejected, "result: %+v", second)

	// the price stays restored, no double restoration
	sub, err := mem.GetSubscription(ctx, "sub-parrain")
	require.NoError(t, err)
	require.True(t, sub.Total.Equal(decimal.NewFromFloat(100)))

	counters := manager.Counters()
	require.Equal(t, uint64(2), counters.Attempted)
	require.Equal(t, uint64(1), counters.Succeeded)
	require.Equal(t, uint64(1), counters.Rejected)
}

func TestIsTrigger(t *testing.T) {
	for _, s := range []store.State{store.StateCancelled, store.StateOnHold, store.StateExpired, store.StatePendingCancel} {
		require.True(t, IsTrigger(s), "%s should trigger", s)
	}
	for _, s := range []store.State{store.StateActive, store.StatePending} {
		require.False(t, IsTrigger(s), "%s should not trigger", s)
	}
}
