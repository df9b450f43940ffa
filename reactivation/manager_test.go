package reactivation

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/miragespace/parrainage/discount"
	"github.com/miragespace/parrainage/referral"
	"github.com/miragespace/parrainage/store"
	"github.com/miragespace/parrainage/suspension"
)

// fixture builds a parrain whose discount has already been applied and then
// suspended, the state a reactivation starts from
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

	suspValidator, err := suspension.NewValidator(suspension.ValidatorOptions{
		Store:     mem,
		Referrals: refs,
		Logger:    zap.NewNop(),
	})
	require.NoError(t, err)
	suspHandler, err := suspension.NewHandler(suspension.HandlerOptions{
		Store:  mem,
		Logger: zap.NewNop(),
	})
	require.NoError(t, err)
	suspManager, err := suspension.NewManager(suspension.ManagerOptions{
		Validator: suspValidator,
		Handler:   suspHandler,
		Logger:    zap.NewNop(),
	})
	require.NoError(t, err)
	suspended := suspManager.HandleStatusChange(ctx, "sub-filleul", store.StateOnHold)
	require.True(t, suspended.Success, "suspension fixture: %+v", suspended)

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

func TestReactivateRestoresDiscountedPrice(t *testing.T) {
	manager, mem := fixture(t)
	ctx := context.Background()

	result := manager.HandleStatusChange(ctx, "sub-filleul", store.StateActive)
	require.True(t, result.Success, "result: %+v", result)

	sub, err := mem.GetSubscription(ctx, "sub-parrain")
	require.NoError(t, err)

	// exactly the price captured at suspension time
	require.True(t, sub.Total.Equal(decimal.NewFromFloat(80)), "total was %s", sub.Total)

	rec, err := discount.LoadRecord(sub)
	require.NoError(t, err)
	require.EqualValues(t, discount.StatusReactivated, rec.Status)
	require.NotNil(t, rec.ReactivatedAt)

	// the snapshot is consumed
	snapshot, err := discount.LoadSnapshot(sub)
	require.NoError(t, err)
	require.Nil(t, snapshot)
}

func TestSuspendCycleNeverRewritesOriginalPrice(t *testing.T) {
	manager, mem := fixture(t)
	ctx := context.Background()

	result := manager.HandleStatusChange(ctx, "sub-filleul", store.StateActive)
	require.True(t, result.Success, "result: %+v", result)

	sub, err := mem.GetSubscription(ctx, "sub-parrain")
	require.NoError(t, err)
	rec, err := discount.LoadRecord(sub)
	require.NoError(t, err)

	// the pre-discount price captured at apply time survives the whole
	// suspend/reactivate cycle untouched
	require.True(t, rec.OriginalPrice.Equal(decimal.NewFromFloat(100)), "original price was %s", rec.OriginalPrice)

	// closing the lineage restores it to the cent, per item
	mutator, err := discount.NewMutator(discount.MutatorOptions{
		Store:  mem,
		Logger: zap.NewNop(),
	})
	require.NoError(t, err)
	removed, err := mutator.Remove(ctx, "sub-parrain")
	require.NoError(t, err)
	require.True(t, removed.Removed)
	require.True(t, removed.RestoredPrice.Equal(decimal.NewFromFloat(100)))

	sub, err = mem.GetSubscription(ctx, "sub-parrain")
	require.NoError(t, err)
	require.True(t, sub.Total.Equal(decimal.NewFromFloat(100)), "total was %s", sub.Total)
	for _, item := range sub.Items {
		switch item.ID {
		case "item-1":
			require.True(t, item.Price.Equal(decimal.NewFromFloat(60)), "item-1 was %s", item.Price)
		case "item-2":
			require.True(t, item.Price.Equal(decimal.NewFromFloat(40)), "item-2 was %s", item.Price)
		}
	}
}

func TestReactivateTwiceIsRejected(t *testing.T) {
	manager, mem := fixture(t)
	ctx := context.Background()

	first := manager.HandleStatusChange(ctx, "sub-filleul", store.StateActive)
	require.True(t, first.Success)

	second := manager.HandleStatusChange(ctx, "sub-filleul", store.StateActive)
	require.True(t, second.Rejected, "result: %+v", second)

	sub, err := mem.GetSubscription(ctx, "sub-parrain")
	require.NoError(t, err)
	require.True(t, sub.Total.Equal(decimal.NewFromFloat(80)), "total was %s", sub.Total)
}

func TestReactivateRejectsNonActiveStatus(t *testing.T) {
	manager, _ := fixture(t)

	result := manager.HandleStatusChange(context.Background(), "sub-filleul", store.StateOnHold)
	require.True(t, result.Rejected)
}

func TestReactivateRejectsUnknownFilleul(t *testing.T) {
	manager, _ := fixture(t)

	result := manager.HandleStatusChange(context.Background(), "sub-stranger", store.StateActive)
	require.True(t, result.Rejected)
}

func TestReactivateRejectsIncompleteSnapshot(t *testing.T) {
	manager, mem := fixture(t)
	ctx := context.Background()

	// simulate a corrupted suspension: record suspended, snapshot gone
	sub, err := mem.GetSubscription(ctx, "sub-parrain")
	require.NoError(t, err)
	discount.DeleteSnapshot(sub)
	mem.PutSubscription(sub)

	result := manager.HandleStatusChange(ctx, "sub-filleul", store.StateActive)
	require.True(t, result.Rejected, "result: %+v", result)
}
