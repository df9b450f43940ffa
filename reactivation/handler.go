package reactivation

import (
	"context"
	"fmt"
	"time"

	extErrors "github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/miragespace/parrainage/discount"
	"github.com/miragespace/parrainage/store"
)

type HandlerOptions struct {
	Store   store.Store
	Logger  *zap.Logger
	Gateway discount.Gateway // optional

	// Precision is the monetary rounding precision in decimal places
	Precision int32
}

// Handler restores the discounted price captured at suspension time and
// consumes the snapshot. One guarded update covers the price, the record
// and the snapshot delete so no partial state survives a failure.
type Handler struct {
	HandlerOptions
}

func NewHandler(option HandlerOptions) (*Handler, error) {
	if option.Store == nil {
		return nil, fmt.Errorf("nil Store is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	if option.Precision == 0 {
		option.Precision = 2
	}
	return &Handler{
		HandlerOptions: option,
	}, nil
}

// Handle reactivates the validated discount. The record status is re-checked
// inside the guarded update before anything is written.
func (h *Handler) Handle(ctx context.Context, input Input, validated *Validated) error {
	referrerSubID := validated.Link.ReferrerSubscriptionID
	var lambdaErr error
	var restored *store.Subscription

	updated, err := h.Store.UpdateSubscription(ctx, referrerSubID, func(current *store.Subscription, desired *store.Subscription) bool {
		if current == nil {
			lambdaErr = fmt.Errorf("referrer subscription %s disappeared", referrerSubID)
			return false
		}
		rec, err := discount.LoadRecord(current)
		if err != nil {
			lambdaErr = err
			return false
		}
		if rec == nil || rec.Status != discount.StatusSuspended {
			// the guard found the precondition no longer holds, exit as a no-op
			return false
		}
		snapshot, err := discount.LoadSnapshot(current)
		if err != nil {
			lambdaErr = err
			return false
		}
		if !snapshot.Complete() {
			lambdaErr = fmt.Errorf("suspension snapshot went incomplete for subscription %s", referrerSubID)
			return false
		}

		newPrice := snapshot.PriceBeforeSuspension
		if newPrice.IsNegative() {
			newPrice = decimal.Zero
		}
		desired.Total = discount.AllocateItems(desired.Items, current.Total, newPrice, h.Precision)

		now := time.Now()
		rec.Status = discount.StatusReactivated
		rec.ReactivatedAt = &now
		if err := rec.Save(desired); err != nil {
			lambdaErr = err
			return false
		}

		// the snapshot is consumed by a successful reactivation
		discount.DeleteSnapshot(desired)

		restored = desired
		return true
	})
	if err != nil {
		return extErrors.Wrap(err, "Cannot reactivate discount")
	}
	if lambdaErr != nil {
		return lambdaErr
	}
	if updated == nil {
		return nil
	}

	if err := h.Store.AddNote(ctx, referrerSubID, fmt.Sprintf(
		"Remise parrainage réactivée (filleul %s de nouveau actif), prix rétabli à %s",
		input.FilleulSubscriptionID, restored.Total,
	)); err != nil {
		h.Logger.Warn("Unable to append audit note",
			zap.String("RecordID", referrerSubID),
			zap.Error(err),
		)
	}

	if h.Gateway != nil {
		if err := h.Gateway.SyncPrice(ctx, referrerSubID, restored.Total); err != nil {
			h.Logger.Warn("Unable to push reactivated price to the payment processor",
				zap.String("SubscriptionID", referrerSubID),
				zap.Error(err),
			)
		}
	}

	return nil
}
