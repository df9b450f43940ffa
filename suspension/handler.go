package suspension

import (
	"context"
	"fmt"
	"time"

	extErrors "github.com/pkg/errors"
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

// Handler performs the suspension itself: snapshot the discounted state,
// restore the pre-discount price, flip the record to suspended. All of it
// happens inside one guarded update so a failure cannot leave a price
// mutation without its matching metadata.
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

// Handle suspends the validated discount. The record status is re-checked
// inside the guarded update: validation ran on a snapshot of the world and
// the world may have moved.
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
		if rec == nil || !rec.Status.Active() {
			// the guard found the precondition no longer holds, exit as a no-op
			return false
		}

		snapshot := &discount.Snapshot{
			OriginalDiscountAmount: rec.Amount,
			PriceBeforeSuspension:  current.Total,
			SuspendedAt:            time.Now(),
			CausingStatus:          input.NewStatus,
		}
		if err := snapshot.Save(desired); err != nil {
			lambdaErr = err
			return false
		}

		desired.Total = discount.AllocateItems(desired.Items, current.Total, rec.OriginalPrice, h.Precision)

		rec.Status = discount.StatusSuspended
		if err := rec.Save(desired); err != nil {
			lambdaErr = err
			return false
		}
		restored = desired
		return true
	})
	if err != nil {
		return extErrors.Wrap(err, "Cannot suspend discount")
	}
	if lambdaErr != nil {
		return lambdaErr
	}
	if updated == nil {
		// no-op via the in-lambda guard
		return nil
	}

	if err := h.Store.AddNote(ctx, referrerSubID, fmt.Sprintf(
		"Remise parrainage suspendue (filleul %s passé à %s), prix restauré à %s",
		input.FilleulSubscriptionID, input.NewStatus, restored.Total,
	)); err != nil {
		h.Logger.Warn("Unable to append audit note",
			zap.String("RecordID", referrerSubID),
			zap.Error(err),
		)
	}

	if h.Gateway != nil {
		if err := h.Gateway.SyncPrice(ctx, referrerSubID, restored.Total); err != nil {
			h.Logger.Warn("Unable to push restored price to the payment processor",
				zap.String("SubscriptionID", referrerSubID),
				zap.Error(err),
			)
		}
	}

	return nil
}
