package expiration

import (
	"context"
	"fmt"
	"strconv"
	"time"

	extErrors "github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/miragespace/parrainage/broker"
	"github.com/miragespace/parrainage/discount"
	"github.com/miragespace/parrainage/store"
)

const expiredFlag = "yes"

type TrackerOptions struct {
	Store    store.Store
	Configs  discount.ConfigProvider
	Producer broker.Producer // optional
	Logger   *zap.Logger

	// RequiredCycles is how many successful renewals the filleul keeps its
	// discounted price for before reverting to standard pricing
	RequiredCycles int
	// Precision is the monetary rounding precision in decimal places
	Precision int32
}

// Tracker manages the filleul side of the program: the referred subscription
// starts on a discounted price and reverts to standard pricing after a fixed
// number of successful billing cycles. Both the renewal-payment hook and the
// daily sweep funnel into the same idempotent transition, ExpireIfDue.
type Tracker struct {
	TrackerOptions
}

func NewTracker(option TrackerOptions) (*Tracker, error) {
	if option.Store == nil {
		return nil, fmt.Errorf("nil Store is invalid")
	}
	if option.Configs == nil {
		return nil, fmt.Errorf("nil Configs is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	if option.RequiredCycles == 0 {
		option.RequiredCycles = 12
	}
	if option.Precision == 0 {
		option.Precision = 2
	}
	return &Tracker{
		TrackerOptions: option,
	}, nil
}

// CaptureStandardPrice records the filleul's standard (pre-discount) price
// once, at first checkout. The capture is never re-applied once the terminal
// expiration flag is set.
func (t *Tracker) CaptureStandardPrice(ctx context.Context, filleulSubID, orderID string) error {
	order, err := t.Store.GetOrder(ctx, orderID)
	if err != nil {
		return err
	}

	standard, resolved, err := t.standardPriceFromOrder(ctx, order)
	if err != nil {
		return err
	}

	var lambdaErr error
	_, err = t.Store.UpdateSubscription(ctx, filleulSubID, func(current *store.Subscription, desired *store.Subscription) bool {
		if current == nil {
			lambdaErr = fmt.Errorf("filleul subscription %s does not exist", filleulSubID)
			return false
		}
		if flag, _ := current.GetMeta(discount.MetaDiscountExpired); flag == expiredFlag {
			return false
		}
		if _, ok := current.GetMeta(discount.MetaStandardPrice); ok {
			// already captured for this subscription
			return false
		}
		captured := standard
		if !resolved {
			captured = current.Total
		}
		desired.SetMeta(discount.MetaStandardPrice, captured.String())
		desired.SetMeta(discount.MetaBillingCount, "0")
		return true
	})
	if err != nil {
		return extErrors.Wrap(err, "Cannot capture standard price")
	}
	if lambdaErr != nil {
		return lambdaErr
	}

	if !resolved {
		t.Logger.Warn("No product configuration carries a standard price, falling back to the subscription total",
			zap.String("FilleulSubscriptionID", filleulSubID),
			zap.String("OrderID", orderID),
			zap.String("Channel", "expiration"),
		)
	}

	return nil
}

// standardPriceFromOrder sums the configured standard prices of the order's
// products. resolved is false when no product had one configured.
func (t *Tracker) standardPriceFromOrder(ctx context.Context, order *store.Order) (decimal.Decimal, bool, error) {
	if order == nil {
		return decimal.Zero, false, nil
	}
	total := decimal.Zero
	resolved := false
	for _, item := range order.Items {
		cfg, err := t.Configs.GetProductConfig(ctx, item.ProductID)
		if err != nil {
			return decimal.Zero, false, err
		}
		if cfg == nil || !cfg.StandardPrice.IsPositive() {
			continue
		}
		total = total.Add(cfg.StandardPrice)
		resolved = true
	}
	return total, resolved, nil
}

// RenewalResult is the structured outcome of a renewal-payment hook
type RenewalResult struct {
	Tracked bool
	Count   int
	Expired bool
}

// HandleRenewalPayment increments the filleul's billing cycle counter and
// expires the discounted price once the counter reaches the threshold
func (t *Tracker) HandleRenewalPayment(ctx context.Context, filleulSubID string) (*RenewalResult, error) {
	result := &RenewalResult{}
	var lambdaErr error

	_, err := t.Store.UpdateSubscription(ctx, filleulSubID, func(current *store.Subscription, desired *store.Subscription) bool {
		if current == nil {
			return false
		}
		if flag, _ := current.GetMeta(discount.MetaDiscountExpired); flag == expiredFlag {
			// terminal: the counter is never advanced again
			return false
		}
		if _, ok := current.GetMeta(discount.MetaStandardPrice); !ok {
			// not a tracked referred subscription
			return false
		}
		raw, _ := current.GetMeta(discount.MetaBillingCount)
		count, err := strconv.Atoi(raw)
		if err != nil && len(raw) > 0 {
			lambdaErr = extErrors.Wrapf(err, "corrupted billing counter %q on subscription %s", raw, filleulSubID)
			return false
		}
		count++
		desired.SetMeta(discount.MetaBillingCount, strconv.Itoa(count))
		result.Tracked = true
		result.Count = count
		return true
	})
	if err != nil {
		return nil, extErrors.Wrap(err, "Cannot advance billing counter")
	}
	if lambdaErr != nil {
		return nil, lambdaErr
	}
	if !result.Tracked {
		return result, nil
	}

	if result.Count >= t.RequiredCycles {
		expired, err := t.ExpireIfDue(ctx, filleulSubID)
		if err != nil {
			return nil, err
		}
		result.Expired = expired
	}

	return result, nil
}

// ExpireIfDue is the single idempotent transition both the renewal-event
// path and the daily sweep enter. It reverts the filleul to its captured
// standard price and sets the terminal flag, exactly once.
func (t *Tracker) ExpireIfDue(ctx context.Context, filleulSubID string) (bool, error) {
	var lambdaErr error
	var standardPrice decimal.Decimal

	updated, err := t.Store.UpdateSubscription(ctx, filleulSubID, func(current *store.Subscription, desired *store.Subscription) bool {
		if current == nil {
			return false
		}
		if flag, _ := current.GetMeta(discount.MetaDiscountExpired); flag == expiredFlag {
			return false
		}
		raw, ok := current.GetMeta(discount.MetaStandardPrice)
		if !ok {
			return false
		}
		standard, err := decimal.NewFromString(raw)
		if err != nil {
			lambdaErr = extErrors.Wrapf(err, "corrupted standard price %q on subscription %s", raw, filleulSubID)
			return false
		}
		countRaw, _ := current.GetMeta(discount.MetaBillingCount)
		count, _ := strconv.Atoi(countRaw)
		if count < t.RequiredCycles {
			return false
		}

		desired.Total = discount.AllocateItems(desired.Items, current.Total, standard, t.Precision)
		desired.SetMeta(discount.MetaDiscountExpired, expiredFlag)
		standardPrice = desired.Total
		return true
	})
	if err != nil {
		return false, extErrors.Wrap(err, "Cannot expire referred-side discount")
	}
	if lambdaErr != nil {
		return false, lambdaErr
	}
	if updated == nil {
		return false, nil
	}

	if err := t.Store.AddNote(ctx, filleulSubID, fmt.Sprintf(
		"Remise filleul expirée après %d cycles, prix standard rétabli: %s",
		t.RequiredCycles, standardPrice,
	)); err != nil {
		t.Logger.Warn("Unable to append audit note",
			zap.String("RecordID", filleulSubID),
			zap.Error(err),
		)
	}

	t.Logger.Info("Referred-side discount expired",
		zap.String("FilleulSubscriptionID", filleulSubID),
		zap.String("StandardPrice", standardPrice.String()),
		zap.String("Channel", "expiration"),
	)

	if t.Producer != nil {
		if err := t.Producer.Publish(broker.Event{
			Name:       broker.EventDiscountExpired,
			OccurredAt: time.Now(),
			Payload: map[string]string{
				"filleulSubscriptionId": filleulSubID,
				"standardPrice":         standardPrice.String(),
			},
		}); err != nil {
			t.Logger.Warn("Unable to publish expiration event",
				zap.Error(err),
			)
		}
	}

	return true, nil
}
