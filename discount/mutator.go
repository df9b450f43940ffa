package discount

import (
	"context"
	"fmt"
	"time"

	extErrors "github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/miragespace/parrainage/store"
)

// Gateway pushes a mutated price out to the payment processor. Best-effort:
// a gateway failure never rolls back the store mutation.
type Gateway interface {
	SyncPrice(ctx context.Context, subscriptionID string, total decimal.Decimal) error
}

type MutatorOptions struct {
	Store   store.Store
	Logger  *zap.Logger
	Gateway Gateway // optional

	// DurationMonths is the nominal discount duration
	DurationMonths int
	// GraceDays are added past the nominal duration before expiration
	GraceDays int
	// Precision is the monetary rounding precision in decimal places
	Precision int32
}

// Mutator applies and removes referral discounts on the parrain's recurring
// billing record. Both operations are idempotent against repeated invocation:
// the discount record status is the re-entrancy guard, checked and written
// inside a single guarded update.
type Mutator struct {
	MutatorOptions
}

func NewMutator(option MutatorOptions) (*Mutator, error) {
	if option.Store == nil {
		return nil, fmt.Errorf("nil Store is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	if option.DurationMonths == 0 {
		option.DurationMonths = 12
	}
	if option.GraceDays == 0 {
		option.GraceDays = 3
	}
	if option.Precision == 0 {
		option.Precision = 2
	}
	return &Mutator{
		MutatorOptions: option,
	}, nil
}

// ApplyResult is the structured outcome of an Apply invocation
type ApplyResult struct {
	Applied       bool
	AlreadyActive bool
	NewPrice      decimal.Decimal
	Record        *Record
}

// Apply reduces the parrain's price by amount and records the discount. A
// discount already in an active or suspended state makes this a no-op
// (AlreadyActive), never an error: retries and duplicate task firings are
// expected callers. The original price is captured exactly once per lineage.
func (m *Mutator) Apply(ctx context.Context, referrerSubID string, amount decimal.Decimal, filleulSubID, filleulOrderID string) (*ApplyResult, error) {
	result := &ApplyResult{}
	var lambdaErr error

	_, err := m.Store.UpdateSubscription(ctx, referrerSubID, func(current *store.Subscription, desired *store.Subscription) bool {
		if current == nil {
			lambdaErr = fmt.Errorf("referrer subscription %s does not exist", referrerSubID)
			return false
		}
		rec, err := LoadRecord(current)
		if err != nil {
			lambdaErr = err
			return false
		}
		if rec != nil && rec.Status.Open() {
			// re-entrancy guard: no double deduction
			result.AlreadyActive = true
			return false
		}

		// the open-status guard above is what makes this capture happen
		// exactly once per lineage: while a lineage is open, no path
		// reaches this line again
		original := current.Total

		newTotal := original.Sub(amount)
		if newTotal.IsNegative() {
			newTotal = decimal.Zero
		}

		originalItems := make(map[string]string, len(current.Items))
		for _, item := range current.Items {
			originalItems[item.ID] = item.Price.String()
		}

		desired.Total = m.allocateItems(desired.Items, current.Total, newTotal)

		now := time.Now()
		newRec := &Record{
			Status:                StatusApplied,
			Amount:                amount,
			OriginalPrice:         original,
			OriginalItemPrices:    originalItems,
			StartDate:             now,
			EndDate:               now.AddDate(0, m.DurationMonths, m.GraceDays),
			FilleulSubscriptionID: filleulSubID,
			FilleulOrderID:        filleulOrderID,
		}
		if err := newRec.Save(desired); err != nil {
			lambdaErr = err
			return false
		}

		result.Applied = true
		result.NewPrice = desired.Total
		result.Record = newRec
		return true
	})
	if err != nil {
		return nil, extErrors.Wrap(err, "Cannot apply discount")
	}
	if lambdaErr != nil {
		return nil, lambdaErr
	}

	if result.AlreadyActive {
		m.Logger.Info("Discount already active, apply is a no-op",
			zap.String("ReferrerSubscriptionID", referrerSubID),
		)
		return result, nil
	}

	m.note(ctx, referrerSubID, fmt.Sprintf(
		"Remise parrainage appliquée: -%s (filleul %s), nouveau prix %s, fin le %s",
		amount, filleulSubID, result.NewPrice, result.Record.EndDate.Format("2006-01-02"),
	))
	m.syncPrice(ctx, referrerSubID, result.NewPrice)

	return result, nil
}

// RemoveResult is the structured outcome of a Remove invocation
type RemoveResult struct {
	Removed          bool
	NoActiveDiscount bool
	RestoredPrice    decimal.Decimal
}

// Remove restores the parrain's captured original price and closes the
// discount lineage. Invoking it without an open discount is a success no-op,
// because retries and cron races legitimately call it redundantly.
func (m *Mutator) Remove(ctx context.Context, referrerSubID string) (*RemoveResult, error) {
	result := &RemoveResult{}
	var lambdaErr error

	_, err := m.Store.UpdateSubscription(ctx, referrerSubID, func(current *store.Subscription, desired *store.Subscription) bool {
		if current == nil {
			lambdaErr = fmt.Errorf("referrer subscription %s does not exist", referrerSubID)
			return false
		}
		rec, err := LoadRecord(current)
		if err != nil {
			lambdaErr = err
			return false
		}
		if rec == nil || !rec.Status.Open() {
			result.NoActiveDiscount = true
			return false
		}

		m.restoreItems(desired, rec)
		desired.Total = rec.OriginalPrice

		// retain the record for audit, only the lineage is closed
		rec.Status = StatusExpired
		if err := rec.Save(desired); err != nil {
			lambdaErr = err
			return false
		}

		result.Removed = true
		result.RestoredPrice = rec.OriginalPrice
		return true
	})
	if err != nil {
		return nil, extErrors.Wrap(err, "Cannot remove discount")
	}
	if lambdaErr != nil {
		return nil, lambdaErr
	}

	if result.NoActiveDiscount {
		return result, nil
	}

	m.note(ctx, referrerSubID, fmt.Sprintf(
		"Remise parrainage retirée, prix restauré à %s", result.RestoredPrice,
	))
	m.syncPrice(ctx, referrerSubID, result.RestoredPrice)

	return result, nil
}

// SetTotal is the shared price update path used by the suspension and
// reactivation handlers. It rewrites the total (and line items,
// proportionally) without touching the discount record.
func (m *Mutator) SetTotal(ctx context.Context, subID string, newTotal decimal.Decimal, note string) (*store.Subscription, error) {
	var lambdaErr error
	updated, err := m.Store.UpdateSubscription(ctx, subID, func(current *store.Subscription, desired *store.Subscription) bool {
		if current == nil {
			lambdaErr = fmt.Errorf("subscription %s does not exist", subID)
			return false
		}
		desired.Total = m.allocateItems(desired.Items, current.Total, newTotal)
		return true
	})
	if err != nil {
		return nil, extErrors.Wrap(err, "Cannot update subscription total")
	}
	if lambdaErr != nil {
		return nil, lambdaErr
	}

	if len(note) > 0 {
		m.note(ctx, subID, note)
	}
	m.syncPrice(ctx, subID, updated.Total)

	return updated, nil
}

func (m *Mutator) allocateItems(items []store.LineItem, oldTotal, newTotal decimal.Decimal) decimal.Decimal {
	return AllocateItems(items, oldTotal, newTotal, m.Precision)
}

// AllocateItems distributes a new total across line items proportionally to
// their current prices (ratio = newTotal/oldTotal). Per-item rounding can
// leave the sum a few cents off newTotal; the returned sum becomes the total
// so the record stays internally consistent. See DESIGN.md for the accepted
// drift.
func AllocateItems(items []store.LineItem, oldTotal, newTotal decimal.Decimal, precision int32) decimal.Decimal {
	newTotal = newTotal.Round(precision)
	if len(items) == 0 {
		return newTotal
	}
	if len(items) == 1 {
		items[0].Price = newTotal
		return newTotal
	}
	if oldTotal.IsZero() {
		// nothing proportional to preserve on a free subscription
		items[0].Price = newTotal
		for i := 1; i < len(items); i++ {
			items[i].Price = decimal.Zero
		}
		return newTotal
	}
	ratio := newTotal.Div(oldTotal)
	sum := decimal.Zero
	for i := range items {
		items[i].Price = items[i].Price.Mul(ratio).Round(precision)
		sum = sum.Add(items[i].Price)
	}
	return sum
}

// restoreItems puts back the exact per-item prices captured at apply time,
// falling back to proportional allocation for items that joined later
func (m *Mutator) restoreItems(desired *store.Subscription, rec *Record) {
	if len(rec.OriginalItemPrices) == 0 {
		m.allocateItems(desired.Items, desired.Total, rec.OriginalPrice)
		return
	}
	for i := range desired.Items {
		raw, ok := rec.OriginalItemPrices[desired.Items[i].ID]
		if !ok {
			continue
		}
		price, err := decimal.NewFromString(raw)
		if err != nil {
			m.Logger.Warn("Discarding unparseable captured item price",
				zap.String("ItemID", desired.Items[i].ID),
				zap.String("Raw", raw),
			)
			continue
		}
		desired.Items[i].Price = price
	}
}

func (m *Mutator) note(ctx context.Context, recordID, text string) {
	if err := m.Store.AddNote(ctx, recordID, text); err != nil {
		m.Logger.Warn("Unable to append audit note",
			zap.String("RecordID", recordID),
			zap.Error(err),
		)
	}
}

func (m *Mutator) syncPrice(ctx context.Context, subID string, total decimal.Decimal) {
	if m.Gateway == nil {
		return
	}
	if err := m.Gateway.SyncPrice(ctx, subID, total); err != nil {
		m.Logger.Warn("Unable to push price to the payment processor",
			zap.String("SubscriptionID", subID),
			zap.Error(err),
		)
	}
}
