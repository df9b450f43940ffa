package reactivation

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/miragespace/parrainage/discount"
	"github.com/miragespace/parrainage/referral"
	"github.com/miragespace/parrainage/store"
)

// priceTolerance is how far the referrer's current price may sit from the
// expected pre-discount price before we log a mismatch. Manual price edits
// during suspension are tolerated, only logged.
var priceTolerance = decimal.NewFromFloat(0.01)

// Input identifies the filleul transition under validation
type Input struct {
	FilleulSubscriptionID string
	NewStatus             store.State
}

// Validated carries the resolved records a validated reactivation will act on
type Validated struct {
	Link     *referral.Link
	Referrer *store.Subscription
	Record   *discount.Record
	Snapshot *discount.Snapshot
}

type ValidatorOptions struct {
	Store     store.Store
	Referrals referral.Directory
	Logger    *zap.Logger
}

// Validator confirms a filleul transition back to active can restore the
// suspended discount
type Validator struct {
	ValidatorOptions
}

func NewValidator(option ValidatorOptions) (*Validator, error) {
	if option.Store == nil {
		return nil, fmt.Errorf("nil Store is invalid")
	}
	if option.Referrals == nil {
		return nil, fmt.Errorf("nil Referrals is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	return &Validator{
		ValidatorOptions: option,
	}, nil
}

// Validate returns the resolved context on success, or a rejection reason.
// Rejections are expected outcomes; the error return is for infrastructure
// faults only.
func (v *Validator) Validate(ctx context.Context, input Input) (*Validated, string, error) {
	if input.NewStatus != store.StateActive {
		return nil, fmt.Sprintf("status %s is not a reactivation trigger", input.NewStatus), nil
	}

	link, err := v.Referrals.GetLinkByFilleulSubscription(ctx, input.FilleulSubscriptionID)
	if err != nil {
		return nil, "", err
	}
	if link == nil {
		return nil, fmt.Sprintf("subscription %s is not a referred subscription", input.FilleulSubscriptionID), nil
	}

	filleul, err := v.Store.GetSubscription(ctx, input.FilleulSubscriptionID)
	if err != nil {
		return nil, "", err
	}
	if filleul == nil {
		return nil, fmt.Sprintf("filleul subscription %s does not exist", input.FilleulSubscriptionID), nil
	}

	referrer, err := v.Store.GetSubscription(ctx, link.ReferrerSubscriptionID)
	if err != nil {
		return nil, "", err
	}
	if referrer == nil {
		return nil, fmt.Sprintf("referrer subscription %s does not exist", link.ReferrerSubscriptionID), nil
	}

	rec, err := discount.LoadRecord(referrer)
	if err != nil {
		return nil, "", err
	}
	if rec == nil || rec.Status != discount.StatusSuspended {
		return nil, "referrer carries no suspended discount", nil
	}

	snapshot, err := discount.LoadSnapshot(referrer)
	if err != nil {
		return nil, "", err
	}
	if !snapshot.Complete() {
		return nil, "suspension snapshot is missing or incomplete", nil
	}

	expected := rec.OriginalPrice
	if referrer.Total.Sub(expected).Abs().GreaterThan(priceTolerance) {
		// manual price edits during suspension are tolerated, not blocking
		v.Logger.Warn("Referrer price drifted during suspension",
			zap.String("ReferrerSubscriptionID", referrer.ID),
			zap.String("CurrentPrice", referrer.Total.String()),
			zap.String("ExpectedPrice", expected.String()),
			zap.String("Channel", "reactivation"),
		)
	}

	return &Validated{
		Link:     link,
		Referrer: referrer,
		Record:   rec,
		Snapshot: snapshot,
	}, "", nil
}
