package suspension

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/miragespace/parrainage/discount"
	"github.com/miragespace/parrainage/referral"
	"github.com/miragespace/parrainage/store"
)

// IsTrigger reports whether a filleul status transition should suspend the
// parrain's discount
func IsTrigger(s store.State) bool {
	switch s {
	case store.StateCancelled, store.StateOnHold, store.StateExpired, store.StatePendingCancel:
		return true
	}
	return false
}

// Input identifies the filleul transition under validation
type Input struct {
	FilleulSubscriptionID string
	NewStatus             store.State
}

// Validated carries the resolved records a validated suspension will act on
type Validated struct {
	Link     *referral.Link
	Referrer *store.Subscription
	Record   *discount.Record
}

type ValidatorOptions struct {
	Store     store.Store
	Referrals referral.Directory
	Logger    *zap.Logger
}

// Validator confirms a filleul transition is an actionable suspension trigger
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
// Rejections are expected outcomes, never errors; the error return is for
// infrastructure faults only.
func (v *Validator) Validate(ctx context.Context, input Input) (*Validated, string, error) {
	if !IsTrigger(input.NewStatus) {
		return nil, fmt.Sprintf("status %s is not a suspension trigger", input.NewStatus), nil
	}

	link, err := v.Referrals.GetLinkByFilleulSubscription(ctx, input.FilleulSubscriptionID)
	if err != nil {
		return nil, "", err
	}
	if link == nil {
		return nil, fmt.Sprintf("subscription %s is not a referred subscription", input.FilleulSubscriptionID), nil
	}
	if link.ReferrerSubscriptionID == link.FilleulSubscriptionID {
		return nil, "referrer and referred subscriptions are the same record", nil
	}

	referrer, err := v.Store.GetSubscription(ctx, link.ReferrerSubscriptionID)
	if err != nil {
		return nil, "", err
	}
	if referrer == nil {
		return nil, fmt.Sprintf("referrer subscription %s does not exist", link.ReferrerSubscriptionID), nil
	}
	if referrer.Status != store.StateActive && referrer.Status != store.StateOnHold {
		return nil, fmt.Sprintf("referrer subscription %s has status %s", referrer.ID, referrer.Status), nil
	}

	rec, err := discount.LoadRecord(referrer)
	if err != nil {
		return nil, "", err
	}
	if rec == nil {
		return nil, "referrer carries no discount record", nil
	}
	if rec.Status == discount.StatusSuspended {
		return nil, "discount is already suspended", nil
	}
	if !rec.Status.Active() {
		return nil, fmt.Sprintf("discount status %s is not suspendable", rec.Status), nil
	}

	return &Validated{
		Link:     link,
		Referrer: referrer,
		Record:   rec,
	}, "", nil
}
