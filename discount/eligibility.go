package discount

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/miragespace/parrainage/store"
)

// Failure codes for expected ineligibility. These are results, never errors.
const (
	FailureReferrerNotFound string = "referrer_not_found"
	FailureReferrerStatus          = "referrer_status"
	FailureDiscountActive          = "discount_already_applied"
	FailureOrderNotFound           = "order_not_found"
	FailureOrderStatus             = "order_status"
	FailureNoReferralCode          = "no_referral_code"
	FailureConfigMissing           = "config_missing"
	FailureConfigInvalid           = "config_invalid"
	FailureSelfReferral            = "self_referral"
	FailureTooManyActive           = "too_many_active_discounts"
)

// Failure is a single reason a referral is not eligible
type Failure struct {
	Code   string `json:"code"`
	Detail string `json:"detail"`
}

// EligibilityResult accumulates every failing condition instead of stopping
// at the first, so the audit trail shows the complete picture
type EligibilityResult struct {
	Eligible bool      `json:"eligible"`
	Failures []Failure `json:"failures"`
}

func (r *EligibilityResult) fail(code, format string, args ...interface{}) {
	r.Eligible = false
	r.Failures = append(r.Failures, Failure{
		Code:   code,
		Detail: fmt.Sprintf(format, args...),
	})
}

type ValidatorOptions struct {
	Store   store.Store
	Configs ConfigProvider
	Logger  *zap.Logger

	// MaxActiveDiscounts caps how many discounts a single customer may hold
	// at once across their recurring billing records
	MaxActiveDiscounts int
}

// Validator checks the business rules gating a referral discount
type Validator struct {
	ValidatorOptions
}

func NewValidator(option ValidatorOptions) (*Validator, error) {
	if option.Store == nil {
		return nil, fmt.Errorf("nil Store is invalid")
	}
	if option.Configs == nil {
		return nil, fmt.Errorf("nil Configs is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	if option.MaxActiveDiscounts == 0 {
		option.MaxActiveDiscounts = 5
	}
	return &Validator{
		ValidatorOptions: option,
	}, nil
}

// Validation memoizes eligibility results per (referrer, order, product)
// tuple for a single request scope. Not safe for reuse across requests.
type Validation struct {
	validator *Validator
	memo      map[string]*EligibilityResult
}

// NewValidation opens a request-scoped validation session
func (v *Validator) NewValidation() *Validation {
	return &Validation{
		validator: v,
		memo:      make(map[string]*EligibilityResult),
	}
}

// Check runs every eligibility condition independently and returns the union
// of failures. An error is returned only for infrastructure faults; expected
// ineligibility is always a result.
func (s *Validation) Check(ctx context.Context, referrerSubID, orderID, productID string) (*EligibilityResult, error) {
	key := referrerSubID + "|" + orderID + "|" + productID
	if cached, ok := s.memo[key]; ok {
		return cached, nil
	}
	result, err := s.validator.check(ctx, referrerSubID, orderID, productID)
	if err != nil {
		return nil, err
	}
	s.memo[key] = result
	return result, nil
}

func (v *Validator) check(ctx context.Context, referrerSubID, orderID, productID string) (*EligibilityResult, error) {
	result := &EligibilityResult{
		Eligible: true,
		Failures: make([]Failure, 0),
	}

	referrer, err := v.Store.GetSubscription(ctx, referrerSubID)
	if err != nil {
		return nil, err
	}
	if referrer == nil {
		result.fail(FailureReferrerNotFound, "referrer subscription %s does not exist", referrerSubID)
	} else {
		if referrer.Status != store.StateActive && referrer.Status != store.StatePending {
			result.fail(FailureReferrerStatus, "referrer subscription %s has status %s", referrerSubID, referrer.Status)
		}
		rec, err := LoadRecord(referrer)
		if err != nil {
			return nil, err
		}
		if rec != nil && rec.Status.Active() {
			result.fail(FailureDiscountActive, "referrer subscription %s already has an applied discount", referrerSubID)
		}
	}

	order, err := v.Store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order == nil {
		result.fail(FailureOrderNotFound, "referred order %s does not exist", orderID)
	} else {
		if order.Status != store.OrderCompleted && order.Status != store.OrderProcessing {
			result.fail(FailureOrderStatus, "referred order %s has status %s", orderID, order.Status)
		}
		if len(order.ReferralCode) == 0 {
			result.fail(FailureNoReferralCode, "referred order %s carries no referral code", orderID)
		}
	}

	cfg, err := v.Configs.GetProductConfig(ctx, productID)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		result.fail(FailureConfigMissing, "product %s has no discount configuration", productID)
	} else {
		if cfg.Type != TypePercentage && cfg.Type != TypeFixed {
			result.fail(FailureConfigInvalid, "product %s has unrecognized discount type %q", productID, cfg.Type)
		}
		if !cfg.Amount.IsPositive() {
			result.fail(FailureConfigInvalid, "product %s has non-positive discount amount %s", productID, cfg.Amount)
		}
	}

	if referrer != nil && order != nil && referrer.CustomerID == order.CustomerID {
		result.fail(FailureSelfReferral, "customer %s cannot refer themselves", order.CustomerID)
	}

	if referrer != nil {
		active, err := v.countActiveDiscounts(ctx, referrer.CustomerID)
		if err != nil {
			return nil, err
		}
		if active >= v.MaxActiveDiscounts {
			result.fail(FailureTooManyActive, "customer %s already holds %d active discounts (max %d)", referrer.CustomerID, active, v.MaxActiveDiscounts)
		}
	}

	if !result.Eligible {
		v.Logger.Info("Referral is not eligible",
			zap.String("ReferrerSubscriptionID", referrerSubID),
			zap.String("OrderID", orderID),
			zap.String("ProductID", productID),
			zap.Int("Failures", len(result.Failures)),
		)
	}

	return result, nil
}

func (v *Validator) countActiveDiscounts(ctx context.Context, customerID string) (int, error) {
	subs, err := v.Store.ListCustomerSubscriptions(ctx, customerID)
	if err != nil {
		return 0, err
	}
	var active int
	for k := range subs {
		rec, err := LoadRecord(&subs[k])
		if err != nil {
			return 0, err
		}
		if rec != nil && rec.Status.Active() {
			active++
		}
	}
	return active, nil
}
