package workflow

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
	"github.com/miragespace/parrainage/referral"
	"github.com/miragespace/parrainage/store"
)

// HookComputeApply is the scheduler hook the delayed compute+apply task
// registers under
const HookComputeApply string = "parrainage_compute_apply"

// TaskScheduler is the delayed task collaborator. At-least-once, never
// exactly-once, and possibly late.
type TaskScheduler interface {
	Schedule(ctx context.Context, runAt time.Time, hook string, args map[string]string) error
}

// DiscountNotice is what the notification collaborator receives when a
// discount lands
type DiscountNotice struct {
	ReferrerSubscriptionID string
	Amount                 decimal.Decimal
	NewPrice               decimal.Decimal
	EndDate                time.Time
}

// Notifier is best-effort: a false return is logged, never acted on
type Notifier interface {
	SendDiscountApplied(ctx context.Context, customerEmail string, notice DiscountNotice) bool
}

// Attempt is the transient identity of one delayed compute+apply invocation.
// It lives in the scheduler's task args and nowhere else.
type Attempt struct {
	OrderID               string
	FilleulSubscriptionID string
	Number                int
}

func attemptFromArgs(args map[string]string) (*Attempt, error) {
	orderID := args["orderId"]
	subID := args["subscriptionId"]
	if len(orderID) == 0 || len(subID) == 0 {
		return nil, fmt.Errorf("task args are missing orderId/subscriptionId")
	}
	number, err := strconv.Atoi(args["attempt"])
	if err != nil {
		return nil, extErrors.Wrap(err, "task args carry a malformed attempt counter")
	}
	return &Attempt{
		OrderID:               orderID,
		FilleulSubscriptionID: subID,
		Number:                number,
	}, nil
}

func (a *Attempt) toArgs() map[string]string {
	return map[string]string{
		"orderId":        a.OrderID,
		"subscriptionId": a.FilleulSubscriptionID,
		"attempt":        strconv.Itoa(a.Number),
	}
}

type OrchestratorOptions struct {
	Store      store.Store
	Referrals  referral.Directory
	Scheduler  TaskScheduler
	Producer   broker.Producer
	Validator  *discount.Validator
	Calculator *discount.Calculator
	Mutator    *discount.Mutator
	Notifier   Notifier // optional
	Logger     *zap.Logger

	// ScheduleDelay is how long after activation the compute+apply task fires
	ScheduleDelay time.Duration
	// RetryDelay is the fixed backoff between attempts
	RetryDelay time.Duration
	// MaxAttempts bounds the retry budget before the terminal error state
	MaxAttempts int
}

// Orchestrator drives the discount state machine:
// pending -> scheduled -> calculated -> applied, with a retrying error
// side-path. Every phase re-checks its preconditions before acting because
// the scheduler may fire the same task more than once.
type Orchestrator struct {
	OrchestratorOptions
}

func NewOrchestrator(option OrchestratorOptions) (*Orchestrator, error) {
	if option.Store == nil {
		return nil, fmt.Errorf("nil Store is invalid")
	}
	if option.Referrals == nil {
		return nil, fmt.Errorf("nil Referrals is invalid")
	}
	if option.Scheduler == nil {
		return nil, fmt.Errorf("nil Scheduler is invalid")
	}
	if option.Producer == nil {
		return nil, fmt.Errorf("nil Producer is invalid")
	}
	if option.Validator == nil {
		return nil, fmt.Errorf("nil Validator is invalid")
	}
	if option.Calculator == nil {
		return nil, fmt.Errorf("nil Calculator is invalid")
	}
	if option.Mutator == nil {
		return nil, fmt.Errorf("nil Mutator is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	if option.ScheduleDelay == 0 {
		option.ScheduleDelay = 5 * time.Minute
	}
	if option.RetryDelay == 0 {
		option.RetryDelay = 10 * time.Minute
	}
	if option.MaxAttempts == 0 {
		option.MaxAttempts = 3
	}
	return &Orchestrator{
		OrchestratorOptions: option,
	}, nil
}

// MarkOrder is the synchronous checkout-time step: stamp the order pending
// and store the code. No lookups, no external calls; everything else is
// deferred to the scheduled task.
func (o *Orchestrator) MarkOrder(ctx context.Context, orderID, code string) error {
	if !referral.ValidCodeFormat(code) {
		o.Logger.Info("Ignoring malformed referral code at checkout",
			zap.String("OrderID", orderID),
		)
		return nil
	}
	var lambdaErr error
	_, err := o.Store.UpdateOrder(ctx, orderID, func(current *store.Order, desired *store.Order) bool {
		if current == nil {
			lambdaErr = fmt.Errorf("order %s does not exist", orderID)
			return false
		}
		if _, ok := current.GetMeta(discount.MetaOrderPending); ok {
			return false
		}
		desired.ReferralCode = code
		desired.SetMeta(discount.MetaOrderPending, code)
		return true
	})
	if err != nil {
		return extErrors.Wrap(err, "Cannot mark order as pending")
	}
	return lambdaErr
}

// ScheduleResult is the structured outcome of the scheduling phase
type ScheduleResult struct {
	Scheduled  bool
	Skipped    bool
	CronFailed bool
	Reason     string
}

// ScheduleOrder runs when the referred subscription activates: resolve the
// captured code to its parrain, persist the referral link, and enqueue the
// delayed compute+apply task. A scheduler outage parks the order in
// cron_failed for manual follow-up instead of retrying.
func (o *Orchestrator) ScheduleOrder(ctx context.Context, orderID, filleulSubID string) (*ScheduleResult, error) {
	logger := o.Logger.With(
		zap.String("OrderID", orderID),
		zap.String("FilleulSubscriptionID", filleulSubID),
		zap.String("Channel", "workflow"),
	)

	order, err := o.Store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order == nil {
		return &ScheduleResult{Skipped: true, Reason: "order does not exist"}, nil
	}
	code, ok := order.GetMeta(discount.MetaOrderPending)
	if !ok {
		return &ScheduleResult{Skipped: true, Reason: "order is not pending"}, nil
	}

	resolved, err := o.Referrals.GetCode(ctx, code)
	if err != nil {
		return nil, err
	}
	if resolved == nil {
		logger.Info("Referral code does not resolve to a parrain",
			zap.String("Code", code),
		)
		return &ScheduleResult{Skipped: true, Reason: "unknown referral code"}, nil
	}

	if err := o.ensureLink(ctx, order, resolved, filleulSubID); err != nil {
		return nil, err
	}

	attempt := &Attempt{
		OrderID:               orderID,
		FilleulSubscriptionID: filleulSubID,
		Number:                1,
	}
	if err := o.Scheduler.Schedule(ctx, time.Now().Add(o.ScheduleDelay), HookComputeApply, attempt.toArgs()); err != nil {
		logger.Error("Scheduler is unavailable, parking order for manual follow-up",
			zap.Error(err),
		)
		o.markOrderStatus(ctx, orderID, discount.OrderStatusCronFailed)
		o.note(ctx, orderID, "Planification de la remise parrainage impossible, intervention manuelle requise")
		return &ScheduleResult{CronFailed: true, Reason: err.Error()}, nil
	}

	o.markOrderStatus(ctx, orderID, discount.OrderStatusScheduled)
	logger.Info("Compute+apply task scheduled",
		zap.Duration("Delay", o.ScheduleDelay),
	)

	return &ScheduleResult{Scheduled: true}, nil
}

func (o *Orchestrator) ensureLink(ctx context.Context, order *store.Order, code *referral.Code, filleulSubID string) error {
	link, err := o.Referrals.GetLinkByOrder(ctx, order.ID)
	if err != nil {
		return err
	}
	if link == nil {
		return o.Referrals.CreateLink(ctx, &referral.Link{
			ID:                     referral.NewLinkID(),
			Code:                   code.Code,
			ReferrerCustomerID:     code.CustomerID,
			ReferrerSubscriptionID: code.SubscriptionID,
			OrderID:                order.ID,
			FilleulSubscriptionID:  filleulSubID,
		})
	}
	if len(link.FilleulSubscriptionID) == 0 {
		return o.Referrals.AttachFilleulSubscription(ctx, link.ID, filleulSubID)
	}
	return nil
}

// HandleComputeApply is the delayed task entry point. Always returns nil to
// the scheduler except for malformed args: transient failures are retried on
// our own schedule, and redelivering a handled task would double-fire.
func (o *Orchestrator) HandleComputeApply(ctx context.Context, args map[string]string) error {
	attempt, err := attemptFromArgs(args)
	if err != nil {
		o.Logger.Error("Dropping malformed compute+apply task",
			zap.Error(err),
		)
		return nil
	}

	logger := o.Logger.With(
		zap.String("OrderID", attempt.OrderID),
		zap.String("FilleulSubscriptionID", attempt.FilleulSubscriptionID),
		zap.Int("Attempt", attempt.Number),
		zap.String("Channel", "workflow"),
	)

	// idempotency guard (a): the referred subscription must still be active
	filleul, err := o.Store.GetSubscription(ctx, attempt.FilleulSubscriptionID)
	if err != nil {
		o.retryOrFail(ctx, logger, attempt, err)
		return nil
	}
	if filleul == nil || filleul.Status != store.StateActive {
		logger.Info("Referred subscription is no longer active, abandoning")
		return nil
	}

	// idempotency guard (b): a duplicate task firing must not double-apply
	order, err := o.Store.GetOrder(ctx, attempt.OrderID)
	if err != nil {
		o.retryOrFail(ctx, logger, attempt, err)
		return nil
	}
	if order == nil {
		logger.Info("Order disappeared, abandoning")
		return nil
	}
	if _, ok := order.GetMeta(discount.MetaOrderCalculated); ok {
		logger.Info("Order already carries a calculated marker, abandoning")
		return nil
	}

	link, err := o.Referrals.GetLinkByOrder(ctx, attempt.OrderID)
	if err != nil {
		o.retryOrFail(ctx, logger, attempt, err)
		return nil
	}
	if link == nil {
		logger.Info("No referral link for order, abandoning")
		return nil
	}

	applied, err := o.computeAndApply(ctx, logger, attempt, order, link)
	if err != nil {
		o.retryOrFail(ctx, logger, attempt, err)
		return nil
	}

	o.finishOrder(ctx, attempt.OrderID)
	if applied == nil {
		logger.Info("No product yielded an eligible discount")
		return nil
	}

	o.publish(broker.Event{
		Name:       broker.EventDiscountCalculated,
		OccurredAt: time.Now(),
		Payload: map[string]string{
			"orderId":                attempt.OrderID,
			"referrerSubscriptionId": link.ReferrerSubscriptionID,
			"filleulSubscriptionId":  attempt.FilleulSubscriptionID,
			"amount":                 applied.Record.Amount.String(),
			"newPrice":               applied.NewPrice.String(),
		},
	})
	o.notify(ctx, link.ReferrerSubscriptionID, applied)

	logger.Info("Discount applied",
		zap.String("ReferrerSubscriptionID", link.ReferrerSubscriptionID),
		zap.String("Amount", applied.Record.Amount.String()),
		zap.String("NewPrice", applied.NewPrice.String()),
	)
	return nil
}

// computeAndApply validates and calculates per referred product and applies
// the first discount that comes through. A configuration error aborts that
// product only, never the whole order.
func (o *Orchestrator) computeAndApply(ctx context.Context, logger *zap.Logger, attempt *Attempt, order *store.Order, link *referral.Link) (*discount.ApplyResult, error) {
	referrer, err := o.Store.GetSubscription(ctx, link.ReferrerSubscriptionID)
	if err != nil {
		return nil, err
	}
	if referrer == nil {
		logger.Info("Referrer subscription disappeared, abandoning")
		return nil, nil
	}

	validation := o.Validator.NewValidation()
	for _, item := range order.Items {
		eligibility, err := validation.Check(ctx, link.ReferrerSubscriptionID, order.ID, item.ProductID)
		if err != nil {
			return nil, err
		}
		if !eligibility.Eligible {
			continue
		}

		calc, err := o.Calculator.Calculate(ctx, item.ProductID, referrer.Total)
		if err != nil {
			switch err.(type) {
			case *discount.ErrNoConfig, *discount.ErrUnsupportedType:
				logger.Warn("Product discount configuration is unusable, skipping product",
					zap.String("ProductID", item.ProductID),
					zap.Error(err),
				)
				continue
			}
			return nil, err
		}
		if !calc.Amount.IsPositive() {
			continue
		}

		applied, err := o.Mutator.Apply(ctx, link.ReferrerSubscriptionID, calc.Amount, attempt.FilleulSubscriptionID, attempt.OrderID)
		if err != nil {
			return nil, err
		}
		if applied.AlreadyActive {
			logger.Info("Discount already active on referrer, treating as applied")
			return nil, nil
		}
		return applied, nil
	}
	return nil, nil
}

// retryOrFail schedules the next attempt, or parks the order in the terminal
// error state once the budget is spent. Exactly one administrative alert is
// raised on exhaustion.
func (o *Orchestrator) retryOrFail(ctx context.Context, logger *zap.Logger, attempt *Attempt, cause error) {
	if attempt.Number < o.MaxAttempts {
		next := &Attempt{
			OrderID:               attempt.OrderID,
			FilleulSubscriptionID: attempt.FilleulSubscriptionID,
			Number:                attempt.Number + 1,
		}
		if err := o.Scheduler.Schedule(ctx, time.Now().Add(o.RetryDelay), HookComputeApply, next.toArgs()); err == nil {
			logger.Warn("Attempt failed, retry scheduled",
				zap.Error(cause),
				zap.Int("NextAttempt", next.Number),
			)
			return
		}
		logger.Error("Cannot schedule retry, failing terminally")
	}

	logger.Error("Retry budget exhausted, parking order in error state",
		zap.Error(cause),
	)
	o.markOrderStatus(ctx, attempt.OrderID, discount.OrderStatusError)
	o.note(ctx, attempt.OrderID, fmt.Sprintf(
		"Calcul de la remise parrainage abandonné après %d tentatives: %s", attempt.Number, cause,
	))
	o.publish(broker.Event{
		Name:       broker.EventProcessingFailed,
		OccurredAt: time.Now(),
		Payload: map[string]string{
			"orderId": attempt.OrderID,
			"error":   cause.Error(),
		},
	})
	o.publish(broker.Event{
		Name:       broker.EventAdminAlert,
		OccurredAt: time.Now(),
		Payload: map[string]string{
			"orderId":  attempt.OrderID,
			"error":    cause.Error(),
			"attempts": strconv.Itoa(attempt.Number),
		},
	})
}

// finishOrder stamps the calculated marker and clears the pending one, so
// duplicate firings and late retries find nothing to do
func (o *Orchestrator) finishOrder(ctx context.Context, orderID string) {
	_, err := o.Store.UpdateOrder(ctx, orderID, func(current *store.Order, desired *store.Order) bool {
		if current == nil {
			return false
		}
		desired.SetMeta(discount.MetaOrderCalculated, "yes")
		desired.DeleteMeta(discount.MetaOrderPending)
		desired.DeleteMeta(discount.MetaOrderStatus)
		return true
	})
	if err != nil {
		o.Logger.Error("Unable to stamp calculated marker",
			zap.String("OrderID", orderID),
			zap.Error(err),
		)
	}
}

func (o *Orchestrator) markOrderStatus(ctx context.Context, orderID, status string) {
	_, err := o.Store.UpdateOrder(ctx, orderID, func(current *store.Order, desired *store.Order) bool {
		if current == nil {
			return false
		}
		desired.SetMeta(discount.MetaOrderStatus, status)
		return true
	})
	if err != nil {
		o.Logger.Error("Unable to update order workflow status",
			zap.String("OrderID", orderID),
			zap.String("Status", status),
			zap.Error(err),
		)
	}
}

func (o *Orchestrator) notify(ctx context.Context, referrerSubID string, applied *discount.ApplyResult) {
	if o.Notifier == nil {
		return
	}
	referrer, err := o.Store.GetSubscription(ctx, referrerSubID)
	if err != nil || referrer == nil {
		return
	}
	if !o.Notifier.SendDiscountApplied(ctx, referrer.CustomerEmail, DiscountNotice{
		ReferrerSubscriptionID: referrerSubID,
		Amount:                 applied.Record.Amount,
		NewPrice:               applied.NewPrice,
		EndDate:                applied.Record.EndDate,
	}) {
		o.Logger.Warn("Discount notification was not delivered",
			zap.String("ReferrerSubscriptionID", referrerSubID),
		)
	}
}

func (o *Orchestrator) publish(event broker.Event) {
	if err := o.Producer.Publish(event); err != nil {
		o.Logger.Warn("Unable to publish event",
			zap.String("Event", event.Name),
			zap.Error(err),
		)
	}
}

func (o *Orchestrator) note(ctx context.Context, recordID, text string) {
	if err := o.Store.AddNote(ctx, recordID, text); err != nil {
		o.Logger.Warn("Unable to append audit note",
			zap.String("RecordID", recordID),
			zap.Error(err),
		)
	}
}
