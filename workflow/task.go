package workflow

import (
	"context"
	"fmt"

	extErrors "github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/miragespace/parrainage/broker"
	"github.com/miragespace/parrainage/discount"
	"github.com/miragespace/parrainage/expiration"
	"github.com/miragespace/parrainage/reactivation"
	"github.com/miragespace/parrainage/store"
	"github.com/miragespace/parrainage/suspension"
)

const eventsQueue = "parrainage_engine"

type TaskOptions struct {
	Consumer     broker.Consumer
	Orchestrator *Orchestrator
	Suspension   *suspension.Manager
	Reactivation *reactivation.Manager
	Expiration   *expiration.Tracker
	Calculator   *discount.Calculator
	Logger       *zap.Logger
}

// Task subscribes to billing platform events and routes each one to the
// component that owns it
type Task struct {
	TaskOptions
}

func NewTask(option TaskOptions) (*Task, error) {
	if option.Consumer == nil {
		return nil, fmt.Errorf("nil Consumer is invalid")
	}
	if option.Orchestrator == nil {
		return nil, fmt.Errorf("nil Orchestrator is invalid")
	}
	if option.Suspension == nil {
		return nil, fmt.Errorf("nil Suspension is invalid")
	}
	if option.Reactivation == nil {
		return nil, fmt.Errorf("nil Reactivation is invalid")
	}
	if option.Expiration == nil {
		return nil, fmt.Errorf("nil Expiration is invalid")
	}
	if option.Calculator == nil {
		return nil, fmt.Errorf("nil Calculator is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	return &Task{
		TaskOptions: option,
	}, nil
}

// HandleEvents starts the consumer loop. It returns once the subscription is
// established; dispatching continues until ctx is cancelled.
func (t *Task) HandleEvents(ctx context.Context) error {
	events, err := t.Consumer.Receive(ctx, eventsQueue,
		broker.EventCheckoutProcessed,
		broker.EventSubscriptionActive,
		broker.EventStatusChanged,
		broker.EventRenewalPaymentDone,
		broker.EventConfigChanged,
	)
	if err != nil {
		return extErrors.Wrap(err, "Cannot subscribe to billing platform events")
	}
	go t.dispatchLoop(ctx, events)
	return nil
}

func (t *Task) dispatchLoop(ctx context.Context, events <-chan broker.Event) {
	for {
		select {
		case <-ctx.Done():
			t.Logger.Info("Event dispatch loop exiting")
			return
		case event, ok := <-events:
			if !ok {
				t.Logger.Error("Event channel closed unexpectedly, dispatch loop exiting")
				return
			}
			t.dispatch(ctx, event)
		}
	}
}

func (t *Task) dispatch(ctx context.Context, event broker.Event) {
	logger := t.Logger.With(
		zap.String("Event", event.Name),
	)
	switch event.Name {
	case broker.EventCheckoutProcessed:
		t.handleCheckout(ctx, logger, event)
	case broker.EventSubscriptionActive:
		t.handleActivation(ctx, logger, event)
	case broker.EventStatusChanged:
		t.handleStatusChange(ctx, logger, event)
	case broker.EventRenewalPaymentDone:
		t.handleRenewal(ctx, logger, event)
	case broker.EventConfigChanged:
		t.handleConfigChange(logger, event)
	default:
		logger.Warn("Unroutable event received")
	}
}

func (t *Task) handleCheckout(ctx context.Context, logger *zap.Logger, event broker.Event) {
	orderID := event.Payload["orderId"]
	code := event.Payload["referralCode"]
	if len(orderID) == 0 || len(code) == 0 {
		// checkouts without a referral code are none of our business
		return
	}
	if err := t.Orchestrator.MarkOrder(ctx, orderID, code); err != nil {
		logger.Error("Unable to mark order at checkout",
			zap.String("OrderID", orderID),
			zap.Error(err),
		)
	}
}

func (t *Task) handleActivation(ctx context.Context, logger *zap.Logger, event broker.Event) {
	orderID := event.Payload["orderId"]
	subID := event.Payload["subscriptionId"]
	if len(orderID) == 0 || len(subID) == 0 {
		logger.Warn("Activation event is missing orderId/subscriptionId")
		return
	}
	if _, err := t.Orchestrator.ScheduleOrder(ctx, orderID, subID); err != nil {
		logger.Error("Unable to schedule discount computation",
			zap.String("OrderID", orderID),
			zap.Error(err),
		)
	}
	if err := t.Expiration.CaptureStandardPrice(ctx, subID, orderID); err != nil {
		logger.Error("Unable to capture standard price",
			zap.String("SubscriptionID", subID),
			zap.Error(err),
		)
	}
}

func (t *Task) handleStatusChange(ctx context.Context, logger *zap.Logger, event broker.Event) {
	subID := event.Payload["subscriptionId"]
	newStatus := store.State(event.Payload["newStatus"])
	if len(subID) == 0 || len(newStatus) == 0 {
		logger.Warn("Status change event is missing subscriptionId/newStatus")
		return
	}
	switch {
	case suspension.IsTrigger(newStatus):
		t.Suspension.HandleStatusChange(ctx, subID, newStatus)
	case newStatus == store.StateActive:
		t.Reactivation.HandleStatusChange(ctx, subID, newStatus)
	}
}

// handleConfigChange drops the memoized product config so the next
// calculation in this process sees what the administrator just wrote
func (t *Task) handleConfigChange(logger *zap.Logger, event broker.Event) {
	productID := event.Payload["productId"]
	if len(productID) == 0 {
		logger.Warn("Config change event is missing productId")
		return
	}
	t.Calculator.Invalidate(productID)
	logger.Info("Dropped memoized product config",
		zap.String("ProductID", productID),
	)
}

func (t *Task) handleRenewal(ctx context.Context, logger *zap.Logger, event broker.Event) {
	subID := event.Payload["subscriptionId"]
	if len(subID) == 0 {
		logger.Warn("Renewal event is missing subscriptionId")
		return
	}
	if _, err := t.Expiration.HandleRenewalPayment(ctx, subID); err != nil {
		logger.Error("Unable to process renewal payment",
			zap.String("SubscriptionID", subID),
			zap.Error(err),
		)
	}
}
