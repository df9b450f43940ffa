package broker

import (
	"context"
	"time"
)

// Events published by the discount engine for external collaborators
const (
	EventDiscountCalculated  string = "discount.calculated"
	EventDiscountSuspended          = "discount.suspended"
	EventDiscountReactivated        = "discount.reactivated"
	EventDiscountExpired            = "discount.expired"
	EventProcessingFailed           = "discount.processing_failed"
	EventAdminAlert                 = "discount.alert"
	EventConfigChanged              = "discount.config_changed"
)

// Events published by the billing platform and consumed by the engine
const (
	EventCheckoutProcessed   string = "order.checkout_processed"
	EventSubscriptionActive         = "subscription.activated"
	EventStatusChanged              = "subscription.status_changed"
	EventRenewalPaymentDone         = "subscription.renewal_payment"
)

// Event is a fire-and-forget named event with a string payload
type Event struct {
	Name       string            `json:"name"`
	OccurredAt time.Time         `json:"occurredAt"`
	Payload    map[string]string `json:"payload"`
}

// Producer defines the interface for publishing events via message broker
type Producer interface {
	Close()
	Publish(event Event) error
}

// Consumer defines a consumer receiving named events via message broker
type Consumer interface {
	Close()
	Receive(ctx context.Context, queue string, names ...string) (<-chan Event, error)
}
