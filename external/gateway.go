package external

import (
	"context"
	"fmt"

	extErrors "github.com/pkg/errors"
	"github.com/shopspring/decimal"
	stripe "github.com/stripe/stripe-go/v72"
	"github.com/stripe/stripe-go/v72/client"
	"go.uber.org/zap"
)

type StripeGatewayOptions struct {
	StripeClient *client.API
	Logger       *zap.Logger
}

// StripeGateway mirrors subscription price changes onto the payment
// processor. The engine's database stays authoritative; every push here is
// best-effort and callers only log a failure.
type StripeGateway struct {
	StripeGatewayOptions
}

func NewStripeGateway(option StripeGatewayOptions) (*StripeGateway, error) {
	if option.StripeClient == nil {
		return nil, fmt.Errorf("nil StripeClient is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	return &StripeGateway{
		StripeGatewayOptions: option,
	}, nil
}

// SyncPrice annotates the processor-side subscription with the engine's
// current recurring total. The processor bills from its own price objects;
// this keeps the two views reconcilable.
func (g *StripeGateway) SyncPrice(ctx context.Context, subscriptionID string, total decimal.Decimal) error {
	params := &stripe.SubscriptionParams{
		Params: stripe.Params{
			Context: ctx,
		},
	}
	params.AddMetadata("parrainage_total", total.String())

	if _, err := g.StripeClient.Subscriptions.Update(subscriptionID, params); err != nil {
		g.Logger.Warn("Stripe rejected the price annotation",
			zap.String("SubscriptionID", subscriptionID),
			zap.Error(err),
		)
		return extErrors.Wrap(err, "Cannot sync price to Stripe")
	}
	return nil
}
