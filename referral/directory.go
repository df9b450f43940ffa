package referral

import "context"

// Directory is the lookup surface the engine components consume. Get* return
// (nil, nil) when no matching record exists.
type Directory interface {
	CreateCode(ctx context.Context, code *Code) error
	GetCode(ctx context.Context, code string) (*Code, error)
	GetCodeBySubscription(ctx context.Context, subscriptionID string) (*Code, error)
	CreateLink(ctx context.Context, link *Link) error
	GetLinkByOrder(ctx context.Context, orderID string) (*Link, error)
	GetLinkByFilleulSubscription(ctx context.Context, subscriptionID string) (*Link, error)
	AttachFilleulSubscription(ctx context.Context, linkID string, subscriptionID string) error
}

var _ Directory = &Manager{}
