package discount

import (
	"encoding/json"
	"time"

	extErrors "github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/miragespace/parrainage/store"
)

// Record is the discount attached to the parrain's recurring billing record.
// It lives in the record's metadata, not in a table of its own: the billing
// platform owns the storage, we only own the encoding.
type Record struct {
	Status                Status            `json:"status"`
	Amount                decimal.Decimal   `json:"discountAmount"`
	OriginalPrice         decimal.Decimal   `json:"originalPrice"`
	OriginalItemPrices    map[string]string `json:"originalItemPrices,omitempty"`
	StartDate             time.Time         `json:"startDate"`
	EndDate               time.Time         `json:"endDate"`
	FilleulSubscriptionID string            `json:"filleulSubscriptionId"`
	FilleulOrderID        string            `json:"filleulOrderId"`
	ReactivatedAt         *time.Time        `json:"reactivatedAt,omitempty"`
}

// LoadRecord decodes the discount record from the parrain's metadata.
// Returns (nil, nil) when the parrain has never carried a discount.
func LoadRecord(sub *store.Subscription) (*Record, error) {
	raw, ok := sub.GetMeta(MetaDiscountRecord)
	if !ok {
		return nil, nil
	}
	var rec Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, extErrors.Wrap(err, "Cannot decode discount record")
	}
	return &rec, nil
}

// Save stages the record onto the parrain's metadata. Persisted with the
// surrounding guarded update.
func (r *Record) Save(sub *store.Subscription) error {
	encoded, err := json.Marshal(r)
	if err != nil {
		return extErrors.Wrap(err, "Cannot encode discount record")
	}
	sub.SetMeta(MetaDiscountRecord, string(encoded))
	return nil
}
