package discount

import (
	"encoding/json"
	"time"

	extErrors "github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/miragespace/parrainage/store"
)

// Snapshot captures the parrain's state at suspension time so a later
// reactivation can restore the exact discounted price. A snapshot is consumed
// (deleted) by a successful reactivation; if the filleul never comes back the
// snapshot is retained for audit.
type Snapshot struct {
	OriginalDiscountAmount decimal.Decimal `json:"originalDiscountAmount"`
	PriceBeforeSuspension  decimal.Decimal `json:"priceBeforeSuspension"`
	SuspendedAt            time.Time       `json:"suspendedAt"`
	CausingStatus          store.State     `json:"causingStatus"`
}

// Complete reports whether all snapshot fields required for a restoration are
// present. PriceBeforeSuspension may legitimately be zero (fully clamped
// discount), so presence is keyed on the other two fields.
func (s *Snapshot) Complete() bool {
	return s != nil &&
		!s.SuspendedAt.IsZero() &&
		!s.OriginalDiscountAmount.IsZero() &&
		len(s.CausingStatus) > 0
}

// LoadSnapshot decodes the suspension snapshot from the parrain's metadata.
// Returns (nil, nil) when no suspension has been recorded.
func LoadSnapshot(sub *store.Subscription) (*Snapshot, error) {
	raw, ok := sub.GetMeta(MetaSuspensionSnapshot)
	if !ok {
		return nil, nil
	}
	var snap Snapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		return nil, extErrors.Wrap(err, "Cannot decode suspension snapshot")
	}
	return &snap, nil
}

// Save stages the snapshot onto the parrain's metadata
func (s *Snapshot) Save(sub *store.Subscription) error {
	encoded, err := json.Marshal(s)
	if err != nil {
		return extErrors.Wrap(err, "Cannot encode suspension snapshot")
	}
	sub.SetMeta(MetaSuspensionSnapshot, string(encoded))
	return nil
}

// DeleteSnapshot stages the removal of a consumed snapshot
func DeleteSnapshot(sub *store.Subscription) {
	sub.DeleteMeta(MetaSuspensionSnapshot)
}
