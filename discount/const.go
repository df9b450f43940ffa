package discount

// Status is the custom type to define where a discount is in its lifecycle
type Status string

// Lifecycle: pending -> scheduled -> calculated -> applied -> {suspended <-> reactivated} -> expired,
// with error as the terminal side-path when the retry budget is exhausted
const (
	StatusPending     Status = "pending"
	StatusScheduled   Status = "scheduled"
	StatusCalculated  Status = "calculated"
	StatusApplied     Status = "applied"
	StatusSuspended   Status = "suspended"
	StatusReactivated Status = "reactivated"
	StatusExpired     Status = "expired"
	StatusError       Status = "error"
)

// Active reports whether the discount is currently reducing the parrain's price
func (s Status) Active() bool {
	return s == StatusApplied || s == StatusReactivated
}

// Open reports whether the discount lineage is still open. While open, the
// captured original price must never be overwritten.
func (s Status) Open() bool {
	return s == StatusApplied || s == StatusSuspended || s == StatusReactivated
}

// Metadata keys on the parrain's recurring billing record
const (
	MetaDiscountRecord     string = "_parrainage_discount"
	MetaSuspensionSnapshot        = "_parrainage_suspension"
)

// Metadata keys on the filleul's recurring billing record
const (
	MetaBillingCount    string = "facturation_count"
	MetaStandardPrice          = "prix_standard_historique"
	MetaDiscountExpired        = "remise_expiree"
)

// Metadata keys on the filleul's order
const (
	MetaOrderPending    string = "_parrainage_pending"    // value is the referral code
	MetaOrderCalculated        = "_parrainage_calculated" // set once the delayed task has applied the discount
	MetaOrderStatus            = "_parrainage_status"     // scheduled / cron_failed / error
)

// Order workflow markers stored under MetaOrderStatus
const (
	OrderStatusScheduled  string = "scheduled"
	OrderStatusCronFailed        = "cron_failed"
	OrderStatusError             = "error"
)
