package referral

import (
	"regexp"
	"time"

	"github.com/lithammer/shortuuid/v3"
)

// NewLinkID generates the identity of a new Link
func NewLinkID() string {
	return shortuuid.New()
}

var codeFormat = regexp.MustCompile(`^[A-Za-z0-9]{6,32}$`)

// ValidCodeFormat reports whether a presented string has the shape of a
// referral code. Format only, no existence lookup.
func ValidCodeFormat(code string) bool {
	return codeFormat.MatchString(code)
}

// Code is a referral code owned by a parrain. Presenting it at checkout is
// what ties a new order back to the referrer's recurring billing record.
type Code struct {
	Code           string    `json:"code" gorm:"primaryKey"`
	CustomerID     string    `json:"customerId" gorm:"index"`     // the parrain's customer ID
	SubscriptionID string    `json:"subscriptionId" gorm:"index"` // the parrain's recurring billing record
	CreatedAt      time.Time `json:"createdAt"`
}

// Link associates a parrain with a filleul order captured at checkout.
// Immutable once created, except for the one-time backfill of the filleul's
// subscription ID once the order spawns one.
type Link struct {
	ID                     string    `json:"id" gorm:"primaryKey"`
	Code                   string    `json:"code" gorm:"index"`
	ReferrerCustomerID     string    `json:"referrerCustomerId" gorm:"index"`
	ReferrerSubscriptionID string    `json:"referrerSubscriptionId" gorm:"index"`
	OrderID                string    `json:"orderId" gorm:"uniqueIndex"`
	FilleulSubscriptionID  string    `json:"filleulSubscriptionId" gorm:"index"`
	CreatedAt              time.Time `json:"createdAt"`
}
