package billing

import (
	"time"

	"github.com/flowmerce/flowmerce/internal/store"
)

// IsActive reports whether sub grants access at now: not blocked, active or
// expiring, and ending in the future.
func IsActive(sub *store.Subscription, now time.Time) bool {
	if sub == nil || sub.IsBlocked || sub.EndDate == nil {
		return false
	}
	if sub.Status != store.SubscriptionActive && sub.Status != store.SubscriptionExpiring {
		return false
	}
	return sub.EndDate.After(now)
}

// DaysRemaining is the number of whole days until the end date, never negative.
func DaysRemaining(sub *store.Subscription, now time.Time) int {
	if sub == nil || sub.EndDate == nil || !sub.EndDate.After(now) {
		return 0
	}
	return int(sub.EndDate.Sub(now) / (24 * time.Hour))
}

// Status is a user's view of their subscription.
type Status struct {
	Subscription  *store.Subscription `json:"subscription"`
	Plan          *Plan               `json:"plan"`
	IsActive      bool                `json:"is_active"`
	DaysRemaining int                 `json:"days_remaining"`
	Warning       bool                `json:"warning"`
}
