package billing

import (
	"context"
	"fmt"

	"github.com/flowmerce/flowmerce/internal/auth"
	"github.com/flowmerce/flowmerce/internal/store"
)

// Gate rejection messages.
const (
	DetailNoSubscription = "No active subscription. Please subscribe to continue."
	DetailBlocked        = "Your account has been blocked. Contact support."
	DetailExpired        = "Your subscription has expired. Please renew."
)

// Verdict is the gate's decision for one request.
type Verdict struct {
	Allowed       bool
	Detail        string // set when not allowed
	Warning       bool   // the subscription ends within the warning window
	DaysRemaining int
	Subscription  *store.Subscription
}

// Check decides whether caller may use subscription-gated routes. Lapsed
// subscriptions are persisted as expired and near-expiry ones as expiring.
func (s *Service) Check(ctx context.Context, caller *auth.Identity) (*Verdict, error) {
	if caller == nil || caller.IsAdmin() {
		return &Verdict{Allowed: true}, nil
	}
	sub, err := s.store.GetSubscriptionByUser(ctx, caller.UserID)
	if err != nil {
		return nil, fmt.Errorf("get subscription: %w", err)
	}
	if sub == nil {
		return &Verdict{Detail: DetailNoSubscription}, nil
	}
	if sub.IsBlocked {
		return &Verdict{Detail: DetailBlocked, Subscription: sub}, nil
	}

	now := s.now()
	if !IsActive(sub, now) {
		if err := s.setStatus(ctx, sub, store.SubscriptionExpired); err != nil {
			return nil, err
		}
		return &Verdict{Detail: DetailExpired, Subscription: sub}, nil
	}

	v := &Verdict{Allowed: true, Subscription: sub, DaysRemaining: DaysRemaining(sub, now)}
	if v.DaysRemaining <= s.warningDays {
		v.Warning = true
		if err := s.setStatus(ctx, sub, store.SubscriptionExpiring); err != nil {
			return nil, err
		}
	}
	return v, nil
}

func (s *Service) setStatus(ctx context.Context, sub *store.Subscription, status string) error {
	if sub.Status == status {
		return nil
	}
	sub.Status = status
	sub.UpdatedAt = s.now().UTC()
	if err := s.store.UpdateSubscription(ctx, sub); err != nil {
		return fmt.Errorf("update subscription: %w", err)
	}
	return nil
}
