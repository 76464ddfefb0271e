package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/flowmerce/flowmerce/internal/apperr"
	"github.com/flowmerce/flowmerce/internal/auth"
)

var (
	ErrAssistantNotInPlan = fmt.Errorf("your plan does not include the assistant: %w", apperr.ErrForbidden)
	ErrQuotaExceeded      = fmt.Errorf("monthly assistant quota exceeded: %w", apperr.ErrForbidden)
)

// monthStart is midnight UTC on the first of now's month.
func monthStart(now time.Time) time.Time {
	now = now.UTC()
	return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// CheckAssistantQuota enforces the plan's monthly assistant allowance. Admins
// are unlimited. A subscription attached to ctx by the gate saves a lookup.
func (s *Service) CheckAssistantQuota(ctx context.Context, caller *auth.Identity) error {
	if caller == nil {
		return apperr.ErrForbidden
	}
	if caller.IsAdmin() {
		return nil
	}
	sub := SubscriptionFrom(ctx)
	if sub == nil || sub.UserID != caller.UserID {
		var err error
		if sub, err = s.store.GetSubscriptionByUser(ctx, caller.UserID); err != nil {
			return fmt.Errorf("get subscription: %w", err)
		}
	}
	if sub == nil || !IsActive(sub, s.now()) {
		return ErrSubscriptionRequired
	}
	plan, err := GetPlan(sub.Plan)
	if err != nil {
		return err
	}
	switch plan.AssistantQueries {
	case Unlimited:
		return nil
	case 0:
		return ErrAssistantNotInPlan
	}
	used, err := s.store.CountAssistantQueries(ctx, caller.UserID, monthStart(s.now()))
	if err != nil {
		return fmt.Errorf("count assistant queries: %w", err)
	}
	if used >= plan.AssistantQueries {
		return ErrQuotaExceeded
	}
	return nil
}

// RecordAssistantQuery logs one assistant use against the caller's quota.
func (s *Service) RecordAssistantQuery(ctx context.Context, userID int64) error {
	return s.store.RecordAssistantQuery(ctx, userID, s.now())
}
