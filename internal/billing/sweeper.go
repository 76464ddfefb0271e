package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/flowmerce/flowmerce/internal/events"
	"github.com/flowmerce/flowmerce/internal/store"
)

// SweepResult counts the subscriptions a sweep changed.
type SweepResult struct {
	Expired  int
	Expiring int
}

// Sweep marks lapsed subscriptions expired and those inside the warning
// window expiring. It runs from the cron scheduler.
func (s *Service) Sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	now := s.now()
	horizon := now.Add(time.Duration(s.warningDays+1) * 24 * time.Hour)
	subs, err := s.store.ListSubscriptionsEndingBefore(ctx, horizon)
	if err != nil {
		return res, fmt.Errorf("list subscriptions: %w", err)
	}
	for i := range subs {
		sub := &subs[i]
		switch {
		case !sub.EndDate.After(now):
			if err := s.setStatus(ctx, sub, store.SubscriptionExpired); err != nil {
				return res, err
			}
			res.Expired++
			s.bus.PublishType(events.SubscriptionExpired, map[string]any{
				"user_id":  sub.UserID,
				"plan":     sub.Plan,
				"end_date": sub.EndDate,
			})
		case sub.Status == store.SubscriptionActive && DaysRemaining(sub, now) <= s.warningDays:
			if err := s.setStatus(ctx, sub, store.SubscriptionExpiring); err != nil {
				return res, err
			}
			res.Expiring++
		}
	}
	if res.Expired > 0 || res.Expiring > 0 {
		s.logger.Info("subscription sweep", "expired", res.Expired, "expiring", res.Expiring)
	}
	return res, nil
}
