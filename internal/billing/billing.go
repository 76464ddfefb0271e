// Package billing manages subscription plans, payment requests and the
// subscription state machine that gates access to the back office.
package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/flowmerce/flowmerce/internal/apperr"
	"github.com/flowmerce/flowmerce/internal/auth"
	"github.com/flowmerce/flowmerce/internal/config"
	"github.com/flowmerce/flowmerce/internal/events"
	"github.com/flowmerce/flowmerce/internal/store"
)

var (
	ErrSubscriptionRequired = errors.New("subscription required")
	ErrNotPending           = fmt.Errorf("payment request is not pending: %w", apperr.ErrConflict)
	ErrPaymentsDisabled     = errors.New("mpesa payments are not enabled")
)

const (
	defaultDurationDays = 30
	maxDurationDays     = 366
)

var mpesaCodeRe = regexp.MustCompile(`^[A-Z0-9]{6,20}$`)

// Service implements billing operations.
type Service struct {
	store         store.Store
	bus           events.Publisher
	logger        *slog.Logger
	warningDays   int
	gateway       Gateway
	callbackToken string
	now           func() time.Time
}

// NewService creates a billing service.
func NewService(s store.Store, bus events.Publisher, cfg config.SubscriptionConfig, logger *slog.Logger) *Service {
	if bus == nil {
		bus = events.Discard{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	warning := cfg.WarningDays
	if warning <= 0 {
		warning = 5
	}
	return &Service{
		store:       s,
		bus:         bus,
		logger:      logger.With("component", "billing"),
		warningDays: warning,
		now:         time.Now,
	}
}

// SetGateway enables STK push payments. callbackToken, when set, must be
// presented by payment callbacks.
func (s *Service) SetGateway(g Gateway, callbackToken string) {
	s.gateway = g
	s.callbackToken = callbackToken
}

// SubmitPaymentInput is a user's claim of a manual Mpesa payment.
type SubmitPaymentInput struct {
	Plan         string `json:"plan"`
	Amount       int64  `json:"amount"`
	MpesaCode    string `json:"mpesa_code"`
	DurationDays int    `json:"duration_days"`
}

// SubmitPayment records a pending payment request for admin review and makes
// sure the caller has a subscription row.
func (s *Service) SubmitPayment(ctx context.Context, caller *auth.Identity, in SubmitPaymentInput) (*store.PaymentRequest, error) {
	if caller == nil {
		return nil, apperr.ErrForbidden
	}
	ve := &apperr.ValidationError{}
	if in.Plan == "" {
		in.Plan = PlanBasic
	}
	if _, err := GetPlan(in.Plan); err != nil {
		ve.Add("plan", fmt.Sprintf("%q is not a valid plan", in.Plan))
	}
	if in.Amount <= 0 {
		ve.Add("amount", "must be greater than zero")
	}
	if in.DurationDays == 0 {
		in.DurationDays = defaultDurationDays
	}
	if in.DurationDays < 1 || in.DurationDays > maxDurationDays {
		ve.Add("duration_days", fmt.Sprintf("must be between 1 and %d", maxDurationDays))
	}
	code := strings.ToUpper(strings.TrimSpace(in.MpesaCode))
	if !mpesaCodeRe.MatchString(code) {
		ve.Add("mpesa_code", "must be 6 to 20 letters or digits")
	}
	if err := ve.OrNil(); err != nil {
		return nil, err
	}

	taken, err := s.store.MpesaCodeTaken(ctx, code, 0)
	if err != nil {
		return nil, fmt.Errorf("check mpesa code: %w", err)
	}
	if taken {
		return nil, apperr.Invalid("mpesa_code", "this Mpesa code has already been submitted")
	}

	pr := &store.PaymentRequest{
		UserID:       caller.UserID,
		UserEmail:    caller.Email,
		Plan:         in.Plan,
		Amount:       in.Amount,
		MpesaCode:    code,
		DurationDays: in.DurationDays,
		Status:       store.PaymentPending,
	}
	if err := s.createRequest(ctx, pr); err != nil {
		return nil, err
	}
	return pr, nil
}

func (s *Service) createRequest(ctx context.Context, pr *store.PaymentRequest) error {
	err := s.store.WithTx(ctx, func(tx store.Store) error {
		pr.CreatedAt = s.now().UTC()
		if err := tx.CreatePaymentRequest(ctx, pr); err != nil {
			return fmt.Errorf("create payment request: %w", err)
		}
		_, err := s.ensureSubscription(ctx, tx, pr.UserID, pr.Plan)
		return err
	})
	if err != nil {
		return err
	}
	s.bus.PublishType(events.PaymentRequested, map[string]any{
		"id":      pr.ID,
		"user_id": pr.UserID,
		"plan":    pr.Plan,
		"amount":  pr.Amount,
	})
	return nil
}

// ensureSubscription returns the user's subscription, creating a pending one.
func (s *Service) ensureSubscription(ctx context.Context, tx store.Store, userID int64, plan string) (*store.Subscription, error) {
	sub, err := tx.GetSubscriptionByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("get subscription: %w", err)
	}
	if sub != nil {
		return sub, nil
	}
	now := s.now().UTC()
	sub = &store.Subscription{
		UserID:    userID,
		Plan:      plan,
		Status:    store.SubscriptionPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := tx.CreateSubscription(ctx, sub); err != nil {
		return nil, fmt.Errorf("create subscription: %w", err)
	}
	return sub, nil
}

// ListPayments lists payment requests. Non-staff callers only see their own.
func (s *Service) ListPayments(ctx context.Context, caller *auth.Identity, f store.PaymentFilter) ([]store.PaymentRequest, int, error) {
	if caller == nil {
		return nil, 0, apperr.ErrForbidden
	}
	if !caller.IsAdmin() {
		f.UserID = caller.UserID
	}
	if f.Status != "" {
		switch f.Status {
		case store.PaymentPending, store.PaymentApproved, store.PaymentRejected:
		default:
			return nil, 0, apperr.Invalid("status", fmt.Sprintf("%q is not a valid choice", f.Status))
		}
	}
	return s.store.ListPaymentRequests(ctx, f)
}

// Approve activates the subscription paid for by a pending request.
func (s *Service) Approve(ctx context.Context, admin *auth.Identity, requestID int64) (*store.PaymentRequest, error) {
	if !admin.IsAdmin() {
		return nil, apperr.ErrForbidden
	}
	reviewer := admin.UserID
	return s.review(ctx, requestID, &reviewer, true, "")
}

// Reject marks a pending request rejected.
func (s *Service) Reject(ctx context.Context, admin *auth.Identity, requestID int64) (*store.PaymentRequest, error) {
	if !admin.IsAdmin() {
		return nil, apperr.ErrForbidden
	}
	reviewer := admin.UserID
	return s.review(ctx, requestID, &reviewer, false, "")
}

// review approves or rejects a pending request. receipt, when set, becomes
// the request's Mpesa code.
func (s *Service) review(ctx context.Context, requestID int64, reviewer *int64, approve bool, receipt string) (*store.PaymentRequest, error) {
	var (
		pr  *store.PaymentRequest
		sub *store.Subscription
	)
	err := s.store.WithTx(ctx, func(tx store.Store) error {
		var err error
		pr, err = tx.GetPaymentRequest(ctx, requestID)
		if err != nil {
			return fmt.Errorf("get payment request: %w", err)
		}
		if pr == nil {
			return apperr.ErrNotFound
		}
		if pr.Status != store.PaymentPending {
			return ErrNotPending
		}
		now := s.now().UTC()
		pr.ReviewedBy = reviewer
		pr.ReviewedAt = &now
		pr.Status = store.PaymentRejected
		if approve {
			pr.Status = store.PaymentApproved
			if receipt != "" {
				pr.MpesaCode = receipt
			}
		}
		// Claim the row first so a concurrent reviewer blocks here and then
		// finds it decided.
		claimed, err := tx.ReviewPaymentRequest(ctx, pr)
		if err != nil {
			return fmt.Errorf("update payment request: %w", err)
		}
		if !claimed {
			return ErrNotPending
		}
		if approve {
			sub, err = s.activate(ctx, tx, pr.UserID, pr.Plan, pr.DurationDays)
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if sub != nil {
		s.publishActivated(sub, pr.UserEmail)
	}
	return pr, nil
}

// activate extends a running subscription by days, or starts a new period now.
func (s *Service) activate(ctx context.Context, tx store.Store, userID int64, plan string, days int) (*store.Subscription, error) {
	sub, err := s.ensureSubscription(ctx, tx, userID, plan)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	period := time.Duration(days) * 24 * time.Hour
	running := (sub.Status == store.SubscriptionActive || sub.Status == store.SubscriptionExpiring) &&
		sub.EndDate != nil && sub.EndDate.After(now)
	if running {
		end := sub.EndDate.Add(period)
		sub.EndDate = &end
	} else {
		end := now.Add(period)
		sub.StartDate = &now
		sub.EndDate = &end
	}
	sub.Status = store.SubscriptionActive
	sub.Plan = plan
	sub.UpdatedAt = now
	if err := tx.UpdateSubscription(ctx, sub); err != nil {
		return nil, fmt.Errorf("update subscription: %w", err)
	}
	return sub, nil
}

func (s *Service) publishActivated(sub *store.Subscription, email string) {
	s.bus.PublishType(events.SubscriptionActivated, map[string]any{
		"user_id":  sub.UserID,
		"email":    email,
		"plan":     sub.Plan,
		"end_date": sub.EndDate,
	})
}

// GrantInput is an admin-granted subscription without a payment.
type GrantInput struct {
	UserID int64  `json:"user"`
	Plan   string `json:"plan"`
	Days   int    `json:"days"`
}

// Grant activates a subscription for a user on an admin's authority.
func (s *Service) Grant(ctx context.Context, admin *auth.Identity, in GrantInput) (*store.Subscription, error) {
	if !admin.IsAdmin() {
		return nil, apperr.ErrForbidden
	}
	ve := &apperr.ValidationError{}
	if in.Plan == "" {
		in.Plan = PlanBasic
	}
	if _, err := GetPlan(in.Plan); err != nil {
		ve.Add("plan", fmt.Sprintf("%q is not a valid plan", in.Plan))
	}
	if in.Days == 0 {
		in.Days = defaultDurationDays
	}
	if in.Days < 1 || in.Days > maxDurationDays {
		ve.Add("days", fmt.Sprintf("must be between 1 and %d", maxDurationDays))
	}
	if err := ve.OrNil(); err != nil {
		return nil, err
	}

	user, err := s.store.GetUserByID(ctx, in.UserID)
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	if user == nil {
		return nil, apperr.Invalid("user", fmt.Sprintf("invalid pk %d: object does not exist", in.UserID))
	}

	var sub *store.Subscription
	err = s.store.WithTx(ctx, func(tx store.Store) error {
		var err error
		sub, err = s.activate(ctx, tx, user.ID, in.Plan, in.Days)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.publishActivated(sub, user.Email)
	return sub, nil
}

// SetBlocked blocks or unblocks a user's subscription. Blocking a user
// without one creates a blocked pending subscription.
func (s *Service) SetBlocked(ctx context.Context, admin *auth.Identity, userID int64, blocked bool) (*store.Subscription, error) {
	if !admin.IsAdmin() {
		return nil, apperr.ErrForbidden
	}
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	if user == nil {
		return nil, apperr.ErrNotFound
	}
	var sub *store.Subscription
	err = s.store.WithTx(ctx, func(tx store.Store) error {
		var err error
		if blocked {
			sub, err = s.ensureSubscription(ctx, tx, userID, PlanBasic)
		} else {
			sub, err = tx.GetSubscriptionByUser(ctx, userID)
			if err == nil && sub == nil {
				err = apperr.ErrNotFound
			}
		}
		if err != nil {
			return err
		}
		sub.IsBlocked = blocked
		sub.UpdatedAt = s.now().UTC()
		return tx.UpdateSubscription(ctx, sub)
	})
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// MySubscription describes the caller's subscription. Subscription is nil
// when the caller has none.
func (s *Service) MySubscription(ctx context.Context, userID int64) (*Status, error) {
	sub, err := s.store.GetSubscriptionByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("get subscription: %w", err)
	}
	st := &Status{Subscription: sub}
	if sub == nil {
		return st, nil
	}
	now := s.now()
	if p, err := GetPlan(sub.Plan); err == nil {
		st.Plan = &p
	}
	st.IsActive = IsActive(sub, now)
	st.DaysRemaining = DaysRemaining(sub, now)
	st.Warning = st.IsActive && st.DaysRemaining <= s.warningDays
	return st, nil
}

// PendingRequests lists payment requests awaiting review, oldest first.
func (s *Service) PendingRequests(ctx context.Context) ([]store.PaymentRequest, error) {
	out, _, err := s.store.ListPaymentRequests(ctx, store.PaymentFilter{Status: store.PaymentPending})
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}
