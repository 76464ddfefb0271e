package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"
)

// --- Subscriptions ---

const subscriptionColumns = "id, user_id, plan, status, is_blocked, start_date, end_date, created_at, updated_at"

func (s *SQLStore) CreateSubscription(ctx context.Context, sub *Subscription) error {
	now := time.Now().UTC()
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = now
	}
	sub.UpdatedAt = now
	id, err := s.insert(ctx,
		`INSERT INTO subscriptions (user_id, plan, status, is_blocked, start_date, end_date, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		sub.UserID, sub.Plan, sub.Status, sub.IsBlocked, sub.StartDate, sub.EndDate, sub.CreatedAt, sub.UpdatedAt)
	if err != nil {
		return err
	}
	sub.ID = id
	return nil
}

func (s *SQLStore) GetSubscriptionByUser(ctx context.Context, userID int64) (*Subscription, error) {
	var sub Subscription
	found, err := s.get(ctx, &sub, "SELECT "+subscriptionColumns+" FROM subscriptions WHERE user_id = ?", userID)
	if err != nil || !found {
		return nil, err
	}
	return &sub, nil
}

func (s *SQLStore) UpdateSubscription(ctx context.Context, sub *Subscription) error {
	sub.UpdatedAt = time.Now().UTC()
	return expectOne(s.exec(ctx,
		`UPDATE subscriptions SET plan = ?, status = ?, is_blocked = ?, start_date = ?, end_date = ?, updated_at = ?
		 WHERE id = ?`,
		sub.Plan, sub.Status, sub.IsBlocked, sub.StartDate, sub.EndDate, sub.UpdatedAt, sub.ID))
}

// ListSubscriptionsEndingBefore returns active or expiring subscriptions whose
// end date is before the given time.
func (s *SQLStore) ListSubscriptionsEndingBefore(ctx context.Context, before time.Time) ([]Subscription, error) {
	out := []Subscription{}
	err := s.selectRows(ctx, &out,
		"SELECT "+subscriptionColumns+` FROM subscriptions
		 WHERE status IN ('active', 'expiring') AND end_date IS NOT NULL AND end_date < ?
		 ORDER BY end_date`, before.UTC())
	return out, err
}

// --- Payment requests ---

const paymentColumns = "id, user_id, user_email, plan, amount, mpesa_code, phone, checkout_request_id, duration_days, status, reviewed_by, reviewed_at, created_at"

func (s *SQLStore) CreatePaymentRequest(ctx context.Context, pr *PaymentRequest) error {
	if pr.CreatedAt.IsZero() {
		pr.CreatedAt = time.Now().UTC()
	}
	id, err := s.insert(ctx,
		`INSERT INTO payment_requests (user_id, user_email, plan, amount, mpesa_code, phone, checkout_request_id, duration_days, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		pr.UserID, pr.UserEmail, pr.Plan, pr.Amount, pr.MpesaCode, pr.Phone, pr.CheckoutRequestID, pr.DurationDays, pr.Status, pr.CreatedAt)
	if err != nil {
		return err
	}
	pr.ID = id
	return nil
}

func (s *SQLStore) GetPaymentRequest(ctx context.Context, id int64) (*PaymentRequest, error) {
	var pr PaymentRequest
	found, err := s.get(ctx, &pr, "SELECT "+paymentColumns+" FROM payment_requests WHERE id = ?", id)
	if err != nil || !found {
		return nil, err
	}
	return &pr, nil
}

func (s *SQLStore) GetPaymentRequestByCheckoutID(ctx context.Context, checkoutID string) (*PaymentRequest, error) {
	if checkoutID == "" {
		return nil, nil
	}
	var pr PaymentRequest
	found, err := s.get(ctx, &pr, "SELECT "+paymentColumns+" FROM payment_requests WHERE checkout_request_id = ?", checkoutID)
	if err != nil || !found {
		return nil, err
	}
	return &pr, nil
}

func (s *SQLStore) ReviewPaymentRequest(ctx context.Context, pr *PaymentRequest) (bool, error) {
	err := expectOne(s.exec(ctx,
		`UPDATE payment_requests SET mpesa_code = ?, status = ?, reviewed_by = ?, reviewed_at = ?
		 WHERE id = ? AND status = ?`,
		pr.MpesaCode, pr.Status, pr.ReviewedBy, pr.ReviewedAt, pr.ID, PaymentPending))
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

func (s *SQLStore) ListPaymentRequests(ctx context.Context, f PaymentFilter) ([]PaymentRequest, int, error) {
	var (
		where []string
		args  []any
	)
	if f.UserID != 0 {
		where = append(where, "user_id = ?")
		args = append(args, f.UserID)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, f.Status)
	}
	cond := ""
	if len(where) > 0 {
		cond = " WHERE " + strings.Join(where, " AND ")
	}
	total, err := s.count(ctx, "SELECT COUNT(*) FROM payment_requests"+cond, args...)
	if err != nil {
		return nil, 0, err
	}
	q, qargs := paginate("SELECT "+paymentColumns+" FROM payment_requests"+cond+" ORDER BY created_at DESC, id DESC", f.Page, append([]any(nil), args...))
	out := []PaymentRequest{}
	if err := s.selectRows(ctx, &out, q, qargs...); err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

func (s *SQLStore) MpesaCodeTaken(ctx context.Context, code string, excludeID int64) (bool, error) {
	n, err := s.count(ctx, "SELECT COUNT(*) FROM payment_requests WHERE mpesa_code = ? AND id <> ?", code, excludeID)
	return n > 0, err
}

// --- Assistant usage ---

func (s *SQLStore) RecordAssistantQuery(ctx context.Context, userID int64, at time.Time) error {
	_, err := s.exec(ctx, "INSERT INTO assistant_queries (user_id, created_at) VALUES (?, ?)", userID, at.UTC())
	return err
}

func (s *SQLStore) CountAssistantQueries(ctx context.Context, userID int64, since time.Time) (int, error) {
	return s.count(ctx, "SELECT COUNT(*) FROM assistant_queries WHERE user_id = ? AND created_at >= ?", userID, since.UTC())
}
