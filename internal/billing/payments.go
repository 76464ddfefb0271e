package billing

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"

	"github.com/flowmerce/flowmerce/internal/apperr"
	"github.com/flowmerce/flowmerce/internal/auth"
	"github.com/flowmerce/flowmerce/internal/mpesa"
	"github.com/flowmerce/flowmerce/internal/store"
)

// Gateway sends STK push payment prompts.
type Gateway interface {
	STKPush(ctx context.Context, req mpesa.STKPushRequest) (*mpesa.STKPushResponse, error)
}

// InitiateInput starts an STK push for a plan.
type InitiateInput struct {
	Plan   string `json:"plan"`
	Phone  string `json:"phone"`
	Months int    `json:"months"`
}

// InitiatePayment prompts the caller's phone for the plan price and records a
// pending request keyed by the checkout id.
func (s *Service) InitiatePayment(ctx context.Context, caller *auth.Identity, in InitiateInput) (*store.PaymentRequest, error) {
	if caller == nil {
		return nil, apperr.ErrForbidden
	}
	if s.gateway == nil {
		return nil, ErrPaymentsDisabled
	}
	ve := &apperr.ValidationError{}
	if in.Plan == "" {
		in.Plan = PlanBasic
	}
	plan, err := GetPlan(in.Plan)
	if err != nil {
		ve.Add("plan", fmt.Sprintf("%q is not a valid plan", in.Plan))
	}
	if in.Months == 0 {
		in.Months = 1
	}
	if in.Months < 1 || in.Months > 12 {
		ve.Add("months", "must be between 1 and 12")
	}
	phone, perr := mpesa.NormalizePhone(in.Phone)
	if perr != nil {
		ve.Add("phone", "enter a valid Safaricom number, e.g. 0712345678")
	}
	if err := ve.OrNil(); err != nil {
		return nil, err
	}

	amount := plan.Price * int64(in.Months)
	resp, err := s.gateway.STKPush(ctx, mpesa.STKPushRequest{
		Phone:            phone,
		Amount:           amount,
		AccountReference: "Flowmerce-" + plan.Name,
		Description:      fmt.Sprintf("Flowmerce %s plan", plan.Title),
	})
	if err != nil {
		return nil, fmt.Errorf("stk push: %w", err)
	}

	pr := &store.PaymentRequest{
		UserID:            caller.UserID,
		UserEmail:         caller.Email,
		Plan:              plan.Name,
		Amount:            amount,
		Phone:             phone,
		CheckoutRequestID: resp.CheckoutRequestID,
		DurationDays:      defaultDurationDays * in.Months,
		Status:            store.PaymentPending,
	}
	if err := s.createRequest(ctx, pr); err != nil {
		return nil, err
	}
	return pr, nil
}

// CheckCallbackToken compares the token presented by a payment callback.
func (s *Service) CheckCallbackToken(token string) error {
	if s.callbackToken == "" {
		return nil
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(s.callbackToken)) != 1 {
		return apperr.ErrForbidden
	}
	return nil
}

// HandleCallback settles the request of an STK push. Successful payments are
// approved with the receipt as their Mpesa code; failed ones are rejected.
// Callbacks for unknown or already settled checkouts are ignored.
func (s *Service) HandleCallback(ctx context.Context, body []byte) error {
	res, err := mpesa.ParseCallback(body)
	if err != nil {
		return apperr.Invalid("body", err.Error())
	}
	pr, err := s.store.GetPaymentRequestByCheckoutID(ctx, res.CheckoutRequestID)
	if err != nil {
		return fmt.Errorf("get payment request: %w", err)
	}
	if pr == nil {
		s.logger.Warn("callback for unknown checkout", "checkout_request_id", res.CheckoutRequestID)
		return nil
	}

	_, err = s.review(ctx, pr.ID, nil, res.Success(), res.MpesaReceiptNumber)
	if errors.Is(err, ErrNotPending) {
		s.logger.Info("callback for settled payment request", "id", pr.ID, "status", pr.Status)
		return nil
	}
	if err != nil {
		return err
	}
	s.logger.Info("mpesa callback processed",
		"id", pr.ID, "user_id", pr.UserID, "result_code", res.ResultCode, "result", res.ResultDesc)
	return nil
}
