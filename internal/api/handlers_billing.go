package api

import (
	"io"
	"net/http"

	"github.com/flowmerce/flowmerce/internal/apperr"
	"github.com/flowmerce/flowmerce/internal/billing"
	"github.com/flowmerce/flowmerce/internal/store"
)

func (s *Server) handleListPlans(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, billing.ListPlans())
}

func (s *Server) handleListPaymentRequests(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())
	f := store.PaymentFilter{Status: r.URL.Query().Get("status")}
	listHandler(s, w, r, func(p store.Page) ([]store.PaymentRequest, int, error) {
		f.Page = p
		return s.billing.ListPayments(r.Context(), identity, f)
	})
}

func (s *Server) handleSubmitPayment(w http.ResponseWriter, r *http.Request) {
	var req billing.SubmitPaymentInput
	if !s.decodeJSON(w, r, &req) {
		return
	}
	pr, err := s.billing.SubmitPayment(r.Context(), getIdentityFromContext(r.Context()), req)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, pr)
}

func (s *Server) handleMySubscription(w http.ResponseWriter, r *http.Request) {
	st, err := s.billing.MySubscription(r.Context(), getIdentityFromContext(r.Context()).UserID)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleApprovePayment(w http.ResponseWriter, r *http.Request) {
	s.reviewPayment(w, r, true)
}

func (s *Server) handleRejectPayment(w http.ResponseWriter, r *http.Request) {
	s.reviewPayment(w, r, false)
}

func (s *Server) reviewPayment(w http.ResponseWriter, r *http.Request, approve bool) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	admin := getIdentityFromContext(r.Context())
	var (
		pr     *store.PaymentRequest
		err    error
		action = "payment.approved"
	)
	if approve {
		pr, err = s.billing.Approve(r.Context(), admin, id)
	} else {
		action = "payment.rejected"
		pr, err = s.billing.Reject(r.Context(), admin, id)
	}
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.audit(r, action, admin.UserID, map[string]any{"payment_request": pr.ID, "user": pr.UserID, "plan": pr.Plan})
	writeJSON(w, http.StatusOK, pr)
}

func (s *Server) handleGrantSubscription(w http.ResponseWriter, r *http.Request) {
	var req billing.GrantInput
	if !s.decodeJSON(w, r, &req) {
		return
	}
	admin := getIdentityFromContext(r.Context())
	sub, err := s.billing.Grant(r.Context(), admin, req)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.audit(r, "subscription.granted", admin.UserID, map[string]any{"user": req.UserID, "plan": sub.Plan, "days": req.Days})
	writeJSON(w, http.StatusOK, sub)
}

func (s *Server) handleBlockUser(w http.ResponseWriter, r *http.Request) {
	s.setBlocked(w, r, true)
}

func (s *Server) handleUnblockUser(w http.ResponseWriter, r *http.Request) {
	s.setBlocked(w, r, false)
}

func (s *Server) setBlocked(w http.ResponseWriter, r *http.Request, blocked bool) {
	userID, ok := pathID(w, r, "userID")
	if !ok {
		return
	}
	admin := getIdentityFromContext(r.Context())
	sub, err := s.billing.SetBlocked(r.Context(), admin, userID, blocked)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	action := "user.unblocked"
	if blocked {
		action = "user.blocked"
	}
	s.audit(r, action, admin.UserID, map[string]int64{"user": userID})
	writeJSON(w, http.StatusOK, sub)
}

func (s *Server) handleMpesaInitiate(w http.ResponseWriter, r *http.Request) {
	var req billing.InitiateInput
	if !s.decodeJSON(w, r, &req) {
		return
	}
	pr, err := s.billing.InitiatePayment(r.Context(), getIdentityFromContext(r.Context()), req)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"payment_request":     pr,
		"checkout_request_id": pr.CheckoutRequestID,
		"message":             "Check your phone to complete the payment.",
	})
}

// handleMpesaCallback always acknowledges processed callbacks in the shape
// Daraja expects; only bad tokens and malformed bodies are refused.
func (s *Server) handleMpesaCallback(w http.ResponseWriter, r *http.Request) {
	if err := s.billing.CheckCallbackToken(r.URL.Query().Get("token")); err != nil {
		writeError(w, http.StatusForbidden, "invalid callback token")
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.billing.HandleCallback(r.Context(), body); err != nil {
		if _, ok := apperr.FieldErrors(err); ok {
			s.writeServiceError(w, r, err)
			return
		}
		s.logger.Error("mpesa callback failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"ResultCode": 1, "ResultDesc": "Failed"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ResultCode": 0, "ResultDesc": "Accepted"})
}
