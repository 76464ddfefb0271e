// Package api provides the HTTP API and middleware for the back office.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/flowmerce/flowmerce/internal/analytics"
	"github.com/flowmerce/flowmerce/internal/apperr"
	"github.com/flowmerce/flowmerce/internal/assistant"
	"github.com/flowmerce/flowmerce/internal/auth"
	"github.com/flowmerce/flowmerce/internal/billing"
	"github.com/flowmerce/flowmerce/internal/catalog"
	"github.com/flowmerce/flowmerce/internal/config"
	"github.com/flowmerce/flowmerce/internal/metrics"
	"github.com/flowmerce/flowmerce/internal/orders"
	"github.com/flowmerce/flowmerce/internal/store"
)

// Deps are the services the API is built on. Assistant and Metrics may be nil.
type Deps struct {
	Store     store.Store
	Auth      *auth.Service
	Catalog   *catalog.Service
	Media     *catalog.Media
	Orders    *orders.Service
	Billing   *billing.Service
	Analytics *analytics.Service
	Assistant *assistant.Service
	Metrics   *metrics.Metrics
}

// Server is the HTTP API server.
type Server struct {
	store     store.Store
	auth      *auth.Service
	catalog   *catalog.Service
	media     *catalog.Media
	orders    *orders.Service
	billing   *billing.Service
	analytics *analytics.Service
	assistant *assistant.Service
	metrics   *metrics.Metrics

	logger       *slog.Logger
	mux          *chi.Mux
	upgrader     websocket.Upgrader
	startTime    time.Time
	maxBodyBytes int64
	loginRL      *rateLimiter
	rl           *rateLimiter
}

// NewServer creates a new API server.
func NewServer(d Deps, cfg *config.Config, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	srv := &Server{
		store:        d.Store,
		auth:         d.Auth,
		catalog:      d.Catalog,
		media:        d.Media,
		orders:       d.Orders,
		billing:      d.Billing,
		analytics:    d.Analytics,
		assistant:    d.Assistant,
		metrics:      d.Metrics,
		logger:       logger.With("component", "api"),
		upgrader:     makeUpgrader(cfg.Server.AllowedOrigins),
		startTime:    time.Now(),
		maxBodyBytes: cfg.Server.MaxBodyBytes,
		loginRL:      newRateLimiter(5, 10),
		rl:           newRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst),
	}

	mux := chi.NewRouter()
	mux.Use(chimw.Recoverer)
	mux.Use(chimw.RequestID)
	mux.Use(chimw.RealIP)
	mux.Use(srv.accessLog)
	if srv.metrics != nil {
		mux.Use(srv.metrics.Middleware)
	}
	mux.Use(securityHeadersMiddleware)
	mux.Use(makeCORSMiddleware(cfg.Server.AllowedOrigins))
	mux.Use(chimw.StripSlashes)

	// Health check routes (unauthenticated)
	mux.Get("/healthz", srv.handleHealthz)
	mux.Get("/readyz", srv.handleReadyz)
	if srv.metrics != nil && cfg.Metrics.Enabled {
		mux.Handle("/metrics", srv.metrics.Handler())
	}

	mux.Group(func(r chi.Router) {
		r.Use(limitBy(srv.loginRL, clientIP, "too many attempts, try again shortly"))
		r.Post("/api/auth/register", srv.handleRegister)
		r.Post("/api/auth/login", srv.handleLogin)
		r.Post("/api/auth/token/refresh", srv.handleRefresh)
		r.Post("/api/auth/logout", srv.handleLogout)
	})

	// Daraja posts here without credentials; the shared token guards it.
	mux.Post("/api/payments/mpesa/callback", srv.handleMpesaCallback)

	// WebSocket route (auth handled inside)
	mux.Get("/ws/assistant", srv.handleAssistantWS)

	if srv.media != nil {
		mux.Handle("/media/*", http.StripPrefix("/media/", mediaHandler(srv.media.Dir())))
	}

	// Authenticated API routes
	mux.Group(func(r chi.Router) {
		r.Use(srv.authMiddleware)
		r.Use(limitBy(srv.rl, callerID, "rate limit exceeded"))

		// Reachable without an active subscription so users can pay.
		r.Get("/api/plans", srv.handleListPlans)
		r.Get("/api/subscriptions", srv.handleListPaymentRequests)
		r.Post("/api/subscriptions", srv.handleSubmitPayment)
		r.Get("/api/subscriptions/me", srv.handleMySubscription)
		r.Post("/api/payments/mpesa/initiate", srv.handleMpesaInitiate)

		r.Group(func(r chi.Router) {
			r.Use(srv.subscriptionGate)

			r.Get("/api/auth/me", srv.handleGetMe)
			r.Patch("/api/auth/me", srv.handleUpdateMe)

			r.Group(func(r chi.Router) {
				r.Use(adminOrReadOnlyMiddleware)
				r.Get("/api/categories", srv.handleListCategories)
				r.Post("/api/categories", srv.handleCreateCategory)
				r.Get("/api/categories/{id}", srv.handleGetCategory)
				r.Patch("/api/categories/{id}", srv.handleUpdateCategory)
				r.Delete("/api/categories/{id}", srv.handleDeleteCategory)

				r.Get("/api/tags", srv.handleListTags)
				r.Post("/api/tags", srv.handleCreateTag)
				r.Get("/api/tags/{id}", srv.handleGetTag)
				r.Patch("/api/tags/{id}", srv.handleUpdateTag)
				r.Delete("/api/tags/{id}", srv.handleDeleteTag)

				r.Get("/api/products", srv.handleListProducts)
				r.Post("/api/products", srv.handleCreateProduct)
				r.Get("/api/products/{id}", srv.handleGetProduct)
				r.Patch("/api/products/{id}", srv.handleUpdateProduct)
				r.Delete("/api/products/{id}", srv.handleDeleteProduct)
			})

			r.Get("/api/orders", srv.handleListOrders)
			r.Post("/api/orders", srv.handleCreateOrder)
			r.Get("/api/orders/{id}", srv.handleGetOrder)
			r.Patch("/api/orders/{id}", srv.handleUpdateOrder)
			r.Delete("/api/orders/{id}", srv.handleDeleteOrder)
			r.Post("/api/orders/{id}/items", srv.handleAddOrderItem)
			r.Delete("/api/orders/{id}/items", srv.handleClearOrderItems)

			r.Post("/api/assistant", srv.handleAssistant)

			// Admin routes
			r.Group(func(r chi.Router) {
				r.Use(adminMiddleware)
				r.Get("/api/users", srv.handleListUsers)
				r.Post("/api/subscriptions/{id}/approve", srv.handleApprovePayment)
				r.Post("/api/subscriptions/{id}/reject", srv.handleRejectPayment)
				r.Post("/api/subscriptions/grant", srv.handleGrantSubscription)
				r.Post("/api/subscriptions/users/{userID}/block", srv.handleBlockUser)
				r.Post("/api/subscriptions/users/{userID}/unblock", srv.handleUnblockUser)
				r.Get("/api/analytics/summary", srv.handleAnalyticsSummary)
				r.Get("/api/analytics/monthly-sales", srv.handleMonthlySales)
				r.Get("/api/admin/audit", srv.handleListAuditEvents)
			})
		})
	})

	srv.mux = mux
	return srv
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// StartBackgroundTasks starts periodic cleanup tasks for rate limiters.
func (s *Server) StartBackgroundTasks(ctx context.Context) {
	s.loginRL.StartCleanup(ctx, 5*time.Minute, 10*time.Minute)
	s.rl.StartCleanup(ctx, 5*time.Minute, 10*time.Minute)
}

// --- Health handlers ---

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"uptime": time.Since(s.startTime).Truncate(time.Second).String(),
	})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// --- Audit ---

func (s *Server) audit(r *http.Request, action string, userID int64, detail any) {
	ev := &store.AuditEvent{
		ID:        uuid.New().String(),
		Action:    action,
		UserID:    userID,
		CreatedAt: time.Now().UTC(),
	}
	if detail != nil {
		if raw, err := json.Marshal(detail); err == nil {
			ev.Detail = raw
		}
	}
	if err := s.store.LogAuditEvent(r.Context(), ev); err != nil {
		s.logger.Warn("failed to log audit event", "action", action, "error", err)
	}
}

func (s *Server) handleListAuditEvents(w http.ResponseWriter, r *http.Request) {
	limit := 50
	offset := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > 500 {
		limit = 500
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}
	events, err := s.store.ListAuditEvents(r.Context(), limit, offset)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if events == nil {
		events = []store.AuditEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

// --- Helpers ---

// decodeJSON reads a size-limited JSON body into v.
func (s *Server) decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusNotFound, "not found")
		return 0, false
	}
	return id, true
}

// writeServiceError maps domain errors to HTTP responses.
func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	if fields, ok := apperr.FieldErrors(err); ok {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "validation failed", "fields": fields})
		return
	}
	switch {
	case errors.Is(err, store.ErrInsufficientStock):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, apperr.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, billing.ErrSubscriptionRequired):
		writeError(w, http.StatusPaymentRequired, err.Error())
	case errors.Is(err, apperr.ErrForbidden):
		writeError(w, http.StatusForbidden, publicMessage(err, apperr.ErrForbidden))
	case errors.Is(err, apperr.ErrConflict):
		writeError(w, http.StatusConflict, publicMessage(err, apperr.ErrConflict))
	case errors.Is(err, billing.ErrPaymentsDisabled):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, assistant.ErrUpstream):
		writeError(w, http.StatusBadGateway, err.Error())
	case errors.Is(err, context.Canceled):
		// client went away
	default:
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path,
			"request_id", chimw.GetReqID(r.Context()), "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

// publicMessage strips the sentinel suffix from a wrapped error, so
// "user already exists: conflict" renders as "user already exists".
func publicMessage(err, sentinel error) string {
	msg := err.Error()
	if msg == sentinel.Error() {
		return msg
	}
	return strings.TrimSuffix(msg, ": "+sentinel.Error())
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
