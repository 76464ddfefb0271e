package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/flowmerce/flowmerce/internal/analytics"
	"github.com/flowmerce/flowmerce/internal/assistant"
	"github.com/flowmerce/flowmerce/internal/auth"
	"github.com/flowmerce/flowmerce/internal/billing"
	"github.com/flowmerce/flowmerce/internal/cache"
	"github.com/flowmerce/flowmerce/internal/catalog"
	"github.com/flowmerce/flowmerce/internal/config"
	"github.com/flowmerce/flowmerce/internal/mpesa"
	"github.com/flowmerce/flowmerce/internal/orders"
	"github.com/flowmerce/flowmerce/internal/store"
)

type fakeLLM struct {
	deltas []string
}

func (f *fakeLLM) Stream(_ context.Context, _ []assistant.Message, fn func(string) error) error {
	for _, d := range f.deltas {
		if err := fn(d); err != nil {
			return err
		}
	}
	return nil
}

type fakeGateway struct {
	checkoutID string
	last       mpesa.STKPushRequest
}

func (g *fakeGateway) STKPush(_ context.Context, req mpesa.STKPushRequest) (*mpesa.STKPushResponse, error) {
	g.last = req
	return &mpesa.STKPushResponse{CheckoutRequestID: g.checkoutID, ResponseCode: "0"}, nil
}

type testEnv struct {
	srv     *Server
	auth    *auth.Service
	billing *billing.Service
	store   store.Store
}

func setupTestServer(t *testing.T) *testEnv {
	t.Helper()
	s, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })

	cfg := &config.Config{
		Server: config.ServerConfig{
			Addr:           ":0",
			AllowedOrigins: []string{"*"},
			MaxBodyBytes:   1024 * 1024,
		},
		Auth: config.AuthConfig{
			JWTSecret: "test-secret-at-least-32-chars-long",
			AccessTTL: config.Duration{Duration: time.Hour},
		},
		RateLimit: config.RateLimitConfig{
			RequestsPerSecond: 100,
			Burst:             200,
		},
	}

	media, err := catalog.NewMedia(t.TempDir(), 1<<20)
	if err != nil {
		t.Fatal(err)
	}
	authSvc := auth.NewService(s, nil, cfg.Auth)
	billingSvc := billing.NewService(s, nil, cfg.Subscription, slog.Default())
	stats := analytics.NewService(s, cache.NewLocalCache(time.Minute, time.Minute), time.Minute, slog.Default())
	asst := assistant.NewService(&fakeLLM{deltas: []string{"Hello", " there"}}, stats, billingSvc, "", slog.Default())

	srv := NewServer(Deps{
		Store:     s,
		Auth:      authSvc,
		Catalog:   catalog.NewService(s, nil, media, slog.Default()),
		Media:     media,
		Orders:    orders.NewService(s, nil, slog.Default()),
		Billing:   billingSvc,
		Analytics: stats,
		Assistant: asst,
	}, cfg, slog.Default())
	return &testEnv{srv: srv, auth: authSvc, billing: billingSvc, store: s}
}

func (e *testEnv) userToken(t *testing.T, email string) (string, int64) {
	t.Helper()
	ctx := context.Background()
	u, err := e.auth.Register(ctx, auth.RegisterInput{Email: email, Password: "testpassword123"})
	if err != nil {
		t.Fatal(err)
	}
	pair, _, err := e.auth.Login(ctx, email, "testpassword123")
	if err != nil {
		t.Fatal(err)
	}
	return pair.Access, u.ID
}

func (e *testEnv) adminToken(t *testing.T) (string, *auth.Identity) {
	t.Helper()
	ctx := context.Background()
	u, err := e.auth.CreateSuperuser(ctx, "admin@shop.test", "Admin", "adminpassword123")
	if err != nil {
		t.Fatal(err)
	}
	pair, _, err := e.auth.Login(ctx, u.Email, "adminpassword123")
	if err != nil {
		t.Fatal(err)
	}
	return pair.Access, &auth.Identity{UserID: u.ID, Email: u.Email, IsStaff: true, IsSuperuser: true}
}

func (e *testEnv) subscribe(t *testing.T, admin *auth.Identity, userID int64, plan string, days int) {
	t.Helper()
	if _, err := e.billing.Grant(context.Background(), admin, billing.GrantInput{UserID: userID, Plan: plan, Days: days}); err != nil {
		t.Fatal(err)
	}
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return v
}

func (e *testEnv) createProduct(t *testing.T, token string, title string, price int64, stock int) store.Product {
	t.Helper()
	w := e.do(t, "POST", "/api/categories", token, map[string]string{"title": "Cat " + title})
	if w.Code != http.StatusCreated {
		t.Fatalf("create category: %d %s", w.Code, w.Body.String())
	}
	cat := decode[store.Category](t, w)
	w = e.do(t, "POST", "/api/products", token, map[string]any{
		"title": title, "sku": "SKU-" + title, "price": price, "category": cat.ID, "stock": stock,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create product: %d %s", w.Code, w.Body.String())
	}
	return decode[store.Product](t, w)
}

func TestHealthz(t *testing.T) {
	env := setupTestServer(t)
	w := env.do(t, "GET", "/healthz", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if got := decode[map[string]string](t, w)["status"]; got != "ok" {
		t.Errorf("status = %q", got)
	}

	w = env.do(t, "GET", "/readyz", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("readyz: expected 200, got %d", w.Code)
	}
}

func TestRegisterAndLogin(t *testing.T) {
	env := setupTestServer(t)

	w := env.do(t, "POST", "/api/auth/register", "", map[string]string{
		"email": "clerk@Shop.TEST", "password": "testpassword123", "name": "Clerk",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("register: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	reg := decode[authResponse](t, w)
	if reg.Access == "" || reg.Refresh == "" {
		t.Fatal("register should return tokens")
	}
	if reg.User.Email != "clerk@shop.test" {
		t.Errorf("email = %q, want domain lower-cased", reg.User.Email)
	}

	w = env.do(t, "POST", "/api/auth/register", "", map[string]string{
		"email": "clerk@shop.test", "password": "testpassword123",
	})
	if w.Code != http.StatusBadRequest && w.Code != http.StatusConflict {
		t.Errorf("duplicate register: got %d", w.Code)
	}

	w = env.do(t, "POST", "/api/auth/login", "", map[string]string{"email": "clerk@shop.test", "password": "wrong-password"})
	if w.Code != http.StatusUnauthorized {
		t.Errorf("bad login: expected 401, got %d", w.Code)
	}

	w = env.do(t, "POST", "/api/auth/login", "", map[string]string{"email": "clerk@shop.test", "password": "testpassword123"})
	if w.Code != http.StatusOK {
		t.Fatalf("login: expected 200, got %d", w.Code)
	}
	login := decode[authResponse](t, w)

	w = env.do(t, "POST", "/api/auth/token/refresh", "", map[string]string{"refresh": login.Refresh})
	if w.Code != http.StatusOK {
		t.Fatalf("refresh: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if decode[map[string]string](t, w)["access"] == "" {
		t.Error("refresh should return an access token")
	}
}

func TestUnauthenticated(t *testing.T) {
	env := setupTestServer(t)
	w := env.do(t, "GET", "/api/products", "", nil)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", w.Code)
	}
	w = env.do(t, "GET", "/api/products", "not-a-jwt", nil)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 for garbage token, got %d", w.Code)
	}
}

func TestSubscriptionGate(t *testing.T) {
	env := setupTestServer(t)
	adminTok, admin := env.adminToken(t)
	userTok, userID := env.userToken(t, "clerk@shop.test")

	w := env.do(t, "GET", "/api/products", userTok, nil)
	if w.Code != http.StatusPaymentRequired {
		t.Fatalf("expected 402, got %d", w.Code)
	}
	body := decode[map[string]string](t, w)
	if body["code"] != SubscriptionRequiredCode || body["detail"] != billing.DetailNoSubscription {
		t.Errorf("unexpected gate body: %v", body)
	}

	// Subscription routes stay reachable.
	if w := env.do(t, "GET", "/api/plans", userTok, nil); w.Code != http.StatusOK {
		t.Errorf("plans: expected 200, got %d", w.Code)
	}
	if w := env.do(t, "GET", "/api/subscriptions/me", userTok, nil); w.Code != http.StatusOK {
		t.Errorf("me: expected 200, got %d", w.Code)
	}

	// Admins bypass the gate.
	if w := env.do(t, "GET", "/api/products", adminTok, nil); w.Code != http.StatusOK {
		t.Errorf("admin: expected 200, got %d", w.Code)
	}

	env.subscribe(t, admin, userID, billing.PlanBasic, 3)
	w = env.do(t, "GET", "/api/products", userTok, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("subscribed: expected 200, got %d", w.Code)
	}
	if w.Header().Get("X-Subscription-Warning") != "true" {
		t.Error("expected near-expiry warning header")
	}
	if w.Header().Get("X-Subscription-Days-Remaining") == "" {
		t.Error("expected days remaining header")
	}

	w = env.do(t, "POST", fmt.Sprintf("/api/subscriptions/users/%d/block", userID), adminTok, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("block: expected 200, got %d", w.Code)
	}
	w = env.do(t, "GET", "/api/products", userTok, nil)
	if w.Code != http.StatusPaymentRequired {
		t.Fatalf("blocked: expected 402, got %d", w.Code)
	}
	if got := decode[map[string]string](t, w)["detail"]; got != billing.DetailBlocked {
		t.Errorf("detail = %q", got)
	}
}

func TestAdminRoutesForbidden(t *testing.T) {
	env := setupTestServer(t)
	_, admin := env.adminToken(t)
	userTok, userID := env.userToken(t, "clerk@shop.test")
	env.subscribe(t, admin, userID, billing.PlanPro, 30)

	for _, path := range []string{"/api/users", "/api/analytics/summary", "/api/admin/audit"} {
		if w := env.do(t, "GET", path, userTok, nil); w.Code != http.StatusForbidden {
			t.Errorf("%s: expected 403, got %d", path, w.Code)
		}
	}
	// Catalog is read-only for staff without admin rights.
	if w := env.do(t, "POST", "/api/tags", userTok, map[string]string{"title": "Sale"}); w.Code != http.StatusForbidden {
		t.Errorf("create tag: expected 403, got %d", w.Code)
	}
	if w := env.do(t, "GET", "/api/tags", userTok, nil); w.Code != http.StatusOK {
		t.Errorf("list tags: expected 200, got %d", w.Code)
	}
}

func TestProductPagination(t *testing.T) {
	env := setupTestServer(t)
	adminTok, _ := env.adminToken(t)
	env.createProduct(t, adminTok, "Tea", 100, 10)
	env.createProduct(t, adminTok, "Cake", 250, 5)

	w := env.do(t, "GET", "/api/products", adminTok, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if got := decode[[]store.Product](t, w); len(got) != 2 {
		t.Errorf("expected plain array of 2, got %d", len(got))
	}

	w = env.do(t, "GET", "/api/products?page=1&page_size=1", adminTok, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	page := decode[pageResponse[store.Product]](t, w)
	if page.Count != 2 || len(page.Results) != 1 {
		t.Errorf("count=%d results=%d", page.Count, len(page.Results))
	}
	if page.Next == nil || !strings.Contains(*page.Next, "page=2") {
		t.Errorf("next = %v", page.Next)
	}
	if page.Previous != nil {
		t.Errorf("previous = %v, want nil", *page.Previous)
	}

	w = env.do(t, "GET", "/api/products?page=3&page_size=1", adminTok, nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("out of range page: expected 404, got %d", w.Code)
	}

	w = env.do(t, "GET", "/api/products?search=cake", adminTok, nil)
	if got := decode[[]store.Product](t, w); len(got) != 1 || got[0].Title != "Cake" {
		t.Errorf("search: %+v", got)
	}
}

func TestProductImageUpload(t *testing.T) {
	env := setupTestServer(t)
	adminTok, _ := env.adminToken(t)
	w := env.do(t, "POST", "/api/categories", adminTok, map[string]string{"title": "Drinks"})
	cat := decode[store.Category](t, w)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	_ = mw.WriteField("title", "Juice")
	_ = mw.WriteField("sku", "JC-1")
	_ = mw.WriteField("price", "120")
	_ = mw.WriteField("category", fmt.Sprint(cat.ID))
	fw, err := mw.CreateFormFile("image", "juice.png")
	if err != nil {
		t.Fatal(err)
	}
	_, _ = fw.Write([]byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR"))
	if err := mw.Close(); err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest("POST", "/api/products", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+adminTok)
	rec := httptest.NewRecorder()
	env.srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	p := decode[store.Product](t, rec)
	if !strings.HasPrefix(p.Image, "/media/products/") || !strings.HasSuffix(p.Image, ".png") {
		t.Errorf("image = %q", p.Image)
	}
	if p.Slug != "juice" {
		t.Errorf("slug = %q", p.Slug)
	}

	w = env.do(t, "GET", p.Image, "", nil)
	if w.Code != http.StatusOK {
		t.Errorf("serving media: expected 200, got %d", w.Code)
	}
}

func TestProductValidation(t *testing.T) {
	env := setupTestServer(t)
	adminTok, _ := env.adminToken(t)
	w := env.do(t, "POST", "/api/products", adminTok, map[string]any{"title": "Nameless"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	body := decode[map[string]any](t, w)
	fields, _ := body["fields"].(map[string]any)
	for _, f := range []string{"sku", "price", "category"} {
		if _, ok := fields[f]; !ok {
			t.Errorf("missing field error for %s: %v", f, body)
		}
	}
}

func TestOrdersAndStock(t *testing.T) {
	env := setupTestServer(t)
	adminTok, admin := env.adminToken(t)
	product := env.createProduct(t, adminTok, "Tea", 100, 5)
	userTok, userID := env.userToken(t, "clerk@shop.test")
	env.subscribe(t, admin, userID, billing.PlanBasic, 30)

	w := env.do(t, "POST", "/api/orders", userTok, map[string]any{
		"items": []map[string]any{{"product": product.ID, "quantity": 3}},
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create order: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	order := decode[store.Order](t, w)
	if order.Amount != 300 || order.Status != store.OrderPending || order.EmployeeID != userID {
		t.Errorf("unexpected order: %+v", order)
	}

	w = env.do(t, "POST", "/api/orders", userTok, map[string]any{
		"items": []map[string]any{{"product": product.ID, "quantity": 3}},
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("oversell: expected 400, got %d", w.Code)
	}

	// Another employee cannot see the order.
	otherTok, otherID := env.userToken(t, "other@shop.test")
	env.subscribe(t, admin, otherID, billing.PlanBasic, 30)
	if w := env.do(t, "GET", fmt.Sprintf("/api/orders/%d", order.ID), otherTok, nil); w.Code != http.StatusNotFound {
		t.Errorf("foreign order: expected 404, got %d", w.Code)
	}
	if got := decode[[]store.Order](t, env.do(t, "GET", "/api/orders", otherTok, nil)); len(got) != 0 {
		t.Errorf("other employee sees %d orders", len(got))
	}
	if got := decode[[]store.Order](t, env.do(t, "GET", "/api/orders", adminTok, nil)); len(got) != 1 {
		t.Errorf("admin sees %d orders", len(got))
	}

	w = env.do(t, "PATCH", fmt.Sprintf("/api/orders/%d", order.ID), userTok, map[string]any{"status": "cancelled"})
	if w.Code != http.StatusOK {
		t.Fatalf("cancel: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	w = env.do(t, "GET", fmt.Sprintf("/api/products/%d", product.ID), adminTok, nil)
	if got := decode[store.Product](t, w); got.Stock != 5 {
		t.Errorf("stock after cancel = %d, want 5", got.Stock)
	}

	if w := env.do(t, "DELETE", fmt.Sprintf("/api/orders/%d", order.ID), userTok, nil); w.Code != http.StatusNoContent {
		t.Errorf("delete: expected 204, got %d", w.Code)
	}
}

func TestManualPaymentReview(t *testing.T) {
	env := setupTestServer(t)
	adminTok, _ := env.adminToken(t)
	userTok, _ := env.userToken(t, "clerk@shop.test")

	w := env.do(t, "POST", "/api/subscriptions", userTok, map[string]any{
		"plan": "pro", "amount": 2000, "mpesa_code": "qkx1234abc",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("submit: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	pr := decode[store.PaymentRequest](t, w)
	if pr.MpesaCode != "QKX1234ABC" || pr.Status != store.PaymentPending {
		t.Errorf("unexpected request: %+v", pr)
	}

	w = env.do(t, "GET", "/api/subscriptions?status=pending", adminTok, nil)
	if got := decode[[]store.PaymentRequest](t, w); len(got) != 1 {
		t.Fatalf("admin pending list has %d entries", len(got))
	}

	// The gate answers before the admin check for an unsubscribed user.
	w = env.do(t, "POST", fmt.Sprintf("/api/subscriptions/%d/approve", pr.ID), userTok, nil)
	if w.Code != http.StatusPaymentRequired {
		t.Errorf("unsubscribed user approve: expected 402, got %d", w.Code)
	}
	w = env.do(t, "POST", fmt.Sprintf("/api/subscriptions/%d/approve", pr.ID), adminTok, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("approve: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	w = env.do(t, "POST", fmt.Sprintf("/api/subscriptions/%d/approve", pr.ID), adminTok, nil)
	if w.Code != http.StatusConflict {
		t.Errorf("second approve: expected 409, got %d", w.Code)
	}

	if w := env.do(t, "GET", "/api/products", userTok, nil); w.Code != http.StatusOK {
		t.Errorf("after approval: expected 200, got %d", w.Code)
	}
	if w := env.do(t, "POST", fmt.Sprintf("/api/subscriptions/%d/reject", pr.ID), userTok, nil); w.Code != http.StatusForbidden {
		t.Errorf("subscribed user reject: expected 403, got %d", w.Code)
	}

	w = env.do(t, "GET", "/api/admin/audit", adminTok, nil)
	found := false
	for _, ev := range decode[[]store.AuditEvent](t, w) {
		if ev.Action == "payment.approved" {
			found = true
		}
	}
	if !found {
		t.Error("expected payment.approved audit event")
	}
}

func TestMpesaFlow(t *testing.T) {
	env := setupTestServer(t)
	userTok, userID := env.userToken(t, "clerk@shop.test")

	w := env.do(t, "POST", "/api/payments/mpesa/initiate", userTok, map[string]any{"plan": "pro", "phone": "0712345678"})
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("disabled: expected 503, got %d", w.Code)
	}

	gw := &fakeGateway{checkoutID: "ws_CO_123"}
	env.billing.SetGateway(gw, "cb-secret")

	w = env.do(t, "POST", "/api/payments/mpesa/initiate", userTok, map[string]any{"plan": "pro", "phone": "0712345678", "months": 2})
	if w.Code != http.StatusCreated {
		t.Fatalf("initiate: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	if gw.last.Amount != 4000 || gw.last.Phone != "254712345678" {
		t.Errorf("unexpected push: %+v", gw.last)
	}

	callback := `{"Body":{"stkCallback":{"MerchantRequestID":"m-1","CheckoutRequestID":"ws_CO_123","ResultCode":0,"ResultDesc":"The service request is processed successfully.","CallbackMetadata":{"Item":[{"Name":"Amount","Value":4000},{"Name":"MpesaReceiptNumber","Value":"QKX9ABCDEF"},{"Name":"PhoneNumber","Value":254712345678}]}}}}`
	post := func(path string) *httptest.ResponseRecorder {
		req := httptest.NewRequest("POST", path, strings.NewReader(callback))
		rec := httptest.NewRecorder()
		env.srv.Handler().ServeHTTP(rec, req)
		return rec
	}

	if rec := post("/api/payments/mpesa/callback?token=wrong"); rec.Code != http.StatusForbidden {
		t.Errorf("bad token: expected 403, got %d", rec.Code)
	}
	rec := post("/api/payments/mpesa/callback?token=cb-secret")
	if rec.Code != http.StatusOK {
		t.Fatalf("callback: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if got := decode[map[string]any](t, rec)["ResultCode"]; got != float64(0) {
		t.Errorf("ResultCode = %v", got)
	}
	// Replays are acknowledged and ignored.
	if rec := post("/api/payments/mpesa/callback?token=cb-secret"); rec.Code != http.StatusOK {
		t.Errorf("replay: expected 200, got %d", rec.Code)
	}

	st, err := env.billing.MySubscription(context.Background(), userID)
	if err != nil {
		t.Fatal(err)
	}
	if !st.IsActive || st.Subscription.Plan != billing.PlanPro {
		t.Errorf("subscription not activated: %+v", st.Subscription)
	}
	if st.DaysRemaining < 59 {
		t.Errorf("days remaining = %d, want about 60", st.DaysRemaining)
	}
}

func TestAssistant(t *testing.T) {
	env := setupTestServer(t)
	adminTok, admin := env.adminToken(t)

	w := env.do(t, "POST", "/api/assistant", adminTok, map[string]string{"message": "How are sales?"})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if got := decode[map[string]string](t, w)["reply"]; got != "Hello there" {
		t.Errorf("reply = %q", got)
	}

	w = env.do(t, "POST", "/api/assistant", adminTok, map[string]string{"message": "   "})
	if w.Code != http.StatusBadRequest {
		t.Errorf("blank message: expected 400, got %d", w.Code)
	}

	userTok, userID := env.userToken(t, "clerk@shop.test")
	env.subscribe(t, admin, userID, billing.PlanBasic, 30)
	w = env.do(t, "POST", "/api/assistant", userTok, map[string]string{"message": "hi"})
	if w.Code != http.StatusForbidden {
		t.Errorf("basic plan: expected 403, got %d", w.Code)
	}
}

func TestAssistantStream(t *testing.T) {
	env := setupTestServer(t)
	adminTok, _ := env.adminToken(t)

	req := httptest.NewRequest("POST", "/api/assistant", strings.NewReader(`{"message":"hi"}`))
	req.Header.Set("Authorization", "Bearer "+adminTok)
	req.Header.Set("Accept", "text/event-stream")
	w := httptest.NewRecorder()
	env.srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("content type = %q", ct)
	}
	body := w.Body.String()
	for _, want := range []string{
		`data: {"delta":"Hello"}`,
		`data: {"delta":" there"}`,
		"event: done\ndata: {\"reply\":\"Hello there\"}",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("stream missing %q:\n%s", want, body)
		}
	}
}

func TestAnalyticsEndpoints(t *testing.T) {
	env := setupTestServer(t)
	adminTok, _ := env.adminToken(t)
	product := env.createProduct(t, adminTok, "Tea", 100, 10)
	w := env.do(t, "POST", "/api/orders", adminTok, map[string]any{
		"status": "completed",
		"items":  []map[string]any{{"product": product.ID, "quantity": 2}},
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create order: %d %s", w.Code, w.Body.String())
	}

	w = env.do(t, "GET", "/api/analytics/summary", adminTok, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("summary: expected 200, got %d", w.Code)
	}
	sum := decode[analytics.Summary](t, w)
	if sum.TotalOrders != 1 || sum.TotalRevenue != 200 {
		t.Errorf("unexpected summary: %+v", sum)
	}

	w = env.do(t, "GET", "/api/analytics/monthly-sales", adminTok, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("monthly: expected 200, got %d", w.Code)
	}
	if got := decode[[]store.MonthSales](t, w); len(got) != 1 || got[0].TotalSales != 200 {
		t.Errorf("unexpected monthly sales: %+v", got)
	}
}
