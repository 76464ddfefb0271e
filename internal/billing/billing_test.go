package billing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowmerce/flowmerce/internal/apperr"
	"github.com/flowmerce/flowmerce/internal/auth"
	"github.com/flowmerce/flowmerce/internal/config"
	"github.com/flowmerce/flowmerce/internal/events"
	"github.com/flowmerce/flowmerce/internal/mpesa"
	"github.com/flowmerce/flowmerce/internal/store"
)

var day = 24 * time.Hour

type fixture struct {
	svc   *Service
	store store.Store
	now   time.Time
	admin *auth.Identity
	user  *auth.Identity
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, err := store.NewSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	ctx := context.Background()

	f := &fixture{store: s, now: time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)}
	for i, email := range []string{"admin@shop.test", "owner@shop.test"} {
		u := &store.User{Email: email, PasswordHash: "x", IsActive: true, IsStaff: i == 0, DateJoined: f.now}
		require.NoError(t, s.CreateUser(ctx, u))
		id := &auth.Identity{UserID: u.ID, Email: u.Email, IsStaff: u.IsStaff}
		if i == 0 {
			f.admin = id
		} else {
			f.user = id
		}
	}
	f.svc = NewService(s, nil, config.SubscriptionConfig{}, nil)
	f.svc.now = func() time.Time { return f.now }
	return f
}

func (f *fixture) sub(t *testing.T) *store.Subscription {
	t.Helper()
	sub, err := f.store.GetSubscriptionByUser(context.Background(), f.user.UserID)
	require.NoError(t, err)
	return sub
}

func TestPlans(t *testing.T) {
	p, err := GetPlan(PlanPro)
	require.NoError(t, err)
	assert.Equal(t, int64(2000), p.Price)
	assert.Equal(t, 50, p.AssistantQueries)

	_, err = GetPlan("gold")
	assert.ErrorIs(t, err, apperr.ErrValidation)

	plans := ListPlans()
	require.Len(t, plans, 3)
	assert.Equal(t, []string{PlanBasic, PlanPro, PlanPremium}, []string{plans[0].Name, plans[1].Name, plans[2].Name})
}

func TestStateHelpers(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	end := now.Add(3*day + 23*time.Hour)
	sub := &store.Subscription{Status: store.SubscriptionActive, EndDate: &end}

	assert.True(t, IsActive(sub, now))
	assert.Equal(t, 3, DaysRemaining(sub, now), "days round down")

	sub.Status = store.SubscriptionExpiring
	assert.True(t, IsActive(sub, now))

	sub.IsBlocked = true
	assert.False(t, IsActive(sub, now))
	sub.IsBlocked = false

	sub.Status = store.SubscriptionPending
	assert.False(t, IsActive(sub, now))

	sub.Status = store.SubscriptionActive
	later := end.Add(time.Hour)
	assert.False(t, IsActive(sub, later))
	assert.Equal(t, 0, DaysRemaining(sub, later))
	assert.False(t, IsActive(nil, now))
	assert.Equal(t, 0, DaysRemaining(&store.Subscription{}, now))
}

func TestSubmitPayment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	pr, err := f.svc.SubmitPayment(ctx, f.user, SubmitPaymentInput{Amount: 1500, MpesaCode: " qwe123rty "})
	require.NoError(t, err)
	assert.Equal(t, "QWE123RTY", pr.MpesaCode)
	assert.Equal(t, PlanBasic, pr.Plan)
	assert.Equal(t, 30, pr.DurationDays)
	assert.Equal(t, store.PaymentPending, pr.Status)
	assert.Equal(t, "owner@shop.test", pr.UserEmail)

	sub := f.sub(t)
	require.NotNil(t, sub, "a pending subscription is created")
	assert.Equal(t, store.SubscriptionPending, sub.Status)

	_, err = f.svc.SubmitPayment(ctx, f.user, SubmitPaymentInput{Amount: 1500, MpesaCode: "QWE123RTY"})
	fields, ok := apperr.FieldErrors(err)
	require.True(t, ok, "duplicate code: %v", err)
	assert.Contains(t, fields, "mpesa_code")

	tests := []struct {
		name  string
		in    SubmitPaymentInput
		field string
	}{
		{"zero amount", SubmitPaymentInput{MpesaCode: "ABC1234"}, "amount"},
		{"short code", SubmitPaymentInput{Amount: 1, MpesaCode: "AB1"}, "mpesa_code"},
		{"symbols", SubmitPaymentInput{Amount: 1, MpesaCode: "ABC-1234"}, "mpesa_code"},
		{"bad plan", SubmitPaymentInput{Amount: 1, MpesaCode: "ABC1234", Plan: "gold"}, "plan"},
		{"long duration", SubmitPaymentInput{Amount: 1, MpesaCode: "ABC1234", DurationDays: 400}, "duration_days"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.SubmitPayment(ctx, f.user, tt.in)
			fields, ok := apperr.FieldErrors(err)
			require.True(t, ok, "expected validation error, got %v", err)
			assert.Contains(t, fields, tt.field)
		})
	}
}

func TestApproveActivatesAndExtends(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	bus := events.New(nil)
	t.Cleanup(bus.Close)
	ch := bus.Subscribe(events.SubscriptionActivated)
	f.svc.bus = bus

	pr, err := f.svc.SubmitPayment(ctx, f.user, SubmitPaymentInput{Plan: PlanPro, Amount: 2000, MpesaCode: "AAA111BBB"})
	require.NoError(t, err)

	_, err = f.svc.Approve(ctx, f.user, pr.ID)
	assert.ErrorIs(t, err, apperr.ErrForbidden)

	pr, err = f.svc.Approve(ctx, f.admin, pr.ID)
	require.NoError(t, err)
	assert.Equal(t, store.PaymentApproved, pr.Status)
	require.NotNil(t, pr.ReviewedBy)
	assert.Equal(t, f.admin.UserID, *pr.ReviewedBy)

	sub := f.sub(t)
	assert.Equal(t, store.SubscriptionActive, sub.Status)
	assert.Equal(t, PlanPro, sub.Plan)
	assert.True(t, sub.StartDate.Equal(f.now))
	assert.True(t, sub.EndDate.Equal(f.now.Add(30*day)))

	select {
	case e := <-ch:
		var payload struct {
			Email string `json:"email"`
			Plan  string `json:"plan"`
		}
		require.NoError(t, e.Decode(&payload))
		assert.Equal(t, "owner@shop.test", payload.Email)
		assert.Equal(t, PlanPro, payload.Plan)
	case <-time.After(time.Second):
		t.Fatal("no subscription.activated event")
	}

	// Approving twice is a conflict.
	_, err = f.svc.Approve(ctx, f.admin, pr.ID)
	assert.ErrorIs(t, err, ErrNotPending)
	assert.ErrorIs(t, err, apperr.ErrConflict)

	// A second payment while active extends the end date.
	f.now = f.now.Add(10 * day)
	pr2, err := f.svc.SubmitPayment(ctx, f.user, SubmitPaymentInput{Plan: PlanPro, Amount: 2000, MpesaCode: "CCC222DDD", DurationDays: 15})
	require.NoError(t, err)
	_, err = f.svc.Approve(ctx, f.admin, pr2.ID)
	require.NoError(t, err)
	sub = f.sub(t)
	assert.True(t, sub.EndDate.Equal(f.now.Add(-10*day).Add(45*day)), "end %v", sub.EndDate)
	assert.True(t, sub.StartDate.Equal(f.now.Add(-10*day)), "start unchanged")

	// After it lapses a new payment starts a fresh period.
	f.now = f.now.Add(60 * day)
	pr3, err := f.svc.SubmitPayment(ctx, f.user, SubmitPaymentInput{Amount: 1500, MpesaCode: "EEE333FFF"})
	require.NoError(t, err)
	_, err = f.svc.Approve(ctx, f.admin, pr3.ID)
	require.NoError(t, err)
	sub = f.sub(t)
	assert.True(t, sub.StartDate.Equal(f.now))
	assert.True(t, sub.EndDate.Equal(f.now.Add(30*day)))
	assert.Equal(t, PlanBasic, sub.Plan)

	_, err = f.svc.Approve(ctx, f.admin, 9999)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestReject(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	pr, err := f.svc.SubmitPayment(ctx, f.user, SubmitPaymentInput{Amount: 1500, MpesaCode: "REJECT01"})
	require.NoError(t, err)

	pr, err = f.svc.Reject(ctx, f.admin, pr.ID)
	require.NoError(t, err)
	assert.Equal(t, store.PaymentRejected, pr.Status)
	assert.Equal(t, store.SubscriptionPending, f.sub(t).Status)

	_, err = f.svc.Approve(ctx, f.admin, pr.ID)
	assert.ErrorIs(t, err, ErrNotPending)
}

func TestListPayments(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.SubmitPayment(ctx, f.user, SubmitPaymentInput{Amount: 1500, MpesaCode: "LIST0001"})
	require.NoError(t, err)
	_, err = f.svc.SubmitPayment(ctx, f.admin, SubmitPaymentInput{Amount: 1500, MpesaCode: "LIST0002"})
	require.NoError(t, err)

	_, total, err := f.svc.ListPayments(ctx, f.user, store.PaymentFilter{})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	_, total, err = f.svc.ListPayments(ctx, f.admin, store.PaymentFilter{Status: store.PaymentPending})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	_, _, err = f.svc.ListPayments(ctx, f.admin, store.PaymentFilter{Status: "lost"})
	assert.ErrorIs(t, err, apperr.ErrValidation)

	pending, err := f.svc.PendingRequests(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "LIST0001", pending[0].MpesaCode, "oldest first")
}

func TestGrantAndBlock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sub, err := f.svc.Grant(ctx, f.admin, GrantInput{UserID: f.user.UserID, Plan: PlanPremium, Days: 7})
	require.NoError(t, err)
	assert.Equal(t, store.SubscriptionActive, sub.Status)
	assert.True(t, sub.EndDate.Equal(f.now.Add(7*day)))

	_, err = f.svc.Grant(ctx, f.user, GrantInput{UserID: f.user.UserID})
	assert.ErrorIs(t, err, apperr.ErrForbidden)
	_, err = f.svc.Grant(ctx, f.admin, GrantInput{UserID: 9999})
	assert.ErrorIs(t, err, apperr.ErrValidation)

	sub, err = f.svc.SetBlocked(ctx, f.admin, f.user.UserID, true)
	require.NoError(t, err)
	assert.True(t, sub.IsBlocked)
	v, err := f.svc.Check(ctx, f.user)
	require.NoError(t, err)
	assert.False(t, v.Allowed)
	assert.Equal(t, DetailBlocked, v.Detail)

	_, err = f.svc.SetBlocked(ctx, f.admin, f.user.UserID, false)
	require.NoError(t, err)
	v, err = f.svc.Check(ctx, f.user)
	require.NoError(t, err)
	assert.True(t, v.Allowed)

	// Unblocking a user without a subscription is not found; blocking creates one.
	_, err = f.svc.SetBlocked(ctx, f.admin, f.admin.UserID, false)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	sub, err = f.svc.SetBlocked(ctx, f.admin, f.admin.UserID, true)
	require.NoError(t, err)
	assert.True(t, sub.IsBlocked)
	assert.Equal(t, store.SubscriptionPending, sub.Status)
}

func TestGate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	v, err := f.svc.Check(ctx, nil)
	require.NoError(t, err)
	assert.True(t, v.Allowed, "anonymous passes")
	v, err = f.svc.Check(ctx, f.admin)
	require.NoError(t, err)
	assert.True(t, v.Allowed, "staff pass")

	v, err = f.svc.Check(ctx, f.user)
	require.NoError(t, err)
	assert.False(t, v.Allowed)
	assert.Equal(t, DetailNoSubscription, v.Detail)

	_, err = f.svc.Grant(ctx, f.admin, GrantInput{UserID: f.user.UserID, Days: 30})
	require.NoError(t, err)

	v, err = f.svc.Check(ctx, f.user)
	require.NoError(t, err)
	assert.True(t, v.Allowed)
	assert.False(t, v.Warning)
	assert.Equal(t, 30, v.DaysRemaining)

	// Five days left: warn and persist expiring.
	f.now = f.now.Add(25 * day)
	v, err = f.svc.Check(ctx, f.user)
	require.NoError(t, err)
	assert.True(t, v.Allowed)
	assert.True(t, v.Warning)
	assert.Equal(t, 5, v.DaysRemaining)
	assert.Equal(t, store.SubscriptionExpiring, f.sub(t).Status)

	// Lapsed: reject and persist expired.
	f.now = f.now.Add(6 * day)
	v, err = f.svc.Check(ctx, f.user)
	require.NoError(t, err)
	assert.False(t, v.Allowed)
	assert.Equal(t, DetailExpired, v.Detail)
	assert.Equal(t, store.SubscriptionExpired, f.sub(t).Status)

	st, err := f.svc.MySubscription(ctx, f.user.UserID)
	require.NoError(t, err)
	assert.False(t, st.IsActive)
	assert.Equal(t, 0, st.DaysRemaining)
	require.NotNil(t, st.Plan)
	assert.Equal(t, PlanBasic, st.Plan.Name)

	st, err = f.svc.MySubscription(ctx, f.admin.UserID)
	require.NoError(t, err)
	assert.Nil(t, st.Subscription)
}

func TestSweep(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	bus := events.New(nil)
	t.Cleanup(bus.Close)
	ch := bus.Subscribe(events.SubscriptionExpired)
	f.svc.bus = bus

	_, err := f.svc.Grant(ctx, f.admin, GrantInput{UserID: f.user.UserID, Days: 10})
	require.NoError(t, err)
	_, err = f.svc.Grant(ctx, f.admin, GrantInput{UserID: f.admin.UserID, Days: 3})
	require.NoError(t, err)

	res, err := f.svc.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Expiring: 1}, res)

	f.now = f.now.Add(4 * day)
	res, err = f.svc.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Expired: 1}, res)

	select {
	case e := <-ch:
		var payload struct {
			UserID int64 `json:"user_id"`
		}
		require.NoError(t, e.Decode(&payload))
		assert.Equal(t, f.admin.UserID, payload.UserID)
	case <-time.After(time.Second):
		t.Fatal("no subscription.expired event")
	}

	f.now = f.now.Add(2 * day)
	res, err = f.svc.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Expiring: 1}, res)
	assert.Equal(t, store.SubscriptionExpiring, f.sub(t).Status)
}

func TestAssistantQuota(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	assert.NoError(t, f.svc.CheckAssistantQuota(ctx, f.admin))
	assert.ErrorIs(t, f.svc.CheckAssistantQuota(ctx, f.user), ErrSubscriptionRequired)

	_, err := f.svc.Grant(ctx, f.admin, GrantInput{UserID: f.user.UserID, Plan: PlanBasic})
	require.NoError(t, err)
	assert.ErrorIs(t, f.svc.CheckAssistantQuota(ctx, f.user), ErrAssistantNotInPlan)

	_, err = f.svc.Grant(ctx, f.admin, GrantInput{UserID: f.user.UserID, Plan: PlanPro})
	require.NoError(t, err)
	for i := 0; i < 50; i++ {
		require.NoError(t, f.svc.RecordAssistantQuery(ctx, f.user.UserID))
	}
	err = f.svc.CheckAssistantQuota(ctx, f.user)
	assert.ErrorIs(t, err, ErrQuotaExceeded)
	assert.ErrorIs(t, err, apperr.ErrForbidden)

	// Usage resets with the calendar month.
	f.now = time.Date(2025, 7, 1, 0, 0, 1, 0, time.UTC)
	assert.NoError(t, f.svc.CheckAssistantQuota(ctx, f.user))

	_, err = f.svc.Grant(ctx, f.admin, GrantInput{UserID: f.user.UserID, Plan: PlanPremium})
	require.NoError(t, err)
	assert.NoError(t, f.svc.CheckAssistantQuota(ctx, f.user))
}

type fakeGateway struct {
	reqs []mpesa.STKPushRequest
	err  error
}

func (g *fakeGateway) STKPush(_ context.Context, req mpesa.STKPushRequest) (*mpesa.STKPushResponse, error) {
	if g.err != nil {
		return nil, g.err
	}
	g.reqs = append(g.reqs, req)
	return &mpesa.STKPushResponse{CheckoutRequestID: "ws_CO_" + req.Phone, ResponseCode: "0"}, nil
}

func callback(checkoutID string, code int, receipt string) []byte {
	if code != 0 {
		return []byte(`{"Body":{"stkCallback":{"CheckoutRequestID":"` + checkoutID + `","ResultCode":1032,"ResultDesc":"Request cancelled by user"}}}`)
	}
	return []byte(`{"Body":{"stkCallback":{"CheckoutRequestID":"` + checkoutID + `","ResultCode":0,"ResultDesc":"ok","CallbackMetadata":{"Item":[{"Name":"Amount","Value":2000},{"Name":"MpesaReceiptNumber","Value":"` + receipt + `"}]}}}}`)
}

func TestInitiatePaymentAndCallback(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.InitiatePayment(ctx, f.user, InitiateInput{Phone: "0712345678"})
	assert.ErrorIs(t, err, ErrPaymentsDisabled)

	gw := &fakeGateway{}
	f.svc.SetGateway(gw, "s3cret")

	_, err = f.svc.InitiatePayment(ctx, f.user, InitiateInput{Phone: "12"})
	assert.ErrorIs(t, err, apperr.ErrValidation)

	pr, err := f.svc.InitiatePayment(ctx, f.user, InitiateInput{Plan: PlanPro, Phone: "0712345678", Months: 2})
	require.NoError(t, err)
	assert.Equal(t, int64(4000), pr.Amount)
	assert.Equal(t, 60, pr.DurationDays)
	assert.Equal(t, "254712345678", pr.Phone)
	assert.Equal(t, "ws_CO_254712345678", pr.CheckoutRequestID)
	require.Len(t, gw.reqs, 1)
	assert.Equal(t, int64(4000), gw.reqs[0].Amount)

	assert.ErrorIs(t, f.svc.CheckCallbackToken("nope"), apperr.ErrForbidden)
	assert.NoError(t, f.svc.CheckCallbackToken("s3cret"))

	// Unknown checkouts are ignored.
	require.NoError(t, f.svc.HandleCallback(ctx, callback("ws_CO_unknown", 0, "X")))

	require.NoError(t, f.svc.HandleCallback(ctx, callback(pr.CheckoutRequestID, 0, "NLJ7RT61SV")))
	got, err := f.store.GetPaymentRequest(ctx, pr.ID)
	require.NoError(t, err)
	assert.Equal(t, store.PaymentApproved, got.Status)
	assert.Equal(t, "NLJ7RT61SV", got.MpesaCode)
	assert.Nil(t, got.ReviewedBy)
	sub := f.sub(t)
	assert.Equal(t, store.SubscriptionActive, sub.Status)
	assert.True(t, sub.EndDate.Equal(f.now.Add(60*day)))

	// Duplicate deliveries are ignored.
	require.NoError(t, f.svc.HandleCallback(ctx, callback(pr.CheckoutRequestID, 0, "NLJ7RT61SV")))

	// A cancelled prompt rejects the request.
	pr2, err := f.svc.InitiatePayment(ctx, f.user, InitiateInput{Phone: "0722000000"})
	require.NoError(t, err)
	require.NoError(t, f.svc.HandleCallback(ctx, callback(pr2.CheckoutRequestID, 1, "")))
	got, err = f.store.GetPaymentRequest(ctx, pr2.ID)
	require.NoError(t, err)
	assert.Equal(t, store.PaymentRejected, got.Status)

	assert.ErrorIs(t, f.svc.HandleCallback(ctx, []byte(`{}`)), apperr.ErrValidation)

	gw.err = errors.New("daraja down")
	_, err = f.svc.InitiatePayment(ctx, f.user, InitiateInput{Phone: "0712345678"})
	assert.Error(t, err)
}

// staleReads serves payment requests as they were before another reviewer
// decided them, the way a concurrent transaction sees the row.
type staleReads struct {
	store.Store
	snapshot map[int64]store.PaymentRequest
}

func (s *staleReads) WithTx(ctx context.Context, fn func(store.Store) error) error {
	return s.Store.WithTx(ctx, func(tx store.Store) error {
		return fn(&staleReads{Store: tx, snapshot: s.snapshot})
	})
}

func (s *staleReads) GetPaymentRequest(ctx context.Context, id int64) (*store.PaymentRequest, error) {
	if pr, ok := s.snapshot[id]; ok {
		return &pr, nil
	}
	return s.Store.GetPaymentRequest(ctx, id)
}

func TestConcurrentReviewActivatesOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	pr, err := f.svc.SubmitPayment(ctx, f.user, SubmitPaymentInput{Plan: PlanPro, Amount: 2000, MpesaCode: "RACE0001"})
	require.NoError(t, err)
	snapshot := map[int64]store.PaymentRequest{pr.ID: *pr}

	_, err = f.svc.Approve(ctx, f.admin, pr.ID)
	require.NoError(t, err)
	end := *f.sub(t).EndDate

	late := NewService(&staleReads{Store: f.store, snapshot: snapshot}, nil, config.SubscriptionConfig{}, nil)
	late.now = f.svc.now
	_, err = late.Approve(ctx, f.admin, pr.ID)
	assert.ErrorIs(t, err, ErrNotPending)
	_, err = late.Reject(ctx, f.admin, pr.ID)
	assert.ErrorIs(t, err, ErrNotPending)

	assert.True(t, f.sub(t).EndDate.Equal(end), "subscription extended twice")
	got, err := f.store.GetPaymentRequest(ctx, pr.ID)
	require.NoError(t, err)
	assert.Equal(t, store.PaymentApproved, got.Status)
}

// countingStore counts subscription lookups.
type countingStore struct {
	store.Store
	lookups int
}

func (c *countingStore) GetSubscriptionByUser(ctx context.Context, userID int64) (*store.Subscription, error) {
	c.lookups++
	return c.Store.GetSubscriptionByUser(ctx, userID)
}

func TestAssistantQuotaUsesGateSubscription(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.Grant(ctx, f.admin, GrantInput{UserID: f.user.UserID, Plan: PlanPro})
	require.NoError(t, err)

	cs := &countingStore{Store: f.store}
	svc := NewService(cs, nil, config.SubscriptionConfig{}, nil)
	svc.now = f.svc.now

	v, err := svc.Check(ctx, f.user)
	require.NoError(t, err)
	require.True(t, v.Allowed)
	require.Equal(t, 1, cs.lookups)

	gated := WithSubscription(ctx, v.Subscription)
	assert.Same(t, v.Subscription, SubscriptionFrom(gated))
	require.NoError(t, svc.CheckAssistantQuota(gated, f.user))
	assert.Equal(t, 1, cs.lookups, "gate subscription reused")

	// Another user's subscription in ctx is not trusted.
	other := &auth.Identity{UserID: f.admin.UserID + 100}
	assert.ErrorIs(t, svc.CheckAssistantQuota(gated, other), ErrSubscriptionRequired)
	assert.Equal(t, 2, cs.lookups)
	assert.Nil(t, SubscriptionFrom(ctx))
}
