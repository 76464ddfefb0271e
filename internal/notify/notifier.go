package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/flowmerce/flowmerce/internal/events"
	"github.com/flowmerce/flowmerce/internal/store"
)

// Notifier turns bus events into email.
type Notifier struct {
	store  store.Store
	mailer *Mailer
	logger *slog.Logger
}

// NewNotifier creates a notifier.
func NewNotifier(s store.Store, m *Mailer, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{store: s, mailer: m, logger: logger.With("component", "notify")}
}

// Register subscribes the notifier's handlers on bus.
func (n *Notifier) Register(bus *events.Bus) {
	bus.Handle("notify.order", n.HandleOrderCreated, events.OrderCreated)
	bus.Handle("notify.subscription", n.HandleSubscription, events.SubscriptionActivated, events.SubscriptionExpired)
}

// HandleOrderCreated mails an order confirmation to the employee who placed it.
func (n *Notifier) HandleOrderCreated(e events.Event) error {
	var p struct {
		ID         int64 `json:"id"`
		EmployeeID int64 `json:"employee_id"`
	}
	if err := e.Decode(&p); err != nil {
		return fmt.Errorf("decode %s: %w", e.Type, err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	o, err := n.store.GetOrder(ctx, p.ID)
	if err != nil {
		return fmt.Errorf("get order: %w", err)
	}
	u, err := n.store.GetUserByID(ctx, p.EmployeeID)
	if err != nil {
		return fmt.Errorf("get user: %w", err)
	}
	if o == nil || u == nil {
		n.logger.Debug("order or user gone, no confirmation", "order_id", p.ID)
		return nil
	}
	mail, err := OrderConfirmation(u, o)
	if err != nil {
		return fmt.Errorf("render order confirmation: %w", err)
	}
	return n.mailer.Send(ctx, mail)
}

// HandleSubscription mails activation and expiry notices.
func (n *Notifier) HandleSubscription(e events.Event) error {
	var p struct {
		UserID  int64      `json:"user_id"`
		Plan    string     `json:"plan"`
		EndDate *time.Time `json:"end_date"`
	}
	if err := e.Decode(&p); err != nil {
		return fmt.Errorf("decode %s: %w", e.Type, err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	u, err := n.store.GetUserByID(ctx, p.UserID)
	if err != nil {
		return fmt.Errorf("get user: %w", err)
	}
	if u == nil || p.EndDate == nil {
		return nil
	}
	var mail Email
	switch e.Type {
	case events.SubscriptionActivated:
		mail, err = SubscriptionActivated(u, p.Plan, *p.EndDate)
	case events.SubscriptionExpired:
		mail, err = SubscriptionExpired(u, p.Plan, *p.EndDate)
	default:
		return nil
	}
	if err != nil {
		return fmt.Errorf("render %s: %w", e.Type, err)
	}
	return n.mailer.Send(ctx, mail)
}

func itoa(v int64) string { return strconv.FormatInt(v, 10) }

// formatAmount groups thousands: 12500 -> "12,500".
func formatAmount(v int64) string {
	s := strconv.FormatInt(v, 10)
	neg := v < 0
	if neg {
		s = s[1:]
	}
	var out []byte
	for i := range len(s) {
		if i > 0 && (len(s)-i)%3 == 0 {
			out = append(out, ',')
		}
		out = append(out, s[i])
	}
	if neg {
		return "-" + string(out)
	}
	return string(out)
}
