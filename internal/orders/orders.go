// Package orders records sales. Line items copy the product's title, sku and
// price when added, and stock moves with the order inside one transaction.
package orders

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/flowmerce/flowmerce/internal/apperr"
	"github.com/flowmerce/flowmerce/internal/auth"
	"github.com/flowmerce/flowmerce/internal/events"
	"github.com/flowmerce/flowmerce/internal/store"
)

// ErrOrderLocked is returned when the items of a cancelled order are edited.
var ErrOrderLocked = fmt.Errorf("items of a cancelled order cannot be changed: %w", apperr.ErrConflict)

// Service implements order operations.
type Service struct {
	store  store.Store
	bus    events.Publisher
	logger *slog.Logger
	now    func() time.Time
}

// NewService creates an order service.
func NewService(s store.Store, bus events.Publisher, logger *slog.Logger) *Service {
	if bus == nil {
		bus = events.Discard{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:  s,
		bus:    bus,
		logger: logger.With("component", "orders"),
		now:    time.Now,
	}
}

// ItemInput adds a product to an order. Any price sent by the client is ignored.
type ItemInput struct {
	Product  int64 `json:"product"`
	Quantity int   `json:"quantity"`
}

// CreateInput is the payload of Create.
type CreateInput struct {
	Status    string      `json:"status"`
	OrderDate *time.Time  `json:"order_date"`
	Items     []ItemInput `json:"items"`
}

// UpdateInput is the payload of Update. Nil fields are left unchanged.
type UpdateInput struct {
	Status    *string    `json:"status"`
	OrderDate *time.Time `json:"order_date"`
}

func validStatus(status string) bool {
	switch status {
	case store.OrderPending, store.OrderCompleted, store.OrderCancelled:
		return true
	}
	return false
}

// Amount is the sum of the items' total prices.
func Amount(items []store.OrderItem) int64 {
	var total int64
	for _, it := range items {
		total += it.TotalPrice()
	}
	return total
}

// Create records an order for the caller.
func (s *Service) Create(ctx context.Context, caller *auth.Identity, in CreateInput) (*store.Order, error) {
	if caller == nil {
		return nil, apperr.ErrForbidden
	}
	ve := &apperr.ValidationError{}
	if in.Status == "" {
		in.Status = store.OrderPending
	}
	if !validStatus(in.Status) {
		ve.Add("status", fmt.Sprintf("%q is not a valid choice", in.Status))
	}
	if len(in.Items) == 0 {
		ve.Add("items", "an order needs at least one item")
	}
	for i, it := range in.Items {
		if it.Quantity < 1 {
			ve.Add(fmt.Sprintf("items[%d].quantity", i), "must be at least 1")
		}
	}
	if err := ve.OrNil(); err != nil {
		return nil, err
	}

	order := &store.Order{
		EmployeeID:    caller.UserID,
		EmployeeEmail: caller.Email,
		Status:        in.Status,
		OrderDate:     s.now().UTC(),
	}
	if in.OrderDate != nil {
		order.OrderDate = in.OrderDate.UTC()
	}

	err := s.store.WithTx(ctx, func(tx store.Store) error {
		for i, it := range in.Items {
			item, err := snapshot(ctx, tx, it, i)
			if err != nil {
				return err
			}
			if order.Status != store.OrderCancelled {
				if err := reserve(ctx, tx, *item.ProductID, item.Quantity); err != nil {
					return err
				}
			}
			order.Items = append(order.Items, *item)
		}
		order.Amount = Amount(order.Items)
		return tx.CreateOrder(ctx, order)
	})
	if err != nil {
		return nil, err
	}

	s.publish(events.OrderCreated, order)
	return order, nil
}

// Get returns an order visible to the caller. Orders of other employees are
// reported as missing to non-staff callers.
func (s *Service) Get(ctx context.Context, caller *auth.Identity, id int64) (*store.Order, error) {
	o, err := s.store.GetOrder(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get order: %w", err)
	}
	if o == nil || !visible(caller, o) {
		return nil, apperr.ErrNotFound
	}
	return o, nil
}

// List returns the caller's orders, or every order for staff.
func (s *Service) List(ctx context.Context, caller *auth.Identity, f store.OrderFilter) ([]store.Order, int, error) {
	if caller == nil {
		return nil, 0, apperr.ErrForbidden
	}
	if !caller.IsAdmin() {
		f.EmployeeID = caller.UserID
	}
	return s.store.ListOrders(ctx, f)
}

// Update changes the status or order date. Cancelling returns the items'
// stock; leaving cancelled takes it again.
func (s *Service) Update(ctx context.Context, caller *auth.Identity, id int64, in UpdateInput) (*store.Order, error) {
	if in.Status != nil && !validStatus(*in.Status) {
		return nil, apperr.Invalid("status", fmt.Sprintf("%q is not a valid choice", *in.Status))
	}
	var order *store.Order
	err := s.store.WithTx(ctx, func(tx store.Store) error {
		o, err := s.load(ctx, tx, caller, id)
		if err != nil {
			return err
		}
		if in.Status != nil && *in.Status != o.Status {
			switch {
			case *in.Status == store.OrderCancelled:
				if err := release(ctx, tx, o.Items); err != nil {
					return err
				}
			case o.Status == store.OrderCancelled:
				for _, it := range o.Items {
					if it.ProductID == nil {
						continue
					}
					if err := reserve(ctx, tx, *it.ProductID, it.Quantity); err != nil {
						return err
					}
				}
			}
			o.Status = *in.Status
		}
		if in.OrderDate != nil {
			o.OrderDate = in.OrderDate.UTC()
		}
		o.Amount = Amount(o.Items)
		if err := tx.UpdateOrder(ctx, o); err != nil {
			return fmt.Errorf("update order: %w", err)
		}
		order = o
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.publish(events.OrderUpdated, order)
	return order, nil
}

// ClearItems removes every item, returns their stock and zeroes the amount.
func (s *Service) ClearItems(ctx context.Context, caller *auth.Identity, id int64) (*store.Order, error) {
	var order *store.Order
	err := s.store.WithTx(ctx, func(tx store.Store) error {
		o, err := s.load(ctx, tx, caller, id)
		if err != nil {
			return err
		}
		if o.Status == store.OrderCancelled {
			return ErrOrderLocked
		}
		if err := release(ctx, tx, o.Items); err != nil {
			return err
		}
		if err := tx.DeleteOrderItems(ctx, o.ID); err != nil {
			return fmt.Errorf("delete items: %w", err)
		}
		o.Items = []store.OrderItem{}
		o.Amount = 0
		if err := tx.UpdateOrder(ctx, o); err != nil {
			return fmt.Errorf("update order: %w", err)
		}
		order = o
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.publish(events.OrderUpdated, order)
	return order, nil
}

// AddItem snapshots a product into the order, takes its stock and recomputes
// the amount.
func (s *Service) AddItem(ctx context.Context, caller *auth.Identity, id int64, in ItemInput) (*store.Order, error) {
	if in.Quantity < 1 {
		return nil, apperr.Invalid("quantity", "must be at least 1")
	}
	var order *store.Order
	err := s.store.WithTx(ctx, func(tx store.Store) error {
		o, err := s.load(ctx, tx, caller, id)
		if err != nil {
			return err
		}
		if o.Status == store.OrderCancelled {
			return ErrOrderLocked
		}
		item, err := snapshot(ctx, tx, in, -1)
		if err != nil {
			return err
		}
		if err := reserve(ctx, tx, *item.ProductID, item.Quantity); err != nil {
			return err
		}
		item.OrderID = o.ID
		if err := tx.AddOrderItem(ctx, item); err != nil {
			return fmt.Errorf("add item: %w", err)
		}
		o.Items = append(o.Items, *item)
		o.Amount = Amount(o.Items)
		if err := tx.UpdateOrder(ctx, o); err != nil {
			return fmt.Errorf("update order: %w", err)
		}
		order = o
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.publish(events.OrderUpdated, order)
	return order, nil
}

// Delete removes an order, returning its stock unless it was cancelled.
func (s *Service) Delete(ctx context.Context, caller *auth.Identity, id int64) error {
	var order *store.Order
	err := s.store.WithTx(ctx, func(tx store.Store) error {
		o, err := s.load(ctx, tx, caller, id)
		if err != nil {
			return err
		}
		if o.Status != store.OrderCancelled {
			if err := release(ctx, tx, o.Items); err != nil {
				return err
			}
		}
		if err := tx.DeleteOrder(ctx, o.ID); err != nil {
			return fmt.Errorf("delete order: %w", err)
		}
		order = o
		return nil
	})
	if err != nil {
		return err
	}
	s.publish(events.OrderDeleted, order)
	return nil
}

func (s *Service) load(ctx context.Context, tx store.Store, caller *auth.Identity, id int64) (*store.Order, error) {
	o, err := tx.GetOrder(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get order: %w", err)
	}
	if o == nil || !visible(caller, o) {
		return nil, apperr.ErrNotFound
	}
	return o, nil
}

func (s *Service) publish(eventType string, o *store.Order) {
	s.bus.PublishType(eventType, map[string]any{
		"id":          o.ID,
		"employee_id": o.EmployeeID,
		"status":      o.Status,
		"amount":      o.Amount,
	})
}

func visible(caller *auth.Identity, o *store.Order) bool {
	if caller == nil {
		return false
	}
	return caller.IsAdmin() || o.EmployeeID == caller.UserID
}

// snapshot builds an item from the product's current title, sku and price.
// idx names the offending item in validation errors; -1 means a single item.
func snapshot(ctx context.Context, tx store.Store, in ItemInput, idx int) (*store.OrderItem, error) {
	field := "product"
	if idx >= 0 {
		field = fmt.Sprintf("items[%d].product", idx)
	}
	p, err := tx.GetProduct(ctx, in.Product)
	if err != nil {
		return nil, fmt.Errorf("get product: %w", err)
	}
	if p == nil {
		return nil, apperr.Invalid(field, fmt.Sprintf("invalid pk %d: object does not exist", in.Product))
	}
	pid := p.ID
	return &store.OrderItem{
		ProductID:    &pid,
		ProductTitle: p.Title,
		ProductSKU:   p.SKU,
		Price:        p.Price,
		Quantity:     in.Quantity,
	}, nil
}

func reserve(ctx context.Context, tx store.Store, productID int64, qty int) error {
	p, err := tx.AdjustStock(ctx, productID, -qty)
	if errors.Is(err, store.ErrInsufficientStock) && p != nil {
		return fmt.Errorf("%w: %q has %d left, %d requested", store.ErrInsufficientStock, p.Title, p.Stock, qty)
	}
	if err != nil {
		return fmt.Errorf("reserve stock: %w", err)
	}
	if p == nil {
		return apperr.Invalid("product", fmt.Sprintf("invalid pk %d: object does not exist", productID))
	}
	return nil
}

// release returns the stock of items whose product still exists.
func release(ctx context.Context, tx store.Store, items []store.OrderItem) error {
	for _, it := range items {
		if it.ProductID == nil {
			continue
		}
		if _, err := tx.AdjustStock(ctx, *it.ProductID, it.Quantity); err != nil {
			return fmt.Errorf("release stock: %w", err)
		}
	}
	return nil
}
