package store

import (
	"context"
	"fmt"
	"strings"
	"time"
)

const orderColumns = "id, employee_id, employee_email, status, order_date, amount, created_at, updated_at"

// CreateOrder inserts the order and its items. Item OrderIDs are set.
func (s *SQLStore) CreateOrder(ctx context.Context, o *Order) error {
	now := time.Now().UTC()
	if o.CreatedAt.IsZero() {
		o.CreatedAt = now
	}
	o.UpdatedAt = now
	id, err := s.insert(ctx,
		`INSERT INTO orders (employee_id, employee_email, status, order_date, amount, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		o.EmployeeID, o.EmployeeEmail, o.Status, o.OrderDate, o.Amount, o.CreatedAt, o.UpdatedAt)
	if err != nil {
		return err
	}
	o.ID = id
	for i := range o.Items {
		o.Items[i].OrderID = id
		if err := s.AddOrderItem(ctx, &o.Items[i]); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLStore) GetOrder(ctx context.Context, id int64) (*Order, error) {
	var o Order
	found, err := s.get(ctx, &o, "SELECT "+orderColumns+" FROM orders WHERE id = ?", id)
	if err != nil || !found {
		return nil, err
	}
	orders := []Order{o}
	if err := s.loadOrderItems(ctx, orders); err != nil {
		return nil, err
	}
	return &orders[0], nil
}

// UpdateOrder writes status, order date and amount. Items are managed separately.
func (s *SQLStore) UpdateOrder(ctx context.Context, o *Order) error {
	o.UpdatedAt = time.Now().UTC()
	return expectOne(s.exec(ctx,
		"UPDATE orders SET status = ?, order_date = ?, amount = ?, updated_at = ? WHERE id = ?",
		o.Status, o.OrderDate, o.Amount, o.UpdatedAt, o.ID))
}

func (s *SQLStore) DeleteOrder(ctx context.Context, id int64) error {
	if _, err := s.exec(ctx, "DELETE FROM order_items WHERE order_id = ?", id); err != nil {
		return fmt.Errorf("delete order items: %w", err)
	}
	return expectOne(s.exec(ctx, "DELETE FROM orders WHERE id = ?", id))
}

func (s *SQLStore) ListOrders(ctx context.Context, f OrderFilter) ([]Order, int, error) {
	var (
		where []string
		args  []any
	)
	if f.EmployeeID != 0 {
		where = append(where, "employee_id = ?")
		args = append(args, f.EmployeeID)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, f.Status)
	}
	cond := ""
	if len(where) > 0 {
		cond = " WHERE " + strings.Join(where, " AND ")
	}

	total, err := s.count(ctx, "SELECT COUNT(*) FROM orders"+cond, args...)
	if err != nil {
		return nil, 0, err
	}
	q, qargs := paginate("SELECT "+orderColumns+" FROM orders"+cond+" ORDER BY order_date DESC, id DESC", f.Page, append([]any(nil), args...))
	orders := []Order{}
	if err := s.selectRows(ctx, &orders, q, qargs...); err != nil {
		return nil, 0, err
	}
	if err := s.loadOrderItems(ctx, orders); err != nil {
		return nil, 0, err
	}
	return orders, total, nil
}

func (s *SQLStore) loadOrderItems(ctx context.Context, orders []Order) error {
	if len(orders) == 0 {
		return nil
	}
	ids := make([]int64, len(orders))
	for i := range orders {
		ids[i] = orders[i].ID
		orders[i].Items = []OrderItem{}
	}
	in, args := inClause(ids)
	var items []OrderItem
	if err := s.selectRows(ctx, &items,
		"SELECT id, order_id, product_id, product_title, product_sku, price, quantity FROM order_items WHERE order_id IN "+in+" ORDER BY id",
		args...); err != nil {
		return fmt.Errorf("load order items: %w", err)
	}
	idx := make(map[int64]int, len(orders))
	for i := range orders {
		idx[orders[i].ID] = i
	}
	for _, it := range items {
		i := idx[it.OrderID]
		orders[i].Items = append(orders[i].Items, it)
	}
	return nil
}

func (s *SQLStore) AddOrderItem(ctx context.Context, item *OrderItem) error {
	id, err := s.insert(ctx,
		`INSERT INTO order_items (order_id, product_id, product_title, product_sku, price, quantity)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		item.OrderID, item.ProductID, item.ProductTitle, item.ProductSKU, item.Price, item.Quantity)
	if err != nil {
		return err
	}
	item.ID = id
	return nil
}

func (s *SQLStore) DeleteOrderItems(ctx context.Context, orderID int64) error {
	_, err := s.exec(ctx, "DELETE FROM order_items WHERE order_id = ?", orderID)
	return err
}

// --- Aggregates ---

// OrderTotals counts orders with order_date at or after since. A zero since
// covers every order.
func (s *SQLStore) OrderTotals(ctx context.Context, since time.Time) (*OrderTotals, error) {
	q := `SELECT COUNT(*) AS orders,
		CAST(COALESCE(SUM(CASE WHEN status <> 'cancelled' THEN 1 ELSE 0 END), 0) AS BIGINT) AS billable,
		CAST(COALESCE(SUM(CASE WHEN status <> 'cancelled' THEN amount ELSE 0 END), 0) AS BIGINT) AS revenue
		FROM orders`
	var args []any
	if !since.IsZero() {
		q += " WHERE order_date >= ?"
		args = append(args, since.UTC())
	}
	var t OrderTotals
	if _, err := s.get(ctx, &t, q, args...); err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *SQLStore) OrderStatusCounts(ctx context.Context) ([]StatusCount, error) {
	out := []StatusCount{}
	err := s.selectRows(ctx, &out, "SELECT status, COUNT(*) AS count FROM orders GROUP BY status ORDER BY status")
	return out, err
}

// TopProducts ranks product titles by quantity sold in non-cancelled orders.
func (s *SQLStore) TopProducts(ctx context.Context, limit int) ([]ProductSales, error) {
	out := []ProductSales{}
	err := s.selectRows(ctx, &out,
		`SELECT oi.product_title, CAST(SUM(oi.quantity) AS BIGINT) AS total_sold
		 FROM order_items oi JOIN orders o ON o.id = oi.order_id
		 WHERE o.status <> 'cancelled'
		 GROUP BY oi.product_title
		 ORDER BY total_sold DESC, oi.product_title
		 LIMIT ?`, limit)
	return out, err
}

// MonthlySales buckets non-cancelled orders dated at or after since by UTC
// calendar month, oldest first.
func (s *SQLStore) MonthlySales(ctx context.Context, since time.Time) ([]MonthSales, error) {
	var rows []struct {
		OrderDate time.Time `db:"order_date"`
		Amount    int64     `db:"amount"`
	}
	if err := s.selectRows(ctx, &rows,
		"SELECT order_date, amount FROM orders WHERE status <> 'cancelled' AND order_date >= ? ORDER BY order_date",
		since.UTC()); err != nil {
		return nil, err
	}
	out := []MonthSales{}
	for _, r := range rows {
		month := r.OrderDate.UTC().Format("2006-01")
		if n := len(out); n > 0 && out[n-1].Month == month {
			out[n-1].TotalSales += r.Amount
			out[n-1].OrderCount++
			continue
		}
		out = append(out, MonthSales{Month: month, TotalSales: r.Amount, OrderCount: 1})
	}
	return out, nil
}
