// Package store defines the persistence interface for flowmerce and provides a
// sqlx implementation for SQLite and PostgreSQL.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// ErrInsufficientStock is returned by AdjustStock when a decrement would
// take a product's stock below zero.
var ErrInsufficientStock = errors.New("insufficient stock")

// Store is the persistence interface for the back office.
type Store interface {
	// Users
	CreateUser(ctx context.Context, u *User) error
	GetUserByID(ctx context.Context, id int64) (*User, error)
	GetUserByEmail(ctx context.Context, email string) (*User, error)
	UpdateUser(ctx context.Context, u *User) error
	SetLastLogin(ctx context.Context, id int64, at time.Time) error
	ListUsers(ctx context.Context, page Page) ([]User, int, error)
	CountUsers(ctx context.Context) (int, error)

	// Catalog
	CreateCategory(ctx context.Context, c *Category) error
	GetCategory(ctx context.Context, id int64) (*Category, error)
	UpdateCategory(ctx context.Context, c *Category) error
	DeleteCategory(ctx context.Context, id int64) error
	ListCategories(ctx context.Context, page Page) ([]Category, int, error)

	CreateTag(ctx context.Context, tag *Tag) error
	GetTag(ctx context.Context, id int64) (*Tag, error)
	UpdateTag(ctx context.Context, tag *Tag) error
	DeleteTag(ctx context.Context, id int64) error
	ListTags(ctx context.Context, page Page) ([]Tag, int, error)
	CountTags(ctx context.Context, ids []int64) (int, error)

	SlugTaken(ctx context.Context, kind SlugKind, slug string, excludeID int64) (bool, error)
	SKUTaken(ctx context.Context, sku string, excludeID int64) (bool, error)

	CreateProduct(ctx context.Context, p *Product) error
	GetProduct(ctx context.Context, id int64) (*Product, error)
	UpdateProduct(ctx context.Context, p *Product) error
	DeleteProduct(ctx context.Context, id int64) error
	ListProducts(ctx context.Context, f ProductFilter) ([]Product, int, error)
	SetProductTags(ctx context.Context, productID int64, tagIDs []int64) error
	AdjustStock(ctx context.Context, productID int64, delta int) (*Product, error)

	// Orders
	CreateOrder(ctx context.Context, o *Order) error
	GetOrder(ctx context.Context, id int64) (*Order, error)
	UpdateOrder(ctx context.Context, o *Order) error
	DeleteOrder(ctx context.Context, id int64) error
	ListOrders(ctx context.Context, f OrderFilter) ([]Order, int, error)
	AddOrderItem(ctx context.Context, item *OrderItem) error
	DeleteOrderItems(ctx context.Context, orderID int64) error

	// Aggregates
	OrderTotals(ctx context.Context, since time.Time) (*OrderTotals, error)
	OrderStatusCounts(ctx context.Context) ([]StatusCount, error)
	TopProducts(ctx context.Context, limit int) ([]ProductSales, error)
	MonthlySales(ctx context.Context, since time.Time) ([]MonthSales, error)

	// Subscriptions
	CreateSubscription(ctx context.Context, sub *Subscription) error
	GetSubscriptionByUser(ctx context.Context, userID int64) (*Subscription, error)
	UpdateSubscription(ctx context.Context, sub *Subscription) error
	ListSubscriptionsEndingBefore(ctx context.Context, before time.Time) ([]Subscription, error)

	// Payment requests
	CreatePaymentRequest(ctx context.Context, pr *PaymentRequest) error
	GetPaymentRequest(ctx context.Context, id int64) (*PaymentRequest, error)
	GetPaymentRequestByCheckoutID(ctx context.Context, checkoutID string) (*PaymentRequest, error)
	// ReviewPaymentRequest writes the review only while the row is still
	// pending. It reports false when another reviewer already decided it.
	ReviewPaymentRequest(ctx context.Context, pr *PaymentRequest) (bool, error)
	ListPaymentRequests(ctx context.Context, f PaymentFilter) ([]PaymentRequest, int, error)
	MpesaCodeTaken(ctx context.Context, code string, excludeID int64) (bool, error)

	// Assistant usage
	RecordAssistantQuery(ctx context.Context, userID int64, at time.Time) error
	CountAssistantQueries(ctx context.Context, userID int64, since time.Time) (int, error)

	// Refresh token blacklist
	RevokeToken(ctx context.Context, jti string, expiresAt time.Time) error
	IsTokenRevoked(ctx context.Context, jti string) (bool, error)
	PurgeRevokedTokens(ctx context.Context, before time.Time) (int64, error)

	// Audit
	LogAuditEvent(ctx context.Context, event *AuditEvent) error
	ListAuditEvents(ctx context.Context, limit, offset int) ([]AuditEvent, error)

	// WithTx runs fn against a Store bound to a single transaction. The
	// transaction commits when fn returns nil and rolls back otherwise.
	WithTx(ctx context.Context, fn func(Store) error) error

	// Health
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// Page limits a listing. A zero Limit means no limit.
type Page struct {
	Limit  int
	Offset int
}

// SlugKind names a table that carries a unique slug.
type SlugKind string

const (
	SlugCategory SlugKind = "categories"
	SlugTag      SlugKind = "tags"
	SlugProduct  SlugKind = "products"
)

// User is a back-office account.
type User struct {
	ID           int64      `db:"id" json:"id"`
	Email        string     `db:"email" json:"email"`
	Name         string     `db:"name" json:"name"`
	PasswordHash string     `db:"password_hash" json:"-"`
	IsActive     bool       `db:"is_active" json:"is_active"`
	IsStaff      bool       `db:"is_staff" json:"is_staff"`
	IsSuperuser  bool       `db:"is_superuser" json:"is_superuser"`
	DateJoined   time.Time  `db:"date_joined" json:"date_joined"`
	LastLogin    *time.Time `db:"last_login" json:"last_login"`
}

// ShortName returns the user's name, falling back to the local part of the email.
func (u *User) ShortName() string {
	if u.Name != "" {
		return u.Name
	}
	if i := strings.IndexByte(u.Email, '@'); i > 0 {
		return u.Email[:i]
	}
	return u.Email
}

// IsAdmin reports whether the user has staff or superuser rights.
func (u *User) IsAdmin() bool {
	return u.IsStaff || u.IsSuperuser
}

// Category groups products.
type Category struct {
	ID    int64  `db:"id" json:"id"`
	Title string `db:"title" json:"title"`
	Slug  string `db:"slug" json:"slug"`
}

// Tag labels products.
type Tag struct {
	ID    int64  `db:"id" json:"id"`
	Title string `db:"title" json:"title"`
	Slug  string `db:"slug" json:"slug"`
}

// Product statuses.
const (
	ProductAvailable  = "available"
	ProductOutOfStock = "out_of_stock"
)

// Product is a catalog entry.
type Product struct {
	ID              int64     `db:"id" json:"id"`
	Title           string    `db:"title" json:"title"`
	Slug            string    `db:"slug" json:"slug"`
	Description     string    `db:"description" json:"description"`
	Price           int64     `db:"price" json:"price"`
	CategoryID      *int64    `db:"category_id" json:"category"`
	Image           string    `db:"image" json:"image"`
	Quantity        int       `db:"quantity" json:"quantity"`
	Stock           int       `db:"stock" json:"stock"`
	SKU             string    `db:"sku" json:"sku"`
	Status          string    `db:"status" json:"status"`
	CreatedAt       time.Time `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time `db:"updated_at" json:"updated_at"`
	Tags            []int64   `db:"-" json:"tags"`
	CategoryDetails *Category `db:"-" json:"category_details"`
}

// ProductFilter narrows ListProducts.
type ProductFilter struct {
	Search     string // matches title, sku or description
	CategoryID int64
	Status     string
	TagID      int64
	Page
}

// Order statuses.
const (
	OrderPending   = "pending"
	OrderCompleted = "completed"
	OrderCancelled = "cancelled"
)

// Order is a sale recorded by an employee.
type Order struct {
	ID            int64       `db:"id" json:"id"`
	EmployeeID    int64       `db:"employee_id" json:"employee"`
	EmployeeEmail string      `db:"employee_email" json:"employee_email"`
	Status        string      `db:"status" json:"status"`
	OrderDate     time.Time   `db:"order_date" json:"order_date"`
	Amount        int64       `db:"amount" json:"amount"`
	CreatedAt     time.Time   `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time   `db:"updated_at" json:"updated_at"`
	Items         []OrderItem `db:"-" json:"items"`
}

// OrderItem is a line of an order. Title, SKU and price are copied from the
// product when the item is added.
type OrderItem struct {
	ID           int64  `db:"id" json:"id"`
	OrderID      int64  `db:"order_id" json:"order"`
	ProductID    *int64 `db:"product_id" json:"product"`
	ProductTitle string `db:"product_title" json:"product_title"`
	ProductSKU   string `db:"product_sku" json:"product_sku"`
	Price        int64  `db:"price" json:"product_price"`
	Quantity     int    `db:"quantity" json:"quantity"`
}

// TotalPrice is price × quantity.
func (i OrderItem) TotalPrice() int64 {
	return i.Price * int64(i.Quantity)
}

// MarshalJSON adds the computed total_price.
func (i OrderItem) MarshalJSON() ([]byte, error) {
	type plain OrderItem
	return json.Marshal(struct {
		plain
		TotalPrice int64 `json:"total_price"`
	}{plain(i), i.TotalPrice()})
}

// OrderFilter narrows ListOrders. A zero EmployeeID lists every employee's orders.
type OrderFilter struct {
	EmployeeID int64
	Status     string
	Page
}

// OrderTotals aggregates orders placed since a point in time.
type OrderTotals struct {
	Orders   int   `db:"orders"`   // all orders
	Billable int   `db:"billable"` // orders that are not cancelled
	Revenue  int64 `db:"revenue"`  // sum of billable amounts
}

// StatusCount is the number of orders in one status.
type StatusCount struct {
	Status string `db:"status" json:"status"`
	Count  int    `db:"count" json:"count"`
}

// ProductSales is the quantity sold of one product title.
type ProductSales struct {
	ProductTitle string `db:"product_title" json:"product_title"`
	TotalSold    int64  `db:"total_sold" json:"total_sold"`
}

// MonthSales buckets billable orders by calendar month.
type MonthSales struct {
	Month      string `json:"month"` // YYYY-MM
	TotalSales int64  `json:"total_sales"`
	OrderCount int    `json:"order_count"`
}

// Subscription statuses.
const (
	SubscriptionPending  = "pending"
	SubscriptionActive   = "active"
	SubscriptionExpiring = "expiring"
	SubscriptionExpired  = "expired"
)

// Subscription is a user's access to the back office.
type Subscription struct {
	ID        int64      `db:"id" json:"id"`
	UserID    int64      `db:"user_id" json:"user"`
	Plan      string     `db:"plan" json:"plan"`
	Status    string     `db:"status" json:"status"`
	IsBlocked bool       `db:"is_blocked" json:"is_blocked"`
	StartDate *time.Time `db:"start_date" json:"start_date"`
	EndDate   *time.Time `db:"end_date" json:"end_date"`
	CreatedAt time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt time.Time  `db:"updated_at" json:"updated_at"`
}

// Payment request statuses.
const (
	PaymentPending  = "pending"
	PaymentApproved = "approved"
	PaymentRejected = "rejected"
)

// PaymentRequest is a user's claim of an Mpesa payment awaiting review.
type PaymentRequest struct {
	ID                int64      `db:"id" json:"id"`
	UserID            int64      `db:"user_id" json:"user"`
	UserEmail         string     `db:"user_email" json:"user_email"`
	Plan              string     `db:"plan" json:"plan"`
	Amount            int64      `db:"amount" json:"amount"`
	MpesaCode         string     `db:"mpesa_code" json:"mpesa_code"`
	Phone             string     `db:"phone" json:"phone,omitempty"`
	CheckoutRequestID string     `db:"checkout_request_id" json:"checkout_request_id,omitempty"`
	DurationDays      int        `db:"duration_days" json:"duration_days"`
	Status            string     `db:"status" json:"status"`
	ReviewedBy        *int64     `db:"reviewed_by" json:"reviewed_by"`
	ReviewedAt        *time.Time `db:"reviewed_at" json:"reviewed_at"`
	CreatedAt         time.Time  `db:"created_at" json:"created_at"`
}

// PaymentFilter narrows ListPaymentRequests. A zero UserID lists all users.
type PaymentFilter struct {
	UserID int64
	Status string
	Page
}

// AuditEvent is a log entry for audit purposes.
type AuditEvent struct {
	ID        string          `db:"id" json:"id"`
	Action    string          `db:"action" json:"action"`
	UserID    int64           `db:"user_id" json:"user_id,omitempty"`
	Detail    json.RawMessage `db:"detail" json:"detail,omitempty"`
	CreatedAt time.Time       `db:"created_at" json:"created_at"`
}
