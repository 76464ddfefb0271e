// Package analytics computes sales statistics for the dashboard and the
// assistant, cached for cache.stats_ttl and dropped whenever an order changes.
package analytics

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/flowmerce/flowmerce/internal/cache"
	"github.com/flowmerce/flowmerce/internal/events"
	"github.com/flowmerce/flowmerce/internal/store"
)

const (
	keyPrefix   = "analytics:"
	topProducts = 5
	monthsShown = 12
)

// Summary is the dashboard overview.
type Summary struct {
	TotalOrders   int                  `json:"total_orders"`
	TotalRevenue  int64                `json:"total_revenue"`
	AvgOrderValue float64              `json:"avg_order_value"`
	StatusCounts  []store.StatusCount  `json:"status_counts"`
	TopProducts   []store.ProductSales `json:"top_products"`
}

// MonthStats covers the current calendar month.
type MonthStats struct {
	Month      string `json:"month"`
	OrderCount int    `json:"order_count"`
	Revenue    int64  `json:"revenue"`
}

// Service computes and caches statistics.
type Service struct {
	store  store.Store
	cache  cache.Cache
	ttl    time.Duration
	logger *slog.Logger
	now    func() time.Time
}

// NewService creates an analytics service. A zero ttl defaults to 10 minutes.
func NewService(s store.Store, c cache.Cache, ttl time.Duration, logger *slog.Logger) *Service {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:  s,
		cache:  c,
		ttl:    ttl,
		logger: logger.With("component", "analytics"),
		now:    time.Now,
	}
}

func monthStart(now time.Time) time.Time {
	now = now.UTC()
	return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// cached loads key into dest, computing and storing it on a miss. Cache
// failures are logged and fall back to computing.
func cached[T any](ctx context.Context, s *Service, key string, compute func() (T, error)) (T, error) {
	var v T
	if s.cache != nil {
		ok, err := cache.GetJSON(ctx, s.cache, key, &v)
		if err != nil {
			s.logger.Warn("cache read failed", "key", key, "error", err)
		} else if ok {
			return v, nil
		}
	}
	v, err := compute()
	if err != nil {
		return v, err
	}
	if s.cache != nil {
		if err := cache.SetJSON(ctx, s.cache, key, v, s.ttl); err != nil {
			s.logger.Warn("cache write failed", "key", key, "error", err)
		}
	}
	return v, nil
}

// Summary returns order totals, status counts and the five best sellers.
// Revenue and the average exclude cancelled orders.
func (s *Service) Summary(ctx context.Context) (*Summary, error) {
	return cached(ctx, s, keyPrefix+"summary", func() (*Summary, error) {
		totals, err := s.store.OrderTotals(ctx, time.Time{})
		if err != nil {
			return nil, fmt.Errorf("order totals: %w", err)
		}
		counts, err := s.store.OrderStatusCounts(ctx)
		if err != nil {
			return nil, fmt.Errorf("status counts: %w", err)
		}
		top, err := s.store.TopProducts(ctx, topProducts)
		if err != nil {
			return nil, fmt.Errorf("top products: %w", err)
		}
		sum := &Summary{
			TotalOrders:  totals.Orders,
			TotalRevenue: totals.Revenue,
			StatusCounts: counts,
			TopProducts:  top,
		}
		if totals.Billable > 0 {
			avg := float64(totals.Revenue) / float64(totals.Billable)
			sum.AvgOrderValue = math.Round(avg*100) / 100
		}
		return sum, nil
	})
}

// MonthlySales returns the last twelve calendar months that had sales,
// oldest first.
func (s *Service) MonthlySales(ctx context.Context) ([]store.MonthSales, error) {
	start := monthStart(s.now()).AddDate(0, -(monthsShown - 1), 0)
	key := keyPrefix + "monthly:" + start.Format("2006-01")
	return cached(ctx, s, key, func() ([]store.MonthSales, error) {
		out, err := s.store.MonthlySales(ctx, start)
		if err != nil {
			return nil, fmt.Errorf("monthly sales: %w", err)
		}
		return out, nil
	})
}

// CurrentMonth counts non-cancelled orders and their revenue since the first
// of the month (UTC).
func (s *Service) CurrentMonth(ctx context.Context) (*MonthStats, error) {
	start := monthStart(s.now())
	key := keyPrefix + "current:" + start.Format("2006-01")
	return cached(ctx, s, key, func() (*MonthStats, error) {
		totals, err := s.store.OrderTotals(ctx, start)
		if err != nil {
			return nil, fmt.Errorf("order totals: %w", err)
		}
		return &MonthStats{
			Month:      start.Format("2006-01"),
			OrderCount: totals.Billable,
			Revenue:    totals.Revenue,
		}, nil
	})
}

// Invalidate drops every cached statistic.
func (s *Service) Invalidate(ctx context.Context) error {
	if s.cache == nil {
		return nil
	}
	return s.cache.DeletePrefix(ctx, keyPrefix)
}

// HandleOrderEvent is the bus handler that invalidates the cache on order changes.
func (s *Service) HandleOrderEvent(e events.Event) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Invalidate(ctx); err != nil {
		return fmt.Errorf("invalidate after %s: %w", e.Type, err)
	}
	return nil
}
