package catalog

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/flowmerce/flowmerce/internal/apperr"
	"github.com/flowmerce/flowmerce/internal/events"
	"github.com/flowmerce/flowmerce/internal/store"
)

// ProductInput creates or partially updates a product. Nil fields are left
// unchanged on update.
type ProductInput struct {
	Title       *string  `json:"title"`
	Slug        *string  `json:"slug"`
	Description *string  `json:"description"`
	Price       *int64   `json:"price"`
	Category    *int64   `json:"category"`
	Quantity    *int     `json:"quantity"`
	Stock       *int     `json:"stock"`
	SKU         *string  `json:"sku"`
	Tags        *[]int64 `json:"tags"`
	Status      *string  `json:"status"`
}

// Image is an uploaded product picture.
type Image struct {
	Filename    string
	ContentType string
	Body        io.Reader
}

// StatusForStock derives a product status from its stock level.
func StatusForStock(stock int) string {
	if stock <= 0 {
		return store.ProductOutOfStock
	}
	return store.ProductAvailable
}

func (s *Service) GetProduct(ctx context.Context, id int64) (*store.Product, error) {
	p, err := s.store.GetProduct(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get product: %w", err)
	}
	if p == nil {
		return nil, apperr.ErrNotFound
	}
	return p, nil
}

func (s *Service) ListProducts(ctx context.Context, f store.ProductFilter) ([]store.Product, int, error) {
	f.Search = strings.TrimSpace(f.Search)
	return s.store.ListProducts(ctx, f)
}

// CreateProduct validates in and stores a new product. Title, sku and
// category are required.
func (s *Service) CreateProduct(ctx context.Context, in ProductInput, img *Image) (*store.Product, error) {
	ve := &apperr.ValidationError{}
	if in.Title == nil || strings.TrimSpace(*in.Title) == "" {
		ve.Add("title", "this field is required")
	}
	if in.SKU == nil || strings.TrimSpace(*in.SKU) == "" {
		ve.Add("sku", "this field is required")
	}
	if in.Category == nil {
		ve.Add("category", "this field is required")
	}
	if in.Price == nil {
		ve.Add("price", "this field is required")
	}
	if err := ve.OrNil(); err != nil {
		return nil, err
	}

	p := &store.Product{Tags: []int64{}}
	if err := s.apply(ctx, p, in); err != nil {
		return nil, err
	}
	if img != nil {
		if err := s.attachImage(p, img); err != nil {
			return nil, err
		}
	}
	if err := s.store.CreateProduct(ctx, p); err != nil {
		if img != nil {
			s.discardImage(p.Image)
		}
		return nil, fmt.Errorf("create product: %w", err)
	}
	return s.saved(ctx, p.ID, true)
}

// UpdateProduct applies a partial update. A stock change re-derives the status
// unless the caller sets one.
func (s *Service) UpdateProduct(ctx context.Context, id int64, in ProductInput, img *Image) (*store.Product, error) {
	p, err := s.GetProduct(ctx, id)
	if err != nil {
		return nil, err
	}
	oldImage := p.Image
	if err := s.apply(ctx, p, in); err != nil {
		return nil, err
	}
	if img != nil {
		if err := s.attachImage(p, img); err != nil {
			return nil, err
		}
	}
	if err := s.store.UpdateProduct(ctx, p); err != nil {
		if img != nil {
			s.discardImage(p.Image)
		}
		return nil, fmt.Errorf("update product: %w", err)
	}
	if img != nil && oldImage != "" && s.media != nil {
		if err := s.media.Remove(oldImage); err != nil {
			s.logger.Warn("failed to remove old product image", "product_id", p.ID, "image", oldImage, "error", err)
		}
	}
	return s.saved(ctx, p.ID, false)
}

// discardImage removes an uploaded file whose product was never saved.
func (s *Service) discardImage(rel string) {
	if rel == "" || s.media == nil {
		return
	}
	if err := s.media.Remove(rel); err != nil {
		s.logger.Warn("failed to remove unsaved product image", "image", rel, "error", err)
	}
}

func (s *Service) DeleteProduct(ctx context.Context, id int64) error {
	p, err := s.GetProduct(ctx, id)
	if err != nil {
		return err
	}
	if err := notFound(s.store.DeleteProduct(ctx, id)); err != nil {
		return err
	}
	if p.Image != "" && s.media != nil {
		if err := s.media.Remove(p.Image); err != nil {
			s.logger.Warn("failed to remove product image", "product_id", id, "image", p.Image, "error", err)
		}
	}
	return nil
}

// saved reloads the product with its relations and announces it.
func (s *Service) saved(ctx context.Context, id int64, created bool) (*store.Product, error) {
	p, err := s.GetProduct(ctx, id)
	if err != nil {
		return nil, err
	}
	s.bus.PublishType(events.ProductSaved, map[string]any{
		"id":      p.ID,
		"title":   p.Title,
		"stock":   p.Stock,
		"status":  p.Status,
		"created": created,
	})
	return p, nil
}

// apply validates in against p and copies the set fields.
func (s *Service) apply(ctx context.Context, p *store.Product, in ProductInput) error {
	ve := &apperr.ValidationError{}

	if in.Title != nil {
		if t, msg := checkTitle(*in.Title); msg != "" {
			ve.Add("title", msg)
		} else {
			p.Title = t
		}
	}
	if in.Description != nil {
		p.Description = strings.TrimSpace(*in.Description)
	}
	if in.Price != nil {
		if *in.Price < 0 {
			ve.Add("price", "must be zero or greater")
		} else {
			p.Price = *in.Price
		}
	}
	if in.Quantity != nil {
		if *in.Quantity < 0 {
			ve.Add("quantity", "must be zero or greater")
		} else {
			p.Quantity = *in.Quantity
		}
	}
	stockChanged := false
	if in.Stock != nil {
		if *in.Stock < 0 {
			ve.Add("stock", "must be zero or greater")
		} else {
			stockChanged = p.ID == 0 || p.Stock != *in.Stock
			p.Stock = *in.Stock
		}
	}
	if in.Status != nil {
		switch *in.Status {
		case store.ProductAvailable, store.ProductOutOfStock:
			p.Status = *in.Status
		default:
			ve.Add("status", fmt.Sprintf("%q is not a valid choice", *in.Status))
		}
	} else if stockChanged || p.Status == "" {
		p.Status = StatusForStock(p.Stock)
	}

	if in.SKU != nil {
		sku := strings.TrimSpace(*in.SKU)
		if sku == "" {
			ve.Add("sku", "this field may not be blank")
		} else {
			taken, err := s.store.SKUTaken(ctx, sku, p.ID)
			if err != nil {
				return fmt.Errorf("check sku: %w", err)
			}
			if taken {
				ve.Add("sku", "a product with this sku already exists")
			} else {
				p.SKU = sku
			}
		}
	}

	if in.Category != nil {
		c, err := s.store.GetCategory(ctx, *in.Category)
		if err != nil {
			return fmt.Errorf("get category: %w", err)
		}
		if c == nil {
			ve.Add("category", fmt.Sprintf("invalid pk %d: object does not exist", *in.Category))
		} else {
			id := c.ID
			p.CategoryID = &id
		}
	}

	if in.Tags != nil {
		ids := dedupe(*in.Tags)
		n, err := s.store.CountTags(ctx, ids)
		if err != nil {
			return fmt.Errorf("count tags: %w", err)
		}
		if n != len(ids) {
			ve.Add("tags", "one or more tags do not exist")
		} else {
			p.Tags = ids
		}
	}

	if err := ve.OrNil(); err != nil {
		return err
	}

	explicit := ""
	if in.Slug != nil {
		explicit = strings.TrimSpace(*in.Slug)
	}
	if explicit != "" || p.Slug == "" {
		sl, err := s.uniqueSlug(ctx, store.SlugProduct, p.Title, explicit, p.ID)
		if err != nil {
			return err
		}
		p.Slug = sl
	}
	return nil
}

func (s *Service) attachImage(p *store.Product, img *Image) error {
	if s.media == nil {
		return apperr.Invalid("image", "image uploads are disabled")
	}
	path, err := s.media.Save(img.Filename, img.ContentType, img.Body)
	if err != nil {
		return err
	}
	p.Image = path
	return nil
}

func dedupe(ids []int64) []int64 {
	seen := make(map[int64]bool, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}
