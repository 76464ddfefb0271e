package store

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// --- Categories ---

func (s *SQLStore) CreateCategory(ctx context.Context, c *Category) error {
	id, err := s.insert(ctx, "INSERT INTO categories (title, slug) VALUES (?, ?)", c.Title, c.Slug)
	if err != nil {
		return err
	}
	c.ID = id
	return nil
}

func (s *SQLStore) GetCategory(ctx context.Context, id int64) (*Category, error) {
	var c Category
	found, err := s.get(ctx, &c, "SELECT id, title, slug FROM categories WHERE id = ?", id)
	if err != nil || !found {
		return nil, err
	}
	return &c, nil
}

func (s *SQLStore) UpdateCategory(ctx context.Context, c *Category) error {
	return expectOne(s.exec(ctx, "UPDATE categories SET title = ?, slug = ? WHERE id = ?", c.Title, c.Slug, c.ID))
}

func (s *SQLStore) DeleteCategory(ctx context.Context, id int64) error {
	return expectOne(s.exec(ctx, "DELETE FROM categories WHERE id = ?", id))
}

func (s *SQLStore) ListCategories(ctx context.Context, page Page) ([]Category, int, error) {
	total, err := s.count(ctx, "SELECT COUNT(*) FROM categories")
	if err != nil {
		return nil, 0, err
	}
	q, args := paginate("SELECT id, title, slug FROM categories ORDER BY title, id", page, nil)
	out := []Category{}
	if err := s.selectRows(ctx, &out, q, args...); err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

// --- Tags ---

func (s *SQLStore) CreateTag(ctx context.Context, tag *Tag) error {
	id, err := s.insert(ctx, "INSERT INTO tags (title, slug) VALUES (?, ?)", tag.Title, tag.Slug)
	if err != nil {
		return err
	}
	tag.ID = id
	return nil
}

func (s *SQLStore) GetTag(ctx context.Context, id int64) (*Tag, error) {
	var tag Tag
	found, err := s.get(ctx, &tag, "SELECT id, title, slug FROM tags WHERE id = ?", id)
	if err != nil || !found {
		return nil, err
	}
	return &tag, nil
}

func (s *SQLStore) UpdateTag(ctx context.Context, tag *Tag) error {
	return expectOne(s.exec(ctx, "UPDATE tags SET title = ?, slug = ? WHERE id = ?", tag.Title, tag.Slug, tag.ID))
}

func (s *SQLStore) DeleteTag(ctx context.Context, id int64) error {
	return expectOne(s.exec(ctx, "DELETE FROM tags WHERE id = ?", id))
}

func (s *SQLStore) ListTags(ctx context.Context, page Page) ([]Tag, int, error) {
	total, err := s.count(ctx, "SELECT COUNT(*) FROM tags")
	if err != nil {
		return nil, 0, err
	}
	q, args := paginate("SELECT id, title, slug FROM tags ORDER BY title, id", page, nil)
	out := []Tag{}
	if err := s.selectRows(ctx, &out, q, args...); err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

// CountTags returns how many of ids exist.
func (s *SQLStore) CountTags(ctx context.Context, ids []int64) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	in, args := inClause(ids)
	return s.count(ctx, "SELECT COUNT(*) FROM tags WHERE id IN "+in, args...)
}

// --- Uniqueness checks ---

func (s *SQLStore) SlugTaken(ctx context.Context, kind SlugKind, slug string, excludeID int64) (bool, error) {
	switch kind {
	case SlugCategory, SlugTag, SlugProduct:
	default:
		return false, fmt.Errorf("unknown slug kind %q", kind)
	}
	n, err := s.count(ctx, "SELECT COUNT(*) FROM "+string(kind)+" WHERE slug = ? AND id <> ?", slug, excludeID)
	return n > 0, err
}

func (s *SQLStore) SKUTaken(ctx context.Context, sku string, excludeID int64) (bool, error) {
	n, err := s.count(ctx, "SELECT COUNT(*) FROM products WHERE sku = ? AND id <> ?", sku, excludeID)
	return n > 0, err
}

// --- Products ---

const productColumns = "p.id, p.title, p.slug, p.description, p.price, p.category_id, p.image, p.quantity, p.stock, p.sku, p.status, p.created_at, p.updated_at"

func (s *SQLStore) CreateProduct(ctx context.Context, p *Product) error {
	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	id, err := s.insert(ctx,
		`INSERT INTO products (title, slug, description, price, category_id, image, quantity, stock, sku, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.Title, p.Slug, p.Description, p.Price, p.CategoryID, p.Image, p.Quantity, p.Stock, p.SKU, p.Status, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return err
	}
	p.ID = id
	return s.SetProductTags(ctx, id, p.Tags)
}

func (s *SQLStore) GetProduct(ctx context.Context, id int64) (*Product, error) {
	var p Product
	found, err := s.get(ctx, &p, "SELECT "+productColumns+" FROM products p WHERE p.id = ?", id)
	if err != nil || !found {
		return nil, err
	}
	products := []Product{p}
	if err := s.loadProductRelations(ctx, products); err != nil {
		return nil, err
	}
	return &products[0], nil
}

// UpdateProduct writes every column and replaces the tag set.
func (s *SQLStore) UpdateProduct(ctx context.Context, p *Product) error {
	p.UpdatedAt = time.Now().UTC()
	err := expectOne(s.exec(ctx,
		`UPDATE products SET title = ?, slug = ?, description = ?, price = ?, category_id = ?, image = ?,
		 quantity = ?, stock = ?, sku = ?, status = ?, updated_at = ? WHERE id = ?`,
		p.Title, p.Slug, p.Description, p.Price, p.CategoryID, p.Image, p.Quantity, p.Stock, p.SKU, p.Status, p.UpdatedAt, p.ID))
	if err != nil {
		return err
	}
	return s.SetProductTags(ctx, p.ID, p.Tags)
}

func (s *SQLStore) DeleteProduct(ctx context.Context, id int64) error {
	return expectOne(s.exec(ctx, "DELETE FROM products WHERE id = ?", id))
}

func (s *SQLStore) ListProducts(ctx context.Context, f ProductFilter) ([]Product, int, error) {
	var (
		where []string
		args  []any
	)
	if f.Search != "" {
		pat := likePattern(f.Search)
		where = append(where, `(LOWER(p.title) LIKE ? ESCAPE '\' OR LOWER(p.sku) LIKE ? ESCAPE '\' OR LOWER(p.description) LIKE ? ESCAPE '\')`)
		args = append(args, pat, pat, pat)
	}
	if f.CategoryID != 0 {
		where = append(where, "p.category_id = ?")
		args = append(args, f.CategoryID)
	}
	if f.Status != "" {
		where = append(where, "p.status = ?")
		args = append(args, f.Status)
	}
	if f.TagID != 0 {
		where = append(where, "EXISTS (SELECT 1 FROM product_tags pt WHERE pt.product_id = p.id AND pt.tag_id = ?)")
		args = append(args, f.TagID)
	}
	cond := ""
	if len(where) > 0 {
		cond = " WHERE " + strings.Join(where, " AND ")
	}

	total, err := s.count(ctx, "SELECT COUNT(*) FROM products p"+cond, args...)
	if err != nil {
		return nil, 0, err
	}

	q, qargs := paginate("SELECT "+productColumns+" FROM products p"+cond+" ORDER BY p.created_at DESC, p.id DESC", f.Page, append([]any(nil), args...))
	products := []Product{}
	if err := s.selectRows(ctx, &products, q, qargs...); err != nil {
		return nil, 0, err
	}
	if err := s.loadProductRelations(ctx, products); err != nil {
		return nil, 0, err
	}
	return products, total, nil
}

// loadProductRelations fills Tags and CategoryDetails in place.
func (s *SQLStore) loadProductRelations(ctx context.Context, products []Product) error {
	if len(products) == 0 {
		return nil
	}
	ids := make([]int64, len(products))
	var catIDs []int64
	seenCat := map[int64]bool{}
	for i := range products {
		ids[i] = products[i].ID
		products[i].Tags = []int64{}
		if c := products[i].CategoryID; c != nil && !seenCat[*c] {
			seenCat[*c] = true
			catIDs = append(catIDs, *c)
		}
	}

	in, args := inClause(ids)
	var links []struct {
		ProductID int64 `db:"product_id"`
		TagID     int64 `db:"tag_id"`
	}
	if err := s.selectRows(ctx, &links, "SELECT product_id, tag_id FROM product_tags WHERE product_id IN "+in+" ORDER BY tag_id", args...); err != nil {
		return fmt.Errorf("load product tags: %w", err)
	}
	byProduct := make(map[int64][]int64, len(products))
	for _, l := range links {
		byProduct[l.ProductID] = append(byProduct[l.ProductID], l.TagID)
	}

	cats := map[int64]*Category{}
	if len(catIDs) > 0 {
		in, args := inClause(catIDs)
		var rows []Category
		if err := s.selectRows(ctx, &rows, "SELECT id, title, slug FROM categories WHERE id IN "+in, args...); err != nil {
			return fmt.Errorf("load product categories: %w", err)
		}
		for i := range rows {
			cats[rows[i].ID] = &rows[i]
		}
	}

	for i := range products {
		if tags, ok := byProduct[products[i].ID]; ok {
			products[i].Tags = tags
		}
		if c := products[i].CategoryID; c != nil {
			products[i].CategoryDetails = cats[*c]
		}
	}
	return nil
}

func (s *SQLStore) SetProductTags(ctx context.Context, productID int64, tagIDs []int64) error {
	if _, err := s.exec(ctx, "DELETE FROM product_tags WHERE product_id = ?", productID); err != nil {
		return fmt.Errorf("clear product tags: %w", err)
	}
	for _, tagID := range tagIDs {
		if _, err := s.exec(ctx,
			"INSERT INTO product_tags (product_id, tag_id) VALUES (?, ?) ON CONFLICT DO NOTHING",
			productID, tagID); err != nil {
			return fmt.Errorf("add product tag %d: %w", tagID, err)
		}
	}
	return nil
}

// AdjustStock adds delta to a product's stock and rederives its status. It
// returns ErrInsufficientStock when the result would be negative and
// (nil, nil) when the product does not exist.
func (s *SQLStore) AdjustStock(ctx context.Context, productID int64, delta int) (*Product, error) {
	res, err := s.exec(ctx,
		`UPDATE products SET stock = stock + ?,
		 status = CASE WHEN stock + ? <= 0 THEN 'out_of_stock' ELSE 'available' END,
		 updated_at = ?
		 WHERE id = ? AND stock + ? >= 0`,
		delta, delta, time.Now().UTC(), productID, delta)
	if err != nil {
		return nil, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	p, err := s.GetProduct(ctx, productID)
	if err != nil || p == nil {
		return nil, err
	}
	if n == 0 {
		return p, ErrInsufficientStock
	}
	return p, nil
}
