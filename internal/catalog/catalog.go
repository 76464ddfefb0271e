// Package catalog manages categories, tags and products.
package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/gosimple/slug"

	"github.com/flowmerce/flowmerce/internal/apperr"
	"github.com/flowmerce/flowmerce/internal/events"
	"github.com/flowmerce/flowmerce/internal/store"
)

const maxTitleLen = 255

// Service implements the catalog operations.
type Service struct {
	store  store.Store
	bus    events.Publisher
	media  *Media
	logger *slog.Logger
}

// NewService creates a catalog service. media may be nil when uploads are not served.
func NewService(s store.Store, bus events.Publisher, media *Media, logger *slog.Logger) *Service {
	if bus == nil {
		bus = events.Discard{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:  s,
		bus:    bus,
		media:  media,
		logger: logger.With("component", "catalog"),
	}
}

// TermInput creates or updates a category or tag. Nil fields are left unchanged.
type TermInput struct {
	Title *string `json:"title"`
	Slug  *string `json:"slug"`
}

// uniqueSlug returns a free slug for kind. An explicit slug must be free as
// given; a generated one is suffixed -2, -3, ... until it is.
func (s *Service) uniqueSlug(ctx context.Context, kind store.SlugKind, title, explicit string, excludeID int64) (string, error) {
	if explicit != "" {
		sl := slug.Make(explicit)
		if sl == "" {
			return "", apperr.Invalid("slug", "enter a valid slug")
		}
		taken, err := s.store.SlugTaken(ctx, kind, sl, excludeID)
		if err != nil {
			return "", fmt.Errorf("check slug: %w", err)
		}
		if taken {
			return "", apperr.Invalid("slug", "this slug is already in use")
		}
		return sl, nil
	}

	base := slug.Make(title)
	if base == "" {
		return "", apperr.Invalid("title", "must contain letters or digits")
	}
	candidate := base
	for n := 2; ; n++ {
		taken, err := s.store.SlugTaken(ctx, kind, candidate, excludeID)
		if err != nil {
			return "", fmt.Errorf("check slug: %w", err)
		}
		if !taken {
			return candidate, nil
		}
		candidate = base + "-" + strconv.Itoa(n)
	}
}

// checkTitle trims title and returns a field message when it is unusable.
func checkTitle(title string) (string, string) {
	title = strings.TrimSpace(title)
	switch {
	case title == "":
		return "", "this field is required"
	case len(title) > maxTitleLen:
		return "", fmt.Sprintf("must be at most %d characters", maxTitleLen)
	}
	return title, ""
}

func cleanTitle(title string) (string, error) {
	t, msg := checkTitle(title)
	if msg != "" {
		return "", apperr.Invalid("title", msg)
	}
	return t, nil
}

// resolveTerm applies in to the current title/slug and returns the new pair.
func (s *Service) resolveTerm(ctx context.Context, kind store.SlugKind, in TermInput, title, current string, id int64) (string, string, error) {
	if in.Title != nil {
		t, err := cleanTitle(*in.Title)
		if err != nil {
			return "", "", err
		}
		title = t
	} else if id == 0 {
		return "", "", apperr.Invalid("title", "this field is required")
	}

	explicit := ""
	if in.Slug != nil {
		explicit = strings.TrimSpace(*in.Slug)
	}
	// A rename keeps the existing slug unless a new one is given.
	if explicit == "" && current != "" {
		return title, current, nil
	}
	sl, err := s.uniqueSlug(ctx, kind, title, explicit, id)
	if err != nil {
		return "", "", err
	}
	return title, sl, nil
}

// --- Categories ---

func (s *Service) CreateCategory(ctx context.Context, in TermInput) (*store.Category, error) {
	title, sl, err := s.resolveTerm(ctx, store.SlugCategory, in, "", "", 0)
	if err != nil {
		return nil, err
	}
	c := &store.Category{Title: title, Slug: sl}
	if err := s.store.CreateCategory(ctx, c); err != nil {
		return nil, fmt.Errorf("create category: %w", err)
	}
	return c, nil
}

func (s *Service) GetCategory(ctx context.Context, id int64) (*store.Category, error) {
	c, err := s.store.GetCategory(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get category: %w", err)
	}
	if c == nil {
		return nil, apperr.ErrNotFound
	}
	return c, nil
}

func (s *Service) UpdateCategory(ctx context.Context, id int64, in TermInput) (*store.Category, error) {
	c, err := s.GetCategory(ctx, id)
	if err != nil {
		return nil, err
	}
	c.Title, c.Slug, err = s.resolveTerm(ctx, store.SlugCategory, in, c.Title, c.Slug, c.ID)
	if err != nil {
		return nil, err
	}
	if err := s.store.UpdateCategory(ctx, c); err != nil {
		return nil, fmt.Errorf("update category: %w", err)
	}
	return c, nil
}

// DeleteCategory removes a category. Its products keep existing without one.
func (s *Service) DeleteCategory(ctx context.Context, id int64) error {
	return notFound(s.store.DeleteCategory(ctx, id))
}

func (s *Service) ListCategories(ctx context.Context, page store.Page) ([]store.Category, int, error) {
	return s.store.ListCategories(ctx, page)
}

// --- Tags ---

func (s *Service) CreateTag(ctx context.Context, in TermInput) (*store.Tag, error) {
	title, sl, err := s.resolveTerm(ctx, store.SlugTag, in, "", "", 0)
	if err != nil {
		return nil, err
	}
	t := &store.Tag{Title: title, Slug: sl}
	if err := s.store.CreateTag(ctx, t); err != nil {
		return nil, fmt.Errorf("create tag: %w", err)
	}
	return t, nil
}

func (s *Service) GetTag(ctx context.Context, id int64) (*store.Tag, error) {
	t, err := s.store.GetTag(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get tag: %w", err)
	}
	if t == nil {
		return nil, apperr.ErrNotFound
	}
	return t, nil
}

func (s *Service) UpdateTag(ctx context.Context, id int64, in TermInput) (*store.Tag, error) {
	t, err := s.GetTag(ctx, id)
	if err != nil {
		return nil, err
	}
	t.Title, t.Slug, err = s.resolveTerm(ctx, store.SlugTag, in, t.Title, t.Slug, t.ID)
	if err != nil {
		return nil, err
	}
	if err := s.store.UpdateTag(ctx, t); err != nil {
		return nil, fmt.Errorf("update tag: %w", err)
	}
	return t, nil
}

func (s *Service) DeleteTag(ctx context.Context, id int64) error {
	return notFound(s.store.DeleteTag(ctx, id))
}

func (s *Service) ListTags(ctx context.Context, page store.Page) ([]store.Tag, int, error) {
	return s.store.ListTags(ctx, page)
}

// notFound maps the store's missing-row error to apperr.ErrNotFound.
func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return apperr.ErrNotFound
	}
	return err
}
