package api

import (
	"errors"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/flowmerce/flowmerce/internal/apperr"
	"github.com/flowmerce/flowmerce/internal/catalog"
	"github.com/flowmerce/flowmerce/internal/store"
)

// --- Categories ---

func (s *Server) handleListCategories(w http.ResponseWriter, r *http.Request) {
	listHandler(s, w, r, func(p store.Page) ([]store.Category, int, error) {
		return s.catalog.ListCategories(r.Context(), p)
	})
}

func (s *Server) handleCreateCategory(w http.ResponseWriter, r *http.Request) {
	var req catalog.TermInput
	if !s.decodeJSON(w, r, &req) {
		return
	}
	c, err := s.catalog.CreateCategory(r.Context(), req)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

func (s *Server) handleGetCategory(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	c, err := s.catalog.GetCategory(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleUpdateCategory(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req catalog.TermInput
	if !s.decodeJSON(w, r, &req) {
		return
	}
	c, err := s.catalog.UpdateCategory(r.Context(), id, req)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleDeleteCategory(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	if err := s.catalog.DeleteCategory(r.Context(), id); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Tags ---

func (s *Server) handleListTags(w http.ResponseWriter, r *http.Request) {
	listHandler(s, w, r, func(p store.Page) ([]store.Tag, int, error) {
		return s.catalog.ListTags(r.Context(), p)
	})
}

func (s *Server) handleCreateTag(w http.ResponseWriter, r *http.Request) {
	var req catalog.TermInput
	if !s.decodeJSON(w, r, &req) {
		return
	}
	t, err := s.catalog.CreateTag(r.Context(), req)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

func (s *Server) handleGetTag(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	t, err := s.catalog.GetTag(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleUpdateTag(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req catalog.TermInput
	if !s.decodeJSON(w, r, &req) {
		return
	}
	t, err := s.catalog.UpdateTag(r.Context(), id, req)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleDeleteTag(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	if err := s.catalog.DeleteTag(r.Context(), id); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Products ---

// withMediaURL turns a stored image path into the URL it is served at.
func withMediaURL(p *store.Product) *store.Product {
	if p != nil && p.Image != "" && !strings.HasPrefix(p.Image, "/") {
		p.Image = "/media/" + p.Image
	}
	return p
}

func (s *Server) handleListProducts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.ProductFilter{Search: q.Get("search"), Status: q.Get("status")}
	ve := &apperr.ValidationError{}
	if v := q.Get("category"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			ve.Add("category", "must be an integer")
		}
		f.CategoryID = id
	}
	if v := q.Get("tag"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			ve.Add("tag", "must be an integer")
		}
		f.TagID = id
	}
	if err := ve.OrNil(); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	listHandler(s, w, r, func(p store.Page) ([]store.Product, int, error) {
		f.Page = p
		products, total, err := s.catalog.ListProducts(r.Context(), f)
		for i := range products {
			withMediaURL(&products[i])
		}
		return products, total, err
	})
}

func (s *Server) handleGetProduct(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	p, err := s.catalog.GetProduct(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, withMediaURL(p))
}

func (s *Server) handleCreateProduct(w http.ResponseWriter, r *http.Request) {
	in, img, ok := s.readProductInput(w, r)
	if !ok {
		return
	}
	defer closeImage(img)
	p, err := s.catalog.CreateProduct(r.Context(), in, img)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, withMediaURL(p))
}

func (s *Server) handleUpdateProduct(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	in, img, ok := s.readProductInput(w, r)
	if !ok {
		return
	}
	defer closeImage(img)
	p, err := s.catalog.UpdateProduct(r.Context(), id, in, img)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, withMediaURL(p))
}

func (s *Server) handleDeleteProduct(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	if err := s.catalog.DeleteProduct(r.Context(), id); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// readProductInput accepts a JSON body or a multipart form carrying an
// optional "image" file.
func (s *Server) readProductInput(w http.ResponseWriter, r *http.Request) (catalog.ProductInput, *catalog.Image, bool) {
	var in catalog.ProductInput
	mt, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mt != "multipart/form-data" {
		return in, nil, s.decodeJSON(w, r, &in)
	}

	maxImage := int64(5 << 20)
	if s.media != nil {
		maxImage = s.media.MaxBytes()
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxImage+s.maxBodyBytes)
	if err := r.ParseMultipartForm(maxImage); err != nil {
		writeError(w, http.StatusBadRequest, "file too large or invalid multipart form")
		return in, nil, false
	}

	ve := &apperr.ValidationError{}
	form := r.MultipartForm.Value
	str := func(key string) *string {
		if v, ok := form[key]; ok && len(v) > 0 {
			return &v[0]
		}
		return nil
	}
	num := func(key string) *int64 {
		v := str(key)
		if v == nil || strings.TrimSpace(*v) == "" {
			return nil
		}
		n, err := strconv.ParseInt(strings.TrimSpace(*v), 10, 64)
		if err != nil {
			ve.Add(key, "a valid integer is required")
			return nil
		}
		return &n
	}
	integer := func(key string) *int {
		n := num(key)
		if n == nil {
			return nil
		}
		v := int(*n)
		return &v
	}

	in.Title = str("title")
	in.Slug = str("slug")
	in.Description = str("description")
	in.SKU = str("sku")
	in.Status = str("status")
	in.Price = num("price")
	in.Category = num("category")
	in.Quantity = integer("quantity")
	in.Stock = integer("stock")
	if raw, ok := form["tags"]; ok {
		tags := []int64{}
		for _, v := range raw {
			for _, part := range strings.Split(v, ",") {
				part = strings.TrimSpace(part)
				if part == "" {
					continue
				}
				id, err := strconv.ParseInt(part, 10, 64)
				if err != nil {
					ve.Add("tags", "a valid integer is required")
					continue
				}
				tags = append(tags, id)
			}
		}
		in.Tags = &tags
	}
	if err := ve.OrNil(); err != nil {
		s.writeServiceError(w, r, err)
		return in, nil, false
	}

	file, header, err := r.FormFile("image")
	if errors.Is(err, http.ErrMissingFile) {
		return in, nil, true
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid image upload")
		return in, nil, false
	}
	return in, &catalog.Image{
		Filename:    header.Filename,
		ContentType: header.Header.Get("Content-Type"),
		Body:        file,
	}, true
}

func closeImage(img *catalog.Image) {
	if img == nil {
		return
	}
	if c, ok := img.Body.(io.Closer); ok {
		_ = c.Close()
	}
}

// mediaHandler serves uploaded files without directory listings.
func mediaHandler(dir string) http.Handler {
	fs := http.FileServer(http.Dir(dir))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "" || strings.HasSuffix(r.URL.Path, "/") {
			http.NotFound(w, r)
			return
		}
		fs.ServeHTTP(w, r)
	})
}
