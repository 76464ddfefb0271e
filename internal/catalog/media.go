package catalog

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/flowmerce/flowmerce/internal/apperr"
)

var imageExts = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".gif": true, ".webp": true,
}

// Media stores uploaded product images on disk under dir/products.
type Media struct {
	dir      string
	maxBytes int64
}

// NewMedia creates the media directory if needed.
func NewMedia(dir string, maxBytes int64) (*Media, error) {
	if err := os.MkdirAll(filepath.Join(dir, "products"), 0o755); err != nil {
		return nil, fmt.Errorf("create media dir: %w", err)
	}
	if maxBytes <= 0 {
		maxBytes = 5 << 20
	}
	return &Media{dir: dir, maxBytes: maxBytes}, nil
}

// Dir is the root served at /media/.
func (m *Media) Dir() string { return m.dir }

// MaxBytes is the largest accepted image.
func (m *Media) MaxBytes() int64 { return m.maxBytes }

// Save writes an image and returns its path relative to Dir, e.g.
// "products/<uuid>.png".
func (m *Media) Save(filename, contentType string, body io.Reader) (string, error) {
	ext := strings.ToLower(filepath.Ext(filepath.Base(filename)))
	if !imageExts[ext] {
		return "", apperr.Invalid("image", "upload a valid image (jpg, png, gif or webp)")
	}

	data, err := io.ReadAll(io.LimitReader(body, m.maxBytes+1))
	if err != nil {
		return "", fmt.Errorf("read image: %w", err)
	}
	if int64(len(data)) > m.maxBytes {
		return "", apperr.Invalid("image", fmt.Sprintf("image exceeds maximum size of %d bytes", m.maxBytes))
	}
	sniffed := http.DetectContentType(data)
	if !strings.HasPrefix(sniffed, "image/") && !strings.HasPrefix(contentType, "image/") {
		return "", apperr.Invalid("image", "the uploaded file is not an image")
	}

	rel := filepath.ToSlash(filepath.Join("products", uuid.New().String()+ext))
	if err := os.WriteFile(filepath.Join(m.dir, filepath.FromSlash(rel)), data, 0o644); err != nil {
		return "", fmt.Errorf("write image: %w", err)
	}
	return rel, nil
}

// Remove deletes a stored image. Paths outside the media dir are ignored.
func (m *Media) Remove(rel string) error {
	clean := filepath.Clean(filepath.FromSlash(rel))
	if filepath.IsAbs(clean) || strings.HasPrefix(clean, "..") {
		return nil
	}
	err := os.Remove(filepath.Join(m.dir, clean))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
