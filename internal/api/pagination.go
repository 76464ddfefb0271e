package api

import (
	"net/http"
	"net/url"
	"strconv"

	"github.com/flowmerce/flowmerce/internal/store"
)

const (
	defaultPageSize = 10
	maxPageSize     = 100
)

// pagination is a page-number request. Listing is paginated only when the
// client sends page or page_size.
type pagination struct {
	enabled bool
	page    int
	size    int
}

func (p pagination) storePage() store.Page {
	if !p.enabled {
		return store.Page{}
	}
	return store.Page{Limit: p.size, Offset: (p.page - 1) * p.size}
}

func parsePagination(r *http.Request) (pagination, bool) {
	q := r.URL.Query()
	if !q.Has("page") && !q.Has("page_size") {
		return pagination{}, true
	}
	p := pagination{enabled: true, page: 1, size: defaultPageSize}
	if v := q.Get("page"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return p, false
		}
		p.page = n
	}
	if v := q.Get("page_size"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			p.size = min(n, maxPageSize)
		}
	}
	return p, true
}

type pageResponse[T any] struct {
	Count    int     `json:"count"`
	Next     *string `json:"next"`
	Previous *string `json:"previous"`
	Results  []T     `json:"results"`
}

// writeList renders items as a plain array, or as a page envelope when
// pagination was requested.
func writeList[T any](w http.ResponseWriter, r *http.Request, p pagination, items []T, total int) {
	if items == nil {
		items = []T{}
	}
	if !p.enabled {
		writeJSON(w, http.StatusOK, items)
		return
	}
	if p.page > 1 && (p.page-1)*p.size >= total {
		writeError(w, http.StatusNotFound, "invalid page")
		return
	}
	resp := pageResponse[T]{Count: total, Results: items}
	if p.page*p.size < total {
		resp.Next = pageURL(r, p.page+1)
	}
	if p.page > 1 {
		resp.Previous = pageURL(r, p.page-1)
	}
	writeJSON(w, http.StatusOK, resp)
}

func pageURL(r *http.Request, page int) *string {
	scheme := "http"
	if r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https" {
		scheme = "https"
	}
	q := r.URL.Query()
	if page == 1 {
		q.Del("page")
	} else {
		q.Set("page", strconv.Itoa(page))
	}
	u := url.URL{Scheme: scheme, Host: r.Host, Path: r.URL.Path, RawQuery: q.Encode()}
	s := u.String()
	return &s
}

// listHandler parses pagination and renders the result of fetch.
func listHandler[T any](s *Server, w http.ResponseWriter, r *http.Request, fetch func(store.Page) ([]T, int, error)) {
	p, ok := parsePagination(r)
	if !ok {
		writeError(w, http.StatusNotFound, "invalid page")
		return
	}
	items, total, err := fetch(p.storePage())
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeList(w, r, p, items, total)
}
