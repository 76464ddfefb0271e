package api

import (
	"net/http"

	"github.com/flowmerce/flowmerce/internal/orders"
	"github.com/flowmerce/flowmerce/internal/store"
)

func (s *Server) handleListOrders(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())
	f := store.OrderFilter{Status: r.URL.Query().Get("status")}
	listHandler(s, w, r, func(p store.Page) ([]store.Order, int, error) {
		f.Page = p
		return s.orders.List(r.Context(), identity, f)
	})
}

func (s *Server) handleCreateOrder(w http.ResponseWriter, r *http.Request) {
	var req orders.CreateInput
	if !s.decodeJSON(w, r, &req) {
		return
	}
	o, err := s.orders.Create(r.Context(), getIdentityFromContext(r.Context()), req)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, o)
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	o, err := s.orders.Get(r.Context(), getIdentityFromContext(r.Context()), id)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (s *Server) handleUpdateOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req orders.UpdateInput
	if !s.decodeJSON(w, r, &req) {
		return
	}
	o, err := s.orders.Update(r.Context(), getIdentityFromContext(r.Context()), id, req)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (s *Server) handleDeleteOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	if err := s.orders.Delete(r.Context(), getIdentityFromContext(r.Context()), id); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAddOrderItem(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req orders.ItemInput
	if !s.decodeJSON(w, r, &req) {
		return
	}
	o, err := s.orders.AddItem(r.Context(), getIdentityFromContext(r.Context()), id, req)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, o)
}

func (s *Server) handleClearOrderItems(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	o, err := s.orders.ClearItems(r.Context(), getIdentityFromContext(r.Context()), id)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}
