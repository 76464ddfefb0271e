package api

import "net/http"

func (s *Server) handleAnalyticsSummary(w http.ResponseWriter, r *http.Request) {
	sum, err := s.analytics.Summary(r.Context())
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (s *Server) handleMonthlySales(w http.ResponseWriter, r *http.Request) {
	months, err := s.analytics.MonthlySales(r.Context())
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, months)
}
