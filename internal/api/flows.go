package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/seclab/seclab/internal/ledger"
)

func (s *APIServer) handleListFlows(w http.ResponseWriter, r *http.Request) {
	flows, err := s.opts.Ledger.ListFlows(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if flows == nil {
		flows = []ledger.Flow{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"flows": flows})
}

func (s *APIServer) handleGetFlow(w http.ResponseWriter, r *http.Request) {
	flow, err := s.opts.Ledger.GetFlow(r.Context(), chi.URLParam(r, "id"))
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusOK, map[string]any{"flow": flow})
	}
}

func (s *APIServer) handleListFindings(w http.ResponseWriter, r *http.Request) {
	findings, err := s.opts.Ledger.ListFindings(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if findings == nil {
		findings = []ledger.Finding{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"findings": findings})
}
