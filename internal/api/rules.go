package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/seclab/seclab/internal/rule"
)

func (s *APIServer) handleListRules(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"rules": s.opts.Rules.List()})
}

// handleAddRule creates a rule. A rule posted without "enabled" starts enabled.
func (s *APIServer) handleAddRule(w http.ResponseWriter, r *http.Request) {
	b, err := readBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !gjson.GetBytes(b, "enabled").Exists() {
		if b, err = sjson.SetBytes(b, "enabled", true); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	var in rule.Rule
	if err := json.Unmarshal(b, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	added, err := s.opts.Rules.Add(r.Context(), in)
	if err != nil {
		writeRuleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, added)
}

// handleUpdateRule patches the rule named by the body's "id", or by ?id=.
func (s *APIServer) handleUpdateRule(w http.ResponseWriter, r *http.Request) {
	b, err := readBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	id := gjson.GetBytes(b, "id").String()
	if id == "" {
		id = r.URL.Query().Get("id")
	}
	if id == "" {
		writeError(w, http.StatusBadRequest, "id is required")
		return
	}
	updated, err := s.opts.Rules.Update(r.Context(), id, b)
	if err != nil {
		writeRuleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *APIServer) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "id is required")
		return
	}
	if err := s.opts.Rules.Delete(r.Context(), id); err != nil {
		writeRuleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func writeRuleError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, rule.ErrInvalid):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, rule.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
