package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/tidwall/gjson"

	"github.com/seclab/seclab/internal/intercept"
)

func (s *APIServer) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.opts.Coordinator.Settings())
}

func (s *APIServer) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	var u intercept.SettingsUpdate
	if err := decodeBody(r, &u); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	settings, err := s.opts.Coordinator.UpdateSettings(r.Context(), u)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

func (s *APIServer) handleGetToggle(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"enabled": s.opts.Coordinator.RequestsEnabled()})
}

func (s *APIServer) handleToggle(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Enabled *bool `json:"enabled"`
	}
	if err := decodeBody(r, &body); err != nil || body.Enabled == nil {
		writeError(w, http.StatusBadRequest, "enabled must be a boolean")
		return
	}
	if err := s.opts.Coordinator.SetRequestsEnabled(r.Context(), *body.Enabled); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"enabled": s.opts.Coordinator.RequestsEnabled()})
}

func (s *APIServer) handleResponseWatch(w http.ResponseWriter, r *http.Request) {
	var body struct {
		URL string `json:"url"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	err := s.opts.Coordinator.AddResponseWatch(r.Context(), body.URL)
	switch {
	case errors.Is(err, intercept.ErrEmptyURL):
		writeError(w, http.StatusBadRequest, err.Error())
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	}
}

func (s *APIServer) handleQueue(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"enabled": s.opts.Coordinator.RequestsEnabled(),
		"items":   s.opts.Coordinator.ListPending(),
	})
}

func (s *APIServer) handleGetItem(w http.ResponseWriter, r *http.Request) {
	item, err := s.opts.Coordinator.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, item)
}

// handleDecide resolves one pending item. Response-stage items read their
// overrides from responseStatus, responseHeaders and responseBody, falling back
// to status, headers and body.
func (s *APIServer) handleDecide(w http.ResponseWriter, r *http.Request) {
	b, err := readBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	id := chi.URLParam(r, "id")
	item, err := s.opts.Coordinator.Get(id)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}

	body := gjson.ParseBytes(b)
	d := intercept.Decision{Action: intercept.Action(body.Get("action").String())}
	if item.Stage == intercept.StageResponse {
		d.Overrides.Status = optionalInt(firstOf(body, "responseStatus", "status"))
		d.Overrides.Headers = parseHeaders(firstOf(body, "responseHeaders", "headers"))
		d.Overrides.Body = optionalString(firstOf(body, "responseBody", "body"))
	} else {
		d.Overrides.Method = optionalString(body.Get("method"))
		d.Overrides.URL = optionalString(body.Get("url"))
		d.Overrides.Headers = parseHeaders(body.Get("headers"))
		d.Overrides.Body = optionalString(body.Get("body"))
	}

	err = s.opts.Coordinator.Decide(id, d)
	switch {
	case errors.Is(err, intercept.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, intercept.ErrInvalidAction):
		writeError(w, http.StatusBadRequest, err.Error())
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	}
}

func (s *APIServer) handleBulk(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Action string `json:"action"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var action intercept.Action
	switch body.Action {
	case "", "sendAll", string(intercept.ActionSend):
		action, body.Action = intercept.ActionSend, "sendAll"
	case "dropAll", string(intercept.ActionDrop):
		action, body.Action = intercept.ActionDrop, "dropAll"
	default:
		writeError(w, http.StatusBadRequest, "action must be sendAll or dropAll")
		return
	}
	n, err := s.opts.Coordinator.DecideAll(action)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "action": body.Action, "affected": n})
}

func firstOf(body gjson.Result, paths ...string) gjson.Result {
	for _, p := range paths {
		if v := body.Get(p); v.Exists() && v.Type != gjson.Null {
			return v
		}
	}
	return gjson.Result{}
}

func optionalString(v gjson.Result) *string {
	if !v.Exists() || v.Type == gjson.Null {
		return nil
	}
	s := v.String()
	return &s
}

func optionalInt(v gjson.Result) *int {
	if v.Type != gjson.Number {
		return nil
	}
	n := int(v.Int())
	return &n
}

// parseHeaders accepts an object whose values are strings or arrays of strings.
func parseHeaders(v gjson.Result) http.Header {
	if !v.IsObject() {
		return nil
	}
	h := http.Header{}
	v.ForEach(func(k, val gjson.Result) bool {
		if val.IsArray() {
			for _, e := range val.Array() {
				h[k.String()] = append(h[k.String()], e.String())
			}
		} else {
			h[k.String()] = append(h[k.String()], val.String())
		}
		return true
	})
	return h
}
