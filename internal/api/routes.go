package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

const maxBodyBytes = 8 << 20

var errBadJSON = errors.New("malformed JSON body")

func (s *APIServer) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"version": s.opts.Version,
	})
}

func (s *APIServer) handleConfig(w http.ResponseWriter, r *http.Request) {
	if s.opts.Config == nil {
		writeError(w, http.StatusNotFound, "no configuration loaded")
		return
	}
	cfg := *s.opts.Config
	cfg.API.Secret = ""
	cfg.MITM.CAPassphrase = ""
	cfg.MITM.CAP12 = ""
	writeJSON(w, http.StatusOK, cfg)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// readBody returns the request body, rejecting anything that is not valid JSON.
// An empty body reads as an empty object.
func readBody(r *http.Request) ([]byte, error) {
	b, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return nil, err
	}
	if len(b) == 0 {
		return []byte("{}"), nil
	}
	if !json.Valid(b) {
		return nil, errBadJSON
	}
	return b, nil
}

func decodeBody(r *http.Request, v any) error {
	b, err := readBody(r)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("%w: %v", errBadJSON, err)
	}
	return nil
}

func (s *APIServer) handleProxy(w http.ResponseWriter, r *http.Request) {
	if s.opts.Proxy == nil {
		writeError(w, http.StatusNotFound, "reverse proxy disabled")
		return
	}
	// A held exchange may outlast the server's write timeout.
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})
	s.opts.Proxy.ServeHTTP(w, r)
}
