package api

import (
	"net/http"

	"github.com/seclab/seclab/internal/mitm"
)

func (s *APIServer) handleCAPEM(w http.ResponseWriter, r *http.Request) {
	if s.opts.CA == nil {
		writeError(w, http.StatusNotFound, "CA not found: the MITM proxy is not running")
		return
	}
	w.Header().Set("Content-Type", "application/x-pem-file")
	w.Header().Set("Content-Disposition", `attachment; filename="`+mitm.CAFileName+`"`)
	w.Header().Set("Cache-Control", "no-cache")
	_, _ = w.Write(s.opts.CA.CertPEM())
}

// handleCAP12 exports the CA as PKCS#12, encrypted with ?password= when given.
func (s *APIServer) handleCAP12(w http.ResponseWriter, r *http.Request) {
	if s.opts.CA == nil {
		writeError(w, http.StatusNotFound, "CA not found: the MITM proxy is not running")
		return
	}
	data, err := s.opts.CA.P12(r.URL.Query().Get("password"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/x-pkcs12")
	w.Header().Set("Content-Disposition", `attachment; filename="seclab-root-ca.p12"`)
	w.Header().Set("Cache-Control", "no-cache")
	_, _ = w.Write(data)
}
