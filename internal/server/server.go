package server

import (
	"fmt"
	"log/slog"

	"github.com/seclab/seclab/internal/config"
	"github.com/seclab/seclab/internal/metrics"
	"github.com/seclab/seclab/internal/mitm"
	"github.com/seclab/seclab/internal/server/http"
)

type Server interface {
	Start() error
	Close() error
	Addr() string
}

// NewMiddleMan loads the root CA named by cfg and builds the TLS terminator the
// MITM listener uses. A configured PKCS#12 bundle takes precedence over the CA
// directory.
func NewMiddleMan(cfg *config.MITMConfig, m *metrics.Metrics) (*mitm.MiddleMan, *mitm.CA, error) {
	var (
		ca  *mitm.CA
		err error
	)
	if cfg.CAP12 != "" {
		ca, err = mitm.LoadCA(cfg.CAP12, cfg.CAPassphrase)
	} else {
		ca, err = mitm.LoadOrCreateCA(cfg.CADir)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("load MITM CA: %w", err)
	}
	cm := mitm.NewCertManager(ca, cfg.CertCacheSize, m)
	filter := mitm.NewHostnameFilter(cfg.Hostnames)
	return mitm.NewMiddleMan(cm, filter, cfg.InsecureSkipVerify), ca, nil
}

// NewServers returns the enabled proxy listeners. The MITM listener is skipped
// when mm is nil.
func NewServers(cfg *config.Config, deps http.Deps, mm *mitm.MiddleMan) []Server {
	var servers []Server
	if cfg.Forward.Enabled {
		servers = append(servers, http.New(http.Options{
			Addr:    cfg.Forward.Addr(),
			Timeout: cfg.Upstream.Timeout,
			Deps:    deps,
		}))
	}
	if cfg.MITM.Enabled {
		if mm == nil {
			slog.Warn("MITM proxy disabled: no CA available")
		} else {
			servers = append(servers, http.New(http.Options{
				Addr:      cfg.MITM.Addr(),
				MiddleMan: mm,
				Timeout:   cfg.Upstream.Timeout,
				Deps:      deps,
			}))
		}
	}
	return servers
}
