// Package api serves the operator control surface: interception queue and
// settings, rules, captured flows and findings, live events and the MITM CA.
package api

import (
	"context"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/pprof"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/seclab/seclab/internal/config"
	"github.com/seclab/seclab/internal/intercept"
	"github.com/seclab/seclab/internal/ledger"
	applog "github.com/seclab/seclab/internal/log"
	"github.com/seclab/seclab/internal/metrics"
	"github.com/seclab/seclab/internal/mitm"
	"github.com/seclab/seclab/internal/rule"
)

// Options wires the API to the shared components. CA, Metrics, Logs and Proxy
// may be nil.
type Options struct {
	Addr    string
	Version string
	Config  *config.Config
	Secret  string
	Pprof   bool

	Coordinator *intercept.Coordinator
	Rules       *rule.Set
	Ledger      *ledger.Ledger
	CA          *mitm.CA
	Metrics     *metrics.Metrics
	Logs        *applog.Broadcaster
	// Proxy serves /api/proxy?url=, the in-app reverse-proxy ingress.
	Proxy http.Handler
}

type APIServer struct {
	opts       Options
	httpServer *http.Server
	listener   net.Listener
	done       chan struct{}
	closeOnce  sync.Once
}

func New(opts Options) *APIServer {
	return &APIServer{opts: opts, done: make(chan struct{})}
}

// Handler returns the routed API.
func (s *APIServer) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(slogMiddleware)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)

	if s.opts.Secret != "" {
		r.Use(s.authMiddleware)
	}

	r.Get("/version", s.handleVersion)
	r.Get("/config", s.handleConfig)
	r.Get("/logs", s.handleLogs)
	r.Handle("/metrics", s.opts.Metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Route("/intercept", func(r chi.Router) {
			r.Get("/settings", s.handleGetSettings)
			r.Post("/settings", s.handleUpdateSettings)
			r.Get("/toggle", s.handleGetToggle)
			r.Post("/toggle", s.handleToggle)
			r.Post("/response-watch", s.handleResponseWatch)
			r.Get("/queue", s.handleQueue)
			r.Get("/item/{id}", s.handleGetItem)
			r.Post("/item/{id}", s.handleDecide)
			r.Post("/bulk", s.handleBulk)
		})

		r.Get("/rules", s.handleListRules)
		r.Post("/rules", s.handleAddRule)
		r.Patch("/rules", s.handleUpdateRule)
		r.Delete("/rules", s.handleDeleteRule)

		r.Get("/flows", s.handleListFlows)
		r.Get("/flows/{id}", s.handleGetFlow)
		r.Get("/findings", s.handleListFindings)

		r.Get("/events", s.handleEvents)

		r.Get("/proxy", s.handleProxy)

		r.Get("/mitm/ca", s.handleCAPEM)
		r.Get("/mitm/ca.p12", s.handleCAP12)
	})

	if s.opts.Pprof {
		r.Route("/debug/pprof", func(r chi.Router) {
			r.HandleFunc("/", pprof.Index)
			r.HandleFunc("/cmdline", pprof.Cmdline)
			r.HandleFunc("/profile", pprof.Profile)
			r.HandleFunc("/symbol", pprof.Symbol)
			r.HandleFunc("/trace", pprof.Trace)
			r.Handle("/goroutine", pprof.Handler("goroutine"))
			r.Handle("/heap", pprof.Handler("heap"))
			r.Handle("/allocs", pprof.Handler("allocs"))
			r.Handle("/block", pprof.Handler("block"))
			r.Handle("/mutex", pprof.Handler("mutex"))
		})
	}
	return r
}

func (s *APIServer) Start() error {
	s.httpServer = &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.Handler(),
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
		ErrorLog:          slog.NewLogLogger(slog.Default().Handler(), slog.LevelDebug),
	}

	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return fmt.Errorf("api-server listen failed: %w", err)
	}
	s.listener = ln

	slog.Info("api-server started", slog.String("addr", ln.Addr().String()))

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("api-server error", slog.Any("error", err))
		}
	}()

	return nil
}

// Addr returns the bound listener address once started.
func (s *APIServer) Addr() string {
	if s.listener == nil {
		return s.opts.Addr
	}
	return s.listener.Addr().String()
}

// Close ends open event and log streams, then shuts the server down.
func (s *APIServer) Close() error {
	if s.httpServer == nil {
		return nil
	}
	s.closeOnce.Do(func() { close(s.done) })
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	slog.Info("api-server shutting down")
	return s.httpServer.Shutdown(ctx)
}

func slogMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		slog.Debug("api-server request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("remote", r.RemoteAddr),
			slog.Int("status", ww.Status()),
			slog.Duration("took", time.Since(start)),
		)
	})
}

func (s *APIServer) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := ""
		if auth := r.Header.Get("Authorization"); auth != "" {
			if scheme, rest, ok := strings.Cut(auth, " "); ok && strings.EqualFold(scheme, "Bearer") {
				token = rest
			} else {
				token = auth
			}
		}
		if token == "" {
			token = r.URL.Query().Get("secret")
		}
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.opts.Secret)) != 1 {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}
