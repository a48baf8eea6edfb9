// Package api serves the control plane over HTTP: health and metrics
// endpoints, read-only status routes and the audited admin overrides.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"runtime"
	"strings"
	"sync/atomic"
	"time"

	"github.com/FairForge/bulwark/internal/config"
	"github.com/FairForge/bulwark/internal/controlplane"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// Version is reported by /version; set at link time
var Version = "dev"

// Server is the root HTTP server
type Server struct {
	cp         *controlplane.ControlPlane
	cfg        config.ServerConfig
	logger     *zap.Logger
	router     *mux.Router
	httpServer *http.Server
	ready      atomic.Bool
	startTime  time.Time
}

// NewServer builds the router. Admin routes are mounted only when auth
// has a JWT secret.
func NewServer(cp *controlplane.ControlPlane, cfg config.ServerConfig, auth config.AuthConfig, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		cp:        cp,
		cfg:       cfg,
		logger:    logger,
		router:    mux.NewRouter(),
		startTime: time.Now(),
	}

	var authn *Authenticator
	if auth.JWTSecret != "" {
		authn = NewAuthenticator(auth.JWTSecret, auth.Issuer)
	} else {
		logger.Warn("no JWT secret configured, admin routes disabled")
	}
	s.setupRoutes(NewStatusHandler(cp, authn, logger))

	s.httpServer = &http.Server{
		Addr:         cfg.Address,
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}
	return s
}

func (s *Server) setupRoutes(status *StatusHandler) {
	s.router.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	s.router.HandleFunc("/readyz", s.handleReady).Methods("GET")
	s.router.Handle("/metrics", s.cp.Metrics.Handler()).Methods("GET")
	s.router.HandleFunc("/version", s.handleVersion).Methods("GET")

	s.router.Use(s.loggingMiddleware)

	s.router.PathPrefix("/api/").Handler(http.StripPrefix("/api", status.Routes()))
}

// Handler exposes the router for tests and embedding
func (s *Server) Handler() http.Handler {
	return s.router
}

// SetReady flips the /readyz response
func (s *Server) SetReady(ready bool) {
	s.ready.Store(ready)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.logger, http.StatusOK, map[string]interface{}{
		"status": "healthy",
		"uptime": time.Since(s.startTime).Seconds(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if !s.ready.Load() {
		writeJSON(w, s.logger, http.StatusServiceUnavailable, map[string]interface{}{"ready": false})
		return
	}
	writeJSON(w, s.logger, http.StatusOK, map[string]interface{}{
		"ready":       true,
		"reliability": s.cp.Reliability().Status,
	})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.logger, http.StatusOK, map[string]string{
		"version": Version,
		"go":      runtime.Version(),
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &statusWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rw, r)

		// /api routes are counted by the status handler with their own pattern
		if !strings.HasPrefix(r.URL.Path, "/api/") {
			route := r.URL.Path
			if cur := mux.CurrentRoute(r); cur != nil {
				if tmpl, err := cur.GetPathTemplate(); err == nil {
					route = tmpl
				}
			}
			s.cp.Metrics.RecordRequest(r.Method, route, rw.status, time.Since(start))
		}

		s.logger.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rw.status),
			zap.Duration("latency", time.Since(start)),
		)
	})
}

// Start listens until Shutdown; http.ErrServerClosed is not an error
func (s *Server) Start() error {
	s.logger.Info("starting server", zap.String("address", s.cfg.Address))
	s.SetReady(true)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown marks the server unready and drains connections
func (s *Server) Shutdown(ctx context.Context) error {
	s.SetReady(false)
	return s.httpServer.Shutdown(ctx)
}

type statusWriter struct {
	http.ResponseWriter
	status  int
	written bool
}

func (w *statusWriter) WriteHeader(code int) {
	if !w.written {
		w.status = code
		w.written = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if !w.written {
		w.WriteHeader(http.StatusOK)
	}
	return w.ResponseWriter.Write(b)
}

func writeJSON(w http.ResponseWriter, logger *zap.Logger, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Error("failed to encode response", zap.Error(err))
	}
}
