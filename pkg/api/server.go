// Package api serves a monitor's state over HTTP.
package api

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/psantana5/oomwatch/pkg/logging"
	"github.com/psantana5/oomwatch/pkg/metrics"
	"github.com/psantana5/oomwatch/pkg/models"
	"github.com/psantana5/oomwatch/pkg/report"
	"github.com/psantana5/oomwatch/pkg/store"
	"github.com/psantana5/oomwatch/pkg/tracing"
)

// Monitor is what the API needs from an oomwatch monitor
type Monitor interface {
	Verdict() (models.Verdict, bool)
	Result() *report.Result
	History() *report.History
	Flags() *store.Flags
	Metrics() *metrics.Metrics
	LifetimeID() string
	Deliver(ev models.Event) error
}

// StatusResponse is returned by GET /status
type StatusResponse struct {
	LifetimeID string          `json:"lifetime_id"`
	Started    bool            `json:"started"`
	Verdict    *models.Verdict `json:"verdict,omitempty"`
	Result     *report.Result  `json:"result,omitempty"`
	Current    models.Flags    `json:"current"`
	Store      string          `json:"store"`
}

// Handler serves monitor state
type Handler struct {
	monitor Monitor
	logger  *logging.Logger
	started time.Time
	deliver http.HandlerFunc
}

// NewHandler creates a handler for m
func NewHandler(m Monitor, logger *logging.Logger) *Handler {
	if logger == nil {
		logger = logging.Nop()
	}
	h := &Handler{
		monitor: m,
		logger:  logger.WithField("component", "api"),
		started: time.Now(),
	}
	h.deliver = h.Deliver
	return h
}

// Protect requires cfg's API key and rate limit on lifecycle delivery.
// Call it before registering routes.
func (h *Handler) Protect(cfg AccessConfig) error {
	wrapped, err := protect(cfg, h.Deliver)
	if err != nil {
		return err
	}
	h.deliver = wrapped
	return nil
}

// RegisterRoutes registers all API routes
func (h *Handler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/health", h.Health).Methods("GET")
	r.HandleFunc("/status", h.Status).Methods("GET")
	r.HandleFunc("/history", h.History).Methods("GET")
	r.HandleFunc("/lifecycle/{event}", h.deliver).Methods("POST")
	r.Handle("/metrics", h.monitor.Metrics().Handler()).Methods("GET")
}

// NewRouter builds a router with request logging and tracing
func (h *Handler) NewRouter(tracer *tracing.Provider) *mux.Router {
	r := mux.NewRouter()
	h.RegisterRoutes(r)
	r.Use(mux.MiddlewareFunc(tracing.HTTPMiddleware(tracer)))
	r.Use(h.logRequests)
	return r
}

// Health reports liveness
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":         "ok",
		"lifetime_id":    h.monitor.LifetimeID(),
		"uptime_seconds": int(time.Since(h.started).Seconds()),
	})
}

// Status reports this launch's verdict and the live flags
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	flags := h.monitor.Flags()
	resp := StatusResponse{
		LifetimeID: h.monitor.LifetimeID(),
		Current:    flags.Snapshot(),
		Store:      flags.Backend().Name(),
	}
	if v, ok := h.monitor.Verdict(); ok {
		resp.Started = true
		resp.Verdict = &v
		resp.Result = h.monitor.Result()
	}
	writeJSON(w, http.StatusOK, resp)
}

// History lists recent results, newest first. ?limit=N bounds the list.
func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			http.Error(w, fmt.Sprintf("Invalid limit: %q", s), http.StatusBadRequest)
			return
		}
		limit = n
	}

	results := h.monitor.History().Recent(limit)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"results": results,
		"count":   len(results),
	})
}

// Deliver lets a host bridge push lifecycle events over HTTP
func (h *Handler) Deliver(w http.ResponseWriter, r *http.Request) {
	ev, err := models.ParseEvent(mux.Vars(r)["event"])
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := h.monitor.Deliver(ev); err != nil {
		h.logger.Error("Failed to deliver lifecycle event", map[string]interface{}{
			"event": string(ev),
			"error": err.Error(),
		})
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"event":   ev,
		"current": h.monitor.Flags().Snapshot(),
	})
}

func (h *Handler) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		h.logger.Debug("HTTP request", map[string]interface{}{
			"method":   r.Method,
			"path":     r.URL.Path,
			"duration": time.Since(start).String(),
		})
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// Server is the status HTTP server
type Server struct {
	srv    *http.Server
	logger *logging.Logger
}

// NewServer creates a server listening on addr. A nil tlsConfig serves plain HTTP.
func NewServer(addr string, tlsConfig *tls.Config, h *Handler, tracer *tracing.Provider) *Server {
	return &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           h.NewRouter(tracer),
			TLSConfig:         tlsConfig,
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: h.logger,
	}
}

// Start serves in the background
func (s *Server) Start() {
	go func() {
		s.logger.Info("Status server listening", map[string]interface{}{
			"addr": s.srv.Addr,
			"tls":  s.srv.TLSConfig != nil,
		})

		var err error
		if s.srv.TLSConfig != nil {
			err = s.srv.ListenAndServeTLS("", "")
		} else {
			err = s.srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Status server failed", map[string]interface{}{"error": err.Error()})
		}
	}()
}

// Shutdown stops the server gracefully
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
