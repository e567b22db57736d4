// Package http implements the operational HTTP endpoints of the daemon:
// health, latest sweep stats and Prometheus metrics
package http

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/gorilla/mux"
	"github.com/hpcops/allocsync/pkg/sync/base"
	"github.com/hpcops/allocsync/pkg/sync/reconciler"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/exporter-toolkit/web"
)

type errorType string

const (
	errNoData      errorType = "noAvailableData"
	errUnavailable errorType = "unavailable"
)

// Response defines the response model of the status server.
type Response struct {
	Status    string      `json:"status"`
	Data      interface{} `json:"data,omitempty"`
	ErrorType errorType   `json:"errorType,omitempty"`
	Error     string      `json:"error,omitempty"`
}

// Config makes a status server config.
type Config struct {
	Logger           log.Logger
	Address          string
	WebSystemdSocket bool
	WebConfigFile    string
	RoutePrefix      string
	Registry         *prometheus.Registry
	HealthCheck      func(ctx context.Context) error
	LastSweep        func() (reconciler.SweepStats, bool)
}

// StatusServer serves the daemon's operational endpoints.
type StatusServer struct {
	logger      log.Logger
	server      *http.Server
	webConfig   *web.FlagConfig
	healthCheck func(ctx context.Context) error
	lastSweep   func() (reconciler.SweepStats, bool)
}

// NewStatusServer creates a new StatusServer.
func NewStatusServer(c *Config) (*StatusServer, error) {
	server := &StatusServer{
		logger:      c.Logger,
		healthCheck: c.HealthCheck,
		lastSweep:   c.LastSweep,
	}

	routePrefix := c.RoutePrefix
	if routePrefix == "" {
		routePrefix = "/"
	}

	router := mux.NewRouter().PathPrefix(routePrefix).Subrouter()
	router.HandleFunc("/", server.landing).Methods(http.MethodGet)
	router.HandleFunc("/health", server.health).Methods(http.MethodGet)
	router.HandleFunc("/api/v1/sweeps/latest", server.latestSweep).Methods(http.MethodGet)
	router.Handle(
		"/metrics",
		promhttp.HandlerFor(c.Registry, promhttp.HandlerOpts{ErrorHandling: promhttp.ContinueOnError}),
	).Methods(http.MethodGet)

	server.server = &http.Server{Handler: router}
	server.webConfig = &web.FlagConfig{
		WebListenAddresses: &[]string{c.Address},
		WebSystemdSocket:   &c.WebSystemdSocket,
		WebConfigFile:      &c.WebConfigFile,
	}

	return server, nil
}

// Start launches the server. Blocks until the listener fails or the server is
// shut down.
func (s *StatusServer) Start() error {
	level.Info(s.logger).Log("msg", "Starting "+base.AllocSyncAppName+" status server")

	if err := web.ListenAndServe(s.server, s.webConfig, s.logger); err != nil && err != http.ErrServerClosed {
		level.Error(s.logger).Log("msg", "Failed to Listen and Serve HTTP server", "err", err)

		return err
	}

	return nil
}

// Shutdown stops the server gracefully.
func (s *StatusServer) Shutdown(ctx context.Context) error {
	if err := s.server.Shutdown(ctx); err != nil {
		level.Error(s.logger).Log("msg", "Failed to shutdown HTTP server gracefully", "err", err)

		return err
	}

	return nil
}

func (s *StatusServer) landing(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write([]byte(`<html>
<head><title>allocsync</title></head>
<body>
<h1>allocsync</h1>
<p><a href="health">Health</a></p>
<p><a href="api/v1/sweeps/latest">Latest sweep</a></p>
<p><a href="metrics">Metrics</a></p>
</body>
</html>`))
}

func (s *StatusServer) health(w http.ResponseWriter, r *http.Request) {
	if err := s.healthCheck(r.Context()); err != nil {
		level.Error(s.logger).Log("msg", "Health check failed", "err", err)
		writeResponse(w, http.StatusServiceUnavailable, Response{
			Status:    "error",
			ErrorType: errUnavailable,
			Error:     err.Error(),
		})

		return
	}

	writeResponse(w, http.StatusOK, Response{Status: "success"})
}

func (s *StatusServer) latestSweep(w http.ResponseWriter, r *http.Request) {
	stats, ok := s.lastSweep()
	if !ok {
		writeResponse(w, http.StatusNotFound, Response{
			Status:    "error",
			ErrorType: errNoData,
			Error:     "no sweep completed yet",
		})

		return
	}

	writeResponse(w, http.StatusOK, Response{Status: "success", Data: stats})
}

func writeResponse(w http.ResponseWriter, code int, response Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)

	if err := json.NewEncoder(w).Encode(response); err != nil {
		w.Write([]byte("KO"))
	}
}
