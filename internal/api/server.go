// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package api exposes the workflow engine over HTTP: run lifecycle
// operations, read-only state and history queries, sub-action streaming
// over SSE, the virtual preview sandbox, and operational endpoints.
package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tombee/ensemble/internal/engine"
	"github.com/tombee/ensemble/internal/log"
	"github.com/tombee/ensemble/internal/store"
	"github.com/tombee/ensemble/internal/version"
	"github.com/tombee/ensemble/internal/virtual"
)

// Server holds the handlers' collaborators.
type Server struct {
	engine   *engine.Engine
	versions *version.Service
	sandbox  *virtual.Sandbox
	store    store.Store
	logger   *slog.Logger
}

// NewServer wires the HTTP layer.
func NewServer(eng *engine.Engine, versions *version.Service, sandbox *virtual.Sandbox, st store.Store, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		engine:   eng,
		versions: versions,
		sandbox:  sandbox,
		store:    st,
		logger:   log.WithComponent(logger, "api"),
	}
}

// Routes builds the router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))
	r.Use(s.logRequests)

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Post("/workflows/register", s.handleRegister)
		r.Post("/workflows/start", s.handleStart)
		r.Route("/workflows/{runID}", func(r chi.Router) {
			r.Post("/respond", s.handleRespond)
			r.Post("/retry", s.handleRetry)
			r.Post("/resume", s.handleResume)
			r.Get("/state", s.handleState)
			r.Get("/interactions", s.handleInteractions)
			r.Post("/subactions/{interactionID}/{actionID}", s.handleSubAction)
		})
		r.Post("/virtual/start", s.handleVirtualStart)
		r.Post("/virtual/respond", s.handleVirtualRespond)
	})
	return r
}

// logRequests logs one line per request with method, path, status, and
// latency.
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		s.logger.InfoContext(r.Context(), "request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", sw.status,
			log.Duration("elapsed_ms", time.Since(started).Milliseconds()))
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// Flush forwards to the wrapped writer so SSE streaming survives the
// logging middleware.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "store": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
