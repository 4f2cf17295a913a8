// SPDX-License-Identifier: MIT

// Package api exposes the HTTP surface: upload admission, job status and
// result reads, media range serving, export rendering and operator retry.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/klipnote/klipnote/internal/broker"
	"github.com/klipnote/klipnote/internal/config"
	"github.com/klipnote/klipnote/internal/jobs"
	"github.com/klipnote/klipnote/internal/log"
	"github.com/klipnote/klipnote/internal/upload"
)

// pollRateLimit bounds the per-client rate on the status/result poll
// endpoints; the UI polls once a second, anything past this is a bug or
// abuse.
const (
	pollRateLimit  = 10
	pollRateWindow = time.Second
)

// Server hosts the HTTP handlers over the job store, broker and filesystem.
type Server struct {
	cfg    config.AppConfig
	store  *jobs.Store
	broker *broker.Broker
	upload *upload.Pipeline
	logger zerolog.Logger
}

// New creates the HTTP server facade.
func New(cfg config.AppConfig, store *jobs.Store, b *broker.Broker, pipeline *upload.Pipeline, logger zerolog.Logger) *Server {
	return &Server{
		cfg:    cfg,
		store:  store,
		broker: b,
		upload: pipeline,
		logger: logger.With().Str(log.FieldComponent, "api").Logger(),
	}
}

// Routes builds the router with the canonical middleware stack.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(recoverer)
	r.Use(requestID)
	if len(s.cfg.CorsOrigins) > 0 {
		r.Use(cors(s.cfg.CorsOrigins))
	}
	r.Use(httpMetrics)
	r.Use(log.Middleware())

	r.Get("/healthz", s.handleHealthz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Post("/upload", s.handleUpload)

	r.Group(func(r chi.Router) {
		r.Use(httprate.LimitByIP(pollRateLimit, pollRateWindow))
		r.Get("/status/{jobID}", s.handleStatus)
		r.Get("/result/{jobID}", s.handleResult)
	})

	r.Get("/media/{jobID}", s.handleMedia)
	r.Post("/export/{jobID}", s.handleExport)
	r.Post("/retry/{jobID}", s.handleRetry)

	return r
}
