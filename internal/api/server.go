// Package api is the HTTP surface over the coordinator: task submission,
// result polling, subtitle rendering and operational endpoints.
package api

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/snarg/whisper-api/internal/config"
	"github.com/snarg/whisper-api/internal/coordinator"
	"github.com/snarg/whisper-api/internal/metrics"
	"github.com/snarg/whisper-api/internal/registry"
	"github.com/snarg/whisper-api/internal/task"
)

// Core is the coordinator surface the handlers need.
type Core interface {
	Submit(upload io.Reader, originalName, contentType string, taskType task.Type, sourceLanguage string, targetModel task.ModelSize) (*task.Task, error)
	RequestStatus() error
	State() coordinator.DecoderState
}

type Server struct {
	http *http.Server
	log  zerolog.Logger
}

func NewServer(cfg *config.Config, core Core, reg *registry.Registry[string, *task.Task], version string, startTime time.Time, log zerolog.Logger) *Server {
	h := &Handler{
		core:      core,
		registry:  reg,
		cfg:       cfg,
		version:   version,
		startTime: startTime,
		log:       log.With().Str("component", "api").Logger(),
	}

	r := chi.NewRouter()

	// Global middleware
	r.Use(RequestID)
	r.Use(Recoverer)
	r.Use(Logger(log, cfg.LogPrivacyMode))
	r.Use(metrics.InstrumentHandler)

	r.Get("/api/v1/health", h.Health)
	r.Handle("/metrics", promhttp.Handler())

	r.Post("/api/v1/transcribe", h.Transcribe)
	r.Post("/api/v1/translate", h.Translate)
	r.Get("/api/v1/status", h.Status)
	r.Get("/api/v1/srt", h.SRT)
	r.Get("/api/v1/decoder_status", h.DecoderStatus)
	r.Get("/api/v1/decoder_status_refresh", h.DecoderStatusRefresh)
	r.Get("/api/v1/userinfo", h.UserInfo)
	r.Get("/api/v1/logs", h.Logs)

	return &Server{
		http: &http.Server{
			Addr:         cfg.ListenAddr(),
			Handler:      r,
			ReadTimeout:  5 * time.Minute, // uploads can be large
			WriteTimeout: 1 * time.Minute,
			IdleTimeout:  2 * time.Minute,
		},
		log: log,
	}
}

func (s *Server) Start() error {
	s.log.Info().Str("addr", s.http.Addr).Msg("http server starting")
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("http server shutting down")
	return s.http.Shutdown(ctx)
}
