// Package api is the HTTP/WebSocket surface: routing, middleware, and
// the handlers binding every subsystem together.
package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"murmur/internal/auth"
	"murmur/internal/config"
	"murmur/internal/database"
	"murmur/internal/live"
	"murmur/internal/llm"
	"murmur/internal/metrics"
	"murmur/internal/models"
	"murmur/internal/notebook"
	"murmur/internal/stt"
)

// Options carries every service the handlers need. All are constructed
// at startup and injected; nothing is globally mutable.
type Options struct {
	Config   *config.Config
	DB       *database.DB
	Tokens   *auth.Store
	Manager  *models.Manager
	Jobs     *models.JobTracker
	Engine   *stt.Engine
	Notebook *notebook.Service
	Backups  *database.BackupManager
	LLM      *llm.Service
	Live     *live.Controller

	// NewDetector builds the VAD for one streaming session.
	NewDetector live.DetectorFactory

	Log zerolog.Logger
}

type Server struct {
	http *http.Server
	opts Options
	log  zerolog.Logger
}

// NewServer builds the router. Middleware order is load-bearing: origin
// validation runs before authentication so cross-origin callers are
// refused without ever seeing an auth challenge.
func NewServer(opts Options) *Server {
	tlsEnabled := opts.Config.Server.TLS.Enabled

	r := chi.NewRouter()
	r.Use(RequestID)
	r.Use(Recoverer)
	r.Use(Logger(opts.Log))
	r.Use(metrics.InstrumentHandler)
	r.Use(OriginCheck(tlsEnabled))
	r.Use(Auth(opts.Tokens, tlsEnabled))

	s := &Server{
		http: &http.Server{
			Addr:         opts.Config.Addr(),
			Handler:      r,
			ReadTimeout:  opts.Config.ReadTimeout,
			WriteTimeout: opts.Config.WriteTimeout, // 0: SSE and uploads run long
			IdleTimeout:  opts.Config.IdleTimeout,
		},
		opts: opts,
		log:  opts.Log,
	}

	r.Get("/health", s.handleHealth)
	r.With(RequireAdmin(tlsEnabled)).Get("/metrics", promhttp.Handler().ServeHTTP)

	r.Get("/auth", s.handleAuthPage)
	r.Post("/api/auth/login", s.handleLogin)
	r.Get("/docs", s.handleDocs)
	r.Get("/redoc", s.handleDocs)
	r.Get("/openapi.json", s.handleOpenAPI)

	r.Route("/api/transcribe", func(r chi.Router) {
		r.Post("/audio", s.handleTranscribeAudio)
		r.Post("/quick", s.handleTranscribeQuick)
		r.Post("/cancel", s.handleTranscribeCancel)
		r.Get("/languages", s.handleLanguages)
	})

	r.Route("/api/notebook", func(r chi.Router) {
		r.Post("/transcribe/upload", s.handleNotebookUpload)
		r.Get("/recordings", s.handleListRecordings)
		r.Get("/recordings/{id}", s.handleGetRecording)
		r.Delete("/recordings/{id}", s.handleDeleteRecording)
		r.Patch("/recordings/{id}/title", s.handleUpdateTitle)
		r.Patch("/recordings/{id}/summary", s.handleUpdateSummary)
		r.Get("/recordings/{id}/audio", s.handleRecordingAudio)
		r.Get("/recordings/{id}/transcription", s.handleTranscription)
		r.Get("/recordings/{id}/export", s.handleExport)
		r.Get("/calendar", s.handleCalendar)
		r.Get("/timeslot", s.handleTimeSlot)
		r.Get("/backups", s.handleListBackups)
		r.Post("/backup", s.handleCreateBackup)
		r.Post("/restore", s.handleRestoreBackup)
	})

	r.Get("/api/search/", s.handleSearch)
	r.Get("/api/search", s.handleSearch)

	r.Route("/api/llm", func(r chi.Router) {
		r.Post("/process", s.handleLLMProcess)
		r.Post("/process/stream", s.handleLLMProcessStream)
		r.Post("/summarize/{id}", s.handleLLMSummarize)
	})

	r.Route("/api/admin", func(r chi.Router) {
		r.Use(RequireAdmin(tlsEnabled))
		r.Get("/status", s.handleAdminStatus)
		r.Post("/models/load", s.handleModelLoad)
		r.Post("/models/unload", s.handleModelUnload)
		r.Get("/tokens", s.handleListTokens)
		r.Post("/tokens", s.handleCreateToken)
		r.Delete("/tokens/{id}", s.handleRevokeToken)
	})

	r.Get("/ws", s.handleWS)
	r.Get("/ws/live", s.handleWSLive)

	return s
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, struct {
		Status  string `json:"status"`
		Service string `json:"service"`
	}{Status: "healthy", Service: "transcription-suite"})
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.http.Handler }

// Start serves until shutdown. TLS mode requires both cert and key,
// validated at config load.
func (s *Server) Start() error {
	tls := s.opts.Config.Server.TLS
	s.log.Info().Str("addr", s.http.Addr).Bool("tls", tls.Enabled).Msg("http server starting")

	var err error
	if tls.Enabled {
		err = s.http.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
	} else {
		err = s.http.ListenAndServe()
	}
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("http server shutting down")
	return s.http.Shutdown(ctx)
}
