// Package api serves projects and pipeline runs over HTTP.
package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/pypottery/lens/pkg/store"
	"github.com/pypottery/lens/pkg/workflow"
)

// DefaultUploadLimit bounds the size of an uploaded PDF.
const DefaultUploadLimit = 512 << 20

// Server is the HTTP front end over a store and its pipeline.
type Server struct {
	projects    *store.Store
	pipeline    *workflow.Pipeline
	log         zerolog.Logger
	uploadLimit int64

	// runs outlive the request that started them
	baseCtx context.Context
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the request and error logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Server) { s.log = l }
}

// WithUploadLimit caps the request body of PDF uploads.
func WithUploadLimit(n int64) Option {
	return func(s *Server) {
		if n > 0 {
			s.uploadLimit = n
		}
	}
}

// New returns a Server. The pipeline must run against the same store.
func New(projects *store.Store, pipeline *workflow.Pipeline, opts ...Option) *Server {
	s := &Server{
		projects:    projects,
		pipeline:    pipeline,
		log:         zerolog.Nop(),
		uploadLimit: DefaultUploadLimit,
		baseCtx:     context.Background(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(requestLogger(s.log))
	r.Use(chimiddleware.Recoverer)

	r.Get("/api/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "healthy", "success": true})
	})

	r.Route("/api/projects", func(r chi.Router) {
		r.Get("/", s.listProjects)
		r.Post("/", s.createProject)

		r.Route("/{projectID}", func(r chi.Router) {
			r.Get("/", s.getProject)
			r.Delete("/", s.deleteProject)
			r.Get("/stage", s.getStage)

			r.Patch("/workflow", s.updateWorkflow)
			r.Patch("/settings", s.updateSettings)
			r.Post("/excluded-images", s.updateExcluded)
			r.Post("/reviewed", s.markReviewed)

			r.Get("/images", s.listFolder(store.FolderImages))
			r.Get("/masks", s.listFolder(store.FolderMasks))
			r.Get("/cards", s.listFolder(store.FolderCards))
			r.Get("/cards_modified", s.listFolder(store.FolderCardsModified))
			r.Get("/files/{folder}/{name}", s.serveFile)

			r.Post("/pdf", s.uploadPDF)
			r.Post("/ops/{op}", s.startOp)

			r.Post("/cards/{name}/flip", s.flipCard)
			r.Post("/cards/{name}/type", s.setCardType)

			r.Post("/masks/save", s.saveMask)
			r.Post("/tabular/load", s.loadTable)
			r.Post("/tabular/save", s.saveTable)
			r.Post("/tabular/export", s.exportTable)
		})
	})

	r.Route("/api/runs/{runID}", func(r chi.Router) {
		r.Get("/", s.getRun)
		r.Post("/cancel", s.cancelRun)
		r.Get("/ws", s.streamRun)
	})

	return r
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down and
// waits for running operations to finish or observe the cancellation.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	s.baseCtx = ctx

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.log.Info().Str("addr", addr).Msg("HTTP server listening")
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.log.Info().Msg("shutting down")
		err := srv.Shutdown(shutdownCtx)
		s.pipeline.Wait()
		return err
	})
	return g.Wait()
}

func requestLogger(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			log.Debug().
				Str("request_id", chimiddleware.GetReqID(r.Context())).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Int("bytes", ww.BytesWritten()).
				Dur("duration", time.Since(start)).
				Msg("request")
		})
	}
}
