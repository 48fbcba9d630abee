// Package api exposes the engine over a local HTTP surface: workbench
// lifecycle, draft and publish commands, checkpoints, revisions, the audit
// trail, and a server-sent event stream of engine progress.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/draftvault/internal/audit"
	"github.com/mattjoyce/draftvault/internal/events"
	"github.com/mattjoyce/draftvault/internal/workbench"
)

// Engine is the subset of the workbench manager the API needs.
type Engine interface {
	Create(name string) (*workbench.Workbench, error)
	Open(id string) (*workbench.Workbench, error)
	List() ([]workbench.Workbench, error)
	Delete(ctx context.Context, id string) error
	ActiveArea(id string) (string, error)
	ApplyDraftWrite(ctx context.Context, id, relPath string, content []byte) error
	ApplyDraftRemove(ctx context.Context, id, relPath string) error
	ReadFile(id, area, relPath string) ([]byte, error)
	FilesList(id string) ([]workbench.FileEntry, error)
	ChangeSet(id string) ([]workbench.Change, error)
	CreateDraft(ctx context.Context, id, source string) (*workbench.DraftState, error)
	DiscardDraft(ctx context.Context, id string) error
	DraftState(id string) (*workbench.DraftState, error)
	Publish(ctx context.Context, id string) (*workbench.PublishResult, error)
	CreateCheckpoint(ctx context.Context, id, reason, description string) (*workbench.CheckpointMetadata, error)
	ListCheckpoints(id string) ([]workbench.CheckpointMetadata, error)
	GetCheckpoint(id, checkpointID string) (*workbench.CheckpointMetadata, error)
	RestoreCheckpoint(ctx context.Context, id, checkpointID string) error
	SnapshotRevision(ctx context.Context, id, headPointer string) (*workbench.RevisionMetadata, error)
	RestoreRevision(ctx context.Context, id, headPointer string) error
	ListRevisions(id string) ([]workbench.RevisionMetadata, error)
}

// AuditReader lists recorded audit events for a workbench.
type AuditReader interface {
	List(ctx context.Context, workbenchID string, limit int) ([]audit.Event, error)
}

// Config holds API server configuration.
type Config struct {
	Listen string
	// APIKey is a single bearer token. Empty disables auth for local use.
	APIKey string
	// MaxWriteBytes caps a single file write body. Zero means the default.
	MaxWriteBytes int64
}

const defaultMaxWriteBytes = 64 << 20

// Server is the HTTP API server.
type Server struct {
	config    Config
	engine    Engine
	auditLog  AuditReader
	events    *events.Hub
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time
}

// New creates an API server.
func New(config Config, engine Engine, auditLog AuditReader, hub *events.Hub, logger *slog.Logger) *Server {
	if config.MaxWriteBytes <= 0 {
		config.MaxWriteBytes = defaultMaxWriteBytes
	}
	return &Server{
		config:    config,
		engine:    engine,
		auditLog:  auditLog,
		events:    hub,
		logger:    logger,
		startedAt: time.Now(),
	}
}

// Start runs the HTTP server until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         s.config.Listen,
		Handler:      s.Routes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 5 * time.Minute, // publish and restore copy trees
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("API server starting", "listen", s.config.Listen)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("API server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

// Routes configures the HTTP router.
func (s *Server) Routes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	// Unauthenticated ops endpoint.
	r.Get("/healthz", s.handleHealthz)

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.Route("/workbenches", func(r chi.Router) {
			r.Get("/", s.handleListWorkbenches)
			r.Post("/", s.handleCreateWorkbench)

			r.Route("/{workbenchID}", func(r chi.Router) {
				r.Get("/", s.handleGetWorkbench)
				r.Delete("/", s.handleDeleteWorkbench)
				r.Get("/files", s.handleListFiles)
				r.Get("/files/*", s.handleReadFile)
				r.Put("/files/*", s.handleWriteFile)
				r.Delete("/files/*", s.handleRemoveFile)
				r.Get("/changes", s.handleChangeSet)
				r.Get("/audit", s.handleAudit)

				r.Post("/draft", s.handleCreateDraft)
				r.Get("/draft", s.handleDraftState)
				r.Delete("/draft", s.handleDiscardDraft)
				r.Post("/publish", s.handlePublish)

				r.Get("/checkpoints", s.handleListCheckpoints)
				r.Post("/checkpoints", s.handleCreateCheckpoint)
				r.Get("/checkpoints/{checkpointID}", s.handleGetCheckpoint)
				r.Post("/checkpoints/{checkpointID}/restore", s.handleRestoreCheckpoint)

				r.Get("/revisions", s.handleListRevisions)
				r.Post("/revisions", s.handleSnapshotRevision)
				r.Post("/revisions/restore", s.handleRestoreRevision)
			})
		})

		r.Get("/events", s.handleEvents)
	})

	return r
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, ErrorResponse{Error: message})
}

// writeEngineError maps engine error classes onto HTTP statuses.
func (s *Server) writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, workbench.ErrWorkbenchNotFound),
		errors.Is(err, workbench.ErrCheckpointNotFound),
		errors.Is(err, workbench.ErrRevisionUnavailable),
		errors.Is(err, fs.ErrNotExist):
		s.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, workbench.ErrDraftExists),
		errors.Is(err, workbench.ErrNoDraft),
		errors.Is(err, workbench.ErrPublishConflict):
		s.writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, workbench.ErrInvalidPath):
		s.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, workbench.ErrLockTimeout):
		s.writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, workbench.ErrDiskExhausted):
		s.writeError(w, http.StatusInsufficientStorage, err.Error())
	case errors.Is(err, workbench.ErrCrashRecoveryRequired):
		s.writeError(w, http.StatusConflict, err.Error())
	default:
		s.logger.Error("request failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, err.Error())
	}
}
