// Package server exposes the HTTP surface: archive upload, job status,
// memory lookups, and profiles.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/soulprintlabs/soulprint/internal/blob"
	"github.com/soulprintlabs/soulprint/internal/types"
)

// maxUploadBytes bounds the archive upload size.
const maxUploadBytes = 200 << 20

// JobStore is the job surface the handlers need. Enqueue must refuse to
// insert while the user has an active job; EnqueueSuperseding must terminate
// the active job and insert the new one atomically.
type JobStore interface {
	Enqueue(ctx context.Context, userID, sourcePath string) (types.ImportJob, error)
	EnqueueSuperseding(ctx context.Context, userID, sourcePath string) (types.ImportJob, int, error)
	Get(ctx context.Context, jobID uuid.UUID) (types.ImportJob, error)
}

// ProfileReader reads profiles for the restricted request path.
type ProfileReader interface {
	GetByUser(ctx context.Context, userID string) (types.SoulprintProfile, error)
}

// QualityReader reads the latest quality breakdown.
type QualityReader interface {
	GetByUser(ctx context.Context, userID string) (*types.QualityBreakdown, error)
}

// MemoryProvider serves per-turn memory lookups. maxChunks of zero means the
// provider's default.
type MemoryProvider interface {
	GetMemoryContext(ctx context.Context, userID, query string, maxChunks int) (types.MemoryContext, error)
}

// Server wires the HTTP routes to the pipeline services.
type Server struct {
	log            *slog.Logger
	blobs          blob.Store
	jobs           JobStore
	profiles       ProfileReader
	quality        QualityReader
	memory         MemoryProvider
	allowSupersede bool
}

// New creates a Server.
func New(log *slog.Logger, blobs blob.Store, jobs JobStore, profiles ProfileReader, quality QualityReader, memory MemoryProvider, allowSupersede bool) *Server {
	return &Server{
		log:            log.With("component", "server"),
		blobs:          blobs,
		jobs:           jobs,
		profiles:       profiles,
		quality:        quality,
		memory:         memory,
		allowSupersede: allowSupersede,
	}
}

// Router builds the chi router with the standard middleware stack.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Route("/v1", func(r chi.Router) {
		r.Post("/imports", s.handleCreateImport)
		r.Get("/imports/{jobID}", s.handleGetImport)
		r.Get("/users/{userID}/memory", s.handleGetMemory)
		r.Get("/users/{userID}/profile", s.handleGetProfile)
	})
	return r
}

// handleCreateImport accepts a multipart archive upload, stores it, and
// enqueues the import job. A second upload while one is running supersedes
// the active job when supersession is enabled and is rejected otherwise.
func (s *Server) handleCreateImport(w http.ResponseWriter, req *http.Request) {
	req.Body = http.MaxBytesReader(w, req.Body, maxUploadBytes)
	if err := req.ParseMultipartForm(32 << 20); err != nil {
		http.Error(w, "expected a multipart upload with an archive file", http.StatusBadRequest)
		return
	}
	userID := req.FormValue("user_id")
	if userID == "" {
		http.Error(w, "user_id is required", http.StatusBadRequest)
		return
	}
	file, _, err := req.FormFile("archive")
	if err != nil {
		http.Error(w, "archive file is required", http.StatusBadRequest)
		return
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		http.Error(w, "failed to read archive upload", http.StatusBadRequest)
		return
	}
	if len(data) == 0 {
		http.Error(w, "archive upload is empty", http.StatusBadRequest)
		return
	}

	ctx := req.Context()
	path := blob.ArchivePath(userID, uuid.NewString())
	if err := s.blobs.PutObject(ctx, path, data); err != nil {
		s.internalError(w, "failed to store archive", err)
		return
	}

	var job types.ImportJob
	if s.allowSupersede {
		var superseded int
		job, superseded, err = s.jobs.EnqueueSuperseding(ctx, userID, path)
		if err != nil {
			s.internalError(w, "failed to enqueue import", err)
			return
		}
		if superseded > 0 {
			s.log.Info("superseded active imports", "user_id", userID, "count", superseded)
		}
	} else {
		job, err = s.jobs.Enqueue(ctx, userID, path)
		if errors.Is(err, types.ErrActiveJob) {
			if delErr := s.blobs.DeleteObject(ctx, path); delErr != nil {
				s.log.Warn("failed to delete rejected archive", "path", path, "error", delErr)
			}
			http.Error(w, types.ErrActiveJob.Error(), http.StatusConflict)
			return
		}
		if err != nil {
			s.internalError(w, "failed to enqueue import", err)
			return
		}
	}
	s.log.Info("import enqueued", "job_id", job.ID, "user_id", userID, "bytes", len(data))
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleGetImport(w http.ResponseWriter, req *http.Request) {
	jobID, err := uuid.Parse(chi.URLParam(req, "jobID"))
	if err != nil {
		http.Error(w, "invalid job id", http.StatusBadRequest)
		return
	}
	job, err := s.jobs.Get(req.Context(), jobID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.internalError(w, "failed to load job", err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleGetMemory(w http.ResponseWriter, req *http.Request) {
	userID := chi.URLParam(req, "userID")
	query := req.URL.Query().Get("q")
	if query == "" {
		http.Error(w, "q is required", http.StatusBadRequest)
		return
	}
	maxChunks := 0
	if k := req.URL.Query().Get("k"); k != "" {
		parsed, err := strconv.Atoi(k)
		if err != nil || parsed <= 0 {
			http.Error(w, "k must be a positive integer", http.StatusBadRequest)
			return
		}
		maxChunks = parsed
	}
	memory, err := s.memory.GetMemoryContext(req.Context(), userID, query, maxChunks)
	if err != nil {
		s.internalError(w, "memory lookup failed", err)
		return
	}
	writeJSON(w, http.StatusOK, memory)
}

// profileResponse bundles the profile with its latest quality scores.
type profileResponse struct {
	Profile types.SoulprintProfile  `json:"profile"`
	Quality *types.QualityBreakdown `json:"quality,omitempty"`
}

func (s *Server) handleGetProfile(w http.ResponseWriter, req *http.Request) {
	userID := chi.URLParam(req, "userID")
	profile, err := s.profiles.GetByUser(req.Context(), userID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		http.Error(w, "profile not found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.internalError(w, "failed to load profile", err)
		return
	}
	breakdown, err := s.quality.GetByUser(req.Context(), userID)
	if err != nil {
		s.internalError(w, "failed to load quality scores", err)
		return
	}
	writeJSON(w, http.StatusOK, profileResponse{Profile: profile, Quality: breakdown})
}

func (s *Server) internalError(w http.ResponseWriter, msg string, err error) {
	s.log.Error(msg, "error", err)
	http.Error(w, msg, http.StatusInternalServerError)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		fmt.Fprintf(w, `{"error": "encoding failed"}`)
	}
}
