// Package handler provides the HTTP API over the ingestion service.
package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/docstream/ingest-backend/pkg/service"

	errmsg "github.com/docstream/ingest-backend/pkg/errmsg"
	errorsx "github.com/docstream/ingest-backend/pkg/errors"
)

// requestTimeout bounds handler execution, except for the streaming upload
// endpoints which may legitimately run for much longer.
const requestTimeout = 60 * time.Second

// Handler exposes the ingestion service over HTTP.
type Handler struct {
	service service.Service
	logger  *zap.Logger
}

// New creates a handler bound to a service instance.
func New(svc service.Service, logger *zap.Logger) *Handler {
	return &Handler{
		service: svc,
		logger:  logger,
	}
}

// Routes builds the chi router with all endpoints.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	// Streaming endpoints manage their own deadlines via the client
	// connection; everything else gets the shared timeout.
	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(requestTimeout))
		r.Post("/upload/multipart/init", h.handleInitSession)
		r.Post("/upload/multipart/complete", h.handleCompleteSession)
		r.Delete("/upload/{upload_id}", h.handleAbortUpload)
		r.Get("/upload/{upload_id}/status", h.handleUploadStatus)
		r.Get("/uploads", h.handleListUploads)
		r.Get("/health", h.handleHealth)
	})

	r.Post("/upload", h.handleUploadDocument)
	r.Post("/upload/multipart/part", h.handleUploadPart)

	return r
}

func (h *Handler) respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		if err := json.NewEncoder(w).Encode(payload); err != nil {
			h.logger.Error("Failed to encode response", zap.Error(err))
		}
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

// respondError maps domain errors onto HTTP statuses and emits the end-user
// message, never the internal error chain.
func (h *Handler) respondError(w http.ResponseWriter, err error) {
	status := statusFromError(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("Request failed", zap.Error(err))
	}
	h.respondJSON(w, status, errorResponse{Error: errmsg.MessageOrErr(err)})
}

func statusFromError(err error) int {
	switch {
	case errors.Is(err, errorsx.ErrInvalidArgument),
		errors.Is(err, errorsx.ErrPartTooSmall),
		errors.Is(err, errorsx.ErrIncompleteUpload),
		errors.Is(err, errorsx.ErrUnsupportedFormat):
		return http.StatusBadRequest
	case errors.Is(err, errorsx.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, errorsx.ErrSessionClosed),
		errors.Is(err, errorsx.ErrStateMismatch),
		errors.Is(err, errorsx.ErrAlreadyExists):
		return http.StatusConflict
	case errors.Is(err, errorsx.ErrCapacityExceeded):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, errorsx.ErrRateLimiting):
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
