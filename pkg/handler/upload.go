package handler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/gofrs/uuid"
	"go.uber.org/zap"

	"github.com/docstream/ingest-backend/pkg/service"
	"github.com/docstream/ingest-backend/pkg/types"

	errmsg "github.com/docstream/ingest-backend/pkg/errmsg"
	errorsx "github.com/docstream/ingest-backend/pkg/errors"
)

type initSessionRequest struct {
	Filename    string            `json:"filename"`
	ContentType string            `json:"content_type"`
	SizeHint    int64             `json:"size_hint"`
	Metadata    map[string]string `json:"metadata"`
}

type initSessionResponse struct {
	UploadID string `json:"upload_id"`
	Status   string `json:"status"`
}

// handleInitSession opens a multipart upload session.
// POST /upload/multipart/init {filename, content_type, size_hint, metadata}
func (h *Handler) handleInitSession(w http.ResponseWriter, r *http.Request) {
	var req initSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, errmsg.AddMessage(
			fmt.Errorf("decoding request body: %w", errorsx.ErrInvalidArgument),
			"The request body must be valid JSON.",
		))
		return
	}

	session, err := h.service.InitSession(r.Context(), service.InitSessionParam{
		Filename:    req.Filename,
		ContentType: req.ContentType,
		SizeHint:    req.SizeHint,
		Metadata:    req.Metadata,
	})
	if err != nil {
		h.respondError(w, err)
		return
	}

	h.logger.Info("Upload session initiated",
		zap.String("uploadID", session.UID.String()),
		zap.String("filename", session.Filename))
	h.respondJSON(w, http.StatusCreated, initSessionResponse{
		UploadID: session.UID.String(),
		Status:   string(session.Status),
	})
}

type uploadPartResponse struct {
	PartNumber int    `json:"part_number"`
	Size       int64  `json:"size"`
	Checksum   string `json:"checksum"`
	ETag       string `json:"etag"`
	Status     string `json:"status"`
}

// handleUploadPart streams one part into an open session. The body is piped
// straight to object storage without buffering.
// POST /upload/multipart/part?upload_id=&part_number=
func (h *Handler) handleUploadPart(w http.ResponseWriter, r *http.Request) {
	sessionUID, err := parseUploadID(r.URL.Query().Get("upload_id"))
	if err != nil {
		h.respondError(w, err)
		return
	}

	partNumber, err := strconv.Atoi(r.URL.Query().Get("part_number"))
	if err != nil {
		h.respondError(w, errmsg.AddMessage(
			fmt.Errorf("parsing part number: %w", errorsx.ErrInvalidArgument),
			"The part_number query parameter must be an integer.",
		))
		return
	}

	ack, err := h.service.UploadPart(r.Context(), service.UploadPartParam{
		SessionUID:     sessionUID,
		PartNumber:     partNumber,
		Content:        r.Body,
		DeclaredLength: r.ContentLength,
	})
	if err != nil {
		h.respondError(w, err)
		return
	}

	h.respondJSON(w, http.StatusOK, uploadPartResponse{
		PartNumber: ack.PartNumber,
		Size:       ack.Size,
		Checksum:   ack.Checksum,
		ETag:       ack.ETag,
		Status:     "accepted",
	})
}

type completeSessionResponse struct {
	UploadID string `json:"upload_id"`
	Status   string `json:"status"`
}

// handleCompleteSession assembles the uploaded parts and enqueues processing.
// POST /upload/multipart/complete?upload_id=
func (h *Handler) handleCompleteSession(w http.ResponseWriter, r *http.Request) {
	sessionUID, err := parseUploadID(r.URL.Query().Get("upload_id"))
	if err != nil {
		h.respondError(w, err)
		return
	}

	documentUID, err := h.service.CompleteSession(r.Context(), sessionUID)
	if err != nil {
		h.respondError(w, err)
		return
	}

	h.logger.Info("Upload session completed", zap.String("uploadID", documentUID.String()))
	h.respondJSON(w, http.StatusOK, completeSessionResponse{
		UploadID: documentUID.String(),
		Status:   string(types.UploadSessionStatusCompleted),
	})
}

// handleAbortUpload aborts an open session, or cancels the processing
// pipeline when the upload already completed.
// DELETE /upload/{upload_id}
func (h *Handler) handleAbortUpload(w http.ResponseWriter, r *http.Request) {
	sessionUID, err := parseUploadID(chi.URLParam(r, "upload_id"))
	if err != nil {
		h.respondError(w, err)
		return
	}

	if err := h.service.AbortUpload(r.Context(), sessionUID); err != nil {
		h.respondError(w, err)
		return
	}

	h.logger.Info("Upload aborted", zap.String("uploadID", sessionUID.String()))
	h.respondJSON(w, http.StatusOK, map[string]string{"status": "aborted"})
}

// handleUploadDocument ingests a file in one request: the body streams into a
// session that is created and completed on the caller's behalf.
// POST /upload?filename= with the file as the request body. Client metadata
// rides in the optional metadata query parameter as JSON.
func (h *Handler) handleUploadDocument(w http.ResponseWriter, r *http.Request) {
	filename := r.URL.Query().Get("filename")

	var metadata map[string]string
	if raw := r.URL.Query().Get("metadata"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &metadata); err != nil {
			h.respondError(w, errmsg.AddMessage(
				fmt.Errorf("decoding metadata: %w", errorsx.ErrInvalidArgument),
				"The metadata query parameter must be a JSON object of strings.",
			))
			return
		}
	}

	view, err := h.service.UploadDocument(r.Context(), service.UploadDocumentParam{
		Filename:      filename,
		ContentType:   r.Header.Get("Content-Type"),
		Content:       r.Body,
		ContentLength: r.ContentLength,
		Metadata:      metadata,
	})
	if err != nil {
		h.respondError(w, err)
		return
	}

	h.logger.Info("Document uploaded", zap.String("uploadID", view.UploadID), zap.String("filename", filename))
	h.respondJSON(w, http.StatusCreated, view)
}

// handleUploadStatus returns the merged upload/processing projection.
// GET /upload/{upload_id}/status
func (h *Handler) handleUploadStatus(w http.ResponseWriter, r *http.Request) {
	sessionUID, err := parseUploadID(chi.URLParam(r, "upload_id"))
	if err != nil {
		h.respondError(w, err)
		return
	}

	view, err := h.service.GetUploadStatus(r.Context(), sessionUID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, view)
}

type listUploadsResponse struct {
	Uploads []service.UploadStatusView `json:"uploads"`
	Total   int64                      `json:"total"`
	Limit   int                        `json:"limit"`
	Offset  int                        `json:"offset"`
}

// handleListUploads returns recent uploads newest-first.
// GET /uploads?limit=&offset=
func (h *Handler) handleListUploads(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	views, total, err := h.service.ListUploads(r.Context(), limit, offset)
	if err != nil {
		h.respondError(w, err)
		return
	}

	if views == nil {
		views = []service.UploadStatusView{}
	}
	h.respondJSON(w, http.StatusOK, listUploadsResponse{
		Uploads: views,
		Total:   total,
		Limit:   limit,
		Offset:  offset,
	})
}

func parseUploadID(raw string) (types.SessionUIDType, error) {
	sessionUID, err := uuid.FromString(raw)
	if err != nil {
		return uuid.Nil, errmsg.AddMessage(
			fmt.Errorf("parsing upload ID %q: %w", raw, errorsx.ErrInvalidArgument),
			"The upload ID must be a valid UUID.",
		)
	}
	return sessionUID, nil
}
