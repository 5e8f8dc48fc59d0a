package worker

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/gofrs/uuid"
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/temporal"
	"go.uber.org/zap"

	"github.com/docstream/ingest-backend/pkg/repository"
	"github.com/docstream/ingest-backend/pkg/repository/object"
	"github.com/docstream/ingest-backend/pkg/service"
	"github.com/docstream/ingest-backend/pkg/types"

	errmsg "github.com/docstream/ingest-backend/pkg/errmsg"
	errorsx "github.com/docstream/ingest-backend/pkg/errors"
)

// This file contains the stage activities of ProcessDocumentWorkflow:
// - GetDocumentStatusActivity - reads the persisted status for resume decisions
// - UpdateDocumentStatusActivity - guarded status transitions, FAILED marking
// - ExtractDocumentActivity - text extraction, advances to CHUNKING
// - ChunkDocumentActivity - deterministic chunking, advances to EMBEDDING
// - GetChunksForEmbeddingActivity - reloads the committed chunk set on resume
// - SaveEmbeddingsActivity - transactional embedding storage, marks COMPLETED

// Activity error type constants
const (
	getDocumentStatusActivityError     = "GetDocumentStatusActivity"
	updateDocumentStatusActivityError  = "UpdateDocumentStatusActivity"
	extractDocumentActivityError       = "ExtractDocumentActivity"
	chunkDocumentActivityError         = "ChunkDocumentActivity"
	getChunksForEmbeddingActivityError = "GetChunksForEmbeddingActivity"
	saveEmbeddingsActivityError        = "SaveEmbeddingsActivity"
)

// isTerminalContentError reports whether retrying cannot help: the failure is
// a property of the document content or of the pipeline state, not of an
// external service.
func isTerminalContentError(err error) bool {
	return errors.Is(err, errorsx.ErrUnsupportedFormat) ||
		errors.Is(err, errorsx.ErrInvalidArgument) ||
		errors.Is(err, errorsx.ErrDimensionalityMismatch) ||
		errors.Is(err, errorsx.ErrInvariantViolation) ||
		errors.Is(err, errorsx.ErrNotFound)
}

// stageError wraps an activity failure for Temporal, skipping retries for
// terminal content errors.
func stageError(err error, errType string) error {
	if isTerminalContentError(err) {
		return temporal.NewNonRetryableApplicationError(errmsg.MessageOrErr(err), errType, err)
	}
	return temporal.NewApplicationErrorWithCause(errmsg.MessageOrErr(err), errType, err)
}

// errorCodeOf maps a failure to the short code recorded in last_error.
func errorCodeOf(err error) string {
	switch {
	case errors.Is(err, errorsx.ErrUnsupportedFormat):
		return "unsupported_format"
	case errors.Is(err, errorsx.ErrDimensionalityMismatch):
		return "dimensionality_mismatch"
	case errors.Is(err, errorsx.ErrInvariantViolation):
		return "invariant_violation"
	case errors.Is(err, errorsx.ErrRateLimiting):
		return "rate_limited"
	case errors.Is(err, errorsx.ErrNotFound):
		return "not_found"
	case errors.Is(err, errorsx.ErrInvalidArgument):
		return "invalid_argument"
	default:
		return "internal"
	}
}

// recordStageAttempt stores the current attempt number for status reporting.
// Best effort: Temporal remains the retry driver.
func (w *Worker) recordStageAttempt(ctx context.Context, documentUID types.DocumentUIDType, stage string) {
	attempt := int(activity.GetInfo(ctx).Attempt)
	if err := w.repository.RecordStageAttempt(ctx, documentUID, stage, attempt); err != nil {
		w.log.Warn("Failed to record stage attempt",
			zap.String("documentUID", documentUID.String()),
			zap.String("stage", stage),
			zap.Error(err))
	}
}

// GetDocumentStatusActivityParam defines the parameters for the GetDocumentStatusActivity
type GetDocumentStatusActivityParam struct {
	DocumentUID types.DocumentUIDType
}

// GetDocumentStatusActivity retrieves the current status of a document
func (w *Worker) GetDocumentStatusActivity(ctx context.Context, param *GetDocumentStatusActivityParam) (types.DocumentProcessStatus, error) {
	w.log.Info("Getting document status", zap.String("documentUID", param.DocumentUID.String()))

	doc, err := w.repository.GetDocument(ctx, param.DocumentUID)
	if err != nil {
		err = errmsg.AddMessage(err, "Unable to retrieve document status. Please try again.")
		return "", stageError(err, getDocumentStatusActivityError)
	}
	return doc.ProcessStatus, nil
}

// UpdateDocumentStatusActivityParam defines the parameters for the UpdateDocumentStatusActivity
type UpdateDocumentStatusActivityParam struct {
	DocumentUID types.DocumentUIDType
	Status      types.DocumentProcessStatus
	// Stage, ErrorCode, and Message describe the failure cause when Status is
	// FAILED. They are ignored for forward transitions.
	Stage     string
	ErrorCode string
	Message   string
}

// UpdateDocumentStatusActivity performs a guarded status transition. Marking
// an already-terminal document FAILED is a no-op rather than an error, so the
// deferred workflow cleanup cannot clobber a committed outcome.
func (w *Worker) UpdateDocumentStatusActivity(ctx context.Context, param *UpdateDocumentStatusActivityParam) error {
	w.log.Info("Updating document status",
		zap.String("documentUID", param.DocumentUID.String()),
		zap.String("status", string(param.Status)))

	var extras map[string]any
	if param.Status == types.DocumentProcessStatusFailed && param.Message != "" {
		extras = map[string]any{
			repository.DocumentColumn.LastError: repository.EncodeProcessError(repository.ProcessError{
				Stage:      param.Stage,
				Code:       param.ErrorCode,
				Message:    param.Message,
				RecordTime: time.Now().UTC(),
			}),
		}
	}

	err := w.repository.UpdateDocumentStatus(ctx, param.DocumentUID, param.Status, extras)
	if err != nil {
		if errors.Is(err, errorsx.ErrStateMismatch) || errors.Is(err, errorsx.ErrNotFound) {
			w.log.Warn("Skipping status transition",
				zap.String("documentUID", param.DocumentUID.String()),
				zap.String("status", string(param.Status)),
				zap.Error(err))
			return nil
		}
		err = errmsg.AddMessage(err, "Unable to update document status. Please try again.")
		return temporal.NewApplicationErrorWithCause(errmsg.MessageOrErr(err), updateDocumentStatusActivityError, err)
	}
	return nil
}

// ExtractDocumentActivityParam defines the parameters for the ExtractDocumentActivity
type ExtractDocumentActivityParam struct {
	DocumentUID types.DocumentUIDType
}

// ExtractDocumentActivity reads the stored document, extracts its plain text,
// and persists it under a deterministic key. The extracted-text pointer and
// the advance to CHUNKING commit in the same repository call, so a retried
// execution simply overwrites the same object.
func (w *Worker) ExtractDocumentActivity(ctx context.Context, param *ExtractDocumentActivityParam) error {
	w.recordStageAttempt(ctx, param.DocumentUID, "extract")
	w.log.Info("Extracting document text", zap.String("documentUID", param.DocumentUID.String()))

	doc, err := w.repository.GetDocument(ctx, param.DocumentUID)
	if err != nil {
		err = errmsg.AddMessage(err, "Unable to load the document record. Please try again.")
		return stageError(err, extractDocumentActivityError)
	}

	content, err := w.storage.GetObject(ctx, doc.Bucket, doc.ObjectKey)
	if err != nil {
		err = errmsg.AddMessage(err, "Unable to read the uploaded file from storage. Please try again.")
		return stageError(err, extractDocumentActivityError)
	}

	text, err := service.ExtractText(path.Base(doc.ObjectKey), content)
	if err != nil {
		err = errmsg.AddMessage(err, "Unable to extract text from the uploaded file.")
		return stageError(err, extractDocumentActivityError)
	}

	extractedTextKey := object.GetExtractedTextKey(param.DocumentUID)
	err = w.storage.PutObject(ctx, doc.Bucket, extractedTextKey, "text/plain; charset=utf-8",
		strings.NewReader(text), int64(len(text)))
	if err != nil {
		err = errmsg.AddMessage(err, "Unable to store the extracted text. Please try again.")
		return stageError(err, extractDocumentActivityError)
	}

	err = w.repository.UpdateDocumentStatus(ctx, param.DocumentUID, types.DocumentProcessStatusChunking, map[string]any{
		repository.DocumentColumn.ExtractedTextKey: extractedTextKey,
	})
	if err != nil {
		err = errmsg.AddMessage(err, "Unable to advance the document to chunking. Please try again.")
		return stageError(err, extractDocumentActivityError)
	}

	w.log.Info("Document text extracted",
		zap.String("documentUID", param.DocumentUID.String()),
		zap.Int("textLength", len(text)))
	return nil
}

// ChunkSetActivityResult carries a document's chunk identities and texts to
// the embedding stage. UIDs and texts are index-aligned.
type ChunkSetActivityResult struct {
	ChunkUIDs []types.ChunkUIDType
	Texts     []string
}

// ChunkDocumentActivityParam defines the parameters for the ChunkDocumentActivity
type ChunkDocumentActivityParam struct {
	DocumentUID types.DocumentUIDType
}

// ChunkDocumentActivity splits the extracted text into token windows and
// replaces the document's chunk set in one transaction. Stale vectors are
// purged from the vector database inside the same transaction, so a retried
// execution never leaves readers a mixed chunk set.
func (w *Worker) ChunkDocumentActivity(ctx context.Context, param *ChunkDocumentActivityParam) (*ChunkSetActivityResult, error) {
	w.recordStageAttempt(ctx, param.DocumentUID, "chunk")
	w.log.Info("Chunking document", zap.String("documentUID", param.DocumentUID.String()))

	doc, err := w.repository.GetDocument(ctx, param.DocumentUID)
	if err != nil {
		err = errmsg.AddMessage(err, "Unable to load the document record. Please try again.")
		return nil, stageError(err, chunkDocumentActivityError)
	}
	if doc.ExtractedTextKey == "" {
		err := fmt.Errorf("document has no extracted text: %w", errorsx.ErrInvariantViolation)
		return nil, stageError(err, chunkDocumentActivityError)
	}

	content, err := w.storage.GetObject(ctx, doc.Bucket, doc.ExtractedTextKey)
	if err != nil {
		err = errmsg.AddMessage(err, "Unable to read the extracted text from storage. Please try again.")
		return nil, stageError(err, chunkDocumentActivityError)
	}

	textChunks := w.chunker.Chunk(string(content))

	chunks := make([]repository.ChunkModel, len(textChunks))
	for i, tc := range textChunks {
		chunkUID, err := uuid.NewV4()
		if err != nil {
			return nil, stageError(err, chunkDocumentActivityError)
		}
		chunks[i] = repository.ChunkModel{
			UID:           chunkUID,
			DocumentUID:   param.DocumentUID,
			SequenceIndex: i,
			Text:          tc.Text,
			TokenCount:    tc.TokenCount,
		}
	}

	chunks, err = w.repository.DeleteAndCreateChunks(ctx, param.DocumentUID, chunks, func([]repository.ChunkModel) error {
		// Stale vectors from a previous run must not outlive their chunk rows.
		return w.vectorDB.DeleteVectorsByDocumentUID(ctx, repository.DocumentCollectionName, param.DocumentUID)
	})
	if err != nil {
		err = errmsg.AddMessage(err, "Unable to store the document chunks. Please try again.")
		return nil, stageError(err, chunkDocumentActivityError)
	}

	result := &ChunkSetActivityResult{
		ChunkUIDs: make([]types.ChunkUIDType, len(chunks)),
		Texts:     make([]string, len(chunks)),
	}
	for i := range chunks {
		result.ChunkUIDs[i] = chunks[i].UID
		result.Texts[i] = chunks[i].Text
	}

	w.log.Info("Document chunked",
		zap.String("documentUID", param.DocumentUID.String()),
		zap.Int("chunkCount", len(chunks)))
	return result, nil
}

// GetChunksForEmbeddingActivityParam defines the parameters for the GetChunksForEmbeddingActivity
type GetChunksForEmbeddingActivityParam struct {
	DocumentUID types.DocumentUIDType
}

// GetChunksForEmbeddingActivity reloads the committed chunk set when the
// workflow resumes from the embedding or storing stage.
func (w *Worker) GetChunksForEmbeddingActivity(ctx context.Context, param *GetChunksForEmbeddingActivityParam) (*ChunkSetActivityResult, error) {
	w.log.Info("Loading chunks for embedding", zap.String("documentUID", param.DocumentUID.String()))

	chunks, err := w.repository.ListChunksByDocument(ctx, param.DocumentUID)
	if err != nil {
		err = errmsg.AddMessage(err, "Unable to load the document chunks. Please try again.")
		return nil, stageError(err, getChunksForEmbeddingActivityError)
	}

	result := &ChunkSetActivityResult{
		ChunkUIDs: make([]types.ChunkUIDType, len(chunks)),
		Texts:     make([]string, len(chunks)),
	}
	for i := range chunks {
		result.ChunkUIDs[i] = chunks[i].UID
		result.Texts[i] = chunks[i].Text
	}
	return result, nil
}

// SaveEmbeddingsActivityParam defines the parameters for the SaveEmbeddingsActivity
type SaveEmbeddingsActivityParam struct {
	DocumentUID     types.DocumentUIDType
	ChunkUIDs       []types.ChunkUIDType
	Vectors         [][]float32
	ModelIdentifier string
}

// SaveEmbeddingsActivity commits all embedding rows for a document, keyed by
// chunk UID, and marks the document COMPLETED in the same transaction. The
// vector database write happens inside that transaction, so a failure there
// rolls back the relational rows too. Either every embedding is visible or
// none is.
func (w *Worker) SaveEmbeddingsActivity(ctx context.Context, param *SaveEmbeddingsActivityParam) error {
	w.recordStageAttempt(ctx, param.DocumentUID, "store")
	w.log.Info("Saving embeddings",
		zap.String("documentUID", param.DocumentUID.String()),
		zap.Int("embeddingCount", len(param.Vectors)))

	if len(param.Vectors) != len(param.ChunkUIDs) {
		err := fmt.Errorf("vector count %d does not match chunk count %d: %w",
			len(param.Vectors), len(param.ChunkUIDs), errorsx.ErrInvariantViolation)
		return stageError(err, saveEmbeddingsActivityError)
	}

	embeddings := make([]repository.EmbeddingModel, len(param.Vectors))
	for i := range param.Vectors {
		embeddingUID, err := uuid.NewV4()
		if err != nil {
			return stageError(err, saveEmbeddingsActivityError)
		}
		embeddings[i] = repository.EmbeddingModel{
			UID:             embeddingUID,
			DocumentUID:     param.DocumentUID,
			ChunkUID:        param.ChunkUIDs[i],
			Vector:          param.Vectors[i],
			ModelIdentifier: param.ModelIdentifier,
		}
	}

	_, err := w.repository.UpsertEmbeddings(ctx, param.DocumentUID, embeddings, func(committed []repository.EmbeddingModel) error {
		if len(committed) == 0 {
			return nil
		}
		vectors := make([]repository.VectorEmbedding, len(committed))
		for i, e := range committed {
			vectors[i] = repository.VectorEmbedding{
				EmbeddingUID: e.UID.String(),
				ChunkUID:     e.ChunkUID.String(),
				DocumentUID:  e.DocumentUID,
				Vector:       e.Vector,
			}
		}
		return w.vectorDB.UpsertVectorsInCollection(ctx, repository.DocumentCollectionName, vectors)
	})
	if err != nil {
		err = errmsg.AddMessage(err, "Unable to store the document embeddings. Please try again.")
		return stageError(err, saveEmbeddingsActivityError)
	}

	// Flush so newly completed documents are immediately searchable. Milvus
	// auto-flushes eventually; this only narrows the window.
	if err := w.vectorDB.FlushCollection(ctx, repository.DocumentCollectionName); err != nil {
		w.log.Warn("Failed to flush vector collection",
			zap.String("documentUID", param.DocumentUID.String()),
			zap.Error(err))
	}

	w.log.Info("Embeddings saved",
		zap.String("documentUID", param.DocumentUID.String()),
		zap.Int("embeddingCount", len(embeddings)))
	return nil
}
