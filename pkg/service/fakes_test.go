package service

import (
	"context"
	"io"
	"time"

	"gorm.io/gorm"

	"github.com/docstream/ingest-backend/pkg/repository"
	"github.com/docstream/ingest-backend/pkg/repository/object"
	"github.com/docstream/ingest-backend/pkg/types"

	errorsx "github.com/docstream/ingest-backend/pkg/errors"
)

// fakeRepository implements repository.Repository through overridable function
// fields. Unset lookups report not-found; unset mutations succeed.
type fakeRepository struct {
	createUploadSessionFn         func(ctx context.Context, session *repository.UploadSessionModel) (*repository.UploadSessionModel, error)
	getUploadSessionFn            func(ctx context.Context, sessionUID types.SessionUIDType) (*repository.UploadSessionModel, error)
	listUploadSessionsFn          func(ctx context.Context, limit, offset int) ([]repository.UploadSessionModel, int64, error)
	updateUploadSessionWithLockFn func(ctx context.Context, sessionUID types.SessionUIDType, fn func(tx *gorm.DB, session *repository.UploadSessionModel) error) error
	listUploadPartsFn             func(ctx context.Context, sessionUID types.SessionUIDType) ([]repository.UploadPartModel, error)
	listStaleUploadSessionsFn     func(ctx context.Context, olderThan time.Time) ([]repository.UploadSessionModel, error)

	createDocumentFn        func(ctx context.Context, doc *repository.DocumentModel) (*repository.DocumentModel, error)
	getDocumentFn           func(ctx context.Context, documentUID types.DocumentUIDType) (*repository.DocumentModel, error)
	updateDocumentStatusFn  func(ctx context.Context, documentUID types.DocumentUIDType, status types.DocumentProcessStatus, extras map[string]any) error
	listDocumentsByStatusFn func(ctx context.Context, status types.DocumentProcessStatus, updatedBefore time.Time) ([]repository.DocumentModel, error)
	recordStageAttemptFn    func(ctx context.Context, documentUID types.DocumentUIDType, stage string, attempt int) error
	setWorkflowRunIDFn      func(ctx context.Context, documentUID types.DocumentUIDType, runID string) error

	deleteAndCreateChunksFn   func(ctx context.Context, documentUID types.DocumentUIDType, chunks []repository.ChunkModel, externalServiceCall func([]repository.ChunkModel) error) ([]repository.ChunkModel, error)
	listChunksByDocumentFn    func(ctx context.Context, documentUID types.DocumentUIDType) ([]repository.ChunkModel, error)
	getChunkCountByDocumentFn func(ctx context.Context, documentUID types.DocumentUIDType) (int64, error)

	upsertEmbeddingsFn            func(ctx context.Context, documentUID types.DocumentUIDType, embeddings []repository.EmbeddingModel, externalServiceCall func([]repository.EmbeddingModel) error) ([]repository.EmbeddingModel, error)
	listEmbeddingsByDocumentFn    func(ctx context.Context, documentUID types.DocumentUIDType) ([]repository.EmbeddingModel, error)
	getEmbeddingCountByDocumentFn func(ctx context.Context, documentUID types.DocumentUIDType) (int64, error)
}

func (f *fakeRepository) CreateUploadSession(ctx context.Context, session *repository.UploadSessionModel) (*repository.UploadSessionModel, error) {
	if f.createUploadSessionFn != nil {
		return f.createUploadSessionFn(ctx, session)
	}
	return session, nil
}

func (f *fakeRepository) GetUploadSession(ctx context.Context, sessionUID types.SessionUIDType) (*repository.UploadSessionModel, error) {
	if f.getUploadSessionFn != nil {
		return f.getUploadSessionFn(ctx, sessionUID)
	}
	return nil, errorsx.ErrNotFound
}

func (f *fakeRepository) ListUploadSessions(ctx context.Context, limit, offset int) ([]repository.UploadSessionModel, int64, error) {
	if f.listUploadSessionsFn != nil {
		return f.listUploadSessionsFn(ctx, limit, offset)
	}
	return nil, 0, nil
}

func (f *fakeRepository) UpdateUploadSessionWithLock(ctx context.Context, sessionUID types.SessionUIDType, fn func(tx *gorm.DB, session *repository.UploadSessionModel) error) error {
	if f.updateUploadSessionWithLockFn != nil {
		return f.updateUploadSessionWithLockFn(ctx, sessionUID, fn)
	}
	return nil
}

func (f *fakeRepository) ListUploadParts(ctx context.Context, sessionUID types.SessionUIDType) ([]repository.UploadPartModel, error) {
	if f.listUploadPartsFn != nil {
		return f.listUploadPartsFn(ctx, sessionUID)
	}
	return nil, nil
}

func (f *fakeRepository) ListStaleUploadSessions(ctx context.Context, olderThan time.Time) ([]repository.UploadSessionModel, error) {
	if f.listStaleUploadSessionsFn != nil {
		return f.listStaleUploadSessionsFn(ctx, olderThan)
	}
	return nil, nil
}

func (f *fakeRepository) CreateDocument(ctx context.Context, doc *repository.DocumentModel) (*repository.DocumentModel, error) {
	if f.createDocumentFn != nil {
		return f.createDocumentFn(ctx, doc)
	}
	return doc, nil
}

func (f *fakeRepository) GetDocument(ctx context.Context, documentUID types.DocumentUIDType) (*repository.DocumentModel, error) {
	if f.getDocumentFn != nil {
		return f.getDocumentFn(ctx, documentUID)
	}
	return nil, errorsx.ErrNotFound
}

func (f *fakeRepository) UpdateDocumentStatus(ctx context.Context, documentUID types.DocumentUIDType, status types.DocumentProcessStatus, extras map[string]any) error {
	if f.updateDocumentStatusFn != nil {
		return f.updateDocumentStatusFn(ctx, documentUID, status, extras)
	}
	return nil
}

func (f *fakeRepository) ListDocumentsByStatus(ctx context.Context, status types.DocumentProcessStatus, updatedBefore time.Time) ([]repository.DocumentModel, error) {
	if f.listDocumentsByStatusFn != nil {
		return f.listDocumentsByStatusFn(ctx, status, updatedBefore)
	}
	return nil, nil
}

func (f *fakeRepository) RecordStageAttempt(ctx context.Context, documentUID types.DocumentUIDType, stage string, attempt int) error {
	if f.recordStageAttemptFn != nil {
		return f.recordStageAttemptFn(ctx, documentUID, stage, attempt)
	}
	return nil
}

func (f *fakeRepository) SetWorkflowRunID(ctx context.Context, documentUID types.DocumentUIDType, runID string) error {
	if f.setWorkflowRunIDFn != nil {
		return f.setWorkflowRunIDFn(ctx, documentUID, runID)
	}
	return nil
}

func (f *fakeRepository) DeleteAndCreateChunks(ctx context.Context, documentUID types.DocumentUIDType, chunks []repository.ChunkModel, externalServiceCall func([]repository.ChunkModel) error) ([]repository.ChunkModel, error) {
	if f.deleteAndCreateChunksFn != nil {
		return f.deleteAndCreateChunksFn(ctx, documentUID, chunks, externalServiceCall)
	}
	return chunks, nil
}

func (f *fakeRepository) ListChunksByDocument(ctx context.Context, documentUID types.DocumentUIDType) ([]repository.ChunkModel, error) {
	if f.listChunksByDocumentFn != nil {
		return f.listChunksByDocumentFn(ctx, documentUID)
	}
	return nil, nil
}

func (f *fakeRepository) GetChunkCountByDocument(ctx context.Context, documentUID types.DocumentUIDType) (int64, error) {
	if f.getChunkCountByDocumentFn != nil {
		return f.getChunkCountByDocumentFn(ctx, documentUID)
	}
	return 0, nil
}

func (f *fakeRepository) UpsertEmbeddings(ctx context.Context, documentUID types.DocumentUIDType, embeddings []repository.EmbeddingModel, externalServiceCall func([]repository.EmbeddingModel) error) ([]repository.EmbeddingModel, error) {
	if f.upsertEmbeddingsFn != nil {
		return f.upsertEmbeddingsFn(ctx, documentUID, embeddings, externalServiceCall)
	}
	return embeddings, nil
}

func (f *fakeRepository) ListEmbeddingsByDocument(ctx context.Context, documentUID types.DocumentUIDType) ([]repository.EmbeddingModel, error) {
	if f.listEmbeddingsByDocumentFn != nil {
		return f.listEmbeddingsByDocumentFn(ctx, documentUID)
	}
	return nil, nil
}

func (f *fakeRepository) GetEmbeddingCountByDocument(ctx context.Context, documentUID types.DocumentUIDType) (int64, error) {
	if f.getEmbeddingCountByDocumentFn != nil {
		return f.getEmbeddingCountByDocumentFn(ctx, documentUID)
	}
	return 0, nil
}

// fakeStorage implements object.Storage through overridable function fields.
type fakeStorage struct {
	putObjectFn               func(ctx context.Context, bucket, objectKey, contentType string, data io.Reader, size int64) error
	getObjectFn               func(ctx context.Context, bucket, objectKey string) ([]byte, error)
	removeObjectFn            func(ctx context.Context, bucket, objectKey string) error
	initMultipartUploadFn     func(ctx context.Context, bucket, objectKey, contentType string) (string, error)
	uploadPartFn              func(ctx context.Context, bucket, objectKey, uploadID string, partNumber int, data io.Reader, size int64) (string, int64, error)
	completeMultipartUploadFn func(ctx context.Context, bucket, objectKey, uploadID string, parts []object.Part) error
	abortMultipartUploadFn    func(ctx context.Context, bucket, objectKey, uploadID string) error
	listIncompleteUploadsFn   func(ctx context.Context, bucket, prefix string) ([]object.IncompleteUpload, error)
}

func (f *fakeStorage) PutObject(ctx context.Context, bucket, objectKey, contentType string, data io.Reader, size int64) error {
	if f.putObjectFn != nil {
		return f.putObjectFn(ctx, bucket, objectKey, contentType, data, size)
	}
	return nil
}

func (f *fakeStorage) GetObject(ctx context.Context, bucket, objectKey string) ([]byte, error) {
	if f.getObjectFn != nil {
		return f.getObjectFn(ctx, bucket, objectKey)
	}
	return nil, errorsx.ErrNotFound
}

func (f *fakeStorage) RemoveObject(ctx context.Context, bucket, objectKey string) error {
	if f.removeObjectFn != nil {
		return f.removeObjectFn(ctx, bucket, objectKey)
	}
	return nil
}

func (f *fakeStorage) InitMultipartUpload(ctx context.Context, bucket, objectKey, contentType string) (string, error) {
	if f.initMultipartUploadFn != nil {
		return f.initMultipartUploadFn(ctx, bucket, objectKey, contentType)
	}
	return "remote-upload-id", nil
}

func (f *fakeStorage) UploadPart(ctx context.Context, bucket, objectKey, uploadID string, partNumber int, data io.Reader, size int64) (string, int64, error) {
	if f.uploadPartFn != nil {
		return f.uploadPartFn(ctx, bucket, objectKey, uploadID, partNumber, data, size)
	}
	written, err := io.Copy(io.Discard, data)
	return "etag", written, err
}

func (f *fakeStorage) CompleteMultipartUpload(ctx context.Context, bucket, objectKey, uploadID string, parts []object.Part) error {
	if f.completeMultipartUploadFn != nil {
		return f.completeMultipartUploadFn(ctx, bucket, objectKey, uploadID, parts)
	}
	return nil
}

func (f *fakeStorage) AbortMultipartUpload(ctx context.Context, bucket, objectKey, uploadID string) error {
	if f.abortMultipartUploadFn != nil {
		return f.abortMultipartUploadFn(ctx, bucket, objectKey, uploadID)
	}
	return nil
}

func (f *fakeStorage) ListIncompleteUploads(ctx context.Context, bucket, prefix string) ([]object.IncompleteUpload, error) {
	if f.listIncompleteUploadsFn != nil {
		return f.listIncompleteUploadsFn(ctx, bucket, prefix)
	}
	return nil, nil
}

func (f *fakeStorage) GetBucket() string { return "test-bucket" }

// fakeProcessDocumentWorkflow implements ProcessDocumentWorkflow.
type fakeProcessDocumentWorkflow struct {
	executeFn func(ctx context.Context, param ProcessDocumentWorkflowParam) error
	cancelFn  func(ctx context.Context, documentUID types.DocumentUIDType) error
}

func (f *fakeProcessDocumentWorkflow) Execute(ctx context.Context, param ProcessDocumentWorkflowParam) error {
	if f.executeFn != nil {
		return f.executeFn(ctx, param)
	}
	return nil
}

func (f *fakeProcessDocumentWorkflow) Cancel(ctx context.Context, documentUID types.DocumentUIDType) error {
	if f.cancelFn != nil {
		return f.cancelFn(ctx, documentUID)
	}
	return nil
}
