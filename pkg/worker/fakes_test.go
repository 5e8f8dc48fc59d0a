package worker

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/docstream/ingest-backend/pkg/ai"
	"github.com/docstream/ingest-backend/pkg/repository"
	"github.com/docstream/ingest-backend/pkg/repository/object"
	"github.com/docstream/ingest-backend/pkg/service"
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

// fakeStorage is an in-memory object.Storage. Objects live in a map keyed by
// bucket/objectKey.
type fakeStorage struct {
	mu      sync.Mutex
	objects map[string][]byte

	getObjectFn             func(ctx context.Context, bucket, objectKey string) ([]byte, error)
	listIncompleteUploadsFn func(ctx context.Context, bucket, prefix string) ([]object.IncompleteUpload, error)
	abortMultipartUploadFn  func(ctx context.Context, bucket, objectKey, uploadID string) error
}

func newFakeStorage() *fakeStorage {
	return &fakeStorage{objects: map[string][]byte{}}
}

func (f *fakeStorage) key(bucket, objectKey string) string { return bucket + "/" + objectKey }

func (f *fakeStorage) setObject(bucket, objectKey string, content []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[f.key(bucket, objectKey)] = content
}

func (f *fakeStorage) PutObject(_ context.Context, bucket, objectKey, _ string, data io.Reader, _ int64) error {
	content, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	f.setObject(bucket, objectKey, content)
	return nil
}

func (f *fakeStorage) GetObject(ctx context.Context, bucket, objectKey string) ([]byte, error) {
	if f.getObjectFn != nil {
		return f.getObjectFn(ctx, bucket, objectKey)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	content, ok := f.objects[f.key(bucket, objectKey)]
	if !ok {
		return nil, errorsx.ErrNotFound
	}
	return content, nil
}

func (f *fakeStorage) RemoveObject(_ context.Context, bucket, objectKey string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, f.key(bucket, objectKey))
	return nil
}

func (f *fakeStorage) InitMultipartUpload(context.Context, string, string, string) (string, error) {
	return "remote-upload-id", nil
}

func (f *fakeStorage) UploadPart(_ context.Context, _, _, _ string, _ int, data io.Reader, _ int64) (string, int64, error) {
	written, err := io.Copy(io.Discard, data)
	return "etag", written, err
}

func (f *fakeStorage) CompleteMultipartUpload(context.Context, string, string, string, []object.Part) error {
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

// fakeVectorDB records vector operations.
type fakeVectorDB struct {
	mu       sync.Mutex
	upserted []repository.VectorEmbedding
	deleted  []types.DocumentUIDType
	flushed  int
}

func (f *fakeVectorDB) CreateCollection(context.Context, string, uint32) error { return nil }

func (f *fakeVectorDB) UpsertVectorsInCollection(_ context.Context, _ string, embeddings []repository.VectorEmbedding) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upserted = append(f.upserted, embeddings...)
	return nil
}

func (f *fakeVectorDB) DeleteVectorsByDocumentUID(_ context.Context, _ string, documentUID types.DocumentUIDType) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, documentUID)
	return nil
}

func (f *fakeVectorDB) FlushCollection(context.Context, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flushed++
	return nil
}

func (f *fakeVectorDB) CollectionExists(context.Context, string) (bool, error) { return true, nil }

// fakeAIClient returns one deterministic vector per text: its single component
// is the text length, which lets tests assert input order end to end.
type fakeAIClient struct {
	mu    sync.Mutex
	calls int

	embedTextsFn func(ctx context.Context, texts []string) (*ai.EmbedResult, error)
}

func (f *fakeAIClient) EmbedTexts(ctx context.Context, texts []string) (*ai.EmbedResult, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()

	if f.embedTextsFn != nil {
		return f.embedTextsFn(ctx, texts)
	}

	vectors := make([][]float32, len(texts))
	for i, text := range texts {
		vectors[i] = []float32{float32(len(text))}
	}
	return &ai.EmbedResult{
		Vectors:        vectors,
		Model:          "fake-embed-1",
		Dimensionality: 1,
	}, nil
}

func (f *fakeAIClient) Dimensionality() int { return 1 }

func (f *fakeAIClient) Close() error { return nil }

func (f *fakeAIClient) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// fakeProcessDocumentWorkflow implements service.ProcessDocumentWorkflow.
type fakeProcessDocumentWorkflow struct {
	executeFn func(ctx context.Context, param service.ProcessDocumentWorkflowParam) error
	cancelFn  func(ctx context.Context, documentUID types.DocumentUIDType) error
}

func (f *fakeProcessDocumentWorkflow) Execute(ctx context.Context, param service.ProcessDocumentWorkflowParam) error {
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

// fakeService implements the slice of service.Service the worker consumes.
type fakeService struct {
	repo     repository.Repository
	storage  object.Storage
	vectorDB repository.VectorDatabase
	aiClient ai.Client
	workflow service.ProcessDocumentWorkflow

	abortStaleSessionsFn func(ctx context.Context) (int, error)
}

func (f *fakeService) InitSession(context.Context, service.InitSessionParam) (*repository.UploadSessionModel, error) {
	return nil, errorsx.ErrNotFound
}

func (f *fakeService) UploadPart(context.Context, service.UploadPartParam) (*service.PartAck, error) {
	return nil, errorsx.ErrNotFound
}

func (f *fakeService) CompleteSession(context.Context, types.SessionUIDType) (types.DocumentUIDType, error) {
	return types.DocumentUIDType{}, errorsx.ErrNotFound
}

func (f *fakeService) AbortUpload(context.Context, types.SessionUIDType) error {
	return errorsx.ErrNotFound
}

func (f *fakeService) UploadDocument(context.Context, service.UploadDocumentParam) (*service.UploadStatusView, error) {
	return nil, errorsx.ErrNotFound
}

func (f *fakeService) GetUploadStatus(context.Context, types.SessionUIDType) (*service.UploadStatusView, error) {
	return nil, errorsx.ErrNotFound
}

func (f *fakeService) ListUploads(context.Context, int, int) ([]service.UploadStatusView, int64, error) {
	return nil, 0, nil
}

func (f *fakeService) AbortStaleSessions(ctx context.Context) (int, error) {
	if f.abortStaleSessionsFn != nil {
		return f.abortStaleSessionsFn(ctx)
	}
	return 0, nil
}

func (f *fakeService) Repository() repository.Repository   { return f.repo }
func (f *fakeService) Storage() object.Storage             { return f.storage }
func (f *fakeService) VectorDB() repository.VectorDatabase { return f.vectorDB }
func (f *fakeService) AI() ai.Client                       { return f.aiClient }
func (f *fakeService) RedisClient() *redis.Client          { return nil }

func (f *fakeService) ProcessDocumentWorkflow() service.ProcessDocumentWorkflow { return f.workflow }

// runeTokenizer maps every rune to one token, keeping chunk boundaries
// predictable without the BPE tables.
type runeTokenizer struct{}

func (runeTokenizer) Encode(text string) []int {
	runes := []rune(text)
	tokens := make([]int, len(runes))
	for i, r := range runes {
		tokens[i] = int(r)
	}
	return tokens
}

func (runeTokenizer) Decode(tokens []int) string {
	runes := make([]rune, len(tokens))
	for i, tok := range tokens {
		runes[i] = rune(tok)
	}
	return string(runes)
}
