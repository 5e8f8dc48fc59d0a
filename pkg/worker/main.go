package worker

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/docstream/ingest-backend/pkg/ai"
	"github.com/docstream/ingest-backend/pkg/repository"
	"github.com/docstream/ingest-backend/pkg/repository/object"
	"github.com/docstream/ingest-backend/pkg/service"
)

// TaskQueue is the Temporal task queue name for all workflows and activities.
const TaskQueue = "document-processing"

// TextChunkSize and TextChunkOverlap control the token windows produced by the
// chunking stage. Chunking is a pure function of the text and these two
// values, so a retried run reproduces identical chunk boundaries.
const (
	TextChunkSize    = 1000
	TextChunkOverlap = 200
)

// EmbeddingBatchSize controls how many texts go into one embedding request. A
// failed batch retries alone without invalidating its siblings.
const EmbeddingBatchSize = 50

// ActivityTimeoutStandard covers DB and object-store activities.
// ActivityTimeoutLong covers extraction and embedding calls.
const (
	ActivityTimeoutStandard = 5 * time.Minute
	ActivityTimeoutLong     = 10 * time.Minute
)

// Retry policy shared by all stage activities. After RetryMaximumAttempts the
// workflow marks the document FAILED with the last cause recorded.
const (
	RetryInitialInterval         = 1 * time.Second
	RetryBackoffCoefficient      = 2.0
	RetryMaximumIntervalStandard = 30 * time.Second
	RetryMaximumIntervalLong     = 100 * time.Second
	RetryMaximumAttempts         = 5
)

// Config defines the configuration for the worker
type Config struct {
	Service service.Service
}

// Worker implements the Temporal worker with all workflows and activities
type Worker struct {
	service    service.Service
	repository repository.Repository
	storage    object.Storage
	vectorDB   repository.VectorDatabase
	aiClient   ai.Client
	chunker    *service.TokenChunker
	log        *zap.Logger
}

// New creates a new worker instance
func New(config Config, log *zap.Logger) (*Worker, error) {
	tokenizer, err := service.NewTiktokenTokenizer()
	if err != nil {
		return nil, fmt.Errorf("initializing tokenizer: %w", err)
	}
	chunker, err := service.NewTokenChunker(tokenizer, TextChunkSize, TextChunkOverlap)
	if err != nil {
		return nil, fmt.Errorf("initializing chunker: %w", err)
	}

	w := &Worker{
		service:    config.Service,
		repository: config.Service.Repository(),
		storage:    config.Service.Storage(),
		vectorDB:   config.Service.VectorDB(),
		aiClient:   config.Service.AI(),
		chunker:    chunker,
		log:        log,
	}
	return w, nil
}

// SetService updates the worker's service instance.
// This is used during initialization to resolve the circular dependency
// between Worker, workflow wrappers, and Service.
func (w *Worker) SetService(svc service.Service) {
	w.service = svc
	w.repository = svc.Repository()
	w.storage = svc.Storage()
	w.vectorDB = svc.VectorDB()
	w.aiClient = svc.AI()
}
