package service

import (
	"context"
	"io"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/docstream/ingest-backend/pkg/ai"
	"github.com/docstream/ingest-backend/pkg/repository"
	"github.com/docstream/ingest-backend/pkg/repository/object"
	"github.com/docstream/ingest-backend/pkg/types"
)

// ProcessDocumentWorkflowParam defines the parameters for the
// ProcessDocumentWorkflow
type ProcessDocumentWorkflowParam struct {
	DocumentUID types.DocumentUIDType
}

// ProcessDocumentWorkflow decouples the service from the workflow engine.
// The worker package provides the implementation bound to a Temporal client.
type ProcessDocumentWorkflow interface {
	// Execute enqueues the pipeline for a document. Idempotent: re-enqueuing
	// a document whose run already exists is a no-op.
	Execute(ctx context.Context, param ProcessDocumentWorkflowParam) error
	// Cancel requests an administrative halt of a running pipeline. Already
	// finished or unknown runs are not an error.
	Cancel(ctx context.Context, documentUID types.DocumentUIDType) error
}

// InitSessionParam carries the client-declared attributes of a new upload.
type InitSessionParam struct {
	Filename    string
	ContentType string
	SizeHint    int64
	Metadata    map[string]string
}

// UploadPartParam identifies one part of a multipart upload. Content is
// streamed, never buffered whole.
type UploadPartParam struct {
	SessionUID     types.SessionUIDType
	PartNumber     int
	Content        io.Reader
	DeclaredLength int64
}

// PartAck acknowledges an accepted part.
type PartAck struct {
	PartNumber int    `json:"part_number"`
	Size       int64  `json:"size"`
	Checksum   string `json:"checksum"`
	ETag       string `json:"etag"`
}

// UploadDocumentParam carries a single-shot upload.
type UploadDocumentParam struct {
	Filename      string
	ContentType   string
	Content       io.Reader
	ContentLength int64
	Metadata      map[string]string
}

// Service defines the ingestion domain use cases.
type Service interface {
	// Upload session lifecycle
	InitSession(ctx context.Context, param InitSessionParam) (*repository.UploadSessionModel, error)
	UploadPart(ctx context.Context, param UploadPartParam) (*PartAck, error)
	CompleteSession(ctx context.Context, sessionUID types.SessionUIDType) (types.DocumentUIDType, error)
	AbortUpload(ctx context.Context, sessionUID types.SessionUIDType) error
	UploadDocument(ctx context.Context, param UploadDocumentParam) (*UploadStatusView, error)

	// Status projection (read-only)
	GetUploadStatus(ctx context.Context, sessionUID types.SessionUIDType) (*UploadStatusView, error)
	ListUploads(ctx context.Context, limit, offset int) ([]UploadStatusView, int64, error)

	// Reconciliation support, consumed by the background sweep.
	AbortStaleSessions(ctx context.Context) (aborted int, _ error)

	Repository() repository.Repository
	Storage() object.Storage
	VectorDB() repository.VectorDatabase
	AI() ai.Client
	RedisClient() *redis.Client
	ProcessDocumentWorkflow() ProcessDocumentWorkflow
}

// Config bundles the dependencies and tunables of the service.
type Config struct {
	Repository              repository.Repository
	Storage                 object.Storage
	VectorDB                repository.VectorDatabase
	AI                      ai.Client
	RedisClient             *redis.Client
	ProcessDocumentWorkflow ProcessDocumentWorkflow

	// MinPartSize is the multipart part-size floor.
	MinPartSize int64
	// MaxSingleStreamSize caps single-shot uploads.
	MaxSingleStreamSize int64
	// StaleSessionTimeout bounds how long an open session may go without
	// progress before the sweep aborts it.
	StaleSessionTimeout time.Duration
}

type service struct {
	repository              repository.Repository
	storage                 object.Storage
	vectorDB                repository.VectorDatabase
	aiClient                ai.Client
	redisClient             *redis.Client
	processDocumentWorkflow ProcessDocumentWorkflow

	minPartSize         int64
	maxSingleStreamSize int64
	staleSessionTimeout time.Duration
}

// NewService initiates a service instance
func NewService(cfg Config) Service {
	return &service{
		repository:              cfg.Repository,
		storage:                 cfg.Storage,
		vectorDB:                cfg.VectorDB,
		aiClient:                cfg.AI,
		redisClient:             cfg.RedisClient,
		processDocumentWorkflow: cfg.ProcessDocumentWorkflow,
		minPartSize:             cfg.MinPartSize,
		maxSingleStreamSize:     cfg.MaxSingleStreamSize,
		staleSessionTimeout:     cfg.StaleSessionTimeout,
	}
}

func (s *service) Repository() repository.Repository        { return s.repository }
func (s *service) Storage() object.Storage                  { return s.storage }
func (s *service) VectorDB() repository.VectorDatabase      { return s.vectorDB }
func (s *service) AI() ai.Client                            { return s.aiClient }
func (s *service) RedisClient() *redis.Client               { return s.redisClient }
func (s *service) ProcessDocumentWorkflow() ProcessDocumentWorkflow {
	return s.processDocumentWorkflow
}
