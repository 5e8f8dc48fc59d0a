package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"

	"github.com/docstream/ingest-backend/pkg/logger"
	"github.com/docstream/ingest-backend/pkg/types"
)

// VectorEmbedding is a vector representation of one chunk, addressed to the
// vector database. The embedding UID keys the upsert so re-execution of the
// store stage overwrites instead of duplicating.
type VectorEmbedding struct {
	EmbeddingUID string
	ChunkUID     string
	DocumentUID  types.DocumentUIDType
	Vector       []float32
}

// VectorDatabase implements the necessary use cases to interact with a vector
// database (e.g., Milvus).
type VectorDatabase interface {
	CreateCollection(_ context.Context, id string, dimensionality uint32) error
	UpsertVectorsInCollection(_ context.Context, collID string, embeddings []VectorEmbedding) error
	DeleteVectorsByDocumentUID(_ context.Context, collID string, documentUID types.DocumentUIDType) error
	// FlushCollection flushes a collection to persist data immediately
	FlushCollection(_ context.Context, collID string) error
	// CollectionExists checks if a collection exists in the vector database
	CollectionExists(_ context.Context, collID string) (bool, error)
}

// DocumentCollectionName is the single collection holding all document
// embeddings.
const DocumentCollectionName = "document_embedding"

// Milvus implementation constants
const (
	scanNList  = 1024
	metricType = entity.COSINE
	withRaw    = true

	collectionFieldEmbeddingUID = "embedding_uid"
	collectionFieldChunkUID     = "chunk_uid"
	collectionFieldDocumentUID  = "document_uid"
	collectionFieldEmbedding    = "embedding"
)

type milvusClient struct {
	c client.Client
}

// NewVectorDatabase returns a VectorDatabase implementation (milvus).
func NewVectorDatabase(ctx context.Context, host, port string) (db VectorDatabase, closeFn func() error, _ error) {
	c, err := client.NewGrpcClient(ctx, host+":"+port)
	if err != nil {
		return nil, nil, err
	}

	return &milvusClient{
		c: c,
	}, c.Close, nil
}

func (m *milvusClient) CreateCollection(ctx context.Context, collectionName string, dimensionality uint32) error {
	log, _ := logger.GetZapLogger(ctx)
	log = log.With(zap.String("collection_name", collectionName), zap.Uint32("dimensionality", dimensionality))

	has, err := m.c.HasCollection(ctx, collectionName)
	if err != nil {
		return fmt.Errorf("checking collection existence: %w", err)
	}
	if has {
		log.Info("Skipping collection creation: already exists.")
		return nil
	}

	vectorDimStr := fmt.Sprintf("%d", dimensionality)
	schema := &entity.Schema{
		CollectionName: collectionName,
		Fields: []*entity.Field{
			{Name: collectionFieldEmbeddingUID, DataType: entity.FieldTypeVarChar, PrimaryKey: true, TypeParams: map[string]string{"max_length": "255"}},
			{Name: collectionFieldChunkUID, DataType: entity.FieldTypeVarChar, TypeParams: map[string]string{"max_length": "255"}},
			{Name: collectionFieldDocumentUID, DataType: entity.FieldTypeVarChar, TypeParams: map[string]string{"max_length": "255"}},
			{Name: collectionFieldEmbedding, DataType: entity.FieldTypeFloatVector, TypeParams: map[string]string{"dim": vectorDimStr}},
		},
	}

	err = m.c.CreateCollection(ctx, schema, 1)
	if err != nil {
		return fmt.Errorf("creating collection: %w", err)
	}

	vectorIdx, err := entity.NewIndexSCANN(metricType, scanNList, withRaw)
	if err != nil {
		return fmt.Errorf("building index: %w", err)
	}

	for field, idx := range map[string]entity.Index{
		collectionFieldEmbedding:   vectorIdx,
		collectionFieldDocumentUID: entity.NewScalarIndexWithType(entity.Inverted),
	} {
		err = m.c.CreateIndex(ctx, collectionName, field, idx, false)
		if err != nil {
			return fmt.Errorf("creating index for field %s: %w", field, err)
		}
	}

	log.Info("Collection created successfully.")
	return nil
}

func (m *milvusClient) UpsertVectorsInCollection(ctx context.Context, collectionName string, embeddings []VectorEmbedding) error {
	log, _ := logger.GetZapLogger(ctx)
	log = log.With(zap.String("collection_name", collectionName))

	if len(embeddings) == 0 {
		return nil
	}

	collection, err := m.c.DescribeCollection(ctx, collectionName)
	if err != nil {
		return fmt.Errorf("describing collection: %w", err)
	}

	var vectorDim int
	for _, field := range collection.Schema.Fields {
		if field.Name == collectionFieldEmbedding {
			if dimStr, ok := field.TypeParams["dim"]; ok {
				if _, err := fmt.Sscanf(dimStr, "%d", &vectorDim); err != nil {
					return fmt.Errorf("failed to parse vector dimension: %w", err)
				}
			}
			break
		}
	}
	if vectorDim == 0 {
		return fmt.Errorf("could not determine vector dimension from collection schema")
	}

	vectorCount := len(embeddings)
	embeddingUIDs := make([]string, vectorCount)
	chunkUIDs := make([]string, vectorCount)
	documentUIDs := make([]string, vectorCount)
	vectors := make([][]float32, vectorCount)

	for i, embedding := range embeddings {
		embeddingUIDs[i] = embedding.EmbeddingUID
		chunkUIDs[i] = embedding.ChunkUID
		documentUIDs[i] = embedding.DocumentUID.String()
		vectors[i] = embedding.Vector
	}

	columns := []entity.Column{
		entity.NewColumnVarChar(collectionFieldEmbeddingUID, embeddingUIDs),
		entity.NewColumnVarChar(collectionFieldChunkUID, chunkUIDs),
		entity.NewColumnVarChar(collectionFieldDocumentUID, documentUIDs),
		entity.NewColumnFloatVector(collectionFieldEmbedding, vectorDim, vectors),
	}

	// Upsert with retry. Transient broker errors shouldn't fail the whole
	// store transaction immediately.
	maxRetries := 3
	for attempt := 1; attempt <= maxRetries; attempt++ {
		_, err = m.c.Upsert(ctx, collectionName, "", columns...)
		if err == nil {
			break
		}
		log.Warn("Failed to upsert vectors, retrying", zap.Int("attempt", attempt), zap.Error(err))
		time.Sleep(time.Second * time.Duration(attempt))
	}
	if err != nil {
		return fmt.Errorf("upserting vectors: %w", err)
	}

	log.Info("Successfully upserted vectors", zap.Int("count", vectorCount))
	return nil
}

// DeleteVectorsByDocumentUID removes all vectors of a document, used on
// administrative deletion.
func (m *milvusClient) DeleteVectorsByDocumentUID(ctx context.Context, collectionName string, documentUID types.DocumentUIDType) error {
	has, err := m.c.HasCollection(ctx, collectionName)
	if err != nil {
		return fmt.Errorf("checking collection existence: %w", err)
	}
	if !has {
		return nil
	}

	expr := fmt.Sprintf(`%s == "%s"`, collectionFieldDocumentUID, strings.ReplaceAll(documentUID.String(), `"`, ""))
	if err := m.c.Delete(ctx, collectionName, "", expr); err != nil {
		return fmt.Errorf("deleting vectors: %w", err)
	}
	return nil
}

// FlushCollection flushes a collection to persist all data immediately
func (m *milvusClient) FlushCollection(ctx context.Context, collectionName string) error {
	has, err := m.c.HasCollection(ctx, collectionName)
	if err != nil {
		return fmt.Errorf("checking collection existence: %w", err)
	}
	if !has {
		return fmt.Errorf("collection %s does not exist", collectionName)
	}

	if err := m.c.Flush(ctx, collectionName, false); err != nil {
		return fmt.Errorf("flushing collection: %w", err)
	}
	return nil
}

// CollectionExists checks if a collection exists in the vector database
func (m *milvusClient) CollectionExists(ctx context.Context, collectionName string) (bool, error) {
	has, err := m.c.HasCollection(ctx, collectionName)
	if err != nil {
		return false, fmt.Errorf("checking collection existence: %w", err)
	}
	return has, nil
}
