package repository

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/docstream/ingest-backend/pkg/types"
)

const (
	// EmbeddingTableName is the table name for embeddings
	EmbeddingTableName = "embedding"
)

// Embedding is the interface for the embedding repository
type Embedding interface {
	// UpsertEmbeddings commits a document's embedding rows keyed by chunk
	// UID, updating the document's embedding count and marking it completed
	// in the same transaction. Re-execution overwrites instead of
	// duplicating. A function is passed as an argument as a way to call
	// external services (i.e., the vector database) within the transaction.
	UpsertEmbeddings(ctx context.Context, documentUID types.DocumentUIDType, embeddings []EmbeddingModel, externalServiceCall func([]EmbeddingModel) error) ([]EmbeddingModel, error)
	ListEmbeddingsByDocument(ctx context.Context, documentUID types.DocumentUIDType) ([]EmbeddingModel, error)
	GetEmbeddingCountByDocument(ctx context.Context, documentUID types.DocumentUIDType) (int64, error)
}

// EmbeddingModel is the model for the embedding table
type EmbeddingModel struct {
	UID             types.EmbeddingUIDType `gorm:"column:uid;type:uuid;default:gen_random_uuid();primaryKey" json:"uid"`
	DocumentUID     types.DocumentUIDType  `gorm:"column:document_uid;type:uuid;not null" json:"document_uid"`
	ChunkUID        types.ChunkUIDType     `gorm:"column:chunk_uid;type:uuid;not null" json:"chunk_uid"`
	Vector          Vector                 `gorm:"column:vector;type:jsonb;not null" json:"vector"`
	ModelIdentifier string                 `gorm:"column:model_identifier;size:255;not null" json:"model_identifier"`
	CreateTime      *time.Time             `gorm:"column:create_time;not null;default:CURRENT_TIMESTAMP" json:"create_time"`
	UpdateTime      *time.Time             `gorm:"column:update_time;not null;default:CURRENT_TIMESTAMP;autoUpdateTime" json:"update_time"`
}

// Vector is the type for the vector column
type Vector []float32

// Value implements the driver.Valuer interface
func (v Vector) Value() (driver.Value, error) {
	if v == nil {
		return nil, nil
	}
	r, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(r), nil
}

// Scan implements the sql.Scanner interface
func (v *Vector) Scan(value any) error {
	if value == nil {
		*v = nil
		return nil
	}

	b, ok := value.([]byte)
	if !ok {
		return fmt.Errorf("type assertion to []byte failed")
	}

	return json.Unmarshal(b, v)
}

// EmbeddingColumns is the columns for the embedding table
type EmbeddingColumns struct {
	UID             string
	DocumentUID     string
	ChunkUID        string
	Vector          string
	ModelIdentifier string
	UpdateTime      string
}

// EmbeddingColumn is the column for the embedding table
var EmbeddingColumn = EmbeddingColumns{
	UID:             "uid",
	DocumentUID:     "document_uid",
	ChunkUID:        "chunk_uid",
	Vector:          "vector",
	ModelIdentifier: "model_identifier",
	UpdateTime:      "update_time",
}

// TableName returns the table name of the Embedding
func (EmbeddingModel) TableName() string {
	return EmbeddingTableName
}

// UpsertEmbeddings writes the embedding rows for a document. Either all rows
// commit or none do, and the document transitions to COMPLETED in the same
// unit so the status projection never reports a partially-stored document as
// done.
func (r *repository) UpsertEmbeddings(
	ctx context.Context,
	documentUID types.DocumentUIDType,
	embeddings []EmbeddingModel,
	externalServiceCall func([]EmbeddingModel) error,
) ([]EmbeddingModel, error) {

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if len(embeddings) > 0 {
			err := tx.Clauses(clause.OnConflict{
				Columns: []clause.Column{{Name: EmbeddingColumn.ChunkUID}},
				DoUpdates: clause.AssignmentColumns([]string{
					EmbeddingColumn.Vector,
					EmbeddingColumn.ModelIdentifier,
					EmbeddingColumn.UpdateTime,
				}),
			}).Create(&embeddings).Error
			if err != nil {
				return fmt.Errorf("upserting embeddings: %w", err)
			}
		}

		err := tx.Model(&DocumentModel{}).
			Where(fmt.Sprintf("%s = ?", DocumentColumn.UID), documentUID).
			Updates(map[string]any{
				DocumentColumn.EmbeddingCount: len(embeddings),
				DocumentColumn.ProcessStatus:  types.DocumentProcessStatusCompleted,
			}).Error
		if err != nil {
			return fmt.Errorf("updating document embedding count: %w", err)
		}

		if externalServiceCall != nil {
			if err := externalServiceCall(embeddings); err != nil {
				return fmt.Errorf("calling external service: %w", err)
			}
		}

		return nil
	})

	if err != nil {
		return nil, fmt.Errorf("transaction failed: %w", err)
	}

	return embeddings, nil
}

// ListEmbeddingsByDocument fetches embeddings by their document UID.
func (r *repository) ListEmbeddingsByDocument(ctx context.Context, documentUID types.DocumentUIDType) ([]EmbeddingModel, error) {
	var embeddings []EmbeddingModel
	err := r.db.WithContext(ctx).
		Where(fmt.Sprintf("%s = ?", EmbeddingColumn.DocumentUID), documentUID).
		Find(&embeddings).Error
	if err != nil {
		return nil, fmt.Errorf("listing embeddings: %w", err)
	}
	return embeddings, nil
}

// GetEmbeddingCountByDocument returns the count of embeddings for a document
func (r *repository) GetEmbeddingCountByDocument(ctx context.Context, documentUID types.DocumentUIDType) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&EmbeddingModel{}).
		Where(fmt.Sprintf("%s = ?", EmbeddingColumn.DocumentUID), documentUID).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("counting embeddings: %w", err)
	}
	return count, nil
}
