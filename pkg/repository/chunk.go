package repository

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/docstream/ingest-backend/pkg/types"

	errorsx "github.com/docstream/ingest-backend/pkg/errors"
)

const (
	// ChunkTableName is the table name for text chunks
	ChunkTableName = "chunk"
)

// Chunk is the interface for the chunk repository
type Chunk interface {
	// DeleteAndCreateChunks replaces a document's chunk set in one
	// transaction, updating the document's chunk count and advancing it to
	// the embedding stage in the same unit. Downstream readers never observe
	// a partial set.
	DeleteAndCreateChunks(ctx context.Context, documentUID types.DocumentUIDType, chunks []ChunkModel, externalServiceCall func([]ChunkModel) error) ([]ChunkModel, error)
	ListChunksByDocument(ctx context.Context, documentUID types.DocumentUIDType) ([]ChunkModel, error)
	GetChunkCountByDocument(ctx context.Context, documentUID types.DocumentUIDType) (int64, error)
}

// ChunkModel is the model for the chunk table
type ChunkModel struct {
	UID types.ChunkUIDType `gorm:"column:uid;type:uuid;default:gen_random_uuid();primaryKey" json:"uid"`
	// DocumentUID ties the chunk to its document; SequenceIndex is 0-based
	// and gap-free once the chunk stage commits.
	DocumentUID   types.DocumentUIDType `gorm:"column:document_uid;type:uuid;not null" json:"document_uid"`
	SequenceIndex int                   `gorm:"column:sequence_index;not null" json:"sequence_index"`
	Text          string                `gorm:"column:text;not null" json:"text"`
	TokenCount    int                   `gorm:"column:token_count;not null;default:0" json:"token_count"`
	CreateTime    *time.Time            `gorm:"column:create_time;not null;default:CURRENT_TIMESTAMP" json:"create_time"`
}

// TableName returns the table name of the ChunkModel
func (ChunkModel) TableName() string {
	return ChunkTableName
}

// ChunkColumns is the columns for the chunk table
type ChunkColumns struct {
	UID           string
	DocumentUID   string
	SequenceIndex string
	Text          string
	TokenCount    string
}

// ChunkColumn is the column for the chunk table
var ChunkColumn = ChunkColumns{
	UID:           "uid",
	DocumentUID:   "document_uid",
	SequenceIndex: "sequence_index",
	Text:          "text",
	TokenCount:    "token_count",
}

// DeleteAndCreateChunks inserts the chunk set produced for a document.
// Previous chunks might exist, which indicates that the document is being
// reprocessed; they are deleted first so the committed set always matches one
// deterministic chunking run. A function can be passed to call external
// services within the transaction.
func (r *repository) DeleteAndCreateChunks(
	ctx context.Context,
	documentUID types.DocumentUIDType,
	chunks []ChunkModel,
	externalServiceCall func([]ChunkModel) error,
) ([]ChunkModel, error) {

	for i := range chunks {
		if chunks[i].SequenceIndex != i {
			return nil, fmt.Errorf("chunk %d carries sequence index %d: %w", i, chunks[i].SequenceIndex, errorsx.ErrInvariantViolation)
		}
	}

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		whereDoc := fmt.Sprintf("%s = ?", ChunkColumn.DocumentUID)

		// Embeddings reference chunk rows, so a reprocessing run clears them
		// first.
		if err := tx.Where(fmt.Sprintf("%s = ?", EmbeddingColumn.DocumentUID), documentUID).Delete(&EmbeddingModel{}).Error; err != nil {
			return fmt.Errorf("deleting existing embeddings: %w", err)
		}
		if err := tx.Where(whereDoc, documentUID).Delete(&ChunkModel{}).Error; err != nil {
			return fmt.Errorf("deleting existing chunks: %w", err)
		}

		if len(chunks) > 0 {
			if err := tx.Create(&chunks).Error; err != nil {
				return fmt.Errorf("creating chunks: %w", err)
			}
		}

		err := tx.Model(&DocumentModel{}).
			Where(fmt.Sprintf("%s = ?", DocumentColumn.UID), documentUID).
			Updates(map[string]any{
				DocumentColumn.ChunkCount:    len(chunks),
				DocumentColumn.ProcessStatus: types.DocumentProcessStatusEmbedding,
			}).Error
		if err != nil {
			return fmt.Errorf("updating document chunk count: %w", err)
		}

		if externalServiceCall != nil {
			if err := externalServiceCall(chunks); err != nil {
				return fmt.Errorf("calling external service: %w", err)
			}
		}

		return nil
	})

	if err != nil {
		return nil, fmt.Errorf("transaction failed: %w", err)
	}

	return chunks, nil
}

// ListChunksByDocument fetches a document's chunks in sequence order.
func (r *repository) ListChunksByDocument(ctx context.Context, documentUID types.DocumentUIDType) ([]ChunkModel, error) {
	var chunks []ChunkModel
	err := r.db.WithContext(ctx).
		Where(fmt.Sprintf("%s = ?", ChunkColumn.DocumentUID), documentUID).
		Order(fmt.Sprintf("%s ASC", ChunkColumn.SequenceIndex)).
		Find(&chunks).Error
	if err != nil {
		return nil, fmt.Errorf("listing chunks: %w", err)
	}
	return chunks, nil
}

// GetChunkCountByDocument returns the number of committed chunks.
func (r *repository) GetChunkCountByDocument(ctx context.Context, documentUID types.DocumentUIDType) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&ChunkModel{}).
		Where(fmt.Sprintf("%s = ?", ChunkColumn.DocumentUID), documentUID).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("counting chunks: %w", err)
	}
	return count, nil
}
