package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/docstream/ingest-backend/pkg/types"

	errorsx "github.com/docstream/ingest-backend/pkg/errors"
)

const (
	// DocumentTableName is the table name for documents
	DocumentTableName = "document"
)

// Document is the interface for the document repository
type Document interface {
	CreateDocument(ctx context.Context, doc *DocumentModel) (*DocumentModel, error)
	GetDocument(ctx context.Context, documentUID types.DocumentUIDType) (*DocumentModel, error)
	// UpdateDocumentStatus advances the processing status, enforcing the
	// monotonic stage order. extras are additional column assignments
	// committed in the same statement as the transition.
	UpdateDocumentStatus(ctx context.Context, documentUID types.DocumentUIDType, status types.DocumentProcessStatus, extras map[string]any) error
	// ListDocumentsByStatus returns documents sitting in the given status whose
	// last update predates the threshold, oldest first.
	ListDocumentsByStatus(ctx context.Context, status types.DocumentProcessStatus, updatedBefore time.Time) ([]DocumentModel, error)
	RecordStageAttempt(ctx context.Context, documentUID types.DocumentUIDType, stage string, attempt int) error
	SetWorkflowRunID(ctx context.Context, documentUID types.DocumentUIDType, runID string) error
}

// ProcessError is the structured cause recorded when a document fails.
type ProcessError struct {
	Stage      string    `json:"stage"`
	Code       string    `json:"code"`
	Message    string    `json:"message"`
	RecordTime time.Time `json:"record_time"`
}

// DocumentModel is the model for the document table. Its UID equals the UID
// of the upload session the document originated from.
type DocumentModel struct {
	UID              types.DocumentUIDType       `gorm:"column:uid;type:uuid;primaryKey" json:"uid"`
	Bucket           string                      `gorm:"column:bucket;size:255;not null" json:"bucket"`
	ObjectKey        string                      `gorm:"column:object_key;size:2048;not null" json:"object_key"`
	Metadata         datatypes.JSON              `gorm:"column:metadata;type:jsonb" json:"metadata"`
	ProcessStatus    types.DocumentProcessStatus `gorm:"column:process_status;size:32;not null;default:'QUEUED'" json:"process_status"`
	WorkflowRunID    string                      `gorm:"column:workflow_run_id;size:255;not null;default:''" json:"workflow_run_id"`
	LastError        datatypes.JSON              `gorm:"column:last_error;type:jsonb" json:"last_error"`
	AttemptCounts    datatypes.JSON              `gorm:"column:attempt_counts;type:jsonb" json:"attempt_counts"`
	ExtractedTextKey string                      `gorm:"column:extracted_text_key;size:2048;not null;default:''" json:"extracted_text_key"`
	ChunkCount       int                         `gorm:"column:chunk_count;not null;default:0" json:"chunk_count"`
	EmbeddingCount   int                         `gorm:"column:embedding_count;not null;default:0" json:"embedding_count"`
	CreateTime       *time.Time                  `gorm:"column:create_time;not null;default:CURRENT_TIMESTAMP" json:"create_time"`
	UpdateTime       *time.Time                  `gorm:"column:update_time;not null;default:CURRENT_TIMESTAMP;autoUpdateTime" json:"update_time"`
}

// TableName returns the table name of the DocumentModel
func (DocumentModel) TableName() string {
	return DocumentTableName
}

// DocumentColumns is the columns for the document table
type DocumentColumns struct {
	UID              string
	ProcessStatus    string
	LastError        string
	AttemptCounts    string
	ExtractedTextKey string
	ChunkCount       string
	EmbeddingCount   string
	WorkflowRunID    string
	UpdateTime       string
}

// DocumentColumn is the column for the document table
var DocumentColumn = DocumentColumns{
	UID:              "uid",
	ProcessStatus:    "process_status",
	LastError:        "last_error",
	AttemptCounts:    "attempt_counts",
	ExtractedTextKey: "extracted_text_key",
	ChunkCount:       "chunk_count",
	EmbeddingCount:   "embedding_count",
	WorkflowRunID:    "workflow_run_id",
	UpdateTime:       "update_time",
}

// CreateDocument inserts the document record, tolerating re-delivery of the
// completion signal: an existing row with the same UID is returned as is.
func (r *repository) CreateDocument(ctx context.Context, doc *DocumentModel) (*DocumentModel, error) {
	if doc.ProcessStatus == "" {
		doc.ProcessStatus = types.DocumentProcessStatusQueued
	}
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: DocumentColumn.UID}},
		DoNothing: true,
	}).Create(doc).Error
	if err != nil {
		return nil, fmt.Errorf("creating document: %w", err)
	}
	return r.GetDocument(ctx, doc.UID)
}

// GetDocument fetches a document by UID.
func (r *repository) GetDocument(ctx context.Context, documentUID types.DocumentUIDType) (*DocumentModel, error) {
	var doc DocumentModel
	if err := r.db.WithContext(ctx).Where(fmt.Sprintf("%s = ?", DocumentColumn.UID), documentUID).First(&doc).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("fetching document: %w", errorsx.ErrNotFound)
		}
		return nil, fmt.Errorf("fetching document: %w", err)
	}
	return &doc, nil
}

// UpdateDocumentStatus performs a guarded transition. The status column is
// re-checked inside the transaction so concurrent writers can't regress the
// lifecycle.
func (r *repository) UpdateDocumentStatus(
	ctx context.Context,
	documentUID types.DocumentUIDType,
	status types.DocumentProcessStatus,
	extras map[string]any,
) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var doc DocumentModel
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where(fmt.Sprintf("%s = ?", DocumentColumn.UID), documentUID).
			First(&doc).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("fetching document for transition: %w", errorsx.ErrNotFound)
			}
			return fmt.Errorf("fetching document for transition: %w", err)
		}

		if !types.CanTransitionDocument(doc.ProcessStatus, status) {
			return fmt.Errorf("transition %s -> %s: %w", doc.ProcessStatus, status, errorsx.ErrStateMismatch)
		}

		updates := map[string]any{DocumentColumn.ProcessStatus: status}
		for k, v := range extras {
			updates[k] = v
		}

		err = tx.Model(&DocumentModel{}).
			Where(fmt.Sprintf("%s = ?", DocumentColumn.UID), documentUID).
			Updates(updates).Error
		if err != nil {
			return fmt.Errorf("updating document status: %w", err)
		}
		return nil
	})
}

// ListDocumentsByStatus returns documents stuck in a status past the
// threshold. The reconciliation sweep uses it to re-enqueue QUEUED documents
// whose completion signal was lost.
func (r *repository) ListDocumentsByStatus(ctx context.Context, status types.DocumentProcessStatus, updatedBefore time.Time) ([]DocumentModel, error) {
	var docs []DocumentModel
	err := r.db.WithContext(ctx).
		Where(fmt.Sprintf("%s = ?", DocumentColumn.ProcessStatus), status).
		Where(fmt.Sprintf("%s < ?", DocumentColumn.UpdateTime), updatedBefore).
		Order(fmt.Sprintf("%s ASC", DocumentColumn.UpdateTime)).
		Find(&docs).Error
	if err != nil {
		return nil, fmt.Errorf("listing documents by status: %w", err)
	}
	return docs, nil
}

// RecordStageAttempt stores the latest attempt number of a stage in the
// attempt_counts JSON map. Used for status reporting; Temporal remains the
// retry driver.
func (r *repository) RecordStageAttempt(ctx context.Context, documentUID types.DocumentUIDType, stage string, attempt int) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var doc DocumentModel
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where(fmt.Sprintf("%s = ?", DocumentColumn.UID), documentUID).
			First(&doc).Error
		if err != nil {
			return fmt.Errorf("fetching document for attempt record: %w", err)
		}

		counts := map[string]int{}
		if len(doc.AttemptCounts) > 0 {
			if err := json.Unmarshal(doc.AttemptCounts, &counts); err != nil {
				return fmt.Errorf("decoding attempt counts: %w", err)
			}
		}
		if attempt > counts[stage] {
			counts[stage] = attempt
		}

		encoded, err := json.Marshal(counts)
		if err != nil {
			return fmt.Errorf("encoding attempt counts: %w", err)
		}

		return tx.Model(&DocumentModel{}).
			Where(fmt.Sprintf("%s = ?", DocumentColumn.UID), documentUID).
			Update(DocumentColumn.AttemptCounts, datatypes.JSON(encoded)).Error
	})
}

// SetWorkflowRunID records the Temporal run driving this document.
func (r *repository) SetWorkflowRunID(ctx context.Context, documentUID types.DocumentUIDType, runID string) error {
	err := r.db.WithContext(ctx).Model(&DocumentModel{}).
		Where(fmt.Sprintf("%s = ?", DocumentColumn.UID), documentUID).
		Update(DocumentColumn.WorkflowRunID, runID).Error
	if err != nil {
		return fmt.Errorf("setting workflow run ID: %w", err)
	}
	return nil
}

// EncodeProcessError marshals a structured failure cause for the last_error
// column.
func EncodeProcessError(pe ProcessError) datatypes.JSON {
	encoded, err := json.Marshal(pe)
	if err != nil {
		return nil
	}
	return datatypes.JSON(encoded)
}
