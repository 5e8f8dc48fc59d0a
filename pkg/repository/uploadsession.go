package repository

import (
	"context"
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
	// UploadSessionTableName is the table name for upload sessions
	UploadSessionTableName = "upload_session"
	// UploadPartTableName is the table name for uploaded parts
	UploadPartTableName = "upload_part"
)

// UploadSession is the interface for the upload session repository
type UploadSession interface {
	CreateUploadSession(ctx context.Context, session *UploadSessionModel) (*UploadSessionModel, error)
	GetUploadSession(ctx context.Context, sessionUID types.SessionUIDType) (*UploadSessionModel, error)
	ListUploadSessions(ctx context.Context, limit, offset int) ([]UploadSessionModel, int64, error)
	// UpdateUploadSessionWithLock runs fn inside a transaction holding a row
	// lock on the session, serializing mutations per session UID. fn receives
	// the locked row and the transaction handle; returned errors roll back.
	UpdateUploadSessionWithLock(ctx context.Context, sessionUID types.SessionUIDType, fn func(tx *gorm.DB, session *UploadSessionModel) error) error
	ListUploadParts(ctx context.Context, sessionUID types.SessionUIDType) ([]UploadPartModel, error)
	ListStaleUploadSessions(ctx context.Context, olderThan time.Time) ([]UploadSessionModel, error)
}

// UploadSessionModel is the model for the upload_session table
type UploadSessionModel struct {
	UID            types.SessionUIDType      `gorm:"column:uid;type:uuid;default:gen_random_uuid();primaryKey" json:"uid"`
	Filename       string                    `gorm:"column:filename;size:1024;not null" json:"filename"`
	ContentType    string                    `gorm:"column:content_type;size:255;not null" json:"content_type"`
	Bucket         string                    `gorm:"column:bucket;size:255;not null" json:"bucket"`
	ObjectKey      string                    `gorm:"column:object_key;size:2048;not null" json:"object_key"`
	SizeHint       int64                     `gorm:"column:size_hint;not null;default:0" json:"size_hint"`
	RemoteUploadID string                    `gorm:"column:remote_upload_id;size:1024;not null;default:''" json:"remote_upload_id"`
	Status         types.UploadSessionStatus `gorm:"column:status;size:32;not null;default:'INITIATED'" json:"status"`
	// Metadata is the client-supplied key/value mapping, carried over to the
	// document record on completion.
	Metadata     datatypes.JSON `gorm:"column:metadata;type:jsonb" json:"metadata"`
	CreateTime   *time.Time     `gorm:"column:create_time;not null;default:CURRENT_TIMESTAMP" json:"create_time"`
	UpdateTime   *time.Time     `gorm:"column:update_time;not null;default:CURRENT_TIMESTAMP;autoUpdateTime" json:"update_time"`
	CompleteTime *time.Time     `gorm:"column:complete_time" json:"complete_time"`
	// DeleteTime tombstones a session after the retention window instead of
	// physically removing the row.
	DeleteTime *time.Time `gorm:"column:delete_time" json:"delete_time"`
}

// TableName returns the table name of the UploadSessionModel
func (UploadSessionModel) TableName() string {
	return UploadSessionTableName
}

// UploadPartModel is the model for the upload_part table. Part numbers are
// 1-based and unique within a session.
type UploadPartModel struct {
	UID        types.SessionUIDType `gorm:"column:uid;type:uuid;default:gen_random_uuid();primaryKey" json:"uid"`
	SessionUID types.SessionUIDType `gorm:"column:session_uid;type:uuid;not null" json:"session_uid"`
	PartNumber int                  `gorm:"column:part_number;not null" json:"part_number"`
	Size       int64                `gorm:"column:size;not null" json:"size"`
	Checksum   string               `gorm:"column:checksum;size:255;not null;default:''" json:"checksum"`
	ETag       string               `gorm:"column:etag;size:255;not null;default:''" json:"etag"`
	CreateTime *time.Time           `gorm:"column:create_time;not null;default:CURRENT_TIMESTAMP" json:"create_time"`
	UpdateTime *time.Time           `gorm:"column:update_time;not null;default:CURRENT_TIMESTAMP;autoUpdateTime" json:"update_time"`
}

// TableName returns the table name of the UploadPartModel
func (UploadPartModel) TableName() string {
	return UploadPartTableName
}

// UploadSessionColumns is the columns for the upload_session table
type UploadSessionColumns struct {
	UID          string
	Status       string
	CreateTime   string
	UpdateTime   string
	CompleteTime string
	DeleteTime   string
}

// UploadSessionColumn is the column for the upload_session table
var UploadSessionColumn = UploadSessionColumns{
	UID:          "uid",
	Status:       "status",
	CreateTime:   "create_time",
	UpdateTime:   "update_time",
	CompleteTime: "complete_time",
	DeleteTime:   "delete_time",
}

// UploadPartColumns is the columns for the upload_part table
type UploadPartColumns struct {
	SessionUID string
	PartNumber string
}

// UploadPartColumn is the column for the upload_part table
var UploadPartColumn = UploadPartColumns{
	SessionUID: "session_uid",
	PartNumber: "part_number",
}

// CreateUploadSession persists a new session in its initial state.
func (r *repository) CreateUploadSession(ctx context.Context, session *UploadSessionModel) (*UploadSessionModel, error) {
	if session.Status == "" {
		session.Status = types.UploadSessionStatusInitiated
	}
	if err := r.db.WithContext(ctx).Create(session).Error; err != nil {
		return nil, fmt.Errorf("creating upload session: %w", err)
	}
	return session, nil
}

// GetUploadSession fetches a session by UID, excluding tombstoned rows.
func (r *repository) GetUploadSession(ctx context.Context, sessionUID types.SessionUIDType) (*UploadSessionModel, error) {
	var session UploadSessionModel
	where := fmt.Sprintf("%s = ? AND %s IS NULL", UploadSessionColumn.UID, UploadSessionColumn.DeleteTime)
	if err := r.db.WithContext(ctx).Where(where, sessionUID).First(&session).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("fetching upload session: %w", errorsx.ErrNotFound)
		}
		return nil, fmt.Errorf("fetching upload session: %w", err)
	}
	return &session, nil
}

// ListUploadSessions returns sessions newest-first with the total count.
func (r *repository) ListUploadSessions(ctx context.Context, limit, offset int) ([]UploadSessionModel, int64, error) {
	if limit <= 0 {
		limit = DefaultPageSize
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}
	if offset < 0 {
		offset = 0
	}

	q := r.db.WithContext(ctx).Model(&UploadSessionModel{}).
		Where(fmt.Sprintf("%s IS NULL", UploadSessionColumn.DeleteTime))

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("counting upload sessions: %w", err)
	}

	var sessions []UploadSessionModel
	err := q.Order(fmt.Sprintf("%s DESC", UploadSessionColumn.CreateTime)).
		Limit(limit).
		Offset(offset).
		Find(&sessions).Error
	if err != nil {
		return nil, 0, fmt.Errorf("listing upload sessions: %w", err)
	}
	return sessions, total, nil
}

// UpdateUploadSessionWithLock serializes session mutations through a
// SELECT ... FOR UPDATE on the session row.
func (r *repository) UpdateUploadSessionWithLock(
	ctx context.Context,
	sessionUID types.SessionUIDType,
	fn func(tx *gorm.DB, session *UploadSessionModel) error,
) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var session UploadSessionModel
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where(fmt.Sprintf("%s = ? AND %s IS NULL", UploadSessionColumn.UID, UploadSessionColumn.DeleteTime), sessionUID).
			First(&session).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("locking upload session: %w", errorsx.ErrNotFound)
			}
			return fmt.Errorf("locking upload session: %w", err)
		}

		return fn(tx, &session)
	})
}

// UpsertUploadPart records a part within an open transaction. Re-uploading a
// part number replaces the previous record (last writer wins).
func UpsertUploadPart(tx *gorm.DB, part *UploadPartModel) error {
	err := tx.Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: UploadPartColumn.SessionUID},
			{Name: UploadPartColumn.PartNumber},
		},
		DoUpdates: clause.AssignmentColumns([]string{"size", "checksum", "etag", "update_time"}),
	}).Create(part).Error
	if err != nil {
		return fmt.Errorf("upserting upload part: %w", err)
	}
	return nil
}

// ListUploadParts returns a session's parts ordered by part number.
func (r *repository) ListUploadParts(ctx context.Context, sessionUID types.SessionUIDType) ([]UploadPartModel, error) {
	var parts []UploadPartModel
	err := r.db.WithContext(ctx).
		Where(fmt.Sprintf("%s = ?", UploadPartColumn.SessionUID), sessionUID).
		Order(fmt.Sprintf("%s ASC", UploadPartColumn.PartNumber)).
		Find(&parts).Error
	if err != nil {
		return nil, fmt.Errorf("listing upload parts: %w", err)
	}
	return parts, nil
}

// ListStaleUploadSessions returns sessions stuck in a non-terminal state
// whose last update predates the given threshold. The reconciliation sweep
// aborts them. COMPLETING counts as stale too: a crash between the
// completion phases leaves the session there with no client able to move it.
func (r *repository) ListStaleUploadSessions(ctx context.Context, olderThan time.Time) ([]UploadSessionModel, error) {
	var sessions []UploadSessionModel
	err := r.db.WithContext(ctx).
		Where(fmt.Sprintf("%s IN ?", UploadSessionColumn.Status), []types.UploadSessionStatus{
			types.UploadSessionStatusInitiated,
			types.UploadSessionStatusPartsInFlight,
			types.UploadSessionStatusCompleting,
		}).
		Where(fmt.Sprintf("%s < ?", UploadSessionColumn.UpdateTime), olderThan).
		Where(fmt.Sprintf("%s IS NULL", UploadSessionColumn.DeleteTime)).
		Find(&sessions).Error
	if err != nil {
		return nil, fmt.Errorf("listing stale upload sessions: %w", err)
	}
	return sessions, nil
}
