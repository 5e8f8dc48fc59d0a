package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/docstream/ingest-backend/pkg/repository"
	"github.com/docstream/ingest-backend/pkg/types"

	errorsx "github.com/docstream/ingest-backend/pkg/errors"
)

// statusCacheTTL bounds how stale the cached projection may get. Mutations
// invalidate eagerly; the TTL is the backstop.
const statusCacheTTL = 5 * time.Second

func statusCacheKey(sessionUID types.SessionUIDType) string {
	return fmt.Sprintf("upload:status:%s", sessionUID.String())
}

// UploadStatusView is the merged, read-only projection over an upload
// session and its document. It always reflects durably-committed state.
type UploadStatusView struct {
	UploadID         string                       `json:"upload_id"`
	Filename         string                       `json:"filename"`
	ContentType      string                       `json:"content_type"`
	UploadStatus     types.UploadSessionStatus    `json:"upload_status"`
	ProcessingStatus *types.DocumentProcessStatus `json:"processing_status,omitempty"`
	ChunkCount       int                          `json:"chunk_count"`
	EmbeddingCount   int                          `json:"embedding_count"`
	LastError        *repository.ProcessError     `json:"last_error,omitempty"`
	Metadata         map[string]string            `json:"metadata,omitempty"`
	CreateTime       *time.Time                   `json:"create_time,omitempty"`
	CompleteTime     *time.Time                   `json:"complete_time,omitempty"`
}

// GetUploadStatus returns the merged status projection for one upload,
// read-through cached in Redis.
func (s *service) GetUploadStatus(ctx context.Context, sessionUID types.SessionUIDType) (*UploadStatusView, error) {
	if s.redisClient != nil {
		cached, err := s.redisClient.Get(ctx, statusCacheKey(sessionUID)).Result()
		if err == nil {
			view := &UploadStatusView{}
			if err := json.Unmarshal([]byte(cached), view); err == nil {
				return view, nil
			}
		} else if !errors.Is(err, redis.Nil) && !errors.Is(err, context.Canceled) {
			// Cache trouble shouldn't fail reads; fall through to the DB.
			_ = err
		}
	}

	view, err := s.buildStatusView(ctx, sessionUID)
	if err != nil {
		return nil, err
	}

	if s.redisClient != nil {
		if encoded, err := json.Marshal(view); err == nil {
			s.redisClient.Set(ctx, statusCacheKey(sessionUID), encoded, statusCacheTTL)
		}
	}

	return view, nil
}

// ListUploads returns recent uploads newest-first with their merged status.
func (s *service) ListUploads(ctx context.Context, limit, offset int) ([]UploadStatusView, int64, error) {
	sessions, total, err := s.repository.ListUploadSessions(ctx, limit, offset)
	if err != nil {
		return nil, 0, err
	}

	views := make([]UploadStatusView, 0, len(sessions))
	for i := range sessions {
		view, err := s.mergeStatusView(ctx, &sessions[i])
		if err != nil {
			return nil, 0, err
		}
		views = append(views, *view)
	}
	return views, total, nil
}

func (s *service) buildStatusView(ctx context.Context, sessionUID types.SessionUIDType) (*UploadStatusView, error) {
	session, err := s.repository.GetUploadSession(ctx, sessionUID)
	if err != nil {
		return nil, err
	}
	return s.mergeStatusView(ctx, session)
}

func (s *service) mergeStatusView(ctx context.Context, session *repository.UploadSessionModel) (*UploadStatusView, error) {
	view := &UploadStatusView{
		UploadID:     session.UID.String(),
		Filename:     session.Filename,
		ContentType:  session.ContentType,
		UploadStatus: session.Status,
		CreateTime:   session.CreateTime,
		CompleteTime: session.CompleteTime,
	}

	if len(session.Metadata) > 0 {
		metadata := map[string]string{}
		if err := json.Unmarshal(session.Metadata, &metadata); err == nil {
			view.Metadata = metadata
		}
	}

	if session.Status != types.UploadSessionStatusCompleted {
		return view, nil
	}

	doc, err := s.repository.GetDocument(ctx, session.UID)
	if err != nil {
		if errors.Is(err, errorsx.ErrNotFound) {
			return view, nil
		}
		return nil, err
	}

	// The chunk and embedding counts come from the document row, which is
	// only updated in the same transaction as a stage commit. A concurrent
	// read therefore never observes a partially-written chunk set.
	view.ProcessingStatus = &doc.ProcessStatus
	view.ChunkCount = doc.ChunkCount
	view.EmbeddingCount = doc.EmbeddingCount

	if len(doc.LastError) > 0 {
		lastError := &repository.ProcessError{}
		if err := json.Unmarshal(doc.LastError, lastError); err == nil {
			view.LastError = lastError
		}
	}

	return view, nil
}

func (s *service) invalidateStatusCache(ctx context.Context, sessionUID types.SessionUIDType) {
	if s.redisClient == nil {
		return
	}
	s.redisClient.Del(ctx, statusCacheKey(sessionUID))
}
