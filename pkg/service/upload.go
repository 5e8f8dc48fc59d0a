package service

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/gofrs/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/docstream/ingest-backend/pkg/errmsg"
	"github.com/docstream/ingest-backend/pkg/repository"
	"github.com/docstream/ingest-backend/pkg/repository/object"
	"github.com/docstream/ingest-backend/pkg/types"

	errorsx "github.com/docstream/ingest-backend/pkg/errors"
)

// maxMultipartObjectSize bounds the declared size of a multipart upload.
// Matches the S3 object size ceiling.
const maxMultipartObjectSize = int64(5) << 40

// InitSession allocates a new upload session, opens the corresponding
// multipart upload on the object store and persists the mapping.
func (s *service) InitSession(ctx context.Context, param InitSessionParam) (*repository.UploadSessionModel, error) {
	if strings.TrimSpace(param.Filename) == "" {
		return nil, errmsg.AddMessage(
			fmt.Errorf("empty filename: %w", errorsx.ErrInvalidArgument),
			"Filename is required.",
		)
	}
	if param.SizeHint > maxMultipartObjectSize {
		return nil, fmt.Errorf("declared size %d: %w", param.SizeHint, errorsx.ErrCapacityExceeded)
	}

	contentType := param.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	sessionUID, err := uuid.NewV4()
	if err != nil {
		return nil, fmt.Errorf("generating session UID: %w", err)
	}

	bucket := s.storage.GetBucket()
	objectKey := object.GetObjectKey(sessionUID, param.Filename)

	remoteUploadID, err := s.storage.InitMultipartUpload(ctx, bucket, objectKey, contentType)
	if err != nil {
		return nil, fmt.Errorf("initiating multipart upload: %w", err)
	}

	session := &repository.UploadSessionModel{
		UID:            sessionUID,
		Filename:       param.Filename,
		ContentType:    contentType,
		Bucket:         bucket,
		ObjectKey:      objectKey,
		SizeHint:       param.SizeHint,
		RemoteUploadID: remoteUploadID,
		Status:         types.UploadSessionStatusInitiated,
		Metadata:       encodeMetadata(param.Metadata),
	}

	session, err = s.repository.CreateUploadSession(ctx, session)
	if err != nil {
		// The remote upload would otherwise leak until the sweep finds it.
		_ = s.storage.AbortMultipartUpload(ctx, bucket, objectKey, remoteUploadID)
		return nil, err
	}

	return session, nil
}

// UploadPart streams one part to the object store and records it. The part
// body never touches the session lock: validation happens before and after
// the transfer, and the row lock is only held for the bookkeeping write.
func (s *service) UploadPart(ctx context.Context, param UploadPartParam) (*PartAck, error) {
	if param.PartNumber < 1 {
		return nil, errmsg.AddMessage(
			fmt.Errorf("part number %d: %w", param.PartNumber, errorsx.ErrInvalidArgument),
			"Part numbers are 1-based.",
		)
	}

	session, err := s.repository.GetUploadSession(ctx, param.SessionUID)
	if err != nil {
		return nil, err
	}
	if types.IsSessionTerminal(session.Status) || session.Status == types.UploadSessionStatusCompleting {
		return nil, fmt.Errorf("session in status %s: %w", session.Status, errorsx.ErrSessionClosed)
	}

	// A part below the size floor is rejected when it provably can't be the
	// final one, i.e. a higher-numbered part already exists.
	if param.DeclaredLength >= 0 && param.DeclaredLength < s.minPartSize {
		parts, err := s.repository.ListUploadParts(ctx, param.SessionUID)
		if err != nil {
			return nil, err
		}
		for _, p := range parts {
			if p.PartNumber > param.PartNumber {
				return nil, fmt.Errorf("part %d with %d bytes under the %d-byte floor: %w",
					param.PartNumber, param.DeclaredLength, s.minPartSize, errorsx.ErrPartTooSmall)
			}
		}
	}

	// The checksum is computed while the part streams through, so the body is
	// still never buffered whole.
	hasher := sha256.New()
	body := io.TeeReader(param.Content, hasher)

	etag, written, err := s.storage.UploadPart(ctx, session.Bucket, session.ObjectKey, session.RemoteUploadID, param.PartNumber, body, param.DeclaredLength)
	if err != nil {
		return nil, fmt.Errorf("uploading part %d: %w", param.PartNumber, err)
	}
	checksum := fmt.Sprintf("sha256:%x", hasher.Sum(nil))

	err = s.repository.UpdateUploadSessionWithLock(ctx, param.SessionUID, func(tx *gorm.DB, locked *repository.UploadSessionModel) error {
		// The session may have been aborted while the part was streaming.
		// The terminal status is authoritative; the stray remote part is
		// discarded with the multipart upload.
		if types.IsSessionTerminal(locked.Status) || locked.Status == types.UploadSessionStatusCompleting {
			return fmt.Errorf("session in status %s: %w", locked.Status, errorsx.ErrSessionClosed)
		}

		if err := repository.UpsertUploadPart(tx, &repository.UploadPartModel{
			SessionUID: param.SessionUID,
			PartNumber: param.PartNumber,
			Size:       written,
			Checksum:   checksum,
			ETag:       etag,
		}); err != nil {
			return err
		}

		if locked.Status == types.UploadSessionStatusInitiated {
			return tx.Model(&repository.UploadSessionModel{}).
				Where(fmt.Sprintf("%s = ?", repository.UploadSessionColumn.UID), param.SessionUID).
				Update(repository.UploadSessionColumn.Status, types.UploadSessionStatusPartsInFlight).Error
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.invalidateStatusCache(ctx, param.SessionUID)

	return &PartAck{
		PartNumber: param.PartNumber,
		Size:       written,
		Checksum:   checksum,
		ETag:       etag,
	}, nil
}

// CompleteSession validates part contiguity, composes the parts into the
// final object and hands the document over to the pipeline. Calling it on an
// already-completed session is an idempotent no-op returning the existing
// document UID.
func (s *service) CompleteSession(ctx context.Context, sessionUID types.SessionUIDType) (types.DocumentUIDType, error) {
	var parts []repository.UploadPartModel
	alreadyCompleted := false

	// Phase 1: validate under the session lock and mark COMPLETING, so a
	// racing part upload or a second completion call observes the
	// transition. The compose call itself runs outside the lock.
	err := s.repository.UpdateUploadSessionWithLock(ctx, sessionUID, func(tx *gorm.DB, session *repository.UploadSessionModel) error {
		switch session.Status {
		case types.UploadSessionStatusCompleted:
			alreadyCompleted = true
			return nil
		case types.UploadSessionStatusAborted, types.UploadSessionStatusFailed:
			return fmt.Errorf("session in status %s: %w", session.Status, errorsx.ErrSessionClosed)
		case types.UploadSessionStatusInitiated:
			return errmsg.AddMessage(
				fmt.Errorf("no parts uploaded: %w", errorsx.ErrIncompleteUpload),
				"No parts have been uploaded.",
			)
		}

		var err error
		parts, err = listPartsInTx(tx, sessionUID)
		if err != nil {
			return err
		}

		if err := validatePartSet(parts, s.minPartSize); err != nil {
			return err
		}

		return tx.Model(&repository.UploadSessionModel{}).
			Where(fmt.Sprintf("%s = ?", repository.UploadSessionColumn.UID), sessionUID).
			Update(repository.UploadSessionColumn.Status, types.UploadSessionStatusCompleting).Error
	})
	if err != nil {
		return uuid.Nil, err
	}
	if alreadyCompleted {
		// The document row already exists, but a crash between the completion
		// commit and the enqueue may have left it stranded in QUEUED. The
		// enqueue dedupes on the workflow ID and the pipeline no-ops on
		// terminal documents, so repeating it here is safe.
		if err := s.processDocumentWorkflow.Execute(ctx, ProcessDocumentWorkflowParam{DocumentUID: sessionUID}); err != nil {
			return uuid.Nil, fmt.Errorf("enqueuing pipeline: %w", err)
		}
		return sessionUID, nil
	}

	session, err := s.repository.GetUploadSession(ctx, sessionUID)
	if err != nil {
		return uuid.Nil, err
	}

	// Phase 2: compose. On failure the session stays in COMPLETING and the
	// client may retry the completion call.
	composeParts := make([]object.Part, len(parts))
	for i, p := range parts {
		composeParts[i] = object.Part{PartNumber: p.PartNumber, ETag: p.ETag, Size: p.Size}
	}
	if err := s.storage.CompleteMultipartUpload(ctx, session.Bucket, session.ObjectKey, session.RemoteUploadID, composeParts); err != nil {
		return uuid.Nil, errmsg.AddMessage(
			fmt.Errorf("composing object: %w", err),
			"Object assembly failed. Retry the completion request.",
		)
	}

	// Phase 3: persist COMPLETED and create the document in the same
	// transaction, then enqueue the pipeline.
	now := time.Now().UTC()
	err = s.repository.UpdateUploadSessionWithLock(ctx, sessionUID, func(tx *gorm.DB, locked *repository.UploadSessionModel) error {
		if locked.Status == types.UploadSessionStatusCompleted {
			return nil
		}
		if !types.CanTransitionSession(locked.Status, types.UploadSessionStatusCompleted) {
			return fmt.Errorf("transition %s -> COMPLETED: %w", locked.Status, errorsx.ErrStateMismatch)
		}

		err := tx.Model(&repository.UploadSessionModel{}).
			Where(fmt.Sprintf("%s = ?", repository.UploadSessionColumn.UID), sessionUID).
			Updates(map[string]any{
				repository.UploadSessionColumn.Status: types.UploadSessionStatusCompleted,
				repository.UploadSessionColumn.CompleteTime: now,
			}).Error
		if err != nil {
			return err
		}

		return tx.Create(&repository.DocumentModel{
			UID:           sessionUID,
			Bucket:        locked.Bucket,
			ObjectKey:     locked.ObjectKey,
			Metadata:      locked.Metadata,
			ProcessStatus: types.DocumentProcessStatusQueued,
		}).Error
	})
	if err != nil {
		return uuid.Nil, err
	}

	s.invalidateStatusCache(ctx, sessionUID)

	// The enqueue is idempotent on the workflow ID, guarding against
	// at-least-once delivery of the completion signal.
	if err := s.processDocumentWorkflow.Execute(ctx, ProcessDocumentWorkflowParam{DocumentUID: sessionUID}); err != nil {
		return uuid.Nil, fmt.Errorf("enqueuing pipeline: %w", err)
	}

	return sessionUID, nil
}

// AbortUpload cancels an upload. For open sessions it discards the remote
// multipart upload and marks the session ABORTED; for completed ones it
// requests an administrative halt of the running pipeline. Idempotent.
func (s *service) AbortUpload(ctx context.Context, sessionUID types.SessionUIDType) error {
	session, err := s.repository.GetUploadSession(ctx, sessionUID)
	if err != nil {
		return err
	}

	if session.Status == types.UploadSessionStatusCompleted {
		return s.processDocumentWorkflow.Cancel(ctx, sessionUID)
	}

	err = s.repository.UpdateUploadSessionWithLock(ctx, sessionUID, func(tx *gorm.DB, locked *repository.UploadSessionModel) error {
		if locked.Status == types.UploadSessionStatusAborted {
			return nil
		}
		if !types.CanTransitionSession(locked.Status, types.UploadSessionStatusAborted) {
			return fmt.Errorf("transition %s -> ABORTED: %w", locked.Status, errorsx.ErrStateMismatch)
		}
		return tx.Model(&repository.UploadSessionModel{}).
			Where(fmt.Sprintf("%s = ?", repository.UploadSessionColumn.UID), sessionUID).
			Update(repository.UploadSessionColumn.Status, types.UploadSessionStatusAborted).Error
	})
	if err != nil {
		return err
	}

	if session.RemoteUploadID != "" {
		if err := s.storage.AbortMultipartUpload(ctx, session.Bucket, session.ObjectKey, session.RemoteUploadID); err != nil {
			return fmt.Errorf("aborting remote multipart upload: %w", err)
		}
	}

	// A session caught mid-completion may have composed the final object
	// before crashing; the abort must not leave it behind.
	if session.Status == types.UploadSessionStatusCompleting {
		if err := s.storage.RemoveObject(ctx, session.Bucket, session.ObjectKey); err != nil {
			return fmt.Errorf("removing composed object: %w", err)
		}
	}

	s.invalidateStatusCache(ctx, sessionUID)
	return nil
}

// UploadDocument handles the single-shot upload path: the body is streamed
// straight into the object store, the session goes directly to COMPLETED and
// the pipeline is enqueued.
func (s *service) UploadDocument(ctx context.Context, param UploadDocumentParam) (*UploadStatusView, error) {
	if strings.TrimSpace(param.Filename) == "" {
		return nil, errmsg.AddMessage(
			fmt.Errorf("empty filename: %w", errorsx.ErrInvalidArgument),
			"Filename is required.",
		)
	}
	if param.ContentLength > s.maxSingleStreamSize {
		return nil, errmsg.AddMessage(
			fmt.Errorf("declared size %d over %d: %w", param.ContentLength, s.maxSingleStreamSize, errorsx.ErrCapacityExceeded),
			"File exceeds the single-request limit. Use the multipart upload flow.",
		)
	}

	contentType := param.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	sessionUID, err := uuid.NewV4()
	if err != nil {
		return nil, fmt.Errorf("generating session UID: %w", err)
	}

	bucket := s.storage.GetBucket()
	objectKey := object.GetObjectKey(sessionUID, param.Filename)

	session := &repository.UploadSessionModel{
		UID:         sessionUID,
		Filename:    param.Filename,
		ContentType: contentType,
		Bucket:      bucket,
		ObjectKey:   objectKey,
		SizeHint:    param.ContentLength,
		Status:      types.UploadSessionStatusInitiated,
		Metadata:    encodeMetadata(param.Metadata),
	}
	if _, err := s.repository.CreateUploadSession(ctx, session); err != nil {
		return nil, err
	}

	// A chunked body arrives with a negative length and would bypass the
	// declared-size check above, so the cap is enforced on the stream itself.
	content := &cappedReader{r: param.Content, max: s.maxSingleStreamSize}

	if err := s.storage.PutObject(ctx, bucket, objectKey, contentType, content, param.ContentLength); err != nil {
		markErr := s.repository.UpdateUploadSessionWithLock(ctx, sessionUID, func(tx *gorm.DB, _ *repository.UploadSessionModel) error {
			return tx.Model(&repository.UploadSessionModel{}).
				Where(fmt.Sprintf("%s = ?", repository.UploadSessionColumn.UID), sessionUID).
				Update(repository.UploadSessionColumn.Status, types.UploadSessionStatusFailed).Error
		})
		if markErr != nil {
			return nil, errors.Join(err, markErr)
		}
		return nil, fmt.Errorf("storing object: %w", err)
	}

	now := time.Now().UTC()
	err = s.repository.UpdateUploadSessionWithLock(ctx, sessionUID, func(tx *gorm.DB, locked *repository.UploadSessionModel) error {
		err := tx.Model(&repository.UploadSessionModel{}).
			Where(fmt.Sprintf("%s = ?", repository.UploadSessionColumn.UID), sessionUID).
			Updates(map[string]any{
				repository.UploadSessionColumn.Status: types.UploadSessionStatusCompleted,
				repository.UploadSessionColumn.CompleteTime: now,
			}).Error
		if err != nil {
			return err
		}
		return tx.Create(&repository.DocumentModel{
			UID:           sessionUID,
			Bucket:        bucket,
			ObjectKey:     objectKey,
			Metadata:      locked.Metadata,
			ProcessStatus: types.DocumentProcessStatusQueued,
		}).Error
	})
	if err != nil {
		return nil, err
	}

	if err := s.processDocumentWorkflow.Execute(ctx, ProcessDocumentWorkflowParam{DocumentUID: sessionUID}); err != nil {
		return nil, fmt.Errorf("enqueuing pipeline: %w", err)
	}

	return s.GetUploadStatus(ctx, sessionUID)
}

// AbortStaleSessions sweeps sessions stuck in INITIATED, PARTS_IN_FLIGHT or
// COMPLETING past the staleness threshold, discarding their remote multipart
// uploads so orphaned parts don't accumulate on the object store.
func (s *service) AbortStaleSessions(ctx context.Context) (int, error) {
	threshold := time.Now().UTC().Add(-s.staleSessionTimeout)
	stale, err := s.repository.ListStaleUploadSessions(ctx, threshold)
	if err != nil {
		return 0, err
	}

	aborted := 0
	var errs []error
	for _, session := range stale {
		if err := s.AbortUpload(ctx, session.UID); err != nil {
			errs = append(errs, fmt.Errorf("aborting session %s: %w", session.UID, err))
			continue
		}
		aborted++
	}
	return aborted, errors.Join(errs...)
}

func listPartsInTx(tx *gorm.DB, sessionUID types.SessionUIDType) ([]repository.UploadPartModel, error) {
	var parts []repository.UploadPartModel
	err := tx.
		Where(fmt.Sprintf("%s = ?", repository.UploadPartColumn.SessionUID), sessionUID).
		Order(fmt.Sprintf("%s ASC", repository.UploadPartColumn.PartNumber)).
		Find(&parts).Error
	if err != nil {
		return nil, fmt.Errorf("listing upload parts: %w", err)
	}
	return parts, nil
}

// validatePartSet checks that part numbers form 1..N with no gaps and that
// every part but the last meets the size floor.
func validatePartSet(parts []repository.UploadPartModel, minPartSize int64) error {
	if len(parts) == 0 {
		return errmsg.AddMessage(
			fmt.Errorf("no parts uploaded: %w", errorsx.ErrIncompleteUpload),
			"No parts have been uploaded.",
		)
	}

	sort.Slice(parts, func(i, j int) bool { return parts[i].PartNumber < parts[j].PartNumber })

	highest := parts[len(parts)-1].PartNumber
	present := make(map[int]bool, len(parts))
	for _, p := range parts {
		present[p.PartNumber] = true
	}

	var gaps []string
	for n := 1; n <= highest; n++ {
		if !present[n] {
			gaps = append(gaps, fmt.Sprintf("%d", n))
		}
	}
	if len(gaps) > 0 {
		return errmsg.AddMessage(
			fmt.Errorf("missing parts %s: %w", strings.Join(gaps, ", "), errorsx.ErrIncompleteUpload),
			fmt.Sprintf("Upload is missing parts: %s.", strings.Join(gaps, ", ")),
		)
	}

	for _, p := range parts {
		if p.PartNumber != highest && p.Size < minPartSize {
			return fmt.Errorf("part %d has %d bytes, floor is %d: %w", p.PartNumber, p.Size, minPartSize, errorsx.ErrPartTooSmall)
		}
	}
	return nil
}

// cappedReader fails the stream once more bytes than max have been read.
type cappedReader struct {
	r   io.Reader
	max int64
	n   int64
}

func (c *cappedReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	if c.n > c.max {
		return n, fmt.Errorf("stream exceeds %d bytes: %w", c.max, errorsx.ErrCapacityExceeded)
	}
	return n, err
}

func encodeMetadata(metadata map[string]string) datatypes.JSON {
	if len(metadata) == 0 {
		return nil
	}
	encoded, err := json.Marshal(metadata)
	if err != nil {
		return nil
	}
	return datatypes.JSON(encoded)
}
