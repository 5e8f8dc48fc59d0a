package object

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/docstream/ingest-backend/pkg/types"
)

// GetObjectKey derives the assembled object's key from the upload session.
// Format: {upload_id}/{filename}
func GetObjectKey(sessionUID types.SessionUIDType, filename string) string {
	return fmt.Sprintf("%s/%s", sessionUID.String(), filename)
}

// GetExtractedTextKey is the deterministic location of a document's extracted
// text. Re-running extraction overwrites the same key, which keeps the
// activity idempotent.
func GetExtractedTextKey(documentUID types.DocumentUIDType) string {
	return fmt.Sprintf("%s/extracted.txt", documentUID.String())
}

// Part identifies one uploaded multipart part by its remote tag.
type Part struct {
	PartNumber int
	ETag       string
	Size       int64
}

// IncompleteUpload describes a multipart upload the object store still holds
// parts for. The reconciliation sweep uses it to discard orphans.
type IncompleteUpload struct {
	ObjectKey string
	UploadID  string
	Initiated time.Time
}

// Storage defines the interface for object storage operations.
type Storage interface {
	// Basic object operations. PutObject streams the reader to the store; a
	// negative size means unknown length.
	PutObject(ctx context.Context, bucket, objectKey, contentType string, data io.Reader, size int64) error
	GetObject(ctx context.Context, bucket, objectKey string) ([]byte, error)
	RemoveObject(ctx context.Context, bucket, objectKey string) error

	// Multipart operations. Parts are streamed independently and composed on
	// completion; once composed they are no longer separately addressable.
	InitMultipartUpload(ctx context.Context, bucket, objectKey, contentType string) (uploadID string, _ error)
	UploadPart(ctx context.Context, bucket, objectKey, uploadID string, partNumber int, data io.Reader, size int64) (etag string, written int64, _ error)
	CompleteMultipartUpload(ctx context.Context, bucket, objectKey, uploadID string, parts []Part) error
	AbortMultipartUpload(ctx context.Context, bucket, objectKey, uploadID string) error
	ListIncompleteUploads(ctx context.Context, bucket, prefix string) ([]IncompleteUpload, error)

	// GetBucket returns the default bucket name for this storage backend
	GetBucket() string
}
