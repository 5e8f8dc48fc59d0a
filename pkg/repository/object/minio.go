package object

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"

	"github.com/docstream/ingest-backend/config"
)

type minioStorage struct {
	core   *minio.Core
	bucket string
	logger *zap.Logger
}

// NewMinIOStorage creates a new object.Storage implementation using MinIO and
// makes sure the configured bucket exists.
func NewMinIOStorage(ctx context.Context, cfg config.MinioConfig, logger *zap.Logger) (Storage, error) {
	logger = logger.With(
		zap.String("host:port", cfg.Host+":"+cfg.Port),
		zap.String("user", cfg.RootUser),
	)

	core, err := minio.NewCore(cfg.Host+":"+cfg.Port, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.RootUser, cfg.RootPwd, ""),
		Secure: cfg.Secure,
	})
	if err != nil {
		return nil, fmt.Errorf("connecting to MinIO: %w", err)
	}

	{
		log := logger.With(zap.String("bucket", cfg.BucketName))

		exists, err := core.Client.BucketExists(ctx, cfg.BucketName)
		if err != nil {
			return nil, fmt.Errorf("checking bucket existence: %w", err)
		}

		if !exists {
			if err := core.Client.MakeBucket(ctx, cfg.BucketName, minio.MakeBucketOptions{}); err != nil {
				return nil, fmt.Errorf("creating bucket: %w", err)
			}
			log.Info("Successfully created bucket")
		} else {
			log.Info("Bucket already exists")
		}
	}

	return &minioStorage{
		core:   core,
		bucket: cfg.BucketName,
		logger: logger,
	}, nil
}

// PutObject implements object.Storage.PutObject. The reader is streamed to
// the store, so large single-shot uploads never sit in memory.
func (m *minioStorage) PutObject(ctx context.Context, bucket, objectKey, contentType string, data io.Reader, size int64) error {
	_, err := m.core.Client.PutObject(ctx, bucket, objectKey, data, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		m.logger.Error("Failed to upload object to MinIO", zap.String("objectKey", objectKey), zap.Error(err))
		return err
	}
	return nil
}

// GetObject implements object.Storage.GetObject
func (m *minioStorage) GetObject(ctx context.Context, bucket, objectKey string) ([]byte, error) {
	var object *minio.Object
	var err error
	for attempt := 1; attempt <= 3; attempt++ {
		object, err = m.core.Client.GetObject(ctx, bucket, objectKey, minio.GetObjectOptions{})
		if err == nil {
			break
		}
		m.logger.Error("Failed to get object from MinIO, retrying...", zap.String("objectKey", objectKey), zap.Int("attempt", attempt), zap.Error(err))
		time.Sleep(time.Duration(attempt) * time.Second)
	}
	if err != nil {
		m.logger.Error("Failed to get object from MinIO after 3 attempts", zap.String("objectKey", objectKey), zap.Error(err))
		return nil, err
	}
	defer object.Close()

	buf := new(bytes.Buffer)
	if _, err := buf.ReadFrom(object); err != nil {
		m.logger.Error("Failed to read object from MinIO", zap.Error(err))
		return nil, err
	}

	return buf.Bytes(), nil
}

// RemoveObject implements object.Storage.RemoveObject
func (m *minioStorage) RemoveObject(ctx context.Context, bucket, objectKey string) error {
	for attempt := 1; attempt <= 3; attempt++ {
		err := m.core.Client.RemoveObject(ctx, bucket, objectKey, minio.RemoveObjectOptions{})
		if err == nil {
			return nil
		}
		m.logger.Error("Failed to remove object from MinIO, retrying...", zap.String("objectKey", objectKey), zap.Int("attempt", attempt), zap.Error(err))
		time.Sleep(time.Duration(attempt) * time.Second)
	}
	return fmt.Errorf("failed to remove object from MinIO after 3 attempts")
}

// InitMultipartUpload implements object.Storage.InitMultipartUpload
func (m *minioStorage) InitMultipartUpload(ctx context.Context, bucket, objectKey, contentType string) (string, error) {
	uploadID, err := m.core.NewMultipartUpload(ctx, bucket, objectKey, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		m.logger.Error("Failed to initiate multipart upload", zap.String("objectKey", objectKey), zap.Error(err))
		return "", err
	}
	return uploadID, nil
}

// UploadPart implements object.Storage.UploadPart. The part body is streamed
// directly to the store; a re-upload of the same part number supersedes the
// previous remote part.
func (m *minioStorage) UploadPart(ctx context.Context, bucket, objectKey, uploadID string, partNumber int, data io.Reader, size int64) (string, int64, error) {
	part, err := m.core.PutObjectPart(ctx, bucket, objectKey, uploadID, partNumber, data, size, minio.PutObjectPartOptions{})
	if err != nil {
		m.logger.Error("Failed to upload part",
			zap.String("objectKey", objectKey),
			zap.Int("partNumber", partNumber),
			zap.Error(err))
		return "", 0, err
	}
	return part.ETag, part.Size, nil
}

// CompleteMultipartUpload implements object.Storage.CompleteMultipartUpload.
// Parts must be passed in ascending part-number order.
func (m *minioStorage) CompleteMultipartUpload(ctx context.Context, bucket, objectKey, uploadID string, parts []Part) error {
	completeParts := make([]minio.CompletePart, len(parts))
	for i, p := range parts {
		completeParts[i] = minio.CompletePart{
			PartNumber: p.PartNumber,
			ETag:       p.ETag,
		}
	}

	var err error
	for attempt := 1; attempt <= 3; attempt++ {
		_, err = m.core.CompleteMultipartUpload(ctx, bucket, objectKey, uploadID, completeParts, minio.PutObjectOptions{})
		if err == nil {
			return nil
		}
		m.logger.Error("Failed to compose multipart upload, retrying...",
			zap.String("objectKey", objectKey),
			zap.Int("attempt", attempt),
			zap.Error(err))
		time.Sleep(time.Duration(attempt) * time.Second)
	}
	return fmt.Errorf("composing multipart upload: %w", err)
}

// AbortMultipartUpload implements object.Storage.AbortMultipartUpload.
// Aborting an upload the store no longer knows about is not an error, which
// keeps session aborts idempotent.
func (m *minioStorage) AbortMultipartUpload(ctx context.Context, bucket, objectKey, uploadID string) error {
	err := m.core.AbortMultipartUpload(ctx, bucket, objectKey, uploadID)
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchUpload" {
			return nil
		}
		m.logger.Error("Failed to abort multipart upload", zap.String("objectKey", objectKey), zap.Error(err))
		return err
	}
	return nil
}

// ListIncompleteUploads implements object.Storage.ListIncompleteUploads
func (m *minioStorage) ListIncompleteUploads(ctx context.Context, bucket, prefix string) ([]IncompleteUpload, error) {
	uploadCh := m.core.Client.ListIncompleteUploads(ctx, bucket, prefix, true)

	var uploads []IncompleteUpload
	for upload := range uploadCh {
		if upload.Err != nil {
			return nil, fmt.Errorf("listing incomplete uploads: %w", upload.Err)
		}
		uploads = append(uploads, IncompleteUpload{
			ObjectKey: upload.Key,
			UploadID:  upload.UploadID,
			Initiated: upload.Initiated,
		})
	}
	return uploads, nil
}

// GetBucket implements object.Storage.GetBucket
func (m *minioStorage) GetBucket() string {
	return m.bucket
}
