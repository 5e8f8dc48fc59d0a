package service

import (
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"
	"github.com/gofrs/uuid"
	"gorm.io/gorm"

	"github.com/docstream/ingest-backend/pkg/repository"
	"github.com/docstream/ingest-backend/pkg/types"

	errorsx "github.com/docstream/ingest-backend/pkg/errors"
)

const testMinPartSize = int64(5) << 20

func newTestService(repo repository.Repository, storage *fakeStorage, wf ProcessDocumentWorkflow) Service {
	if storage == nil {
		storage = &fakeStorage{}
	}
	return NewService(Config{
		Repository:              repo,
		Storage:                 storage,
		ProcessDocumentWorkflow: wf,
		MinPartSize:             testMinPartSize,
		MaxSingleStreamSize:     100 << 20,
		StaleSessionTimeout:     time.Hour,
	})
}

func TestInitSession(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()

	c.Run("empty filename is rejected", func(c *qt.C) {
		svc := newTestService(&fakeRepository{}, nil, nil)
		_, err := svc.InitSession(ctx, InitSessionParam{Filename: "  "})
		c.Check(err, qt.ErrorIs, errorsx.ErrInvalidArgument)
	})

	c.Run("oversized declaration is rejected", func(c *qt.C) {
		svc := newTestService(&fakeRepository{}, nil, nil)
		_, err := svc.InitSession(ctx, InitSessionParam{
			Filename: "huge.bin",
			SizeHint: int64(6) << 40,
		})
		c.Check(err, qt.ErrorIs, errorsx.ErrCapacityExceeded)
	})

	c.Run("happy path opens the remote upload and persists the session", func(c *qt.C) {
		var created *repository.UploadSessionModel
		repo := &fakeRepository{
			createUploadSessionFn: func(_ context.Context, session *repository.UploadSessionModel) (*repository.UploadSessionModel, error) {
				created = session
				return session, nil
			},
		}
		storage := &fakeStorage{
			initMultipartUploadFn: func(_ context.Context, bucket, objectKey, contentType string) (string, error) {
				c.Check(bucket, qt.Equals, "test-bucket")
				c.Check(strings.HasSuffix(objectKey, "/report.txt"), qt.IsTrue)
				c.Check(contentType, qt.Equals, "application/octet-stream")
				return "remote-42", nil
			},
		}
		svc := newTestService(repo, storage, nil)

		session, err := svc.InitSession(ctx, InitSessionParam{
			Filename: "report.txt",
			Metadata: map[string]string{"source": "test"},
		})
		c.Assert(err, qt.IsNil)
		c.Assert(created, qt.IsNotNil)
		c.Check(session.Status, qt.Equals, types.UploadSessionStatusInitiated)
		c.Check(session.RemoteUploadID, qt.Equals, "remote-42")
		c.Check(session.ObjectKey, qt.Equals, session.UID.String()+"/report.txt")
		c.Check(string(session.Metadata), qt.Equals, `{"source":"test"}`)
	})

	c.Run("persistence failure aborts the remote upload", func(c *qt.C) {
		aborted := false
		repo := &fakeRepository{
			createUploadSessionFn: func(context.Context, *repository.UploadSessionModel) (*repository.UploadSessionModel, error) {
				return nil, errorsx.ErrAlreadyExists
			},
		}
		storage := &fakeStorage{
			abortMultipartUploadFn: func(_ context.Context, _, _, uploadID string) error {
				aborted = true
				c.Check(uploadID, qt.Equals, "remote-upload-id")
				return nil
			},
		}
		svc := newTestService(repo, storage, nil)

		_, err := svc.InitSession(ctx, InitSessionParam{Filename: "report.txt"})
		c.Check(err, qt.ErrorIs, errorsx.ErrAlreadyExists)
		c.Check(aborted, qt.IsTrue)
	})
}

func TestUploadPart(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()
	sessionUID := uuid.Must(uuid.NewV4())

	openSession := func(status types.UploadSessionStatus) *repository.UploadSessionModel {
		return &repository.UploadSessionModel{
			UID:            sessionUID,
			Bucket:         "test-bucket",
			ObjectKey:      sessionUID.String() + "/report.txt",
			RemoteUploadID: "remote-42",
			Status:         status,
		}
	}

	c.Run("part numbers are 1-based", func(c *qt.C) {
		svc := newTestService(&fakeRepository{}, nil, nil)
		_, err := svc.UploadPart(ctx, UploadPartParam{SessionUID: sessionUID, PartNumber: 0})
		c.Check(err, qt.ErrorIs, errorsx.ErrInvalidArgument)
	})

	c.Run("closed session rejects parts", func(c *qt.C) {
		for _, status := range []types.UploadSessionStatus{
			types.UploadSessionStatusCompleting,
			types.UploadSessionStatusCompleted,
			types.UploadSessionStatusAborted,
			types.UploadSessionStatusFailed,
		} {
			repo := &fakeRepository{
				getUploadSessionFn: func(context.Context, types.SessionUIDType) (*repository.UploadSessionModel, error) {
					return openSession(status), nil
				},
			}
			svc := newTestService(repo, nil, nil)
			_, err := svc.UploadPart(ctx, UploadPartParam{SessionUID: sessionUID, PartNumber: 1, DeclaredLength: testMinPartSize})
			c.Check(err, qt.ErrorIs, errorsx.ErrSessionClosed, qt.Commentf("status %s", status))
		}
	})

	c.Run("provably non-final small part is rejected", func(c *qt.C) {
		repo := &fakeRepository{
			getUploadSessionFn: func(context.Context, types.SessionUIDType) (*repository.UploadSessionModel, error) {
				return openSession(types.UploadSessionStatusPartsInFlight), nil
			},
			listUploadPartsFn: func(context.Context, types.SessionUIDType) ([]repository.UploadPartModel, error) {
				return []repository.UploadPartModel{{SessionUID: sessionUID, PartNumber: 3, Size: testMinPartSize}}, nil
			},
		}
		svc := newTestService(repo, nil, nil)

		_, err := svc.UploadPart(ctx, UploadPartParam{
			SessionUID:     sessionUID,
			PartNumber:     1,
			Content:        strings.NewReader("tiny"),
			DeclaredLength: 4,
		})
		c.Check(err, qt.ErrorIs, errorsx.ErrPartTooSmall)
	})

	c.Run("small part is accepted when it may be the final one", func(c *qt.C) {
		repo := &fakeRepository{
			getUploadSessionFn: func(context.Context, types.SessionUIDType) (*repository.UploadSessionModel, error) {
				return openSession(types.UploadSessionStatusPartsInFlight), nil
			},
			listUploadPartsFn: func(context.Context, types.SessionUIDType) ([]repository.UploadPartModel, error) {
				return []repository.UploadPartModel{{SessionUID: sessionUID, PartNumber: 1, Size: testMinPartSize}}, nil
			},
		}
		svc := newTestService(repo, nil, nil)

		ack, err := svc.UploadPart(ctx, UploadPartParam{
			SessionUID:     sessionUID,
			PartNumber:     2,
			Content:        strings.NewReader("tail"),
			DeclaredLength: 4,
		})
		c.Assert(err, qt.IsNil)
		c.Check(ack.PartNumber, qt.Equals, 2)
		c.Check(ack.Size, qt.Equals, int64(4))
		c.Check(ack.ETag, qt.Equals, "etag")
	})

	c.Run("part streams to the remote upload", func(c *qt.C) {
		var streamed string
		repo := &fakeRepository{
			getUploadSessionFn: func(context.Context, types.SessionUIDType) (*repository.UploadSessionModel, error) {
				return openSession(types.UploadSessionStatusInitiated), nil
			},
		}
		storage := &fakeStorage{
			uploadPartFn: func(_ context.Context, _, _, uploadID string, partNumber int, data io.Reader, _ int64) (string, int64, error) {
				c.Check(uploadID, qt.Equals, "remote-42")
				c.Check(partNumber, qt.Equals, 1)
				buf := new(strings.Builder)
				n, err := io.Copy(buf, data)
				c.Assert(err, qt.IsNil)
				streamed = buf.String()
				return "etag-1", n, nil
			},
		}
		svc := newTestService(repo, storage, nil)

		ack, err := svc.UploadPart(ctx, UploadPartParam{
			SessionUID:     sessionUID,
			PartNumber:     1,
			Content:        strings.NewReader("payload"),
			DeclaredLength: int64(len("payload")),
		})
		c.Assert(err, qt.IsNil)
		c.Check(streamed, qt.Equals, "payload")
		c.Check(ack.ETag, qt.Equals, "etag-1")
		c.Check(ack.Checksum, qt.Equals, fmt.Sprintf("sha256:%x", sha256.Sum256([]byte("payload"))))
	})
}

func TestCompleteSession(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()
	sessionUID := uuid.Must(uuid.NewV4())

	lockWithSession := func(session *repository.UploadSessionModel) func(context.Context, types.SessionUIDType, func(tx *gorm.DB, session *repository.UploadSessionModel) error) error {
		return func(_ context.Context, _ types.SessionUIDType, fn func(tx *gorm.DB, session *repository.UploadSessionModel) error) error {
			return fn(nil, session)
		}
	}

	c.Run("already completed session re-enqueues and returns the document", func(c *qt.C) {
		repo := &fakeRepository{
			updateUploadSessionWithLockFn: lockWithSession(&repository.UploadSessionModel{
				UID:    sessionUID,
				Status: types.UploadSessionStatusCompleted,
			}),
		}

		// A completion retry after a crash must repeat the enqueue: the
		// document may still be sitting in QUEUED with no run started.
		enqueued := 0
		wf := &fakeProcessDocumentWorkflow{
			executeFn: func(_ context.Context, param ProcessDocumentWorkflowParam) error {
				enqueued++
				c.Check(param.DocumentUID, qt.Equals, sessionUID)
				return nil
			},
		}
		svc := newTestService(repo, nil, wf)

		documentUID, err := svc.CompleteSession(ctx, sessionUID)
		c.Assert(err, qt.IsNil)
		c.Check(documentUID, qt.Equals, sessionUID)
		c.Check(enqueued, qt.Equals, 1)
	})

	c.Run("aborted session cannot complete", func(c *qt.C) {
		repo := &fakeRepository{
			updateUploadSessionWithLockFn: lockWithSession(&repository.UploadSessionModel{
				UID:    sessionUID,
				Status: types.UploadSessionStatusAborted,
			}),
		}
		svc := newTestService(repo, nil, nil)

		_, err := svc.CompleteSession(ctx, sessionUID)
		c.Check(err, qt.ErrorIs, errorsx.ErrSessionClosed)
	})

	c.Run("session without parts cannot complete", func(c *qt.C) {
		repo := &fakeRepository{
			updateUploadSessionWithLockFn: lockWithSession(&repository.UploadSessionModel{
				UID:    sessionUID,
				Status: types.UploadSessionStatusInitiated,
			}),
		}
		svc := newTestService(repo, nil, nil)

		_, err := svc.CompleteSession(ctx, sessionUID)
		c.Check(err, qt.ErrorIs, errorsx.ErrIncompleteUpload)
	})
}

func TestAbortUpload(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()
	sessionUID := uuid.Must(uuid.NewV4())

	c.Run("completed upload cancels the pipeline", func(c *qt.C) {
		cancelled := false
		repo := &fakeRepository{
			getUploadSessionFn: func(context.Context, types.SessionUIDType) (*repository.UploadSessionModel, error) {
				return &repository.UploadSessionModel{
					UID:    sessionUID,
					Status: types.UploadSessionStatusCompleted,
				}, nil
			},
		}
		wf := &fakeProcessDocumentWorkflow{
			cancelFn: func(_ context.Context, documentUID types.DocumentUIDType) error {
				cancelled = true
				c.Check(documentUID, qt.Equals, sessionUID)
				return nil
			},
		}
		svc := newTestService(repo, nil, wf)

		c.Assert(svc.AbortUpload(ctx, sessionUID), qt.IsNil)
		c.Check(cancelled, qt.IsTrue)
	})

	c.Run("open session discards the remote upload", func(c *qt.C) {
		abortedRemote := false
		repo := &fakeRepository{
			getUploadSessionFn: func(context.Context, types.SessionUIDType) (*repository.UploadSessionModel, error) {
				return &repository.UploadSessionModel{
					UID:            sessionUID,
					Bucket:         "test-bucket",
					ObjectKey:      sessionUID.String() + "/report.txt",
					RemoteUploadID: "remote-42",
					Status:         types.UploadSessionStatusPartsInFlight,
				}, nil
			},
		}
		storage := &fakeStorage{
			abortMultipartUploadFn: func(_ context.Context, _, _, uploadID string) error {
				abortedRemote = true
				c.Check(uploadID, qt.Equals, "remote-42")
				return nil
			},
		}
		svc := newTestService(repo, storage, nil)

		c.Assert(svc.AbortUpload(ctx, sessionUID), qt.IsNil)
		c.Check(abortedRemote, qt.IsTrue)
	})

	c.Run("completing session discards the composed object", func(c *qt.C) {
		// Crash window: completion composed the object but never committed
		// COMPLETED. The remote upload ID is already consumed, so the abort
		// of it is a no-op, and the composed object must go too.
		var removedKey string
		repo := &fakeRepository{
			getUploadSessionFn: func(context.Context, types.SessionUIDType) (*repository.UploadSessionModel, error) {
				return &repository.UploadSessionModel{
					UID:            sessionUID,
					Bucket:         "test-bucket",
					ObjectKey:      sessionUID.String() + "/report.txt",
					RemoteUploadID: "remote-42",
					Status:         types.UploadSessionStatusCompleting,
				}, nil
			},
		}
		storage := &fakeStorage{
			removeObjectFn: func(_ context.Context, _, objectKey string) error {
				removedKey = objectKey
				return nil
			},
		}
		svc := newTestService(repo, storage, nil)

		c.Assert(svc.AbortUpload(ctx, sessionUID), qt.IsNil)
		c.Check(removedKey, qt.Equals, sessionUID.String()+"/report.txt")
	})

	c.Run("unknown session reports not found", func(c *qt.C) {
		svc := newTestService(&fakeRepository{}, nil, nil)
		c.Check(svc.AbortUpload(ctx, sessionUID), qt.ErrorIs, errorsx.ErrNotFound)
	})
}

func TestUploadDocument(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()

	c.Run("empty filename is rejected", func(c *qt.C) {
		svc := newTestService(&fakeRepository{}, nil, nil)
		_, err := svc.UploadDocument(ctx, UploadDocumentParam{Filename: ""})
		c.Check(err, qt.ErrorIs, errorsx.ErrInvalidArgument)
	})

	c.Run("oversized single-shot upload is rejected", func(c *qt.C) {
		svc := newTestService(&fakeRepository{}, nil, nil)
		_, err := svc.UploadDocument(ctx, UploadDocumentParam{
			Filename:      "huge.bin",
			ContentLength: 101 << 20,
		})
		c.Check(err, qt.ErrorIs, errorsx.ErrCapacityExceeded)
	})

	c.Run("chunked body over the limit is rejected mid-stream", func(c *qt.C) {
		// A chunked request carries no Content-Length, so the cap has to bite
		// while the body streams.
		storage := &fakeStorage{
			putObjectFn: func(_ context.Context, _, _, _ string, data io.Reader, _ int64) error {
				_, err := io.Copy(io.Discard, data)
				return err
			},
		}
		svc := NewService(Config{
			Repository:          &fakeRepository{},
			Storage:             storage,
			MinPartSize:         testMinPartSize,
			MaxSingleStreamSize: 16,
			StaleSessionTimeout: time.Hour,
		})

		_, err := svc.UploadDocument(ctx, UploadDocumentParam{
			Filename:      "endless.bin",
			Content:       strings.NewReader(strings.Repeat("x", 64)),
			ContentLength: -1,
		})
		c.Check(err, qt.ErrorIs, errorsx.ErrCapacityExceeded)
	})
}

func TestAbortStaleSessions(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()

	stale := []repository.UploadSessionModel{
		{UID: uuid.Must(uuid.NewV4()), Status: types.UploadSessionStatusInitiated},
		{UID: uuid.Must(uuid.NewV4()), Status: types.UploadSessionStatusPartsInFlight},
		// A crash mid-completion strands the session here; no client call can
		// move it, so the sweep has to.
		{UID: uuid.Must(uuid.NewV4()), Status: types.UploadSessionStatusCompleting},
	}

	sessionsByUID := map[types.SessionUIDType]*repository.UploadSessionModel{
		stale[0].UID: &stale[0],
		stale[1].UID: &stale[1],
		stale[2].UID: &stale[2],
	}

	var observedThreshold time.Time
	repo := &fakeRepository{
		listStaleUploadSessionsFn: func(_ context.Context, olderThan time.Time) ([]repository.UploadSessionModel, error) {
			observedThreshold = olderThan
			return stale, nil
		},
		getUploadSessionFn: func(_ context.Context, sessionUID types.SessionUIDType) (*repository.UploadSessionModel, error) {
			if session, ok := sessionsByUID[sessionUID]; ok {
				return session, nil
			}
			return nil, errorsx.ErrNotFound
		},
	}
	svc := newTestService(repo, nil, nil)

	aborted, err := svc.AbortStaleSessions(ctx)
	c.Assert(err, qt.IsNil)
	c.Check(aborted, qt.Equals, 3)
	// The threshold reaches back by the configured stale timeout.
	c.Check(time.Since(observedThreshold) >= time.Hour, qt.IsTrue)
}

func TestValidatePartSet(t *testing.T) {
	c := qt.New(t)

	part := func(n int, size int64) repository.UploadPartModel {
		return repository.UploadPartModel{PartNumber: n, Size: size}
	}

	c.Run("empty set is incomplete", func(c *qt.C) {
		err := validatePartSet(nil, testMinPartSize)
		c.Check(err, qt.ErrorIs, errorsx.ErrIncompleteUpload)
	})

	c.Run("gaps are reported", func(c *qt.C) {
		err := validatePartSet([]repository.UploadPartModel{
			part(1, testMinPartSize),
			part(4, testMinPartSize),
		}, testMinPartSize)
		c.Check(err, qt.ErrorIs, errorsx.ErrIncompleteUpload)
		c.Check(err.Error(), qt.Contains, "2, 3")
	})

	c.Run("small non-final part is rejected", func(c *qt.C) {
		err := validatePartSet([]repository.UploadPartModel{
			part(1, testMinPartSize),
			part(2, 100),
			part(3, testMinPartSize),
		}, testMinPartSize)
		c.Check(err, qt.ErrorIs, errorsx.ErrPartTooSmall)
	})

	c.Run("small final part is allowed", func(c *qt.C) {
		err := validatePartSet([]repository.UploadPartModel{
			part(1, testMinPartSize),
			part(2, 100),
		}, testMinPartSize)
		c.Check(err, qt.IsNil)
	})

	c.Run("unsorted input is handled", func(c *qt.C) {
		err := validatePartSet([]repository.UploadPartModel{
			part(3, 100),
			part(1, testMinPartSize),
			part(2, testMinPartSize),
		}, testMinPartSize)
		c.Check(err, qt.IsNil)
	})

	c.Run("single part of any size is allowed", func(c *qt.C) {
		err := validatePartSet([]repository.UploadPartModel{part(1, 1)}, testMinPartSize)
		c.Check(err, qt.IsNil)
	})
}
