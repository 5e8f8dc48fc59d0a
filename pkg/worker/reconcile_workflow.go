package worker

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/gofrs/uuid"
	"go.temporal.io/api/enums/v1"
	"go.temporal.io/api/serviceerror"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
	"go.uber.org/zap"

	"github.com/docstream/ingest-backend/pkg/service"
	"github.com/docstream/ingest-backend/pkg/types"

	errmsg "github.com/docstream/ingest-backend/pkg/errmsg"
	errorsx "github.com/docstream/ingest-backend/pkg/errors"
)

// ReconcileWorkflowID identifies the singleton reconciliation sweep.
const ReconcileWorkflowID = "reconcile-uploads"

// ReconcileUploadsWorkflowParam defines the parameters for ReconcileUploadsWorkflow
type ReconcileUploadsWorkflowParam struct {
	// SweepInterval is the pause between consecutive sweeps.
	SweepInterval time.Duration
	// StaleThreshold is the age past which an open session or a remote
	// multipart upload with no live session is considered abandoned.
	StaleThreshold time.Duration
}

// StartReconcileUploadsWorkflow launches the reconciliation singleton. An
// already-running instance is left alone.
func StartReconcileUploadsWorkflow(ctx context.Context, temporalClient client.Client, w *Worker, param ReconcileUploadsWorkflowParam) error {
	workflowOptions := client.StartWorkflowOptions{
		ID:                    ReconcileWorkflowID,
		TaskQueue:             TaskQueue,
		WorkflowIDReusePolicy: enums.WORKFLOW_ID_REUSE_POLICY_ALLOW_DUPLICATE_FAILED_ONLY,
	}

	_, err := temporalClient.ExecuteWorkflow(ctx, workflowOptions, w.ReconcileUploadsWorkflow, param)
	if err != nil {
		var alreadyStarted *serviceerror.WorkflowExecutionAlreadyStarted
		if errors.As(err, &alreadyStarted) {
			return nil
		}
		return err
	}
	return nil
}

// ReconcileUploadsWorkflow runs one reconciliation sweep and reschedules
// itself via continue-as-new:
//  1. Abort sessions stuck in an open state past the stale threshold.
//  2. Abort remote multipart uploads whose session no longer exists or is
//     already terminal, so the object store does not accumulate orphaned
//     parts.
//  3. Re-enqueue documents stranded in QUEUED whose completion signal was
//     lost between the completion commit and the workflow start.
//
// Sweep failures are logged and the workflow continues: a missed sweep is
// recovered by the next one.
func (w *Worker) ReconcileUploadsWorkflow(ctx workflow.Context, param ReconcileUploadsWorkflowParam) error {
	logger := workflow.GetLogger(ctx)
	logger.Info("Starting reconciliation sweep",
		"sweepInterval", param.SweepInterval.String(),
		"staleThreshold", param.StaleThreshold.String())

	activityOptions := workflow.ActivityOptions{
		StartToCloseTimeout: ActivityTimeoutStandard,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:    RetryInitialInterval,
			BackoffCoefficient: RetryBackoffCoefficient,
			MaximumInterval:    RetryMaximumIntervalStandard,
			MaximumAttempts:    3,
		},
	}
	ctx = workflow.WithActivityOptions(ctx, activityOptions)

	var abortedSessions int
	if err := workflow.ExecuteActivity(ctx, w.AbortStaleUploadsActivity).Get(ctx, &abortedSessions); err != nil {
		logger.Error("Stale session sweep failed", "error", err)
	} else if abortedSessions > 0 {
		logger.Info("Aborted stale sessions", "count", abortedSessions)
	}

	var abortedRemote int
	if err := workflow.ExecuteActivity(ctx, w.AbortOrphanedRemoteUploadsActivity, &AbortOrphanedRemoteUploadsActivityParam{
		StaleThreshold: param.StaleThreshold,
	}).Get(ctx, &abortedRemote); err != nil {
		logger.Error("Orphaned remote upload sweep failed", "error", err)
	} else if abortedRemote > 0 {
		logger.Info("Aborted orphaned remote uploads", "count", abortedRemote)
	}

	var requeued int
	if err := workflow.ExecuteActivity(ctx, w.RequeueStuckDocumentsActivity, &RequeueStuckDocumentsActivityParam{
		StaleThreshold: param.StaleThreshold,
	}).Get(ctx, &requeued); err != nil {
		logger.Error("Stuck document sweep failed", "error", err)
	} else if requeued > 0 {
		logger.Info("Re-enqueued stuck documents", "count", requeued)
	}

	if err := workflow.Sleep(ctx, param.SweepInterval); err != nil {
		// Cancellation stops the loop for good.
		return err
	}

	return workflow.NewContinueAsNewError(ctx, w.ReconcileUploadsWorkflow, param)
}

// Activity error type constants
const (
	abortStaleUploadsActivityError          = "AbortStaleUploadsActivity"
	abortOrphanedRemoteUploadsActivityError = "AbortOrphanedRemoteUploadsActivity"
	requeueStuckDocumentsActivityError      = "RequeueStuckDocumentsActivity"
)

// AbortStaleUploadsActivity aborts sessions stuck in INITIATED or
// PARTS_IN_FLIGHT past the configured timeout, discarding their remote parts.
func (w *Worker) AbortStaleUploadsActivity(ctx context.Context) (int, error) {
	aborted, err := w.service.AbortStaleSessions(ctx)
	if err != nil {
		err = errmsg.AddMessage(err, "Unable to abort stale upload sessions.")
		return aborted, temporal.NewApplicationErrorWithCause(errmsg.MessageOrErr(err), abortStaleUploadsActivityError, err)
	}
	return aborted, nil
}

// AbortOrphanedRemoteUploadsActivityParam defines the parameters for the AbortOrphanedRemoteUploadsActivity
type AbortOrphanedRemoteUploadsActivityParam struct {
	StaleThreshold time.Duration
}

// AbortOrphanedRemoteUploadsActivity walks the object store's incomplete
// multipart uploads and aborts those that no live session accounts for.
// Uploads younger than the stale threshold are skipped: their session row may
// simply not be visible yet.
func (w *Worker) AbortOrphanedRemoteUploadsActivity(ctx context.Context, param *AbortOrphanedRemoteUploadsActivityParam) (int, error) {
	bucket := w.storage.GetBucket()

	incomplete, err := w.storage.ListIncompleteUploads(ctx, bucket, "")
	if err != nil {
		err = errmsg.AddMessage(err, "Unable to list incomplete uploads.")
		return 0, temporal.NewApplicationErrorWithCause(errmsg.MessageOrErr(err), abortOrphanedRemoteUploadsActivityError, err)
	}

	cutoff := time.Now().Add(-param.StaleThreshold)

	aborted := 0
	var errs []error
	for _, up := range incomplete {
		if up.Initiated.After(cutoff) {
			continue
		}
		if !w.isOrphanedUpload(ctx, up.ObjectKey) {
			continue
		}

		if err := w.storage.AbortMultipartUpload(ctx, bucket, up.ObjectKey, up.UploadID); err != nil {
			w.log.Warn("Failed to abort orphaned remote upload",
				zap.String("objectKey", up.ObjectKey),
				zap.Error(err))
			errs = append(errs, err)
			continue
		}

		w.log.Info("Aborted orphaned remote upload",
			zap.String("objectKey", up.ObjectKey),
			zap.String("uploadID", up.UploadID))
		aborted++
	}

	if len(errs) > 0 {
		err := errmsg.AddMessage(errors.Join(errs...), "Some orphaned uploads could not be aborted.")
		return aborted, temporal.NewApplicationErrorWithCause(errmsg.MessageOrErr(err), abortOrphanedRemoteUploadsActivityError, err)
	}
	return aborted, nil
}

// RequeueStuckDocumentsActivityParam defines the parameters for the RequeueStuckDocumentsActivity
type RequeueStuckDocumentsActivityParam struct {
	StaleThreshold time.Duration
}

// RequeueStuckDocumentsActivity re-enqueues documents sitting in QUEUED past
// the threshold. A completion that crashed after committing the document row
// but before starting the pipeline leaves such rows behind. The enqueue
// dedupes on the workflow ID, so a document with a live run is untouched.
func (w *Worker) RequeueStuckDocumentsActivity(ctx context.Context, param *RequeueStuckDocumentsActivityParam) (int, error) {
	cutoff := time.Now().UTC().Add(-param.StaleThreshold)

	docs, err := w.repository.ListDocumentsByStatus(ctx, types.DocumentProcessStatusQueued, cutoff)
	if err != nil {
		err = errmsg.AddMessage(err, "Unable to list stuck documents.")
		return 0, temporal.NewApplicationErrorWithCause(errmsg.MessageOrErr(err), requeueStuckDocumentsActivityError, err)
	}

	requeued := 0
	var errs []error
	for _, doc := range docs {
		if err := w.service.ProcessDocumentWorkflow().Execute(ctx, service.ProcessDocumentWorkflowParam{DocumentUID: doc.UID}); err != nil {
			w.log.Warn("Failed to re-enqueue stuck document",
				zap.String("documentUID", doc.UID.String()),
				zap.Error(err))
			errs = append(errs, err)
			continue
		}

		w.log.Info("Re-enqueued stuck document", zap.String("documentUID", doc.UID.String()))
		requeued++
	}

	if len(errs) > 0 {
		err := errmsg.AddMessage(errors.Join(errs...), "Some stuck documents could not be re-enqueued.")
		return requeued, temporal.NewApplicationErrorWithCause(errmsg.MessageOrErr(err), requeueStuckDocumentsActivityError, err)
	}
	return requeued, nil
}

// isOrphanedUpload reports whether a remote multipart upload has no open
// session backing it. Object keys are "{session_uid}/{filename}"; keys that
// don't parse are treated as orphans.
func (w *Worker) isOrphanedUpload(ctx context.Context, objectKey string) bool {
	prefix, _, found := strings.Cut(objectKey, "/")
	if !found {
		return true
	}
	sessionUID, err := uuid.FromString(prefix)
	if err != nil {
		return true
	}

	session, err := w.repository.GetUploadSession(ctx, sessionUID)
	if err != nil {
		if errors.Is(err, errorsx.ErrNotFound) {
			return true
		}
		// DB trouble: leave the upload alone, the next sweep retries.
		w.log.Warn("Failed to resolve session for incomplete upload",
			zap.String("objectKey", objectKey),
			zap.Error(err))
		return false
	}

	return types.IsSessionTerminal(session.Status)
}
