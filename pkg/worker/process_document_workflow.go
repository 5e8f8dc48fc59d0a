package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.temporal.io/api/enums/v1"
	"go.temporal.io/api/serviceerror"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
	"go.uber.org/zap"

	"github.com/docstream/ingest-backend/pkg/service"
	"github.com/docstream/ingest-backend/pkg/types"

	errmsg "github.com/docstream/ingest-backend/pkg/errmsg"
)

type processDocumentWorkflow struct {
	temporalClient client.Client
	worker         *Worker
}

// NewProcessDocumentWorkflow creates a new ProcessDocumentWorkflow instance
func NewProcessDocumentWorkflow(temporalClient client.Client, worker *Worker) *processDocumentWorkflow {
	return &processDocumentWorkflow{
		temporalClient: temporalClient,
		worker:         worker,
	}
}

func processDocumentWorkflowID(documentUID types.DocumentUIDType) string {
	return fmt.Sprintf("process-document-%s", documentUID.String())
}

// Execute enqueues the processing pipeline for a document. The workflow ID is
// derived from the document UID, so a second enqueue while a run is open is
// deduplicated instead of spawning a competing pipeline.
func (w *processDocumentWorkflow) Execute(ctx context.Context, param service.ProcessDocumentWorkflowParam) error {
	workflowOptions := client.StartWorkflowOptions{
		ID:                    processDocumentWorkflowID(param.DocumentUID),
		TaskQueue:             TaskQueue,
		WorkflowIDReusePolicy: enums.WORKFLOW_ID_REUSE_POLICY_REJECT_DUPLICATE,
	}

	run, err := w.temporalClient.ExecuteWorkflow(ctx, workflowOptions, w.worker.ProcessDocumentWorkflow, param)
	if err != nil {
		var alreadyStarted *serviceerror.WorkflowExecutionAlreadyStarted
		if errors.As(err, &alreadyStarted) {
			// A run for this document is already open; re-enqueueing is a
			// no-op.
			return nil
		}
		return err
	}

	// Best effort: the run ID is informational, processing does not depend on
	// it being recorded.
	if err := w.worker.repository.SetWorkflowRunID(ctx, param.DocumentUID, run.GetRunID()); err != nil {
		w.worker.log.Warn("Failed to record workflow run ID", zap.Error(err))
	}

	return nil
}

// Cancel requests an administrative halt of a running pipeline. Runs that
// already finished or never existed are not an error.
func (w *processDocumentWorkflow) Cancel(ctx context.Context, documentUID types.DocumentUIDType) error {
	err := w.temporalClient.CancelWorkflow(ctx, processDocumentWorkflowID(documentUID), "")
	if err != nil {
		var notFound *serviceerror.NotFound
		if errors.As(err, &notFound) {
			return nil
		}
		return err
	}
	return nil
}

// ProcessDocumentWorkflow drives a document through the processing pipeline:
//
//	EXTRACTING → CHUNKING → EMBEDDING → STORING → COMPLETED
//
// Every stage activity is idempotent and commits its output together with the
// status transition, so the workflow can resume from the persisted status
// after a crash without redoing committed work:
//   - QUEUED/EXTRACTING: full pipeline from extraction
//   - CHUNKING: re-chunk the stored extracted text
//   - EMBEDDING/STORING: re-embed the committed chunk set
//   - COMPLETED/FAILED: nothing to do
//
// Activity failures retry per the shared policy; terminal content errors
// (unsupported format, invariant violations) skip retries. Either way, retry
// exhaustion marks the document FAILED with the last cause recorded.
func (w *Worker) ProcessDocumentWorkflow(ctx workflow.Context, param service.ProcessDocumentWorkflowParam) error {
	logger := workflow.GetLogger(ctx)
	documentUID := param.DocumentUID
	logger.Info("Starting ProcessDocumentWorkflow", "documentUID", documentUID.String())

	completed := false

	// If the workflow is cancelled, terminated, or times out, the document
	// must not be left in a running stage forever. The disconnected context
	// lets the FAILED mark go through even after cancellation.
	defer func() {
		if completed {
			return
		}
		cleanupCtx, _ := workflow.NewDisconnectedContext(ctx)
		cleanupCtx = workflow.WithActivityOptions(cleanupCtx, workflow.ActivityOptions{
			StartToCloseTimeout: time.Minute,
			RetryPolicy: &temporal.RetryPolicy{
				InitialInterval:    RetryInitialInterval,
				BackoffCoefficient: RetryBackoffCoefficient,
				MaximumInterval:    RetryMaximumIntervalStandard,
				MaximumAttempts:    3,
			},
		})

		logger.Warn("Workflow did not complete, marking document as FAILED")
		_ = workflow.ExecuteActivity(cleanupCtx, w.UpdateDocumentStatusActivity, &UpdateDocumentStatusActivityParam{
			DocumentUID: documentUID,
			Status:      types.DocumentProcessStatusFailed,
			Stage:       "pipeline",
			ErrorCode:   "interrupted",
			Message:     "Document processing was interrupted or terminated before completion",
		}).Get(cleanupCtx, nil)
	}()

	activityOptions := workflow.ActivityOptions{
		StartToCloseTimeout: ActivityTimeoutLong,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:    RetryInitialInterval,
			BackoffCoefficient: RetryBackoffCoefficient,
			MaximumInterval:    RetryMaximumIntervalLong,
			MaximumAttempts:    RetryMaximumAttempts,
		},
	}
	ctx = workflow.WithActivityOptions(ctx, activityOptions)

	// handleStageError marks the document FAILED with the stage cause and
	// fails the workflow run.
	handleStageError := func(stage string, err error) error {
		logger.Error("Stage failed", "stage", stage, "documentUID", documentUID.String(), "error", err)

		message := errmsg.MessageOrErr(err)
		statusErr := workflow.ExecuteActivity(ctx, w.UpdateDocumentStatusActivity, &UpdateDocumentStatusActivityParam{
			DocumentUID: documentUID,
			Status:      types.DocumentProcessStatusFailed,
			Stage:       stage,
			ErrorCode:   errorCodeOf(err),
			Message:     message,
		}).Get(ctx, nil)
		if statusErr != nil {
			logger.Error("Failed to mark document as FAILED", "documentUID", documentUID.String(), "statusError", statusErr)
		}

		// The document row already carries the structured cause; the deferred
		// cleanup must not overwrite it with the generic interruption message.
		completed = true

		return errmsg.AddMessage(
			fmt.Errorf("%s: %s", stage, message),
			fmt.Sprintf("Document %s processing failed at the %s stage. %s", documentUID.String(), stage, message),
		)
	}

	// Step 1: read the persisted status and decide where to resume.
	var startStatus types.DocumentProcessStatus
	if err := workflow.ExecuteActivity(ctx, w.GetDocumentStatusActivity, &GetDocumentStatusActivityParam{
		DocumentUID: documentUID,
	}).Get(ctx, &startStatus); err != nil {
		return handleStageError("get document status", err)
	}

	if types.IsDocumentTerminal(startStatus) {
		logger.Info("Document already in a terminal state, nothing to do",
			"documentUID", documentUID.String(),
			"status", string(startStatus))
		completed = true
		return nil
	}

	runExtract := startStatus == types.DocumentProcessStatusQueued || startStatus == types.DocumentProcessStatusExtracting
	runChunk := runExtract || startStatus == types.DocumentProcessStatusChunking

	// Step 2: extraction. The activity stores the extracted text under a
	// deterministic key and advances the document to CHUNKING in the same
	// repository call.
	if runExtract {
		if err := workflow.ExecuteActivity(ctx, w.UpdateDocumentStatusActivity, &UpdateDocumentStatusActivityParam{
			DocumentUID: documentUID,
			Status:      types.DocumentProcessStatusExtracting,
		}).Get(ctx, nil); err != nil {
			return handleStageError("extract", err)
		}

		if err := workflow.ExecuteActivity(ctx, w.ExtractDocumentActivity, &ExtractDocumentActivityParam{
			DocumentUID: documentUID,
		}).Get(ctx, nil); err != nil {
			return handleStageError("extract", err)
		}
	}

	// Step 3: chunking, or reloading the committed chunk set when resuming
	// from EMBEDDING/STORING.
	var chunkSet ChunkSetActivityResult
	if runChunk {
		if err := workflow.ExecuteActivity(ctx, w.ChunkDocumentActivity, &ChunkDocumentActivityParam{
			DocumentUID: documentUID,
		}).Get(ctx, &chunkSet); err != nil {
			return handleStageError("chunk", err)
		}
	} else {
		if err := workflow.ExecuteActivity(ctx, w.GetChunksForEmbeddingActivity, &GetChunksForEmbeddingActivityParam{
			DocumentUID: documentUID,
		}).Get(ctx, &chunkSet); err != nil {
			return handleStageError("chunk", err)
		}
	}

	logger.Info("Chunk set ready", "documentUID", documentUID.String(), "chunkCount", len(chunkSet.ChunkUIDs))

	// Step 4: embedding via child workflow. Batches run in parallel; a failed
	// batch retries alone.
	childOptions := workflow.ChildWorkflowOptions{
		WorkflowID: fmt.Sprintf("embed-texts-%s", documentUID.String()),
	}
	embedCtx := workflow.WithChildOptions(ctx, childOptions)

	var embedResult EmbedTextsWorkflowResult
	if err := workflow.ExecuteChildWorkflow(embedCtx, w.EmbedTextsWorkflow, EmbedTextsWorkflowParam{
		Texts:     chunkSet.Texts,
		BatchSize: EmbeddingBatchSize,
	}).Get(embedCtx, &embedResult); err != nil {
		return handleStageError("embed", err)
	}

	if len(embedResult.Vectors) != len(chunkSet.ChunkUIDs) {
		return handleStageError("embed", fmt.Errorf(
			"embedding count %d does not match chunk count %d",
			len(embedResult.Vectors), len(chunkSet.ChunkUIDs)))
	}

	// Step 5: storing. All embedding rows, the count, and the COMPLETED mark
	// commit in one transaction inside the activity.
	if err := workflow.ExecuteActivity(ctx, w.UpdateDocumentStatusActivity, &UpdateDocumentStatusActivityParam{
		DocumentUID: documentUID,
		Status:      types.DocumentProcessStatusStoring,
	}).Get(ctx, nil); err != nil {
		return handleStageError("store", err)
	}

	if err := workflow.ExecuteActivity(ctx, w.SaveEmbeddingsActivity, &SaveEmbeddingsActivityParam{
		DocumentUID:     documentUID,
		ChunkUIDs:       chunkSet.ChunkUIDs,
		Vectors:         embedResult.Vectors,
		ModelIdentifier: embedResult.Model,
	}).Get(ctx, nil); err != nil {
		return handleStageError("store", err)
	}

	completed = true
	logger.Info("ProcessDocumentWorkflow completed successfully",
		"documentUID", documentUID.String(),
		"chunkCount", len(chunkSet.ChunkUIDs))
	return nil
}
