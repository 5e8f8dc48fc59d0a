package worker

import (
	"context"
	"fmt"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
	"go.uber.org/zap"

	errmsg "github.com/docstream/ingest-backend/pkg/errmsg"
)

// EmbedTextsWorkflowParam defines the parameters for EmbedTextsWorkflow
type EmbedTextsWorkflowParam struct {
	Texts     []string
	BatchSize int
}

// EmbedTextsWorkflowResult carries the vectors, index-aligned with the input
// texts, and the identifier of the model that produced them.
type EmbedTextsWorkflowResult struct {
	Vectors [][]float32
	Model   string
}

// EmbedTextsWorkflow computes embeddings for a list of texts in parallel
// batches. Each batch is one provider call and one activity, so a failed
// batch retries alone without invalidating the vectors of its siblings.
func (w *Worker) EmbedTextsWorkflow(ctx workflow.Context, param EmbedTextsWorkflowParam) (*EmbedTextsWorkflowResult, error) {
	logger := workflow.GetLogger(ctx)
	logger.Info("Starting EmbedTextsWorkflow", "textCount", len(param.Texts), "batchSize", param.BatchSize)

	result := &EmbedTextsWorkflowResult{}
	if len(param.Texts) == 0 {
		return result, nil
	}

	batchSize := param.BatchSize
	if batchSize <= 0 {
		batchSize = EmbeddingBatchSize
	}

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

	totalBatches := (len(param.Texts) + batchSize - 1) / batchSize

	futures := make([]workflow.Future, totalBatches)
	for i := range totalBatches {
		start := i * batchSize
		end := min(start+batchSize, len(param.Texts))

		futures[i] = workflow.ExecuteActivity(ctx, w.EmbedBatchActivity, &EmbedBatchActivityParam{
			Texts:        param.Texts[start:end],
			BatchNumber:  i + 1,
			TotalBatches: totalBatches,
		})
	}

	result.Vectors = make([][]float32, 0, len(param.Texts))
	for i, future := range futures {
		var batchResult EmbedBatchActivityResult
		if err := future.Get(ctx, &batchResult); err != nil {
			logger.Error("Embedding batch failed", "batchNumber", i+1, "totalBatches", totalBatches, "error", err)
			return nil, errmsg.AddMessage(err, fmt.Sprintf("Unable to embed batch %d/%d. Please try again.", i+1, totalBatches))
		}
		result.Vectors = append(result.Vectors, batchResult.Vectors...)
		result.Model = batchResult.Model
	}

	logger.Info("EmbedTextsWorkflow completed", "vectorCount", len(result.Vectors), "totalBatches", totalBatches)
	return result, nil
}

// EmbedBatchActivityParam defines the parameters for the EmbedBatchActivity
type EmbedBatchActivityParam struct {
	Texts        []string
	BatchNumber  int
	TotalBatches int
}

// EmbedBatchActivityResult carries one batch's vectors in input order.
type EmbedBatchActivityResult struct {
	Vectors [][]float32
	Model   string
}

// Activity error type constant
const embedBatchActivityError = "EmbedBatchActivity"

// EmbedBatchActivity computes embeddings for one batch of texts. Provider
// rate limiting surfaces as a retryable error; a dimensionality mismatch is
// terminal.
func (w *Worker) EmbedBatchActivity(ctx context.Context, param *EmbedBatchActivityParam) (*EmbedBatchActivityResult, error) {
	w.log.Info("Embedding batch",
		zap.Int("batchNumber", param.BatchNumber),
		zap.Int("totalBatches", param.TotalBatches),
		zap.Int("textCount", len(param.Texts)))

	embedded, err := w.aiClient.EmbedTexts(ctx, param.Texts)
	if err != nil {
		err = errmsg.AddMessage(err, "Unable to compute embeddings. Please try again.")
		return nil, stageError(err, embedBatchActivityError)
	}

	return &EmbedBatchActivityResult{
		Vectors: embedded.Vectors,
		Model:   embedded.Model,
	}, nil
}
