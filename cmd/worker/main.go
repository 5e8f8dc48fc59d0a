package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.temporal.io/sdk/worker"
	"go.uber.org/zap"

	"github.com/docstream/ingest-backend/config"
	"github.com/docstream/ingest-backend/pkg/ai/openai"
	"github.com/docstream/ingest-backend/pkg/repository"
	"github.com/docstream/ingest-backend/pkg/repository/object"
	"github.com/docstream/ingest-backend/pkg/service"

	database "github.com/docstream/ingest-backend/pkg/db"
	logx "github.com/docstream/ingest-backend/pkg/logger"
	ingestworker "github.com/docstream/ingest-backend/pkg/worker"
	temporalclient "go.temporal.io/sdk/client"
)

// Wait period before stopping the worker so in-flight activities can finish.
const gracefulShutdownWaitPeriod = 15 * time.Second

func main() {
	if err := config.Init(config.ParseConfigFlag()); err != nil {
		log.Fatal(err.Error())
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger, err := logx.GetZapLogger(ctx)
	if err != nil {
		panic(err)
	}
	defer func() {
		// can't handle the error due to https://github.com/uber-go/zap/issues/880
		_ = logger.Sync()
	}()

	db, err := database.NewConnection(config.Config.Database)
	if err != nil {
		logger.Fatal("Unable to connect to database", zap.Error(err))
	}
	defer database.Close(db)

	redisClient := redis.NewClient(&config.Config.Cache.Redis.RedisOptions)
	defer redisClient.Close()

	minioStorage, err := object.NewMinIOStorage(ctx, config.Config.Minio, logger)
	if err != nil {
		logger.Fatal("Unable to create MinIO client", zap.Error(err))
	}

	vectorDB, closeVectorDB, err := repository.NewVectorDatabase(ctx, config.Config.Milvus.Host, config.Config.Milvus.Port)
	if err != nil {
		logger.Fatal("Unable to create Milvus client", zap.Error(err))
	}
	defer func() { _ = closeVectorDB() }()

	aiClient, err := openai.NewProvider(ctx,
		config.Config.OpenAI.APIKey,
		config.Config.OpenAI.EmbeddingModel,
		config.Config.OpenAI.EmbeddingDimensions,
	)
	if err != nil {
		logger.Fatal("Unable to create embedding provider", zap.Error(err))
	}
	defer aiClient.Close()

	// The embedding collection must exist before the first document lands.
	exists, err := vectorDB.CollectionExists(ctx, repository.DocumentCollectionName)
	if err != nil {
		logger.Fatal("Unable to check vector collection", zap.Error(err))
	}
	if !exists {
		if err := vectorDB.CreateCollection(ctx, repository.DocumentCollectionName, uint32(aiClient.Dimensionality())); err != nil {
			logger.Fatal("Unable to create vector collection", zap.Error(err))
		}
	}

	temporalClient, err := temporalclient.Dial(temporalclient.Options{
		HostPort:  config.Config.Temporal.HostPort,
		Namespace: config.Config.Temporal.Namespace,
	})
	if err != nil {
		logger.Fatal("Unable to create Temporal client", zap.Error(err))
	}
	defer temporalClient.Close()

	repo := repository.NewRepository(db)

	svcConfig := service.Config{
		Repository:          repo,
		Storage:             minioStorage,
		VectorDB:            vectorDB,
		AI:                  aiClient,
		RedisClient:         redisClient,
		MinPartSize:         config.Config.Upload.MinPartSize,
		MaxSingleStreamSize: config.Config.Upload.MaxSingleStreamSize,
		StaleSessionTimeout: config.Config.Upload.StaleSessionTimeout,
	}

	// Worker, workflow wrapper, and service reference each other; build the
	// worker against a workflow-less service first, then swap in the full one.
	cw, err := ingestworker.New(ingestworker.Config{Service: service.NewService(svcConfig)}, logger)
	if err != nil {
		logger.Fatal("Unable to create worker", zap.Error(err))
	}

	svcConfig.ProcessDocumentWorkflow = ingestworker.NewProcessDocumentWorkflow(temporalClient, cw)
	svc := service.NewService(svcConfig)
	cw.SetService(svc)

	w := worker.New(temporalClient, ingestworker.TaskQueue, worker.Options{
		WorkflowPanicPolicy: worker.BlockWorkflow,
	})

	w.RegisterWorkflow(cw.ProcessDocumentWorkflow)
	w.RegisterWorkflow(cw.EmbedTextsWorkflow)
	w.RegisterWorkflow(cw.ReconcileUploadsWorkflow)

	w.RegisterActivity(cw.GetDocumentStatusActivity)
	w.RegisterActivity(cw.UpdateDocumentStatusActivity)
	w.RegisterActivity(cw.ExtractDocumentActivity)
	w.RegisterActivity(cw.ChunkDocumentActivity)
	w.RegisterActivity(cw.GetChunksForEmbeddingActivity)
	w.RegisterActivity(cw.EmbedBatchActivity)
	w.RegisterActivity(cw.SaveEmbeddingsActivity)
	w.RegisterActivity(cw.AbortStaleUploadsActivity)
	w.RegisterActivity(cw.AbortOrphanedRemoteUploadsActivity)
	w.RegisterActivity(cw.RequeueStuckDocumentsActivity)

	if err := w.Start(); err != nil {
		logger.Fatal("Unable to start worker", zap.Error(err))
	}
	logger.Info("Temporal worker started and polling for tasks")

	// The reconciliation sweep runs as a singleton; a second worker instance
	// finds it already started and moves on.
	if err := ingestworker.StartReconcileUploadsWorkflow(ctx, temporalClient, cw, ingestworker.ReconcileUploadsWorkflowParam{
		SweepInterval:  config.Config.Upload.SweepInterval,
		StaleThreshold: config.Config.Upload.StaleSessionTimeout,
	}); err != nil {
		logger.Error("Unable to start reconciliation workflow", zap.Error(err))
	}

	quitSig := make(chan os.Signal, 1)
	signal.Notify(quitSig, syscall.SIGINT, syscall.SIGTERM)
	<-quitSig

	logger.Info("Shutdown signal received, waiting for in-flight activities to complete...")
	time.Sleep(gracefulShutdownWaitPeriod)

	logger.Info("Shutting down worker...")
	w.Stop()
}
