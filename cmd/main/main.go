package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/docstream/ingest-backend/config"
	"github.com/docstream/ingest-backend/pkg/ai/openai"
	"github.com/docstream/ingest-backend/pkg/handler"
	"github.com/docstream/ingest-backend/pkg/repository"
	"github.com/docstream/ingest-backend/pkg/repository/object"
	"github.com/docstream/ingest-backend/pkg/service"

	database "github.com/docstream/ingest-backend/pkg/db"
	logx "github.com/docstream/ingest-backend/pkg/logger"
	ingestworker "github.com/docstream/ingest-backend/pkg/worker"
	temporalclient "go.temporal.io/sdk/client"
)

const gracefulShutdownTimeout = 30 * time.Second

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

	// The API process enqueues workflows but does not poll the task queue;
	// the worker wrapper only carries the workflow function references.
	cw, err := ingestworker.New(ingestworker.Config{Service: service.NewService(svcConfig)}, logger)
	if err != nil {
		logger.Fatal("Unable to create worker wrapper", zap.Error(err))
	}
	svcConfig.ProcessDocumentWorkflow = ingestworker.NewProcessDocumentWorkflow(temporalClient, cw)
	svc := service.NewService(svcConfig)
	cw.SetService(svc)

	h := handler.New(svc, logger)

	addr := fmt.Sprintf(":%d", config.Config.Server.PublicPort)
	server := &http.Server{
		Addr:    addr,
		Handler: h.Routes(),
	}

	go func() {
		logger.Info("Starting HTTP server", zap.String("addr", addr))

		var err error
		if config.Config.Server.HTTPS.Cert != "" && config.Config.Server.HTTPS.Key != "" {
			err = server.ListenAndServeTLS(config.Config.Server.HTTPS.Cert, config.Config.Server.HTTPS.Key)
		} else {
			err = server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			logger.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	quitSig := make(chan os.Signal, 1)
	signal.Notify(quitSig, syscall.SIGINT, syscall.SIGTERM)
	<-quitSig

	logger.Info("Shutdown signal received, draining connections...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown failed", zap.Error(err))
	}
	logger.Info("Server stopped")
}
