package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"commitly/internal/util"
	"commitly/pkg/ai"
	"commitly/pkg/gitrepo"
	"commitly/pkg/pipeline"
	"commitly/pkg/queue"
	"commitly/pkg/secret"
	"commitly/pkg/storage"
	"commitly/pkg/store"
	"commitly/pkg/transcribe"
	"commitly/services/worker/internal/app"
	"commitly/services/worker/internal/config"
	"commitly/services/worker/internal/server"
)

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger := util.InitLogger(cfg.LogLevel)

	db, err := store.NewGormStore(cfg.DatabaseURL, store.WithEmbeddingDim(cfg.EmbeddingDim))
	if err != nil {
		log.Fatalf("failed to init store: %v", err)
	}
	jobs, err := queue.NewRedisJobQueue(queue.RedisQueueConfig{
		Addr:       cfg.RedisAddr,
		Password:   cfg.RedisPassword,
		Stream:     cfg.QueueStream,
		Group:      cfg.QueueGroup,
		MaxRetries: cfg.QueueMaxRetries,
		RetryDelay: time.Duration(cfg.QueueRetryDelaySeconds) * time.Second,
		Logger:     logger,
	})
	if err != nil {
		log.Fatalf("failed to init job queue: %v", err)
	}
	defer jobs.Close()

	provider := ai.ProviderConfig{
		Provider: cfg.AIProvider,
		APIKey:   cfg.ProviderAPIKey(),
		BaseURL:  cfg.AIBaseURL,
	}
	genCfg := provider
	genCfg.Model = cfg.GenerationModel
	generator, err := ai.NewGenerator(genCfg)
	if err != nil {
		log.Fatalf("failed to init generation model: %v", err)
	}
	embedCfg := provider
	embedCfg.Model = cfg.EmbeddingModel
	embedCfg.Dimensions = cfg.EmbeddingDim
	embedder, err := ai.NewEmbedderFromConfig(embedCfg)
	if err != nil {
		log.Fatalf("failed to init embedder: %v", err)
	}

	github, err := gitrepo.NewClient(gitrepo.Options{
		BaseURL:     cfg.GithubAPIURL,
		HTTPClient:  &http.Client{Timeout: 30 * time.Second},
		Concurrency: cfg.IngestConcurrency,
		Logger:      logger,
	})
	if err != nil {
		log.Fatalf("failed to init github client: %v", err)
	}
	summarizer := pipeline.NewSummarizer(generator, logger)
	indexer, err := pipeline.NewIndexer(pipeline.IndexerConfig{
		Loader:      github,
		Summarizer:  summarizer,
		Embedder:    embedder,
		Store:       db,
		Concurrency: cfg.IngestConcurrency,
		Logger:      logger,
	})
	if err != nil {
		log.Fatalf("failed to init indexer: %v", err)
	}
	puller, err := pipeline.NewCommitPuller(pipeline.CommitPullerConfig{
		Source:     github,
		Summarizer: summarizer,
		Store:      db,
		Window:     cfg.CommitWindow,
		Token:      cfg.GithubToken,
		Logger:     logger,
	})
	if err != nil {
		log.Fatalf("failed to init commit puller: %v", err)
	}

	appCfg := app.Config{
		Store:          db,
		Indexer:        indexer,
		Commits:        puller,
		Jobs:           jobs,
		Logger:         logger,
		Concurrency:    cfg.QueueConcurrency,
		MeetingTimeout: time.Duration(cfg.MeetingTimeoutSeconds) * time.Second,
		DefaultToken:   cfg.GithubToken,
	}
	if cfg.GithubTokenKey != "" {
		tokens, err := secret.NewBox(cfg.GithubTokenKey)
		if err != nil {
			log.Fatalf("failed to init token box: %v", err)
		}
		appCfg.Tokens = tokens
	}
	if cfg.AssemblyAIAPIKey != "" {
		transcriber, err := transcribe.NewAssemblyAI(cfg.AssemblyAIAPIKey)
		if err != nil {
			log.Fatalf("failed to init transcriber: %v", err)
		}
		appCfg.Transcriber = transcriber
	} else {
		logger.Warn("assemblyai not configured; meeting jobs will fail")
	}
	if cfg.MinioEndpoint != "" {
		objects, err := storage.NewMinioStore(storage.MinioConfig{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
			Region:    cfg.MinioRegion,
		})
		if err != nil {
			log.Fatalf("failed to init object storage: %v", err)
		}
		appCfg.Objects = objects
	}

	appCore, err := app.New(appCfg)
	if err != nil {
		log.Fatalf("failed to init app: %v", err)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	appCore.Start(ctx)

	httpServer, err := server.New(server.Config{App: appCore})
	if err != nil {
		log.Fatalf("failed to init server: %v", err)
	}
	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	slog.Info("worker server listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server error", "err", err)
	}
}
