package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"time"

	"commitly/internal/usertoken"
	"commitly/internal/util"
	"commitly/pkg/ai"
	"commitly/pkg/billing"
	"commitly/pkg/gitrepo"
	"commitly/pkg/pipeline"
	"commitly/pkg/queue"
	"commitly/pkg/secret"
	"commitly/pkg/storage"
	"commitly/pkg/store"
	"commitly/services/api/internal/app"
	"commitly/services/api/internal/config"
	"commitly/services/api/internal/server"
)

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := util.InitLogger(cfg.LogLevel)
	jwtLeeway, err := config.ParseJWTLeeway(cfg.JWTLeeway)
	if err != nil {
		log.Fatalf("failed to parse jwt leeway: %v", err)
	}
	tokenVerifier, err := usertoken.NewVerifier(usertoken.Config{
		JWKSURL:    cfg.AuthJWKSURL,
		Issuer:     cfg.AuthIssuer,
		Audience:   cfg.AuthAudience,
		Leeway:     jwtLeeway,
		HTTPClient: &http.Client{Timeout: 5 * time.Second},
	})
	if err != nil {
		log.Fatalf("failed to init jwks verifier: %v", err)
	}

	db, err := store.NewGormStore(cfg.DatabaseURL, store.WithEmbeddingDim(cfg.EmbeddingDim))
	if err != nil {
		log.Fatalf("failed to init store: %v", err)
	}
	jobs, err := queue.NewRedisJobQueue(queue.RedisQueueConfig{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		Stream:   cfg.QueueStream,
		Group:    cfg.QueueGroup,
		Logger:   logger,
	})
	if err != nil {
		log.Fatalf("failed to init job queue: %v", err)
	}
	defer jobs.Close()
	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := jobs.Ping(pingCtx); err != nil {
		cancel()
		log.Fatalf("failed to reach redis: %v", err)
	}
	cancel()

	provider := ai.ProviderConfig{
		Provider: cfg.AIProvider,
		APIKey:   cfg.ProviderAPIKey(),
		BaseURL:  cfg.AIBaseURL,
	}
	answerCfg := provider
	answerCfg.Model = cfg.AnswerModel
	answerGen, err := ai.NewGenerator(answerCfg)
	if err != nil {
		log.Fatalf("failed to init answer model: %v", err)
	}
	summaryCfg := provider
	summaryCfg.Model = cfg.GenerationModel
	summaryGen, err := ai.NewGenerator(summaryCfg)
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
		BaseURL:        cfg.GithubAPIURL,
		HTTPClient:     &http.Client{Timeout: 30 * time.Second},
		DirSampleLimit: cfg.DirSampleLimit,
		Logger:         logger,
	})
	if err != nil {
		log.Fatalf("failed to init github client: %v", err)
	}
	puller, err := pipeline.NewCommitPuller(pipeline.CommitPullerConfig{
		Source:     github,
		Summarizer: pipeline.NewSummarizer(summaryGen, logger),
		Store:      db,
		Window:     cfg.CommitWindow,
		Token:      cfg.GithubToken,
		Logger:     logger,
	})
	if err != nil {
		log.Fatalf("failed to init commit puller: %v", err)
	}

	appCfg := app.Config{
		Store:               db,
		Credits:             pipeline.NewCreditChecker(github),
		Commits:             puller,
		Jobs:                jobs,
		Generator:           answerGen,
		Embedder:            embedder,
		Logger:              logger,
		DefaultCredits:      cfg.DefaultCredits,
		SimilarityThreshold: cfg.SimilarityThreshold,
		TopK:                cfg.TopK,
		RecentCommits:       cfg.RecentCommits,
	}
	if cfg.GithubTokenKey != "" {
		tokens, err := secret.NewBox(cfg.GithubTokenKey)
		if err != nil {
			log.Fatalf("failed to init token box: %v", err)
		}
		appCfg.Tokens = tokens
	} else {
		logger.Warn("githubTokenKey not configured; user GitHub tokens are not persisted")
	}
	if cfg.StripeSecretKey != "" {
		payments, err := billing.NewStripe(billing.Config{
			SecretKey:        cfg.StripeSecretKey,
			WebhookSecret:    cfg.StripeWebhookSecret,
			AppURL:           cfg.AppURL,
			CreditsPerDollar: cfg.CreditsPerDollar,
		})
		if err != nil {
			log.Fatalf("failed to init stripe: %v", err)
		}
		appCfg.Payments = payments
	} else {
		logger.Warn("stripe not configured; credit purchases disabled")
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
	if cfg.CloudinaryURL != "" {
		cloudinary, err := storage.ParseCloudinaryURL(cfg.CloudinaryURL)
		if err != nil {
			log.Fatalf("failed to parse cloudinary url: %v", err)
		}
		appCfg.Cloudinary = &cloudinary
	}

	appCore, err := app.New(appCfg)
	if err != nil {
		log.Fatalf("failed to init app: %v", err)
	}

	httpServer, err := server.New(server.Config{
		App:                            appCore,
		TokenVerifier:                  tokenVerifier,
		RedisAddr:                      cfg.RedisAddr,
		RedisPassword:                  cfg.RedisPassword,
		AskRateLimitPerMinute:          cfg.AskRateLimitPerMinute,
		CheckCreditsRateLimitPerMinute: cfg.CheckCreditsRateLimitPerMinute,
		CORSAllowedOrigins:             cfg.CORSAllowedOrigins,
		TrustedProxyCIDRs:              cfg.TrustedProxyCIDRs,
	})
	if err != nil {
		log.Fatalf("failed to init server: %v", err)
	}
	defer httpServer.Close()

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:        addr,
		Handler:     httpServer.Router(),
		ReadTimeout: 15 * time.Second,
		// answers stream for longer than a plain JSON response
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	slog.Info("api server listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server error", "err", err)
	}
}
