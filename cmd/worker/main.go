package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/medscribe/medscribe/internal/aggregator"
	"github.com/medscribe/medscribe/internal/asr"
	"github.com/medscribe/medscribe/internal/auth"
	"github.com/medscribe/medscribe/internal/blobstore"
	"github.com/medscribe/medscribe/internal/combine"
	"github.com/medscribe/medscribe/internal/config"
	"github.com/medscribe/medscribe/internal/database"
	"github.com/medscribe/medscribe/internal/dispatch"
	"github.com/medscribe/medscribe/internal/ledger"
	"github.com/medscribe/medscribe/internal/lease"
	"github.com/medscribe/medscribe/internal/pipeline"
	"github.com/medscribe/medscribe/internal/queue"
	"github.com/medscribe/medscribe/internal/repository"
	"github.com/medscribe/medscribe/internal/summarize"
	"github.com/medscribe/medscribe/internal/transcode"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := zerolog.New(os.Stderr).With().Timestamp().Str("service", "medscribe-worker").Logger()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("load config")
	}

	pool, err := database.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("connect database")
	}
	defer pool.Close()
	if err := database.EnsureSchema(ctx, pool); err != nil {
		logger.Fatal().Err(err).Msg("ensure schema")
	}
	repo := repository.NewRecordingRepository(pool)

	blobs, err := blobstore.NewMinio(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("init blob store")
	}
	if err := blobs.EnsureBucket(ctx); err != nil {
		logger.Fatal().Err(err).Msg("ensure bucket")
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer rdb.Close()
	locker := lease.NewRedis(rdb)

	redisOpt := asynq.RedisClientOpt{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}
	asynqClient := asynq.NewClient(redisOpt)
	defer asynqClient.Close()
	tasks := queue.NewClient(asynqClient, cfg.StageMaxRetries)

	led := ledger.NewMemory()
	machine := pipeline.NewMachine(repo, logger)
	agg := aggregator.New(led, blobs, repo, logger)
	engine := combine.New(led, blobs, locker, transcode.NewFFmpeg(cfg.FFmpegPath), cfg.LeaseTTL, logger)

	var tokens auth.Validator = auth.NoopValidator{}
	if len(cfg.JWTSecret) > 0 {
		tokens = auth.NewJWTValidator(cfg.JWTSecret)
	}

	dispatcher := dispatch.New(dispatch.Config{
		Machine:     machine,
		Aggregator:  agg,
		Engine:      engine,
		Ledger:      led,
		Blobs:       blobs,
		Transcriber: asr.NewWhisper(cfg.OpenAIKey, cfg.WhisperModel),
		Summarizer:  summarize.NewOpenAI(cfg.OpenAIKey, cfg.SummarizeModel),
		Tokens:      tokens,
		Tasks:       tasks,
		Logger:      logger,
		Timeout:     cfg.CollaboratorTimeout,
	})

	sweeper := pipeline.NewSweeper(repo, tasks, cfg.ReconcileInterval, cfg.StaleAfter, logger)
	go sweeper.Run(ctx)

	server := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: cfg.Concurrency,
	})
	go func() {
		<-ctx.Done()
		server.Shutdown()
	}()

	logger.Info().Int("concurrency", cfg.Concurrency).Msg("worker starting")
	if err := server.Run(dispatcher.Handler()); err != nil {
		logger.Error().Err(err).Msg("worker stopped")
		os.Exit(1)
	}
}
