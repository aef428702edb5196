package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/makeasinger/moment/internal/audio"
	"github.com/makeasinger/moment/internal/client"
	"github.com/makeasinger/moment/internal/config"
	"github.com/makeasinger/moment/internal/logging"
	"github.com/makeasinger/moment/internal/mcp"
	"github.com/makeasinger/moment/internal/model"
	"github.com/makeasinger/moment/internal/pipeline"
	"github.com/makeasinger/moment/internal/service"
	"github.com/makeasinger/moment/internal/store"
	ws "github.com/makeasinger/moment/internal/websocket"
	"github.com/makeasinger/moment/internal/worker"
)

// app holds the components shared by the serve and worker commands.
type app struct {
	cfg    *config.Config
	logger *slog.Logger

	redis       *redis.Client
	asynqClient *asynq.Client
	store       store.JobStore
	storage     client.StorageClient
	llm         *client.LLMClient
	separator   *client.AudioClient
	hub         *ws.Hub
	blueprints  *service.BlueprintService
	registry    *pipeline.Registry
	executor    pipeline.Executor
	asynqExec   *pipeline.AsynqExecutor
	localExec   *pipeline.LocalExecutor
	metrics     *prometheus.Registry
}

func (a *app) redisOpt() asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     a.cfg.Redis.Addr,
		Password: a.cfg.Redis.Password,
		DB:       a.cfg.Redis.DB,
	}
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	logger := logging.New(cfg.Server.LogLevel, cfg.Server.Env)
	slog.SetDefault(logger)

	a := &app{cfg: cfg, logger: logger}

	a.redis = redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := a.redis.Ping(ctx).Err(); err != nil {
		logger.Warn("redis not available", "addr", cfg.Redis.Addr, "error", err)
	}

	js, err := store.Open(cfg.Store.Driver, cfg.Store.SQLitePath, a.redis, cfg.Store.JobTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to open job store: %w", err)
	}
	a.store = js

	if cfg.Storage.AccessKeyID != "" && cfg.Storage.SecretAccessKey != "" && cfg.Storage.BucketName != "" {
		s3, err := client.NewS3Client(&cfg.Storage)
		if err != nil {
			return nil, fmt.Errorf("failed to init object storage: %w", err)
		}
		a.storage = s3
	} else {
		root := filepath.Join(cfg.TempDir, "moment-storage")
		logger.Info("object storage not configured, using local files", "root", root)
		a.storage = client.NewLocalStorage(root)
	}

	schema, err := model.LoadSchema(cfg.Blueprint.SchemaPath)
	if err != nil {
		return nil, err
	}
	a.llm = client.NewLLMClient(&cfg.LLM)
	if !a.llm.IsConfigured() {
		logger.Info("llm not configured, jobs without a blueprint get the placeholder")
	}
	a.blueprints = service.NewBlueprintService(a.llm, schema, service.BlueprintOptions{
		DefaultVoiceID: cfg.Voice.DefaultID,
		TempDir:        cfg.TempDir,
		Logger:         logger,
	})
	if cfg.Audio.ServiceURL != "" {
		a.separator = client.NewAudioClient(&cfg.Audio)
		hctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := a.separator.HealthCheck(hctx); err != nil {
			logger.Warn("stem service unreachable, separation will fail until it recovers", "url", cfg.Audio.ServiceURL, "error", err)
		}
		cancel()
	}
	a.hub = ws.NewHub(logger)

	a.metrics = prometheus.NewRegistry()
	a.metrics.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	pm := pipeline.NewMetrics(a.metrics)

	a.registry = pipeline.NewRegistry()
	a.newStages().Register(a.registry)

	switch cfg.Pipeline.Executor {
	case "local":
		a.localExec = pipeline.NewLocalExecutor(a.registry, pipeline.LocalOptions{
			Queue:       cfg.QueueName(),
			Concurrency: cfg.Pipeline.Concurrency,
			MaxRetry:    cfg.Pipeline.MaxRetry,
			Metrics:     pm,
			Logger:      logger,
		})
		a.executor = a.localExec
	default:
		a.asynqClient = asynq.NewClient(a.redisOpt())
		a.asynqExec = pipeline.NewAsynqExecutor(a.registry, a.asynqClient, pipeline.NewRedisBarrier(a.redis, 0), pipeline.AsynqOptions{
			Queue:    cfg.QueueName(),
			MaxRetry: cfg.Pipeline.MaxRetry,
			Metrics:  pm,
			Logger:   logger,
		})
		a.executor = a.asynqExec
	}
	return a, nil
}

// notifier returns where stages send job events. With the local executor
// stages run next to the hub; asynq workers may live in another process and
// publish through redis instead.
func (a *app) notifier() worker.Notifier {
	if a.cfg.Pipeline.Executor == "local" {
		return a.hub
	}
	return ws.NewRedisPublisher(a.redis, a.logger)
}

func (a *app) newStages() *worker.Stages {
	deps := worker.Deps{
		Store:      a.store,
		Tools:      worker.NewToolFactory(a.cfg.MCP, a.logger),
		Blueprints: a.blueprints,
		Storage:    a.storage,
		Notifier:   a.notifier(),
	}
	switch {
	case a.separator != nil:
		deps.Separator = a.separator
	case toolsAvailable(a.cfg.Audio.FFmpegPath, a.cfg.Audio.DemucsPath):
		deps.Audio = audio.NewCommandProcessor(a.cfg.Audio.FFmpegPath, a.cfg.Audio.DemucsPath)
	default:
		a.logger.Info("stem separation disabled, ffmpeg or demucs not found")
	}
	return worker.NewStages(deps, worker.Options{
		OutputKind: a.cfg.Pipeline.OutputKind,
		Song:       songOptions(a.cfg.Song),
		TempDir:    a.cfg.TempDir,
		Logger:     a.logger,
	})
}

func toolsAvailable(names ...string) bool {
	for _, name := range names {
		if _, err := exec.LookPath(name); err != nil {
			return false
		}
	}
	return true
}

func songOptions(cfg config.SongConfig) mcp.SongOptions {
	opts := mcp.SongOptions{
		Prompt:       cfg.Prompt,
		ModelID:      cfg.ModelID,
		OutputFormat: cfg.OutputFormat,
	}
	if cfg.LengthMs > 0 {
		length := cfg.LengthMs
		opts.MusicLengthMs = &length
	}
	if cfg.ForceInstrumental {
		force := true
		opts.ForceInstrumental = &force
	}
	return opts
}

// services reports which collaborators are configured, for /health.
func (a *app) services() map[string]bool {
	_, s3 := a.storage.(*client.S3Client)
	return map[string]bool{
		"llm":            a.llm.IsConfigured(),
		"object_storage": s3,
		"stem_service":   a.separator != nil,
		"default_voice":  a.cfg.Voice.DefaultID != "",
		"auth":           a.cfg.JWT.Secret != "",
	}
}

func (a *app) close() {
	if a.localExec != nil {
		a.localExec.Close()
	}
	if a.asynqClient != nil {
		a.asynqClient.Close()
	}
	if a.store != nil {
		a.store.Close()
	}
	a.redis.Close()
}
