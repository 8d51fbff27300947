package main

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/xxxsen/common/logger"
	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/glossary-ingest/internal/ai"
	"github.com/xxxsen/glossary-ingest/internal/config"
	"github.com/xxxsen/glossary-ingest/internal/db"
	"github.com/xxxsen/glossary-ingest/internal/embedcache"
	"github.com/xxxsen/glossary-ingest/internal/filestore"
	"github.com/xxxsen/glossary-ingest/internal/ingest"
	"github.com/xxxsen/glossary-ingest/internal/repo"
	"github.com/xxxsen/glossary-ingest/internal/retry"
	"github.com/xxxsen/glossary-ingest/internal/source"
)

// app holds the wired components shared by every command.
type app struct {
	cfg        *config.Config
	db         *sqlx.DB
	runs       *repo.IngestRunRepo
	terms      *repo.TermRepo
	embeddings *repo.TermEmbeddingRepo
	embedder   ai.IEmbedder
	orch       *ingest.Orchestrator
	manager    *ingest.Manager
	defaults   ingest.Options
}

func loadApp(configPath string) (*app, error) {
	if configPath == "" {
		return nil, fmt.Errorf("--config is required")
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	logger.Init(
		cfg.LogConfig.File,
		cfg.LogConfig.Level,
		int(cfg.LogConfig.FileCount),
		int(cfg.LogConfig.FileSize),
		int(cfg.LogConfig.KeepDays),
		cfg.LogConfig.Console,
	)
	logutil.GetLogger(context.Background()).Info("config loaded",
		zap.String("config", configPath),
		zap.String("driver", cfg.Database.Driver),
	)

	conn, err := db.Open(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.ApplyMigrations(conn); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("migrations: %w", err)
	}
	embedder, err := newEmbedder(cfg.Embedding)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("init embedder: %w", err)
	}

	a := &app{
		cfg:        cfg,
		db:         conn,
		runs:       repo.NewIngestRunRepo(conn),
		terms:      repo.NewTermRepo(conn),
		embeddings: repo.NewTermEmbeddingRepo(conn),
		embedder:   embedder,
	}
	fingerprints := repo.NewFingerprintRepo(conn)
	store := filestore.NewMux(map[string]interface{}{
		"s3": map[string]interface{}{
			"region":         cfg.S3.Region,
			"endpoint":       cfg.S3.Endpoint,
			"access_key":     cfg.S3.AccessKey,
			"secret_key":     cfg.S3.SecretKey,
			"use_path_style": cfg.S3.UsePathStyle,
		},
	})
	policy := retry.DefaultPolicy()
	policy.MaxAttempts = cfg.Ingest.Retry.MaxAttempts
	policy.InitialBackoff = time.Duration(cfg.Ingest.Retry.InitialBackoffMS) * time.Millisecond
	policy.MaxBackoff = time.Duration(cfg.Ingest.Retry.MaxBackoffMS) * time.Millisecond

	writer := ingest.NewWriter(ingest.WriterDeps{
		DB:             conn,
		Terms:          a.terms,
		Fingerprints:   fingerprints,
		Embeddings:     a.embeddings,
		Embedder:       embedder,
		Retry:          policy,
		TouchUnchanged: *cfg.Ingest.TouchUnchanged,
	})
	ledger := ingest.NewLedger(a.runs, time.Duration(cfg.Ingest.LeaseTimeoutSeconds)*time.Second)
	a.orch = ingest.NewOrchestrator(source.New(store), ledger, writer, fingerprints)
	a.defaults = ingest.Options{
		ChunkSize:  cfg.Ingest.ChunkSize,
		MaxRuntime: time.Duration(cfg.Ingest.MaxRuntimeSeconds) * time.Second,
		Schema: source.Schema{
			KeyColumn:     cfg.Ingest.KeyColumn,
			ListColumns:   cfg.Ingest.ListColumns,
			IgnoreColumns: cfg.Ingest.IgnoreColumns,
		},
	}
	a.manager = ingest.NewManager(a.orch, a.runs, a.defaults)
	return a, nil
}

// newEmbedder returns nil when no provider is configured.
func newEmbedder(cfg config.EmbeddingConfig) (ai.IEmbedder, error) {
	if cfg.Provider == "" {
		return nil, nil
	}
	provider, err := ai.NewEmbedProvider(cfg.Provider, map[string]interface{}{
		"api_key":  cfg.APIKey,
		"base_url": cfg.BaseURL,
	})
	if err != nil {
		return nil, err
	}
	embedder := ai.NewEmbedder(provider, cfg.Model)
	embedder = ai.RateLimited(embedder, cfg.RatePerSecond)
	return embedcache.Wrap(embedder, cfg.CacheSize, time.Duration(cfg.CacheTTLMinutes)*time.Minute), nil
}

func (a *app) Close() {
	_ = a.db.Close()
}
