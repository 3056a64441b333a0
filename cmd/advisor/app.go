package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/yourorg/security-advisor/internal/advisor"
	"github.com/yourorg/security-advisor/internal/archive"
	"github.com/yourorg/security-advisor/internal/config"
	"github.com/yourorg/security-advisor/internal/db"
	"github.com/yourorg/security-advisor/internal/llm"
	"github.com/yourorg/security-advisor/internal/logging"
	"github.com/yourorg/security-advisor/internal/observability"
	"github.com/yourorg/security-advisor/internal/retry"
)

// app holds everything a command builds from configuration.
type app struct {
	cfg      config.Config
	log      *zap.Logger
	repo     db.Repository
	registry *prometheus.Registry
	metrics  *observability.Metrics
	advisor  *advisor.Advisor
	closers  []func()
}

func (rt *app) Close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		rt.closers[i]()
	}
	_ = rt.log.Sync()
}

func loadConfig() (config.Config, *zap.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return cfg, nil, err
	}
	log, err := logging.New(logging.Options{Debug: cfg.LogDebug, JSON: cfg.LogJSON})
	if err != nil {
		return cfg, nil, fmt.Errorf("build logger: %w", err)
	}
	return cfg, log, nil
}

// openStore connects to Postgres and makes sure the schema exists. Without a
// DATABASE_URL, which config only allows in development, the in-memory store
// is used.
func openStore(ctx context.Context, cfg config.Config, log *zap.Logger) (db.Repository, func(), error) {
	if cfg.DatabaseURL == "" {
		log.Warn("no DATABASE_URL, using in-memory store")
		return db.NewMemStore(), func() {}, nil
	}
	store, err := db.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}
	if err := store.Ping(ctx); err != nil {
		store.Close()
		return nil, nil, fmt.Errorf("ping database: %w", err)
	}
	if err := store.EnsureSchema(ctx); err != nil {
		if !db.IsInsufficientPrivilege(err) {
			store.Close()
			return nil, nil, fmt.Errorf("ensure schema: %w", err)
		}
		log.Warn("ensure schema skipped due to insufficient privilege", zap.Error(err))
	}
	return store, store.Close, nil
}

func openArchive(ctx context.Context, cfg config.Config, log *zap.Logger) (advisor.Archive, error) {
	if !cfg.ArchiveEnabled() {
		log.Info("payload archive disabled")
		return nil, nil
	}
	c, err := archive.New(cfg.S3Endpoint, cfg.S3AccessKey, cfg.S3SecretKey, cfg.S3UseSSL, cfg.ArchiveBucket)
	if err != nil {
		return nil, fmt.Errorf("archive client: %w", err)
	}
	bctx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()
	if err := c.EnsureBucket(bctx); err != nil {
		return nil, err
	}
	return c, nil
}

func retryPolicy(cfg config.Config) retry.Policy {
	return retry.Policy{MaxAttempts: cfg.RetryAttempts, Base: cfg.RetryBaseDelay, Unit: time.Second}
}

func newApp(ctx context.Context) (*app, error) {
	cfg, log, err := loadConfig()
	if err != nil {
		return nil, err
	}
	reg := prometheus.NewRegistry()
	rt := &app{cfg: cfg, log: log, registry: reg, metrics: observability.NewMetrics(reg)}

	repo, closeRepo, err := openStore(ctx, cfg, log)
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.repo = repo
	rt.closers = append(rt.closers, closeRepo)

	arch, err := openArchive(ctx, cfg, log)
	if err != nil {
		rt.Close()
		return nil, err
	}

	// A missing model key only disables recommendation generation.
	backend, err := llm.New(ctx, cfg, log.Named("llm"))
	if err != nil {
		log.Warn("generation backend unavailable", zap.String("backend", cfg.LLMBackend), zap.Error(err))
		backend = nil
	} else if c, ok := backend.(io.Closer); ok {
		rt.closers = append(rt.closers, func() { _ = c.Close() })
	}

	rt.advisor = advisor.New(advisor.Deps{
		Repo:                 repo,
		Archive:              arch,
		Backend:              backend,
		PromptVersion:        cfg.PromptVersion,
		PolicyVersion:        cfg.PolicyVersion,
		Retry:                retryPolicy(cfg),
		SCMRequestsPerSecond: cfg.SCMRequestsPerSecond,
		Metrics:              rt.metrics,
		Logger:               log,
	})
	return rt, nil
}
