package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/nidhogg/engram/internal/api"
	"github.com/nidhogg/engram/internal/compress"
	"github.com/nidhogg/engram/internal/config"
	"github.com/nidhogg/engram/internal/embedding"
	"github.com/nidhogg/engram/internal/journal"
	"github.com/nidhogg/engram/internal/memory"
	pgstore "github.com/nidhogg/engram/internal/store"
	"github.com/nidhogg/engram/internal/vectorstore"
	"go.uber.org/zap"
)

func main() {
	_ = godotenv.Load()

	logger, _ := zap.NewProduction()
	if os.Getenv("ENGRAM_DEV") != "" {
		logger, _ = zap.NewDevelopment()
	}
	defer logger.Sync()

	logger.Info("Starting engram...")

	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "configs/engram.json"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Fatal("failed to load config", zap.String("path", cfgPath), zap.Error(err))
	}
	logger.Info("Config loaded", zap.String("path", cfgPath))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Failsafe journal is always present; it is the system of record
	// whenever the primary backend is unreachable.
	journalDir := cfg.Journal.Dir
	if journalDir == "" {
		journalDir = "data/journal"
	}
	jrnl, err := journal.Open(journalDir, journal.Options{Fsync: cfg.Journal.Fsync}, logger)
	if err != nil {
		logger.Fatal("failed to open journal", zap.Error(err))
	}

	backend := buildBackend(ctx, cfg, logger)
	if backend == nil {
		logger.Warn("no primary backend configured, journal is the sole store")
	}

	store := memory.New(backend, jrnl, memory.Options{
		BackendTimeout: time.Duration(cfg.Backend.TimeoutSeconds) * time.Second,
	}, logger)

	injectCfg := memory.InjectConfig{
		Enabled:        cfg.Hook.HookEnabled(),
		PersistReplies: cfg.Hook.PersistReplies,
		MaxItems:       cfg.Hook.MaxInjectItems,
		MaxChars:       cfg.Hook.MaxInjectChars,
		RecencyBias:    cfg.Hook.RecencyBias,
	}
	injector := memory.NewInjector(store, injectCfg, logger)

	var lock compress.Locker
	if cfg.Compression.RedisURL != "" {
		redisLock, lockErr := compress.NewRedisLocker(cfg.Compression.RedisURL, "engram:compress", 0, logger)
		if lockErr != nil {
			logger.Warn("redis unavailable, compression runs unguarded", zap.Error(lockErr))
		} else {
			defer redisLock.Close()
			lock = redisLock
		}
	}
	comp := compress.New(store, compress.Config{
		Cutoff: cfg.Compression.Cutoff(),
		Lock:   lock,
	}, logger)
	runner := compress.NewRunner(comp, cfg.Compression.Interval(), logger)
	go runner.Start(ctx)

	handler := api.NewHandler(store, injector, comp, logger)
	port := cfg.Server.Port
	if port == 0 {
		port = 8080
	}
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: handler.Router(),
	}

	go func() {
		logger.Info("HTTP server listening", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", zap.Error(err))
	}
	logger.Info("Bye")
}

// buildBackend resolves the configured primary backend, or nil when the
// journal should be the sole persistence tier. A backend that cannot be
// reached at startup is treated the same as none: the store re-attempts
// nothing here, it simply runs journal-only until restart.
func buildBackend(ctx context.Context, cfg *config.Config, logger *zap.Logger) memory.Backend {
	switch cfg.Backend.Type {
	case "qdrant":
		client, err := vectorstore.NewClient(vectorstore.Config{
			Host: cfg.Backend.Qdrant.Host,
			Port: cfg.Backend.Qdrant.Port,
		})
		if err != nil {
			logger.Warn("qdrant unavailable", zap.Error(err))
			return nil
		}
		embedder := embedding.New(embedding.Config{
			Provider:  cfg.Embedding.Provider,
			Endpoint:  cfg.Embedding.Endpoint,
			Model:     cfg.Embedding.Model,
			APIKey:    cfg.Embedding.APIKey,
			Dimension: cfg.Embedding.Dimension,
		})
		adapter, err := vectorstore.NewAdapter(ctx, client, embedder, cfg.Backend.Qdrant.Collection, logger)
		if err != nil {
			logger.Warn("qdrant collection init failed", zap.Error(err))
			return nil
		}
		logger.Info("qdrant backend ready")
		return adapter

	case "postgres":
		pg, err := pgstore.New(ctx, cfg.Backend.Postgres.DSN, logger)
		if err != nil {
			logger.Warn("postgres unavailable", zap.Error(err))
			return nil
		}
		migrationsDir := cfg.Backend.Postgres.MigrationsDir
		if migrationsDir == "" {
			migrationsDir = "migrations"
		}
		if err := pg.Migrate(ctx, migrationsDir); err != nil {
			logger.Fatal("migration failed", zap.Error(err))
		}
		logger.Info("postgres backend ready")
		return pg

	case "", "none":
		return nil

	default:
		logger.Warn("unknown backend type", zap.String("type", cfg.Backend.Type))
		return nil
	}
}
