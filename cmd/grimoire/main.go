package main

import (
	"context"
	"log"
	"os"

	"github.com/redis/go-redis/v9"

	"github.com/hexweave/grimoire/internal/api"
	"github.com/hexweave/grimoire/internal/artifact"
	"github.com/hexweave/grimoire/internal/budget"
	"github.com/hexweave/grimoire/internal/cache"
	"github.com/hexweave/grimoire/internal/config"
	"github.com/hexweave/grimoire/internal/dispatch"
	"github.com/hexweave/grimoire/internal/engine"
	"github.com/hexweave/grimoire/internal/idempotency"
	"github.com/hexweave/grimoire/internal/sandbox"
	"github.com/hexweave/grimoire/internal/store"
)

const tokenCacheEntries = 128

func main() {
	cfg := config.Load()
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	logger.Info("grimoire: starting",
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.DBPath,
	)

	db, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	ctx := context.Background()

	var artifacts artifact.Store
	if cfg.S3Bucket != "" {
		s3Store, err := artifact.NewS3(ctx, artifact.S3Config{
			Bucket:    cfg.S3Bucket,
			Region:    cfg.S3Region,
			Endpoint:  cfg.S3Endpoint,
			PathStyle: cfg.S3PathStyle,
		})
		if err != nil {
			log.Fatalf("failed to configure artifact bucket: %v", err)
		}
		artifacts = s3Store
		logger.Info("artifact store: s3", "bucket", cfg.S3Bucket)
	} else {
		artifacts = artifact.NewMemory()
		logger.Info("artifact store: in-memory")
	}

	var tokenCache, installationCache cache.TTLCache
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatalf("failed to reach redis at %s: %v", cfg.RedisAddr, err)
		}
		tokenCache = cache.NewRedis(rdb, "dispatch:token")
		installationCache = cache.NewRedis(rdb, "dispatch:installation")
		logger.Info("token cache: redis", "addr", cfg.RedisAddr)
	} else {
		tokenCache = cache.NewBytes(tokenCacheEntries, nil)
		installationCache = cache.NewBytes(tokenCacheEntries, nil)
	}

	runtime := sandbox.NewRuntime(sandbox.Config{Logger: logger})

	reg := engine.NewRegistry()
	reg.Register(engine.NewSandboxEngine(runtime, artifacts, logger))

	if cfg.DispatchAppID != "" {
		keyPEM, err := os.ReadFile(cfg.DispatchPrivateKeyPath)
		if err != nil {
			log.Fatalf("failed to read dispatch private key: %v", err)
		}
		client, err := dispatch.NewClient(dispatch.Config{
			BaseURL:           cfg.DispatchBaseURL,
			AppID:             cfg.DispatchAppID,
			PrivateKeyPEM:     keyPEM,
			TokenCache:        tokenCache,
			InstallationCache: installationCache,
			Logger:            logger,
		})
		if err != nil {
			log.Fatalf("failed to configure dispatch client: %v", err)
		}
		reg.Register(engine.NewWorkflowEngine(client, artifacts, logger, engine.WorkflowEngineConfig{}))
	} else {
		logger.Warn("workflow engine disabled: no dispatch app configured")
	}

	casts := engine.NewRouter(db, reg, logger)
	idem := idempotency.NewGate(db, logger)
	budgets := budget.NewGate(db, budget.Config{
		DefaultCapCents: cfg.DefaultCapCents,
		Logger:          logger,
	})

	srv := api.NewServer(cfg.ListenAddr, db, casts, idem, budgets, logger, api.Options{
		MaxStreamsPerCaller: cfg.MaxStreamsPerCaller,
	})

	if err := srv.Run(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
