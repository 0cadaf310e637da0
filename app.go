package main

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"pachat/internal/analytics"
	"pachat/internal/approval"
	"pachat/internal/config"
	"pachat/internal/pipeline"
	"pachat/internal/redis"
	"pachat/internal/service/ai"
	"pachat/internal/service/chat"
	"pachat/internal/storage"
	"pachat/internal/streaming"
	"pachat/internal/worker"
)

// app holds the wired components shared by every command.
type app struct {
	cfg         *config.Config
	logger      *zap.Logger
	db          *sql.DB
	analyticsDB *sqlx.DB
	rdb         *redis.Client
	bus         *streaming.Bus
	orch        *pipeline.Orchestrator
	workers     *worker.Manager
	cancel      context.CancelFunc
}

func loadConfig(path string) (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	logger, err := newLogger(cfg.Log)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

func newLogger(cfg config.LogConfig) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if cfg.Development {
		zcfg = zap.NewDevelopmentConfig()
	}
	if cfg.Level != "" {
		level, err := zap.ParseAtomicLevel(cfg.Level)
		if err != nil {
			return nil, fmt.Errorf("log level: %w", err)
		}
		zcfg.Level = level
	}
	return zcfg.Build()
}

func newApp(ctx context.Context, cfgPath string) (a *app, err error) {
	cfg, logger, err := loadConfig(cfgPath)
	if err != nil {
		return nil, err
	}
	runCtx, cancel := context.WithCancel(context.Background())
	a = &app{cfg: cfg, logger: logger, cancel: cancel}
	defer func() {
		if err != nil {
			a.close()
			a = nil
		}
	}()

	driver := cfg.BasicConfig.DatabaseDriver
	if driver == "" {
		driver = "sqlite3"
	}
	if a.db, err = storage.Open(driver, cfg); err != nil {
		return a, fmt.Errorf("open database: %w", err)
	}
	if err = storage.Migrate(a.db, driver); err != nil {
		return a, fmt.Errorf("migrate database: %w", err)
	}

	if cfg.Analytics.RebuildOnStart {
		res, rerr := rebuildSessions(ctx, cfg.Analytics.DatabasePath, logger)
		if rerr != nil {
			// questions can still be answered from what is already there
			logger.Warn("session rebuild failed", zap.Error(rerr))
		} else {
			logger.Info("usage sessions rebuilt",
				zap.Int("inserted", res.Inserted),
				zap.Int64("discarded", res.Discarded),
				zap.Int("activity_updated", res.ActivityUpdated),
			)
		}
	}
	if a.analyticsDB, err = analytics.OpenReadOnly(cfg.Analytics.DatabasePath); err != nil {
		return a, fmt.Errorf("open analytics database: %w", err)
	}
	catalog, err := analytics.LoadCatalog(ctx, a.analyticsDB, cfg.Analytics.TableDocsDir, logger)
	if err != nil {
		return a, err
	}

	clients, err := ai.NewClients(ctx, cfg)
	if err != nil {
		return a, err
	}
	registry := make(pipeline.Registry, len(clients))
	for capability, client := range clients {
		registry[capability] = client
		logger.Debug("capability bound", zap.String("capability", capability), zap.String("provider", client.Name()))
	}

	a.bus = streaming.NewBus()
	var gate approval.Gate = approval.NewMemoryGate()
	if cfg.Redis.Enabled {
		if a.rdb, err = redis.NewRedisClient(cfg); err != nil {
			return a, fmt.Errorf("create redis client: %w", err)
		}
		gate = approval.NewRedisGate(a.rdb)
		if err = streaming.NewRelay(a.rdb, logger).Start(runCtx, a.bus); err != nil {
			return a, fmt.Errorf("start event relay: %w", err)
		}
	}

	a.orch, err = pipeline.New(pipeline.Deps{
		Capabilities: registry,
		Executor:     analytics.NewExecutor(a.analyticsDB),
		Store:        chat.NewStore(a.db),
		Gate:         gate,
		Events:       a.bus,
		Catalog:      catalog,
		Logger:       logger,
		ChunkRows:    cfg.Analytics.ChunkRows,
		DefaultTopK:  cfg.Analytics.TopK,
	})
	if err != nil {
		return a, err
	}
	if _, err = a.orch.Recover(ctx); err != nil {
		return a, err
	}
	a.workers = worker.NewManager(worker.ConfigFrom(cfg.BasicConfig), logger)
	return a, nil
}

func (a *app) close() {
	if a.workers != nil {
		a.workers.Stop()
	}
	if a.cancel != nil {
		a.cancel()
	}
	if a.rdb != nil {
		a.rdb.Close()
	}
	if a.analyticsDB != nil {
		a.analyticsDB.Close()
	}
	if a.db != nil {
		a.db.Close()
	}
	if a.logger != nil {
		a.logger.Sync()
	}
}

// requestLogger logs one line per request through zap.
func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
		)
	}
}
