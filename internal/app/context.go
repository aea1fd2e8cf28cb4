// Package app assembles a running verifier from configuration.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"patchverify/internal/cache"
	"patchverify/internal/config"
	"patchverify/internal/db"
	"patchverify/internal/executor"
	"patchverify/internal/jobs"
	"patchverify/internal/metadata"
	"patchverify/internal/migrate"
	"patchverify/internal/patch"
	"patchverify/internal/repo"
)

// App holds the wired components. Close releases them.
type App struct {
	Config  *config.Config
	Catalog *metadata.Catalog
	Engine  *patch.Engine
	Cache   *cache.Tiered
	Redis   *cache.Redis
	Files   *cache.Files
	Jobs    *jobs.Service
	Logger  *zap.Logger

	db *sql.DB
}

// LoadCatalog reads the metadata catalog named by cfg.
func LoadCatalog(cfg *config.Config, log *zap.Logger) (*metadata.Catalog, error) {
	cat, stats, err := metadata.Load(metadata.LoadOptions{
		Root:    cfg.Paths.SrcRoot,
		Sources: cfg.Paths.Sources,
		Affixes: cfg.Paths.Affixes,
	})
	if err != nil {
		return nil, fmt.Errorf("load catalog: %w", err)
	}
	log.Info("catalog loaded", zap.Int("records", stats.Records), zap.Int("sources", stats.Sources), zap.Int("affixes", stats.Affixes))
	return cat, nil
}

// NewEngine returns a patch engine over cat using cfg paths.
func NewEngine(cfg *config.Config, cat metadata.Lookup) *patch.Engine {
	return &patch.Engine{Meta: cat, PatchDir: cfg.Paths.PatchDir, CheckoutRoot: cfg.Paths.OutRoot}
}

// NewCache builds the tier list: Redis first when enabled, then the file tier.
// The Redis tier is kept even if unreachable at startup; lookups report it unavailable.
func NewCache(ctx context.Context, cfg *config.Config, log *zap.Logger) (*cache.Tiered, *cache.Redis, *cache.Files) {
	files := &cache.Files{OutRoot: cfg.Paths.OutRoot, MaxLines: cfg.Logs.MaxLines, MaxTokens: cfg.Logs.MaxTokens}
	if !cfg.Redis.Enabled {
		return cache.NewTiered(log, files), nil, files
	}
	rds := cache.NewRedis(cache.RedisOptions{
		Addr:        cfg.Redis.Addr,
		Password:    cfg.Redis.Password,
		DB:          cfg.Redis.DB,
		DialTimeout: cfg.Redis.DialTimeout,
		ReadTimeout: cfg.Redis.ReadTimeout,
		TTL:         cfg.Redis.TTL,
	})
	if err := rds.Ping(ctx); err != nil {
		log.Warn("redis unreachable, continuing with durable tier", zap.String("addr", cfg.Redis.Addr), zap.Error(err))
	}
	return cache.NewTiered(log, rds, files), rds, files
}

// OpenStore returns the job store selected by cfg.Store.Driver.
func OpenStore(ctx context.Context, workspace string, cfg *config.Config) (jobs.Store, *sql.DB, error) {
	switch cfg.Store.Driver {
	case "memory", "":
		return jobs.NewMemoryStore(), nil, nil
	case "sqlite":
		conn, err := db.Open(db.Config{Workspace: workspace})
		if err != nil {
			return nil, nil, fmt.Errorf("open job db: %w", err)
		}
		if err := migrate.Migrate(ctx, conn); err != nil {
			conn.Close()
			return nil, nil, fmt.Errorf("migrate job db: %w", err)
		}
		return repo.New(conn), conn, nil
	default:
		return nil, nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

// New wires every component for workspace.
func New(ctx context.Context, workspace string, cfg *config.Config, log *zap.Logger) (*App, error) {
	if log == nil {
		log = zap.NewNop()
	}
	cat, err := LoadCatalog(cfg, log)
	if err != nil {
		return nil, err
	}
	store, conn, err := OpenStore(ctx, workspace, cfg)
	if err != nil {
		return nil, err
	}
	tiers, rds, files := NewCache(ctx, cfg, log)
	engine := NewEngine(cfg, cat)
	exec := executor.Script{
		OutRoot:         cfg.Paths.OutRoot,
		Shell:           cfg.Build.Shell,
		Script:          cfg.Build.Script,
		ReproduceScript: cfg.Build.ReproduceScript,
		MaxLines:        cfg.Logs.MaxLines,
		MaxTokens:       cfg.Logs.MaxTokens,
		Logger:          log.Named("executor"),
	}
	svc := jobs.New(engine, exec, tiers, store, log.Named("jobs"))
	svc.Timeouts = jobs.TimeoutPolicy{
		Default:       cfg.Build.DefaultTimeout,
		Large:         cfg.Build.LargeTimeout,
		LargeProjects: cfg.Build.LargeProjects,
	}
	return &App{
		Config:  cfg,
		Catalog: cat,
		Engine:  engine,
		Cache:   tiers,
		Redis:   rds,
		Files:   files,
		Jobs:    svc,
		Logger:  log,
		db:      conn,
	}, nil
}

// Close waits for running jobs within ctx, then closes the store and Redis.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if err := a.Jobs.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
