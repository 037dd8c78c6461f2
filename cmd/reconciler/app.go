package main

import (
	"fmt"
	"path/filepath"

	"github.com/axiomesh/axiom-kit/log"
	kitstorage "github.com/axiomesh/axiom-kit/storage"
	"github.com/axiomesh/axiom-kit/storage/leveldb"
	"github.com/dipforum/reconciler"
	"github.com/dipforum/reconciler/chain"
	"github.com/dipforum/reconciler/core"
	"github.com/dipforum/reconciler/repo"
	"github.com/dipforum/reconciler/storage"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
	"gorm.io/gorm"
)

// app holds everything a command needs to call the engine.
type app struct {
	repo   *repo.Repo
	logger *logrus.Logger
	db     *gorm.DB
	cache  kitstorage.Storage
	pool   *chain.Pool
	engine *core.Engine
}

// newApp loads the repo and wires storage, the discovery cache and the chain pool.
// Daemon logs go to rotated files, one-shot commands log to stderr.
func newApp(ctx *cli.Context, daemon bool) (*app, error) {
	p, err := getRootPath(ctx)
	if err != nil {
		return nil, err
	}
	r, err := repo.Load(p)
	if err != nil {
		return nil, err
	}

	if daemon {
		err = log.Initialize(
			log.WithReportCaller(r.Config.Log.ReportCaller),
			log.WithPersist(true),
			log.WithFilePath(filepath.Join(r.Config.RepoRoot, repo.LogsDirName)),
			log.WithFileName(r.Config.Log.Filename),
			log.WithMaxAge(r.Config.Log.MaxAge),
			log.WithRotationTime(r.Config.Log.RotationTime),
		)
		if err != nil {
			return nil, fmt.Errorf("log initialize: %w", err)
		}
	}
	logger := log.New()
	logger.SetLevel(log.ParseLevel(r.Config.Log.Level))

	// provider api keys may live in a dotenv file next to the config
	if env := r.EnvFile(); repo.Exist(env) {
		if err := godotenv.Load(env); err != nil {
			return nil, errors.Wrapf(err, "load %s", env)
		}
	}

	db, err := storage.Open(r.Config.Database, logger.WithField("module", "storage"))
	if err != nil {
		return nil, err
	}

	cache, err := leveldb.New(filepath.Join(r.Config.RepoRoot, repo.CacheDirName))
	if err != nil {
		_ = storage.Close(db)
		return nil, errors.Wrap(err, "open discovery cache")
	}

	pool := chain.NewPool(r.Config.Chain, logger.WithField("module", "chain"))
	engine := core.NewEngine(r.Config, storage.NewStore(db), pool, logger.WithField("module", "engine"), core.WithCache(cache))

	return &app{
		repo:   r,
		logger: logger,
		db:     db,
		cache:  cache,
		pool:   pool,
		engine: engine,
	}, nil
}

func (a *app) Close() {
	a.pool.Close()
	if err := a.cache.Close(); err != nil {
		a.logger.Errorf("close discovery cache: %s", err)
	}
	if err := storage.Close(a.db); err != nil {
		a.logger.Errorf("close database: %s", err)
	}
}

func printVersion() {
	fmt.Printf("Reconciler version: %s-%s-%s\n", reconciler.CurrentVersion, reconciler.CurrentBranch, reconciler.CurrentCommit)
	fmt.Printf("App build date: %s\n", reconciler.BuildDate)
	fmt.Printf("System version: %s\n", reconciler.Platform)
	fmt.Printf("Golang version: %s\n", reconciler.GoVersion)
	fmt.Println()
}
