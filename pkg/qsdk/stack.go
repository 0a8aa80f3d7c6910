package qsdk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/quatton/qmesh/pkg/db"
	"github.com/quatton/qmesh/pkg/kv"
	"github.com/quatton/qmesh/pkg/qart"
	"github.com/quatton/qmesh/pkg/qconf"
	"github.com/quatton/qmesh/pkg/qengine"
	"github.com/quatton/qmesh/pkg/qexport"
	"github.com/quatton/qmesh/pkg/qimport"
	"github.com/quatton/qmesh/pkg/qscene"
	"github.com/quatton/qmesh/pkg/qsdk/qerr"
	"github.com/quatton/qmesh/pkg/qsession"
	"github.com/uptrace/bun"
)

// Stack is every component of a qmesh process wired from one Config.
type Stack struct {
	Config *Config
	Logger *slog.Logger

	Schema    *qconf.Schema
	Settings  *qconf.Settings
	Presets   *qconf.PresetStore
	KV        kv.Store
	Artifacts qart.Store
	DB        *bun.DB
	Runs      *db.RunRepository

	Scene     *qscene.Memory
	ScenePath string

	Engine   *qengine.Controller
	Exporter *qexport.Exporter
	Importer *qimport.Importer
	Tracker  *qsession.Tracker
}

// LoadSchema loads the option catalog named by cfg and checks its version
// against schema.supported.
func LoadSchema(cfg *Config) (*qconf.Schema, error) {
	return qconf.LoadSchemaFileSupported(cfg.Schema.Path, cfg.Schema.Supported)
}

// NewEngine builds the engine controller for cfg. lock may be nil.
func NewEngine(cfg *Config, lock kv.Store, logger *slog.Logger) (*qengine.Controller, error) {
	args, err := cfg.Engine.ArgList()
	if err != nil {
		return nil, err
	}
	opts := []qengine.Option{qengine.WithLogger(logger)}
	if lock != nil {
		opts = append(opts, qengine.WithLock(lock, ""))
	}
	return qengine.New(qengine.Config{
		Path:       cfg.Engine.Path,
		Args:       args,
		Sign:       cfg.Engine.Sign,
		KillGrace:  cfg.Engine.KillGrace,
		MaxRuntime: cfg.Engine.MaxRuntime,
		OutputName: cfg.Engine.OutputName,
	}, opts...), nil
}

// OpenKV connects to Valkey when kv.addr is set, else returns an in-process
// store.
func OpenKV(ctx context.Context, cfg KVConfig) (kv.Store, error) {
	if cfg.Addr == "" {
		return kv.NewMemoryStore(), nil
	}
	return kv.NewValkeyStore(ctx, kv.ValkeyConfig{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

// OpenArtifacts returns the configured archive, or nil for backend "none".
func OpenArtifacts(ctx context.Context, cfg ArtifactsConfig) (qart.Store, error) {
	switch cfg.Backend {
	case "none":
		return nil, nil
	case "", "dir":
		return qart.NewDirStore(cfg.Dir), nil
	case "s3":
		store, err := qart.NewS3Store(qart.S3Config{
			Endpoint:  cfg.Endpoint,
			AccessKey: cfg.AccessKey,
			SecretKey: cfg.SecretKey,
			Bucket:    cfg.Bucket,
			Region:    cfg.Region,
			UseSSL:    cfg.UseSSL,
		})
		if err != nil {
			return nil, err
		}
		if err := store.EnsureBucket(ctx); err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown artifacts backend %q", cfg.Backend)
	}
}

// OpenDB opens and migrates the run history database.
func OpenDB(ctx context.Context, cfg DBConfig) (*bun.DB, error) {
	database, err := db.New(ctx, db.Config{
		Driver: cfg.Driver,
		DSN:    cfg.DSN,
		Debug:  cfg.Debug,
	})
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(ctx, database); err != nil {
		database.Close()
		return nil, err
	}
	return database, nil
}

// Open wires a Stack. scenePath is the workspace scene; a missing file
// starts an empty scene that SaveScene creates. Runs left active by a
// previous process are marked failed.
func Open(ctx context.Context, cfg *Config, scenePath string, logger *slog.Logger) (_ *Stack, err error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Stack{Config: cfg, Logger: logger, ScenePath: scenePath}
	defer func() {
		if err != nil {
			s.Close(ctx)
		}
	}()

	if s.Schema, err = LoadSchema(cfg); err != nil {
		return nil, err
	}
	s.Settings = qconf.NewSettings(s.Schema)
	format, err := qconf.ParsePresetFormat(cfg.Presets.Format)
	if err != nil {
		return nil, err
	}
	s.Presets = qconf.NewPresetStore(cfg.Presets.Dir, s.Schema,
		qconf.WithPresetFormat(format), qconf.WithPresetLogger(logger))

	if s.KV, err = OpenKV(ctx, cfg.KV); err != nil {
		return nil, fmt.Errorf("connecting kv: %w", err)
	}
	if s.Artifacts, err = OpenArtifacts(ctx, cfg.Artifacts); err != nil {
		return nil, fmt.Errorf("opening artifacts: %w", err)
	}
	if s.DB, err = OpenDB(ctx, cfg.DB); err != nil {
		return nil, fmt.Errorf("opening run history: %w", err)
	}
	s.Runs = db.NewRunRepository(s.DB)
	if n, err := s.Runs.MarkInterrupted(ctx); err != nil {
		return nil, err
	} else if n > 0 {
		logger.Warn("marked interrupted runs as failed", "count", n)
	}

	if s.Scene, err = loadScene(scenePath); err != nil {
		return nil, err
	}
	if s.Engine, err = NewEngine(cfg, s.KV, logger); err != nil {
		return nil, err
	}
	configFormat, err := qconf.ParseConfigFormat(cfg.Engine.ConfigFormat)
	if err != nil {
		return nil, err
	}

	s.Exporter = qexport.New(s.Scene, qexport.WithScratchDir(cfg.ScratchDir), qexport.WithLogger(logger))
	s.Importer = qimport.New(s.Scene,
		qimport.WithSuffix(cfg.Import.Suffix),
		qimport.WithHideSources(cfg.Import.HideSources),
		qimport.WithLogger(logger))

	trackerOpts := []qsession.Option{qsession.WithStore(s.Runs), qsession.WithLogger(logger)}
	if s.Artifacts != nil {
		trackerOpts = append(trackerOpts, qsession.WithArchive(s.Artifacts))
	}
	s.Tracker = qsession.New(qsession.Config{
		Schema:       s.Schema,
		Exporter:     s.Exporter,
		Engine:       s.Engine,
		Importer:     s.Importer,
		ScratchDir:   cfg.ScratchDir,
		ConfigFormat: configFormat,
		OutputName:   cfg.Engine.OutputName,
	}, trackerOpts...)
	return s, nil
}

func loadScene(path string) (*qscene.Memory, error) {
	if path == "" {
		return qscene.NewMemory(), nil
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return qscene.NewMemory(), nil
	}
	scene, err := qscene.LoadGLB(path)
	if err != nil {
		return nil, fmt.Errorf("loading scene %s: %w", path, err)
	}
	return scene, nil
}

// Select resolves object names in the workspace scene.
func (s *Stack) Select(names []string) ([]qscene.ObjectID, error) {
	ids := make([]qscene.ObjectID, 0, len(names))
	for _, name := range names {
		o, err := s.Scene.FindByName(name)
		if err != nil {
			return nil, qerr.New(qerr.CodeNotFound, err)
		}
		ids = append(ids, o.ID)
	}
	return ids, nil
}

// SaveScene writes the workspace scene back to ScenePath.
func (s *Stack) SaveScene() error {
	if s.ScenePath == "" {
		return nil
	}
	return s.Scene.SaveGLB(s.ScenePath)
}

// Close tears down the tracker and releases connections.
func (s *Stack) Close(ctx context.Context) error {
	var errs []error
	if s.Tracker != nil {
		errs = append(errs, s.Tracker.Teardown(ctx))
	}
	if s.KV != nil {
		errs = append(errs, s.KV.Close())
	}
	if s.DB != nil {
		errs = append(errs, s.DB.Close())
	}
	return errors.Join(errs...)
}
