// Package pipeline wires configuration into a running clipper: store, temp
// space, media adapters, stage pipeline, orchestrator and janitor.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/forPelevin/clipper/internal/config"
	"github.com/forPelevin/clipper/internal/database"
	"github.com/forPelevin/clipper/internal/janitor"
	"github.com/forPelevin/clipper/internal/jobstore"
	"github.com/forPelevin/clipper/internal/orchestrator"
	"github.com/forPelevin/clipper/internal/ports"
	"github.com/forPelevin/clipper/internal/ports/adapters/espeak"
	"github.com/forPelevin/clipper/internal/ports/adapters/ffmpeg"
	"github.com/forPelevin/clipper/internal/ports/adapters/httpsource"
	"github.com/forPelevin/clipper/internal/ports/adapters/library"
	"github.com/forPelevin/clipper/internal/ports/adapters/watermark"
	"github.com/forPelevin/clipper/internal/tempfiles"
	"github.com/forPelevin/clipper/internal/types"
	"github.com/forPelevin/clipper/internal/usecase"
)

type App struct {
	Config       *config.Config
	Logger       *zap.Logger
	Store        jobstore.Store
	Temp         *tempfiles.Manager
	Orchestrator *orchestrator.Orchestrator
	Janitor      *janitor.Janitor

	db *gorm.DB
}

// Build assembles the application. A durable store is opened unless the
// database driver is "memory".
func Build(cfg *config.Config, log *zap.Logger) (*App, error) {
	if log == nil {
		log = zap.NewNop()
	}
	app := &App{Config: cfg, Logger: log}

	temp, err := tempfiles.New(cfg.Storage.TempPath(), cfg.Storage.MinFreeBytes)
	if err != nil {
		return nil, err
	}
	app.Temp = temp
	if err := os.MkdirAll(cfg.Storage.OutputPath(), 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}

	if err := app.openStore(); err != nil {
		return nil, err
	}

	sources, err := buildSources(cfg.Source)
	if err != nil {
		_ = app.closeDB()
		return nil, err
	}

	// nil interfaces, not nil pointers, mark optional assets as absent
	var watermarks ports.WatermarkSource
	if cfg.Assets.WatermarkDir != "" {
		dir, err := library.Open(cfg.Assets.WatermarkDir)
		if err != nil {
			_ = app.closeDB()
			return nil, fmt.Errorf("watermark dir: %w", err)
		}
		watermarks = watermark.New(dir, cfg.Assets.WatermarkRatio)
	}
	var fillers ports.FillerSource
	if cfg.Assets.FillerDir != "" {
		dir, err := library.Open(cfg.Assets.FillerDir)
		if err != nil {
			_ = app.closeDB()
			return nil, fmt.Errorf("filler dir: %w", err)
		}
		fillers = library.NewFillers(dir)
	}

	video := ffmpeg.New(cfg.FFmpeg.BinaryPath, cfg.FFmpeg.ProbePath,
		ffmpeg.WithKillGrace(cfg.FFmpeg.KillGrace),
		ffmpeg.WithLogger(log.Named("ffmpeg")),
	)
	uc := usecase.New(usecase.Deps{
		Video:      video,
		Probe:      video,
		Temp:       temp,
		Watermarks: watermarks,
		Fillers:    fillers,
		Narrator:   espeak.New(cfg.Narration.Binary, cfg.Narration.Voice),
		Logger:     log.Named("pipeline"),
	})

	app.Orchestrator = orchestrator.New(orchestrator.Deps{
		Store:      app.Store,
		Sources:    sources,
		Pipeline:   uc,
		Temp:       temp,
		Watermarks: watermarks,
		Fillers:    fillers,
		Logger:     log.Named("orchestrator"),
	}, orchestrator.Config{
		OutputDir:     cfg.Storage.OutputPath(),
		MaxConcurrent: cfg.Jobs.MaxConcurrent,
		StageTimeout:  cfg.FFmpeg.StageTimeout,
	})
	app.Janitor = janitor.New(temp, cfg.Storage.OrphanMaxAge, log.Named("janitor"))
	return app, nil
}

func (a *App) openStore() error {
	if a.Config.Database.Driver == "memory" {
		a.Store = jobstore.NewMemoryStore()
		return nil
	}
	dsn := a.Config.Database.DSN
	if a.Config.Database.Driver == "sqlite" {
		dsn = a.Config.SQLitePath()
	}
	db, err := database.Open(a.Config.Database, dsn, a.Logger)
	if err != nil {
		return err
	}
	store, err := jobstore.NewGormStore(db)
	if err != nil {
		if sqlDB, derr := db.DB(); derr == nil {
			_ = sqlDB.Close()
		}
		return err
	}
	a.db, a.Store = db, store
	return nil
}

func buildSources(cfg config.SourceConfig) (ports.SourceFetcher, error) {
	switch cfg.Kind {
	case "http":
		return httpsource.New(cfg.BaseURL, cfg.AllowedHosts, cfg.Timeout)
	default:
		dir, err := library.Open(cfg.LibraryDir)
		if err != nil {
			return nil, fmt.Errorf("source library: %w", err)
		}
		return library.NewSources(dir), nil
	}
}

// Start recovers jobs interrupted by a previous process and starts the janitor.
func (a *App) Start(ctx context.Context) error {
	if _, err := a.Orchestrator.Recover(ctx); err != nil {
		return fmt.Errorf("recover jobs: %w", err)
	}
	if a.Config.Storage.SweepSchedule == "" {
		return nil
	}
	return a.Janitor.Start(ctx, a.Config.Storage.SweepSchedule)
}

// Close stops background work, waits for jobs and closes the database.
func (a *App) Close(ctx context.Context) error {
	a.Janitor.Stop()
	err := a.Orchestrator.Shutdown(ctx)
	return errors.Join(err, a.closeDB())
}

func (a *App) closeDB() error {
	if a.db == nil {
		return nil
	}
	sqlDB, err := a.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Render submits one job and polls it every interval until it is terminal.
// Cancelling ctx cancels the job.
func (a *App) Render(ctx context.Context, spec types.JobSpec, interval time.Duration, logf func(format string, args ...any)) (types.Job, error) {
	if logf == nil {
		logf = func(string, ...any) {}
	}
	if interval <= 0 {
		interval = time.Second
	}
	job, err := a.Orchestrator.Submit(ctx, spec)
	if err != nil {
		return types.Job{}, err
	}
	logf("job %s submitted", job.ID)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	lastState := ""
	for {
		select {
		case <-ctx.Done():
			if _, err := a.Orchestrator.Cancel(context.Background(), job.ID); err != nil && !errors.Is(err, types.ErrNotCancellable) {
				logf("cancel: %v", err)
			}
			return a.await(job.ID, logf)
		case <-ticker.C:
		}
		job, err = a.Orchestrator.Get(ctx, job.ID)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			return types.Job{}, err
		}
		if state := describe(job); state != lastState {
			logf("%s", state)
			lastState = state
		}
		if job.Status.IsTerminal() {
			return job, nil
		}
	}
}

func (a *App) await(id string, logf func(string, ...any)) (types.Job, error) {
	for {
		job, err := a.Orchestrator.Get(context.Background(), id)
		if err != nil {
			return types.Job{}, err
		}
		if job.Status.IsTerminal() {
			logf("%s", describe(job))
			return job, nil
		}
		time.Sleep(100 * time.Millisecond)
	}
}

func describe(j types.Job) string {
	switch {
	case j.Status == types.JobRunning && j.Stage != "":
		if j.Progress < 0 {
			return j.Stage.State()
		}
		return fmt.Sprintf("%s %.0f%%", j.Stage.State(), j.Progress)
	case j.Status == types.JobFailed || j.Status == types.JobCancelled:
		return fmt.Sprintf("%s: %s", j.Status, j.Error)
	default:
		return string(j.Status)
	}
}
