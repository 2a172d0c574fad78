// Package orchestrator accepts jobs, runs each one as a supervised background
// task and is the only writer of terminal job status.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/forPelevin/clipper/internal/jobstore"
	"github.com/forPelevin/clipper/internal/metrics"
	"github.com/forPelevin/clipper/internal/ports"
	"github.com/forPelevin/clipper/internal/types"
	"github.com/forPelevin/clipper/internal/usecase"
)

// ErrClosed is returned by Submit and Narrate after Shutdown.
var ErrClosed = errors.New("orchestrator is shut down")

const interruptedByRestart = "interrupted by restart"

// Pipeline runs the stages of one job.
type Pipeline interface {
	Run(ctx context.Context, in usecase.Input) (usecase.Result, error)
	Narrate(ctx context.Context, in usecase.NarrationInput) (usecase.Result, error)
}

type TempSpace interface {
	Allocate(jobID, kind, ext string) (string, error)
	Promote(jobID, path, dest string) (int64, error)
	ReleaseAll(jobID string) error
}

type Deps struct {
	Store      jobstore.Store
	Sources    ports.SourceFetcher
	Pipeline   Pipeline
	Temp       TempSpace
	Watermarks ports.WatermarkSource
	Fillers    ports.FillerSource
	Logger     *zap.Logger
}

type Config struct {
	OutputDir     string
	MaxConcurrent int
	StageTimeout  time.Duration
}

type Orchestrator struct {
	d     Deps
	cfg   Config
	slots *semaphore.Weighted

	base context.Context
	stop context.CancelFunc

	// admit is held from the moment a record becomes visible until its task is tracked.
	admit sync.Mutex

	mu     sync.Mutex
	closed bool
	active map[string]context.CancelCauseFunc
	wg     sync.WaitGroup
}

func New(d Deps, cfg Config) *Orchestrator {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	base, stop := context.WithCancel(context.Background())
	return &Orchestrator{
		d:      d,
		cfg:    cfg,
		slots:  semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		base:   base,
		stop:   stop,
		active: make(map[string]context.CancelCauseFunc),
	}
}

// Submit validates spec, records a pending job and starts it in the background.
// Invalid requests are rejected before any job exists.
func (o *Orchestrator) Submit(ctx context.Context, spec types.JobSpec) (types.Job, error) {
	if err := o.validate(spec); err != nil {
		return types.Job{}, err
	}
	if o.isClosed() {
		return types.Job{}, ErrClosed
	}
	o.admit.Lock()
	job, err := o.d.Store.Create(ctx, spec)
	if err != nil {
		o.admit.Unlock()
		return types.Job{}, fmt.Errorf("create job: %w", err)
	}
	jobCtx, ok := o.track(job.ID)
	o.admit.Unlock()
	metrics.JobsSubmittedTotal.Inc()
	if !ok {
		o.finish(job.ID, types.Artifact{}, ErrClosed)
		return types.Job{}, ErrClosed
	}
	go o.execute(jobCtx, job)

	o.d.Logger.Info("job submitted",
		zap.String("job_id", job.ID),
		zap.String("source", spec.Source),
		zap.Stringer("range", spec.Range),
		zap.Bool("neutral", spec.Edits.IsNeutral()),
	)
	return job, nil
}

func (o *Orchestrator) validate(spec types.JobSpec) error {
	if err := spec.Validate(); err != nil {
		return err
	}
	if spec.Edits.Watermark != "" {
		if o.d.Watermarks == nil {
			return fmt.Errorf("%w: watermarks are not configured", types.ErrInvalidParameters)
		}
		if _, err := o.d.Watermarks.Resolve(spec.Edits.Watermark); err != nil {
			if errors.Is(err, types.ErrInvalidParameters) {
				return err
			}
			return fmt.Errorf("%w: watermark %q: %v", types.ErrInvalidParameters, spec.Edits.Watermark, err)
		}
	}
	if spec.Edits.Filler && (o.d.Fillers == nil || !o.d.Fillers.Available()) {
		return fmt.Errorf("%w: no filler footage is configured", types.ErrInvalidParameters)
	}
	return nil
}

func (o *Orchestrator) Get(ctx context.Context, id string) (types.Job, error) {
	return o.d.Store.Get(ctx, id)
}

func (o *Orchestrator) List(ctx context.Context) ([]types.Job, error) {
	return o.d.Store.List(ctx)
}

// Cancel stops a pending or running job, or an in-flight narration of a
// completed job. The final status is written by the job's own task.
func (o *Orchestrator) Cancel(ctx context.Context, id string) (types.Job, error) {
	job, err := o.d.Store.Get(ctx, id)
	if err != nil {
		return types.Job{}, err
	}
	key := id
	if job.Status.IsTerminal() {
		if job.Status != types.JobCompleted || job.Narration.Rank() <= 0 || job.Narration.IsTerminal() {
			return job, fmt.Errorf("%w: job %s is %s", types.ErrNotCancellable, id, job.Status)
		}
		key = narrationKey(id)
	}
	o.awaitAdmission()
	if !o.cancel(key) {
		// the task finished between the read and the cancel
		job, err = o.d.Store.Get(ctx, id)
		if err != nil {
			return types.Job{}, err
		}
		return job, fmt.Errorf("%w: job %s is %s", types.ErrNotCancellable, id, job.Status)
	}
	o.d.Logger.Info("cancel requested", zap.String("job_id", id), zap.Bool("narration", key != id))
	return job, nil
}

// Narrate starts the narration phase of a completed job. The primary status is never touched.
func (o *Orchestrator) Narrate(ctx context.Context, id, script string) (types.Job, error) {
	if strings.TrimSpace(script) == "" {
		return types.Job{}, fmt.Errorf("%w: narration script is empty", types.ErrInvalidParameters)
	}
	o.admit.Lock()
	job, err := o.d.Store.SetNarration(ctx, id, jobstore.NarrationUpdate{Status: types.NarrationPending})
	if err != nil {
		o.admit.Unlock()
		if errors.Is(err, types.ErrInvalidTransition) {
			return job, fmt.Errorf("%w: %v", types.ErrNarrationConflict, err)
		}
		return job, err
	}

	narrCtx, ok := o.track(narrationKey(id))
	o.admit.Unlock()
	if !ok {
		o.finishNarration(id, types.Artifact{}, ErrClosed)
		return types.Job{}, ErrClosed
	}
	go o.narrate(narrCtx, job, script)
	return job, nil
}

// Artifact returns the published result of a completed job. The narrated
// variant is served when asked for and available.
func (o *Orchestrator) Artifact(ctx context.Context, id string, narrated bool) (types.Artifact, error) {
	job, err := o.d.Store.Get(ctx, id)
	if err != nil {
		return types.Artifact{}, err
	}
	if job.Status != types.JobCompleted {
		return types.Artifact{}, fmt.Errorf("%w: job %s is %s", types.ErrNotReady, id, job.Status)
	}
	if narrated && job.Narration == types.NarrationDone {
		return types.Artifact{Path: job.NarrationPath, Size: job.NarrationSize}, nil
	}
	return types.Artifact{Path: job.OutputPath, Size: job.OutputSize}, nil
}

// Recover fails jobs a previous process left unfinished. It must run before
// the first Submit.
func (o *Orchestrator) Recover(ctx context.Context) (int, error) {
	jobs, err := o.d.Store.List(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, j := range jobs {
		switch {
		case !j.Status.IsTerminal():
			if o.isActive(j.ID) {
				continue
			}
			_ = o.d.Temp.ReleaseAll(j.ID)
			if _, err := o.d.Store.SetStatus(ctx, j.ID, jobstore.StatusUpdate{
				Status: types.JobFailed, Stage: j.Stage, Progress: j.Progress, Error: interruptedByRestart,
			}); err != nil {
				return n, fmt.Errorf("recover job %s: %w", j.ID, err)
			}
			metrics.JobsFinishedTotal.WithLabelValues(string(types.JobFailed)).Inc()
			n++
		case j.Status == types.JobCompleted && j.Narration.Rank() > 0 && !j.Narration.IsTerminal():
			if o.isActive(narrationKey(j.ID)) {
				continue
			}
			_ = o.d.Temp.ReleaseAll(j.ID)
			if _, err := o.d.Store.SetNarration(ctx, j.ID, jobstore.NarrationUpdate{
				Status: types.NarrationFailed, Error: interruptedByRestart,
			}); err != nil {
				return n, fmt.Errorf("recover narration %s: %w", j.ID, err)
			}
			n++
		}
	}
	if n > 0 {
		o.d.Logger.Warn("recovered interrupted jobs", zap.Int("count", n))
	}
	return n, nil
}

// Shutdown cancels every job and waits for their tasks to record a final status.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()
	o.stop()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for jobs: %w", ctx.Err())
	}
}

func (o *Orchestrator) execute(ctx context.Context, job types.Job) {
	defer o.wg.Done()
	defer o.untrack(job.ID)
	log := o.d.Logger.With(zap.String("job_id", job.ID))

	metrics.JobsWaiting.Inc()
	err := o.slots.Acquire(ctx, 1)
	metrics.JobsWaiting.Dec()
	if err != nil {
		o.finish(job.ID, types.Artifact{}, cancelled(ctx))
		return
	}
	defer o.slots.Release(1)

	o.progress(job.ID, types.Progress{Indeterminate: true})
	log.Info("job started")

	art, err := o.run(ctx, job)
	if rerr := o.d.Temp.ReleaseAll(job.ID); rerr != nil {
		log.Warn("release temp artifacts", zap.Error(rerr))
	}
	if err != nil && ctx.Err() != nil && !errors.Is(err, types.ErrCancelled) {
		err = fmt.Errorf("%w: %v", types.ErrCancelled, err)
	}
	o.finish(job.ID, art, err)
}

func (o *Orchestrator) run(ctx context.Context, job types.Job) (types.Artifact, error) {
	spec := job.Spec
	dest, err := o.d.Temp.Allocate(job.ID, "source", "")
	if err != nil {
		return types.Artifact{}, err
	}
	src, err := o.d.Sources.Fetch(ctx, ports.FetchRequest{Ref: spec.Source, Quality: spec.Quality, Dest: dest})
	if err != nil {
		if ctx.Err() != nil {
			return types.Artifact{}, cancelled(ctx)
		}
		if !errors.Is(err, types.ErrSourceUnavailable) {
			err = fmt.Errorf("%w: %v", types.ErrSourceUnavailable, err)
		}
		return types.Artifact{}, err
	}

	res, err := o.d.Pipeline.Run(ctx, usecase.Input{
		JobID:        job.ID,
		SourcePath:   src,
		Spec:         spec,
		StageTimeout: o.cfg.StageTimeout,
		OnStage: func(s types.StageKind) {
			o.progress(job.ID, types.Progress{Stage: s, Indeterminate: true})
		},
		OnProgress: func(p types.Progress) { o.progress(job.ID, p) },
	})
	if err != nil {
		return types.Artifact{}, err
	}

	out := filepath.Join(o.cfg.OutputDir, artifactName(spec.Source, job.ID, spec.Format, false))
	size, err := o.d.Temp.Promote(job.ID, res.Artifact.Path, out)
	if err != nil {
		return types.Artifact{}, fmt.Errorf("publish artifact: %w", err)
	}
	return types.Artifact{Path: out, Size: size}, nil
}

func (o *Orchestrator) progress(id string, p types.Progress) {
	_, err := o.d.Store.SetStatus(context.Background(), id, jobstore.StatusUpdate{
		Status:   types.JobRunning,
		Stage:    p.Stage,
		Progress: p.Value(),
	})
	if err != nil {
		o.d.Logger.Debug("progress update dropped", zap.String("job_id", id), zap.Error(err))
	}
}

// finish writes the terminal status derived from err.
func (o *Orchestrator) finish(id string, art types.Artifact, err error) {
	log := o.d.Logger.With(zap.String("job_id", id))
	u := jobstore.StatusUpdate{Status: types.JobCompleted, OutputPath: art.Path, OutputSize: art.Size}
	switch {
	case err == nil:
	case errors.Is(err, types.ErrCancelled) || errors.Is(err, ErrClosed):
		u = jobstore.StatusUpdate{Status: types.JobCancelled, Error: types.Summary(err)}
	default:
		u = jobstore.StatusUpdate{Status: types.JobFailed, Error: types.Summary(err)}
	}

	job, serr := o.d.Store.SetStatus(context.Background(), id, u)
	if serr != nil {
		log.Error("record final status", zap.String("status", string(u.Status)), zap.Error(serr))
		return
	}
	metrics.JobsFinishedTotal.WithLabelValues(string(job.Status)).Inc()
	if err != nil {
		log.Warn("job finished", zap.String("status", string(job.Status)), zap.Error(err))
		return
	}
	log.Info("job finished", zap.String("status", string(job.Status)),
		zap.String("output", job.OutputPath), zap.Int64("size", job.OutputSize))
}

func (o *Orchestrator) narrate(ctx context.Context, job types.Job, script string) {
	defer o.wg.Done()
	defer o.untrack(narrationKey(job.ID))

	metrics.JobsWaiting.Inc()
	err := o.slots.Acquire(ctx, 1)
	metrics.JobsWaiting.Dec()
	if err != nil {
		o.finishNarration(job.ID, types.Artifact{}, cancelled(ctx))
		return
	}
	defer o.slots.Release(1)

	if _, err := o.d.Store.SetNarration(context.Background(), job.ID, jobstore.NarrationUpdate{Status: types.NarrationRunning}); err != nil {
		o.d.Logger.Error("start narration", zap.String("job_id", job.ID), zap.Error(err))
		return
	}

	art, err := o.runNarration(ctx, job, script)
	if rerr := o.d.Temp.ReleaseAll(job.ID); rerr != nil {
		o.d.Logger.Warn("release temp artifacts", zap.String("job_id", job.ID), zap.Error(rerr))
	}
	o.finishNarration(job.ID, art, err)
}

func (o *Orchestrator) runNarration(ctx context.Context, job types.Job, script string) (types.Artifact, error) {
	res, err := o.d.Pipeline.Narrate(ctx, usecase.NarrationInput{
		JobID:        job.ID,
		BasePath:     job.OutputPath,
		Format:       job.Spec.Format,
		Script:       script,
		StageTimeout: o.cfg.StageTimeout,
	})
	if err != nil {
		return types.Artifact{}, err
	}
	out := filepath.Join(o.cfg.OutputDir, artifactName(job.Spec.Source, job.ID, job.Spec.Format, true))
	size, err := o.d.Temp.Promote(job.ID, res.Artifact.Path, out)
	if err != nil {
		return types.Artifact{}, fmt.Errorf("publish narrated artifact: %w", err)
	}
	return types.Artifact{Path: out, Size: size}, nil
}

func (o *Orchestrator) finishNarration(id string, art types.Artifact, err error) {
	u := jobstore.NarrationUpdate{Status: types.NarrationDone, OutputPath: art.Path, OutputSize: art.Size}
	if err != nil {
		u = jobstore.NarrationUpdate{Status: types.NarrationFailed, Error: types.Summary(err)}
	}
	if _, serr := o.d.Store.SetNarration(context.Background(), id, u); serr != nil {
		o.d.Logger.Error("record narration status", zap.String("job_id", id), zap.Error(serr))
		return
	}
	metrics.NarrationRunsTotal.WithLabelValues(string(u.Status)).Inc()
	o.d.Logger.Info("narration finished", zap.String("job_id", id), zap.String("status", string(u.Status)), zap.Error(err))
}

// track registers a cancellable task under key. It reports false after Shutdown.
func (o *Orchestrator) track(key string) (context.Context, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return nil, false
	}
	ctx, cancel := context.WithCancelCause(o.base)
	o.active[key] = cancel
	o.wg.Add(1)
	return ctx, true
}

func (o *Orchestrator) untrack(key string) {
	o.mu.Lock()
	cancel, ok := o.active[key]
	delete(o.active, key)
	o.mu.Unlock()
	if ok {
		cancel(nil)
	}
}

func (o *Orchestrator) cancel(key string) bool {
	o.mu.Lock()
	cancel, ok := o.active[key]
	o.mu.Unlock()
	if ok {
		cancel(errors.New("cancelled by request"))
	}
	return ok
}

// awaitAdmission waits until any record already visible in the store has its task tracked.
func (o *Orchestrator) awaitAdmission() {
	o.admit.Lock()
	o.admit.Unlock() //nolint:staticcheck // barrier
}

func (o *Orchestrator) isClosed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed
}

func (o *Orchestrator) isActive(key string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.active[key]
	return ok
}

func narrationKey(id string) string { return id + "/narration" }

func cancelled(ctx context.Context) error {
	return fmt.Errorf("%w: %v", types.ErrCancelled, context.Cause(ctx))
}
