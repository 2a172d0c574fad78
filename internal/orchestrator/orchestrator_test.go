package orchestrator

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forPelevin/clipper/internal/jobstore"
	"github.com/forPelevin/clipper/internal/ports"
	"github.com/forPelevin/clipper/internal/tempfiles"
	"github.com/forPelevin/clipper/internal/types"
	"github.com/forPelevin/clipper/internal/usecase"
)

const waitFor = 5 * time.Second

type fixture struct {
	o      *Orchestrator
	store  *jobstore.MemoryStore
	temp   *tempfiles.Manager
	pipe   *fakePipeline
	src    *fakeSources
	outDir string
}

func newFixture(t *testing.T, maxConcurrent int) *fixture {
	t.Helper()
	tmp := t.TempDir()
	temp, err := tempfiles.New(filepath.Join(tmp, "scratch"), 0)
	require.NoError(t, err)

	f := &fixture{
		store:  jobstore.NewMemoryStore(),
		temp:   temp,
		src:    &fakeSources{},
		outDir: filepath.Join(tmp, "out"),
	}
	f.pipe = &fakePipeline{temp: temp, release: make(chan struct{}), narrateRelease: make(chan struct{})}
	close(f.pipe.release)
	close(f.pipe.narrateRelease)
	f.o = New(Deps{
		Store:      f.store,
		Sources:    f.src,
		Pipeline:   f.pipe,
		Temp:       temp,
		Watermarks: fakeWatermarks{known: "logo.png"},
		Fillers:    fakeFillers{},
	}, Config{OutputDir: f.outDir, MaxConcurrent: maxConcurrent})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		_ = f.o.Shutdown(ctx)
	})
	return f
}

// block makes every pipeline run wait until the returned func is called or the job is cancelled.
func (f *fixture) block() func() {
	f.pipe.mu.Lock()
	defer f.pipe.mu.Unlock()
	f.pipe.release = make(chan struct{})
	ch := f.pipe.release
	var once sync.Once
	return func() { once.Do(func() { close(ch) }) }
}

// blockNarration makes every narration run wait until the returned func is called or it is cancelled.
func (f *fixture) blockNarration() func() {
	f.pipe.mu.Lock()
	defer f.pipe.mu.Unlock()
	f.pipe.narrateRelease = make(chan struct{})
	ch := f.pipe.narrateRelease
	var once sync.Once
	return func() { once.Do(func() { close(ch) }) }
}

func (f *fixture) waitNarration(t *testing.T, id string, want types.NarrationStatus) types.Job {
	t.Helper()
	var job types.Job
	require.Eventually(t, func() bool {
		j, err := f.o.Get(context.Background(), id)
		require.NoError(t, err)
		job = j
		return j.Narration == want
	}, waitFor, 10*time.Millisecond, "narration of %s never reached %s", id, want)
	return job
}

func (f *fixture) waitStatus(t *testing.T, id string, want types.JobStatus) types.Job {
	t.Helper()
	var job types.Job
	require.Eventually(t, func() bool {
		j, err := f.o.Get(context.Background(), id)
		require.NoError(t, err)
		job = j
		return j.Status == want
	}, waitFor, 10*time.Millisecond, "job %s never reached %s", id, want)
	return job
}

func validSpec() types.JobSpec {
	return types.JobSpec{
		Source:  "talks/Keynote 2026.mp4",
		Range:   types.TimeRange{Start: 10 * time.Second, End: 40 * time.Second},
		Quality: types.Quality720p,
		Format:  types.FormatMP4,
		Edits:   types.DefaultEdits(),
	}
}

func TestSubmit_CompletesAndPublishes(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 2)

	job, err := f.o.Submit(context.Background(), validSpec())
	require.NoError(t, err)
	assert.Equal(t, types.JobPending, job.Status)

	done := f.waitStatus(t, job.ID, types.JobCompleted)
	assert.Equal(t, float64(100), done.Progress)
	assert.Empty(t, done.Error)
	assert.Equal(t, f.outDir, filepath.Dir(done.OutputPath))
	assert.True(t, strings.HasPrefix(filepath.Base(done.OutputPath), "keynote-2026-"))
	assert.FileExists(t, done.OutputPath)
	assert.Equal(t, int64(len("clip")), done.OutputSize)
	assert.NoDirExists(t, f.temp.Dir(job.ID))
	assert.NotNil(t, done.StartedAt)
	assert.NotNil(t, done.FinishedAt)

	art, err := f.o.Artifact(context.Background(), job.ID, false)
	require.NoError(t, err)
	assert.Equal(t, done.OutputPath, art.Path)
}

func TestSubmit_RejectsInvalid(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 1)

	cases := map[string]func(*types.JobSpec){
		"reversed range":    func(s *types.JobSpec) { s.Range = types.TimeRange{Start: 40 * time.Second, End: 10 * time.Second} },
		"zero length":       func(s *types.JobSpec) { s.Range.End = s.Range.Start },
		"bad quality":       func(s *types.JobSpec) { s.Quality = "4k" },
		"bad format":        func(s *types.JobSpec) { s.Format = "avi" },
		"brightness":        func(s *types.JobSpec) { s.Edits.Brightness = 3 },
		"unknown watermark": func(s *types.JobSpec) { s.Edits.Watermark = "missing.png" },
		"missing source":    func(s *types.JobSpec) { s.Source = "" },
	}
	for name, mut := range cases {
		spec := validSpec()
		mut(&spec)
		_, err := f.o.Submit(context.Background(), spec)
		assert.ErrorIs(t, err, types.ErrInvalidParameters, name)
	}

	jobs, err := f.o.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, jobs, "rejected submissions must not create jobs")
}

func TestSubmit_FillerNeedsLibrary(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 1)
	f.o.d.Fillers = fakeFillers{empty: true}

	spec := validSpec()
	spec.Edits.Filler = true
	_, err := f.o.Submit(context.Background(), spec)
	assert.ErrorIs(t, err, types.ErrInvalidParameters)
}

func TestSubmit_ResubmissionIsIndependent(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 2)

	a, err := f.o.Submit(context.Background(), validSpec())
	require.NoError(t, err)
	b, err := f.o.Submit(context.Background(), validSpec())
	require.NoError(t, err)
	assert.NotEqual(t, a.ID, b.ID)

	ja := f.waitStatus(t, a.ID, types.JobCompleted)
	jb := f.waitStatus(t, b.ID, types.JobCompleted)
	assert.NotEqual(t, ja.OutputPath, jb.OutputPath)
}

func TestSubmit_SourceUnavailable(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 1)
	f.src.fail = errors.New("404 not found")

	job, err := f.o.Submit(context.Background(), validSpec())
	require.NoError(t, err)
	failed := f.waitStatus(t, job.ID, types.JobFailed)
	assert.Contains(t, failed.Error, types.ErrSourceUnavailable.Error())
	assert.Empty(t, failed.OutputPath)
	assert.Equal(t, 0, f.pipe.runs())
}

func TestSubmit_PipelineFailure(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 1)
	f.pipe.fail = &types.TranscodeError{
		Stage: types.StageCorrect, ExitCode: 1,
		Diagnostic: "line one\nline two", Err: types.ErrTranscodeFailed,
	}

	job, err := f.o.Submit(context.Background(), validSpec())
	require.NoError(t, err)
	failed := f.waitStatus(t, job.ID, types.JobFailed)
	assert.Contains(t, failed.Error, "correct stage")
	assert.NotContains(t, failed.Error, "\n")
	assert.NoDirExists(t, f.temp.Dir(job.ID))

	_, err = f.o.Artifact(context.Background(), job.ID, false)
	assert.ErrorIs(t, err, types.ErrNotReady)
}

func TestCancel_RunningJob(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 1)
	release := f.block()
	defer release()

	job, err := f.o.Submit(context.Background(), validSpec())
	require.NoError(t, err)
	f.waitStatus(t, job.ID, types.JobRunning)

	_, err = f.o.Cancel(context.Background(), job.ID)
	require.NoError(t, err)
	cancelled := f.waitStatus(t, job.ID, types.JobCancelled)
	assert.Empty(t, cancelled.OutputPath)
	assert.NoDirExists(t, f.temp.Dir(job.ID))

	_, err = f.o.Cancel(context.Background(), job.ID)
	assert.ErrorIs(t, err, types.ErrNotCancellable)
}

func TestCancel_PendingJobWaitingForSlot(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 1)
	release := f.block()

	first, err := f.o.Submit(context.Background(), validSpec())
	require.NoError(t, err)
	f.waitStatus(t, first.ID, types.JobRunning)

	second, err := f.o.Submit(context.Background(), validSpec())
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)
	j, err := f.o.Get(context.Background(), second.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobPending, j.Status, "only one worker slot")

	_, err = f.o.Cancel(context.Background(), second.ID)
	require.NoError(t, err)
	f.waitStatus(t, second.ID, types.JobCancelled)

	release()
	f.waitStatus(t, first.ID, types.JobCompleted)
	assert.Equal(t, 1, f.pipe.runs())
}

func TestCancel_JobBeingAdmitted(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 1)
	release := f.block()
	defer release()

	gate := &gatedStore{MemoryStore: f.store, created: make(chan string, 1), proceed: make(chan struct{})}
	o := New(Deps{Store: gate, Sources: f.src, Pipeline: f.pipe, Temp: f.temp}, Config{OutputDir: f.outDir, MaxConcurrent: 1})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		_ = o.Shutdown(ctx)
	})
	ctx := context.Background()

	submitted := make(chan error, 1)
	go func() {
		_, err := o.Submit(ctx, validSpec())
		submitted <- err
	}()
	id := <-gate.created
	j, err := o.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, types.JobPending, j.Status)

	cancelled := make(chan error, 1)
	go func() {
		_, err := o.Cancel(ctx, id)
		cancelled <- err
	}()
	select {
	case err := <-cancelled:
		t.Fatalf("cancel returned before the job task was registered: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	close(gate.proceed)
	require.NoError(t, <-submitted)
	require.NoError(t, <-cancelled, "a pending job is always cancellable")
	require.Eventually(t, func() bool {
		j, err := o.Get(ctx, id)
		require.NoError(t, err)
		return j.Status == types.JobCancelled
	}, waitFor, 10*time.Millisecond)
}

func TestCancel_Unknown(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 1)
	_, err := f.o.Cancel(context.Background(), "nope")
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestNarrate(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 1)

	job, err := f.o.Submit(context.Background(), validSpec())
	require.NoError(t, err)

	// not completed yet or never will be: narration is refused
	release := f.block()
	pending, err := f.o.Submit(context.Background(), validSpec())
	require.NoError(t, err)
	_, err = f.o.Narrate(context.Background(), pending.ID, "hello")
	assert.ErrorIs(t, err, types.ErrNarrationConflict)
	release()

	done := f.waitStatus(t, job.ID, types.JobCompleted)
	_, err = f.o.Narrate(context.Background(), job.ID, "  ")
	assert.ErrorIs(t, err, types.ErrInvalidParameters)

	_, err = f.o.Narrate(context.Background(), job.ID, "hello there")
	require.NoError(t, err)

	var narrated types.Job
	require.Eventually(t, func() bool {
		narrated, err = f.o.Get(context.Background(), job.ID)
		require.NoError(t, err)
		return narrated.Narration == types.NarrationDone
	}, waitFor, 10*time.Millisecond)

	assert.Equal(t, types.JobCompleted, narrated.Status)
	assert.Equal(t, done.OutputPath, narrated.OutputPath)
	assert.FileExists(t, narrated.OutputPath)
	assert.FileExists(t, narrated.NarrationPath)
	assert.Contains(t, narrated.NarrationPath, ".narrated.mp4")

	art, err := f.o.Artifact(context.Background(), job.ID, true)
	require.NoError(t, err)
	assert.Equal(t, narrated.NarrationPath, art.Path)

	_, err = f.o.Narrate(context.Background(), job.ID, "again")
	assert.ErrorIs(t, err, types.ErrNarrationConflict)
}

func TestNarrate_BaseArtifactServedUntilDone(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 1)
	ctx := context.Background()

	job, err := f.o.Submit(ctx, validSpec())
	require.NoError(t, err)
	done := f.waitStatus(t, job.ID, types.JobCompleted)

	// a running job holds the only worker slot, so the narration has to wait
	releaseJob := f.block()
	defer releaseJob()
	busy, err := f.o.Submit(ctx, validSpec())
	require.NoError(t, err)
	f.waitStatus(t, busy.ID, types.JobRunning)

	releaseNarration := f.blockNarration()
	defer releaseNarration()
	j, err := f.o.Narrate(ctx, job.ID, "hello there")
	require.NoError(t, err)
	assert.Equal(t, types.NarrationPending, j.Narration)

	art, err := f.o.Artifact(ctx, job.ID, true)
	require.NoError(t, err)
	assert.Equal(t, done.OutputPath, art.Path, "pending narration serves the base artifact")

	releaseJob()
	f.waitStatus(t, busy.ID, types.JobCompleted)
	running := f.waitNarration(t, job.ID, types.NarrationRunning)
	assert.Equal(t, types.JobCompleted, running.Status)

	art, err = f.o.Artifact(ctx, job.ID, true)
	require.NoError(t, err)
	assert.Equal(t, done.OutputPath, art.Path, "running narration serves the base artifact")

	releaseNarration()
	narrated := f.waitNarration(t, job.ID, types.NarrationDone)
	art, err = f.o.Artifact(ctx, job.ID, true)
	require.NoError(t, err)
	assert.Equal(t, narrated.NarrationPath, art.Path)

	art, err = f.o.Artifact(ctx, job.ID, false)
	require.NoError(t, err)
	assert.Equal(t, done.OutputPath, art.Path)
}

func TestCancel_RunningNarration(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 1)
	ctx := context.Background()

	job, err := f.o.Submit(ctx, validSpec())
	require.NoError(t, err)
	f.waitStatus(t, job.ID, types.JobCompleted)

	release := f.blockNarration()
	defer release()
	_, err = f.o.Narrate(ctx, job.ID, "hello")
	require.NoError(t, err)
	f.waitNarration(t, job.ID, types.NarrationRunning)

	_, err = f.o.Cancel(ctx, job.ID)
	require.NoError(t, err)
	j := f.waitNarration(t, job.ID, types.NarrationFailed)
	assert.Equal(t, types.JobCompleted, j.Status)
	assert.FileExists(t, j.OutputPath)

	_, err = f.o.Cancel(ctx, job.ID)
	assert.ErrorIs(t, err, types.ErrNotCancellable)
}

func TestNarrate_FailureKeepsPrimary(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 1)
	f.pipe.narrateFail = errors.New("espeak-ng: voice not found")

	job, err := f.o.Submit(context.Background(), validSpec())
	require.NoError(t, err)
	f.waitStatus(t, job.ID, types.JobCompleted)

	_, err = f.o.Narrate(context.Background(), job.ID, "hello")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		j, _ := f.o.Get(context.Background(), job.ID)
		return j.Narration == types.NarrationFailed
	}, waitFor, 10*time.Millisecond)

	j, err := f.o.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobCompleted, j.Status)
	assert.Contains(t, j.NarrationError, "voice not found")
	assert.Empty(t, j.NarrationPath)

	art, err := f.o.Artifact(context.Background(), job.ID, true)
	require.NoError(t, err)
	assert.Equal(t, j.OutputPath, art.Path, "base artifact is served when narration failed")
}

func TestRecover(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 1)
	ctx := context.Background()

	stuck, err := f.store.Create(ctx, validSpec())
	require.NoError(t, err)
	running, err := f.store.Create(ctx, validSpec())
	require.NoError(t, err)
	_, err = f.store.SetStatus(ctx, running.ID, jobstore.StatusUpdate{Status: types.JobRunning, Stage: types.StageExtract})
	require.NoError(t, err)
	narrating, err := f.store.Create(ctx, validSpec())
	require.NoError(t, err)
	_, err = f.store.SetStatus(ctx, narrating.ID, jobstore.StatusUpdate{Status: types.JobCompleted, OutputPath: "/out/x.mp4"})
	require.NoError(t, err)
	_, err = f.store.SetNarration(ctx, narrating.ID, jobstore.NarrationUpdate{Status: types.NarrationRunning})
	require.NoError(t, err)

	n, err := f.o.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	for _, id := range []string{stuck.ID, running.ID} {
		j, err := f.store.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, types.JobFailed, j.Status)
		assert.Equal(t, interruptedByRestart, j.Error)
	}
	j, err := f.store.Get(ctx, narrating.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobCompleted, j.Status)
	assert.Equal(t, types.NarrationFailed, j.Narration)
}

func TestShutdown_CancelsJobs(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 1)
	release := f.block()
	defer release()

	job, err := f.o.Submit(context.Background(), validSpec())
	require.NoError(t, err)
	f.waitStatus(t, job.ID, types.JobRunning)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, f.o.Shutdown(ctx))

	j, err := f.o.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobCancelled, j.Status)

	_, err = f.o.Submit(context.Background(), validSpec())
	assert.ErrorIs(t, err, ErrClosed)
}

func TestArtifactName(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "my-cool-video-01abc.mp4", artifactName("/tmp/My Cool.Video.mp4", "01ABC", types.FormatMP4, false))
	assert.Equal(t, "talk-01abc.narrated.webm", artifactName("lib/talk", "01ABC", types.FormatWebM, true))
	assert.Equal(t, "clip-x.mov", artifactName("___", "x", types.FormatMOV, false))
}

func TestNormalizePathSegment(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"  My Cool.Video  ": "my-cool-video",
		"___":               "",
		"abc123":            "abc123",
		"Name (v2)!":        "name-v2",
	}
	for in, want := range tests {
		assert.Equal(t, want, normalizePathSegment(in), in)
	}
}

// gatedStore pauses Create after the record is stored until proceed is closed.
type gatedStore struct {
	*jobstore.MemoryStore
	created chan string
	proceed chan struct{}
}

func (s *gatedStore) Create(ctx context.Context, spec types.JobSpec) (types.Job, error) {
	j, err := s.MemoryStore.Create(ctx, spec)
	if err != nil {
		return j, err
	}
	s.created <- j.ID
	<-s.proceed
	return j, nil
}

type fakeSources struct {
	fail error
}

func (f *fakeSources) Fetch(_ context.Context, req ports.FetchRequest) (string, error) {
	if f.fail != nil {
		return "", f.fail
	}
	if err := os.WriteFile(req.Dest, []byte("source"), 0o644); err != nil {
		return "", err
	}
	return req.Dest, nil
}

// fakePipeline writes a small artifact into the job namespace, like the real stage pipeline.
type fakePipeline struct {
	temp        *tempfiles.Manager
	fail        error
	narrateFail error

	mu             sync.Mutex
	release        chan struct{}
	narrateRelease chan struct{}
	count          atomic.Int32
}

func (p *fakePipeline) Run(ctx context.Context, in usecase.Input) (usecase.Result, error) {
	p.mu.Lock()
	release := p.release
	p.mu.Unlock()

	p.count.Add(1)
	if in.OnStage != nil {
		in.OnStage(types.StageExtract)
	}
	select {
	case <-release:
	case <-ctx.Done():
		return usecase.Result{}, types.ErrCancelled
	}
	if p.fail != nil {
		return usecase.Result{}, p.fail
	}
	return p.write(in.JobID, in.Spec.Format, "clip")
}

func (p *fakePipeline) Narrate(ctx context.Context, in usecase.NarrationInput) (usecase.Result, error) {
	p.mu.Lock()
	release := p.narrateRelease
	p.mu.Unlock()

	select {
	case <-release:
	case <-ctx.Done():
		return usecase.Result{}, types.ErrCancelled
	}
	if p.narrateFail != nil {
		return usecase.Result{}, p.narrateFail
	}
	if _, err := os.Stat(in.BasePath); err != nil {
		return usecase.Result{}, err
	}
	return p.write(in.JobID, in.Format, "narrated")
}

func (p *fakePipeline) write(jobID string, f types.Format, body string) (usecase.Result, error) {
	out, err := p.temp.Allocate(jobID, "final", f.Ext())
	if err != nil {
		return usecase.Result{}, err
	}
	if err := os.WriteFile(out, []byte(body), 0o644); err != nil {
		return usecase.Result{}, err
	}
	return usecase.Result{Artifact: types.Artifact{Path: out, Size: int64(len(body))}}, nil
}

func (p *fakePipeline) runs() int { return int(p.count.Load()) }

type fakeWatermarks struct{ known string }

func (w fakeWatermarks) Resolve(ref string) (string, error) {
	if ref != w.known {
		return "", errors.New("no such image")
	}
	return ref, nil
}

func (fakeWatermarks) Prepare(context.Context, string, int, string) error { return nil }

type fakeFillers struct{ empty bool }

func (f fakeFillers) Available() bool { return !f.empty }

func (fakeFillers) Pick(context.Context, string) (string, error) { return "filler.mp4", nil }
