//go:build integration

package itest

import (
	"context"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/forPelevin/clipper/internal/config"
	"github.com/forPelevin/clipper/internal/pipeline"
	"github.com/forPelevin/clipper/internal/types"
)

const (
	fixtureFPS = 25
	frame      = 1.0 / fixtureFPS
)

func ffmpegFixture(t *testing.T, args ...string) {
	t.Helper()
	cmd := exec.Command("ffmpeg", append([]string{"-hide_banner", "-loglevel", "error", "-y"}, args...)...)
	if b, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("ffmpeg fixture failed: %v\n%s", err, string(b))
	}
}

type fixture struct {
	cfg *config.Config
	app *pipeline.App
}

// newFixture builds a library with a 120s 640x360 source, a watermark image and filler footage.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		t.Fatalf("ffmpeg is required for itest")
	}

	base := t.TempDir()
	lib := filepath.Join(base, "library", "talk")
	marks := filepath.Join(base, "watermarks")
	fillers := filepath.Join(base, "fillers")
	for _, d := range []string{lib, marks, fillers} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
	}

	ffmpegFixture(t,
		"-f", "lavfi", "-i", "testsrc=size=640x360:rate=25:duration=120",
		"-f", "lavfi", "-i", "sine=frequency=440:duration=120",
		"-c:v", "libx264", "-preset", "ultrafast", "-pix_fmt", "yuv420p",
		"-c:a", "aac", "-shortest",
		filepath.Join(lib, "720p.mp4"),
	)
	ffmpegFixture(t,
		"-f", "lavfi", "-i", "color=c=red:s=200x80:d=1",
		"-frames:v", "1",
		filepath.Join(marks, "logo.png"),
	)
	ffmpegFixture(t,
		"-f", "lavfi", "-i", "testsrc2=size=320x240:rate=25:duration=5",
		"-c:v", "libx264", "-preset", "ultrafast", "-pix_fmt", "yuv420p",
		filepath.Join(fillers, "loop.mp4"),
	)

	cfg := &config.Config{
		Database: config.DatabaseConfig{Driver: "sqlite", LogLevel: "silent"},
		Storage: config.StorageConfig{
			BaseDir:      base,
			TempDir:      "tmp",
			OutputDir:    "output",
			OrphanMaxAge: time.Hour,
		},
		Source: config.SourceConfig{Kind: "library", LibraryDir: filepath.Join(base, "library")},
		Assets: config.AssetsConfig{
			WatermarkDir:   marks,
			WatermarkRatio: 0.18,
			FillerDir:      fillers,
		},
		FFmpeg:    config.FFmpegConfig{BinaryPath: "ffmpeg", ProbePath: "ffprobe", StageTimeout: 10 * time.Minute, KillGrace: 5 * time.Second},
		Narration: config.NarrationConfig{Binary: "espeak-ng", Voice: "en"},
		Jobs:      config.JobsConfig{MaxConcurrent: 2},
	}
	app, err := pipeline.Build(cfg, nil)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		_ = app.Close(ctx)
	})
	if err := app.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	return &fixture{cfg: cfg, app: app}
}

func (f *fixture) render(t *testing.T, edits types.EditParams) types.Job {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	job, err := f.app.Render(ctx, types.JobSpec{
		Source:  "talk",
		Range:   types.TimeRange{Start: 10 * time.Second, End: 40 * time.Second},
		Quality: types.Quality720p,
		Format:  types.FormatMP4,
		Edits:   edits,
	}, 200*time.Millisecond, t.Logf)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if job.Status != types.JobCompleted {
		t.Fatalf("job %s: %s", job.Status, job.Error)
	}
	return job
}

func assertDuration(t *testing.T, path string, want float64) {
	t.Helper()
	got, err := probeVideoDurationSeconds(path)
	if err != nil {
		t.Fatalf("probe: %v", err)
	}
	if math.Abs(got-want) > frame+1e-6 {
		t.Fatalf("duration %.3fs, want %.3fs within one frame", got, want)
	}
}

func TestE2E_NeutralExtract(t *testing.T) {
	f := newFixture(t)
	job := f.render(t, types.DefaultEdits())

	assertDuration(t, job.OutputPath, 30)
	w, h, err := probeSize(job.OutputPath)
	if err != nil {
		t.Fatalf("probe size: %v", err)
	}
	if w != 640 || h != 360 {
		t.Fatalf("neutral edits changed the frame to %dx%d", w, h)
	}
	if ok, err := probeHasAudio(job.OutputPath); err != nil || !ok {
		t.Fatalf("audio missing: %v", err)
	}
	if ids := f.app.Temp.Active(); len(ids) != 0 {
		t.Fatalf("temp namespaces left: %v", ids)
	}
}

func TestE2E_CorrectAndComposite(t *testing.T) {
	f := newFixture(t)

	e := types.DefaultEdits()
	e.Zoom = 1.5
	e.Aspect = types.Aspect9x16
	e.Brightness = 0.1
	e.Watermark = "logo.png"
	e.Filler = true
	job := f.render(t, e)

	assertDuration(t, job.OutputPath, 30)
	w, h, err := probeSize(job.OutputPath)
	if err != nil {
		t.Fatalf("probe size: %v", err)
	}
	// even dimensions allow a rounding step away from the exact ratio
	if math.Abs(float64(w)/float64(h)-9.0/16.0) > 0.01 {
		t.Fatalf("frame %dx%d is not 9:16", w, h)
	}

	entries, err := os.ReadDir(f.app.Temp.Root())
	if err != nil {
		t.Fatalf("read temp root: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("temp root not empty after completion: %v", entries)
	}
}

func TestE2E_Narration(t *testing.T) {
	if _, err := exec.LookPath("espeak-ng"); err != nil {
		t.Skip("espeak-ng not installed")
	}
	f := newFixture(t)
	job := f.render(t, types.DefaultEdits())

	ctx := context.Background()
	if _, err := f.app.Orchestrator.Narrate(ctx, job.ID, "Here is the key idea. Step one: do this."); err != nil {
		t.Fatalf("narrate: %v", err)
	}
	deadline := time.Now().Add(5 * time.Minute)
	for {
		j, err := f.app.Orchestrator.Get(ctx, job.ID)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if j.Narration == types.NarrationFailed {
			t.Fatalf("narration failed: %s", j.NarrationError)
		}
		if j.Narration == types.NarrationDone {
			assertDuration(t, j.NarrationPath, 30)
			if ok, err := probeHasAudio(j.NarrationPath); err != nil || !ok {
				t.Fatalf("narrated artifact has no audio: %v", err)
			}
			if j.OutputPath != job.OutputPath {
				t.Fatalf("base artifact moved")
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("narration still %s", j.Narration)
		}
		time.Sleep(200 * time.Millisecond)
	}
}

func TestE2E_CancelRunning(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	e := types.DefaultEdits()
	e.Filler = true
	job, err := f.app.Orchestrator.Submit(ctx, types.JobSpec{
		Source:  "talk",
		Range:   types.TimeRange{Start: 0, End: 120 * time.Second},
		Quality: types.Quality720p,
		Format:  types.FormatWebM,
		Edits:   e,
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	for {
		j, err := f.app.Orchestrator.Get(ctx, job.ID)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if j.Status == types.JobRunning && j.Stage != "" {
			break
		}
		if j.Status.IsTerminal() {
			t.Fatalf("job finished before it could be cancelled: %s", j.Status)
		}
		time.Sleep(20 * time.Millisecond)
	}
	if _, err := f.app.Orchestrator.Cancel(ctx, job.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	deadline := time.Now().Add(30 * time.Second)
	for {
		j, _ := f.app.Orchestrator.Get(ctx, job.ID)
		if j.Status == types.JobCancelled {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("job still %s after cancel", j.Status)
		}
		time.Sleep(50 * time.Millisecond)
	}
	if _, err := os.Stat(f.app.Temp.Dir(job.ID)); !os.IsNotExist(err) {
		t.Fatalf("temp namespace survived cancellation: %v", err)
	}
}
