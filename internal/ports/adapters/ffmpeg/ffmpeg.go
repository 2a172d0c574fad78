package ffmpeg

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"

	"go.uber.org/zap"

	"github.com/forPelevin/clipper/internal/domain/filtergraph"
	"github.com/forPelevin/clipper/internal/metrics"
	"github.com/forPelevin/clipper/internal/ports"
	"github.com/forPelevin/clipper/internal/types"
)

const (
	defaultKillGrace = 5 * time.Second
	stderrTail       = 8 << 10
)

type Adapter struct {
	ffmpeg    string
	ffprobe   string
	killGrace time.Duration
	logger    *zap.Logger
}

type Option func(*Adapter)

// WithKillGrace sets how long an interrupted transcoder may take to exit before it is killed.
func WithKillGrace(d time.Duration) Option {
	return func(a *Adapter) {
		if d > 0 {
			a.killGrace = d
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(a *Adapter) {
		if l != nil {
			a.logger = l
		}
	}
}

func New(ffmpegPath, ffprobePath string, opts ...Option) *Adapter {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	if ffprobePath == "" {
		ffprobePath = "ffprobe"
	}
	a := &Adapter{ffmpeg: ffmpegPath, ffprobe: ffprobePath, killGrace: defaultKillGrace, logger: zap.NewNop()}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Run executes one stage command. On any failure the partial output is removed.
func (a *Adapter) Run(ctx context.Context, c filtergraph.Command, opts ports.RunOptions) (types.Artifact, error) {
	var (
		runCtx context.Context
		cancel context.CancelFunc
	)
	if opts.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	report := opts.OnProgress
	if report == nil {
		report = func(types.Progress) {}
	}
	report(types.Progress{Stage: c.Stage, Indeterminate: true})

	cmd := exec.CommandContext(runCtx, a.ffmpeg, c.Args...)
	cmd.Cancel = func() error { return cmd.Process.Signal(os.Interrupt) }
	cmd.WaitDelay = a.killGrace
	stderr := &tailBuffer{max: stderrTail}
	cmd.Stderr = stderr
	progress := &progressWriter{stage: c.Stage, expected: c.Expected, report: report, last: -1}
	cmd.Stdout = progress

	log := a.logger.With(zap.String("stage", string(c.Stage)), zap.String("output", c.Output))
	log.Debug("transcode start", zap.Strings("args", c.Args))

	metrics.TranscodesInFlight.Inc()
	start := time.Now()
	err := cmd.Run()
	metrics.TranscodesInFlight.Dec()

	if err != nil {
		_ = os.Remove(c.Output)
		err = a.classify(ctx, runCtx, c, opts, err, stderr.String())
		log.Warn("transcode failed", zap.Duration("elapsed", time.Since(start)), zap.Error(err))
		return types.Artifact{}, err
	}

	fi, statErr := os.Stat(c.Output)
	if statErr != nil {
		_ = os.Remove(c.Output)
		return types.Artifact{}, &types.TranscodeError{
			Stage:      c.Stage,
			Diagnostic: stderr.String(),
			Err:        fmt.Errorf("%w: no output written: %v", types.ErrTranscodeFailed, statErr),
		}
	}
	progress.emit(100)
	log.Debug("transcode done", zap.Duration("elapsed", time.Since(start)), zap.Int64("size", fi.Size()))
	return types.Artifact{Path: c.Output, Size: fi.Size()}, nil
}

func (a *Adapter) classify(parent, runCtx context.Context, c filtergraph.Command, opts ports.RunOptions, err error, diag string) error {
	if parent.Err() != nil {
		return fmt.Errorf("%s stage: %w: %v", c.Stage, types.ErrCancelled, parent.Err())
	}
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return &types.TranscodeError{
			Stage:      c.Stage,
			Diagnostic: diag,
			Err:        fmt.Errorf("%w after %s", types.ErrTranscodeTimeout, opts.Timeout),
		}
	}
	te := &types.TranscodeError{
		Stage:      c.Stage,
		Diagnostic: diag,
		Err:        fmt.Errorf("%w: %v", types.ErrTranscodeFailed, err),
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		te.ExitCode = exitErr.ExitCode()
	}
	return te
}
