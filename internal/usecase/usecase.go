package usecase

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/forPelevin/clipper/internal/domain/filtergraph"
	"github.com/forPelevin/clipper/internal/metrics"
	"github.com/forPelevin/clipper/internal/ports"
	"github.com/forPelevin/clipper/internal/types"
)

// TempSpace hands out per-job scratch paths.
type TempSpace interface {
	Allocate(jobID, kind, ext string) (string, error)
	Release(jobID, path string) error
	ReleaseAll(jobID string) error
}

type Deps struct {
	Video      ports.Transcoder
	Probe      ports.Prober
	Temp       TempSpace
	Watermarks ports.WatermarkSource
	Fillers    ports.FillerSource
	Narrator   ports.NarrationSynthesizer
	Logger     *zap.Logger
}

type Usecase struct{ d Deps }

func New(d Deps) Usecase {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	return Usecase{d: d}
}

type Input struct {
	JobID string
	// SourcePath is a local, readable copy of the source video.
	SourcePath   string
	Spec         types.JobSpec
	StageTimeout time.Duration
	OnStage      func(types.StageKind)
	OnProgress   func(types.Progress)
}

type Result struct {
	// Artifact still lives in the job's temp namespace; the caller promotes it.
	Artifact types.Artifact
	Stages   []types.StageKind
}

// Run executes the planned stages strictly in order. Each stage consumes the
// previous stage's output; superseded outputs are released as soon as the next
// one exists. On failure every temp artifact of the job is released.
func (u Usecase) Run(ctx context.Context, in Input) (Result, error) {
	res, err := u.run(ctx, in)
	if err != nil {
		if rerr := u.d.Temp.ReleaseAll(in.JobID); rerr != nil {
			u.d.Logger.Warn("release temp artifacts", zap.String("job_id", in.JobID), zap.Error(rerr))
		}
		return Result{}, err
	}
	return res, nil
}

func (u Usecase) run(ctx context.Context, in Input) (Result, error) {
	log := u.d.Logger.With(zap.String("job_id", in.JobID))
	spec := in.Spec

	src, err := u.d.Probe.Probe(ctx, in.SourcePath)
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, cancelled(ctx)
		}
		return Result{}, fmt.Errorf("%w: probe source: %v", types.ErrSourceUnavailable, err)
	}
	if src.Duration > 0 && spec.Range.End > src.Duration {
		return Result{}, fmt.Errorf("%w: range end %s exceeds source duration %s",
			types.ErrInvalidParameters, spec.Range.End, src.Duration)
	}
	if !spec.Edits.CorrectionNeutral() {
		if _, err := filtergraph.CorrectionFilters(src, spec.Edits); err != nil {
			return Result{}, err
		}
	}

	plan := filtergraph.Plan(spec.Edits)
	log.Info("pipeline start", zap.Int("stages", len(plan)), zap.Stringer("range", spec.Range))

	current := in.SourcePath
	media := src
	var executed []types.StageKind
	for i, stage := range plan {
		if ctx.Err() != nil {
			return Result{}, cancelled(ctx)
		}
		if in.OnStage != nil {
			in.OnStage(stage)
		}
		started := time.Now()

		out, err := u.d.Temp.Allocate(in.JobID, string(stage), spec.Format.Ext())
		if err != nil {
			return Result{}, fmt.Errorf("%s stage: %w", stage, err)
		}
		secondary, scratch, err := u.secondaryInput(ctx, in.JobID, stage, spec, media)
		if err != nil {
			return Result{}, fmt.Errorf("%s stage: %w", stage, err)
		}

		cmd, err := filtergraph.Build(filtergraph.Request{
			Stage:     stage,
			Params:    spec.Edits,
			Range:     spec.Range,
			Format:    spec.Format,
			Media:     media,
			Input:     current,
			Secondary: secondary,
			Output:    out,
		})
		if errors.Is(err, filtergraph.ErrIdentity) {
			log.Debug("stage skipped as identity", zap.String("stage", string(stage)))
			_ = u.d.Temp.Release(in.JobID, out)
			continue
		}
		if err != nil {
			return Result{}, err
		}

		art, err := u.d.Video.Run(ctx, cmd, ports.RunOptions{Timeout: in.StageTimeout, OnProgress: in.OnProgress})
		if scratch != "" {
			_ = u.d.Temp.Release(in.JobID, scratch)
		}
		if err != nil {
			return Result{}, err
		}
		if current != in.SourcePath {
			if err := u.d.Temp.Release(in.JobID, current); err != nil {
				log.Warn("release superseded artifact", zap.Error(err))
			}
		}
		current = art.Path
		executed = append(executed, stage)

		if i < len(plan)-1 {
			if media, err = u.d.Probe.Probe(ctx, current); err != nil {
				return Result{}, fmt.Errorf("%s stage: probe output: %w", stage, err)
			}
		}
		metrics.StageDuration.WithLabelValues(string(stage)).Observe(time.Since(started).Seconds())
		log.Info("stage done", zap.String("stage", string(stage)), zap.Duration("elapsed", time.Since(started)), zap.Int64("size", art.Size))

		if i == len(plan)-1 {
			return Result{Artifact: art, Stages: executed}, nil
		}
	}
	// the last planned stage was skipped as identity
	size, err := fileSize(current)
	if err != nil {
		return Result{}, err
	}
	return Result{Artifact: types.Artifact{Path: current, Size: size}, Stages: executed}, nil
}

// secondaryInput prepares the second input of compositing stages. scratch is
// a temp file to release once the stage has run.
func (u Usecase) secondaryInput(ctx context.Context, jobID string, stage types.StageKind, spec types.JobSpec, media filtergraph.MediaInfo) (path, scratch string, err error) {
	switch stage {
	case types.StageWatermark:
		if u.d.Watermarks == nil {
			return "", "", fmt.Errorf("%w: watermarks are not configured", types.ErrInvalidParameters)
		}
		p, err := u.d.Temp.Allocate(jobID, "watermark", ".png")
		if err != nil {
			return "", "", err
		}
		if err := u.d.Watermarks.Prepare(ctx, spec.Edits.Watermark, media.Width, p); err != nil {
			return "", p, err
		}
		return p, p, nil
	case types.StageFiller:
		if u.d.Fillers == nil || !u.d.Fillers.Available() {
			return "", "", fmt.Errorf("%w: no filler footage configured", types.ErrInvalidParameters)
		}
		p, err := u.d.Fillers.Pick(ctx, jobID)
		return p, "", err
	case types.StageNarrationMux:
		return u.synthesize(ctx, jobID, spec.Edits.NarrationScript)
	default:
		return "", "", nil
	}
}

func (u Usecase) synthesize(ctx context.Context, jobID, script string) (path, scratch string, err error) {
	if u.d.Narrator == nil {
		return "", "", fmt.Errorf("%w: narration is not configured", types.ErrInvalidParameters)
	}
	p, err := u.d.Temp.Allocate(jobID, "narration", ".wav")
	if err != nil {
		return "", "", err
	}
	if err := u.d.Narrator.Synthesize(ctx, script, p); err != nil {
		return "", p, fmt.Errorf("synthesize narration: %w", err)
	}
	return p, p, nil
}

type NarrationInput struct {
	JobID string
	// BasePath is the completed artifact; it is read, never modified.
	BasePath     string
	Format       types.Format
	Script       string
	StageTimeout time.Duration
	OnProgress   func(types.Progress)
}

// Narrate muxes synthesized narration onto a completed artifact, producing a new file.
func (u Usecase) Narrate(ctx context.Context, in NarrationInput) (Result, error) {
	res, err := u.narrate(ctx, in)
	if err != nil {
		_ = u.d.Temp.ReleaseAll(in.JobID)
		return Result{}, err
	}
	return res, nil
}

func (u Usecase) narrate(ctx context.Context, in NarrationInput) (Result, error) {
	media, err := u.d.Probe.Probe(ctx, in.BasePath)
	if err != nil {
		return Result{}, fmt.Errorf("probe artifact: %w", err)
	}
	audio, scratch, err := u.synthesize(ctx, in.JobID, in.Script)
	if scratch != "" {
		defer func() { _ = u.d.Temp.Release(in.JobID, scratch) }()
	}
	if err != nil {
		return Result{}, err
	}
	out, err := u.d.Temp.Allocate(in.JobID, string(types.StageNarrationMux), in.Format.Ext())
	if err != nil {
		return Result{}, err
	}
	cmd, err := filtergraph.Build(filtergraph.Request{
		Stage:     types.StageNarrationMux,
		Format:    in.Format,
		Media:     media,
		Input:     in.BasePath,
		Secondary: audio,
		Output:    out,
	})
	if err != nil {
		return Result{}, err
	}
	started := time.Now()
	art, err := u.d.Video.Run(ctx, cmd, ports.RunOptions{Timeout: in.StageTimeout, OnProgress: in.OnProgress})
	if err != nil {
		return Result{}, err
	}
	metrics.StageDuration.WithLabelValues(string(types.StageNarrationMux)).Observe(time.Since(started).Seconds())
	return Result{Artifact: art, Stages: []types.StageKind{types.StageNarrationMux}}, nil
}

func fileSize(path string) (int64, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}

func cancelled(ctx context.Context) error {
	return fmt.Errorf("%w: %v", types.ErrCancelled, context.Cause(ctx))
}
