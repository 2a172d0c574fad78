package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/forPelevin/clipper/internal/pipeline"
	"github.com/forPelevin/clipper/internal/types"
)

const pollInterval = time.Second

func newRenderCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "render <source>",
		Short: "Render one clip locally and print the output path",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRender(cmd, args[0])
		},
	}

	f := cmd.Flags()
	f.Duration("start", 0, "Range start, e.g. 1m30s")
	f.Duration("end", 0, "Range end, e.g. 2m")
	f.String("quality", string(types.QualitySource), "Source quality: source, 1080p, 720p, 480p, 360p")
	f.String("format", string(types.FormatMP4), "Output container: mp4, mov, webm")
	f.String("out", "", "Output directory")

	d := types.DefaultEdits()
	f.Float64("zoom", d.Zoom, "Zoom factor")
	f.Int("crop-x", 0, "Crop window horizontal offset in pixels")
	f.Int("crop-y", 0, "Crop window vertical offset in pixels")
	f.Float64("brightness", d.Brightness, "Brightness in [-1, 1]")
	f.Float64("contrast", d.Contrast, "Contrast in [-2, 2]")
	f.Float64("saturation", d.Saturation, "Saturation in [0, 3]")
	f.String("aspect", string(d.Aspect), "Target aspect ratio, e.g. 9:16")
	f.String("watermark", "", "Watermark image reference")
	f.Bool("filler", false, "Composite filler footage into the bottom third")
	f.String("narration", "", "Narration script to synthesize and mux")
	return cmd
}

func runRender(cmd *cobra.Command, source string) error {
	cfg, log, err := load(cmd, map[string]string{"storage.output_dir": "out"})
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()
	// one-shot runs keep job records in memory
	cfg.Database.Driver = "memory"

	spec, err := renderSpec(cmd, source)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := pipeline.Build(cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), cfg.FFmpeg.KillGrace+5*time.Second)
		defer cancel()
		_ = app.Close(closeCtx)
	}()

	errOut := cmd.ErrOrStderr()
	job, err := app.Render(ctx, spec, pollInterval, func(format string, args ...any) {
		fmt.Fprintf(errOut, format+"\n", args...)
	})
	if err != nil {
		return err
	}
	if job.Status != types.JobCompleted {
		return fmt.Errorf("job %s %s: %s", job.ID, job.Status, job.Error)
	}
	fmt.Fprintln(cmd.OutOrStdout(), job.OutputPath)
	return nil
}

func renderSpec(cmd *cobra.Command, source string) (types.JobSpec, error) {
	f := cmd.Flags()
	start, _ := f.GetDuration("start")
	end, _ := f.GetDuration("end")
	quality, _ := f.GetString("quality")
	format, _ := f.GetString("format")

	e := types.DefaultEdits()
	e.Zoom, _ = f.GetFloat64("zoom")
	e.CropX, _ = f.GetInt("crop-x")
	e.CropY, _ = f.GetInt("crop-y")
	e.Brightness, _ = f.GetFloat64("brightness")
	e.Contrast, _ = f.GetFloat64("contrast")
	e.Saturation, _ = f.GetFloat64("saturation")
	aspect, _ := f.GetString("aspect")
	e.Aspect = types.AspectRatio(aspect)
	e.Watermark, _ = f.GetString("watermark")
	e.Filler, _ = f.GetBool("filler")
	e.NarrationScript, _ = f.GetString("narration")

	spec := types.JobSpec{
		Source:  source,
		Range:   types.TimeRange{Start: start, End: end},
		Quality: types.Quality(quality),
		Format:  types.Format(format),
		Edits:   e,
	}
	if err := spec.Validate(); err != nil {
		return types.JobSpec{}, fmt.Errorf("render: %w", err)
	}
	return spec, nil
}
