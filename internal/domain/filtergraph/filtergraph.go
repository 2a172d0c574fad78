package filtergraph

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/forPelevin/clipper/internal/types"
)

// ErrIdentity is returned when a stage would not change its input.
var ErrIdentity = errors.New("stage is an identity transform")

type MediaInfo struct {
	Width    int
	Height   int
	Duration time.Duration
	HasAudio bool
}

// Command is one transcoder invocation. Args exclude the binary name.
type Command struct {
	Stage    types.StageKind
	Args     []string
	Output   string
	Expected time.Duration
}

func (c Command) String() string { return strings.Join(c.Args, " ") }

type Request struct {
	Stage  types.StageKind
	Params types.EditParams
	Range  types.TimeRange
	Format types.Format
	// Media describes Input.
	Media MediaInfo
	Input string
	// Secondary is the watermark image, filler footage or narration audio.
	Secondary string
	Output    string
}

// Plan returns the ordered stages a job with the given edits needs.
// Extraction is always first; everything else depends on the edits.
func Plan(p types.EditParams) []types.StageKind {
	stages := []types.StageKind{types.StageExtract}
	if !p.CorrectionNeutral() {
		stages = append(stages, types.StageCorrect)
	}
	if p.Watermark != "" {
		stages = append(stages, types.StageWatermark)
	}
	if p.Filler {
		stages = append(stages, types.StageFiller)
	}
	if strings.TrimSpace(p.NarrationScript) != "" {
		stages = append(stages, types.StageNarrationMux)
	}
	return stages
}

func Build(req Request) (Command, error) {
	if req.Input == "" || req.Output == "" {
		return Command{}, fmt.Errorf("%w: %s stage needs input and output", types.ErrInvalidParameters, req.Stage)
	}
	if !req.Format.Valid() {
		return Command{}, fmt.Errorf("%w: unsupported format %q", types.ErrInvalidParameters, req.Format)
	}
	switch req.Stage {
	case types.StageExtract:
		return buildExtract(req)
	case types.StageCorrect:
		return buildCorrect(req)
	case types.StageWatermark, types.StageFiller, types.StageNarrationMux:
		if req.Secondary == "" {
			return Command{}, fmt.Errorf("%w: %s stage needs a secondary input", types.ErrInvalidParameters, req.Stage)
		}
		switch req.Stage {
		case types.StageWatermark:
			return buildWatermark(req), nil
		case types.StageFiller:
			return buildFiller(req), nil
		default:
			return buildNarrationMux(req), nil
		}
	default:
		return Command{}, fmt.Errorf("%w: unknown stage %q", types.ErrInvalidParameters, req.Stage)
	}
}

func baseArgs() []string {
	return []string{
		"-hide_banner",
		"-nostdin",
		"-loglevel", "error",
		"-y",
		"-progress", "pipe:1",
		"-nostats",
	}
}

func buildExtract(req Request) (Command, error) {
	if err := req.Range.Validate(); err != nil {
		return Command{}, err
	}
	dur := req.Range.Duration()
	args := append(baseArgs(),
		"-ss", fmtSeconds(req.Range.Start),
		"-i", req.Input,
		"-t", fmtSeconds(dur),
		"-map", "0:v:0",
		"-map", "0:a:0?",
	)
	args = append(args, videoCodec(req.Format)...)
	args = append(args, audioCodec(req.Format)...)
	args = append(args, muxerFlags(req.Format)...)
	args = append(args, req.Output)
	return Command{Stage: req.Stage, Args: args, Output: req.Output, Expected: dur}, nil
}

func buildCorrect(req Request) (Command, error) {
	filters, err := CorrectionFilters(req.Media, req.Params)
	if err != nil {
		return Command{}, err
	}
	if len(filters) == 0 {
		return Command{}, ErrIdentity
	}
	args := append(baseArgs(),
		"-i", req.Input,
		"-vf", strings.Join(filters, ","),
		"-map", "0:v:0",
		"-map", "0:a:0?",
	)
	args = append(args, videoCodec(req.Format)...)
	args = append(args, "-c:a", "copy")
	args = append(args, muxerFlags(req.Format)...)
	args = append(args, req.Output)
	return Command{Stage: req.Stage, Args: args, Output: req.Output, Expected: req.Media.Duration}, nil
}

func buildWatermark(req Request) Command {
	margin := max(8, req.Media.Width/40)
	graph := fmt.Sprintf("[0:v][1:v]overlay=W-w-%d:H-h-%d:shortest=1[v]", margin, margin)
	args := append(baseArgs(),
		"-i", req.Input,
		"-loop", "1",
		"-i", req.Secondary,
		"-filter_complex", graph,
		"-map", "[v]",
		"-map", "0:a:0?",
	)
	return finishComposite(req, args)
}

func buildFiller(req Request) Command {
	w, h := even(req.Media.Width), even(req.Media.Height)
	fh := even(h / 3)
	graph := fmt.Sprintf(
		"[1:v]scale=%d:%d:force_original_aspect_ratio=increase,crop=%d:%d,setsar=1[fill];[0:v][fill]overlay=0:H-h:shortest=1[v]",
		w, fh, w, fh,
	)
	args := append(baseArgs(),
		"-i", req.Input,
		"-stream_loop", "-1",
		"-i", req.Secondary,
		"-filter_complex", graph,
		"-map", "[v]",
		"-map", "0:a:0?",
	)
	return finishComposite(req, args)
}

// finishComposite pins the output to the primary duration whatever the secondary input does.
func finishComposite(req Request, args []string) Command {
	args = append(args, videoCodec(req.Format)...)
	args = append(args, "-c:a", "copy")
	if req.Media.Duration > 0 {
		args = append(args, "-t", fmtSeconds(req.Media.Duration))
	}
	args = append(args, muxerFlags(req.Format)...)
	args = append(args, req.Output)
	return Command{Stage: req.Stage, Args: args, Output: req.Output, Expected: req.Media.Duration}
}

func buildNarrationMux(req Request) Command {
	args := append(baseArgs(),
		"-i", req.Input,
		"-i", req.Secondary,
		"-map", "0:v:0",
		"-map", "1:a:0",
		"-c:v", "copy",
		"-af", "apad",
	)
	args = append(args, audioCodec(req.Format)...)
	if req.Media.Duration > 0 {
		args = append(args, "-t", fmtSeconds(req.Media.Duration))
	} else {
		args = append(args, "-shortest")
	}
	args = append(args, muxerFlags(req.Format)...)
	args = append(args, req.Output)
	return Command{Stage: req.Stage, Args: args, Output: req.Output, Expected: req.Media.Duration}
}

// CorrectionFilters returns the correct-stage filter chain for a frame of the
// given size: crop, scale, pad, eq in that order, identity steps omitted.
func CorrectionFilters(m MediaInfo, p types.EditParams) ([]string, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if m.Width <= 0 || m.Height <= 0 {
		return nil, fmt.Errorf("%w: unknown frame size %dx%d", types.ErrInvalidParameters, m.Width, m.Height)
	}

	var filters []string
	curW, curH := m.Width, m.Height

	// crop
	if p.Zoom > 1 || p.CropX != 0 || p.CropY != 0 {
		// offsets of a frame dimension or more never overlap the frame
		if p.CropX >= m.Width || p.CropX <= -m.Width || p.CropY >= m.Height || p.CropY <= -m.Height {
			return nil, fmt.Errorf("%w: crop window (%d,%d) lies outside the %dx%d frame",
				types.ErrInvalidParameters, p.CropX, p.CropY, m.Width, m.Height)
		}
		zin := math.Max(p.Zoom, 1)
		cw := even(int(math.Round(float64(m.Width) / zin)))
		ch := even(int(math.Round(float64(m.Height) / zin)))
		x0 := (m.Width-cw)/2 + p.CropX
		y0 := (m.Height-ch)/2 + p.CropY
		x1, y1 := min(x0+cw, m.Width), min(y0+ch, m.Height)
		x0, y0 = max(x0, 0), max(y0, 0)
		if x1-x0 < 2 || y1-y0 < 2 {
			return nil, fmt.Errorf("%w: crop window (%d,%d) lies outside the %dx%d frame",
				types.ErrInvalidParameters, p.CropX, p.CropY, m.Width, m.Height)
		}
		cw, ch = even(x1-x0), even(y1-y0)
		if cw != m.Width || ch != m.Height || x0 != 0 || y0 != 0 {
			filters = append(filters, fmt.Sprintf("crop=%d:%d:%d:%d", cw, ch, x0, y0))
			curW, curH = cw, ch
		}
	}

	// scale
	if p.Zoom != 1 {
		sw := even(int(math.Round(float64(curW) * p.Zoom)))
		sh := even(int(math.Round(float64(curH) * p.Zoom)))
		if sw != curW || sh != curH {
			filters = append(filters, fmt.Sprintf("scale=%d:%d", sw, sh))
			curW, curH = sw, sh
		}
	}

	// pad
	canvasW, canvasH := curW, curH
	if p.Zoom < 1 {
		canvasW, canvasH = max(even(m.Width), curW), max(even(m.Height), curH)
	}
	if num, den, ok := p.Aspect.Ratio(); ok {
		canvasW, canvasH = fitAspect(canvasW, canvasH, num, den)
	}
	if canvasW != curW || canvasH != curH {
		filters = append(filters, fmt.Sprintf("pad=%d:%d:(ow-iw)/2:(oh-ih)/2:black", canvasW, canvasH))
	}

	// color
	if !p.ColorNeutral() {
		filters = append(filters, fmt.Sprintf("eq=brightness=%s:contrast=%s:saturation=%s",
			fmtFloat(p.Brightness), fmtFloat(p.Contrast), fmtFloat(p.Saturation)))
	}
	return filters, nil
}

// fitAspect grows w×h along one axis until it matches num:den.
func fitAspect(w, h, num, den int) (int, int) {
	if w*den == h*num {
		return w, h
	}
	if w*den > h*num {
		return w, evenUp(int(math.Ceil(float64(w*den) / float64(num))))
	}
	return evenUp(int(math.Ceil(float64(h*num) / float64(den)))), h
}

func videoCodec(f types.Format) []string {
	if f == types.FormatWebM {
		return []string{"-c:v", "libvpx-vp9", "-crf", "32", "-b:v", "0", "-deadline", "realtime", "-cpu-used", "8", "-pix_fmt", "yuv420p"}
	}
	return []string{"-c:v", "libx264", "-preset", "veryfast", "-crf", "18", "-pix_fmt", "yuv420p"}
}

func audioCodec(f types.Format) []string {
	if f == types.FormatWebM {
		return []string{"-c:a", "libopus", "-b:a", "128k"}
	}
	return []string{"-c:a", "aac", "-b:a", "192k"}
}

func muxerFlags(f types.Format) []string {
	if f == types.FormatWebM {
		return nil
	}
	return []string{"-movflags", "+faststart"}
}

func even(n int) int {
	n &^= 1
	if n < 2 {
		return 2
	}
	return n
}

func evenUp(n int) int {
	if n%2 != 0 {
		n++
	}
	return max(n, 2)
}

func fmtSeconds(d time.Duration) string {
	sec := float64(d) / float64(time.Second)
	return strconv.FormatFloat(sec, 'f', 3, 64)
}

func fmtFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
