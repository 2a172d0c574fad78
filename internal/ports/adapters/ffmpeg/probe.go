package ffmpeg

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/forPelevin/clipper/internal/domain/filtergraph"
)

type probeOutput struct {
	Streams []struct {
		CodecType string `json:"codec_type"`
		Width     int    `json:"width"`
		Height    int    `json:"height"`
		Duration  string `json:"duration"`
	} `json:"streams"`
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
}

func (a *Adapter) Probe(ctx context.Context, path string) (filtergraph.MediaInfo, error) {
	cmd := exec.CommandContext(ctx, a.ffprobe,
		"-v", "error",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		path,
	)
	b, err := cmd.Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return filtergraph.MediaInfo{}, fmt.Errorf("ffprobe %s: %w\n%s", path, err, strings.TrimSpace(string(exitErr.Stderr)))
		}
		return filtergraph.MediaInfo{}, fmt.Errorf("ffprobe %s: %w", path, err)
	}
	return parseProbe(b)
}

func parseProbe(b []byte) (filtergraph.MediaInfo, error) {
	var out probeOutput
	if err := json.Unmarshal(b, &out); err != nil {
		return filtergraph.MediaInfo{}, fmt.Errorf("parse ffprobe output: %w", err)
	}

	var info filtergraph.MediaInfo
	var streamDur time.Duration
	videoSeen := false
	for _, s := range out.Streams {
		switch s.CodecType {
		case "video":
			if videoSeen {
				continue
			}
			videoSeen = true
			info.Width, info.Height = s.Width, s.Height
			streamDur = parseSeconds(s.Duration)
		case "audio":
			info.HasAudio = true
		}
	}
	if !videoSeen {
		return filtergraph.MediaInfo{}, errors.New("no video stream")
	}
	info.Duration = parseSeconds(out.Format.Duration)
	if info.Duration == 0 {
		info.Duration = streamDur
	}
	return info, nil
}

func parseSeconds(s string) time.Duration {
	sec, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || sec < 0 {
		return 0
	}
	return time.Duration(sec * float64(time.Second))
}
