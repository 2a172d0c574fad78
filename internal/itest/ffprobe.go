//go:build integration

package itest

import (
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// probeEntry returns one ffprobe value of the first video stream, or of the
// container when entry starts with "format=".
func probeEntry(path, entry string) (string, error) {
	args := []string{"-v", "error"}
	if !strings.HasPrefix(entry, "format=") {
		args = append(args, "-select_streams", "v:0")
	}
	args = append(args,
		"-show_entries", entry,
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	)
	b, err := exec.Command("ffprobe", args...).CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("ffprobe: %w\n%s", err, string(b))
	}
	return strings.TrimSpace(string(b)), nil
}

func probeVideoDurationSeconds(path string) (float64, error) {
	s, err := probeEntry(path, "stream=duration")
	if err != nil {
		return 0, err
	}
	sec, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("parse duration %q: %w", s, err)
	}
	return sec, nil
}

func probeSize(path string) (w, h int, err error) {
	s, err := probeEntry(path, "stream=width,height")
	if err != nil {
		return 0, 0, err
	}
	fields := strings.Fields(s)
	if len(fields) != 2 {
		return 0, 0, fmt.Errorf("unexpected ffprobe output %q", s)
	}
	if w, err = strconv.Atoi(fields[0]); err != nil {
		return 0, 0, err
	}
	if h, err = strconv.Atoi(fields[1]); err != nil {
		return 0, 0, err
	}
	return w, h, nil
}

func probeHasAudio(path string) (bool, error) {
	b, err := exec.Command("ffprobe", "-v", "error",
		"-select_streams", "a",
		"-show_entries", "stream=codec_type",
		"-of", "csv=p=0",
		path,
	).CombinedOutput()
	if err != nil {
		return false, fmt.Errorf("ffprobe: %w\n%s", err, string(b))
	}
	return strings.Contains(string(b), "audio"), nil
}
