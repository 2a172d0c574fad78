// Package espeak synthesizes narration audio with espeak-ng.
package espeak

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/forPelevin/clipper/internal/ports"
)

type Adapter struct {
	bin   string
	voice string
}

func New(binPath, voice string) *Adapter {
	if binPath == "" {
		binPath = "espeak-ng"
	}
	if voice == "" {
		voice = "en"
	}
	return &Adapter{bin: binPath, voice: voice}
}

var _ ports.NarrationSynthesizer = (*Adapter)(nil)

// Synthesize writes the spoken script as WAV to dest.
func (a *Adapter) Synthesize(ctx context.Context, script, dest string) error {
	script = strings.TrimSpace(script)
	if script == "" {
		return fmt.Errorf("empty narration script")
	}
	cmd := exec.CommandContext(ctx, a.bin, "-v", a.voice, "-w", dest, "--stdin")
	cmd.Stdin = strings.NewReader(script)
	b, err := cmd.CombinedOutput()
	if err != nil {
		_ = os.Remove(dest)
		return fmt.Errorf("espeak-ng failed: %w\n%s", err, string(b))
	}
	if fi, err := os.Stat(dest); err != nil || fi.Size() == 0 {
		return fmt.Errorf("espeak-ng wrote no audio to %s", dest)
	}
	return nil
}
