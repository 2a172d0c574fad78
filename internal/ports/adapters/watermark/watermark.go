// Package watermark normalizes watermark images before compositing.
package watermark

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"

	"github.com/forPelevin/clipper/internal/ports"
	"github.com/forPelevin/clipper/internal/ports/adapters/library"
	"github.com/forPelevin/clipper/internal/types"
)

const minWidth = 16

var imageExts = map[string]bool{".png": true, ".jpg": true, ".jpeg": true, ".gif": true, ".bmp": true, ".tif": true, ".tiff": true}

// Source resolves watermark references in a directory and scales them to a
// fraction of the frame width.
type Source struct {
	dir   *library.Dir
	ratio float64
}

func New(dir *library.Dir, ratio float64) *Source {
	if ratio <= 0 || ratio > 1 {
		ratio = 0.18
	}
	return &Source{dir: dir, ratio: ratio}
}

var _ ports.WatermarkSource = (*Source)(nil)

func (s *Source) Resolve(ref string) (string, error) {
	if s == nil || s.dir == nil {
		return "", fmt.Errorf("%w: watermarks are not configured", types.ErrInvalidParameters)
	}
	p, err := s.dir.Resolve(ref)
	if err != nil {
		return "", fmt.Errorf("%w: watermark: %v", types.ErrInvalidParameters, err)
	}
	if !imageExts[strings.ToLower(filepath.Ext(p))] {
		return "", fmt.Errorf("%w: watermark %q is not a supported image", types.ErrInvalidParameters, ref)
	}
	fi, err := os.Stat(p)
	if err != nil || fi.IsDir() {
		return "", fmt.Errorf("%w: watermark %q not found", types.ErrInvalidParameters, ref)
	}
	return p, nil
}

// Prepare decodes the watermark, resizes it to ratio*frameWidth keeping its
// aspect and writes it as PNG to dest.
func (s *Source) Prepare(ctx context.Context, ref string, frameWidth int, dest string) error {
	p, err := s.Resolve(ref)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	img, err := imaging.Open(p, imaging.AutoOrientation(true))
	if err != nil {
		return fmt.Errorf("%w: decode watermark %q: %v", types.ErrInvalidParameters, ref, err)
	}
	w := max(int(float64(frameWidth)*s.ratio), minWidth)
	if img.Bounds().Dx() != w {
		img = imaging.Resize(img, w, 0, imaging.Lanczos)
	}
	if err := imaging.Save(img, dest); err != nil {
		return fmt.Errorf("save watermark: %w", err)
	}
	return nil
}
