package types

import (
	"fmt"
	"math"
	"strings"
)

type AspectRatio string

const (
	AspectSource AspectRatio = "source"
	Aspect16x9   AspectRatio = "16:9"
	Aspect9x16   AspectRatio = "9:16"
	Aspect1x1    AspectRatio = "1:1"
	Aspect4x5    AspectRatio = "4:5"
	Aspect4x3    AspectRatio = "4:3"
	Aspect21x9   AspectRatio = "21:9"
)

var aspectRatios = map[AspectRatio][2]int{
	Aspect16x9: {16, 9},
	Aspect9x16: {9, 16},
	Aspect1x1:  {1, 1},
	Aspect4x5:  {4, 5},
	Aspect4x3:  {4, 3},
	Aspect21x9: {21, 9},
}

// IsNative reports whether the ratio keeps the source frame shape.
func (a AspectRatio) IsNative() bool { return a == "" || a == AspectSource }

// Ratio returns numerator and denominator of a target ratio.
func (a AspectRatio) Ratio() (num, den int, ok bool) {
	r, ok := aspectRatios[a]
	return r[0], r[1], ok
}

const (
	MinZoom = 0.1
	MaxZoom = 10.0

	MinBrightness = -1.0
	MaxBrightness = 1.0
	MinContrast   = -2.0
	MaxContrast   = 2.0
	MinSaturation = 0.0
	MaxSaturation = 3.0
)

// EditParams are the user-controlled transformations applied on top of the extracted range.
type EditParams struct {
	Zoom       float64     `json:"zoom"`
	CropX      int         `json:"crop_x"`
	CropY      int         `json:"crop_y"`
	Brightness float64     `json:"brightness"`
	Contrast   float64     `json:"contrast"`
	Saturation float64     `json:"saturation"`
	Aspect     AspectRatio `json:"aspect,omitempty"`

	Watermark       string `json:"watermark,omitempty"`
	Filler          bool   `json:"filler,omitempty"`
	NarrationScript string `json:"narration_script,omitempty"`
}

func DefaultEdits() EditParams {
	return EditParams{Zoom: 1, Contrast: 1, Saturation: 1, Aspect: AspectSource}
}

func (p EditParams) ColorNeutral() bool {
	return p.Brightness == 0 && p.Contrast == 1 && p.Saturation == 1
}

// CorrectionNeutral reports whether the correct stage would be an identity transform.
func (p EditParams) CorrectionNeutral() bool {
	return p.Zoom == 1 && p.CropX == 0 && p.CropY == 0 && p.Aspect.IsNative() && p.ColorNeutral()
}

// IsNeutral reports whether every parameter is at its neutral value, in which
// case a job reduces to extraction only.
func (p EditParams) IsNeutral() bool {
	return p.CorrectionNeutral() && p.Watermark == "" && !p.Filler && strings.TrimSpace(p.NarrationScript) == ""
}

func (p EditParams) Validate() error {
	if math.IsNaN(p.Zoom) || p.Zoom < MinZoom || p.Zoom > MaxZoom {
		return fmt.Errorf("%w: zoom %v must be between %v and %v", ErrInvalidParameters, p.Zoom, MinZoom, MaxZoom)
	}
	if err := inRange("brightness", p.Brightness, MinBrightness, MaxBrightness); err != nil {
		return err
	}
	if err := inRange("contrast", p.Contrast, MinContrast, MaxContrast); err != nil {
		return err
	}
	if err := inRange("saturation", p.Saturation, MinSaturation, MaxSaturation); err != nil {
		return err
	}
	if !p.Aspect.IsNative() {
		if _, _, ok := p.Aspect.Ratio(); !ok {
			return fmt.Errorf("%w: unsupported aspect ratio %q", ErrInvalidParameters, p.Aspect)
		}
	}
	return nil
}

func inRange(name string, v, lo, hi float64) error {
	if math.IsNaN(v) || v < lo || v > hi {
		return fmt.Errorf("%w: %s %v outside [%v, %v]", ErrInvalidParameters, name, v, lo, hi)
	}
	return nil
}
