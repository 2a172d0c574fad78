package ports

import (
	"context"
	"time"

	"github.com/forPelevin/clipper/internal/domain/filtergraph"
	"github.com/forPelevin/clipper/internal/types"
)

type RunOptions struct {
	// Timeout bounds the whole invocation. Zero means no ceiling.
	Timeout    time.Duration
	OnProgress func(types.Progress)
}

type Transcoder interface {
	Run(ctx context.Context, cmd filtergraph.Command, opts RunOptions) (types.Artifact, error)
}

type Prober interface {
	Probe(ctx context.Context, path string) (filtergraph.MediaInfo, error)
}

type FetchRequest struct {
	Ref     string
	Quality types.Quality
	// Dest is a scratch path fetchers may download into.
	Dest string
}

// SourceFetcher resolves a source reference to a local, readable media file.
type SourceFetcher interface {
	Fetch(ctx context.Context, req FetchRequest) (string, error)
}

type WatermarkSource interface {
	// Resolve checks that the reference names a usable image.
	Resolve(ref string) (string, error)
	// Prepare writes a PNG sized for a frame of the given width to dest.
	Prepare(ctx context.Context, ref string, frameWidth int, dest string) error
}

type FillerSource interface {
	Available() bool
	Pick(ctx context.Context, seed string) (string, error)
}

type NarrationSynthesizer interface {
	Synthesize(ctx context.Context, script, dest string) error
}
