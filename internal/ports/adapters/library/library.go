// Package library resolves references against local media directories.
package library

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/forPelevin/clipper/internal/ports"
	"github.com/forPelevin/clipper/internal/types"
)

var videoExts = map[string]bool{".mp4": true, ".mov": true, ".mkv": true, ".webm": true, ".m4v": true}

// Dir confines lookups to one directory tree.
type Dir struct {
	root string
}

func Open(root string) (*Dir, error) {
	if strings.TrimSpace(root) == "" {
		return nil, errors.New("library root is required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("getting absolute path: %w", err)
	}
	fi, err := os.Stat(abs)
	if err != nil {
		return nil, err
	}
	if !fi.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", abs)
	}
	return &Dir{root: abs}, nil
}

func (d *Dir) Root() string { return d.root }

// Resolve maps a relative reference to a path inside the directory. Absolute
// references and references escaping the root are rejected.
func (d *Dir) Resolve(ref string) (string, error) {
	if ref == "" || filepath.IsAbs(ref) || strings.HasPrefix(ref, "/") {
		return "", fmt.Errorf("reference %q must be relative", ref)
	}
	p := filepath.Join(d.root, filepath.Clean(ref))
	if p != d.root && !strings.HasPrefix(p, d.root+string(filepath.Separator)) {
		return "", fmt.Errorf("reference %q escapes the library", ref)
	}
	return p, nil
}

// Sources serves source videos laid out as <root>/<ref>/<quality>.<ext>.
// A reference naming a plain file is served for the "source" quality only.
type Sources struct {
	dir *Dir
}

func NewSources(dir *Dir) *Sources { return &Sources{dir: dir} }

var _ ports.SourceFetcher = (*Sources)(nil)

func (s *Sources) Fetch(ctx context.Context, req ports.FetchRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	p, err := s.dir.Resolve(req.Ref)
	if err != nil {
		return "", fmt.Errorf("%w: %v", types.ErrSourceUnavailable, err)
	}
	fi, err := os.Stat(p)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", types.ErrSourceUnavailable, req.Ref, err)
	}
	if !fi.IsDir() {
		if req.Quality != types.QualitySource {
			return "", fmt.Errorf("%w: %s has no %s variant", types.ErrSourceUnavailable, req.Ref, req.Quality)
		}
		return p, nil
	}

	entries, err := os.ReadDir(p)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", types.ErrSourceUnavailable, req.Ref, err)
	}
	for _, e := range entries {
		name := e.Name()
		ext := strings.ToLower(filepath.Ext(name))
		if e.IsDir() || !videoExts[ext] {
			continue
		}
		if strings.TrimSuffix(name, filepath.Ext(name)) == string(req.Quality) {
			return filepath.Join(p, name), nil
		}
	}
	return "", fmt.Errorf("%w: %s has no %s variant", types.ErrSourceUnavailable, req.Ref, req.Quality)
}

// Fillers picks looping background footage from a flat directory.
type Fillers struct {
	dir *Dir
}

func NewFillers(dir *Dir) *Fillers { return &Fillers{dir: dir} }

var _ ports.FillerSource = (*Fillers)(nil)

func (f *Fillers) Available() bool {
	if f == nil || f.dir == nil {
		return false
	}
	names, err := f.list()
	return err == nil && len(names) > 0
}

// Pick returns the same clip for the same seed as long as the directory is unchanged.
func (f *Fillers) Pick(ctx context.Context, seed string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	names, err := f.list()
	if err != nil {
		return "", err
	}
	if len(names) == 0 {
		return "", fmt.Errorf("%w: filler library %s is empty", types.ErrInvalidParameters, f.dir.Root())
	}
	sum := sha256.Sum256([]byte(seed))
	i := binary.BigEndian.Uint64(sum[:8]) % uint64(len(names))
	return filepath.Join(f.dir.Root(), names[i]), nil
}

func (f *Fillers) list() ([]string, error) {
	entries, err := os.ReadDir(f.dir.Root())
	if err != nil {
		return nil, fmt.Errorf("read filler library: %w", err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && videoExts[strings.ToLower(filepath.Ext(e.Name()))] {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}
