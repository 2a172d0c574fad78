// Package tempfiles owns the intermediate artifacts of running jobs. Every job
// gets its own namespace directory; nothing outside it is ever touched.
package tempfiles

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v4/disk"
)

// DirPrefix starts the name of every job namespace directory.
const DirPrefix = "clipper-job-"

var ErrLowDisk = errors.New("not enough free space for temporary artifacts")

type Manager struct {
	root    string
	minFree uint64

	mu   sync.Mutex
	jobs map[string]map[string]struct{}

	freeBytes func(path string) (uint64, error)
	rename    func(oldpath, newpath string) error
}

// New creates the root directory if needed. A zero minFree disables the free space check.
func New(root string, minFree uint64) (*Manager, error) {
	if root == "" {
		root = filepath.Join(os.TempDir(), "clipper")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create temp root: %w", err)
	}
	return &Manager{
		root:      root,
		minFree:   minFree,
		jobs:      make(map[string]map[string]struct{}),
		freeBytes: diskFree,
		rename:    os.Rename,
	}, nil
}

func diskFree(path string) (uint64, error) {
	u, err := disk.Usage(path)
	if err != nil {
		return 0, err
	}
	return u.Free, nil
}

func (m *Manager) Root() string { return m.root }

func (m *Manager) Dir(jobID string) string { return filepath.Join(m.root, DirPrefix+jobID) }

// Allocate reserves a fresh path for an artifact of the given kind. The file
// itself is not created; the producer writes it.
func (m *Manager) Allocate(jobID, kind, ext string) (string, error) {
	if jobID == "" || strings.ContainsAny(jobID, `/\`) || jobID == "." || jobID == ".." {
		return "", fmt.Errorf("invalid job id %q", jobID)
	}
	if m.minFree > 0 {
		free, err := m.freeBytes(m.root)
		if err == nil && free < m.minFree {
			return "", fmt.Errorf("%w: %d bytes free, need %d", ErrLowDisk, free, m.minFree)
		}
	}
	dir := m.Dir(jobID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create job temp dir: %w", err)
	}
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	p := filepath.Join(dir, kind+"-"+uuid.NewString()+ext)

	m.mu.Lock()
	defer m.mu.Unlock()
	paths, ok := m.jobs[jobID]
	if !ok {
		paths = make(map[string]struct{})
		m.jobs[jobID] = paths
	}
	paths[p] = struct{}{}
	return p, nil
}

// Release deletes one superseded artifact. A missing file is not an error.
func (m *Manager) Release(jobID, path string) error {
	m.untrack(jobID, path)
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("release %s: %w", path, err)
	}
	return nil
}

// Promote moves an artifact out of the job namespace to dest and returns its size.
func (m *Manager) Promote(jobID, path, dest string) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return 0, fmt.Errorf("create output dir: %w", err)
	}
	if err := m.rename(path, dest); err != nil {
		if !errors.Is(err, syscall.EXDEV) {
			return 0, fmt.Errorf("promote %s: %w", path, err)
		}
		if err := copyFile(path, dest); err != nil {
			_ = os.Remove(dest)
			return 0, fmt.Errorf("promote %s: %w", path, err)
		}
		_ = os.Remove(path)
	}
	m.untrack(jobID, path)

	fi, err := os.Stat(dest)
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}

// ReleaseAll removes the whole job namespace. It is idempotent.
func (m *Manager) ReleaseAll(jobID string) error {
	m.mu.Lock()
	delete(m.jobs, jobID)
	m.mu.Unlock()

	if jobID == "" {
		return nil
	}
	if err := os.RemoveAll(m.Dir(jobID)); err != nil {
		return fmt.Errorf("release job %s: %w", jobID, err)
	}
	return nil
}

// Active lists jobs that currently own a namespace.
func (m *Manager) Active() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.jobs))
	for id := range m.jobs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (m *Manager) IsActive(jobID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.jobs[jobID]
	return ok
}

func (m *Manager) untrack(jobID, path string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if paths, ok := m.jobs[jobID]; ok {
		delete(paths, path)
	}
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
