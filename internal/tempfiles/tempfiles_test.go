package tempfiles

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newManager(t *testing.T) *Manager {
	t.Helper()
	m, err := New(t.TempDir(), 0)
	require.NoError(t, err)
	return m
}

func TestAllocate_NamespacedAndUnique(t *testing.T) {
	t.Parallel()
	m := newManager(t)

	a, err := m.Allocate("job1", "extract", "mp4")
	require.NoError(t, err)
	b, err := m.Allocate("job1", "extract", ".mp4")
	require.NoError(t, err)
	c, err := m.Allocate("job2", "extract", ".mp4")
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
	assert.Equal(t, m.Dir("job1"), filepath.Dir(a))
	assert.Equal(t, m.Dir("job2"), filepath.Dir(c))
	assert.True(t, strings.HasSuffix(a, ".mp4"))
	assert.True(t, strings.HasPrefix(filepath.Base(a), "extract-"))
	assert.DirExists(t, m.Dir("job1"))
	assert.Equal(t, []string{"job1", "job2"}, m.Active())

	require.NoError(t, os.WriteFile(a, []byte("x"), 0o644), "allocated path must be writable")
}

func TestAllocate_RejectsEscapingIDs(t *testing.T) {
	t.Parallel()
	m := newManager(t)

	for _, id := range []string{"", "..", "a/b", `a\b`} {
		_, err := m.Allocate(id, "x", ".mp4")
		assert.Error(t, err, "id %q", id)
	}
}

func TestAllocate_LowDisk(t *testing.T) {
	t.Parallel()
	m := newManager(t)
	m.minFree = 100
	m.freeBytes = func(string) (uint64, error) { return 10, nil }

	_, err := m.Allocate("job", "extract", ".mp4")
	assert.True(t, errors.Is(err, ErrLowDisk))
}

func TestRelease(t *testing.T) {
	t.Parallel()
	m := newManager(t)

	p, err := m.Allocate("job", "extract", ".mp4")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(p, []byte("x"), 0o644))

	require.NoError(t, m.Release("job", p))
	assert.NoFileExists(t, p)
	require.NoError(t, m.Release("job", p), "releasing twice is fine")
}

func TestPromote(t *testing.T) {
	t.Parallel()
	m := newManager(t)

	p, err := m.Allocate("job", "final", ".mp4")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(p, []byte("final"), 0o644))

	dest := filepath.Join(t.TempDir(), "out", "clip.mp4")
	size, err := m.Promote("job", p, dest)
	require.NoError(t, err)
	assert.Equal(t, int64(5), size)
	assert.FileExists(t, dest)
	assert.NoFileExists(t, p)

	require.NoError(t, m.ReleaseAll("job"))
	assert.FileExists(t, dest, "promoted artifact survives ReleaseAll")
}

func TestPromote_RenameFailures(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name     string
		errno    syscall.Errno
		wantCopy bool
	}{
		{name: "cross device falls back to copy", errno: syscall.EXDEV, wantCopy: true},
		{name: "permission denied is reported", errno: syscall.EACCES},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			m := newManager(t)
			m.rename = func(oldpath, newpath string) error {
				return &os.LinkError{Op: "rename", Old: oldpath, New: newpath, Err: tc.errno}
			}

			p, err := m.Allocate("job", "final", ".mp4")
			require.NoError(t, err)
			require.NoError(t, os.WriteFile(p, []byte("final"), 0o644))
			dest := filepath.Join(t.TempDir(), "clip.mp4")

			size, err := m.Promote("job", p, dest)
			if !tc.wantCopy {
				require.ErrorIs(t, err, tc.errno)
				assert.NoFileExists(t, dest)
				assert.FileExists(t, p)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, int64(5), size)
			b, err := os.ReadFile(dest)
			require.NoError(t, err)
			assert.Equal(t, "final", string(b))
			assert.NoFileExists(t, p)
		})
	}
}

func TestReleaseAll_Idempotent(t *testing.T) {
	t.Parallel()
	m := newManager(t)

	for i := 0; i < 3; i++ {
		p, err := m.Allocate("job", "stage", ".mp4")
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(p, []byte("x"), 0o644))
	}
	other, err := m.Allocate("other", "stage", ".mp4")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(other, []byte("x"), 0o644))

	require.NoError(t, m.ReleaseAll("job"))
	require.NoError(t, m.ReleaseAll("job"))
	require.NoError(t, m.ReleaseAll("never-allocated"))

	assert.NoDirExists(t, m.Dir("job"))
	assert.False(t, m.IsActive("job"))
	assert.FileExists(t, other, "other jobs are untouched")
	assert.True(t, m.IsActive("other"))
}
