package janitor

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mkClone(t *testing.T, base, name string, age time.Duration) string {
	t.Helper()
	path := filepath.Join(base, name)
	require.NoError(t, os.MkdirAll(path, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(path, "pkg.spec"), []byte("Name: pkg\n"), 0o644))
	stamp := time.Now().Add(-age)
	require.NoError(t, os.Chtimes(path, stamp, stamp))
	return path
}

func TestSweepOnce_RemovesOnlyExpired(t *testing.T) {
	base := t.TempDir()
	stale := mkClone(t, base, "RHEL-100-openssl", 15*24*time.Hour)
	fresh := mkClone(t, base, "RHEL-200-curl", 2*24*time.Hour)

	j := New(base, 14*24*time.Hour, nil)
	n, err := j.SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	assert.NoDirExists(t, stale)
	assert.DirExists(t, fresh)
}

func TestSweepOnce_LeavesForeignEntriesAlone(t *testing.T) {
	// Only directories following the <ISSUE-KEY>-<package> clone scheme are
	// eligible, no matter how old anything else gets.
	base := t.TempDir()
	foreign := mkClone(t, base, "unrelated-operator-data", 30*24*time.Hour)
	lowercase := mkClone(t, base, "rhel-100-openssl", 30*24*time.Hour)
	stale := mkClone(t, base, "RHEL-500-gzip", 30*24*time.Hour)

	j := New(base, 14*24*time.Hour, nil)
	n, err := j.SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	assert.DirExists(t, foreign)
	assert.DirExists(t, lowercase)
	assert.NoDirExists(t, stale)
}

func TestSweepOnce_MissingBasePath(t *testing.T) {
	j := New(filepath.Join(t.TempDir(), "never-created"), time.Hour, nil)
	n, err := j.SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSweepOnce_EmptyBase(t *testing.T) {
	j := New(t.TempDir(), time.Hour, nil)
	n, err := j.SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSweepOnce_HonorsCancellation(t *testing.T) {
	base := t.TempDir()
	mkClone(t, base, "RHEL-300-bash", 48*time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	j := New(base, time.Hour, nil)
	_, err := j.SweepOnce(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSweepOnce_FrozenClock(t *testing.T) {
	base := t.TempDir()
	path := mkClone(t, base, "RHEL-400-zlib", 0)

	j := New(base, time.Hour, nil)
	j.now = func() time.Time { return time.Now().Add(2 * time.Hour) }

	n, err := j.SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.NoDirExists(t, path)
}
