package fileutil

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/courseman/courseman/internal/errors"
)

func TestReadMeta(t *testing.T) {
	path := filepath.Join(t.TempDir(), "apps.meta")
	require.NoError(t, os.WriteFile(path, []byte(
		"grader_config = conf\nbuild_image=builder:latest\nnot a pair\n"), 0o644))

	meta, err := ReadMeta(path)
	require.NoError(t, err)
	assert.Equal(t, "conf", meta["grader_config"])
	assert.Equal(t, "builder:latest", meta["build_image"])
	assert.Len(t, meta, 2)
}

func TestReadMetaMissingFile(t *testing.T) {
	meta, err := ReadMeta(filepath.Join(t.TempDir(), "nope.meta"))
	require.NoError(t, err)
	assert.Empty(t, meta)
}

func TestIsSubpath(t *testing.T) {
	assert.True(t, IsSubpath("/a/b/c", "/a/b"))
	assert.True(t, IsSubpath("/a/b", "/a/b"))
	assert.False(t, IsSubpath("/a/bc", "/a/b"))
	assert.False(t, IsSubpath("/a", "/a/b"))
	assert.False(t, IsSubpath("/other", "/a/b"))
}

func TestRenamesReplacesExistingDst(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "new")
	dst := filepath.Join(dir, "live")
	require.NoError(t, os.WriteFile(src, []byte("new"), 0o644))
	require.NoError(t, os.WriteFile(dst, []byte("old"), 0o644))

	require.NoError(t, Renames([]RenamePair{{Src: src, Dst: dst}}))

	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "new", string(data))
	assert.NoFileExists(t, src)

	// the staged old destination is gone
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "live", entries[0].Name())
}

func TestRenamesSkipsMissingSrc(t *testing.T) {
	dir := t.TempDir()
	dst := filepath.Join(dir, "live")
	require.NoError(t, os.WriteFile(dst, []byte("old"), 0o644))

	// a skipped pair still clears its destination, so optional sidecars
	// never survive a promotion that no longer produces them
	require.NoError(t, Renames([]RenamePair{
		{Src: filepath.Join(dir, "ghost"), Dst: dst},
	}))
	assert.NoFileExists(t, dst)
}

func TestRenamesRollsBackOnFailure(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a")
	aDst := filepath.Join(dir, "a-live")
	b := filepath.Join(dir, "b")
	blocker := filepath.Join(dir, "blocker")
	require.NoError(t, os.WriteFile(a, []byte("a-new"), 0o644))
	require.NoError(t, os.WriteFile(aDst, []byte("a-old"), 0o644))
	require.NoError(t, os.WriteFile(b, []byte("b-new"), 0o644))
	// a regular file where the second dst needs a directory
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o644))

	err := Renames([]RenamePair{
		{Src: a, Dst: aDst},
		{Src: b, Dst: filepath.Join(blocker, "child")},
	})
	require.Error(t, err)

	// everything back where it was
	data, err := os.ReadFile(a)
	require.NoError(t, err)
	assert.Equal(t, "a-new", string(data))
	data, err = os.ReadFile(aDst)
	require.NoError(t, err)
	assert.Equal(t, "a-old", string(data))
	assert.FileExists(t, b)
}

func TestFileMappingsExpandsDirectories(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "ex1", "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "ex1", "run.sh"), []byte("#!/bin/sh\n"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "ex1", "sub", "data.txt"), []byte("d"), 0o644))

	out, err := FileMappings(root, []FileMapping{{Name: "ex1", Path: "ex1"}})
	require.NoError(t, err)
	names := make([]string, 0, len(out))
	for _, fm := range out {
		names = append(names, fm.Name)
	}
	assert.ElementsMatch(t, []string{"ex1/run.sh", "ex1/sub/data.txt"}, names)
}

func TestFileMappingsRejectsEscape(t *testing.T) {
	root := t.TempDir()
	outside := filepath.Join(t.TempDir(), "secret")
	require.NoError(t, os.WriteFile(outside, []byte("s"), 0o644))
	require.NoError(t, os.Symlink(outside, filepath.Join(root, "leak")))

	_, err := FileMappings(root, []FileMapping{{Name: "leak", Path: "leak"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "outside the course directory")
}

func TestFileLockTimeout(t *testing.T) {
	path := filepath.Join(t.TempDir(), "course")
	ctx := context.Background()

	first := NewFileLock(path)
	require.NoError(t, first.Acquire(ctx, 0))
	defer func() { _ = first.Release() }()

	second := NewFileLock(path)
	err := second.Acquire(ctx, 200*time.Millisecond)
	assert.ErrorIs(t, err, errors.ErrLockTimeout)

	require.ErrorIs(t, second.TryAcquire(), errors.ErrLockTimeout)
}

func TestFileLockReleaseUnblocks(t *testing.T) {
	path := filepath.Join(t.TempDir(), "course")
	ctx := context.Background()

	first := NewFileLock(path)
	require.NoError(t, first.Acquire(ctx, 0))
	require.NoError(t, first.Release())

	second := NewFileLock(path)
	require.NoError(t, second.Acquire(ctx, time.Second))
	assert.NoError(t, second.Release())
}
