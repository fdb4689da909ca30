package static

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/courseman/courseman/internal/config"
	"github.com/courseman/courseman/internal/courseconfig"
)

func loadCourse(t *testing.T, extra string) (*courseconfig.CourseConfig, string) {
	t.Helper()
	root := t.TempDir()
	dir := filepath.Join(root, "demo")
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "_build", "public"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "_build", "page.html"), []byte("hi"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "_build", "public", "open.html"), []byte("hi"), 0o644))

	index := `name: Demo
static_dir: _build
categories:
  stuff:
    name: Stuff
modules: []
` + extra
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.yaml"), []byte(index), 0o644))

	cc, err := courseconfig.Load(dir, "demo", courseconfig.LoadOptions{})
	require.NoError(t, err)

	return cc, dir
}

func TestSymbolicLinkWholeDir(t *testing.T) {
	cc, dir := loadCourse(t, "")
	staticRoot := t.TempDir()

	require.NoError(t, SymbolicLink(staticRoot, cc))

	link := filepath.Join(staticRoot, "demo")
	target, err := os.Readlink(link)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "_build"), target)
	assert.FileExists(t, filepath.Join(link, "page.html"))
}

func TestSymbolicLinkUnprotectedPaths(t *testing.T) {
	cc, _ := loadCourse(t, "unprotected_paths:\n  - public\n")
	staticRoot := t.TempDir()

	require.NoError(t, SymbolicLink(staticRoot, cc))

	base := filepath.Join(staticRoot, "demo")
	info, err := os.Lstat(base)
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	assert.FileExists(t, filepath.Join(base, "public", "open.html"))
	assert.NoFileExists(t, filepath.Join(base, "page.html"))
}

func TestSymbolicLinkRejectsEscape(t *testing.T) {
	cc, _ := loadCourse(t, "unprotected_paths:\n  - ../../etc\n")
	staticRoot := t.TempDir()

	assert.Error(t, SymbolicLink(staticRoot, cc))
}

func TestSymbolicLinkReplacesExisting(t *testing.T) {
	cc, _ := loadCourse(t, "")
	staticRoot := t.TempDir()

	require.NoError(t, SymbolicLink(staticRoot, cc))
	require.NoError(t, SymbolicLink(staticRoot, cc))

	_, err := os.Readlink(filepath.Join(staticRoot, "demo"))
	assert.NoError(t, err)
}

func TestURL(t *testing.T) {
	assert.Equal(t, "/static/demo/a/b.html", URLPath("/static", "demo", "a/b.html"))

	cfg := config.StaticConfig{URLPrefix: "/static", ContentHost: "https://cdn.example.com"}
	assert.Equal(t, "https://cdn.example.com/static/demo/a/b.html", URL(cfg, "demo", "a/b.html"))

	cfg.ContentHost = ""
	assert.Equal(t, "/static/demo/a/b.html", URL(cfg, "demo", "a/b.html"))
}
