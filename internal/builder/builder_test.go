package builder

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/courseman/courseman/internal/config"
	"github.com/courseman/courseman/internal/courseconfig"
	"github.com/courseman/courseman/internal/logging"
	"github.com/courseman/courseman/internal/registry"
)

const testIndex = `name: Demo
categories:
  chapters:
    name: Chapters
modules:
  - key: m1
    status: ready
    children:
      - key: c1
        category: chapters
        static_content: c1.html
`

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	root := t.TempDir()

	return &config.Config{
		Paths: config.PathsConfig{
			BuildDir:    filepath.Join(root, "build"),
			StoreDir:    filepath.Join(root, "store"),
			PublishDir:  filepath.Join(root, "publish"),
			StaticDir:   filepath.Join(root, "static"),
			DatabaseDir: filepath.Join(root, "db"),
		},
		Build:  config.BuildConfig{LockTimeout: 5 * time.Second, Workers: 1},
		Static: config.StaticConfig{URLPrefix: "/static"},
	}
}

func newBuilder(t *testing.T, cfg *config.Config) (*Builder, *registry.Registry) {
	t.Helper()
	reg, err := registry.Open(cfg.Paths.DatabaseDir)
	require.NoError(t, err)
	t.Cleanup(func() { _ = reg.Close() })

	loader := courseconfig.NewLoader(cfg.Paths, courseconfig.LoadOptions{}, logging.NopLogger{})

	return New(cfg, reg, loader, logging.NopLogger{}), reg
}

func seedBuildDir(t *testing.T, cfg *config.Config, key, index string) string {
	t.Helper()
	dir := filepath.Join(cfg.Paths.BuildDir, key)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.yaml"), []byte(index), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "c1.html"), []byte("<p>hi</p>"), 0o644))

	return dir
}

func TestBuildStoresValidatedCourse(t *testing.T) {
	cfg := testConfig(t)
	b, reg := newBuilder(t, cfg)
	require.NoError(t, reg.SaveCourse(&registry.Course{Key: "demo"}))
	seedBuildDir(t, cfg, "demo", testIndex)

	u, err := b.BuildOnce(context.Background(), "demo", "", registry.UpdateOptions{})
	require.NoError(t, err)
	assert.Equal(t, registry.StatusSuccess, u.Status, u.Log)

	storeDir := filepath.Join(cfg.Paths.StoreDir, "demo")
	assert.FileExists(t, filepath.Join(storeDir, "index.yaml"))
	assert.FileExists(t, filepath.Join(storeDir, courseconfig.VersionFile))
	assert.FileExists(t, filepath.Join(cfg.Paths.StoreDir, "demo.defaults.json"))
	assert.Contains(t, u.Log, "course stored")
}

func TestBuildCommandRuns(t *testing.T) {
	cfg := testConfig(t)
	cfg.Build.DefaultImage = "course-build:latest"
	cfg.Build.DefaultCommand = "echo built $COURSE_KEY > build.out"
	b, reg := newBuilder(t, cfg)
	require.NoError(t, reg.SaveCourse(&registry.Course{Key: "demo"}))
	dir := seedBuildDir(t, cfg, "demo", testIndex)

	u, err := b.BuildOnce(context.Background(), "demo", "", registry.UpdateOptions{})
	require.NoError(t, err)
	require.Equal(t, registry.StatusSuccess, u.Status, u.Log)

	data, err := os.ReadFile(filepath.Join(dir, "build.out"))
	require.NoError(t, err)
	assert.Equal(t, "built demo\n", string(data))
}

func TestBuildSkippedWithoutImage(t *testing.T) {
	cfg := testConfig(t)
	cfg.Build.DefaultCommand = "echo built > build.out"
	b, reg := newBuilder(t, cfg)
	require.NoError(t, reg.SaveCourse(&registry.Course{Key: "demo"}))
	dir := seedBuildDir(t, cfg, "demo", testIndex)

	u, err := b.BuildOnce(context.Background(), "demo", "", registry.UpdateOptions{})
	require.NoError(t, err)
	require.Equal(t, registry.StatusSuccess, u.Status, u.Log)
	assert.NoFileExists(t, filepath.Join(dir, "build.out"))
}

func TestSkipBuildFlag(t *testing.T) {
	cfg := testConfig(t)
	cfg.Build.DefaultImage = "course-build:latest"
	cfg.Build.DefaultCommand = "echo built > build.out"
	b, reg := newBuilder(t, cfg)
	require.NoError(t, reg.SaveCourse(&registry.Course{Key: "demo"}))
	dir := seedBuildDir(t, cfg, "demo", testIndex)

	u, err := b.BuildOnce(context.Background(), "demo", "", registry.UpdateOptions{SkipBuild: true})
	require.NoError(t, err)
	require.Equal(t, registry.StatusSuccess, u.Status, u.Log)
	assert.NoFileExists(t, filepath.Join(dir, "build.out"))
}

func TestBuildFuncReceivesResolvedImage(t *testing.T) {
	cfg := testConfig(t)
	cfg.Build.DefaultImage = "default-image"
	b, reg := newBuilder(t, cfg)
	require.NoError(t, reg.SaveCourse(&registry.Course{Key: "demo"}))
	seedBuildDir(t, cfg, "demo", testIndex)

	var gotImage, gotCommand string
	var gotEnv []string
	b.SetBuildFunc(func(ctx context.Context, log logging.Logger, courseKey, dir, image, command string, env []string) error {
		gotImage, gotCommand, gotEnv = image, command, env
		return nil
	})

	u, err := b.BuildOnce(context.Background(), "demo", "",
		registry.UpdateOptions{BuildImage: "override-image", BuildCommand: "make"})
	require.NoError(t, err)
	require.Equal(t, registry.StatusSuccess, u.Status, u.Log)
	assert.Equal(t, "override-image", gotImage)
	assert.Equal(t, "make", gotCommand)
	assert.Contains(t, gotEnv, "COURSE_KEY=demo")
}

func TestBuildFailsOnBadConfig(t *testing.T) {
	cfg := testConfig(t)
	b, reg := newBuilder(t, cfg)
	require.NoError(t, reg.SaveCourse(&registry.Course{Key: "demo"}))
	seedBuildDir(t, cfg, "demo", "name: Broken\nmodules:\n  - key: m1\n")

	u, err := b.BuildOnce(context.Background(), "demo", "", registry.UpdateOptions{})
	require.NoError(t, err)
	assert.Equal(t, registry.StatusFailed, u.Status)
	assert.NoDirExists(t, filepath.Join(cfg.Paths.StoreDir, "demo"))
}

func TestBuildFailsOnEscapingSymlink(t *testing.T) {
	cfg := testConfig(t)
	b, reg := newBuilder(t, cfg)
	require.NoError(t, reg.SaveCourse(&registry.Course{Key: "demo"}))
	dir := seedBuildDir(t, cfg, "demo", testIndex)
	require.NoError(t, os.Symlink("/etc", filepath.Join(dir, "leak")))

	u, err := b.BuildOnce(context.Background(), "demo", "", registry.UpdateOptions{})
	require.NoError(t, err)
	assert.Equal(t, registry.StatusFailed, u.Status)
	assert.Contains(t, u.Log, "escapes the course directory")
}

func TestSkipBuildFailsafesAllowsEscape(t *testing.T) {
	cfg := testConfig(t)
	b, reg := newBuilder(t, cfg)
	require.NoError(t, reg.SaveCourse(&registry.Course{Key: "demo", SkipBuildFailsafes: true}))
	dir := seedBuildDir(t, cfg, "demo", testIndex)
	require.NoError(t, os.Symlink("/etc", filepath.Join(dir, "leak")))

	u, err := b.BuildOnce(context.Background(), "demo", "", registry.UpdateOptions{})
	require.NoError(t, err)
	assert.Equal(t, registry.StatusSuccess, u.Status, u.Log)
}

func TestBuildFailsOnAbsoluteSymlink(t *testing.T) {
	cfg := testConfig(t)
	b, reg := newBuilder(t, cfg)
	require.NoError(t, reg.SaveCourse(&registry.Course{Key: "demo"}))
	dir := seedBuildDir(t, cfg, "demo", testIndex)
	// resolves inside the course, but the absolute target dies with the
	// store/publish renames
	require.NoError(t, os.Symlink(filepath.Join(dir, "c1.html"), filepath.Join(dir, "link.html")))

	u, err := b.BuildOnce(context.Background(), "demo", "", registry.UpdateOptions{})
	require.NoError(t, err)
	assert.Equal(t, registry.StatusFailed, u.Status)
	assert.Contains(t, u.Log, "absolute symlink")
}

func TestStoreCopiesOnlyCourseFiles(t *testing.T) {
	index := `name: Demo
static_dir: _build
categories:
  chapters:
    name: Chapters
modules:
  - key: m1
    status: ready
    children:
      - key: c1
        category: chapters
        static_content: c1.html
`
	cfg := testConfig(t)
	b, reg := newBuilder(t, cfg)
	require.NoError(t, reg.SaveCourse(&registry.Course{Key: "demo"}))

	dir := filepath.Join(cfg.Paths.BuildDir, "demo")
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "_build"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.yaml"), []byte(index), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "_build", "c1.html"), []byte("<p>hi</p>"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, ".git"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".git", "config"), []byte("[core]\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "scratch.pyc"), []byte("junk"), 0o644))

	u, err := b.BuildOnce(context.Background(), "demo", "", registry.UpdateOptions{})
	require.NoError(t, err)
	require.Equal(t, registry.StatusSuccess, u.Status, u.Log)

	storeDir := filepath.Join(cfg.Paths.StoreDir, "demo")
	assert.FileExists(t, filepath.Join(storeDir, "index.yaml"))
	assert.FileExists(t, filepath.Join(storeDir, "_build", "c1.html"))
	assert.FileExists(t, filepath.Join(storeDir, courseconfig.VersionFile))
	assert.NoFileExists(t, filepath.Join(storeDir, "scratch.pyc"))
	assert.NoDirExists(t, filepath.Join(storeDir, ".git"))
}

type captureNotifier struct {
	notified []string
}

func (c *captureNotifier) NotifyUpdate(_ context.Context, rec *registry.Course, _ *registry.CourseUpdate) {
	c.notified = append(c.notified, rec.Key)
}

func (c *captureNotifier) SendErrorMail(context.Context, *registry.Course, string, string) {}

func TestNotifyOnlyAfterSuccessfulAutomaticUpdate(t *testing.T) {
	remote := 7

	cfg := testConfig(t)
	b, reg := newBuilder(t, cfg)
	n := &captureNotifier{}
	b.notifier = n
	require.NoError(t, reg.SaveCourse(&registry.Course{
		Key: "demo", RemoteID: &remote, UpdateAutomatically: true,
	}))
	seedBuildDir(t, cfg, "demo", testIndex)

	u, err := b.BuildOnce(context.Background(), "demo", "", registry.UpdateOptions{})
	require.NoError(t, err)
	require.Equal(t, registry.StatusSuccess, u.Status, u.Log)
	assert.Equal(t, []string{"demo"}, n.notified)

	// a failed build never notifies
	require.NoError(t, os.WriteFile(filepath.Join(cfg.Paths.BuildDir, "demo", "index.yaml"),
		[]byte("name: Broken\nmodules:\n  - key: m1\n"), 0o644))
	u, err = b.BuildOnce(context.Background(), "demo", "", registry.UpdateOptions{})
	require.NoError(t, err)
	require.Equal(t, registry.StatusFailed, u.Status)
	assert.Len(t, n.notified, 1)
}

func TestNoNotifyWithoutAutomaticUpdate(t *testing.T) {
	remote := 7

	cfg := testConfig(t)
	b, reg := newBuilder(t, cfg)
	n := &captureNotifier{}
	b.notifier = n
	require.NoError(t, reg.SaveCourse(&registry.Course{Key: "demo", RemoteID: &remote}))
	seedBuildDir(t, cfg, "demo", testIndex)

	u, err := b.BuildOnce(context.Background(), "demo", "", registry.UpdateOptions{})
	require.NoError(t, err)
	require.Equal(t, registry.StatusSuccess, u.Status, u.Log)
	assert.Empty(t, n.notified)
}

func TestSkipNotifyFlag(t *testing.T) {
	remote := 7

	cfg := testConfig(t)
	b, reg := newBuilder(t, cfg)
	n := &captureNotifier{}
	b.notifier = n
	require.NoError(t, reg.SaveCourse(&registry.Course{
		Key: "demo", RemoteID: &remote, UpdateAutomatically: true,
	}))
	seedBuildDir(t, cfg, "demo", testIndex)

	u, err := b.BuildOnce(context.Background(), "demo", "", registry.UpdateOptions{SkipNotify: true})
	require.NoError(t, err)
	require.Equal(t, registry.StatusSuccess, u.Status, u.Log)
	assert.Empty(t, n.notified)
}

func TestGraderFailureAbortsStore(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	index := `name: Demo
categories:
  exercises:
    name: Exercises
modules:
  - key: m1
    status: ready
    children:
      - key: ex1
        category: exercises
        configure:
          url: ` + srv.URL + `
`
	cfg := testConfig(t)
	b, reg := newBuilder(t, cfg)
	remoteID := 7
	require.NoError(t, reg.SaveCourse(&registry.Course{Key: "demo", RemoteID: &remoteID}))
	seedBuildDir(t, cfg, "demo", index)

	u, err := b.BuildOnce(context.Background(), "demo", "", registry.UpdateOptions{})
	require.NoError(t, err)
	assert.Equal(t, registry.StatusFailed, u.Status)
	assert.Contains(t, u.Log, "grader configuration failed")
	assert.NoDirExists(t, filepath.Join(cfg.Paths.StoreDir, "demo"))
}

func TestPublishPromotesStore(t *testing.T) {
	cfg := testConfig(t)
	b, reg := newBuilder(t, cfg)
	require.NoError(t, reg.SaveCourse(&registry.Course{Key: "demo"}))
	seedBuildDir(t, cfg, "demo", testIndex)

	u, err := b.BuildOnce(context.Background(), "demo", "", registry.UpdateOptions{})
	require.NoError(t, err)
	require.Equal(t, registry.StatusSuccess, u.Status, u.Log)

	cc, nonfatal, err := b.Publish(context.Background(), "demo")
	require.NoError(t, err)
	assert.Empty(t, nonfatal)
	assert.Equal(t, "demo", cc.Key)

	assert.FileExists(t, filepath.Join(cfg.Paths.PublishDir, "demo", "index.yaml"))
	assert.FileExists(t, filepath.Join(cfg.Paths.PublishDir, "demo.defaults.json"))
	assert.NoDirExists(t, filepath.Join(cfg.Paths.StoreDir, "demo"))

	// static link points at the published course
	link := filepath.Join(cfg.Paths.StaticDir, "demo")
	target, err := os.Readlink(link)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(cfg.Paths.PublishDir, "demo"), target)

	// publishing again without a stored version re-validates in place
	again, _, err := b.Publish(context.Background(), "demo")
	require.NoError(t, err)
	assert.Equal(t, cc.VersionID, again.VersionID)
}

func TestPublishFallsBackOnBrokenStore(t *testing.T) {
	cfg := testConfig(t)
	b, reg := newBuilder(t, cfg)
	require.NoError(t, reg.SaveCourse(&registry.Course{Key: "demo"}))
	seedBuildDir(t, cfg, "demo", testIndex)

	u, err := b.BuildOnce(context.Background(), "demo", "", registry.UpdateOptions{})
	require.NoError(t, err)
	require.Equal(t, registry.StatusSuccess, u.Status, u.Log)
	published, _, err := b.Publish(context.Background(), "demo")
	require.NoError(t, err)

	// a store snapshot that no longer validates must not replace the
	// live tree
	brokenDir := filepath.Join(cfg.Paths.StoreDir, "demo")
	require.NoError(t, os.MkdirAll(brokenDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(brokenDir, "index.yaml"),
		[]byte("name: Broken\nmodules:\n  - key: m1\n"), 0o644))

	cc, nonfatal, err := b.Publish(context.Background(), "demo")
	require.NoError(t, err)
	require.NotEmpty(t, nonfatal)
	assert.Contains(t, nonfatal[0], "failed validation")
	assert.Equal(t, published.VersionID, cc.VersionID)
	assert.DirExists(t, brokenDir)
}

func TestPublishNothingToPublish(t *testing.T) {
	cfg := testConfig(t)
	b, _ := newBuilder(t, cfg)

	_, _, err := b.Publish(context.Background(), "ghost")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "neither a stored nor a published")
}

func TestOlderPendingUpdatesSkipped(t *testing.T) {
	cfg := testConfig(t)
	b, reg := newBuilder(t, cfg)
	require.NoError(t, reg.SaveCourse(&registry.Course{Key: "demo"}))
	seedBuildDir(t, cfg, "demo", testIndex)

	first, err := reg.AddUpdate("demo", "", registry.UpdateOptions{})
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)
	second, err := reg.AddUpdate("demo", "", registry.UpdateOptions{})
	require.NoError(t, err)

	b.processCourse(context.Background(), "demo")

	updates, err := reg.Updates("demo")
	require.NoError(t, err)
	byID := map[string]registry.UpdateStatus{}
	for _, u := range updates {
		byID[u.ID] = u.Status
	}
	assert.Equal(t, registry.StatusSkipped, byID[first.ID])
	assert.Equal(t, registry.StatusSuccess, byID[second.ID])
}

func TestBuildUnknownCourseFails(t *testing.T) {
	cfg := testConfig(t)
	b, reg := newBuilder(t, cfg)

	u, err := b.BuildOnce(context.Background(), "ghost", "", registry.UpdateOptions{})
	require.NoError(t, err)
	assert.Equal(t, registry.StatusFailed, u.Status)

	latest, err := reg.LatestUpdate("ghost")
	require.NoError(t, err)
	assert.Contains(t, latest.Log, "no course record")
}
