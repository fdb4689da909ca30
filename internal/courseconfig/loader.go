package courseconfig

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/courseman/courseman/internal/config"
	"github.com/courseman/courseman/internal/logging"
)

// Loader caches loaded course configs per (source, course key). Entries
// are revalidated against file mtimes and the version stamp on every
// Get, and dropped eagerly when the filesystem watcher sees a change
// under the publish root.
type Loader struct {
	paths config.PathsConfig
	opts  LoadOptions
	log   logging.Logger

	mu    sync.RWMutex
	cache map[string]*CourseConfig
}

// NewLoader creates a course config loader over the configured roots.
func NewLoader(paths config.PathsConfig, opts LoadOptions, log logging.Logger) *Loader {
	if log == nil {
		log = logging.NopLogger{}
	}

	return &Loader{
		paths: paths,
		opts:  opts,
		log:   log.WithComponent("courseconfig"),
		cache: make(map[string]*CourseConfig),
	}
}

// Dir returns the directory of a course under a source root.
func (l *Loader) Dir(src Source, key string) string {
	return filepath.Join(src.Root(l.paths), key)
}

func cacheKey(src Source, key string) string {
	return src.String() + "/" + key
}

// Get returns the course config, from cache when still fresh.
func (l *Loader) Get(ctx context.Context, src Source, key string) (*CourseConfig, error) {
	ck := cacheKey(src, key)

	l.mu.RLock()
	cc, ok := l.cache[ck]
	l.mu.RUnlock()
	if ok && !cc.Stale() {
		return cc, nil
	}

	cc, err := Load(l.Dir(src, key), key, l.opts)
	if err != nil {
		return nil, err
	}
	l.log.Debug(ctx, "course config loaded",
		"course", key, "source", src.String(), "version", cc.VersionID)

	l.mu.Lock()
	l.cache[ck] = cc
	l.mu.Unlock()

	return cc, nil
}

// GetMany loads the named courses from a source root. A course that
// fails to load is skipped and its error collected as a string, so one
// broken course cannot hide the rest.
func (l *Loader) GetMany(ctx context.Context, src Source, keys []string) ([]*CourseConfig, []string) {
	var out []*CourseConfig
	var errs []string
	for _, key := range keys {
		cc, err := l.Get(ctx, src, key)
		if err != nil {
			l.log.Warn(ctx, err, "skipping course", "course", key, "source", src.String())
			errs = append(errs, fmt.Sprintf("%s: %v", key, err))
			continue
		}
		out = append(out, cc)
	}

	return out, errs
}

// All loads every course present under a source root.
func (l *Loader) All(ctx context.Context, src Source) []*CourseConfig {
	entries, err := os.ReadDir(src.Root(l.paths))
	if err != nil {
		l.log.Warn(ctx, err, "cannot list course root", "source", src.String())
		return nil
	}

	var keys []string
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		keys = append(keys, entry.Name())
	}
	out, _ := l.GetMany(ctx, src, keys)

	return out
}

// Invalidate drops a course from the cache across all sources.
func (l *Loader) Invalidate(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, src := range []Source{SourceBuild, SourceStore, SourcePublish} {
		delete(l.cache, cacheKey(src, key))
	}
}

// Watch invalidates cached publish configs when their directories
// change on disk, until ctx is done. The watcher covers the publish
// root only: build and store directories change constantly during
// builds and are revalidated by mtime on access anyway.
func (l *Loader) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	root := SourcePublish.Root(l.paths)
	if err := watcher.Add(root); err != nil {
		watcher.Close()
		return err
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				rel, err := filepath.Rel(root, event.Name)
				if err != nil || rel == "." {
					continue
				}
				key := strings.Split(rel, string(filepath.Separator))[0]
				l.log.Debug(ctx, "publish root changed, invalidating", "course", key)
				l.Invalidate(key)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				l.log.Warn(ctx, err, "course watcher error")
			}
		}
	}()

	return nil
}
