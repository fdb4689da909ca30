// Package courseconfig loads full course configurations from one of the
// three course source roots and caches them. A load runs the whole parse
// chain (locate index, resolve includes, apply type dictionaries, expand
// language tags, decode and validate) and attaches per-exercise grader
// config documents. Cached entries are invalidated by file mtime and by
// the version stamp the builder writes.
package courseconfig

import "github.com/courseman/courseman/internal/config"

// Source selects which course root a config is loaded from.
type Source int

const (
	SourceBuild Source = iota
	SourceStore
	SourcePublish
)

// String returns the source name used in logs and cache keys.
func (s Source) String() string {
	switch s {
	case SourceBuild:
		return "build"
	case SourceStore:
		return "store"
	case SourcePublish:
		return "publish"
	default:
		return "unknown"
	}
}

// Root returns the directory root backing the source.
func (s Source) Root(paths config.PathsConfig) string {
	switch s {
	case SourceBuild:
		return paths.BuildDir
	case SourceStore:
		return paths.StoreDir
	default:
		return paths.PublishDir
	}
}
