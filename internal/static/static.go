// Package static manages the static file root served to learners. Each
// published course is exposed under <static root>/<course key> through
// symlinks into the publish tree; courses restricting access list
// unprotected paths, and only those paths get linked.
package static

import (
	"fmt"
	"os"
	"path"
	"path/filepath"

	"github.com/courseman/courseman/internal/config"
	"github.com/courseman/courseman/internal/courseconfig"
	"github.com/courseman/courseman/internal/fileutil"
)

// SymbolicLink (re)establishes the static links for a course. With no
// unprotected_paths the whole static directory is linked as one
// symlink; otherwise a real directory is created and each unprotected
// path linked individually, leaving everything else inaccessible.
func SymbolicLink(staticRoot string, cc *courseconfig.CourseConfig) error {
	dst := filepath.Join(staticRoot, cc.Key)
	if err := fileutil.RmPath(dst); err != nil {
		return err
	}

	src := cc.StaticRoot()
	if _, err := os.Stat(src); err != nil {
		if os.IsNotExist(err) {
			// course ships no static files
			return nil
		}
		return err
	}

	unprotected := cc.Course.UnprotectedPaths
	if len(unprotected) == 0 {
		if err := os.MkdirAll(staticRoot, 0o755); err != nil {
			return err
		}
		return os.Symlink(src, dst)
	}

	if err := os.MkdirAll(dst, 0o755); err != nil {
		return err
	}
	for _, p := range unprotected {
		clean := filepath.Clean(p)
		if clean == "." || !fileutil.IsSubpath(filepath.Join(src, clean), src) {
			return fmt.Errorf("unprotected path %q escapes the static directory", p)
		}
		target := filepath.Join(src, clean)
		if _, err := os.Stat(target); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return err
		}
		link := filepath.Join(dst, clean)
		if err := os.MkdirAll(filepath.Dir(link), 0o755); err != nil {
			return err
		}
		if err := os.Symlink(target, link); err != nil {
			return err
		}
	}

	return nil
}

// URLPath returns the URL path of a course static file.
func URLPath(prefix, courseKey, rel string) string {
	return path.Join("/", prefix, courseKey, rel)
}

// URL returns the absolute or host-relative URL of a course static
// file, honoring the configured content host.
func URL(cfg config.StaticConfig, courseKey, rel string) string {
	p := URLPath(cfg.URLPrefix, courseKey, rel)
	if cfg.ContentHost != "" {
		return cfg.ContentHost + p
	}

	return p
}
