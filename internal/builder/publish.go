package builder

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/courseman/courseman/internal/courseconfig"
	"github.com/courseman/courseman/internal/errors"
	"github.com/courseman/courseman/internal/fileutil"
	"github.com/courseman/courseman/internal/static"
)

// Publish promotes the stored course snapshot to the publish root and
// re-establishes the static links. The rename covers the course
// directory and its defaults sidecar as one transaction. A stored
// snapshot that fails validation is reported as a non-fatal error and
// the already published tree is used instead, so a bad store can never
// take a live course down. Grader publish notifications are
// best-effort; their failures join the non-fatal list.
func (b *Builder) Publish(ctx context.Context, courseKey string) (*courseconfig.CourseConfig, []string, error) {
	storeDir := filepath.Join(b.cfg.Paths.StoreDir, courseKey)
	publishDir := filepath.Join(b.cfg.Paths.PublishDir, courseKey)

	var nonfatal []string
	var cc *courseconfig.CourseConfig
	if _, err := os.Stat(storeDir); err == nil {
		// validate the stored version before touching the live tree
		if _, err := b.loader.Get(ctx, courseconfig.SourceStore, courseKey); err != nil {
			nonfatal = append(nonfatal,
				fmt.Sprintf("stored version of %q failed validation: %v", courseKey, err))
		} else {
			lock := fileutil.NewFileLock(storeDir)
			if err := lock.Acquire(ctx, b.cfg.Build.LockTimeout); err != nil {
				return nil, nonfatal, err
			}
			if err := os.MkdirAll(b.cfg.Paths.PublishDir, 0o755); err != nil {
				_ = lock.Release()
				return nil, nonfatal, err
			}
			err = fileutil.Renames([]fileutil.RenamePair{
				{Src: storeDir, Dst: publishDir},
				{Src: defaultsPath(b.cfg.Paths.StoreDir, courseKey),
					Dst: defaultsPath(b.cfg.Paths.PublishDir, courseKey)},
			})
			_ = lock.Release()
			if err != nil {
				return nil, nonfatal, fmt.Errorf("publishing course %q failed: %w", courseKey, err)
			}
			b.loader.Invalidate(courseKey)
		}
	}

	cc, err := b.loader.Get(ctx, courseconfig.SourcePublish, courseKey)
	if err != nil {
		return nil, nonfatal, errors.NewBuildError(errors.ErrCodeBuildFailed,
			fmt.Sprintf("course %q has neither a stored nor a published version", courseKey), err)
	}
	b.log.Info(ctx, "course published", "course", courseKey, "version", cc.VersionID)

	if err := static.SymbolicLink(b.cfg.Paths.StaticDir, cc); err != nil {
		return nil, nonfatal, err
	}

	if rec, err := b.reg.GetCourse(courseKey); err == nil {
		failures, err := b.graders.PublishGraders(ctx, cc, rec)
		if err != nil {
			return nil, nonfatal, err
		}
		for _, f := range failures {
			b.log.Warn(ctx, &f, "grader publish notification failed", "course", courseKey)
			nonfatal = append(nonfatal, f.Error())
		}
	}

	return cc, nonfatal, nil
}
