package builder

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime/debug"
	"sort"
	"strconv"
	"strings"

	"github.com/courseman/courseman/internal/courseconfig"
	"github.com/courseman/courseman/internal/errors"
	"github.com/courseman/courseman/internal/fileutil"
	"github.com/courseman/courseman/internal/logging"
	"github.com/courseman/courseman/internal/parser"
	"github.com/courseman/courseman/internal/registry"
	"github.com/courseman/courseman/internal/static"
)

// buildOne runs a single update through the pipeline and persists the
// outcome with the captured build log.
func (b *Builder) buildOne(ctx context.Context, rec *registry.Course, u *registry.CourseUpdate) {
	buf := logging.NewBufferLogger()
	log := logging.NewMultiLogger(b.log.With("course", rec.Key), buf)

	u.Status = registry.StatusRunning
	if err := b.reg.SaveUpdate(u); err != nil {
		b.log.Error(ctx, err, "cannot mark update running", "course", rec.Key)
		return
	}

	var failed bool
	func() {
		defer func() {
			if r := recover(); r != nil {
				log.Error(ctx, nil, "panic during build",
					"panic", fmt.Sprint(r), "stack", string(debug.Stack()))
				failed = true
			}
		}()
		if err := b.runSteps(ctx, rec, u, log); err != nil {
			log.Error(ctx, err, "build failed")
			failed = true
		}
	}()

	if failed {
		u.Status = registry.StatusFailed
	} else {
		u.Status = registry.StatusSuccess
		log.Info(ctx, "build finished")
	}
	u.Log = buf.String()
	if err := b.reg.SaveUpdate(u); err != nil {
		b.log.Error(ctx, err, "cannot persist update outcome", "course", rec.Key)
	}

	if !failed {
		switch {
		case !rec.UpdateAutomatically:
			b.log.Debug(ctx, "automatic update disabled", "course", rec.Key)
		case rec.RemoteID == nil:
			b.log.Warn(ctx, nil, "remote id not set, skipping frontend notification",
				"course", rec.Key)
		case u.Options.SkipNotify:
			b.log.Debug(ctx, "notification skipped by request", "course", rec.Key)
		default:
			b.notifier.NotifyUpdate(ctx, rec, u)
		}
	}
	if failed && rec.EmailOnError {
		b.notifier.SendErrorMail(ctx, rec,
			fmt.Sprintf("course %s build failed", rec.Key), u.Log)
	}
}

// runSteps is the build pipeline proper. Any error aborts the build and
// leaves the store and publish trees untouched.
func (b *Builder) runSteps(ctx context.Context, rec *registry.Course, u *registry.CourseUpdate, log logging.Logger) error {
	buildDir := filepath.Join(b.cfg.Paths.BuildDir, rec.Key)

	// 1. sync the course material
	if rec.GitOrigin != "" && !u.Options.SkipGit {
		out, err := b.git.Pull(ctx, buildDir, rec.GitOrigin, rec.GitBranch)
		if strings.TrimSpace(out) != "" {
			log.Info(ctx, "git output", "output", out)
		}
		if err != nil {
			return err
		}
		if meta, err := b.git.CommitMetadata(ctx, buildDir); err == nil {
			log.Info(ctx, "building commit", "commit", meta)
		}
	} else {
		log.Info(ctx, "git sync skipped, building local directory")
		if _, err := os.Stat(buildDir); err != nil {
			return errors.NewBuildError(errors.ErrCodeBuildFailed,
				fmt.Sprintf("no material at %q", buildDir), err)
		}
	}

	// a commit hash identifies the version when the tree is a checkout,
	// whether or not this request synced it
	versionID := fileutil.RandomToken(32)
	if _, err := os.Stat(filepath.Join(buildDir, ".git")); err == nil {
		if hash, err := b.git.CommitHash(ctx, buildDir); err == nil {
			versionID = hash
		}
	}

	// 2. run the course's build step
	if !u.Options.SkipBuild {
		if err := b.runBuildStep(ctx, rec, u, buildDir, log); err != nil {
			return err
		}
	} else {
		log.Info(ctx, "build step skipped")
	}

	// 3. the built tree must not reach outside itself
	if !rec.SkipBuildFailsafes {
		if err := checkSelfContained(buildDir); err != nil {
			return err
		}
	}

	// 4. stamp the version before validation so the loaded config
	// carries it
	if err := os.WriteFile(filepath.Join(buildDir, courseconfig.VersionFile),
		[]byte(versionID+"\n"), 0o644); err != nil {
		return err
	}
	log.Info(ctx, "version stamped", "version", versionID)

	// 5. validate
	cc, err := courseconfig.Load(buildDir, rec.Key, b.loadOptions())
	if err != nil {
		return err
	}
	if w := cc.Course.Warnings(); !w.Empty() {
		log.Warn(ctx, nil, "course has validation warnings", "warnings", w.String())
	}

	// 6. store
	return b.store(ctx, cc, rec, log)
}

// runBuildStep resolves the build image and command and hands them to
// the build collaborator. Resolution order for both: the trigger
// request, the course's meta file, the configured default. An empty
// resolved image means the course needs no build at all.
func (b *Builder) runBuildStep(ctx context.Context, rec *registry.Course, u *registry.CourseUpdate, buildDir string, log logging.Logger) error {
	meta, err := fileutil.ReadMeta(filepath.Join(buildDir, courseconfig.MetaFile))
	if err != nil {
		return err
	}
	image := resolve(u.Options.BuildImage, meta["build_image"], b.cfg.Build.DefaultImage)
	command := resolve(u.Options.BuildCommand, meta["build_command"], b.cfg.Build.DefaultCommand)

	if image == "" {
		log.Debug(ctx, "no build image, skipping build step")
		return nil
	}

	courseID := ""
	if rec.RemoteID != nil {
		courseID = strconv.Itoa(*rec.RemoteID)
	}
	env := append(os.Environ(),
		"COURSE_KEY="+rec.Key,
		"COURSE_ID="+courseID,
		"STATIC_URL_PATH="+static.URLPath(b.cfg.Static.URLPrefix, rec.Key, ""),
		"STATIC_CONTENT_HOST="+b.cfg.Static.ContentHost,
	)

	return b.buildFunc(ctx, log, rec.Key, buildDir, image, command, env)
}

func resolve(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}

	return ""
}

// shellBuild is the default build collaborator: it runs the resolved
// command through the shell inside the build tree. The image is
// informational here; container isolation belongs to a replacement
// collaborator wired in by the deployment.
func shellBuild(ctx context.Context, log logging.Logger, courseKey, dir, image, command string, env []string) error {
	if command == "" {
		log.Debug(ctx, "build image has no command, nothing to run", "image", image)
		return nil
	}

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = dir
	cmd.Env = append(env, "BUILD_IMAGE="+image)
	out, err := cmd.CombinedOutput()
	if len(out) > 0 {
		log.Info(ctx, "build command output", "output", string(out))
	}
	if err != nil {
		return errors.NewBuildError(errors.ErrCodeBuildFailed,
			fmt.Sprintf("build command %q failed", command), err)
	}

	return nil
}

// store promotes the validated build into the store root. Graders are
// configured first: a course must never be stored if its graders could
// not be, or submissions would hit graders running stale material.
func (b *Builder) store(ctx context.Context, cc *courseconfig.CourseConfig, rec *registry.Course, log logging.Logger) error {
	storeDir := filepath.Join(b.cfg.Paths.StoreDir, rec.Key)
	if err := os.MkdirAll(filepath.Dir(storeDir), 0o755); err != nil {
		return err
	}

	lock := fileutil.NewFileLock(storeDir)
	if err := lock.Acquire(ctx, b.cfg.Build.LockTimeout); err != nil {
		return err
	}
	defer func() { _ = lock.Release() }()

	defaults, failures, err := b.graders.ConfigureGraders(ctx, cc, rec)
	if err != nil {
		return err
	}
	if len(failures) > 0 {
		msgs := make([]string, 0, len(failures))
		for _, f := range failures {
			msgs = append(msgs, f.Error())
		}
		return errors.NewBuildError(errors.ErrCodeBuildFailed,
			"grader configuration failed: "+strings.Join(msgs, "; "), nil)
	}
	if len(defaults) > 0 {
		log.Info(ctx, "graders returned exercise defaults", "count", len(defaults))
	}

	if err := fileutil.RmPath(storeDir); err != nil {
		return err
	}
	if err := copyCourseFiles(ctx, cc, storeDir, log); err != nil {
		return err
	}
	if err := writeDefaults(defaultsPath(b.cfg.Paths.StoreDir, rec.Key), defaults); err != nil {
		return err
	}
	b.loader.Invalidate(rec.Key)
	log.Info(ctx, "course stored", "version", cc.VersionID)

	return nil
}

// copyCourseFiles promotes the parts of the build tree a served course
// needs: the static directory with links preserved, plus the config
// files and everything they reference. A course without a static_dir
// serves its whole tree, so the whole tree is copied.
func copyCourseFiles(ctx context.Context, cc *courseconfig.CourseConfig, storeDir string, log logging.Logger) error {
	if cc.Course.StaticDir == "" {
		return fileutil.CopyTree(cc.Dir, storeDir)
	}

	staticDst := filepath.Join(storeDir, cc.Course.StaticDir)
	if err := os.MkdirAll(filepath.Dir(staticDst), 0o755); err != nil {
		return err
	}
	if err := fileutil.CopyTree(filepath.Join(cc.Dir, cc.Course.StaticDir), staticDst); err != nil {
		return err
	}

	for _, rel := range storedCourseFiles(cc) {
		src := filepath.Join(cc.Dir, rel)
		if _, err := os.Stat(src); err != nil {
			log.Warn(ctx, nil, "referenced course file missing", "file", rel)
			continue
		}
		if err := fileutil.CopyFile(src, filepath.Join(storeDir, rel)); err != nil {
			return err
		}
	}

	return nil
}

// storedCourseFiles lists the course-relative files that accompany the
// static directory into the store: the meta and version stamps, every
// config file the load touched, and the template, model and include
// files the exercise configs reference.
func storedCourseFiles(cc *courseconfig.CourseConfig) []string {
	files := make(map[string]struct{})
	add := func(rel string) {
		rel = strings.TrimPrefix(rel, "/")
		if rel != "" && !filepath.IsAbs(rel) {
			files[rel] = struct{}{}
		}
	}

	add(courseconfig.MetaFile)
	add(courseconfig.VersionFile)
	for _, f := range cc.Files() {
		if rel, err := filepath.Rel(cc.Dir, f); err == nil {
			add(rel)
		}
	}

	for _, n := range cc.Course.Exercises() {
		if n.Exercise == nil {
			continue
		}
		for _, doc := range n.Exercise.ConfigData {
			for _, field := range []string{"template_files", "model_files"} {
				list, ok := doc[field].([]interface{})
				if !ok {
					continue
				}
				for _, v := range list {
					if s, ok := v.(string); ok {
						add(s)
					}
				}
			}
		}
	}

	out := make([]string, 0, len(files))
	for f := range files {
		out = append(out, f)
	}
	sort.Strings(out)

	return out
}

// defaultsPath is the exercise-defaults sidecar beside a course
// directory under a source root.
func defaultsPath(root, courseKey string) string {
	return filepath.Join(root, courseKey+".defaults.json")
}

func writeDefaults(path string, defaults map[string]parser.Doc) error {
	if defaults == nil {
		defaults = map[string]parser.Doc{}
	}
	data, err := json.Marshal(defaults)
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0o644)
}

// checkSelfContained walks the tree and rejects any file whose real
// path falls outside it, and absolute symlinks regardless of target.
// The stored and published trees are served and shipped to graders; a
// link escaping the course would leak arbitrary paths, and an absolute
// link breaks the moment the tree is renamed.
func checkSelfContained(dir string) error {
	root, err := filepath.EvalSymlinks(dir)
	if err != nil {
		return err
	}

	return filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if path == dir || info.IsDir() {
			return nil
		}
		resolved, err := filepath.EvalSymlinks(path)
		if err != nil {
			return &errors.Error{
				Type:        errors.ErrorTypeBuild,
				Code:        errors.ErrCodeNotSelfContained,
				Message:     fmt.Sprintf("broken symlink %q", path),
				Cause:       err,
				Recoverable: true,
			}
		}
		if !fileutil.IsSubpath(resolved, root) {
			return &errors.Error{
				Type:        errors.ErrorTypeBuild,
				Code:        errors.ErrCodeNotSelfContained,
				Message:     fmt.Sprintf("%q escapes the course directory", path),
				Recoverable: true,
			}
		}
		if info.Mode()&os.ModeSymlink != 0 {
			target, err := os.Readlink(path)
			if err != nil {
				return err
			}
			if filepath.IsAbs(target) {
				return &errors.Error{
					Type:        errors.ErrorTypeBuild,
					Code:        errors.ErrCodeNotSelfContained,
					Message:     fmt.Sprintf("%q is an absolute symlink, it breaks when the course directory moves", path),
					Recoverable: true,
				}
			}
		}
		return nil
	})
}
