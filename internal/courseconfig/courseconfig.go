package courseconfig

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/courseman/courseman/internal/course"
	"github.com/courseman/courseman/internal/errors"
	"github.com/courseman/courseman/internal/fileutil"
	"github.com/courseman/courseman/internal/parser"
)

const (
	// MetaFile optionally redirects the config root to a subdirectory
	// through its grader_config entry, and names the course build image
	// and command.
	MetaFile = "apps.meta"
	// indexBase is the course index config, with or without extension.
	indexBase = "index"
	// VersionFile is the version stamp the builder writes into a course
	// directory after a successful build.
	VersionFile = ".version"
)

// LoadOptions tune a course config load.
type LoadOptions struct {
	Course course.Options
	// DefaultGraderURL backs synthesized configure blocks for exercises
	// that carry a grader config file but no explicit configure entry.
	DefaultGraderURL string
}

// CourseConfig is a fully loaded course: the validated tree, the
// expanded per-language documents and the staleness bookkeeping needed
// to cache it.
type CourseConfig struct {
	Key       string
	Dir       string // course root directory
	ConfigDir string // directory holding the index config
	File      string // resolved index file
	VersionID string
	Course    *course.Course
	Docs      map[string]parser.Doc // per-language expanded documents

	// files and mtime drive cache invalidation: every file that went
	// into the load, and the newest mtime among them at load time.
	files []string
	mtime time.Time
}

// Load reads the course under dir through the full parse chain.
func Load(dir, key string, opts LoadOptions) (*CourseConfig, error) {
	meta, err := fileutil.ReadMeta(filepath.Join(dir, MetaFile))
	if err != nil {
		return nil, errors.NewConfigError(errors.ErrCodeConfigParse,
			fmt.Sprintf("cannot read meta file for course %q", key), err)
	}
	configDir := dir
	if sub, ok := meta["grader_config"]; ok && sub != "" {
		configDir = filepath.Join(dir, sub)
	}

	cc := &CourseConfig{Key: key, Dir: dir, ConfigDir: configDir}

	file, err := parser.Locate(filepath.Join(configDir, indexBase))
	if err != nil {
		return nil, err
	}
	cc.File = file

	doc, mtime, err := parser.Parse(file)
	if err != nil {
		return nil, err
	}
	cc.track(file, mtime)

	if _, ok := doc["include"]; ok {
		var incFiles []string
		var incMtime time.Time
		doc, incFiles, incMtime, err = parser.ResolveIncludes(doc, file, configDir)
		if err != nil {
			return nil, err
		}
		for _, f := range incFiles {
			cc.track(f, incMtime)
		}
		delete(doc, "include")
	}

	doc, err = course.ApplyTypeDictionaries(doc)
	if err != nil {
		return nil, err
	}

	defaultLang := docDefaultLang(doc)
	docs, err := parser.ExpandLanguageTags(doc, defaultLang)
	if err != nil {
		return nil, err
	}
	cc.Docs = docs

	c, err := course.FromDoc(docs[defaultLang], opts.Course)
	if err != nil {
		return nil, err
	}
	cc.Course = c

	if err := cc.loadExerciseConfigs(opts); err != nil {
		return nil, err
	}

	for _, n := range c.Exercises() {
		if n.Exercise != nil && n.Exercise.Configure == nil {
			n.Exercise.Configure = course.SynthesizeConfigure(n, opts.DefaultGraderURL)
		}
	}

	cc.VersionID = readVersion(dir)

	return cc, nil
}

// loadExerciseConfigs parses the grader config file of every exercise
// that names one, producing one document per course language.
func (cc *CourseConfig) loadExerciseConfigs(opts LoadOptions) error {
	for _, n := range cc.Course.Exercises() {
		ex := n.Exercise
		if ex == nil || ex.ConfigPath == "" {
			continue
		}

		file, err := parser.Locate(filepath.Join(cc.ConfigDir, ex.ConfigPath))
		if err != nil {
			return errors.NewConfigError(errors.ErrCodeConfigNotFound,
				fmt.Sprintf("grader config for exercise %q", n.Key), err)
		}
		doc, mtime, err := parser.Parse(file)
		if err != nil {
			return err
		}
		cc.track(file, mtime)

		if _, ok := doc["include"]; ok {
			var incFiles []string
			var incMtime time.Time
			doc, incFiles, incMtime, err = parser.ResolveIncludes(doc, file, cc.ConfigDir)
			if err != nil {
				return err
			}
			for _, f := range incFiles {
				cc.track(f, incMtime)
			}
			delete(doc, "include")
		}

		docs, err := parser.ExpandLanguageTags(doc, cc.Course.DefaultLang())
		if err != nil {
			return err
		}
		for lang, d := range docs {
			if err := parser.CheckFields(file, d, "title", "view_type"); err != nil {
				return errors.NewConfigError(errors.ErrCodeRequiredField,
					fmt.Sprintf("grader config of exercise %q (%s)", n.Key, lang), err)
			}
		}
		ex.ConfigData = make(map[string]parser.Doc, len(cc.Course.Languages))
		for _, lang := range cc.languages() {
			if d, ok := docs[lang]; ok {
				ex.ConfigData[lang] = d
			} else {
				ex.ConfigData[lang] = docs[cc.Course.DefaultLang()]
			}
		}
	}

	return nil
}

func (cc *CourseConfig) languages() []string {
	if len(cc.Course.Languages) > 0 {
		return cc.Course.Languages
	}

	return []string{cc.Course.DefaultLang()}
}

func (cc *CourseConfig) track(file string, mtime time.Time) {
	if file != "" {
		cc.files = append(cc.files, file)
	}
	if mtime.After(cc.mtime) {
		cc.mtime = mtime
	}
}

// Doc returns the expanded document for lang, falling back to the
// default language.
func (cc *CourseConfig) Doc(lang string) parser.Doc {
	if d, ok := cc.Docs[lang]; ok {
		return d
	}

	return cc.Docs[cc.Course.DefaultLang()]
}

// ExerciseConfig returns the grader config document of an exercise for
// the given language.
func (cc *CourseConfig) ExerciseConfig(exerciseKey, lang string) (parser.Doc, error) {
	for _, n := range cc.Course.Exercises() {
		if n.Key != exerciseKey {
			continue
		}
		if n.Exercise == nil || len(n.Exercise.ConfigData) == 0 {
			return nil, errors.NewConfigError(errors.ErrCodeConfigNotFound,
				fmt.Sprintf("exercise %q has no grader config", exerciseKey), nil)
		}
		if d, ok := n.Exercise.ConfigData[lang]; ok {
			return d, nil
		}
		return n.Exercise.ConfigData[cc.Course.DefaultLang()], nil
	}

	return nil, errors.NewConfigError(errors.ErrCodeConfigNotFound,
		fmt.Sprintf("no exercise %q in course %q", exerciseKey, cc.Key), nil)
}

// Files returns every config file that contributed to this load: the
// index, the exercise configs and all included files.
func (cc *CourseConfig) Files() []string {
	return append([]string(nil), cc.files...)
}

// PathTo resolves a course-relative path against the course root.
func (cc *CourseConfig) PathTo(rel string) string {
	return filepath.Join(cc.Dir, rel)
}

// StaticRoot returns the directory whose contents are exposed as the
// course's static files.
func (cc *CourseConfig) StaticRoot() string {
	if cc.Course.StaticDir != "" {
		return filepath.Join(cc.Dir, cc.Course.StaticDir)
	}

	return cc.Dir
}

// Stale reports whether the on-disk state has moved past this load:
// any contributing file has a newer mtime (or vanished), or the version
// stamp changed.
func (cc *CourseConfig) Stale() bool {
	if readVersion(cc.Dir) != cc.VersionID {
		return true
	}
	for _, file := range cc.files {
		info, err := os.Stat(file)
		if err != nil || info.ModTime().After(cc.mtime) {
			return true
		}
	}

	return false
}

// readVersion reads the builder's version stamp; missing file means no
// stamp, which compares unequal to any stamped load.
func readVersion(dir string) string {
	data, err := os.ReadFile(filepath.Join(dir, VersionFile))
	if err != nil {
		return ""
	}

	return strings.TrimSpace(string(data))
}

// docDefaultLang peeks the default language off the raw document before
// tag expansion needs it.
func docDefaultLang(doc parser.Doc) string {
	switch v := doc["lang"].(type) {
	case string:
		if v != "" {
			return v
		}
	case []interface{}:
		if len(v) > 0 {
			if s, ok := v[0].(string); ok && s != "" {
				return s
			}
		}
	}

	return course.DefaultLang
}
