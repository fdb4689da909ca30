package course

import (
	"path"
	"strings"

	"github.com/courseman/courseman/internal/parser"
)

// SynthesizeConfigure builds a configure block for an exercise that has
// a grader config file but no explicit configure entry. The manifest is
// derived from the grader config documents: the config file itself plus
// every file those documents reference. Returns nil when the exercise
// has no config file or defaultURL is empty.
func SynthesizeConfigure(n *Node, defaultURL string) *ConfigureBlock {
	if n.Exercise == nil || n.Exercise.ConfigPath == "" || defaultURL == "" {
		return nil
	}

	files := map[string]string{}
	add := func(p string) {
		p = strings.TrimPrefix(strings.TrimSpace(p), "./")
		if p != "" && !strings.HasPrefix(p, "/") {
			files[p] = p
		}
	}

	add(n.Exercise.ConfigPath)
	for _, doc := range n.Exercise.ConfigData {
		collectConfigFiles(doc, add)
	}

	return &ConfigureBlock{URL: defaultURL, Files: files}
}

// collectConfigFiles pulls file references out of a grader config
// document. Known reference keys hold course-relative paths; a dotted
// view_type names a grader module shipped as a source file.
func collectConfigFiles(doc parser.Doc, add func(string)) {
	for _, key := range []string{"template", "feedback_template", "instructions_file", "model_answer"} {
		if s, ok := doc[key].(string); ok {
			add(s)
		}
	}
	if container, ok := doc["container"].(map[string]interface{}); ok {
		if mount, ok := container["mount"].(string); ok {
			add(mount)
		}
	}
	if vt, ok := doc["view_type"].(string); ok && strings.Contains(vt, ".") {
		parts := strings.Split(vt, ".")
		if len(parts) >= 2 {
			add(path.Join(parts[:len(parts)-1]...) + ".py")
		}
	}
}
