package parser

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/template"
	"time"

	"github.com/courseman/courseman/internal/errors"
)

// ResolveIncludes merges the config files named in doc's "include" list
// into doc. Each entry requires a "file" field, relative to baseDir; an
// optional "template_context" map renders the included file as a
// template before decoding, and "force" allows the include to overwrite
// existing keys. Without force a key collision is a hard error.
//
// Returns the merged document, the paths of the included files and the
// maximum mtime across them; callers must fold both into their own
// staleness tracking.
func ResolveIncludes(doc Doc, targetFile, baseDir string) (Doc, []string, time.Time, error) {
	merged := make(Doc, len(doc))
	for k, v := range doc {
		merged[k] = v
	}

	includeList, ok := doc["include"].([]interface{})
	if !ok {
		return nil, nil, time.Time{}, errors.NewConfigError(errors.ErrCodeConfigInclude,
			fmt.Sprintf("the value of the \"include\" field in %q should be a list of dictionaries", targetFile), nil)
	}

	var files []string
	var maxMtime time.Time
	for _, raw := range includeList {
		entry, ok := toDoc(raw)
		if !ok {
			return nil, nil, time.Time{}, errors.NewConfigError(errors.ErrCodeConfigInclude,
				fmt.Sprintf("include entry in %q is not a dictionary", targetFile), nil)
		}
		if err := CheckFields(targetFile, entry, "file"); err != nil {
			return nil, nil, time.Time{}, err
		}
		file, _ := entry["file"].(string)

		includeFile, err := Locate(filepath.Join(baseDir, file))
		if err != nil {
			return nil, nil, time.Time{}, errors.NewConfigError(errors.ErrCodeConfigInclude,
				fmt.Sprintf("error in parsing the config file to be included into %q", targetFile), err)
		}
		files = append(files, includeFile)

		info, err := os.Stat(includeFile)
		if err != nil {
			return nil, nil, time.Time{}, errors.NewConfigError(errors.ErrCodeConfigInclude,
				fmt.Sprintf("cannot stat include %q", includeFile), err)
		}
		if info.ModTime().After(maxMtime) {
			maxMtime = info.ModTime()
		}

		var included Doc
		if rawCtx, ok := entry["template_context"]; ok {
			ctx, ok := toDoc(rawCtx)
			if !ok {
				return nil, nil, time.Time{}, errors.NewConfigError(errors.ErrCodeConfigInclude,
					fmt.Sprintf("template_context must be a dictionary in file %q", targetFile), nil)
			}
			included, err = parseTemplated(includeFile, ctx)
		} else {
			included, _, err = Parse(includeFile)
		}
		if err != nil {
			return nil, nil, time.Time{}, errors.NewConfigError(errors.ErrCodeConfigInclude,
				fmt.Sprintf("error in parsing the config file to be included into %q", targetFile), err)
		}

		if len(included) == 0 {
			return nil, nil, time.Time{}, errors.NewConfigError(errors.ErrCodeConfigInclude,
				fmt.Sprintf("included config file is empty: %q", includeFile), nil)
		}

		force, _ := entry["force"].(bool)
		if force {
			for k, v := range included {
				merged[k] = v
			}
			continue
		}
		for k, v := range included {
			if existing, exists := merged[k]; exists {
				return nil, nil, time.Time{}, errors.NewConfigError(errors.ErrCodeFieldConflict,
					fmt.Sprintf("key %q with value %v already exists in config file %q, cannot overwrite with value %v from %q unless the include's 'force' option is set",
						k, existing, targetFile, v, includeFile), nil)
			}
			merged[k] = v
		}
	}

	return merged, files, maxMtime, nil
}

// parseTemplated renders a config file as a text template with the
// given context before decoding it.
func parseTemplated(path string, ctx Doc) (Doc, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	tmpl, err := template.New(path).Option("missingkey=zero").Parse(string(data))
	if err != nil {
		return nil, err
	}
	var rendered strings.Builder
	if err := tmpl.Execute(&rendered, ctx); err != nil {
		return nil, err
	}

	return decode(path, []byte(rendered.String()))
}

// toDoc normalizes a decoded mapping into a Doc. YAML v3 decodes nested
// maps as map[string]interface{} already, but JSON-decoded documents
// nested inside interface{} values keep that shape too, so only the
// string-keyed case needs handling.
func toDoc(v interface{}) (Doc, bool) {
	switch m := v.(type) {
	case Doc:
		return m, true
	default:
		return nil, false
	}
}
