// Package parser loads and parses course configuration files. A config
// file is JSON or YAML, located by base path with or without extension,
// composed through include directives and expanded into per-language
// variants by processor tags on keys ("name|i18n", "text|rst").
package parser

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/courseman/courseman/internal/errors"
)

// Doc is a raw, untyped configuration document. All pre-validation
// passes (includes, type dictionaries, tag expansion) operate on Docs;
// the typed schema never sees unprocessed input.
type Doc = map[string]interface{}

// supported config formats by extension
var formats = []string{"json", "yaml"}

// Locate returns the full path to the config file identified by path,
// which may be given with or without an extension. Exactly one file
// among the supported formats must exist.
func Locate(path string) (string, error) {
	if info, err := os.Stat(path); err == nil && !info.IsDir() {
		ext := strings.TrimPrefix(filepath.Ext(path), ".")
		for _, f := range formats {
			if ext == f {
				return path, nil
			}
		}
	}

	var found string
	if info, err := os.Stat(filepath.Dir(path)); err == nil && info.IsDir() {
		for _, ext := range formats {
			candidate := path + "." + ext
			if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
				if found != "" {
					return "", errors.NewConfigError(errors.ErrCodeConfigAmbiguous,
						fmt.Sprintf("multiple config files for %q", path), nil)
				}
				found = candidate
			}
		}
	}
	if found == "" {
		return "", errors.NewConfigError(errors.ErrCodeConfigNotFound,
			fmt.Sprintf("no supported config at %q", path), nil)
	}

	return found, nil
}

// Parse parses a document from a file, selecting the decoder by the
// file extension. Returns the document and the file's mtime.
func Parse(path string) (Doc, time.Time, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, time.Time{}, errors.NewConfigError(errors.ErrCodeConfigParse,
			fmt.Sprintf("cannot read %q", path), err)
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, time.Time{}, errors.NewConfigError(errors.ErrCodeConfigParse,
			fmt.Sprintf("cannot stat %q", path), err)
	}

	doc, err := decode(path, data)
	if err != nil {
		return nil, time.Time{}, err
	}

	return doc, info.ModTime(), nil
}

func decode(path string, data []byte) (Doc, error) {
	var doc Doc
	switch strings.TrimPrefix(filepath.Ext(path), ".") {
	case "json":
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, errors.NewConfigError(errors.ErrCodeConfigParse,
				fmt.Sprintf("configuration error in %q", path), err)
		}
	case "yaml":
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, errors.NewConfigError(errors.ErrCodeConfigParse,
				fmt.Sprintf("configuration error in %q", path), err)
		}
	default:
		return nil, errors.NewConfigError(errors.ErrCodeConfigParse,
			fmt.Sprintf("unsupported format %q", path), nil)
	}

	return doc, nil
}

// CheckFields verifies that a document contains a set of keys.
func CheckFields(file string, doc Doc, names ...string) error {
	for _, name := range names {
		if _, ok := doc[name]; !ok {
			return errors.NewConfigError(errors.ErrCodeRequiredField,
				fmt.Sprintf("required field %q missing from %q", name, file), nil)
		}
	}

	return nil
}
