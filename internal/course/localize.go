// Package course defines the typed course tree (course, modules,
// chapters, exercises) and its validation rules. The tree is built from
// an untyped parser.Doc in two passes: per-field coercion first, then
// cross-field rules at the course root. Non-fatal findings accumulate as
// warnings on the nodes instead of aborting validation.
package course

import (
	"fmt"

	"github.com/courseman/courseman/internal/errors"
)

// DefaultLang is used when a course does not declare languages.
const DefaultLang = "en"

// Localized holds a value that may differ per language. A plain value
// decodes into the wildcard entry; a mapping keyed by two-letter
// language codes keeps the per-language values.
type Localized map[string]string

const wildcardLang = ""

// ParseLocalized coerces a raw config value into a Localized.
func ParseLocalized(path string, v interface{}) (Localized, error) {
	switch val := v.(type) {
	case string:
		return Localized{wildcardLang: val}, nil
	case map[string]interface{}:
		out := make(Localized, len(val))
		for lang, lv := range val {
			if len(lang) != 2 {
				return nil, errors.NewValidationError(errors.ErrCodeFieldConflict,
					fmt.Sprintf("language key %q is not a two-letter code", lang)).WithPath(path)
			}
			s, ok := lv.(string)
			if !ok {
				return nil, errors.NewValidationError(errors.ErrCodeFieldConflict,
					fmt.Sprintf("localized value for %q is not a string", lang)).WithPath(path)
			}
			out[lang] = s
		}
		return out, nil
	default:
		return nil, errors.NewValidationError(errors.ErrCodeFieldConflict,
			fmt.Sprintf("value %v cannot be localized", v)).WithPath(path)
	}
}

// Get returns the value for lang, falling back to the wildcard entry
// and then to any entry.
func (l Localized) Get(lang string) (string, bool) {
	if l == nil {
		return "", false
	}
	if v, ok := l[lang]; ok {
		return v, true
	}
	if v, ok := l[wildcardLang]; ok {
		return v, true
	}
	for _, v := range l {
		return v, true
	}

	return "", false
}

// Values returns all distinct values.
func (l Localized) Values() []string {
	out := make([]string, 0, len(l))
	for _, v := range l {
		out = append(out, v)
	}

	return out
}

// Export renders the localized value for grader payloads: a bare string
// when unlocalized, a language map otherwise.
func (l Localized) Export() interface{} {
	if len(l) == 1 {
		if v, ok := l[wildcardLang]; ok {
			return v
		}
	}
	out := make(map[string]string, len(l))
	for k, v := range l {
		out[k] = v
	}

	return out
}
