package parser

import (
	"fmt"
	"html"
	"regexp"
	"sort"
	"strings"

	"github.com/courseman/courseman/internal/errors"
)

// tagPattern matches keys carrying a processor tag suffix, e.g.
// "title|i18n". Tags may stack: "text|rst|i18n" is i18n-selected first
// (outermost tag last in the key), then rst-rendered.
var tagPattern = regexp.MustCompile(`^(.+)\|(\w+)$`)

// ExpandLanguageTags walks the document and processes every tagged key,
// producing one fully resolved document per language code observed in
// i18n values, always including the default language.
//
// Keys are processed in a deterministic order (length, then
// lexicographic) because tag handlers can affect sibling state.
func ExpandLanguageTags(doc Doc, defaultLang string) (map[string]Doc, error) {
	langSet := make(map[string]struct{})

	var walk func(n interface{}, lang string, collect bool) (interface{}, error)
	walk = func(n interface{}, lang string, collect bool) (interface{}, error) {
		switch node := n.(type) {
		case Doc:
			keys := make([]string, 0, len(node))
			for k := range node {
				keys = append(keys, k)
			}
			sort.Slice(keys, func(i, j int) bool {
				if len(keys[i]) != len(keys[j]) {
					return len(keys[i]) < len(keys[j])
				}
				return keys[i] < keys[j]
			})

			out := make(Doc, len(node))
			for _, key := range keys {
				k := key
				v := node[k]
				for m := tagPattern.FindStringSubmatch(k); m != nil; m = tagPattern.FindStringSubmatch(k) {
					var tag string
					k, tag = m[1], m[2]

					switch tag {
					case "i18n":
						versions, isMap := toDoc(v)
						if collect && isMap {
							// every key is a language, whatever it is
							// called; the course decides its own codes
							for code := range versions {
								langSet[code] = struct{}{}
							}
						}
						if isMap {
							v = versions[lang]
						}
					case "rst":
						if s, ok := v.(string); ok {
							v = renderRST(s)
						}
					default:
						return nil, errors.NewConfigError(errors.ErrCodeUnsupportedTag,
							fmt.Sprintf("unsupported processor tag %q", tag), nil)
					}
				}

				expanded, err := walk(v, lang, collect)
				if err != nil {
					return nil, err
				}
				out[k] = expanded
			}
			return out, nil

		case []interface{}:
			out := make([]interface{}, len(node))
			for i, item := range node {
				expanded, err := walk(item, lang, collect)
				if err != nil {
					return nil, err
				}
				out[i] = expanded
			}
			return out, nil

		default:
			return n, nil
		}
	}

	defaultDoc, err := walk(doc, defaultLang, true)
	if err != nil {
		return nil, err
	}

	result := map[string]Doc{defaultLang: defaultDoc.(Doc)}
	for lang := range langSet {
		if lang == defaultLang {
			continue
		}
		variant, err := walk(doc, lang, false)
		if err != nil {
			return nil, err
		}
		result[lang] = variant.(Doc)
	}

	return result, nil
}

var (
	rstLiteral = regexp.MustCompile("``([^`]+)``")
	rstStrong  = regexp.MustCompile(`\*\*([^*]+)\*\*`)
	rstEm      = regexp.MustCompile(`\*([^*]+)\*`)
)

// renderRST converts a reStructuredText fragment into HTML. Course
// descriptions only use paragraphs and inline markup; this covers that
// subset (paragraphs, ``literal``, **strong**, *emphasis*).
func renderRST(src string) string {
	paragraphs := regexp.MustCompile(`\n\s*\n`).Split(strings.TrimSpace(src), -1)

	var sb strings.Builder
	for _, p := range paragraphs {
		if strings.TrimSpace(p) == "" {
			continue
		}
		text := html.EscapeString(strings.TrimSpace(p))
		text = rstLiteral.ReplaceAllString(text, "<code>$1</code>")
		text = rstStrong.ReplaceAllString(text, "<strong>$1</strong>")
		text = rstEm.ReplaceAllString(text, "<em>$1</em>")
		sb.WriteString("<p>")
		sb.WriteString(text)
		sb.WriteString("</p>\n")
	}

	return strings.TrimRight(sb.String(), "\n")
}
