package course

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/courseman/courseman/internal/errors"
	"github.com/courseman/courseman/internal/parser"
)

func baseDoc() parser.Doc {
	return parser.Doc{
		"name": "Test Course",
		"lang": []interface{}{"en", "fi"},
		"categories": map[string]interface{}{
			"exercises": map[string]interface{}{"name": "Exercises"},
			"chapters":  map[string]interface{}{"name": "Chapters"},
		},
		"modules": []interface{}{
			map[string]interface{}{
				"key":    "intro",
				"status": "ready",
				"name":   "Introduction",
				"children": []interface{}{
					map[string]interface{}{
						"key":             "ex1",
						"category":        "exercises",
						"max_submissions": 10,
						"config":          "exercises/ex1/config.yaml",
					},
					map[string]interface{}{
						"key":            "chapter1",
						"category":       "chapters",
						"static_content": "module1/chapter1.html",
					},
				},
			},
		},
	}
}

func TestFromDoc(t *testing.T) {
	c, err := FromDoc(baseDoc(), Options{})
	require.NoError(t, err)

	assert.Equal(t, "Test Course", c.Name)
	assert.Equal(t, []string{"en", "fi"}, c.Languages)
	assert.Equal(t, "en", c.DefaultLang())
	require.Len(t, c.Modules, 1)
	require.Len(t, c.Modules[0].Children, 2)

	ex := c.Modules[0].Children[0]
	assert.Equal(t, KindExercise, ex.Kind)
	require.NotNil(t, ex.Exercise)
	assert.Equal(t, 10, ex.Exercise.MaxSubmissions)
	assert.Equal(t, "exercises/ex1/config.yaml", ex.Exercise.ConfigPath)

	ch := c.Modules[0].Children[1]
	assert.Equal(t, KindChapter, ch.Kind)
	require.NotNil(t, ch.Chapter)

	assert.Len(t, c.Exercises(), 1)
}

func TestFromDocMissingName(t *testing.T) {
	doc := baseDoc()
	delete(doc, "name")

	_, err := FromDoc(doc, Options{})
	require.Error(t, err)
	assert.True(t, errors.IsValidationError(err))
}

func TestTitleNameConflict(t *testing.T) {
	doc := baseDoc()
	module := doc["modules"].([]interface{})[0].(map[string]interface{})
	module["title"] = "Also Introduction"

	_, err := FromDoc(doc, Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "name and title")
}

func TestTitleNormalizedToName(t *testing.T) {
	doc := baseDoc()
	module := doc["modules"].([]interface{})[0].(map[string]interface{})
	delete(module, "name")
	module["title"] = "Titled"

	c, err := FromDoc(doc, Options{})
	require.NoError(t, err)
	name, ok := c.Modules[0].Name.Get("en")
	require.True(t, ok)
	assert.Equal(t, "Titled", name)
}

func TestUnknownItemFieldRejected(t *testing.T) {
	doc := baseDoc()
	module := doc["modules"].([]interface{})[0].(map[string]interface{})
	child := module["children"].([]interface{})[0].(map[string]interface{})
	child["no_such_field"] = true

	_, err := FromDoc(doc, Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no_such_field")
}

func TestUnderscoreFieldsDropped(t *testing.T) {
	doc := baseDoc()
	module := doc["modules"].([]interface{})[0].(map[string]interface{})
	child := module["children"].([]interface{})[0].(map[string]interface{})
	child["_internal_note"] = "ignored"
	child["scale_points"] = true

	_, err := FromDoc(doc, Options{})
	assert.NoError(t, err)
}

func TestDuplicateModuleKeys(t *testing.T) {
	doc := baseDoc()
	doc["modules"] = append(doc["modules"].([]interface{}),
		map[string]interface{}{"key": "intro", "status": "ready"})

	_, err := FromDoc(doc, Options{})
	require.Error(t, err)
	var e *errors.Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, errors.ErrCodeDuplicateKey, e.Code)
}

func TestDuplicateItemKeysAcrossModules(t *testing.T) {
	doc := baseDoc()
	doc["modules"] = append(doc["modules"].([]interface{}),
		map[string]interface{}{
			"key": "second", "status": "ready",
			"children": []interface{}{
				map[string]interface{}{"key": "ex1", "category": "exercises"},
			},
		})

	_, err := FromDoc(doc, Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ex1")
	assert.Contains(t, err.Error(), "intro")
	assert.Contains(t, err.Error(), "second")
}

func TestUnknownCategory(t *testing.T) {
	doc := baseDoc()
	module := doc["modules"].([]interface{})[0].(map[string]interface{})
	child := module["children"].([]interface{})[0].(map[string]interface{})
	child["category"] = "bonus"

	_, err := FromDoc(doc, Options{})
	require.Error(t, err)
	var e *errors.Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, errors.ErrCodeUnknownCategory, e.Code)
}

func TestAssistantGradingRequiresViewing(t *testing.T) {
	doc := baseDoc()
	module := doc["modules"].([]interface{})[0].(map[string]interface{})
	child := module["children"].([]interface{})[0].(map[string]interface{})
	child["allow_assistant_grading"] = true

	_, err := FromDoc(doc, Options{})
	require.Error(t, err)

	c, err := FromDoc(doc, Options{AssistantPermsWarning: true})
	require.NoError(t, err)
	assert.False(t, c.Warnings().Empty())
}

func TestDateOrderingRules(t *testing.T) {
	open := "2026-01-10 12:00"
	doc := baseDoc()
	module := doc["modules"].([]interface{})[0].(map[string]interface{})
	module["open"] = open
	module["read-open"] = "2026-01-15"

	_, err := FromDoc(doc, Options{})
	require.Error(t, err)
	var e *errors.Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, errors.ErrCodeDateOrdering, e.Code)

	module["read-open"] = "2026-01-05"
	module["close"] = "2026-02-01"
	doc["end"] = "2026-01-20"

	c, err := FromDoc(doc, Options{})
	require.NoError(t, err)
	assert.Contains(t, c.Warnings().String(), "closes after the course ends")
}

func TestModuleTimeWindows(t *testing.T) {
	doc := baseDoc()
	module := doc["modules"].([]interface{})[0].(map[string]interface{})
	module["open"] = "2026-01-10T12:00:00Z"
	module["duration"] = "2w"

	c, err := FromDoc(doc, Options{})
	require.NoError(t, err)
	m := c.Modules[0]
	require.NotNil(t, m.Open)
	assert.Equal(t, time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC), *m.Open)
	require.NotNil(t, m.Duration)
	assert.Equal(t, 14*24*time.Hour, m.Duration.Value())
}

func TestLTIVariants(t *testing.T) {
	doc := baseDoc()
	module := doc["modules"].([]interface{})[0].(map[string]interface{})
	module["children"] = []interface{}{
		map[string]interface{}{
			"key": "lti-ex", "category": "exercises",
			"lti": "tool-label", "lti_open_in_iframe": true,
		},
		map[string]interface{}{
			"key": "lti3-ex", "category": "exercises",
			"lti1p3": "tool-v3",
		},
	}

	c, err := FromDoc(doc, Options{})
	require.NoError(t, err)
	first, second := c.Modules[0].Children[0], c.Modules[0].Children[1]
	assert.Equal(t, KindLTIExercise, first.Kind)
	require.NotNil(t, first.LTI)
	assert.True(t, first.LTI.OpenInIframe)
	assert.Equal(t, KindLTI1p3Exercise, second.Kind)
	assert.Equal(t, "tool-v3", second.LTI.LTI)
}

func TestExerciseCollection(t *testing.T) {
	doc := baseDoc()
	module := doc["modules"].([]interface{})[0].(map[string]interface{})
	module["children"] = []interface{}{
		map[string]interface{}{
			"key": "total", "category": "chapters",
			"target_category": "exercises",
			"target_url":      "https://example.com/course/",
			"max_points":      100,
		},
	}

	c, err := FromDoc(doc, Options{})
	require.NoError(t, err)
	col := c.Modules[0].Children[0]
	assert.Equal(t, KindExerciseCollection, col.Kind)
	assert.Equal(t, 100, col.Collection.MaxPoints)
}

func TestCollectionOwnCategoryRejected(t *testing.T) {
	doc := baseDoc()
	module := doc["modules"].([]interface{})[0].(map[string]interface{})
	module["children"] = []interface{}{
		map[string]interface{}{
			"key": "total", "category": "exercises",
			"target_category": "exercises",
			"target_url":      "https://example.com/course/",
			"max_points":      100,
		},
	}

	_, err := FromDoc(doc, Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "target_category")
}

func TestChapterStaticContentMustBeRelative(t *testing.T) {
	doc := baseDoc()
	module := doc["modules"].([]interface{})[0].(map[string]interface{})
	module["children"] = []interface{}{
		map[string]interface{}{
			"key": "chap", "category": "chapters",
			"static_content": "/etc/passwd",
		},
	}

	_, err := FromDoc(doc, Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "relative")
}

func TestApplyTypeDictionaries(t *testing.T) {
	doc := baseDoc()
	doc["exercise_types"] = map[string]interface{}{
		"quiz": map[string]interface{}{
			"max_submissions": 5,
			"config":          "default/config.yaml",
		},
	}
	module := doc["modules"].([]interface{})[0].(map[string]interface{})
	child := module["children"].([]interface{})[0].(map[string]interface{})
	child["type"] = "quiz"
	child["max_submissions"] = 3 // node wins over template

	expanded, err := ApplyTypeDictionaries(doc)
	require.NoError(t, err)
	_, hasDict := expanded["exercise_types"]
	assert.False(t, hasDict)

	c, err := FromDoc(expanded, Options{})
	require.NoError(t, err)
	ex := c.Modules[0].Children[0].Exercise
	assert.Equal(t, 3, ex.MaxSubmissions)
	assert.Equal(t, "exercises/ex1/config.yaml", ex.ConfigPath)
	assert.Equal(t, "quiz", ex.Type)
}

func TestApplyTypeDictionariesUndefinedType(t *testing.T) {
	doc := baseDoc()
	doc["exercise_types"] = map[string]interface{}{}
	module := doc["modules"].([]interface{})[0].(map[string]interface{})
	child := module["children"].([]interface{})[0].(map[string]interface{})
	child["type"] = "nope"

	_, err := ApplyTypeDictionaries(doc)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nope")
}

func TestParseLocalized(t *testing.T) {
	l, err := ParseLocalized("x", "plain")
	require.NoError(t, err)
	v, ok := l.Get("fi")
	require.True(t, ok)
	assert.Equal(t, "plain", v)
	assert.Equal(t, "plain", l.Export())

	l, err = ParseLocalized("x", map[string]interface{}{"en": "Hello", "fi": "Hei"})
	require.NoError(t, err)
	v, _ = l.Get("fi")
	assert.Equal(t, "Hei", v)
	assert.Equal(t, map[string]string{"en": "Hello", "fi": "Hei"}, l.Export())

	_, err = ParseLocalized("x", map[string]interface{}{"finnish": "Hei"})
	assert.Error(t, err)
}

func TestParseDuration(t *testing.T) {
	d, err := ParseDuration("x", "3d")
	require.NoError(t, err)
	assert.Equal(t, 72*time.Hour, d.Value())
	assert.Equal(t, "3d", d.String())

	d, err = ParseDuration("x", "90m")
	require.NoError(t, err)
	assert.Equal(t, 90*time.Minute, d.Value())

	_, err = ParseDuration("x", "soon")
	assert.Error(t, err)
	_, err = ParseDuration("x", "")
	assert.Error(t, err)
}

func TestSynthesizeConfigure(t *testing.T) {
	doc := baseDoc()
	c, err := FromDoc(doc, Options{})
	require.NoError(t, err)

	ex := c.Modules[0].Children[0]
	ex.Exercise.ConfigData = map[string]parser.Doc{
		"en": {
			"template":  "exercises/ex1/template.html",
			"view_type": "exercises.grader.accept",
			"container": map[string]interface{}{"mount": "exercises/ex1"},
		},
	}

	block := SynthesizeConfigure(ex, "https://grader.example.com/configure")
	require.NotNil(t, block)
	assert.Equal(t, "https://grader.example.com/configure", block.URL)
	assert.Contains(t, block.Files, "exercises/ex1/config.yaml")
	assert.Contains(t, block.Files, "exercises/ex1/template.html")
	assert.Contains(t, block.Files, "exercises/grader.py")
	assert.Contains(t, block.Files, "exercises/ex1")

	assert.Nil(t, SynthesizeConfigure(ex, ""))
}

func TestSpecExport(t *testing.T) {
	doc := baseDoc()
	doc["static_dir"] = "_build"
	doc["unprotected_paths"] = []interface{}{"public"}
	doc["end"] = "2026-06-01"

	c, err := FromDoc(doc, Options{})
	require.NoError(t, err)

	spec := c.Spec()
	assert.Equal(t, "Test Course", spec["name"])
	_, hasStatic := spec["static_dir"]
	assert.False(t, hasStatic)
	_, hasUnprotected := spec["unprotected_paths"]
	assert.False(t, hasUnprotected)
	assert.Equal(t, "2026-06-01T00:00:00Z", spec["end"])

	modules := spec["modules"].([]interface{})
	require.Len(t, modules, 1)
	children := modules[0].(parser.Doc)["children"].([]interface{})
	require.Len(t, children, 2)
	exSpec := children[0].(parser.Doc)
	_, hasConfig := exSpec["config"]
	assert.False(t, hasConfig)

	exercises := c.ExerciseExport()
	assert.Contains(t, exercises, "ex1")
}
