package parser

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestLocate(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "course.yaml"), "name: Demo\n")

	// with and without extension
	path, err := Locate(filepath.Join(dir, "course.yaml"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "course.yaml"), path)

	path, err = Locate(filepath.Join(dir, "course"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "course.yaml"), path)

	_, err = Locate(filepath.Join(dir, "missing"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no supported config")
}

func TestLocateAmbiguous(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "course.yaml"), "name: Demo\n")
	writeFile(t, filepath.Join(dir, "course.json"), `{"name": "Demo"}`)

	_, err := Locate(filepath.Join(dir, "course"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "multiple config files")
}

func TestResolveIncludesMerges(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "extra.yaml"), "contact: someone@example.com\n")

	doc := Doc{
		"name":    "Demo",
		"include": []interface{}{Doc{"file": "extra.yaml"}},
	}
	merged, files, mtime, err := ResolveIncludes(doc, "index.yaml", dir)
	require.NoError(t, err)
	assert.Equal(t, "Demo", merged["name"])
	assert.Equal(t, "someone@example.com", merged["contact"])
	assert.Equal(t, []string{filepath.Join(dir, "extra.yaml")}, files)
	assert.False(t, mtime.IsZero())
}

func TestResolveIncludesCollision(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "extra.yaml"), "name: Other\n")

	doc := Doc{
		"name":    "Demo",
		"include": []interface{}{Doc{"file": "extra.yaml"}},
	}
	_, _, _, err := ResolveIncludes(doc, "index.yaml", dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")
}

func TestResolveIncludesForceOverwrites(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "extra.yaml"), "name: Other\n")

	doc := Doc{
		"name":    "Demo",
		"include": []interface{}{Doc{"file": "extra.yaml", "force": true}},
	}
	merged, _, _, err := ResolveIncludes(doc, "index.yaml", dir)
	require.NoError(t, err)
	assert.Equal(t, "Other", merged["name"])
}

func TestResolveIncludesTemplateContext(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "extra.yaml"), "greeting: hello {{.who}}\n")

	doc := Doc{
		"include": []interface{}{Doc{
			"file":             "extra.yaml",
			"template_context": Doc{"who": "world"},
		}},
	}
	merged, _, _, err := ResolveIncludes(doc, "index.yaml", dir)
	require.NoError(t, err)
	assert.Equal(t, "hello world", merged["greeting"])
}

func TestExpandLanguageTagsVariants(t *testing.T) {
	doc := Doc{
		"name|i18n": Doc{"en": "Course", "fi": "Kurssi"},
		"static":    "value",
	}
	docs, err := ExpandLanguageTags(doc, "en")
	require.NoError(t, err)
	require.Contains(t, docs, "en")
	require.Contains(t, docs, "fi")
	assert.Equal(t, "Course", docs["en"]["name"])
	assert.Equal(t, "Kurssi", docs["fi"]["name"])
	assert.Equal(t, "value", docs["fi"]["static"])
}

func TestExpandLanguageTagsCollectsEveryKey(t *testing.T) {
	// language codes are whatever the course declares, they are not
	// validated away during collection
	doc := Doc{"name|i18n": Doc{"en": "Course", "klingon": "paq"}}
	docs, err := ExpandLanguageTags(doc, "en")
	require.NoError(t, err)
	require.Contains(t, docs, "klingon")
	assert.Equal(t, "paq", docs["klingon"]["name"])
}

func TestExpandLanguageTagsKeyOrder(t *testing.T) {
	// a bare key and its tagged sibling collapse to the same output key;
	// keys are processed shortest first, so the tagged one always wins
	doc := Doc{
		"title":      "plain",
		"title|i18n": Doc{"en": "English"},
	}
	for i := 0; i < 10; i++ {
		docs, err := ExpandLanguageTags(doc, "en")
		require.NoError(t, err)
		assert.Equal(t, "English", docs["en"]["title"])
	}
}

func TestExpandLanguageTagsStackedRST(t *testing.T) {
	doc := Doc{"text|rst|i18n": Doc{"en": "use **bold** and ``code``"}}
	docs, err := ExpandLanguageTags(doc, "en")
	require.NoError(t, err)
	assert.Equal(t, "<p>use <strong>bold</strong> and <code>code</code></p>",
		docs["en"]["text"])
}

func TestExpandLanguageTagsUnsupportedTag(t *testing.T) {
	doc := Doc{"text|frobnicate": "value"}
	_, err := ExpandLanguageTags(doc, "en")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported processor tag")
}
