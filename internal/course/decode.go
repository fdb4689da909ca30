package course

import (
	stderrors "errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/courseman/courseman/internal/errors"
	"github.com/courseman/courseman/internal/parser"
)

// Options tune decoding behavior per config source.
type Options struct {
	// AssistantPermsWarning downgrades the "assistant grading without
	// viewing" rule from an error to a warning. Used for sources where
	// legacy material must still load.
	AssistantPermsWarning bool
}

var vld = validator.New()

// FromDoc builds and validates a Course from a raw document. The
// document should already have includes resolved and type dictionaries
// applied. Hard constraint violations return a ValidationError;
// non-fatal findings are attached to the tree as warnings.
func FromDoc(doc parser.Doc, opts Options) (*Course, error) {
	d := &decoder{opts: opts}

	c, err := d.course(doc)
	if err != nil {
		return nil, err
	}
	if err := validateTree(c); err != nil {
		return nil, err
	}

	return c, nil
}

type decoder struct {
	opts Options
}

func (d *decoder) course(doc parser.Doc) (*Course, error) {
	c := &Course{Categories: map[string]interface{}{}}

	name, err := reqString(doc, "name", "course")
	if err != nil {
		return nil, err
	}
	c.Name = name

	c.Languages = langList(doc["lang"])
	if cats, ok := doc["categories"].(map[string]interface{}); ok {
		c.Categories = cats
	}

	for _, f := range []struct {
		key string
		dst **time.Time
	}{
		{"start", &c.Start},
		{"end", &c.End},
		{"enrollment_start", &c.EnrollmentStart},
		{"enrollment_end", &c.EnrollmentEnd},
		{"archive_time", &c.ArchiveTime},
		{"lifesupport_time", &c.LifesupportTime},
	} {
		if v, ok := doc[f.key]; ok {
			t, err := ParseTime(f.key, v)
			if err != nil {
				return nil, err
			}
			*f.dst = t
		}
	}

	c.EnrollmentAudience = optString(doc, "enrollment_audience")
	c.ContentNumbering = optString(doc, "content_numbering")
	c.ModuleNumbering = optString(doc, "module_numbering")
	c.IndexMode = optString(doc, "index_mode")
	c.ViewContentTo = optString(doc, "view_content_to")
	c.Description = optString(doc, "description")
	c.CourseDescription = optString(doc, "course_description")
	c.CourseFooter = optString(doc, "course_footer")
	c.Contact = optString(doc, "contact")
	c.Assistants = stringSlice(doc["assistants"])
	c.HeadURLs = stringSlice(doc["head_urls"])
	c.StaticDir = optString(doc, "static_dir")
	c.UnprotectedPaths = stringSlice(doc["unprotected_paths"])
	c.NumerateIgnoringModules, _ = asBool(doc["numerate_ignoring_modules"])

	if raw, ok := doc["configure"]; ok {
		block, err := d.configureBlock(raw, "configure")
		if err != nil {
			return nil, err
		}
		c.Configures = append(c.Configures, *block)
	}
	if raw, ok := doc["configures"].([]interface{}); ok {
		for i, entry := range raw {
			block, err := d.configureBlock(entry, fmt.Sprintf("configures[%d]", i))
			if err != nil {
				return nil, err
			}
			c.Configures = append(c.Configures, *block)
		}
	}

	rawModules, ok := doc["modules"].([]interface{})
	if !ok {
		return nil, errors.NewValidationError(errors.ErrCodeRequiredField,
			"course requires a list of modules").WithPath("modules")
	}
	for i, rawModule := range rawModules {
		moduleDoc, ok := rawModule.(map[string]interface{})
		if !ok {
			return nil, errors.NewValidationError(errors.ErrCodeFieldConflict,
				"module entry is not a dictionary").WithPath(fmt.Sprintf("modules[%d]", i))
		}
		m, err := d.module(moduleDoc, fmt.Sprintf("modules[%d]", i))
		if err != nil {
			return nil, err
		}
		c.Modules = append(c.Modules, m)
	}

	if err := checkStruct(c, "course"); err != nil {
		return nil, err
	}

	return c, nil
}

func (d *decoder) module(doc parser.Doc, path string) (*Module, error) {
	doc, err := normalizeTitle(doc, path)
	if err != nil {
		return nil, err
	}

	m := &Module{}
	if m.Key, err = reqString(doc, "key", path); err != nil {
		return nil, err
	}
	if m.Status, err = reqString(doc, "status", path); err != nil {
		return nil, err
	}
	if raw, ok := doc["name"]; ok {
		if m.Name, err = ParseLocalized(path+".name", raw); err != nil {
			return nil, err
		}
	}
	m.Introduction = optString(doc, "introduction")
	m.Order = optInt(doc, "order")
	m.PointsToPass = optInt(doc, "points_to_pass")
	m.NumerateIgnoringModules, _ = asBool(doc["numerate_ignoring_modules"])

	for _, f := range []struct {
		key string
		dst **time.Time
	}{
		{"open", &m.Open},
		{"close", &m.Close},
		{"read-open", &m.ReadOpen},
		{"late_close", &m.LateClose},
	} {
		if v, ok := doc[f.key]; ok && v != nil {
			t, err := ParseTime(path+"."+f.key, v)
			if err != nil {
				return nil, err
			}
			*f.dst = t
		}
	}
	if v, ok := doc["duration"]; ok {
		if m.Duration, err = ParseDuration(path+".duration", v); err != nil {
			return nil, err
		}
	}
	if v, ok := doc["late_duration"]; ok {
		if m.LateDuration, err = ParseDuration(path+".late_duration", v); err != nil {
			return nil, err
		}
	}
	if v, ok := doc["late_penalty"]; ok {
		f, ok := asFloat(v)
		if !ok {
			return nil, errors.NewValidationError(errors.ErrCodeFieldConflict,
				"late_penalty must be a number").WithPath(path + ".late_penalty")
		}
		m.LatePenalty = &f
	}

	if m.Children, err = d.children(doc, path); err != nil {
		return nil, err
	}

	if err := checkStruct(m, path); err != nil {
		return nil, err
	}

	return m, nil
}

func (d *decoder) children(doc parser.Doc, path string) ([]*Node, error) {
	raw, ok := doc["children"].([]interface{})
	if !ok {
		return nil, nil
	}

	var out []*Node
	for i, rawChild := range raw {
		childDoc, ok := rawChild.(map[string]interface{})
		if !ok {
			return nil, errors.NewValidationError(errors.ErrCodeFieldConflict,
				"child entry is not a dictionary").WithPath(fmt.Sprintf("%s.children[%d]", path, i))
		}
		n, err := d.node(childDoc, fmt.Sprintf("%s.children[%d]", path, i))
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}

	return out, nil
}

// nodeKind discriminates the closed node variant from the raw fields,
// mirroring how the original schema's union resolves.
func nodeKind(doc parser.Doc) NodeKind {
	if _, ok := doc["lti1p3"]; ok {
		return KindLTI1p3Exercise
	}
	if _, ok := doc["lti"]; ok {
		return KindLTIExercise
	}
	if _, ok := doc["static_content"]; ok {
		return KindChapter
	}
	if _, ok := doc["target_category"]; ok {
		return KindExerciseCollection
	}

	return KindExercise
}

func (d *decoder) node(doc parser.Doc, path string) (*Node, error) {
	doc, err := normalizeTitle(doc, path)
	if err != nil {
		return nil, err
	}
	doc = dropInternalFields(doc)

	n := &Node{Kind: nodeKind(doc)}

	if err := d.itemFields(doc, path, &n.Item); err != nil {
		return nil, err
	}

	switch n.Kind {
	case KindChapter:
		if err := d.chapterFields(doc, path, n); err != nil {
			return nil, err
		}
	case KindExerciseCollection:
		if err := d.collectionFields(doc, path, n); err != nil {
			return nil, err
		}
	default:
		if err := d.exerciseFields(doc, path, n); err != nil {
			return nil, err
		}
		if n.Kind == KindLTIExercise || n.Kind == KindLTI1p3Exercise {
			if err := d.ltiFields(doc, path, n); err != nil {
				return nil, err
			}
		}
	}

	if err := d.checkUnknownFields(doc, path, n); err != nil {
		return nil, err
	}

	if n.Children, err = d.children(doc, path); err != nil {
		return nil, err
	}

	return n, nil
}

func (d *decoder) itemFields(doc parser.Doc, path string, item *Item) error {
	var err error
	if item.Key, err = reqString(doc, "key", path); err != nil {
		return err
	}
	if item.Category, err = reqString(doc, "category", path); err != nil {
		return err
	}
	item.Status = optString(doc, "status")
	item.Order = optInt(doc, "order")
	item.Audience = optString(doc, "audience")
	item.Description = optString(doc, "description")
	item.UseWideColumn, _ = asBool(doc["use_wide_column"])
	item.ExerciseInfo = doc["exercise_info"]

	for _, f := range []struct {
		key string
		dst *Localized
	}{
		{"name", &item.Name},
		{"url", &item.URL},
		{"model_answer", &item.ModelAnswer},
		{"exercise_template", &item.ExerciseTemplate},
	} {
		if raw, ok := doc[f.key]; ok {
			if *f.dst, err = ParseLocalized(path+"."+f.key, raw); err != nil {
				return err
			}
		}
	}

	return nil
}

func (d *decoder) exerciseFields(doc parser.Doc, path string, n *Node) error {
	ex := &ExerciseFields{}
	n.Exercise = ex

	if v, ok := doc["max_submissions"]; ok {
		i, ok := asInt(v)
		if !ok {
			return errors.NewValidationError(errors.ErrCodeFieldConflict,
				"max_submissions must be an integer").WithPath(path + ".max_submissions")
		}
		ex.MaxSubmissions = i
	}
	if v, ok := doc["allow_assistant_viewing"]; ok {
		b, _ := asBool(v)
		ex.AllowAssistantViewing = &b
	}
	if v, ok := doc["allow_assistant_grading"]; ok {
		b, _ := asBool(v)
		ex.AllowAssistantGrading = &b
	}
	ex.ConfigPath = optString(doc, "config")
	ex.Type = optString(doc, "type")
	ex.ConfirmTheLevel, _ = asBool(doc["confirm_the_level"])
	ex.Difficulty = optString(doc, "difficulty")
	ex.MinGroupSize = optInt(doc, "min_group_size")
	ex.MaxGroupSize = optInt(doc, "max_group_size")
	ex.MaxPoints = optInt(doc, "max_points")
	ex.PointsToPass = optInt(doc, "points_to_pass")

	if raw, ok := doc["configure"]; ok {
		block, err := d.configureBlock(raw, path+".configure")
		if err != nil {
			return err
		}
		ex.Configure = block
	}

	grading := ex.AllowAssistantGrading != nil && *ex.AllowAssistantGrading
	viewing := ex.AllowAssistantViewing != nil && *ex.AllowAssistantViewing
	if grading && !viewing {
		if d.opts.AssistantPermsWarning {
			n.AddWarning("allow_assistant_grading", "assistant grading is allowed but viewing is not")
		} else {
			return errors.NewValidationError(errors.ErrCodeFieldConflict,
				"assistant grading is allowed but viewing is not").WithPath(path)
		}
	}

	return checkStruct(ex, path)
}

func (d *decoder) ltiFields(doc parser.Doc, path string, n *Node) error {
	lti := &LTIFields{}
	n.LTI = lti

	key := "lti"
	if n.Kind == KindLTI1p3Exercise {
		key = "lti1p3"
	}
	var err error
	if lti.LTI, err = reqString(doc, key, path); err != nil {
		return err
	}
	lti.ContextID = optString(doc, "lti_context_id")
	lti.ResourceLinkID = optString(doc, "lti_resource_link_id")
	lti.AplusGetAndPost, _ = asBool(doc["lti_aplus_get_and_post"])
	lti.OpenInIframe, _ = asBool(doc["lti_open_in_iframe"])

	return nil
}

func (d *decoder) collectionFields(doc parser.Doc, path string, n *Node) error {
	col := &CollectionFields{}
	n.Collection = col

	var err error
	if col.TargetCategory, err = reqString(doc, "target_category", path); err != nil {
		return err
	}
	if col.TargetURL, err = reqString(doc, "target_url", path); err != nil {
		return err
	}
	if v, ok := doc["max_points"]; ok {
		if col.MaxPoints, ok = asInt(v); !ok {
			return errors.NewValidationError(errors.ErrCodeFieldConflict,
				"max_points must be an integer").WithPath(path + ".max_points")
		}
	}
	col.PointsToPass = optInt(doc, "points_to_pass")

	if col.TargetCategory == n.Category {
		return errors.NewValidationError(errors.ErrCodeFieldConflict,
			"target_category must differ from the collection's own category").WithPath(path)
	}

	return checkStruct(col, path)
}

func (d *decoder) chapterFields(doc parser.Doc, path string, n *Node) error {
	ch := &ChapterFields{}
	n.Chapter = ch

	raw, ok := doc["static_content"]
	if !ok {
		return errors.NewValidationError(errors.ErrCodeRequiredField,
			"chapter requires static_content").WithPath(path)
	}
	var err error
	if ch.StaticContent, err = ParseLocalized(path+".static_content", raw); err != nil {
		return err
	}
	for _, p := range ch.StaticContent.Values() {
		if strings.HasPrefix(p, "/") {
			return errors.NewValidationError(errors.ErrCodeFieldConflict,
				"static_content path must be relative").WithPath(path + ".static_content")
		}
	}
	ch.GenerateTableOfContents, _ = asBool(doc["generate_table_of_contents"])

	return nil
}

// field name sets per node kind; unknown keys on items are rejected as
// in the original schema.
var (
	itemFieldNames = []string{
		"key", "category", "status", "order", "audience", "name", "title",
		"description", "use_wide_column", "url", "model_answer",
		"exercise_template", "exercise_info", "children",
	}
	exerciseFieldNames = []string{
		"max_submissions", "allow_assistant_viewing", "allow_assistant_grading",
		"config", "configure", "type", "confirm_the_level", "difficulty",
		"min_group_size", "max_group_size", "max_points", "points_to_pass",
	}
	ltiFieldNames = []string{
		"lti", "lti1p3", "lti_context_id", "lti_resource_link_id",
		"lti_aplus_get_and_post", "lti_open_in_iframe",
	}
	collectionFieldNames = []string{
		"target_category", "target_url", "max_points", "points_to_pass",
	}
	chapterFieldNames = []string{
		"static_content", "generate_table_of_contents",
	}
)

func (d *decoder) checkUnknownFields(doc parser.Doc, path string, n *Node) error {
	known := make(map[string]struct{})
	for _, name := range itemFieldNames {
		known[name] = struct{}{}
	}
	var extra []string
	switch n.Kind {
	case KindChapter:
		extra = chapterFieldNames
	case KindExerciseCollection:
		extra = collectionFieldNames
	case KindLTIExercise, KindLTI1p3Exercise:
		extra = append(append([]string{}, exerciseFieldNames...), ltiFieldNames...)
	default:
		extra = exerciseFieldNames
	}
	for _, name := range extra {
		known[name] = struct{}{}
	}

	var unknown []string
	for key := range doc {
		if _, ok := known[key]; !ok {
			unknown = append(unknown, key)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return errors.NewValidationError(errors.ErrCodeFieldConflict,
			fmt.Sprintf("unknown fields: %s", strings.Join(unknown, ", "))).WithPath(path)
	}

	return nil
}

func (d *decoder) configureBlock(raw interface{}, path string) (*ConfigureBlock, error) {
	doc, ok := raw.(map[string]interface{})
	if !ok {
		return nil, errors.NewValidationError(errors.ErrCodeFieldConflict,
			"configure must be a dictionary").WithPath(path)
	}
	url, err := reqString(doc, "url", path)
	if err != nil {
		return nil, err
	}

	block := &ConfigureBlock{URL: url, Files: map[string]string{}}
	if rawFiles, ok := doc["files"].(map[string]interface{}); ok {
		for name, p := range rawFiles {
			s, ok := p.(string)
			if !ok {
				return nil, errors.NewValidationError(errors.ErrCodeFieldConflict,
					fmt.Sprintf("configure file %q is not a path", name)).WithPath(path)
			}
			block.Files[name] = s
		}
	}

	return block, nil
}

// normalizeTitle enforces title/name mutual exclusion and folds title
// into name.
func normalizeTitle(doc parser.Doc, path string) (parser.Doc, error) {
	title, hasTitle := doc["title"]
	_, hasName := doc["name"]
	if hasTitle && hasName {
		return nil, errors.NewValidationError(errors.ErrCodeFieldConflict,
			"only one of name and title should be specified").WithPath(path)
	}
	if !hasTitle {
		return doc, nil
	}

	out := make(parser.Doc, len(doc))
	for k, v := range doc {
		if k == "title" {
			continue
		}
		out[k] = v
	}
	out["name"] = title

	return out, nil
}

// dropInternalFields removes underscore-prefixed keys and the
// deprecated scale_points field before decoding.
func dropInternalFields(doc parser.Doc) parser.Doc {
	out := make(parser.Doc, len(doc))
	for k, v := range doc {
		if strings.HasPrefix(k, "_") || k == "scale_points" {
			continue
		}
		out[k] = v
	}

	return out
}

// checkStruct runs the field-level validator tags and converts failures
// into ValidationErrors.
func checkStruct(v interface{}, path string) error {
	err := vld.Struct(v)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if stderrors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return errors.NewValidationError(errors.ErrCodeFieldConflict,
			fmt.Sprintf("field %s failed %q validation", fe.Field(), fe.Tag())).WithPath(path)
	}

	return errors.NewValidationError(errors.ErrCodeFieldConflict, err.Error()).WithPath(path)
}

// raw value coercion helpers

func reqString(doc parser.Doc, key, where string) (string, error) {
	v, ok := doc[key]
	if !ok {
		return "", errors.NewValidationError(errors.ErrCodeRequiredField,
			fmt.Sprintf("required field %q missing", key)).WithPath(where)
	}
	s, ok := asString(v)
	if !ok || s == "" {
		return "", errors.NewValidationError(errors.ErrCodeFieldConflict,
			fmt.Sprintf("field %q must be a non-empty string", key)).WithPath(where)
	}

	return s, nil
}

func optString(doc parser.Doc, key string) string {
	s, _ := asString(doc[key])
	return s
}

func optInt(doc parser.Doc, key string) *int {
	if v, ok := doc[key]; ok {
		if i, ok := asInt(v); ok {
			return &i
		}
	}

	return nil
}

func asString(v interface{}) (string, bool) {
	switch s := v.(type) {
	case string:
		return s, true
	case int:
		return fmt.Sprintf("%d", s), true
	case float64:
		if s == float64(int64(s)) {
			return fmt.Sprintf("%d", int64(s)), true
		}
		return fmt.Sprintf("%v", s), true
	}

	return "", false
}

func asBool(v interface{}) (bool, bool) {
	switch b := v.(type) {
	case bool:
		return b, true
	case string:
		return b == "true" || b == "yes" || b == "on", true
	}

	return false, false
}

func asInt(v interface{}) (int, bool) {
	switch i := v.(type) {
	case int:
		return i, true
	case int64:
		return int(i), true
	case float64:
		if i == float64(int(i)) {
			return int(i), true
		}
	}

	return 0, false
}

func asFloat(v interface{}) (float64, bool) {
	switch f := v.(type) {
	case float64:
		return f, true
	case int:
		return float64(f), true
	}

	return 0, false
}

func stringSlice(v interface{}) []string {
	switch val := v.(type) {
	case string:
		return []string{val}
	case []interface{}:
		out := make([]string, 0, len(val))
		for _, item := range val {
			if s, ok := asString(item); ok {
				out = append(out, s)
			}
		}
		return out
	}

	return nil
}

func langList(v interface{}) []string {
	langs := stringSlice(v)
	if len(langs) == 0 {
		return []string{DefaultLang}
	}

	return langs
}
