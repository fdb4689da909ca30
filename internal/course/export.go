package course

import (
	"sort"
	"time"

	"github.com/courseman/courseman/internal/parser"
)

// Spec renders the course into the document shipped to graders and the
// frontend. Build-internal fields (static_dir, unprotected_paths, the
// configure blocks) stay out of the export.
func (c *Course) Spec() parser.Doc {
	out := parser.Doc{"name": c.Name}

	if len(c.Languages) > 0 {
		out["lang"] = c.Languages
	}
	if len(c.Categories) > 0 {
		out["categories"] = c.Categories
	}

	putTime(out, "start", c.Start)
	putTime(out, "end", c.End)
	putTime(out, "enrollment_start", c.EnrollmentStart)
	putTime(out, "enrollment_end", c.EnrollmentEnd)
	putTime(out, "archive_time", c.ArchiveTime)
	putTime(out, "lifesupport_time", c.LifesupportTime)

	putString(out, "enrollment_audience", c.EnrollmentAudience)
	putString(out, "content_numbering", c.ContentNumbering)
	putString(out, "module_numbering", c.ModuleNumbering)
	putString(out, "index_mode", c.IndexMode)
	putString(out, "view_content_to", c.ViewContentTo)
	putString(out, "description", c.Description)
	putString(out, "course_description", c.CourseDescription)
	putString(out, "course_footer", c.CourseFooter)
	putString(out, "contact", c.Contact)
	if len(c.Assistants) > 0 {
		out["assistants"] = c.Assistants
	}
	if len(c.HeadURLs) > 0 {
		out["head_urls"] = c.HeadURLs
	}
	if c.NumerateIgnoringModules {
		out["numerate_ignoring_modules"] = true
	}

	modules := make([]interface{}, 0, len(c.Modules))
	for _, m := range c.Modules {
		modules = append(modules, m.spec())
	}
	out["modules"] = modules

	return out
}

func (m *Module) spec() parser.Doc {
	out := parser.Doc{"key": m.Key, "status": m.Status}

	if len(m.Name) > 0 {
		out["name"] = m.Name.Export()
	}
	if m.Order != nil {
		out["order"] = *m.Order
	}
	putString(out, "introduction", m.Introduction)
	putTime(out, "open", m.Open)
	putTime(out, "close", m.Close)
	putTime(out, "read-open", m.ReadOpen)
	putTime(out, "late_close", m.LateClose)
	if m.Duration != nil {
		out["duration"] = m.Duration.String()
	}
	if m.LateDuration != nil {
		out["late_duration"] = m.LateDuration.String()
	}
	if m.LatePenalty != nil {
		out["late_penalty"] = *m.LatePenalty
	}
	if m.PointsToPass != nil {
		out["points_to_pass"] = *m.PointsToPass
	}

	children := make([]interface{}, 0, len(m.Children))
	for _, n := range m.Children {
		children = append(children, n.spec())
	}
	if len(children) > 0 {
		out["children"] = children
	}

	return out
}

// spec serializes the node for export. The grader config file path and
// the configure block are build-time concerns and stay out.
func (n *Node) spec() parser.Doc {
	out := parser.Doc{"key": n.Key, "category": n.Category}

	putString(out, "status", n.Status)
	if n.Order != nil {
		out["order"] = *n.Order
	}
	putString(out, "audience", n.Audience)
	if len(n.Name) > 0 {
		out["name"] = n.Name.Export()
	}
	putString(out, "description", n.Description)
	if n.UseWideColumn {
		out["use_wide_column"] = true
	}
	if len(n.URL) > 0 {
		out["url"] = n.URL.Export()
	}
	if len(n.ModelAnswer) > 0 {
		out["model_answer"] = n.ModelAnswer.Export()
	}
	if len(n.ExerciseTemplate) > 0 {
		out["exercise_template"] = n.ExerciseTemplate.Export()
	}
	if n.ExerciseInfo != nil {
		out["exercise_info"] = n.ExerciseInfo
	}

	if ex := n.Exercise; ex != nil {
		out["max_submissions"] = ex.MaxSubmissions
		if ex.AllowAssistantViewing != nil {
			out["allow_assistant_viewing"] = *ex.AllowAssistantViewing
		}
		if ex.AllowAssistantGrading != nil {
			out["allow_assistant_grading"] = *ex.AllowAssistantGrading
		}
		if ex.ConfirmTheLevel {
			out["confirm_the_level"] = true
		}
		putString(out, "difficulty", ex.Difficulty)
		if ex.MinGroupSize != nil {
			out["min_group_size"] = *ex.MinGroupSize
		}
		if ex.MaxGroupSize != nil {
			out["max_group_size"] = *ex.MaxGroupSize
		}
		if ex.MaxPoints != nil {
			out["max_points"] = *ex.MaxPoints
		}
		if ex.PointsToPass != nil {
			out["points_to_pass"] = *ex.PointsToPass
		}
	}

	if lti := n.LTI; lti != nil {
		key := "lti"
		if n.Kind == KindLTI1p3Exercise {
			key = "lti1p3"
		}
		out[key] = lti.LTI
		putString(out, "lti_context_id", lti.ContextID)
		putString(out, "lti_resource_link_id", lti.ResourceLinkID)
		if lti.AplusGetAndPost {
			out["lti_aplus_get_and_post"] = true
		}
		if lti.OpenInIframe {
			out["lti_open_in_iframe"] = true
		}
	}

	if col := n.Collection; col != nil {
		out["target_category"] = col.TargetCategory
		out["target_url"] = col.TargetURL
		out["max_points"] = col.MaxPoints
		if col.PointsToPass != nil {
			out["points_to_pass"] = *col.PointsToPass
		}
	}

	if ch := n.Chapter; ch != nil {
		out["static_content"] = ch.StaticContent.Export()
		if ch.GenerateTableOfContents {
			out["generate_table_of_contents"] = true
		}
	}

	children := make([]interface{}, 0, len(n.Children))
	for _, child := range n.Children {
		children = append(children, child.spec())
	}
	if len(children) > 0 {
		out["children"] = children
	}

	return out
}

// ExerciseExport renders the per-exercise documents posted to graders,
// keyed by exercise key. Each entry carries the exercise's schema
// export, its grader config per language (null when it has none) and
// the archive names in its configure manifest.
func (c *Course) ExerciseExport() map[string]parser.Doc {
	out := make(map[string]parser.Doc)
	for _, n := range c.Exercises() {
		entry := parser.Doc{"key": n.Key, "spec": n.spec(), "config": nil}
		if n.Exercise != nil {
			if len(n.Exercise.ConfigData) > 0 {
				config := make(map[string]interface{}, len(n.Exercise.ConfigData))
				for lang, doc := range n.Exercise.ConfigData {
					config[lang] = map[string]interface{}(doc)
				}
				entry["config"] = config
			}
			if n.Exercise.Configure != nil {
				names := make([]string, 0, len(n.Exercise.Configure.Files))
				for name := range n.Exercise.Configure.Files {
					names = append(names, name)
				}
				sort.Strings(names)
				entry["files"] = names
			}
		}
		out[n.Key] = entry
	}

	return out
}

func putString(doc parser.Doc, key, v string) {
	if v != "" {
		doc[key] = v
	}
}

func putTime(doc parser.Doc, key string, t *time.Time) {
	if t != nil {
		doc[key] = t.Format(time.RFC3339)
	}
}
