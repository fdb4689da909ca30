package course

import (
	"time"

	"github.com/courseman/courseman/internal/errors"
	"github.com/courseman/courseman/internal/parser"
)

// NodeKind identifies the concrete kind of a course tree node. The set
// is closed: traversal is a switch over kinds, not virtual dispatch.
type NodeKind string

const (
	KindChapter            NodeKind = "chapter"
	KindExercise           NodeKind = "exercise"
	KindLTIExercise        NodeKind = "lti"
	KindLTI1p3Exercise     NodeKind = "lti1p3"
	KindExerciseCollection NodeKind = "collection"
)

// ConfigureBlock names the grader endpoint an exercise (or the whole
// course) is configured against, plus the file manifest shipped to it.
// Manifest keys are names inside the configure archive; values are
// course-relative paths.
type ConfigureBlock struct {
	URL   string            `validate:"required"`
	Files map[string]string // archive name -> course-relative path
}

// Item carries the fields shared by all tree nodes below a module.
type Item struct {
	Key              string `validate:"required"`
	Category         string `validate:"required"`
	Status           string
	Order            *int
	Audience         string
	Name             Localized
	Description      string
	UseWideColumn    bool
	URL              Localized
	ModelAnswer      Localized
	ExerciseTemplate Localized
	ExerciseInfo     interface{}
}

// ExerciseFields are the fields specific to gradable exercises.
type ExerciseFields struct {
	MaxSubmissions         int `validate:"gte=0"`
	AllowAssistantViewing  *bool
	AllowAssistantGrading  *bool
	ConfigPath             string // grader config file; empty means no external grading
	Configure              *ConfigureBlock
	Type                   string
	ConfirmTheLevel        bool
	Difficulty             string
	MinGroupSize           *int `validate:"omitempty,gte=0"`
	MaxGroupSize           *int `validate:"omitempty,gte=0"`
	MaxPoints              *int `validate:"omitempty,gte=0"`
	PointsToPass           *int `validate:"omitempty,gte=0"`

	// ConfigData holds the loaded per-language grader config documents,
	// attached lazily by the course config loader.
	ConfigData map[string]parser.Doc `validate:"-"`
}

// LTIFields extend an exercise launched through an LTI tool.
type LTIFields struct {
	LTI                string `validate:"required"`
	ContextID          string
	ResourceLinkID     string
	AplusGetAndPost    bool
	OpenInIframe       bool
}

// CollectionFields aggregate points from exercises in another category.
type CollectionFields struct {
	TargetCategory string `validate:"required"`
	TargetURL      string `validate:"required"`
	MaxPoints      int    `validate:"gt=0"`
	PointsToPass   *int   `validate:"omitempty,gte=0"`
}

// ChapterFields hold chapter-only fields. StaticContent paths must be
// relative; that is checked at parse time.
type ChapterFields struct {
	StaticContent            Localized
	GenerateTableOfContents  bool
}

// Node is one element of the course tree below a module.
type Node struct {
	Kind NodeKind
	Item

	Exercise   *ExerciseFields
	LTI        *LTIFields
	Collection *CollectionFields
	Chapter    *ChapterFields

	Children []*Node

	warnings errors.Warnings
}

// AddWarning attaches a non-fatal finding to the node.
func (n *Node) AddWarning(field, message string) {
	n.warnings.Add(field, message)
}

// IsExercise reports whether the node is gradable.
func (n *Node) IsExercise() bool {
	return n.Kind == KindExercise || n.Kind == KindLTIExercise || n.Kind == KindLTI1p3Exercise
}

// Categories returns the categories of the node and its descendants.
func (n *Node) Categories() map[string]struct{} {
	out := map[string]struct{}{n.Category: {}}
	for _, c := range n.Children {
		for cat := range c.Categories() {
			out[cat] = struct{}{}
		}
	}

	return out
}

// Walk visits the node and its descendants depth-first.
func (n *Node) Walk(fn func(*Node)) {
	fn(n)
	for _, c := range n.Children {
		c.Walk(fn)
	}
}

// Module is a time-windowed grouping of chapters and exercises.
type Module struct {
	Key          string `validate:"required"`
	Status       string `validate:"required"`
	Name         Localized
	Order        *int
	Introduction string
	Open         *time.Time
	Close        *time.Time
	ReadOpen     *time.Time
	Duration     *Duration
	LateClose    *time.Time
	LateDuration *Duration
	LatePenalty  *float64 `validate:"omitempty,gte=0,lte=1"`
	PointsToPass *int     `validate:"omitempty,gte=0"`

	NumerateIgnoringModules bool

	Children []*Node

	warnings errors.Warnings
}

// AddWarning attaches a non-fatal finding to the module.
func (m *Module) AddWarning(field, message string) {
	m.warnings.Add(field, message)
}

// Walk visits every node under the module depth-first.
func (m *Module) Walk(fn func(*Node)) {
	for _, c := range m.Children {
		c.Walk(fn)
	}
}

// Categories returns the categories referenced under the module.
func (m *Module) Categories() map[string]struct{} {
	out := make(map[string]struct{})
	m.Walk(func(n *Node) {
		out[n.Category] = struct{}{}
	})

	return out
}

// Course is the validated root of a course's configuration tree.
type Course struct {
	Name      string `validate:"required"`
	Modules   []*Module
	Languages []string
	Categories map[string]interface{}

	Start           *time.Time
	End             *time.Time
	EnrollmentStart *time.Time
	EnrollmentEnd   *time.Time
	ArchiveTime     *time.Time
	LifesupportTime *time.Time

	EnrollmentAudience string
	ContentNumbering   string
	ModuleNumbering    string
	IndexMode          string
	ViewContentTo      string

	NumerateIgnoringModules bool

	Description       string
	CourseDescription string
	CourseFooter      string
	Contact           string
	Assistants        []string
	HeadURLs          []string `validate:"dive,url"`

	StaticDir        string
	UnprotectedPaths []string
	Configures       []ConfigureBlock

	warnings errors.Warnings
}

// DefaultLang returns the course's default language (the first declared
// language, or "en").
func (c *Course) DefaultLang() string {
	if len(c.Languages) > 0 {
		return c.Languages[0]
	}

	return DefaultLang
}

// Walk visits every node of every module depth-first.
func (c *Course) Walk(fn func(module *Module, node *Node)) {
	for _, m := range c.Modules {
		m.Walk(func(n *Node) { fn(m, n) })
	}
}

// Exercises returns every gradable node in document order.
func (c *Course) Exercises() []*Node {
	var out []*Node
	c.Walk(func(_ *Module, n *Node) {
		if n.IsExercise() {
			out = append(out, n)
		}
	})

	return out
}

// AddWarning attaches a non-fatal finding to the course root.
func (c *Course) AddWarning(field, message string) {
	c.warnings.Add(field, message)
}

// Warnings returns the flattened path -> warnings view over the whole
// tree, for surfacing once at the end of a build.
func (c *Course) Warnings() *errors.Warnings {
	var all errors.Warnings
	all.Merge("", &c.warnings)
	for _, m := range c.Modules {
		all.Merge("modules."+m.Key, &m.warnings)
		m.Walk(func(n *Node) {
			if !n.warnings.Empty() {
				all.Merge("modules."+m.Key+"."+n.Key, &n.warnings)
			}
		})
	}

	return &all
}
