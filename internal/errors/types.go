// Package errors defines the structured error taxonomy for courseman.
//
// Configuration problems (missing, ambiguous or malformed files, bad
// includes, unsupported tags) are ConfigErrors; schema constraint
// violations (duplicate keys, bad date ordering, forbidden field
// combinations) are ValidationErrors. Both are recoverable at the call
// site: batch operations skip the offending course and continue.
// Non-fatal findings are Warnings, accumulated out of band and never
// raised.
package errors

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrorType represents different categories of errors.
type ErrorType string

const (
	ErrorTypeConfig     ErrorType = "config"
	ErrorTypeValidation ErrorType = "validation"
	ErrorTypeGit        ErrorType = "git"
	ErrorTypeBuild      ErrorType = "build"
	ErrorTypeGrader     ErrorType = "grader"
	ErrorTypeLock       ErrorType = "lock"
	ErrorTypeIO         ErrorType = "io"
	ErrorTypeInternal   ErrorType = "internal"
)

// Common error codes.
const (
	ErrCodeConfigNotFound   = "ERR_CONFIG_NOT_FOUND"
	ErrCodeConfigAmbiguous  = "ERR_CONFIG_AMBIGUOUS"
	ErrCodeConfigParse      = "ERR_CONFIG_PARSE"
	ErrCodeConfigInclude    = "ERR_CONFIG_INCLUDE"
	ErrCodeUnsupportedTag   = "ERR_UNSUPPORTED_TAG"
	ErrCodeRequiredField    = "ERR_REQUIRED_FIELD"
	ErrCodeDuplicateKey     = "ERR_DUPLICATE_KEY"
	ErrCodeUnknownCategory  = "ERR_UNKNOWN_CATEGORY"
	ErrCodeDateOrdering     = "ERR_DATE_ORDERING"
	ErrCodeFieldConflict    = "ERR_FIELD_CONFLICT"
	ErrCodeNotSelfContained = "ERR_NOT_SELF_CONTAINED"
	ErrCodeLockTimeout      = "ERR_LOCK_TIMEOUT"
	ErrCodeRemoteIDMissing  = "ERR_REMOTE_ID_MISSING"
	ErrCodeBuildFailed      = "ERR_BUILD_FAILED"
	ErrCodeInternal         = "ERR_INTERNAL"
)

// Error is a structured error with context.
type Error struct {
	Type        ErrorType
	Code        string
	Message     string
	Cause       error
	Context     map[string]interface{}
	Path        string
	Recoverable bool
}

// Error implements the error interface.
func (e *Error) Error() string {
	var parts []string

	if e.Code != "" {
		parts = append(parts, fmt.Sprintf("[%s]", e.Code))
	}
	if e.Path != "" {
		parts = append(parts, e.Path)
	}
	parts = append(parts, e.Message)

	result := strings.Join(parts, " ")
	if e.Cause != nil {
		result += fmt.Sprintf(": %v", e.Cause)
	}

	return result
}

// Unwrap returns the underlying cause error.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is implements error comparison on type and code.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Type == t.Type && (t.Code == "" || e.Code == t.Code)
	}

	return false
}

// WithContext adds context information to the error.
func (e *Error) WithContext(key string, value interface{}) *Error {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value

	return e
}

// WithPath adds a file or field path to the error.
func (e *Error) WithPath(path string) *Error {
	e.Path = path

	return e
}

// NewConfigError creates a configuration error.
func NewConfigError(code, message string, cause error) *Error {
	return &Error{
		Type:        ErrorTypeConfig,
		Code:        code,
		Message:     message,
		Cause:       cause,
		Recoverable: true,
	}
}

// NewValidationError creates a schema validation error.
func NewValidationError(code, message string) *Error {
	return &Error{
		Type:        ErrorTypeValidation,
		Code:        code,
		Message:     message,
		Recoverable: true,
	}
}

// NewBuildError creates a build pipeline error.
func NewBuildError(code, message string, cause error) *Error {
	return &Error{
		Type:        ErrorTypeBuild,
		Code:        code,
		Message:     message,
		Cause:       cause,
		Recoverable: false,
	}
}

// NewInternalError creates an internal error.
func NewInternalError(message string, cause error) *Error {
	return &Error{
		Type:        ErrorTypeInternal,
		Code:        ErrCodeInternal,
		Message:     message,
		Cause:       cause,
		Recoverable: false,
	}
}

// ErrLockTimeout is returned when a file lock could not be acquired in
// time. Read paths treat it as "data temporarily unavailable, fall
// back"; write paths treat it as a full operation failure.
var ErrLockTimeout = &Error{
	Type:        ErrorTypeLock,
	Code:        ErrCodeLockTimeout,
	Message:     "could not acquire file lock",
	Recoverable: true,
}

// IsConfigError checks if an error is a configuration error.
func IsConfigError(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Type == ErrorTypeConfig
	}

	return false
}

// IsValidationError checks if an error is a schema validation error.
func IsValidationError(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Type == ErrorTypeValidation
	}

	return false
}

// IsLockTimeout checks if an error is a lock acquisition timeout.
func IsLockTimeout(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Type == ErrorTypeLock
	}

	return false
}

// IsRecoverable checks if an error is recoverable.
func IsRecoverable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Recoverable
	}

	return false
}

// GraderError records a per-URL failure during grader configuration or
// publishing. Errors for one URL never abort the other URLs.
type GraderError struct {
	URL        string `json:"url"`
	StatusCode int    `json:"code,omitempty"`
	Message    string `json:"error"`
}

// Error implements the error interface.
func (e *GraderError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: %d %s", e.URL, e.StatusCode, e.Message)
	}

	return fmt.Sprintf("%s: %s", e.URL, e.Message)
}

// Warnings accumulates non-fatal findings keyed by field path. A single
// validation pass can produce both a hard error and warnings; warnings
// are surfaced once per build and never abort it.
type Warnings struct {
	byPath map[string][]string
}

// Add attaches a warning to a field path.
func (w *Warnings) Add(path, message string) {
	if w.byPath == nil {
		w.byPath = make(map[string][]string)
	}
	w.byPath[path] = append(w.byPath[path], message)
}

// Merge absorbs another collection, prefixing its paths.
func (w *Warnings) Merge(prefix string, other *Warnings) {
	if other == nil {
		return
	}
	for path, msgs := range other.byPath {
		p := path
		if prefix != "" {
			if p == "" {
				p = prefix
			} else {
				p = prefix + "." + p
			}
		}
		for _, m := range msgs {
			w.Add(p, m)
		}
	}
}

// Empty reports whether any warnings were recorded.
func (w *Warnings) Empty() bool {
	return w == nil || len(w.byPath) == 0
}

// Flatten returns the path -> warnings view.
func (w *Warnings) Flatten() map[string][]string {
	if w == nil {
		return nil
	}
	out := make(map[string][]string, len(w.byPath))
	for path, msgs := range w.byPath {
		out[path] = append([]string(nil), msgs...)
	}

	return out
}

// String renders the warnings one per line in stable path order.
func (w *Warnings) String() string {
	if w.Empty() {
		return ""
	}
	paths := make([]string, 0, len(w.byPath))
	for path := range w.byPath {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	var sb strings.Builder
	for _, path := range paths {
		for _, msg := range w.byPath[path] {
			fmt.Fprintf(&sb, "%s: %s\n", path, msg)
		}
	}

	return strings.TrimRight(sb.String(), "\n")
}
