package course

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/courseman/courseman/internal/errors"
)

// Duration is a module time window length given either as a Go duration
// string or in the simple "<integer>(y|m|w|d|h)" course syntax.
type Duration struct {
	raw string
	d   time.Duration
}

// ParseDuration coerces a raw config value into a Duration.
func ParseDuration(path string, v interface{}) (*Duration, error) {
	s, ok := v.(string)
	if !ok {
		return nil, errors.NewValidationError(errors.ErrCodeFieldConflict,
			"a duration must be a string").WithPath(path)
	}
	if s == "" {
		return nil, errors.NewValidationError(errors.ErrCodeFieldConflict,
			"an empty string cannot be turned into a duration").WithPath(path)
	}

	if d, err := time.ParseDuration(s); err == nil {
		return &Duration{raw: s, d: d}, nil
	}

	n, err := strconv.Atoi(s[:len(s)-1])
	if err != nil {
		return nil, errors.NewValidationError(errors.ErrCodeFieldConflict,
			fmt.Sprintf("bad duration %q, format: <integer>(y|m|d|h|w) e.g. 3d", s)).WithPath(path)
	}

	var unit time.Duration
	switch s[len(s)-1] {
	case 'y':
		unit = 365 * 24 * time.Hour
	case 'm':
		unit = 30 * 24 * time.Hour
	case 'w':
		unit = 7 * 24 * time.Hour
	case 'd':
		unit = 24 * time.Hour
	case 'h':
		unit = time.Hour
	default:
		return nil, errors.NewValidationError(errors.ErrCodeFieldConflict,
			fmt.Sprintf("bad duration %q, format: <integer>(y|m|d|h|w) e.g. 3d", s)).WithPath(path)
	}

	return &Duration{raw: s, d: time.Duration(n) * unit}, nil
}

// String returns the duration as written in the config.
func (d *Duration) String() string { return d.raw }

// Value returns the duration length.
func (d *Duration) Value() time.Duration { return d.d }

// timeLayouts accepted for date/time fields, tried in order.
var timeLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
}

// ParseTime coerces a raw config value into a timestamp.
func ParseTime(path string, v interface{}) (*time.Time, error) {
	switch val := v.(type) {
	case time.Time:
		return &val, nil
	case string:
		s := strings.TrimSpace(val)
		for _, layout := range timeLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return &t, nil
			}
		}
	}

	return nil, errors.NewValidationError(errors.ErrCodeFieldConflict,
		fmt.Sprintf("invalid date/time value %v", v)).WithPath(path)
}
