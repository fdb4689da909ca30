package course

import (
	"fmt"
	"sort"
	"strings"

	"golang.org/x/text/language"

	"github.com/courseman/courseman/internal/errors"
)

// validateTree runs the cross-field rules that need the whole course:
// key uniqueness, category membership and time window ordering. Key and
// category violations are hard errors; suspicious-but-legal date
// combinations become warnings on the offending module.
func validateTree(c *Course) error {
	if err := checkModuleKeys(c); err != nil {
		return err
	}
	if err := checkItemKeys(c); err != nil {
		return err
	}
	if err := checkCategories(c); err != nil {
		return err
	}
	if err := checkDates(c); err != nil {
		return err
	}
	checkLanguages(c)

	return nil
}

// checkLanguages warns about declared language codes that are not
// valid BCP 47 tags. The material still works, but frontends keying
// localization on the code will not find it.
func checkLanguages(c *Course) {
	for _, code := range c.Languages {
		if _, err := language.Parse(code); err != nil {
			c.AddWarning("lang", fmt.Sprintf("%q is not a valid language code", code))
		}
	}
}

func checkModuleKeys(c *Course) error {
	seen := make(map[string]struct{}, len(c.Modules))
	for _, m := range c.Modules {
		if _, dup := seen[m.Key]; dup {
			return errors.NewValidationError(errors.ErrCodeDuplicateKey,
				fmt.Sprintf("duplicate module key %q", m.Key)).WithPath("modules")
		}
		seen[m.Key] = struct{}{}
	}

	return nil
}

// checkItemKeys requires item keys to be unique across the whole
// course, not just within a module, because exercises are addressed by
// course key + item key alone.
func checkItemKeys(c *Course) error {
	owners := make(map[string][]string)
	c.Walk(func(m *Module, n *Node) {
		owners[n.Key] = append(owners[n.Key], m.Key)
	})

	var dups []string
	for key, mods := range owners {
		if len(mods) > 1 {
			dups = append(dups, fmt.Sprintf("%s (in modules %s)", key, strings.Join(mods, ", ")))
		}
	}
	if len(dups) > 0 {
		sort.Strings(dups)
		return errors.NewValidationError(errors.ErrCodeDuplicateKey,
			"duplicate item keys: "+strings.Join(dups, "; "))
	}

	return nil
}

func checkCategories(c *Course) error {
	var bad []string
	c.Walk(func(m *Module, n *Node) {
		if _, ok := c.Categories[n.Category]; !ok {
			bad = append(bad, fmt.Sprintf("%q (item %s.%s)", n.Category, m.Key, n.Key))
		}
	})
	if len(bad) > 0 {
		sort.Strings(bad)
		return errors.NewValidationError(errors.ErrCodeUnknownCategory,
			"categories not declared by the course: "+strings.Join(bad, ", "))
	}

	return nil
}

func checkDates(c *Course) error {
	for _, m := range c.Modules {
		if m.ReadOpen != nil && m.Open != nil && !m.ReadOpen.Before(*m.Open) {
			return errors.NewValidationError(errors.ErrCodeDateOrdering,
				fmt.Sprintf("module %q: read-open must be before open", m.Key)).
				WithPath("modules." + m.Key)
		}
		if m.LateClose != nil && m.Close != nil && m.LateClose.Before(*m.Close) {
			return errors.NewValidationError(errors.ErrCodeDateOrdering,
				fmt.Sprintf("module %q: late_close must not be before close", m.Key)).
				WithPath("modules." + m.Key)
		}
		if c.Start != nil && m.Open != nil && m.Open.Before(*c.Start) {
			m.AddWarning("open", "module opens before the course starts")
		}
		if c.End != nil && m.Close != nil && m.Close.After(*c.End) {
			m.AddWarning("close", "module closes after the course ends")
		}
	}

	return nil
}
