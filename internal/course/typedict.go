package course

import (
	"fmt"

	"github.com/courseman/courseman/internal/errors"
	"github.com/courseman/courseman/internal/parser"
)

// ApplyTypeDictionaries expands the exercise_types and module_types
// template dictionaries into the raw document before decoding. A node
// naming a type inherits every template field it does not set itself;
// the node's own fields always win. The "type" key stays on the node.
// The dictionaries themselves are stripped from the returned document.
func ApplyTypeDictionaries(doc parser.Doc) (parser.Doc, error) {
	exerciseTypes, err := typeDict(doc, "exercise_types")
	if err != nil {
		return nil, err
	}
	moduleTypes, err := typeDict(doc, "module_types")
	if err != nil {
		return nil, err
	}

	out := make(parser.Doc, len(doc))
	for k, v := range doc {
		if k == "exercise_types" || k == "module_types" {
			continue
		}
		out[k] = v
	}

	rawModules, ok := out["modules"].([]interface{})
	if !ok {
		return out, nil
	}
	modules := make([]interface{}, len(rawModules))
	for i, rawModule := range rawModules {
		moduleDoc, ok := rawModule.(map[string]interface{})
		if !ok {
			modules[i] = rawModule
			continue
		}
		merged, err := applyType(moduleDoc, moduleTypes, fmt.Sprintf("modules[%d]", i))
		if err != nil {
			return nil, err
		}
		if merged, err = applyChildTypes(merged, exerciseTypes, fmt.Sprintf("modules[%d]", i)); err != nil {
			return nil, err
		}
		modules[i] = map[string]interface{}(merged)
	}
	out["modules"] = modules

	return out, nil
}

func typeDict(doc parser.Doc, key string) (map[string]parser.Doc, error) {
	raw, ok := doc[key]
	if !ok {
		return nil, nil
	}
	rawMap, ok := raw.(map[string]interface{})
	if !ok {
		return nil, errors.NewValidationError(errors.ErrCodeFieldConflict,
			key+" must be a dictionary").WithPath(key)
	}

	out := make(map[string]parser.Doc, len(rawMap))
	for name, tmpl := range rawMap {
		tmplDoc, ok := tmpl.(map[string]interface{})
		if !ok {
			return nil, errors.NewValidationError(errors.ErrCodeFieldConflict,
				fmt.Sprintf("type %q must be a dictionary", name)).WithPath(key)
		}
		out[name] = tmplDoc
	}

	return out, nil
}

func applyType(node parser.Doc, types map[string]parser.Doc, path string) (parser.Doc, error) {
	name, ok := node["type"].(string)
	if !ok || name == "" {
		return node, nil
	}
	tmpl, ok := types[name]
	if !ok {
		if types == nil {
			return node, nil
		}
		return nil, errors.NewValidationError(errors.ErrCodeFieldConflict,
			fmt.Sprintf("undefined type %q", name)).WithPath(path)
	}

	merged := make(parser.Doc, len(node)+len(tmpl))
	for k, v := range tmpl {
		merged[k] = v
	}
	for k, v := range node {
		merged[k] = v
	}

	return merged, nil
}

func applyChildTypes(node parser.Doc, exerciseTypes map[string]parser.Doc, path string) (parser.Doc, error) {
	rawChildren, ok := node["children"].([]interface{})
	if !ok {
		return node, nil
	}

	children := make([]interface{}, len(rawChildren))
	for i, rawChild := range rawChildren {
		childDoc, ok := rawChild.(map[string]interface{})
		if !ok {
			children[i] = rawChild
			continue
		}
		childPath := fmt.Sprintf("%s.children[%d]", path, i)
		merged, err := applyType(childDoc, exerciseTypes, childPath)
		if err != nil {
			return nil, err
		}
		if merged, err = applyChildTypes(merged, exerciseTypes, childPath); err != nil {
			return nil, err
		}
		children[i] = map[string]interface{}(merged)
	}

	out := make(parser.Doc, len(node))
	for k, v := range node {
		out[k] = v
	}
	out["children"] = children

	return out, nil
}
