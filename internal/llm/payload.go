package llm

import (
	"fmt"
	"strconv"
	"strings"
)

// cloneValue deep-copies the maps and slices a YAML or JSON decoder produces.
func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = cloneValue(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = cloneValue(val)
		}
		return out
	default:
		return v
	}
}

// setPath writes value at a dotted path such as "editScript.messages.0.msg".
// Missing map levels are created; list indexes must already exist.
func setPath(root map[string]any, path string, value any) error {
	keys := strings.Split(path, ".")
	var cur any = root
	for i, key := range keys {
		last := i == len(keys)-1
		switch node := cur.(type) {
		case map[string]any:
			if last {
				node[key] = value
				return nil
			}
			next, ok := node[key]
			if !ok || next == nil {
				next = map[string]any{}
				node[key] = next
			}
			cur = next
		case []any:
			idx, err := strconv.Atoi(key)
			if err != nil || idx < 0 || idx >= len(node) {
				return fmt.Errorf("path %q: bad list index %q", path, key)
			}
			if last {
				node[idx] = value
				return nil
			}
			cur = node[idx]
		default:
			return fmt.Errorf("path %q: cannot descend into %T at %q", path, cur, key)
		}
	}
	return nil
}

// getPath reads a dotted path; ok is false when any level is missing.
func getPath(root any, path string) (any, bool) {
	cur := root
	for _, key := range strings.Split(path, ".") {
		switch node := cur.(type) {
		case map[string]any:
			next, ok := node[key]
			if !ok {
				return nil, false
			}
			cur = next
		case []any:
			idx, err := strconv.Atoi(key)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, false
			}
			cur = node[idx]
		default:
			return nil, false
		}
	}
	return cur, true
}
