package bundle

import (
	"fmt"
	"sort"
)

// deepCopy clones a decoded JSON object, failing past maxDepth levels.
func deepCopy(resource map[string]interface{}, maxDepth int) (map[string]interface{}, error) {
	var walk func(v interface{}, depth int) (interface{}, error)
	walk = func(v interface{}, depth int) (interface{}, error) {
		if depth > maxDepth {
			return nil, fmt.Errorf("%w (%d)", ErrNestingExceeded, maxDepth)
		}
		switch val := v.(type) {
		case map[string]interface{}:
			out := make(map[string]interface{}, len(val))
			for k, child := range val {
				c, err := walk(child, depth+1)
				if err != nil {
					return nil, err
				}
				out[k] = c
			}
			return out, nil
		case []interface{}:
			out := make([]interface{}, len(val))
			for i, item := range val {
				c, err := walk(item, depth+1)
				if err != nil {
					return nil, err
				}
				out[i] = c
			}
			return out, nil
		default:
			return val, nil
		}
	}
	out, err := walk(resource, 0)
	if err != nil {
		return nil, err
	}
	return out.(map[string]interface{}), nil
}

// extractReferences returns the distinct reference strings of resource in
// a stable order.
func extractReferences(resource map[string]interface{}) []string {
	seen := map[string]bool{}
	var refs []string
	var walk func(v interface{})
	walk = func(v interface{}) {
		switch val := v.(type) {
		case map[string]interface{}:
			if ref, ok := val["reference"].(string); ok && !seen[ref] {
				seen[ref] = true
				refs = append(refs, ref)
			}
			keys := make([]string, 0, len(val))
			for k := range val {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				walk(val[k])
			}
		case []interface{}:
			for _, item := range val {
				walk(item)
			}
		}
	}
	walk(resource)
	return refs
}

// rewriteReferences replaces each "reference" value in place with the
// mapped value. map returns false for references it could not resolve.
func rewriteReferences(resource map[string]interface{}, mapRef func(ref string) (string, bool)) {
	var walk func(v interface{})
	walk = func(v interface{}) {
		switch val := v.(type) {
		case map[string]interface{}:
			for k, child := range val {
				if k == "reference" {
					if ref, ok := child.(string); ok {
						if mapped, ok := mapRef(ref); ok {
							val[k] = mapped
						}
					}
					continue
				}
				walk(child)
			}
		case []interface{}:
			for _, item := range val {
				walk(item)
			}
		}
	}
	walk(resource)
}
