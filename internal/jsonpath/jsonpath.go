// Package jsonpath reads and writes values in arbitrary decoded JSON trees
// (the any/map[string]any/[]any shapes produced by encoding/json) using
// dot-separated paths like "data.items.0.name".
package jsonpath

import (
	"strconv"
	"strings"
)

// Get returns the value at path within root. The second return value is false
// when the path does not resolve: a missing key, an out-of-range or
// non-numeric index into a sequence, or a non-traversable intermediate value.
// A present JSON null resolves to (nil, true), distinct from not-found.
// An empty path returns root unchanged.
func Get(root any, path string) (any, bool) {
	if path == "" {
		return root, true
	}

	current := root
	for _, seg := range strings.Split(path, ".") {
		switch node := current.(type) {
		case map[string]any:
			v, ok := node[seg]
			if !ok {
				return nil, false
			}
			current = v
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, false
			}
			current = node[idx]
		default:
			// Primitive or nil: nothing left to traverse into.
			return nil, false
		}
	}
	return current, true
}

// Set returns a new tree equal to root with value placed at path. Containers
// along the path are copied, never mutated, so callers holding root see no
// change; subtrees off the modified path are shared with the original.
// Missing intermediate containers are created: a map by default, or a slice
// when the next path segment is numeric. A numeric segment indexes an
// existing slice but is treated as a literal key on a map, since JSON allows
// object keys that happen to be digits.
func Set(root any, path string, value any) any {
	if path == "" {
		return value
	}
	return set(root, strings.Split(path, "."), value)
}

func set(node any, segs []string, value any) any {
	seg := segs[0]
	rest := segs[1:]

	if seq, ok := node.([]any); ok {
		if idx, err := strconv.Atoi(seg); err == nil && idx >= 0 {
			out := make([]any, len(seq))
			copy(out, seq)
			for len(out) <= idx {
				out = append(out, nil)
			}
			if len(rest) == 0 {
				out[idx] = value
			} else {
				out[idx] = set(out[idx], rest, value)
			}
			return out
		}
		// Non-numeric segment against a sequence: replace with a map so the
		// write still lands somewhere sensible.
		node = nil
	}

	obj, ok := node.(map[string]any)
	if !ok {
		obj = nil
	}
	out := make(map[string]any, len(obj)+1)
	for k, v := range obj {
		out[k] = v
	}
	if len(rest) == 0 {
		out[seg] = value
		return out
	}

	child, exists := out[seg]
	if !exists {
		child = emptyContainerFor(rest[0])
	}
	out[seg] = set(child, rest, value)
	return out
}

// emptyContainerFor picks the container type a fresh intermediate node needs
// so the next segment can be applied to it.
func emptyContainerFor(nextSeg string) any {
	if _, err := strconv.Atoi(nextSeg); err == nil {
		return []any{}
	}
	return map[string]any{}
}
