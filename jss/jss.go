// Package jss implements the JSS wire format: JSON extended with Date,
// RegExp, and cyclic/shared-reference pointers of the form
// {"$ref": "<path>"}. It is BRI's on-disk and in-WAL document encoding,
// used everywhere the core persists a value.
package jss

import (
	"encoding/json"
	"fmt"
	"reflect"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Marshal encodes v (expected to be built from map[string]interface{},
// []interface{}, primitives, time.Time and *regexp.Regexp) into JSS bytes.
// Shared map/slice instances reachable from multiple paths are encoded
// once, with later occurrences replaced by a {"$ref": "<json-pointer>"}
// sentinel so cyclic structures round-trip without infinite recursion.
func Marshal(v interface{}) ([]byte, error) {
	enc := &encoder{seen: make(map[uintptr]string)}
	tree := enc.convert(v, "")
	return json.Marshal(tree)
}

// Unmarshal decodes JSS bytes back into plain Go values: objects become
// map[string]interface{}, arrays become []interface{}, {"$date": ...}
// becomes time.Time, {"$regexp": ...} becomes *regexp.Regexp, and
// {"$ref": "<path>"} is resolved to the actual value living at that path
// in the decoded tree, restoring the original aliasing.
func Unmarshal(data []byte) (interface{}, error) {
	var raw interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("jss: decode: %w", err)
	}
	resolved := convertSentinels(raw)
	return resolveRefs(resolved), nil
}

// MarshalDoc and UnmarshalDoc are the document-shaped convenience wrappers
// the kv engine and CRUD router use: a BRI document is always a JSON
// object at its root.
func MarshalDoc(doc map[string]interface{}) ([]byte, error) {
	return Marshal(doc)
}

func UnmarshalDoc(data []byte) (map[string]interface{}, error) {
	v, err := Unmarshal(data)
	if err != nil {
		return nil, err
	}
	doc, ok := v.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("jss: top-level value is not an object")
	}
	return doc, nil
}

type encoder struct {
	seen map[uintptr]string // identity -> first-seen json-pointer path
}

func (e *encoder) convert(v interface{}, path string) interface{} {
	switch val := v.(type) {
	case nil:
		return nil
	case time.Time:
		return map[string]interface{}{"$date": val.UTC().Format(time.RFC3339Nano)}
	case *regexp.Regexp:
		if val == nil {
			return nil
		}
		return map[string]interface{}{"$regexp": val.String()}
	case map[string]interface{}:
		if val == nil {
			return nil
		}
		ptr := reflect.ValueOf(val).Pointer()
		if first, ok := e.seen[ptr]; ok {
			return map[string]interface{}{"$ref": first}
		}
		e.seen[ptr] = path
		out := make(map[string]interface{}, len(val))
		for k, vv := range val {
			out[k] = e.convert(vv, joinPointer(path, k))
		}
		return out
	case []interface{}:
		if val == nil {
			return nil
		}
		ptr := reflect.ValueOf(val).Pointer()
		if first, ok := e.seen[ptr]; ok {
			return map[string]interface{}{"$ref": first}
		}
		e.seen[ptr] = path
		out := make([]interface{}, len(val))
		for i, vv := range val {
			out[i] = e.convert(vv, joinPointer(path, strconv.Itoa(i)))
		}
		return out
	default:
		return v
	}
}

func joinPointer(base, seg string) string {
	seg = strings.ReplaceAll(seg, "~", "~0")
	seg = strings.ReplaceAll(seg, "/", "~1")
	return base + "/" + seg
}

// convertSentinels turns {"$date": ...} / {"$regexp": ...} leaves into
// time.Time / *regexp.Regexp, leaving {"$ref": ...} nodes untouched for
// resolveRefs to handle once the whole tree is in its final shape.
func convertSentinels(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		if len(val) == 1 {
			if s, ok := val["$date"].(string); ok {
				if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
					return t
				}
			}
			if s, ok := val["$regexp"].(string); ok {
				if re, err := regexp.Compile(s); err == nil {
					return re
				}
			}
		}
		out := make(map[string]interface{}, len(val))
		for k, vv := range val {
			out[k] = convertSentinels(vv)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, vv := range val {
			out[i] = convertSentinels(vv)
		}
		return out
	default:
		return v
	}
}

// resolveRefs walks the (already sentinel-converted) tree and replaces
// every {"$ref": "<path>"} node with the real value living at that path in
// root. The referenced path always denotes a first occurrence — the
// encoder never emits a $ref for a path that is itself a $ref — so a
// single top-down pass is sufficient, even for genuine cycles.
func resolveRefs(root interface{}) interface{} {
	var walk func(node interface{}) interface{}
	walk = func(node interface{}) interface{} {
		switch val := node.(type) {
		case map[string]interface{}:
			if len(val) == 1 {
				if p, ok := val["$ref"].(string); ok {
					if target, err := byPointer(root, p); err == nil {
						return target
					}
				}
			}
			for k, vv := range val {
				val[k] = walk(vv)
			}
			return val
		case []interface{}:
			for i, vv := range val {
				val[i] = walk(vv)
			}
			return val
		default:
			return node
		}
	}
	return walk(root)
}

// byPointer resolves a JSON-Pointer-shaped path ("" means root) against
// root.
func byPointer(root interface{}, pointer string) (interface{}, error) {
	if pointer == "" {
		return root, nil
	}
	if !strings.HasPrefix(pointer, "/") {
		return nil, fmt.Errorf("jss: malformed $ref %q", pointer)
	}
	cur := root
	for _, raw := range strings.Split(pointer[1:], "/") {
		seg := strings.ReplaceAll(strings.ReplaceAll(raw, "~1", "/"), "~0", "~")
		switch node := cur.(type) {
		case map[string]interface{}:
			v, ok := node[seg]
			if !ok {
				return nil, fmt.Errorf("jss: $ref %q: no such field %q", pointer, seg)
			}
			cur = v
		case []interface{}:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, fmt.Errorf("jss: $ref %q: bad index %q", pointer, seg)
			}
			cur = node[idx]
		default:
			return nil, fmt.Errorf("jss: $ref %q: cannot descend into %T", pointer, cur)
		}
	}
	return cur, nil
}
