// Package doc implements the reactive document handle: since Go has no
// transparent proxy mechanism, the contract is an explicit change-journal
// handle instead of an intercepted property access.
package doc

import (
	"context"
	"reflect"

	brierrors "github.com/bri-db/bri/errors"
)

// immutableFields can never be recorded as a change.
var immutableFields = map[string]bool{
	"$ID":       true,
	"createdAt": true,
}

// Deleted is the sentinel Save writes into a change set for a top-level
// field that was removed with Delete, so SaveChange can drop the key from
// the merged document instead of persisting a literal JSON null.
var Deleted = new(struct{})

// change is one recorded (path, value) mutation. absent is true for a
// Delete, distinguishing "set to nil" from "field removed".
type change struct {
	path   []string
	value  any
	absent bool
}

// Resolver is the subset of the CRUD router a Handle needs to resolve
// foreign-key fields (And/Populate) and to persist a Save.
type Resolver interface {
	ResolveRef(ctx context.Context, id string) (map[string]any, error)
	SaveChange(ctx context.Context, typ string, id string, changeSet map[string]any, opts SaveOpts) (map[string]any, error)
}

// Handle wraps one loaded document plus its in-flight change journal.
type Handle struct {
	typ      string
	data     map[string]any
	changes  []change
	resolver Resolver
}

// New wraps data (already loaded from the store) as a Handle for typ.
func New(typ string, data map[string]any, resolver Resolver) *Handle {
	return &Handle{typ: typ, data: data, resolver: resolver}
}

// Get reads a (possibly nested) field by path, descending through nested
// maps. It returns false if any segment is absent or not a map.
func (h *Handle) Get(path ...string) (any, bool) {
	return getPath(h.data, path)
}

func getPath(root map[string]any, path []string) (any, bool) {
	if len(path) == 0 {
		return root, true
	}
	cur := any(root)
	for _, seg := range path {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		v, ok := m[seg]
		if !ok {
			return nil, false
		}
		cur = v
	}
	return cur, true
}

// Set records a change at path unless the field is immutable or the new
// value already equals the current one.
func (h *Handle) Set(value any, path ...string) error {
	if len(path) == 0 {
		return brierrors.MissingSelector()
	}
	if len(path) == 1 && immutableFields[path[0]] {
		return nil
	}

	current, ok := getPath(h.data, path)
	if ok && reflect.DeepEqual(current, value) {
		return nil
	}

	setPath(h.data, path, value)
	h.record(path, value, false)
	return nil
}

// Delete records a removal at path and applies it in-memory.
func (h *Handle) Delete(path ...string) {
	if len(path) == 0 {
		return
	}
	if len(path) == 1 && immutableFields[path[0]] {
		return
	}
	deletePath(h.data, path)
	h.record(path, nil, true)
}

func (h *Handle) record(path []string, value any, absent bool) {
	cp := append([]string(nil), path...)
	h.changes = append(h.changes, change{path: cp, value: value, absent: absent})
}

func setPath(root map[string]any, path []string, value any) {
	cur := root
	for i, seg := range path {
		if i == len(path)-1 {
			cur[seg] = value
			return
		}
		next, ok := cur[seg].(map[string]any)
		if !ok {
			next = make(map[string]any)
			cur[seg] = next
		}
		cur = next
	}
}

func deletePath(root map[string]any, path []string) {
	cur := root
	for i, seg := range path {
		if i == len(path)-1 {
			delete(cur, seg)
			return
		}
		next, ok := cur[seg].(map[string]any)
		if !ok {
			return
		}
		cur = next
	}
}
