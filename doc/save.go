package doc

import (
	"context"
	"encoding/json"
	"strings"

	brierrors "github.com/bri-db/bri/errors"
	"github.com/bri-db/bri/ident"
	"github.com/bri-db/bri/jss"
)

// SaveOpts carries the actor/tag metadata a Save call persists alongside
// the change set.
type SaveOpts struct {
	// SaveBy is the actor's $ID. If SaveByIsSelf is true, the document's
	// own $ID is used instead.
	SaveBy       string
	SaveByIsSelf bool
	Tag          string
}

// ToObject returns a deep clone of the current document state.
func (h *Handle) ToObject() map[string]any {
	return deepClone(h.data)
}

func deepClone(v any) map[string]any {
	raw, err := json.Marshal(v)
	if err != nil {
		return map[string]any{}
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return map[string]any{}
	}
	return out
}

// ToJSON returns the document as plain JSON.
func (h *Handle) ToJSON() ([]byte, error) {
	return json.Marshal(h.data)
}

// ToJSS returns the document in the JSS wire form.
func (h *Handle) ToJSS() ([]byte, error) {
	return jss.MarshalDoc(h.data)
}

// String returns the document's $ID.
func (h *Handle) String() string {
	id, _ := h.data["$ID"].(string)
	return id
}

// And resolves field (expected to hold a foreign {$ID: ...} reference, or
// the $ID string itself) through the owning router and returns a Handle
// over the resolved document.
func (h *Handle) And(ctx context.Context, field string) (*Handle, error) {
	ref, ok := h.data[field]
	if !ok {
		return nil, brierrors.MissingSelector()
	}

	id, ok := extractRefID(ref)
	if !ok {
		return nil, brierrors.MissingSelector()
	}

	resolved, err := h.resolver.ResolveRef(ctx, id)
	if err != nil {
		return nil, err
	}
	typ, err := ident.TypeOf(id)
	if err != nil {
		return nil, err
	}
	return New(strings.ToLower(typ), resolved, h.resolver), nil
}

func extractRefID(v any) (string, bool) {
	switch ref := v.(type) {
	case string:
		return ref, true
	case map[string]any:
		id, ok := ref["$ID"].(string)
		return id, ok
	default:
		return "", false
	}
}

// Populate resolves each field sequentially, replacing it in-place with
// the resolved document.
func (h *Handle) Populate(ctx context.Context, fields ...string) error {
	for _, field := range fields {
		resolved, err := h.And(ctx, field)
		if err != nil {
			return err
		}
		h.data[field] = resolved.data
	}
	return nil
}

// Save computes the minimal top-level change object from the recorded
// journal (path length 1 uses the new value, or the Deleted sentinel if
// the field was removed; longer paths use the current root-level value of
// the top-level key), collapses duplicates, and persists through the
// router. A Save with no recorded changes is a no-op returning an
// equivalent Handle.
func (h *Handle) Save(ctx context.Context, opts SaveOpts) (*Handle, error) {
	if len(h.changes) == 0 {
		return New(h.typ, deepClone(h.data), h.resolver), nil
	}

	changeSet := make(map[string]any)
	for _, c := range h.changes {
		key := c.path[0]
		if len(c.path) == 1 {
			if c.absent {
				changeSet[key] = Deleted
			} else {
				changeSet[key] = c.value
			}
		} else {
			changeSet[key] = h.data[key]
		}
	}

	saveBy := opts.SaveBy
	if opts.SaveByIsSelf {
		saveBy = h.String()
	}

	updated, err := h.resolver.SaveChange(ctx, h.typ, h.String(), changeSet, SaveOpts{
		SaveBy: saveBy,
		Tag:    opts.Tag,
	})
	if err != nil {
		return nil, err
	}

	h.changes = nil
	return New(h.typ, updated, h.resolver), nil
}
