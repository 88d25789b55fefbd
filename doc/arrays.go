package doc

// Array mutators operate on a slice living at path, then record a
// coarse-grained replacement of the *whole top-level field* (path[0]):
// Save always replaces whole top-level fields, so per-element journal
// entries would never survive it anyway.

func (h *Handle) arrayAt(path []string) ([]any, bool) {
	v, ok := getPath(h.data, path)
	if !ok {
		return nil, false
	}
	arr, ok := v.([]any)
	return arr, ok
}

func (h *Handle) replaceArray(path []string, arr []any) {
	setPath(h.data, path, arr)
	root := path[:1]
	rootValue, _ := getPath(h.data, root)
	h.record(root, rootValue, false)
}

// Push appends values to the array at path.
func (h *Handle) Push(path []string, values ...any) {
	arr, _ := h.arrayAt(path)
	arr = append(arr, values...)
	h.replaceArray(path, arr)
}

// Pop removes and returns the last element of the array at path.
func (h *Handle) Pop(path []string) (any, bool) {
	arr, ok := h.arrayAt(path)
	if !ok || len(arr) == 0 {
		return nil, false
	}
	last := arr[len(arr)-1]
	h.replaceArray(path, arr[:len(arr)-1])
	return last, true
}

// Shift removes and returns the first element of the array at path.
func (h *Handle) Shift(path []string) (any, bool) {
	arr, ok := h.arrayAt(path)
	if !ok || len(arr) == 0 {
		return nil, false
	}
	first := arr[0]
	h.replaceArray(path, append([]any(nil), arr[1:]...))
	return first, true
}

// Unshift prepends values to the array at path.
func (h *Handle) Unshift(path []string, values ...any) {
	arr, _ := h.arrayAt(path)
	out := append(append([]any(nil), values...), arr...)
	h.replaceArray(path, out)
}

// Splice removes count elements starting at start and inserts insert in
// their place, mirroring JS Array.prototype.splice's core behaviour,
// returning the removed elements.
func (h *Handle) Splice(path []string, start, count int, insert ...any) []any {
	arr, _ := h.arrayAt(path)
	if start < 0 {
		start = 0
	}
	if start > len(arr) {
		start = len(arr)
	}
	end := start + count
	if end > len(arr) {
		end = len(arr)
	}
	removed := append([]any(nil), arr[start:end]...)

	out := make([]any, 0, len(arr)-(end-start)+len(insert))
	out = append(out, arr[:start]...)
	out = append(out, insert...)
	out = append(out, arr[end:]...)

	h.replaceArray(path, out)
	return removed
}
