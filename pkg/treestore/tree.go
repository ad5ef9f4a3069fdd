package treestore

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// emptyMarker is the stored leaf for a mapping that exists but has no children.
const emptyMarker = "{}"

// Write is one atomic batch against a backend. Deletes remove exact leaves,
// Clears remove a path and everything below it, then Puts are stored.
// Paths lists the written locations for change notification and Origin
// identifies the writing client.
type Write struct {
	Deletes []string
	Clears  []string
	Puts    map[string]string
	Paths   []string
	Origin  string
}

// Empty reports whether the batch changes nothing.
func (w Write) Empty() bool {
	return len(w.Deletes) == 0 && len(w.Clears) == 0 && len(w.Puts) == 0
}

// buildWrite turns absolute path assignments into a backend batch.
// A nil value removes the subtree at its path.
func buildWrite(ops map[string]any) (Write, error) {
	paths := make([]string, 0, len(ops))
	for p := range ops {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	for i := 1; i < len(paths); i++ {
		if paths[i] == paths[i-1] || isAncestor(paths[i-1], paths[i]) {
			return Write{}, fmt.Errorf("%w: overlapping update paths %q and %q", ErrInvalidPath, paths[i-1], paths[i])
		}
	}

	w := Write{Puts: make(map[string]string)}
	deleted := make(map[string]struct{})
	for _, p := range paths {
		value, err := normalizeValue(ops[p])
		if err != nil {
			return Write{}, fmt.Errorf("encode %q: %w", p, err)
		}
		w.Clears = append(w.Clears, p)
		w.Paths = append(w.Paths, p)
		if value == nil {
			continue
		}
		for _, a := range ancestors(p) {
			if _, ok := deleted[a]; !ok {
				deleted[a] = struct{}{}
				w.Deletes = append(w.Deletes, a)
			}
		}
		if err := flatten(p, value, w.Puts); err != nil {
			return Write{}, err
		}
	}
	return w, nil
}

// normalizeValue converts any JSON-encodable value into the generic form
// used internally: map[string]any, []any, json.Number, string, bool or nil.
func normalizeValue(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return decodeJSON(raw)
}

func decodeJSON(raw []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}

func flatten(path string, value any, out map[string]string) error {
	switch v := value.(type) {
	case nil:
		return nil
	case map[string]any:
		if len(v) == 0 {
			out[path] = emptyMarker
			return nil
		}
		for k, child := range v {
			if err := validateKey(k); err != nil {
				return fmt.Errorf("%w: %q: %v", ErrInvalidPath, path, err)
			}
			if err := flatten(Join(path, k), child, out); err != nil {
				return err
			}
		}
		return nil
	case []any:
		if len(v) == 0 {
			out[path] = emptyMarker
			return nil
		}
		for i, child := range v {
			if err := flatten(Join(path, strconv.Itoa(i)), child, out); err != nil {
				return err
			}
		}
		return nil
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return err
		}
		out[path] = string(raw)
		return nil
	}
}

// buildTree reassembles the value at base from the leaves at or below it.
func buildTree(base string, leaves map[string]string) (any, bool, error) {
	if len(leaves) == 0 {
		return nil, false, nil
	}
	if raw, ok := leaves[base]; ok && len(leaves) == 1 {
		v, err := decodeJSON([]byte(raw))
		if err != nil {
			return nil, false, fmt.Errorf("decode leaf %q: %w", base, err)
		}
		return v, true, nil
	}

	paths := make([]string, 0, len(leaves))
	for p := range leaves {
		if p != base {
			paths = append(paths, p)
		}
	}
	sort.Strings(paths)
	root := make(map[string]any)
	for _, p := range paths {
		leaf, err := decodeJSON([]byte(leaves[p]))
		if err != nil {
			return nil, false, fmt.Errorf("decode leaf %q: %w", p, err)
		}
		segs := strings.Split(relative(base, p), "/")
		node := root
		for _, seg := range segs[:len(segs)-1] {
			next, ok := node[seg].(map[string]any)
			if !ok {
				next = make(map[string]any)
				node[seg] = next
			}
			node = next
		}
		node[segs[len(segs)-1]] = leaf
	}
	return root, true, nil
}

// Snapshot is an immutable view of the value at a path.
type Snapshot struct {
	Key    string
	Path   string
	value  any
	exists bool
}

func newSnapshot(path string, value any, exists bool) Snapshot {
	return Snapshot{Key: lastSegment(path), Path: path, value: value, exists: exists}
}

// Exists reports whether anything is stored at the path. An empty
// mapping written explicitly exists.
func (s Snapshot) Exists() bool { return s.exists }

// Value returns the generic value (maps, json.Number, string, bool).
func (s Snapshot) Value() any { return s.value }

// Decode unmarshals the value into dst using JSON rules.
func (s Snapshot) Decode(dst any) error {
	if !s.exists {
		return fmt.Errorf("%w: %q", ErrNotFound, s.Path)
	}
	raw, err := json.Marshal(s.value)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, dst)
}

// Child returns the snapshot of a relative path below this one.
func (s Snapshot) Child(rel string) Snapshot {
	path := Join(s.Path, rel)
	node := s.value
	for _, seg := range strings.Split(strings.Trim(rel, "/"), "/") {
		if seg == "" {
			continue
		}
		m, ok := node.(map[string]any)
		if !ok {
			return newSnapshot(path, nil, false)
		}
		node, ok = m[seg]
		if !ok {
			return newSnapshot(path, nil, false)
		}
	}
	return newSnapshot(path, node, node != nil)
}

// HasChild reports whether the direct child key exists.
func (s Snapshot) HasChild(key string) bool {
	m, ok := s.value.(map[string]any)
	if !ok {
		return false
	}
	_, ok = m[key]
	return ok
}

// Children returns direct children ordered by key.
func (s Snapshot) Children() []Snapshot {
	m, ok := s.value.(map[string]any)
	if !ok {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]Snapshot, 0, len(keys))
	for _, k := range keys {
		out = append(out, newSnapshot(Join(s.Path, k), m[k], true))
	}
	return out
}

// NumChildren counts direct children.
func (s Snapshot) NumChildren() int {
	m, _ := s.value.(map[string]any)
	return len(m)
}

// String returns the value as a string when it is one.
func (s Snapshot) String() string {
	str, _ := s.value.(string)
	return str
}

func canonical(v any) string {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(raw)
}
