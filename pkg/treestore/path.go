package treestore

import (
	"fmt"
	"strings"
	"unicode"
)

const invalidKeyChars = ".#$[]"

// Join builds a store path from segments, ignoring empty ones.
func Join(parts ...string) string {
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.Trim(p, "/")
		if p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, "/")
}

// normalizePath trims slashes and validates each segment. The root is "".
func normalizePath(path string) (string, error) {
	path = strings.Trim(strings.TrimSpace(path), "/")
	if path == "" {
		return "", nil
	}
	for _, seg := range strings.Split(path, "/") {
		if err := validateKey(seg); err != nil {
			return "", fmt.Errorf("%w: %q: %v", ErrInvalidPath, path, err)
		}
	}
	return path, nil
}

func validateKey(key string) error {
	if key == "" {
		return fmt.Errorf("empty segment")
	}
	for _, r := range key {
		if strings.ContainsRune(invalidKeyChars, r) || unicode.IsControl(r) {
			return fmt.Errorf("segment %q contains %q", key, r)
		}
	}
	return nil
}

// isAncestor reports whether parent is a strict ancestor of child.
func isAncestor(parent, child string) bool {
	if parent == child {
		return false
	}
	if parent == "" {
		return true
	}
	return strings.HasPrefix(child, parent+"/")
}

// related reports whether a write at changed can alter the value at watched.
func related(watched, changed string) bool {
	return watched == changed || isAncestor(watched, changed) || isAncestor(changed, watched)
}

// ancestors lists every strict ancestor of path, root included.
func ancestors(path string) []string {
	if path == "" {
		return nil
	}
	out := []string{""}
	for i := 0; i < len(path); i++ {
		if path[i] == '/' {
			out = append(out, path[:i])
		}
	}
	return out
}

func lastSegment(path string) string {
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		return path[i+1:]
	}
	return path
}

// relative strips base from path; path must equal base or be below it.
func relative(base, path string) string {
	if base == "" {
		return path
	}
	if path == base {
		return ""
	}
	return strings.TrimPrefix(path, base+"/")
}
