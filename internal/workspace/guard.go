// Package workspace confines filesystem access to a single root
// directory. Every user-supplied path is validated here before any I/O
// proceeds, defeating absolute-path, traversal, and symlink escapes.
package workspace

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// PathError reports a path that is not allowed inside the workspace.
// It is deliberately distinct from fs.ErrNotExist: a rejected path must
// never be reported as a missing file.
type PathError struct {
	Path   string
	Reason string
}

func (e *PathError) Error() string {
	return fmt.Sprintf("workspace path %q rejected: %s", e.Path, e.Reason)
}

// IsPathError reports whether err is a workspace containment failure.
func IsPathError(err error) bool {
	var pe *PathError
	return errors.As(err, &pe)
}

// Guard validates user paths against a workspace root.
type Guard struct {
	root string // absolute, symlink-resolved
}

// NewGuard resolves root and returns a guard bound to it. The root must
// exist; everything beneath it may be created later.
func NewGuard(root string) (*Guard, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace root: %w", err)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace root: %w", err)
	}
	return &Guard{root: resolved}, nil
}

// Root returns the resolved workspace root.
func (g *Guard) Root() string { return g.root }

// Resolve returns the symlink-resolved absolute path for a user-supplied
// path if and only if it stays inside the workspace. The final component
// need not exist; nonexistent trailing components are joined onto the
// deepest existing ancestor after that ancestor is resolved.
//
// Checks, in order: NUL bytes, absolute paths and drive prefixes, lexical
// containment after joining to the root, and finally symlink-resolved
// containment of the deepest existing ancestor. A symlinked intermediate
// directory pointing outside the root fails even though the lexical check
// passed.
func (g *Guard) Resolve(userPath string) (string, error) {
	if strings.ContainsRune(userPath, 0) {
		return "", &PathError{Path: userPath, Reason: "NUL byte in path"}
	}
	if filepath.IsAbs(userPath) || filepath.VolumeName(userPath) != "" {
		return "", &PathError{Path: userPath, Reason: "absolute paths are not allowed"}
	}

	candidate := filepath.Join(g.root, userPath)
	if !g.contains(candidate) {
		return "", &PathError{Path: userPath, Reason: "path escapes workspace"}
	}

	// Peel nonexistent components off the tail until an existing prefix
	// remains. The root itself always exists.
	dir := candidate
	var rest []string
	for dir != g.root {
		if _, err := os.Lstat(dir); err == nil {
			break
		}
		rest = append([]string{filepath.Base(dir)}, rest...)
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	real, err := filepath.EvalSymlinks(dir)
	if err != nil {
		return "", &PathError{Path: userPath, Reason: "cannot resolve path"}
	}
	if !g.contains(real) {
		return "", &PathError{Path: userPath, Reason: "symlink escape detected"}
	}
	return filepath.Join(append([]string{real}, rest...)...), nil
}

func (g *Guard) contains(path string) bool {
	rel, err := filepath.Rel(g.root, path)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(os.PathSeparator)))
}
