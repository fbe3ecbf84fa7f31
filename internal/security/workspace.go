package security

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"omniclaw/internal/domain"
)

// Workspace enforces that group file access stays under the group's folder.
type Workspace struct {
	root string // absolute, resolved groups directory
}

// NewWorkspace creates a Workspace rooted at the groups directory, creating
// it if needed.
func NewWorkspace(root string) (*Workspace, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace root: %w", err)
	}

	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("eval symlinks for workspace root: %w", err)
	}

	info, err := os.Stat(resolved)
	if err != nil {
		return nil, fmt.Errorf("stat workspace root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("workspace root %q is not a directory", resolved)
	}

	return &Workspace{root: resolved}, nil
}

// Root returns the groups directory.
func (w *Workspace) Root() string { return w.root }

// GroupDir returns the directory of a group, creating it if needed.
func (w *Workspace) GroupDir(folder string) (string, error) {
	if err := domain.ValidateFolder(folder); err != nil {
		return "", err
	}
	dir := filepath.Join(w.root, folder)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create group dir: %w", err)
	}
	resolved, err := filepath.EvalSymlinks(dir)
	if err != nil {
		return "", fmt.Errorf("eval symlinks for group dir: %w", err)
	}
	if !within(w.root, resolved) || resolved == w.root {
		return "", domain.NewSubSystemError("security", "Workspace.GroupDir", domain.ErrPathOutsideWorkspace,
			fmt.Sprintf("group dir %q resolves outside %q", folder, w.root))
	}
	return resolved, nil
}

// Resolve maps a path relative to the group's folder to an absolute path,
// following symlinks, and rejects anything that escapes the folder.
func (w *Workspace) Resolve(folder, rel string) (string, error) {
	groupDir, err := w.GroupDir(folder)
	if err != nil {
		return "", err
	}
	if rel == "" || filepath.IsAbs(rel) {
		return "", domain.NewSubSystemError("security", "Workspace.Resolve", domain.ErrPathOutsideWorkspace,
			fmt.Sprintf("path %q must be relative", rel))
	}

	abs := filepath.Join(groupDir, rel)
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		// Path doesn't exist yet: validate the nearest existing ancestor.
		resolved, err = resolveMissing(abs)
		if err != nil {
			return "", domain.NewSubSystemError("security", "Workspace.Resolve", domain.ErrPathOutsideWorkspace, err.Error())
		}
	}

	if !within(groupDir, resolved) {
		return "", domain.NewSubSystemError("security", "Workspace.Resolve", domain.ErrPathOutsideWorkspace,
			fmt.Sprintf("resolved %q is outside %q", resolved, groupDir))
	}
	return resolved, nil
}

func resolveMissing(abs string) (string, error) {
	var tail []string
	cur := abs
	for {
		parent := filepath.Dir(cur)
		tail = append([]string{filepath.Base(cur)}, tail...)
		if parent == cur {
			return "", fmt.Errorf("no existing ancestor for %q", abs)
		}
		resolved, err := filepath.EvalSymlinks(parent)
		if err == nil {
			return filepath.Join(append([]string{resolved}, tail...)...), nil
		}
		cur = parent
	}
}

func within(root, path string) bool {
	return path == root || strings.HasPrefix(path, root+string(os.PathSeparator))
}

// CleanRelPath lexically validates a slash-separated path relative to a
// group root and returns its clean form. It is the check for workspaces
// that live outside the local filesystem, such as object-store keys.
func CleanRelPath(rel string) (string, error) {
	if rel == "" || strings.HasPrefix(rel, "/") || strings.ContainsRune(rel, '\\') || strings.ContainsRune(rel, 0) {
		return "", domain.NewSubSystemError("security", "CleanRelPath", domain.ErrPathOutsideWorkspace,
			fmt.Sprintf("path %q must be relative", rel))
	}
	clean := path.Clean(rel)
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", domain.NewSubSystemError("security", "CleanRelPath", domain.ErrPathOutsideWorkspace,
			fmt.Sprintf("path %q escapes the group root", rel))
	}
	return clean, nil
}
