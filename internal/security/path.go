package security

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Path validates file paths against a set of allowed root directories.
// Used to prevent path traversal attacks (CWE-22): every path the service
// reads or deletes must resolve inside one of the configured roots.
type Path struct {
	roots []string
}

// NewPath creates a path validator for the given root directories.
// Roots are resolved to absolute paths; at least one is required.
func NewPath(roots []string) (*Path, error) {
	if len(roots) == 0 {
		return nil, fmt.Errorf("at least one root directory required")
	}
	abs := make([]string, 0, len(roots))
	for _, dir := range roots {
		absDir, err := filepath.Abs(dir)
		if err != nil {
			return nil, fmt.Errorf("unable to resolve directory %s: %w", dir, err)
		}
		abs = append(abs, filepath.Clean(absDir))
	}
	return &Path{roots: abs}, nil
}

// Validate cleans the path, resolves it to an absolute path, and checks it
// falls inside one of the allowed roots. Symbolic links are resolved and
// re-checked so a link cannot escape the roots. Returns the safe absolute
// path.
func (v *Path) Validate(path string) (string, error) {
	absPath, err := filepath.Abs(filepath.Clean(path))
	if err != nil {
		return "", fmt.Errorf("invalid path: %w", err)
	}

	// Error messages stay generic so they cannot leak filesystem layout
	// back to a client.
	if !v.inRoots(absPath) {
		return "", fmt.Errorf("access denied: path is outside allowed directories")
	}

	realPath, err := filepath.EvalSymlinks(absPath)
	if err != nil {
		// A missing file is fine for paths about to be created.
		if os.IsNotExist(err) {
			return absPath, nil
		}
		return "", fmt.Errorf("unable to resolve symbolic link: %w", err)
	}
	if realPath != absPath && !v.inRoots(realPath) {
		return "", fmt.Errorf("access denied: symbolic link resolves outside allowed directories")
	}
	return realPath, nil
}

func (v *Path) inRoots(absPath string) bool {
	pathWithSep := filepath.Clean(absPath) + string(filepath.Separator)
	for _, root := range v.roots {
		rootWithSep := root + string(filepath.Separator)
		if absPath == root || strings.HasPrefix(pathWithSep, rootWithSep) {
			return true
		}
	}
	return false
}

// Filename validates a bare file name supplied by a client, e.g. an upload.
// It rejects anything that is empty, contains path separators, or would
// change directory when joined to a base path.
func Filename(name string) error {
	if name == "" {
		return fmt.Errorf("empty file name")
	}
	if name == "." || name == ".." {
		return fmt.Errorf("invalid file name %q", name)
	}
	if strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("file name %q must not contain path separators", name)
	}
	if strings.ContainsRune(name, 0) {
		return fmt.Errorf("file name contains NUL byte")
	}
	if filepath.Base(name) != name {
		return fmt.Errorf("invalid file name %q", name)
	}
	return nil
}
