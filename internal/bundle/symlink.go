package bundle

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// SymlinkEscapeError is returned when a symlink inside the tree resolves
// outside of it.
type SymlinkEscapeError struct {
	Path   string // relative path of the symlink
	Target string // resolved absolute target
}

func (e *SymlinkEscapeError) Error() string {
	return fmt.Sprintf("bundle: symlink %q resolves to %q outside the source directory", e.Path, e.Target)
}

// ValidateSymlinks rejects symlinked entries whose target is outside root,
// unless allowExternal is set.
func ValidateSymlinks(root string, files []FileEntry, allowExternal bool) error {
	if allowExternal {
		return nil
	}

	absRoot, err := filepath.Abs(root)
	if err != nil {
		return fmt.Errorf("bundle: resolve root: %w", err)
	}
	// The root itself may be a symlink (e.g. /tmp on macOS).
	absRoot, err = filepath.EvalSymlinks(absRoot)
	if err != nil {
		return fmt.Errorf("bundle: eval symlinks on root: %w", err)
	}
	rootPrefix := absRoot + string(filepath.Separator)

	for _, f := range files {
		if f.AbsPath == "" {
			continue
		}
		info, err := os.Lstat(f.AbsPath)
		if err != nil {
			return fmt.Errorf("bundle: lstat %q: %w", f.RelPath, err)
		}
		if info.Mode()&os.ModeSymlink == 0 {
			continue
		}

		resolved, err := filepath.EvalSymlinks(f.AbsPath)
		if err != nil {
			return fmt.Errorf("bundle: resolve symlink %q: %w", f.RelPath, err)
		}
		if resolved, err = filepath.Abs(resolved); err != nil {
			return fmt.Errorf("bundle: abs path for symlink %q: %w", f.RelPath, err)
		}

		if resolved != absRoot && !strings.HasPrefix(resolved, rootPrefix) {
			return &SymlinkEscapeError{Path: f.RelPath, Target: resolved}
		}
	}
	return nil
}
