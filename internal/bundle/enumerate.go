package bundle

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
)

// FileEntry is a single file selected for packaging. Data is set only for
// trees built in memory; otherwise the content is read from AbsPath.
type FileEntry struct {
	RelPath string // forward-slash path relative to the tree root
	AbsPath string
	Mode    fs.FileMode
	Data    []byte
}

// Open returns the entry's content.
func (f FileEntry) Open() ([]byte, error) {
	if f.Data != nil || f.AbsPath == "" {
		return f.Data, nil
	}
	return os.ReadFile(f.AbsPath)
}

// EnumerateFiles walks root, drops excluded paths and returns the remaining
// regular files sorted by relative path in byte order.
func EnumerateFiles(root string, userExcludes []string) ([]FileEntry, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("bundle: resolve root: %w", err)
	}
	info, err := os.Stat(absRoot)
	if err != nil {
		return nil, fmt.Errorf("bundle: stat root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("bundle: %s is not a directory", root)
	}

	var entries []FileEntry
	err = filepath.WalkDir(absRoot, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}

		rel, err := filepath.Rel(absRoot, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if rel == "." {
			return nil
		}

		if d.IsDir() {
			if ShouldExcludeDir(rel, userExcludes) {
				return fs.SkipDir
			}
			return nil
		}
		if ShouldExclude(rel, userExcludes) {
			return nil
		}

		// Stat follows symlinks so the archived mode is the target's.
		fi, err := os.Stat(path)
		if err != nil {
			return err
		}
		if !fi.Mode().IsRegular() {
			return nil
		}

		entries = append(entries, FileEntry{
			RelPath: rel,
			AbsPath: path,
			Mode:    normalizeMode(fi.Mode()),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("bundle: walk %s: %w", root, err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].RelPath < entries[j].RelPath
	})
	return entries, nil
}

// normalizeMode collapses permissions to 0755 or 0644 so that umask and
// checkout differences do not change the archive bytes.
func normalizeMode(m fs.FileMode) fs.FileMode {
	if m.Perm()&0o111 != 0 {
		return 0o755
	}
	return 0o644
}
