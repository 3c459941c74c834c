package bundle

import (
	"fmt"
	"io/fs"
	"sort"
)

// Tree is a scanned source directory: the files that will be archived,
// their individual hashes, and a hash over the whole tree. The tree hash
// changes whenever a file is added, removed, renamed or edited, which makes
// it usable at plan time before any archive is built.
type Tree struct {
	Root       string
	Files      []FileEntry
	FileHashes map[string]string // relpath -> "sha256:<hex>"
	TreeHash   string            // "sha256:<hex>"
}

// ScanOptions tunes Scan.
type ScanOptions struct {
	// Excludes are additive gitignore-style globs on top of the built-in
	// security and convenience rules.
	Excludes []string
	// AllowExternalSymlinks permits symlinks that resolve outside Root.
	AllowExternalSymlinks bool
}

// Scan enumerates root, validates symlinks and hashes every file.
func Scan(root string, opts ScanOptions) (*Tree, error) {
	files, err := EnumerateFiles(root, opts.Excludes)
	if err != nil {
		return nil, fmt.Errorf("bundle: enumerate: %w", err)
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("bundle: %s contains no files to package", root)
	}

	if err := ValidateSymlinks(root, files, opts.AllowExternalSymlinks); err != nil {
		return nil, fmt.Errorf("bundle: symlinks: %w", err)
	}

	fileHashes, treeHash, err := HashFiles(files)
	if err != nil {
		return nil, fmt.Errorf("bundle: hash: %w", err)
	}

	return &Tree{
		Root:       root,
		Files:      files,
		FileHashes: fileHashes,
		TreeHash:   treeHash,
	}, nil
}

// FromFiles builds a Tree from in-memory contents keyed by forward-slash
// relative path. Every file gets mode 0644.
func FromFiles(files map[string][]byte) *Tree {
	keys := make([]string, 0, len(files))
	for k := range files {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	entries := make([]FileEntry, 0, len(keys))
	fileHashes := make(map[string]string, len(keys))
	for _, rel := range keys {
		entries = append(entries, FileEntry{
			RelPath: rel,
			Mode:    fs.FileMode(0o644),
			Data:    files[rel],
		})
		fileHashes[rel] = HashBytes(files[rel])
	}

	return &Tree{
		Files:      entries,
		FileHashes: fileHashes,
		TreeHash:   ComputeTreeHash(fileHashes),
	}
}
