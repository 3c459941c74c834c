package bundle

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
)

// HashPrefix is the algorithm tag carried by every content hash.
const HashPrefix = "sha256:"

// HashBytes returns "sha256:<hex>" for data.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return HashPrefix + hex.EncodeToString(sum[:])
}

// HashFile streams the file at path through SHA-256.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("bundle: open for hash: %w", err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("bundle: read for hash: %w", err)
	}
	return HashPrefix + hex.EncodeToString(h.Sum(nil)), nil
}

// HexDigest strips the algorithm tag from a content hash.
func HexDigest(hash string) string {
	return strings.TrimPrefix(hash, HashPrefix)
}

// ComputeTreeHash hashes the sorted "<relpath>\0<hex>\n" lines of a file
// hash map.
func ComputeTreeHash(files map[string]string) string {
	keys := make([]string, 0, len(files))
	for k := range files {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := sha256.New()
	for _, k := range keys {
		io.WriteString(h, k+"\x00"+HexDigest(files[k])+"\n")
	}
	return HashPrefix + hex.EncodeToString(h.Sum(nil))
}

// HashFiles hashes each entry and the tree as a whole.
func HashFiles(files []FileEntry) (map[string]string, string, error) {
	fileHashes := make(map[string]string, len(files))
	for _, f := range files {
		var (
			hash string
			err  error
		)
		if f.Data != nil || f.AbsPath == "" {
			hash = HashBytes(f.Data)
		} else {
			hash, err = HashFile(f.AbsPath)
		}
		if err != nil {
			return nil, "", fmt.Errorf("bundle: hash file %q: %w", f.RelPath, err)
		}
		fileHashes[f.RelPath] = hash
	}
	return fileHashes, ComputeTreeHash(fileHashes), nil
}
