package bundle

import (
	"archive/zip"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"sort"
	"strings"
	"time"
)

// archiveEpoch is stamped on every entry so the archive bytes depend only
// on file names, modes and contents. It is the earliest time a zip DOS
// timestamp can express.
var archiveEpoch = time.Date(1980, time.January, 1, 0, 0, 0, 0, time.UTC)

// ErrNoSuchFile is returned by ExtractFile when the archive lacks the entry.
var ErrNoSuchFile = errors.New("bundle: file not in archive")

// Archive writes the tree as a zip. Entries appear in RelPath order with a
// fixed timestamp, so the same tree always yields the same bytes.
func (t *Tree) Archive() ([]byte, error) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)

	for _, f := range t.Files {
		data, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("bundle: read %q: %w", f.RelPath, err)
		}

		hdr := &zip.FileHeader{
			Name:     f.RelPath,
			Method:   zip.Deflate,
			Modified: archiveEpoch,
		}
		mode := f.Mode
		if mode == 0 {
			mode = 0o644
		}
		hdr.SetMode(mode)

		w, err := zw.CreateHeader(hdr)
		if err != nil {
			return nil, fmt.Errorf("bundle: add %q: %w", f.RelPath, err)
		}
		if _, err := w.Write(data); err != nil {
			return nil, fmt.Errorf("bundle: write %q: %w", f.RelPath, err)
		}
	}

	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("bundle: finish archive: %w", err)
	}
	return buf.Bytes(), nil
}

// ReadArchiveFile loads a prebuilt zip (for example a dependency layer)
// and checks that it parses. The bytes are returned unchanged.
func ReadArchiveFile(p string) ([]byte, error) {
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, fmt.Errorf("bundle: read archive: %w", err)
	}
	if _, err := zip.NewReader(bytes.NewReader(data), int64(len(data))); err != nil {
		return nil, fmt.Errorf("bundle: %s is not a zip archive: %w", p, err)
	}
	return data, nil
}

// ExtractFile returns the content of one entry.
func ExtractFile(archive []byte, name string) ([]byte, error) {
	zr, err := zip.NewReader(bytes.NewReader(archive), int64(len(archive)))
	if err != nil {
		return nil, fmt.Errorf("bundle: open archive: %w", err)
	}
	for _, f := range zr.File {
		if f.Name == name {
			return readEntry(f)
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNoSuchFile, name)
}

// ExtractDir returns every regular entry under dir (no trailing slash),
// keyed by the path relative to dir, in name order.
func ExtractDir(archive []byte, dir string) (map[string][]byte, []string, error) {
	zr, err := zip.NewReader(bytes.NewReader(archive), int64(len(archive)))
	if err != nil {
		return nil, nil, fmt.Errorf("bundle: open archive: %w", err)
	}

	prefix := strings.TrimSuffix(dir, "/") + "/"
	out := make(map[string][]byte)
	var names []string
	for _, f := range zr.File {
		rel, ok := strings.CutPrefix(f.Name, prefix)
		if !ok || rel == "" || strings.HasSuffix(f.Name, "/") {
			continue
		}
		data, err := readEntry(f)
		if err != nil {
			return nil, nil, err
		}
		out[path.Clean(rel)] = data
		names = append(names, path.Clean(rel))
	}
	sort.Strings(names)
	return out, names, nil
}

func readEntry(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("bundle: open %q: %w", f.Name, err)
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("bundle: read %q: %w", f.Name, err)
	}
	return data, nil
}
