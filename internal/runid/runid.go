// Package runid names pipeline runs.
//
// Format: run_<UTC YYYYMMDD'T'HHmmss'Z'>_<8 lowercase hex>, for example
// run_20261018T091502Z_3be41c07. Ids sort by start time.
package runid

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
	"time"
)

const (
	prefix      = "run_"
	stampLayout = "20060102T150405Z"
	suffixLen   = 8
)

// New returns an id for a run starting now.
func New() string {
	id, err := NewAt(time.Now(), rand.Reader)
	if err != nil {
		panic(fmt.Sprintf("runid: %v", err))
	}
	return id
}

// NewAt builds an id for start, drawing the suffix from entropy.
func NewAt(start time.Time, entropy io.Reader) (string, error) {
	var b [suffixLen / 2]byte
	if _, err := io.ReadFull(entropy, b[:]); err != nil {
		return "", fmt.Errorf("reading entropy: %w", err)
	}
	return prefix + start.UTC().Format(stampLayout) + "_" + hex.EncodeToString(b[:]), nil
}

// Started returns the start time encoded in id.
func Started(id string) (time.Time, error) {
	rest, ok := strings.CutPrefix(id, prefix)
	if !ok {
		return time.Time{}, fmt.Errorf("runid: %q does not start with %q", id, prefix)
	}
	stamp, suffix, ok := strings.Cut(rest, "_")
	if !ok {
		return time.Time{}, fmt.Errorf("runid: %q has no suffix", id)
	}
	if len(suffix) != suffixLen || strings.ToLower(suffix) != suffix {
		return time.Time{}, fmt.Errorf("runid: suffix of %q must be %d lowercase hex characters", id, suffixLen)
	}
	if _, err := hex.DecodeString(suffix); err != nil {
		return time.Time{}, fmt.Errorf("runid: suffix of %q: %w", id, err)
	}
	ts, err := time.Parse(stampLayout, stamp)
	if err != nil {
		return time.Time{}, fmt.Errorf("runid: timestamp of %q: %w", id, err)
	}
	return ts, nil
}

// Valid reports whether id is well formed.
func Valid(id string) bool {
	_, err := Started(id)
	return err == nil
}
