package runid

import (
	"bytes"
	"errors"
	"regexp"
	"sort"
	"testing"
	"time"
)

var pattern = regexp.MustCompile(`^run_\d{8}T\d{6}Z_[0-9a-f]{8}$`)

func TestNew_Format(t *testing.T) {
	id := New()
	if !pattern.MatchString(id) {
		t.Fatalf("New() = %q", id)
	}
	if !Valid(id) {
		t.Errorf("Valid(%q) = false", id)
	}
}

func TestNew_Unique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 200; i++ {
		id := New()
		if seen[id] {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = true
	}
}

func TestNewAt_Deterministic(t *testing.T) {
	start := time.Date(2026, 10, 18, 9, 15, 2, 0, time.FixedZone("CEST", 2*3600))
	id, err := NewAt(start, bytes.NewReader([]byte{0x3b, 0xe4, 0x1c, 0x07}))
	if err != nil {
		t.Fatalf("NewAt: %v", err)
	}
	if id != "run_20261018T071502Z_3be41c07" {
		t.Errorf("id = %q", id)
	}

	ts, err := Started(id)
	if err != nil {
		t.Fatalf("Started: %v", err)
	}
	if !ts.Equal(start) {
		t.Errorf("Started = %v, want %v", ts, start)
	}
}

type brokenReader struct{}

func (brokenReader) Read([]byte) (int, error) { return 0, errors.New("no entropy") }

func TestNewAt_EntropyFailure(t *testing.T) {
	if _, err := NewAt(time.Now(), brokenReader{}); err == nil {
		t.Fatal("expected error")
	}
}

func TestStarted_Rejects(t *testing.T) {
	for _, id := range []string{
		"",
		"dep_20261018T071502Z_3be41c07",
		"run_20261018T071502Z",
		"run_garbage_3be41c07",
		"run_20261018T071502Z_3be41c0",
		"run_20261018T071502Z_3BE41C07",
		"run_20261018T071502Z_zzzzzzzz",
	} {
		if Valid(id) {
			t.Errorf("Valid(%q) = true", id)
		}
	}
}

func TestIDs_SortByStart(t *testing.T) {
	zero := bytes.Repeat([]byte{0xff}, 4)
	early, _ := NewAt(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC), bytes.NewReader(zero))
	late, _ := NewAt(time.Date(2026, 1, 2, 3, 4, 6, 0, time.UTC), bytes.NewReader([]byte{0, 0, 0, 0}))

	ids := []string{late, early}
	sort.Strings(ids)
	if ids[0] != early {
		t.Errorf("sorted = %v", ids)
	}
}
