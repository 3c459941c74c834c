// Package artifact packages local inputs into content-addressed archives and
// publishes them to an artifact store. The same bytes always map to the same
// key, so a rerun with unchanged inputs never writes to the store.
package artifact

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/hashicorp/terraform-plugin-log/tflog"
	"golang.org/x/sync/semaphore"

	"github.com/agentctx/terraform-provider-voiceskill/internal/bundle"
	"github.com/agentctx/terraform-provider-voiceskill/internal/deployerr"
	"github.com/agentctx/terraform-provider-voiceskill/internal/store"
)

const (
	keyPrefix   = "artifacts/"
	metaHashKey = "sha256"
)

// Reference identifies a published archive. It is immutable: the key is
// derived from the hash, and the store never overwrites an existing key.
type Reference struct {
	Store    string
	Key      string
	Hash     string // "sha256:<hex>"
	Size     int64
	Location store.Location
}

// URI renders the backend-native address.
func (r Reference) URI() string { return r.Location.String() }

// KeyFor returns the store key for a content hash.
func KeyFor(hash string) string {
	return keyPrefix + bundle.HexDigest(hash) + ".zip"
}

// Packager builds and publishes archives.
type Packager struct {
	store    store.Store
	sem      *semaphore.Weighted
	excludes []string

	mu    sync.Mutex
	cache map[string][]byte // hash -> archive bytes built or fetched
}

// Option configures a Packager.
type Option func(*Packager)

// WithExcludes adds gitignore-style patterns applied when archiving
// directories.
func WithExcludes(patterns []string) Option {
	return func(p *Packager) { p.excludes = append(p.excludes, patterns...) }
}

// New returns a Packager publishing to s. Uploads and downloads hold one
// slot of sem each; sem may be shared with other stages of the run.
func New(s store.Store, sem *semaphore.Weighted, opts ...Option) *Packager {
	p := &Packager{
		store: s,
		sem:   sem,
		cache: make(map[string][]byte),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Session returns a Packager sharing p's store and settings with an empty
// cache. A deployment run takes one so its archive bytes are dropped when
// the run ends rather than held for the provider's lifetime.
func (p *Packager) Session() *Packager {
	return &Packager{
		store:    p.store,
		sem:      p.sem,
		excludes: p.excludes,
		cache:    make(map[string][]byte),
	}
}

// Build produces archive bytes for localPath without publishing them. A
// directory is archived deterministically; a .zip file is used verbatim.
func (p *Packager) Build(localPath string) ([]byte, error) {
	info, err := os.Stat(localPath)
	if err != nil {
		return nil, &deployerr.ConfigurationError{Reason: fmt.Sprintf("artifact source %q", localPath), Err: err}
	}

	if !info.IsDir() {
		if !strings.EqualFold(filepath.Ext(localPath), ".zip") {
			return nil, deployerr.Configf("artifact source %q must be a directory or a .zip file", localPath)
		}
		data, err := bundle.ReadArchiveFile(localPath)
		if err != nil {
			return nil, &deployerr.ConfigurationError{Reason: fmt.Sprintf("artifact source %q", localPath), Err: err}
		}
		return data, nil
	}

	tree, err := bundle.Scan(localPath, bundle.ScanOptions{Excludes: p.excludes})
	if err != nil {
		return nil, &deployerr.ConfigurationError{Reason: fmt.Sprintf("artifact source %q", localPath), Err: err}
	}
	return tree.Archive()
}

// Hash returns the content hash localPath would be published under.
func (p *Packager) Hash(localPath string) (string, error) {
	data, err := p.Build(localPath)
	if err != nil {
		return "", err
	}
	return bundle.HashBytes(data), nil
}

// Package builds localPath and publishes the result.
func (p *Packager) Package(ctx context.Context, localPath string) (Reference, error) {
	data, err := p.Build(localPath)
	if err != nil {
		return Reference{}, err
	}
	return p.Publish(ctx, data)
}

// Publish uploads data under its content address unless the store already
// holds it. Concurrent publishers of the same bytes race on a create-only
// write; the loser treats the existing object as its own.
func (p *Packager) Publish(ctx context.Context, data []byte) (Reference, error) {
	hash := bundle.HashBytes(data)
	key := KeyFor(hash)
	ref := Reference{
		Store:    p.store.Name(),
		Key:      key,
		Hash:     hash,
		Size:     int64(len(data)),
		Location: p.store.Locate(key),
	}
	p.remember(hash, data)

	if err := p.acquire(ctx); err != nil {
		return Reference{}, err
	}
	defer p.release()

	meta, err := p.store.Head(ctx, key)
	switch {
	case err == nil:
		if err := checkMeta(key, hash, meta); err != nil {
			return Reference{}, err
		}
		tflog.Debug(ctx, "artifact already published", map[string]interface{}{
			"key":   key,
			"store": ref.Store,
		})
		return ref, nil
	case !errors.Is(err, store.ErrNotFound):
		return Reference{}, fmt.Errorf("artifact: head %q: %w", key, err)
	}

	err = p.store.PutIfAbsent(ctx, key, bytes.NewReader(data), store.PutOptions{
		ContentType: bundle.ContentTypeForFile(key),
		Metadata:    map[string]string{metaHashKey: bundle.HexDigest(hash)},
	})
	if err != nil && !errors.Is(err, store.ErrExists) {
		return Reference{}, fmt.Errorf("artifact: upload %q: %w", key, err)
	}

	tflog.Info(ctx, "published artifact", map[string]interface{}{
		"key":   key,
		"store": ref.Store,
		"size":  ref.Size,
	})
	return ref, nil
}

// Open returns the archive bytes for ref and verifies them against its hash.
func (p *Packager) Open(ctx context.Context, ref Reference) ([]byte, error) {
	if data, ok := p.cached(ref.Hash); ok {
		return data, nil
	}

	if err := p.acquire(ctx); err != nil {
		return nil, err
	}
	data, _, err := store.ReadAll(ctx, p.store, ref.Key)
	p.release()
	if err != nil {
		return nil, fmt.Errorf("artifact: read %q: %w", ref.Key, err)
	}

	if got := bundle.HashBytes(data); got != ref.Hash {
		return nil, fmt.Errorf("artifact: %q content hash %s does not match reference %s", ref.Key, got, ref.Hash)
	}
	p.remember(ref.Hash, data)
	return data, nil
}

// ReadFile returns one file from inside the archive.
func (p *Packager) ReadFile(ctx context.Context, ref Reference, name string) ([]byte, error) {
	data, err := p.Open(ctx, ref)
	if err != nil {
		return nil, err
	}
	return bundle.ExtractFile(data, name)
}

// ReadDir returns the files under dir inside the archive, keyed by their
// path relative to dir, plus the sorted key list.
func (p *Packager) ReadDir(ctx context.Context, ref Reference, dir string) (map[string][]byte, []string, error) {
	data, err := p.Open(ctx, ref)
	if err != nil {
		return nil, nil, err
	}
	return bundle.ExtractDir(data, dir)
}

func (p *Packager) acquire(ctx context.Context) error {
	if p.sem == nil {
		return nil
	}
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("artifact: acquire slot: %w", err)
	}
	return nil
}

func (p *Packager) release() {
	if p.sem != nil {
		p.sem.Release(1)
	}
}

func (p *Packager) remember(hash string, data []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cache[hash] = data
}

func (p *Packager) cached(hash string) ([]byte, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	data, ok := p.cache[hash]
	return data, ok
}

// checkMeta guards against a foreign object squatting on a content address.
func checkMeta(key, hash string, meta store.ObjectMeta) error {
	recorded, ok := meta.Metadata[metaHashKey]
	if !ok || recorded == bundle.HexDigest(hash) {
		return nil
	}
	return fmt.Errorf("artifact: %q is recorded with hash %s, expected %s", key, recorded, bundle.HexDigest(hash))
}
