// Package store is the artifact store abstraction. Objects are addressed by
// key under an optional prefix; artifacts are written create-only so a given
// key holds exactly one immutable body for its lifetime.
package store

import (
	"context"
	"errors"
	"io"
)

// Sentinel errors for store operations.
var (
	ErrNotFound = errors.New("object not found")
	ErrExists   = errors.New("object already exists")
)

// PutOptions controls optional behavior for Put and PutIfAbsent.
type PutOptions struct {
	ContentType string
	Metadata    map[string]string
}

// ObjectMeta is returned from Get and Head.
type ObjectMeta struct {
	ETag     string
	Size     int64
	Metadata map[string]string
}

// ObjectInfo is a single entry returned from List.
type ObjectInfo struct {
	Key  string
	Size int64
	ETag string
}

// Location is the backend-native address of an object. Consumers that can
// read directly from the backend (for example a function platform pulling
// code from a bucket) use it instead of streaming bytes.
type Location struct {
	Scheme string // "s3", "gs", "azblob", "memory"
	Bucket string
	Key    string
}

// String renders the location as a URI.
func (l Location) String() string {
	return l.Scheme + "://" + l.Bucket + "/" + l.Key
}

// Store is implemented by the S3, GCS, Azure Blob and memory backends.
type Store interface {
	// Put writes an object unconditionally.
	Put(ctx context.Context, key string, body io.Reader, opts PutOptions) error
	// PutIfAbsent writes an object only when key does not exist yet.
	// Returns ErrExists when it does.
	PutIfAbsent(ctx context.Context, key string, body io.Reader, opts PutOptions) error
	// Get retrieves an object. Returns ErrNotFound if the key does not exist.
	Get(ctx context.Context, key string) (io.ReadCloser, ObjectMeta, error)
	// Head retrieves object metadata without the body.
	Head(ctx context.Context, key string) (ObjectMeta, error)
	// Delete removes an object. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
	// List returns all objects under the given prefix, sorted by key.
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)
	// Locate returns the backend-native address of key.
	Locate(key string) Location
	// Name returns the store name for logging.
	Name() string
}

// Config holds the configuration used by New to construct a Store.
type Config struct {
	Name            string
	Type            string // "s3", "azure", "gcs", "memory"
	Bucket          string
	Region          string
	Prefix          string
	StorageAccount  string
	ContainerName   string
	KMSKeyID        string
	KMSKeyName      string
	EncryptionScope string
	MaxRetries      int
	RetryBackoff    string // "exponential" | "linear"
}

// ReadAll fetches key and returns its full body.
func ReadAll(ctx context.Context, s Store, key string) ([]byte, ObjectMeta, error) {
	rc, meta, err := s.Get(ctx, key)
	if err != nil {
		return nil, ObjectMeta{}, err
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, ObjectMeta{}, err
	}
	return data, meta, nil
}

func normalizePrefix(prefix string) string {
	if prefix != "" && prefix[len(prefix)-1] != '/' {
		prefix += "/"
	}
	return prefix
}
