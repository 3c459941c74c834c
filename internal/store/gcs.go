package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	gcsstorage "cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
)

// gcsStore implements Store for Google Cloud Storage using Application
// Default Credentials.
type gcsStore struct {
	client     *gcsstorage.Client
	bucket     string
	prefix     string
	kmsKeyName string
	name       string
}

func newGCSStore(cfg Config) (Store, error) {
	client, err := gcsstorage.NewClient(context.Background())
	if err != nil {
		return nil, fmt.Errorf("creating GCS client: %w", err)
	}

	return &gcsStore{
		client:     client,
		bucket:     cfg.Bucket,
		prefix:     normalizePrefix(cfg.Prefix),
		kmsKeyName: cfg.KMSKeyName,
		name:       cfg.Name,
	}, nil
}

func (s *gcsStore) Name() string { return s.name }

func (s *gcsStore) fullKey(key string) string { return s.prefix + key }

func (s *gcsStore) Locate(key string) Location {
	return Location{Scheme: "gs", Bucket: s.bucket, Key: s.fullKey(key)}
}

func (s *gcsStore) obj(key string) *gcsstorage.ObjectHandle {
	return s.client.Bucket(s.bucket).Object(s.fullKey(key))
}

func (s *gcsStore) write(ctx context.Context, o *gcsstorage.ObjectHandle, key string, body io.Reader, opts PutOptions) error {
	w := o.NewWriter(ctx)
	if opts.ContentType != "" {
		w.ContentType = opts.ContentType
	}
	if len(opts.Metadata) > 0 {
		w.Metadata = opts.Metadata
	}
	if s.kmsKeyName != "" {
		w.KMSKeyName = s.kmsKeyName
	}

	if _, err := io.Copy(w, body); err != nil {
		w.Close()
		return fmt.Errorf("gcs write %q: %w", key, err)
	}
	return w.Close()
}

func (s *gcsStore) Put(ctx context.Context, key string, body io.Reader, opts PutOptions) error {
	if err := s.write(ctx, s.obj(key), key, body, opts); err != nil {
		return fmt.Errorf("gcs put %q: %w", key, err)
	}
	return nil
}

func (s *gcsStore) PutIfAbsent(ctx context.Context, key string, body io.Reader, opts PutOptions) error {
	o := s.obj(key).If(gcsstorage.Conditions{DoesNotExist: true})
	if err := s.write(ctx, o, key, body, opts); err != nil {
		if isGCSPreconditionFailed(err) {
			return ErrExists
		}
		return fmt.Errorf("gcs put (create-only) %q: %w", key, err)
	}
	return nil
}

func (s *gcsStore) Get(ctx context.Context, key string) (io.ReadCloser, ObjectMeta, error) {
	o := s.obj(key)

	attrs, err := o.Attrs(ctx)
	if err != nil {
		if errors.Is(err, gcsstorage.ErrObjectNotExist) {
			return nil, ObjectMeta{}, ErrNotFound
		}
		return nil, ObjectMeta{}, fmt.Errorf("gcs Attrs %q: %w", key, err)
	}

	// Pin the read to the generation we just described.
	reader, err := o.Generation(attrs.Generation).NewReader(ctx)
	if err != nil {
		if errors.Is(err, gcsstorage.ErrObjectNotExist) {
			return nil, ObjectMeta{}, ErrNotFound
		}
		return nil, ObjectMeta{}, fmt.Errorf("gcs NewReader %q: %w", key, err)
	}

	return reader, gcsMeta(attrs), nil
}

func (s *gcsStore) Head(ctx context.Context, key string) (ObjectMeta, error) {
	attrs, err := s.obj(key).Attrs(ctx)
	if err != nil {
		if errors.Is(err, gcsstorage.ErrObjectNotExist) {
			return ObjectMeta{}, ErrNotFound
		}
		return ObjectMeta{}, fmt.Errorf("gcs Attrs %q: %w", key, err)
	}
	return gcsMeta(attrs), nil
}

func (s *gcsStore) Delete(ctx context.Context, key string) error {
	if err := s.obj(key).Delete(ctx); err != nil {
		if errors.Is(err, gcsstorage.ErrObjectNotExist) {
			return nil
		}
		return fmt.Errorf("gcs Delete %q: %w", key, err)
	}
	return nil
}

func (s *gcsStore) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	it := s.client.Bucket(s.bucket).Objects(ctx, &gcsstorage.Query{Prefix: s.fullKey(prefix)})

	var results []ObjectInfo
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("gcs List prefix %q: %w", prefix, err)
		}
		results = append(results, ObjectInfo{
			Key:  strings.TrimPrefix(attrs.Name, s.prefix),
			Size: attrs.Size,
			ETag: attrs.Etag,
		})
	}
	return results, nil
}

func gcsMeta(attrs *gcsstorage.ObjectAttrs) ObjectMeta {
	return ObjectMeta{ETag: attrs.Etag, Size: attrs.Size, Metadata: attrs.Metadata}
}

func isGCSPreconditionFailed(err error) bool {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return gerr.Code == http.StatusPreconditionFailed
	}
	return strings.Contains(err.Error(), "conditionNotMet")
}
