package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blockblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/container"
)

// azureStore implements Store for Azure Blob Storage.
type azureStore struct {
	client          *azblob.Client
	containerName   string
	prefix          string
	encryptionScope string
	name            string
}

func newAzureStore(cfg Config) (Store, error) {
	cred, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		return nil, fmt.Errorf("creating Azure credential: %w", err)
	}

	serviceURL := fmt.Sprintf("https://%s.blob.core.windows.net", cfg.StorageAccount)
	client, err := azblob.NewClient(serviceURL, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("creating Azure blob client: %w", err)
	}

	return &azureStore{
		client:          client,
		containerName:   cfg.ContainerName,
		prefix:          normalizePrefix(cfg.Prefix),
		encryptionScope: cfg.EncryptionScope,
		name:            cfg.Name,
	}, nil
}

func (s *azureStore) Name() string { return s.name }

func (s *azureStore) fullKey(key string) string { return s.prefix + key }

func (s *azureStore) Locate(key string) Location {
	return Location{Scheme: "azblob", Bucket: s.containerName, Key: s.fullKey(key)}
}

func (s *azureStore) uploadOptions(opts PutOptions) *blockblob.UploadStreamOptions {
	uploadOpts := &blockblob.UploadStreamOptions{}
	if opts.ContentType != "" {
		ct := opts.ContentType
		uploadOpts.HTTPHeaders = &blob.HTTPHeaders{BlobContentType: &ct}
	}
	if len(opts.Metadata) > 0 {
		m := make(map[string]*string, len(opts.Metadata))
		for k, v := range opts.Metadata {
			v := v
			m[k] = &v
		}
		uploadOpts.Metadata = m
	}
	if s.encryptionScope != "" {
		scope := s.encryptionScope
		uploadOpts.CPKScopeInfo = &blob.CPKScopeInfo{EncryptionScope: &scope}
	}
	return uploadOpts
}

func (s *azureStore) Put(ctx context.Context, key string, body io.Reader, opts PutOptions) error {
	_, err := s.client.UploadStream(ctx, s.containerName, s.fullKey(key), body, s.uploadOptions(opts))
	if err != nil {
		return fmt.Errorf("azure UploadStream %q: %w", key, err)
	}
	return nil
}

func (s *azureStore) PutIfAbsent(ctx context.Context, key string, body io.Reader, opts PutOptions) error {
	uploadOpts := s.uploadOptions(opts)
	etagAny := azcore.ETagAny
	uploadOpts.AccessConditions = &blob.AccessConditions{
		ModifiedAccessConditions: &blob.ModifiedAccessConditions{IfNoneMatch: &etagAny},
	}

	_, err := s.client.UploadStream(ctx, s.containerName, s.fullKey(key), body, uploadOpts)
	if err != nil {
		if isAzureExists(err) {
			return ErrExists
		}
		return fmt.Errorf("azure UploadStream (create-only) %q: %w", key, err)
	}
	return nil
}

func (s *azureStore) Get(ctx context.Context, key string) (io.ReadCloser, ObjectMeta, error) {
	resp, err := s.client.DownloadStream(ctx, s.containerName, s.fullKey(key), nil)
	if err != nil {
		if isAzureNotFound(err) {
			return nil, ObjectMeta{}, ErrNotFound
		}
		return nil, ObjectMeta{}, fmt.Errorf("azure DownloadStream %q: %w", key, err)
	}

	meta := ObjectMeta{Metadata: azureMetadata(resp.Metadata)}
	if resp.ETag != nil {
		meta.ETag = string(*resp.ETag)
	}
	if resp.ContentLength != nil {
		meta.Size = *resp.ContentLength
	}
	return resp.Body, meta, nil
}

func (s *azureStore) Head(ctx context.Context, key string) (ObjectMeta, error) {
	blobClient := s.client.ServiceClient().NewContainerClient(s.containerName).NewBlobClient(s.fullKey(key))
	props, err := blobClient.GetProperties(ctx, nil)
	if err != nil {
		if isAzureNotFound(err) {
			return ObjectMeta{}, ErrNotFound
		}
		return ObjectMeta{}, fmt.Errorf("azure GetProperties %q: %w", key, err)
	}

	meta := ObjectMeta{Metadata: azureMetadata(props.Metadata)}
	if props.ETag != nil {
		meta.ETag = string(*props.ETag)
	}
	if props.ContentLength != nil {
		meta.Size = *props.ContentLength
	}
	return meta, nil
}

func (s *azureStore) Delete(ctx context.Context, key string) error {
	if _, err := s.client.DeleteBlob(ctx, s.containerName, s.fullKey(key), nil); err != nil {
		if isAzureNotFound(err) {
			return nil
		}
		return fmt.Errorf("azure DeleteBlob %q: %w", key, err)
	}
	return nil
}

func (s *azureStore) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	fullPrefix := s.fullKey(prefix)
	var results []ObjectInfo

	pager := s.client.NewListBlobsFlatPager(s.containerName, &container.ListBlobsFlatOptions{
		Prefix: &fullPrefix,
	})
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("azure ListBlobsFlat prefix %q: %w", prefix, err)
		}
		for _, item := range page.Segment.BlobItems {
			if item.Name == nil {
				continue
			}
			info := ObjectInfo{Key: strings.TrimPrefix(*item.Name, s.prefix)}
			if item.Properties != nil {
				if item.Properties.ContentLength != nil {
					info.Size = *item.Properties.ContentLength
				}
				if item.Properties.ETag != nil {
					info.ETag = string(*item.Properties.ETag)
				}
			}
			results = append(results, info)
		}
	}
	return results, nil
}

// azureMetadata lower-cases keys; the service returns them with the casing
// the HTTP stack chose.
func azureMetadata(in map[string]*string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		if v != nil {
			out[strings.ToLower(k)] = *v
		}
	}
	return out
}

func isAzureNotFound(err error) bool {
	return bloberror.HasCode(err, bloberror.BlobNotFound, bloberror.ContainerNotFound)
}

func isAzureExists(err error) bool {
	if bloberror.HasCode(err, bloberror.BlobAlreadyExists, bloberror.ConditionNotMet) {
		return true
	}
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		return respErr.StatusCode == http.StatusConflict || respErr.StatusCode == http.StatusPreconditionFailed
	}
	return false
}
