// Package providerdata holds the state the provider hands to its resources.
// It lives apart from the provider package so resource packages can import
// it without a cycle.
package providerdata

import (
	"github.com/hashicorp/terraform-plugin-framework/types"
	"golang.org/x/sync/semaphore"

	"github.com/agentctx/terraform-provider-voiceskill/internal/artifact"
	"github.com/agentctx/terraform-provider-voiceskill/internal/pipeline"
	"github.com/agentctx/terraform-provider-voiceskill/internal/store"
)

// ProviderData is built in Configure and passed to resources through
// resp.ResourceData.
type ProviderData struct {
	Pipeline *pipeline.Pipeline
	// Artifacts is the store skill packages and function code are
	// published to.
	Artifacts store.Store
	// Packages hashes local sources at plan time.
	Packages *artifact.Packager
	// DestroyRemote deletes the registered skill on destroy.
	DestroyRemote bool
	Semaphore     *semaphore.Weighted
}

// ArtifactStoreModel maps the artifact_store {} block.
type ArtifactStoreModel struct {
	Name            types.String `tfsdk:"name"`
	Type            types.String `tfsdk:"type"`
	Bucket          types.String `tfsdk:"bucket"`
	Region          types.String `tfsdk:"region"`
	Prefix          types.String `tfsdk:"prefix"`
	KMSKeyID        types.String `tfsdk:"kms_key_id"`
	StorageAccount  types.String `tfsdk:"storage_account"`
	ContainerName   types.String `tfsdk:"container_name"`
	EncryptionScope types.String `tfsdk:"encryption_scope"`
	KMSKeyName      types.String `tfsdk:"kms_key_name"`
	MaxRetries      types.Int64  `tfsdk:"max_retries"`
	RetryBackoff    types.String `tfsdk:"retry_backoff"`
	Exclude         types.List   `tfsdk:"exclude"`
}
