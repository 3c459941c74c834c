package provider

import (
	"context"
	"fmt"

	"github.com/hashicorp/terraform-plugin-framework-validators/float64validator"
	"github.com/hashicorp/terraform-plugin-framework-validators/int64validator"
	"github.com/hashicorp/terraform-plugin-framework-validators/listvalidator"
	"github.com/hashicorp/terraform-plugin-framework-validators/stringvalidator"
	"github.com/hashicorp/terraform-plugin-framework/datasource"
	"github.com/hashicorp/terraform-plugin-framework/provider"
	"github.com/hashicorp/terraform-plugin-framework/provider/schema"
	"github.com/hashicorp/terraform-plugin-framework/resource"
	"github.com/hashicorp/terraform-plugin-framework/schema/validator"
	"github.com/hashicorp/terraform-plugin-framework/types"
	"github.com/hashicorp/terraform-plugin-log/tflog"
	"golang.org/x/sync/semaphore"

	"github.com/agentctx/terraform-provider-voiceskill/internal/artifact"
	"github.com/agentctx/terraform-provider-voiceskill/internal/cloud"
	"github.com/agentctx/terraform-provider-voiceskill/internal/compute"
	"github.com/agentctx/terraform-provider-voiceskill/internal/identity"
	"github.com/agentctx/terraform-provider-voiceskill/internal/pipeline"
	"github.com/agentctx/terraform-provider-voiceskill/internal/registrar"
	deploymentresource "github.com/agentctx/terraform-provider-voiceskill/internal/resource/deployment"
	"github.com/agentctx/terraform-provider-voiceskill/internal/skillapi"
	"github.com/agentctx/terraform-provider-voiceskill/internal/store"
)

// Ensure VoiceSkillProvider satisfies the provider.Provider interface.
var _ provider.Provider = &VoiceSkillProvider{}

// VoiceSkillProvider implements the voiceskill Terraform provider.
type VoiceSkillProvider struct {
	// version is set to the provider version on release, "dev" when the
	// provider is built and run locally.
	version string
}

// New returns a factory for VoiceSkillProvider. main.go serves it.
func New(version string) func() provider.Provider {
	return func() provider.Provider {
		return &VoiceSkillProvider{
			version: version,
		}
	}
}

// Metadata returns the provider type name.
func (p *VoiceSkillProvider) Metadata(_ context.Context, _ provider.MetadataRequest, resp *provider.MetadataResponse) {
	resp.TypeName = "voiceskill"
	resp.Version = p.version
}

// Schema returns the provider schema.
func (p *VoiceSkillProvider) Schema(_ context.Context, _ provider.SchemaRequest, resp *provider.SchemaResponse) {
	resp.Schema = schema.Schema{
		MarkdownDescription: "The voiceskill provider deploys voice-assistant skills: the backend function, its execution role and invoke permission, and the skill registration that points at it.",
		Attributes: map[string]schema.Attribute{
			"region": schema.StringAttribute{
				MarkdownDescription: "Region for the secret store, functions and roles. Falls back to the default AWS configuration chain.",
				Optional:            true,
			},
			"max_concurrency": schema.Int64Attribute{
				MarkdownDescription: "Maximum number of concurrent artifact uploads. Defaults to `8`.",
				Optional:            true,
				Validators:          []validator.Int64{int64validator.AtLeast(1)},
			},
		},
		Blocks: map[string]schema.Block{
			"artifact_store": schema.ListNestedBlock{
				MarkdownDescription: "Storage for packaged skills and function code. Exactly one block must be configured.",
				Validators:          []validator.List{listvalidator.SizeBetween(1, 1)},
				NestedObject: schema.NestedBlockObject{
					Attributes: map[string]schema.Attribute{
						"name": schema.StringAttribute{
							MarkdownDescription: "Name of the store, used in logs and as the memory store key.",
							Required:            true,
						},
						"type": schema.StringAttribute{
							MarkdownDescription: "Storage backend type. Supported values are `\"s3\"`, `\"azure\"`, `\"gcs\"` and `\"memory\"`.",
							Required:            true,
							Validators:          []validator.String{stringvalidator.OneOf("s3", "azure", "gcs", "memory")},
						},
						"bucket": schema.StringAttribute{
							MarkdownDescription: "S3 or GCS bucket name.",
							Optional:            true,
						},
						"region": schema.StringAttribute{
							MarkdownDescription: "AWS region of the S3 bucket.",
							Optional:            true,
						},
						"prefix": schema.StringAttribute{
							MarkdownDescription: "Key prefix prepended to every artifact key.",
							Optional:            true,
						},
						"kms_key_id": schema.StringAttribute{
							MarkdownDescription: "AWS KMS key ID or ARN for S3 server-side encryption.",
							Optional:            true,
						},
						"storage_account": schema.StringAttribute{
							MarkdownDescription: "Azure Storage account name.",
							Optional:            true,
						},
						"container_name": schema.StringAttribute{
							MarkdownDescription: "Azure Blob Storage container name.",
							Optional:            true,
						},
						"encryption_scope": schema.StringAttribute{
							MarkdownDescription: "Azure encryption scope applied to written blobs.",
							Optional:            true,
						},
						"kms_key_name": schema.StringAttribute{
							MarkdownDescription: "GCS Cloud KMS key resource name.",
							Optional:            true,
						},
						"max_retries": schema.Int64Attribute{
							MarkdownDescription: "Retries for transient store failures. Defaults to `3`.",
							Optional:            true,
							Validators:          []validator.Int64{int64validator.AtLeast(0)},
						},
						"retry_backoff": schema.StringAttribute{
							MarkdownDescription: "Retry backoff strategy, `\"exponential\"` or `\"linear\"`. Defaults to `\"exponential\"`.",
							Optional:            true,
							Validators:          []validator.String{stringvalidator.OneOf("exponential", "linear")},
						},
						"exclude": schema.ListAttribute{
							MarkdownDescription: "Extra gitignore-style patterns left out of every packaged directory. Secrets such as `.env` files are always excluded.",
							ElementType:         types.StringType,
							Optional:            true,
						},
					},
				},
			},
			"cloud": schema.ListNestedBlock{
				MarkdownDescription: "Cloud account the functions, roles and secrets live in. At most one block may be specified.",
				Validators:          []validator.List{listvalidator.SizeAtMost(1)},
				NestedObject: schema.NestedBlockObject{
					Attributes: map[string]schema.Attribute{
						"type": schema.StringAttribute{
							MarkdownDescription: "`\"aws\"` (default) or `\"memory\"`. The memory cloud keeps everything in process and exists for tests.",
							Required:            true,
							Validators:          []validator.String{stringvalidator.OneOf(cloud.TypeAWS, cloud.TypeMemory)},
						},
					},
				},
			},
			"skill_platform": schema.ListNestedBlock{
				MarkdownDescription: "Skill management API settings. At most one block may be specified.",
				Validators:          []validator.List{listvalidator.SizeAtMost(1)},
				NestedObject: schema.NestedBlockObject{
					Attributes: map[string]schema.Attribute{
						"base_url": schema.StringAttribute{
							MarkdownDescription: "Override the skill management API base URL.",
							Optional:            true,
						},
						"token_url": schema.StringAttribute{
							MarkdownDescription: "Override the OAuth token endpoint used to exchange the refresh token.",
							Optional:            true,
						},
						"timeout_seconds": schema.Int64Attribute{
							MarkdownDescription: "Timeout in seconds for individual API requests. Defaults to `60`.",
							Optional:            true,
							Validators:          []validator.Int64{int64validator.AtLeast(1)},
						},
						"requests_per_second": schema.Float64Attribute{
							MarkdownDescription: "Client-side request rate limit. Defaults to `5`.",
							Optional:            true,
							Validators:          []validator.Float64{float64validator.AtLeast(0.1)},
						},
						"max_retries": schema.Int64Attribute{
							MarkdownDescription: "Retries for throttled or failed API requests. Defaults to `3`.",
							Optional:            true,
							Validators:          []validator.Int64{int64validator.AtLeast(0)},
						},
						"destroy_remote": schema.BoolAttribute{
							MarkdownDescription: "Delete the registered skill when a deployment is destroyed. Defaults to `false`.",
							Optional:            true,
						},
					},
				},
			},
		},
	}
}

// Configure builds the artifact store, the cloud clients and the skill
// platform connector, and wires them into one deployment pipeline shared by
// every resource.
func (p *VoiceSkillProvider) Configure(ctx context.Context, req provider.ConfigureRequest, resp *provider.ConfigureResponse) {
	var config ProviderModel
	resp.Diagnostics.Append(req.Config.Get(ctx, &config)...)
	if resp.Diagnostics.HasError() {
		return
	}

	// ----------------------------------------------------------------
	// Resolve top-level defaults
	// ----------------------------------------------------------------
	maxConcurrency := int64(8)
	if !config.MaxConcurrency.IsNull() && !config.MaxConcurrency.IsUnknown() {
		maxConcurrency = config.MaxConcurrency.ValueInt64()
	}
	region := config.Region.ValueString()

	// ----------------------------------------------------------------
	// Artifact store
	// ----------------------------------------------------------------
	if len(config.ArtifactStore) != 1 {
		resp.Diagnostics.AddError(
			"Missing Artifact Store Configuration",
			"Exactly one artifact_store block must be configured in the provider.",
		)
		return
	}
	sc := config.ArtifactStore[0]

	maxRetries := int64(3)
	if !sc.MaxRetries.IsNull() && !sc.MaxRetries.IsUnknown() {
		maxRetries = sc.MaxRetries.ValueInt64()
	}
	retryBackoff := "exponential"
	if !sc.RetryBackoff.IsNull() && !sc.RetryBackoff.IsUnknown() {
		retryBackoff = sc.RetryBackoff.ValueString()
	}

	artifacts, err := store.New(store.Config{
		Name:            sc.Name.ValueString(),
		Type:            sc.Type.ValueString(),
		Bucket:          sc.Bucket.ValueString(),
		Region:          sc.Region.ValueString(),
		Prefix:          sc.Prefix.ValueString(),
		KMSKeyID:        sc.KMSKeyID.ValueString(),
		StorageAccount:  sc.StorageAccount.ValueString(),
		ContainerName:   sc.ContainerName.ValueString(),
		EncryptionScope: sc.EncryptionScope.ValueString(),
		KMSKeyName:      sc.KMSKeyName.ValueString(),
		MaxRetries:      int(maxRetries),
		RetryBackoff:    retryBackoff,
	})
	if err != nil {
		resp.Diagnostics.AddError(
			"Artifact Store Initialization Failed",
			fmt.Sprintf("Failed to create artifact store %q: %s", sc.Name.ValueString(), err),
		)
		return
	}

	// ----------------------------------------------------------------
	// Cloud clients
	// ----------------------------------------------------------------
	cloudType := cloud.TypeAWS
	if len(config.Cloud) == 1 && !config.Cloud[0].Type.IsNull() && !config.Cloud[0].Type.IsUnknown() {
		cloudType = config.Cloud[0].Type.ValueString()
	}

	clients, err := cloud.New(ctx, cloud.Config{Type: cloudType, Region: region})
	if err != nil {
		resp.Diagnostics.AddError(
			"Cloud Initialization Failed",
			fmt.Sprintf("Failed to configure %s cloud clients: %s", cloudType, err),
		)
		return
	}

	// ----------------------------------------------------------------
	// Skill platform
	// ----------------------------------------------------------------
	platform := skillapi.Config{MaxRetries: -1}
	if len(config.SkillPlatform) == 1 {
		sp := config.SkillPlatform[0]
		if !sp.BaseURL.IsNull() && !sp.BaseURL.IsUnknown() {
			platform.BaseURL = sp.BaseURL.ValueString()
		}
		if !sp.TokenURL.IsNull() && !sp.TokenURL.IsUnknown() {
			platform.TokenURL = sp.TokenURL.ValueString()
		}
		if !sp.TimeoutSeconds.IsNull() && !sp.TimeoutSeconds.IsUnknown() {
			platform.TimeoutSeconds = int(sp.TimeoutSeconds.ValueInt64())
		}
		if !sp.RequestsPerSecond.IsNull() && !sp.RequestsPerSecond.IsUnknown() {
			platform.RequestsPerSecond = sp.RequestsPerSecond.ValueFloat64()
		}
		if !sp.MaxRetries.IsNull() && !sp.MaxRetries.IsUnknown() {
			platform.MaxRetries = int(sp.MaxRetries.ValueInt64())
		}
		if !sp.DestroyRemote.IsNull() && !sp.DestroyRemote.IsUnknown() {
			platform.DestroyRemote = sp.DestroyRemote.ValueBool()
		}
	}

	// ----------------------------------------------------------------
	// Build the pipeline and share it with resources
	// ----------------------------------------------------------------
	var excludes []string
	if !sc.Exclude.IsNull() && !sc.Exclude.IsUnknown() {
		resp.Diagnostics.Append(sc.Exclude.ElementsAs(ctx, &excludes, false)...)
		if resp.Diagnostics.HasError() {
			return
		}
	}

	sem := semaphore.NewWeighted(maxConcurrency)
	packages := artifact.New(artifacts, sem, artifact.WithExcludes(excludes))

	pd := &ProviderData{
		Pipeline: pipeline.New(pipeline.Components{
			Secrets:   clients.Secrets,
			Packages:  packages,
			Roles:     identity.NewProvisioner(clients.IAM),
			Functions: compute.NewPlatform(clients.Lambda),
			Registrar: registrar.New(registrar.ClientConnector(platform), packages),
		}),
		Artifacts:     artifacts,
		Packages:      packages,
		DestroyRemote: platform.DestroyRemote,
		Semaphore:     sem,
	}

	tflog.Debug(ctx, "provider configured", map[string]interface{}{
		"artifact_store":  artifacts.Name(),
		"cloud":           clients.Type,
		"region":          clients.Region,
		"max_concurrency": maxConcurrency,
	})

	resp.DataSourceData = pd
	resp.ResourceData = pd
}

// Resources returns the set of resource types supported by this provider.
func (p *VoiceSkillProvider) Resources(_ context.Context) []func() resource.Resource {
	return []func() resource.Resource{
		deploymentresource.NewDeploymentResource,
	}
}

// DataSources returns the set of data source types supported by this provider.
func (p *VoiceSkillProvider) DataSources(_ context.Context) []func() datasource.DataSource {
	return []func() datasource.DataSource{}
}
