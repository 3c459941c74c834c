package provider

import "github.com/hashicorp/terraform-plugin-framework/types"

// ProviderModel maps the provider schema to a Go struct.
type ProviderModel struct {
	Region         types.String         `tfsdk:"region"`
	MaxConcurrency types.Int64          `tfsdk:"max_concurrency"`
	ArtifactStore  []ArtifactStoreModel `tfsdk:"artifact_store"`
	Cloud          []CloudModel         `tfsdk:"cloud"`
	SkillPlatform  []SkillPlatformModel `tfsdk:"skill_platform"`
}

// CloudModel maps the cloud {} block.
type CloudModel struct {
	Type types.String `tfsdk:"type"`
}

// SkillPlatformModel maps the skill_platform {} block.
type SkillPlatformModel struct {
	BaseURL           types.String  `tfsdk:"base_url"`
	TokenURL          types.String  `tfsdk:"token_url"`
	TimeoutSeconds    types.Int64   `tfsdk:"timeout_seconds"`
	RequestsPerSecond types.Float64 `tfsdk:"requests_per_second"`
	MaxRetries        types.Int64   `tfsdk:"max_retries"`
	DestroyRemote     types.Bool    `tfsdk:"destroy_remote"`
}
