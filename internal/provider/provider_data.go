package provider

import "github.com/agentctx/terraform-provider-voiceskill/internal/providerdata"

// ProviderData is the providerdata type under its short name.
type ProviderData = providerdata.ProviderData

// ArtifactStoreModel is the providerdata block model under its short name.
type ArtifactStoreModel = providerdata.ArtifactStoreModel
