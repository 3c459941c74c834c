package deployment

import (
	"context"

	"github.com/hashicorp/terraform-plugin-framework/diag"
	"github.com/hashicorp/terraform-plugin-framework/path"
	"github.com/hashicorp/terraform-plugin-framework/types"

	"github.com/agentctx/terraform-provider-voiceskill/internal/compute"
	"github.com/agentctx/terraform-provider-voiceskill/internal/manifest"
	"github.com/agentctx/terraform-provider-voiceskill/internal/pipeline"
	"github.com/agentctx/terraform-provider-voiceskill/internal/secret"
)

// DeploymentResourceModel maps the voiceskill_deployment resource schema to
// a Go struct.
type DeploymentResourceModel struct {
	// Config
	Name              types.String             `tfsdk:"name"`
	Mode              types.String             `tfsdk:"mode"` // default remote-secrets-full-manifest
	SkillPackageDir   types.String             `tfsdk:"skill_package_dir"`
	FunctionSourceDir types.String             `tfsdk:"function_source_dir"`
	FunctionHandler   types.String             `tfsdk:"function_handler"`
	FunctionRuntime   types.String             `tfsdk:"function_runtime"` // default python3.11
	LayerArchive      types.String             `tfsdk:"layer_archive"`
	TimeoutSeconds    types.Int64              `tfsdk:"timeout_seconds"` // default 30
	MemoryMB          types.Int64              `tfsdk:"memory_mb"`       // default 128
	Environment       types.Map                `tfsdk:"environment"`     // optional map of strings
	SkillType         types.String             `tfsdk:"skill_type"`      // default custom
	SkillStage        types.String             `tfsdk:"skill_stage"`     // default development
	SecretID          types.String             `tfsdk:"secret_id"`
	OverridesFile     types.String             `tfsdk:"overrides_file"`
	Tags              types.Map                `tfsdk:"tags"`               // optional map of strings
	SecretFields      []SecretFieldsModel      `tfsdk:"secret_fields"`      // optional block, max 1
	StaticCredentials []StaticCredentialsModel `tfsdk:"static_credentials"` // optional block, max 1
	Overrides         []OverridesModel         `tfsdk:"overrides"`          // optional block, max 1

	// Computed
	ID                    types.String `tfsdk:"id"`
	RunID                 types.String `tfsdk:"run_id"`
	SkillID               types.String `tfsdk:"skill_id"`
	SkillStatus           types.String `tfsdk:"skill_status"`
	FunctionARN           types.String `tfsdk:"function_arn"`
	RoleARN               types.String `tfsdk:"role_arn"`
	LayerARN              types.String `tfsdk:"layer_arn"`
	PermissionStatementID types.String `tfsdk:"permission_statement_id"`
	PackageHash           types.String `tfsdk:"package_hash"`
	FunctionPackageHash   types.String `tfsdk:"function_package_hash"`
	LayerHash             types.String `tfsdk:"layer_hash"`
	FunctionCodeHash      types.String `tfsdk:"function_code_hash"`
	ManifestHash          types.String `tfsdk:"manifest_hash"`
	EndpointURI           types.String `tfsdk:"endpoint_uri"`
	LastRunReport         types.String `tfsdk:"last_run_report"`
}

// SecretFieldsModel maps the secret_fields {} block: the field names the
// credential secret uses.
type SecretFieldsModel struct {
	VendorID     types.String `tfsdk:"vendor_id"`
	ClientID     types.String `tfsdk:"client_id"`
	ClientSecret types.String `tfsdk:"client_secret"`
	RefreshToken types.String `tfsdk:"refresh_token"`
}

// StaticCredentialsModel maps the static_credentials {} block.
type StaticCredentialsModel struct {
	VendorID     types.String `tfsdk:"vendor_id"`
	ClientID     types.String `tfsdk:"client_id"`
	ClientSecret types.String `tfsdk:"client_secret"`
	RefreshToken types.String `tfsdk:"refresh_token"`
}

// OverridesModel maps the overrides {} block.
type OverridesModel struct {
	API      types.String   `tfsdk:"api"`
	Category types.String   `tfsdk:"category"`
	Locales  []LocaleModel  `tfsdk:"locale"`
	Privacy  []PrivacyModel `tfsdk:"privacy"` // max 1
}

// LocaleModel maps one locale {} block inside overrides.
type LocaleModel struct {
	Locale         types.String `tfsdk:"locale"`
	Name           types.String `tfsdk:"name"`
	Summary        types.String `tfsdk:"summary"`
	Description    types.String `tfsdk:"description"`
	ExamplePhrases types.List   `tfsdk:"example_phrases"` // list of strings
	Keywords       types.List   `tfsdk:"keywords"`        // list of strings
}

// PrivacyModel maps the privacy {} block inside overrides.
type PrivacyModel struct {
	AllowsPurchases   types.Bool `tfsdk:"allows_purchases"`
	UsesPersonalInfo  types.Bool `tfsdk:"uses_personal_info"`
	IsChildDirected   types.Bool `tfsdk:"is_child_directed"`
	IsExportCompliant types.Bool `tfsdk:"is_export_compliant"`
	ContainsAds       types.Bool `tfsdk:"contains_ads"`
}

// deployment converts the model into pipeline input. Unknown or null
// optional values map to their zero value so pipeline defaults apply.
func (m DeploymentResourceModel) deployment(ctx context.Context) (pipeline.Deployment, diag.Diagnostics) {
	var diags diag.Diagnostics

	mode, err := pipeline.ParseMode(m.Mode.ValueString())
	if err != nil {
		diags.AddAttributeError(path.Root("mode"), "Invalid Deployment Mode", err.Error())
		return pipeline.Deployment{}, diags
	}

	d := pipeline.Deployment{
		Name:              m.Name.ValueString(),
		Mode:              mode,
		SkillPackageDir:   m.SkillPackageDir.ValueString(),
		FunctionSourceDir: m.FunctionSourceDir.ValueString(),
		LayerArchive:      m.LayerArchive.ValueString(),
		Handler:           m.FunctionHandler.ValueString(),
		Runtime:           m.FunctionRuntime.ValueString(),
		TimeoutSeconds:    int32(m.TimeoutSeconds.ValueInt64()),
		MemoryMB:          int32(m.MemoryMB.ValueInt64()),
		SkillType:         compute.SkillType(m.SkillType.ValueString()),
		Stage:             m.SkillStage.ValueString(),
		SecretID:          m.SecretID.ValueString(),
		OverridesFile:     m.OverridesFile.ValueString(),
		SkillID:           m.SkillID.ValueString(),
	}

	d.Environment, diags = stringMap(ctx, m.Environment, diags)
	d.Tags, diags = stringMap(ctx, m.Tags, diags)
	if diags.HasError() {
		return pipeline.Deployment{}, diags
	}

	if len(m.SecretFields) == 1 {
		f := m.SecretFields[0]
		d.SecretFields = secret.FieldNames{
			VendorID:     f.VendorID.ValueString(),
			ClientID:     f.ClientID.ValueString(),
			ClientSecret: f.ClientSecret.ValueString(),
			RefreshToken: f.RefreshToken.ValueString(),
		}
	}
	if len(m.StaticCredentials) == 1 {
		c := m.StaticCredentials[0]
		d.StaticCredentials = secret.Credentials{
			VendorID:     c.VendorID.ValueString(),
			ClientID:     c.ClientID.ValueString(),
			ClientSecret: c.ClientSecret.ValueString(),
			RefreshToken: c.RefreshToken.ValueString(),
		}
	}
	if len(m.Overrides) == 1 {
		o, oDiags := m.Overrides[0].overrides(ctx)
		diags.Append(oDiags...)
		if diags.HasError() {
			return pipeline.Deployment{}, diags
		}
		d.Overrides = o
	}
	return d, diags
}

func (o OverridesModel) overrides(ctx context.Context) (manifest.Overrides, diag.Diagnostics) {
	var diags diag.Diagnostics
	out := manifest.Overrides{
		API:      o.API.ValueString(),
		Category: o.Category.ValueString(),
	}

	if len(o.Locales) > 0 {
		out.Locales = make(map[string]manifest.LocaleInfo, len(o.Locales))
		for _, l := range o.Locales {
			info := manifest.LocaleInfo{
				Name:        l.Name.ValueString(),
				Summary:     l.Summary.ValueString(),
				Description: l.Description.ValueString(),
			}
			if !l.ExamplePhrases.IsNull() && !l.ExamplePhrases.IsUnknown() {
				diags.Append(l.ExamplePhrases.ElementsAs(ctx, &info.ExamplePhrases, false)...)
			}
			if !l.Keywords.IsNull() && !l.Keywords.IsUnknown() {
				diags.Append(l.Keywords.ElementsAs(ctx, &info.Keywords, false)...)
			}
			out.Locales[l.Locale.ValueString()] = info
		}
	}

	if len(o.Privacy) == 1 {
		p := o.Privacy[0]
		out.Privacy = &manifest.Privacy{
			AllowsPurchases:   boolPtr(p.AllowsPurchases),
			UsesPersonalInfo:  boolPtr(p.UsesPersonalInfo),
			IsChildDirected:   boolPtr(p.IsChildDirected),
			IsExportCompliant: boolPtr(p.IsExportCompliant),
			ContainsAds:       boolPtr(p.ContainsAds),
		}
	}
	return out, diags
}

// applyResult copies the computed outputs of a successful run into m.
func (m *DeploymentResourceModel) applyResult(res *pipeline.Result, report string) {
	m.ID = types.StringValue(m.Name.ValueString())
	m.RunID = types.StringValue(res.RunID)
	m.SkillID = types.StringValue(res.SkillID)
	m.SkillStatus = types.StringValue(res.SkillStatus)
	m.FunctionARN = types.StringValue(res.FunctionARN)
	m.RoleARN = types.StringValue(res.RoleARN)
	m.LayerARN = types.StringValue(res.LayerARN)
	m.PermissionStatementID = types.StringValue(res.PermissionStatementID)
	m.PackageHash = types.StringValue(res.PackageHash)
	m.FunctionPackageHash = types.StringValue(res.FunctionPackageHash)
	m.LayerHash = types.StringValue(res.LayerHash)
	m.FunctionCodeHash = types.StringValue(res.FunctionCodeSHA256)
	m.ManifestHash = types.StringValue(res.ManifestHash)
	m.EndpointURI = types.StringValue(res.EndpointURI)
	m.LastRunReport = types.StringValue(report)
}

func stringMap(ctx context.Context, v types.Map, diags diag.Diagnostics) (map[string]string, diag.Diagnostics) {
	if v.IsNull() || v.IsUnknown() {
		return nil, diags
	}
	out := make(map[string]string, len(v.Elements()))
	diags.Append(v.ElementsAs(ctx, &out, false)...)
	return out, diags
}

func boolPtr(v types.Bool) *bool {
	if v.IsNull() || v.IsUnknown() {
		return nil
	}
	b := v.ValueBool()
	return &b
}
