package deployment

import (
	"context"
	"fmt"

	"github.com/hashicorp/terraform-plugin-framework-validators/int64validator"
	"github.com/hashicorp/terraform-plugin-framework-validators/listvalidator"
	"github.com/hashicorp/terraform-plugin-framework-validators/stringvalidator"
	"github.com/hashicorp/terraform-plugin-framework/diag"
	"github.com/hashicorp/terraform-plugin-framework/resource"
	"github.com/hashicorp/terraform-plugin-framework/resource/schema"
	"github.com/hashicorp/terraform-plugin-framework/resource/schema/int64default"
	"github.com/hashicorp/terraform-plugin-framework/resource/schema/planmodifier"
	"github.com/hashicorp/terraform-plugin-framework/resource/schema/stringdefault"
	"github.com/hashicorp/terraform-plugin-framework/resource/schema/stringplanmodifier"
	"github.com/hashicorp/terraform-plugin-framework/schema/validator"
	"github.com/hashicorp/terraform-plugin-framework/types"
	"github.com/hashicorp/terraform-plugin-log/tflog"

	"github.com/agentctx/terraform-provider-voiceskill/internal/compute"
	"github.com/agentctx/terraform-provider-voiceskill/internal/deployerr"
	"github.com/agentctx/terraform-provider-voiceskill/internal/pipeline"
	"github.com/agentctx/terraform-provider-voiceskill/internal/planformat"
	"github.com/agentctx/terraform-provider-voiceskill/internal/providerdata"
	"github.com/agentctx/terraform-provider-voiceskill/internal/skillapi"
)

// Compile-time interface checks.
var (
	_ resource.Resource               = &DeploymentResource{}
	_ resource.ResourceWithConfigure  = &DeploymentResource{}
	_ resource.ResourceWithModifyPlan = &DeploymentResource{}
)

// NewDeploymentResource returns a new resource.Resource for the
// voiceskill_deployment type.
func NewDeploymentResource() resource.Resource {
	return &DeploymentResource{}
}

// DeploymentResource implements the voiceskill_deployment Terraform
// resource.
type DeploymentResource struct {
	providerData *providerdata.ProviderData
}

// address names the resource in run reports.
func address(name string) string {
	return "voiceskill_deployment." + name
}

// --------------------------------------------------------------------------
// Metadata
// --------------------------------------------------------------------------

func (r *DeploymentResource) Metadata(_ context.Context, req resource.MetadataRequest, resp *resource.MetadataResponse) {
	resp.TypeName = req.ProviderTypeName + "_deployment"
}

// --------------------------------------------------------------------------
// Schema
// --------------------------------------------------------------------------

func (r *DeploymentResource) Schema(_ context.Context, _ resource.SchemaRequest, resp *resource.SchemaResponse) {
	stable := []planmodifier.String{stringplanmodifier.UseStateForUnknown()}

	resp.Schema = schema.Schema{
		MarkdownDescription: "Deploys a voice skill: the backend function with its execution role and dependency layer, the invoke permission for the skill platform, and the skill registration whose manifest points at the function.",

		Attributes: map[string]schema.Attribute{
			// ---- Required ----
			"name": schema.StringAttribute{
				MarkdownDescription: "Deployment name. The function is named after it; the role and layer add `-role` and `-deps`.",
				Required:            true,
				Validators: []validator.String{
					stringvalidator.RegexMatches(pipeline.NamePattern, "must be 1-59 letters, digits, hyphens or underscores"),
				},
				PlanModifiers: []planmodifier.String{stringplanmodifier.RequiresReplace()},
			},
			"skill_package_dir": schema.StringAttribute{
				MarkdownDescription: "Path to the skill package: a directory holding `skill.json` and `interactionModels/`, or a `.zip` of one.",
				Required:            true,
			},
			"function_source_dir": schema.StringAttribute{
				MarkdownDescription: "Path to the backend function source directory or `.zip`.",
				Required:            true,
			},

			// ---- Optional ----
			"mode": schema.StringAttribute{
				MarkdownDescription: "Deployment mode: where credentials come from and how much of the manifest override set is applied. Defaults to `\"" + pipeline.ModeRemoteFull + "\"`.",
				Optional:            true,
				Computed:            true,
				Default:             stringdefault.StaticString(pipeline.ModeRemoteFull),
				Validators:          []validator.String{stringvalidator.OneOf(pipeline.Modes...)},
			},
			"function_handler": schema.StringAttribute{
				MarkdownDescription: "Function entry point. Defaults to `\"lambda_function.lambda_handler\"`.",
				Optional:            true,
				Computed:            true,
				Default:             stringdefault.StaticString("lambda_function.lambda_handler"),
			},
			"function_runtime": schema.StringAttribute{
				MarkdownDescription: "Function runtime, also the layer's compatible runtime. Defaults to `\"" + compute.DefaultRuntime + "\"`.",
				Optional:            true,
				Computed:            true,
				Default:             stringdefault.StaticString(compute.DefaultRuntime),
			},
			"layer_archive": schema.StringAttribute{
				MarkdownDescription: "Optional dependency archive (`.zip` or directory) published as a layer and attached to the function.",
				Optional:            true,
			},
			"timeout_seconds": schema.Int64Attribute{
				MarkdownDescription: "Function timeout in seconds. Defaults to `30`.",
				Optional:            true,
				Computed:            true,
				Default:             int64default.StaticInt64(30),
				Validators:          []validator.Int64{int64validator.Between(1, 900)},
			},
			"memory_mb": schema.Int64Attribute{
				MarkdownDescription: "Function memory in MB. Defaults to `128`.",
				Optional:            true,
				Computed:            true,
				Default:             int64default.StaticInt64(128),
				Validators:          []validator.Int64{int64validator.Between(128, 10240)},
			},
			"environment": schema.MapAttribute{
				MarkdownDescription: "Environment variables for the function.",
				Optional:            true,
				ElementType:         types.StringType,
			},
			"skill_type": schema.StringAttribute{
				MarkdownDescription: "Skill type, which selects the principal allowed to invoke the function. One of `\"custom\"`, `\"smart_home\"` or `\"video\"`. Defaults to `\"custom\"`.",
				Optional:            true,
				Computed:            true,
				Default:             stringdefault.StaticString(string(compute.SkillCustom)),
				Validators: []validator.String{
					stringvalidator.OneOf(string(compute.SkillCustom), string(compute.SkillSmartHome), string(compute.SkillVideo)),
				},
			},
			"skill_stage": schema.StringAttribute{
				MarkdownDescription: "Skill stage the manifest is written to. Defaults to `\"" + skillapi.DefaultStage + "\"`.",
				Optional:            true,
				Computed:            true,
				Default:             stringdefault.StaticString(skillapi.DefaultStage),
			},
			"secret_id": schema.StringAttribute{
				MarkdownDescription: "Identifier of the secret holding the skill platform credentials. Required in `remote-secrets-*` modes.",
				Optional:            true,
			},
			"overrides_file": schema.StringAttribute{
				MarkdownDescription: "YAML or JSON file with a partial manifest merged under the `overrides` block. Applied only in `*-full-manifest` modes.",
				Optional:            true,
			},
			"tags": schema.MapAttribute{
				MarkdownDescription: "Tags applied to the function and its execution role.",
				Optional:            true,
				ElementType:         types.StringType,
			},

			// ---- Computed ----
			"id": schema.StringAttribute{
				MarkdownDescription: "Deployment name.",
				Computed:            true,
				PlanModifiers:       stable,
			},
			"run_id": schema.StringAttribute{
				MarkdownDescription: "Identifier of the last run that changed this deployment.",
				Computed:            true,
			},
			"skill_id": schema.StringAttribute{
				MarkdownDescription: "Identifier of the registered skill.",
				Computed:            true,
				PlanModifiers:       stable,
			},
			"skill_status": schema.StringAttribute{
				MarkdownDescription: "Build status of the skill after the last run or refresh.",
				Computed:            true,
			},
			"function_arn": schema.StringAttribute{
				MarkdownDescription: "Invocation address of the backend function. This is the manifest endpoint.",
				Computed:            true,
				PlanModifiers:       stable,
			},
			"role_arn": schema.StringAttribute{
				MarkdownDescription: "Address of the function's execution role.",
				Computed:            true,
				PlanModifiers:       stable,
			},
			"layer_arn": schema.StringAttribute{
				MarkdownDescription: "Version address of the dependency layer, empty when no `layer_archive` is set.",
				Computed:            true,
			},
			"permission_statement_id": schema.StringAttribute{
				MarkdownDescription: "Statement id of the invoke permission granted to the skill platform.",
				Computed:            true,
				PlanModifiers:       stable,
			},
			"package_hash": schema.StringAttribute{
				MarkdownDescription: "Content hash of the packaged skill.",
				Computed:            true,
			},
			"function_package_hash": schema.StringAttribute{
				MarkdownDescription: "Content hash of the packaged function source.",
				Computed:            true,
			},
			"layer_hash": schema.StringAttribute{
				MarkdownDescription: "Content hash of the dependency layer archive.",
				Computed:            true,
			},
			"function_code_hash": schema.StringAttribute{
				MarkdownDescription: "Code hash the compute service reports for the deployed function.",
				Computed:            true,
			},
			"manifest_hash": schema.StringAttribute{
				MarkdownDescription: "Hash of the canonical manifest written to the skill stage.",
				Computed:            true,
			},
			"endpoint_uri": schema.StringAttribute{
				MarkdownDescription: "Endpoint written into the skill manifest.",
				Computed:            true,
				PlanModifiers:       stable,
			},
			"last_run_report": schema.StringAttribute{
				MarkdownDescription: "Plan-style report of the last run, one line per stage.",
				Computed:            true,
			},
		},

		Blocks: map[string]schema.Block{
			"secret_fields": schema.ListNestedBlock{
				MarkdownDescription: "Field names inside the credential secret. At most one block may be specified.",
				Validators:          []validator.List{listvalidator.SizeAtMost(1)},
				NestedObject: schema.NestedBlockObject{
					Attributes: map[string]schema.Attribute{
						"vendor_id": schema.StringAttribute{
							MarkdownDescription: "Field holding the vendor id. Defaults to `\"vendor-id\"`.",
							Optional:            true,
						},
						"client_id": schema.StringAttribute{
							MarkdownDescription: "Field holding the client id. Defaults to `\"client-id\"`.",
							Optional:            true,
						},
						"client_secret": schema.StringAttribute{
							MarkdownDescription: "Field holding the client secret. Defaults to `\"client-secret\"`.",
							Optional:            true,
						},
						"refresh_token": schema.StringAttribute{
							MarkdownDescription: "Field holding the refresh token. Defaults to `\"refresh-token\"`.",
							Optional:            true,
						},
					},
				},
			},
			"static_credentials": schema.ListNestedBlock{
				MarkdownDescription: "Credentials supplied in configuration, used by `static-secrets-*` modes. Intended for development. At most one block may be specified.",
				Validators:          []validator.List{listvalidator.SizeAtMost(1)},
				NestedObject: schema.NestedBlockObject{
					Attributes: map[string]schema.Attribute{
						"vendor_id": schema.StringAttribute{
							MarkdownDescription: "Vendor id.",
							Required:            true,
							Sensitive:           true,
						},
						"client_id": schema.StringAttribute{
							MarkdownDescription: "OAuth client id.",
							Required:            true,
							Sensitive:           true,
						},
						"client_secret": schema.StringAttribute{
							MarkdownDescription: "OAuth client secret.",
							Required:            true,
							Sensitive:           true,
						},
						"refresh_token": schema.StringAttribute{
							MarkdownDescription: "OAuth refresh token.",
							Required:            true,
							Sensitive:           true,
						},
					},
				},
			},
			"overrides": schema.ListNestedBlock{
				MarkdownDescription: "Manifest fields overridden at deploy time. In `*-minimal-manifest` modes only `api` and `category` apply. At most one block may be specified.",
				Validators:          []validator.List{listvalidator.SizeAtMost(1)},
				NestedObject: schema.NestedBlockObject{
					Attributes: map[string]schema.Attribute{
						"api": schema.StringAttribute{
							MarkdownDescription: "Manifest interface the endpoint belongs to. Defaults to the interface of `skill_type` (`custom`, `smartHome` or `video`) and must match it when set.",
							Optional:            true,
							Validators:          []validator.String{stringvalidator.OneOf("custom", "smartHome", "video")},
						},
						"category": schema.StringAttribute{
							MarkdownDescription: "Publishing category. Defaults to `\"EDUCATION_AND_REFERENCE\"`.",
							Optional:            true,
						},
					},
					Blocks: map[string]schema.Block{
						"locale": schema.ListNestedBlock{
							MarkdownDescription: "Per-locale publishing information.",
							NestedObject: schema.NestedBlockObject{
								Attributes: map[string]schema.Attribute{
									"locale": schema.StringAttribute{
										MarkdownDescription: "Locale code, for example `\"en-US\"`.",
										Required:            true,
									},
									"name": schema.StringAttribute{
										MarkdownDescription: "Skill name shown in this locale.",
										Optional:            true,
									},
									"summary": schema.StringAttribute{
										MarkdownDescription: "One-line summary.",
										Optional:            true,
									},
									"description": schema.StringAttribute{
										MarkdownDescription: "Full description.",
										Optional:            true,
									},
									"example_phrases": schema.ListAttribute{
										MarkdownDescription: "Example invocation phrases.",
										Optional:            true,
										ElementType:         types.StringType,
										Validators:          []validator.List{listvalidator.SizeAtMost(3)},
									},
									"keywords": schema.ListAttribute{
										MarkdownDescription: "Search keywords.",
										Optional:            true,
										ElementType:         types.StringType,
									},
								},
							},
						},
						"privacy": schema.ListNestedBlock{
							MarkdownDescription: "Privacy and compliance flags. Unset flags keep the packaged value.",
							Validators:          []validator.List{listvalidator.SizeAtMost(1)},
							NestedObject: schema.NestedBlockObject{
								Attributes: map[string]schema.Attribute{
									"allows_purchases":    schema.BoolAttribute{Optional: true, MarkdownDescription: "Skill offers purchases."},
									"uses_personal_info":  schema.BoolAttribute{Optional: true, MarkdownDescription: "Skill collects personal information."},
									"is_child_directed":   schema.BoolAttribute{Optional: true, MarkdownDescription: "Skill is directed to children."},
									"is_export_compliant": schema.BoolAttribute{Optional: true, MarkdownDescription: "Skill is export compliant."},
									"contains_ads":        schema.BoolAttribute{Optional: true, MarkdownDescription: "Skill contains advertising."},
								},
							},
						},
					},
				},
			},
		},
	}
}

// --------------------------------------------------------------------------
// Configure
// --------------------------------------------------------------------------

func (r *DeploymentResource) Configure(_ context.Context, req resource.ConfigureRequest, resp *resource.ConfigureResponse) {
	if req.ProviderData == nil {
		return
	}

	pd, ok := req.ProviderData.(*providerdata.ProviderData)
	if !ok {
		resp.Diagnostics.AddError(
			"Unexpected Resource Configure Type",
			fmt.Sprintf("Expected *providerdata.ProviderData, got: %T. Please report this issue to the provider developers.", req.ProviderData),
		)
		return
	}

	r.providerData = pd
}

// --------------------------------------------------------------------------
// Create
// --------------------------------------------------------------------------

func (r *DeploymentResource) Create(ctx context.Context, req resource.CreateRequest, resp *resource.CreateResponse) {
	var plan DeploymentResourceModel
	resp.Diagnostics.Append(req.Plan.Get(ctx, &plan)...)
	if resp.Diagnostics.HasError() {
		return
	}

	// A fresh deployment finds an existing skill of the same name itself.
	plan.SkillID = types.StringNull()

	if !r.apply(ctx, &plan, "Deployment Failed", &resp.Diagnostics) {
		return
	}
	resp.Diagnostics.Append(resp.State.Set(ctx, &plan)...)
}

// --------------------------------------------------------------------------
// Read
// --------------------------------------------------------------------------

func (r *DeploymentResource) Read(ctx context.Context, req resource.ReadRequest, resp *resource.ReadResponse) {
	var state DeploymentResourceModel
	resp.Diagnostics.Append(req.State.Get(ctx, &state)...)
	if resp.Diagnostics.HasError() {
		return
	}

	d, diags := state.deployment(ctx)
	resp.Diagnostics.Append(diags...)
	if resp.Diagnostics.HasError() {
		return
	}

	obs, err := r.providerData.Pipeline.Inspect(ctx, d)
	if err != nil {
		resp.Diagnostics.AddError(
			"Refresh Failed",
			fmt.Sprintf("Failed to refresh deployment %q: %s", d.Name, err),
		)
		return
	}

	if !obs.FunctionExists {
		tflog.Info(ctx, "backend function not found, deployment may have been deleted externally", map[string]interface{}{
			"deployment": d.Name,
			"function":   d.FunctionName(),
		})
		resp.State.RemoveResource(ctx)
		return
	}
	if d.SkillID != "" && !obs.SkillExists {
		tflog.Info(ctx, "skill not found, deployment may have been deleted externally", map[string]interface{}{
			"deployment": d.Name,
			"skill_id":   d.SkillID,
		})
		resp.State.RemoveResource(ctx)
		return
	}

	if obs.FunctionCodeSHA256 != state.FunctionCodeHash.ValueString() {
		tflog.Warn(ctx, "function code changed outside Terraform", map[string]interface{}{
			"deployment": d.Name,
			"deployed":   obs.FunctionCodeSHA256,
			"expected":   state.FunctionCodeHash.ValueString(),
		})
	}

	state.FunctionARN = types.StringValue(obs.FunctionARN)
	state.FunctionCodeHash = types.StringValue(obs.FunctionCodeSHA256)
	if obs.SkillStatus != "" {
		state.SkillStatus = types.StringValue(obs.SkillStatus)
	}

	resp.Diagnostics.Append(resp.State.Set(ctx, &state)...)
}

// --------------------------------------------------------------------------
// Update
// --------------------------------------------------------------------------

func (r *DeploymentResource) Update(ctx context.Context, req resource.UpdateRequest, resp *resource.UpdateResponse) {
	var plan, state DeploymentResourceModel
	resp.Diagnostics.Append(req.Plan.Get(ctx, &plan)...)
	resp.Diagnostics.Append(req.State.Get(ctx, &state)...)
	if resp.Diagnostics.HasError() {
		return
	}

	plan.SkillID = state.SkillID

	if !r.apply(ctx, &plan, "Deployment Update Failed", &resp.Diagnostics) {
		// Keep the prior state; the next apply reconverges.
		resp.Diagnostics.Append(resp.State.Set(ctx, &state)...)
		return
	}
	resp.Diagnostics.Append(resp.State.Set(ctx, &plan)...)
}

// apply runs the pipeline for m and copies its outputs back. It reports
// false, with diagnostics, when the run failed.
func (r *DeploymentResource) apply(ctx context.Context, m *DeploymentResourceModel, summary string, diags *diag.Diagnostics) bool {
	d, dDiags := m.deployment(ctx)
	diags.Append(dDiags...)
	if diags.HasError() {
		return false
	}

	res, err := r.providerData.Pipeline.Run(ctx, d)
	report := planformat.Format(res.Summary(address(d.Name)))

	if err != nil {
		diags.AddError(summary, fmt.Sprintf("%s\n\n%s", describe(err), report))
		return false
	}

	tflog.Info(ctx, "deployment applied", map[string]interface{}{
		"deployment": d.Name,
		"run_id":     res.RunID,
		"summary":    planformat.FormatSummary(res.Summary(address(d.Name))),
	})
	m.applyResult(res, report)
	return true
}

// describe prefixes err with the failure class so users can tell a
// configuration problem from a remote failure.
func describe(err error) string {
	switch {
	case deployerr.IsFatalBeforeProvisioning(err):
		return "Configuration error, nothing was provisioned: " + err.Error()
	default:
		if stage := deployerr.StageOf(err); stage != "" {
			return fmt.Sprintf("Stage %q failed: %s", stage, err)
		}
		return err.Error()
	}
}

// --------------------------------------------------------------------------
// Delete
// --------------------------------------------------------------------------

func (r *DeploymentResource) Delete(ctx context.Context, req resource.DeleteRequest, resp *resource.DeleteResponse) {
	var state DeploymentResourceModel
	resp.Diagnostics.Append(req.State.Get(ctx, &state)...)
	if resp.Diagnostics.HasError() {
		return
	}

	d, diags := state.deployment(ctx)
	resp.Diagnostics.Append(diags...)
	if resp.Diagnostics.HasError() {
		return
	}

	report, err := r.providerData.Pipeline.Destroy(ctx, d, r.providerData.DestroyRemote)
	if err != nil {
		resp.Diagnostics.AddError(
			"Deployment Destroy Failed",
			fmt.Sprintf("%s\n\n%s", describe(err), planformat.Format(pipeline.TeardownSummary(address(d.Name), report))),
		)
		return
	}

	tflog.Info(ctx, "deployment destroyed", map[string]interface{}{
		"deployment": d.Name,
		"skill_kept": !r.providerData.DestroyRemote,
		"stages":     len(report.Stages),
	})
}
