package deployment

import (
	"context"
	"fmt"
	"os"

	"github.com/hashicorp/terraform-plugin-framework/path"
	"github.com/hashicorp/terraform-plugin-framework/resource"
	"github.com/hashicorp/terraform-plugin-framework/types"
	"github.com/hashicorp/terraform-plugin-log/tflog"

	"github.com/agentctx/terraform-provider-voiceskill/internal/compute"
	"github.com/agentctx/terraform-provider-voiceskill/internal/manifest"
	"github.com/agentctx/terraform-provider-voiceskill/internal/pipeline"
)

// ModifyPlan implements resource.ResourceWithModifyPlan. It checks the mode
// against the credential source before any remote call and hashes local
// sources so edits to their contents show up as a change.
func (r *DeploymentResource) ModifyPlan(ctx context.Context, req resource.ModifyPlanRequest, resp *resource.ModifyPlanResponse) {
	// If the entire resource is being destroyed there is nothing to validate.
	if req.Plan.Raw.IsNull() {
		return
	}

	var plan DeploymentResourceModel
	resp.Diagnostics.Append(req.Plan.Get(ctx, &plan)...)
	if resp.Diagnostics.HasError() {
		return
	}

	// ---------------------------------------------------------------
	// 1. Mode against credential source.
	// ---------------------------------------------------------------
	if !plan.Mode.IsUnknown() {
		mode, err := pipeline.ParseMode(plan.Mode.ValueString())
		if err != nil {
			resp.Diagnostics.AddAttributeError(path.Root("mode"), "Invalid Deployment Mode", err.Error())
			return
		}

		switch mode.Secrets {
		case pipeline.SecretsRemote:
			if !plan.SecretID.IsUnknown() && plan.SecretID.ValueString() == "" {
				resp.Diagnostics.AddAttributeError(
					path.Root("secret_id"),
					"Missing Secret ID",
					fmt.Sprintf("secret_id is required when mode is %q.", mode),
				)
			}
			if len(plan.StaticCredentials) > 0 {
				resp.Diagnostics.AddWarning(
					"Static Credentials Ignored",
					fmt.Sprintf("The static_credentials block is ignored when mode is %q; credentials are read from secret_id.", mode),
				)
			}
		case pipeline.SecretsStatic:
			if len(plan.StaticCredentials) == 0 {
				resp.Diagnostics.AddError(
					"Missing Static Credentials",
					fmt.Sprintf("A static_credentials block is required when mode is %q.", mode),
				)
			}
		}

		if mode.Manifest == manifest.ProfileMinimal {
			ignored := !plan.OverridesFile.IsNull() && plan.OverridesFile.ValueString() != ""
			if len(plan.Overrides) == 1 && (len(plan.Overrides[0].Locales) > 0 || len(plan.Overrides[0].Privacy) > 0) {
				ignored = true
			}
			if ignored {
				resp.Diagnostics.AddWarning(
					"Manifest Overrides Ignored",
					fmt.Sprintf("Mode %q applies only the endpoint and category; overrides_file, locale and privacy settings are not applied.", mode),
				)
			}
		}

		if resp.Diagnostics.HasError() {
			return
		}
	}

	// ---------------------------------------------------------------
	// 2. Manifest api against skill type.
	// ---------------------------------------------------------------
	if len(plan.Overrides) == 1 && !plan.SkillType.IsUnknown() {
		api := plan.Overrides[0].API
		if !api.IsNull() && !api.IsUnknown() && api.ValueString() != "" {
			skillType, err := compute.ParseSkillType(plan.SkillType.ValueString())
			if err == nil && api.ValueString() != skillType.ManifestAPI() {
				resp.Diagnostics.AddAttributeError(
					path.Root("overrides").AtListIndex(0).AtName("api"),
					"Manifest API Mismatch",
					fmt.Sprintf("skill_type %q is invoked through the %q manifest api, but overrides.api is %q. The skill would register an endpoint its invoke permission does not cover.",
						skillType, skillType.ManifestAPI(), api.ValueString()),
				)
				return
			}
		}
	}

	// ---------------------------------------------------------------
	// 3. Plan-time content hashes.
	// ---------------------------------------------------------------
	if r.providerData == nil || r.providerData.Packages == nil {
		return
	}

	hashes := []struct {
		src  types.String
		dst  *types.String
		none bool // an unset source hashes to ""
	}{
		{plan.SkillPackageDir, &plan.PackageHash, false},
		{plan.FunctionSourceDir, &plan.FunctionPackageHash, false},
		{plan.LayerArchive, &plan.LayerHash, true},
	}
	for _, h := range hashes {
		if h.src.IsUnknown() {
			return
		}
		if h.src.IsNull() || h.src.ValueString() == "" {
			if !h.none {
				return
			}
			*h.dst = types.StringValue("")
			continue
		}

		// Sources may not exist in CI plan-only runs.
		if _, err := os.Stat(h.src.ValueString()); err != nil {
			return
		}
		sum, err := r.providerData.Packages.Hash(h.src.ValueString())
		if err != nil {
			tflog.Warn(ctx, "plan-time hash failed, it will be computed at apply", map[string]interface{}{
				"source": h.src.ValueString(),
				"error":  err.Error(),
			})
			return
		}
		*h.dst = types.StringValue(sum)
	}

	if !req.State.Raw.IsNull() {
		var state DeploymentResourceModel
		resp.Diagnostics.Append(req.State.Get(ctx, &state)...)
		if resp.Diagnostics.HasError() {
			return
		}

		// Changed sources rerun the pipeline; everything the run reports
		// is unknown until then.
		if !plan.PackageHash.Equal(state.PackageHash) ||
			!plan.FunctionPackageHash.Equal(state.FunctionPackageHash) ||
			!plan.LayerHash.Equal(state.LayerHash) {
			plan.RunID = types.StringUnknown()
			plan.SkillStatus = types.StringUnknown()
			plan.LayerARN = types.StringUnknown()
			plan.FunctionCodeHash = types.StringUnknown()
			plan.ManifestHash = types.StringUnknown()
			plan.LastRunReport = types.StringUnknown()
		}
	}

	resp.Diagnostics.Append(resp.Plan.Set(ctx, &plan)...)
}
