package pipeline

import (
	"context"

	"github.com/hashicorp/terraform-plugin-log/tflog"

	"github.com/agentctx/terraform-provider-voiceskill/internal/dag"
	"github.com/agentctx/terraform-provider-voiceskill/internal/planformat"
	"github.com/agentctx/terraform-provider-voiceskill/internal/secret"
)

// Destroy removes what Run created, in reverse dependency order: the skill
// (only when removeSkill is set and a skill id is known), the invoke
// permission, the function, then its role. Published artifacts and layer
// versions are content-addressed and may be shared, so they are kept.
// Resources that are already gone are not an error.
func (p *Pipeline) Destroy(ctx context.Context, d Deployment, removeSkill bool) (*dag.Report, error) {
	g := dag.New()
	var creds secret.Credentials

	add := func(name string, deps []string, fn dag.Func) error {
		return g.Add(name, deps, fn)
	}

	var first []string
	if removeSkill && d.SkillID != "" {
		if err := add(StageSecrets, nil, func(ctx context.Context) error {
			c, err := p.credentials(ctx, d)
			creds = c
			return err
		}); err != nil {
			return nil, err
		}
		if err := add(StageRegister, []string{StageSecrets}, func(ctx context.Context) error {
			return p.c.Registrar.Delete(ctx, creds, d.SkillID)
		}); err != nil {
			return nil, err
		}
		first = []string{StageRegister}
	}

	steps := []struct {
		name string
		fn   dag.Func
	}{
		{StagePermission, func(ctx context.Context) error {
			fn, ok, err := p.c.Functions.Lookup(ctx, d.FunctionName())
			if err != nil || !ok {
				return err
			}
			return p.c.Functions.RevokeInvoke(ctx, fn.ARN)
		}},
		{StageFunction, func(ctx context.Context) error {
			return p.c.Functions.Delete(ctx, d.FunctionName())
		}},
		{StageRole, func(ctx context.Context) error {
			return p.c.Roles.Delete(ctx, d.RoleName())
		}},
	}
	deps := first
	for _, s := range steps {
		if err := add(s.name, deps, s.fn); err != nil {
			return nil, err
		}
		deps = []string{s.name}
	}

	tflog.Info(ctx, "destroying deployment", map[string]interface{}{
		"deployment":   d.Name,
		"remove_skill": g.Has(StageRegister),
	})
	return g.Run(ctx)
}

// Observed is the remote state of a deployment.
type Observed struct {
	FunctionExists     bool
	FunctionARN        string
	FunctionCodeSHA256 string

	SkillExists bool
	SkillStatus string
}

// Inspect reads the function and, when a skill id is known, the skill.
func (p *Pipeline) Inspect(ctx context.Context, d Deployment) (Observed, error) {
	var obs Observed

	fn, ok, err := p.c.Functions.Lookup(ctx, d.FunctionName())
	if err != nil {
		return Observed{}, err
	}
	obs.FunctionExists = ok
	obs.FunctionARN = fn.ARN
	obs.FunctionCodeSHA256 = fn.CodeSHA256

	if d.SkillID == "" {
		return obs, nil
	}
	creds, err := p.credentials(ctx, d)
	if err != nil {
		return Observed{}, err
	}
	status, exists, err := p.c.Registrar.Lookup(ctx, creds, d.SkillID, d.stage())
	if err != nil {
		return Observed{}, err
	}
	obs.SkillExists = exists
	obs.SkillStatus = status
	return obs, nil
}

// TeardownSummary renders a Destroy report for address.
func TeardownSummary(address string, report *dag.Report) *planformat.Run {
	out := &planformat.Run{ResourceAddress: address}
	if report == nil {
		return out
	}
	for _, s := range report.Stages {
		st := planformat.Stage{
			Name:     s.Name,
			Status:   s.Status,
			Err:      s.Err,
			Duration: s.Duration(),
		}
		if s.Status == dag.StatusCompleted && s.Name != StageSecrets {
			st.Action = planformat.ActionDestroy
		}
		out.Stages = append(out.Stages, st)
	}
	return out
}
