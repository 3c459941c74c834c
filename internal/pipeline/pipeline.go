// Package pipeline wires the provisioning components into one deployment
// graph and runs it. Every deployment mode shares the same graph; the mode
// only selects how credentials are resolved and how much of the manifest
// override set is applied.
package pipeline

import (
	"context"
	"fmt"
	"regexp"
	"sync"

	"github.com/hashicorp/terraform-plugin-log/tflog"

	"github.com/agentctx/terraform-provider-voiceskill/internal/artifact"
	"github.com/agentctx/terraform-provider-voiceskill/internal/compute"
	"github.com/agentctx/terraform-provider-voiceskill/internal/dag"
	"github.com/agentctx/terraform-provider-voiceskill/internal/deployerr"
	"github.com/agentctx/terraform-provider-voiceskill/internal/identity"
	"github.com/agentctx/terraform-provider-voiceskill/internal/manifest"
	"github.com/agentctx/terraform-provider-voiceskill/internal/planformat"
	"github.com/agentctx/terraform-provider-voiceskill/internal/registrar"
	"github.com/agentctx/terraform-provider-voiceskill/internal/runid"
	"github.com/agentctx/terraform-provider-voiceskill/internal/secret"
	"github.com/agentctx/terraform-provider-voiceskill/internal/skillapi"
)

// Stage names.
const (
	StageSecrets         = "secrets"
	StagePackage         = "package"
	StageFunctionPackage = "function_package"
	StageLayer           = "layer"
	StageRole            = "role"
	StageFunction        = "function"
	StagePermission      = "permission"
	StageOverrides       = "overrides"
	StageRegister        = "register"
)

var stageOrder = []string{
	StageSecrets,
	StagePackage,
	StageFunctionPackage,
	StageLayer,
	StageRole,
	StageFunction,
	StagePermission,
	StageOverrides,
	StageRegister,
}

// dependencies declares the deployment graph. Every stage that writes to a
// remote system waits for secrets, so an unresolved credential stops the
// run before anything is created.
var dependencies = map[string][]string{
	StageSecrets:         nil,
	StagePackage:         {StageSecrets},
	StageFunctionPackage: {StageSecrets},
	StageLayer:           {StageSecrets},
	StageRole:            {StageSecrets},
	StageFunction:        {StageRole, StageLayer, StageFunctionPackage},
	StagePermission:      {StageFunction},
	StageOverrides:       {StageFunction},
	StageRegister:        {StageSecrets, StagePackage, StageFunction, StagePermission, StageOverrides},
}

// requiredEdges must be present in every deployment graph.
var requiredEdges = [][2]string{
	{StageSecrets, StageRegister},
	{StagePackage, StageRegister},
	{StageRole, StageFunction},
	{StageLayer, StageFunction},
	{StageFunctionPackage, StageFunction},
	{StageFunction, StagePermission},
	{StageFunction, StageOverrides},
	{StageFunction, StageRegister},
	{StageOverrides, StageRegister},
	{StagePermission, StageRegister},
}

// plan builds the deployment graph from stage bodies. A missing body, an
// undeclared dependency, a cycle or a missing required edge is a
// ConfigurationError and nothing runs.
func plan(bodies map[string]dag.Func) (*dag.Graph, error) {
	g := dag.New()
	for _, name := range stageOrder {
		if err := g.Add(name, dependencies[name], bodies[name]); err != nil {
			return nil, err
		}
	}
	if err := g.Validate(); err != nil {
		return nil, err
	}
	for _, e := range requiredEdges {
		if err := g.RequireEdge(e[0], e[1]); err != nil {
			return nil, err
		}
	}
	return g, nil
}

// NamePattern constrains deployment names.
var NamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,59}$`)

// Deployment is the input of a run.
type Deployment struct {
	Name string
	Mode Mode

	SkillPackageDir   string
	FunctionSourceDir string
	// LayerArchive is an optional dependency archive attached as a layer.
	LayerArchive string

	Handler        string
	Runtime        string
	TimeoutSeconds int32
	MemoryMB       int32
	Environment    map[string]string
	Tags           map[string]string

	SkillType compute.SkillType
	Stage     string

	SecretID          string
	SecretFields      secret.FieldNames
	StaticCredentials secret.Credentials

	Overrides     manifest.Overrides
	OverridesFile string

	// SkillID is the skill registered by a previous run, if any.
	SkillID string
}

// FunctionName is the name of the backend function.
func (d Deployment) FunctionName() string { return d.Name }

// RoleName is the name of the function's execution role.
func (d Deployment) RoleName() string { return d.Name + "-role" }

// LayerName is the name of the dependency layer.
func (d Deployment) LayerName() string { return d.Name + "-deps" }

func (d Deployment) runtime() string {
	if d.Runtime == "" {
		return compute.DefaultRuntime
	}
	return d.Runtime
}

func (d Deployment) stage() string {
	if d.Stage == "" {
		return skillapi.DefaultStage
	}
	return d.Stage
}

// Validate checks the deployment without touching any remote system.
func (d Deployment) Validate() error {
	switch {
	case !NamePattern.MatchString(d.Name):
		return deployerr.Configf("name %q must be 1-59 letters, digits, hyphens or underscores", d.Name)
	case d.SkillPackageDir == "":
		return deployerr.Configf("skill package path is required")
	case d.FunctionSourceDir == "":
		return deployerr.Configf("function source path is required")
	case d.Handler == "":
		return deployerr.Configf("function handler is required")
	case d.TimeoutSeconds < 0:
		return deployerr.Configf("timeout must not be negative")
	}
	if _, err := ParseMode(d.Mode.String()); err != nil {
		return err
	}
	skillType, err := compute.ParseSkillType(string(d.SkillType))
	if err != nil {
		return err
	}
	if api := d.Overrides.API; api != "" && api != skillType.ManifestAPI() {
		return deployerr.Configf("manifest api %q does not match skill type %q, which is invoked through %q", api, skillType, skillType.ManifestAPI())
	}
	if err := d.SecretFields.Validate(); err != nil {
		return err
	}
	switch d.Mode.Secrets {
	case SecretsRemote:
		if d.SecretID == "" {
			return deployerr.Configf("deployment mode %s requires a secret id", d.Mode)
		}
	case SecretsStatic:
		if d.StaticCredentials == (secret.Credentials{}) {
			return deployerr.Configf("deployment mode %s requires static credentials", d.Mode)
		}
	}
	return nil
}

// Components are the provisioners a Pipeline drives.
type Components struct {
	// Secrets backs remote credential resolution. It may be nil when only
	// static modes are used.
	Secrets   secret.Store
	Packages  *artifact.Packager
	Roles     *identity.Provisioner
	Functions *compute.Platform
	Registrar *registrar.Registrar
}

// Pipeline runs deployments.
type Pipeline struct {
	c Components
}

// New returns a Pipeline over c.
func New(c Components) *Pipeline {
	return &Pipeline{c: c}
}

// Note records what a completed stage did.
type Note struct {
	Action planformat.Action
	Detail string
}

// Result is the outcome of a run. Fields are set by the stage that produces
// them and stay empty when that stage did not complete.
type Result struct {
	RunID string
	Mode  Mode

	SkillID     string
	SkillStage  string
	SkillStatus string

	FunctionARN           string
	FunctionCodeSHA256    string
	RoleARN               string
	LayerARN              string
	PermissionStatementID string

	PackageHash         string
	FunctionPackageHash string
	LayerHash           string
	ManifestHash        string
	EndpointURI         string

	Report *dag.Report
	Notes  map[string]Note
}

// Summary renders the result for resource address.
func (r *Result) Summary(address string) *planformat.Run {
	out := &planformat.Run{ResourceAddress: address, RunID: r.RunID, Mode: r.Mode.String()}
	if r.Report != nil {
		for _, s := range r.Report.Stages {
			n := r.Notes[s.Name]
			out.Stages = append(out.Stages, planformat.Stage{
				Name:     s.Name,
				Status:   s.Status,
				Action:   n.Action,
				Detail:   n.Detail,
				Err:      s.Err,
				Duration: s.Duration(),
			})
		}
	}
	for _, o := range []planformat.Output{
		{Name: "skill_id", Value: r.SkillID},
		{Name: "function_arn", Value: r.FunctionARN},
		{Name: "endpoint_uri", Value: r.EndpointURI},
		{Name: "manifest_hash", Value: r.ManifestHash},
	} {
		if o.Value != "" {
			out.Outputs = append(out.Outputs, o)
		}
	}
	return out
}

// Run provisions d. The returned Result is never nil; when err is not nil
// its Report (if the graph started) names the failed and skipped stages.
func (p *Pipeline) Run(ctx context.Context, d Deployment) (*Result, error) {
	res := &Result{
		RunID:      runid.New(),
		Mode:       d.Mode,
		SkillStage: d.stage(),
		Notes:      make(map[string]Note),
	}
	ctx = tflog.SetField(ctx, "run_id", res.RunID)

	if err := d.Validate(); err != nil {
		return res, err
	}
	d.SkillType, _ = compute.ParseSkillType(string(d.SkillType))
	overrides, err := d.loadOverrides()
	if err != nil {
		return res, err
	}
	if overrides.API == "" {
		overrides.API = d.SkillType.ManifestAPI()
	}

	packages := p.c.Packages.Session()
	r := &run{
		p:         p,
		d:         d,
		res:       res,
		packages:  packages,
		reg:       p.c.Registrar.WithPackages(packages),
		overrides: overrides,
	}
	g, err := plan(r.bodies())
	if err != nil {
		return res, err
	}

	tflog.Info(ctx, "deployment run starting", map[string]interface{}{
		"deployment": d.Name,
		"mode":       d.Mode.String(),
		"stages":     g.Len(),
	})
	tflog.Trace(ctx, "stage graph", map[string]interface{}{"graph": g.String()})
	report, err := g.Run(ctx)
	res.Report = report
	if err != nil {
		fields := map[string]interface{}{"deployment": d.Name, "error": err.Error()}
		if report != nil {
			fields["failed_stage"] = report.Failed
			fields["completed"] = report.Completed()
			fields["skipped"] = report.Skipped()
			fields["blocked"] = report.Blocked
		}
		tflog.Error(ctx, "deployment run failed", fields)
		return res, err
	}
	tflog.Info(ctx, "deployment run completed", map[string]interface{}{
		"deployment": d.Name,
		"skill_id":   res.SkillID,
	})
	return res, nil
}

// loadOverrides folds the overrides file into the configured override set.
// Keys set in configuration win over the file.
func (d Deployment) loadOverrides() (manifest.Overrides, error) {
	o := d.Overrides
	if d.OverridesFile == "" || d.Mode.Manifest != manifest.ProfileFull {
		return o, nil
	}
	doc, err := manifest.LoadFile(d.OverridesFile)
	if err != nil {
		return manifest.Overrides{}, &deployerr.ConfigurationError{Reason: "reading overrides file", Err: err}
	}
	o.Extra = manifest.Merge(doc, o.Extra)
	return o, nil
}

// credentials resolves the credential bundle for d.
func (p *Pipeline) credentials(ctx context.Context, d Deployment) (secret.Credentials, error) {
	names := d.SecretFields.WithDefaults()

	var resolver secret.Resolver
	switch d.Mode.Secrets {
	case SecretsStatic:
		// Literals are keyed by the default names; secret_fields only
		// describes the remote document.
		names = secret.DefaultFieldNames
		c := d.StaticCredentials
		resolver = secret.NewStaticResolver(map[string]string{
			names.VendorID:     c.VendorID,
			names.ClientID:     c.ClientID,
			names.ClientSecret: c.ClientSecret,
			names.RefreshToken: c.RefreshToken,
		})
	case SecretsRemote:
		if p.c.Secrets == nil {
			return secret.Credentials{}, deployerr.Configf("deployment mode %s needs a secret store", d.Mode)
		}
		resolver = secret.NewRemoteResolver(p.c.Secrets)
	default:
		return secret.Credentials{}, deployerr.Configf("unknown secret source %q", d.Mode.Secrets)
	}
	return secret.ResolveCredentials(ctx, resolver, d.SecretID, names)
}

// run carries values between stages. Each field is written by exactly one
// stage and read only by stages that depend on it.
type run struct {
	p        *Pipeline
	d        Deployment
	res      *Result
	packages *artifact.Packager // run-scoped view of Components.Packages
	reg      *registrar.Registrar

	creds     secret.Credentials
	pkg       artifact.Reference
	fnPkg     artifact.Reference
	layer     *compute.Layer
	role      identity.Role
	fn        compute.Function
	overrides manifest.Overrides
	computed  manifest.Overrides

	mu sync.Mutex // guards res.Notes
}

func (r *run) note(stage string, action planformat.Action, detail string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.res.Notes[stage] = Note{Action: action, Detail: detail}
}

func (r *run) bodies() map[string]dag.Func {
	return map[string]dag.Func{
		StageSecrets:         r.resolveSecrets,
		StagePackage:         r.packageSkill,
		StageFunctionPackage: r.packageFunction,
		StageLayer:           r.ensureLayer,
		StageRole:            r.ensureRole,
		StageFunction:        r.deployFunction,
		StagePermission:      r.grantInvoke,
		StageOverrides:       r.computeOverrides,
		StageRegister:        r.register,
	}
}

func (r *run) resolveSecrets(ctx context.Context) error {
	creds, err := r.p.credentials(ctx, r.d)
	if err != nil {
		return err
	}
	r.creds = creds
	r.note(StageSecrets, "", string(r.d.Mode.Secrets))
	return nil
}

func (r *run) packageSkill(ctx context.Context) error {
	ref, err := r.packages.Package(ctx, r.d.SkillPackageDir)
	if err != nil {
		return err
	}
	r.pkg = ref
	r.res.PackageHash = ref.Hash
	r.note(StagePackage, "", ref.URI())
	return nil
}

func (r *run) packageFunction(ctx context.Context) error {
	ref, err := r.packages.Package(ctx, r.d.FunctionSourceDir)
	if err != nil {
		return err
	}
	r.fnPkg = ref
	r.res.FunctionPackageHash = ref.Hash
	r.note(StageFunctionPackage, "", ref.URI())
	return nil
}

// code points the compute platform at ref: straight at the object when it
// lives in S3, otherwise at the archive bytes.
func (r *run) code(ctx context.Context, ref artifact.Reference) (compute.Code, error) {
	if ref.Location.Scheme == "s3" {
		return compute.Code{Bucket: ref.Location.Bucket, Key: ref.Location.Key, Hash: ref.Hash}, nil
	}
	data, err := r.packages.Open(ctx, ref)
	if err != nil {
		return compute.Code{}, err
	}
	return compute.Code{ZipFile: data, Hash: ref.Hash}, nil
}

func (r *run) ensureLayer(ctx context.Context) error {
	if r.d.LayerArchive == "" {
		r.note(StageLayer, planformat.ActionNoop, "no dependency layer")
		return nil
	}
	ref, err := r.packages.Package(ctx, r.d.LayerArchive)
	if err != nil {
		return err
	}
	code, err := r.code(ctx, ref)
	if err != nil {
		return err
	}
	layer, err := r.p.c.Functions.EnsureLayer(ctx, compute.LayerSpec{
		Name:     r.d.LayerName(),
		Code:     code,
		Runtimes: []string{r.d.runtime()},
	})
	if err != nil {
		return err
	}
	r.layer = &layer
	r.res.LayerARN = layer.VersionARN
	r.res.LayerHash = ref.Hash

	action := planformat.ActionNoop
	if layer.Published {
		action = planformat.ActionCreate
	}
	r.note(StageLayer, action, fmt.Sprintf("version %d", layer.Version))
	return nil
}

func (r *run) ensureRole(ctx context.Context) error {
	role, err := r.p.c.Roles.Ensure(ctx, identity.Spec{Name: r.d.RoleName(), Tags: r.d.Tags})
	if err != nil {
		return err
	}
	r.role = role
	r.res.RoleARN = role.ARN
	r.note(StageRole, "", role.Name)
	return nil
}

func (r *run) deployFunction(ctx context.Context) error {
	code, err := r.code(ctx, r.fnPkg)
	if err != nil {
		return err
	}
	var layers []string
	if r.layer != nil {
		layers = []string{r.layer.VersionARN}
	}

	fn, err := r.p.c.Functions.Deploy(ctx, compute.Descriptor{
		Name:           r.d.FunctionName(),
		Code:           code,
		RoleARN:        r.role.ARN,
		Handler:        r.d.Handler,
		Runtime:        r.d.runtime(),
		TimeoutSeconds: r.d.TimeoutSeconds,
		MemoryMB:       r.d.MemoryMB,
		Environment:    r.d.Environment,
		Layers:         layers,
		Tags:           r.d.Tags,
	})
	if err != nil {
		return err
	}
	r.fn = fn
	r.res.FunctionARN = fn.ARN
	r.res.FunctionCodeSHA256 = fn.CodeSHA256

	action := planformat.ActionNoop
	switch {
	case fn.Created:
		action = planformat.ActionCreate
	case fn.Changed:
		action = planformat.ActionUpdate
	}
	r.note(StageFunction, action, fn.ARN)
	return nil
}

func (r *run) grantInvoke(ctx context.Context) error {
	perm, err := r.p.c.Functions.GrantInvoke(ctx, r.fn.ARN, r.d.SkillType)
	if err != nil {
		return err
	}
	r.res.PermissionStatementID = perm.StatementID

	action := planformat.ActionNoop
	if perm.Added {
		action = planformat.ActionCreate
	}
	r.note(StagePermission, action, perm.Principal)
	return nil
}

func (r *run) computeOverrides(_ context.Context) error {
	o, err := manifest.Compute(r.d.Mode.Manifest, r.fn.ARN, r.overrides)
	if err != nil {
		return err
	}
	r.computed = o
	r.res.EndpointURI = o.EndpointURI
	r.note(StageOverrides, "", string(r.d.Mode.Manifest))
	return nil
}

func (r *run) register(ctx context.Context) error {
	rec, err := r.reg.RegisterOrUpdate(ctx, registrar.Request{
		Credentials: r.creds,
		FieldNames:  r.d.SecretFields,
		Package:     r.pkg,
		Overrides:   r.computed,
		Stage:       r.d.stage(),
		SkillID:     r.d.SkillID,
	})
	if err != nil {
		return err
	}
	r.res.SkillID = rec.SkillID
	r.res.SkillStatus = rec.Status
	r.res.ManifestHash = rec.ManifestHash

	action := planformat.ActionNoop
	switch {
	case rec.Created:
		action = planformat.ActionCreate
	case rec.Updated:
		action = planformat.ActionUpdate
	}
	r.note(StageRegister, action, rec.SkillID)
	return nil
}
