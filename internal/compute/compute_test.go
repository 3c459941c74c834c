package compute

import (
	"context"
	"errors"
	"reflect"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	"github.com/aws/smithy-go"

	"github.com/agentctx/terraform-provider-voiceskill/internal/bundle"
	"github.com/agentctx/terraform-provider-voiceskill/internal/deployerr"
)

var _ LambdaAPI = (*MemoryLambda)(nil)

func inlineCode(data string) Code {
	return Code{ZipFile: []byte(data), Hash: bundle.HashBytes([]byte(data))}
}

func descriptor(code Code) Descriptor {
	return Descriptor{
		Name:           "advisor-skill",
		Code:           code,
		RoleARN:        "arn:aws:iam::123456789012:role/advisor-skill-backend",
		Handler:        "lambda_function.lambda_handler",
		Runtime:        DefaultRuntime,
		TimeoutSeconds: 30,
		Environment:    map[string]string{"URL_PARAM": "advisor"},
		Tags:           map[string]string{"Application": "Student Advising Voice Assistant"},
	}
}

func newPlatform(fake LambdaAPI) *Platform {
	p := NewPlatform(fake)
	p.WaitTimeout = 5 * time.Second
	p.PollInterval = time.Millisecond
	return p
}

// ---------------------------------------------------------------------------
// Deploy
// ---------------------------------------------------------------------------

func TestCodeSHA256_MatchesPlatformEncoding(t *testing.T) {
	ctx := context.Background()
	fake := NewMemoryLambda()
	code := inlineCode("package-bytes")

	fn, err := newPlatform(fake).Deploy(ctx, descriptor(code))
	if err != nil {
		t.Fatalf("Deploy: %v", err)
	}
	want, err := CodeSHA256(code.Hash)
	if err != nil {
		t.Fatalf("CodeSHA256: %v", err)
	}
	if fn.CodeSHA256 != want {
		t.Errorf("CodeSHA256 = %q, platform reports %q", want, fn.CodeSHA256)
	}
}

func TestCodeSHA256_Malformed(t *testing.T) {
	if _, err := CodeSHA256("sha256:zz"); err == nil {
		t.Fatal("expected error for non-hex digest")
	}
}

func TestDeploy_CreatesFunction(t *testing.T) {
	ctx := context.Background()
	fake := NewMemoryLambda()

	fn, err := newPlatform(fake).Deploy(ctx, descriptor(inlineCode("v1")))
	if err != nil {
		t.Fatalf("Deploy: %v", err)
	}
	if !fn.Changed || !fn.Created {
		t.Error("first deploy should report a creation")
	}
	if fn.ARN != "arn:aws:lambda:us-east-1:123456789012:function:advisor-skill" {
		t.Errorf("ARN = %q", fn.ARN)
	}

	cfg, ok := fake.Configuration("advisor-skill")
	if !ok {
		t.Fatal("function not created")
	}
	if string(cfg.Runtime) != "python3.11" {
		t.Errorf("runtime = %q", cfg.Runtime)
	}
	if cfg.Environment.Variables["URL_PARAM"] != "advisor" {
		t.Errorf("environment = %v", cfg.Environment.Variables)
	}
}

func TestDeploy_IdempotentRerun(t *testing.T) {
	ctx := context.Background()
	fake := NewMemoryLambda()
	p := newPlatform(fake)
	d := descriptor(inlineCode("v1"))
	d.Layers = []string{"arn:aws:lambda:us-east-1:123456789012:layer:deps:1"}

	first, err := p.Deploy(ctx, d)
	if err != nil {
		t.Fatalf("first Deploy: %v", err)
	}
	writes := fake.Writes()

	second, err := p.Deploy(ctx, d)
	if err != nil {
		t.Fatalf("second Deploy: %v", err)
	}
	if second.Changed {
		t.Error("rerun reported a change")
	}
	if fake.Writes() != writes {
		t.Errorf("rerun issued %d writes", fake.Writes()-writes)
	}
	if first.ARN != second.ARN {
		t.Errorf("ARN changed: %q -> %q", first.ARN, second.ARN)
	}
}

func TestDeploy_UpdatesCodeWhenHashChanges(t *testing.T) {
	ctx := context.Background()
	fake := NewMemoryLambda()
	p := newPlatform(fake)

	if _, err := p.Deploy(ctx, descriptor(inlineCode("v1"))); err != nil {
		t.Fatalf("Deploy v1: %v", err)
	}
	writes := fake.Writes()

	v2 := inlineCode("v2")
	fn, err := p.Deploy(ctx, descriptor(v2))
	if err != nil {
		t.Fatalf("Deploy v2: %v", err)
	}
	want, _ := CodeSHA256(v2.Hash)
	if !fn.Changed || fn.CodeSHA256 != want {
		t.Errorf("fn = %+v, want code %q", fn, want)
	}
	// Code only; configuration is unchanged.
	if got := fake.Writes() - writes; got != 1 {
		t.Errorf("writes = %d, want 1", got)
	}
}

func TestDeploy_ReconcilesConfigurationDrift(t *testing.T) {
	ctx := context.Background()
	fake := NewMemoryLambda()
	p := newPlatform(fake)
	d := descriptor(inlineCode("v1"))

	if _, err := p.Deploy(ctx, d); err != nil {
		t.Fatalf("Deploy: %v", err)
	}
	d.Environment = map[string]string{"URL_PARAM": "registrar"}
	d.TimeoutSeconds = 60

	fn, err := p.Deploy(ctx, d)
	if err != nil {
		t.Fatalf("Deploy: %v", err)
	}
	if !fn.Changed {
		t.Error("drift not reported")
	}
	cfg, _ := fake.Configuration("advisor-skill")
	if cfg.Environment.Variables["URL_PARAM"] != "registrar" || aws.ToInt32(cfg.Timeout) != 60 {
		t.Errorf("configuration not updated: %+v", cfg)
	}
}

func TestDeploy_InvalidDescriptor(t *testing.T) {
	cases := map[string]func(*Descriptor){
		"no name":    func(d *Descriptor) { d.Name = "" },
		"no role":    func(d *Descriptor) { d.RoleARN = "" },
		"no handler": func(d *Descriptor) { d.Handler = "" },
		"no code":    func(d *Descriptor) { d.Code = Code{Hash: d.Code.Hash} },
		"no hash":    func(d *Descriptor) { d.Code.Hash = "" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			fake := NewMemoryLambda()
			d := descriptor(inlineCode("v1"))
			mutate(&d)
			_, err := newPlatform(fake).Deploy(context.Background(), d)
			var ce *deployerr.ConfigurationError
			if !errors.As(err, &ce) {
				t.Fatalf("err = %v, want ConfigurationError", err)
			}
			if fake.Writes() != 0 {
				t.Error("invalid descriptor reached the platform")
			}
		})
	}
}

// roleLagLambda rejects the first creates as if the role were still
// propagating.
type roleLagLambda struct {
	*MemoryLambda
	failures atomic.Int32
}

func (r *roleLagLambda) CreateFunction(ctx context.Context, in *lambda.CreateFunctionInput, optFns ...func(*lambda.Options)) (*lambda.CreateFunctionOutput, error) {
	if r.failures.Add(-1) >= 0 {
		return nil, &smithy.GenericAPIError{
			Code:    "InvalidParameterValueException",
			Message: "The role defined for the function cannot be assumed by Lambda.",
		}
	}
	return r.MemoryLambda.CreateFunction(ctx, in, optFns...)
}

func TestDeploy_WaitsForRolePropagation(t *testing.T) {
	lag := &roleLagLambda{MemoryLambda: NewMemoryLambda()}
	lag.failures.Store(3)

	fn, err := newPlatform(lag).Deploy(context.Background(), descriptor(inlineCode("v1")))
	if err != nil {
		t.Fatalf("Deploy: %v", err)
	}
	if fn.ARN == "" {
		t.Error("no ARN after propagation wait")
	}
}

func TestDeploy_RolePropagationGivesUp(t *testing.T) {
	lag := &roleLagLambda{MemoryLambda: NewMemoryLambda()}
	lag.failures.Store(1 << 20)
	p := newPlatform(lag)
	p.WaitTimeout = 20 * time.Millisecond

	_, err := p.Deploy(context.Background(), descriptor(inlineCode("v1")))
	if err == nil {
		t.Fatal("expected error once the wait is exhausted")
	}
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		t.Errorf("cause lost: %v", err)
	}
}

func TestDeploy_BucketLocatedCode(t *testing.T) {
	fake := NewMemoryLambda()
	fake.FetchObject = func(bucket, key string) ([]byte, error) {
		if bucket != "artifacts-bucket" || key != "artifacts/x.zip" {
			t.Errorf("fetched %s/%s", bucket, key)
		}
		return []byte("remote"), nil
	}
	code := Code{Bucket: "artifacts-bucket", Key: "artifacts/x.zip", Hash: bundle.HashBytes([]byte("remote"))}
	p := newPlatform(fake)

	if _, err := p.Deploy(context.Background(), descriptor(code)); err != nil {
		t.Fatalf("Deploy: %v", err)
	}
	writes := fake.Writes()
	if _, err := p.Deploy(context.Background(), descriptor(code)); err != nil {
		t.Fatalf("Deploy: %v", err)
	}
	if fake.Writes() != writes {
		t.Error("unchanged bucket code was redeployed")
	}
}

func TestLookupAndDelete(t *testing.T) {
	ctx := context.Background()
	fake := NewMemoryLambda()
	p := newPlatform(fake)

	if _, ok, err := p.Lookup(ctx, "advisor-skill"); err != nil || ok {
		t.Fatalf("Lookup before deploy = %v, %v", ok, err)
	}
	if _, err := p.Deploy(ctx, descriptor(inlineCode("v1"))); err != nil {
		t.Fatalf("Deploy: %v", err)
	}
	if _, ok, err := p.Lookup(ctx, "advisor-skill"); err != nil || !ok {
		t.Fatalf("Lookup after deploy = %v, %v", ok, err)
	}
	if err := p.Delete(ctx, "advisor-skill"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := p.Delete(ctx, "advisor-skill"); err != nil {
		t.Fatalf("second Delete: %v", err)
	}
	if fake.HasFunction("advisor-skill") {
		t.Error("function still present")
	}
}

// ---------------------------------------------------------------------------
// Layers
// ---------------------------------------------------------------------------

func TestEnsureLayer_PublishesOncePerContent(t *testing.T) {
	ctx := context.Background()
	fake := NewMemoryLambda()
	p := newPlatform(fake)
	spec := LayerSpec{Name: "advisor-deps", Code: inlineCode("deps-v1")}

	first, err := p.EnsureLayer(ctx, spec)
	if err != nil {
		t.Fatalf("EnsureLayer: %v", err)
	}
	if !first.Published || first.Version != 1 {
		t.Errorf("first = %+v", first)
	}

	second, err := p.EnsureLayer(ctx, spec)
	if err != nil {
		t.Fatalf("EnsureLayer: %v", err)
	}
	if second.Published || second.VersionARN != first.VersionARN {
		t.Errorf("second = %+v, want reuse of %q", second, first.VersionARN)
	}

	spec.Code = inlineCode("deps-v2")
	third, err := p.EnsureLayer(ctx, spec)
	if err != nil {
		t.Fatalf("EnsureLayer: %v", err)
	}
	if !third.Published || third.Version != 2 {
		t.Errorf("third = %+v", third)
	}

	// Reverting content finds the older version again.
	spec.Code = inlineCode("deps-v1")
	again, err := p.EnsureLayer(ctx, spec)
	if err != nil {
		t.Fatalf("EnsureLayer: %v", err)
	}
	if again.Version != 1 || fake.LayerVersions("advisor-deps") != 2 {
		t.Errorf("again = %+v, versions = %d", again, fake.LayerVersions("advisor-deps"))
	}
}

func TestEnsureLayer_RequiresName(t *testing.T) {
	_, err := newPlatform(NewMemoryLambda()).EnsureLayer(context.Background(), LayerSpec{Code: inlineCode("x")})
	var ce *deployerr.ConfigurationError
	if !errors.As(err, &ce) {
		t.Fatalf("err = %v", err)
	}
}

// ---------------------------------------------------------------------------
// Invoke permission
// ---------------------------------------------------------------------------

func deployed(t *testing.T, fake *MemoryLambda) string {
	t.Helper()
	fn, err := newPlatform(fake).Deploy(context.Background(), descriptor(inlineCode("v1")))
	if err != nil {
		t.Fatalf("Deploy: %v", err)
	}
	return fn.ARN
}

func TestGrantInvoke_TwiceIsNoOp(t *testing.T) {
	ctx := context.Background()
	fake := NewMemoryLambda()
	arn := deployed(t, fake)
	p := newPlatform(fake)

	first, err := p.GrantInvoke(ctx, arn, SkillCustom)
	if err != nil {
		t.Fatalf("GrantInvoke: %v", err)
	}
	if !first.Added {
		t.Error("first grant not added")
	}
	second, err := p.GrantInvoke(ctx, arn, SkillCustom)
	if err != nil {
		t.Fatalf("second GrantInvoke: %v", err)
	}
	if second.Added {
		t.Error("second grant reported as added")
	}
	if got := fake.Statements("advisor-skill"); !reflect.DeepEqual(got, []string{InvokeStatementID}) {
		t.Errorf("statements = %v", got)
	}
	if fake.Grants() != 1 {
		t.Errorf("grants = %d, want 1", fake.Grants())
	}
}

func TestGrantInvoke_ConflictIsNoOp(t *testing.T) {
	ctx := context.Background()
	fake := NewMemoryLambda()
	arn := deployed(t, fake)

	// Statement exists but the policy read misses it.
	if _, err := fake.AddPermission(ctx, &lambda.AddPermissionInput{
		FunctionName: aws.String(arn),
		StatementId:  aws.String(InvokeStatementID),
		Action:       aws.String("lambda:InvokeFunction"),
		Principal:    aws.String(SkillCustom.Principal()),
	}); err != nil {
		t.Fatal(err)
	}
	p := newPlatform(&policyBlindLambda{fake})
	perm, err := p.GrantInvoke(ctx, arn, SkillCustom)
	if err != nil {
		t.Fatalf("GrantInvoke: %v", err)
	}
	if perm.Added {
		t.Error("conflict reported as added")
	}
}

type policyBlindLambda struct{ *MemoryLambda }

func (policyBlindLambda) GetPolicy(context.Context, *lambda.GetPolicyInput, ...func(*lambda.Options)) (*lambda.GetPolicyOutput, error) {
	return nil, notFound("policy")
}

func TestGrantInvoke_PrincipalBySkillType(t *testing.T) {
	cases := []struct {
		skill SkillType
		want  string
	}{
		{SkillCustom, "alexa-appkit.amazon.com"},
		{SkillSmartHome, "alexa-connectedhome.amazon.com"},
		{SkillVideo, "alexa-connectedhome.amazon.com"},
	}
	for _, tc := range cases {
		t.Run(string(tc.skill), func(t *testing.T) {
			fake := NewMemoryLambda()
			arn := deployed(t, fake)
			perm, err := newPlatform(fake).GrantInvoke(context.Background(), arn, tc.skill)
			if err != nil {
				t.Fatalf("GrantInvoke: %v", err)
			}
			if perm.Principal != tc.want {
				t.Errorf("principal = %q, want %q", perm.Principal, tc.want)
			}
		})
	}
}

func TestGrantInvoke_SkillTypeChangeReplacesGrant(t *testing.T) {
	ctx := context.Background()
	fake := NewMemoryLambda()
	arn := deployed(t, fake)
	p := newPlatform(fake)

	if _, err := p.GrantInvoke(ctx, arn, SkillCustom); err != nil {
		t.Fatal(err)
	}
	perm, err := p.GrantInvoke(ctx, arn, SkillSmartHome)
	if err != nil {
		t.Fatal(err)
	}
	if !perm.Added {
		t.Error("changed principal not re-granted")
	}
	stmts, err := p.statements(ctx, arn)
	if err != nil {
		t.Fatal(err)
	}
	if len(stmts) != 1 || stmts[InvokeStatementID].principal() != "alexa-connectedhome.amazon.com" {
		t.Errorf("statements = %+v", stmts)
	}
}

func TestGrantInvoke_Failure(t *testing.T) {
	fake := NewMemoryLambda()
	arn := deployed(t, fake)
	fake.AddPermissionErr = errors.New("throttled")

	if _, err := newPlatform(fake).GrantInvoke(context.Background(), arn, SkillCustom); err == nil {
		t.Fatal("expected error")
	}
}

func TestGrantInvoke_RequiresAddress(t *testing.T) {
	_, err := newPlatform(NewMemoryLambda()).GrantInvoke(context.Background(), "", SkillCustom)
	var ce *deployerr.ConfigurationError
	if !errors.As(err, &ce) {
		t.Fatalf("err = %v", err)
	}
}

func TestRevokeInvoke(t *testing.T) {
	ctx := context.Background()
	fake := NewMemoryLambda()
	arn := deployed(t, fake)
	p := newPlatform(fake)

	if err := p.RevokeInvoke(ctx, arn); err != nil {
		t.Fatalf("revoke without grant: %v", err)
	}
	if _, err := p.GrantInvoke(ctx, arn, SkillCustom); err != nil {
		t.Fatal(err)
	}
	if err := p.RevokeInvoke(ctx, arn); err != nil {
		t.Fatalf("RevokeInvoke: %v", err)
	}
	if got := fake.Statements("advisor-skill"); len(got) != 0 {
		t.Errorf("statements = %v", got)
	}
}

func TestParseSkillType(t *testing.T) {
	for in, want := range map[string]SkillType{"": SkillCustom, "custom": SkillCustom, "smart_home": SkillSmartHome, "video": SkillVideo} {
		got, err := ParseSkillType(in)
		if err != nil || got != want {
			t.Errorf("ParseSkillType(%q) = %q, %v", in, got, err)
		}
	}
	if _, err := ParseSkillType("flash_briefing"); err == nil {
		t.Error("expected error for unsupported type")
	}
}
