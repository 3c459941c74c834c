package identity

import (
	"context"
	"encoding/json"
	"net/url"
	"reflect"
	"strings"
	"testing"
)

func TestEnsure_CreatesRoleWithOrderedGrants(t *testing.T) {
	ctx := context.Background()
	fake := NewMemoryIAM()
	p := NewProvisioner(fake)

	role, err := p.Ensure(ctx, Spec{
		Name: "advisor-skill-backend",
		Tags: map[string]string{"Application": "Student Advising Voice Assistant"},
	})
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}

	if role.ARN != "arn:aws:iam::123456789012:role/advisor-skill-backend" {
		t.Errorf("ARN = %q", role.ARN)
	}
	if len(role.Grants) != 2 || role.Grants[0].Kind != GrantManaged || role.Grants[1].Kind != GrantInline {
		t.Fatalf("grants = %+v, want managed then inline", role.Grants)
	}
	if got := fake.Attached("advisor-skill-backend"); !reflect.DeepEqual(got, []string{ReadOnlyParametersPolicyARN}) {
		t.Errorf("attached = %v", got)
	}

	doc, ok := fake.InlinePolicy("advisor-skill-backend", InlinePolicyName("advisor-skill-backend"))
	if !ok {
		t.Fatal("inline policy missing")
	}
	for _, action := range []string{"logs:CreateLogGroup", "logs:CreateLogStream", "logs:PutLogEvents"} {
		if !strings.Contains(doc, action) {
			t.Errorf("inline policy lacks %s: %s", action, doc)
		}
	}
}

func TestEnsure_IdempotentRerun(t *testing.T) {
	ctx := context.Background()
	fake := NewMemoryIAM()
	p := NewProvisioner(fake)
	spec := Spec{Name: "r", Tags: map[string]string{"Application": "x"}}

	first, err := p.Ensure(ctx, spec)
	if err != nil {
		t.Fatalf("first Ensure: %v", err)
	}
	writes := fake.Writes()

	second, err := p.Ensure(ctx, spec)
	if err != nil {
		t.Fatalf("second Ensure: %v", err)
	}
	if first.ARN != second.ARN {
		t.Errorf("ARN changed: %s -> %s", first.ARN, second.ARN)
	}
	if fake.Writes() != writes {
		t.Errorf("rerun issued %d writes, want 0", fake.Writes()-writes)
	}
}

func TestEnsure_AcceptsURLEncodedRemotePolicy(t *testing.T) {
	ctx := context.Background()
	fake := NewMemoryIAM()
	p := NewProvisioner(fake)
	if _, err := p.Ensure(ctx, Spec{Name: "r"}); err != nil {
		t.Fatal(err)
	}

	// IAM returns documents URL-encoded and pretty-printed.
	doc, _ := fake.InlinePolicy("r", InlinePolicyName("r"))
	var v interface{}
	if err := json.Unmarshal([]byte(doc), &v); err != nil {
		t.Fatal(err)
	}
	pretty, _ := json.MarshalIndent(v, "", "  ")
	fake.roles["r"].inline[InlinePolicyName("r")] = url.QueryEscape(string(pretty))

	writes := fake.Writes()
	if _, err := p.Ensure(ctx, Spec{Name: "r"}); err != nil {
		t.Fatal(err)
	}
	if fake.Writes() != writes {
		t.Error("an equivalent encoded policy must not be rewritten")
	}
}

func TestEnsure_RetagsDrift(t *testing.T) {
	ctx := context.Background()
	fake := NewMemoryIAM()
	p := NewProvisioner(fake)
	if _, err := p.Ensure(ctx, Spec{Name: "r", Tags: map[string]string{"Application": "a"}}); err != nil {
		t.Fatal(err)
	}
	if _, err := p.Ensure(ctx, Spec{Name: "r", Tags: map[string]string{"Application": "b"}}); err != nil {
		t.Fatal(err)
	}
	if fake.roles["r"].tags["Application"] != "b" {
		t.Errorf("tags = %v", fake.roles["r"].tags)
	}
}

func TestTrustPolicy(t *testing.T) {
	doc, err := TrustPolicy()
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(doc, LambdaPrincipal) || !strings.Contains(doc, "sts:AssumeRole") {
		t.Errorf("trust policy = %s", doc)
	}
}

func TestDelete(t *testing.T) {
	ctx := context.Background()
	fake := NewMemoryIAM()
	p := NewProvisioner(fake)
	if _, err := p.Ensure(ctx, Spec{Name: "r"}); err != nil {
		t.Fatal(err)
	}

	if err := p.Delete(ctx, "r"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	exists, err := p.Exists(ctx, "r")
	if err != nil || exists {
		t.Errorf("Exists after Delete = %v, %v", exists, err)
	}
	if err := p.Delete(ctx, "r"); err != nil {
		t.Errorf("second Delete: %v (want no-op)", err)
	}
}

func TestEnsure_RequiresName(t *testing.T) {
	if _, err := NewProvisioner(NewMemoryIAM()).Ensure(context.Background(), Spec{}); err == nil {
		t.Fatal("expected error")
	}
}

var _ IAMAPI = (*MemoryIAM)(nil)
