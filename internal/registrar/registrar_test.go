package registrar_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/agentctx/terraform-provider-voiceskill/internal/artifact"
	"github.com/agentctx/terraform-provider-voiceskill/internal/deployerr"
	"github.com/agentctx/terraform-provider-voiceskill/internal/manifest"
	"github.com/agentctx/terraform-provider-voiceskill/internal/registrar"
	"github.com/agentctx/terraform-provider-voiceskill/internal/secret"
	"github.com/agentctx/terraform-provider-voiceskill/internal/skillapi"
	"github.com/agentctx/terraform-provider-voiceskill/internal/skillapi/skillapitest"
	"github.com/agentctx/terraform-provider-voiceskill/internal/store"
)

var creds = secret.Credentials{VendorID: "V1", ClientID: "C1", ClientSecret: "S1", RefreshToken: "R1"}

type fixture struct {
	srv *skillapitest.Server
	reg *registrar.Registrar
	pkg artifact.Reference
}

func writeTree(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for rel, content := range files {
		abs := filepath.Join(dir, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(abs, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

var defaultPackage = map[string]string{
	"skill.json": `{"manifest":{
	  "apis":{"custom":{"endpoint":{"uri":"arn:placeholder"}}},
	  "publishingInformation":{"locales":{"en-US":{"name":"Student Advisor"}}}
	}}`,
	"interactionModels/custom/en-US.json": `{"interactionModel":{"languageModel":{"invocationName":"student advisor"}}}`,
	"interactionModels/custom/README.md":  "not a model",
}

func newFixture(t *testing.T, files map[string]string) *fixture {
	t.Helper()
	srv := skillapitest.NewServer(t)
	srv.ClientID, srv.ClientSecret, srv.RefreshToken = "C1", "S1", "R1"

	packages := artifact.New(store.NewMemoryStore("artifacts"), semaphore.NewWeighted(4))
	pkg, err := packages.Package(context.Background(), writeTree(t, files))
	if err != nil {
		t.Fatalf("Package: %v", err)
	}

	reg := registrar.New(registrar.ClientConnector(skillapi.Config{
		BaseURL:           srv.URL,
		TokenURL:          srv.TokenURL(),
		MaxRetries:        0,
		RequestsPerSecond: 1000,
	}), packages)
	reg.PollInterval = time.Millisecond
	reg.PollTimeout = 5 * time.Second

	return &fixture{srv: srv, reg: reg, pkg: pkg}
}

func (f *fixture) request(t *testing.T, endpoint, skillID string) registrar.Request {
	t.Helper()
	o, err := manifest.Compute(manifest.ProfileMinimal, endpoint, manifest.Overrides{})
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	return registrar.Request{Credentials: creds, Package: f.pkg, Overrides: o, SkillID: skillID}
}

// ---------------------------------------------------------------------------
// RegisterOrUpdate
// ---------------------------------------------------------------------------

func TestRegisterOrUpdate_CreatesSkill(t *testing.T) {
	f := newFixture(t, defaultPackage)

	rec, err := f.reg.RegisterOrUpdate(context.Background(), f.request(t, "arn:fn:123", ""))
	if err != nil {
		t.Fatalf("RegisterOrUpdate: %v", err)
	}
	if !rec.Created || rec.Updated {
		t.Errorf("rec = %+v, want created", rec)
	}
	if rec.Stage != "development" || rec.VendorID != "V1" || rec.Status != skillapi.StatusSucceeded {
		t.Errorf("rec = %+v", rec)
	}
	if got := f.srv.Endpoint(rec.SkillID, "development"); got != "arn:fn:123" {
		t.Errorf("registered endpoint = %q", got)
	}
	if f.srv.ModelWrites() != 1 {
		t.Errorf("model writes = %d, want 1", f.srv.ModelWrites())
	}
}

func TestRegisterOrUpdate_IdempotentRerun(t *testing.T) {
	f := newFixture(t, defaultPackage)
	ctx := context.Background()

	first, err := f.reg.RegisterOrUpdate(ctx, f.request(t, "arn:fn:123", ""))
	if err != nil {
		t.Fatal(err)
	}
	second, err := f.reg.RegisterOrUpdate(ctx, f.request(t, "arn:fn:123", first.SkillID))
	if err != nil {
		t.Fatal(err)
	}

	if second.SkillID != first.SkillID || second.Created || second.Updated {
		t.Errorf("second = %+v", second)
	}
	if second.ManifestHash != first.ManifestHash {
		t.Errorf("hash changed: %s -> %s", first.ManifestHash, second.ManifestHash)
	}
	if f.srv.Creates() != 1 || f.srv.ManifestWrites() != 0 || f.srv.ModelWrites() != 1 {
		t.Errorf("creates=%d manifestWrites=%d modelWrites=%d", f.srv.Creates(), f.srv.ManifestWrites(), f.srv.ModelWrites())
	}
}

func TestRegisterOrUpdate_FindsExistingSkillByName(t *testing.T) {
	f := newFixture(t, defaultPackage)
	ctx := context.Background()

	first, err := f.reg.RegisterOrUpdate(ctx, f.request(t, "arn:fn:123", ""))
	if err != nil {
		t.Fatal(err)
	}
	// State lost; the skill is found again rather than duplicated.
	again, err := f.reg.RegisterOrUpdate(ctx, f.request(t, "arn:fn:123", ""))
	if err != nil {
		t.Fatal(err)
	}
	if again.SkillID != first.SkillID || len(f.srv.SkillIDs()) != 1 {
		t.Errorf("skills = %v", f.srv.SkillIDs())
	}
}

func TestRegisterOrUpdate_UpdatesChangedManifest(t *testing.T) {
	f := newFixture(t, defaultPackage)
	ctx := context.Background()

	first, err := f.reg.RegisterOrUpdate(ctx, f.request(t, "arn:fn:123", ""))
	if err != nil {
		t.Fatal(err)
	}
	second, err := f.reg.RegisterOrUpdate(ctx, f.request(t, "arn:fn:456", first.SkillID))
	if err != nil {
		t.Fatal(err)
	}
	if !second.Updated || second.Created {
		t.Errorf("second = %+v", second)
	}
	if f.srv.Endpoint(first.SkillID, "development") != "arn:fn:456" || f.srv.ManifestWrites() != 1 {
		t.Errorf("endpoint = %q, writes = %d", f.srv.Endpoint(first.SkillID, "development"), f.srv.ManifestWrites())
	}
}

func TestRegisterOrUpdate_RecreatesDeletedSkill(t *testing.T) {
	f := newFixture(t, defaultPackage)
	ctx := context.Background()

	first, err := f.reg.RegisterOrUpdate(ctx, f.request(t, "arn:fn:123", ""))
	if err != nil {
		t.Fatal(err)
	}
	if err := f.reg.Delete(ctx, creds, first.SkillID); err != nil {
		t.Fatal(err)
	}
	second, err := f.reg.RegisterOrUpdate(ctx, f.request(t, "arn:fn:123", first.SkillID))
	if err != nil {
		t.Fatal(err)
	}
	if !second.Created || second.SkillID == first.SkillID {
		t.Errorf("second = %+v", second)
	}
}

func TestRegisterOrUpdate_IncompleteCredentials(t *testing.T) {
	f := newFixture(t, defaultPackage)
	req := f.request(t, "arn:fn:123", "")
	req.Credentials.RefreshToken = ""

	_, err := f.reg.RegisterOrUpdate(context.Background(), req)
	var ue *deployerr.UnresolvedSecretError
	if !errors.As(err, &ue) {
		t.Fatalf("err = %v, want UnresolvedSecretError", err)
	}
	if len(ue.Fields) != 1 || ue.Fields[0] != "refresh-token" {
		t.Errorf("fields = %v", ue.Fields)
	}
	if f.srv.TokenGrants() != 0 || f.srv.Creates() != 0 {
		t.Error("platform contacted with incomplete credentials")
	}
}

func TestRegisterOrUpdate_IncompleteCredentialsNamesConfiguredFields(t *testing.T) {
	f := newFixture(t, defaultPackage)
	req := f.request(t, "arn:fn:123", "")
	req.Credentials.ClientSecret = ""
	req.FieldNames = secret.FieldNames{ClientSecret: "lwaClientSecret"}

	_, err := f.reg.RegisterOrUpdate(context.Background(), req)
	var ue *deployerr.UnresolvedSecretError
	if !errors.As(err, &ue) {
		t.Fatalf("err = %v, want UnresolvedSecretError", err)
	}
	if len(ue.Fields) != 1 || ue.Fields[0] != "lwaClientSecret" {
		t.Errorf("fields = %v, want [lwaClientSecret]", ue.Fields)
	}
}

func TestRegisterOrUpdate_Rejected(t *testing.T) {
	f := newFixture(t, defaultPackage)
	f.srv.Validate = func(m map[string]interface{}) []deployerr.Violation {
		return []deployerr.Violation{{Code: "MISSING_PRIVACY", Message: "privacyAndCompliance is required"}}
	}

	_, err := f.reg.RegisterOrUpdate(context.Background(), f.request(t, "arn:fn:123", ""))
	var rc *deployerr.RegistrationConflictError
	if !errors.As(err, &rc) {
		t.Fatalf("err = %v, want RegistrationConflictError", err)
	}
	if len(rc.Violations) != 1 || rc.Violations[0].Code != "MISSING_PRIVACY" {
		t.Errorf("violations = %+v", rc.Violations)
	}
}

func TestRegisterOrUpdate_WaitsForBuild(t *testing.T) {
	f := newFixture(t, defaultPackage)
	f.srv.PendingPolls = 3

	rec, err := f.reg.RegisterOrUpdate(context.Background(), f.request(t, "arn:fn:123", ""))
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != skillapi.StatusSucceeded {
		t.Errorf("status = %s", rec.Status)
	}
}

func TestRegisterOrUpdate_BuildFailure(t *testing.T) {
	f := newFixture(t, defaultPackage)
	f.srv.FailBuild = true

	rec, err := f.reg.RegisterOrUpdate(context.Background(), f.request(t, "arn:fn:123", ""))
	var rc *deployerr.RegistrationConflictError
	if !errors.As(err, &rc) {
		t.Fatalf("err = %v, want RegistrationConflictError", err)
	}
	if rec.SkillID == "" {
		t.Error("record should still carry the created skill id")
	}
}

func TestRegisterOrUpdate_BuildTimeout(t *testing.T) {
	f := newFixture(t, defaultPackage)
	f.srv.PendingPolls = 1 << 20
	f.reg.PollTimeout = 10 * time.Millisecond

	if _, err := f.reg.RegisterOrUpdate(context.Background(), f.request(t, "arn:fn:123", "")); err == nil {
		t.Fatal("expected timeout")
	}
}

// ---------------------------------------------------------------------------
// Merge
// ---------------------------------------------------------------------------

func TestMerge_MissingSkillJSON(t *testing.T) {
	f := newFixture(t, map[string]string{"README.md": "no manifest here"})
	o, _ := manifest.Compute(manifest.ProfileMinimal, "arn:fn:1", manifest.Overrides{})

	_, err := f.reg.Merge(context.Background(), f.pkg, o)
	var ce *deployerr.ConfigurationError
	if !errors.As(err, &ce) {
		t.Fatalf("err = %v, want ConfigurationError", err)
	}
}

func TestMerge_InvalidSkillJSON(t *testing.T) {
	f := newFixture(t, map[string]string{"skill.json": "{not json"})
	o, _ := manifest.Compute(manifest.ProfileMinimal, "arn:fn:1", manifest.Overrides{})

	_, err := f.reg.Merge(context.Background(), f.pkg, o)
	var ce *deployerr.ConfigurationError
	if !errors.As(err, &ce) {
		t.Fatalf("err = %v, want ConfigurationError", err)
	}
}

func TestMerge_EndpointIsFunctionAddress(t *testing.T) {
	f := newFixture(t, defaultPackage)
	o, err := manifest.Compute(manifest.ProfileFull, "arn:fn:123", manifest.Overrides{
		Extra: manifest.Document{"manifest": map[string]interface{}{
			"apis": map[string]interface{}{"custom": map[string]interface{}{
				"endpoint": map[string]interface{}{"uri": "arn:stale"},
			}},
		}},
	})
	if err != nil {
		t.Fatal(err)
	}
	merged, err := f.reg.Merge(context.Background(), f.pkg, o)
	if err != nil {
		t.Fatal(err)
	}
	if got := merged.StringAt("manifest.apis.custom.endpoint.uri"); got != "arn:fn:123" {
		t.Errorf("endpoint = %q", got)
	}
}

// ---------------------------------------------------------------------------
// Lookup and Delete
// ---------------------------------------------------------------------------

func TestLookupAndDelete(t *testing.T) {
	f := newFixture(t, defaultPackage)
	ctx := context.Background()

	rec, err := f.reg.RegisterOrUpdate(ctx, f.request(t, "arn:fn:123", ""))
	if err != nil {
		t.Fatal(err)
	}
	status, ok, err := f.reg.Lookup(ctx, creds, rec.SkillID, "")
	if err != nil || !ok || status != skillapi.StatusSucceeded {
		t.Fatalf("Lookup = %q, %v, %v", status, ok, err)
	}
	if err := f.reg.Delete(ctx, creds, rec.SkillID); err != nil {
		t.Fatal(err)
	}
	if err := f.reg.Delete(ctx, creds, rec.SkillID); err != nil {
		t.Fatalf("second Delete: %v", err)
	}
	if _, ok, err := f.reg.Lookup(ctx, creds, rec.SkillID, ""); err != nil || ok {
		t.Errorf("Lookup after delete = %v, %v", ok, err)
	}
}
