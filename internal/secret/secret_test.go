package secret

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	smtypes "github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"

	"github.com/agentctx/terraform-provider-voiceskill/internal/deployerr"
)

const (
	testSecretID = "StudentAdvisingVoiceAssistant/SkillCredentials"
	fullDoc      = `{"vendor-id":"V1","client-id":"C1","client-secret":"S1","refresh-token":"R1"}`
)

// ---------------------------------------------------------------------------
// Result
// ---------------------------------------------------------------------------

func TestResult(t *testing.T) {
	ok := Resolved(Ref{SecretID: "s", Field: "f"}, "value")
	if !ok.OK() || ok.Err() != nil || ok.Value() != "value" {
		t.Errorf("resolved result = %+v", ok)
	}
	if strings.Contains(ok.String(), "value") {
		t.Errorf("String() leaks the value: %s", ok.String())
	}

	bad := Failed(Ref{Field: "f"}, ErrFieldNotFound)
	if bad.OK() || bad.Value() != "" || !errors.Is(bad.Err(), ErrFieldNotFound) {
		t.Errorf("failed result = %+v", bad)
	}
}

// ---------------------------------------------------------------------------
// Static
// ---------------------------------------------------------------------------

func TestStaticResolver(t *testing.T) {
	r := NewStaticResolver(map[string]string{"vendor-id": "V1", "client-id": ""})

	if got := r.Resolve(context.Background(), Ref{Field: "vendor-id"}); got.Value() != "V1" {
		t.Errorf("vendor-id = %q", got.Value())
	}
	if got := r.Resolve(context.Background(), Ref{Field: "client-id"}); got.OK() {
		t.Error("empty literal must not resolve")
	}
	if got := r.Resolve(context.Background(), Ref{Field: "nope"}); !errors.Is(got.Err(), ErrFieldNotFound) {
		t.Errorf("missing literal err = %v", got.Err())
	}
}

// ---------------------------------------------------------------------------
// Remote
// ---------------------------------------------------------------------------

func TestRemoteResolver_FetchesOnce(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	store.Set(testSecretID, fullDoc)
	r := NewRemoteResolver(store)

	var wg sync.WaitGroup
	for _, f := range []string{"vendor-id", "client-id", "client-secret", "refresh-token", "vendor-id"} {
		wg.Add(1)
		go func(f string) {
			defer wg.Done()
			if res := r.Resolve(ctx, Ref{SecretID: testSecretID, Field: f}); !res.OK() {
				t.Errorf("Resolve(%s): %v", f, res.Err())
			}
		}(f)
	}
	wg.Wait()

	if store.Fetches() != 1 {
		t.Errorf("secret fetched %d times, want 1", store.Fetches())
	}
}

func TestRemoteResolver_Errors(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	store.Set("broken", "not json")
	store.Set("partial", `{"vendor-id":"V1","client-id":42}`)
	r := NewRemoteResolver(store)

	if res := r.Resolve(ctx, Ref{SecretID: "missing", Field: "x"}); !errors.Is(res.Err(), ErrSecretNotFound) {
		t.Errorf("missing secret err = %v", res.Err())
	}
	res := r.Resolve(ctx, Ref{SecretID: "broken", Field: "x"})
	if res.OK() || strings.Contains(res.Err().Error(), "not json") {
		t.Errorf("broken secret err = %v (must not quote the body)", res.Err())
	}
	if res := r.Resolve(ctx, Ref{SecretID: "partial", Field: "client-id"}); !errors.Is(res.Err(), ErrFieldNotFound) {
		t.Errorf("non-string field err = %v", res.Err())
	}
	if res := r.Resolve(ctx, Ref{Field: "vendor-id"}); res.OK() {
		t.Error("a ref without a secret id must fail")
	}
}

// fakeSecretsManager implements SecretsManagerAPI.
type fakeSecretsManager struct {
	secrets map[string]string
}

func (f *fakeSecretsManager) GetSecretValue(_ context.Context, in *secretsmanager.GetSecretValueInput, _ ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error) {
	body, ok := f.secrets[*in.SecretId]
	if !ok {
		return nil, &smtypes.ResourceNotFoundException{Message: strPtr("not found")}
	}
	return &secretsmanager.GetSecretValueOutput{SecretString: &body}, nil
}

func strPtr(s string) *string { return &s }

func TestSecretsManagerStore(t *testing.T) {
	ctx := context.Background()
	s := NewSecretsManagerStore(&fakeSecretsManager{secrets: map[string]string{testSecretID: fullDoc}})

	body, err := s.SecretString(ctx, testSecretID)
	if err != nil || body != fullDoc {
		t.Fatalf("SecretString = %q, %v", body, err)
	}
	if _, err := s.SecretString(ctx, "other"); !errors.Is(err, ErrSecretNotFound) {
		t.Errorf("missing secret err = %v", err)
	}
}

// ---------------------------------------------------------------------------
// Credentials
// ---------------------------------------------------------------------------

func TestResolveCredentials_Remote(t *testing.T) {
	store := NewMemoryStore()
	store.Set(testSecretID, fullDoc)

	creds, err := ResolveCredentials(context.Background(), NewRemoteResolver(store), testSecretID, FieldNames{})
	if err != nil {
		t.Fatalf("ResolveCredentials: %v", err)
	}
	want := Credentials{VendorID: "V1", ClientID: "C1", ClientSecret: "S1", RefreshToken: "R1"}
	if !reflect.DeepEqual(creds, want) {
		t.Errorf("creds mismatch")
	}
	if !creds.Complete() {
		t.Error("Complete() = false")
	}
}

func TestResolveCredentials_CustomFieldNames(t *testing.T) {
	r := NewStaticResolver(map[string]string{
		"vendor": "V1", "client-id": "C1", "client-secret": "S1", "token": "R1",
	})
	creds, err := ResolveCredentials(context.Background(), r, "", FieldNames{VendorID: "vendor", RefreshToken: "token"})
	if err != nil {
		t.Fatalf("ResolveCredentials: %v", err)
	}
	if creds.VendorID != "V1" || creds.RefreshToken != "R1" {
		t.Error("custom field names were not honoured")
	}
}

func TestResolveCredentials_MissingFields(t *testing.T) {
	store := NewMemoryStore()
	store.Set(testSecretID, `{"vendor-id":"V1","client-id":"C1","client-secret":""}`)

	creds, err := ResolveCredentials(context.Background(), NewRemoteResolver(store), testSecretID, FieldNames{})
	var ue *deployerr.UnresolvedSecretError
	if !errors.As(err, &ue) {
		t.Fatalf("expected UnresolvedSecretError, got %v", err)
	}
	if !reflect.DeepEqual(ue.Fields, []string{"client-secret", "refresh-token"}) {
		t.Errorf("Fields = %v", ue.Fields)
	}
	if creds != (Credentials{}) {
		t.Error("a partial bundle must not be returned")
	}
	if !deployerr.IsFatalBeforeProvisioning(err) {
		t.Error("unresolved credentials must abort before provisioning")
	}
}

func TestResolveCredentials_StoreErrorIsCause(t *testing.T) {
	_, err := ResolveCredentials(context.Background(), NewRemoteResolver(NewMemoryStore()), "gone", FieldNames{})
	if !errors.Is(err, ErrSecretNotFound) {
		t.Errorf("err = %v, want wrapped ErrSecretNotFound", err)
	}
}

func TestCredentials_Redacted(t *testing.T) {
	c := Credentials{VendorID: "V1", ClientID: "C1", ClientSecret: "S1-very-secret", RefreshToken: "R1"}
	for _, s := range []string{fmt.Sprint(c), fmt.Sprintf("%v", c), fmt.Sprintf("%+v", c), fmt.Sprintf("%#v", c), fmt.Sprintf("%s", c)} {
		if strings.Contains(s, "S1-very-secret") || strings.Contains(s, "R1") {
			t.Errorf("formatted credentials leak a value: %s", s)
		}
	}
}

func TestCredentials_Missing(t *testing.T) {
	c := Credentials{VendorID: "V1", ClientSecret: "S1"}
	if got := c.Missing(FieldNames{}); !reflect.DeepEqual(got, []string{"client-id", "refresh-token"}) {
		t.Errorf("Missing = %v", got)
	}
	custom := FieldNames{ClientID: "appClientId", RefreshToken: "lwaRefreshToken"}
	if got := c.Missing(custom); !reflect.DeepEqual(got, []string{"appClientId", "lwaRefreshToken"}) {
		t.Errorf("Missing with custom names = %v", got)
	}
	if c.Complete() {
		t.Error("partial bundle reported complete")
	}
	full := Credentials{VendorID: "V1", ClientID: "C1", ClientSecret: "S1", RefreshToken: "R1"}
	if got := full.Missing(FieldNames{}); got != nil || !full.Complete() {
		t.Errorf("full bundle: Missing = %v", got)
	}
}

func TestMaskCredentials_NoValues(t *testing.T) {
	ctx := context.Background()
	if MaskCredentials(ctx, Credentials{}) != ctx {
		t.Error("empty credentials should leave the context untouched")
	}
}

func TestFieldNames_Validate(t *testing.T) {
	if err := (FieldNames{}).Validate(); err != nil {
		t.Errorf("default names: %v", err)
	}
	if err := (FieldNames{VendorID: "vendor", ClientID: "id", ClientSecret: "secret", RefreshToken: "refresh"}).Validate(); err != nil {
		t.Errorf("distinct names: %v", err)
	}

	err := FieldNames{VendorID: "id", ClientID: "id"}.Validate()
	var ce *deployerr.ConfigurationError
	if !errors.As(err, &ce) {
		t.Fatalf("err = %v, want ConfigurationError", err)
	}
	if !strings.Contains(err.Error(), "vendor_id") || !strings.Contains(err.Error(), "client_id") {
		t.Errorf("error should name both attributes: %v", err)
	}

	// A custom name may collide with another field's default.
	if err := (FieldNames{VendorID: "client-id"}).Validate(); err == nil {
		t.Error("expected a collision with the default client-id name")
	}
}
