package acctest

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/hashicorp/terraform-plugin-framework/providerserver"
	"github.com/hashicorp/terraform-plugin-go/tfprotov6"

	"github.com/agentctx/terraform-provider-voiceskill/internal/cloud"
	"github.com/agentctx/terraform-provider-voiceskill/internal/provider"
	"github.com/agentctx/terraform-provider-voiceskill/internal/skillapi/skillapitest"
	"github.com/agentctx/terraform-provider-voiceskill/internal/store"
)

// Region is the memory cloud region every acceptance test configures.
const Region = "us-test-1"

// SecretID is the credential secret SeedCredentials writes.
const SecretID = "voiceskill/credentials"

// TestProtoV6ProviderFactories is a map of provider factory functions
// suitable for use with the terraform-plugin-testing framework.
var TestProtoV6ProviderFactories = map[string]func() (tfprotov6.ProviderServer, error){
	"voiceskill": providerserver.NewProtocol6WithError(provider.New("test")()),
}

// SetupTest resets the memory artifact stores and memory cloud accounts so
// each test starts with a clean slate.
func SetupTest(t *testing.T) {
	t.Helper()
	reset := func() {
		store.ResetMemoryStores()
		cloud.ResetMemory()
	}
	reset()
	t.Cleanup(reset)
}

// Platform starts a mock skill platform that accepts the credentials
// SeedCredentials writes.
func Platform(t *testing.T) *skillapitest.Server {
	t.Helper()
	srv := skillapitest.NewServer(t)
	srv.ClientID = "client-1"
	srv.ClientSecret = "secret-1"
	srv.RefreshToken = "refresh-1"
	return srv
}

// SeedCredentials stores a complete credential secret under SecretID in the
// memory cloud. Fields listed in omit are left out.
func SeedCredentials(t *testing.T, omit ...string) {
	t.Helper()
	fields := map[string]string{
		"vendor-id":     "vendor-1",
		"client-id":     "client-1",
		"client-secret": "secret-1",
		"refresh-token": "refresh-1",
	}
	for _, f := range omit {
		delete(fields, f)
	}
	body, err := json.Marshal(fields)
	if err != nil {
		t.Fatalf("encoding secret: %s", err)
	}
	cloud.GetOrCreateMemory(Region).Secrets.Set(SecretID, string(body))
}

// Cloud returns the memory cloud account the provider under test uses.
func Cloud() *cloud.Memory {
	return cloud.GetOrCreateMemory(Region)
}

// CreateTempSourceDir creates a temporary directory with the given files
// and returns its absolute path. Keys are slash-separated relative paths.
func CreateTempSourceDir(t *testing.T, files map[string]string) string {
	t.Helper()

	dir := t.TempDir()
	for relPath, content := range files {
		fullPath := filepath.Join(dir, filepath.FromSlash(relPath))
		if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
			t.Fatalf("failed to create parent dir for %s: %s", relPath, err)
		}
		if err := os.WriteFile(fullPath, []byte(content), 0o644); err != nil {
			t.Fatalf("failed to write file %s: %s", relPath, err)
		}
	}
	return dir
}

// SkillPackageDir writes a minimal skill package with one locale.
func SkillPackageDir(t *testing.T, invocation string) string {
	t.Helper()
	return CreateTempSourceDir(t, map[string]string{
		"skill.json": `{
  "manifest": {
    "publishingInformation": {
      "locales": {"en-US": {"name": "Student Advisor"}}
    },
    "apis": {"custom": {"endpoint": {"uri": "TBD"}}}
  }
}`,
		"interactionModels/custom/en-US.json": fmt.Sprintf(`{"interactionModel":{"languageModel":{"invocationName":%q}}}`, invocation),
	})
}

// FunctionSourceDir writes a one-file function source tree.
func FunctionSourceDir(t *testing.T, body string) string {
	t.Helper()
	return CreateTempSourceDir(t, map[string]string{
		"lambda_function.py": body,
	})
}

// ProviderConfig returns an HCL snippet configuring the voiceskill provider
// against the memory artifact store, the memory cloud and srv.
func ProviderConfig(srv *skillapitest.Server, destroyRemote bool) string {
	return fmt.Sprintf(`
provider "voiceskill" {
  region = %q

  artifact_store {
    name = "artifacts"
    type = "memory"
  }

  cloud {
    type = "memory"
  }

  skill_platform {
    base_url            = %q
    token_url           = %q
    requests_per_second = 100
    max_retries         = 0
    destroy_remote      = %t
  }
}
`, Region, srv.URL, srv.TokenURL(), destroyRemote)
}
