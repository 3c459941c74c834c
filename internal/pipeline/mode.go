package pipeline

import (
	"strings"

	"github.com/agentctx/terraform-provider-voiceskill/internal/deployerr"
	"github.com/agentctx/terraform-provider-voiceskill/internal/manifest"
)

// SecretSource selects how credentials are resolved.
type SecretSource string

const (
	// SecretsRemote reads credentials from the secret store.
	SecretsRemote SecretSource = "remote"
	// SecretsStatic uses values supplied in configuration. Development only.
	SecretsStatic SecretSource = "static"
)

// Mode is a deployment mode: a secret source and a manifest profile.
type Mode struct {
	Secrets  SecretSource
	Manifest manifest.Profile
}

const (
	ModeRemoteFull    = "remote-secrets-full-manifest"
	ModeRemoteMinimal = "remote-secrets-minimal-manifest"
	ModeStaticFull    = "static-secrets-full-manifest"
	ModeStaticMinimal = "static-secrets-minimal-manifest"
)

// Modes lists every accepted mode string.
var Modes = []string{ModeRemoteFull, ModeRemoteMinimal, ModeStaticFull, ModeStaticMinimal}

// ParseMode parses "<source>-secrets-<profile>-manifest".
func ParseMode(s string) (Mode, error) {
	source, rest, ok := strings.Cut(s, "-secrets-")
	if !ok {
		return Mode{}, deployerr.Configf("unknown deployment mode %q (must be one of %s)", s, strings.Join(Modes, ", "))
	}
	profile, ok := strings.CutSuffix(rest, "-manifest")
	if !ok {
		return Mode{}, deployerr.Configf("unknown deployment mode %q (must be one of %s)", s, strings.Join(Modes, ", "))
	}

	m := Mode{Secrets: SecretSource(source), Manifest: manifest.Profile(profile)}
	switch m.Secrets {
	case SecretsRemote, SecretsStatic:
	default:
		return Mode{}, deployerr.Configf("deployment mode %q: unknown secret source %q", s, source)
	}
	switch m.Manifest {
	case manifest.ProfileFull, manifest.ProfileMinimal:
	default:
		return Mode{}, deployerr.Configf("deployment mode %q: unknown manifest profile %q", s, profile)
	}
	return m, nil
}

func (m Mode) String() string {
	return string(m.Secrets) + "-secrets-" + string(m.Manifest) + "-manifest"
}
