package secret

import (
	"context"
	"errors"

	"github.com/hashicorp/terraform-plugin-log/tflog"

	"github.com/agentctx/terraform-provider-voiceskill/internal/deployerr"
)

// Credentials is the bundle the skill platform requires. All four fields
// must be present before registration.
type Credentials struct {
	VendorID     string
	ClientID     string
	ClientSecret string
	RefreshToken string
}

const redacted = "Credentials{<redacted>}"

// String keeps the values out of logs and error messages.
func (Credentials) String() string { return redacted }

// GoString covers %#v.
func (Credentials) GoString() string { return redacted }

// Complete reports whether every field is set.
func (c Credentials) Complete() bool {
	return c.VendorID != "" && c.ClientID != "" && c.ClientSecret != "" && c.RefreshToken != ""
}

// Missing lists the fields that are empty, named as names calls them.
// Unset names fall back to DefaultFieldNames.
func (c Credentials) Missing(names FieldNames) []string {
	names = names.WithDefaults()
	var out []string
	for _, f := range []struct{ name, value string }{
		{names.VendorID, c.VendorID},
		{names.ClientID, c.ClientID},
		{names.ClientSecret, c.ClientSecret},
		{names.RefreshToken, c.RefreshToken},
	} {
		if f.value == "" {
			out = append(out, f.name)
		}
	}
	return out
}

// FieldNames maps each credential to its field name in the secret document
// or static value set.
type FieldNames struct {
	VendorID     string
	ClientID     string
	ClientSecret string
	RefreshToken string
}

// DefaultFieldNames matches the layout of the credentials secret.
var DefaultFieldNames = FieldNames{
	VendorID:     "vendor-id",
	ClientID:     "client-id",
	ClientSecret: "client-secret",
	RefreshToken: "refresh-token",
}

// WithDefaults fills empty names from DefaultFieldNames.
func (n FieldNames) WithDefaults() FieldNames {
	if n.VendorID == "" {
		n.VendorID = DefaultFieldNames.VendorID
	}
	if n.ClientID == "" {
		n.ClientID = DefaultFieldNames.ClientID
	}
	if n.ClientSecret == "" {
		n.ClientSecret = DefaultFieldNames.ClientSecret
	}
	if n.RefreshToken == "" {
		n.RefreshToken = DefaultFieldNames.RefreshToken
	}
	return n
}

// Validate rejects two credentials sharing one field name, which would read
// the same value into both.
func (n FieldNames) Validate() error {
	n = n.WithDefaults()
	seen := make(map[string]string, 4)
	for _, f := range []struct{ attr, name string }{
		{"vendor_id", n.VendorID},
		{"client_id", n.ClientID},
		{"client_secret", n.ClientSecret},
		{"refresh_token", n.RefreshToken},
	} {
		if prev, ok := seen[f.name]; ok {
			return deployerr.Configf("secret field name %q is used for both %s and %s", f.name, prev, f.attr)
		}
		seen[f.name] = f.attr
	}
	return nil
}

// ResolveCredentials resolves the four fields of secretID through r. If any
// field is missing the result is an *deployerr.UnresolvedSecretError naming
// every missing field; a partially resolved bundle is never returned.
func ResolveCredentials(ctx context.Context, r Resolver, secretID string, names FieldNames) (Credentials, error) {
	names = names.WithDefaults()

	var creds Credentials
	fields := []struct {
		name string
		dst  *string
	}{
		{names.VendorID, &creds.VendorID},
		{names.ClientID, &creds.ClientID},
		{names.ClientSecret, &creds.ClientSecret},
		{names.RefreshToken, &creds.RefreshToken},
	}

	var (
		missing []string
		cause   error
	)
	for _, f := range fields {
		res := r.Resolve(ctx, Ref{SecretID: secretID, Field: f.name})
		if err := res.Err(); err != nil {
			missing = append(missing, f.name)
			if cause == nil && !errors.Is(err, ErrFieldNotFound) {
				cause = err
			}
			continue
		}
		*f.dst = res.Value()
	}

	if len(missing) > 0 {
		return Credentials{}, &deployerr.UnresolvedSecretError{
			SecretID: secretID,
			Fields:   missing,
			Err:      cause,
		}
	}

	tflog.Debug(ctx, "resolved skill platform credentials", map[string]interface{}{
		"secret_id": secretID,
	})
	return creds, nil
}

// MaskCredentials returns a context whose tflog output has every credential
// value replaced, including values that leak into messages from other
// libraries.
func MaskCredentials(ctx context.Context, c Credentials) context.Context {
	values := make([]string, 0, 4)
	for _, v := range []string{c.VendorID, c.ClientID, c.ClientSecret, c.RefreshToken} {
		if v != "" {
			values = append(values, v)
		}
	}
	if len(values) == 0 {
		return ctx
	}
	ctx = tflog.MaskAllFieldValuesStrings(ctx, values...)
	ctx = tflog.MaskMessageStrings(ctx, values...)
	return ctx
}
