package manifest

import (
	"fmt"
	"sort"
	"strings"

	"github.com/agentctx/terraform-provider-voiceskill/internal/deployerr"
)

// Profile selects how much of the override set is applied.
type Profile string

const (
	// ProfileFull applies the endpoint, publishing metadata, privacy and
	// compliance flags, and the overrides file.
	ProfileFull Profile = "full"
	// ProfileMinimal applies the endpoint and category only.
	ProfileMinimal Profile = "minimal"
)

// DefaultCategory is the publishing category used when none is set.
const DefaultCategory = "EDUCATION_AND_REFERENCE"

// LocaleInfo is the publishing text for one locale.
type LocaleInfo struct {
	Name           string
	Summary        string
	Description    string
	ExamplePhrases []string
	Keywords       []string
}

// Privacy holds privacy and compliance flags. Nil fields are left as the
// static manifest declares them.
type Privacy struct {
	AllowsPurchases   *bool
	UsesPersonalInfo  *bool
	IsChildDirected   *bool
	IsExportCompliant *bool
	ContainsAds       *bool
}

// Overrides is the partial structure merged on top of the static manifest.
type Overrides struct {
	// API is the manifest interface the endpoint belongs to: "custom",
	// "smartHome" or "video".
	API         string
	EndpointURI string
	Category    string
	Locales     map[string]LocaleInfo
	Privacy     *Privacy
	// Extra is merged first; the typed fields above win over it.
	Extra Document
}

// placeholders never count as an invocation address.
var placeholders = []string{"", "TBD", "PLACEHOLDER", "arn:placeholder", "${function_arn}"}

// Compute builds the override set for profile from in, with endpoint as the
// backend address. It refuses an endpoint that is empty or a placeholder.
func Compute(profile Profile, endpoint string, in Overrides) (Overrides, error) {
	for _, p := range placeholders {
		if strings.EqualFold(strings.TrimSpace(endpoint), p) {
			return Overrides{}, deployerr.Configf("endpoint override %q is not an invocation address", endpoint)
		}
	}

	out := Overrides{
		API:         in.API,
		EndpointURI: endpoint,
		Category:    in.Category,
	}
	if out.API == "" {
		out.API = "custom"
	}
	if out.Category == "" {
		out.Category = DefaultCategory
	}

	switch profile {
	case ProfileMinimal:
	case ProfileFull:
		out.Locales = in.Locales
		out.Privacy = in.Privacy
		out.Extra = in.Extra
	default:
		return Overrides{}, deployerr.Configf("unknown manifest profile %q", profile)
	}
	return out, nil
}

// Document renders the override set in manifest shape.
func (o Overrides) Document() Document {
	m := map[string]interface{}{}
	if o.Extra != nil {
		if inner, ok := asMap(o.Extra["manifest"]); ok {
			m = deepCopy(inner).(map[string]interface{})
		}
	}

	typed := map[string]interface{}{
		"apis": map[string]interface{}{
			o.api(): map[string]interface{}{
				"endpoint": map[string]interface{}{"uri": o.EndpointURI},
			},
		},
	}

	pub := map[string]interface{}{}
	if o.Category != "" {
		pub["category"] = o.Category
	}
	if len(o.Locales) > 0 {
		locales := map[string]interface{}{}
		for _, name := range sortedKeys(o.Locales) {
			locales[name] = o.Locales[name].document()
		}
		pub["locales"] = locales
	}
	if len(pub) > 0 {
		typed["publishingInformation"] = pub
	}

	if o.Privacy != nil {
		if p := o.Privacy.document(); len(p) > 0 {
			typed["privacyAndCompliance"] = p
		}
	}

	mergeInto(m, typed)
	return Document{"manifest": m}
}

// Apply merges o onto static.
func (o Overrides) Apply(static Document) (Document, error) {
	if _, ok := asMap(static["manifest"]); !ok {
		return nil, fmt.Errorf("manifest: static manifest has no \"manifest\" object")
	}
	return Merge(static, o.Document()), nil
}

// EndpointPath is the dotted path of the endpoint in a merged document.
func (o Overrides) EndpointPath() string {
	return "manifest.apis." + o.api() + ".endpoint.uri"
}

func (o Overrides) api() string {
	if o.API == "" {
		return "custom"
	}
	return o.API
}

func (l LocaleInfo) document() map[string]interface{} {
	out := map[string]interface{}{}
	if l.Name != "" {
		out["name"] = l.Name
	}
	if l.Summary != "" {
		out["summary"] = l.Summary
	}
	if l.Description != "" {
		out["description"] = l.Description
	}
	if len(l.ExamplePhrases) > 0 {
		out["examplePhrases"] = deepCopy(l.ExamplePhrases)
	}
	if len(l.Keywords) > 0 {
		out["keywords"] = deepCopy(l.Keywords)
	}
	return out
}

func (p Privacy) document() map[string]interface{} {
	out := map[string]interface{}{}
	set := func(key string, v *bool) {
		if v != nil {
			out[key] = *v
		}
	}
	set("allowsPurchases", p.AllowsPurchases)
	set("usesPersonalInfo", p.UsesPersonalInfo)
	set("isChildDirected", p.IsChildDirected)
	set("isExportCompliant", p.IsExportCompliant)
	set("containsAds", p.ContainsAds)
	return out
}

func sortedKeys(m map[string]LocaleInfo) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
