// Package manifest merges computed overrides onto a skill's static
// manifest and produces the canonical form used to detect changes.
package manifest

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/gowebpki/jcs"
	"gopkg.in/yaml.v3"

	"github.com/agentctx/terraform-provider-voiceskill/internal/bundle"
)

// Document is a manifest as a generic JSON tree. The top level holds a
// single "manifest" key, as in skill.json and the platform's responses.
type Document map[string]interface{}

// Parse decodes a JSON manifest.
func Parse(data []byte) (Document, error) {
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("manifest: parse: %w", err)
	}
	if doc == nil {
		return nil, fmt.Errorf("manifest: document is empty")
	}
	return doc, nil
}

// LoadFile reads a partial manifest from a YAML or JSON file. The format is
// chosen by extension; YAML is a superset of JSON so anything else is read
// as YAML.
func LoadFile(path string) (Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("manifest: read %s: %w", path, err)
	}
	if strings.EqualFold(filepath.Ext(path), ".json") {
		return Parse(data)
	}

	var raw interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("manifest: parse %s: %w", path, err)
	}
	norm, err := normalize(raw)
	if err != nil {
		return nil, fmt.Errorf("manifest: %s: %w", path, err)
	}
	doc, ok := norm.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("manifest: %s: top level must be a mapping", path)
	}
	return Document(doc), nil
}

// normalize converts YAML-decoded values into the shapes encoding/json
// produces, so merged documents compare and marshal uniformly.
func normalize(v interface{}) (interface{}, error) {
	switch x := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(x))
		for k, val := range x {
			n, err := normalize(val)
			if err != nil {
				return nil, err
			}
			out[k] = n
		}
		return out, nil
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(x))
		for k, val := range x {
			ks, ok := k.(string)
			if !ok {
				return nil, fmt.Errorf("non-string key %v", k)
			}
			n, err := normalize(val)
			if err != nil {
				return nil, err
			}
			out[ks] = n
		}
		return out, nil
	case []interface{}:
		out := make([]interface{}, len(x))
		for i, val := range x {
			n, err := normalize(val)
			if err != nil {
				return nil, err
			}
			out[i] = n
		}
		return out, nil
	case int:
		return float64(x), nil
	case int64:
		return float64(x), nil
	case uint64:
		return float64(x), nil
	default:
		return v, nil
	}
}

// Merge returns base with overlay deep-merged on top. Objects merge key by
// key, anything else in overlay (arrays included) replaces the base value.
// Neither input is modified.
func Merge(base, overlay Document) Document {
	out := deepCopy(map[string]interface{}(base)).(map[string]interface{})
	mergeInto(out, overlay)
	return Document(out)
}

func mergeInto(dst map[string]interface{}, src map[string]interface{}) {
	for k, sv := range src {
		sm, srcIsMap := asMap(sv)
		dm, dstIsMap := asMap(dst[k])
		if srcIsMap && dstIsMap {
			merged := deepCopy(dm).(map[string]interface{})
			mergeInto(merged, sm)
			dst[k] = merged
			continue
		}
		dst[k] = deepCopy(sv)
	}
}

func asMap(v interface{}) (map[string]interface{}, bool) {
	switch m := v.(type) {
	case map[string]interface{}:
		return m, true
	case Document:
		return m, true
	default:
		return nil, false
	}
}

func deepCopy(v interface{}) interface{} {
	switch x := v.(type) {
	case Document:
		return deepCopy(map[string]interface{}(x))
	case map[string]interface{}:
		out := make(map[string]interface{}, len(x))
		for k, val := range x {
			out[k] = deepCopy(val)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(x))
		for i, val := range x {
			out[i] = deepCopy(val)
		}
		return out
	case []string:
		out := make([]interface{}, len(x))
		for i, s := range x {
			out[i] = s
		}
		return out
	default:
		return v
	}
}

// Canonical renders doc in RFC 8785 canonical JSON.
func Canonical(doc Document) ([]byte, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("manifest: marshal: %w", err)
	}
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("manifest: canonicalize: %w", err)
	}
	return out, nil
}

// Hash is the content hash of doc's canonical form. Documents that differ
// only in key order or whitespace hash the same.
func Hash(doc Document) (string, error) {
	c, err := Canonical(doc)
	if err != nil {
		return "", err
	}
	return bundle.HashBytes(c), nil
}

// Lookup walks a dotted path such as "manifest.apis.custom.endpoint.uri".
func (d Document) Lookup(path string) (interface{}, bool) {
	var cur interface{} = map[string]interface{}(d)
	for _, part := range strings.Split(path, ".") {
		m, ok := asMap(cur)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// StringAt returns the value at path, or "" when it is absent or not a string.
func (d Document) StringAt(path string) string {
	v, _ := d.Lookup(path)
	s, _ := v.(string)
	return s
}

// Locales lists the locale keys under manifest.publishingInformation.locales.
func (d Document) Locales() []string {
	v, ok := d.Lookup("manifest.publishingInformation.locales")
	if !ok {
		return nil
	}
	m, ok := asMap(v)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
