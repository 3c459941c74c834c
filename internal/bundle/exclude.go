// Package bundle packages a source directory (a skill package or a function
// source tree) into a deterministic zip archive: enumeration with exclusion
// rules, symlink containment, per-file and tree hashing, and archiving.
package bundle

import (
	"path"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// rule matches one class of path. Exactly one of dir, base, glob or match
// is set.
type rule struct {
	dir   string // a directory name at any depth, and everything beneath it
	base  string // a file basename at any depth
	glob  string // doublestar pattern against the full relative path
	match func(rel string) bool
}

func (r rule) matches(rel string) bool {
	switch {
	case r.match != nil:
		return r.match(rel)
	case r.dir != "":
		for _, seg := range strings.Split(rel, "/") {
			if seg == r.dir {
				return true
			}
		}
		return false
	case r.base != "":
		return path.Base(rel) == r.base
	case r.glob != "":
		ok, _ := doublestar.Match(r.glob, rel)
		return ok
	}
	return false
}

// secretRules keep credentials out of uploaded artifacts. They cannot be
// turned off.
var secretRules = []rule{
	{dir: ".git"},
	{dir: ".aws"},
	{dir: ".ssh"},
	{dir: ".ask"}, // skill CLI state, carries vendor and skill ids
	{match: isDotEnv},
	{glob: "**/*.pem"},
	{glob: "**/*.key"},
	{glob: "**/*.p12"},
	{glob: "**/*.pfx"},
	{base: "id_rsa"},
	{base: "id_ed25519"},
	{base: "ask-states.json"},
}

// noiseRules drop build and editor leftovers that would otherwise make two
// checkouts of the same source produce different archives.
var noiseRules = []rule{
	{dir: "__pycache__"},
	{dir: ".venv"},
	{dir: ".pytest_cache"},
	{dir: ".mypy_cache"},
	{dir: "node_modules"},
	{dir: ".terraform"},
	{glob: "**/*.pyc"},
	{glob: "**/*.tfstate*"},
	{base: ".DS_Store"},
	{base: "Thumbs.db"},
}

// isDotEnv matches .env and .env.* except the .example and .template
// variants, at any depth.
func isDotEnv(rel string) bool {
	base := path.Base(rel)
	if base == ".env" {
		return true
	}
	if suffix, ok := strings.CutPrefix(base, ".env."); ok {
		return suffix != "example" && suffix != "template"
	}
	return false
}

// ShouldExclude reports whether the forward-slash relative path rel is left
// out of the archive. User patterns are gitignore-style: "dir/" excludes a
// directory, a pattern without "/" also matches basenames, and "#" starts a
// comment.
func ShouldExclude(rel string, userExcludes []string) bool {
	for _, rules := range [][]rule{secretRules, noiseRules} {
		for _, r := range rules {
			if r.matches(rel) {
				return true
			}
		}
	}

	for _, pattern := range userExcludes {
		p := strings.TrimSpace(pattern)
		if p == "" || strings.HasPrefix(p, "#") {
			continue
		}

		if dir, ok := strings.CutSuffix(p, "/"); ok {
			if rel == dir || strings.HasPrefix(rel, dir+"/") {
				return true
			}
			continue
		}

		if ok, _ := doublestar.Match(p, rel); ok {
			return true
		}
		if !strings.Contains(p, "/") {
			if ok, _ := doublestar.Match(p, path.Base(rel)); ok {
				return true
			}
		}
	}
	return false
}

// ShouldExcludeDir reports whether a whole directory can be skipped during
// the walk.
func ShouldExcludeDir(rel string, userExcludes []string) bool {
	if rel == "." || rel == "" {
		return false
	}
	return ShouldExclude(rel, userExcludes) || ShouldExclude(rel+"/", userExcludes)
}
