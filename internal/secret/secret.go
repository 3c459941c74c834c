// Package secret resolves the credential bundle the skill platform needs,
// either from a remote secret store or from literal values supplied by the
// operator. Resolved values are never logged.
package secret

import (
	"context"
	"errors"
	"fmt"
)

// ErrSecretNotFound is returned by a Store when the secret does not exist.
var ErrSecretNotFound = errors.New("secret not found")

// ErrFieldNotFound is carried by a failed Result when the secret exists but
// lacks the requested field, or the field is empty.
var ErrFieldNotFound = errors.New("secret field not found")

// Ref names one credential field. SecretID is ignored by resolvers that do
// not talk to a store.
type Ref struct {
	SecretID string
	Field    string
}

func (r Ref) String() string {
	if r.SecretID == "" {
		return r.Field
	}
	return r.SecretID + "#" + r.Field
}

// Result is the outcome of resolving a single Ref. Callers must check Err
// before using Value.
type Result struct {
	ref   Ref
	value string
	err   error
}

// Resolved builds a successful Result.
func Resolved(ref Ref, value string) Result { return Result{ref: ref, value: value} }

// Failed builds a failed Result.
func Failed(ref Ref, err error) Result { return Result{ref: ref, err: err} }

// Ref returns the reference this result answers.
func (r Result) Ref() Ref { return r.ref }

// Err is nil when the value was resolved.
func (r Result) Err() error { return r.err }

// OK reports whether the value was resolved.
func (r Result) OK() bool { return r.err == nil }

// Value returns the resolved value, or "" for a failed Result.
func (r Result) Value() string {
	if r.err != nil {
		return ""
	}
	return r.value
}

// String never includes the value.
func (r Result) String() string {
	if r.err != nil {
		return fmt.Sprintf("%s: unresolved (%v)", r.ref, r.err)
	}
	return fmt.Sprintf("%s: resolved", r.ref)
}

// Resolver turns references into values.
type Resolver interface {
	Resolve(ctx context.Context, ref Ref) Result
}

// StaticResolver serves literal values keyed by field name. It is meant for
// development iterations where credentials come straight from
// configuration.
type StaticResolver struct {
	values map[string]string
}

// NewStaticResolver copies values.
func NewStaticResolver(values map[string]string) *StaticResolver {
	m := make(map[string]string, len(values))
	for k, v := range values {
		m[k] = v
	}
	return &StaticResolver{values: m}
}

func (s *StaticResolver) Resolve(_ context.Context, ref Ref) Result {
	v, ok := s.values[ref.Field]
	if !ok || v == "" {
		return Failed(ref, ErrFieldNotFound)
	}
	return Resolved(ref, v)
}
