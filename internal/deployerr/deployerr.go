// Package deployerr defines the error taxonomy shared by every provisioning
// stage. All four types are fatal to the current run; callers detect them
// with errors.As and never retry them inside the core.
package deployerr

import (
	"errors"
	"fmt"
	"strings"
)

// ConfigurationError reports a malformed plan: a missing or cyclic
// dependency declaration, an invalid descriptor, or an unusable mode. It is
// always raised before any remote call is made.
type ConfigurationError struct {
	Reason string
	Err    error
}

func (e *ConfigurationError) Error() string {
	if e.Err != nil {
		return "configuration error: " + e.Reason + ": " + e.Err.Error()
	}
	return "configuration error: " + e.Reason
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// Configf builds a ConfigurationError with a formatted reason.
func Configf(format string, args ...interface{}) *ConfigurationError {
	return &ConfigurationError{Reason: fmt.Sprintf(format, args...)}
}

// UnresolvedSecretError reports credential fields that could not be resolved
// from the secret store. Field values are never included.
type UnresolvedSecretError struct {
	SecretID string
	Fields   []string
	Err      error
}

func (e *UnresolvedSecretError) Error() string {
	msg := fmt.Sprintf("unresolved secret fields [%s]", strings.Join(e.Fields, ", "))
	if e.SecretID != "" {
		msg += fmt.Sprintf(" in %q", e.SecretID)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *UnresolvedSecretError) Unwrap() error { return e.Err }

// ProvisioningError reports a failed remote call (deploy, upload, grant)
// attributed to the graph stage that issued it.
type ProvisioningError struct {
	Stage string
	Err   error
}

func (e *ProvisioningError) Error() string {
	return fmt.Sprintf("provisioning failed at stage %q: %v", e.Stage, e.Err)
}

func (e *ProvisioningError) Unwrap() error { return e.Err }

// Violation is a single validation finding returned by the skill platform.
type Violation struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// RegistrationConflictError reports a manifest rejected by the skill
// platform. Payload keeps the raw diagnostic body for operators.
type RegistrationConflictError struct {
	StatusCode int
	Message    string
	Violations []Violation
	Payload    []byte
}

func (e *RegistrationConflictError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "skill registration rejected (HTTP %d)", e.StatusCode)
	if e.Message != "" {
		b.WriteString(": " + e.Message)
	}
	for _, v := range e.Violations {
		fmt.Fprintf(&b, "; %s: %s", v.Code, v.Message)
	}
	return b.String()
}

// StageOf returns the stage name carried by a ProvisioningError anywhere in
// err's chain, or "" when there is none.
func StageOf(err error) string {
	var pe *ProvisioningError
	if errors.As(err, &pe) {
		return pe.Stage
	}
	return ""
}

// IsFatalBeforeProvisioning reports whether err belongs to the class of
// errors that must abort a run before any resource is created.
func IsFatalBeforeProvisioning(err error) bool {
	var ce *ConfigurationError
	var ue *UnresolvedSecretError
	return errors.As(err, &ce) || errors.As(err, &ue)
}
