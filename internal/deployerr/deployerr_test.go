package deployerr

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestErrorsAs_ThroughWrapping(t *testing.T) {
	cause := errors.New("AccessDenied")
	err := fmt.Errorf("pipeline: run: %w", &ProvisioningError{Stage: "role", Err: cause})

	var pe *ProvisioningError
	if !errors.As(err, &pe) {
		t.Fatal("expected errors.As to find the ProvisioningError")
	}
	if pe.Stage != "role" {
		t.Errorf("Stage = %q, want %q", pe.Stage, "role")
	}
	if !errors.Is(err, cause) {
		t.Error("expected the cause to be reachable with errors.Is")
	}
	if got := StageOf(err); got != "role" {
		t.Errorf("StageOf() = %q, want %q", got, "role")
	}
	if got := StageOf(cause); got != "" {
		t.Errorf("StageOf(untyped) = %q, want empty", got)
	}
}

func TestIsFatalBeforeProvisioning(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{Configf("missing dependency %q", "layer"), true},
		{fmt.Errorf("wrapped: %w", &UnresolvedSecretError{Fields: []string{"client-id"}}), true},
		{&ProvisioningError{Stage: "function", Err: errors.New("x")}, false},
		{&RegistrationConflictError{StatusCode: 400}, false},
		{errors.New("plain"), false},
	}
	for _, tt := range tests {
		if got := IsFatalBeforeProvisioning(tt.err); got != tt.want {
			t.Errorf("IsFatalBeforeProvisioning(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestUnresolvedSecretError_Message(t *testing.T) {
	err := &UnresolvedSecretError{
		SecretID: "voiceskill/credentials",
		Fields:   []string{"client-secret", "refresh-token"},
	}
	msg := err.Error()
	for _, want := range []string{"client-secret", "refresh-token", "voiceskill/credentials"} {
		if !strings.Contains(msg, want) {
			t.Errorf("message %q should contain %q", msg, want)
		}
	}
}

func TestRegistrationConflictError_Message(t *testing.T) {
	err := &RegistrationConflictError{
		StatusCode: 400,
		Message:    "Skill manifest is not valid.",
		Violations: []Violation{{Code: "INVALID_URL", Message: "endpoint uri is invalid"}},
	}
	want := "skill registration rejected (HTTP 400): Skill manifest is not valid.; INVALID_URL: endpoint uri is invalid"
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestConfigurationError_Unwrap(t *testing.T) {
	cause := errors.New("no such file")
	err := &ConfigurationError{Reason: "overrides file", Err: cause}
	if !errors.Is(err, cause) {
		t.Error("expected Unwrap to expose the cause")
	}
	if got := err.Error(); got != "configuration error: overrides file: no such file" {
		t.Errorf("Error() = %q", got)
	}
}
