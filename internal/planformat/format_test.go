package planformat

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/agentctx/terraform-provider-voiceskill/internal/dag"
)

func failedRun() *Run {
	return &Run{
		ResourceAddress: "voiceskill_deployment.advisor",
		RunID:           "run_20261018T071502Z_3be41c07",
		Mode:            "remote-secrets-full-manifest",
		Stages: []Stage{
			{Name: "secrets", Status: dag.StatusCompleted, Duration: 3 * time.Millisecond},
			{Name: "role", Status: dag.StatusCompleted, Action: ActionNoop},
			{Name: "function", Status: dag.StatusCompleted, Action: ActionUpdate, Detail: "code"},
			{Name: "layer", Status: dag.StatusCompleted, Action: ActionCreate, Detail: "version 2"},
			{Name: "permission", Status: dag.StatusFailed, Err: errors.New("access denied")},
			{Name: "register", Status: dag.StatusSkipped},
		},
	}
}

func TestFormat_FailedRun(t *testing.T) {
	out := Format(failedRun())

	for _, want := range []string{
		"# voiceskill_deployment.advisor failed at stage permission",
		"# run_id: run_20261018T071502Z_3be41c07",
		"# mode:   remote-secrets-full-manifest",
		"~ function    update: code",
		"+ layer       create: version 2",
		"  role        no-op",
		"  secrets     completed  (3ms)",
		"! permission  failed: access denied",
		"/ register    skipped",
		"1 created, 1 updated, 0 destroyed, 2 unchanged; 1 failed, 1 skipped.",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestFormat_Outputs(t *testing.T) {
	r := &Run{
		ResourceAddress: "voiceskill_deployment.advisor",
		RunID:           "run_x",
		Stages:          []Stage{{Name: "register", Status: dag.StatusCompleted, Action: ActionCreate}},
		Outputs: []Output{
			{Name: "skill_id", Value: "amzn1.ask.skill.1234"},
			{Name: "manifest_hash", Value: "sha256:0123456789abcdef0123456789abcdef"},
		},
	}
	out := Format(r)

	if !strings.Contains(out, "voiceskill_deployment.advisor was applied") {
		t.Errorf("headline wrong:\n%s", out)
	}
	if !strings.Contains(out, "skill_id      = amzn1.ask.skill.1234") {
		t.Errorf("skill_id output missing:\n%s", out)
	}
	if !strings.Contains(out, "manifest_hash = sha256:0123456789ab\n") {
		t.Errorf("hash not truncated:\n%s", out)
	}
	if strings.Contains(out, "Mode") || strings.Contains(out, "# mode") {
		t.Errorf("empty mode printed:\n%s", out)
	}
}

func TestFormat_NoStages(t *testing.T) {
	out := Format(&Run{ResourceAddress: "voiceskill_deployment.x", RunID: "run_x"})
	if !strings.Contains(out, "No stages.") {
		t.Errorf("output = %s", out)
	}
}

func TestFormat_UpToDate(t *testing.T) {
	r := &Run{ResourceAddress: "voiceskill_deployment.advisor", Stages: []Stage{
		{Name: "secrets", Status: dag.StatusCompleted},
		{Name: "function", Status: dag.StatusCompleted, Action: ActionNoop},
	}}
	out := Format(r)
	if !strings.Contains(out, "voiceskill_deployment.advisor is up to date") {
		t.Errorf("headline wrong:\n%s", out)
	}
	if !strings.Contains(out, "0 created, 0 updated, 0 destroyed, 2 unchanged.") {
		t.Errorf("tally wrong:\n%s", out)
	}
}

func TestFormat_Canceled(t *testing.T) {
	r := &Run{Stages: []Stage{
		{Name: "package", Status: dag.StatusCompleted},
		{Name: "role", Status: dag.StatusCanceled},
	}}
	out := Format(r)
	if !strings.Contains(out, "did not complete") || !strings.Contains(out, "/ role     canceled") {
		t.Errorf("output = %s", out)
	}
}

func TestFormatSummary(t *testing.T) {
	got := FormatSummary(failedRun())
	want := "voiceskill_deployment.advisor: 1 created, 1 updated, 0 destroyed, 2 unchanged; 1 failed, 1 skipped."
	if got != want {
		t.Errorf("FormatSummary = %q, want %q", got, want)
	}
}

func TestTruncateHash(t *testing.T) {
	tests := []struct{ in, want string }{
		{"sha256:0123456789abcdef", "sha256:0123456789ab"},
		{"sha256:short", "sha256:short"},
		{"arn:aws:lambda:us-east-1:123456789012:function:advisor", "arn:aws:lambda:us-east-1:123456789012:function:advisor"},
	}
	for _, tt := range tests {
		if got := truncateHash(tt.in); got != tt.want {
			t.Errorf("truncateHash(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
