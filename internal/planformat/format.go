// Package planformat renders a deployment run in the style of terraform
// plan output: one line per stage with a change symbol, its outcome and a
// short detail, followed by a tally.
package planformat

import (
	"fmt"
	"strings"
	"time"

	"github.com/agentctx/terraform-provider-voiceskill/internal/dag"
)

// Action describes what a completed stage did to its resource.
type Action string

const (
	ActionCreate  Action = "create"
	ActionUpdate  Action = "update"
	ActionDestroy Action = "destroy"
	ActionNoop    Action = "no-op"
)

// Stage is one line of the report.
type Stage struct {
	Name     string
	Status   dag.Status
	Action   Action // meaningful only for completed stages
	Detail   string
	Err      error
	Duration time.Duration
}

// Run is everything the report shows.
type Run struct {
	ResourceAddress string // e.g. voiceskill_deployment.advisor
	RunID           string
	Mode            string
	Stages          []Stage
	// Outputs are printed after the stages in the given order.
	Outputs []Output
}

// Output is a named value produced by the run.
type Output struct {
	Name  string
	Value string
}

// Format renders r.
func Format(r *Run) string {
	var b strings.Builder

	fmt.Fprintf(&b, "  # %s %s\n", r.ResourceAddress, headline(r))
	fmt.Fprintf(&b, "  # run_id: %s\n", r.RunID)
	if r.Mode != "" {
		fmt.Fprintf(&b, "  # mode:   %s\n", r.Mode)
	}
	b.WriteString("\n")

	width := 0
	for _, s := range r.Stages {
		if len(s.Name) > width {
			width = len(s.Name)
		}
	}

	if len(r.Stages) == 0 {
		b.WriteString("  No stages.\n")
	} else {
		b.WriteString("  Stages:\n")
		for _, s := range r.Stages {
			fmt.Fprintf(&b, "    %s %-*s  %s", symbol(s), width, s.Name, outcome(s))
			if s.Duration > 0 {
				fmt.Fprintf(&b, "  (%s)", s.Duration.Round(time.Millisecond))
			}
			b.WriteString("\n")
		}
	}

	if len(r.Outputs) > 0 {
		b.WriteString("\n  Outputs:\n")
		ow := 0
		for _, o := range r.Outputs {
			if len(o.Name) > ow {
				ow = len(o.Name)
			}
		}
		for _, o := range r.Outputs {
			fmt.Fprintf(&b, "    %-*s = %s\n", ow, o.Name, truncateHash(o.Value))
		}
	}

	fmt.Fprintf(&b, "\n  %s\n", tally(r.Stages))
	return b.String()
}

// FormatSummary returns a single-line summary of r.
func FormatSummary(r *Run) string {
	return fmt.Sprintf("%s: %s", r.ResourceAddress, tally(r.Stages))
}

func headline(r *Run) string {
	for _, s := range r.Stages {
		if s.Status == dag.StatusFailed {
			return "failed at stage " + s.Name
		}
	}
	changed := false
	for _, s := range r.Stages {
		if s.Status != dag.StatusCompleted {
			return "did not complete"
		}
		if s.Action != "" && s.Action != ActionNoop {
			changed = true
		}
	}
	if changed {
		return "was applied"
	}
	return "is up to date"
}

func outcome(s Stage) string {
	switch s.Status {
	case dag.StatusCompleted:
		out := string(s.Action)
		if s.Action == "" {
			out = "completed"
		}
		if s.Detail != "" {
			out += ": " + s.Detail
		}
		return out
	case dag.StatusFailed:
		if s.Err != nil {
			return "failed: " + s.Err.Error()
		}
		return "failed"
	default:
		return string(s.Status)
	}
}

func symbol(s Stage) string {
	switch s.Status {
	case dag.StatusFailed:
		return "!"
	case dag.StatusSkipped, dag.StatusCanceled:
		return "/"
	}
	switch s.Action {
	case ActionCreate:
		return "+"
	case ActionUpdate:
		return "~"
	case ActionDestroy:
		return "-"
	default:
		return " "
	}
}

func tally(stages []Stage) string {
	var created, updated, destroyed, unchanged, failed, skipped int
	for _, s := range stages {
		switch s.Status {
		case dag.StatusFailed:
			failed++
			continue
		case dag.StatusSkipped, dag.StatusCanceled:
			skipped++
			continue
		}
		switch s.Action {
		case ActionCreate:
			created++
		case ActionUpdate:
			updated++
		case ActionDestroy:
			destroyed++
		default:
			unchanged++
		}
	}
	out := fmt.Sprintf("%d created, %d updated, %d destroyed, %d unchanged", created, updated, destroyed, unchanged)
	if failed > 0 || skipped > 0 {
		out += fmt.Sprintf("; %d failed, %d skipped", failed, skipped)
	}
	return out + "."
}

// truncateHash shortens "sha256:<hex>" values to the first 12 hex digits.
func truncateHash(v string) string {
	const prefix = "sha256:"
	if strings.HasPrefix(v, prefix) && len(v) > len(prefix)+12 {
		return v[:len(prefix)+12]
	}
	return v
}
