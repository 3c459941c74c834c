package dag

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/terraform-plugin-log/tflog"
	"golang.org/x/sync/errgroup"

	"github.com/agentctx/terraform-provider-voiceskill/internal/deployerr"
)

// Status is the terminal state of a stage after Run.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusSkipped   Status = "skipped"
	StatusCanceled  Status = "canceled"
)

// StageResult records how a single stage ended.
type StageResult struct {
	Name     string
	Status   Status
	Err      error
	Started  time.Time
	Finished time.Time
}

// Duration is zero for stages that never started.
func (r StageResult) Duration() time.Duration {
	if r.Started.IsZero() || r.Finished.IsZero() {
		return 0
	}
	return r.Finished.Sub(r.Started)
}

// Report is the outcome of a Run. Stages are listed in topological order.
type Report struct {
	Stages []StageResult
	// Failed names the stage whose error aborted the run, or "".
	Failed string

	// Blocked lists every stage downstream of Failed, sorted.
	Blocked []string
}

// Completed returns the names of stages that finished successfully.
func (r *Report) Completed() []string { return r.names(StatusCompleted) }

// Skipped returns the names of stages that never started because an
// upstream stage failed or the run was canceled.
func (r *Report) Skipped() []string { return r.names(StatusSkipped) }

// Stage looks up a stage result by name.
func (r *Report) Stage(name string) (StageResult, bool) {
	for _, s := range r.Stages {
		if s.Name == name {
			return s, true
		}
	}
	return StageResult{}, false
}

// OK reports whether every stage completed.
func (r *Report) OK() bool {
	for _, s := range r.Stages {
		if s.Status != StatusCompleted {
			return false
		}
	}
	return true
}

func (r *Report) names(status Status) []string {
	var out []string
	for _, s := range r.Stages {
		if s.Status == status {
			out = append(out, s.Name)
		}
	}
	return out
}

// Run validates the graph and executes it. Each stage waits for all of its
// dependencies to complete; a stage whose dependency did not complete is
// skipped. The first stage error cancels the context passed to every other
// stage, and Run returns that error together with the report.
//
// Untyped stage errors are wrapped in a *deployerr.ProvisioningError naming
// the stage. Errors already belonging to the deployerr taxonomy pass through
// unchanged.
func (g *Graph) Run(ctx context.Context) (*Report, error) {
	order, err := g.Order()
	if err != nil {
		return nil, err
	}

	done := make(map[string]chan struct{}, len(order))
	for _, name := range order {
		done[name] = make(chan struct{})
	}

	var mu sync.Mutex
	results := make(map[string]*StageResult, len(order))
	for _, name := range order {
		results[name] = &StageResult{Name: name, Status: StatusSkipped}
	}
	var failed string

	status := func(name string) Status {
		mu.Lock()
		defer mu.Unlock()
		return results[name].Status
	}

	eg, gctx := errgroup.WithContext(ctx)

	for _, name := range order {
		node := g.nodes[name]
		eg.Go(func() error {
			defer close(done[node.Name])

			for _, dep := range node.DependsOn {
				select {
				case <-done[dep]:
				case <-gctx.Done():
					return nil
				}
			}
			for _, dep := range node.DependsOn {
				if status(dep) != StatusCompleted {
					return nil
				}
			}
			if gctx.Err() != nil {
				return nil
			}

			tflog.Debug(gctx, "stage starting", map[string]interface{}{"stage": node.Name})

			started := time.Now()
			runErr := node.Run(gctx)
			finished := time.Now()

			mu.Lock()
			defer mu.Unlock()

			res := results[node.Name]
			res.Started = started
			res.Finished = finished

			if runErr == nil {
				res.Status = StatusCompleted
				tflog.Debug(gctx, "stage completed", map[string]interface{}{
					"stage":    node.Name,
					"duration": finished.Sub(started).String(),
				})
				return nil
			}

			// A stage interrupted by another stage's failure is not the cause.
			if errors.Is(runErr, context.Canceled) && failed != "" {
				res.Status = StatusCanceled
				res.Err = runErr
				return nil
			}

			runErr = classify(node.Name, runErr)
			res.Status = StatusFailed
			res.Err = runErr
			if failed == "" {
				failed = node.Name
			}
			tflog.Debug(gctx, "stage failed", map[string]interface{}{
				"stage": node.Name,
				"error": runErr.Error(),
			})
			return runErr
		})
	}

	runErr := eg.Wait()

	report := &Report{Failed: failed, Stages: make([]StageResult, 0, len(order))}
	if failed != "" {
		report.Blocked = g.Downstream(failed)
	}
	for _, name := range order {
		report.Stages = append(report.Stages, *results[name])
	}

	if runErr == nil && ctx.Err() != nil && !report.OK() {
		runErr = fmt.Errorf("dag: run canceled: %w", ctx.Err())
	}
	return report, runErr
}

// classify wraps err in a ProvisioningError naming stage unless it already
// carries a deployerr type.
func classify(stage string, err error) error {
	var (
		ce *deployerr.ConfigurationError
		ue *deployerr.UnresolvedSecretError
		pe *deployerr.ProvisioningError
		re *deployerr.RegistrationConflictError
	)
	switch {
	case errors.As(err, &ce), errors.As(err, &ue), errors.As(err, &pe), errors.As(err, &re):
		return err
	default:
		return &deployerr.ProvisioningError{Stage: stage, Err: err}
	}
}
