package batch

import (
	"context"

	"github.com/remflow/remflow/internal/metrics"
	"github.com/remflow/remflow/pkg/models"
)

// Runner binds a client and the two remediation engines so callers can
// fire batches without assembling executors themselves. A fresh executor
// is built per run; runs do not share cancel state.
type Runner struct {
	client   Client
	solution SolutionEngine
	oe       OEEngine
	metrics  *metrics.Metrics
	progress ProgressFunc
}

// NewRunner creates a batch runner
func NewRunner(client Client, solution SolutionEngine, oeEngine OEEngine, m *metrics.Metrics) *Runner {
	if m == nil {
		m = metrics.Default()
	}
	return &Runner{client: client, solution: solution, oe: oeEngine, metrics: m}
}

// SetProgress registers a per-item progress callback applied to every
// batch this runner fires.
func (r *Runner) SetProgress(fn ProgressFunc) {
	r.progress = fn
}

// RunSolutionBatch executes a Solution batch under jobID and returns the
// final summary.
func (r *Runner) RunSolutionBatch(ctx context.Context, jobID string, spMapping map[string]string, solutionIDs []string, maxCount int) models.BatchSummary {
	executor := NewExecutor(r.client, r.solution, jobID, spMapping, r.metrics)
	executor.SetProgress(r.progress)
	executor.Execute(ctx, solutionIDs, maxCount)
	return executor.Summary()
}

// RunOEBatch executes an OE batch under jobID and returns the final summary
func (r *Runner) RunOEBatch(ctx context.Context, jobID string, entries []models.DiscoveredOEService, maxCount int, dryRun bool) models.OEBatchSummary {
	executor := NewOEExecutor(r.client, r.oe, jobID, dryRun, r.metrics)
	executor.SetProgress(r.progress)
	executor.Execute(ctx, entries, maxCount)
	return executor.Summary()
}
