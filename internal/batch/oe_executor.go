package batch

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/remflow/remflow/internal/logger"
	"github.com/remflow/remflow/internal/metrics"
	"github.com/remflow/remflow/internal/oe"
	"github.com/remflow/remflow/pkg/models"
)

// OEEngine runs one service through the 4-step OE remediation flow
type OEEngine interface {
	Remediate(ctx context.Context, serviceID string, opts oe.Options) *models.OEResult
}

// OEExecutor processes a batch of OE services sequentially, mirroring
// Executor but with OE terminal states and per-item problem ticket updates
// owned here rather than in the engine.
type OEExecutor struct {
	client    Client
	engine    OEEngine
	jobID     string
	dryRun    bool
	progress  ProgressFunc
	cancelled atomic.Bool

	mu      sync.Mutex
	results []*models.OEResult
	summary models.OEBatchSummary

	log     logger.Logger
	metrics *metrics.Metrics
}

// NewOEExecutor creates an OE batch executor
func NewOEExecutor(client Client, engine OEEngine, jobID string, dryRun bool, m *metrics.Metrics) *OEExecutor {
	if m == nil {
		m = metrics.Default()
	}
	return &OEExecutor{
		client:  client,
		engine:  engine,
		jobID:   jobID,
		dryRun:  dryRun,
		log:     logger.New("oe-batch"),
		metrics: m,
	}
}

// SetProgress registers a per-item progress callback. Must be called
// before Execute.
func (e *OEExecutor) SetProgress(fn ProgressFunc) {
	e.progress = fn
}

// Cancel stops the batch after the item currently in flight
func (e *OEExecutor) Cancel() {
	e.cancelled.Store(true)
}

// Cancelled reports whether a cancel has been requested
func (e *OEExecutor) Cancelled() bool {
	return e.cancelled.Load()
}

// Summary returns a copy of the running counts
func (e *OEExecutor) Summary() models.OEBatchSummary {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.summary
}

// Results returns the per-item results collected so far
func (e *OEExecutor) Results() []*models.OEResult {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*models.OEResult, len(e.results))
	copy(out, e.results)
	return out
}

// Execute runs the batch over discovered OE services. Cancellation and
// context expiry take effect between items. maxCount <= 0 processes
// everything.
func (e *OEExecutor) Execute(ctx context.Context, entries []models.DiscoveredOEService, maxCount int) []*models.OEResult {
	toProcess := entries
	if maxCount > 0 && maxCount < len(toProcess) {
		toProcess = toProcess[:maxCount]
	}

	e.mu.Lock()
	e.results = nil
	e.summary = models.OEBatchSummary{Total: len(toProcess), Pending: len(toProcess)}
	e.mu.Unlock()

	e.updateJob(ctx, map[string]interface{}{
		"state":     models.JobStateInProgress,
		"x_summary": e.summaryJSON(),
	})

	for i, entry := range toProcess {
		if e.cancelled.Load() || ctx.Err() != nil {
			e.cancelled.Store(true)
			e.log.Info("OE batch cancelled",
				logger.Int("processed", i),
				logger.Int("total", len(toProcess)))
			break
		}

		e.log.Info("processing OE service",
			logger.Int("position", i+1),
			logger.Int("total", len(toProcess)),
			logger.String("service_id", entry.ServiceID))

		e.updateJob(ctx, map[string]interface{}{
			"x_currentItemId":    entry.ServiceID,
			"x_currentItemState": string(models.OEStateValidating),
			"actualQuantity":     i,
		})
		if !e.dryRun {
			e.updateProblem(ctx, entry.ServiceProblemID,
				models.ProblemStatusInProgress, string(models.OEStateValidating), "")
		}

		result := e.engine.Remediate(ctx, entry.ServiceID, oe.Options{DryRun: e.dryRun})

		e.mu.Lock()
		e.results = append(e.results, result)
		switch models.OERemediationState(result.FinalState) {
		case models.OEStateRemediated:
			e.summary.Remediated++
		case models.OEStateNotImpacted:
			e.summary.NotImpacted++
		case models.OEStateSkipped:
			e.summary.Skipped++
		case models.OEStateFailed:
			e.summary.Failed++
		}
		e.summary.Pending--
		e.mu.Unlock()
		e.metrics.RecordItem("oe", strings.ToLower(result.FinalState))
		if e.progress != nil {
			e.progress("oe", entry.ServiceID, result.FinalState, i+1, len(toProcess))
		}

		if !e.dryRun {
			reason := result.Error
			if reason == "" && len(result.FieldsPatched) > 0 {
				reason = "Patched: " + strings.Join(result.FieldsPatched, ", ")
			}
			e.updateProblem(ctx, entry.ServiceProblemID,
				problemStatusFor(result), result.FinalState, reason)
		}

		e.updateJob(ctx, map[string]interface{}{
			"actualQuantity":     i + 1,
			"x_currentItemState": result.FinalState,
			"x_summary":          e.summaryJSON(),
		})
	}

	finalState := models.JobStateCompleted
	summary := e.Summary()
	if e.cancelled.Load() {
		finalState = models.JobStateCancelled
	} else if summary.Failed > 0 && summary.Remediated == 0 {
		finalState = models.JobStateFailed
	}

	e.updateJob(ctx, map[string]interface{}{
		"state":              finalState,
		"actualQuantity":     len(e.Results()),
		"x_summary":          e.summaryJSON(),
		"x_currentItemId":    "",
		"x_currentItemState": strings.ToUpper(finalState),
	})

	e.log.Info("OE batch complete",
		logger.String("final_state", finalState),
		logger.Any("summary", summary))
	return e.Results()
}

// problemStatusFor maps an OE terminal state to the problem ticket status.
// FAILED goes back to pending so the next discovery pass picks it up.
func problemStatusFor(result *models.OEResult) string {
	switch models.OERemediationState(result.FinalState) {
	case models.OEStateRemediated:
		return models.ProblemStatusResolved
	case models.OEStateNotImpacted, models.OEStateSkipped:
		return models.ProblemStatusClosed
	case models.OEStateFailed:
		return models.ProblemStatusPending
	default:
		return models.ProblemStatusInProgress
	}
}

func (e *OEExecutor) updateJob(ctx context.Context, patch map[string]interface{}) {
	if e.jobID == "" {
		return
	}
	if err := e.client.UpdateJob(ctx, e.jobID, patch); err != nil {
		e.log.Warn("failed to update batch job",
			logger.String("job_id", e.jobID),
			logger.Err(err))
	}
}

func (e *OEExecutor) updateProblem(ctx context.Context, spID, status, remediationState, reason string) {
	if spID == "" {
		return
	}
	if err := e.client.UpdateServiceProblem(ctx, spID, status, remediationState, reason); err != nil {
		e.log.Warn("failed to update service problem",
			logger.String("service_problem_id", spID),
			logger.Err(err))
	}
}

func (e *OEExecutor) summaryJSON() string {
	data, _ := json.Marshal(e.Summary())
	return string(data)
}
