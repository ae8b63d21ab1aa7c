package batch

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/remflow/remflow/internal/logger"
	"github.com/remflow/remflow/internal/metrics"
	"github.com/remflow/remflow/internal/remediation"
	"github.com/remflow/remflow/pkg/models"
)

// Client is the slice of the runtime API the batch layer needs. Per-item
// work goes through the engines; this covers job tracking only.
type Client interface {
	UpdateJob(ctx context.Context, id string, patch map[string]interface{}) error
	UpdateServiceProblem(ctx context.Context, id, status, remediationState, reason string) error
}

// SolutionEngine runs one solution through the 5-step remediation flow
type SolutionEngine interface {
	Remediate(ctx context.Context, solutionID string, opts remediation.Options) *models.RemediationResult
}

// ProgressFunc receives a notification after each processed item. Used to
// feed live progress to observers (websocket clients) without coupling the
// batch layer to the transport.
type ProgressFunc func(category, itemID, finalState string, processed, total int)

// stepToItemState maps engine step names to the item state published on
// the tracking job.
var stepToItemState = map[string]string{
	remediation.StepValidate:   string(models.StateValidating),
	remediation.StepDelete:     string(models.StateDeleting),
	remediation.StepMigrate:    string(models.StateMigrating),
	remediation.StepPoll:       string(models.StateWaitingConfirmation),
	remediation.StepPostUpdate: string(models.StatePostUpdate),
}

// Executor processes a batch of solutions strictly sequentially, tracking
// progress on a batch job and folding per-item outcomes into a summary.
// Safe for concurrent observation while a batch runs.
type Executor struct {
	client    Client
	engine    SolutionEngine
	jobID     string
	spMapping map[string]string
	progress  ProgressFunc
	cancelled atomic.Bool

	mu      sync.Mutex
	results []*models.RemediationResult
	summary models.BatchSummary

	log     logger.Logger
	metrics *metrics.Metrics
}

// NewExecutor creates a batch executor. jobID may be empty for untracked
// runs; spMapping maps solution ids to their owning problem tickets.
func NewExecutor(client Client, engine SolutionEngine, jobID string, spMapping map[string]string, m *metrics.Metrics) *Executor {
	if m == nil {
		m = metrics.Default()
	}
	return &Executor{
		client:    client,
		engine:    engine,
		jobID:     jobID,
		spMapping: spMapping,
		log:       logger.New("batch"),
		metrics:   m,
	}
}

// SetProgress registers a per-item progress callback. Must be called
// before Execute.
func (e *Executor) SetProgress(fn ProgressFunc) {
	e.progress = fn
}

// Cancel stops the batch after the item currently in flight. Idempotent
// and safe from any goroutine.
func (e *Executor) Cancel() {
	e.cancelled.Store(true)
}

// Cancelled reports whether a cancel has been requested
func (e *Executor) Cancelled() bool {
	return e.cancelled.Load()
}

// Summary returns a copy of the running counts
func (e *Executor) Summary() models.BatchSummary {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.summary
}

// Results returns the per-item results collected so far
func (e *Executor) Results() []*models.RemediationResult {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*models.RemediationResult, len(e.results))
	copy(out, e.results)
	return out
}

// Execute runs the batch. Items are processed one at a time; a cancel or
// context expiry takes effect between items, never mid-item. maxCount <= 0
// processes everything.
func (e *Executor) Execute(ctx context.Context, solutionIDs []string, maxCount int) []*models.RemediationResult {
	toProcess := solutionIDs
	if maxCount > 0 && maxCount < len(toProcess) {
		toProcess = toProcess[:maxCount]
	}

	e.mu.Lock()
	e.results = nil
	e.summary = models.BatchSummary{Total: len(toProcess), Pending: len(toProcess)}
	e.mu.Unlock()

	e.updateJob(ctx, map[string]interface{}{
		"state":     models.JobStateInProgress,
		"x_summary": e.summaryJSON(),
	})

	for i, solutionID := range toProcess {
		if e.cancelled.Load() || ctx.Err() != nil {
			e.cancelled.Store(true)
			e.log.Info("batch cancelled",
				logger.Int("processed", i),
				logger.Int("total", len(toProcess)))
			break
		}

		e.log.Info("processing solution",
			logger.Int("position", i+1),
			logger.Int("total", len(toProcess)),
			logger.String("solution_id", solutionID))

		e.updateJob(ctx, map[string]interface{}{
			"x_currentItemId":    solutionID,
			"x_currentItemState": string(models.StateValidating),
			"actualQuantity":     i,
		})

		result := e.engine.Remediate(ctx, solutionID, remediation.Options{
			ServiceProblemID: e.spMapping[solutionID],
			OnStep: func(action string, success bool, d time.Duration) {
				itemState, ok := stepToItemState[action]
				if !ok {
					itemState = action
				}
				e.updateJob(ctx, map[string]interface{}{"x_currentItemState": itemState})
			},
		})

		e.mu.Lock()
		e.results = append(e.results, result)
		switch models.RemediationState(result.FinalState) {
		case models.StateCompleted:
			e.summary.Successful++
		case models.StateSkipped:
			e.summary.Skipped++
		case models.StateFailed:
			e.summary.Failed++
		}
		e.summary.Pending--
		e.mu.Unlock()
		e.metrics.RecordItem("solution", strings.ToLower(result.FinalState))
		if e.progress != nil {
			e.progress("solution", solutionID, result.FinalState, i+1, len(toProcess))
		}

		e.updateJob(ctx, map[string]interface{}{
			"actualQuantity": i + 1,
			"x_summary":      e.summaryJSON(),
		})
	}

	finalState := models.JobStateCompleted
	summary := e.Summary()
	if e.cancelled.Load() {
		finalState = models.JobStateCancelled
	} else if summary.Failed > 0 && summary.Successful == 0 {
		finalState = models.JobStateFailed
	}

	itemState := string(models.StateCompleted)
	if finalState != models.JobStateCompleted {
		itemState = string(models.StateFailed)
	}
	finalPatch := map[string]interface{}{
		"state":              finalState,
		"actualQuantity":     len(e.Results()),
		"x_summary":          e.summaryJSON(),
		"x_currentItemId":    "",
		"x_currentItemState": itemState,
	}
	if finalState == models.JobStateFailed {
		if msg := e.lastFailureMessage(); msg != "" {
			finalPatch["x_lastError"] = msg
		}
	}
	e.updateJob(ctx, finalPatch)

	e.log.Info("batch complete",
		logger.String("final_state", finalState),
		logger.Any("summary", summary))
	return e.Results()
}

// updateJob patches the tracking job, best-effort. Tracking failures never
// affect remediation.
func (e *Executor) updateJob(ctx context.Context, patch map[string]interface{}) {
	if e.jobID == "" {
		return
	}
	if err := e.client.UpdateJob(ctx, e.jobID, patch); err != nil {
		e.log.Warn("failed to update batch job",
			logger.String("job_id", e.jobID),
			logger.Err(err))
	}
}

// lastFailureMessage returns the message of the most recent failed item
func (e *Executor) lastFailureMessage() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := len(e.results) - 1; i >= 0; i-- {
		if e.results[i].FinalState == string(models.StateFailed) {
			return e.results[i].Message
		}
	}
	return ""
}

func (e *Executor) summaryJSON() string {
	data, _ := json.Marshal(e.Summary())
	return string(data)
}
