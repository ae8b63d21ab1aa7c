package schedule

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/remflow/remflow/internal/logger"
	"github.com/remflow/remflow/internal/metrics"
	"github.com/remflow/remflow/pkg/models"
)

// Client is the slice of the runtime API the scheduler needs
type Client interface {
	ListActiveSchedules(ctx context.Context) ([]models.ScheduleRecord, error)
	UpdateSchedule(ctx context.Context, id string, patch map[string]interface{}) error
	CreateJobAndLocate(ctx context.Context, draft models.JobDraft) (string, error)
	UpdateJob(ctx context.Context, id string, patch map[string]interface{}) error
	DiscoverSolutionTickets(ctx context.Context, limit int) ([]models.DiscoveredSolution, error)
	DiscoverOEServices(ctx context.Context, limit int) ([]models.DiscoveredOEService, error)
}

// BatchRunner executes discovered work under a tracking job
type BatchRunner interface {
	RunSolutionBatch(ctx context.Context, jobID string, spMapping map[string]string, solutionIDs []string, maxCount int) models.BatchSummary
	RunOEBatch(ctx context.Context, jobID string, entries []models.DiscoveredOEService, maxCount int, dryRun bool) models.OEBatchSummary
}

// CycleResult summarises one scheduler cycle
type CycleResult struct {
	JobsCreated     int      `json:"jobs_created"`
	JobIDs          []string `json:"job_ids"`
	DurationSeconds float64  `json:"duration_seconds"`
}

// Status is a point-in-time snapshot of the scheduler
type Status struct {
	Running         bool         `json:"running"`
	IntervalSeconds int          `json:"interval_seconds"`
	TotalCycles     int          `json:"total_cycles"`
	LastCycleAt     *time.Time   `json:"last_cycle_at,omitempty"`
	LastCycleResult *CycleResult `json:"last_cycle_result,omitempty"`
	LastCycleError  string       `json:"last_cycle_error,omitempty"`
}

// Scheduler periodically evaluates schedules against the clock and runs
// the due ones: create a tracking job, discover work, execute the batch,
// update schedule statistics.
type Scheduler struct {
	client   Client
	runner   BatchRunner
	interval time.Duration
	log      logger.Logger
	metrics  *metrics.Metrics

	mu              sync.Mutex
	running         bool
	stopCh          chan struct{}
	totalCycles     int
	lastCycleAt     *time.Time
	lastCycleResult *CycleResult
	lastCycleError  string
}

// NewScheduler creates a scheduler. interval is the pause between cycles.
func NewScheduler(client Client, runner BatchRunner, interval time.Duration, m *metrics.Metrics) *Scheduler {
	if interval <= 0 {
		interval = time.Minute
	}
	if m == nil {
		m = metrics.Default()
	}
	return &Scheduler{
		client:   client,
		runner:   runner,
		interval: interval,
		log:      logger.New("scheduler"),
		metrics:  m,
	}
}

// Start launches the scheduler loop. Idempotent; returns false when the
// loop is already running.
func (s *Scheduler) Start(ctx context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return false
	}
	s.running = true
	s.stopCh = make(chan struct{})
	go s.loop(ctx, s.stopCh)
	s.log.Info("scheduler started", logger.Duration("interval", s.interval))
	return true
}

// Stop halts the loop. Idempotent; returns false when not running.
func (s *Scheduler) Stop() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return false
	}
	s.running = false
	close(s.stopCh)
	s.log.Info("scheduler stopped")
	return true
}

// Running reports whether the loop is active
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Interval returns the pause between cycles
func (s *Scheduler) Interval() time.Duration {
	return s.interval
}

// Status returns a snapshot of the scheduler's state
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		Running:         s.running,
		IntervalSeconds: int(s.interval.Seconds()),
		TotalCycles:     s.totalCycles,
		LastCycleAt:     s.lastCycleAt,
		LastCycleResult: s.lastCycleResult,
		LastCycleError:  s.lastCycleError,
	}
}

func (s *Scheduler) loop(ctx context.Context, stopCh chan struct{}) {
	for {
		s.tick(ctx)

		select {
		case <-ctx.Done():
			s.Stop()
			return
		case <-stopCh:
			return
		case <-time.After(s.interval):
		}
	}
}

// tick runs one cycle and records its outcome
func (s *Scheduler) tick(ctx context.Context) {
	start := time.Now()
	jobIDs, err := s.RunCycle(ctx)

	now := time.Now().UTC()
	s.mu.Lock()
	s.totalCycles++
	s.lastCycleAt = &now
	if err != nil {
		s.lastCycleError = err.Error()
	} else {
		s.lastCycleError = ""
		s.lastCycleResult = &CycleResult{
			JobsCreated:     len(jobIDs),
			JobIDs:          jobIDs,
			DurationSeconds: time.Since(start).Seconds(),
		}
	}
	s.mu.Unlock()

	switch {
	case err != nil:
		s.metrics.RecordCycle("error")
	case len(jobIDs) > 0:
		s.metrics.RecordCycle("executed")
	default:
		s.metrics.RecordCycle("idle")
	}
}

// RunCycle runs one scheduler cycle: list active schedules, evaluate
// which are due, execute each. Per-schedule failures are logged and do
// not abort the cycle; only a listing failure is a cycle error.
func (s *Scheduler) RunCycle(ctx context.Context) ([]string, error) {
	records, err := s.client.ListActiveSchedules(ctx)
	if err != nil {
		s.log.Error("failed to list schedules", logger.Err(err))
		return nil, err
	}

	var schedules []*models.Schedule
	for _, raw := range records {
		parsed, err := models.ParseSchedule(raw)
		if err != nil {
			s.log.Warn("skipping unparseable schedule",
				logger.String("schedule_id", raw.ID),
				logger.Err(err))
			continue
		}
		schedules = append(schedules, parsed)
	}

	due := DueSchedules(schedules, time.Now().UTC())
	if len(due) == 0 {
		s.log.Debug("no schedules due")
		return nil, nil
	}
	s.log.Info("schedules due for execution", logger.Int("count", len(due)))

	var jobIDs []string
	for _, sched := range due {
		jobID, err := s.ExecuteSchedule(ctx, sched)
		if err != nil {
			s.log.Error("failed to execute schedule",
				logger.String("schedule_id", sched.ID),
				logger.Err(err))
			continue
		}
		jobIDs = append(jobIDs, jobID)
	}
	return jobIDs, nil
}

// ExecuteSchedule runs one schedule immediately, regardless of whether it
// is due: create and locate the tracking job, discover and execute the
// batch for the schedule's category, then update the schedule statistics.
func (s *Scheduler) ExecuteSchedule(ctx context.Context, sched *models.Schedule) (string, error) {
	s.log.Info("executing schedule",
		logger.String("schedule_id", sched.ID),
		logger.String("name", sched.Name),
		logger.String("category", sched.Category))

	executionNumber := sched.TotalExecutions + 1
	jobID, err := s.client.CreateJobAndLocate(ctx, models.JobDraft{
		Name:              fmt.Sprintf("%s - Execution %d", sched.Name, executionNumber),
		Description:       fmt.Sprintf("Auto-created by schedule %s", sched.ID),
		Category:          sched.Category,
		RequestedQuantity: sched.MaxBatchSize,
		ParentScheduleID:  sched.ID,
		ExecutionNumber:   executionNumber,
		IsRecurrent:       true,
	})
	if err != nil {
		return "", err
	}
	s.metrics.RecordJobCreated()
	s.log.Info("created batch job",
		logger.String("job_id", jobID),
		logger.String("schedule_id", sched.ID))

	var execSuccess bool
	switch sched.Category {
	case models.CategoryPartialDataMissing:
		execSuccess = s.runOESchedule(ctx, sched, jobID)
	case models.CategorySolutionEmpty:
		execSuccess = s.runSolutionSchedule(ctx, sched, jobID)
	default:
		s.log.Warn("unknown schedule category, finalising empty",
			logger.String("schedule_id", sched.ID),
			logger.String("category", sched.Category))
		s.finalizeEmptyJob(ctx, jobID, sched.Category)
		execSuccess = true
	}

	s.updateScheduleStats(ctx, sched, jobID, execSuccess)
	return jobID, nil
}

func (s *Scheduler) runSolutionSchedule(ctx context.Context, sched *models.Schedule, jobID string) bool {
	discovered, err := s.client.DiscoverSolutionTickets(ctx, sched.MaxBatchSize)
	if err != nil {
		s.log.Error("solution discovery failed",
			logger.String("schedule_id", sched.ID),
			logger.Err(err))
		s.failJob(ctx, jobID, err.Error())
		return false
	}
	if len(discovered) == 0 {
		s.log.Info("no solutions pending", logger.String("schedule_id", sched.ID))
		s.finalizeEmptyJob(ctx, jobID, sched.Category)
		return true
	}

	solutionIDs := make([]string, len(discovered))
	spMapping := make(map[string]string, len(discovered))
	for i, d := range discovered {
		solutionIDs[i] = d.SolutionID
		spMapping[d.SolutionID] = d.ServiceProblemID
	}

	summary := s.runner.RunSolutionBatch(ctx, jobID, spMapping, solutionIDs, sched.MaxBatchSize)
	s.log.Info("solution batch complete",
		logger.String("schedule_id", sched.ID),
		logger.Int("successful", summary.Successful),
		logger.Int("failed", summary.Failed),
		logger.Int("skipped", summary.Skipped))
	return summary.Failed == 0
}

func (s *Scheduler) runOESchedule(ctx context.Context, sched *models.Schedule, jobID string) bool {
	entries, err := s.client.DiscoverOEServices(ctx, sched.MaxBatchSize)
	if err != nil {
		s.log.Error("OE discovery failed",
			logger.String("schedule_id", sched.ID),
			logger.Err(err))
		s.failJob(ctx, jobID, err.Error())
		return false
	}
	if len(entries) == 0 {
		s.log.Info("no OE services pending", logger.String("schedule_id", sched.ID))
		s.finalizeEmptyJob(ctx, jobID, sched.Category)
		return true
	}

	summary := s.runner.RunOEBatch(ctx, jobID, entries, sched.MaxBatchSize, false)
	s.log.Info("OE batch complete",
		logger.String("schedule_id", sched.ID),
		logger.Int("remediated", summary.Remediated),
		logger.Int("failed", summary.Failed),
		logger.Int("not_impacted", summary.NotImpacted),
		logger.Int("skipped", summary.Skipped))
	return summary.Failed == 0
}

// finalizeEmptyJob completes a job that found nothing to process
func (s *Scheduler) finalizeEmptyJob(ctx context.Context, jobID, category string) {
	var summary interface{} = models.BatchSummary{}
	if category == models.CategoryPartialDataMissing {
		summary = models.OEBatchSummary{}
	}
	data, _ := json.Marshal(summary)
	patch := map[string]interface{}{
		"state":          models.JobStateCompleted,
		"actualQuantity": 0,
		"x_summary":      string(data),
	}
	if err := s.client.UpdateJob(ctx, jobID, patch); err != nil {
		s.log.Warn("failed to finalise empty job",
			logger.String("job_id", jobID),
			logger.Err(err))
	}
}

// failJob marks a job failed before any item ran (discovery failures)
func (s *Scheduler) failJob(ctx context.Context, jobID, reason string) {
	patch := map[string]interface{}{
		"state":       models.JobStateFailed,
		"x_lastError": reason,
	}
	if err := s.client.UpdateJob(ctx, jobID, patch); err != nil {
		s.log.Warn("failed to mark job failed",
			logger.String("job_id", jobID),
			logger.Err(err))
	}
}

// updateScheduleStats writes post-execution statistics back to the
// schedule, best-effort.
func (s *Scheduler) updateScheduleStats(ctx context.Context, sched *models.Schedule, jobID string, success bool) {
	now := time.Now().UTC()
	patch := map[string]interface{}{
		"totalExecutions":   sched.TotalExecutions + 1,
		"lastExecutionId":   jobID,
		"lastExecutionDate": now.Format(time.RFC3339),
	}
	if next := NextExecution(sched, now); next != nil {
		patch["nextExecutionDate"] = next.Format(time.RFC3339)
	} else {
		patch["nextExecutionDate"] = nil
	}
	if success {
		patch["successfulExecutions"] = sched.SuccessfulExecutions + 1
	} else {
		patch["failedExecutions"] = sched.FailedExecutions + 1
	}

	if err := s.client.UpdateSchedule(ctx, sched.ID, patch); err != nil {
		s.log.Warn("failed to update schedule stats",
			logger.String("schedule_id", sched.ID),
			logger.Err(err))
	}
}
