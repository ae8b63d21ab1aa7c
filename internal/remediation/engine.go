package remediation

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/remflow/remflow/internal/errors"
	"github.com/remflow/remflow/internal/logger"
	"github.com/remflow/remflow/internal/metrics"
	"github.com/remflow/remflow/internal/state"
	"github.com/remflow/remflow/pkg/models"
)

// Remediation step names, in flow order
const (
	StepValidate   = "VALIDATE"
	StepDelete     = "DELETE"
	StepMigrate    = "MIGRATE"
	StepPoll       = "POLL"
	StepPostUpdate = "POST_UPDATE"
)

// Client is the slice of the runtime API the engine needs
type Client interface {
	ValidateSolution(ctx context.Context, solutionID string) (*models.SolutionInfo, error)
	DeleteSolutionData(ctx context.Context, solutionID string) (*models.OperationResult, error)
	MigrateSolution(ctx context.Context, solutionID string) (*models.MigrationResponse, error)
	GetMigrationStatus(ctx context.Context, solutionID string) (*models.MigrationStatus, error)
	PostUpdateSolution(ctx context.Context, solutionID, jobID string, sfdcUpdates map[string]interface{}) error
	UpdateServiceProblem(ctx context.Context, id, status, remediationState, reason string) error
}

// PollConfig controls the exponential-backoff polling of migration status
type PollConfig struct {
	InitialDelay  time.Duration
	PollInterval  time.Duration
	MaxInterval   time.Duration
	BackoffFactor float64
	MaxDuration   time.Duration
}

// DefaultPollConfig returns the production polling profile
func DefaultPollConfig() PollConfig {
	return PollConfig{
		InitialDelay:  10 * time.Second,
		PollInterval:  10 * time.Second,
		MaxInterval:   60 * time.Second,
		BackoffFactor: 2.0,
		MaxDuration:   30 * time.Minute,
	}
}

// StepFunc receives per-step progress. Panics in the callback are swallowed;
// progress reporting never breaks a remediation.
type StepFunc func(action string, success bool, duration time.Duration)

// Options tunes a single remediation run
type Options struct {
	// ServiceProblemID, when set, receives the terminal status update
	ServiceProblemID string
	// SkipValidation bypasses the MACD eligibility check
	SkipValidation bool
	// SFDCUpdates overrides the default post-update field writes
	SFDCUpdates map[string]interface{}
	// OnStep receives progress notifications
	OnStep StepFunc
}

// Engine drives the 5-step solution remediation flow:
// VALIDATE, DELETE, MIGRATE, POLL, POST_UPDATE. It is the single
// implementation behind both batch processing and single-item requests.
type Engine struct {
	client  Client
	poll    PollConfig
	log     logger.Logger
	metrics *metrics.Metrics
}

// NewEngine creates a remediation engine
func NewEngine(client Client, poll PollConfig, m *metrics.Metrics) *Engine {
	if poll.PollInterval <= 0 {
		poll = DefaultPollConfig()
	}
	if m == nil {
		m = metrics.Default()
	}
	return &Engine{
		client:  client,
		poll:    poll,
		log:     logger.New("remediation"),
		metrics: m,
	}
}

// Remediate runs the full flow for one solution. It always returns a
// result; errors are folded into the result's final state and message.
func (e *Engine) Remediate(ctx context.Context, solutionID string, opts Options) *models.RemediationResult {
	machine := state.NewSolutionMachine(solutionID)
	result := &models.RemediationResult{SolutionID: solutionID}
	start := time.Now()

	finish := func() *models.RemediationResult {
		result.TotalDurationMS = time.Since(start).Milliseconds()
		result.FinalState = machine.Current()
		result.StateHistory = machine.Snapshot().History
		return result
	}

	notify := func(action string, success bool, d time.Duration) {
		if opts.OnStep == nil {
			return
		}
		defer func() {
			if r := recover(); r != nil {
				e.log.Warn("step callback panicked",
					logger.String("solution_id", solutionID),
					logger.Any("panic", r))
			}
		}()
		opts.OnStep(action, success, d)
	}

	recordStep := func(step models.StepResult) {
		result.Steps = append(result.Steps, step)
		e.metrics.ObserveStep("solution", step.Action, time.Duration(step.DurationMS)*time.Millisecond)
		notify(step.Action, step.Success, time.Duration(step.DurationMS)*time.Millisecond)
	}

	failTerminal := func(failedAt, msg string) *models.RemediationResult {
		e.updateProblem(ctx, opts.ServiceProblemID, models.ProblemStatusRejected,
			string(models.StateFailed), msg)
		result.FailedAt = failedAt
		result.Message = msg
		result.ServiceProblemUpdated = opts.ServiceProblemID != ""
		return finish()
	}

	// Step 1: VALIDATE
	stepStart := time.Now()
	_ = machine.Transition(string(models.StateValidating), "starting validation")
	notify(StepValidate, true, 0)

	info, err := e.client.ValidateSolution(ctx, solutionID)
	stepDur := time.Since(stepStart)
	if err != nil || !info.Success.Bool() {
		msg := "validation failed"
		if err != nil {
			msg = err.Error()
		} else if info.Message != "" {
			msg = info.Message
		}
		recordStep(models.StepResult{Action: StepValidate, DurationMS: stepDur.Milliseconds(), Message: msg})
		machine.Fail(msg)
		return failTerminal(StepValidate, msg)
	}

	if !opts.SkipValidation {
		if skip, reason := ShouldSkipMACD(info); skip {
			recordStep(models.StepResult{
				Action: StepValidate, Success: true,
				DurationMS: stepDur.Milliseconds(),
				Message:    "skipped: " + reason,
			})
			_ = machine.Transition(string(models.StateSkipped), reason)
			e.updateProblem(ctx, opts.ServiceProblemID, models.ProblemStatusRejected,
				string(models.StateSkipped), reason)
			result.Message = reason
			result.ServiceProblemUpdated = opts.ServiceProblemID != ""
			return finish()
		}
		_ = machine.Transition(string(models.StateValidated), "eligibility confirmed")
	} else {
		_ = machine.Transition(string(models.StateValidated), "eligibility check skipped by caller")
	}
	recordStep(models.StepResult{
		Action: StepValidate, Success: true,
		DurationMS: stepDur.Milliseconds(),
		Message:    "eligibility confirmed",
	})

	// Step 2: DELETE
	stepStart = time.Now()
	_ = machine.Transition(string(models.StateDeleting), "deleting SM artifacts")
	notify(StepDelete, true, 0)

	deleteResult, err := e.client.DeleteSolutionData(ctx, solutionID)
	stepDur = time.Since(stepStart)
	if err != nil || !deleteResult.Success.Bool() {
		msg := "delete failed"
		if err != nil {
			msg = err.Error()
		} else if deleteResult.Message != "" {
			msg = deleteResult.Message
		}
		recordStep(models.StepResult{Action: StepDelete, DurationMS: stepDur.Milliseconds(), Message: msg})
		_ = machine.Transition(string(models.StateDeleteFailed), msg)
		_ = machine.Transition(string(models.StateFailed), "delete operation failed")
		return failTerminal(StepDelete, msg)
	}
	recordStep(models.StepResult{
		Action: StepDelete, Success: true,
		DurationMS: stepDur.Milliseconds(),
		Message:    "SM artifacts deleted",
	})

	// Step 3: MIGRATE
	stepStart = time.Now()
	_ = machine.Transition(string(models.StateMigrating), "starting migration")
	notify(StepMigrate, true, 0)

	jobID := ""
	migrateResult, err := e.client.MigrateSolution(ctx, solutionID)
	stepDur = time.Since(stepStart)
	if migrateResult != nil {
		jobID = migrateResult.JobID
	}
	if err != nil || !migrateResult.Success.Bool() {
		msg := "migration failed"
		if err != nil {
			msg = err.Error()
		} else if migrateResult.Message != "" {
			msg = migrateResult.Message
		}
		recordStep(models.StepResult{Action: StepMigrate, DurationMS: stepDur.Milliseconds(), Message: msg})
		_ = machine.Transition(string(models.StateMigrationFailed), msg)
		_ = machine.Transition(string(models.StateFailed), "migration failed")
		return failTerminal(StepMigrate, msg)
	}
	recordStep(models.StepResult{
		Action: StepMigrate, Success: true,
		DurationMS: stepDur.Milliseconds(),
		Message:    "migration started",
		JobID:      jobID,
	})

	// Step 4: POLL
	stepStart = time.Now()
	_ = machine.Transition(string(models.StateWaitingConfirmation), "polling migration status")
	notify(StepPoll, true, 0)

	pollOK, pollStatus, pollMsg := e.pollMigration(ctx, solutionID)
	stepDur = time.Since(stepStart)
	if !pollOK {
		recordStep(models.StepResult{
			Action: StepPoll, DurationMS: stepDur.Milliseconds(),
			Message: pollMsg, Status: pollStatus,
		})
		_ = machine.Transition(string(models.StateMigrationFailed), pollMsg)
		_ = machine.Transition(string(models.StateFailed), "migration polling: "+pollMsg)
		return failTerminal(StepPoll, pollMsg)
	}
	_ = machine.Transition(string(models.StateConfirmed), "migration confirmed")
	recordStep(models.StepResult{
		Action: StepPoll, Success: true,
		DurationMS: stepDur.Milliseconds(),
		Message:    "migration confirmed",
		Status:     pollStatus,
	})

	// Step 5: POST_UPDATE. Never fatal: a missing endpoint or a transient
	// SFDC failure must not undo a confirmed migration.
	stepStart = time.Now()
	_ = machine.Transition(string(models.StatePostUpdate), "running post-migration update")
	notify(StepPostUpdate, true, 0)

	err = e.client.PostUpdateSolution(ctx, solutionID, jobID, opts.SFDCUpdates)
	stepDur = time.Since(stepStart)
	if err != nil {
		if errors.IsNotFound(err) {
			e.log.Info("post-update endpoint not available, skipping",
				logger.String("solution_id", solutionID))
		} else {
			e.log.Warn("post-update failed, continuing",
				logger.String("solution_id", solutionID),
				logger.Err(err))
		}
		recordStep(models.StepResult{Action: StepPostUpdate, DurationMS: stepDur.Milliseconds(), Message: err.Error()})
	} else {
		recordStep(models.StepResult{
			Action: StepPostUpdate, Success: true,
			DurationMS: stepDur.Milliseconds(),
			Message:    "SFDC fields updated",
		})
	}

	_ = machine.Transition(string(models.StateCompleted), "remediation completed successfully")
	e.updateProblem(ctx, opts.ServiceProblemID, models.ProblemStatusResolved,
		string(models.StateCompleted), "remediation completed")

	result.Success = true
	result.Message = "remediation completed successfully"
	result.ServiceProblemUpdated = opts.ServiceProblemID != ""
	return finish()
}

// migrationFailed marks a terminal migration status during polling, as
// opposed to transient errors or a run that never finished.
type migrationFailed struct {
	message string
}

func (m *migrationFailed) Error() string {
	return m.message
}

// pollMigration polls migration status with exponential backoff until the
// migration completes, fails terminally, or MaxDuration elapses.
func (e *Engine) pollMigration(ctx context.Context, solutionID string) (bool, string, string) {
	select {
	case <-ctx.Done():
		return false, "CANCELLED", "cancelled before polling started"
	case <-time.After(e.poll.InitialDelay):
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = e.poll.PollInterval
	bo.MaxInterval = e.poll.MaxInterval
	bo.Multiplier = e.poll.BackoffFactor
	bo.MaxElapsedTime = e.poll.MaxDuration
	bo.RandomizationFactor = 0

	operation := func() error {
		status, err := e.client.GetMigrationStatus(ctx, solutionID)
		if err != nil {
			e.log.Warn("poll attempt failed",
				logger.String("solution_id", solutionID),
				logger.Err(err))
			return err
		}
		switch strings.ToUpper(status.Status) {
		case "COMPLETED", "SUCCESS":
			return nil
		case "FAILED", "ERROR":
			msg := status.Message
			if msg == "" {
				msg = "migration failed"
			}
			return backoff.Permanent(&migrationFailed{message: msg})
		default:
			return fmt.Errorf("migration still %s", status.Status)
		}
	}

	err := backoff.Retry(operation, backoff.WithContext(bo, ctx))
	if err == nil {
		return true, "COMPLETED", ""
	}
	var mf *migrationFailed
	if stderrors.As(err, &mf) {
		return false, "FAILED", mf.message
	}
	if ctx.Err() != nil {
		return false, "CANCELLED", "cancelled while polling"
	}
	return false, "TIMEOUT", fmt.Sprintf("polling timed out after %s", e.poll.MaxDuration)
}

// updateProblem updates the owning problem ticket, best-effort
func (e *Engine) updateProblem(ctx context.Context, spID, status, remediationState, reason string) {
	if spID == "" {
		return
	}
	if err := e.client.UpdateServiceProblem(ctx, spID, status, remediationState, reason); err != nil {
		e.log.Warn("failed to update service problem",
			logger.String("service_problem_id", spID),
			logger.Err(err))
		return
	}
	e.log.Info("updated service problem",
		logger.String("service_problem_id", spID),
		logger.String("status", status),
		logger.String("remediation_state", remediationState))
}
