package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/remflow/remflow/internal/logger"
	"github.com/remflow/remflow/internal/oe"
	"github.com/remflow/remflow/internal/remediation"
	"github.com/remflow/remflow/pkg/models"
)

// ExecuteResponse is the envelope for execution endpoints
type ExecuteResponse struct {
	JobID        string      `json:"job_id,omitempty"`
	Message      string      `json:"message"`
	ResultsCount int         `json:"results_count"`
	Summary      interface{} `json:"summary,omitempty"`
}

// RemediateRequest asks for a batch of specific solutions
type RemediateRequest struct {
	SolutionIDs []string `json:"solution_ids" validate:"required,min=1"`
	MaxCount    int      `json:"max_count,omitempty"`
	JobName     string   `json:"job_name,omitempty"`
}

// SingleRemediateRequest tunes a single-solution run
type SingleRemediateRequest struct {
	ServiceProblemID string                 `json:"service_problem_id,omitempty"`
	SkipValidation   bool                   `json:"skip_validation,omitempty"`
	SFDCUpdates      map[string]interface{} `json:"sfdc_updates,omitempty"`
}

// OEDiscoverRequest tunes the OE discovery scan
type OEDiscoverRequest struct {
	MaxCount int `json:"max_count,omitempty" validate:"omitempty,min=1"`
}

// OERemediateRequest asks for a batch OE run
type OERemediateRequest struct {
	MaxCount int    `json:"max_count,omitempty" validate:"omitempty,min=1"`
	DryRun   bool   `json:"dry_run,omitempty"`
	JobName  string `json:"job_name,omitempty"`
}

// OESingleRequest tunes a single-service OE run
type OESingleRequest struct {
	DryRun           bool   `json:"dry_run,omitempty"`
	ServiceProblemID string `json:"service_problem_id,omitempty"`
}

// OESingleResponse is the outcome of a single-service OE run
type OESingleResponse struct {
	ServiceID       string   `json:"service_id"`
	Success         bool     `json:"success"`
	FinalState      string   `json:"final_state"`
	FieldsPatched   []string `json:"fields_patched"`
	Error           string   `json:"error,omitempty"`
	DurationSeconds float64  `json:"duration_seconds"`
}

// decodeBody decodes an optional JSON body. An absent or empty body
// leaves dst at its zero value.
func decodeBody(r *http.Request, dst interface{}) error {
	if r.Body == nil {
		return nil
	}
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil && err != io.EOF {
		return err
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":            "healthy",
		"service":           "remflow",
		"version":           serviceVersion,
		"timestamp":         time.Now().UTC().Format(time.RFC3339),
		"scheduler_running": s.scheduler.Running(),
		"runtime_url":       s.cfg.Runtime.BaseURL,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := s.scheduler.Status()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"scheduler_running":        status.Running,
		"scheduler_interval":       status.IntervalSeconds,
		"scheduler_enabled_config": s.cfg.Scheduler.Enabled,
		"total_cycles":             status.TotalCycles,
		"last_cycle_at":            status.LastCycleAt,
		"last_cycle_result":        status.LastCycleResult,
		"last_cycle_error":         status.LastCycleError,
		"runtime_url":              s.cfg.Runtime.BaseURL,
		"timestamp":                time.Now().UTC().Format(time.RFC3339),
	})
}

// handleExecuteAll runs one scheduler cycle synchronously
func (s *Server) handleExecuteAll(w http.ResponseWriter, r *http.Request) {
	jobIDs, err := s.scheduler.RunCycle(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("Cycle failed: %v", err))
		return
	}

	s.hub.Broadcast(Event{
		Type:    "scheduler_cycle",
		Message: fmt.Sprintf("Executed %d schedule(s)", len(jobIDs)),
		Data:    map[string]interface{}{"job_ids": jobIDs},
	})
	writeJSON(w, http.StatusOK, ExecuteResponse{
		Message:      fmt.Sprintf("Executed %d schedule(s)", len(jobIDs)),
		ResultsCount: len(jobIDs),
		Summary:      map[string]interface{}{"job_ids": jobIDs},
	})
}

// handleExecuteSchedule runs one schedule immediately, bypassing its
// due-time evaluation.
func (s *Server) handleExecuteSchedule(w http.ResponseWriter, r *http.Request) {
	scheduleID := mux.Vars(r)["schedule_id"]

	record, err := s.client.GetSchedule(r.Context(), scheduleID)
	if err != nil {
		writeError(w, http.StatusNotFound, fmt.Sprintf("Schedule not found: %v", err))
		return
	}
	sched, err := models.ParseSchedule(*record)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid schedule: %v", err))
		return
	}

	jobID, err := s.scheduler.ExecuteSchedule(r.Context(), sched)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("Execution failed: %v", err))
		return
	}

	resultsCount := 0
	if jobID != "" {
		resultsCount = 1
	}
	writeJSON(w, http.StatusOK, ExecuteResponse{
		JobID:        jobID,
		Message:      fmt.Sprintf("Executed schedule '%s'", sched.Name),
		ResultsCount: resultsCount,
	})
}

// handleRemediateBatch runs the 5-step flow over caller-chosen solutions.
// Job creation and ticket mapping are best-effort; the batch itself runs
// either way.
func (s *Server) handleRemediateBatch(w http.ResponseWriter, r *http.Request) {
	var req RemediateRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "No solution IDs provided")
		return
	}

	jobName := req.JobName
	if jobName == "" {
		jobName = "Manual Remediation"
	}

	jobID, err := s.client.CreateJobAndLocate(r.Context(), models.JobDraft{
		Name:              jobName,
		Description:       fmt.Sprintf("Manual batch of %d solutions", len(req.SolutionIDs)),
		Category:          models.CategorySolutionEmpty,
		RequestedQuantity: len(req.SolutionIDs),
	})
	if err != nil {
		s.log.Warn("failed to create tracking job", logger.Err(err))
		jobID = ""
	}

	spMapping, err := s.client.ResolveServiceProblems(r.Context(), req.SolutionIDs)
	if err != nil {
		s.log.Warn("failed to resolve service problem mapping", logger.Err(err))
		spMapping = map[string]string{}
	}

	s.hub.Broadcast(Event{
		Type:    "batch_started",
		Message: fmt.Sprintf("Remediating %d solutions", len(req.SolutionIDs)),
		Total:   len(req.SolutionIDs),
	})

	summary := s.runner.RunSolutionBatch(r.Context(), jobID, spMapping, req.SolutionIDs, req.MaxCount)
	processed := summary.Total - summary.Pending

	s.hub.Broadcast(Event{
		Type:     "batch_completed",
		Message:  fmt.Sprintf("Processed %d solutions", processed),
		Progress: processed,
		Total:    summary.Total,
		Data:     summary,
	})
	writeJSON(w, http.StatusOK, ExecuteResponse{
		JobID:        jobID,
		Message:      fmt.Sprintf("Processed %d solutions", processed),
		ResultsCount: processed,
		Summary:      summary,
	})
}

// handleRemediateSingle runs the full 5-step flow for one solution and
// returns the step-by-step result envelope.
func (s *Server) handleRemediateSingle(w http.ResponseWriter, r *http.Request) {
	solutionID := mux.Vars(r)["solution_id"]
	if len(solutionID) < 10 {
		writeError(w, http.StatusBadRequest, "Invalid solution ID")
		return
	}

	var req SingleRemediateRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return
	}

	s.log.Info("single remediation requested", logger.String("solution_id", solutionID))
	result := s.solution.Remediate(r.Context(), solutionID, remediation.Options{
		ServiceProblemID: req.ServiceProblemID,
		SkipValidation:   req.SkipValidation,
		SFDCUpdates:      req.SFDCUpdates,
	})

	writeJSON(w, http.StatusOK, result)
}

// handleOEDiscover scans the service inventory for flagged services and
// opens a problem ticket per service.
func (s *Server) handleOEDiscover(w http.ResponseWriter, r *http.Request) {
	var req OEDiscoverRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return
	}
	maxCount := req.MaxCount
	if maxCount <= 0 {
		maxCount = 200
	}

	services, err := s.client.ListServicesWithFilter(r.Context(), "x_has1867Issue==true", maxCount)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("Discovery failed: %v", err))
		return
	}

	created, failures := 0, 0
	for _, svc := range services {
		if svc.ID == "" {
			continue
		}
		if err := s.client.CreateOEServiceProblem(r.Context(), svc.ID, svc.ServiceType, []string{"pending-analysis"}); err != nil {
			s.log.Warn("failed to create service problem",
				logger.String("service_id", svc.ID),
				logger.Err(err))
			failures++
			continue
		}
		created++
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message":          fmt.Sprintf("Discovered %d services, created %d ServiceProblems", len(services), created),
		"discovered":       len(services),
		"problems_created": created,
		"errors":           failures,
	})
}

// handleOERemediateBatch discovers pending OE services and runs the
// 4-step flow over them.
func (s *Server) handleOERemediateBatch(w http.ResponseWriter, r *http.Request) {
	var req OERemediateRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return
	}
	maxCount := req.MaxCount
	if maxCount <= 0 {
		maxCount = 100
	}
	jobName := req.JobName
	if jobName == "" {
		jobName = "OE Remediation"
	}

	entries, err := s.client.DiscoverOEServices(r.Context(), maxCount)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("Discovery failed: %v", err))
		return
	}
	if len(entries) == 0 {
		writeJSON(w, http.StatusOK, ExecuteResponse{Message: "No pending OE services found"})
		return
	}

	jobID, err := s.client.CreateJobAndLocate(r.Context(), models.JobDraft{
		Name:              jobName,
		Description:       fmt.Sprintf("OE batch of %d services", len(entries)),
		Category:          models.CategoryPartialDataMissing,
		RequestedQuantity: len(entries),
	})
	if err != nil {
		s.log.Warn("failed to create tracking job", logger.Err(err))
		jobID = ""
	}

	s.hub.Broadcast(Event{
		Type:    "oe_batch_started",
		Message: fmt.Sprintf("Remediating %d OE services", len(entries)),
		Total:   len(entries),
	})

	summary := s.runner.RunOEBatch(r.Context(), jobID, entries, maxCount, req.DryRun)
	processed := summary.Total - summary.Pending

	s.hub.Broadcast(Event{
		Type:     "oe_batch_completed",
		Message:  fmt.Sprintf("Processed %d OE services", processed),
		Progress: processed,
		Total:    summary.Total,
		Data:     summary,
	})
	writeJSON(w, http.StatusOK, ExecuteResponse{
		JobID:        jobID,
		Message:      fmt.Sprintf("Processed %d OE services", processed),
		ResultsCount: processed,
		Summary:      summary,
	})
}

// handleOERemediateSingle runs the 4-step OE flow for one service. When a
// ticket id is supplied and this is not a dry run, the ticket is updated
// after the fact: resolved only on REMEDIATED, pending otherwise.
func (s *Server) handleOERemediateSingle(w http.ResponseWriter, r *http.Request) {
	serviceID := mux.Vars(r)["service_id"]
	if len(serviceID) < 10 {
		writeError(w, http.StatusBadRequest, "Invalid service ID")
		return
	}

	var req OESingleRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return
	}

	result := s.oe.Remediate(r.Context(), serviceID, oe.Options{DryRun: req.DryRun})

	if req.ServiceProblemID != "" && !req.DryRun {
		status := models.ProblemStatusPending
		if models.OERemediationState(result.FinalState) == models.OEStateRemediated {
			status = models.ProblemStatusResolved
		}
		if err := s.client.UpdateServiceProblem(r.Context(), req.ServiceProblemID,
			status, result.FinalState, result.Error); err != nil {
			s.log.Warn("failed to update service problem",
				logger.String("service_problem_id", req.ServiceProblemID),
				logger.Err(err))
		}
	}

	fieldsPatched := result.FieldsPatched
	if fieldsPatched == nil {
		fieldsPatched = []string{}
	}
	writeJSON(w, http.StatusOK, OESingleResponse{
		ServiceID:       result.ServiceID,
		Success:         result.Success(),
		FinalState:      result.FinalState,
		FieldsPatched:   fieldsPatched,
		Error:           result.Error,
		DurationSeconds: result.DurationSeconds,
	})
}

// handleSchedulerStart starts the background loop. The loop outlives the
// request, so it runs off the background context.
func (s *Server) handleSchedulerStart(w http.ResponseWriter, r *http.Request) {
	message := "Scheduler started"
	if !s.scheduler.Start(context.Background()) {
		message = "Scheduler already running"
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message":  message,
		"interval": int(s.scheduler.Interval().Seconds()),
	})
}

func (s *Server) handleSchedulerStop(w http.ResponseWriter, r *http.Request) {
	message := "Scheduler stopped"
	if !s.scheduler.Stop() {
		message = "Scheduler already stopped"
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": message})
}
