package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/remflow/remflow/internal/config"
	"github.com/remflow/remflow/internal/errors"
	"github.com/remflow/remflow/internal/oe"
	"github.com/remflow/remflow/internal/remediation"
	"github.com/remflow/remflow/internal/schedule"
	"github.com/remflow/remflow/pkg/models"
)

type fakeRuntime struct {
	scheduleRecord *models.ScheduleRecord
	scheduleErr    error

	jobID     string
	createErr error
	drafts    []models.JobDraft

	spMapping  map[string]string
	resolveErr error

	oeServices  []models.DiscoveredOEService
	discoverErr error

	services   []models.ServiceRecord
	listErr    error
	createdSPs []string
	createSPBy map[string]error

	spUpdates []string
}

func (f *fakeRuntime) GetSchedule(ctx context.Context, id string) (*models.ScheduleRecord, error) {
	return f.scheduleRecord, f.scheduleErr
}

func (f *fakeRuntime) CreateJobAndLocate(ctx context.Context, draft models.JobDraft) (string, error) {
	f.drafts = append(f.drafts, draft)
	if f.createErr != nil {
		return "", f.createErr
	}
	if f.jobID == "" {
		return "job-1", nil
	}
	return f.jobID, nil
}

func (f *fakeRuntime) ResolveServiceProblems(ctx context.Context, solutionIDs []string) (map[string]string, error) {
	if f.resolveErr != nil {
		return nil, f.resolveErr
	}
	if f.spMapping == nil {
		return map[string]string{}, nil
	}
	return f.spMapping, nil
}

func (f *fakeRuntime) DiscoverOEServices(ctx context.Context, limit int) ([]models.DiscoveredOEService, error) {
	return f.oeServices, f.discoverErr
}

func (f *fakeRuntime) ListServicesWithFilter(ctx context.Context, filter string, limit int) ([]models.ServiceRecord, error) {
	return f.services, f.listErr
}

func (f *fakeRuntime) CreateOEServiceProblem(ctx context.Context, serviceID, serviceType string, missingFields []string) error {
	if err, ok := f.createSPBy[serviceID]; ok {
		return err
	}
	f.createdSPs = append(f.createdSPs, serviceID)
	return nil
}

func (f *fakeRuntime) UpdateServiceProblem(ctx context.Context, id, status, remediationState, reason string) error {
	f.spUpdates = append(f.spUpdates, id+":"+status+"/"+remediationState)
	return nil
}

type fakeScheduler struct {
	running   bool
	cycleIDs  []string
	cycleErr  error
	execJobID string
	execErr   error
	executed  []*models.Schedule
	status    schedule.Status
}

func (f *fakeScheduler) Start(ctx context.Context) bool {
	if f.running {
		return false
	}
	f.running = true
	return true
}

func (f *fakeScheduler) Stop() bool {
	if !f.running {
		return false
	}
	f.running = false
	return true
}

func (f *fakeScheduler) Running() bool           { return f.running }
func (f *fakeScheduler) Interval() time.Duration { return time.Minute }
func (f *fakeScheduler) Status() schedule.Status { return f.status }

func (f *fakeScheduler) RunCycle(ctx context.Context) ([]string, error) {
	return f.cycleIDs, f.cycleErr
}

func (f *fakeScheduler) ExecuteSchedule(ctx context.Context, sched *models.Schedule) (string, error) {
	f.executed = append(f.executed, sched)
	return f.execJobID, f.execErr
}

type fakeAPISolutionEngine struct {
	result *models.RemediationResult
	opts   []remediation.Options
}

func (f *fakeAPISolutionEngine) Remediate(ctx context.Context, solutionID string, opts remediation.Options) *models.RemediationResult {
	f.opts = append(f.opts, opts)
	if f.result != nil {
		return f.result
	}
	return &models.RemediationResult{SolutionID: solutionID, Success: true, FinalState: "COMPLETED"}
}

type fakeAPIOEEngine struct {
	result *models.OEResult
	opts   []oe.Options
}

func (f *fakeAPIOEEngine) Remediate(ctx context.Context, serviceID string, opts oe.Options) *models.OEResult {
	f.opts = append(f.opts, opts)
	if f.result != nil {
		return f.result
	}
	return &models.OEResult{ServiceID: serviceID, FinalState: "REMEDIATED"}
}

type apiSolutionRun struct {
	jobID     string
	spMapping map[string]string
	ids       []string
	maxCount  int
}

type apiOERun struct {
	jobID    string
	entries  []models.DiscoveredOEService
	maxCount int
	dryRun   bool
}

type fakeAPIRunner struct {
	solutionRuns    []apiSolutionRun
	oeRuns          []apiOERun
	solutionSummary models.BatchSummary
	oeSummary       models.OEBatchSummary
}

func (f *fakeAPIRunner) RunSolutionBatch(ctx context.Context, jobID string, spMapping map[string]string, solutionIDs []string, maxCount int) models.BatchSummary {
	f.solutionRuns = append(f.solutionRuns, apiSolutionRun{jobID, spMapping, solutionIDs, maxCount})
	return f.solutionSummary
}

func (f *fakeAPIRunner) RunOEBatch(ctx context.Context, jobID string, entries []models.DiscoveredOEService, maxCount int, dryRun bool) models.OEBatchSummary {
	f.oeRuns = append(f.oeRuns, apiOERun{jobID, entries, maxCount, dryRun})
	return f.oeSummary
}

type testDeps struct {
	runtime   *fakeRuntime
	scheduler *fakeScheduler
	solution  *fakeAPISolutionEngine
	oe        *fakeAPIOEEngine
	runner    *fakeAPIRunner
}

func newTestServer() (*Server, *testDeps) {
	deps := &testDeps{
		runtime:   &fakeRuntime{},
		scheduler: &fakeScheduler{},
		solution:  &fakeAPISolutionEngine{},
		oe:        &fakeAPIOEEngine{},
		runner:    &fakeAPIRunner{},
	}
	cfg := &config.Config{
		Runtime:   config.RuntimeConfig{BaseURL: "http://runtime.local"},
		Scheduler: config.SchedulerConfig{Enabled: true, IntervalSeconds: 60},
		Server:    config.ServerConfig{Host: "127.0.0.1", Port: 8082},
	}
	return NewServer(cfg, deps.runtime, deps.scheduler, deps.solution, deps.oe, deps.runner), deps
}

func doRequest(t *testing.T, s *Server, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	return rec
}

func decodeMap(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestHealthEndpoint(t *testing.T) {
	s, deps := newTestServer()
	deps.scheduler.running = true

	rec := doRequest(t, s, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeMap(t, rec)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "remflow", body["service"])
	assert.Equal(t, true, body["scheduler_running"])
	assert.Equal(t, "http://runtime.local", body["runtime_url"])
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestRoutesMountedUnderOrchestratorPrefix(t *testing.T) {
	s, _ := newTestServer()

	rec := doRequest(t, s, http.MethodGet, "/api/orchestrator/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "remflow", decodeMap(t, rec)["service"])
}

func TestStatusEndpoint(t *testing.T) {
	s, deps := newTestServer()
	now := time.Now().UTC()
	deps.scheduler.status = schedule.Status{
		Running:         true,
		IntervalSeconds: 60,
		TotalCycles:     7,
		LastCycleAt:     &now,
		LastCycleResult: &schedule.CycleResult{JobsCreated: 2, JobIDs: []string{"job-1", "job-2"}},
	}

	rec := doRequest(t, s, http.MethodGet, "/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeMap(t, rec)
	assert.Equal(t, true, body["scheduler_running"])
	assert.Equal(t, float64(7), body["total_cycles"])
	assert.Equal(t, true, body["scheduler_enabled_config"])
	result := body["last_cycle_result"].(map[string]interface{})
	assert.Equal(t, float64(2), result["jobs_created"])
}

func TestExecuteRunsOneCycle(t *testing.T) {
	s, deps := newTestServer()
	deps.scheduler.cycleIDs = []string{"job-1", "job-2"}

	rec := doRequest(t, s, http.MethodPost, "/execute", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeMap(t, rec)
	assert.Equal(t, "Executed 2 schedule(s)", body["message"])
	assert.Equal(t, float64(2), body["results_count"])
	summary := body["summary"].(map[string]interface{})
	assert.Len(t, summary["job_ids"], 2)
}

func TestExecuteCycleErrorReturns500(t *testing.T) {
	s, deps := newTestServer()
	deps.scheduler.cycleErr = errors.New(errors.TypeServer, "ListActiveSchedules", "runtime returned 500")

	rec := doRequest(t, s, http.MethodPost, "/execute", nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestExecuteScheduleNotFound(t *testing.T) {
	s, deps := newTestServer()
	deps.runtime.scheduleErr = errors.New(errors.TypeNotFound, "GetSchedule", "runtime returned 404")

	rec := doRequest(t, s, http.MethodPost, "/execute/sch-missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestExecuteScheduleBypassesDueCheck(t *testing.T) {
	s, deps := newTestServer()
	active := models.FlexBool(true)
	deps.runtime.scheduleRecord = &models.ScheduleRecord{
		ID:       "sch-1",
		Name:     "Nightly cleanup",
		IsActive: &active,
		// No nextExecutionDate: the schedule is not due, yet manual
		// execution must still run it.
	}
	deps.scheduler.execJobID = "job-9"

	rec := doRequest(t, s, http.MethodPost, "/execute/sch-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeMap(t, rec)
	assert.Equal(t, "job-9", body["job_id"])
	assert.Equal(t, "Executed schedule 'Nightly cleanup'", body["message"])
	require.Len(t, deps.scheduler.executed, 1)
	assert.Equal(t, "sch-1", deps.scheduler.executed[0].ID)
}

func TestRemediateBatchRejectsEmptyIDs(t *testing.T) {
	s, _ := newTestServer()

	rec := doRequest(t, s, http.MethodPost, "/remediate", map[string]interface{}{"solution_ids": []string{}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(t, s, http.MethodPost, "/remediate", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRemediateBatchRunsSolutions(t *testing.T) {
	s, deps := newTestServer()
	deps.runtime.spMapping = map[string]string{"a0X5500000001": "SP-1"}
	deps.runner.solutionSummary = models.BatchSummary{Total: 2, Successful: 2}

	rec := doRequest(t, s, http.MethodPost, "/remediate", RemediateRequest{
		SolutionIDs: []string{"a0X5500000001", "a0X5500000002"},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeMap(t, rec)
	assert.Equal(t, "job-1", body["job_id"])
	assert.Equal(t, "Processed 2 solutions", body["message"])

	require.Len(t, deps.runner.solutionRuns, 1)
	run := deps.runner.solutionRuns[0]
	assert.Equal(t, "job-1", run.jobID)
	assert.Equal(t, map[string]string{"a0X5500000001": "SP-1"}, run.spMapping)

	require.Len(t, deps.runtime.drafts, 1)
	assert.Equal(t, "Manual Remediation", deps.runtime.drafts[0].Name)
	assert.Equal(t, models.CategorySolutionEmpty, deps.runtime.drafts[0].Category)
}

func TestRemediateBatchJobCreationBestEffort(t *testing.T) {
	s, deps := newTestServer()
	deps.runtime.createErr = errors.New(errors.TypeServer, "CreateJob", "runtime returned 500")
	deps.runtime.resolveErr = errors.New(errors.TypeServer, "listProblems", "runtime returned 500")
	deps.runner.solutionSummary = models.BatchSummary{Total: 1, Successful: 1}

	rec := doRequest(t, s, http.MethodPost, "/remediate", RemediateRequest{
		SolutionIDs: []string{"a0X5500000001"},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	// The batch still runs, untracked and without a ticket mapping.
	require.Len(t, deps.runner.solutionRuns, 1)
	assert.Equal(t, "", deps.runner.solutionRuns[0].jobID)
	assert.Empty(t, deps.runner.solutionRuns[0].spMapping)
}

func TestRemediateSingleRejectsShortID(t *testing.T) {
	s, deps := newTestServer()

	rec := doRequest(t, s, http.MethodPost, "/remediate/short", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, deps.solution.opts)
}

func TestRemediateSinglePassesOptions(t *testing.T) {
	s, deps := newTestServer()

	rec := doRequest(t, s, http.MethodPost, "/remediate/a0X5500000001", SingleRemediateRequest{
		ServiceProblemID: "SP-1",
		SkipValidation:   true,
		SFDCUpdates:      map[string]interface{}{"isMigratedToHeroku": true},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	require.Len(t, deps.solution.opts, 1)
	opts := deps.solution.opts[0]
	assert.Equal(t, "SP-1", opts.ServiceProblemID)
	assert.True(t, opts.SkipValidation)
	assert.Equal(t, map[string]interface{}{"isMigratedToHeroku": true}, opts.SFDCUpdates)

	body := decodeMap(t, rec)
	assert.Equal(t, "a0X5500000001", body["solution_id"])
	assert.Equal(t, true, body["success"])
}

func TestRemediateSingleEmptyBodyAllowed(t *testing.T) {
	s, deps := newTestServer()

	rec := doRequest(t, s, http.MethodPost, "/remediate/a0X5500000001", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, deps.solution.opts, 1)
	assert.False(t, deps.solution.opts[0].SkipValidation)
}

func TestOEDiscoverCreatesProblems(t *testing.T) {
	s, deps := newTestServer()
	deps.runtime.services = []models.ServiceRecord{
		{ID: "svc-1", ServiceType: "Voice"},
		{ID: "", ServiceType: "Voice"}, // no id, skipped
		{ID: "svc-3", ServiceType: "Fibre Service"},
	}
	deps.runtime.createSPBy = map[string]error{
		"svc-3": errors.New(errors.TypeServer, "CreateOEServiceProblem", "runtime returned 500"),
	}

	rec := doRequest(t, s, http.MethodPost, "/oe/discover", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeMap(t, rec)
	assert.Equal(t, float64(3), body["discovered"])
	assert.Equal(t, float64(1), body["problems_created"])
	assert.Equal(t, float64(1), body["errors"])
	assert.Equal(t, []string{"svc-1"}, deps.runtime.createdSPs)
}

func TestOERemediateBatchNoPendingServices(t *testing.T) {
	s, deps := newTestServer()

	rec := doRequest(t, s, http.MethodPost, "/oe/remediate", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "No pending OE services found", decodeMap(t, rec)["message"])
	assert.Empty(t, deps.runner.oeRuns)
	assert.Empty(t, deps.runtime.drafts, "no tracking job for an empty batch")
}

func TestOERemediateBatchRunsDiscoveredServices(t *testing.T) {
	s, deps := newTestServer()
	deps.runtime.oeServices = []models.DiscoveredOEService{
		{ServiceID: "svc-1", ServiceProblemID: "SP-1"},
		{ServiceID: "svc-2", ServiceProblemID: "SP-2"},
	}
	deps.runner.oeSummary = models.OEBatchSummary{Total: 2, Remediated: 2}

	rec := doRequest(t, s, http.MethodPost, "/oe/remediate", OERemediateRequest{DryRun: true})
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeMap(t, rec)
	assert.Equal(t, "Processed 2 OE services", body["message"])
	assert.Equal(t, "job-1", body["job_id"])

	require.Len(t, deps.runner.oeRuns, 1)
	run := deps.runner.oeRuns[0]
	assert.True(t, run.dryRun)
	assert.Equal(t, 100, run.maxCount)
	assert.Len(t, run.entries, 2)

	require.Len(t, deps.runtime.drafts, 1)
	assert.Equal(t, models.CategoryPartialDataMissing, deps.runtime.drafts[0].Category)
	assert.Equal(t, "OE Remediation", deps.runtime.drafts[0].Name)
}

func TestOERemediateSingleRejectsShortID(t *testing.T) {
	s, _ := newTestServer()

	rec := doRequest(t, s, http.MethodPost, "/oe/remediate/svc", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestOERemediateSingleResolvesTicketOnSuccess(t *testing.T) {
	s, deps := newTestServer()
	deps.oe.result = &models.OEResult{
		ServiceID:     "a0A5500000001",
		FinalState:    "REMEDIATED",
		FieldsPatched: []string{"PICEmail"},
	}

	rec := doRequest(t, s, http.MethodPost, "/oe/remediate/a0A5500000001", OESingleRequest{
		ServiceProblemID: "SP-1",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeMap(t, rec)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "REMEDIATED", body["final_state"])
	assert.Equal(t, []string{"SP-1:resolved/REMEDIATED"}, deps.runtime.spUpdates)
}

func TestOERemediateSingleFailureSendsTicketBackToPending(t *testing.T) {
	s, deps := newTestServer()
	deps.oe.result = &models.OEResult{
		ServiceID:  "a0A5500000001",
		FinalState: "FAILED",
		Error:      "sync failed",
	}

	rec := doRequest(t, s, http.MethodPost, "/oe/remediate/a0A5500000001", OESingleRequest{
		ServiceProblemID: "SP-1",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeMap(t, rec)
	assert.Equal(t, false, body["success"])
	assert.Equal(t, []string{"SP-1:pending/FAILED"}, deps.runtime.spUpdates)
}

func TestOERemediateSingleDryRunSkipsTicket(t *testing.T) {
	s, deps := newTestServer()

	rec := doRequest(t, s, http.MethodPost, "/oe/remediate/a0A5500000001", OESingleRequest{
		DryRun:           true,
		ServiceProblemID: "SP-1",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, deps.runtime.spUpdates)
	require.Len(t, deps.oe.opts, 1)
	assert.True(t, deps.oe.opts[0].DryRun)
}

func TestSchedulerStartStopEndpoints(t *testing.T) {
	s, _ := newTestServer()

	rec := doRequest(t, s, http.MethodPost, "/scheduler/start", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeMap(t, rec)
	assert.Equal(t, "Scheduler started", body["message"])
	assert.Equal(t, float64(60), body["interval"])

	rec = doRequest(t, s, http.MethodPost, "/scheduler/start", nil)
	assert.Equal(t, "Scheduler already running", decodeMap(t, rec)["message"])

	rec = doRequest(t, s, http.MethodPost, "/scheduler/stop", nil)
	assert.Equal(t, "Scheduler stopped", decodeMap(t, rec)["message"])

	rec = doRequest(t, s, http.MethodPost, "/scheduler/stop", nil)
	assert.Equal(t, "Scheduler already stopped", decodeMap(t, rec)["message"])
}

func TestMetricsEndpoint(t *testing.T) {
	s, _ := newTestServer()

	rec := doRequest(t, s, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

type panickingScheduler struct {
	fakeScheduler
}

func (p *panickingScheduler) RunCycle(ctx context.Context) ([]string, error) {
	panic("boom")
}

func TestRecoveryMiddlewareTurnsPanicInto500(t *testing.T) {
	s, _ := newTestServer()
	s.scheduler = &panickingScheduler{}

	rec := doRequest(t, s, http.MethodPost, "/execute", nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "internal server error")
}

func TestRequestIDPreserved(t *testing.T) {
	s, _ := newTestServer()

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-ID", "fixed-id")
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	assert.Equal(t, "fixed-id", rec.Header().Get("X-Request-ID"))
}
