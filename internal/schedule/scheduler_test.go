package schedule

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/remflow/remflow/internal/errors"
	"github.com/remflow/remflow/pkg/models"
)

type fakeScheduleClient struct {
	mu sync.Mutex

	schedules []models.ScheduleRecord
	listErr   error

	jobID     string
	createErr error
	drafts    []models.JobDraft

	solutions   []models.DiscoveredSolution
	solutionErr error
	oeServices  []models.DiscoveredOEService
	oeErr       error

	jobPatches      []map[string]interface{}
	schedulePatches map[string]map[string]interface{}
}

func (f *fakeScheduleClient) ListActiveSchedules(ctx context.Context) ([]models.ScheduleRecord, error) {
	return f.schedules, f.listErr
}

func (f *fakeScheduleClient) UpdateSchedule(ctx context.Context, id string, patch map[string]interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.schedulePatches == nil {
		f.schedulePatches = make(map[string]map[string]interface{})
	}
	f.schedulePatches[id] = patch
	return nil
}

func (f *fakeScheduleClient) CreateJobAndLocate(ctx context.Context, draft models.JobDraft) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.drafts = append(f.drafts, draft)
	if f.createErr != nil {
		return "", f.createErr
	}
	if f.jobID == "" {
		return "job-1", nil
	}
	return f.jobID, nil
}

func (f *fakeScheduleClient) UpdateJob(ctx context.Context, id string, patch map[string]interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobPatches = append(f.jobPatches, patch)
	return nil
}

func (f *fakeScheduleClient) DiscoverSolutionTickets(ctx context.Context, limit int) ([]models.DiscoveredSolution, error) {
	return f.solutions, f.solutionErr
}

func (f *fakeScheduleClient) DiscoverOEServices(ctx context.Context, limit int) ([]models.DiscoveredOEService, error) {
	return f.oeServices, f.oeErr
}

type solutionRun struct {
	jobID     string
	spMapping map[string]string
	ids       []string
	maxCount  int
}

type oeRun struct {
	jobID    string
	entries  []models.DiscoveredOEService
	maxCount int
	dryRun   bool
}

type fakeRunner struct {
	solutionRuns    []solutionRun
	oeRuns          []oeRun
	solutionSummary models.BatchSummary
	oeSummary       models.OEBatchSummary
}

func (f *fakeRunner) RunSolutionBatch(ctx context.Context, jobID string, spMapping map[string]string, solutionIDs []string, maxCount int) models.BatchSummary {
	f.solutionRuns = append(f.solutionRuns, solutionRun{jobID, spMapping, solutionIDs, maxCount})
	return f.solutionSummary
}

func (f *fakeRunner) RunOEBatch(ctx context.Context, jobID string, entries []models.DiscoveredOEService, maxCount int, dryRun bool) models.OEBatchSummary {
	f.oeRuns = append(f.oeRuns, oeRun{jobID, entries, maxCount, dryRun})
	return f.oeSummary
}

func activeRecord(id, category string) models.ScheduleRecord {
	active := models.FlexBool(true)
	return models.ScheduleRecord{
		ID:                id,
		Name:              "Nightly cleanup",
		IsActive:          &active,
		Category:          category,
		RecurrencePattern: models.RecurrenceDaily,
		WindowStartTime:   "00:00:00",
		WindowEndTime:     "23:59:59",
		Timezone:          "UTC",
		MaxBatchSize:      25,
		NextExecutionDate: "2020-01-01T00:00:00Z",
		TotalExecutions:   5,
	}
}

func TestRunCycleExecutesDueSolutionSchedule(t *testing.T) {
	client := &fakeScheduleClient{
		schedules: []models.ScheduleRecord{activeRecord("sch-1", models.CategorySolutionEmpty)},
		solutions: []models.DiscoveredSolution{
			{SolutionID: "a0X1", ServiceProblemID: "SP-1"},
			{SolutionID: "a0X2", ServiceProblemID: "SP-2"},
		},
	}
	runner := &fakeRunner{solutionSummary: models.BatchSummary{Total: 2, Successful: 2}}
	s := NewScheduler(client, runner, time.Minute, nil)

	jobIDs, err := s.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"job-1"}, jobIDs)

	require.Len(t, client.drafts, 1)
	draft := client.drafts[0]
	assert.Equal(t, "Nightly cleanup - Execution 6", draft.Name)
	assert.Equal(t, "Auto-created by schedule sch-1", draft.Description)
	assert.Equal(t, models.CategorySolutionEmpty, draft.Category)
	assert.Equal(t, 25, draft.RequestedQuantity)
	assert.Equal(t, "sch-1", draft.ParentScheduleID)
	assert.Equal(t, 6, draft.ExecutionNumber)
	assert.True(t, draft.IsRecurrent)

	require.Len(t, runner.solutionRuns, 1)
	run := runner.solutionRuns[0]
	assert.Equal(t, "job-1", run.jobID)
	assert.Equal(t, []string{"a0X1", "a0X2"}, run.ids)
	assert.Equal(t, map[string]string{"a0X1": "SP-1", "a0X2": "SP-2"}, run.spMapping)
	assert.Equal(t, 25, run.maxCount)

	patch := client.schedulePatches["sch-1"]
	require.NotNil(t, patch)
	assert.Equal(t, 6, patch["totalExecutions"])
	assert.Equal(t, "job-1", patch["lastExecutionId"])
	assert.Equal(t, 1, patch["successfulExecutions"])
	assert.NotContains(t, patch, "failedExecutions")
	assert.NotEmpty(t, patch["lastExecutionDate"])
	assert.NotNil(t, patch["nextExecutionDate"])
}

func TestRunCycleRoutesOECategory(t *testing.T) {
	client := &fakeScheduleClient{
		schedules:  []models.ScheduleRecord{activeRecord("sch-1", models.CategoryPartialDataMissing)},
		oeServices: []models.DiscoveredOEService{{ServiceID: "svc-1", ServiceProblemID: "SP-1"}},
	}
	runner := &fakeRunner{oeSummary: models.OEBatchSummary{Total: 1, Remediated: 1}}
	s := NewScheduler(client, runner, time.Minute, nil)

	_, err := s.RunCycle(context.Background())
	require.NoError(t, err)

	require.Len(t, runner.oeRuns, 1)
	assert.Equal(t, "job-1", runner.oeRuns[0].jobID)
	assert.False(t, runner.oeRuns[0].dryRun, "scheduled runs are never dry runs")
	assert.Empty(t, runner.solutionRuns)
}

func TestRunCycleSkipsUnparseableSchedule(t *testing.T) {
	bad := activeRecord("sch-bad", models.CategorySolutionEmpty)
	bad.WindowStartTime = "not-a-time"
	client := &fakeScheduleClient{
		schedules: []models.ScheduleRecord{bad, activeRecord("sch-1", models.CategorySolutionEmpty)},
		solutions: []models.DiscoveredSolution{{SolutionID: "a0X1", ServiceProblemID: "SP-1"}},
	}
	runner := &fakeRunner{}
	s := NewScheduler(client, runner, time.Minute, nil)

	jobIDs, err := s.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"job-1"}, jobIDs)
	require.Len(t, client.drafts, 1)
	assert.Equal(t, "sch-1", client.drafts[0].ParentScheduleID)
}

func TestRunCycleNothingDue(t *testing.T) {
	record := activeRecord("sch-1", models.CategorySolutionEmpty)
	record.NextExecutionDate = "2099-01-01T00:00:00Z"
	client := &fakeScheduleClient{schedules: []models.ScheduleRecord{record}}
	s := NewScheduler(client, &fakeRunner{}, time.Minute, nil)

	jobIDs, err := s.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Empty(t, jobIDs)
	assert.Empty(t, client.drafts)
}

func TestRunCycleListFailureIsCycleError(t *testing.T) {
	client := &fakeScheduleClient{
		listErr: errors.New(errors.TypeServer, "ListActiveSchedules", "runtime returned 500"),
	}
	s := NewScheduler(client, &fakeRunner{}, time.Minute, nil)

	_, err := s.RunCycle(context.Background())
	assert.Error(t, err)
}

func TestExecuteScheduleEmptyDiscoveryFinalisesJob(t *testing.T) {
	client := &fakeScheduleClient{}
	runner := &fakeRunner{}
	s := NewScheduler(client, runner, time.Minute, nil)

	sched, err := models.ParseSchedule(activeRecord("sch-1", models.CategorySolutionEmpty))
	require.NoError(t, err)

	jobID, err := s.ExecuteSchedule(context.Background(), sched)
	require.NoError(t, err)
	assert.Equal(t, "job-1", jobID)
	assert.Empty(t, runner.solutionRuns)

	require.Len(t, client.jobPatches, 1)
	patch := client.jobPatches[0]
	assert.Equal(t, models.JobStateCompleted, patch["state"])
	assert.Equal(t, 0, patch["actualQuantity"])
	assert.Contains(t, patch["x_summary"].(string), `"total":0`)

	assert.Equal(t, 1, client.schedulePatches["sch-1"]["successfulExecutions"])
}

func TestExecuteScheduleDiscoveryFailureFailsJob(t *testing.T) {
	client := &fakeScheduleClient{
		solutionErr: errors.New(errors.TypeServer, "listProblems", "runtime returned 500"),
	}
	s := NewScheduler(client, &fakeRunner{}, time.Minute, nil)

	sched, err := models.ParseSchedule(activeRecord("sch-1", models.CategorySolutionEmpty))
	require.NoError(t, err)

	jobID, err := s.ExecuteSchedule(context.Background(), sched)
	require.NoError(t, err)
	assert.Equal(t, "job-1", jobID)

	require.Len(t, client.jobPatches, 1)
	patch := client.jobPatches[0]
	assert.Equal(t, models.JobStateFailed, patch["state"])
	assert.NotEmpty(t, patch["x_lastError"])

	assert.Equal(t, 1, client.schedulePatches["sch-1"]["failedExecutions"])
}

func TestExecuteScheduleBatchFailuresCountAsFailedExecution(t *testing.T) {
	client := &fakeScheduleClient{
		solutions: []models.DiscoveredSolution{{SolutionID: "a0X1", ServiceProblemID: "SP-1"}},
	}
	runner := &fakeRunner{solutionSummary: models.BatchSummary{Total: 1, Failed: 1}}
	s := NewScheduler(client, runner, time.Minute, nil)

	sched, err := models.ParseSchedule(activeRecord("sch-1", models.CategorySolutionEmpty))
	require.NoError(t, err)

	_, err = s.ExecuteSchedule(context.Background(), sched)
	require.NoError(t, err)

	patch := client.schedulePatches["sch-1"]
	assert.Equal(t, 1, patch["failedExecutions"])
	assert.NotContains(t, patch, "successfulExecutions")
}

func TestExecuteScheduleUnknownCategoryFinalisesEmpty(t *testing.T) {
	client := &fakeScheduleClient{}
	runner := &fakeRunner{}
	s := NewScheduler(client, runner, time.Minute, nil)

	record := activeRecord("sch-1", "SomethingElse")
	sched, err := models.ParseSchedule(record)
	require.NoError(t, err)

	_, err = s.ExecuteSchedule(context.Background(), sched)
	require.NoError(t, err)
	assert.Empty(t, runner.solutionRuns)
	assert.Empty(t, runner.oeRuns)

	require.Len(t, client.jobPatches, 1)
	assert.Equal(t, models.JobStateCompleted, client.jobPatches[0]["state"])
}

func TestExecuteScheduleJobCreationFailure(t *testing.T) {
	client := &fakeScheduleClient{
		createErr: errors.New(errors.TypeServer, "CreateJob", "runtime returned 500"),
	}
	runner := &fakeRunner{}
	s := NewScheduler(client, runner, time.Minute, nil)

	sched, err := models.ParseSchedule(activeRecord("sch-1", models.CategorySolutionEmpty))
	require.NoError(t, err)

	_, err = s.ExecuteSchedule(context.Background(), sched)
	assert.Error(t, err)
	assert.Empty(t, runner.solutionRuns)
	assert.Empty(t, client.schedulePatches, "no stats update when no job was created")
}

func TestExecuteScheduleOnceClearsNextExecution(t *testing.T) {
	client := &fakeScheduleClient{}
	s := NewScheduler(client, &fakeRunner{}, time.Minute, nil)

	record := activeRecord("sch-1", models.CategorySolutionEmpty)
	record.RecurrencePattern = models.RecurrenceOnce
	sched, err := models.ParseSchedule(record)
	require.NoError(t, err)

	_, err = s.ExecuteSchedule(context.Background(), sched)
	require.NoError(t, err)

	patch := client.schedulePatches["sch-1"]
	require.Contains(t, patch, "nextExecutionDate")
	assert.Nil(t, patch["nextExecutionDate"])
}

func TestSchedulerStartStopIdempotent(t *testing.T) {
	s := NewScheduler(&fakeScheduleClient{}, &fakeRunner{}, time.Hour, nil)

	assert.True(t, s.Start(context.Background()))
	assert.False(t, s.Start(context.Background()), "second start is a no-op")
	assert.True(t, s.Running())

	assert.True(t, s.Stop())
	assert.False(t, s.Stop(), "second stop is a no-op")
	assert.False(t, s.Running())
}

func TestSchedulerStatusTracksCycles(t *testing.T) {
	client := &fakeScheduleClient{
		schedules: []models.ScheduleRecord{activeRecord("sch-1", models.CategorySolutionEmpty)},
		solutions: []models.DiscoveredSolution{{SolutionID: "a0X1", ServiceProblemID: "SP-1"}},
	}
	s := NewScheduler(client, &fakeRunner{}, time.Minute, nil)

	s.tick(context.Background())

	status := s.Status()
	assert.Equal(t, 1, status.TotalCycles)
	require.NotNil(t, status.LastCycleAt)
	require.NotNil(t, status.LastCycleResult)
	assert.Equal(t, 1, status.LastCycleResult.JobsCreated)
	assert.Equal(t, []string{"job-1"}, status.LastCycleResult.JobIDs)
	assert.Empty(t, status.LastCycleError)
	assert.Equal(t, 60, status.IntervalSeconds)
}

func TestSchedulerStatusRecordsCycleError(t *testing.T) {
	client := &fakeScheduleClient{
		listErr: errors.New(errors.TypeServer, "ListActiveSchedules", "runtime returned 500"),
	}
	s := NewScheduler(client, &fakeRunner{}, time.Minute, nil)

	s.tick(context.Background())
	assert.NotEmpty(t, s.Status().LastCycleError)
}
