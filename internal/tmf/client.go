package tmf

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/remflow/remflow/internal/errors"
	"github.com/remflow/remflow/internal/logger"
	"github.com/remflow/remflow/internal/metrics"
	"github.com/remflow/remflow/pkg/models"
)

// TMF API paths on the current runtime
const (
	pathBatchSchedule  = "/tmf-api/batchProcessing/v1/batchSchedule"
	pathBatchJob       = "/tmf-api/batchProcessing/v1/batchJob"
	pathServiceProblem = "/tmf-api/serviceProblemManagement/v5/serviceProblem"

	pathSolutionInfo       = "/tmf-api/solutionManagement/v5/solutionInfo"
	pathSolutionMigration  = "/tmf-api/solutionManagement/v5/solutionMigration"
	pathMigrationStatus    = "/tmf-api/solutionManagement/v5/migrationStatus"
	pathSolutionPostUpdate = "/tmf-api/solutionManagement/v5/solutionPostUpdate"

	pathOEServiceInfo       = "/tmf-api/oeServiceManagement/v1/oeServiceInfo"
	pathOEServiceAttachment = "/tmf-api/oeServiceManagement/v1/oeServiceAttachment"
	pathOEServiceRemediate  = "/tmf-api/oeServiceManagement/v1/oeServiceRemediation"

	pathServiceInventory = "/tmf-api/serviceInventoryManagement/v5/service"
	pathBillingAccount   = "/tmf-api/accountManagement/v5/billingAccount"
	pathIndividual       = "/tmf-api/partyManagement/v5/individual"
)

// Per-operation timeouts. Salesforce-backed calls are slow; migrations and
// sync triggers slower still.
const (
	defaultTimeout = 30 * time.Second
	slowTimeout    = 60 * time.Second
	longTimeout    = 120 * time.Second
)

// Config holds the upstream connection settings
type Config struct {
	BaseURL           string
	APIKey            string
	RequestsPerSecond int
}

// Client is a stateless typed client over the BSS runtime API. Safe for
// concurrent use; retry policy lives in the callers.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	limiter *rate.Limiter
	log     logger.Logger
	metrics *metrics.Metrics
}

// NewClient creates a runtime API client
func NewClient(cfg Config, m *metrics.Metrics) *Client {
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 20
	}
	if m == nil {
		m = metrics.Default()
	}
	return &Client{
		baseURL: trimTrailingSlash(cfg.BaseURL),
		apiKey:  cfg.APIKey,
		http:    &http.Client{},
		limiter: rate.NewLimiter(rate.Limit(rps), rps),
		log:     logger.New("tmf"),
		metrics: m,
	}
}

func trimTrailingSlash(s string) string {
	for len(s) > 0 && s[len(s)-1] == '/' {
		s = s[:len(s)-1]
	}
	return s
}

// do performs one request against the runtime, decoding the response into
// out when non-nil. A 204 or empty body leaves out untouched.
func (c *Client) do(ctx context.Context, op, method, path string, query url.Values, body, out interface{}, timeout time.Duration) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return errors.Wrap(err, errors.TypeInternal, op, "rate limiter interrupted")
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return errors.Wrap(err, errors.TypeInternal, op, "failed to encode request body")
		}
		reader = bytes.NewReader(payload)
	}

	reqURL := c.baseURL + path
	if len(query) > 0 {
		reqURL += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, reader)
	if err != nil {
		return errors.Wrap(err, errors.TypeInternal, op, "failed to build request")
	}
	req.Header.Set("X-API-Key", c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.metrics.RecordRuntimeRequest(op, "error", time.Since(start))
		if ctx.Err() == context.DeadlineExceeded {
			return errors.Wrap(err, errors.TypeTimeout, op,
				fmt.Sprintf("request exceeded %s", timeout))
		}
		return errors.Wrap(err, errors.TypeTransport, op, "request failed")
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		c.metrics.RecordRuntimeRequest(op, "error", time.Since(start))
		return errors.Wrap(err, errors.TypeTransport, op, "failed to read response")
	}

	if resp.StatusCode >= 400 {
		c.metrics.RecordRuntimeRequest(op, strconv.Itoa(resp.StatusCode), time.Since(start))
		msg := string(data)
		if len(msg) > 512 {
			msg = msg[:512]
		}
		return errors.New(errors.FromStatusCode(resp.StatusCode), op,
			fmt.Sprintf("runtime returned %d: %s", resp.StatusCode, msg)).
			WithStatus(resp.StatusCode)
	}
	c.metrics.RecordRuntimeRequest(op, "ok", time.Since(start))

	if out == nil || resp.StatusCode == http.StatusNoContent || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return errors.Wrap(err, errors.TypeServer, op, "failed to decode response")
	}
	return nil
}

// ----------------------------------------------------------------------------
// BatchSchedule
// ----------------------------------------------------------------------------

// ListActiveSchedules lists schedules with isActive=true
func (c *Client) ListActiveSchedules(ctx context.Context) ([]models.ScheduleRecord, error) {
	var out []models.ScheduleRecord
	query := url.Values{"isActive": {"true"}}
	if err := c.do(ctx, "ListActiveSchedules", http.MethodGet, pathBatchSchedule, query, nil, &out, defaultTimeout); err != nil {
		return nil, err
	}
	return out, nil
}

// GetSchedule fetches one schedule by id
func (c *Client) GetSchedule(ctx context.Context, id string) (*models.ScheduleRecord, error) {
	var out models.ScheduleRecord
	if err := c.do(ctx, "GetSchedule", http.MethodGet, pathBatchSchedule+"/"+id, nil, nil, &out, defaultTimeout); err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdateSchedule applies a merge-style patch to a schedule
func (c *Client) UpdateSchedule(ctx context.Context, id string, patch map[string]interface{}) error {
	return c.do(ctx, "UpdateSchedule", http.MethodPatch, pathBatchSchedule+"/"+id, nil, patch, nil, defaultTimeout)
}

// ----------------------------------------------------------------------------
// BatchJob
// ----------------------------------------------------------------------------

// CreateJob creates a tracking batch job. The runtime does not return the
// assigned id; see CreateJobAndLocate.
func (c *Client) CreateJob(ctx context.Context, draft models.JobDraft) error {
	payload := map[string]interface{}{
		"name":              draft.Name,
		"description":       draft.Description,
		"category":          draft.Category,
		"requestedQuantity": draft.RequestedQuantity,
	}
	if draft.ParentScheduleID != "" {
		payload["x_parentScheduleId"] = draft.ParentScheduleID
		payload["x_executionNumber"] = draft.ExecutionNumber
		payload["x_isRecurrent"] = draft.IsRecurrent
	}
	return c.do(ctx, "CreateJob", http.MethodPost, pathBatchJob, nil, payload, nil, defaultTimeout)
}

// ListJobs lists tracking batch jobs
func (c *Client) ListJobs(ctx context.Context) ([]models.JobRecord, error) {
	var out []models.JobRecord
	if err := c.do(ctx, "ListJobs", http.MethodGet, pathBatchJob, nil, nil, &out, defaultTimeout); err != nil {
		return nil, err
	}
	return out, nil
}

// CreateJobAndLocate creates a job and locates the assigned id by matching
// the draft's fingerprint (name, parent schedule, pending state) in a list
// call. Best-effort: a concurrent producer creating a like-named job can
// race this lookup.
func (c *Client) CreateJobAndLocate(ctx context.Context, draft models.JobDraft) (string, error) {
	if err := c.CreateJob(ctx, draft); err != nil {
		return "", err
	}

	jobs, err := c.ListJobs(ctx)
	if err != nil {
		return "", err
	}
	for _, j := range jobs {
		if j.State != models.JobStatePending {
			continue
		}
		if draft.ParentScheduleID != "" {
			if j.ParentScheduleID == draft.ParentScheduleID {
				return j.ID, nil
			}
			continue
		}
		if j.Name == draft.Name {
			return j.ID, nil
		}
	}
	return "", errors.New(errors.TypeNotFound, "CreateJobAndLocate",
		fmt.Sprintf("created job %q not found in listing", draft.Name))
}

// UpdateJob applies a merge-style patch to a tracking batch job
func (c *Client) UpdateJob(ctx context.Context, id string, patch map[string]interface{}) error {
	return c.do(ctx, "UpdateJob", http.MethodPatch, pathBatchJob+"/"+id, nil, patch, nil, defaultTimeout)
}

// DeleteJob removes a tracking batch job
func (c *Client) DeleteJob(ctx context.Context, id string) error {
	return c.do(ctx, "DeleteJob", http.MethodDelete, pathBatchJob+"/"+id, nil, nil, nil, defaultTimeout)
}

// ----------------------------------------------------------------------------
// ServiceProblem
// ----------------------------------------------------------------------------

// DiscoverSolutionTickets queries pending SolutionEmpty problem tickets and
// returns the ones still in remediation state DETECTED.
func (c *Client) DiscoverSolutionTickets(ctx context.Context, limit int) ([]models.DiscoveredSolution, error) {
	problems, err := c.listProblems(ctx, "DiscoverSolutionTickets", models.CategorySolutionEmpty, limit)
	if err != nil {
		return nil, err
	}

	var discovered []models.DiscoveredSolution
	for _, sp := range problems {
		sid := sp.Characteristics.Value("solutionId")
		if sid == "" || sp.Characteristics.Value("remediationState") != string(models.StateDetected) {
			continue
		}
		discovered = append(discovered, models.DiscoveredSolution{
			SolutionID:       sid,
			ServiceProblemID: sp.ID,
		})
	}
	c.log.Info("discovered solution tickets",
		logger.Int("count", len(discovered)),
		logger.Int("limit", limit))
	return discovered, nil
}

// DiscoverOEServices queries pending PartialDataMissing problem tickets and
// returns the ones still in remediation state DETECTED.
func (c *Client) DiscoverOEServices(ctx context.Context, limit int) ([]models.DiscoveredOEService, error) {
	problems, err := c.listProblems(ctx, "DiscoverOEServices", models.CategoryPartialDataMissing, limit)
	if err != nil {
		return nil, err
	}

	var discovered []models.DiscoveredOEService
	for _, sp := range problems {
		sid := sp.Characteristics.Value("serviceId")
		if sid == "" || sp.Characteristics.Value("remediationState") != string(models.OEStateDetected) {
			continue
		}
		discovered = append(discovered, models.DiscoveredOEService{
			ServiceID:        sid,
			ServiceProblemID: sp.ID,
			ServiceType:      sp.Characteristics.Value("serviceType"),
		})
	}
	c.log.Info("discovered OE services",
		logger.Int("count", len(discovered)),
		logger.Int("limit", limit))
	return discovered, nil
}

func (c *Client) listProblems(ctx context.Context, op, category string, limit int) ([]models.ServiceProblem, error) {
	query := url.Values{
		"category": {category},
		"status":   {models.ProblemStatusPending},
		"limit":    {strconv.Itoa(limit)},
	}
	var out []models.ServiceProblem
	if err := c.do(ctx, op, http.MethodGet, pathServiceProblem, query, nil, &out, slowTimeout); err != nil {
		return nil, err
	}
	return out, nil
}

// ResolveServiceProblems maps solution ids to their owning problem ticket
// ids via one bulk listing matched client-side. Unresolvable ids are simply
// absent from the result.
func (c *Client) ResolveServiceProblems(ctx context.Context, solutionIDs []string) (map[string]string, error) {
	mapping := make(map[string]string, len(solutionIDs))
	if len(solutionIDs) == 0 {
		return mapping, nil
	}

	targets := make(map[string]bool, len(solutionIDs))
	for _, id := range solutionIDs {
		targets[id] = true
	}

	query := url.Values{"limit": {"200"}}
	var problems []models.ServiceProblem
	if err := c.do(ctx, "ResolveServiceProblems", http.MethodGet, pathServiceProblem, query, nil, &problems, slowTimeout); err != nil {
		return nil, err
	}

	for _, sp := range problems {
		sid := sp.Characteristics.Value("solutionId")
		if sid != "" && targets[sid] {
			mapping[sid] = sp.ID
		}
	}
	c.log.Info("resolved service problems",
		logger.Int("resolved", len(mapping)),
		logger.Int("requested", len(solutionIDs)))
	return mapping, nil
}

// GetServiceProblem fetches one problem ticket
func (c *Client) GetServiceProblem(ctx context.Context, id string) (*models.ServiceProblem, error) {
	var out models.ServiceProblem
	if err := c.do(ctx, "GetServiceProblem", http.MethodGet, pathServiceProblem+"/"+id, nil, nil, &out, defaultTimeout); err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdateServiceProblem updates a problem ticket's status and its
// remediationState characteristic. The two are distinct server-side fields:
// the status patch must succeed; the characteristic patch is best-effort
// (some runtime builds reject array patches) and is only logged on failure.
func (c *Client) UpdateServiceProblem(ctx context.Context, id, status, remediationState, reason string) error {
	current, err := c.GetServiceProblem(ctx, id)
	if err != nil {
		return err
	}
	merged := current.Characteristics.WithValue("remediationState", remediationState)

	patch := map[string]interface{}{"status": status}
	if reason != "" {
		patch["statusChangeReason"] = reason
	}
	if err := c.do(ctx, "UpdateServiceProblem", http.MethodPatch, pathServiceProblem+"/"+id, nil, patch, nil, defaultTimeout); err != nil {
		return err
	}

	charPatch := map[string]interface{}{"characteristic": merged}
	if err := c.do(ctx, "UpdateServiceProblem", http.MethodPatch, pathServiceProblem+"/"+id, nil, charPatch, nil, defaultTimeout); err != nil {
		c.log.Warn("failed to patch remediationState characteristic",
			logger.String("service_problem_id", id),
			logger.Err(err))
	}
	return nil
}

// CreateOEServiceProblem creates a problem ticket for a detected OE service
func (c *Client) CreateOEServiceProblem(ctx context.Context, serviceID, serviceType string, missingFields []string) error {
	payload := models.ServiceProblem{
		Category:    models.CategoryPartialDataMissing,
		Status:      models.ProblemStatusPending,
		Description: fmt.Sprintf("OE partial data missing for %s service %s", serviceType, serviceID),
		Priority:    "medium",
		Characteristics: models.CharacteristicList{
			models.StringCharacteristic("serviceId", serviceID),
			models.StringCharacteristic("serviceType", serviceType),
			models.StringCharacteristic("remediationState", string(models.OEStateDetected)),
			models.StringCharacteristic("missingFields", joinComma(missingFields)),
		},
	}
	return c.do(ctx, "CreateOEServiceProblem", http.MethodPost, pathServiceProblem, nil, payload, nil, defaultTimeout)
}

func joinComma(parts []string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += ","
		}
		out += p
	}
	return out
}

// ----------------------------------------------------------------------------
// SolutionManagement
// ----------------------------------------------------------------------------

// DefaultSFDCUpdates returns the SFDC field writes applied during
// POST_UPDATE when the caller supplies none.
func DefaultSFDCUpdates() map[string]interface{} {
	return map[string]interface{}{
		"isMigratedToHeroku":             true,
		"isConfigurationUpdatedToHeroku": true,
		"externalIdentifier":             "",
	}
}

// ValidateSolution fetches solution info, including MACD details
func (c *Client) ValidateSolution(ctx context.Context, solutionID string) (*models.SolutionInfo, error) {
	var out models.SolutionInfo
	if err := c.do(ctx, "ValidateSolution", http.MethodGet, pathSolutionInfo+"/"+solutionID, nil, nil, &out, slowTimeout); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteSolutionData deletes the SM artifacts for a solution. The runtime
// answers 204 on success; that is reported as success=true.
func (c *Client) DeleteSolutionData(ctx context.Context, solutionID string) (*models.OperationResult, error) {
	out := models.OperationResult{Success: true}
	if err := c.do(ctx, "DeleteSolutionData", http.MethodDelete, pathSolutionMigration+"/"+solutionID, nil, nil, &out, slowTimeout); err != nil {
		return nil, err
	}
	return &out, nil
}

// MigrateSolution starts the asynchronous migration and returns its job id
func (c *Client) MigrateSolution(ctx context.Context, solutionID string) (*models.MigrationResponse, error) {
	payload := map[string]interface{}{"solutionId": solutionID}
	var out models.MigrationResponse
	if err := c.do(ctx, "MigrateSolution", http.MethodPost, pathSolutionMigration, nil, payload, &out, longTimeout); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetMigrationStatus polls the asynchronous migration once
func (c *Client) GetMigrationStatus(ctx context.Context, solutionID string) (*models.MigrationStatus, error) {
	var out models.MigrationStatus
	if err := c.do(ctx, "GetMigrationStatus", http.MethodGet, pathMigrationStatus+"/"+solutionID, nil, nil, &out, defaultTimeout); err != nil {
		return nil, err
	}
	return &out, nil
}

// PostUpdateSolution writes post-migration SFDC fields. A nil sfdcUpdates
// applies the defaults.
func (c *Client) PostUpdateSolution(ctx context.Context, solutionID, jobID string, sfdcUpdates map[string]interface{}) error {
	if sfdcUpdates == nil {
		sfdcUpdates = DefaultSFDCUpdates()
	}
	payload := map[string]interface{}{
		"solutionId":      solutionID,
		"migrationStatus": "COMPLETED",
		"sfdcUpdates":     sfdcUpdates,
	}
	if jobID != "" {
		payload["jobId"] = jobID
	}
	return c.do(ctx, "PostUpdateSolution", http.MethodPost, pathSolutionPostUpdate, nil, payload, nil, slowTimeout)
}

// ----------------------------------------------------------------------------
// OE Service Management
// ----------------------------------------------------------------------------

// GetOEServiceInfo fetches raw OE data and eligibility for a service
func (c *Client) GetOEServiceInfo(ctx context.Context, serviceID string) (*models.OEServiceInfo, error) {
	var out models.OEServiceInfo
	if err := c.do(ctx, "GetOEServiceInfo", http.MethodGet, pathOEServiceInfo+"/"+serviceID, nil, nil, &out, slowTimeout); err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdateOEAttachment persists a patched attachment for a service
func (c *Client) UpdateOEAttachment(ctx context.Context, serviceID, patchedContent string) (*models.OperationResult, error) {
	payload := map[string]interface{}{
		"serviceId":         serviceID,
		"attachmentContent": patchedContent,
	}
	var out models.OperationResult
	if err := c.do(ctx, "UpdateOEAttachment", http.MethodPost, pathOEServiceAttachment, nil, payload, &out, slowTimeout); err != nil {
		return nil, err
	}
	return &out, nil
}

// TriggerOERemediation triggers the SM service sync for a patched service
func (c *Client) TriggerOERemediation(ctx context.Context, serviceID, productDefinitionName string) (*models.OperationResult, error) {
	payload := map[string]interface{}{
		"serviceId":             serviceID,
		"productDefinitionName": productDefinitionName,
	}
	var out models.OperationResult
	if err := c.do(ctx, "TriggerOERemediation", http.MethodPost, pathOEServiceRemediate, nil, payload, &out, longTimeout); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListServicesWithFilter scans the service inventory with a runtime-side
// filter expression (e.g. "x_has1867Issue==true").
func (c *Client) ListServicesWithFilter(ctx context.Context, filter string, limit int) ([]models.ServiceRecord, error) {
	query := url.Values{
		"filter": {filter},
		"limit":  {strconv.Itoa(limit)},
	}
	var out []models.ServiceRecord
	if err := c.do(ctx, "ListServicesWithFilter", http.MethodGet, pathServiceInventory, query, nil, &out, slowTimeout); err != nil {
		return nil, err
	}
	return out, nil
}

// GetOEEnrichment resolves enrichment data for a service through three
// hops: service, billing account, contact individual. Each failed hop
// degrades to whatever has been collected so far; enrichment never fails
// the caller on its own.
func (c *Client) GetOEEnrichment(ctx context.Context, serviceID string) (*models.EnrichmentData, error) {
	data := &models.EnrichmentData{}

	var svc models.ServiceRecord
	if err := c.do(ctx, "GetOEEnrichment", http.MethodGet, pathServiceInventory+"/"+serviceID, nil, nil, &svc, defaultTimeout); err != nil {
		c.log.Warn("enrichment: failed to fetch service",
			logger.String("service_id", serviceID), logger.Err(err))
		return data, nil
	}
	data.ReservedNumber = svc.ExternalID
	data.BillingAccountID = svc.BillingAccountID
	if svc.BillingAccountID == "" {
		return data, nil
	}

	var ba models.BillingAccountRecord
	if err := c.do(ctx, "GetOEEnrichment", http.MethodGet, pathBillingAccount+"/"+svc.BillingAccountID, nil, nil, &ba, defaultTimeout); err != nil {
		c.log.Warn("enrichment: failed to fetch billing account",
			logger.String("billing_account_id", svc.BillingAccountID), logger.Err(err))
		return data, nil
	}
	data.BillingAccountName = ba.Name

	contactID := ""
	for _, party := range ba.RelatedParty {
		if party.Role == "contact" {
			contactID = party.ID
			break
		}
	}
	if contactID == "" {
		return data, nil
	}

	var individual models.IndividualRecord
	if err := c.do(ctx, "GetOEEnrichment", http.MethodGet, pathIndividual+"/"+contactID, nil, nil, &individual, defaultTimeout); err != nil {
		c.log.Warn("enrichment: failed to fetch individual",
			logger.String("individual_id", contactID), logger.Err(err))
		return data, nil
	}
	for _, medium := range individual.ContactMedium {
		if medium.Characteristic.ContactType == "email" {
			data.PICEmail = medium.Characteristic.EmailAddress
			break
		}
	}
	return data, nil
}
