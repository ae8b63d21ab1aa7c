package oe

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/remflow/remflow/internal/logger"
	"github.com/remflow/remflow/internal/metrics"
	"github.com/remflow/remflow/internal/state"
	"github.com/remflow/remflow/pkg/models"
)

// Failure stages reported on OEResult.FailureStage
const (
	StageFetch      = "FETCH"
	StageParse      = "PARSE"
	StageAnalyze    = "ANALYZE"
	StageEnrich     = "ENRICH"
	StageAttachment = "ATTACHMENT"
	StageSMSync     = "SM_SYNC"
)

// Client is the slice of the runtime API the executor needs
type Client interface {
	GetOEServiceInfo(ctx context.Context, serviceID string) (*models.OEServiceInfo, error)
	UpdateOEAttachment(ctx context.Context, serviceID, patchedContent string) (*models.OperationResult, error)
	TriggerOERemediation(ctx context.Context, serviceID, productDefinitionName string) (*models.OperationResult, error)
	GetOEEnrichment(ctx context.Context, serviceID string) (*models.EnrichmentData, error)
}

// Options tunes a single OE remediation run
type Options struct {
	// Enrichment supplies pre-fetched values; nil resolves them via the
	// runtime during the run.
	Enrichment *models.EnrichmentData
	// DryRun analyzes and computes the patch without persisting anything
	DryRun bool
}

// Executor runs the 4-step OE remediation flow for a single service:
// fetch the raw OE data, analyze and patch the attachment in memory,
// persist the patched attachment, trigger the SM service sync.
type Executor struct {
	client  Client
	log     logger.Logger
	metrics *metrics.Metrics
}

// NewExecutor creates an OE executor
func NewExecutor(client Client, m *metrics.Metrics) *Executor {
	if m == nil {
		m = metrics.Default()
	}
	return &Executor{
		client:  client,
		log:     logger.New("oe"),
		metrics: m,
	}
}

// Remediate runs the full flow for one service. It always returns a
// result; errors are folded into the final state and failure stage.
func (e *Executor) Remediate(ctx context.Context, serviceID string, opts Options) *models.OEResult {
	machine := state.NewOEMachine(serviceID)
	start := time.Now()

	fail := func(stage, msg string) *models.OEResult {
		e.log.Error("OE remediation failed",
			logger.String("service_id", serviceID),
			logger.String("stage", stage),
			logger.String("error", msg))
		machine.Fail(msg)
		return &models.OEResult{
			ServiceID:       serviceID,
			FinalState:      string(models.OEStateFailed),
			FailureStage:    stage,
			Error:           msg,
			DurationSeconds: time.Since(start).Seconds(),
		}
	}

	// Step 1: fetch raw OE data
	stepStart := time.Now()
	_ = machine.Transition(string(models.OEStateValidating), "fetching OE data")

	info, err := e.client.GetOEServiceInfo(ctx, serviceID)
	e.metrics.ObserveStep("oe", StageFetch, time.Since(stepStart))
	if err != nil {
		return fail(StageFetch, err.Error())
	}
	if !info.Success.Bool() {
		msg := info.Message
		if msg == "" {
			msg = "unknown error from upstream"
		}
		if info.ErrorCode != "" {
			msg = info.ErrorCode + ": " + msg
		}
		return fail(StageFetch, msg)
	}

	// A replacement service means an in-flight MACD journey owns this data
	if info.ReplacementServiceExists.Bool() {
		reason := "Replacement service exists (MACD scenario)"
		_ = machine.Transition(string(models.OEStateSkipped), reason)
		return &models.OEResult{
			ServiceID:       serviceID,
			ServiceName:     info.ServiceName,
			FinalState:      machine.Current(),
			Error:           reason,
			DurationSeconds: time.Since(start).Seconds(),
		}
	}

	if info.AttachmentContent == "" {
		return fail(StageFetch, "no attachment content returned")
	}

	var content map[string]interface{}
	if err := json.Unmarshal([]byte(info.AttachmentContent), &content); err != nil {
		return fail(StageParse, fmt.Sprintf("invalid attachment JSON: %v", err))
	}
	_ = machine.Transition(string(models.OEStateValidated), "attachment parsed")

	// Step 2: analyze and patch in memory
	serviceType := InferServiceType(info.ProductDefinitionName, content)
	if serviceType == "" {
		return fail(StageAnalyze, fmt.Sprintf(
			"cannot determine service type from product definition %q", info.ProductDefinitionName))
	}

	analysis := Analyze(content, serviceType)
	if len(analysis.MissingFields) == 0 {
		_ = machine.Transition(string(models.OEStateNotImpacted), "all mandatory fields present")
		return &models.OEResult{
			ServiceID:       serviceID,
			ServiceName:     info.ServiceName,
			ServiceType:     serviceType,
			FinalState:      machine.Current(),
			DurationSeconds: time.Since(start).Seconds(),
		}
	}
	_ = machine.Transition(string(models.OEStateAnalyzing),
		fmt.Sprintf("%d mandatory fields missing", len(analysis.MissingFields)))

	enrichment := opts.Enrichment
	if enrichment == nil {
		enrichment = e.resolveEnrichment(ctx, serviceID)
	}

	instructions := BuildPatchInstructions(analysis.MissingFields, *enrichment)
	if len(instructions) == 0 {
		return fail(StageEnrich, fmt.Sprintf(
			"missing fields %v but no enrichment data available", analysis.MissingFields))
	}

	patched, patchedNames := ApplyPatch(content, instructions, serviceType)
	if len(patchedNames) == 0 {
		// Every resolvable field already carried a value; nothing to write.
		_ = machine.Transition(string(models.OEStateNotImpacted), "all missing fields already populated")
		return &models.OEResult{
			ServiceID:       serviceID,
			ServiceName:     info.ServiceName,
			ServiceType:     serviceType,
			FinalState:      machine.Current(),
			FieldsPatched:   []string{},
			DurationSeconds: time.Since(start).Seconds(),
		}
	}

	if opts.DryRun {
		return &models.OEResult{
			ServiceID:       serviceID,
			ServiceName:     info.ServiceName,
			ServiceType:     serviceType,
			FinalState:      string(models.OEStateValidated),
			FieldsPatched:   patchedNames,
			DurationSeconds: time.Since(start).Seconds(),
		}
	}

	// Step 3: persist the patched attachment
	stepStart = time.Now()
	patchedContent, err := json.Marshal(patched)
	if err != nil {
		return fail(StageAttachment, fmt.Sprintf("failed to encode patched attachment: %v", err))
	}
	attachResult, err := e.client.UpdateOEAttachment(ctx, serviceID, string(patchedContent))
	e.metrics.ObserveStep("oe", StageAttachment, time.Since(stepStart))
	if err != nil {
		return fail(StageAttachment, err.Error())
	}
	if !attachResult.Success.Bool() {
		msg := attachResult.Message
		if msg == "" {
			msg = "attachment update failed"
		}
		return fail(StageAttachment, msg)
	}
	_ = machine.Transition(string(models.OEStateAttachmentUpdated),
		fmt.Sprintf("patched %d fields", len(patchedNames)))

	// Step 4: trigger SM service sync
	stepStart = time.Now()
	_ = machine.Transition(string(models.OEStateRemediationStarted), "sync triggered")

	syncResult, err := e.client.TriggerOERemediation(ctx, serviceID, info.ProductDefinitionName)
	e.metrics.ObserveStep("oe", StageSMSync, time.Since(stepStart))
	if err != nil {
		return fail(StageSMSync, err.Error())
	}
	if !syncResult.Success.Bool() {
		msg := syncResult.Message
		if msg == "" {
			msg = "SM sync failed"
		}
		return fail(StageSMSync, msg)
	}
	_ = machine.Transition(string(models.OEStateRemediated), "remediation complete")

	e.log.Info("OE remediation complete",
		logger.String("service_id", serviceID),
		logger.String("service_type", serviceType),
		logger.Any("fields_patched", patchedNames))

	return &models.OEResult{
		ServiceID:       serviceID,
		ServiceName:     info.ServiceName,
		ServiceType:     serviceType,
		FinalState:      machine.Current(),
		FieldsPatched:   patchedNames,
		DurationSeconds: time.Since(start).Seconds(),
	}
}

// resolveEnrichment fetches enrichment data, degrading to empty values when
// the runtime cannot provide them.
func (e *Executor) resolveEnrichment(ctx context.Context, serviceID string) *models.EnrichmentData {
	data, err := e.client.GetOEEnrichment(ctx, serviceID)
	if err != nil || data == nil {
		if err != nil {
			e.log.Warn("enrichment resolution failed",
				logger.String("service_id", serviceID),
				logger.Err(err))
		}
		return &models.EnrichmentData{}
	}
	return data
}
