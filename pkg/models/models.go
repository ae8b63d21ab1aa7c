package models

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// FlexBool is a boolean that tolerates the runtime's polymorphic success
// encodings: true, "true", "True", "1", "yes". Anything else decodes false.
type FlexBool bool

// UnmarshalJSON implements json.Unmarshaler
func (b *FlexBool) UnmarshalJSON(data []byte) error {
	var raw interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case bool:
		*b = FlexBool(v)
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "true", "1", "yes":
			*b = true
		default:
			*b = false
		}
	case float64:
		*b = v != 0
	default:
		*b = false
	}
	return nil
}

// Bool returns the plain boolean value
func (b FlexBool) Bool() bool {
	return bool(b)
}

// Characteristic is a single (name, value) pair on a service problem
type Characteristic struct {
	Type  string `json:"@type,omitempty"`
	Name  string `json:"name"`
	Value string `json:"value"`
}

// StringCharacteristic builds a characteristic the way the runtime expects
// them written back.
func StringCharacteristic(name, value string) Characteristic {
	return Characteristic{Type: "StringCharacteristic", Name: name, Value: value}
}

// CharacteristicList accepts both a JSON array and a JSON-encoded string of
// an array; some runtime responses deliver the latter.
type CharacteristicList []Characteristic

// UnmarshalJSON implements json.Unmarshaler
func (c *CharacteristicList) UnmarshalJSON(data []byte) error {
	data = []byte(strings.TrimSpace(string(data)))
	if len(data) == 0 || string(data) == "null" {
		*c = nil
		return nil
	}

	if data[0] == '"' {
		var encoded string
		if err := json.Unmarshal(data, &encoded); err != nil {
			return err
		}
		if strings.TrimSpace(encoded) == "" {
			*c = nil
			return nil
		}
		var list []Characteristic
		if err := json.Unmarshal([]byte(encoded), &list); err != nil {
			// Unparseable characteristic strings degrade to empty, matching
			// how discovery tolerates malformed records.
			*c = nil
			return nil
		}
		*c = list
		return nil
	}

	var list []Characteristic
	if err := json.Unmarshal(data, &list); err != nil {
		return err
	}
	*c = list
	return nil
}

// Value returns the value of the named characteristic, or "" when absent
func (c CharacteristicList) Value(name string) string {
	for _, ch := range c {
		if ch.Name == name {
			return ch.Value
		}
	}
	return ""
}

// WithValue returns a copy of the list with the named characteristic set,
// appending it when not already present.
func (c CharacteristicList) WithValue(name, value string) CharacteristicList {
	merged := make(CharacteristicList, 0, len(c)+1)
	updated := false
	for _, ch := range c {
		if ch.Name == name {
			merged = append(merged, StringCharacteristic(name, value))
			updated = true
			continue
		}
		merged = append(merged, ch)
	}
	if !updated {
		merged = append(merged, StringCharacteristic(name, value))
	}
	return merged
}

// ServiceProblem is the durable per-item problem ticket
type ServiceProblem struct {
	ID                 string             `json:"id"`
	Category           string             `json:"category,omitempty"`
	Status             string             `json:"status,omitempty"`
	Description        string             `json:"description,omitempty"`
	Priority           string             `json:"priority,omitempty"`
	StatusChangeReason string             `json:"statusChangeReason,omitempty"`
	Characteristics    CharacteristicList `json:"characteristic,omitempty"`
}

// Service problem statuses used by the orchestrator
const (
	ProblemStatusPending    = "pending"
	ProblemStatusInProgress = "inProgress"
	ProblemStatusResolved   = "resolved"
	ProblemStatusClosed     = "closed"
	ProblemStatusRejected   = "rejected"
)

// Schedule categories routing to the two remediation variants
const (
	CategorySolutionEmpty      = "SolutionEmpty"
	CategoryPartialDataMissing = "PartialDataMissing"
)

// Recurrence patterns
const (
	RecurrenceOnce     = "once"
	RecurrenceDaily    = "daily"
	RecurrenceWeekdays = "weekdays"
	RecurrenceWeekly   = "weekly"
	RecurrenceCustom   = "custom"
)

// Batch job states
const (
	JobStatePending    = "pending"
	JobStateInProgress = "inProgress"
	JobStateCompleted  = "completed"
	JobStateCancelled  = "cancelled"
	JobStateFailed     = "failed"
)

// TimeOfDay is a wall-clock time within a day
type TimeOfDay struct {
	Hour   int
	Minute int
	Second int
}

// ParseTimeOfDay parses "HH:MM:SS" or "HH:MM"
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) < 2 || len(parts) > 3 {
		return TimeOfDay{}, fmt.Errorf("invalid time of day %q", s)
	}
	var vals [3]int
	for i, p := range parts {
		v, err := strconv.Atoi(p)
		if err != nil {
			return TimeOfDay{}, fmt.Errorf("invalid time of day %q: %w", s, err)
		}
		vals[i] = v
	}
	t := TimeOfDay{Hour: vals[0], Minute: vals[1], Second: vals[2]}
	if t.Hour < 0 || t.Hour > 23 || t.Minute < 0 || t.Minute > 59 || t.Second < 0 || t.Second > 59 {
		return TimeOfDay{}, fmt.Errorf("time of day %q out of range", s)
	}
	return t, nil
}

// Seconds returns the offset from midnight in seconds
func (t TimeOfDay) Seconds() int {
	return t.Hour*3600 + t.Minute*60 + t.Second
}

// String returns the "HH:MM:SS" form
func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d:%02d", t.Hour, t.Minute, t.Second)
}

// Schedule is the parsed recurrence rule driving scheduler executions
type Schedule struct {
	ID                   string
	Name                 string
	Description          string
	Active               bool
	Category             string
	Recurrence           string
	WindowStart          TimeOfDay
	WindowEnd            TimeOfDay
	Timezone             string
	MaxBatchSize         int
	NextExecutionAt      *time.Time
	LastExecutionAt      *time.Time
	LastExecutionID      string
	TotalExecutions      int
	SuccessfulExecutions int
	FailedExecutions     int
}

// ScheduleRecord is the raw wire form of a schedule
type ScheduleRecord struct {
	ID                   string    `json:"id"`
	Name                 string    `json:"name,omitempty"`
	Description          string    `json:"description,omitempty"`
	IsActive             *FlexBool `json:"isActive,omitempty"`
	Category             string    `json:"category,omitempty"`
	RecurrencePattern    string    `json:"recurrencePattern,omitempty"`
	WindowStartTime      string    `json:"windowStartTime,omitempty"`
	WindowEndTime        string    `json:"windowEndTime,omitempty"`
	Timezone             string    `json:"timezone,omitempty"`
	MaxBatchSize         int       `json:"maxBatchSize,omitempty"`
	NextExecutionDate    string    `json:"nextExecutionDate,omitempty"`
	LastExecutionDate    string    `json:"lastExecutionDate,omitempty"`
	LastExecutionID      string    `json:"lastExecutionId,omitempty"`
	TotalExecutions      int       `json:"totalExecutions,omitempty"`
	SuccessfulExecutions int       `json:"successfulExecutions,omitempty"`
	FailedExecutions     int       `json:"failedExecutions,omitempty"`
}

// ParseSchedule converts a raw runtime record into the internal model,
// applying the documented defaults. Unparseable timestamps become nil;
// a malformed window time fails the whole record.
func ParseSchedule(raw ScheduleRecord) (*Schedule, error) {
	if raw.ID == "" {
		return nil, fmt.Errorf("schedule record has no id")
	}

	windowStart := raw.WindowStartTime
	if windowStart == "" {
		windowStart = "00:00:00"
	}
	windowEnd := raw.WindowEndTime
	if windowEnd == "" {
		windowEnd = "06:00:00"
	}
	start, err := ParseTimeOfDay(windowStart)
	if err != nil {
		return nil, fmt.Errorf("schedule %s: %w", raw.ID, err)
	}
	end, err := ParseTimeOfDay(windowEnd)
	if err != nil {
		return nil, fmt.Errorf("schedule %s: %w", raw.ID, err)
	}

	s := &Schedule{
		ID:                   raw.ID,
		Name:                 raw.Name,
		Description:          raw.Description,
		Active:               true,
		Category:             raw.Category,
		Recurrence:           raw.RecurrencePattern,
		WindowStart:          start,
		WindowEnd:            end,
		Timezone:             raw.Timezone,
		MaxBatchSize:         raw.MaxBatchSize,
		NextExecutionAt:      ParseRuntimeTime(raw.NextExecutionDate),
		LastExecutionAt:      ParseRuntimeTime(raw.LastExecutionDate),
		LastExecutionID:      raw.LastExecutionID,
		TotalExecutions:      raw.TotalExecutions,
		SuccessfulExecutions: raw.SuccessfulExecutions,
		FailedExecutions:     raw.FailedExecutions,
	}
	if raw.IsActive != nil {
		s.Active = raw.IsActive.Bool()
	}
	if s.Category == "" {
		s.Category = CategorySolutionEmpty
	}
	if s.Recurrence == "" {
		s.Recurrence = RecurrenceDaily
	}
	if s.Timezone == "" {
		s.Timezone = "UTC"
	}
	if s.MaxBatchSize <= 0 {
		s.MaxBatchSize = 100
	}
	return s, nil
}

// ParseRuntimeTime parses a runtime timestamp. It tolerates the truncated
// "+00" zone suffix the runtime emits and treats zone-naive values as UTC.
// Unparseable values return nil.
func ParseRuntimeTime(s string) *time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	if strings.HasSuffix(s, "+00") {
		s = strings.TrimSuffix(s, "+00") + "+00:00"
	}
	layouts := []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02T15:04:05",
		"2006-01-02 15:04:05",
		"2006-01-02",
	}
	for _, layout := range layouts {
		if t, err := time.Parse(layout, s); err == nil {
			t = t.UTC()
			return &t
		}
	}
	return nil
}

// JobDraft is the payload for creating a tracking batch job
type JobDraft struct {
	Name              string
	Description       string
	Category          string
	RequestedQuantity int
	ParentScheduleID  string
	ExecutionNumber   int
	IsRecurrent       bool
}

// JobRecord is the raw wire form of a tracking batch job
type JobRecord struct {
	ID               string `json:"id"`
	Name             string `json:"name,omitempty"`
	State            string `json:"state,omitempty"`
	Category         string `json:"category,omitempty"`
	ParentScheduleID string `json:"x_parentScheduleId,omitempty"`
}

// BatchSummary tracks per-item terminal counts for a Solution batch
type BatchSummary struct {
	Total      int `json:"total"`
	Successful int `json:"successful"`
	Failed     int `json:"failed"`
	Skipped    int `json:"skipped"`
	Pending    int `json:"pending"`
}

// OEBatchSummary tracks per-item terminal counts for an OE batch
type OEBatchSummary struct {
	Total       int `json:"total"`
	Remediated  int `json:"remediated"`
	NotImpacted int `json:"not_impacted"`
	Skipped     int `json:"skipped"`
	Failed      int `json:"failed"`
	Pending     int `json:"pending"`
}

// DiscoveredSolution is one entry from solution ticket discovery
type DiscoveredSolution struct {
	SolutionID       string `json:"solution_id"`
	ServiceProblemID string `json:"service_problem_id"`
}

// DiscoveredOEService is one entry from OE service discovery
type DiscoveredOEService struct {
	ServiceID        string `json:"service_id"`
	ServiceProblemID string `json:"service_problem_id"`
	ServiceType      string `json:"service_type"`
}

// StepResult is the outcome of a single remediation step
type StepResult struct {
	Action     string `json:"action"`
	Success    bool   `json:"success"`
	DurationMS int64  `json:"duration_ms"`
	Message    string `json:"message,omitempty"`
	JobID      string `json:"job_id,omitempty"`
	Status     string `json:"status,omitempty"`
}

// RemediationResult is the full outcome of one Solution remediation
type RemediationResult struct {
	SolutionID            string       `json:"solution_id"`
	Success               bool         `json:"success"`
	Steps                 []StepResult `json:"steps"`
	FinalState            string       `json:"final_state"`
	FailedAt              string       `json:"failed_at,omitempty"`
	Message               string       `json:"message,omitempty"`
	TotalDurationMS       int64        `json:"total_duration_ms"`
	ServiceProblemUpdated bool         `json:"service_problem_updated"`
	StateHistory          []Transition `json:"state_history,omitempty"`
}

// OEResult is the full outcome of one OE remediation
type OEResult struct {
	ServiceID       string   `json:"service_id"`
	ServiceName     string   `json:"service_name,omitempty"`
	ServiceType     string   `json:"service_type,omitempty"`
	FinalState      string   `json:"final_state"`
	FieldsPatched   []string `json:"fields_patched,omitempty"`
	FailureStage    string   `json:"failure_stage,omitempty"`
	Error           string   `json:"error,omitempty"`
	DurationSeconds float64  `json:"duration_seconds"`
}

// Success reports whether the OE run terminated in a non-failure state
func (r *OEResult) Success() bool {
	switch OERemediationState(r.FinalState) {
	case OEStateRemediated, OEStateNotImpacted, OEStateValidated:
		return true
	default:
		return false
	}
}

// EnrichmentData carries the values resolvable for OE patching. Any field
// may be empty; enrichment is best-effort.
type EnrichmentData struct {
	ReservedNumber     string `json:"reservedNumber,omitempty"`
	PICEmail           string `json:"picEmail,omitempty"`
	BillingAccountID   string `json:"billingAccountId,omitempty"`
	BillingAccountName string `json:"billingAccountName,omitempty"`
}

// PatchInstruction is one field write computed for an OE attachment
type PatchInstruction struct {
	Field string `json:"field_name"`
	Value string `json:"value"`
	Label string `json:"label"`
}

// MACDBasket is one in-flight MACD order basket
type MACDBasket struct {
	BasketID  string `json:"basketId,omitempty"`
	Stage     string `json:"basketStage,omitempty"`
	AgeInDays int    `json:"basketAgeInDays,omitempty"`
}

// MACDDetails describes in-flight MACD activity against a solution
type MACDDetails struct {
	BasketExists  FlexBool     `json:"macdBasketExists,omitempty"`
	SolutionIDs   []string     `json:"macdSolutionIds,omitempty"`
	BasketDetails []MACDBasket `json:"basketDetails,omitempty"`
}

// Exists reports whether any MACD activity is present
func (m *MACDDetails) Exists() bool {
	if m == nil {
		return false
	}
	return m.BasketExists.Bool() || len(m.SolutionIDs) > 0
}

// SolutionInfo is the VALIDATE response for a solution
type SolutionInfo struct {
	Success      FlexBool     `json:"success"`
	Message      string       `json:"message,omitempty"`
	SolutionName string       `json:"solutionName,omitempty"`
	MACDDetails  *MACDDetails `json:"macdDetails,omitempty"`
}

// UnmarshalJSON tolerates macdDetails delivered as a JSON-encoded string
func (s *SolutionInfo) UnmarshalJSON(data []byte) error {
	type alias struct {
		Success      FlexBool        `json:"success"`
		Message      string          `json:"message"`
		SolutionName string          `json:"solutionName"`
		MACDDetails  json.RawMessage `json:"macdDetails"`
	}
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	s.Success = a.Success
	s.Message = a.Message
	s.SolutionName = a.SolutionName
	s.MACDDetails = nil

	raw := []byte(strings.TrimSpace(string(a.MACDDetails)))
	if len(raw) == 0 || string(raw) == "null" || string(raw) == `""` {
		return nil
	}
	if raw[0] == '"' {
		var encoded string
		if err := json.Unmarshal(raw, &encoded); err != nil {
			return nil
		}
		raw = []byte(strings.TrimSpace(encoded))
		if len(raw) == 0 {
			return nil
		}
	}
	var macd MACDDetails
	if err := json.Unmarshal(raw, &macd); err != nil {
		// Malformed MACD payloads are treated as absent, matching the
		// fail-open behaviour of the eligibility predicate.
		return nil
	}
	s.MACDDetails = &macd
	return nil
}

// OperationResult is the generic success/message envelope returned by
// remediation primitives.
type OperationResult struct {
	Success FlexBool `json:"success"`
	Message string   `json:"message,omitempty"`
}

// MigrationResponse is the MIGRATE response carrying the async job id
type MigrationResponse struct {
	Success FlexBool `json:"success"`
	Message string   `json:"message,omitempty"`
	JobID   string   `json:"jobId,omitempty"`
}

// MigrationStatus is one POLL response
type MigrationStatus struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// OEServiceInfo is the FETCH response for an OE service
type OEServiceInfo struct {
	Success                  FlexBool `json:"success"`
	Message                  string   `json:"message,omitempty"`
	ErrorCode                string   `json:"errorCode,omitempty"`
	ServiceName              string   `json:"serviceName,omitempty"`
	ProductDefinitionName    string   `json:"productDefinitionName,omitempty"`
	ReplacementServiceExists FlexBool `json:"replacementServiceExists,omitempty"`
	AttachmentContent        string   `json:"attachmentContent,omitempty"`
}

// ServiceRecord is a service inventory record used for enrichment
type ServiceRecord struct {
	ID               string `json:"id"`
	Name             string `json:"name,omitempty"`
	ExternalID       string `json:"x_externalId,omitempty"`
	BillingAccountID string `json:"x_billingAccountId,omitempty"`
	ServiceType      string `json:"x_serviceType,omitempty"`
}

// RelatedParty is a party reference on a billing account
type RelatedParty struct {
	ID   string `json:"id"`
	Role string `json:"role,omitempty"`
	Name string `json:"name,omitempty"`
}

// BillingAccountRecord is an account record used for enrichment
type BillingAccountRecord struct {
	ID           string         `json:"id"`
	Name         string         `json:"name,omitempty"`
	RelatedParty []RelatedParty `json:"relatedParty,omitempty"`
}

// ContactMediumCharacteristic holds the medium details on an individual
type ContactMediumCharacteristic struct {
	ContactType  string `json:"contactType,omitempty"`
	EmailAddress string `json:"emailAddress,omitempty"`
}

// ContactMedium is one contact channel on an individual
type ContactMedium struct {
	MediumType     string                      `json:"mediumType,omitempty"`
	Characteristic ContactMediumCharacteristic `json:"characteristic,omitempty"`
}

// IndividualRecord is a party record used for enrichment
type IndividualRecord struct {
	ID            string          `json:"id"`
	ContactMedium []ContactMedium `json:"contactMedium,omitempty"`
}
