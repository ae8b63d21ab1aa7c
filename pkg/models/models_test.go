package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFlexBool(t *testing.T) {
	tests := []struct {
		name string
		json string
		want bool
	}{
		{"bool_true", `true`, true},
		{"bool_false", `false`, false},
		{"string_true", `"true"`, true},
		{"string_true_mixed_case", `"True"`, true},
		{"string_one", `"1"`, true},
		{"string_yes", `"YES"`, true},
		{"string_false", `"false"`, false},
		{"string_no", `"no"`, false},
		{"string_empty", `""`, false},
		{"string_garbage", `"maybe"`, false},
		{"number_one", `1`, true},
		{"number_zero", `0`, false},
		{"null", `null`, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var b FlexBool
			require.NoError(t, json.Unmarshal([]byte(tt.json), &b))
			assert.Equal(t, tt.want, b.Bool())
		})
	}
}

func TestCharacteristicListAcceptsArray(t *testing.T) {
	var sp ServiceProblem
	raw := `{"id":"SP-1","status":"pending","characteristic":[
		{"@type":"StringCharacteristic","name":"solutionId","value":"a0X000000000001AAA"},
		{"name":"remediationState","value":"DETECTED"}]}`
	require.NoError(t, json.Unmarshal([]byte(raw), &sp))

	assert.Equal(t, "a0X000000000001AAA", sp.Characteristics.Value("solutionId"))
	assert.Equal(t, "DETECTED", sp.Characteristics.Value("remediationState"))
	assert.Equal(t, "", sp.Characteristics.Value("missing"))
}

func TestCharacteristicListAcceptsEncodedString(t *testing.T) {
	var sp ServiceProblem
	raw := `{"id":"SP-2","characteristic":"[{\"name\":\"serviceId\",\"value\":\"svc-1\"}]"}`
	require.NoError(t, json.Unmarshal([]byte(raw), &sp))

	assert.Equal(t, "svc-1", sp.Characteristics.Value("serviceId"))
}

func TestCharacteristicListMalformedStringDegrades(t *testing.T) {
	var sp ServiceProblem
	raw := `{"id":"SP-3","characteristic":"not json"}`
	require.NoError(t, json.Unmarshal([]byte(raw), &sp))
	assert.Empty(t, sp.Characteristics)
}

func TestCharacteristicListWithValue(t *testing.T) {
	list := CharacteristicList{
		{Name: "solutionId", Value: "a0X1"},
		{Name: "remediationState", Value: "DETECTED"},
	}

	merged := list.WithValue("remediationState", "COMPLETED")
	assert.Equal(t, "COMPLETED", merged.Value("remediationState"))
	assert.Equal(t, "a0X1", merged.Value("solutionId"))
	assert.Len(t, merged, 2)
	// Original is untouched.
	assert.Equal(t, "DETECTED", list.Value("remediationState"))

	appended := list.WithValue("newField", "v")
	assert.Len(t, appended, 3)
	assert.Equal(t, "v", appended.Value("newField"))
}

func TestParseTimeOfDay(t *testing.T) {
	tod, err := ParseTimeOfDay("22:30:15")
	require.NoError(t, err)
	assert.Equal(t, TimeOfDay{Hour: 22, Minute: 30, Second: 15}, tod)
	assert.Equal(t, "22:30:15", tod.String())

	tod, err = ParseTimeOfDay("06:00")
	require.NoError(t, err)
	assert.Equal(t, 6*3600, tod.Seconds())

	_, err = ParseTimeOfDay("25:00:00")
	assert.Error(t, err)
	_, err = ParseTimeOfDay("not a time")
	assert.Error(t, err)
}

func TestParseSchedule(t *testing.T) {
	active := FlexBool(true)
	raw := ScheduleRecord{
		ID:                "sched-1",
		Name:              "Nightly 1147",
		IsActive:          &active,
		Category:          "SolutionEmpty",
		RecurrencePattern: "daily",
		WindowStartTime:   "22:00:00",
		WindowEndTime:     "06:00:00",
		Timezone:          "Asia/Kuala_Lumpur",
		MaxBatchSize:      50,
		NextExecutionDate: "2026-08-25T00:00:00+00",
		TotalExecutions:   3,
	}

	s, err := ParseSchedule(raw)
	require.NoError(t, err)
	assert.True(t, s.Active)
	assert.Equal(t, "Asia/Kuala_Lumpur", s.Timezone)
	assert.Equal(t, 50, s.MaxBatchSize)
	assert.Equal(t, TimeOfDay{Hour: 22}, s.WindowStart)
	require.NotNil(t, s.NextExecutionAt)
	assert.Equal(t, time.Date(2026, 8, 25, 0, 0, 0, 0, time.UTC), s.NextExecutionAt.UTC())
}

func TestParseScheduleDefaults(t *testing.T) {
	s, err := ParseSchedule(ScheduleRecord{ID: "sched-2"})
	require.NoError(t, err)

	assert.True(t, s.Active)
	assert.Equal(t, CategorySolutionEmpty, s.Category)
	assert.Equal(t, RecurrenceDaily, s.Recurrence)
	assert.Equal(t, "UTC", s.Timezone)
	assert.Equal(t, 100, s.MaxBatchSize)
	assert.Equal(t, "00:00:00", s.WindowStart.String())
	assert.Equal(t, "06:00:00", s.WindowEnd.String())
	assert.Nil(t, s.NextExecutionAt)
}

func TestParseScheduleFailures(t *testing.T) {
	_, err := ParseSchedule(ScheduleRecord{})
	assert.Error(t, err, "missing id must fail")

	_, err = ParseSchedule(ScheduleRecord{ID: "s", WindowStartTime: "garbage"})
	assert.Error(t, err, "malformed window must fail")
}

func TestParseRuntimeTime(t *testing.T) {
	// Zone-naive values are interpreted as UTC.
	ts := ParseRuntimeTime("2026-08-25T10:00:00")
	require.NotNil(t, ts)
	assert.Equal(t, time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC), *ts)

	assert.Nil(t, ParseRuntimeTime(""))
	assert.Nil(t, ParseRuntimeTime("never"))
}

func TestSolutionInfoMACDAsObject(t *testing.T) {
	raw := `{"success":"true","macdDetails":{"macdBasketExists":true,
		"basketDetails":[{"basketStage":"Submitted","basketAgeInDays":1}]}}`
	var info SolutionInfo
	require.NoError(t, json.Unmarshal([]byte(raw), &info))

	assert.True(t, info.Success.Bool())
	require.NotNil(t, info.MACDDetails)
	assert.True(t, info.MACDDetails.Exists())
	require.Len(t, info.MACDDetails.BasketDetails, 1)
	assert.Equal(t, "Submitted", info.MACDDetails.BasketDetails[0].Stage)
}

func TestSolutionInfoMACDAsEncodedString(t *testing.T) {
	raw := `{"success":true,"macdDetails":"{\"macdBasketExists\":\"true\",\"basketDetails\":[]}"}`
	var info SolutionInfo
	require.NoError(t, json.Unmarshal([]byte(raw), &info))

	require.NotNil(t, info.MACDDetails)
	assert.True(t, info.MACDDetails.Exists())
	assert.Empty(t, info.MACDDetails.BasketDetails)
}

func TestSolutionInfoMACDAbsentOrMalformed(t *testing.T) {
	for name, raw := range map[string]string{
		"absent":       `{"success":true}`,
		"null":         `{"success":true,"macdDetails":null}`,
		"empty_string": `{"success":true,"macdDetails":""}`,
		"malformed":    `{"success":true,"macdDetails":"{{"}`,
	} {
		t.Run(name, func(t *testing.T) {
			var info SolutionInfo
			require.NoError(t, json.Unmarshal([]byte(raw), &info))
			assert.Nil(t, info.MACDDetails)
			assert.False(t, info.MACDDetails.Exists())
		})
	}
}

func TestOEResultSuccess(t *testing.T) {
	assert.True(t, (&OEResult{FinalState: "REMEDIATED"}).Success())
	assert.True(t, (&OEResult{FinalState: "NOT_IMPACTED"}).Success())
	assert.True(t, (&OEResult{FinalState: "VALIDATED"}).Success())
	assert.False(t, (&OEResult{FinalState: "FAILED"}).Success())
	assert.False(t, (&OEResult{FinalState: "SKIPPED"}).Success())
}

func TestSummaryRoundTrip(t *testing.T) {
	summary := BatchSummary{Total: 5, Successful: 2, Failed: 1, Skipped: 1, Pending: 1}
	data, err := json.Marshal(summary)
	require.NoError(t, err)

	var back BatchSummary
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, summary, back)

	oe := OEBatchSummary{Total: 3, Remediated: 1, NotImpacted: 1, Pending: 1}
	data, err = json.Marshal(oe)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"not_impacted":1`)
}

func TestSolutionAutomatonTables(t *testing.T) {
	// Every successor must itself be a known state, and terminal states
	// must have no successors.
	for from, successors := range ValidTransitions {
		for _, to := range successors {
			_, known := ValidTransitions[to]
			assert.True(t, known, "successor %s of %s is not a known state", to, from)
		}
	}
	for state := range TerminalStates {
		assert.Empty(t, ValidTransitions[state], "terminal %s must have no successors", state)
	}

	assert.True(t, StateDetected.CanTransitionTo(StateValidating))
	assert.False(t, StateDetected.CanTransitionTo(StateCompleted))
	assert.True(t, StateCompleted.IsTerminal())
	assert.False(t, StateValidating.IsTerminal())
}

func TestOEAutomatonTables(t *testing.T) {
	for from, successors := range OEValidTransitions {
		for _, to := range successors {
			_, known := OEValidTransitions[to]
			assert.True(t, known, "successor %s of %s is not a known state", to, from)
		}
	}
	for state := range OETerminalStates {
		assert.Empty(t, OEValidTransitions[state], "terminal %s must have no successors", state)
	}

	assert.True(t, OEStateValidated.CanTransitionTo(OEStateNotImpacted))
	assert.False(t, OEStateRemediated.CanTransitionTo(OEStateFailed))
}
