package state

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/remflow/remflow/pkg/models"
)

func TestSolutionHappyPath(t *testing.T) {
	m := NewSolutionMachine("a0X000000000001AAA")
	path := []string{
		"VALIDATING", "VALIDATED", "DELETING", "MIGRATING",
		"WAITING_CONFIRMATION", "CONFIRMED", "POST_UPDATE", "COMPLETED",
	}

	for _, target := range path {
		require.NoError(t, m.Transition(target, "step"))
	}

	assert.Equal(t, "COMPLETED", m.Current())
	assert.True(t, m.IsTerminal())
	assert.Empty(t, m.Error())
}

func TestInvalidTransitionDoesNotMutate(t *testing.T) {
	m := NewSolutionMachine("sol-1")

	err := m.Transition("COMPLETED", "jumping ahead")
	require.Error(t, err)

	var ite *InvalidTransitionError
	require.True(t, errors.As(err, &ite))
	assert.Equal(t, "DETECTED", ite.From)
	assert.Equal(t, "COMPLETED", ite.To)
	assert.Contains(t, err.Error(), "DETECTED")
	assert.Contains(t, err.Error(), "COMPLETED")

	assert.Equal(t, "DETECTED", m.Current())
	assert.Empty(t, m.Snapshot().History)
}

func TestTerminalStatesRejectAllTransitions(t *testing.T) {
	m := NewSolutionMachine("sol-2")
	require.NoError(t, m.Transition("VALIDATING", ""))
	require.NoError(t, m.Transition("SKIPPED", "MACD basket in sensitive stage"))

	assert.True(t, m.IsTerminal())
	for state := range models.ValidTransitions {
		assert.False(t, m.CanTransition(string(state)))
		assert.Error(t, m.Transition(string(state), ""))
	}
	assert.Equal(t, "SKIPPED", m.Current())
}

func TestFailureCapturesReason(t *testing.T) {
	m := NewSolutionMachine("sol-3")
	require.NoError(t, m.Transition("VALIDATING", ""))
	require.NoError(t, m.Transition("VALIDATED", ""))
	require.NoError(t, m.Transition("DELETING", ""))
	require.NoError(t, m.Transition("DELETE_FAILED", "delete rejected"))
	require.NoError(t, m.Transition("FAILED", "delete operation failed"))

	assert.Equal(t, "delete operation failed", m.Error())
	assert.True(t, m.IsTerminal())
}

func TestFailBestEffort(t *testing.T) {
	m := NewSolutionMachine("sol-4")
	require.NoError(t, m.Transition("VALIDATING", ""))

	// Legal edge: VALIDATING -> FAILED.
	m.Fail("validation blew up")
	assert.Equal(t, "FAILED", m.Current())
	assert.Equal(t, "validation blew up", m.Error())

	// From a terminal state the move is illegal but the reason still lands.
	m.Fail("second failure")
	assert.Equal(t, "FAILED", m.Current())
	assert.Equal(t, "second failure", m.Error())
}

func TestHistoryOrderAndReplay(t *testing.T) {
	m := NewOEMachine("svc-1")
	steps := []struct{ to, reason string }{
		{"VALIDATING", "fetching"},
		{"VALIDATED", "attachment parsed"},
		{"ANALYZING", "2 fields missing"},
		{"ATTACHMENT_UPDATED", "patched"},
		{"REMEDIATION_STARTED", "sync triggered"},
		{"REMEDIATED", "done"},
	}
	for _, s := range steps {
		require.NoError(t, m.Transition(s.to, s.reason))
	}

	snap := m.Snapshot()
	require.Len(t, snap.History, len(steps))

	// Replaying history edge by edge must reconstruct the final state.
	current := "DETECTED"
	for i, tr := range snap.History {
		assert.Equal(t, current, tr.From, "history entry %d out of order", i)
		assert.Equal(t, steps[i].to, tr.To)
		assert.Equal(t, steps[i].reason, tr.Reason)
		current = tr.To
	}
	assert.Equal(t, snap.Current, current)
}

func TestOESkipAndNotImpactedPaths(t *testing.T) {
	m := NewOEMachine("svc-2")
	require.NoError(t, m.Transition("VALIDATING", ""))
	require.NoError(t, m.Transition("SKIPPED", "Replacement service exists (MACD scenario)"))
	assert.True(t, m.IsTerminal())

	m = NewOEMachine("svc-3")
	require.NoError(t, m.Transition("VALIDATING", ""))
	require.NoError(t, m.Transition("VALIDATED", ""))
	require.NoError(t, m.Transition("NOT_IMPACTED", "all mandatory fields present"))
	assert.True(t, m.IsTerminal())
	assert.Empty(t, m.Error())
}

func TestSnapshotIsACopy(t *testing.T) {
	m := NewSolutionMachine("sol-5")
	require.NoError(t, m.Transition("VALIDATING", ""))

	snap := m.Snapshot()
	snap.History[0].Reason = "mutated"

	assert.NotEqual(t, "mutated", m.Snapshot().History[0].Reason)
	assert.Equal(t, "sol-5", snap.ItemID)
	assert.False(t, snap.StartedAt.IsZero())
}
