package state

import (
	"fmt"
	"strings"
	"time"

	"github.com/remflow/remflow/pkg/models"
)

// InvalidTransitionError reports an attempt to move between states without
// a legal edge. The current state is never mutated by a failed transition.
type InvalidTransitionError struct {
	ItemID string
	From   string
	To     string
	Valid  []string
}

// Error implements the error interface
func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition: %s -> %s (valid targets: %s)",
		e.From, e.To, strings.Join(e.Valid, ", "))
}

// Snapshot is a read-only view of a machine
type Snapshot struct {
	ItemID    string              `json:"item_id"`
	Current   string              `json:"current"`
	History   []models.Transition `json:"history"`
	StartedAt time.Time           `json:"started_at"`
	Error     string              `json:"error,omitempty"`
}

// Machine drives one item through a per-item remediation automaton.
// Not safe for concurrent use; each item owns its own machine.
type Machine struct {
	itemID    string
	current   string
	table     map[string][]string
	failState string
	history   []models.Transition
	startedAt time.Time
	err       string
}

// NewSolutionMachine returns a machine over the Solution automaton,
// starting at DETECTED.
func NewSolutionMachine(itemID string) *Machine {
	table := make(map[string][]string, len(models.ValidTransitions))
	for from, successors := range models.ValidTransitions {
		targets := make([]string, len(successors))
		for i, to := range successors {
			targets[i] = string(to)
		}
		table[string(from)] = targets
	}
	return &Machine{
		itemID:    itemID,
		current:   string(models.StateDetected),
		table:     table,
		failState: string(models.StateFailed),
		startedAt: time.Now().UTC(),
	}
}

// NewOEMachine returns a machine over the OE automaton, starting at DETECTED.
func NewOEMachine(itemID string) *Machine {
	table := make(map[string][]string, len(models.OEValidTransitions))
	for from, successors := range models.OEValidTransitions {
		targets := make([]string, len(successors))
		for i, to := range successors {
			targets[i] = string(to)
		}
		table[string(from)] = targets
	}
	return &Machine{
		itemID:    itemID,
		current:   string(models.OEStateDetected),
		table:     table,
		failState: string(models.OEStateFailed),
		startedAt: time.Now().UTC(),
	}
}

// Current returns the current state
func (m *Machine) Current() string {
	return m.current
}

// ItemID returns the item the machine drives
func (m *Machine) ItemID() string {
	return m.itemID
}

// Error returns the failure reason captured on entering the fail state
func (m *Machine) Error() string {
	return m.err
}

// SetError records an error without transitioning. Used when even the
// best-effort move to the fail state is not legal.
func (m *Machine) SetError(msg string) {
	m.err = msg
}

// CanTransition reports whether target is a legal successor of the
// current state.
func (m *Machine) CanTransition(target string) bool {
	for _, t := range m.table[m.current] {
		if t == target {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the current state has no legal successors
func (m *Machine) IsTerminal() bool {
	return len(m.table[m.current]) == 0
}

// Transition moves the machine to target, recording the edge in history.
// An illegal target fails with *InvalidTransitionError and leaves the
// machine untouched. Entering the fail state captures reason as the error.
func (m *Machine) Transition(target, reason string) error {
	if !m.CanTransition(target) {
		valid := append([]string{}, m.table[m.current]...)
		return &InvalidTransitionError{
			ItemID: m.itemID,
			From:   m.current,
			To:     target,
			Valid:  valid,
		}
	}

	m.history = append(m.history, models.Transition{
		From:   m.current,
		To:     target,
		Reason: reason,
		At:     time.Now().UTC(),
	})
	m.current = target

	if target == m.failState {
		m.err = reason
	}
	return nil
}

// Fail makes a best-effort move to the fail state, capturing reason as the
// error even when no legal edge exists from the current state.
func (m *Machine) Fail(reason string) {
	if err := m.Transition(m.failState, reason); err != nil {
		m.err = reason
	}
}

// Snapshot returns a copy of the machine's state
func (m *Machine) Snapshot() Snapshot {
	history := make([]models.Transition, len(m.history))
	copy(history, m.history)
	return Snapshot{
		ItemID:    m.itemID,
		Current:   m.current,
		History:   history,
		StartedAt: m.startedAt,
		Error:     m.err,
	}
}
