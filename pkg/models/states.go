package models

import "time"

// RemediationState represents the per-solution remediation lifecycle
type RemediationState string

const (
	StateDetected            RemediationState = "DETECTED"
	StateValidating          RemediationState = "VALIDATING"
	StateValidated           RemediationState = "VALIDATED"
	StateDeleting            RemediationState = "DELETING"
	StateDeleteFailed        RemediationState = "DELETE_FAILED"
	StateMigrating           RemediationState = "MIGRATING"
	StateMigrationFailed     RemediationState = "MIGRATION_FAILED"
	StateWaitingConfirmation RemediationState = "WAITING_CONFIRMATION"
	StateConfirmed           RemediationState = "CONFIRMED"
	StatePostUpdate          RemediationState = "POST_UPDATE"
	StatePostUpdateFailed    RemediationState = "POST_UPDATE_FAILED"
	StateCompleted           RemediationState = "COMPLETED"
	StateSkipped             RemediationState = "SKIPPED"
	StateFailed              RemediationState = "FAILED"
)

// ValidTransitions is the legal-successor table for the solution automaton
var ValidTransitions = map[RemediationState][]RemediationState{
	StateDetected: {StateValidating},
	StateValidating: {
		StateValidated,
		StateSkipped,
		StateFailed,
	},
	StateValidated: {StateDeleting},
	StateDeleting: {
		StateMigrating,
		StateDeleteFailed,
	},
	StateDeleteFailed: {StateFailed},
	StateMigrating: {
		StateWaitingConfirmation,
		StateMigrationFailed,
	},
	StateMigrationFailed: {StateFailed},
	StateWaitingConfirmation: {
		StateConfirmed,
		StateMigrationFailed,
	},
	StateConfirmed: {StatePostUpdate},
	StatePostUpdate: {
		StateCompleted,
		StatePostUpdateFailed,
	},
	StatePostUpdateFailed: {StateFailed},
	// Terminal states have no valid transitions
	StateCompleted: {},
	StateSkipped:   {},
	StateFailed:    {},
}

// TerminalStates is the set of solution states with no legal successors
var TerminalStates = map[RemediationState]bool{
	StateCompleted: true,
	StateSkipped:   true,
	StateFailed:    true,
}

// Successors returns the legal target states from s
func (s RemediationState) Successors() []RemediationState {
	return ValidTransitions[s]
}

// IsTerminal reports whether s has no legal successors
func (s RemediationState) IsTerminal() bool {
	return TerminalStates[s]
}

// CanTransitionTo reports whether target is a legal successor of s
func (s RemediationState) CanTransitionTo(target RemediationState) bool {
	for _, t := range ValidTransitions[s] {
		if t == target {
			return true
		}
	}
	return false
}

// OERemediationState represents the per-service OE remediation lifecycle
type OERemediationState string

const (
	OEStateDetected           OERemediationState = "DETECTED"
	OEStateValidating         OERemediationState = "VALIDATING"
	OEStateValidated          OERemediationState = "VALIDATED"
	OEStateNotImpacted        OERemediationState = "NOT_IMPACTED"
	OEStateAnalyzing          OERemediationState = "ANALYZING"
	OEStateAttachmentUpdated  OERemediationState = "ATTACHMENT_UPDATED"
	OEStateRemediationStarted OERemediationState = "REMEDIATION_STARTED"
	OEStateRemediated         OERemediationState = "REMEDIATED"
	OEStateSkipped            OERemediationState = "SKIPPED"
	OEStateFailed             OERemediationState = "FAILED"
)

// OEValidTransitions is the legal-successor table for the OE automaton
var OEValidTransitions = map[OERemediationState][]OERemediationState{
	OEStateDetected: {OEStateValidating},
	OEStateValidating: {
		OEStateValidated,
		OEStateSkipped,
		OEStateFailed,
	},
	OEStateValidated: {
		OEStateAnalyzing,
		OEStateNotImpacted,
	},
	OEStateAnalyzing: {
		OEStateAttachmentUpdated,
		OEStateNotImpacted,
		OEStateFailed,
	},
	OEStateAttachmentUpdated: {
		OEStateRemediationStarted,
		OEStateFailed,
	},
	OEStateRemediationStarted: {
		OEStateRemediated,
		OEStateFailed,
	},
	// Terminal states have no valid transitions
	OEStateNotImpacted: {},
	OEStateRemediated:  {},
	OEStateSkipped:     {},
	OEStateFailed:      {},
}

// OETerminalStates is the set of OE states with no legal successors
var OETerminalStates = map[OERemediationState]bool{
	OEStateRemediated:  true,
	OEStateNotImpacted: true,
	OEStateSkipped:     true,
	OEStateFailed:      true,
}

// Successors returns the legal target states from s
func (s OERemediationState) Successors() []OERemediationState {
	return OEValidTransitions[s]
}

// IsTerminal reports whether s has no legal successors
func (s OERemediationState) IsTerminal() bool {
	return OETerminalStates[s]
}

// CanTransitionTo reports whether target is a legal successor of s
func (s OERemediationState) CanTransitionTo(target OERemediationState) bool {
	for _, t := range OEValidTransitions[s] {
		if t == target {
			return true
		}
	}
	return false
}

// Transition records one state change with its reason
type Transition struct {
	From   string    `json:"from"`
	To     string    `json:"to"`
	Reason string    `json:"reason"`
	At     time.Time `json:"at"`
}
