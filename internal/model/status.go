package model

import "fmt"

// RunStatus is the lifecycle state of a whole pipeline run.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// StageState is the lifecycle state of a single pipeline stage.
type StageState string

const (
	StagePending   StageState = "pending"
	StageRunning   StageState = "running"
	StageCompleted StageState = "completed"
	StageSkipped   StageState = "skipped"
	StageFailed    StageState = "failed"
)

// EventType tags entries in the run event feed.
type EventType string

const (
	EventStageStarted   EventType = "started"
	EventStageUpdated   EventType = "updated"
	EventStageCompleted EventType = "completed"
	EventStageSkipped   EventType = "skipped"
	EventStageFailed    EventType = "failed"

	EventSessionStarted   EventType = "session_started"
	EventSessionCompleted EventType = "session_completed"
	EventSessionFailed    EventType = "session_failed"
)

var terminalRunStatuses = map[RunStatus]bool{
	RunStatusCompleted: true,
	RunStatusFailed:    true,
}

var terminalStageStates = map[StageState]bool{
	StageCompleted: true,
	StageSkipped:   true,
	StageFailed:    true,
}

// stageTransitions encodes the expected stage lifecycle. A stage goes
// pending to running to one terminal state, with pending to skipped allowed
// directly when a skip flag applies. running to running is a progress
// refresh, not a transition.
var stageTransitions = map[StageState]map[StageState]bool{
	StagePending: {
		StageRunning: true,
		StageSkipped: true,
	},
	StageRunning: {
		StageRunning:   true,
		StageCompleted: true,
		StageSkipped:   true,
		StageFailed:    true,
	},
}

// IsRunTerminal reports whether a run status is final.
func IsRunTerminal(s RunStatus) bool {
	return terminalRunStatuses[s]
}

// IsStageTerminal reports whether a stage state is final.
func IsStageTerminal(s StageState) bool {
	return terminalStageStates[s]
}

// ValidStageState reports whether s is a known stage state.
func ValidStageState(s StageState) bool {
	switch s {
	case StagePending, StageRunning, StageCompleted, StageSkipped, StageFailed:
		return true
	}
	return false
}

// ValidRunStatus reports whether s is a known run status.
func ValidRunStatus(s RunStatus) bool {
	switch s {
	case RunStatusRunning, RunStatusCompleted, RunStatusFailed:
		return true
	}
	return false
}

// ValidateStageTransition checks from -> to against the stage lifecycle.
// The state store applies writes regardless; callers use this to flag
// out-of-order reporting.
func ValidateStageTransition(from, to StageState) error {
	if !ValidStageState(from) {
		return fmt.Errorf("unknown stage state %q", from)
	}
	if !ValidStageState(to) {
		return fmt.Errorf("unknown stage state %q", to)
	}
	if allowed, ok := stageTransitions[from]; ok && allowed[to] {
		return nil
	}
	return fmt.Errorf("invalid stage transition %s -> %s", from, to)
}

// StageEventType maps a stage state change to the event type recorded in the
// run feed. Re-entering running is reported as an update.
func StageEventType(from, to StageState) EventType {
	switch to {
	case StageRunning:
		if from == StageRunning {
			return EventStageUpdated
		}
		return EventStageStarted
	case StageCompleted:
		return EventStageCompleted
	case StageSkipped:
		return EventStageSkipped
	case StageFailed:
		return EventStageFailed
	}
	return EventStageUpdated
}
