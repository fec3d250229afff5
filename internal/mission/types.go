package mission

import (
	"encoding/json"
	"fmt"
	"time"
)

// Status represents the lifecycle state of a mission.
type Status string

const (
	StatusPlanning        Status = "planning"
	StatusDispatched      Status = "dispatched"
	StatusInProgress      Status = "in_progress"
	StatusCompleted       Status = "completed"
	StatusPartiallyFailed Status = "partially_failed"
	StatusFailed          Status = "failed"
	StatusTimedOut        Status = "timed_out"
	StatusCancelled       Status = "cancelled"
)

var validStatuses = map[Status]bool{
	StatusPlanning:        true,
	StatusDispatched:      true,
	StatusInProgress:      true,
	StatusCompleted:       true,
	StatusPartiallyFailed: true,
	StatusFailed:          true,
	StatusTimedOut:        true,
	StatusCancelled:       true,
}

// IsValid returns true if the status is one of the recognized values.
func (s Status) IsValid() bool {
	return validStatuses[s]
}

// IsTerminal reports whether the status can never change again.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusPartiallyFailed, StatusFailed, StatusTimedOut, StatusCancelled:
		return true
	}
	return false
}

// missionTransitions enumerates the legal moves of the mission state machine.
// Terminal states have no successors. Planning→Completed covers missions whose
// decomposition yields no tasks and which resolve immediately.
var missionTransitions = map[Status][]Status{
	StatusPlanning:   {StatusDispatched, StatusCompleted, StatusFailed, StatusCancelled},
	StatusDispatched: {StatusInProgress, StatusCompleted, StatusPartiallyFailed, StatusFailed, StatusTimedOut, StatusCancelled},
	StatusInProgress: {StatusCompleted, StatusPartiallyFailed, StatusFailed, StatusTimedOut, StatusCancelled},
}

// CanTransition reports whether moving from s to next is legal.
func (s Status) CanTransition(next Status) bool {
	for _, allowed := range missionTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// TaskStatus represents the lifecycle state of a single task.
type TaskStatus string

const (
	TaskPending      TaskStatus = "pending"
	TaskDispatched   TaskStatus = "dispatched"
	TaskAcknowledged TaskStatus = "acknowledged"
	TaskCompleted    TaskStatus = "completed"
	TaskFailed       TaskStatus = "failed"
	TaskTimedOut     TaskStatus = "timed_out"
	TaskCancelled    TaskStatus = "cancelled"
)

var validTaskStatuses = map[TaskStatus]bool{
	TaskPending:      true,
	TaskDispatched:   true,
	TaskAcknowledged: true,
	TaskCompleted:    true,
	TaskFailed:       true,
	TaskTimedOut:     true,
	TaskCancelled:    true,
}

// IsValid returns true if the status is one of the recognized values.
func (s TaskStatus) IsValid() bool {
	return validTaskStatuses[s]
}

// IsTerminal reports whether the task can never change again.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskTimedOut, TaskCancelled:
		return true
	}
	return false
}

// taskTransitions enumerates the legal moves of the task state machine.
// Dispatched→Pending covers retry re-queueing of a failed attempt.
var taskTransitions = map[TaskStatus][]TaskStatus{
	TaskPending:      {TaskDispatched, TaskCancelled, TaskTimedOut},
	TaskDispatched:   {TaskAcknowledged, TaskCompleted, TaskFailed, TaskTimedOut, TaskCancelled, TaskPending},
	TaskAcknowledged: {TaskCompleted, TaskFailed, TaskTimedOut, TaskCancelled, TaskPending},
}

// CanTransition reports whether moving from s to next is legal.
func (s TaskStatus) CanTransition(next TaskStatus) bool {
	for _, allowed := range taskTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Intention is the validated, structured representation of a user request.
// It is produced by the external persona collaborator and immutable once accepted.
type Intention struct {
	IntentionID string          `json:"intention_id"`
	SessionID   string          `json:"session_id"`
	Type        string          `json:"type"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
	ReceivedAt  time.Time       `json:"received_at"`
}

// Validate checks that the intention carries the minimum required fields.
func (i *Intention) Validate() error {
	if i.IntentionID == "" {
		return fmt.Errorf("intention: intention_id is required")
	}
	if i.SessionID == "" {
		return fmt.Errorf("intention: session_id is required")
	}
	if i.Type == "" {
		return fmt.Errorf("intention: type is required")
	}
	return nil
}

// Mission is the top-level unit of orchestration derived from one intention.
type Mission struct {
	MissionID       string    `json:"mission_id"`
	IntentionID     string    `json:"intention_id"`
	SessionID       string    `json:"session_id"`
	Status          Status    `json:"status"`
	RequiredTaskIDs []string  `json:"required_task_ids"`
	OptionalTaskIDs []string  `json:"optional_task_ids"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
	Deadline        time.Time `json:"deadline"`
	Outcome         *Outcome  `json:"outcome,omitempty"`
}

// Task is one atomic unit of work within a mission, bound to a single capability.
type Task struct {
	TaskID        string          `json:"task_id"`
	MissionID     string          `json:"mission_id"`
	Capability    string          `json:"capability"`
	Parameters    json.RawMessage `json:"parameters,omitempty"`
	Status        TaskStatus      `json:"status"`
	Required      bool            `json:"required"`
	AttemptCount  int             `json:"attempt_count"`
	MaxAttempts   int             `json:"max_attempts"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	Deadline      time.Time       `json:"deadline,omitempty"`
	NextAttemptAt time.Time       `json:"next_attempt_at,omitempty"`
	LastError     string          `json:"last_error,omitempty"`
	Result        json.RawMessage `json:"result,omitempty"`
}

// Outcome captures the terminal result of a mission.
type Outcome struct {
	Status  Status       `json:"status"`
	Results []TaskResult `json:"results"`
	Error   string       `json:"error,omitempty"`
}

// TaskResult is the per-task entry surfaced in the mission outcome.
type TaskResult struct {
	TaskID     string          `json:"task_id"`
	Capability string          `json:"capability"`
	Status     TaskStatus      `json:"status"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// ConversationThread groups missions by session for continuity. The engine only
// propagates session_id; thread persistence belongs to the conversation boundary.
type ConversationThread struct {
	SessionID      string    `json:"session_id"`
	MissionIDs     []string  `json:"mission_ids"`
	LastActivityAt time.Time `json:"last_activity_at"`
}
